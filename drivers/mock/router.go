package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nanoncore/nano-reconciler/types"
)

// Router is an in-memory router implementing types.RouterClient.
// Sessions, secrets, address lists and logs are plain slices that tests
// seed directly through the exported helpers.
type Router struct {
	mu        sync.Mutex
	nextID    int
	closed    bool
	failures  map[string]error
	calls     int
	secrets   []types.Secret
	sessions  []types.Session
	addresses []types.AddressListEntry
	logs      []types.LogEntry
	ifaces    []types.InterfaceCounters
	resources types.Resources
}

// NewRouter creates an empty mock router
func NewRouter() *Router {
	return &Router{
		failures: make(map[string]error),
		resources: types.Resources{
			CPULoad:     5,
			FreeMemory:  512 << 20,
			TotalMemory: 1024 << 20,
			Uptime:      72 * time.Hour,
			Version:     "7.14.3",
			BoardName:   "CCR2004-1G-12S+2XS",
		},
	}
}

func (r *Router) id() string {
	r.nextID++
	return fmt.Sprintf("*%X", r.nextID)
}

// SetFailure makes every call fail with err until cleared with nil
func (r *Router) SetFailure(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failures, op)
		return
	}
	r.failures[op] = err
}

// Calls returns the number of API calls served
func (r *Router) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// SeedSecret adds a PPP secret
func (r *Router) SeedSecret(name, profile string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.secrets = append(r.secrets, types.Secret{ID: r.id(), Name: name, Profile: profile, Service: "pppoe"})
}

// SeedSession adds an active session
func (r *Router) SeedSession(login, mac, address string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, types.Session{ID: r.id(), Login: login, CallerID: mac, Address: address, Service: "pppoe"})
}

// SeedLog appends a log line
func (r *Router) SeedLog(topics, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, types.LogEntry{Time: "00:00:00", Topics: topics, Message: message})
}

// SeedInterface adds interface counters
func (r *Router) SeedInterface(c types.InterfaceCounters) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ifaces = append(r.ifaces, c)
}

// SeedAddress adds an address list entry
func (r *Router) SeedAddress(list, address, comment string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addresses = append(r.addresses, types.AddressListEntry{ID: r.id(), List: list, Address: address, Comment: comment})
}

// SecretByName returns a secret and whether it exists
func (r *Router) SecretByName(name string) (types.Secret, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.secrets {
		if s.Name == name {
			return s, true
		}
	}
	return types.Secret{}, false
}

// InList reports whether address is a member of list
func (r *Router) InList(list, address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.addresses {
		if e.List == list && e.Address == address {
			return true
		}
	}
	return false
}

// HasSession reports whether login has an active session
func (r *Router) HasSession(login string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.Login == login {
			return true
		}
	}
	return false
}

func (r *Router) begin(op string) error {
	r.calls++
	if r.closed {
		return types.ErrNotConnected
	}
	if err := r.failures[op]; err != nil {
		return err
	}
	return r.failures["*"]
}

// Ping implements types.RouterClient
func (r *Router) Ping(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.begin("ping")
}

// ActiveSessions implements types.RouterClient
func (r *Router) ActiveSessions(ctx context.Context) ([]types.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("sessions"); err != nil {
		return nil, err
	}
	return append([]types.Session(nil), r.sessions...), nil
}

// RemoveSession implements types.RouterClient
func (r *Router) RemoveSession(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("remove-session"); err != nil {
		return err
	}
	for i, s := range r.sessions {
		if s.ID == id {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			return nil
		}
	}
	return types.ErrNotFound
}

// Interfaces implements types.RouterClient
func (r *Router) Interfaces(ctx context.Context) ([]types.InterfaceCounters, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("interfaces"); err != nil {
		return nil, err
	}
	return append([]types.InterfaceCounters(nil), r.ifaces...), nil
}

// AddressList implements types.RouterClient
func (r *Router) AddressList(ctx context.Context, list string) ([]types.AddressListEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("address-list"); err != nil {
		return nil, err
	}
	var out []types.AddressListEntry
	for _, e := range r.addresses {
		if e.List == list {
			out = append(out, e)
		}
	}
	return out, nil
}

// AddAddress implements types.RouterClient. Duplicate entries are
// rejected the way RouterOS rejects them.
func (r *Router) AddAddress(ctx context.Context, entry types.AddressListEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("add-address"); err != nil {
		return err
	}
	for _, e := range r.addresses {
		if e.List == entry.List && e.Address == entry.Address {
			return fmt.Errorf("failure: already have such entry")
		}
	}
	entry.ID = r.id()
	r.addresses = append(r.addresses, entry)
	return nil
}

// RemoveAddress implements types.RouterClient
func (r *Router) RemoveAddress(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("remove-address"); err != nil {
		return err
	}
	for i, e := range r.addresses {
		if e.ID == id {
			r.addresses = append(r.addresses[:i], r.addresses[i+1:]...)
			return nil
		}
	}
	return types.ErrNotFound
}

// Logs implements types.RouterClient
func (r *Router) Logs(ctx context.Context, limit int) ([]types.LogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("logs"); err != nil {
		return nil, err
	}
	logs := r.logs
	if limit > 0 && len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	return append([]types.LogEntry(nil), logs...), nil
}

// Resources implements types.RouterClient
func (r *Router) Resources(ctx context.Context) (*types.Resources, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("resources"); err != nil {
		return nil, err
	}
	res := r.resources
	res.ActiveClients = len(r.sessions)
	return &res, nil
}

// Secrets implements types.RouterClient
func (r *Router) Secrets(ctx context.Context) ([]types.Secret, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("secrets"); err != nil {
		return nil, err
	}
	return append([]types.Secret(nil), r.secrets...), nil
}

// AddSecret implements types.RouterClient
func (r *Router) AddSecret(ctx context.Context, s types.Secret) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("add-secret"); err != nil {
		return err
	}
	for _, existing := range r.secrets {
		if existing.Name == s.Name {
			return fmt.Errorf("failure: secret with the same name already exists")
		}
	}
	s.ID = r.id()
	r.secrets = append(r.secrets, s)
	return nil
}

// UpdateSecret implements types.RouterClient
func (r *Router) UpdateSecret(ctx context.Context, s types.Secret) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("update-secret"); err != nil {
		return err
	}
	for i, existing := range r.secrets {
		if existing.ID == s.ID {
			existing.Profile = s.Profile
			existing.Disabled = s.Disabled
			if s.Password != "" {
				existing.Password = s.Password
			}
			r.secrets[i] = existing
			return nil
		}
	}
	return types.ErrNotFound
}

// RemoveSecret implements types.RouterClient
func (r *Router) RemoveSecret(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.begin("remove-secret"); err != nil {
		return err
	}
	for i, s := range r.secrets {
		if s.ID == id {
			r.secrets = append(r.secrets[:i], r.secrets[i+1:]...)
			return nil
		}
	}
	return types.ErrNotFound
}

// Close is a no-op so the same instance can be handed out per dial
func (r *Router) Close() error {
	return nil
}

var _ types.RouterClient = (*Router)(nil)
