// Package router is the router-facing orchestration service. Consumers
// never talk to a router directly; this service picks the transport per
// node and fails soft for unmanaged nodes.
package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/nanoncore/nano-reconciler/drivers/routeros"
	"github.com/nanoncore/nano-reconciler/drivers/snmp"
	"github.com/nanoncore/nano-reconciler/model"
	"github.com/nanoncore/nano-reconciler/types"
	"github.com/nanoncore/nano-reconciler/vendors/common"
)

// SNMPSession is an SNMP executor with a session lifecycle
type SNMPSession = types.SNMPSession

// GNMISession reads interface counters over gNMI
type GNMISession interface {
	Connect(ctx context.Context) error
	InterfaceCounters(ctx context.Context) ([]types.InterfaceCounters, error)
	Close() error
}

// Factory opens transports for a node
type Factory interface {
	RouterClient(ctx context.Context, node *model.ServiceNode) (types.RouterClient, error)
	SNMP(node *model.ServiceNode) (SNMPSession, error)
	GNMI(node *model.ServiceNode) (GNMISession, error)
}

// Config names the router-side objects the service manages
type Config struct {
	// IsolationProfile is the PPP profile that routes into the walled garden
	IsolationProfile string `yaml:"isolation_profile" mapstructure:"isolation_profile"`

	// IsolationList is the address list the walled garden firewall matches
	IsolationList string `yaml:"isolation_list" mapstructure:"isolation_list"`

	// TTLAnomalyList is filled by a mangle rule that flags decremented TTLs
	TTLAnomalyList string `yaml:"ttl_anomaly_list" mapstructure:"ttl_anomaly_list"`

	// DefaultProfile is used when a customer has no rate limit
	DefaultProfile string `yaml:"default_profile" mapstructure:"default_profile"`

	// Service is the PPP service of created secrets
	Service string `yaml:"service" mapstructure:"service"`
}

// DefaultConfig returns the stock object names
func DefaultConfig() Config {
	return Config{
		IsolationProfile: "isolir",
		IsolationList:    "ISOLIR",
		TTLAnomalyList:   "ttl_anomaly",
		DefaultProfile:   "default",
		Service:          "pppoe",
	}
}

// Service dispatches router operations by the node's connection method
type Service struct {
	factory Factory
	cfg     Config
	logger  zerolog.Logger
}

func NewService(factory Factory, cfg Config, logger zerolog.Logger) *Service {
	return &Service{factory: factory, cfg: cfg, logger: logger.With().Str("component", "router").Logger()}
}

// Config returns the object names in use
func (s *Service) Config() Config { return s.cfg }

func (s *Service) check(node *model.ServiceNode) error {
	if !node.Managed() {
		return types.ErrNoManagement
	}
	if node.Kind != model.NodeKindRouter {
		return fmt.Errorf("%w: node %d is a %s", types.ErrUnsupported, node.ID, node.Kind)
	}
	return nil
}

// api runs fn over a management API session
func (s *Service) api(ctx context.Context, node *model.ServiceNode, fn func(types.RouterClient) error) error {
	if err := s.check(node); err != nil {
		return err
	}
	if node.ConnectionMethod != model.ConnectionAPI {
		return fmt.Errorf("%w: %s on node %d", types.ErrUnsupported, node.ConnectionMethod, node.ID)
	}
	client, err := s.factory.RouterClient(ctx, node)
	if err != nil {
		s.logger.Warn().Err(err).Int64("node_id", node.ID).Str("address", node.Address).Msg("router unreachable")
		return err
	}
	defer client.Close()
	return fn(client)
}

func (s *Service) snmp(ctx context.Context, node *model.ServiceNode, fn func(SNMPSession) error) error {
	sess, err := s.factory.SNMP(node)
	if err != nil {
		return err
	}
	defer sess.Close()
	if err := sess.Connect(ctx); err != nil {
		s.logger.Warn().Err(err).Int64("node_id", node.ID).Msg("snmp unreachable")
		return err
	}
	return fn(sess)
}

func (s *Service) gnmi(ctx context.Context, node *model.ServiceNode, fn func(GNMISession) error) error {
	sess, err := s.factory.GNMI(node)
	if err != nil {
		return err
	}
	defer sess.Close()
	if err := sess.Connect(ctx); err != nil {
		s.logger.Warn().Err(err).Int64("node_id", node.ID).Msg("gnmi unreachable")
		return err
	}
	return fn(sess)
}

// Ping checks reachability over whichever transport the node uses
func (s *Service) Ping(ctx context.Context, node *model.ServiceNode) error {
	if err := s.check(node); err != nil {
		return err
	}
	switch node.ConnectionMethod {
	case model.ConnectionAPI:
		return s.api(ctx, node, func(c types.RouterClient) error { return c.Ping(ctx) })
	case model.ConnectionSNMP:
		return s.snmp(ctx, node, func(sess SNMPSession) error {
			_, err := sess.GetSNMP(ctx, common.OIDSysUpTime)
			return err
		})
	case model.ConnectionGNMI:
		return s.gnmi(ctx, node, func(GNMISession) error { return nil })
	}
	return fmt.Errorf("%w: %s", types.ErrUnsupported, node.ConnectionMethod)
}

// Sessions lists active subscriber sessions
func (s *Service) Sessions(ctx context.Context, node *model.ServiceNode) ([]types.Session, error) {
	var out []types.Session
	err := s.api(ctx, node, func(c types.RouterClient) error {
		var err error
		out, err = c.ActiveSessions(ctx)
		return err
	})
	return out, err
}

// Disconnect removes every active session of login and returns how many
// were removed
func (s *Service) Disconnect(ctx context.Context, node *model.ServiceNode, login string) (int, error) {
	var n int
	err := s.api(ctx, node, func(c types.RouterClient) error {
		var err error
		n, err = kick(ctx, c, login)
		return err
	})
	return n, err
}

func kick(ctx context.Context, c types.RouterClient, login string) (int, error) {
	sessions, err := c.ActiveSessions(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, sess := range sessions {
		if sess.Login != login {
			continue
		}
		if err := c.RemoveSession(ctx, sess.ID); err != nil && !errors.Is(err, types.ErrNotFound) {
			return n, fmt.Errorf("remove session %s: %w", sess.ID, err)
		}
		n++
	}
	return n, nil
}

// Traffic reads per-interface octet counters
func (s *Service) Traffic(ctx context.Context, node *model.ServiceNode) ([]types.InterfaceCounters, error) {
	if err := s.check(node); err != nil {
		return nil, err
	}
	var out []types.InterfaceCounters
	var err error
	switch node.ConnectionMethod {
	case model.ConnectionAPI:
		err = s.api(ctx, node, func(c types.RouterClient) error {
			out, err = c.Interfaces(ctx)
			return err
		})
	case model.ConnectionSNMP:
		err = s.snmp(ctx, node, func(sess SNMPSession) error {
			out, err = snmp.InterfaceCounters(ctx, sess)
			return err
		})
	case model.ConnectionGNMI:
		err = s.gnmi(ctx, node, func(sess GNMISession) error {
			out, err = sess.InterfaceCounters(ctx)
			return err
		})
	default:
		err = fmt.Errorf("%w: %s", types.ErrUnsupported, node.ConnectionMethod)
	}
	return out, err
}

// AddressList returns the entries of list
func (s *Service) AddressList(ctx context.Context, node *model.ServiceNode, list string) ([]types.AddressListEntry, error) {
	var out []types.AddressListEntry
	err := s.api(ctx, node, func(c types.RouterClient) error {
		var err error
		out, err = c.AddressList(ctx, list)
		return err
	})
	return out, err
}

// AddToAddressList inserts address into list. An existing entry is left
// as is.
func (s *Service) AddToAddressList(ctx context.Context, node *model.ServiceNode, entry types.AddressListEntry) error {
	return s.api(ctx, node, func(c types.RouterClient) error {
		return addAddress(ctx, c, entry)
	})
}

func addAddress(ctx context.Context, c types.RouterClient, entry types.AddressListEntry) error {
	existing, err := c.AddressList(ctx, entry.List)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if e.Address == entry.Address {
			return nil
		}
	}
	return c.AddAddress(ctx, entry)
}

// RemoveFromAddressList removes address from list. A missing entry is not
// an error.
func (s *Service) RemoveFromAddressList(ctx context.Context, node *model.ServiceNode, list, address string) error {
	return s.api(ctx, node, func(c types.RouterClient) error {
		return removeAddress(ctx, c, list, func(e types.AddressListEntry) bool { return e.Address == address })
	})
}

func removeAddress(ctx context.Context, c types.RouterClient, list string, match func(types.AddressListEntry) bool) error {
	existing, err := c.AddressList(ctx, list)
	if err != nil {
		return err
	}
	for _, e := range existing {
		if !match(e) {
			continue
		}
		if err := c.RemoveAddress(ctx, e.ID); err != nil && !errors.Is(err, types.ErrNotFound) {
			return err
		}
	}
	return nil
}

// Logs returns up to limit recent log entries
func (s *Service) Logs(ctx context.Context, node *model.ServiceNode, limit int) ([]types.LogEntry, error) {
	var out []types.LogEntry
	err := s.api(ctx, node, func(c types.RouterClient) error {
		var err error
		out, err = c.Logs(ctx, limit)
		return err
	})
	return out, err
}

// Resources reads CPU, memory, uptime and the active client count. Over
// SNMP only uptime and CPU load are available.
func (s *Service) Resources(ctx context.Context, node *model.ServiceNode) (*types.Resources, error) {
	if err := s.check(node); err != nil {
		return nil, err
	}
	var res *types.Resources
	var err error
	switch node.ConnectionMethod {
	case model.ConnectionAPI:
		err = s.api(ctx, node, func(c types.RouterClient) error {
			res, err = c.Resources(ctx)
			return err
		})
	case model.ConnectionSNMP:
		err = s.snmp(ctx, node, func(sess SNMPSession) error {
			uptime, err := snmp.SystemUptime(ctx, sess)
			if err != nil {
				return err
			}
			res = &types.Resources{Uptime: uptime}
			// hrProcessorLoad is optional on many agents
			if load, err := snmp.CPULoad(ctx, sess); err == nil {
				res.CPULoad = load
			}
			return nil
		})
	default:
		err = fmt.Errorf("%w: resources over %s", types.ErrUnsupported, node.ConnectionMethod)
	}
	return res, err
}

// MultiLogin returns logins with more than one distinct caller id among
// active sessions, mapped to the sorted caller ids
func (s *Service) MultiLogin(ctx context.Context, node *model.ServiceNode) (map[string][]string, error) {
	sessions, err := s.Sessions(ctx, node)
	if err != nil {
		return nil, err
	}
	return MultiLogin(sessions), nil
}

// MultiLogin groups sessions by login and keeps logins seen from more
// than one caller id
func MultiLogin(sessions []types.Session) map[string][]string {
	seen := make(map[string]map[string]struct{})
	for _, sess := range sessions {
		if sess.Login == "" || sess.CallerID == "" {
			continue
		}
		if seen[sess.Login] == nil {
			seen[sess.Login] = make(map[string]struct{})
		}
		seen[sess.Login][sess.CallerID] = struct{}{}
	}
	out := make(map[string][]string)
	for login, macs := range seen {
		if len(macs) < 2 {
			continue
		}
		list := make([]string, 0, len(macs))
		for mac := range macs {
			list = append(list, mac)
		}
		sort.Strings(list)
		out[login] = list
	}
	return out
}

// TTLAnomalies returns the distinct source addresses flagged in the TTL
// anomaly list, sorted
func (s *Service) TTLAnomalies(ctx context.Context, node *model.ServiceNode) ([]string, error) {
	entries, err := s.AddressList(ctx, node, s.cfg.TTLAnomalyList)
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		set[e.Address] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out, nil
}

// SecretNames returns the names of all PPP secrets on the node
func (s *Service) SecretNames(ctx context.Context, node *model.ServiceNode) ([]string, error) {
	var names []string
	err := s.api(ctx, node, func(c types.RouterClient) error {
		secrets, err := c.Secrets(ctx)
		if err != nil {
			return err
		}
		names = make([]string, 0, len(secrets))
		for _, sec := range secrets {
			names = append(names, sec.Name)
		}
		return nil
	})
	return names, err
}

func customerTag(id int64) string {
	return "customer:" + strconv.FormatInt(id, 10)
}

// profileFor returns the PPP profile the customer should hold
func (s *Service) profileFor(c *model.Customer) string {
	if c.ShouldBeIsolated() {
		return s.cfg.IsolationProfile
	}
	if c.RateLimit != "" {
		return c.RateLimit
	}
	return s.cfg.DefaultProfile
}

// SyncCustomer makes the customer's PPP secret match the record:
// created when missing, profile and password overwritten otherwise.
func (s *Service) SyncCustomer(ctx context.Context, node *model.ServiceNode, c *model.Customer) error {
	return s.api(ctx, node, func(rc types.RouterClient) error {
		return s.upsertSecret(ctx, rc, c, s.profileFor(c))
	})
}

func (s *Service) upsertSecret(ctx context.Context, rc types.RouterClient, c *model.Customer, profile string) error {
	if c.Login == "" {
		return fmt.Errorf("customer %d has no login", c.ID)
	}
	secrets, err := rc.Secrets(ctx)
	if err != nil {
		return err
	}
	want := types.Secret{
		Name:     c.Login,
		Password: c.Password,
		Service:  s.cfg.Service,
		Profile:  profile,
		Comment:  customerTag(c.ID),
	}
	for _, sec := range secrets {
		if sec.Name == c.Login {
			want.ID = sec.ID
			return rc.UpdateSecret(ctx, want)
		}
	}
	return rc.AddSecret(ctx, want)
}

// SyncAll pushes every customer over one session. each is called per
// customer with the outcome; only a session failure is returned.
func (s *Service) SyncAll(ctx context.Context, node *model.ServiceNode, customers []*model.Customer, each func(*model.Customer, error)) error {
	return s.api(ctx, node, func(rc types.RouterClient) error {
		for _, c := range customers {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := s.upsertSecret(ctx, rc, c, s.profileFor(c))
			if each != nil {
				each(c, err)
			}
		}
		return nil
	})
}

// PruneSecrets removes every PPP secret whose name is not in keep and
// returns the removed names
func (s *Service) PruneSecrets(ctx context.Context, node *model.ServiceNode, keep map[string]bool) ([]string, error) {
	var removed []string
	err := s.api(ctx, node, func(rc types.RouterClient) error {
		secrets, err := rc.Secrets(ctx)
		if err != nil {
			return err
		}
		for _, sec := range secrets {
			if keep[sec.Name] {
				continue
			}
			if err := rc.RemoveSecret(ctx, sec.ID); err != nil && !errors.Is(err, types.ErrNotFound) {
				return fmt.Errorf("remove secret %s: %w", sec.Name, err)
			}
			removed = append(removed, sec.Name)
		}
		return nil
	})
	return removed, err
}

// RemoveSecret deletes the PPP secret named login. A missing secret is
// not an error.
func (s *Service) RemoveSecret(ctx context.Context, node *model.ServiceNode, login string) error {
	return s.api(ctx, node, func(rc types.RouterClient) error {
		secrets, err := rc.Secrets(ctx)
		if err != nil {
			return err
		}
		for _, sec := range secrets {
			if sec.Name != login {
				continue
			}
			if err := rc.RemoveSecret(ctx, sec.ID); err != nil && !errors.Is(err, types.ErrNotFound) {
				return err
			}
		}
		return nil
	})
}

// Isolate moves the customer into the walled garden: isolation profile on
// the secret, session address in the isolation list, session kicked so the
// new profile applies on reconnect. Repeating it converges.
func (s *Service) Isolate(ctx context.Context, node *model.ServiceNode, c *model.Customer) error {
	return s.api(ctx, node, func(rc types.RouterClient) error {
		if err := s.upsertSecret(ctx, rc, c, s.cfg.IsolationProfile); err != nil {
			return fmt.Errorf("set isolation profile: %w", err)
		}
		sessions, err := rc.ActiveSessions(ctx)
		if err != nil {
			return err
		}
		for _, sess := range sessions {
			if sess.Login != c.Login || sess.Address == "" {
				continue
			}
			err := addAddress(ctx, rc, types.AddressListEntry{
				List:    s.cfg.IsolationList,
				Address: sess.Address,
				Comment: customerTag(c.ID),
			})
			if err != nil {
				return fmt.Errorf("add to %s: %w", s.cfg.IsolationList, err)
			}
		}
		if _, err := kick(ctx, rc, c.Login); err != nil {
			return err
		}
		s.logger.Info().Int64("node_id", node.ID).Int64("customer_id", c.ID).Msg("customer isolated")
		return nil
	})
}

// Restore reverses Isolate: service profile back, isolation entries for
// the customer removed, session kicked.
func (s *Service) Restore(ctx context.Context, node *model.ServiceNode, c *model.Customer) error {
	return s.api(ctx, node, func(rc types.RouterClient) error {
		profile := c.RateLimit
		if profile == "" {
			profile = s.cfg.DefaultProfile
		}
		if err := s.upsertSecret(ctx, rc, c, profile); err != nil {
			return fmt.Errorf("restore profile: %w", err)
		}
		sessions, err := rc.ActiveSessions(ctx)
		if err != nil {
			return err
		}
		addrs := make(map[string]bool)
		for _, sess := range sessions {
			if sess.Login == c.Login {
				addrs[sess.Address] = true
			}
		}
		tag := customerTag(c.ID)
		err = removeAddress(ctx, rc, s.cfg.IsolationList, func(e types.AddressListEntry) bool {
			return e.Comment == tag || addrs[e.Address]
		})
		if err != nil {
			return fmt.Errorf("remove from %s: %w", s.cfg.IsolationList, err)
		}
		if _, err := kick(ctx, rc, c.Login); err != nil {
			return err
		}
		s.logger.Info().Int64("node_id", node.ID).Int64("customer_id", c.ID).Msg("customer restored")
		return nil
	})
}

// Block inserts address into a deny list with an optional timeout
func (s *Service) Block(ctx context.Context, node *model.ServiceNode, list, address, comment string, timeout time.Duration) error {
	return s.AddToAddressList(ctx, node, types.AddressListEntry{
		List:    list,
		Address: address,
		Comment: comment,
		Timeout: routeros.FormatDuration(timeout),
	})
}
