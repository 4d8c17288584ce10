package types

import (
	"context"
	"time"
)

// RouterClient speaks a router-management API. Implementations hold one
// session and serialize calls on it.
type RouterClient interface {
	Ping(ctx context.Context) error

	ActiveSessions(ctx context.Context) ([]Session, error)
	RemoveSession(ctx context.Context, id string) error

	Interfaces(ctx context.Context) ([]InterfaceCounters, error)

	AddressList(ctx context.Context, list string) ([]AddressListEntry, error)
	AddAddress(ctx context.Context, entry AddressListEntry) error
	RemoveAddress(ctx context.Context, id string) error

	Logs(ctx context.Context, limit int) ([]LogEntry, error)
	Resources(ctx context.Context) (*Resources, error)

	Secrets(ctx context.Context) ([]Secret, error)
	AddSecret(ctx context.Context, s Secret) error
	UpdateSecret(ctx context.Context, s Secret) error
	RemoveSecret(ctx context.Context, id string) error

	Close() error
}

// Session is an active subscriber session
type Session struct {
	ID       string        `json:"id"`
	Login    string        `json:"login"`
	Service  string        `json:"service"`
	CallerID string        `json:"caller_id"` // MAC address for PPPoE
	Address  string        `json:"address"`
	Uptime   time.Duration `json:"uptime"`
}

// AddressListEntry is a member of a named firewall address list
type AddressListEntry struct {
	ID      string `json:"id,omitempty"`
	List    string `json:"list"`
	Address string `json:"address"`
	Comment string `json:"comment,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// LogEntry is a single device log line
type LogEntry struct {
	Time    string `json:"time"`
	Topics  string `json:"topics"`
	Message string `json:"message"`
}

// Resources is the aggregate device resource snapshot
type Resources struct {
	CPULoad       int           `json:"cpu_load"`
	FreeMemory    uint64        `json:"free_memory"`
	TotalMemory   uint64        `json:"total_memory"`
	Uptime        time.Duration `json:"uptime"`
	ActiveClients int           `json:"active_clients"`
	Version       string        `json:"version,omitempty"`
	BoardName     string        `json:"board_name,omitempty"`
}

// MemoryUsedPercent returns used memory as a percentage of total
func (r *Resources) MemoryUsedPercent() float64 {
	if r == nil || r.TotalMemory == 0 {
		return 0
	}
	return float64(r.TotalMemory-r.FreeMemory) / float64(r.TotalMemory) * 100
}

// Secret is a subscriber credential configured on the router
type Secret struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	Password string `json:"-"`
	Service  string `json:"service,omitempty"`
	Profile  string `json:"profile"`
	Disabled bool   `json:"disabled,omitempty"`
	Comment  string `json:"comment,omitempty"`
}
