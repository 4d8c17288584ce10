package types

import (
	"context"
	"fmt"
	"time"
)

// OLTDriver is the contract every OLT driver implements.
// Mutations return an error instead of panicking so orchestration can
// degrade when a device is unreachable.
type OLTDriver interface {
	// Connect establishes the underlying session. It is reentrant and safe
	// to call before every operation.
	Connect(ctx context.Context) error

	// RegisterONU provisions a subscriber unit. Repeated calls with the same
	// serial converge instead of adding a duplicate.
	RegisterONU(ctx context.Context, serial string, cfg ONUConfig) error

	// GetSignal returns downstream receive power in dBm.
	// ErrSignalUnavailable is returned when the value cannot be read.
	GetSignal(ctx context.Context, iface string, onuIndex int) (float64, error)

	// RebootONU restarts a registered unit
	RebootONU(ctx context.Context, iface string, onuIndex int) error

	// DeRegisterONU removes a registered unit
	DeRegisterONU(ctx context.Context, iface string, onuIndex int) error

	// DiscoverUnconfiguredONUs lists units physically present but not provisioned
	DiscoverUnconfiguredONUs(ctx context.Context) ([]ONUDiscovery, error)

	// ListONUs lists registered units
	ListONUs(ctx context.Context) ([]ONUInfo, error)

	// Close terminates the session
	Close() error
}

// ONUConfig is the target placement and service for a subscriber unit
type ONUConfig struct {
	// Interface is the vendor PON interface (e.g., "0/1/0", "gpon-olt_1/1/1", "0/1")
	Interface string `json:"interface"`

	// ONUIndex is the OLT-side unit index on the interface
	ONUIndex int `json:"onu_index"`

	// VLAN is the service VLAN (1-4094)
	VLAN int `json:"vlan"`

	// Profile is the line/traffic profile name or id
	Profile string `json:"profile"`

	// ONUType is the vendor ONU type, if the OLT requires one
	ONUType string `json:"onu_type,omitempty"`

	// Description is written to the unit's description field
	Description string `json:"description,omitempty"`
}

// Validate checks placement and VLAN bounds
func (c ONUConfig) Validate() error {
	if c.Interface == "" {
		return fmt.Errorf("interface is required")
	}
	if c.ONUIndex < 0 || c.ONUIndex > 255 {
		return fmt.Errorf("onu index %d out of range (0-255)", c.ONUIndex)
	}
	if c.VLAN < 1 || c.VLAN > 4094 {
		return fmt.Errorf("VLAN ID %d out of range (1-4094)", c.VLAN)
	}
	return nil
}

// ONUDiscovery represents an unprovisioned ONU found by autofind
type ONUDiscovery struct {
	// Serial is the ONU serial number
	Serial string `json:"serial"`

	// Interface is the PON interface the ONU is attached to
	Interface string `json:"interface"`

	// Model is the equipment id when the OLT reports it
	Model string `json:"model,omitempty"`

	// DiscoveredAt is when the ONU was seen
	DiscoveredAt time.Time `json:"discovered_at"`
}

// ONUInfo is a registered ONU as reported by the OLT
type ONUInfo struct {
	// Interface is the PON interface
	Interface string `json:"interface"`

	// ONUIndex is the OLT-side index
	ONUIndex int `json:"onu_index"`

	// Serial is the ONU serial number
	Serial string `json:"serial"`

	// IsOnline indicates the ONU is in service
	IsOnline bool `json:"is_online"`
}

// CommandSet is a vendor command-sequence strategy. It holds no session
// state; a driver sends its commands over an injected CLIExecutor.
type CommandSet interface {
	Vendor() Vendor

	// EnterConfig returns the commands that reach configuration mode
	EnterConfig() []string

	// ExitConfig returns the commands that leave configuration mode
	ExitConfig() []string

	// SaveCommands persists the running configuration
	SaveCommands() []string

	RegisterCommands(serial string, cfg ONUConfig) []string
	DeregisterCommands(iface string, onuIndex int) []string
	RebootCommands(iface string, onuIndex int) []string

	SignalCommands(iface string, onuIndex int) []string
	ParseSignal(output string) (float64, bool)

	AutofindCommands() []string
	ParseAutofind(output string) []ONUDiscovery

	FindSerialCommands(serial string) []string
	ParseFindSerial(output, serial string) (ONUInfo, bool)

	ListCommands() []string
	ParseList(output string) []ONUInfo
}
