package types

import (
	"context"
	"errors"
	"time"
)

// Protocol represents the southbound protocol type
type Protocol string

const (
	ProtocolGNMI     Protocol = "gnmi"
	ProtocolCLI      Protocol = "cli"
	ProtocolSNMP     Protocol = "snmp"
	ProtocolRouterOS Protocol = "routeros"
)

// Vendor represents the network equipment vendor
type Vendor string

const (
	VendorHuawei   Vendor = "huawei"
	VendorZTE      Vendor = "zte"
	VendorVSOL     Vendor = "vsol"
	VendorMikrotik Vendor = "mikrotik"
	VendorMock     Vendor = "mock" // For testing/simulation
)

// CriticalSignalDBm is the receive power below which an optical path is
// considered failing.
const CriticalSignalDBm = -30.0

var (
	// ErrNotConnected is returned when a transport session could not be
	// established or has been lost.
	ErrNotConnected = errors.New("not connected to device")

	// ErrSignalUnavailable is returned when optical power cannot be read or
	// parsed from device output.
	ErrSignalUnavailable = errors.New("signal unavailable")

	// ErrNotFound is returned when device output lacks the expected fields.
	ErrNotFound = errors.New("not found on device")

	// ErrUnsupported is returned when the node's connection method cannot
	// serve the requested operation.
	ErrUnsupported = errors.New("operation not supported by connection method")

	// ErrNoManagement is returned for nodes whose connection method is none.
	// Callers treat it as a skip, never as a failure.
	ErrNoManagement = errors.New("node has no management access")
)

// EquipmentConfig contains connection parameters for a single device session
type EquipmentConfig struct {
	// NodeID is the service node this session belongs to, used to tag audit logs
	NodeID int64

	// Name is a human readable identifier
	Name string

	// Vendor is the equipment vendor
	Vendor Vendor

	// Address is the management IP/hostname
	Address string

	// Port is the management port (if not default)
	Port int

	// Protocol is the management protocol used for this session
	Protocol Protocol

	// Username for authentication
	Username string

	// Password for authentication
	Password string

	// TLSEnabled indicates if TLS should be used
	TLSEnabled bool

	// TLSSkipVerify skips TLS certificate verification (insecure, for testing)
	TLSSkipVerify bool

	// Timeout for connect and read operations
	Timeout time.Duration

	// Metadata contains vendor-specific configuration
	Metadata map[string]string
}

// CLIExecutor executes raw commands over an interactive session.
// Vendor command sets are sequenced on top of it.
type CLIExecutor interface {
	// Connect opens the session. Calling it on a live session is a no-op.
	Connect(ctx context.Context) error

	// ExecCommand executes a CLI command and returns the output
	ExecCommand(ctx context.Context, command string) (string, error)

	// ExecCommands executes multiple CLI commands sequentially
	ExecCommands(ctx context.Context, commands []string) ([]string, error)

	// Close terminates the session
	Close() error
}

// SNMPExecutor is the interface for drivers that support SNMP queries
// Used for monitoring and telemetry collection
type SNMPExecutor interface {
	// GetSNMP retrieves a single SNMP value by OID
	GetSNMP(ctx context.Context, oid string) (interface{}, error)

	// WalkSNMP performs an SNMP walk on an OID subtree
	WalkSNMP(ctx context.Context, oid string) (map[string]interface{}, error)

	// BulkGetSNMP retrieves multiple OIDs in one request
	BulkGetSNMP(ctx context.Context, oids []string) (map[string]interface{}, error)
}

// SNMPSession is an SNMPExecutor with a session lifecycle
type SNMPSession interface {
	SNMPExecutor
	Connect(ctx context.Context) error
	Close() error
}

// InterfaceCounters is a single interface's octet counters at poll time
type InterfaceCounters struct {
	Name     string `json:"name"`
	RxBytes  uint64 `json:"rx_bytes"`
	TxBytes  uint64 `json:"tx_bytes"`
	Running  bool   `json:"running"`
	Disabled bool   `json:"disabled,omitempty"`
}
