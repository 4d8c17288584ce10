package reconciler

// Re-export driver contracts so wiring code can depend on the root package
// alone.

import (
	"github.com/nanoncore/nano-reconciler/types"
)

type (
	Protocol         = types.Protocol
	Vendor           = types.Vendor
	EquipmentConfig  = types.EquipmentConfig
	OLTDriver        = types.OLTDriver
	RouterClient     = types.RouterClient
	CommandSet       = types.CommandSet
	CLIExecutor      = types.CLIExecutor
	SNMPExecutor     = types.SNMPExecutor
	ONUConfig        = types.ONUConfig
	ONUDiscovery     = types.ONUDiscovery
	ONUInfo          = types.ONUInfo
	InterfaceCounter = types.InterfaceCounters
)

const (
	ProtocolGNMI     = types.ProtocolGNMI
	ProtocolCLI      = types.ProtocolCLI
	ProtocolSNMP     = types.ProtocolSNMP
	ProtocolRouterOS = types.ProtocolRouterOS

	VendorHuawei   = types.VendorHuawei
	VendorZTE      = types.VendorZTE
	VendorVSOL     = types.VendorVSOL
	VendorMikrotik = types.VendorMikrotik
	VendorMock     = types.VendorMock
)

var (
	ErrNotConnected      = types.ErrNotConnected
	ErrSignalUnavailable = types.ErrSignalUnavailable
	ErrNotFound          = types.ErrNotFound
	ErrUnsupported       = types.ErrUnsupported
	ErrNoManagement      = types.ErrNoManagement
)
