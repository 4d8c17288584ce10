package reconciler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nanoncore/nano-reconciler/drivers/cli"
	"github.com/nanoncore/nano-reconciler/drivers/gnmi"
	"github.com/nanoncore/nano-reconciler/drivers/mock"
	"github.com/nanoncore/nano-reconciler/drivers/routeros"
	"github.com/nanoncore/nano-reconciler/drivers/snmp"
	"github.com/nanoncore/nano-reconciler/model"
	"github.com/nanoncore/nano-reconciler/olt"
	"github.com/nanoncore/nano-reconciler/router"
	"github.com/nanoncore/nano-reconciler/types"
	"github.com/nanoncore/nano-reconciler/vendors/huawei"
	"github.com/nanoncore/nano-reconciler/vendors/vsol"
	"github.com/nanoncore/nano-reconciler/vendors/zte"
)

// CapabilityMatrix defines which management protocols each vendor speaks
var CapabilityMatrix = map[Vendor]VendorCapabilities{
	VendorHuawei: {
		Kind:               model.NodeKindOLT,
		PrimaryProtocol:    ProtocolCLI,
		SupportedProtocols: []Protocol{ProtocolCLI, ProtocolSNMP},
	},
	VendorZTE: {
		Kind:               model.NodeKindOLT,
		PrimaryProtocol:    ProtocolCLI,
		SupportedProtocols: []Protocol{ProtocolCLI, ProtocolSNMP},
	},
	VendorVSOL: {
		Kind:               model.NodeKindOLT,
		PrimaryProtocol:    ProtocolCLI,
		SupportedProtocols: []Protocol{ProtocolCLI, ProtocolSNMP},
	},
	VendorMikrotik: {
		Kind:               model.NodeKindRouter,
		PrimaryProtocol:    ProtocolRouterOS,
		SupportedProtocols: []Protocol{ProtocolRouterOS, ProtocolSNMP, ProtocolGNMI},
	},
	VendorMock: {
		PrimaryProtocol:    ProtocolCLI,
		SupportedProtocols: []Protocol{ProtocolCLI, ProtocolRouterOS, ProtocolSNMP, ProtocolGNMI},
	},
}

// VendorCapabilities defines what protocols a vendor supports. An empty
// Kind serves both routers and OLTs.
type VendorCapabilities struct {
	Kind               model.NodeKind
	PrimaryProtocol    Protocol
	SupportedProtocols []Protocol
}

// Supports reports whether p is in the supported list
func (c VendorCapabilities) Supports(p Protocol) bool {
	for _, sp := range c.SupportedProtocols {
		if sp == p {
			return true
		}
	}
	return false
}

// ProtocolFor maps a node's connection method to the transport protocol
func ProtocolFor(method model.ConnectionMethod) (Protocol, error) {
	switch method {
	case model.ConnectionSSH:
		return ProtocolCLI, nil
	case model.ConnectionAPI:
		return ProtocolRouterOS, nil
	case model.ConnectionSNMP:
		return ProtocolSNMP, nil
	case model.ConnectionGNMI:
		return ProtocolGNMI, nil
	case model.ConnectionNone, "":
		return "", types.ErrNoManagement
	}
	return "", fmt.Errorf("%w: connection method %q", types.ErrUnsupported, method)
}

// CommandSetFor returns the vendor command strategy for OLT CLI sessions
func CommandSetFor(vendor Vendor) (CommandSet, error) {
	switch vendor {
	case VendorHuawei:
		return huawei.New(), nil
	case VendorZTE:
		return zte.New(), nil
	case VendorVSOL:
		return vsol.New(), nil
	}
	return nil, fmt.Errorf("%w: no command set for vendor %q", types.ErrUnsupported, vendor)
}

// Factory builds transports and drivers for service nodes, keyed by the
// node's vendor, kind and connection method. Nodes whose vendor is "mock"
// get one in-memory device per node id for the life of the factory.
type Factory struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu          sync.Mutex
	mockOLTs    map[int64]*mock.OLT
	mockRouters map[int64]*mock.Router
	mockSNMP    map[int64]*mock.SNMP
}

// NewFactory creates a factory whose sessions use timeout for connect and
// read operations
func NewFactory(timeout time.Duration, logger zerolog.Logger) *Factory {
	return &Factory{
		timeout:     timeout,
		logger:      logger,
		mockOLTs:    make(map[int64]*mock.OLT),
		mockRouters: make(map[int64]*mock.Router),
		mockSNMP:    make(map[int64]*mock.SNMP),
	}
}

// resolve validates the node against the capability matrix
func (f *Factory) resolve(node *model.ServiceNode, kind model.NodeKind) (Vendor, Protocol, error) {
	protocol, err := ProtocolFor(node.ConnectionMethod)
	if err != nil {
		return "", "", err
	}
	if node.Kind != kind {
		return "", "", fmt.Errorf("%w: node %d is a %s, not a %s", types.ErrUnsupported, node.ID, node.Kind, kind)
	}
	vendor := Vendor(strings.ToLower(node.Vendor))
	if vendor == "" && kind == model.NodeKindRouter {
		vendor = VendorMikrotik
	}
	caps, ok := CapabilityMatrix[vendor]
	if !ok {
		return "", "", fmt.Errorf("%w: vendor %q", types.ErrUnsupported, node.Vendor)
	}
	if caps.Kind != "" && caps.Kind != kind {
		return "", "", fmt.Errorf("%w: vendor %s does not build %s nodes", types.ErrUnsupported, vendor, kind)
	}
	if !caps.Supports(protocol) {
		return "", "", fmt.Errorf("%w: vendor %s does not support %s", types.ErrUnsupported, vendor, protocol)
	}
	return vendor, protocol, nil
}

// EquipmentConfig builds session parameters for a node
func (f *Factory) EquipmentConfig(node *model.ServiceNode, vendor Vendor, protocol Protocol) *EquipmentConfig {
	meta := map[string]string{}
	if node.Credentials.SNMPCommunity != "" {
		meta["snmp_community"] = node.Credentials.SNMPCommunity
	}
	if node.Credentials.SNMPVersion != "" {
		meta["snmp_version"] = node.Credentials.SNMPVersion
	}
	tls, _ := node.Metadata["tls"].(bool)
	return &EquipmentConfig{
		NodeID:   node.ID,
		Name:     node.Label(),
		Vendor:   vendor,
		Address:  node.Address,
		Port:     node.Port,
		Protocol: protocol,
		Username: node.Credentials.Username,
		Password: node.Credentials.Password,
		// Management planes use self-signed certificates
		TLSEnabled:    tls,
		TLSSkipVerify: tls,
		Timeout:       f.timeout,
		Metadata:      meta,
	}
}

// OLT implements olt.Factory
func (f *Factory) OLT(node *model.ServiceNode) (OLTDriver, error) {
	vendor, protocol, err := f.resolve(node, model.NodeKindOLT)
	if err != nil {
		return nil, err
	}
	if vendor == VendorMock {
		return f.MockOLT(node.ID), nil
	}
	if protocol != ProtocolCLI {
		return nil, fmt.Errorf("%w: OLT provisioning needs ssh, node %d uses %s", types.ErrUnsupported, node.ID, node.ConnectionMethod)
	}
	cmds, err := CommandSetFor(vendor)
	if err != nil {
		return nil, err
	}
	transport, err := cli.NewDriver(f.EquipmentConfig(node, vendor, protocol), f.logger)
	if err != nil {
		return nil, err
	}
	return olt.NewDriver(transport, cmds, f.logger), nil
}

// RouterClient implements router.Factory
func (f *Factory) RouterClient(ctx context.Context, node *model.ServiceNode) (RouterClient, error) {
	vendor, protocol, err := f.resolve(node, model.NodeKindRouter)
	if err != nil {
		return nil, err
	}
	if vendor == VendorMock {
		return f.MockRouter(node.ID), nil
	}
	if protocol != ProtocolRouterOS {
		return nil, fmt.Errorf("%w: management API over %s", types.ErrUnsupported, protocol)
	}
	client, err := routeros.Dial(ctx, f.EquipmentConfig(node, vendor, protocol), f.logger)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// SNMP implements router.Factory and olt.Factory
func (f *Factory) SNMP(node *model.ServiceNode) (types.SNMPSession, error) {
	vendor, protocol, err := f.resolve(node, node.Kind)
	if err != nil {
		return nil, err
	}
	if protocol != ProtocolSNMP {
		return nil, fmt.Errorf("%w: snmp session on a %s node", types.ErrUnsupported, protocol)
	}
	if vendor == VendorMock {
		return f.MockSNMP(node.ID), nil
	}
	d, err := snmp.NewDriver(f.EquipmentConfig(node, vendor, protocol))
	if err != nil {
		return nil, err
	}
	return d, nil
}

// GNMI implements router.Factory
func (f *Factory) GNMI(node *model.ServiceNode) (router.GNMISession, error) {
	vendor, protocol, err := f.resolve(node, node.Kind)
	if err != nil {
		return nil, err
	}
	if protocol != ProtocolGNMI {
		return nil, fmt.Errorf("%w: gnmi session on a %s node", types.ErrUnsupported, protocol)
	}
	d, err := gnmi.NewDriver(f.EquipmentConfig(node, vendor, protocol))
	if err != nil {
		return nil, err
	}
	return d, nil
}

// MockOLT returns the in-memory OLT bound to a node id
func (f *Factory) MockOLT(nodeID int64) *mock.OLT {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.mockOLTs[nodeID]
	if !ok {
		d = mock.NewOLT()
		f.mockOLTs[nodeID] = d
	}
	return d
}

// MockRouter returns the in-memory router bound to a node id
func (f *Factory) MockRouter(nodeID int64) *mock.Router {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.mockRouters[nodeID]
	if !ok {
		r = mock.NewRouter()
		f.mockRouters[nodeID] = r
	}
	return r
}

// MockSNMP returns the in-memory SNMP agent bound to a node id
func (f *Factory) MockSNMP(nodeID int64) *mock.SNMP {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.mockSNMP[nodeID]
	if !ok {
		a = mock.NewSNMP()
		f.mockSNMP[nodeID] = a
	}
	return a
}

// SupportedVendors returns all vendors in the capability matrix, sorted
func SupportedVendors() []Vendor {
	vendors := make([]Vendor, 0, len(CapabilityMatrix))
	for v := range CapabilityMatrix {
		vendors = append(vendors, v)
	}
	sort.Slice(vendors, func(i, j int) bool { return vendors[i] < vendors[j] })
	return vendors
}

var (
	_ olt.Factory    = (*Factory)(nil)
	_ router.Factory = (*Factory)(nil)
)
