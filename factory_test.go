package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nanoncore/nano-reconciler/model"
	"github.com/nanoncore/nano-reconciler/olt"
	"github.com/nanoncore/nano-reconciler/types"
)

func TestProtocolFor(t *testing.T) {
	tests := []struct {
		method model.ConnectionMethod
		want   Protocol
		err    error
	}{
		{model.ConnectionSSH, ProtocolCLI, nil},
		{model.ConnectionAPI, ProtocolRouterOS, nil},
		{model.ConnectionSNMP, ProtocolSNMP, nil},
		{model.ConnectionGNMI, ProtocolGNMI, nil},
		{model.ConnectionNone, "", types.ErrNoManagement},
		{"", "", types.ErrNoManagement},
		{"telnet", "", types.ErrUnsupported},
	}
	for _, tt := range tests {
		t.Run(string(tt.method), func(t *testing.T) {
			got, err := ProtocolFor(tt.method)
			if got != tt.want || !errors.Is(err, tt.err) {
				t.Errorf("ProtocolFor(%q) = (%q, %v), want (%q, %v)", tt.method, got, err, tt.want, tt.err)
			}
		})
	}
}

func TestCommandSetFor(t *testing.T) {
	for _, v := range []Vendor{VendorHuawei, VendorZTE, VendorVSOL} {
		cs, err := CommandSetFor(v)
		if err != nil {
			t.Fatalf("CommandSetFor(%s): %v", v, err)
		}
		if cs.Vendor() != v {
			t.Errorf("CommandSetFor(%s).Vendor() = %s", v, cs.Vendor())
		}
	}
	if _, err := CommandSetFor(VendorMikrotik); !errors.Is(err, types.ErrUnsupported) {
		t.Errorf("expected ErrUnsupported for a router vendor, got %v", err)
	}
}

func TestFactoryOLT(t *testing.T) {
	f := NewFactory(5*time.Second, zerolog.Nop())

	tests := []struct {
		name    string
		node    model.ServiceNode
		wantErr error
	}{
		{"huawei_ssh", model.ServiceNode{ID: 1, Kind: model.NodeKindOLT, Vendor: "huawei", Address: "10.0.0.1", ConnectionMethod: model.ConnectionSSH}, nil},
		{"zte_upper_case", model.ServiceNode{ID: 2, Kind: model.NodeKindOLT, Vendor: "ZTE", Address: "10.0.0.2", ConnectionMethod: model.ConnectionSSH}, nil},
		{"none", model.ServiceNode{ID: 3, Kind: model.NodeKindOLT, Vendor: "vsol", ConnectionMethod: model.ConnectionNone}, types.ErrNoManagement},
		{"router_kind", model.ServiceNode{ID: 4, Kind: model.NodeKindRouter, Vendor: "huawei", ConnectionMethod: model.ConnectionSSH}, types.ErrUnsupported},
		{"api_on_olt", model.ServiceNode{ID: 5, Kind: model.NodeKindOLT, Vendor: "vsol", ConnectionMethod: model.ConnectionAPI}, types.ErrUnsupported},
		{"unknown_vendor", model.ServiceNode{ID: 6, Kind: model.NodeKindOLT, Vendor: "acme", ConnectionMethod: model.ConnectionSSH}, types.ErrUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := f.OLT(&tt.node)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("OLT() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("OLT() error = %v", err)
			}
			if _, ok := d.(*olt.Driver); !ok {
				t.Errorf("OLT() = %T, want *olt.Driver", d)
			}
		})
	}
}

func TestFactoryMockDevicesAreStablePerNode(t *testing.T) {
	f := NewFactory(time.Second, zerolog.Nop())
	node := &model.ServiceNode{ID: 42, Kind: model.NodeKindOLT, Vendor: "mock", ConnectionMethod: model.ConnectionSSH}

	d1, err := f.OLT(node)
	if err != nil {
		t.Fatal(err)
	}
	d2, _ := f.OLT(node)
	if d1 != d2 {
		t.Error("mock OLT should be reused for the same node id")
	}

	rnode := &model.ServiceNode{ID: 43, Kind: model.NodeKindRouter, Vendor: "mock", ConnectionMethod: model.ConnectionAPI}
	r, err := f.RouterClient(context.Background(), rnode)
	if err != nil {
		t.Fatal(err)
	}
	if r != f.MockRouter(43) {
		t.Error("mock router should be reused for the same node id")
	}
}

func TestEquipmentConfigCarriesSNMPCredentials(t *testing.T) {
	f := NewFactory(3*time.Second, zerolog.Nop())
	node := &model.ServiceNode{
		ID: 7, Name: "edge-7", Address: "192.0.2.7",
		Credentials: model.Credentials{Username: "admin", SNMPCommunity: "s3cret", SNMPVersion: "2c"},
		Metadata:    map[string]any{"tls": true},
	}
	cfg := f.EquipmentConfig(node, VendorMikrotik, ProtocolSNMP)
	if cfg.Metadata["snmp_community"] != "s3cret" || cfg.Metadata["snmp_version"] != "2c" {
		t.Errorf("unexpected metadata: %v", cfg.Metadata)
	}
	if !cfg.TLSEnabled || cfg.Timeout != 3*time.Second || cfg.Name != "edge-7" {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestSupportedVendorsSorted(t *testing.T) {
	got := SupportedVendors()
	for i := 1; i < len(got); i++ {
		if got[i-1] > got[i] {
			t.Fatalf("vendors not sorted: %v", got)
		}
	}
}
