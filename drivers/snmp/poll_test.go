package snmp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nanoncore/nano-reconciler/types"
	"github.com/nanoncore/nano-reconciler/vendors/common"
)

type fakeSNMP struct {
	gets  map[string]interface{}
	walks map[string]map[string]interface{}
}

func (f *fakeSNMP) GetSNMP(ctx context.Context, oid string) (interface{}, error) {
	v, ok := f.gets[oid]
	if !ok {
		return nil, types.ErrNotFound
	}
	return v, nil
}

func (f *fakeSNMP) WalkSNMP(ctx context.Context, oid string) (map[string]interface{}, error) {
	return f.walks[oid], nil
}

func (f *fakeSNMP) BulkGetSNMP(ctx context.Context, oids []string) (map[string]interface{}, error) {
	return f.gets, nil
}

func TestSystemUptime(t *testing.T) {
	exec := &fakeSNMP{gets: map[string]interface{}{common.OIDSysUpTime: uint64(360000)}}
	got, err := SystemUptime(context.Background(), exec)
	if err != nil {
		t.Fatalf("SystemUptime() error = %v", err)
	}
	if got != time.Hour {
		t.Errorf("SystemUptime() = %v, want 1h", got)
	}

	exec.gets[common.OIDSysUpTime] = "garbage"
	if _, err := SystemUptime(context.Background(), exec); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("SystemUptime(garbage) error = %v, want ErrNotFound", err)
	}
}

func TestCPULoad(t *testing.T) {
	exec := &fakeSNMP{walks: map[string]map[string]interface{}{
		common.OIDHrProcLoad: {"196608": int64(10), "196609": int64(30)},
	}}
	got, err := CPULoad(context.Background(), exec)
	if err != nil {
		t.Fatalf("CPULoad() error = %v", err)
	}
	if got != 20 {
		t.Errorf("CPULoad() = %d, want 20", got)
	}

	if _, err := CPULoad(context.Background(), &fakeSNMP{}); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("CPULoad(empty) error = %v, want ErrNotFound", err)
	}
}

func TestInterfaceCounters(t *testing.T) {
	exec := &fakeSNMP{walks: map[string]map[string]interface{}{
		common.OIDIfName:        {"2": "ether2", "1": "ether1", "10": ""},
		common.OIDIfHCInOctets:  {"1": uint64(100), "2": uint64(200)},
		common.OIDIfHCOutOctets: {"1": uint64(10), "2": uint64(20)},
		common.OIDIfOperStatus:  {"1": int64(1), "2": int64(2)},
	}}

	got, err := InterfaceCounters(context.Background(), exec)
	if err != nil {
		t.Fatalf("InterfaceCounters() error = %v", err)
	}
	want := []types.InterfaceCounters{
		{Name: "ether1", RxBytes: 100, TxBytes: 10, Running: true},
		{Name: "ether2", RxBytes: 200, TxBytes: 20, Running: false},
	}
	if len(got) != len(want) {
		t.Fatalf("InterfaceCounters() returned %d rows, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("row %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}
