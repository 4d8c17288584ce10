package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nanoncore/nano-reconciler/types"
)

// DefaultSignalDBm is the receive power reported for registered ONUs
// without an explicit reading
const DefaultSignalDBm = -21.5

// Operation names accepted by OLT.SetFailure
const (
	OpConnect    = "connect"
	OpRegister   = "register"
	OpSignal     = "signal"
	OpReboot     = "reboot"
	OpDeregister = "deregister"
	OpDiscover   = "discover"
	OpList       = "list"
)

// OLT is a deterministic in-memory OLT implementing types.OLTDriver.
// It simulates registration, optical readings and reboots without
// connecting to real equipment.
type OLT struct {
	mu           sync.RWMutex
	connected    bool
	onus         map[string]*mockONU // by serial
	unconfigured []types.ONUDiscovery
	signals      map[string]float64
	unreadable   map[string]bool
	reboots      map[string]int
	failures     map[string]error
	cmdHistory   []string
}

type mockONU struct {
	Serial string
	Config types.ONUConfig
}

// NewOLT creates an empty mock OLT
func NewOLT() *OLT {
	return &OLT{
		onus:       make(map[string]*mockONU),
		signals:    make(map[string]float64),
		unreadable: make(map[string]bool),
		reboots:    make(map[string]int),
		failures:   make(map[string]error),
	}
}

func slot(iface string, idx int) string {
	return fmt.Sprintf("%s:%d", iface, idx)
}

// SetFailure makes op fail with err until cleared with a nil err
func (d *OLT) SetFailure(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failures, op)
		return
	}
	d.failures[op] = err
}

// SetSignal sets the receive power reported for a slot
func (d *OLT) SetSignal(iface string, idx int, dbm float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.unreadable, slot(iface, idx))
	d.signals[slot(iface, idx)] = dbm
}

// SetUnreadable makes GetSignal fail for a slot
func (d *OLT) SetUnreadable(iface string, idx int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unreadable[slot(iface, idx)] = true
}

// AddUnconfigured adds an ONU to the autofind table
func (d *OLT) AddUnconfigured(serial, iface string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unconfigured = append(d.unconfigured, types.ONUDiscovery{
		Serial:       serial,
		Interface:    iface,
		DiscoveredAt: time.Unix(0, 0).UTC(),
	})
}

// Seed registers an ONU directly, bypassing the command path
func (d *OLT) Seed(serial string, cfg types.ONUConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onus[serial] = &mockONU{Serial: serial, Config: cfg}
}

// Reboots returns how many times a slot was rebooted
func (d *OLT) Reboots(iface string, idx int) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.reboots[slot(iface, idx)]
}

// Commands returns the recorded command history
func (d *OLT) Commands() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, len(d.cmdHistory))
	copy(out, d.cmdHistory)
	return out
}

// Registered returns a stable snapshot of registered ONUs and their config
func (d *OLT) Registered() map[string]types.ONUConfig {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]types.ONUConfig, len(d.onus))
	for serial, o := range d.onus {
		out[serial] = o.Config
	}
	return out
}

func (d *OLT) begin(op, cmd string) error {
	d.cmdHistory = append(d.cmdHistory, cmd)
	if err := d.failures[op]; err != nil {
		return err
	}
	if op != OpConnect && !d.connected {
		return types.ErrNotConnected
	}
	return nil
}

// Connect simulates connecting to equipment. Reentrant.
func (d *OLT) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.failures[OpConnect]; err != nil {
		d.cmdHistory = append(d.cmdHistory, "connect")
		return fmt.Errorf("%w: %v", types.ErrNotConnected, err)
	}
	if !d.connected {
		d.cmdHistory = append(d.cmdHistory, "connect")
	}
	d.connected = true
	return nil
}

// RegisterONU registers or converges an ONU
func (d *OLT) RegisterONU(ctx context.Context, serial string, cfg types.ONUConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.begin(OpRegister, "register "+serial); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// A different serial in the same slot is a placement conflict
	for s, o := range d.onus {
		if s != serial && o.Config.Interface == cfg.Interface && o.Config.ONUIndex == cfg.ONUIndex {
			return fmt.Errorf("slot %s already holds %s", slot(cfg.Interface, cfg.ONUIndex), s)
		}
	}

	d.onus[serial] = &mockONU{Serial: serial, Config: cfg}

	remaining := d.unconfigured[:0]
	for _, u := range d.unconfigured {
		if u.Serial != serial {
			remaining = append(remaining, u)
		}
	}
	d.unconfigured = remaining
	return nil
}

func (d *OLT) findSlot(iface string, idx int) (*mockONU, bool) {
	for _, o := range d.onus {
		if o.Config.Interface == iface && o.Config.ONUIndex == idx {
			return o, true
		}
	}
	return nil, false
}

// GetSignal returns the configured reading for a slot
func (d *OLT) GetSignal(ctx context.Context, iface string, onuIndex int) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.begin(OpSignal, "signal "+slot(iface, onuIndex)); err != nil {
		return 0, err
	}
	key := slot(iface, onuIndex)
	if d.unreadable[key] {
		return 0, types.ErrSignalUnavailable
	}
	if v, ok := d.signals[key]; ok {
		return v, nil
	}
	if _, ok := d.findSlot(iface, onuIndex); ok {
		return DefaultSignalDBm, nil
	}
	return 0, types.ErrSignalUnavailable
}

// RebootONU records a reboot of a registered slot
func (d *OLT) RebootONU(ctx context.Context, iface string, onuIndex int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.begin(OpReboot, "reboot "+slot(iface, onuIndex)); err != nil {
		return err
	}
	if _, ok := d.findSlot(iface, onuIndex); !ok {
		return types.ErrNotFound
	}
	d.reboots[slot(iface, onuIndex)]++
	return nil
}

// DeRegisterONU removes the ONU in a slot. Removing an empty slot succeeds.
func (d *OLT) DeRegisterONU(ctx context.Context, iface string, onuIndex int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.begin(OpDeregister, "deregister "+slot(iface, onuIndex)); err != nil {
		return err
	}
	if o, ok := d.findSlot(iface, onuIndex); ok {
		delete(d.onus, o.Serial)
	}
	return nil
}

// DiscoverUnconfiguredONUs returns the autofind table
func (d *OLT) DiscoverUnconfiguredONUs(ctx context.Context) ([]types.ONUDiscovery, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.begin(OpDiscover, "autofind"); err != nil {
		return nil, err
	}
	out := make([]types.ONUDiscovery, len(d.unconfigured))
	copy(out, d.unconfigured)
	return out, nil
}

// ListONUs returns registered ONUs ordered by interface and index
func (d *OLT) ListONUs(ctx context.Context) ([]types.ONUInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.begin(OpList, "list"); err != nil {
		return nil, err
	}
	out := make([]types.ONUInfo, 0, len(d.onus))
	for serial, o := range d.onus {
		out = append(out, types.ONUInfo{
			Interface: o.Config.Interface,
			ONUIndex:  o.Config.ONUIndex,
			Serial:    serial,
			IsOnline:  true,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Interface != out[j].Interface {
			return out[i].Interface < out[j].Interface
		}
		return out[i].ONUIndex < out[j].ONUIndex
	})
	return out, nil
}

// Close disconnects the simulated session
func (d *OLT) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

var _ types.OLTDriver = (*OLT)(nil)
