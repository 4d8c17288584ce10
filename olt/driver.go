// Package olt sequences vendor command sets over a CLI transport and
// orchestrates OLT operations per service node.
package olt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nanoncore/nano-reconciler/types"
	"github.com/nanoncore/nano-reconciler/vendors/common"
)

// Driver implements types.OLTDriver by sending a vendor CommandSet over an
// injected transport. Vendors differ only in the CommandSet.
type Driver struct {
	exec   types.CLIExecutor
	cmds   types.CommandSet
	logger zerolog.Logger
}

// NewDriver composes a transport and a vendor command set
func NewDriver(exec types.CLIExecutor, cmds types.CommandSet, logger zerolog.Logger) *Driver {
	return &Driver{
		exec:   exec,
		cmds:   cmds,
		logger: logger.With().Str("component", "olt").Str("vendor", string(cmds.Vendor())).Logger(),
	}
}

// Connect implements types.OLTDriver
func (d *Driver) Connect(ctx context.Context) error {
	return d.exec.Connect(ctx)
}

// Close implements types.OLTDriver
func (d *Driver) Close() error {
	return d.exec.Close()
}

// run sends cmds inside configuration mode and returns the outputs of cmds
// only. Mutations are followed by the vendor save sequence.
func (d *Driver) run(ctx context.Context, cmds []string, save bool) ([]string, error) {
	if err := d.exec.Connect(ctx); err != nil {
		return nil, err
	}

	enter := d.cmds.EnterConfig()
	seq := make([]string, 0, len(enter)+len(cmds)+4)
	seq = append(seq, enter...)
	seq = append(seq, cmds...)
	seq = append(seq, d.cmds.ExitConfig()...)
	if save {
		seq = append(seq, d.cmds.SaveCommands()...)
	}

	outputs, err := d.exec.ExecCommands(ctx, seq)
	if err != nil {
		return nil, err
	}
	if len(outputs) < len(enter)+len(cmds) {
		return nil, fmt.Errorf("%w: short response (%d of %d commands)", types.ErrNotFound, len(outputs), len(seq))
	}
	body := outputs[len(enter) : len(enter)+len(cmds)]
	for i, out := range body {
		if cerr := common.ClassifyOutput(cmds[i], out); cerr != nil {
			return body, cerr
		}
	}
	return body, nil
}

// transientRetryDelay is the pause before a mutation that hit a transient
// device condition is repeated
var transientRetryDelay = 3 * time.Second

// mutate runs a saving sequence. A recoverable device error, such as a
// configuration lock held by another session, gets one more attempt.
func (d *Driver) mutate(ctx context.Context, cmds []string) error {
	_, err := d.run(ctx, cmds, true)
	if err == nil || !common.IsRecoverable(err) {
		return err
	}
	d.logger.Warn().Err(err).Dur("delay", transientRetryDelay).Msg("transient device error, repeating command")
	timer := time.NewTimer(transientRetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return err
	case <-timer.C:
	}
	_, err = d.run(ctx, cmds, true)
	return err
}

func invalidInterface(iface string) error {
	return fmt.Errorf("%w: interface %q is not valid for this OLT", types.ErrNotFound, iface)
}

// RegisterONU implements types.OLTDriver. A serial already bound on the OLT
// converges without issuing an add, and an "already exists" response from
// the add itself counts as success.
func (d *Driver) RegisterONU(ctx context.Context, serial string, cfg types.ONUConfig) error {
	if serial == "" {
		return fmt.Errorf("serial is required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	cmds := d.cmds.RegisterCommands(serial, cfg)
	if cmds == nil {
		return invalidInterface(cfg.Interface)
	}

	if info, ok, err := d.findSerial(ctx, serial); err != nil {
		return err
	} else if ok {
		d.logger.Info().
			Str("serial", serial).
			Str("interface", info.Interface).
			Int("onu_index", info.ONUIndex).
			Msg("ONU already registered")
		return nil
	}

	if err := d.mutate(ctx, cmds); err != nil {
		if common.ErrorCodeOf(err) == common.ErrONUExists {
			return nil
		}
		return fmt.Errorf("register %s on %s: %w", serial, cfg.Interface, err)
	}
	d.logger.Info().Str("serial", serial).Str("interface", cfg.Interface).Int("onu_index", cfg.ONUIndex).Msg("ONU registered")
	return nil
}

func (d *Driver) findSerial(ctx context.Context, serial string) (types.ONUInfo, bool, error) {
	cmds := d.cmds.FindSerialCommands(serial)
	out, err := d.run(ctx, cmds, false)
	if err != nil {
		var cerr *common.CommandError
		if errors.As(err, &cerr) {
			// A rejected lookup means not registered; the add itself still
			// reports a duplicate.
			return types.ONUInfo{}, false, nil
		}
		return types.ONUInfo{}, false, err
	}
	info, ok := d.cmds.ParseFindSerial(strings.Join(out, "\n"), serial)
	return info, ok, nil
}

// GetSignal implements types.OLTDriver
func (d *Driver) GetSignal(ctx context.Context, iface string, onuIndex int) (float64, error) {
	cmds := d.cmds.SignalCommands(iface, onuIndex)
	if cmds == nil {
		return 0, invalidInterface(iface)
	}
	out, err := d.run(ctx, cmds, false)
	if err != nil {
		var cerr *common.CommandError
		if errors.As(err, &cerr) {
			return 0, fmt.Errorf("%w: %v", types.ErrSignalUnavailable, cerr)
		}
		return 0, err
	}
	dbm, ok := d.cmds.ParseSignal(strings.Join(out, "\n"))
	if !ok {
		return 0, fmt.Errorf("%w: %s index %d", types.ErrSignalUnavailable, iface, onuIndex)
	}
	return dbm, nil
}

// RebootONU implements types.OLTDriver
func (d *Driver) RebootONU(ctx context.Context, iface string, onuIndex int) error {
	cmds := d.cmds.RebootCommands(iface, onuIndex)
	if cmds == nil {
		return invalidInterface(iface)
	}
	if _, err := d.run(ctx, cmds, false); err != nil {
		return fmt.Errorf("reboot %s index %d: %w", iface, onuIndex, err)
	}
	return nil
}

// DeRegisterONU implements types.OLTDriver. Removing a unit that is
// already gone succeeds.
func (d *Driver) DeRegisterONU(ctx context.Context, iface string, onuIndex int) error {
	cmds := d.cmds.DeregisterCommands(iface, onuIndex)
	if cmds == nil {
		return invalidInterface(iface)
	}
	if err := d.mutate(ctx, cmds); err != nil {
		if common.ErrorCodeOf(err) == common.ErrONUNotFound {
			return nil
		}
		return fmt.Errorf("deregister %s index %d: %w", iface, onuIndex, err)
	}
	return nil
}

// DiscoverUnconfiguredONUs implements types.OLTDriver
func (d *Driver) DiscoverUnconfiguredONUs(ctx context.Context) ([]types.ONUDiscovery, error) {
	out, err := d.run(ctx, d.cmds.AutofindCommands(), false)
	if err != nil {
		return nil, fmt.Errorf("autofind: %w", err)
	}
	return d.cmds.ParseAutofind(strings.Join(out, "\n")), nil
}

// ListONUs implements types.OLTDriver
func (d *Driver) ListONUs(ctx context.Context) ([]types.ONUInfo, error) {
	out, err := d.run(ctx, d.cmds.ListCommands(), false)
	if err != nil {
		return nil, fmt.Errorf("list onus: %w", err)
	}
	return d.cmds.ParseList(strings.Join(out, "\n")), nil
}

var _ types.OLTDriver = (*Driver)(nil)
