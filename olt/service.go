package olt

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/nanoncore/nano-reconciler/drivers/snmp"
	"github.com/nanoncore/nano-reconciler/model"
	"github.com/nanoncore/nano-reconciler/types"
)

// Factory builds a driver for a node. Callers depend only on the interface.
type Factory interface {
	OLT(node *model.ServiceNode) (types.OLTDriver, error)
	SNMP(node *model.ServiceNode) (types.SNMPSession, error)
}

// Service runs OLT operations against service nodes. It opens one session
// per operation and always closes it.
type Service struct {
	factory Factory
	logger  zerolog.Logger
}

func NewService(factory Factory, logger zerolog.Logger) *Service {
	return &Service{factory: factory, logger: logger.With().Str("component", "olt-service").Logger()}
}

func (s *Service) with(ctx context.Context, node *model.ServiceNode, fn func(types.OLTDriver) error) error {
	if !node.Managed() {
		return types.ErrNoManagement
	}
	if node.Kind != model.NodeKindOLT {
		return fmt.Errorf("%w: node %d is a %s", types.ErrUnsupported, node.ID, node.Kind)
	}
	drv, err := s.factory.OLT(node)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := drv.Close(); cerr != nil {
			s.logger.Debug().Err(cerr).Int64("node_id", node.ID).Msg("close session")
		}
	}()
	if err := drv.Connect(ctx); err != nil {
		s.logger.Warn().Err(err).Int64("node_id", node.ID).Str("address", node.Address).Msg("OLT unreachable")
		return err
	}
	return fn(drv)
}

// Session runs fn over one connected session, for jobs that touch many
// units of the same node
func (s *Service) Session(ctx context.Context, node *model.ServiceNode, fn func(types.OLTDriver) error) error {
	return s.with(ctx, node, fn)
}

// Ping checks reachability. CLI nodes open and close a session; SNMP
// nodes answer sysUpTime.
func (s *Service) Ping(ctx context.Context, node *model.ServiceNode) error {
	if node.Managed() && node.Kind == model.NodeKindOLT && node.ConnectionMethod == model.ConnectionSNMP {
		_, err := s.Uptime(ctx, node)
		return err
	}
	return s.with(ctx, node, func(types.OLTDriver) error { return nil })
}

// Uptime reads sysUpTime from an SNMP-managed node
func (s *Service) Uptime(ctx context.Context, node *model.ServiceNode) (time.Duration, error) {
	if !node.Managed() {
		return 0, types.ErrNoManagement
	}
	if node.Kind != model.NodeKindOLT {
		return 0, fmt.Errorf("%w: node %d is a %s", types.ErrUnsupported, node.ID, node.Kind)
	}
	sess, err := s.factory.SNMP(node)
	if err != nil {
		return 0, err
	}
	defer sess.Close()
	if err := sess.Connect(ctx); err != nil {
		s.logger.Warn().Err(err).Int64("node_id", node.ID).Str("address", node.Address).Msg("OLT unreachable over snmp")
		return 0, err
	}
	return snmp.SystemUptime(ctx, sess)
}

// RegisterONU provisions serial on the node
func (s *Service) RegisterONU(ctx context.Context, node *model.ServiceNode, serial string, cfg types.ONUConfig) error {
	return s.with(ctx, node, func(d types.OLTDriver) error {
		return d.RegisterONU(ctx, serial, cfg)
	})
}

// Signal reads downstream receive power for one unit
func (s *Service) Signal(ctx context.Context, node *model.ServiceNode, iface string, onuIndex int) (float64, error) {
	var dbm float64
	err := s.with(ctx, node, func(d types.OLTDriver) error {
		var err error
		dbm, err = d.GetSignal(ctx, iface, onuIndex)
		return err
	})
	return dbm, err
}

// Reboot restarts one unit
func (s *Service) Reboot(ctx context.Context, node *model.ServiceNode, iface string, onuIndex int) error {
	return s.with(ctx, node, func(d types.OLTDriver) error {
		return d.RebootONU(ctx, iface, onuIndex)
	})
}

// Deregister removes one unit
func (s *Service) Deregister(ctx context.Context, node *model.ServiceNode, iface string, onuIndex int) error {
	return s.with(ctx, node, func(d types.OLTDriver) error {
		return d.DeRegisterONU(ctx, iface, onuIndex)
	})
}

// Discover lists units present on the node but not provisioned
func (s *Service) Discover(ctx context.Context, node *model.ServiceNode) ([]types.ONUDiscovery, error) {
	var found []types.ONUDiscovery
	err := s.with(ctx, node, func(d types.OLTDriver) error {
		var err error
		found, err = d.DiscoverUnconfiguredONUs(ctx)
		return err
	})
	return found, err
}

// List returns units registered on the node
func (s *Service) List(ctx context.Context, node *model.ServiceNode) ([]types.ONUInfo, error) {
	var onus []types.ONUInfo
	err := s.with(ctx, node, func(d types.OLTDriver) error {
		var err error
		onus, err = d.ListONUs(ctx)
		return err
	})
	return onus, err
}

// Serials returns the registered serials on the node
func (s *Service) Serials(ctx context.Context, node *model.ServiceNode) ([]string, error) {
	onus, err := s.List(ctx, node)
	if err != nil {
		return nil, err
	}
	serials := make([]string, 0, len(onus))
	for _, o := range onus {
		serials = append(serials, o.Serial)
	}
	return serials, nil
}
