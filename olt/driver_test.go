package olt

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanoncore/nano-reconciler/drivers/mock"
	"github.com/nanoncore/nano-reconciler/model"
	"github.com/nanoncore/nano-reconciler/types"
	"github.com/nanoncore/nano-reconciler/vendors/huawei"
)

// scriptedCLI answers commands by prefix and records everything sent
type scriptedCLI struct {
	replies map[string]string
	// once replies take precedence and are consumed on first match
	once       map[string]string
	connectErr error
	execErr    error
	connects   int
	closed     int
	sent       []string
}

func (s *scriptedCLI) Connect(ctx context.Context) error {
	s.connects++
	return s.connectErr
}

func (s *scriptedCLI) ExecCommand(ctx context.Context, command string) (string, error) {
	out, err := s.ExecCommands(ctx, []string{command})
	if len(out) == 0 {
		return "", err
	}
	return out[0], err
}

func (s *scriptedCLI) ExecCommands(ctx context.Context, commands []string) ([]string, error) {
	if s.execErr != nil {
		return nil, s.execErr
	}
	out := make([]string, 0, len(commands))
	for _, c := range commands {
		s.sent = append(s.sent, c)
		reply, used := "", false
		for prefix, r := range s.once {
			if strings.HasPrefix(c, prefix) {
				reply, used = r, true
				delete(s.once, prefix)
				break
			}
		}
		if !used {
			for prefix, r := range s.replies {
				if strings.HasPrefix(c, prefix) {
					reply = r
				}
			}
		}
		out = append(out, reply)
	}
	return out, nil
}

func (s *scriptedCLI) Close() error {
	s.closed++
	return nil
}

func (s *scriptedCLI) sentWith(prefix string) int {
	n := 0
	for _, c := range s.sent {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

var onuCfg = types.ONUConfig{Interface: "0/1/0", ONUIndex: 3, VLAN: 100, Profile: "FTTH"}

func TestRegisterSendsSequenceAndSaves(t *testing.T) {
	cli := &scriptedCLI{replies: map[string]string{
		"display ont info by-sn": "Failure: The required ONT does not exist",
	}}
	d := NewDriver(cli, huawei.New(), zerolog.Nop())

	require.NoError(t, d.RegisterONU(context.Background(), "485754430A2C4F13", onuCfg))
	assert.Equal(t, 1, cli.sentWith("ont add 0 3 sn-auth 485754430A2C4F13"))
	assert.Equal(t, "save", cli.sent[len(cli.sent)-1])
	assert.Equal(t, "enable", cli.sent[0])
}

func TestRegisterConvergesWhenSerialPresent(t *testing.T) {
	cli := &scriptedCLI{replies: map[string]string{
		"display ont info by-sn": "F/S/P : 0/1/0\nONT-ID : 3\nRun state : online",
	}}
	d := NewDriver(cli, huawei.New(), zerolog.Nop())

	require.NoError(t, d.RegisterONU(context.Background(), "485754430A2C4F13", onuCfg))
	require.NoError(t, d.RegisterONU(context.Background(), "485754430A2C4F13", onuCfg))
	assert.Zero(t, cli.sentWith("ont add"), "an already bound serial must not be added again")
}

func TestRegisterTreatsAlreadyExistsAsSuccess(t *testing.T) {
	cli := &scriptedCLI{replies: map[string]string{
		"ont add": "Failure: SN already exists",
	}}
	d := NewDriver(cli, huawei.New(), zerolog.Nop())
	assert.NoError(t, d.RegisterONU(context.Background(), "485754430A2C4F13", onuCfg))
}

func TestRegisterRepeatsAfterConfigLock(t *testing.T) {
	defer func(d time.Duration) { transientRetryDelay = d }(transientRetryDelay)
	transientRetryDelay = time.Millisecond

	cli := &scriptedCLI{once: map[string]string{
		"ont add": "Error: configuration is locked by another user",
	}}
	d := NewDriver(cli, huawei.New(), zerolog.Nop())
	require.NoError(t, d.RegisterONU(context.Background(), "485754430A2C4F13", onuCfg))

	adds := 0
	for _, c := range cli.sent {
		if strings.HasPrefix(c, "ont add") {
			adds++
		}
	}
	assert.Equal(t, 2, adds)
}

func TestRegisterDoesNotRepeatPermanentErrors(t *testing.T) {
	cli := &scriptedCLI{replies: map[string]string{
		"ont add": "Failure: The line profile does not exist",
	}}
	d := NewDriver(cli, huawei.New(), zerolog.Nop())
	err := d.RegisterONU(context.Background(), "485754430A2C4F13", onuCfg)
	require.Error(t, err)

	adds := 0
	for _, c := range cli.sent {
		if strings.HasPrefix(c, "ont add") {
			adds++
		}
	}
	assert.Equal(t, 1, adds)
}

func TestRegisterRejectsInvalidConfigBeforeDeviceCall(t *testing.T) {
	cli := &scriptedCLI{}
	d := NewDriver(cli, huawei.New(), zerolog.Nop())

	err := d.RegisterONU(context.Background(), "SN", types.ONUConfig{Interface: "0/1/0", VLAN: 5000})
	require.Error(t, err)
	assert.Zero(t, cli.connects)

	err = d.RegisterONU(context.Background(), "SN", types.ONUConfig{Interface: "gpon-olt_1/1/1", VLAN: 10})
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Empty(t, cli.sent)
}

func TestRegisterReportsDeviceError(t *testing.T) {
	cli := &scriptedCLI{replies: map[string]string{
		"ont add": "Failure: The line profile does not exist",
	}}
	d := NewDriver(cli, huawei.New(), zerolog.Nop())
	err := d.RegisterONU(context.Background(), "485754430A2C4F13", onuCfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PROFILE_MISSING")
}

func TestGetSignal(t *testing.T) {
	cli := &scriptedCLI{replies: map[string]string{
		"display ont optical-info": "Rx optical power(dBm)   : -27.41",
	}}
	d := NewDriver(cli, huawei.New(), zerolog.Nop())
	dbm, err := d.GetSignal(context.Background(), "0/1/0", 3)
	require.NoError(t, err)
	assert.InDelta(t, -27.41, dbm, 0.0001)
}

func TestGetSignalPartialOutputIsUnavailable(t *testing.T) {
	cli := &scriptedCLI{replies: map[string]string{
		"display ont optical-info": "Tx optical power(dBm)   : 2.1",
	}}
	d := NewDriver(cli, huawei.New(), zerolog.Nop())
	_, err := d.GetSignal(context.Background(), "0/1/0", 3)
	assert.ErrorIs(t, err, types.ErrSignalUnavailable)
}

func TestTransportFailureIsReturned(t *testing.T) {
	cli := &scriptedCLI{connectErr: types.ErrNotConnected}
	d := NewDriver(cli, huawei.New(), zerolog.Nop())

	_, err := d.GetSignal(context.Background(), "0/1/0", 3)
	assert.ErrorIs(t, err, types.ErrNotConnected)
	assert.ErrorIs(t, d.RebootONU(context.Background(), "0/1/0", 3), types.ErrNotConnected)
	_, err = d.ListONUs(context.Background())
	assert.ErrorIs(t, err, types.ErrNotConnected)
}

func TestDeregisterMissingUnitSucceeds(t *testing.T) {
	cli := &scriptedCLI{replies: map[string]string{
		"ont delete": "Failure: The ONT does not exist",
	}}
	d := NewDriver(cli, huawei.New(), zerolog.Nop())
	assert.NoError(t, d.DeRegisterONU(context.Background(), "0/1/0", 3))
}

func TestDiscoverAndList(t *testing.T) {
	cli := &scriptedCLI{replies: map[string]string{
		"display ont autofind all": "0/1/0   1   485754430A2C4F13   HWTC   HG8245Q2   2024-01-15 10:30:00",
		"display ont info 0 all":   "0/1/0   3   5053534E00000001   active   online   normal   match   no",
	}}
	d := NewDriver(cli, huawei.New(), zerolog.Nop())

	found, err := d.DiscoverUnconfiguredONUs(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "485754430A2C4F13", found[0].Serial)

	onus, err := d.ListONUs(context.Background())
	require.NoError(t, err)
	require.Len(t, onus, 1)
	assert.Equal(t, 3, onus[0].ONUIndex)
}

type staticFactory struct {
	drv   types.OLTDriver
	agent types.SNMPSession
	err   error
	calls int
}

func (f *staticFactory) OLT(node *model.ServiceNode) (types.OLTDriver, error) {
	f.calls++
	return f.drv, f.err
}

func (f *staticFactory) SNMP(node *model.ServiceNode) (types.SNMPSession, error) {
	f.calls++
	if f.agent == nil {
		return nil, f.err
	}
	return f.agent, f.err
}

func TestServicePingOverSNMP(t *testing.T) {
	agent := mock.NewSNMP()
	drv := mock.NewOLT()
	f := &staticFactory{drv: drv, agent: agent}
	svc := NewService(f, zerolog.Nop())
	node := &model.ServiceNode{ID: 5, Kind: model.NodeKindOLT, ConnectionMethod: model.ConnectionSNMP}

	require.NoError(t, svc.Ping(context.Background(), node))
	up, err := svc.Uptime(context.Background(), node)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, up)
	assert.Empty(t, drv.Commands())

	agent.SetFailure(errors.New("request timeout"))
	assert.Error(t, svc.Ping(context.Background(), node))

	unmanaged := &model.ServiceNode{ID: 6, Kind: model.NodeKindOLT, ConnectionMethod: model.ConnectionNone}
	f.calls = 0
	assert.ErrorIs(t, svc.Ping(context.Background(), unmanaged), types.ErrNoManagement)
	assert.Zero(t, f.calls)
}

func TestServiceSkipsUnmanagedNodes(t *testing.T) {
	f := &staticFactory{drv: mock.NewOLT()}
	svc := NewService(f, zerolog.Nop())
	node := &model.ServiceNode{ID: 9, Kind: model.NodeKindOLT, ConnectionMethod: model.ConnectionNone}

	_, err := svc.Signal(context.Background(), node, "0/1/0", 1)
	assert.ErrorIs(t, err, types.ErrNoManagement)
	assert.ErrorIs(t, svc.RegisterONU(context.Background(), node, "SN", onuCfg), types.ErrNoManagement)
	_, err = svc.Discover(context.Background(), node)
	assert.ErrorIs(t, err, types.ErrNoManagement)
	assert.Zero(t, f.calls)
}

func TestServiceRejectsRouterNodes(t *testing.T) {
	f := &staticFactory{drv: mock.NewOLT()}
	svc := NewService(f, zerolog.Nop())
	node := &model.ServiceNode{ID: 1, Kind: model.NodeKindRouter, ConnectionMethod: model.ConnectionSSH}
	_, err := svc.List(context.Background(), node)
	assert.ErrorIs(t, err, types.ErrUnsupported)
}

func TestServiceClosesSession(t *testing.T) {
	cli := &scriptedCLI{replies: map[string]string{
		"display ont info 0 all": "0/1/0   3   5053534E00000001   active   online   normal   match   no",
	}}
	f := &staticFactory{drv: NewDriver(cli, huawei.New(), zerolog.Nop())}
	svc := NewService(f, zerolog.Nop())
	node := &model.ServiceNode{ID: 2, Kind: model.NodeKindOLT, ConnectionMethod: model.ConnectionSSH}

	serials, err := svc.Serials(context.Background(), node)
	require.NoError(t, err)
	assert.Equal(t, []string{"5053534E00000001"}, serials)
	assert.Equal(t, 1, cli.closed)
}

func TestServiceFactoryError(t *testing.T) {
	f := &staticFactory{err: errors.New("unknown vendor")}
	svc := NewService(f, zerolog.Nop())
	node := &model.ServiceNode{ID: 2, Kind: model.NodeKindOLT, ConnectionMethod: model.ConnectionSSH}
	assert.EqualError(t, svc.Reboot(context.Background(), node, "0/1/0", 1), "unknown vendor")
}
