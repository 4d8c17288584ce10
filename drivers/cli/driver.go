package cli

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/nanoncore/nano-reconciler/metrics"
	"github.com/nanoncore/nano-reconciler/types"
)

const (
	defaultPort    = 22
	defaultTimeout = 10 * time.Second

	// responseLogLimit truncates raw responses in debug logs
	responseLogLimit = 2048
)

// commandEntry is one executed command as written to the audit log
type commandEntry struct {
	Command  string
	Response string
	At       time.Time
	Elapsed  time.Duration
}

// shell is the interactive session a Driver sends commands over
type shell interface {
	Execute(command string) (string, error)
	Close() error
}

// Driver is an SSH CLI transport. It holds at most one live session and
// serializes commands against it.
type Driver struct {
	config *types.EquipmentConfig
	logger zerolog.Logger

	mu        sync.Mutex
	sshClient *ssh.Client
	session   shell
}

// NewDriver creates a new CLI driver
func NewDriver(config *types.EquipmentConfig, logger zerolog.Logger) (*Driver, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if config.Address == "" {
		return nil, fmt.Errorf("address is required")
	}
	if config.Port == 0 {
		config.Port = defaultPort
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	return &Driver{
		config: config,
		logger: logger.With().
			Str("component", "cli").
			Int64("node_id", config.NodeID).
			Str("vendor", string(config.Vendor)).
			Logger(),
	}, nil
}

// Connect establishes the SSH connection and expect session. It is a no-op
// when a session is already live.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session != nil {
		return nil
	}

	// Some devices (like V-Sol OLTs) require keyboard-interactive instead of password
	keyboardInteractive := ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range questions {
			answers[i] = d.config.Password
		}
		return answers, nil
	})

	sshConfig := &ssh.ClientConfig{
		User: d.config.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(d.config.Password),
			keyboardInteractive,
		},
		Timeout:         d.config.Timeout,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // OLT host keys are not provisioned in the inventory
	}

	target := net.JoinHostPort(d.config.Address, strconv.Itoa(d.config.Port))

	dialCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", target)
	if err != nil {
		metrics.DeviceErrorsTotal.WithLabelValues(string(d.config.Vendor), string(types.ProtocolCLI)).Inc()
		return fmt.Errorf("%w: dial %s: %v", types.ErrNotConnected, target, err)
	}

	c, chans, reqs, err := ssh.NewClientConn(conn, target, sshConfig)
	if err != nil {
		conn.Close()
		metrics.DeviceErrorsTotal.WithLabelValues(string(d.config.Vendor), string(types.ProtocolCLI)).Inc()
		return fmt.Errorf("%w: ssh handshake with %s: %v", types.ErrNotConnected, target, err)
	}
	client := ssh.NewClient(c, chans, reqs)

	session, err := NewExpectSession(ExpectSessionConfig{
		SSHClient:    client,
		Vendor:       d.config.Vendor,
		Timeout:      d.config.Timeout,
		DisablePager: true,
		Username:     d.config.Username,
		Password:     d.config.Password,
	})
	if err != nil {
		client.Close()
		return fmt.Errorf("%w: %v", types.ErrNotConnected, err)
	}

	d.sshClient = client
	d.session = session
	d.logger.Debug().Str("target", target).Msg("CLI session established")
	return nil
}

// Close terminates the session
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session != nil {
		_ = d.session.Close()
		d.session = nil
	}
	if d.sshClient != nil {
		err := d.sshClient.Close()
		d.sshClient = nil
		return err
	}
	return nil
}

// IsConnected returns true if a session is live
func (d *Driver) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session != nil
}

// ExecCommand implements types.CLIExecutor - executes a single CLI command
func (d *Driver) ExecCommand(ctx context.Context, command string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.execLocked(ctx, command)
}

// ExecCommands implements types.CLIExecutor - executes multiple CLI commands sequentially
func (d *Driver) ExecCommands(ctx context.Context, commands []string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	results := make([]string, 0, len(commands))
	for _, cmd := range commands {
		output, err := d.execLocked(ctx, cmd)
		if err != nil {
			return results, fmt.Errorf("command %q failed: %w", cmd, err)
		}
		results = append(results, output)
	}
	return results, nil
}

func (d *Driver) execLocked(ctx context.Context, command string) (string, error) {
	if d.session == nil {
		return "", types.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	start := time.Now()
	output, err := d.session.Execute(command)
	elapsed := time.Since(start)

	metrics.DeviceCommandDuration.WithLabelValues(string(d.config.Vendor)).Observe(elapsed.Seconds())
	d.record(commandEntry{
		Command:  command,
		Response: output,
		At:       start,
		Elapsed:  elapsed,
	}, err)

	if err != nil {
		// A timed-out session is unusable; force a reconnect on next use
		_ = d.session.Close()
		d.session = nil
		return output, fmt.Errorf("%w: %v", types.ErrNotConnected, err)
	}
	return output, nil
}

func (d *Driver) record(entry commandEntry, err error) {
	resp := entry.Response
	if len(resp) > responseLogLimit {
		resp = resp[:responseLogLimit]
	}
	ev := d.logger.Debug()
	if err != nil {
		ev = d.logger.Warn().Err(err)
	}
	ev.Time("at", entry.At).
		Dur("elapsed", entry.Elapsed).
		Str("command", entry.Command).
		Str("response", resp).
		Msg("device command")
}

// Ensure Driver implements CLIExecutor
var _ types.CLIExecutor = (*Driver)(nil)
