// Package routeros implements types.RouterClient over the MikroTik
// RouterOS management API.
package routeros

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-routeros/routeros/v3"
	"github.com/rs/zerolog"

	"github.com/nanoncore/nano-reconciler/metrics"
	"github.com/nanoncore/nano-reconciler/types"
)

const (
	defaultPort    = 8728
	defaultTLSPort = 8729
)

// runner is the subset of *routeros.Client the Client depends on
type runner interface {
	RunContext(ctx context.Context, sentence ...string) (*routeros.Reply, error)
	Close() error
}

// Client is a RouterOS API session. Calls are serialized and each one is
// bounded by the session timeout.
type Client struct {
	nodeID  int64
	timeout time.Duration
	logger  zerolog.Logger

	mu   sync.Mutex
	conn runner
	// deadline arms the socket deadline; nil when there is no socket
	deadline func(time.Time) error
}

// Dial opens an API session using the node's credentials. The TCP connect,
// TLS handshake and login all share one deadline.
func Dial(ctx context.Context, cfg *types.EquipmentConfig, logger zerolog.Logger) (*Client, error) {
	if cfg == nil || cfg.Address == "" {
		return nil, fmt.Errorf("address is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	port := cfg.Port
	if port == 0 {
		port = defaultPort
		if cfg.TLSEnabled {
			port = defaultTLSPort
		}
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	address := net.JoinHostPort(cfg.Address, strconv.Itoa(port))

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := login(dctx, address, cfg)
	if err != nil {
		metrics.DeviceErrorsTotal.WithLabelValues(string(types.VendorMikrotik), string(types.ProtocolRouterOS)).Inc()
		return nil, fmt.Errorf("%w: routeros dial %s: %v", types.ErrNotConnected, address, err)
	}

	c := newClient(conn.api, cfg.NodeID, logger)
	c.timeout = timeout
	c.deadline = conn.raw.SetDeadline
	return c, nil
}

type session struct {
	raw net.Conn
	api *routeros.Client
}

func login(ctx context.Context, address string, cfg *types.EquipmentConfig) (*session, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = raw.SetDeadline(dl)
	}
	if cfg.TLSEnabled {
		tc := tls.Client(raw, &tls.Config{
			ServerName:         cfg.Address,
			InsecureSkipVerify: cfg.TLSSkipVerify, //nolint:gosec // User-controlled
		})
		if err := tc.HandshakeContext(ctx); err != nil {
			_ = raw.Close()
			return nil, err
		}
		raw = tc
	}
	api, err := routeros.NewClient(raw)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	if err := api.Login(cfg.Username, cfg.Password); err != nil {
		_ = api.Close()
		return nil, err
	}
	_ = raw.SetDeadline(time.Time{})
	return &session{raw: raw, api: api}, nil
}

func newClient(conn runner, nodeID int64, logger zerolog.Logger) *Client {
	return &Client{
		nodeID:  nodeID,
		timeout: 10 * time.Second,
		conn:    conn,
		logger:  logger.With().Str("component", "routeros").Int64("node_id", nodeID).Logger(),
	}
}

// run executes one API sentence and logs it for audit. A call that runs
// past its deadline leaves the stream mid-reply, so the session is closed
// and later calls fail with ErrNotConnected.
func (c *Client) run(ctx context.Context, sentence ...string) (*routeros.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil, types.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if c.deadline != nil {
		dl, _ := rctx.Deadline()
		_ = c.deadline(dl)
		defer func() {
			if c.deadline != nil {
				_ = c.deadline(time.Time{})
			}
		}()
	}

	start := time.Now()
	reply, err := c.conn.RunContext(rctx, sentence...)
	elapsed := time.Since(start)
	metrics.DeviceCommandDuration.WithLabelValues(string(types.VendorMikrotik)).Observe(elapsed.Seconds())

	if err != nil && (rctx.Err() != nil || isTimeout(err)) {
		_ = c.conn.Close()
		c.conn = nil
		c.deadline = nil
		err = fmt.Errorf("%w: %v", types.ErrNotConnected, err)
	}

	ev := c.logger.Debug()
	if err != nil {
		ev = c.logger.Warn().Err(err)
	}
	rows := 0
	if reply != nil {
		rows = len(reply.Re)
	}
	ev.Time("at", start).
		Dur("elapsed", elapsed).
		Str("command", redact(sentence)).
		Int("rows", rows).
		Msg("device command")

	if err != nil {
		return nil, fmt.Errorf("%s: %w", sentence[0], err)
	}
	return reply, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// redact hides password words from audit logs
func redact(sentence []string) string {
	out := make([]string, len(sentence))
	for i, w := range sentence {
		if strings.HasPrefix(w, "=password=") {
			w = "=password=***"
		}
		out[i] = w
	}
	return strings.Join(out, " ")
}

func rows(reply *routeros.Reply) []map[string]string {
	out := make([]map[string]string, 0, len(reply.Re))
	for _, re := range reply.Re {
		out = append(out, re.Map)
	}
	return out
}

// Ping checks the session answers a trivial query
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.run(ctx, "/system/identity/print")
	return err
}

// ActiveSessions lists active PPP sessions
func (c *Client) ActiveSessions(ctx context.Context) ([]types.Session, error) {
	reply, err := c.run(ctx, "/ppp/active/print")
	if err != nil {
		return nil, err
	}
	sessions := make([]types.Session, 0, len(reply.Re))
	for _, m := range rows(reply) {
		sessions = append(sessions, types.Session{
			ID:       m[".id"],
			Login:    m["name"],
			Service:  m["service"],
			CallerID: m["caller-id"],
			Address:  m["address"],
			Uptime:   ParseDuration(m["uptime"]),
		})
	}
	return sessions, nil
}

// RemoveSession forcibly disconnects an active session
func (c *Client) RemoveSession(ctx context.Context, id string) error {
	_, err := c.run(ctx, "/ppp/active/remove", "=.id="+id)
	return err
}

// Interfaces returns octet counters for every interface
func (c *Client) Interfaces(ctx context.Context) ([]types.InterfaceCounters, error) {
	reply, err := c.run(ctx, "/interface/print", "=.proplist=name,rx-byte,tx-byte,running,disabled")
	if err != nil {
		return nil, err
	}
	out := make([]types.InterfaceCounters, 0, len(reply.Re))
	for _, m := range rows(reply) {
		rx, _ := strconv.ParseUint(m["rx-byte"], 10, 64)
		tx, _ := strconv.ParseUint(m["tx-byte"], 10, 64)
		out = append(out, types.InterfaceCounters{
			Name:     m["name"],
			RxBytes:  rx,
			TxBytes:  tx,
			Running:  m["running"] == "true",
			Disabled: m["disabled"] == "true",
		})
	}
	return out, nil
}

// AddressList returns the members of a firewall address list
func (c *Client) AddressList(ctx context.Context, list string) ([]types.AddressListEntry, error) {
	reply, err := c.run(ctx, "/ip/firewall/address-list/print", "?list="+list)
	if err != nil {
		return nil, err
	}
	out := make([]types.AddressListEntry, 0, len(reply.Re))
	for _, m := range rows(reply) {
		out = append(out, types.AddressListEntry{
			ID:      m[".id"],
			List:    m["list"],
			Address: m["address"],
			Comment: m["comment"],
			Timeout: m["timeout"],
		})
	}
	return out, nil
}

// AddAddress inserts an address list entry
func (c *Client) AddAddress(ctx context.Context, entry types.AddressListEntry) error {
	sentence := []string{
		"/ip/firewall/address-list/add",
		"=list=" + entry.List,
		"=address=" + entry.Address,
	}
	if entry.Comment != "" {
		sentence = append(sentence, "=comment="+entry.Comment)
	}
	if entry.Timeout != "" {
		sentence = append(sentence, "=timeout="+entry.Timeout)
	}
	_, err := c.run(ctx, sentence...)
	return err
}

// RemoveAddress deletes an address list entry by id
func (c *Client) RemoveAddress(ctx context.Context, id string) error {
	_, err := c.run(ctx, "/ip/firewall/address-list/remove", "=.id="+id)
	return err
}

// Logs returns the most recent limit log lines, oldest first
func (c *Client) Logs(ctx context.Context, limit int) ([]types.LogEntry, error) {
	reply, err := c.run(ctx, "/log/print")
	if err != nil {
		return nil, err
	}
	all := rows(reply)
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]types.LogEntry, 0, len(all))
	for _, m := range all {
		out = append(out, types.LogEntry{Time: m["time"], Topics: m["topics"], Message: m["message"]})
	}
	return out, nil
}

// Resources returns CPU, memory, uptime and the active PPP session count
func (c *Client) Resources(ctx context.Context) (*types.Resources, error) {
	reply, err := c.run(ctx, "/system/resource/print")
	if err != nil {
		return nil, err
	}
	if len(reply.Re) == 0 {
		return nil, fmt.Errorf("%w: empty resource reply", types.ErrNotFound)
	}
	m := reply.Re[0].Map

	res := &types.Resources{
		Uptime:    ParseDuration(m["uptime"]),
		Version:   m["version"],
		BoardName: m["board-name"],
	}
	res.CPULoad, _ = strconv.Atoi(m["cpu-load"])
	res.FreeMemory, _ = strconv.ParseUint(m["free-memory"], 10, 64)
	res.TotalMemory, _ = strconv.ParseUint(m["total-memory"], 10, 64)

	count, err := c.run(ctx, "/ppp/active/print", "=count-only=")
	if err != nil {
		return nil, err
	}
	if count.Done != nil {
		res.ActiveClients, _ = strconv.Atoi(count.Done.Map["ret"])
	}
	return res, nil
}

// Secrets lists PPP secrets
func (c *Client) Secrets(ctx context.Context) ([]types.Secret, error) {
	reply, err := c.run(ctx, "/ppp/secret/print", "=.proplist=.id,name,service,profile,disabled,comment")
	if err != nil {
		return nil, err
	}
	out := make([]types.Secret, 0, len(reply.Re))
	for _, m := range rows(reply) {
		out = append(out, types.Secret{
			ID:       m[".id"],
			Name:     m["name"],
			Service:  m["service"],
			Profile:  m["profile"],
			Disabled: m["disabled"] == "true",
			Comment:  m["comment"],
		})
	}
	return out, nil
}

// AddSecret creates a PPP secret
func (c *Client) AddSecret(ctx context.Context, s types.Secret) error {
	service := s.Service
	if service == "" {
		service = "pppoe"
	}
	sentence := []string{
		"/ppp/secret/add",
		"=name=" + s.Name,
		"=password=" + s.Password,
		"=service=" + service,
		"=profile=" + s.Profile,
	}
	if s.Comment != "" {
		sentence = append(sentence, "=comment="+s.Comment)
	}
	_, err := c.run(ctx, sentence...)
	return err
}

// UpdateSecret sets profile, disabled flag and, when given, password
func (c *Client) UpdateSecret(ctx context.Context, s types.Secret) error {
	if s.ID == "" {
		return fmt.Errorf("secret %q has no id", s.Name)
	}
	sentence := []string{
		"/ppp/secret/set",
		"=.id=" + s.ID,
		"=profile=" + s.Profile,
		"=disabled=" + strconv.FormatBool(s.Disabled),
	}
	if s.Password != "" {
		sentence = append(sentence, "=password="+s.Password)
	}
	_, err := c.run(ctx, sentence...)
	return err
}

// RemoveSecret deletes a PPP secret by id
func (c *Client) RemoveSecret(ctx context.Context, id string) error {
	_, err := c.run(ctx, "/ppp/secret/remove", "=.id="+id)
	return err
}

// Close terminates the API session
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.deadline = nil
	return err
}

// ParseDuration parses RouterOS durations such as "1w2d03:04:05" or
// "3h4m5s". Unparseable input yields zero.
func ParseDuration(s string) time.Duration {
	var total time.Duration
	num := 0
	digits := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case ch >= '0' && ch <= '9':
			num = num*10 + int(ch-'0')
			digits = true
		case ch == 'w':
			total += time.Duration(num) * 7 * 24 * time.Hour
			num, digits = 0, false
		case ch == 'd':
			total += time.Duration(num) * 24 * time.Hour
			num, digits = 0, false
		case ch == 'h':
			total += time.Duration(num) * time.Hour
			num, digits = 0, false
		case ch == 'm' && i+1 < len(s) && s[i+1] == 's':
			total += time.Duration(num) * time.Millisecond
			num, digits = 0, false
			i++
		case ch == 'm':
			total += time.Duration(num) * time.Minute
			num, digits = 0, false
		case ch == 's':
			total += time.Duration(num) * time.Second
			num, digits = 0, false
		case ch == ':':
			clock := strings.Split(s[i-countDigitsBack(s, i):], ":")
			if len(clock) == 3 {
				h, _ := strconv.Atoi(clock[0])
				m, _ := strconv.Atoi(clock[1])
				sec, _ := strconv.Atoi(clock[2])
				return total + time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second
			}
			return 0
		default:
			return 0
		}
	}
	if digits {
		total += time.Duration(num) * time.Second
	}
	return total
}

// FormatDuration renders d in the RouterOS "1d2h3m4s" form, whole seconds
// only. Zero renders as "".
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return ""
	}
	secs := int64(d / time.Second)
	var b strings.Builder
	for _, u := range []struct {
		unit string
		size int64
	}{{"d", 86400}, {"h", 3600}, {"m", 60}, {"s", 1}} {
		if n := secs / u.size; n > 0 {
			b.WriteString(strconv.FormatInt(n, 10))
			b.WriteString(u.unit)
			secs -= n * u.size
		}
	}
	return b.String()
}

func countDigitsBack(s string, i int) int {
	n := 0
	for j := i - 1; j >= 0 && s[j] >= '0' && s[j] <= '9'; j-- {
		n++
	}
	return n
}

var _ types.RouterClient = (*Client)(nil)
