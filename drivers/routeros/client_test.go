package routeros

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/go-routeros/routeros/v3"
	"github.com/go-routeros/routeros/v3/proto"
	"github.com/rs/zerolog"

	"github.com/nanoncore/nano-reconciler/types"
)

type fakeRunner struct {
	replies map[string]*routeros.Reply
	sent    [][]string
	err     error
}

func (f *fakeRunner) RunContext(ctx context.Context, sentence ...string) (*routeros.Reply, error) {
	f.sent = append(f.sent, sentence)
	if f.err != nil {
		return nil, f.err
	}
	if r, ok := f.replies[strings.Join(sentence, " ")]; ok {
		return r, nil
	}
	if r, ok := f.replies[sentence[0]]; ok {
		return r, nil
	}
	return &routeros.Reply{}, nil
}

func (f *fakeRunner) Close() error { return nil }

func reply(rows ...map[string]string) *routeros.Reply {
	r := &routeros.Reply{}
	for _, m := range rows {
		r.Re = append(r.Re, &proto.Sentence{Word: "!re", Map: m})
	}
	return r
}

func TestActiveSessions(t *testing.T) {
	fr := &fakeRunner{replies: map[string]*routeros.Reply{
		"/ppp/active/print": reply(
			map[string]string{".id": "*1", "name": "alice", "caller-id": "AA:BB:CC:00:00:01", "address": "10.0.0.2", "uptime": "1h2m3s"},
		),
	}}
	c := newClient(fr, 1, zerolog.Nop())

	sessions, err := c.ActiveSessions(context.Background())
	if err != nil {
		t.Fatalf("ActiveSessions() error = %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("ActiveSessions() returned %d sessions, want 1", len(sessions))
	}
	s := sessions[0]
	if s.Login != "alice" || s.CallerID != "AA:BB:CC:00:00:01" || s.Uptime != time.Hour+2*time.Minute+3*time.Second {
		t.Errorf("session = %+v", s)
	}
}

func TestResourcesCountsActiveClients(t *testing.T) {
	fr := &fakeRunner{replies: map[string]*routeros.Reply{
		"/system/resource/print": reply(map[string]string{
			"cpu-load": "12", "free-memory": "268435456", "total-memory": "1073741824", "uptime": "2d00:00:10",
		}),
		"/ppp/active/print =count-only=": {Done: &proto.Sentence{Word: "!done", Map: map[string]string{"ret": "42"}}},
	}}
	c := newClient(fr, 1, zerolog.Nop())

	res, err := c.Resources(context.Background())
	if err != nil {
		t.Fatalf("Resources() error = %v", err)
	}
	if res.CPULoad != 12 || res.ActiveClients != 42 {
		t.Errorf("Resources() = %+v", res)
	}
	if res.Uptime != 48*time.Hour+10*time.Second {
		t.Errorf("Uptime = %v", res.Uptime)
	}
	if got := res.MemoryUsedPercent(); got != 75 {
		t.Errorf("MemoryUsedPercent() = %v, want 75", got)
	}
}

func TestAddSecretSentence(t *testing.T) {
	fr := &fakeRunner{}
	c := newClient(fr, 1, zerolog.Nop())

	if err := c.AddSecret(context.Background(), types.Secret{Name: "bob", Password: "pw", Profile: "10M"}); err != nil {
		t.Fatalf("AddSecret() error = %v", err)
	}
	got := strings.Join(fr.sent[0], " ")
	want := "/ppp/secret/add =name=bob =password=pw =service=pppoe =profile=10M"
	if got != want {
		t.Errorf("sentence = %q, want %q", got, want)
	}
	if r := redact(fr.sent[0]); strings.Contains(r, "=password=pw") {
		t.Errorf("redact() leaked password: %q", r)
	}
}

func TestRunErrorWrapsCommand(t *testing.T) {
	c := newClient(&fakeRunner{err: errors.New("io timeout")}, 1, zerolog.Nop())
	err := c.Ping(context.Background())
	if err == nil || !strings.Contains(err.Error(), "/system/identity/print") {
		t.Errorf("Ping() error = %v", err)
	}

	_ = c.Close()
	if err := c.Ping(context.Background()); !errors.Is(err, types.ErrNotConnected) {
		t.Errorf("Ping() after Close error = %v, want ErrNotConnected", err)
	}
}

func TestLogsLimit(t *testing.T) {
	fr := &fakeRunner{replies: map[string]*routeros.Reply{
		"/log/print": reply(
			map[string]string{"message": "one"},
			map[string]string{"message": "two"},
			map[string]string{"message": "three"},
		),
	}}
	c := newClient(fr, 1, zerolog.Nop())

	logs, err := c.Logs(context.Background(), 2)
	if err != nil {
		t.Fatalf("Logs() error = %v", err)
	}
	if len(logs) != 2 || logs[0].Message != "two" || logs[1].Message != "three" {
		t.Errorf("Logs() = %+v", logs)
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"45s", 45 * time.Second},
		{"3h4m5s", 3*time.Hour + 4*time.Minute + 5*time.Second},
		{"1w2d", 9 * 24 * time.Hour},
		{"1w2d03:04:05", 9*24*time.Hour + 3*time.Hour + 4*time.Minute + 5*time.Second},
		{"250ms", 250 * time.Millisecond},
		{"junk", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseDuration(tt.in); got != tt.want {
				t.Errorf("ParseDuration(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{24 * time.Hour, "1d"},
		{26*time.Hour + 3*time.Minute + 4*time.Second, "1d2h3m4s"},
		{90 * time.Second, "1m30s"},
		{500 * time.Millisecond, ""},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := FormatDuration(tt.in); got != tt.want {
				t.Errorf("FormatDuration(%v) = %q, want %q", tt.in, got, tt.want)
			}
			if tt.want != "" && ParseDuration(tt.want) != tt.in.Truncate(time.Second) {
				t.Errorf("round trip of %q failed", tt.want)
			}
		})
	}
}

// readSentence consumes one API sentence whose words are shorter than 128 bytes
func readSentence(r io.Reader) error {
	var n [1]byte
	for {
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return err
		}
		if n[0] == 0 {
			return nil
		}
		if _, err := io.CopyN(io.Discard, r, int64(n[0])); err != nil {
			return err
		}
	}
}

// stallingRouter accepts the login and then never answers
func stallingRouter(t *testing.T) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if readSentence(conn) != nil {
			return
		}
		if _, err := conn.Write([]byte{5, '!', 'd', 'o', 'n', 'e', 0}); err != nil {
			return
		}
		_, _ = io.Copy(io.Discard, conn)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func TestStalledRouterTimesOut(t *testing.T) {
	host, port := stallingRouter(t)
	cfg := &types.EquipmentConfig{NodeID: 4, Address: host, Port: port, Username: "api", Password: "pw", Timeout: 200 * time.Millisecond}

	c, err := Dial(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	done := make(chan error, 1)
	go func() { done <- c.Ping(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, types.ErrNotConnected) {
			t.Errorf("Ping() error = %v, want ErrNotConnected", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Ping() still blocked past the session timeout")
	}

	if err := c.Ping(context.Background()); !errors.Is(err, types.ErrNotConnected) {
		t.Errorf("Ping() after timeout error = %v, want ErrNotConnected", err)
	}
}

func TestDialHonoursContextDeadline(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = io.Copy(io.Discard, conn)
	}()
	addr := ln.Addr().(*net.TCPAddr)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = Dial(ctx, &types.EquipmentConfig{Address: addr.IP.String(), Port: addr.Port, Timeout: time.Minute}, zerolog.Nop())
	if !errors.Is(err, types.ErrNotConnected) {
		t.Errorf("Dial() error = %v, want ErrNotConnected", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Dial() took %v against a silent login", elapsed)
	}
}
