// Package notify delivers operator alerts. Callers hand over one formatted
// message per alert and never wait for delivery.
package notify

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nanoncore/nano-reconciler/metrics"
)

// Alert kinds
const (
	KindIncident   = "incident"
	KindDrift      = "drift"
	KindHealing    = "healing"
	KindFraud      = "fraud"
	KindBruteforce = "bruteforce"
	KindDiscovery  = "discovery"
	KindLifecycle  = "lifecycle"
)

// Alert is one operator-facing message
type Alert struct {
	Kind   string
	NodeID int64
	Text   string
}

// Notifier delivers alerts
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Func adapts a function to Notifier
type Func func(ctx context.Context, a Alert) error

func (f Func) Notify(ctx context.Context, a Alert) error { return f(ctx, a) }

// Log writes alerts to the log. Used when no chat transport is configured.
type Log struct {
	logger zerolog.Logger
}

func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "alerts").Logger()}
}

func (l *Log) Notify(ctx context.Context, a Alert) error {
	l.logger.Warn().Str("kind", a.Kind).Int64("node_id", a.NodeID).Msg(a.Text)
	return nil
}

// Memory records alerts in order
type Memory struct {
	mu     sync.Mutex
	alerts []Alert
}

func (m *Memory) Notify(ctx context.Context, a Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	return nil
}

// Alerts returns a copy of what was recorded
func (m *Memory) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Alert(nil), m.alerts...)
}

// OfKind returns recorded alerts of one kind
func (m *Memory) OfKind(kind string) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Alert
	for _, a := range m.alerts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// Async decouples callers from delivery with a bounded buffer. When the
// buffer is full the alert is dropped and logged.
type Async struct {
	next   Notifier
	ch     chan Alert
	logger zerolog.Logger
	wg     sync.WaitGroup
	once   sync.Once
}

// NewAsync starts one delivery goroutine in front of next
func NewAsync(next Notifier, buffer int, logger zerolog.Logger) *Async {
	if buffer <= 0 {
		buffer = 128
	}
	a := &Async{
		next:   next,
		ch:     make(chan Alert, buffer),
		logger: logger.With().Str("component", "alerts").Logger(),
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

// Notify queues the alert and returns immediately. It never fails.
func (a *Async) Notify(ctx context.Context, al Alert) error {
	select {
	case a.ch <- al:
	default:
		metrics.AlertsTotal.WithLabelValues(al.Kind, "dropped").Inc()
		a.logger.Warn().Str("kind", al.Kind).Int64("node_id", al.NodeID).Msg("alert buffer full, dropping alert")
	}
	return nil
}

func (a *Async) loop() {
	defer a.wg.Done()
	for al := range a.ch {
		if err := a.next.Notify(context.Background(), al); err != nil {
			metrics.AlertsTotal.WithLabelValues(al.Kind, "failed").Inc()
			a.logger.Warn().Err(err).Str("kind", al.Kind).Int64("node_id", al.NodeID).Msg("alert delivery failed")
			continue
		}
		metrics.AlertsTotal.WithLabelValues(al.Kind, "sent").Inc()
	}
}

// Close drains pending alerts and stops delivery. Notify must not be
// called after Close.
func (a *Async) Close() {
	a.once.Do(func() { close(a.ch) })
	a.wg.Wait()
}
