// Package events carries provisioning progress from the pipeline to live
// consumers: the websocket stream and an optional Kafka topic.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/gookit/event"
	"github.com/rs/zerolog"
)

// TopicProgress is the event name fired for every pipeline step change
const TopicProgress = "provision.progress"

// Pipeline steps
const (
	StepValidate = "validate"
	StepRadius   = "radius"
	StepOLT      = "olt"
	StepDatabase = "database"
)

// Step states
const (
	StateStarted = "started"
	StateDone    = "done"
	StateSkipped = "skipped"
	StateFailed  = "failed"
)

// Progress is one status update of a service request
type Progress struct {
	RequestID  int64     `json:"request_id"`
	CustomerID int64     `json:"customer_id"`
	Step       string    `json:"step"`
	State      string    `json:"state"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher accepts progress updates
type Publisher interface {
	Publish(ctx context.Context, p Progress)
}

// Bus is an in-process event manager. Listeners run synchronously on the
// publishing goroutine and must not block.
type Bus struct {
	mgr    *event.Manager
	logger zerolog.Logger
}

func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		mgr:    event.NewManager("reconciler"),
		logger: logger.With().Str("component", "events").Logger(),
	}
}

// Publish fires the progress event. Listener errors are logged only.
func (b *Bus) Publish(ctx context.Context, p Progress) {
	if p.At.IsZero() {
		p.At = time.Now()
	}
	if err, _ := b.mgr.Fire(TopicProgress, event.M{"progress": p}); err != nil {
		b.logger.Warn().Err(err).Int64("request_id", p.RequestID).Str("step", p.Step).Msg("progress listener failed")
	}
}

// Subscribe registers fn for every progress event
func (b *Bus) Subscribe(fn func(Progress)) {
	b.mgr.On(TopicProgress, event.ListenerFunc(func(e event.Event) error {
		p, ok := e.Get("progress").(Progress)
		if !ok {
			return fmt.Errorf("unexpected progress payload %T", e.Get("progress"))
		}
		fn(p)
		return nil
	}))
}

// Recorder collects progress updates, for tests
type Recorder struct {
	ch chan Progress
}

func NewRecorder(size int) *Recorder { return &Recorder{ch: make(chan Progress, size)} }

func (r *Recorder) Publish(ctx context.Context, p Progress) {
	select {
	case r.ch <- p:
	default:
	}
}

// Drain returns everything recorded so far
func (r *Recorder) Drain() []Progress {
	var out []Progress
	for {
		select {
		case p := <-r.ch:
			out = append(out, p)
		default:
			return out
		}
	}
}
