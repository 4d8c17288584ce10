// Package queue runs reconciliation tasks on a fixed worker pool. Each
// worker pulls one task at a time; parallelism across nodes comes from
// enqueueing one task per node.
package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nanoncore/nano-reconciler/metrics"
)

var (
	ErrClosed      = errors.New("queue: closed")
	ErrUnknownKind = errors.New("queue: no handler for task kind")
)

// Task is one unit of work. Zero ids mean "not applicable".
type Task struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	NodeID     int64     `json:"node_id,omitempty"`
	CustomerID int64     `json:"customer_id,omitempty"`
	RequestID  int64     `json:"request_id,omitempty"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func (t Task) logFields(e *zerolog.Event) *zerolog.Event {
	e = e.Str("task_id", t.ID).Str("kind", t.Kind).Int("attempt", t.Attempt)
	if t.NodeID != 0 {
		e = e.Int64("node_id", t.NodeID)
	}
	if t.CustomerID != 0 {
		e = e.Int64("customer_id", t.CustomerID)
	}
	if t.RequestID != 0 {
		e = e.Int64("request_id", t.RequestID)
	}
	return e
}

// Handler executes one attempt of a task
type Handler func(ctx context.Context, t Task) Result

// ExhaustedFunc is called once when a task runs out of attempts
type ExhaustedFunc func(ctx context.Context, t Task, err error)

type registration struct {
	handler Handler
	policy  Policy
}

// Options configures a Queue
type Options struct {
	Workers int
	Buffer  int
	// Timeout bounds a single attempt
	Timeout time.Duration
	// After schedules f after d. Defaults to time.AfterFunc; tests replace
	// it to observe backoff without waiting.
	After func(d time.Duration, f func())
}

// Queue is an in-process task queue with per-kind retry policies
type Queue struct {
	opts      Options
	logger    zerolog.Logger
	tracer    trace.Tracer
	mu        sync.RWMutex
	handlers  map[string]registration
	exhausted ExhaustedFunc

	tasks    chan Task
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a stopped queue
func New(opts Options, logger zerolog.Logger) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if opts.After == nil {
		opts.After = func(d time.Duration, f func()) { time.AfterFunc(d, f) }
	}
	return &Queue{
		opts:     opts,
		logger:   logger.With().Str("component", "queue").Logger(),
		tracer:   otel.Tracer("github.com/nanoncore/nano-reconciler/queue"),
		handlers: make(map[string]registration),
		tasks:    make(chan Task, opts.Buffer),
		done:     make(chan struct{}),
	}
}

// Register binds a handler and retry policy to a task kind
func (q *Queue) Register(kind string, policy Policy, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[kind] = registration{handler: h, policy: policy}
}

// OnExhausted sets the hook called when a task exhausts its policy
func (q *Queue) OnExhausted(fn ExhaustedFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.exhausted = fn
}

// Kinds returns the registered task kinds
func (q *Queue) Kinds() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]string, 0, len(q.handlers))
	for k := range q.handlers {
		out = append(out, k)
	}
	return out
}

func (q *Queue) lookup(kind string) (registration, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	r, ok := q.handlers[kind]
	return r, ok
}

// Enqueue assigns an id when missing and queues the first attempt. It
// blocks while the buffer is full until ctx is done.
func (q *Queue) Enqueue(ctx context.Context, t Task) (Task, error) {
	if _, ok := q.lookup(t.Kind); !ok {
		return t, fmt.Errorf("%w: %q", ErrUnknownKind, t.Kind)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Attempt = 1
	t.EnqueuedAt = time.Now()

	select {
	case <-q.done:
		return t, ErrClosed
	default:
	}
	select {
	case q.tasks <- t:
		metrics.QueueDepth.Set(float64(len(q.tasks)))
		q.logger.Debug().Str("task_id", t.ID).Str("kind", t.Kind).Msg("task enqueued")
		return t, nil
	case <-q.done:
		return t, ErrClosed
	case <-ctx.Done():
		return t, ctx.Err()
	}
}

func (q *Queue) requeue(t Task) {
	select {
	case q.tasks <- t:
		metrics.QueueDepth.Set(float64(len(q.tasks)))
	case <-q.done:
		q.logger.Warn().Str("task_id", t.ID).Str("kind", t.Kind).Int("attempt", t.Attempt).
			Msg("queue stopped, retry dropped")
	}
}

// Start launches the workers. They stop when ctx is done or Stop is called.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.logger.Info().Int("workers", q.opts.Workers).Msg("queue started")
}

// Stop signals the workers and waits for in-flight attempts to finish.
// Queued and delayed tasks are dropped.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.done) })
	q.wg.Wait()
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case <-ctx.Done():
			return
		case t := <-q.tasks:
			metrics.QueueDepth.Set(float64(len(q.tasks)))
			q.process(ctx, t)
		}
	}
}

func (q *Queue) process(ctx context.Context, t Task) {
	reg, ok := q.lookup(t.Kind)
	if !ok {
		q.logger.Error().Str("task_id", t.ID).Str("kind", t.Kind).Msg("no handler registered")
		return
	}
	res := q.execute(ctx, reg.handler, t)

	switch res.Status {
	case Succeeded, Skipped:
		return
	case Failed:
		return
	}

	if reg.policy.Exhausted(t.Attempt) {
		metrics.JobExhaustedTotal.WithLabelValues(t.Kind).Inc()
		t.logFields(q.logger.Error()).Err(res.Err).Msg("task exhausted retries")
		q.mu.RLock()
		hook := q.exhausted
		q.mu.RUnlock()
		if hook != nil {
			hook(ctx, t, res.Err)
		}
		return
	}

	delay := reg.policy.Delay(t.Attempt)
	next := t
	next.Attempt++
	metrics.JobRetriesTotal.WithLabelValues(t.Kind).Inc()
	t.logFields(q.logger.Warn()).Err(res.Err).Dur("backoff", delay).Msg("task scheduled for retry")
	q.opts.After(delay, func() { q.requeue(next) })
}

// Run executes a single attempt synchronously, without retries. Used by
// the run command and by tests.
func (q *Queue) Run(ctx context.Context, t Task) (Result, error) {
	reg, ok := q.lookup(t.Kind)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownKind, t.Kind)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Attempt == 0 {
		t.Attempt = 1
	}
	return q.execute(ctx, reg.handler, t), nil
}

// execute runs one attempt with a timeout, a span, metrics and panic
// recovery. A panic is reported as retryable.
func (q *Queue) execute(ctx context.Context, h Handler, t Task) (res Result) {
	ctx, cancel := context.WithTimeout(ctx, q.opts.Timeout)
	defer cancel()
	ctx, span := q.tracer.Start(ctx, "queue.run", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.kind", t.Kind),
		attribute.Int("task.attempt", t.Attempt),
		attribute.Int64("task.node_id", t.NodeID),
		attribute.Int64("task.customer_id", t.CustomerID),
	))
	start := time.Now()
	t.logFields(q.logger.Debug()).Msg("task started")

	defer func() {
		if r := recover(); r != nil {
			t.logFields(q.logger.Error()).Interface("panic", r).Bytes("stack", debug.Stack()).Msg("task panicked")
			res = Retry(fmt.Errorf("panic: %v", r))
		}
		elapsed := time.Since(start)
		metrics.JobRunsTotal.WithLabelValues(t.Kind, res.Status.String()).Inc()
		metrics.JobDuration.WithLabelValues(t.Kind).Observe(elapsed.Seconds())
		span.SetAttributes(attribute.String("task.result", res.Status.String()))
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, res.Err.Error())
		}
		span.End()
		q.logOutcome(t, res, elapsed)
	}()

	return h(ctx, t)
}

func (q *Queue) logOutcome(t Task, res Result, elapsed time.Duration) {
	var e *zerolog.Event
	switch res.Status {
	case Succeeded:
		e = q.logger.Info()
	case Skipped:
		e = q.logger.Debug().Str("reason", res.Reason)
	case Retryable:
		e = q.logger.Warn().Err(res.Err)
	default:
		e = q.logger.Error().Err(res.Err)
	}
	t.logFields(e).Str("result", res.Status.String()).Dur("elapsed", elapsed).Msg("task finished")
}
