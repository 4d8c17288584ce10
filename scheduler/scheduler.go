// Package scheduler turns per-kind intervals into queue tasks. Every tick
// enqueues one task per managed node of the kind the job targets; the
// queue's worker pool does the rest.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nanoncore/nano-reconciler/jobs"
	"github.com/nanoncore/nano-reconciler/model"
	"github.com/nanoncore/nano-reconciler/queue"
)

// Config holds one interval per periodic task kind. Zero disables a kind.
type Config struct {
	Health     time.Duration `yaml:"health" mapstructure:"health"`
	Traffic    time.Duration `yaml:"traffic" mapstructure:"traffic"`
	Healing    time.Duration `yaml:"healing" mapstructure:"healing"`
	Bruteforce time.Duration `yaml:"bruteforce" mapstructure:"bruteforce"`
	Drift      time.Duration `yaml:"drift" mapstructure:"drift"`
	Fraud      time.Duration `yaml:"fraud" mapstructure:"fraud"`
	Discovery  time.Duration `yaml:"discovery" mapstructure:"discovery"`
}

func DefaultConfig() Config {
	return Config{
		Health:     5 * time.Minute,
		Traffic:    5 * time.Minute,
		Healing:    15 * time.Minute,
		Bruteforce: 10 * time.Minute,
		Drift:      6 * time.Hour,
		Fraud:      6 * time.Hour,
		Discovery:  time.Hour,
	}
}

// Intervals maps task kinds to their enabled intervals
func (c Config) Intervals() map[string]time.Duration {
	all := map[string]time.Duration{
		jobs.KindHealth:     c.Health,
		jobs.KindTraffic:    c.Traffic,
		jobs.KindHealing:    c.Healing,
		jobs.KindBruteforce: c.Bruteforce,
		jobs.KindDrift:      c.Drift,
		jobs.KindFraud:      c.Fraud,
		jobs.KindDiscovery:  c.Discovery,
	}
	out := make(map[string]time.Duration, len(all))
	for k, d := range all {
		if d > 0 {
			out[k] = d
		}
	}
	return out
}

// NodeLister is the slice of the store the scheduler reads
type NodeLister interface {
	ListNodes(ctx context.Context, kind model.NodeKind) ([]model.ServiceNode, error)
}

// Enqueuer accepts tasks
type Enqueuer interface {
	Enqueue(ctx context.Context, t queue.Task) (queue.Task, error)
}

type Scheduler struct {
	nodes     NodeLister
	q         Enqueuer
	intervals map[string]time.Duration
	logger    zerolog.Logger
	wg        sync.WaitGroup
}

func New(nodes NodeLister, q Enqueuer, cfg Config, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		nodes:     nodes,
		q:         q,
		intervals: cfg.Intervals(),
		logger:    logger.With().Str("component", "scheduler").Logger(),
	}
}

// Kinds returns the enabled kinds in a stable order
func (s *Scheduler) Kinds() []string {
	out := make([]string, 0, len(s.intervals))
	for k := range s.intervals {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Tick enqueues one task of kind per eligible node and returns how many
// were queued. Nodes without management are left out here as well as in
// the handlers.
func (s *Scheduler) Tick(ctx context.Context, kind string) (int, error) {
	nodeKind, ok := jobs.NodeKindFor(kind)
	if !ok {
		return 0, fmt.Errorf("%w: %q", queue.ErrUnknownKind, kind)
	}
	nodes, err := s.nodes.ListNodes(ctx, nodeKind)
	if err != nil {
		return 0, fmt.Errorf("list nodes for %s: %w", kind, err)
	}

	queued := 0
	var errs []error
	for i := range nodes {
		n := &nodes[i]
		if !n.Managed() {
			continue
		}
		if _, err := s.q.Enqueue(ctx, queue.Task{Kind: kind, NodeID: n.ID}); err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return queued, err
			}
			errs = append(errs, fmt.Errorf("node %d: %w", n.ID, err))
			continue
		}
		queued++
	}
	s.logger.Debug().Str("kind", kind).Int("nodes", len(nodes)).Int("queued", queued).Msg("tick")
	return queued, errors.Join(errs...)
}

// Start runs one ticker per enabled kind until ctx is done. The first
// tick of each kind happens one interval after start.
func (s *Scheduler) Start(ctx context.Context) {
	for _, kind := range s.Kinds() {
		s.wg.Add(1)
		go s.loop(ctx, kind, s.intervals[kind])
	}
	s.logger.Info().Strs("kinds", s.Kinds()).Msg("scheduler started")
}

// Wait blocks until every loop has returned
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, kind string, every time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx, kind); err != nil {
				if errors.Is(err, queue.ErrClosed) {
					s.logger.Info().Str("kind", kind).Msg("queue closed, scheduler loop exiting")
					return
				}
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn().Err(err).Str("kind", kind).Msg("tick incomplete")
			}
		}
	}
}
