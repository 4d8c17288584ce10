// Package jobs implements the reconciliation tasks: node health, drift
// audit and reconstruction, optical healing, fraud and bruteforce
// heuristics, traffic and autofind sampling, customer isolation and the
// provisioning pipeline. Every handler is a queue.Handler.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/nanoncore/nano-reconciler/cache"
	"github.com/nanoncore/nano-reconciler/events"
	"github.com/nanoncore/nano-reconciler/model"
	"github.com/nanoncore/nano-reconciler/notify"
	"github.com/nanoncore/nano-reconciler/olt"
	"github.com/nanoncore/nano-reconciler/queue"
	"github.com/nanoncore/nano-reconciler/router"
	"github.com/nanoncore/nano-reconciler/store"
	"github.com/nanoncore/nano-reconciler/types"
)

// Task kinds
const (
	KindHealth      = "health"
	KindDrift       = "drift"
	KindReconstruct = "reconstruct"
	KindHealing     = "healing"
	KindFraud       = "fraud"
	KindBruteforce  = "bruteforce"
	KindTraffic     = "traffic"
	KindDiscovery   = "discovery"
	KindSuspend     = "suspend"
	KindReactivate  = "reactivate"
	KindProvision   = "provision"
)

// nodeKinds maps the per-node kinds to the node kind they run on. An
// empty value runs on every node.
var nodeKinds = map[string]model.NodeKind{
	KindHealth:      "",
	KindDrift:       "",
	KindReconstruct: "",
	KindHealing:     model.NodeKindOLT,
	KindFraud:       model.NodeKindRouter,
	KindBruteforce:  model.NodeKindRouter,
	KindTraffic:     model.NodeKindRouter,
	KindDiscovery:   model.NodeKindOLT,
}

// NodeKindFor reports which nodes a per-node kind applies to. ok is false
// for customer and request kinds.
func NodeKindFor(kind string) (nk model.NodeKind, ok bool) {
	nk, ok = nodeKinds[kind]
	return nk, ok
}

// Cache key prefixes
const (
	prefixFailCount = "router_fail_count_"
	prefixCritical  = "signal_critical_"
	prefixHealth    = "node_health_"
	prefixTraffic   = "node_traffic_"
	prefixBlock     = "bruteforce_block_"
)

// HealthKey is the cache key of a node's health snapshot
func HealthKey(nodeID int64) string { return prefixHealth + strconv.FormatInt(nodeID, 10) }

// TrafficKey is the cache key of a node's traffic snapshot
func TrafficKey(nodeID int64) string { return prefixTraffic + strconv.FormatInt(nodeID, 10) }

func blockKey(nodeID int64, address string) string {
	return prefixBlock + strconv.FormatInt(nodeID, 10) + "_" + address
}

// Thresholds are the business constants of the reconciliation jobs
type Thresholds struct {
	// FailureThreshold is the consecutive failed poll that raises an incident
	FailureThreshold int64         `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	FailCountTTL     time.Duration `yaml:"fail_count_ttl" mapstructure:"fail_count_ttl"`
	SnapshotTTL      time.Duration `yaml:"snapshot_ttl" mapstructure:"snapshot_ttl"`

	CriticalSignal float64       `yaml:"critical_signal" mapstructure:"critical_signal"`
	HealingStreak  int64         `yaml:"healing_streak" mapstructure:"healing_streak"`
	HealingTTL     time.Duration `yaml:"healing_ttl" mapstructure:"healing_ttl"`

	// MissingAlert and GhostAlert alert when the count exceeds them
	MissingAlert  int `yaml:"missing_alert" mapstructure:"missing_alert"`
	GhostAlert    int `yaml:"ghost_alert" mapstructure:"ghost_alert"`
	GhostSample   int `yaml:"ghost_sample" mapstructure:"ghost_sample"`
	ProgressEvery int `yaml:"progress_every" mapstructure:"progress_every"`

	BruteforceThreshold int           `yaml:"bruteforce_threshold" mapstructure:"bruteforce_threshold"`
	BruteforceTTL       time.Duration `yaml:"bruteforce_ttl" mapstructure:"bruteforce_ttl"`
	BlackholeList       string        `yaml:"blackhole_list" mapstructure:"blackhole_list"`
	LogLimit            int           `yaml:"log_limit" mapstructure:"log_limit"`

	// TicketAssignee is the administrator incident tickets are assigned to
	TicketAssignee int64 `yaml:"ticket_assignee" mapstructure:"ticket_assignee"`
}

// DefaultThresholds returns the stock values
func DefaultThresholds() Thresholds {
	return Thresholds{
		FailureThreshold:    3,
		FailCountTTL:        24 * time.Hour,
		SnapshotTTL:         5 * time.Minute,
		CriticalSignal:      types.CriticalSignalDBm,
		HealingStreak:       2,
		HealingTTL:          time.Hour,
		MissingAlert:        5,
		GhostAlert:          0,
		GhostSample:         10,
		ProgressEvery:       50,
		BruteforceThreshold: 5,
		BruteforceTTL:       24 * time.Hour,
		BlackholeList:       "blackhole",
		LogLimit:            500,
		TicketAssignee:      1,
	}
}

// withDefaults returns the stock values for an unset Thresholds and
// otherwise fills zero values that would disable a job. The alert counts
// are taken as given since zero means "alert on any".
func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t == (Thresholds{}) {
		return d
	}
	if t.FailureThreshold <= 0 {
		t.FailureThreshold = d.FailureThreshold
	}
	if t.FailCountTTL <= 0 {
		t.FailCountTTL = d.FailCountTTL
	}
	if t.SnapshotTTL <= 0 {
		t.SnapshotTTL = d.SnapshotTTL
	}
	if t.CriticalSignal == 0 {
		t.CriticalSignal = d.CriticalSignal
	}
	if t.HealingStreak <= 0 {
		t.HealingStreak = d.HealingStreak
	}
	if t.HealingTTL <= 0 {
		t.HealingTTL = d.HealingTTL
	}
	t.MissingAlert = max(t.MissingAlert, 0)
	t.GhostAlert = max(t.GhostAlert, 0)
	if t.GhostSample <= 0 {
		t.GhostSample = d.GhostSample
	}
	if t.ProgressEvery <= 0 {
		t.ProgressEvery = d.ProgressEvery
	}
	if t.BruteforceThreshold <= 0 {
		t.BruteforceThreshold = d.BruteforceThreshold
	}
	if t.BruteforceTTL <= 0 {
		t.BruteforceTTL = d.BruteforceTTL
	}
	if t.BlackholeList == "" {
		t.BlackholeList = d.BlackholeList
	}
	if t.LogLimit <= 0 {
		t.LogLimit = d.LogLimit
	}
	if t.TicketAssignee <= 0 {
		t.TicketAssignee = d.TicketAssignee
	}
	return t
}

// Deps are the collaborators of the job handlers
type Deps struct {
	Store      store.Store
	Cache      cache.Cache
	Routers    *router.Service
	OLTs       *olt.Service
	Notifier   notify.Notifier
	Events     events.Publisher
	Thresholds Thresholds
	Logger     zerolog.Logger
	// Now defaults to time.Now
	Now func() time.Time
}

// Jobs holds the handlers
type Jobs struct {
	store    store.Store
	cache    cache.Cache
	routers  *router.Service
	olts     *olt.Service
	notifier notify.Notifier
	events   events.Publisher
	th       Thresholds
	logger   zerolog.Logger
	now      func() time.Time

	failCount *cache.Counter
	critical  *cache.Counter
}

type discard struct{}

func (discard) Publish(context.Context, events.Progress) {}

func New(d Deps) *Jobs {
	logger := d.Logger.With().Str("component", "jobs").Logger()
	j := &Jobs{
		store:    d.Store,
		cache:    d.Cache,
		routers:  d.Routers,
		olts:     d.OLTs,
		notifier: d.Notifier,
		events:   d.Events,
		th:       d.Thresholds.withDefaults(),
		logger:   logger,
		now:      d.Now,
	}
	if j.notifier == nil {
		j.notifier = notify.NewLog(logger)
	}
	if j.events == nil {
		j.events = discard{}
	}
	if j.now == nil {
		j.now = time.Now
	}
	j.failCount = cache.NewCounter(j.cache, prefixFailCount, j.th.FailCountTTL)
	j.critical = cache.NewCounter(j.cache, prefixCritical, j.th.HealingTTL)
	return j
}

// Thresholds returns the effective thresholds
func (j *Jobs) Thresholds() Thresholds { return j.th }

// Register binds every handler to q. Monitoring kinds run once per tick;
// lifecycle kinds retry on the lifecycle backoff.
func (j *Jobs) Register(q *queue.Queue) {
	once := map[string]queue.Handler{
		KindHealth:      j.Health,
		KindDrift:       j.Drift,
		KindReconstruct: j.Reconstruct,
		KindHealing:     j.Healing,
		KindFraud:       j.Fraud,
		KindBruteforce:  j.Bruteforce,
		KindTraffic:     j.Traffic,
		KindDiscovery:   j.Discovery,
		KindProvision:   j.Provision,
	}
	for kind, h := range once {
		q.Register(kind, queue.OnceOnly, h)
	}
	q.Register(KindSuspend, queue.LifecyclePolicy, j.Suspend)
	q.Register(KindReactivate, queue.LifecyclePolicy, j.Reactivate)
}

// node loads the task's node and decides whether the kind may touch it.
// ok is false when res should be returned as is.
func (j *Jobs) node(ctx context.Context, t queue.Task) (node *model.ServiceNode, res queue.Result, ok bool) {
	if t.NodeID == 0 {
		return nil, queue.Fail(fmt.Errorf("%s task without node id", t.Kind)), false
	}
	node, err := j.store.Node(ctx, t.NodeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, queue.Skip("node not found"), false
	}
	if err != nil {
		return nil, queue.Fail(fmt.Errorf("load node %d: %w", t.NodeID, err)), false
	}
	if want := nodeKinds[t.Kind]; want != "" && node.Kind != want {
		return nil, queue.Skip(fmt.Sprintf("%s does not apply to %s nodes", t.Kind, node.Kind)), false
	}
	if !node.Managed() {
		return nil, queue.Skip("node has no management"), false
	}
	return node, queue.Result{}, true
}

// alert hands text to the notifier. Delivery errors are logged only.
func (j *Jobs) alert(ctx context.Context, kind string, node *model.ServiceNode, text string) {
	a := notify.Alert{Kind: kind, Text: text}
	if node != nil {
		a.NodeID = node.ID
	}
	if err := j.notifier.Notify(ctx, a); err != nil {
		j.logger.Warn().Err(err).Str("alert", kind).Msg("alert not delivered")
	}
}

// writeBack merges patch into the node metadata keeping the node status
func (j *Jobs) writeBack(ctx context.Context, node *model.ServiceNode, patch map[string]any) error {
	status := node.Status
	if status == "" {
		status = model.NodeStatusActive
	}
	if err := j.store.UpdateNodeStatus(ctx, node.ID, status, patch); err != nil {
		return fmt.Errorf("write back node %d: %w", node.ID, err)
	}
	return nil
}

func (j *Jobs) stamp() string { return j.now().UTC().Format(time.RFC3339) }

// RecordExhausted returns the queue hook that persists a hard failure
// record and alerts the operator
func RecordExhausted(st store.Store, n notify.Notifier, logger zerolog.Logger) queue.ExhaustedFunc {
	return func(ctx context.Context, t queue.Task, cause error) {
		ft := &model.FailedTask{
			TaskID:   t.ID,
			Kind:     t.Kind,
			Attempts: t.Attempt,
			FailedAt: time.Now(),
		}
		if cause != nil {
			ft.Error = cause.Error()
		}
		if t.NodeID != 0 {
			ft.NodeID = &t.NodeID
		}
		if t.CustomerID != 0 {
			ft.CustomerID = &t.CustomerID
		}
		if t.RequestID != 0 {
			ft.RequestID = &t.RequestID
		}
		// the worker context may already be cancelled on shutdown
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := st.RecordFailedTask(rctx, ft); err != nil {
			logger.Error().Err(err).Str("task_id", t.ID).Str("kind", t.Kind).Msg("failed to record exhausted task")
		}
		if n == nil {
			return
		}
		text := fmt.Sprintf("Task %s (%s) failed after %d attempts: %s", t.Kind, t.ID, t.Attempt, ft.Error)
		if t.CustomerID != 0 {
			text = fmt.Sprintf("Task %s for customer %d failed after %d attempts: %s", t.Kind, t.CustomerID, t.Attempt, ft.Error)
		}
		if err := n.Notify(rctx, notify.Alert{Kind: notify.KindLifecycle, NodeID: t.NodeID, Text: text}); err != nil {
			logger.Warn().Err(err).Str("task_id", t.ID).Msg("alert not delivered")
		}
	}
}
