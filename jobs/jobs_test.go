package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	reconciler "github.com/nanoncore/nano-reconciler"
	"github.com/nanoncore/nano-reconciler/cache"
	"github.com/nanoncore/nano-reconciler/events"
	"github.com/nanoncore/nano-reconciler/model"
	"github.com/nanoncore/nano-reconciler/notify"
	"github.com/nanoncore/nano-reconciler/olt"
	"github.com/nanoncore/nano-reconciler/queue"
	"github.com/nanoncore/nano-reconciler/router"
	"github.com/nanoncore/nano-reconciler/store"
)

type harness struct {
	store   *store.Memory
	cache   *cache.Memory
	alerts  *notify.Memory
	events  *events.Recorder
	factory *reconciler.Factory
	deps    Deps
	jobs    *Jobs
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   store.NewMemory(),
		cache:   cache.NewMemory(),
		alerts:  &notify.Memory{},
		events:  events.NewRecorder(256),
		factory: reconciler.NewFactory(time.Second, zerolog.Nop()),
		now:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.cache.SetClock(func() time.Time { return h.now })
	h.deps = Deps{
		Store:    h.store,
		Cache:    h.cache,
		Routers:  router.NewService(h.factory, router.DefaultConfig(), zerolog.Nop()),
		OLTs:     olt.NewService(h.factory, zerolog.Nop()),
		Notifier: h.alerts,
		Events:   h.events,
		Logger:   zerolog.Nop(),
		Now:      func() time.Time { return h.now },
	}
	h.jobs = New(h.deps)
	return h
}

// rebuild recreates the handlers after fn adjusts their collaborators
func (h *harness) rebuild(fn func(d *Deps)) {
	fn(&h.deps)
	h.jobs = New(h.deps)
}

func (h *harness) addRouter(name string) model.ServiceNode {
	return h.store.AddNode(model.ServiceNode{
		Name:             name,
		Kind:             model.NodeKindRouter,
		Vendor:           "mock",
		Address:          "10.255.0.1",
		ConnectionMethod: model.ConnectionAPI,
	})
}

func (h *harness) addOLT(name string) model.ServiceNode {
	return h.store.AddNode(model.ServiceNode{
		Name:             name,
		Kind:             model.NodeKindOLT,
		Vendor:           "mock",
		Address:          "10.255.1.1",
		ConnectionMethod: model.ConnectionSSH,
	})
}

func (h *harness) node(t *testing.T, id int64) *model.ServiceNode {
	t.Helper()
	n, err := h.store.Node(context.Background(), id)
	require.NoError(t, err)
	return n
}

func (h *harness) run(kind string, nodeID int64) queue.Result {
	return h.runTask(queue.Task{ID: "t", Kind: kind, NodeID: nodeID, Attempt: 1})
}

func (h *harness) runTask(t queue.Task) queue.Result {
	handlers := map[string]queue.Handler{
		KindHealth:      h.jobs.Health,
		KindDrift:       h.jobs.Drift,
		KindReconstruct: h.jobs.Reconstruct,
		KindHealing:     h.jobs.Healing,
		KindFraud:       h.jobs.Fraud,
		KindBruteforce:  h.jobs.Bruteforce,
		KindTraffic:     h.jobs.Traffic,
		KindDiscovery:   h.jobs.Discovery,
		KindSuspend:     h.jobs.Suspend,
		KindReactivate:  h.jobs.Reactivate,
		KindProvision:   h.jobs.Provision,
	}
	return handlers[t.Kind](context.Background(), t)
}

func TestHealthIncidentOnExactlyThirdFailure(t *testing.T) {
	h := newHarness(t)
	n := h.addRouter("core-1")
	dev := h.factory.MockRouter(n.ID)
	dev.SetFailure("*", errors.New("i/o timeout"))

	for i := 1; i <= 5; i++ {
		res := h.run(KindHealth, n.ID)
		require.Equal(t, queue.Succeeded, res.Status, "poll %d", i)
		want := 0
		if i >= 3 {
			want = 1
		}
		assert.Len(t, h.store.Outages(), want, "after poll %d", i)
	}
	assert.Len(t, h.store.Tickets(), 1)
	assert.Len(t, h.alerts.OfKind(notify.KindIncident), 1)

	outage := h.store.Outages()[0]
	assert.Equal(t, model.OutageUnscheduled, outage.Type)
	assert.Equal(t, model.OutageInvestigating, outage.Status)
	require.NotNil(t, outage.NodeID)
	assert.Equal(t, n.ID, *outage.NodeID)
	ticket := h.store.Tickets()[0]
	require.NotNil(t, ticket.OutageID)
	assert.Equal(t, outage.ID, *ticket.OutageID)
	assert.Equal(t, int64(1), ticket.AssigneeID)

	assert.Equal(t, model.NodeStatusOffline, h.node(t, n.ID).Status)
	assert.Len(t, h.store.HealthLogs(), 5)
}

func TestHealthRecoveryResetsEpisode(t *testing.T) {
	h := newHarness(t)
	n := h.addRouter("core-1")
	dev := h.factory.MockRouter(n.ID)
	ctx := context.Background()

	dev.SetFailure("*", errors.New("refused"))
	for i := 0; i < 3; i++ {
		h.run(KindHealth, n.ID)
	}
	require.Len(t, h.store.Outages(), 1)

	dev.SetFailure("*", nil)
	require.Equal(t, queue.Succeeded, h.run(KindHealth, n.ID).Status)
	open, err := h.store.OpenOutages(ctx, n.ID)
	require.NoError(t, err)
	assert.Empty(t, open)
	count, err := h.jobs.failCount.Value(ctx, n.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Equal(t, model.NodeStatusActive, h.node(t, n.ID).Status)

	// two blips recover silently
	dev.SetFailure("*", errors.New("refused"))
	h.run(KindHealth, n.ID)
	h.run(KindHealth, n.ID)
	dev.SetFailure("*", nil)
	h.run(KindHealth, n.ID)
	assert.Len(t, h.store.Outages(), 1)

	// a new chronic episode fires again
	dev.SetFailure("*", errors.New("refused"))
	for i := 0; i < 3; i++ {
		h.run(KindHealth, n.ID)
	}
	assert.Len(t, h.store.Outages(), 2)
}

func TestHealthWritesSnapshotAndMetadata(t *testing.T) {
	h := newHarness(t)
	n := h.addRouter("core-1")

	require.Equal(t, queue.Succeeded, h.run(KindHealth, n.ID).Status)

	var snap HealthSnapshot
	require.NoError(t, cache.GetJSON(context.Background(), h.cache, HealthKey(n.ID), &snap))
	assert.True(t, snap.Online)
	require.NotNil(t, snap.Resources)

	node := h.node(t, n.ID)
	assert.Equal(t, h.now.Format(time.RFC3339), node.Metadata[model.MetaLastPoll])
	assert.Contains(t, node.Metadata, model.MetaResources)

	logs := h.store.HealthLogs()
	require.Len(t, logs, 1)
	require.NotNil(t, logs[0].CPULoad)

	h.now = h.now.Add(6 * time.Minute)
	assert.ErrorIs(t, cache.GetJSON(context.Background(), h.cache, HealthKey(n.ID), &snap), cache.ErrMiss)
}

func TestHealthKeepsMaintenanceStatus(t *testing.T) {
	h := newHarness(t)
	n := h.store.AddNode(model.ServiceNode{
		Name: "olt-1", Kind: model.NodeKindOLT, Vendor: "mock",
		ConnectionMethod: model.ConnectionSSH, Status: model.NodeStatusMaintenance,
	})
	h.factory.MockOLT(n.ID).SetFailure("connect", errors.New("no route"))

	h.run(KindHealth, n.ID)
	node := h.node(t, n.ID)
	assert.Equal(t, model.NodeStatusMaintenance, node.Status)
	assert.NotEmpty(t, node.Metadata[model.MetaLastError])
	assert.Equal(t, model.NodeStatusOffline, h.store.HealthLogs()[0].Status)
}

func TestHealthByConnectionMethod(t *testing.T) {
	tests := []struct {
		name   string
		node   model.ServiceNode
		status queue.Status
		online bool
	}{
		{"router over api", model.ServiceNode{Kind: model.NodeKindRouter, Vendor: "mock", ConnectionMethod: model.ConnectionAPI}, queue.Succeeded, true},
		{"router over snmp", model.ServiceNode{Kind: model.NodeKindRouter, Vendor: "mock", ConnectionMethod: model.ConnectionSNMP}, queue.Succeeded, true},
		{"router over ssh", model.ServiceNode{Kind: model.NodeKindRouter, Vendor: "mikrotik", ConnectionMethod: model.ConnectionSSH}, queue.Skipped, false},
		{"olt over ssh", model.ServiceNode{Kind: model.NodeKindOLT, Vendor: "mock", ConnectionMethod: model.ConnectionSSH}, queue.Succeeded, true},
		{"olt over snmp", model.ServiceNode{Kind: model.NodeKindOLT, Vendor: "mock", ConnectionMethod: model.ConnectionSNMP}, queue.Succeeded, true},
		{"olt over api", model.ServiceNode{Kind: model.NodeKindOLT, Vendor: "huawei", ConnectionMethod: model.ConnectionAPI}, queue.Skipped, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.node.Name = tt.name
			tt.node.Address = "10.255.2.1"
			n := h.store.AddNode(tt.node)

			for i := 0; i < 4; i++ {
				require.Equal(t, tt.status, h.run(KindHealth, n.ID).Status, "poll %d", i+1)
			}
			assert.Empty(t, h.store.Outages())
			assert.Empty(t, h.alerts.OfKind(notify.KindIncident))
			count, err := h.jobs.failCount.Value(context.Background(), n.ID)
			require.NoError(t, err)
			assert.Zero(t, count)

			node := h.node(t, n.ID)
			assert.Equal(t, model.NodeStatusActive, node.Status)
			if tt.online {
				assert.Len(t, h.store.HealthLogs(), 4)
				assert.Nil(t, node.Metadata[model.MetaLastError])
			} else {
				assert.Empty(t, h.store.HealthLogs())
				assert.NotEmpty(t, node.Metadata[model.MetaLastError])
			}
		})
	}
}

func TestHealthOLTOverSNMP(t *testing.T) {
	h := newHarness(t)
	n := h.store.AddNode(model.ServiceNode{Name: "olt-snmp", Kind: model.NodeKindOLT, Vendor: "mock", ConnectionMethod: model.ConnectionSNMP})
	agent := h.factory.MockSNMP(n.ID)

	require.Equal(t, queue.Succeeded, h.run(KindHealth, n.ID).Status)
	var snap HealthSnapshot
	require.NoError(t, cache.GetJSON(context.Background(), h.cache, HealthKey(n.ID), &snap))
	require.NotNil(t, snap.Resources)
	assert.Equal(t, 24*time.Hour, snap.Resources.Uptime)
	assert.Empty(t, h.factory.MockOLT(n.ID).Commands(), "no CLI session for an SNMP node")

	agent.SetFailure(errors.New("request timeout"))
	for i := 0; i < 3; i++ {
		h.run(KindHealth, n.ID)
	}
	assert.Len(t, h.store.Outages(), 1)
	assert.Equal(t, model.NodeStatusOffline, h.node(t, n.ID).Status)
}

// outageFailStore fails outage creation, inside transactions too
type outageFailStore struct {
	store.Store
	err error
}

func (s *outageFailStore) CreateOutage(ctx context.Context, o *model.Outage) error {
	if s.err != nil {
		return s.err
	}
	return s.Store.CreateOutage(ctx, o)
}

func (s *outageFailStore) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	return s.Store.WithTx(ctx, func(tx store.Store) error {
		return fn(&outageFailStore{Store: tx, err: s.err})
	})
}

func TestHealthIncidentFailureStillRecordsPoll(t *testing.T) {
	h := newHarness(t)
	n := h.addRouter("core-1")
	h.factory.MockRouter(n.ID).SetFailure("*", errors.New("i/o timeout"))
	st := &outageFailStore{Store: h.store, err: errors.New("connection reset by peer")}
	h.rebuild(func(d *Deps) { d.Store = st })
	ctx := context.Background()

	h.run(KindHealth, n.ID)
	h.run(KindHealth, n.ID)
	res := h.run(KindHealth, n.ID)
	require.Equal(t, queue.Failed, res.Status)
	assert.ErrorIs(t, res.Err, st.err)

	assert.Empty(t, h.store.Outages())
	assert.Empty(t, h.store.Tickets())
	assert.Len(t, h.store.HealthLogs(), 3)
	assert.Equal(t, model.NodeStatusOffline, h.node(t, n.ID).Status)
	var snap HealthSnapshot
	require.NoError(t, cache.GetJSON(ctx, h.cache, HealthKey(n.ID), &snap))
	assert.False(t, snap.Online)
	count, err := h.jobs.failCount.Value(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count, "counter rolled back below the threshold")

	st.err = nil
	require.Equal(t, queue.Succeeded, h.run(KindHealth, n.ID).Status)
	assert.Len(t, h.store.Outages(), 1)
	assert.Len(t, h.alerts.OfKind(notify.KindIncident), 1)
}

func TestUnmanagedNodesNeverTouchDevices(t *testing.T) {
	h := newHarness(t)
	r := h.store.AddNode(model.ServiceNode{Name: "edge", Kind: model.NodeKindRouter, Vendor: "mock", ConnectionMethod: model.ConnectionNone})
	o := h.store.AddNode(model.ServiceNode{Name: "olt", Kind: model.NodeKindOLT, Vendor: "mock", ConnectionMethod: model.ConnectionNone})

	for kind := range nodeKinds {
		for _, id := range []int64{r.ID, o.ID} {
			res := h.run(kind, id)
			assert.Equal(t, queue.Skipped, res.Status, "%s on node %d", kind, id)
		}
	}
	assert.Zero(t, h.factory.MockRouter(r.ID).Calls())
	assert.Empty(t, h.factory.MockOLT(o.ID).Commands())
	assert.Empty(t, h.store.HealthLogs())
	assert.Empty(t, h.alerts.Alerts())
}

func TestMissingNodeIsSkipped(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, queue.Skipped, h.run(KindHealth, 404).Status)
	assert.Equal(t, queue.Failed, h.run(KindHealth, 0).Status)
}

func TestKindMismatchIsSkipped(t *testing.T) {
	h := newHarness(t)
	r := h.addRouter("core-1")
	o := h.addOLT("olt-1")
	assert.Equal(t, queue.Skipped, h.run(KindHealing, r.ID).Status)
	assert.Equal(t, queue.Skipped, h.run(KindFraud, o.ID).Status)
	assert.Equal(t, queue.Skipped, h.run(KindDiscovery, r.ID).Status)
}

func TestSuspendIsolatesCustomer(t *testing.T) {
	h := newHarness(t)
	n := h.addRouter("core-1")
	dev := h.factory.MockRouter(n.ID)
	dev.SeedSecret("alice", "10M")
	dev.SeedSession("alice", "AA:BB", "100.64.0.10")
	c := h.store.AddCustomer(model.Customer{Login: "alice", Password: "pw", RouterID: n.ID, Status: model.CustomerSuspended, RateLimit: "10M"})

	res := h.runTask(queue.Task{Kind: KindSuspend, CustomerID: c.ID, Attempt: 1})
	require.Equal(t, queue.Succeeded, res.Status)
	sec, ok := dev.SecretByName("alice")
	require.True(t, ok)
	assert.Equal(t, "isolir", sec.Profile)
	assert.True(t, dev.InList("ISOLIR", "100.64.0.10"))
	assert.False(t, dev.HasSession("alice"))
}

func TestLifecycleRechecksStatus(t *testing.T) {
	h := newHarness(t)
	n := h.addRouter("core-1")
	dev := h.factory.MockRouter(n.ID)
	active := h.store.AddCustomer(model.Customer{Login: "bob", RouterID: n.ID, Status: model.CustomerActive})
	suspended := h.store.AddCustomer(model.Customer{Login: "carol", RouterID: n.ID, Status: model.CustomerSuspended})

	assert.Equal(t, queue.Skipped, h.runTask(queue.Task{Kind: KindSuspend, CustomerID: active.ID}).Status)
	assert.Equal(t, queue.Skipped, h.runTask(queue.Task{Kind: KindReactivate, CustomerID: suspended.ID}).Status)
	assert.Equal(t, queue.Skipped, h.runTask(queue.Task{Kind: KindSuspend, CustomerID: 999}).Status)
	assert.Zero(t, dev.Calls())
}

func TestReactivateRestoresCustomer(t *testing.T) {
	h := newHarness(t)
	n := h.addRouter("core-1")
	dev := h.factory.MockRouter(n.ID)
	dev.SeedSecret("dave", "isolir")
	dev.SeedSession("dave", "AA", "100.64.0.20")
	c := h.store.AddCustomer(model.Customer{ID: 7, Login: "dave", RouterID: n.ID, Status: model.CustomerActive, RateLimit: "20M"})
	dev.SeedAddress("ISOLIR", "100.64.0.20", "customer:7")

	require.Equal(t, queue.Succeeded, h.runTask(queue.Task{Kind: KindReactivate, CustomerID: c.ID}).Status)
	sec, _ := dev.SecretByName("dave")
	assert.Equal(t, "20M", sec.Profile)
	assert.False(t, dev.InList("ISOLIR", "100.64.0.20"))
}

func TestSuspendRetriesOnDeviceFailure(t *testing.T) {
	h := newHarness(t)
	n := h.addRouter("core-1")
	h.factory.MockRouter(n.ID).SetFailure("*", errors.New("api down"))
	c := h.store.AddCustomer(model.Customer{Login: "erin", RouterID: n.ID, Status: model.CustomerIsolated})

	res := h.runTask(queue.Task{Kind: KindSuspend, CustomerID: c.ID})
	assert.Equal(t, queue.Retryable, res.Status)
	assert.Error(t, res.Err)
}

func TestSuspendExhaustsAfterFiveAttempts(t *testing.T) {
	h := newHarness(t)
	n := h.addRouter("core-1")
	h.factory.MockRouter(n.ID).SetFailure("*", errors.New("api down"))
	c := h.store.AddCustomer(model.Customer{Login: "frank", RouterID: n.ID, Status: model.CustomerSuspended})

	var mu sync.Mutex
	var delays []time.Duration
	q := queue.New(queue.Options{
		Workers: 1,
		After: func(d time.Duration, f func()) {
			mu.Lock()
			delays = append(delays, d)
			mu.Unlock()
			f()
		},
	}, zerolog.Nop())
	h.jobs.Register(q)
	q.OnExhausted(RecordExhausted(h.store, h.alerts, zerolog.Nop()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()
	_, err := q.Enqueue(ctx, queue.Task{Kind: KindSuspend, CustomerID: c.ID})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(h.store.FailedTasks()) == 1 }, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour}, delays)
	mu.Unlock()

	ft := h.store.FailedTasks()[0]
	assert.Equal(t, KindSuspend, ft.Kind)
	assert.Equal(t, 5, ft.Attempts)
	require.NotNil(t, ft.CustomerID)
	assert.Equal(t, c.ID, *ft.CustomerID)
	assert.Contains(t, ft.Error, "api down")
	assert.Len(t, h.alerts.OfKind(notify.KindLifecycle), 1)
}

func TestThresholdDefaults(t *testing.T) {
	th := Thresholds{FailureThreshold: 4}.withDefaults()
	assert.Equal(t, int64(4), th.FailureThreshold)
	assert.Equal(t, int64(2), th.HealingStreak)
	assert.Equal(t, -30.0, th.CriticalSignal)
	assert.Equal(t, 0, th.GhostAlert)
	assert.Equal(t, 0, th.MissingAlert, "explicit zero alerts on any missing identity")

	assert.Equal(t, DefaultThresholds(), Thresholds{}.withDefaults())
	assert.Equal(t, 0, Thresholds{MissingAlert: -2, FailureThreshold: 3}.withDefaults().MissingAlert)
}

func TestNodeKindFor(t *testing.T) {
	nk, ok := NodeKindFor(KindHealing)
	assert.True(t, ok)
	assert.Equal(t, model.NodeKindOLT, nk)
	_, ok = NodeKindFor(KindProvision)
	assert.False(t, ok)
}
