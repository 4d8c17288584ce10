package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanoncore/nano-reconciler/cache"
	"github.com/nanoncore/nano-reconciler/model"
	"github.com/nanoncore/nano-reconciler/notify"
	"github.com/nanoncore/nano-reconciler/queue"
	"github.com/nanoncore/nano-reconciler/types"
)

func TestFraudAggregatesPerSignal(t *testing.T) {
	h := newHarness(t)
	n := h.addRouter("core-1")
	dev := h.factory.MockRouter(n.ID)
	dev.SeedSession("alice", "AA:AA", "100.64.0.1")
	dev.SeedSession("alice", "BB:BB", "100.64.0.2")
	dev.SeedSession("bob", "CC:CC", "100.64.0.3")
	dev.SeedSession("bob", "DD:DD", "100.64.0.4")
	dev.SeedSession("carol", "EE:EE", "100.64.0.5")
	dev.SeedAddress("ttl_anomaly", "100.64.0.9", "")
	dev.SeedAddress("ttl_anomaly", "100.64.0.9", "")
	dev.SeedAddress("ttl_anomaly", "100.64.0.7", "")

	require.Equal(t, queue.Succeeded, h.run(KindFraud, n.ID).Status)
	alerts := h.alerts.OfKind(notify.KindFraud)
	require.Len(t, alerts, 2)
	assert.Contains(t, alerts[0].Text, "alice (AA:AA, BB:BB)")
	assert.Contains(t, alerts[0].Text, "bob (CC:CC, DD:DD)")
	assert.NotContains(t, alerts[0].Text, "carol")
	assert.Contains(t, alerts[1].Text, "2 source address(es)")
}

func TestFraudQuietWhenClean(t *testing.T) {
	h := newHarness(t)
	n := h.addRouter("core-1")
	h.factory.MockRouter(n.ID).SeedSession("dave", "AA", "100.64.0.1")

	require.Equal(t, queue.Succeeded, h.run(KindFraud, n.ID).Status)
	assert.Empty(t, h.alerts.Alerts())
}

func TestFailedLogins(t *testing.T) {
	tests := []struct {
		name    string
		message string
		addr    string
	}{
		{"ssh login failure", "login failure for user admin from 203.0.113.7 via ssh", "203.0.113.7"},
		{"winbox", "login failure for user root from 198.51.100.4 via winbox", "198.51.100.4"},
		{"pppoe auth", "<pppoe-x>: authentication failed, peer 192.0.2.15", "192.0.2.15"},
		{"success line", "user admin logged in from 203.0.113.7 via ssh", ""},
		{"no address", "login failure for user admin via web", ""},
		{"bad octets", "login failure for user admin from 999.1.1.1 via ssh", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FailedLogins([]types.LogEntry{{Message: tt.message}})
			if tt.addr == "" {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, map[string]int{tt.addr: 1}, got)
		})
	}
}

func TestBruteforceBlocksOncePerWindow(t *testing.T) {
	h := newHarness(t)
	n := h.addRouter("core-1")
	dev := h.factory.MockRouter(n.ID)
	for i := 0; i < 5; i++ {
		dev.SeedLog("system,error,critical", "login failure for user admin from 203.0.113.7 via ssh")
	}
	for i := 0; i < 4; i++ {
		dev.SeedLog("system,error,critical", "login failure for user admin from 198.51.100.2 via ssh")
	}

	require.Equal(t, queue.Succeeded, h.run(KindBruteforce, n.ID).Status)
	assert.True(t, dev.InList("blackhole", "203.0.113.7"))
	assert.False(t, dev.InList("blackhole", "198.51.100.2"))
	require.Len(t, h.alerts.OfKind(notify.KindBruteforce), 1)

	// failures keep coming inside the window
	dev.SeedLog("system,error,critical", "login failure for user admin from 203.0.113.7 via ssh")
	calls := dev.Calls()
	require.Equal(t, queue.Succeeded, h.run(KindBruteforce, n.ID).Status)
	assert.Len(t, h.alerts.OfKind(notify.KindBruteforce), 1)
	assert.Equal(t, calls+1, dev.Calls(), "only the log read reaches the router")

	h.now = h.now.Add(25 * time.Hour)
	require.Equal(t, queue.Succeeded, h.run(KindBruteforce, n.ID).Status)
	assert.Len(t, h.alerts.OfKind(notify.KindBruteforce), 2)
}

func TestBruteforceDedupIsPerNode(t *testing.T) {
	h := newHarness(t)
	a := h.addRouter("core-a")
	b := h.addRouter("core-b")
	for _, id := range []int64{a.ID, b.ID} {
		for i := 0; i < 5; i++ {
			h.factory.MockRouter(id).SeedLog("system", "login failure for user admin from 203.0.113.7 via ssh")
		}
	}
	h.run(KindBruteforce, a.ID)
	h.run(KindBruteforce, b.ID)
	assert.True(t, h.factory.MockRouter(a.ID).InList("blackhole", "203.0.113.7"))
	assert.True(t, h.factory.MockRouter(b.ID).InList("blackhole", "203.0.113.7"))
}

func TestBruteforceBlockFailureClearsMarker(t *testing.T) {
	h := newHarness(t)
	n := h.addRouter("core-1")
	dev := h.factory.MockRouter(n.ID)
	for i := 0; i < 5; i++ {
		dev.SeedLog("system", "login failure for user admin from 203.0.113.7 via ssh")
	}
	dev.SetFailure("add-address", assert.AnError)

	assert.Equal(t, queue.Failed, h.run(KindBruteforce, n.ID).Status)
	_, err := h.cache.Get(context.Background(), blockKey(n.ID, "203.0.113.7"))
	assert.ErrorIs(t, err, cache.ErrMiss)

	dev.SetFailure("add-address", nil)
	assert.Equal(t, queue.Succeeded, h.run(KindBruteforce, n.ID).Status)
	assert.True(t, dev.InList("blackhole", "203.0.113.7"))
}

func TestTrafficSamplesCounters(t *testing.T) {
	h := newHarness(t)
	n := h.addRouter("core-1")
	dev := h.factory.MockRouter(n.ID)
	dev.SeedInterface(types.InterfaceCounters{Name: "ether1", RxBytes: 1 << 40, TxBytes: 42, Running: true})
	dev.SeedInterface(types.InterfaceCounters{Name: "sfp1", RxBytes: 7, TxBytes: 9, Running: true})

	require.Equal(t, queue.Succeeded, h.run(KindTraffic, n.ID).Status)
	rows := h.store.TrafficMetrics()
	require.Len(t, rows, 2)
	assert.Equal(t, uint64(1<<40), rows[0].RxBytes)
	assert.Equal(t, h.now, rows[0].SampledAt)

	var snap TrafficSnapshot
	require.NoError(t, cache.GetJSON(context.Background(), h.cache, TrafficKey(n.ID), &snap))
	assert.Len(t, snap.Interfaces, 2)
	assert.Contains(t, h.node(t, n.ID).Metadata, model.MetaLastTraffic)
}

func TestDiscoveryAlertsOnNewSerialsOnly(t *testing.T) {
	h := newHarness(t)
	n := h.addOLT("olt-1")
	dev := h.factory.MockOLT(n.ID)
	dev.AddUnconfigured("HWTC1111", "0/1/0")

	require.Equal(t, queue.Succeeded, h.run(KindDiscovery, n.ID).Status)
	require.Len(t, h.alerts.OfKind(notify.KindDiscovery), 1)
	assert.Len(t, unconfiguredOf(h.node(t, n.ID)), 1)

	require.Equal(t, queue.Succeeded, h.run(KindDiscovery, n.ID).Status)
	assert.Len(t, h.alerts.OfKind(notify.KindDiscovery), 1)

	dev.AddUnconfigured("HWTC2222", "0/1/1")
	require.Equal(t, queue.Succeeded, h.run(KindDiscovery, n.ID).Status)
	alerts := h.alerts.OfKind(notify.KindDiscovery)
	require.Len(t, alerts, 2)
	assert.Contains(t, alerts[1].Text, "HWTC2222 on 0/1/1")
	assert.NotContains(t, alerts[1].Text, "HWTC1111")
}
