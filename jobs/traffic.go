package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nanoncore/nano-reconciler/cache"
	"github.com/nanoncore/nano-reconciler/model"
	"github.com/nanoncore/nano-reconciler/notify"
	"github.com/nanoncore/nano-reconciler/queue"
	"github.com/nanoncore/nano-reconciler/types"
)

// TrafficSnapshot is the dashboard view of the latest counter sample
type TrafficSnapshot struct {
	NodeID     int64                     `json:"node_id"`
	Interfaces []types.InterfaceCounters `json:"interfaces"`
	SampledAt  time.Time                 `json:"sampled_at"`
}

// Traffic samples per-interface octet counters into the traffic series
func (j *Jobs) Traffic(ctx context.Context, t queue.Task) queue.Result {
	node, res, ok := j.node(ctx, t)
	if !ok {
		return res
	}
	counters, err := j.routers.Traffic(ctx, node)
	if err != nil {
		return queue.Fail(fmt.Errorf("read counters: %w", err))
	}
	now := j.now()
	rows := make([]model.TrafficMetric, 0, len(counters))
	for _, c := range counters {
		if c.Name == "" {
			continue
		}
		rows = append(rows, model.TrafficMetric{
			NodeID:    node.ID,
			Interface: c.Name,
			RxBytes:   c.RxBytes,
			TxBytes:   c.TxBytes,
			SampledAt: now,
		})
	}
	if len(rows) > 0 {
		if err := j.store.AppendTrafficMetrics(ctx, rows); err != nil {
			return queue.Fail(fmt.Errorf("append traffic: %w", err))
		}
	}
	snap := TrafficSnapshot{NodeID: node.ID, Interfaces: counters, SampledAt: now}
	if err := cache.SetJSON(ctx, j.cache, TrafficKey(node.ID), snap, j.th.SnapshotTTL); err != nil {
		j.logger.Warn().Err(err).Int64("node_id", node.ID).Msg("traffic snapshot not cached")
	}
	if err := j.writeBack(ctx, node, map[string]any{model.MetaLastTraffic: now.UTC().Format(time.RFC3339)}); err != nil {
		return queue.Fail(err)
	}
	j.logger.Debug().Int64("node_id", node.ID).Int("interfaces", len(rows)).Msg("traffic sampled")
	return queue.Success()
}

// unconfiguredOf decodes the autofind table stored in node metadata
func unconfiguredOf(node *model.ServiceNode) []types.ONUDiscovery {
	v, ok := node.Metadata[model.MetaUnconfiguredONUs]
	if !ok || v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out []types.ONUDiscovery
	if json.Unmarshal(raw, &out) != nil {
		return nil
	}
	return out
}

// Discovery stores the OLT autofind table in node metadata and alerts on
// serials not seen by the previous run
func (j *Jobs) Discovery(ctx context.Context, t queue.Task) queue.Result {
	node, res, ok := j.node(ctx, t)
	if !ok {
		return res
	}
	found, err := j.olts.Discover(ctx, node)
	if err != nil {
		return queue.Fail(fmt.Errorf("autofind: %w", err))
	}
	seen := make(map[string]bool)
	for _, d := range unconfiguredOf(node) {
		seen[d.Serial] = true
	}
	var fresh []string
	for i := range found {
		if found[i].DiscoveredAt.IsZero() {
			found[i].DiscoveredAt = j.now()
		}
		if !seen[found[i].Serial] {
			fresh = append(fresh, fmt.Sprintf("%s on %s", found[i].Serial, found[i].Interface))
		}
	}
	sort.Strings(fresh)
	if found == nil {
		found = []types.ONUDiscovery{}
	}
	if err := j.writeBack(ctx, node, map[string]any{model.MetaUnconfiguredONUs: found}); err != nil {
		return queue.Fail(err)
	}
	if len(fresh) > 0 {
		j.alert(ctx, notify.KindDiscovery, node, fmt.Sprintf("%d new unconfigured ONU(s) on %s:\n%s",
			len(fresh), node.Label(), strings.Join(fresh, "\n")))
	}
	j.logger.Info().Int64("node_id", node.ID).Int("unconfigured", len(found)).Int("new", len(fresh)).Msg("autofind finished")
	return queue.Success()
}
