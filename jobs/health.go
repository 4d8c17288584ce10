package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nanoncore/nano-reconciler/cache"
	"github.com/nanoncore/nano-reconciler/metrics"
	"github.com/nanoncore/nano-reconciler/model"
	"github.com/nanoncore/nano-reconciler/notify"
	"github.com/nanoncore/nano-reconciler/queue"
	"github.com/nanoncore/nano-reconciler/store"
	"github.com/nanoncore/nano-reconciler/types"
)

// HealthSnapshot is the dashboard view of the latest poll
type HealthSnapshot struct {
	NodeID    int64            `json:"node_id"`
	Status    model.NodeStatus `json:"status"`
	Online    bool             `json:"online"`
	Failures  int64            `json:"failures"`
	LatencyMS int64            `json:"latency_ms"`
	Resources *types.Resources `json:"resources,omitempty"`
	Error     string           `json:"error,omitempty"`
	CheckedAt time.Time        `json:"checked_at"`
}

// poll checks reachability and reads resources where the transport has them
func (j *Jobs) poll(ctx context.Context, node *model.ServiceNode) (*types.Resources, error) {
	if node.Kind == model.NodeKindOLT {
		if node.ConnectionMethod == model.ConnectionSNMP {
			uptime, err := j.olts.Uptime(ctx, node)
			if err != nil {
				return nil, err
			}
			return &types.Resources{Uptime: uptime}, nil
		}
		return nil, j.olts.Ping(ctx, node)
	}
	res, err := j.routers.Resources(ctx, node)
	if errors.Is(err, types.ErrUnsupported) {
		return nil, j.routers.Ping(ctx, node)
	}
	return res, err
}

// Health polls one node. A success resets the failure counter and
// resolves open outages. The third consecutive failure raises exactly one
// incident; later failures of the same episode do not. A node whose
// connection method cannot be polled is skipped and never counted.
func (j *Jobs) Health(ctx context.Context, t queue.Task) queue.Result {
	node, res, ok := j.node(ctx, t)
	if !ok {
		return res
	}
	now := j.now()
	start := time.Now()
	resources, pollErr := j.poll(ctx, node)
	latency := time.Since(start).Milliseconds()

	logger := j.logger.With().Int64("node_id", node.ID).Str("node", node.Label()).Logger()
	patch := map[string]any{model.MetaLastPoll: now.UTC().Format(time.RFC3339)}

	if errors.Is(pollErr, types.ErrUnsupported) {
		logger.Warn().Err(pollErr).Str("method", string(node.ConnectionMethod)).Msg("node cannot be polled over its connection method")
		patch[model.MetaLastError] = pollErr.Error()
		if err := j.store.UpdateNodeStatus(ctx, node.ID, node.Status, patch); err != nil {
			logger.Warn().Err(err).Msg("node metadata not updated")
		}
		return queue.Skip(pollErr.Error())
	}

	snap := HealthSnapshot{NodeID: node.ID, LatencyMS: latency, Resources: resources, CheckedAt: now}
	var errs []error

	if pollErr == nil {
		snap.Online = true
		snap.Status = model.NodeStatusActive
		if err := j.recovered(ctx, node); err != nil {
			errs = append(errs, err)
		}
		patch[model.MetaLastError] = nil
		if resources != nil {
			patch[model.MetaResources] = resources
		}
	} else {
		snap.Status = model.NodeStatusOffline
		snap.Error = pollErr.Error()
		patch[model.MetaLastError] = pollErr.Error()
		count, err := j.failCount.Incr(ctx, node.ID)
		if err != nil {
			logger.Warn().Err(err).Msg("failure counter unavailable")
		}
		snap.Failures = count
		logger.Warn().Err(pollErr).Int64("failures", count).Msg("node poll failed")
		if count == j.th.FailureThreshold {
			if err := j.raiseIncident(ctx, node, pollErr, count); err != nil {
				logger.Error().Err(err).Msg("incident not recorded, next failure retries it")
				errs = append(errs, err)
				if err := j.failCount.Set(ctx, node.ID, count-1); err != nil {
					logger.Warn().Err(err).Msg("failure counter not rolled back")
				}
			}
		}
	}

	status := snap.Status
	if node.Status == model.NodeStatusMaintenance {
		status = model.NodeStatusMaintenance
	}

	if err := cache.SetJSON(ctx, j.cache, HealthKey(node.ID), snap, j.th.SnapshotTTL); err != nil {
		logger.Warn().Err(err).Msg("health snapshot not cached")
	}
	entry := &model.NodeHealthLog{
		NodeID:    node.ID,
		Status:    snap.Status,
		LatencyMS: latency,
		Error:     snap.Error,
		CheckedAt: now,
	}
	if resources != nil {
		cpu := resources.CPULoad
		clients := resources.ActiveClients
		entry.CPULoad = &cpu
		entry.ActiveClients = &clients
		if resources.TotalMemory > 0 {
			used := float64(resources.TotalMemory-resources.FreeMemory) / float64(resources.TotalMemory) * 100
			entry.MemoryPercent = &used
		}
	}
	if err := j.store.AppendHealthLog(ctx, entry); err != nil {
		errs = append(errs, fmt.Errorf("append health log: %w", err))
	}
	if err := j.store.UpdateNodeStatus(ctx, node.ID, status, patch); err != nil {
		errs = append(errs, fmt.Errorf("update node %d: %w", node.ID, err))
	}
	if len(errs) > 0 {
		return queue.Fail(errors.Join(errs...))
	}
	return queue.Success()
}

// recovered clears the failure episode
func (j *Jobs) recovered(ctx context.Context, node *model.ServiceNode) error {
	prev, err := j.failCount.Value(ctx, node.ID)
	if err != nil || prev != 0 {
		if err := j.failCount.Reset(ctx, node.ID); err != nil {
			j.logger.Warn().Err(err).Int64("node_id", node.ID).Msg("failure counter not reset")
		}
	}
	n, err := j.store.ResolveOutages(ctx, node.ID, j.now())
	if err != nil {
		return fmt.Errorf("resolve outages of node %d: %w", node.ID, err)
	}
	if n > 0 {
		j.logger.Info().Int64("node_id", node.ID).Int("outages", n).Int64("failures", prev).Msg("node recovered, outages resolved")
		j.alert(ctx, notify.KindIncident, node, fmt.Sprintf("%s is back online, %d outage(s) resolved", node.Label(), n))
	}
	return nil
}

// raiseIncident creates the outage and its ticket in one transaction,
// then alerts
func (j *Jobs) raiseIncident(ctx context.Context, node *model.ServiceNode, cause error, failures int64) error {
	now := j.now()
	nodeID := node.ID
	outage := &model.Outage{
		NodeID:      &nodeID,
		Title:       fmt.Sprintf("%s unreachable", node.Label()),
		Description: fmt.Sprintf("%d consecutive failed polls of %s (%s): %v", failures, node.Label(), node.Address, cause),
		Type:        model.OutageUnscheduled,
		Status:      model.OutageInvestigating,
		StartedAt:   now,
	}
	err := j.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.CreateOutage(ctx, outage); err != nil {
			return err
		}
		return tx.CreateTicket(ctx, &model.Ticket{
			OutageID:   &outage.ID,
			Subject:    "[Auto] " + outage.Title,
			Body:       outage.Description,
			Priority:   "high",
			AssigneeID: j.th.TicketAssignee,
			CreatedAt:  now,
		})
	})
	if err != nil {
		return fmt.Errorf("create incident for node %d: %w", node.ID, err)
	}
	metrics.IncidentsTotal.Inc()
	j.logger.Error().Int64("node_id", node.ID).Int64("outage_id", outage.ID).Err(cause).Msg("incident raised")
	j.alert(ctx, notify.KindIncident, node, fmt.Sprintf("%s (%s) is DOWN after %d failed polls: %v", node.Label(), node.Address, failures, cause))
	return nil
}
