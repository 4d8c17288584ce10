package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nanoncore/nano-reconciler/metrics"
	"github.com/nanoncore/nano-reconciler/model"
	"github.com/nanoncore/nano-reconciler/notify"
	"github.com/nanoncore/nano-reconciler/queue"
	"github.com/nanoncore/nano-reconciler/types"
)

// Audit is the drift summary written to node metadata under last_audit
type Audit struct {
	Ghosts      int       `json:"ghosts"`
	Missing     int       `json:"missing"`
	GhostSample []string  `json:"ghost_sample"`
	CheckedAt   time.Time `json:"checked_at"`
}

// AuditOf decodes the last audit from node metadata
func AuditOf(node *model.ServiceNode) (Audit, bool) {
	var a Audit
	v, ok := node.Metadata[model.MetaLastAudit]
	if !ok || v == nil {
		return a, false
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return a, false
	}
	return a, json.Unmarshal(raw, &a) == nil
}

// Diff compares device identities against the system of record. ghosts
// are on the device only, missing are in the database only. Both are
// sorted and free of duplicates.
func Diff(device, db []string) (ghosts, missing []string) {
	onDevice := set(device)
	inDB := set(db)
	for id := range onDevice {
		if !inDB[id] {
			ghosts = append(ghosts, id)
		}
	}
	for id := range inDB {
		if !onDevice[id] {
			missing = append(missing, id)
		}
	}
	sort.Strings(ghosts)
	sort.Strings(missing)
	return ghosts, missing
}

func set(ids []string) map[string]bool {
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out[id] = true
		}
	}
	return out
}

// expectedCustomers returns the customers that should hold a secret on a
// router. Suspended and isolated customers keep theirs under the
// isolation profile.
func (j *Jobs) expectedCustomers(ctx context.Context, node *model.ServiceNode) ([]*model.Customer, error) {
	all, err := j.store.CustomersByNode(ctx, node.ID)
	if err != nil {
		return nil, fmt.Errorf("customers of node %d: %w", node.ID, err)
	}
	out := make([]*model.Customer, 0, len(all))
	for i := range all {
		c := &all[i]
		if c.Status == model.CustomerInactive || c.Login == "" {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// identities returns what the device holds and what the database says it
// should hold
func (j *Jobs) identities(ctx context.Context, node *model.ServiceNode) (device, db []string, err error) {
	switch node.Kind {
	case model.NodeKindRouter:
		customers, err := j.expectedCustomers(ctx, node)
		if err != nil {
			return nil, nil, err
		}
		for _, c := range customers {
			db = append(db, c.Login)
		}
		device, err = j.routers.SecretNames(ctx, node)
		if err != nil {
			return nil, nil, fmt.Errorf("read secrets: %w", err)
		}
	case model.NodeKindOLT:
		devices, err := j.store.DevicesByOLT(ctx, node.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("devices of node %d: %w", node.ID, err)
		}
		for _, d := range devices {
			db = append(db, d.Serial)
		}
		device, err = j.olts.Serials(ctx, node)
		if err != nil {
			return nil, nil, fmt.Errorf("read registered serials: %w", err)
		}
	default:
		return nil, nil, fmt.Errorf("%w: node kind %q", types.ErrUnsupported, node.Kind)
	}
	return device, db, nil
}

// Drift audits one node and alerts on any ghost or on systemic missing
// identities
func (j *Jobs) Drift(ctx context.Context, t queue.Task) queue.Result {
	node, res, ok := j.node(ctx, t)
	if !ok {
		return res
	}
	device, db, err := j.identities(ctx, node)
	if err != nil {
		return queue.Fail(err)
	}
	ghosts, missing := Diff(device, db)

	sample := ghosts
	if len(sample) > j.th.GhostSample {
		sample = sample[:j.th.GhostSample]
	}
	audit := Audit{
		Ghosts:      len(ghosts),
		Missing:     len(missing),
		GhostSample: append([]string{}, sample...),
		CheckedAt:   j.now(),
	}
	if err := j.writeBack(ctx, node, map[string]any{model.MetaLastAudit: audit}); err != nil {
		return queue.Fail(err)
	}
	metrics.DriftIdentities.WithLabelValues(node.Label(), "ghost").Set(float64(len(ghosts)))
	metrics.DriftIdentities.WithLabelValues(node.Label(), "missing").Set(float64(len(missing)))

	j.logger.Info().Int64("node_id", node.ID).Int("device", len(device)).Int("db", len(db)).
		Int("ghosts", len(ghosts)).Int("missing", len(missing)).Msg("drift audit finished")

	if len(ghosts) > j.th.GhostAlert || len(missing) > j.th.MissingAlert {
		var b strings.Builder
		fmt.Fprintf(&b, "Drift on %s: %d ghost, %d missing", node.Label(), len(ghosts), len(missing))
		if len(sample) > 0 {
			fmt.Fprintf(&b, "\nGhosts: %s", strings.Join(sample, ", "))
		}
		j.alert(ctx, notify.KindDrift, node, b.String())
	}
	return queue.Success()
}

// Reconstruct re-pushes every customer of the node, prunes ghosts and
// resets the audit. Missing in the new audit counts the pushes that failed.
func (j *Jobs) Reconstruct(ctx context.Context, t queue.Task) queue.Result {
	node, res, ok := j.node(ctx, t)
	if !ok {
		return res
	}
	var (
		total, failed int
		pruned        []string
		err           error
	)
	switch node.Kind {
	case model.NodeKindRouter:
		total, failed, pruned, err = j.rebuildRouter(ctx, node)
	case model.NodeKindOLT:
		total, failed, pruned, err = j.rebuildOLT(ctx, node)
	default:
		err = fmt.Errorf("%w: node kind %q", types.ErrUnsupported, node.Kind)
	}
	if err != nil {
		return queue.Fail(fmt.Errorf("reconstruct %s: %w", node.Label(), err))
	}

	now := j.now()
	patch := map[string]any{
		model.MetaLastAudit:          Audit{Missing: failed, GhostSample: []string{}, CheckedAt: now},
		model.MetaLastReconstruction: now.UTC().Format(time.RFC3339),
	}
	if err := j.writeBack(ctx, node, patch); err != nil {
		return queue.Fail(err)
	}
	metrics.DriftIdentities.WithLabelValues(node.Label(), "ghost").Set(0)
	metrics.DriftIdentities.WithLabelValues(node.Label(), "missing").Set(float64(failed))

	j.logger.Info().Int64("node_id", node.ID).Int("pushed", total-failed).Int("failed", failed).
		Int("pruned", len(pruned)).Msg("reconstruction finished")
	if failed > 0 {
		return queue.Fail(fmt.Errorf("%d of %d pushes to %s failed", failed, total, node.Label()))
	}
	return queue.Success()
}

func (j *Jobs) progress(node *model.ServiceNode, done, total int) {
	if done%j.th.ProgressEvery == 0 || done == total {
		j.logger.Info().Int64("node_id", node.ID).Int("done", done).Int("total", total).Msg("reconstruction progress")
	}
}

func (j *Jobs) rebuildRouter(ctx context.Context, node *model.ServiceNode) (total, failed int, pruned []string, err error) {
	customers, err := j.expectedCustomers(ctx, node)
	if err != nil {
		return 0, 0, nil, err
	}
	total = len(customers)
	done := 0
	err = j.routers.SyncAll(ctx, node, customers, func(c *model.Customer, err error) {
		done++
		if err != nil {
			failed++
			j.logger.Warn().Err(err).Int64("node_id", node.ID).Int64("customer_id", c.ID).Msg("secret push failed")
		}
		j.progress(node, done, total)
	})
	if err != nil {
		return total, failed, nil, err
	}
	keep := make(map[string]bool, len(customers))
	for _, c := range customers {
		keep[c.Login] = true
	}
	pruned, err = j.routers.PruneSecrets(ctx, node, keep)
	return total, failed, pruned, err
}

func (j *Jobs) rebuildOLT(ctx context.Context, node *model.ServiceNode) (total, failed int, pruned []string, err error) {
	devices, err := j.store.DevicesByOLT(ctx, node.ID)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("devices of node %d: %w", node.ID, err)
	}
	customers, err := j.store.CustomersByOLT(ctx, node.ID)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("customers of node %d: %w", node.ID, err)
	}
	byID := make(map[int64]model.Customer, len(customers))
	for _, c := range customers {
		byID[c.ID] = c
	}
	total = len(devices)
	keep := make(map[string]bool, len(devices))
	for _, d := range devices {
		keep[d.Serial] = true
	}
	err = j.olts.Session(ctx, node, func(drv types.OLTDriver) error {
		// ghosts go first so their slots are free for the pushes
		registered, err := drv.ListONUs(ctx)
		if err != nil {
			return fmt.Errorf("list onus: %w", err)
		}
		for _, onu := range registered {
			if keep[onu.Serial] {
				continue
			}
			if err := drv.DeRegisterONU(ctx, onu.Interface, onu.ONUIndex); err != nil {
				return fmt.Errorf("deregister ghost %s: %w", onu.Serial, err)
			}
			pruned = append(pruned, onu.Serial)
		}
		for i, d := range devices {
			if err := ctx.Err(); err != nil {
				return err
			}
			c := byID[d.CustomerID]
			cfg := types.ONUConfig{
				Interface:   d.Interface,
				ONUIndex:    d.ONUIndex,
				VLAN:        c.VLAN,
				Profile:     d.Profile,
				Description: c.Login,
			}
			err := cfg.Validate()
			if err == nil {
				err = drv.RegisterONU(ctx, d.Serial, cfg)
			}
			if err != nil {
				failed++
				j.logger.Warn().Err(err).Int64("node_id", node.ID).Str("serial", d.Serial).Msg("onu push failed")
			}
			j.progress(node, i+1, total)
		}
		return nil
	})
	return total, failed, pruned, err
}
