package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/nanoncore/nano-reconciler/metrics"
	"github.com/nanoncore/nano-reconciler/model"
	"github.com/nanoncore/nano-reconciler/notify"
	"github.com/nanoncore/nano-reconciler/queue"
	"github.com/nanoncore/nano-reconciler/types"
)

// Healing reads the optical signal of every active unit on an OLT. A unit
// is rebooted only on the second consecutive critical reading; a healthy
// reading clears the streak. Unreadable units keep their streak.
func (j *Jobs) Healing(ctx context.Context, t queue.Task) queue.Result {
	node, res, ok := j.node(ctx, t)
	if !ok {
		return res
	}
	devices, err := j.store.ActiveDevicesByOLT(ctx, node.ID)
	if err != nil {
		return queue.Fail(fmt.Errorf("devices of node %d: %w", node.ID, err))
	}
	if len(devices) == 0 {
		return queue.Skip("no active units")
	}
	var rebooted, unreadable int
	err = j.olts.Session(ctx, node, func(drv types.OLTDriver) error {
		for _, d := range devices {
			if err := ctx.Err(); err != nil {
				return err
			}
			read, reboot := j.heal(ctx, node, drv, d)
			if !read {
				unreadable++
			}
			if reboot {
				rebooted++
			}
		}
		return nil
	})
	if err != nil {
		return queue.Fail(err)
	}
	j.logger.Info().Int64("node_id", node.ID).Int("units", len(devices)).Int("rebooted", rebooted).
		Int("unreadable", unreadable).Msg("healing pass finished")
	return queue.Success()
}

// heal handles one unit and reports whether its signal was read and
// whether it was rebooted
func (j *Jobs) heal(ctx context.Context, node *model.ServiceNode, drv types.OLTDriver, d model.CustomerDevice) (read, rebooted bool) {
	logger := j.logger.With().Int64("node_id", node.ID).Int64("customer_id", d.CustomerID).Str("serial", d.Serial).Logger()

	dbm, err := drv.GetSignal(ctx, d.Interface, d.ONUIndex)
	if err != nil {
		if errors.Is(err, types.ErrSignalUnavailable) {
			logger.Debug().Msg("signal unreadable")
		} else {
			logger.Warn().Err(err).Msg("signal read failed")
		}
		return false, false
	}

	if dbm >= j.th.CriticalSignal {
		streak, err := j.critical.Value(ctx, d.CustomerID)
		if err != nil || streak > 0 {
			if err := j.critical.Reset(ctx, d.CustomerID); err != nil {
				logger.Warn().Err(err).Msg("critical counter not cleared")
			}
		}
		return true, false
	}

	streak, err := j.critical.Incr(ctx, d.CustomerID)
	if err != nil {
		logger.Warn().Err(err).Msg("critical counter unavailable")
		return true, false
	}
	logger.Warn().Float64("dbm", dbm).Int64("streak", streak).Msg("critical signal")
	if streak < j.th.HealingStreak {
		return true, false
	}

	if err := drv.RebootONU(ctx, d.Interface, d.ONUIndex); err != nil {
		metrics.ONURebootsTotal.WithLabelValues("failed").Inc()
		logger.Warn().Err(err).Msg("healing reboot failed")
		return true, false
	}
	metrics.ONURebootsTotal.WithLabelValues("ok").Inc()
	if err := j.critical.Reset(ctx, d.CustomerID); err != nil {
		logger.Warn().Err(err).Msg("critical counter not cleared")
	}
	logger.Info().Float64("dbm", dbm).Msg("unit rebooted")
	j.alert(ctx, notify.KindHealing, node, fmt.Sprintf(
		"Rebooted ONU %s of customer %d on %s (%s:%d) after %d critical readings, last %.2f dBm",
		d.Serial, d.CustomerID, node.Label(), d.Interface, d.ONUIndex, streak, dbm))
	return true, true
}
