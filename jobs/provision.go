package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nanoncore/nano-reconciler/events"
	"github.com/nanoncore/nano-reconciler/model"
	"github.com/nanoncore/nano-reconciler/queue"
	"github.com/nanoncore/nano-reconciler/store"
	"github.com/nanoncore/nano-reconciler/types"
)

// plan is the resolved target state of one service request
type plan struct {
	customer model.Customer
	radius   store.RadiusUser

	// register places serial on oltID with onu
	register bool
	oltID    int64
	serial   string
	onu      types.ONUConfig
	profile  string

	// retire lists the devices a cancellation removes
	retire []model.CustomerDevice
}

// run carries the request through the pipeline and emits progress
type run struct {
	j   *Jobs
	req *model.ServiceRequest
}

func (r *run) emit(ctx context.Context, step, state, msg string) {
	r.j.events.Publish(ctx, events.Progress{
		RequestID:  r.req.ID,
		CustomerID: r.req.CustomerID,
		Step:       step,
		State:      state,
		Message:    msg,
		At:         r.j.now(),
	})
}

// fail records the reason on the request and stops the pipeline. Steps
// already applied to devices stay applied.
func (r *run) fail(ctx context.Context, step string, err error) queue.Result {
	reason := fmt.Sprintf("%s: %v", step, err)
	r.emit(ctx, step, events.StateFailed, err.Error())
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if ferr := r.j.store.FailServiceRequest(wctx, r.req.ID, reason); ferr != nil {
		r.j.logger.Error().Err(ferr).Int64("request_id", r.req.ID).Msg("failure reason not recorded")
	}
	r.j.logger.Error().Err(err).Int64("request_id", r.req.ID).Int64("customer_id", r.req.CustomerID).
		Str("step", step).Msg("provisioning failed")
	return queue.Fail(errors.New(reason))
}

// Provision executes an approved service request: AAA credentials, OLT
// placement, then one database transaction that applies the change and
// completes the request. A failed step marks the request failed without
// undoing earlier steps; operators re-run it once the cause is fixed.
func (j *Jobs) Provision(ctx context.Context, t queue.Task) queue.Result {
	if t.RequestID == 0 {
		return queue.Fail(fmt.Errorf("%s task without request id", t.Kind))
	}
	req, err := j.store.ServiceRequest(ctx, t.RequestID)
	if err != nil {
		return queue.Fail(fmt.Errorf("load request %d: %w", t.RequestID, err))
	}
	r := &run{j: j, req: req}

	r.emit(ctx, events.StepValidate, events.StateStarted, string(req.Type))
	if req.Status != model.RequestApproved {
		err := fmt.Errorf("request %d is %s, not approved", req.ID, req.Status)
		r.emit(ctx, events.StepValidate, events.StateFailed, err.Error())
		return queue.Fail(err)
	}
	c, err := j.store.Customer(ctx, req.CustomerID)
	if err != nil {
		return r.fail(ctx, events.StepValidate, fmt.Errorf("load customer %d: %w", req.CustomerID, err))
	}
	p, err := j.plan(ctx, req, c)
	if err != nil {
		return r.fail(ctx, events.StepValidate, err)
	}
	r.emit(ctx, events.StepValidate, events.StateDone, "")

	r.emit(ctx, events.StepRadius, events.StateStarted, "")
	if err := j.syncCredentials(ctx, p); err != nil {
		return r.fail(ctx, events.StepRadius, err)
	}
	r.emit(ctx, events.StepRadius, events.StateDone, "")

	activeDevice, err := j.placeONU(ctx, r, p)
	if err != nil {
		return r.fail(ctx, events.StepOLT, err)
	}

	r.emit(ctx, events.StepDatabase, events.StateStarted, "")
	now := j.now()
	err = j.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.UpdateCustomer(ctx, &p.customer); err != nil {
			return fmt.Errorf("update customer: %w", err)
		}
		if p.register {
			status := model.DevicePending
			var activated *time.Time
			if activeDevice {
				status = model.DeviceActive
				activated = &now
			}
			d := &model.CustomerDevice{
				CustomerID:  p.customer.ID,
				OLTID:       p.oltID,
				Serial:      p.serial,
				Interface:   p.onu.Interface,
				ONUIndex:    p.onu.ONUIndex,
				Profile:     p.profile,
				Status:      status,
				ActivatedAt: activated,
			}
			if err := tx.UpsertDevice(ctx, d); err != nil {
				return fmt.Errorf("upsert device %s: %w", p.serial, err)
			}
		}
		for i := range p.retire {
			d := p.retire[i]
			d.Status = model.DeviceInactive
			if err := tx.UpsertDevice(ctx, &d); err != nil {
				return fmt.Errorf("retire device %s: %w", d.Serial, err)
			}
		}
		return tx.CompleteServiceRequest(ctx, req.ID, now)
	})
	if err != nil {
		return r.fail(ctx, events.StepDatabase, err)
	}
	r.emit(ctx, events.StepDatabase, events.StateDone, "")
	j.logger.Info().Int64("request_id", req.ID).Int64("customer_id", c.ID).Str("type", string(req.Type)).Msg("request completed")
	return queue.Success()
}

// plan resolves the request details against the customer record
func (j *Jobs) plan(ctx context.Context, req *model.ServiceRequest, c *model.Customer) (*plan, error) {
	if c.Login == "" {
		return nil, fmt.Errorf("customer %d has no login", c.ID)
	}
	p := &plan{customer: *c}
	rate := req.DetailString(model.DetailRateLimit)

	switch req.Type {
	case model.RequestActivation:
		p.customer.Status = model.CustomerActive
		if rate != "" {
			p.customer.RateLimit = rate
		}
	case model.RequestUpgrade, model.RequestDowngrade:
		if rate == "" {
			return nil, fmt.Errorf("%s request without %s", req.Type, model.DetailRateLimit)
		}
		p.customer.RateLimit = rate
	case model.RequestRelocation:
		if req.DetailString(model.DetailSerial) == "" {
			devices, err := j.store.DevicesByCustomer(ctx, c.ID)
			if err != nil {
				return nil, fmt.Errorf("devices of customer %d: %w", c.ID, err)
			}
			for _, d := range devices {
				if d.Status != model.DeviceInactive {
					p.serial = d.Serial
					p.profile = d.Profile
					break
				}
			}
			if p.serial == "" {
				return nil, fmt.Errorf("relocation of customer %d without a unit", c.ID)
			}
		}
	case model.RequestCancellation:
		p.customer.Status = model.CustomerInactive
		devices, err := j.store.DevicesByCustomer(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("devices of customer %d: %w", c.ID, err)
		}
		for _, d := range devices {
			if d.Status != model.DeviceInactive {
				p.retire = append(p.retire, d)
			}
		}
	default:
		return nil, fmt.Errorf("unknown request type %q", req.Type)
	}

	p.radius = store.RadiusUser{
		Username:  p.customer.Login,
		Password:  p.customer.Password,
		RateLimit: p.customer.RateLimit,
		Disabled:  p.customer.Status == model.CustomerInactive,
	}

	if req.Type == model.RequestCancellation {
		return p, nil
	}
	if s := req.DetailString(model.DetailSerial); s != "" {
		p.serial = s
	}
	if p.serial == "" {
		return p, nil
	}
	p.register = true
	if id, ok := req.DetailInt(model.DetailOLTID); ok {
		p.oltID = int64(id)
	} else if c.OLTID != nil {
		p.oltID = *c.OLTID
	}
	if p.oltID == 0 {
		return nil, fmt.Errorf("unit %s has no target OLT", p.serial)
	}
	p.customer.OLTID = &p.oltID
	if prof := req.DetailString(model.DetailOLTProfile); prof != "" {
		p.profile = prof
	}
	vlan, ok := req.DetailInt(model.DetailVLAN)
	if !ok {
		vlan = c.VLAN
	}
	p.customer.VLAN = vlan
	idx, _ := req.DetailInt(model.DetailONUIndex)
	p.onu = types.ONUConfig{
		Interface:   req.DetailString(model.DetailInterface),
		ONUIndex:    idx,
		VLAN:        vlan,
		Profile:     p.profile,
		Description: p.customer.Login,
	}
	if err := p.onu.Validate(); err != nil {
		return nil, fmt.Errorf("unit %s: %w", p.serial, err)
	}
	return p, nil
}

// syncCredentials writes the AAA rows and, when the customer's router is
// managed over the API, the local PPP secret
func (j *Jobs) syncCredentials(ctx context.Context, p *plan) error {
	if err := j.store.UpsertRadiusUser(ctx, p.radius); err != nil {
		return fmt.Errorf("radius user %s: %w", p.radius.Username, err)
	}
	if p.customer.RouterID == 0 {
		return nil
	}
	node, err := j.store.Node(ctx, p.customer.RouterID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load router %d: %w", p.customer.RouterID, err)
	}
	if !node.Managed() || node.ConnectionMethod != model.ConnectionAPI {
		return nil
	}
	if p.customer.Status == model.CustomerInactive {
		return j.routers.RemoveSecret(ctx, node, p.customer.Login)
	}
	return j.routers.SyncCustomer(ctx, node, &p.customer)
}

// placeONU runs the OLT step. active is false when the unit was recorded
// but could not be placed because the OLT has no management.
func (j *Jobs) placeONU(ctx context.Context, r *run, p *plan) (active bool, err error) {
	if !p.register && len(p.retire) == 0 {
		r.emit(ctx, events.StepOLT, events.StateSkipped, "no optical unit")
		return false, nil
	}
	r.emit(ctx, events.StepOLT, events.StateStarted, p.serial)

	if p.register {
		node, err := j.store.Node(ctx, p.oltID)
		if err != nil {
			return false, fmt.Errorf("load olt %d: %w", p.oltID, err)
		}
		if !node.Managed() {
			r.emit(ctx, events.StepOLT, events.StateSkipped, node.Label()+" has no management")
			return false, nil
		}
		if err := j.olts.RegisterONU(ctx, node, p.serial, p.onu); err != nil {
			return false, fmt.Errorf("register %s on %s: %w", p.serial, node.Label(), err)
		}
		r.emit(ctx, events.StepOLT, events.StateDone, fmt.Sprintf("%s on %s %s:%d", p.serial, node.Label(), p.onu.Interface, p.onu.ONUIndex))
		return true, nil
	}

	for _, d := range p.retire {
		node, err := j.store.Node(ctx, d.OLTID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("load olt %d: %w", d.OLTID, err)
		}
		if !node.Managed() {
			continue
		}
		if err := j.olts.Deregister(ctx, node, d.Interface, d.ONUIndex); err != nil {
			return false, fmt.Errorf("deregister %s on %s: %w", d.Serial, node.Label(), err)
		}
	}
	r.emit(ctx, events.StepOLT, events.StateDone, fmt.Sprintf("%d unit(s) removed", len(p.retire)))
	return false, nil
}
