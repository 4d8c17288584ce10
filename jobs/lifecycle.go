package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/nanoncore/nano-reconciler/model"
	"github.com/nanoncore/nano-reconciler/queue"
	"github.com/nanoncore/nano-reconciler/store"
	"github.com/nanoncore/nano-reconciler/types"
)

// customerRouter loads the task's customer and its router. ok is false
// when res should be returned as is.
func (j *Jobs) customerRouter(ctx context.Context, t queue.Task) (c *model.Customer, node *model.ServiceNode, res queue.Result, ok bool) {
	if t.CustomerID == 0 {
		return nil, nil, queue.Fail(fmt.Errorf("%s task without customer id", t.Kind)), false
	}
	c, err := j.store.Customer(ctx, t.CustomerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, queue.Skip("customer not found"), false
	}
	if err != nil {
		return nil, nil, queue.Retry(fmt.Errorf("load customer %d: %w", t.CustomerID, err)), false
	}
	node, err = j.store.Node(ctx, c.RouterID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, queue.Fail(fmt.Errorf("router %d of customer %d not found", c.RouterID, c.ID)), false
	}
	if err != nil {
		return nil, nil, queue.Retry(fmt.Errorf("load router %d: %w", c.RouterID, err)), false
	}
	if !node.Managed() {
		return nil, nil, queue.Skip("router has no management"), false
	}
	return c, node, queue.Result{}, true
}

// deviceOutcome maps a router failure to a retry, unless retrying cannot
// help
func deviceOutcome(err error) queue.Result {
	if errors.Is(err, types.ErrUnsupported) || errors.Is(err, types.ErrNoManagement) {
		return queue.Fail(err)
	}
	return queue.Retry(err)
}

// Suspend isolates the customer on its router. The current status is
// re-read first; a customer no longer suspended or isolated is left alone.
func (j *Jobs) Suspend(ctx context.Context, t queue.Task) queue.Result {
	c, node, res, ok := j.customerRouter(ctx, t)
	if !ok {
		return res
	}
	if !c.ShouldBeIsolated() {
		return queue.Skip(fmt.Sprintf("customer is %s now", c.Status))
	}
	if err := j.routers.Isolate(ctx, node, c); err != nil {
		return deviceOutcome(fmt.Errorf("isolate customer %d on %s: %w", c.ID, node.Label(), err))
	}
	return queue.Success()
}

// Reactivate lifts the isolation of an active customer
func (j *Jobs) Reactivate(ctx context.Context, t queue.Task) queue.Result {
	c, node, res, ok := j.customerRouter(ctx, t)
	if !ok {
		return res
	}
	if c.Status != model.CustomerActive {
		return queue.Skip(fmt.Sprintf("customer is %s now", c.Status))
	}
	if err := j.routers.Restore(ctx, node, c); err != nil {
		return deviceOutcome(fmt.Errorf("restore customer %d on %s: %w", c.ID, node.Label(), err))
	}
	return queue.Success()
}
