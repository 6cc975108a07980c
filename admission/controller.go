// Package admission bounds how many units of work a listener processes at once.
package admission

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pitabwire/util"
	"golang.org/x/sync/semaphore"
)

// Controller is a counting semaphore over processing slots.
// Waiters are served in arrival order, so a pending DrainAll holds back later Acquire calls.
type Controller struct {
	capacity int64
	sem      *semaphore.Weighted
	inFlight atomic.Int64
}

// New returns a controller with capacity slots. Capacities below one are raised to one.
func New(capacity int) *Controller {
	if capacity < 1 {
		capacity = 1
	}

	return &Controller{
		capacity: int64(capacity),
		sem:      semaphore.NewWeighted(int64(capacity)),
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (c *Controller) Acquire(ctx context.Context) error {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	c.inFlight.Add(1)
	return nil
}

// TryAcquire takes a slot only if one is immediately free.
func (c *Controller) TryAcquire() bool {
	if !c.sem.TryAcquire(1) {
		return false
	}
	c.inFlight.Add(1)
	return true
}

// Release returns a slot taken by Acquire.
func (c *Controller) Release() {
	c.inFlight.Add(-1)
	c.sem.Release(1)
}

// DrainAll waits until every slot is free or timeout elapses, whichever comes first,
// and reports whether the drain completed. The slots are handed back before returning.
func (c *Controller) DrainAll(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		if !c.sem.TryAcquire(c.capacity) {
			c.logIncomplete(ctx, timeout)
			return false
		}
		c.sem.Release(c.capacity)
		return true
	}

	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.sem.Acquire(dctx, c.capacity); err != nil {
		c.logIncomplete(ctx, timeout)
		return false
	}
	c.sem.Release(c.capacity)
	return true
}

func (c *Controller) logIncomplete(ctx context.Context, timeout time.Duration) {
	util.Log(ctx).
		WithField("in_flight", c.InFlight()).
		WithField("timeout", timeout.String()).
		Warn("drain timed out with work still in flight")
}

// InFlight is the number of slots currently held.
func (c *Controller) InFlight() int {
	return int(c.inFlight.Load())
}

func (c *Controller) Capacity() int {
	return int(c.capacity)
}
