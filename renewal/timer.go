// Package renewal keeps message leases alive while handlers run.
package renewal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitabwire/util"

	"github.com/pitabwire/relay/transport"
)

const (
	// maxRenewAttempts bounds the attempts made within one tick.
	maxRenewAttempts = 10
	retryableDelay   = 500 * time.Millisecond
)

// Stopper ends a renewal.
type Stopper interface {
	Stop()
}

// Timer renews one message lease every interval until stopped or until renewal fails for good.
type Timer struct {
	renewer  transport.LockRenewer
	msg      *transport.Message
	interval time.Duration

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once

	stopped  atomic.Bool
	renewals atomic.Int64
	failures atomic.Int64
}

// NewTimer starts renewing msg's lock. The first renewal fires one interval from now.
// The timer ends when ctx is done, so callers that need renewal to outlive a cancellation
// should pass a context.WithoutCancel derivative.
func NewTimer(
	ctx context.Context,
	renewer transport.LockRenewer,
	msg *transport.Message,
	interval time.Duration,
) *Timer {
	tctx, cancel := context.WithCancel(ctx)

	t := &Timer{
		renewer:  renewer,
		msg:      msg,
		interval: interval,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go t.run(tctx)
	return t
}

// Stop cancels the timer and waits for an in progress renewal to return. Safe to call repeatedly.
func (t *Timer) Stop() {
	t.stopOnce.Do(t.cancel)
	<-t.done
}

// Stopped reports whether the timer has ended, through Stop or by giving up.
func (t *Timer) Stopped() bool {
	return t.stopped.Load()
}

func (t *Timer) Renewals() int64 {
	return t.renewals.Load()
}

func (t *Timer) Failures() int64 {
	return t.failures.Load()
}

func (t *Timer) run(ctx context.Context) {
	defer close(t.done)
	defer t.stopped.Store(true)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.tick(ctx) {
				return
			}
		}
	}
}

// tick performs one renewal with bounded retries and reports whether renewal should continue.
func (t *Timer) tick(ctx context.Context) (keepGoing bool) {
	log := util.Log(ctx).
		WithField("message_id", t.msg.ID).
		WithField("lock_token", t.msg.LockToken)

	defer func() {
		if r := recover(); r != nil {
			t.failures.Add(1)
			log.WithField("panic", r).Error("lock renewal panicked, renewal stopped")
			keepGoing = false
		}
	}()

	var lastErr error
	for range maxRenewAttempts {
		lockedUntil, err := t.renewer.RenewLock(ctx, t.msg)
		if err == nil {
			t.renewals.Add(1)
			log.WithField("locked_until", lockedUntil).Debug("message lock renewed")
			return true
		}

		if ctx.Err() != nil {
			return false
		}
		lastErr = err

		switch {
		case transport.IsCommunication(err):
			continue
		case transport.IsRetryable(err):
			select {
			case <-ctx.Done():
				return false
			case <-time.After(retryableDelay):
			}
			continue
		default:
			t.failures.Add(1)
			log.WithError(err).Warn("could not renew message lock, renewal stopped")
			return false
		}
	}

	t.failures.Add(1)
	log.WithError(lastErr).
		WithField("attempts", maxRenewAttempts).
		Warn("lock renewal retries exhausted, renewal stopped")
	return false
}
