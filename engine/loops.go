package engine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pitabwire/util"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/relay/transport"
)

const (
	receiveBackoffInitial = 100 * time.Millisecond
	receiveBackoffMax     = 30 * time.Second
	sessionCloseTimeout   = 10 * time.Second
)

// Run starts the receive loops configured by the engine options and blocks until all of them end.
// Loops end when the engine stops or when a unit fails without being handled; such failures are
// passed to onFatal as they happen.
func (e *Engine) Run(ctx context.Context, client transport.Client, onFatal func(context.Context, error)) error {
	report := func(ctx context.Context, err error) error {
		if err == nil {
			return nil
		}
		e.metrics.fail()
		if onFatal != nil {
			onFatal(ctx, err)
		}
		return err
	}

	if e.opts.Delivery == DeliveryPush {
		return report(ctx, e.RunPush(ctx, client))
	}

	var g errgroup.Group
	for i := range e.opts.Concurrency {
		g.Go(func() error {
			lctx := util.ContextWithLogger(ctx, util.Log(ctx).WithField("loop", i))
			if e.opts.RequireSessions {
				return report(lctx, e.RunSessions(lctx, client))
			}
			return report(lctx, e.RunPlain(lctx, client))
		})
	}
	return g.Wait()
}

// RunPlain receives from client and processes what arrives, in receive order, until stopped.
func (e *Engine) RunPlain(ctx context.Context, client transport.Receiver) error {
	log := util.Log(ctx).WithField("listener", e.opts.Name)
	log.Debug("receive loop started")
	defer log.Debug("receive loop stopped")

	bo := newReceiveBackoff()
	for !e.Stopped() && ctx.Err() == nil {
		e.metrics.setState(LoopStateWaiting)

		msgs, err := client.Receive(ctx, e.opts.BatchSize, e.opts.ServerTimeout)
		if err != nil {
			if ctx.Err() != nil || e.Stopped() {
				return nil
			}
			if !e.backOff(ctx, bo, err) {
				return nil
			}
			continue
		}
		bo.Reset()

		if len(msgs) == 0 {
			continue
		}

		e.metrics.setState(LoopStateProcessing)
		if err = e.dispatch(ctx, client, msgs, nil); err != nil {
			return err
		}
	}
	return nil
}

// RunSessions accepts one session at a time and drains it before accepting the next.
// Messages of a session are processed one unit at a time, so their order is preserved.
func (e *Engine) RunSessions(ctx context.Context, client transport.Client) error {
	log := util.Log(ctx).WithField("listener", e.opts.Name)
	log.Debug("session loop started")
	defer log.Debug("session loop stopped")

	bo := newReceiveBackoff()
	for !e.Stopped() && ctx.Err() == nil {
		e.metrics.setState(LoopStateWaiting)

		session, err := client.AcceptSession(ctx, e.opts.ServerTimeout)
		if err != nil {
			switch {
			case ctx.Err() != nil || e.Stopped():
				return nil
			case transport.IsTimeout(err):
				bo.Reset()
				continue
			case errors.Is(err, transport.ErrSessionsNotSupported):
				return err
			}
			if !e.backOff(ctx, bo, err) {
				return nil
			}
			continue
		}
		bo.Reset()

		if err = e.drainSession(ctx, session); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) drainSession(ctx context.Context, session transport.Session) error {
	log := util.Log(ctx).WithField("session_id", session.ID())
	ctx = util.ContextWithLogger(ctx, log)
	log.Debug("session accepted")

	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sessionCloseTimeout)
		defer cancel()
		if err := session.Close(cctx); err != nil {
			log.WithError(err).Warn("could not close session")
		}
	}()

	for !e.Stopped() && ctx.Err() == nil {
		msgs, err := session.Receive(ctx, e.opts.BatchSize, e.opts.ServerTimeout)
		if err != nil {
			if ctx.Err() == nil && !e.Stopped() {
				log.WithError(err).Warn("could not receive from session, releasing it")
			}
			return nil
		}

		if len(msgs) == 0 {
			return nil
		}

		e.metrics.setState(LoopStateProcessing)
		if err = e.dispatch(ctx, session, msgs, session); err != nil {
			return err
		}
	}
	return nil
}

// RunPush hands delivery to the transport. Clients that cannot push get a Pump over their pull API.
func (e *Engine) RunPush(ctx context.Context, client transport.Client) error {
	registrar, ok := client.(transport.Registrar)
	if !ok {
		registrar = NewPump(client, e.pool)
	}

	rctx, cancel := e.linked(ctx)
	defer cancel()

	opts := transport.HandlerOptions{
		MaxConcurrentCalls:   e.opts.Concurrency,
		MaxAutoRenewDuration: e.opts.AutoRenewDuration,
		RenewInterval:        e.opts.LockRenewInterval,
		PrefetchCount:        e.opts.PrefetchCount,
		ServerTimeout:        e.opts.ServerTimeout,
		OnError: func(ctx context.Context, err error) {
			e.metrics.setState(LoopStateInError)
			util.Log(ctx).WithError(err).WithField("listener", e.opts.Name).Warn("message delivery failed")
		},
	}

	e.metrics.setState(LoopStateWaiting)
	err := registrar.RegisterHandler(rctx, func(_ context.Context, settler transport.Settler, msg *transport.Message) error {
		e.metrics.setState(LoopStateProcessing)
		return e.process(ctx, settler, []*transport.Message{msg}, nil, 0)
	}, opts)
	if err != nil && rctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) dispatch(
	ctx context.Context,
	settler transport.Settler,
	msgs []*transport.Message,
	session transport.Session,
) error {
	if e.batchHandler != nil {
		if e.Stopped() {
			return nil
		}
		return e.ProcessBatch(ctx, settler, msgs, session)
	}

	for _, msg := range msgs {
		if e.Stopped() {
			return nil
		}
		if err := e.ProcessOne(ctx, settler, msg, session); err != nil {
			return err
		}
	}
	return nil
}

// backOff logs a receive failure and waits before the next attempt. It returns false if stopped meanwhile.
func (e *Engine) backOff(ctx context.Context, bo backoff.BackOff, err error) bool {
	e.metrics.setState(LoopStateInError)

	delay := bo.NextBackOff()
	if delay == backoff.Stop {
		delay = receiveBackoffMax
	}

	util.Log(ctx).WithError(err).
		WithField("listener", e.opts.Name).
		WithField("retry_in", delay.String()).
		Warn("could not receive messages")

	return e.pause(ctx, delay)
}

func (e *Engine) pause(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-e.stopCtx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func newReceiveBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = receiveBackoffInitial
	bo.MaxInterval = receiveBackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}
