package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/util"

	"github.com/pitabwire/relay/renewal"
	"github.com/pitabwire/relay/transport"
	"github.com/pitabwire/relay/workerpool"
)

// Pump turns a pull receiver into a push Registrar, delivering each message on a worker pool task.
type Pump struct {
	receiver transport.Receiver
	pool     workerpool.Manager
}

func NewPump(receiver transport.Receiver, pool workerpool.Manager) *Pump {
	return &Pump{receiver: receiver, pool: pool}
}

// RegisterHandler delivers messages to fn with at most opts.MaxConcurrentCalls calls in flight.
// Each delivered message has its lock renewed until fn returns or opts.MaxAutoRenewDuration elapses.
func (p *Pump) RegisterHandler(ctx context.Context, fn transport.MessageFunc, opts transport.HandlerOptions) error {
	if p.pool == nil {
		return workerpool.ErrPoolNotConfigured
	}
	if _, err := p.pool.GetPool(); err != nil {
		return err
	}

	concurrency := max(opts.MaxConcurrentCalls, 1)
	fetch := max(opts.PrefetchCount, 1)
	serverTimeout := opts.ServerTimeout
	if serverTimeout <= 0 {
		serverTimeout = DefaultServerTimeout
	}

	slots := make(chan struct{}, concurrency)
	fatal := make(chan error, 1)

	var wg sync.WaitGroup
	defer wg.Wait()

	bo := newReceiveBackoff()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-fatal:
			return err
		default:
		}

		msgs, err := p.receiver.Receive(ctx, fetch, serverTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			opts.NotifyError(ctx, err)
			if !sleepCtx(ctx, bo.NextBackOff()) {
				return nil
			}
			continue
		}
		bo.Reset()

		for _, msg := range msgs {
			select {
			case <-ctx.Done():
				return nil
			case err = <-fatal:
				return err
			case slots <- struct{}{}:
			}

			wg.Add(1)
			task := func() {
				defer wg.Done()
				defer func() { <-slots }()
				p.deliver(ctx, fn, msg, opts, fatal)
			}

			if err = workerpool.Submit(ctx, p.pool, task); err != nil {
				wg.Done()
				<-slots
				p.release(ctx, msg)
				if errors.Is(err, workerpool.ErrPoolNotConfigured) {
					p.pool.StopError(ctx, err)
					return err
				}
				opts.NotifyError(ctx, err)
			}
		}
	}
}

func (p *Pump) deliver(
	ctx context.Context,
	fn transport.MessageFunc,
	msg *transport.Message,
	opts transport.HandlerOptions,
	fatal chan<- error,
) {
	interval := opts.RenewInterval
	if interval <= 0 && !msg.LockedUntil.IsZero() {
		interval = time.Until(msg.LockedUntil) / 2
	}

	if interval > 0 && opts.MaxAutoRenewDuration > 0 {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.MaxAutoRenewDuration)
		defer cancel()

		timer := renewal.NewTimer(rctx, p.receiver, msg, interval)
		defer timer.Stop()
	}

	if err := fn(ctx, p.receiver, msg); err != nil {
		select {
		case fatal <- err:
		default:
		}
	}
}

// release abandons a message that could not be handed to a worker so it is redelivered promptly.
func (p *Pump) release(ctx context.Context, msg *transport.Message) {
	if err := p.receiver.Abandon(context.WithoutCancel(ctx), msg, nil); err != nil {
		util.Log(ctx).WithError(err).WithField("message_id", msg.ID).Warn("could not abandon undelivered message")
	}
}

func sleepCtx(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
