// Package engine runs message handlers under admission control, lease renewal and settlement policy.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/pitabwire/util"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"

	"github.com/pitabwire/relay/admission"
	"github.com/pitabwire/relay/renewal"
	"github.com/pitabwire/relay/telemetry"
	"github.com/pitabwire/relay/transport"
	"github.com/pitabwire/relay/workerpool"
)

var (
	ErrHandlerPanic   = errors.New("handler panicked")
	ErrUnhandled      = errors.New("processing failure not handled")
	ErrNoHandler      = errors.New("a handler or a batch handler is required")
	ErrBothHandlers   = errors.New("only one of handler and batch handler can be set")
	ErrNoBatchHandler = errors.New("batch processing needs a batch handler")
)

// Engine processes units of work, a single message or a batch, received by the loops it runs.
type Engine struct {
	opts         Options
	handler      Handler
	batchHandler BatchHandler
	policy       ErrorPolicy
	pool         workerpool.Manager

	admission   *admission.Controller
	metrics     *Metrics
	instruments *instruments
	tracer      telemetry.Tracer

	stopCtx       context.Context
	stopFn        context.CancelFunc
	abortCtx      context.Context
	abortFn       context.CancelFunc
	closing       atomic.Bool
	graceDeadline atomic.Int64
}

type Option func(e *Engine)

// WithHandler sets the per message handler.
func WithHandler(h Handler) Option {
	return func(e *Engine) {
		e.handler = h
	}
}

// WithBatchHandler sets the per batch handler.
func WithBatchHandler(h BatchHandler) Option {
	return func(e *Engine) {
		e.batchHandler = h
	}
}

// WithErrorPolicy replaces AbandonOnError as the policy for failed units.
func WithErrorPolicy(policy ErrorPolicy) Option {
	return func(e *Engine) {
		if policy != nil {
			e.policy = policy
		}
	}
}

// WithWorkerPool provides the workers push delivery runs on when the transport has none of its own.
func WithWorkerPool(pool workerpool.Manager) Option {
	return func(e *Engine) {
		e.pool = pool
	}
}

// New builds an engine. Exactly one of WithHandler and WithBatchHandler must be given.
func New(opts Options, options ...Option) (*Engine, error) {
	e := &Engine{
		opts:    opts.normalize(),
		policy:  AbandonOnError,
		metrics: &Metrics{},
	}

	for _, opt := range options {
		opt(e)
	}

	switch {
	case e.handler == nil && e.batchHandler == nil:
		return nil, ErrNoHandler
	case e.handler != nil && e.batchHandler != nil:
		return nil, ErrBothHandlers
	}

	e.admission = admission.New(e.opts.Concurrency)
	e.instruments = newInstruments()
	e.tracer = telemetry.NewTracer(meterPackage)
	e.stopCtx, e.stopFn = context.WithCancel(context.Background())
	e.abortCtx, e.abortFn = context.WithCancel(context.Background())

	return e, nil
}

func (e *Engine) Options() Options {
	return e.opts
}

func (e *Engine) Metrics() *Metrics {
	return e.metrics
}

// InFlight is the number of units currently holding a processing slot.
func (e *Engine) InFlight() int {
	return e.admission.InFlight()
}

// Stop marks the engine closing and fires the stop signal. Units arriving after Stop are
// held until grace elapses and are not processed. Only the first call sets the grace deadline.
func (e *Engine) Stop(grace time.Duration) {
	if grace < 0 {
		grace = 0
	}
	if e.closing.CompareAndSwap(false, true) {
		e.graceDeadline.Store(time.Now().Add(grace).UnixNano())
	}
	e.stopFn()
}

// Abort stops the engine with no grace and releases anything held for it.
func (e *Engine) Abort() {
	e.Stop(0)
	e.abortFn()
}

func (e *Engine) Closing() bool {
	return e.closing.Load()
}

// Stopped reports whether the stop signal has fired.
func (e *Engine) Stopped() bool {
	return e.stopCtx.Err() != nil
}

// Done is closed when the stop signal fires.
func (e *Engine) Done() <-chan struct{} {
	return e.stopCtx.Done()
}

// Drain waits for every processing slot to be returned, for at most timeout.
func (e *Engine) Drain(ctx context.Context, timeout time.Duration) bool {
	return e.admission.DrainAll(ctx, timeout)
}

// ProcessOne runs the handler for one message.
// It returns nil when the message was processed, when its failure was handled by the error
// policy, or when the engine stopped before the message could be admitted. Any other error is
// fatal to the calling loop.
func (e *Engine) ProcessOne(
	ctx context.Context,
	settler transport.Settler,
	msg *transport.Message,
	session transport.Session,
) error {
	return e.process(ctx, settler, []*transport.Message{msg}, session, e.opts.LockRenewInterval)
}

// ProcessBatch runs the batch handler once for msgs under a single processing slot.
func (e *Engine) ProcessBatch(
	ctx context.Context,
	settler transport.Settler,
	msgs []*transport.Message,
	session transport.Session,
) error {
	if e.batchHandler == nil {
		return ErrNoBatchHandler
	}
	if len(msgs) == 0 {
		return nil
	}
	return e.process(ctx, settler, msgs, session, e.opts.LockRenewInterval)
}

func (e *Engine) process(
	ctx context.Context,
	settler transport.Settler,
	msgs []*transport.Message,
	session transport.Session,
	renewInterval time.Duration,
) error {
	if e.Closing() {
		e.holdForGrace(ctx)
		return nil
	}

	if len(msgs) == 1 && len(msgs[0].Metadata) > 0 {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msgs[0].Metadata))
	}

	log := e.unitLog(ctx, msgs, session)
	ctx = util.ContextWithLogger(ctx, log)

	acquireCtx, cancelAcquire := e.linked(ctx)
	err := e.admission.Acquire(acquireCtx)
	cancelAcquire()
	if err != nil {
		log.Debug("stopped while waiting for a processing slot, leaving messages to lease expiry")
		return nil
	}
	defer e.admission.Release()

	start := time.Now()
	e.metrics.begin(len(msgs))

	settler = e.counted(settler)

	hctx, cancel := e.linked(ctx)
	defer cancel()
	hctx = ContextWithSettler(hctx, settler)

	timers := renewal.NewTimerSet(context.WithoutCancel(ctx), settler, msgs, renewInterval)
	defer func() {
		timers.Stop()
		if failed := timers.Failures(); failed > 0 {
			e.instruments.renewalFailures.Add(ctx, failed, e.listenerAttr())
		}
	}()

	autoComplete := e.autoComplete()

	sctx, span := e.tracer.StartUnit(hctx, e.spanName(), e.opts.Name, sessionID(session), msgs)

	err = e.invoke(sctx, msgs, session)
	if err == nil && autoComplete {
		err = e.complete(ctx, settler, msgs)
	}

	e.tracer.End(sctx, span, err)
	e.metrics.closeUnit(start, len(msgs), err)

	if err == nil {
		return nil
	}

	e.instruments.failures.Add(ctx, 1, e.listenerAttr())
	if e.handleError(ctx, settler, msgs, err) {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrUnhandled, err)
}

func (e *Engine) invoke(ctx context.Context, msgs []*transport.Message, session transport.Session) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrHandlerPanic, r, debug.Stack())
		}
	}()

	if e.batchHandler != nil {
		return e.batchHandler.HandleBatch(ctx, msgs, session)
	}
	return e.handler.Handle(ctx, msgs[0], session)
}

func (e *Engine) complete(ctx context.Context, settler transport.Settler, msgs []*transport.Message) error {
	if len(msgs) == 1 {
		if err := settler.Complete(ctx, msgs[0]); err != nil {
			return fmt.Errorf("could not complete message: %w", err)
		}
		return nil
	}

	if err := transport.CompleteBatch(ctx, settler, msgs); err != nil {
		return fmt.Errorf("could not complete batch: %w", err)
	}
	return nil
}

func (e *Engine) handleError(
	ctx context.Context,
	settler transport.Settler,
	msgs []*transport.Message,
	cause error,
) (handled bool) {
	policy := e.policy
	if eh := resolveErrorHandler(e.currentHandler()); eh != nil {
		policy = eh.HandleError
	}

	defer func() {
		if r := recover(); r != nil {
			util.Log(ctx).WithField("panic", r).Error("error policy panicked")
			handled = false
		}
	}()

	return policy(ctx, settler, msgs, cause)
}

// holdForGrace keeps a unit that arrived after Stop from being dispatched until the grace
// period runs out, so the transport does not redeliver it to this closing listener.
func (e *Engine) holdForGrace(ctx context.Context) {
	remaining := time.Until(time.Unix(0, e.graceDeadline.Load()))
	if remaining <= 0 {
		return
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-e.abortCtx.Done():
	case <-timer.C:
	}
}

// linked derives a context that also ends when the stop signal fires.
func (e *Engine) linked(ctx context.Context) (context.Context, context.CancelFunc) {
	lctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.stopCtx, cancel)
	return lctx, func() {
		stop()
		cancel()
	}
}

func (e *Engine) currentHandler() any {
	if e.batchHandler != nil {
		return e.batchHandler
	}
	return e.handler
}

func (e *Engine) autoComplete() bool {
	if e.batchHandler != nil {
		return e.batchHandler.AutoComplete()
	}
	return e.handler.AutoComplete()
}

func (e *Engine) spanName() string {
	if e.batchHandler != nil {
		return "process_batch"
	}
	return "process"
}

func (e *Engine) listenerAttr() metric.MeasurementOption {
	return metric.WithAttributes(telemetry.AttrListenerKey.String(e.opts.Name))
}

func (e *Engine) unitLog(ctx context.Context, msgs []*transport.Message, session transport.Session) *util.LogEntry {
	log := util.Log(ctx).WithField("listener", e.opts.Name)
	if len(msgs) == 1 {
		log = log.WithField("message_id", msgs[0].ID)
	} else {
		log = log.WithField("batch_size", len(msgs))
	}
	if session != nil {
		log = log.WithField("session_id", session.ID())
	}
	return log
}

func sessionID(session transport.Session) string {
	if session == nil {
		return ""
	}
	return session.ID()
}
