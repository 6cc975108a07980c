// Package relay runs lease based message listeners over pluggable queue transports.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pitabwire/util"
	"github.com/rs/xid"

	"github.com/pitabwire/relay/config"
	"github.com/pitabwire/relay/engine"
	"github.com/pitabwire/relay/telemetry"
	"github.com/pitabwire/relay/transport"
	"github.com/pitabwire/relay/workerpool"
)

var ErrNoConnector = errors.New("a transport connector is required")

const (
	abortCloseTimeout = 5 * time.Second
	errorBufferSize   = 8
)

// Type aliases so handlers can be written against this package alone.
type (
	Message          = transport.Message
	Session          = transport.Session
	Settler          = transport.Settler
	Handler          = engine.Handler
	BatchHandler     = engine.BatchHandler
	HandlerFunc      = engine.HandlerFunc
	BatchHandlerFunc = engine.BatchHandlerFunc
	ErrorPolicy      = engine.ErrorPolicy
)

// Listener receives messages from one queue or subscription and hands them to a handler.
// A listener is opened once; after Close or Abort a new one has to be created.
type Listener struct {
	id        string
	connector transport.Connector

	opts         engine.Options
	handler      engine.Handler
	batchHandler engine.BatchHandler
	policy       engine.ErrorPolicy
	poolOptions  []workerpool.Option
	onFatal      func(ctx context.Context, err error)

	configuration    any
	version          string
	environment      string
	logger           *util.LogEntry
	telemetryManager telemetry.Manager
	initErrs         []error

	state       lifecycle
	lifecycleMu sync.Mutex

	resMu       sync.Mutex
	engine      *engine.Engine
	client      transport.Client
	closeClient sync.Once
	pool        workerpool.Manager
	endpoint    string
	runCancel   context.CancelFunc
	loopsDone   chan struct{}

	errs chan error
}

type Option func(ctx context.Context, l *Listener)

// NewListener creates a listener in the created state. Nothing is connected until Open.
func NewListener(ctx context.Context, connector transport.Connector, opts ...Option) (*Listener, error) {
	l := &Listener{
		id:        xid.New().String(),
		connector: connector,
		opts:      engine.DefaultOptions(),
		logger:    util.Log(ctx),
		errs:      make(chan error, errorBufferSize),
	}

	for _, opt := range opts {
		opt(ctx, l)
	}

	if connector == nil {
		return nil, ErrNoConnector
	}

	switch {
	case l.handler == nil && l.batchHandler == nil:
		return nil, engine.ErrNoHandler
	case l.handler != nil && l.batchHandler != nil:
		return nil, engine.ErrBothHandlers
	}

	if err := errors.Join(l.initErrs...); err != nil {
		return nil, err
	}

	l.logger = l.logger.WithField("listener", l.opts.Name).WithField("listener_id", l.id)
	return l, nil
}

func (l *Listener) ID() string {
	return l.id
}

func (l *Listener) Name() string {
	return l.opts.Name
}

func (l *Listener) Version() string {
	return l.version
}

func (l *Listener) Environment() string {
	return l.environment
}

func (l *Listener) Config() any {
	return l.configuration
}

// Options returns the settings the listener runs with.
func (l *Listener) Options() engine.Options {
	return l.opts
}

func (l *Listener) State() State {
	return l.state.Load()
}

// Endpoint is the address of the transport the listener is connected to, empty before Open.
func (l *Listener) Endpoint() string {
	l.resMu.Lock()
	defer l.resMu.Unlock()
	return l.endpoint
}

// Metrics returns the processing metrics, zero valued before Open.
func (l *Listener) Metrics() *engine.Metrics {
	l.resMu.Lock()
	defer l.resMu.Unlock()
	if l.engine == nil {
		return &engine.Metrics{}
	}
	return l.engine.Metrics()
}

// Errors publishes failures that ended a receive loop. Errors are dropped when nobody reads them.
func (l *Listener) Errors() <-chan error {
	return l.errs
}

func (l *Listener) Log(ctx context.Context) *util.LogEntry {
	return l.logger.WithContext(ctx)
}

// Open connects to the transport and starts receiving. It returns the endpoint connected to.
func (l *Listener) Open(ctx context.Context) (string, error) {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()

	if err := l.state.transition(StateOpening, StateCreated); err != nil {
		return "", err
	}

	log := l.Log(ctx)
	ctx = util.ContextWithLogger(ctx, log)

	endpoint, err := l.open(ctx)
	if err != nil {
		l.state.abort()
		l.shutdownClient(ctx)
		l.release(ctx)
		log.WithError(err).Error("could not open listener")
		return "", err
	}

	if err = l.state.transition(StateListening, StateOpening); err != nil {
		return "", err
	}

	log.WithField("endpoint", endpoint).
		WithField("concurrency", l.opts.Concurrency).
		WithField("delivery", l.opts.Delivery.String()).
		Info("listener open")
	return endpoint, nil
}

func (l *Listener) open(ctx context.Context) (string, error) {
	var pool workerpool.Manager
	if l.opts.Delivery == engine.DeliveryPush {
		poolCfg, _ := l.configuration.(config.ConfigurationWorkerPool)

		var err error
		pool, err = workerpool.NewManager(ctx, poolCfg, l.poolStopped, l.poolOptions...)
		if err != nil {
			return "", err
		}
	}

	e, err := engine.New(l.opts,
		engine.WithHandler(l.handler),
		engine.WithBatchHandler(l.batchHandler),
		engine.WithErrorPolicy(l.policy),
		engine.WithWorkerPool(pool),
	)
	if err != nil {
		l.setResources(nil, nil, pool)
		return "", err
	}
	l.setResources(e, nil, pool)

	client, err := l.connector.Connect(ctx)
	if err != nil {
		return "", fmt.Errorf("could not connect listener %s: %w", l.opts.Name, err)
	}

	runCtx, runCancel := context.WithCancel(context.WithoutCancel(ctx))
	loopsDone := make(chan struct{})

	l.resMu.Lock()
	l.client = client
	l.endpoint = client.Endpoint()
	l.runCancel = runCancel
	l.loopsDone = loopsDone
	endpoint := l.endpoint
	l.resMu.Unlock()

	if l.State() == StateAborted {
		return "", fmt.Errorf("%w: aborted while opening", ErrInvalidState)
	}

	go func() {
		defer close(loopsDone)
		if runErr := e.Run(runCtx, client, l.reportFatal); runErr != nil {
			util.Log(runCtx).WithError(runErr).Debug("receive loops ended with an error")
		}
	}()

	return endpoint, nil
}

func (l *Listener) setResources(e *engine.Engine, client transport.Client, pool workerpool.Manager) {
	l.resMu.Lock()
	defer l.resMu.Unlock()
	l.engine = e
	l.client = client
	l.pool = pool
}

// Close stops receiving and gives in flight work until the close timeout to finish before
// the transport is closed. Messages still held when the grace period ends are left to lease expiry.
func (l *Listener) Close(ctx context.Context) error {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()

	if err := l.state.transition(StateClosing, StateOpening, StateListening); err != nil {
		return err
	}

	log := l.Log(ctx).WithField("state", StateClosing.String())
	ctx = util.ContextWithLogger(ctx, log)

	grace := l.opts.CloseTimeout
	deadline := time.Now().Add(grace)

	l.resMu.Lock()
	e := l.engine
	loopsDone := l.loopsDone
	l.resMu.Unlock()

	if e != nil {
		e.Stop(grace)
		if !e.Drain(ctx, grace) {
			log.WithField("grace", grace.String()).Warn("close grace period ran out with messages in flight")
		}
	}

	l.shutdownClient(ctx)

	if loopsDone != nil && !waitUntil(ctx, loopsDone, deadline) {
		log.Warn("receive loops did not stop within the close grace period")
	}

	l.release(ctx)

	if err := l.state.transition(StateClosed, StateClosing); err != nil {
		log.WithError(err).Debug("listener aborted while closing")
		return nil
	}

	log.Info("listener closed")
	return nil
}

// Abort stops the listener immediately without waiting for in flight work. It is safe to call
// from any state and any number of times.
func (l *Listener) Abort() {
	previous, ok := l.state.abort()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), abortCloseTimeout)
	defer cancel()
	ctx = util.ContextWithLogger(ctx, l.logger)

	l.resMu.Lock()
	e := l.engine
	l.resMu.Unlock()

	if e != nil {
		e.Abort()
	}

	l.shutdownClient(ctx)
	l.release(ctx)

	l.logger.WithField("from", previous.String()).Warn("listener aborted")
}

func (l *Listener) shutdownClient(ctx context.Context) {
	l.resMu.Lock()
	client := l.client
	l.resMu.Unlock()

	if client == nil {
		return
	}

	l.closeClient.Do(func() {
		if err := client.Close(context.WithoutCancel(ctx)); err != nil {
			util.Log(ctx).WithError(err).Warn("could not close transport client")
		}
	})
}

// release cancels the loops and frees the worker pool and telemetry.
func (l *Listener) release(ctx context.Context) {
	l.resMu.Lock()
	runCancel := l.runCancel
	pool := l.pool
	l.runCancel = nil
	l.pool = nil
	l.resMu.Unlock()

	if runCancel != nil {
		runCancel()
	}

	if pool != nil {
		if err := pool.Shutdown(ctx); err != nil {
			util.Log(ctx).WithError(err).Warn("could not shut down worker pool")
		}
	}

	if l.telemetryManager != nil {
		if err := l.telemetryManager.Shutdown(context.WithoutCancel(ctx)); err != nil {
			util.Log(ctx).WithError(err).Warn("could not shut down telemetry")
		}
	}
}

func (l *Listener) reportFatal(ctx context.Context, err error) {
	if err == nil {
		return
	}

	util.Log(ctx).WithError(err).Error("receive loop stopped")

	select {
	case l.errs <- err:
	default:
	}

	if l.onFatal != nil {
		l.onFatal(ctx, err)
	}
}

// poolStopped logs a worker pool failure. The push loop returns the same error, which reaches reportFatal.
func (l *Listener) poolStopped(ctx context.Context, err error) {
	l.Log(ctx).WithError(err).Error("delivery worker pool stopped accepting work")
}

// waitUntil waits for done until deadline or ctx ends, and reports whether done closed.
func waitUntil(ctx context.Context, done <-chan struct{}, deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	}
}
