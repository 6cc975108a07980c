package relay

import (
	"context"
	"time"

	"github.com/pitabwire/relay/engine"
)

// WithHandler sets the handler invoked for every message.
func WithHandler(h Handler) Option {
	return func(_ context.Context, l *Listener) {
		l.handler = h
	}
}

// WithHandlerFunc sets a function as the handler, completing messages it returns nil for.
func WithHandlerFunc(fn func(ctx context.Context, msg *Message, session Session) error) Option {
	return WithHandler(HandlerFunc(fn))
}

// WithBatchHandler sets the handler invoked once per received batch.
func WithBatchHandler(h BatchHandler) Option {
	return func(_ context.Context, l *Listener) {
		l.batchHandler = h
	}
}

// WithErrorPolicy decides what happens to messages whose handler failed. The default abandons them.
func WithErrorPolicy(policy ErrorPolicy) Option {
	return func(_ context.Context, l *Listener) {
		l.policy = policy
	}
}

// WithFatalErrorHandler is called whenever a receive loop stops on an unhandled failure.
func WithFatalErrorHandler(fn func(ctx context.Context, err error)) Option {
	return func(_ context.Context, l *Listener) {
		l.onFatal = fn
	}
}

// WithName specifies the name the listener logs and reports metrics under.
func WithName(name string) Option {
	return func(_ context.Context, l *Listener) {
		if name != "" {
			l.opts.Name = name
		}
	}
}

// WithVersion specifies the version reported by telemetry.
func WithVersion(version string) Option {
	return func(_ context.Context, l *Listener) {
		l.version = version
	}
}

// WithEnvironment specifies the environment reported by telemetry.
func WithEnvironment(environment string) Option {
	return func(_ context.Context, l *Listener) {
		l.environment = environment
	}
}

// WithConcurrency sets how many units may be processed at once, and how many receive loops run.
func WithConcurrency(concurrency int) Option {
	return func(_ context.Context, l *Listener) {
		l.opts.Concurrency = concurrency
	}
}

func WithBatchSize(size int) Option {
	return func(_ context.Context, l *Listener) {
		l.opts.BatchSize = size
	}
}

// WithServerTimeout bounds how long a single receive waits for messages.
func WithServerTimeout(timeout time.Duration) Option {
	return func(_ context.Context, l *Listener) {
		l.opts.ServerTimeout = timeout
	}
}

func WithPrefetchCount(count int) Option {
	return func(_ context.Context, l *Listener) {
		l.opts.PrefetchCount = count
	}
}

// WithCloseTimeout sets the grace period Close gives in flight work. Zero closes without waiting.
func WithCloseTimeout(timeout time.Duration) Option {
	return func(_ context.Context, l *Listener) {
		l.opts.CloseTimeout = timeout
	}
}

// WithLockRenewInterval renews message leases at interval while their handler runs.
func WithLockRenewInterval(interval time.Duration) Option {
	return func(_ context.Context, l *Listener) {
		l.opts.LockRenewInterval = interval
	}
}

// WithRequireSessions receives through sessions, processing each session's messages in order.
func WithRequireSessions(require bool) Option {
	return func(_ context.Context, l *Listener) {
		l.opts.RequireSessions = require
	}
}

func WithDeliveryMode(mode engine.DeliveryMode) Option {
	return func(_ context.Context, l *Listener) {
		l.opts.Delivery = mode
	}
}

// WithAutoRenewDuration caps how long push delivery keeps a message's lease alive.
func WithAutoRenewDuration(duration time.Duration) Option {
	return func(_ context.Context, l *Listener) {
		l.opts.AutoRenewDuration = duration
	}
}
