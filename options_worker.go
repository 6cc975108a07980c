package relay

import (
	"context"

	"github.com/pitabwire/relay/workerpool"
)

// WithWorkerPoolOptions tunes the worker pool push delivery runs handlers on.
func WithWorkerPoolOptions(options ...workerpool.Option) Option {
	return func(_ context.Context, l *Listener) {
		l.poolOptions = append(l.poolOptions, options...)
	}
}
