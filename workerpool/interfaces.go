package workerpool

import (
	"context"
)

// Manager owns the worker pool and the callback used to surface errors that should stop the owner.
type Manager interface {
	GetPool() (WorkerPool, error)
	StopError(context.Context, error)
	Shutdown(context.Context) error
}

// WorkerPool defines the common methods for worker pool operations.
// This allows a manager to hold either a single ants.Pool or an ants.MultiPool.
type WorkerPool interface {
	Submit(ctx context.Context, task func()) error
	Running() int
	Shutdown()
}
