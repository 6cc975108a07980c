package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pitabwire/util"

	"github.com/pitabwire/relay/config"
)

var (
	ErrPoolNotConfigured = errors.New("worker pool is not configured")
)

type manager struct {
	mu      sync.RWMutex
	pool    WorkerPool
	stopErr func(ctx context.Context, err error)
}

// NewManager builds the pool described by cfg. stopOnErr receives errors that should stop the pool's owner.
func NewManager(
	ctx context.Context,
	cfg config.ConfigurationWorkerPool,
	stopOnErr func(ctx context.Context, err error),
	opts ...Option,
) (Manager, error) {
	log := util.Log(ctx)

	poolOpts := defaultWorkerPoolOpts(cfg, log)

	for _, opt := range opts {
		opt(poolOpts)
	}

	pool, err := setupWorkerPool(ctx, poolOpts)
	if err != nil {
		return nil, fmt.Errorf("could not create worker pool: %w", err)
	}

	return &manager{
		pool:    pool,
		stopErr: stopOnErr,
	}, nil
}

func (m *manager) GetPool() (WorkerPool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.pool == nil {
		return nil, ErrPoolNotConfigured
	}
	return m.pool, nil
}

func (m *manager) StopError(ctx context.Context, err error) {
	if m.stopErr != nil {
		m.stopErr(ctx, err)
	}
}

// Shutdown releases the pool's workers. Later submissions fail with ErrPoolNotConfigured.
func (m *manager) Shutdown(_ context.Context) error {
	m.mu.Lock()
	pool := m.pool
	m.pool = nil
	m.mu.Unlock()

	if pool != nil {
		pool.Shutdown()
	}
	return nil
}

// Submit runs task on the manager's pool.
func Submit(ctx context.Context, m Manager, task func()) error {
	if m == nil {
		return ErrPoolNotConfigured
	}

	pool, err := m.GetPool()
	if err != nil {
		return err
	}

	return pool.Submit(ctx, task)
}
