package engine

import (
	"strings"
	"time"
)

// DeliveryMode selects whether the engine pulls messages itself or lets the transport push them.
type DeliveryMode int

const (
	DeliveryPull DeliveryMode = iota
	DeliveryPush
)

func (d DeliveryMode) String() string {
	if d == DeliveryPush {
		return "push"
	}
	return "pull"
}

// ParseDeliveryMode maps "push" to DeliveryPush and anything else to DeliveryPull.
func ParseDeliveryMode(mode string) DeliveryMode {
	if strings.EqualFold(strings.TrimSpace(mode), "push") {
		return DeliveryPush
	}
	return DeliveryPull
}

const (
	DefaultConcurrency       = 1
	DefaultBatchSize         = 10
	DefaultServerTimeout     = 30 * time.Second
	DefaultCloseTimeout      = 66 * time.Second
	DefaultAutoRenewDuration = 5 * time.Minute
)

// Options is the frozen configuration of an engine.
type Options struct {
	Name string
	// Concurrency is the number of processing slots and of receive loops.
	Concurrency int
	// BatchSize is the most messages asked for in one receive.
	BatchSize     int
	ServerTimeout time.Duration
	PrefetchCount int
	// CloseTimeout is the grace period in flight work gets on close. Zero means none.
	CloseTimeout time.Duration
	// LockRenewInterval enables lease renewal while handlers run when positive.
	LockRenewInterval time.Duration
	RequireSessions   bool
	Delivery          DeliveryMode
	// AutoRenewDuration caps how long push delivery keeps renewing one message.
	AutoRenewDuration time.Duration
}

// DefaultOptions returns options for a sequential pull listener.
func DefaultOptions() Options {
	return Options{
		Name:              "relay",
		Concurrency:       DefaultConcurrency,
		BatchSize:         DefaultBatchSize,
		ServerTimeout:     DefaultServerTimeout,
		CloseTimeout:      DefaultCloseTimeout,
		AutoRenewDuration: DefaultAutoRenewDuration,
	}
}

func (o Options) normalize() Options {
	if o.Concurrency < 1 {
		o.Concurrency = DefaultConcurrency
	}
	if o.BatchSize < 1 {
		o.BatchSize = 1
	}
	if o.ServerTimeout <= 0 {
		o.ServerTimeout = DefaultServerTimeout
	}
	if o.PrefetchCount < 0 {
		o.PrefetchCount = 0
	}
	if o.CloseTimeout < 0 {
		o.CloseTimeout = 0
	}
	if o.LockRenewInterval < 0 {
		o.LockRenewInterval = 0
	}
	if o.AutoRenewDuration < 0 {
		o.AutoRenewDuration = 0
	}
	return o
}
