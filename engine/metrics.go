package engine

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/pitabwire/relay/telemetry"
	"github.com/pitabwire/relay/transport"
)

const meterPackage = "github.com/pitabwire/relay/engine"

// LoopState is what the receive loops were last doing.
type LoopState int32

const (
	LoopStateWaiting LoopState = iota
	LoopStateProcessing
	LoopStateInError
)

func (s LoopState) String() string {
	switch s {
	case LoopStateProcessing:
		return "processing"
	case LoopStateInError:
		return "in_error"
	default:
		return "waiting"
	}
}

// Metrics tracks operational metrics for an engine.
type Metrics struct {
	ActiveMessages atomic.Int64 // Messages currently held by handlers
	LastActivity   atomic.Int64 // Last activity timestamp in UnixNano
	ProcessingTime atomic.Int64 // Total processing time in nanoseconds
	MessageCount   atomic.Int64 // Total messages processed
	ErrorCount     atomic.Int64 // Total number of failed units

	state  atomic.Int32
	failed atomic.Bool
}

func (m *Metrics) State() LoopState {
	return LoopState(m.state.Load())
}

func (m *Metrics) setState(state LoopState) {
	m.state.Store(int32(state))
}

// Failed reports whether a receive loop has ended on an unhandled failure. Once set it stays set.
func (m *Metrics) Failed() bool {
	return m.failed.Load()
}

func (m *Metrics) fail() {
	m.failed.Store(true)
	m.setState(LoopStateInError)
}

// IsIdle reports whether the loops are waiting on the transport with nothing in flight.
func (m *Metrics) IsIdle() bool {
	return m.State() == LoopStateWaiting && m.ActiveMessages.Load() <= 0
}

// IdleTime returns the duration since last activity if the engine is idle.
func (m *Metrics) IdleTime() time.Duration {
	if !m.IsIdle() {
		return 0
	}

	lastActivity := m.LastActivity.Load()
	if lastActivity == 0 {
		return 0
	}

	return time.Since(time.Unix(0, lastActivity))
}

// AverageProcessingTime returns the average time spent per message.
func (m *Metrics) AverageProcessingTime() time.Duration {
	count := m.MessageCount.Load()
	if count == 0 {
		return 0
	}

	return time.Duration(m.ProcessingTime.Load() / count)
}

func (m *Metrics) begin(messages int) {
	m.ActiveMessages.Add(int64(messages))
	m.LastActivity.Store(time.Now().UnixNano())
}

func (m *Metrics) closeUnit(startTime time.Time, messages int, err error) {
	if err != nil {
		m.ErrorCount.Add(1)
	}

	m.ProcessingTime.Add(time.Since(startTime).Nanoseconds() * int64(messages))
	m.MessageCount.Add(int64(messages))
	m.ActiveMessages.Add(-int64(messages))
	m.LastActivity.Store(time.Now().UnixNano())
}

type instruments struct {
	completed       metric.Int64Counter
	abandoned       metric.Int64Counter
	deadLettered    metric.Int64Counter
	renewalFailures metric.Int64Counter
	failures        metric.Int64Counter
}

func newInstruments() *instruments {
	return &instruments{
		completed:       telemetry.DimensionlessMeasure(meterPackage, "/completed", "Messages completed"),
		abandoned:       telemetry.DimensionlessMeasure(meterPackage, "/abandoned", "Messages abandoned for redelivery"),
		deadLettered:    telemetry.DimensionlessMeasure(meterPackage, "/dead_lettered", "Messages moved to the dead-letter queue"),
		renewalFailures: telemetry.DimensionlessMeasure(meterPackage, "/renewal_failures", "Lease renewals given up on"),
		failures:        telemetry.DimensionlessMeasure(meterPackage, "/failures", "Units whose processing failed"),
	}
}

// MetricViews returns the views shaping the engine's latency histogram and counters.
func MetricViews() []sdkmetric.View {
	views := telemetry.Views(meterPackage)
	views = append(views, telemetry.CounterView(meterPackage, "/completed", "Messages completed")...)
	views = append(views, telemetry.CounterView(meterPackage, "/abandoned", "Messages abandoned for redelivery")...)
	views = append(views, telemetry.CounterView(meterPackage, "/dead_lettered", "Messages moved to the dead-letter queue")...)
	views = append(views, telemetry.CounterView(meterPackage, "/renewal_failures", "Lease renewals given up on")...)
	views = append(views, telemetry.CounterView(meterPackage, "/failures", "Units whose processing failed")...)
	return views
}

// countingSettler records settlement outcomes before handing them to the transport.
type countingSettler struct {
	transport.Settler
	inst  *instruments
	attrs metric.MeasurementOption
}

func (e *Engine) counted(settler transport.Settler) transport.Settler {
	if _, ok := settler.(*countingSettler); ok {
		return settler
	}
	return &countingSettler{
		Settler: settler,
		inst:    e.instruments,
		attrs:   metric.WithAttributes(telemetry.AttrListenerKey.String(e.opts.Name)),
	}
}

func (c *countingSettler) Complete(ctx context.Context, msg *transport.Message) error {
	err := c.Settler.Complete(ctx, msg)
	if err == nil {
		c.inst.completed.Add(ctx, 1, c.attrs)
	}
	return err
}

func (c *countingSettler) CompleteBatch(ctx context.Context, msgs []*transport.Message) error {
	err := transport.CompleteBatch(ctx, c.Settler, msgs)
	if err == nil {
		c.inst.completed.Add(ctx, int64(len(msgs)), c.attrs)
	}
	return err
}

func (c *countingSettler) Abandon(ctx context.Context, msg *transport.Message, properties map[string]any) error {
	err := c.Settler.Abandon(ctx, msg, properties)
	if err == nil {
		c.inst.abandoned.Add(ctx, 1, c.attrs)
	}
	return err
}

func (c *countingSettler) DeadLetter(ctx context.Context, msg *transport.Message, opts transport.DeadLetterOptions) error {
	err := c.Settler.DeadLetter(ctx, msg, opts)
	if err == nil {
		c.inst.deadLettered.Add(ctx, 1, c.attrs)
	}
	return err
}
