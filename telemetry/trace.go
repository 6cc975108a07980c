package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/pitabwire/util"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/relay/transport"
)

// Common attribute keys used across relay.
//
//nolint:gochecknoglobals // OpenTelemetry attribute keys must be global for reuse
var (
	AttrMethodKey   = attribute.Key("relay_method")
	AttrPackageKey  = attribute.Key("relay_package")
	AttrStatusKey   = attribute.Key("relay_status")
	AttrErrorKey    = attribute.Key("relay_error")
	AttrListenerKey = attribute.Key("relay_listener")
	AttrBatchKey    = attribute.Key("relay_batch_size")
	AttrSessionKey  = attribute.Key("relay_session")
	AttrMessageKey  = attribute.Key("relay_message_id")
	AttrDeliveryKey = attribute.Key("relay_delivery_count")
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	startTimeContextKey  contextKey = "spanStartTimeCtxKey"
	methodNameContextKey contextKey = "methodNameCtxKey"
)

// Tracer wraps each unit of message processing in a span and records its latency.
type Tracer interface {
	Start(ctx context.Context, spanName string, options ...trace.SpanStartOption) (context.Context, trace.Span)
	// StartUnit starts a span for msgs handed to one handler call. A single message also
	// tags the span with its id and delivery count.
	StartUnit(
		ctx context.Context,
		spanName, listener, sessionID string,
		msgs []*transport.Message,
	) (context.Context, trace.Span)
	End(ctx context.Context, span trace.Span, err error, options ...trace.SpanEndOption)
}

// tracer provides OpenTelemetry tracing for listener components.
type tracer struct {
	name           string
	tracer         trace.Tracer
	latencyMeasure metric.Float64Histogram
}

// NewTracer creates a new tracer for a package.
func NewTracer(name string, options ...trace.TracerOption) Tracer {
	otelTracer := otel.Tracer(name, options...)

	return &tracer{
		name:           name,
		tracer:         otelTracer,
		latencyMeasure: LatencyMeasure(name),
	}
}

// Start creates and starts a new span and returns the updated context and span.
// The caller is responsible for ending the span.
//
//nolint:spancheck // OpenTelemetry spans are intentionally returned to caller for proper lifecycle management
func (t *tracer) Start(
	ctx context.Context,
	spanName string,
	options ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	fullName := t.name + "/" + spanName

	options = append(options, trace.WithAttributes(AttrMethodKey.String(spanName)))

	sCtx, span := t.tracer.Start(ctx, spanName, options...)
	sCtx = context.WithValue(sCtx, startTimeContextKey, time.Now())
	return context.WithValue(sCtx, methodNameContextKey, fullName), span
}

//nolint:spancheck // ended by the caller through End
func (t *tracer) StartUnit(
	ctx context.Context,
	spanName, listener, sessionID string,
	msgs []*transport.Message,
) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		AttrListenerKey.String(listener),
		AttrBatchKey.Int(len(msgs)),
		AttrSessionKey.String(sessionID),
	}
	if len(msgs) == 1 {
		attrs = append(attrs,
			AttrMessageKey.String(msgs[0].ID),
			AttrDeliveryKey.Int(msgs[0].DeliveryCount))
	}
	return t.Start(ctx, spanName, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindConsumer))
}

// End completes a span with error information if applicable.
func (t *tracer) End(ctx context.Context, span trace.Span, err error, options ...trace.SpanEndOption) {
	startTimeValue := ctx.Value(startTimeContextKey)
	startTime, ok := startTimeValue.(time.Time)
	if !ok {
		util.Log(ctx).Error(
			"invalid startTime context value",
			"value", startTimeValue,
		)
		return
	}
	elapsed := time.Since(startTime)

	if err != nil {
		options = append(options, trace.WithStackTrace(true))

		span.SetAttributes(
			AttrErrorKey.String(err.Error()),
		)

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End(options...)

	methodNameValue := ctx.Value(methodNameContextKey)
	methodName, ok := methodNameValue.(string)
	if !ok {
		util.Log(ctx).Error(
			"invalid methodName context value",
			"value", methodNameValue,
		)
		return
	}

	t.latencyMeasure.Record(ctx,
		float64(elapsed.Milliseconds()),

		metric.WithAttributes(
			AttrStatusKey.String(ErrorCode(err)),
			AttrMethodKey.String(methodName)),
	)
}

func ErrorCode(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "deadline exceeded"
	}
	if errors.Is(err, transport.ErrLockLost) {
		return "lock lost"
	}
	if transport.IsCommunication(err) {
		return "communication"
	}
	return "err"
}
