package relay

import (
	"context"
	"fmt"

	"github.com/pitabwire/relay/config"
	"github.com/pitabwire/relay/engine"
	"github.com/pitabwire/relay/telemetry"
)

// WithTelemetry sets up tracing, metrics and log export for the listener.
func WithTelemetry(opts ...telemetry.Option) Option {
	return func(ctx context.Context, l *Listener) {
		cfg, ok := l.Config().(config.ConfigurationTelemetry)
		if !ok {
			l.Log(ctx).Error("configuration object not of type : ConfigurationTelemetry")
			return
		}

		extOpts := []telemetry.Option{
			telemetry.WithServiceName(l.Name()),
			telemetry.WithServiceVersion(l.Version()),
			telemetry.WithServiceEnvironment(l.Environment()),
			telemetry.WithMetricViews(engine.MetricViews()...),
		}
		extOpts = append(extOpts, opts...)

		l.telemetryManager = telemetry.NewManager(ctx, cfg, extOpts...)
		if err := l.telemetryManager.Init(ctx); err != nil {
			l.initErrs = append(l.initErrs, fmt.Errorf("failed to initialize telemetry: %w", err))
		}
	}
}
