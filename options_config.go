package relay

import (
	"context"

	"github.com/pitabwire/relay/config"
	"github.com/pitabwire/relay/engine"
)

// WithConfig applies a configuration object to the listener. Options listed after it override its values.
func WithConfig(cfg any) Option {
	return func(ctx context.Context, l *Listener) {
		l.configuration = cfg

		if serviceCfg, ok := cfg.(config.ConfigurationService); ok {
			WithName(serviceCfg.Name())(ctx, l)

			if serviceCfg.Environment() != "" {
				WithEnvironment(serviceCfg.Environment())(ctx, l)
			}

			if serviceCfg.Version() != "" {
				WithVersion(serviceCfg.Version())(ctx, l)
			}
		}

		if listenerCfg, ok := cfg.(config.ConfigurationListener); ok {
			WithName(listenerCfg.ListenerName())(ctx, l)
			l.opts.Concurrency = listenerCfg.ListenerConcurrency()
			l.opts.BatchSize = listenerCfg.ListenerBatchSize()
			l.opts.ServerTimeout = listenerCfg.ListenerServerTimeout()
			l.opts.PrefetchCount = listenerCfg.ListenerPrefetchCount()
			l.opts.CloseTimeout = listenerCfg.ListenerCloseTimeout()
			l.opts.LockRenewInterval = listenerCfg.ListenerLockRenewInterval()
			l.opts.RequireSessions = listenerCfg.ListenerRequireSessions()
			l.opts.Delivery = engine.ParseDeliveryMode(listenerCfg.ListenerDeliveryMode())
			l.opts.AutoRenewDuration = listenerCfg.ListenerAutoRenewDuration()
		}

		if _, ok := cfg.(config.ConfigurationTelemetry); ok {
			WithTelemetry()(ctx, l)
		}

		WithLogger()(ctx, l)
	}
}
