package relay

import (
	"context"
	"log/slog"

	"github.com/pitabwire/util"

	"github.com/pitabwire/relay/config"
)

// WithLogger builds the listener logger from the logging configuration and the telemetry log handler.
func WithLogger(opts ...util.Option) Option {
	return func(ctx context.Context, l *Listener) {
		if cfg, ok := l.Config().(config.ConfigurationLogLevel); ok {
			logLevel, err := util.ParseLevel(cfg.LoggingLevel())
			if err == nil {
				opts = append(opts, util.WithLogLevel(logLevel))
			}
			opts = append(opts,
				util.WithLogTimeFormat(cfg.LoggingTimeFormat()),
				util.WithLogNoColor(!cfg.LoggingColored()))
			if cfg.LoggingShowStackTrace() {
				opts = append(opts, util.WithLogStackTrace())
			}
		}

		if l.telemetryManager != nil && l.telemetryManager.LogHandler() != nil {
			opts = append(opts, util.WithLogHandler(l.telemetryManager.LogHandler()))
		}

		l.logger = util.NewLogger(ctx, opts...)
	}
}

func (l *Listener) SLog(ctx context.Context) *slog.Logger {
	return l.Log(ctx).SLog()
}
