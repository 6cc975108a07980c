// Command relay listens on one queue and logs every message it receives.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/pitabwire/util"

	"github.com/pitabwire/relay"
	"github.com/pitabwire/relay/config"
	"github.com/pitabwire/relay/version"
)

func main() {
	configPath := flag.String("config", os.Getenv("RELAY_CONFIG"), "yaml configuration file, environment is used when empty")
	showVersion := flag.Bool("version", false, "print the version and exit")
	httpAddr := flag.String("health-http", os.Getenv("RELAY_HEALTH_HTTP"), "address of the HTTP health endpoint")
	grpcAddr := flag.String("health-grpc", os.Getenv("RELAY_HEALTH_GRPC"), "address of the gRPC health service")
	flag.Parse()

	if *showVersion {
		fmt.Fprintln(os.Stdout, version.String())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, probes{httpAddr: *httpAddr, grpcAddr: *grpcAddr}); err != nil {
		util.Log(ctx).WithError(err).Error("relay stopped with error")
		os.Exit(1)
	}
}

func loadConfig(path string) (config.ConfigurationDefault, error) {
	if path != "" {
		return config.LoadFile[config.ConfigurationDefault](path)
	}
	return config.FromEnv[config.ConfigurationDefault]()
}

func run(ctx context.Context, configPath string, health probes) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	connector, err := connectorFor(&cfg)
	if err != nil {
		return err
	}

	opts := []relay.Option{
		relay.WithConfig(&cfg),
		relay.WithHandlerFunc(logMessage),
		relay.WithFatalErrorHandler(func(ctx context.Context, err error) {
			util.Log(ctx).WithError(err).Error("listener loop failed")
		}),
	}
	if version.Version != "" && cfg.Version() == "" {
		opts = append(opts, relay.WithVersion(version.Version))
	}
	if cfg.LoggingColored() {
		opts = append(opts, relay.WithLogger(util.WithLogHandler(consoleHandler(&cfg))))
	}

	listener, err := relay.NewListener(ctx, connector, opts...)
	if err != nil {
		return err
	}
	ctx = util.ContextWithLogger(ctx, listener.Log(ctx))

	endpoint, err := listener.Open(ctx)
	if err != nil {
		return err
	}
	listener.Log(ctx).WithField("endpoint", endpoint).WithField("version", version.String()).Info("relay listening")

	probeCtx, stopProbes := context.WithCancel(ctx)
	probesDone := make(chan error, 1)
	go func() { probesDone <- health.serve(probeCtx, listener) }()

	select {
	case <-ctx.Done():
	case err = <-listener.Errors():
		listener.Log(ctx).WithError(err).Warn("closing after listener error")
	case err = <-probesDone:
		listener.Log(ctx).WithError(err).Warn("closing after health probes stopped")
		probesDone <- nil
	}

	closeErr := listener.Close(context.WithoutCancel(ctx))
	stopProbes()
	return errors.Join(closeErr, <-probesDone)
}

// consoleHandler writes coloured human readable lines to stderr.
func consoleHandler(cfg *config.ConfigurationDefault) slog.Handler {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LoggingLevel())); err != nil {
		level = slog.LevelInfo
	}

	return tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		AddSource:  cfg.LoggingShowStackTrace(),
		TimeFormat: cfg.LoggingTimeFormat(),
	})
}

func logMessage(ctx context.Context, msg *relay.Message, session relay.Session) error {
	log := util.Log(ctx).
		WithField("message_id", msg.ID).
		WithField("subject", msg.Subject).
		WithField("delivery_count", msg.DeliveryCount).
		WithField("size", len(msg.Body))
	if session != nil {
		log = log.WithField("session_id", session.ID())
	}
	log.Info("message received")
	return nil
}
