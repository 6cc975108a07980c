package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/pitabwire/util"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/pitabwire/relay"
)

const (
	probeReadHeaderTimeout = 5 * time.Second
	probeShutdownTimeout   = 5 * time.Second
)

// probes serves the listener's health over HTTP and the gRPC health protocol until ctx ends.
// An empty address disables that server.
type probes struct {
	httpAddr string
	grpcAddr string
}

func (p probes) serve(ctx context.Context, checkers ...relay.Checker) error {
	if p.httpAddr == "" && p.grpcAddr == "" {
		<-ctx.Done()
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)

	if p.httpAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/healthz", relay.HandleHealth(checkers...))

		srv := &http.Server{
			Addr:              p.httpAddr,
			Handler:           otelhttp.NewHandler(mux, "relay.probes"),
			ReadHeaderTimeout: probeReadHeaderTimeout,
		}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), probeShutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if p.grpcAddr != "" {
		lis, err := (&net.ListenConfig{}).Listen(ctx, "tcp", p.grpcAddr)
		if err != nil {
			return err
		}
		srv := grpc.NewServer()
		grpc_health_v1.RegisterHealthServer(srv, relay.NewGrpcHealthServer(checkers...))

		g.Go(func() error {
			return srv.Serve(lis)
		})
		g.Go(func() error {
			<-gctx.Done()
			srv.GracefulStop()
			return nil
		})
	}

	util.Log(ctx).WithField("http", p.httpAddr).WithField("grpc", p.grpcAddr).Debug("health probes started")
	return g.Wait()
}
