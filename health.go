package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/pitabwire/relay/engine"
)

const healthWatchInterval = 5 * time.Second

var ErrHealthCheckFailed = errors.New("health check failed")

// Checker wraps the CheckHealth method.
//
// CheckHealth returns nil if the resource is healthy, or a non-nil
// error if the resource is not healthy. CheckHealth must be safe to
// call from multiple goroutines.
type Checker interface {
	CheckHealth() error
}

// CheckerFunc adapts an ordinary function to a Checker.
type CheckerFunc func() error

func (f CheckerFunc) CheckHealth() error {
	return f()
}

// CheckHealth reports the listener healthy while it is listening and its loops are not failing.
func (l *Listener) CheckHealth() error {
	if state := l.State(); state != StateListening {
		return fmt.Errorf("%w: listener is %s", ErrHealthCheckFailed, state)
	}
	metrics := l.Metrics()
	if metrics.Failed() {
		return fmt.Errorf("%w: a receive loop stopped on an unhandled failure", ErrHealthCheckFailed)
	}
	if metrics.State() == engine.LoopStateInError {
		return fmt.Errorf("%w: receive loop is failing", ErrHealthCheckFailed)
	}
	return nil
}

// HandleHealth returns 200 when every checker is healthy and 500 otherwise.
func HandleHealth(checkers ...Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		for _, c := range checkers {
			if err := c.CheckHealth(); err != nil {
				writeStatus(w, http.StatusInternalServerError, "unhealthy")
				return
			}
		}
		writeStatus(w, http.StatusOK, "ok")
	}
}

func writeStatus(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Length", fmt.Sprint(len(body)))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, body)
}

type grpcHealthServer struct {
	grpc_health_v1.UnimplementedHealthServer
	checkers []Checker
}

// NewGrpcHealthServer serves the standard gRPC health protocol over checkers.
func NewGrpcHealthServer(checkers ...Checker) grpc_health_v1.HealthServer {
	return &grpcHealthServer{checkers: checkers}
}

func (ghs *grpcHealthServer) servingStatus() (grpc_health_v1.HealthCheckResponse_ServingStatus, error) {
	for _, c := range ghs.checkers {
		if err := c.CheckHealth(); err != nil {
			return grpc_health_v1.HealthCheckResponse_NOT_SERVING, err
		}
	}
	return grpc_health_v1.HealthCheckResponse_SERVING, nil
}

func (ghs *grpcHealthServer) Check(
	_ context.Context,
	_ *grpc_health_v1.HealthCheckRequest,
) (*grpc_health_v1.HealthCheckResponse, error) {
	servingStatus, _ := ghs.servingStatus()
	return &grpc_health_v1.HealthCheckResponse{Status: servingStatus}, nil
}

func (ghs *grpcHealthServer) Watch(
	_ *grpc_health_v1.HealthCheckRequest,
	stream grpc_health_v1.Health_WatchServer,
) error {
	var lastSent grpc_health_v1.HealthCheckResponse_ServingStatus = -1
	ticker := time.NewTicker(healthWatchInterval)
	defer ticker.Stop()

	for {
		servingStatus, _ := ghs.servingStatus()
		if servingStatus != lastSent {
			lastSent = servingStatus
			if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: servingStatus}); err != nil {
				return status.Error(codes.Canceled, "stream has ended")
			}
		}

		select {
		case <-ticker.C:
		case <-stream.Context().Done():
			return status.Error(codes.Canceled, "stream has ended")
		}
	}
}
