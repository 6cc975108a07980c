package relay_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/pitabwire/relay"
	"github.com/pitabwire/relay/config"
	"github.com/pitabwire/relay/engine"
	"github.com/pitabwire/relay/relaytests"
	"github.com/pitabwire/relay/transport"
)

type ListenerTestSuite struct {
	suite.Suite
}

func TestListenerTestSuite(t *testing.T) {
	suite.Run(t, new(ListenerTestSuite))
}

func (s *ListenerTestSuite) newListener(mt *relaytests.MemoryTransport, opts ...relay.Option) *relay.Listener {
	opts = append([]relay.Option{
		relay.WithName("orders"),
		relay.WithServerTimeout(50 * time.Millisecond),
	}, opts...)

	l, err := relay.NewListener(s.T().Context(), mt.Connector(), opts...)
	s.Require().NoError(err)
	return l
}

// sleepingHandler ignores cancellation and returns after d.
func sleepingHandler(d time.Duration, running *atomic.Int32) relay.Option {
	return relay.WithHandlerFunc(func(_ context.Context, _ *relay.Message, _ relay.Session) error {
		running.Add(1)
		time.Sleep(d)
		return nil
	})
}

func (s *ListenerTestSuite) TestNewListenerValidation() {
	ctx := s.T().Context()
	mt := relaytests.NewMemoryTransport()
	h := &relaytests.RecordingHandler{}

	testCases := []struct {
		name      string
		connector transport.Connector
		opts      []relay.Option
		wantErr   error
	}{
		{name: "no connector", opts: []relay.Option{relay.WithHandler(h)}, wantErr: relay.ErrNoConnector},
		{name: "no handler", connector: mt.Connector(), wantErr: engine.ErrNoHandler},
		{
			name:      "both handlers",
			connector: mt.Connector(),
			opts:      []relay.Option{relay.WithHandler(h), relay.WithBatchHandler(h)},
			wantErr:   engine.ErrBothHandlers,
		},
		{name: "valid", connector: mt.Connector(), opts: []relay.Option{relay.WithHandler(h)}},
	}

	for _, tc := range testCases {
		s.Run(tc.name, func() {
			l, err := relay.NewListener(ctx, tc.connector, tc.opts...)
			if tc.wantErr != nil {
				s.Require().ErrorIs(err, tc.wantErr)
				return
			}
			s.Require().NoError(err)
			s.Equal(relay.StateCreated, l.State())
			s.NotEmpty(l.ID())
		})
	}
}

func (s *ListenerTestSuite) TestOpenProcessesAndCloses() {
	ctx := s.T().Context()
	mt := relaytests.NewMemoryTransport(relaytests.WithEndpoint("mem://orders"))
	mt.SendBodies("a", "b", "c")
	h := &relaytests.RecordingHandler{}

	l := s.newListener(mt, relay.WithHandler(h))

	endpoint, err := l.Open(ctx)
	s.Require().NoError(err)
	s.Equal("mem://orders", endpoint)
	s.Equal("mem://orders", l.Endpoint())
	s.Equal(relay.StateListening, l.State())
	s.Equal("orders", l.Name())

	s.Require().NoError(relaytests.WaitFor(ctx, func() bool { return len(mt.Completed()) == 3 }, 5*time.Second))

	s.Require().NoError(l.Close(ctx))
	s.Equal(relay.StateClosed, l.State())
	s.Equal(1, mt.CloseCalls())
	s.Equal([]string{"m1", "m2", "m3"}, h.Seen())
	s.Equal(int64(3), l.Metrics().MessageCount.Load())
}

func (s *ListenerTestSuite) TestInvalidTransitions() {
	ctx := s.T().Context()
	mt := relaytests.NewMemoryTransport()
	l := s.newListener(mt, relay.WithHandler(&relaytests.RecordingHandler{}))

	s.Require().ErrorIs(l.Close(ctx), relay.ErrInvalidState)
	s.Equal(relay.StateCreated, l.State())

	_, err := l.Open(ctx)
	s.Require().NoError(err)

	_, err = l.Open(ctx)
	s.Require().ErrorIs(err, relay.ErrInvalidState)

	s.Require().NoError(l.Close(ctx))
	s.Require().ErrorIs(l.Close(ctx), relay.ErrInvalidState)

	_, err = l.Open(ctx)
	s.Require().ErrorIs(err, relay.ErrInvalidState)
	s.Equal(relay.StateClosed, l.State())
	s.Equal(1, mt.CloseCalls())
}

func (s *ListenerTestSuite) TestConnectFailureAborts() {
	ctx := s.T().Context()
	refused := errors.New("connection refused")

	l, err := relay.NewListener(ctx,
		transport.ConnectorFunc(func(context.Context) (transport.Client, error) { return nil, refused }),
		relay.WithHandler(&relaytests.RecordingHandler{}))
	s.Require().NoError(err)

	_, err = l.Open(ctx)
	s.Require().ErrorIs(err, refused)
	s.Equal(relay.StateAborted, l.State())
	s.Require().ErrorIs(l.Close(ctx), relay.ErrInvalidState)
}

func (s *ListenerTestSuite) TestCloseWaitsForInFlightWork() {
	testCases := []struct {
		name        string
		concurrency int
		bodies      []string
	}{
		{name: "one handler", concurrency: 1, bodies: []string{"a"}},
		{name: "three handlers", concurrency: 3, bodies: []string{"a", "b", "c"}},
	}

	for _, tc := range testCases {
		s.Run(tc.name, func() {
			ctx := s.T().Context()
			mt := relaytests.NewMemoryTransport()
			mt.SendBodies(tc.bodies...)

			var running atomic.Int32
			l := s.newListener(mt,
				sleepingHandler(200*time.Millisecond, &running),
				relay.WithConcurrency(tc.concurrency),
				relay.WithBatchSize(1),
				relay.WithCloseTimeout(5*time.Second))

			_, err := l.Open(ctx)
			s.Require().NoError(err)
			want := int32(len(tc.bodies))
			s.Require().NoError(relaytests.WaitFor(ctx, func() bool { return running.Load() == want }, 2*time.Second))

			s.Require().NoError(l.Close(ctx))
			s.Len(mt.Completed(), len(tc.bodies))
			s.Equal(1, mt.CloseCalls())
			s.Equal(relay.StateClosed, l.State())
		})
	}
}

func (s *ListenerTestSuite) TestCloseGivesUpAfterGrace() {
	ctx := s.T().Context()
	mt := relaytests.NewMemoryTransport()
	mt.SendBodies("a")

	var running atomic.Int32
	l := s.newListener(mt, sleepingHandler(time.Second, &running), relay.WithCloseTimeout(100*time.Millisecond))

	_, err := l.Open(ctx)
	s.Require().NoError(err)
	s.Require().NoError(relaytests.WaitFor(ctx, func() bool { return running.Load() == 1 }, 2*time.Second))

	start := time.Now()
	s.Require().NoError(l.Close(ctx))
	s.Less(time.Since(start), 800*time.Millisecond)
	s.Empty(mt.Completed())
	s.Equal(1, mt.CloseCalls())
	s.Equal(relay.StateClosed, l.State())
}

func (s *ListenerTestSuite) TestCloseWithoutGrace() {
	ctx := s.T().Context()
	mt := relaytests.NewMemoryTransport()
	mt.SendBodies("a")

	var running atomic.Int32
	l := s.newListener(mt, sleepingHandler(500*time.Millisecond, &running), relay.WithCloseTimeout(0))

	_, err := l.Open(ctx)
	s.Require().NoError(err)
	s.Require().NoError(relaytests.WaitFor(ctx, func() bool { return running.Load() == 1 }, 2*time.Second))

	start := time.Now()
	s.Require().NoError(l.Close(ctx))
	s.Less(time.Since(start), 200*time.Millisecond)
	s.Equal(1, mt.CloseCalls())
}

func (s *ListenerTestSuite) TestAbort() {
	ctx := s.T().Context()
	mt := relaytests.NewMemoryTransport()
	l := s.newListener(mt, relay.WithHandler(&relaytests.RecordingHandler{}))

	_, err := l.Open(ctx)
	s.Require().NoError(err)

	l.Abort()
	l.Abort()

	s.Equal(relay.StateAborted, l.State())
	s.Equal(1, mt.CloseCalls())
	s.Require().ErrorIs(l.Close(ctx), relay.ErrInvalidState)

	s.Run("before open", func() {
		other := s.newListener(relaytests.NewMemoryTransport(), relay.WithHandler(&relaytests.RecordingHandler{}))
		other.Abort()
		s.Equal(relay.StateAborted, other.State())

		_, err = other.Open(ctx)
		s.Require().ErrorIs(err, relay.ErrInvalidState)
	})
}

func (s *ListenerTestSuite) TestFatalErrorsArePublished() {
	ctx := s.T().Context()
	mt := relaytests.NewMemoryTransport()
	mt.SendBodies("a")

	var hooked atomic.Int32
	h := &relaytests.RecordingHandler{Fail: func(*transport.Message) error { return errors.New("boom") }}
	l := s.newListener(mt,
		relay.WithHandler(h),
		relay.WithErrorPolicy(engine.FailFast),
		relay.WithFatalErrorHandler(func(context.Context, error) { hooked.Add(1) }))

	_, err := l.Open(ctx)
	s.Require().NoError(err)

	select {
	case err = <-l.Errors():
		s.Require().ErrorIs(err, engine.ErrUnhandled)
	case <-time.After(2 * time.Second):
		s.Fail("fatal error was not published")
	}

	s.Equal(int32(1), hooked.Load())
	s.Equal(relay.StateListening, l.State())
	s.Require().NoError(l.Close(ctx))
}

func (s *ListenerTestSuite) TestPushDelivery() {
	ctx := s.T().Context()
	mt := relaytests.NewMemoryTransport()
	mt.SendBodies("a", "b", "c", "d")
	h := &relaytests.RecordingHandler{Delay: 20 * time.Millisecond}

	l := s.newListener(mt,
		relay.WithHandler(h),
		relay.WithDeliveryMode(engine.DeliveryPush),
		relay.WithConcurrency(2))

	_, err := l.Open(ctx)
	s.Require().NoError(err)
	s.Require().NoError(relaytests.WaitFor(ctx, func() bool { return len(mt.Completed()) == 4 }, 5*time.Second))

	s.Require().NoError(l.Close(ctx))
	s.LessOrEqual(h.Peak(), 2)
	s.Equal(relay.StateClosed, l.State())
}

func (s *ListenerTestSuite) TestWithConfig() {
	ctx := s.T().Context()

	cfg := config.ConfigurationDefault{
		LogLevel:               "debug",
		OpenTelemetryDisable:   true,
		ServiceVersion:         "v1.2.3",
		ServiceEnvironment:     "test",
		RelayName:              "invoices",
		RelayConcurrency:       4,
		RelayBatchSize:         5,
		RelayServerTimeout:     "2s",
		RelayCloseTimeout:      "0s",
		RelayLockRenewInterval: "10s",
		RelayRequireSessions:   true,
		RelayDeliveryMode:      "push",
		RelayAutoRenewDuration: "1m",
	}

	l, err := relay.NewListener(ctx, relaytests.NewMemoryTransport().Connector(),
		relay.WithConfig(&cfg),
		relay.WithBatchSize(7),
		relay.WithHandler(&relaytests.RecordingHandler{}))
	s.Require().NoError(err)

	opts := l.Options()
	s.Equal("invoices", l.Name())
	s.Equal("v1.2.3", l.Version())
	s.Equal("test", l.Environment())
	s.Equal(4, opts.Concurrency)
	s.Equal(7, opts.BatchSize)
	s.Equal(2*time.Second, opts.ServerTimeout)
	s.Equal(time.Duration(0), opts.CloseTimeout)
	s.Equal(10*time.Second, opts.LockRenewInterval)
	s.True(opts.RequireSessions)
	s.Equal(engine.DeliveryPush, opts.Delivery)
	s.Equal(time.Minute, opts.AutoRenewDuration)
	s.Same(&cfg, l.Config())
}

func (s *ListenerTestSuite) TestWithEnvConfigAndTelemetry() {
	for _, key := range []string{"OTEL_TRACES_EXPORTER", "OTEL_METRICS_EXPORTER", "OTEL_LOGS_EXPORTER"} {
		s.T().Setenv(key, "none")
	}
	s.T().Setenv("OPENTELEMETRY_DISABLE", "false")
	s.T().Setenv("RELAY_NAME", "payments")
	s.T().Setenv("RELAY_SERVER_TIMEOUT", "50ms")

	cfg, err := config.FromEnv[config.ConfigurationDefault]()
	s.Require().NoError(err)
	s.False(cfg.DisableOpenTelemetry())

	ctx := s.T().Context()
	mt := relaytests.NewMemoryTransport()
	handler := &relaytests.RecordingHandler{}

	l, err := relay.NewListener(ctx, mt.Connector(), relay.WithConfig(&cfg), relay.WithHandler(handler))
	s.Require().NoError(err)
	s.Equal("payments", l.Name())

	_, err = l.Open(ctx)
	s.Require().NoError(err)

	mt.SendBodies("a")
	s.Eventually(func() bool { return len(mt.Completed()) == 1 }, time.Second, 5*time.Millisecond)
	s.Require().NoError(l.Close(ctx))
}

func (s *ListenerTestSuite) TestStateNames() {
	testCases := map[relay.State]string{
		relay.StateCreated:   "created",
		relay.StateOpening:   "opening",
		relay.StateListening: "listening",
		relay.StateClosing:   "closing",
		relay.StateClosed:    "closed",
		relay.StateAborted:   "aborted",
	}
	for state, name := range testCases {
		s.Equal(name, state.String())
		s.Equal(state == relay.StateClosed || state == relay.StateAborted, state.Terminal())
	}
}
