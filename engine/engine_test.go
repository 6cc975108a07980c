package engine_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/pitabwire/relay/engine"
	"github.com/pitabwire/relay/relaytests"
	"github.com/pitabwire/relay/transport"
)

var errBoom = errors.New("boom")

type EngineTestSuite struct {
	suite.Suite
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}

func testOptions() engine.Options {
	opts := engine.DefaultOptions()
	opts.Name = "test"
	opts.ServerTimeout = 50 * time.Millisecond
	return opts
}

// receiveAll leases every pending message of mt.
func (s *EngineTestSuite) receiveAll(mt *relaytests.MemoryTransport, count int) []*transport.Message {
	msgs, err := mt.Receive(s.T().Context(), count, time.Second)
	s.Require().NoError(err)
	s.Require().Len(msgs, count)
	return msgs
}

func (s *EngineTestSuite) TestNewValidation() {
	h := &relaytests.RecordingHandler{}

	testCases := []struct {
		name    string
		options []engine.Option
		wantErr error
	}{
		{name: "no handler", wantErr: engine.ErrNoHandler},
		{
			name:    "both handlers",
			options: []engine.Option{engine.WithHandler(h), engine.WithBatchHandler(h)},
			wantErr: engine.ErrBothHandlers,
		},
		{name: "handler", options: []engine.Option{engine.WithHandler(h)}},
		{name: "batch handler", options: []engine.Option{engine.WithBatchHandler(h)}},
	}

	for _, tc := range testCases {
		s.Run(tc.name, func() {
			e, err := engine.New(testOptions(), tc.options...)
			if tc.wantErr != nil {
				s.Require().ErrorIs(err, tc.wantErr)
				return
			}
			s.Require().NoError(err)
			s.NotNil(e)
		})
	}
}

func (s *EngineTestSuite) TestOptionsNormalized() {
	e, err := engine.New(engine.Options{Concurrency: -3, BatchSize: 0, CloseTimeout: -time.Second},
		engine.WithHandler(&relaytests.RecordingHandler{}))
	s.Require().NoError(err)

	opts := e.Options()
	s.Equal(1, opts.Concurrency)
	s.Equal(1, opts.BatchSize)
	s.Equal(engine.DefaultServerTimeout, opts.ServerTimeout)
	s.Equal(time.Duration(0), opts.CloseTimeout)
}

func (s *EngineTestSuite) TestProcessOneCompletes() {
	ctx := s.T().Context()
	mt := relaytests.NewMemoryTransport()
	mt.SendBodies("a")
	h := &relaytests.RecordingHandler{}

	e, err := engine.New(testOptions(), engine.WithHandler(h))
	s.Require().NoError(err)

	msgs := s.receiveAll(mt, 1)
	s.Require().NoError(e.ProcessOne(ctx, mt, msgs[0], nil))

	s.Equal([]string{"m1"}, h.Seen())
	s.Equal([]string{"m1"}, mt.Completed())
	s.Equal(0, e.InFlight())
}

func (s *EngineTestSuite) TestManualSettlement() {
	ctx := s.T().Context()

	s.Run("nothing completed when auto completion is off", func() {
		mt := relaytests.NewMemoryTransport()
		mt.SendBodies("a")
		h := &relaytests.RecordingHandler{Manual: true}

		e, err := engine.New(testOptions(), engine.WithHandler(h))
		s.Require().NoError(err)

		s.Require().NoError(e.ProcessOne(ctx, mt, s.receiveAll(mt, 1)[0], nil))
		s.Equal([]string{"m1"}, h.Seen())
		s.Empty(mt.Completed())
	})

	s.Run("handler settles through the context", func() {
		mt := relaytests.NewMemoryTransport()
		mt.SendBodies("a")

		h := engine.WithAutoComplete(engine.HandlerFunc(
			func(ctx context.Context, msg *transport.Message, _ transport.Session) error {
				settler, ok := engine.SettlerFromContext(ctx)
				if !ok {
					return errors.New("no settler")
				}
				return settler.DeadLetter(ctx, msg, transport.DeadLetterOptions{Reason: "rejected"})
			}), false)

		e, err := engine.New(testOptions(), engine.WithHandler(h))
		s.Require().NoError(err)

		s.Require().NoError(e.ProcessOne(ctx, mt, s.receiveAll(mt, 1)[0], nil))
		s.Equal([]string{"m1"}, mt.DeadLettered())
		s.Empty(mt.Completed())
	})
}

func (s *EngineTestSuite) TestFailurePolicies() {
	ctx := s.T().Context()

	testCases := []struct {
		name         string
		policy       engine.ErrorPolicy
		panics       bool
		wantErr      error
		abandoned    int
		deadLettered int
	}{
		{name: "abandon by default", abandoned: 1},
		{name: "dead letter", policy: engine.DeadLetterOnError("poison"), deadLettered: 1},
		{name: "fail fast", policy: engine.FailFast, wantErr: engine.ErrUnhandled},
		{name: "panic is abandoned", panics: true, abandoned: 1},
		{name: "panic with fail fast", policy: engine.FailFast, panics: true, wantErr: engine.ErrHandlerPanic},
	}

	for _, tc := range testCases {
		s.Run(tc.name, func() {
			mt := relaytests.NewMemoryTransport()
			mt.SendBodies("a")

			h := &relaytests.RecordingHandler{
				Fail:  func(*transport.Message) error { return errBoom },
				Panic: func(*transport.Message) bool { return tc.panics },
			}

			e, err := engine.New(testOptions(), engine.WithHandler(h), engine.WithErrorPolicy(tc.policy))
			s.Require().NoError(err)

			err = e.ProcessOne(ctx, mt, s.receiveAll(mt, 1)[0], nil)
			if tc.wantErr != nil {
				s.Require().ErrorIs(err, tc.wantErr)
				s.Require().ErrorIs(err, engine.ErrUnhandled)
			} else {
				s.Require().NoError(err)
			}

			s.Len(mt.Abandoned(), tc.abandoned)
			s.Len(mt.DeadLettered(), tc.deadLettered)
			s.Empty(mt.Completed())
			s.Equal(int64(1), e.Metrics().ErrorCount.Load())
		})
	}
}

func (s *EngineTestSuite) TestDeadLetterAfter() {
	ctx := s.T().Context()
	mt := relaytests.NewMemoryTransport(relaytests.WithRedelivery())
	mt.SendBodies("a")

	h := &relaytests.RecordingHandler{Fail: func(*transport.Message) error { return errBoom }}
	e, err := engine.New(testOptions(), engine.WithHandler(h), engine.WithErrorPolicy(engine.DeadLetterAfter(3, "too many")))
	s.Require().NoError(err)

	for range 3 {
		s.Require().NoError(e.ProcessOne(ctx, mt, s.receiveAll(mt, 1)[0], nil))
	}

	s.Len(mt.Abandoned(), 2)
	s.Equal([]string{"m1"}, mt.DeadLettered())
	s.Equal(0, mt.Pending())

	for _, call := range mt.Calls() {
		if call.Op == relaytests.OpDeadLetter {
			s.Equal("too many", call.Reason)
		}
	}
}

type overridingHandler struct {
	relaytests.RecordingHandler
	handled atomic.Int32
	result  bool
}

func (h *overridingHandler) HandleError(ctx context.Context, settler transport.Settler, msgs []*transport.Message, _ error) bool {
	h.handled.Add(1)
	for _, msg := range msgs {
		_ = settler.DeadLetter(ctx, msg, transport.DeadLetterOptions{Reason: "handler"})
	}
	return h.result
}

func (s *EngineTestSuite) TestErrorHandlerOverridesPolicy() {
	ctx := s.T().Context()

	for _, result := range []bool{true, false} {
		mt := relaytests.NewMemoryTransport()
		mt.SendBodies("a")

		h := &overridingHandler{result: result}
		h.Fail = func(*transport.Message) error { return errBoom }

		e, err := engine.New(testOptions(),
			engine.WithHandler(engine.WithAutoComplete(h, true)),
			engine.WithErrorPolicy(engine.AbandonOnError))
		s.Require().NoError(err)

		err = e.ProcessOne(ctx, mt, s.receiveAll(mt, 1)[0], nil)
		if result {
			s.Require().NoError(err)
		} else {
			s.Require().ErrorIs(err, engine.ErrUnhandled)
		}

		s.Equal(int32(1), h.handled.Load())
		s.Equal([]string{"m1"}, mt.DeadLettered())
		s.Empty(mt.Abandoned())
	}
}

func (s *EngineTestSuite) TestCompletionFailureIsHandlerFailure() {
	ctx := s.T().Context()
	mt := relaytests.NewMemoryTransport(relaytests.WithCompleteError(func(*transport.Message) error {
		return transport.Permanent("complete", transport.ErrLockLost)
	}))
	mt.SendBodies("a")

	e, err := engine.New(testOptions(), engine.WithHandler(&relaytests.RecordingHandler{}))
	s.Require().NoError(err)

	s.Require().NoError(e.ProcessOne(ctx, mt, s.receiveAll(mt, 1)[0], nil))
	s.Empty(mt.Completed())
	s.Equal([]string{"m1"}, mt.Abandoned())
	s.Equal(int64(1), e.Metrics().ErrorCount.Load())
}

func (s *EngineTestSuite) TestProcessBatch() {
	ctx := s.T().Context()

	s.Run("completes every message", func() {
		mt := relaytests.NewMemoryTransport()
		mt.SendBodies("a", "b", "c")
		h := &relaytests.RecordingHandler{}

		e, err := engine.New(testOptions(), engine.WithBatchHandler(h))
		s.Require().NoError(err)

		s.Require().NoError(e.ProcessBatch(ctx, mt, s.receiveAll(mt, 3), nil))
		s.Equal([]string{"m1", "m2", "m3"}, h.Seen())
		s.Equal([]string{"m1", "m2", "m3"}, mt.Completed())
		s.Equal(int64(3), e.Metrics().MessageCount.Load())
	})

	s.Run("abandons every message on failure", func() {
		mt := relaytests.NewMemoryTransport()
		mt.SendBodies("a", "b", "c")
		h := &relaytests.RecordingHandler{Fail: func(msg *transport.Message) error {
			if msg.ID == "m2" {
				return errBoom
			}
			return nil
		}}

		e, err := engine.New(testOptions(), engine.WithBatchHandler(h))
		s.Require().NoError(err)

		s.Require().NoError(e.ProcessBatch(ctx, mt, s.receiveAll(mt, 3), nil))
		s.Empty(mt.Completed())
		s.Equal([]string{"m1", "m2", "m3"}, mt.Abandoned())
	})

	s.Run("needs a batch handler", func() {
		e, err := engine.New(testOptions(), engine.WithHandler(&relaytests.RecordingHandler{}))
		s.Require().NoError(err)

		err = e.ProcessBatch(ctx, relaytests.NewMemoryTransport(), []*transport.Message{{ID: "x"}}, nil)
		s.Require().ErrorIs(err, engine.ErrNoBatchHandler)
	})
}

func (s *EngineTestSuite) TestLeaseRenewedWhileHandlerRuns() {
	ctx := s.T().Context()
	mt := relaytests.NewMemoryTransport()
	mt.SendBodies("a")

	opts := testOptions()
	opts.LockRenewInterval = 20 * time.Millisecond
	h := &relaytests.RecordingHandler{Delay: 150 * time.Millisecond}

	e, err := engine.New(opts, engine.WithHandler(h))
	s.Require().NoError(err)

	s.Require().NoError(e.ProcessOne(ctx, mt, s.receiveAll(mt, 1)[0], nil))

	renewals := mt.Renewals()
	s.GreaterOrEqual(renewals, 3)

	time.Sleep(80 * time.Millisecond)
	s.Equal(renewals, mt.Renewals(), "renewal continued after the handler returned")
}

func (s *EngineTestSuite) TestNoRenewalWithoutInterval() {
	ctx := s.T().Context()
	mt := relaytests.NewMemoryTransport()
	mt.SendBodies("a")

	e, err := engine.New(testOptions(), engine.WithHandler(&relaytests.RecordingHandler{Delay: 60 * time.Millisecond}))
	s.Require().NoError(err)

	s.Require().NoError(e.ProcessOne(ctx, mt, s.receiveAll(mt, 1)[0], nil))
	s.Equal(0, mt.Renewals())
}

func (s *EngineTestSuite) TestStopWhileWaitingForSlot() {
	ctx := s.T().Context()
	mt := relaytests.NewMemoryTransport()
	mt.SendBodies("a", "b")
	msgs := s.receiveAll(mt, 2)

	h := &relaytests.RecordingHandler{Release: make(chan struct{})}
	e, err := engine.New(testOptions(), engine.WithHandler(h))
	s.Require().NoError(err)

	first := make(chan error, 1)
	go func() { first <- e.ProcessOne(ctx, mt, msgs[0], nil) }()
	s.Require().NoError(relaytests.WaitFor(ctx, func() bool { return h.Active() == 1 }, time.Second))

	second := make(chan error, 1)
	go func() { second <- e.ProcessOne(ctx, mt, msgs[1], nil) }()
	time.Sleep(30 * time.Millisecond)

	e.Stop(0)

	select {
	case err = <-second:
		s.Require().NoError(err)
	case <-time.After(time.Second):
		s.Fail("waiting unit was not released by stop")
	}

	s.Require().NoError(<-first)
	s.Equal([]string{"m1"}, h.Seen())
	s.NotContains(mt.Completed(), "m2")
	s.NotContains(mt.Abandoned(), "m2")
}

func (s *EngineTestSuite) TestClosingHoldsNewUnits() {
	ctx := s.T().Context()

	s.Run("held until grace runs out", func() {
		mt := relaytests.NewMemoryTransport()
		mt.SendBodies("a")
		h := &relaytests.RecordingHandler{}

		e, err := engine.New(testOptions(), engine.WithHandler(h))
		s.Require().NoError(err)

		e.Stop(150 * time.Millisecond)
		s.True(e.Closing())
		s.True(e.Stopped())

		start := time.Now()
		s.Require().NoError(e.ProcessOne(ctx, mt, s.receiveAll(mt, 1)[0], nil))
		s.GreaterOrEqual(time.Since(start), 100*time.Millisecond)
		s.Empty(h.Seen())
		s.Equal(0, mt.Settled())
	})

	s.Run("released by abort", func() {
		mt := relaytests.NewMemoryTransport()
		mt.SendBodies("a")

		e, err := engine.New(testOptions(), engine.WithHandler(&relaytests.RecordingHandler{}))
		s.Require().NoError(err)
		e.Stop(time.Minute)

		msg := s.receiveAll(mt, 1)[0]
		done := make(chan error, 1)
		go func() { done <- e.ProcessOne(ctx, mt, msg, nil) }()

		time.Sleep(30 * time.Millisecond)
		e.Abort()

		select {
		case err = <-done:
			s.Require().NoError(err)
		case <-time.After(time.Second):
			s.Fail("abort did not release the held unit")
		}
	})
}

func (s *EngineTestSuite) TestDrain() {
	ctx := s.T().Context()
	mt := relaytests.NewMemoryTransport()
	mt.SendBodies("a")

	h := &relaytests.RecordingHandler{Release: make(chan struct{})}
	e, err := engine.New(testOptions(), engine.WithHandler(h))
	s.Require().NoError(err)

	msg := s.receiveAll(mt, 1)[0]
	done := make(chan error, 1)
	go func() { done <- e.ProcessOne(ctx, mt, msg, nil) }()
	s.Require().NoError(relaytests.WaitFor(ctx, func() bool { return e.InFlight() == 1 }, time.Second))

	s.False(e.Drain(ctx, 50*time.Millisecond))

	close(h.Release)
	s.True(e.Drain(ctx, time.Second))
	s.Require().NoError(<-done)
	s.Equal([]string{"m1"}, mt.Completed())
}

func (s *EngineTestSuite) TestMetrics() {
	ctx := s.T().Context()
	mt := relaytests.NewMemoryTransport()
	mt.SendBodies("a", "b")

	h := &relaytests.RecordingHandler{
		Delay: 10 * time.Millisecond,
		Fail: func(msg *transport.Message) error {
			if msg.ID == "m2" {
				return errBoom
			}
			return nil
		},
	}
	e, err := engine.New(testOptions(), engine.WithHandler(h))
	s.Require().NoError(err)

	for _, msg := range s.receiveAll(mt, 2) {
		s.Require().NoError(e.ProcessOne(ctx, mt, msg, nil))
	}

	m := e.Metrics()
	s.Equal(int64(2), m.MessageCount.Load())
	s.Equal(int64(1), m.ErrorCount.Load())
	s.Equal(int64(0), m.ActiveMessages.Load())
	s.GreaterOrEqual(m.AverageProcessingTime(), 10*time.Millisecond)
	s.True(m.IsIdle())
	s.Equal(engine.LoopStateWaiting, m.State())
}

func (s *EngineTestSuite) TestParseDeliveryMode() {
	s.Equal(engine.DeliveryPush, engine.ParseDeliveryMode(" Push "))
	s.Equal(engine.DeliveryPull, engine.ParseDeliveryMode("pull"))
	s.Equal(engine.DeliveryPull, engine.ParseDeliveryMode(""))
	s.Equal("push", engine.DeliveryPush.String())
}
