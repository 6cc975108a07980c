package relaytests

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitabwire/relay/transport"
)

// RecordingHandler remembers every message it was invoked with and can be scripted to fail,
// panic or block.
type RecordingHandler struct {
	mu       sync.Mutex
	seen     []string
	sessions []string

	active atomic.Int32
	peak   atomic.Int32

	// Fail returns the error to report for msg. Nil means success.
	Fail func(msg *transport.Message) error
	// Panic makes the handler panic for msg when it returns true.
	Panic func(msg *transport.Message) bool
	// Delay is how long each invocation takes, cut short when its context ends.
	Delay time.Duration
	// Release, when set, blocks each invocation until it is closed or the context ends.
	Release chan struct{}
	// Manual turns automatic completion off.
	Manual bool
}

func (h *RecordingHandler) Handle(ctx context.Context, msg *transport.Message, session transport.Session) error {
	return h.HandleBatch(ctx, []*transport.Message{msg}, session)
}

func (h *RecordingHandler) HandleBatch(ctx context.Context, msgs []*transport.Message, session transport.Session) error {
	current := h.active.Add(1)
	defer h.active.Add(-1)
	for {
		peak := h.peak.Load()
		if current <= peak || h.peak.CompareAndSwap(peak, current) {
			break
		}
	}

	h.mu.Lock()
	for _, msg := range msgs {
		h.seen = append(h.seen, msg.ID)
		if session != nil {
			h.sessions = append(h.sessions, session.ID())
		}
	}
	h.mu.Unlock()

	if h.Release != nil {
		select {
		case <-h.Release:
		case <-ctx.Done():
		}
	}

	if h.Delay > 0 {
		timer := time.NewTimer(h.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
	}

	for _, msg := range msgs {
		if h.Panic != nil && h.Panic(msg) {
			panic("handler failure for " + msg.ID)
		}
		if h.Fail != nil {
			if err := h.Fail(msg); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *RecordingHandler) AutoComplete() bool {
	return !h.Manual
}

// Seen returns the ids of handled messages in invocation order.
func (h *RecordingHandler) Seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.seen)
}

// Sessions returns the session id of every handled message in invocation order.
func (h *RecordingHandler) Sessions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.sessions)
}

// Active is the number of invocations currently running.
func (h *RecordingHandler) Active() int {
	return int(h.active.Load())
}

// Peak is the highest number of invocations seen running at once.
func (h *RecordingHandler) Peak() int {
	return int(h.peak.Load())
}
