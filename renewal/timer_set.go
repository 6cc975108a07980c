package renewal

import (
	"context"
	"time"

	"github.com/pitabwire/relay/transport"
)

type noopStopper struct{}

func (noopStopper) Stop() {}

// TimerSet holds one Timer per message of a unit of work, keyed by lease.
// The zero value and a nil *TimerSet are valid empty sets.
type TimerSet struct {
	timers map[string]*Timer
}

// EmptyTimerSet returns a set that renews nothing.
func EmptyTimerSet() *TimerSet {
	return &TimerSet{}
}

// NewTimerSet starts a timer for every message. A non-positive interval disables renewal.
func NewTimerSet(
	ctx context.Context,
	renewer transport.LockRenewer,
	msgs []*transport.Message,
	interval time.Duration,
) *TimerSet {
	if interval <= 0 || renewer == nil || len(msgs) == 0 {
		return EmptyTimerSet()
	}

	set := &TimerSet{timers: make(map[string]*Timer, len(msgs))}
	for _, msg := range msgs {
		key := msg.Key()
		if _, ok := set.timers[key]; ok {
			continue
		}
		set.timers[key] = NewTimer(ctx, renewer, msg, interval)
	}
	return set
}

// For returns the timer renewing msg, or a stopper that does nothing when msg has none.
func (s *TimerSet) For(msg *transport.Message) Stopper {
	if s == nil || msg == nil {
		return noopStopper{}
	}
	if t, ok := s.timers[msg.Key()]; ok {
		return t
	}
	return noopStopper{}
}

// Stop stops every timer in the set.
func (s *TimerSet) Stop() {
	if s == nil {
		return
	}
	for _, t := range s.timers {
		t.Stop()
	}
}

func (s *TimerSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.timers)
}

// Failures sums the renewal failures of every timer in the set.
func (s *TimerSet) Failures() int64 {
	if s == nil {
		return 0
	}
	var n int64
	for _, t := range s.timers {
		n += t.Failures()
	}
	return n
}
