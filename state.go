package relay

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
)

// ErrInvalidState is returned when a lifecycle call is not allowed from the listener's current state.
var ErrInvalidState = errors.New("invalid listener state")

// State is where a listener is in its lifecycle. States only ever move forward.
type State int32

const (
	StateCreated State = iota
	StateOpening
	StateListening
	StateClosing
	StateClosed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOpening:
		return "opening"
	case StateListening:
		return "listening"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateAborted
}

type lifecycle struct {
	v atomic.Int32
}

func (l *lifecycle) Load() State {
	return State(l.v.Load())
}

// transition moves to next if the current state is one of from.
func (l *lifecycle) transition(next State, from ...State) error {
	for {
		current := l.Load()
		if !slices.Contains(from, current) {
			return fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidState, current, next)
		}
		if l.v.CompareAndSwap(int32(current), int32(next)) {
			return nil
		}
	}
}

// abort moves any non terminal state to aborted and reports the state it left.
func (l *lifecycle) abort() (State, bool) {
	for {
		current := l.Load()
		if current.Terminal() {
			return current, false
		}
		if l.v.CompareAndSwap(int32(current), int32(StateAborted)) {
			return current, true
		}
	}
}
