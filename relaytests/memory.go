// Package relaytests provides an in-memory transport and helpers for exercising listeners in tests.
package relaytests

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/pitabwire/relay/transport"
)

// Call records one settlement or renewal made against a MemoryTransport.
type Call struct {
	Op         string
	MessageID  string
	SessionID  string
	Reason     string
	Properties map[string]any
}

const (
	OpComplete   = "complete"
	OpAbandon    = "abandon"
	OpDeadLetter = "dead_letter"
	OpRenew      = "renew"
)

// MemoryOption configures a MemoryTransport.
type MemoryOption func(t *MemoryTransport)

// WithSessions lets the transport hand out sessions.
func WithSessions() MemoryOption {
	return func(t *MemoryTransport) {
		t.sessionsSupported = true
	}
}

// WithRedelivery puts abandoned messages back on the queue.
func WithRedelivery() MemoryOption {
	return func(t *MemoryTransport) {
		t.redeliver = true
	}
}

// WithLockDuration sets how long a received message stays locked.
func WithLockDuration(d time.Duration) MemoryOption {
	return func(t *MemoryTransport) {
		t.lockDuration = d
	}
}

// WithRenewError makes RenewLock return the result of fn.
func WithRenewError(fn func(msg *transport.Message) error) MemoryOption {
	return func(t *MemoryTransport) {
		t.renewErr = fn
	}
}

// WithCompleteError makes Complete return the result of fn.
func WithCompleteError(fn func(msg *transport.Message) error) MemoryOption {
	return func(t *MemoryTransport) {
		t.completeErr = fn
	}
}

// WithReceiveError makes Receive return the result of fn before looking at the queue.
func WithReceiveError(fn func() error) MemoryOption {
	return func(t *MemoryTransport) {
		t.receiveErr = fn
	}
}

// WithEndpoint sets the endpoint reported by the transport.
func WithEndpoint(endpoint string) MemoryOption {
	return func(t *MemoryTransport) {
		t.endpoint = endpoint
	}
}

// MemoryTransport is a transport.Client keeping its queue and every settlement in memory.
type MemoryTransport struct {
	mu     sync.Mutex
	signal chan struct{}

	queue          []*transport.Message
	sessions       map[string][]*transport.Message
	sessionOrder   []string
	lockedSessions map[string]bool
	inFlight       map[string]*transport.Message

	calls      []Call
	closeCalls int
	closed     bool

	sessionsSupported bool
	redeliver         bool
	lockDuration      time.Duration
	endpoint          string

	renewErr    func(msg *transport.Message) error
	completeErr func(msg *transport.Message) error
	receiveErr  func() error
}

var _ transport.Client = (*MemoryTransport)(nil)

func NewMemoryTransport(opts ...MemoryOption) *MemoryTransport {
	t := &MemoryTransport{
		signal:         make(chan struct{}),
		sessions:       map[string][]*transport.Message{},
		lockedSessions: map[string]bool{},
		inFlight:       map[string]*transport.Message{},
		lockDuration:   time.Minute,
		endpoint:       "mem://relaytests",
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Connector returns a connector that hands out this transport.
func (t *MemoryTransport) Connector() transport.Connector {
	return transport.ConnectorFunc(func(context.Context) (transport.Client, error) {
		return t, nil
	})
}

// Send enqueues messages. Messages with a session id are queued on that session.
func (t *MemoryTransport) Send(msgs ...*transport.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, msg := range msgs {
		if msg.ID == "" {
			msg.ID = xid.New().String()
		}
		if msg.EnqueuedAt.IsZero() {
			msg.EnqueuedAt = time.Now()
		}

		if msg.SessionID == "" {
			t.queue = append(t.queue, msg)
			continue
		}

		if _, ok := t.sessions[msg.SessionID]; !ok {
			t.sessionOrder = append(t.sessionOrder, msg.SessionID)
		}
		t.sessions[msg.SessionID] = append(t.sessions[msg.SessionID], msg)
	}
	t.broadcast()
}

// SendBodies enqueues one plain message per body, with ids m1, m2, ...
func (t *MemoryTransport) SendBodies(bodies ...string) {
	msgs := make([]*transport.Message, 0, len(bodies))
	for i, body := range bodies {
		msgs = append(msgs, &transport.Message{ID: fmt.Sprintf("m%d", i+1), Body: []byte(body)})
	}
	t.Send(msgs...)
}

func (t *MemoryTransport) broadcast() {
	close(t.signal)
	t.signal = make(chan struct{})
}

func (t *MemoryTransport) Receive(ctx context.Context, maxMessages int, serverTimeout time.Duration) ([]*transport.Message, error) {
	return t.receiveFrom(ctx, "", maxMessages, serverTimeout)
}

func (t *MemoryTransport) receiveFrom(
	ctx context.Context,
	sessionID string,
	maxMessages int,
	serverTimeout time.Duration,
) ([]*transport.Message, error) {
	if t.receiveErr != nil {
		if err := t.receiveErr(); err != nil {
			return nil, err
		}
	}

	deadline := time.NewTimer(serverTimeout)
	defer deadline.Stop()

	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, transport.Permanent("receive", transport.ErrClosed)
		}

		var msgs []*transport.Message
		if sessionID == "" {
			msgs = t.take(&t.queue, maxMessages)
		} else {
			pending := t.sessions[sessionID]
			msgs = t.take(&pending, maxMessages)
			t.sessions[sessionID] = pending
		}
		wait := t.signal
		t.mu.Unlock()

		if len(msgs) > 0 || sessionID != "" {
			return msgs, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-wait:
		}
	}
}

// take must be called with mu held.
func (t *MemoryTransport) take(queue *[]*transport.Message, maxMessages int) []*transport.Message {
	n := min(max(maxMessages, 1), len(*queue))
	if n == 0 {
		return nil
	}

	msgs := slices.Clone((*queue)[:n])
	*queue = (*queue)[n:]

	for _, msg := range msgs {
		msg.LockToken = xid.New().String()
		msg.DeliveryCount++
		msg.LockedUntil = time.Now().Add(t.lockDuration)
		t.inFlight[msg.LockToken] = msg
	}
	return msgs
}

func (t *MemoryTransport) settle(msg *transport.Message, call Call) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.inFlight[msg.LockToken]; !ok {
		return transport.Permanent(call.Op, transport.ErrMessageDisposed)
	}
	delete(t.inFlight, msg.LockToken)

	call.MessageID = msg.ID
	call.SessionID = msg.SessionID
	t.calls = append(t.calls, call)
	return nil
}

func (t *MemoryTransport) Complete(_ context.Context, msg *transport.Message) error {
	if t.completeErr != nil {
		if err := t.completeErr(msg); err != nil {
			return err
		}
	}
	return t.settle(msg, Call{Op: OpComplete})
}

func (t *MemoryTransport) Abandon(_ context.Context, msg *transport.Message, properties map[string]any) error {
	if err := t.settle(msg, Call{Op: OpAbandon, Properties: properties}); err != nil {
		return err
	}

	if t.redeliver {
		msg.LockToken = ""
		t.Send(msg)
	}
	return nil
}

func (t *MemoryTransport) DeadLetter(_ context.Context, msg *transport.Message, opts transport.DeadLetterOptions) error {
	return t.settle(msg, Call{Op: OpDeadLetter, Reason: opts.Reason, Properties: opts.Properties})
}

func (t *MemoryTransport) RenewLock(_ context.Context, msg *transport.Message) (time.Time, error) {
	t.mu.Lock()
	t.calls = append(t.calls, Call{Op: OpRenew, MessageID: msg.ID, SessionID: msg.SessionID})
	t.mu.Unlock()

	if t.renewErr != nil {
		if err := t.renewErr(msg); err != nil {
			return time.Time{}, err
		}
	}

	msg.LockedUntil = time.Now().Add(t.lockDuration)
	return msg.LockedUntil, nil
}

func (t *MemoryTransport) AcceptSession(ctx context.Context, serverTimeout time.Duration) (transport.Session, error) {
	if !t.sessionsSupported {
		return nil, transport.Permanent("accept session", transport.ErrSessionsNotSupported)
	}

	deadline := time.NewTimer(serverTimeout)
	defer deadline.Stop()

	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return nil, transport.Permanent("accept session", transport.ErrClosed)
		}

		for _, id := range t.sessionOrder {
			if !t.lockedSessions[id] && len(t.sessions[id]) > 0 {
				t.lockedSessions[id] = true
				t.mu.Unlock()
				return &memorySession{id: id, owner: t}, nil
			}
		}
		wait := t.signal
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, transport.Retryable("accept session", transport.ErrTimeout)
		case <-wait:
		}
	}
}

func (t *MemoryTransport) Endpoint() string {
	return t.endpoint
}

func (t *MemoryTransport) Close(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closeCalls++
	if !t.closed {
		t.closed = true
		t.broadcast()
	}
	return nil
}

// Calls returns every settlement and renewal recorded so far.
func (t *MemoryTransport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.calls)
}

// IDs returns the ids of messages that saw op, in call order.
func (t *MemoryTransport) IDs(op string) []string {
	var ids []string
	for _, c := range t.Calls() {
		if c.Op == op {
			ids = append(ids, c.MessageID)
		}
	}
	return ids
}

func (t *MemoryTransport) Completed() []string    { return t.IDs(OpComplete) }
func (t *MemoryTransport) Abandoned() []string    { return t.IDs(OpAbandon) }
func (t *MemoryTransport) DeadLettered() []string { return t.IDs(OpDeadLetter) }
func (t *MemoryTransport) Renewals() int          { return len(t.IDs(OpRenew)) }

// Settled counts completions, abandons and dead-letters.
func (t *MemoryTransport) Settled() int {
	return len(t.Completed()) + len(t.Abandoned()) + len(t.DeadLettered())
}

func (t *MemoryTransport) CloseCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls
}

// Pending is the number of messages waiting to be received.
func (t *MemoryTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.queue)
	for _, msgs := range t.sessions {
		n += len(msgs)
	}
	return n
}

type memorySession struct {
	id     string
	owner  *MemoryTransport
	closed bool
}

func (s *memorySession) ID() string {
	return s.id
}

func (s *memorySession) Receive(ctx context.Context, maxMessages int, serverTimeout time.Duration) ([]*transport.Message, error) {
	if s.closed {
		return nil, transport.Permanent("receive", transport.ErrClosed)
	}
	return s.owner.receiveFrom(ctx, s.id, maxMessages, serverTimeout)
}

func (s *memorySession) Complete(ctx context.Context, msg *transport.Message) error {
	return s.owner.Complete(ctx, msg)
}

func (s *memorySession) Abandon(ctx context.Context, msg *transport.Message, properties map[string]any) error {
	return s.owner.Abandon(ctx, msg, properties)
}

func (s *memorySession) DeadLetter(ctx context.Context, msg *transport.Message, opts transport.DeadLetterOptions) error {
	return s.owner.DeadLetter(ctx, msg, opts)
}

func (s *memorySession) RenewLock(ctx context.Context, msg *transport.Message) (time.Time, error) {
	return s.owner.RenewLock(ctx, msg)
}

func (s *memorySession) Close(context.Context) error {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()

	s.closed = true
	delete(s.owner.lockedSessions, s.id)
	s.owner.broadcast()
	return nil
}
