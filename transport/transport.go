package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// LockRenewer extends the lease on a received message.
type LockRenewer interface {
	RenewLock(ctx context.Context, msg *Message) (time.Time, error)
}

// Settler ends the lease on a received message.
type Settler interface {
	LockRenewer
	Complete(ctx context.Context, msg *Message) error
	Abandon(ctx context.Context, msg *Message, properties map[string]any) error
	DeadLetter(ctx context.Context, msg *Message, opts DeadLetterOptions) error
}

// BatchCompleter is implemented by settlers able to complete many lock tokens in one call.
type BatchCompleter interface {
	CompleteBatch(ctx context.Context, msgs []*Message) error
}

// Receiver pulls leased messages. An empty result with a nil error means the server timeout elapsed.
type Receiver interface {
	Settler
	Receive(ctx context.Context, maxMessages int, serverTimeout time.Duration) ([]*Message, error)
}

// Session is an exclusively held ordered stream of messages sharing a session id.
type Session interface {
	Receiver
	ID() string
	Close(ctx context.Context) error
}

// Client is an open connection to one queue or subscription.
type Client interface {
	Receiver
	// AcceptSession waits up to serverTimeout for the next available session.
	// It returns ErrTimeout when none became available and ErrSessionsNotSupported
	// when the entity cannot be read by session.
	AcceptSession(ctx context.Context, serverTimeout time.Duration) (Session, error)
	Endpoint() string
	Close(ctx context.Context) error
}

// Connector opens a Client. Listeners call it once on open.
type Connector interface {
	Connect(ctx context.Context) (Client, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context) (Client, error)

func (f ConnectorFunc) Connect(ctx context.Context) (Client, error) {
	return f(ctx)
}

// MessageFunc is the callback a Registrar invokes for every delivered message.
type MessageFunc func(ctx context.Context, settler Settler, msg *Message) error

// HandlerOptions configures push delivery.
type HandlerOptions struct {
	MaxConcurrentCalls   int
	MaxAutoRenewDuration time.Duration
	// RenewInterval overrides the renewal period derived from the message lock expiry.
	RenewInterval time.Duration
	PrefetchCount int
	ServerTimeout time.Duration
	// OnError observes receive failures that do not stop delivery.
	OnError func(ctx context.Context, err error)
}

// NotifyError reports a non fatal delivery error to OnError when it is set.
func (o HandlerOptions) NotifyError(ctx context.Context, err error) {
	if o.OnError != nil && err != nil {
		o.OnError(ctx, err)
	}
}

// Registrar is implemented by clients that deliver messages on their own workers.
//
// RegisterHandler blocks while delivering messages to fn until ctx is done, in which case it
// returns nil, or until fn returns an error, in which case delivery stops and that error is returned.
type Registrar interface {
	RegisterHandler(ctx context.Context, fn MessageFunc, opts HandlerOptions) error
}

// CompleteBatch completes msgs natively when the settler supports it and one by one otherwise.
func CompleteBatch(ctx context.Context, settler Settler, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}

	if bc, ok := settler.(BatchCompleter); ok {
		return bc.CompleteBatch(ctx, msgs)
	}

	var errs []error
	for _, msg := range msgs {
		if err := settler.Complete(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("complete %s: %w", msg.ID, err))
		}
	}
	return errors.Join(errs...)
}
