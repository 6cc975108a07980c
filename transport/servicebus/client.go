package servicebus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pitabwire/util"

	"github.com/pitabwire/relay/transport"
)

// Client receives from one queue or subscription. The plain receiver is created on first use,
// so a client reading only sessions never links a receiver to a session enabled entity.
type Client struct {
	opts Options
	sb   *azservicebus.Client

	mu     sync.Mutex
	plain  *messageReceiver
	closed bool
}

var _ transport.Client = (*Client)(nil)

// Connector connects to the entity described by opts each time a listener opens.
func Connector(opts Options) transport.Connector {
	return transport.ConnectorFunc(func(ctx context.Context) (transport.Client, error) {
		return Open(ctx, opts)
	})
}

// Open creates the service bus client. No network traffic happens until the first receive.
func Open(ctx context.Context, opts Options) (*Client, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	var (
		sb  *azservicebus.Client
		err error
	)

	if opts.ConnectionString != "" {
		sb, err = azservicebus.NewClientFromConnectionString(opts.ConnectionString, opts.ClientOptions)
	} else {
		cred := opts.Credential
		if cred == nil {
			cred, err = azidentity.NewDefaultAzureCredential(nil)
			if err != nil {
				return nil, fmt.Errorf("could not load azure credentials: %w", err)
			}
		}
		sb, err = azservicebus.NewClient(opts.Namespace, cred, opts.ClientOptions)
	}
	if err != nil {
		return nil, fmt.Errorf("could not create service bus client: %w", err)
	}

	util.Log(ctx).WithField("endpoint", opts.Endpoint()).Debug("service bus client created")
	return &Client{opts: opts, sb: sb}, nil
}

func (c *Client) receiver() (*messageReceiver, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, transport.Permanent("receive", transport.ErrClosed)
	}
	if c.plain != nil {
		return c.plain, nil
	}

	var (
		r   *azservicebus.Receiver
		err error
	)
	if c.opts.Queue != "" {
		r, err = c.sb.NewReceiverForQueue(c.opts.Queue, nil)
	} else {
		r, err = c.sb.NewReceiverForSubscription(c.opts.Topic, c.opts.Subscription, nil)
	}
	if err != nil {
		return nil, classify("create receiver", err)
	}

	c.plain = newMessageReceiver(r)
	return c.plain, nil
}

func (c *Client) Receive(ctx context.Context, maxMessages int, serverTimeout time.Duration) ([]*transport.Message, error) {
	r, err := c.receiver()
	if err != nil {
		return nil, err
	}
	return r.Receive(ctx, maxMessages, serverTimeout)
}

func (c *Client) Complete(ctx context.Context, msg *transport.Message) error {
	r, err := c.receiver()
	if err != nil {
		return err
	}
	return r.Complete(ctx, msg)
}

func (c *Client) Abandon(ctx context.Context, msg *transport.Message, properties map[string]any) error {
	r, err := c.receiver()
	if err != nil {
		return err
	}
	return r.Abandon(ctx, msg, properties)
}

func (c *Client) DeadLetter(ctx context.Context, msg *transport.Message, opts transport.DeadLetterOptions) error {
	r, err := c.receiver()
	if err != nil {
		return err
	}
	return r.DeadLetter(ctx, msg, opts)
}

func (c *Client) RenewLock(ctx context.Context, msg *transport.Message) (time.Time, error) {
	r, err := c.receiver()
	if err != nil {
		return time.Time{}, err
	}
	return r.RenewLock(ctx, msg)
}

// AcceptSession locks the next session with messages, waiting up to serverTimeout.
func (c *Client) AcceptSession(ctx context.Context, serverTimeout time.Duration) (transport.Session, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, transport.Permanent("accept session", transport.ErrClosed)
	}

	actx, cancel := context.WithTimeout(ctx, serverTimeout)
	defer cancel()

	var (
		sr  *azservicebus.SessionReceiver
		err error
	)
	if c.opts.Queue != "" {
		sr, err = c.sb.AcceptNextSessionForQueue(actx, c.opts.Queue, nil)
	} else {
		sr, err = c.sb.AcceptNextSessionForSubscription(actx, c.opts.Topic, c.opts.Subscription, nil)
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, transport.Retryable("accept session", transport.ErrTimeout)
		}
		return nil, classify("accept session", err)
	}

	return newSession(sr), nil
}

func (c *Client) Endpoint() string {
	return c.opts.Endpoint()
}

// Close closes the receiver and the connection. Sessions handed out must be closed by their holder.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	plain := c.plain
	c.mu.Unlock()

	var errs []error
	if plain != nil {
		if err := plain.sb.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("could not close receiver: %w", err))
		}
	}
	if err := c.sb.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("could not close client: %w", err))
	}
	return errors.Join(errs...)
}

// Session is a locked service bus session. Renewing the lock of any of its messages
// renews the session lock, which covers every message received through it.
type Session struct {
	receiver
	locks sbSessionReceiver
	id    string
}

var _ transport.Session = (*Session)(nil)

func newSession(sr sbSessionReceiver) *Session {
	return &Session{receiver: receiver{sb: sr}, locks: sr, id: sr.SessionID()}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) RenewLock(ctx context.Context, msg *transport.Message) (time.Time, error) {
	if _, err := nativeOf(msg); err != nil {
		return time.Time{}, err
	}

	if err := s.locks.RenewSessionLock(ctx, nil); err != nil {
		return time.Time{}, classify("renew session lock", err)
	}

	msg.LockedUntil = s.locks.LockedUntil()
	return msg.LockedUntil, nil
}

func (s *Session) Close(ctx context.Context) error {
	return s.sb.Close(ctx)
}
