// Package pubsub adapts Go CDK pubsub subscriptions (NATS JetStream, in-memory and any other
// registered driver) to the relay transport interfaces.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitabwire/util"
	"github.com/rs/xid"
	gopubsub "gocloud.dev/pubsub"

	_ "github.com/pitabwire/natspubsub" // required for NATS pubsub driver registration
	_ "gocloud.dev/pubsub/mempubsub"    // required for in-memory pubsub driver registration

	"github.com/pitabwire/relay/transport"
)

const (
	// batchFillTimeout is how long a receive waits for each message after the first.
	batchFillTimeout    = 5 * time.Millisecond
	closeTimeout        = 30 * time.Second
	deliveryCountHeader = "delivery_count"
)

// Client reads one Go CDK subscription. Leases are the driver's ack deadline; they cannot be renewed.
type Client struct {
	url          string
	subscription *gopubsub.Subscription

	mu       sync.Mutex
	inFlight map[string]*gopubsub.Message
	closed   atomic.Bool
}

var _ transport.Client = (*Client)(nil)

// Connector opens a subscription on subscriptionURL each time a listener opens.
func Connector(subscriptionURL string) transport.Connector {
	return transport.ConnectorFunc(func(ctx context.Context) (transport.Client, error) {
		return Open(ctx, subscriptionURL)
	})
}

// Open opens the subscription at subscriptionURL, for example
// "nats://host:4222?jetstream=true&subject=orders&consumer_durable_name=relay" or "mem://orders".
func Open(ctx context.Context, subscriptionURL string) (*Client, error) {
	if strings.TrimSpace(subscriptionURL) == "" {
		return nil, errors.New("subscription URL cannot be empty")
	}

	sub, err := gopubsub.OpenSubscription(ctx, subscriptionURL)
	if err != nil {
		return nil, fmt.Errorf("could not open topic subscription: %w", err)
	}

	return &Client{
		url:          subscriptionURL,
		subscription: sub,
		inFlight:     map[string]*gopubsub.Message{},
	}, nil
}

// Receive waits up to serverTimeout for the first message, then collects whatever else is
// immediately available up to maxMessages.
func (c *Client) Receive(ctx context.Context, maxMessages int, serverTimeout time.Duration) ([]*transport.Message, error) {
	if c.closed.Load() {
		return nil, transport.Permanent("receive", transport.ErrClosed)
	}

	first, err := c.receiveWithin(ctx, serverTimeout)
	if err != nil || first == nil {
		return nil, err
	}

	msgs := []*transport.Message{c.lease(first)}
	for len(msgs) < maxMessages {
		next, nextErr := c.receiveWithin(ctx, batchFillTimeout)
		if nextErr != nil || next == nil {
			break
		}
		msgs = append(msgs, c.lease(next))
	}
	return msgs, nil
}

// receiveWithin returns nil without error when wait elapsed with nothing to deliver.
func (c *Client) receiveWithin(ctx context.Context, wait time.Duration) (*gopubsub.Message, error) {
	rctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	msg, err := c.subscription.Receive(rctx)
	if err == nil {
		return msg, nil
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, nil
	}
	return nil, classify("receive", err)
}

func (c *Client) lease(msg *gopubsub.Message) *transport.Message {
	token := xid.New().String()

	c.mu.Lock()
	c.inFlight[token] = msg
	c.mu.Unlock()

	out := &transport.Message{
		ID:            msg.LoggableID,
		LockToken:     token,
		Body:          msg.Body,
		Metadata:      msg.Metadata,
		Subject:       msg.Metadata["subject"],
		DeliveryCount: 1,
		Native:        msg,
	}
	if out.ID == "" {
		out.ID = token
	}
	if n, err := strconv.Atoi(msg.Metadata[deliveryCountHeader]); err == nil && n > 0 {
		out.DeliveryCount = n
	}
	return out
}

func (c *Client) take(op string, msg *transport.Message) (*gopubsub.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	native, ok := c.inFlight[msg.LockToken]
	if !ok {
		return nil, transport.Permanent(op, transport.ErrMessageDisposed)
	}
	delete(c.inFlight, msg.LockToken)
	return native, nil
}

func (c *Client) Complete(_ context.Context, msg *transport.Message) error {
	native, err := c.take("complete", msg)
	if err != nil {
		return err
	}
	native.Ack()
	return nil
}

// Abandon negatively acknowledges the message so the driver redelivers it. Properties are not
// supported by Go CDK drivers and are ignored.
func (c *Client) Abandon(_ context.Context, msg *transport.Message, _ map[string]any) error {
	c.mu.Lock()
	native, ok := c.inFlight[msg.LockToken]
	c.mu.Unlock()

	if !ok {
		return transport.Permanent("abandon", transport.ErrMessageDisposed)
	}
	if !native.Nackable() {
		return transport.Permanent("abandon", transport.ErrUnsupported)
	}

	if _, err := c.take("abandon", msg); err != nil {
		return err
	}
	native.Nack()
	return nil
}

// DeadLetter is not available through Go CDK; error policies fall back to Abandon.
func (c *Client) DeadLetter(context.Context, *transport.Message, transport.DeadLetterOptions) error {
	return transport.Permanent("dead letter", transport.ErrUnsupported)
}

// RenewLock is not available through Go CDK. Configure the driver's ack deadline instead.
func (c *Client) RenewLock(context.Context, *transport.Message) (time.Time, error) {
	return time.Time{}, transport.Permanent("renew lock", transport.ErrUnsupported)
}

func (c *Client) AcceptSession(context.Context, time.Duration) (transport.Session, error) {
	return nil, transport.Permanent("accept session", transport.ErrSessionsNotSupported)
}

// Endpoint is the subscription URL with any password redacted.
func (c *Client) Endpoint() string {
	u, err := url.Parse(c.url)
	if err != nil {
		return c.url
	}
	return u.Redacted()
}

func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()

	if err := c.subscription.Shutdown(sctx); err != nil {
		util.Log(ctx).WithError(err).WithField("url", c.Endpoint()).Warn("could not shut down subscription")
		return err
	}
	return nil
}

// As exposes the driver's subscription type, see gocloud.dev/pubsub.Subscription.As.
func (c *Client) As(i any) bool {
	return c.subscription.As(i)
}
