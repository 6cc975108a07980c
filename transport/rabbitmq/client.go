// Package rabbitmq adapts a RabbitMQ queue to the relay transport interfaces. Receives use
// basic.get, push delivery uses basic.consume with a prefetch limit.
package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitabwire/util"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/xid"

	"github.com/pitabwire/relay/transport"
)

const (
	xDeathHeader         = "x-death"
	xDeliveryCountHeader = "x-delivery-count"
)

// Client reads one queue over a single channel. Unacknowledged deliveries stay locked until
// the channel closes, so leases never expire and RenewLock is a no-op.
type Client struct {
	opts Options
	conn *amqp.Connection
	ch   *amqp.Channel

	mu       sync.Mutex
	inFlight map[string]*amqp.Delivery
	closed   atomic.Bool
}

var (
	_ transport.Client    = (*Client)(nil)
	_ transport.Registrar = (*Client)(nil)
)

// Connector dials the broker each time a listener opens.
func Connector(opts Options) transport.Connector {
	return transport.ConnectorFunc(func(ctx context.Context) (transport.Client, error) {
		return Open(ctx, opts)
	})
}

// Open dials the broker, opens a channel and optionally declares the queue.
func Open(ctx context.Context, opts Options) (*Client, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(opts.URL)
	if err != nil {
		return nil, classify("dial", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, classify("open channel", err)
	}

	if opts.Declare {
		if _, err = ch.QueueDeclare(opts.Queue, true, false, false, false, nil); err != nil {
			_ = conn.Close()
			return nil, classify("declare queue", err)
		}
	}

	c := newClient(opts)
	c.conn = conn
	c.ch = ch

	go c.watch(ctx, conn.NotifyClose(make(chan *amqp.Error, 1)))
	return c, nil
}

func newClient(opts Options) *Client {
	return &Client{
		opts:     opts,
		inFlight: map[string]*amqp.Delivery{},
	}
}

// watch logs an unexpected connection loss. Later calls fail with amqp.ErrClosed.
func (c *Client) watch(ctx context.Context, notify <-chan *amqp.Error) {
	amqpErr, ok := <-notify
	if !ok || amqpErr == nil || c.closed.Load() {
		return
	}
	util.Log(ctx).WithError(amqpErr).WithField("endpoint", c.Endpoint()).Warn("rabbitmq connection lost")
}

// Receive polls the queue until a message arrives or serverTimeout elapses, then collects
// whatever else is immediately available up to maxMessages.
func (c *Client) Receive(ctx context.Context, maxMessages int, serverTimeout time.Duration) ([]*transport.Message, error) {
	if c.closed.Load() {
		return nil, transport.Permanent("receive", transport.ErrClosed)
	}

	deadline := time.Now().Add(serverTimeout)
	ticker := time.NewTicker(c.opts.pollInterval())
	defer ticker.Stop()

	var msgs []*transport.Message
	for {
		for len(msgs) < maxMessages {
			d, ok, err := c.ch.Get(c.opts.Queue, false)
			if err != nil {
				if len(msgs) > 0 {
					return msgs, nil
				}
				return nil, classify("receive", err)
			}
			if !ok {
				break
			}
			msgs = append(msgs, c.lease(&d))
		}

		if len(msgs) > 0 || !time.Now().Before(deadline) {
			return msgs, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) lease(d *amqp.Delivery) *transport.Message {
	token := xid.New().String()

	c.mu.Lock()
	c.inFlight[token] = d
	c.mu.Unlock()

	return toMessage(d, token)
}

func toMessage(d *amqp.Delivery, token string) *transport.Message {
	msg := &transport.Message{
		ID:            d.MessageId,
		LockToken:     token,
		Subject:       d.RoutingKey,
		Body:          d.Body,
		Metadata:      map[string]string{},
		DeliveryCount: deliveryCount(d),
		EnqueuedAt:    d.Timestamp,
		Native:        d,
	}
	if msg.ID == "" {
		msg.ID = token
	}
	if d.Type != "" {
		msg.Metadata["type"] = d.Type
	}
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			msg.Metadata[k] = s
		}
	}
	return msg
}

// deliveryCount prefers the quorum queue counter, then x-death history, then the redelivered flag.
func deliveryCount(d *amqp.Delivery) int {
	if n, ok := asInt(d.Headers[xDeliveryCountHeader]); ok {
		return n + 1
	}

	if deaths, ok := d.Headers[xDeathHeader].([]any); ok {
		total := 0
		for _, death := range deaths {
			if tbl, isTable := death.(amqp.Table); isTable {
				if n, isInt := asInt(tbl["count"]); isInt {
					total += n
				}
			}
		}
		if total > 0 {
			return total + 1
		}
	}

	if d.Redelivered {
		return 2
	}
	return 1
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}

func (c *Client) take(op string, msg *transport.Message) (*amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.inFlight[msg.LockToken]
	if !ok {
		return nil, transport.Permanent(op, transport.ErrMessageDisposed)
	}
	delete(c.inFlight, msg.LockToken)
	return d, nil
}

func (c *Client) Complete(_ context.Context, msg *transport.Message) error {
	d, err := c.take("complete", msg)
	if err != nil {
		return err
	}
	return classify("complete", d.Ack(false))
}

// Abandon requeues the message. AMQP cannot modify a delivered message so properties are ignored.
func (c *Client) Abandon(_ context.Context, msg *transport.Message, _ map[string]any) error {
	d, err := c.take("abandon", msg)
	if err != nil {
		return err
	}
	return classify("abandon", d.Nack(false, true))
}

// DeadLetter rejects the message without requeue, routing it to the queue's dead letter
// exchange when one is configured. The broker records the rejection in x-death.
func (c *Client) DeadLetter(ctx context.Context, msg *transport.Message, opts transport.DeadLetterOptions) error {
	d, err := c.take("dead letter", msg)
	if err != nil {
		return err
	}

	if opts.Reason != "" {
		util.Log(ctx).WithField("message_id", msg.ID).
			WithField("reason", opts.Reason).
			Debug("rejecting message to dead letter exchange")
	}
	return classify("dead letter", d.Nack(false, false))
}

// RenewLock reports whether the delivery is still held; AMQP deliveries do not expire.
func (c *Client) RenewLock(_ context.Context, msg *transport.Message) (time.Time, error) {
	c.mu.Lock()
	_, ok := c.inFlight[msg.LockToken]
	c.mu.Unlock()

	if !ok {
		return time.Time{}, transport.Permanent("renew lock", transport.ErrLockLost)
	}
	return msg.LockedUntil, nil
}

func (c *Client) AcceptSession(context.Context, time.Duration) (transport.Session, error) {
	return nil, transport.Permanent("accept session", transport.ErrSessionsNotSupported)
}

// RegisterHandler consumes the queue with a prefetch of opts.PrefetchCount, or of
// MaxConcurrentCalls when unset, and runs MaxConcurrentCalls workers over the deliveries.
func (c *Client) RegisterHandler(ctx context.Context, fn transport.MessageFunc, opts transport.HandlerOptions) error {
	if c.closed.Load() {
		return transport.Permanent("register handler", transport.ErrClosed)
	}

	workers := max(opts.MaxConcurrentCalls, 1)
	prefetch := opts.PrefetchCount
	if prefetch <= 0 {
		prefetch = workers
	}
	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		return classify("qos", err)
	}

	tag := c.opts.ConsumerTag
	if tag == "" {
		tag = "relay-" + xid.New().String()
	}
	deliveries, err := c.ch.Consume(c.opts.Queue, tag, false, false, false, false, nil)
	if err != nil {
		return classify("consume", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		fatalErr error
		lost     atomic.Bool
	)
	for range workers {
		wg.Go(func() {
			for {
				select {
				case <-runCtx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						lost.Store(true)
						cancel()
						return
					}
					msg := c.lease(&d)
					if fnErr := fn(runCtx, c, msg); fnErr != nil {
						once.Do(func() { fatalErr = fnErr })
						cancel()
						return
					}
				}
			}
		})
	}

	<-runCtx.Done()
	if !c.closed.Load() {
		if cancelErr := c.ch.Cancel(tag, false); cancelErr != nil {
			opts.NotifyError(ctx, classify("cancel consumer", cancelErr))
		}
	}
	wg.Wait()

	switch {
	case fatalErr != nil:
		return fatalErr
	case lost.Load() && ctx.Err() == nil:
		return transport.Communication("consume", fmt.Errorf("delivery channel closed: %w", amqp.ErrClosed))
	default:
		return nil
	}
}

func (c *Client) Endpoint() string {
	return c.opts.Endpoint()
}

// Close closes the channel and connection. Unacknowledged deliveries return to the queue.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.conn == nil {
		return nil
	}

	if err := c.conn.Close(); err != nil && !c.conn.IsClosed() {
		util.Log(ctx).WithError(err).WithField("endpoint", c.Endpoint()).Warn("could not close rabbitmq connection")
		return classify("close", err)
	}
	return nil
}
