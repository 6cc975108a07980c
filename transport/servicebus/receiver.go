package servicebus

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	"github.com/pitabwire/relay/transport"
)

var errForeignMessage = errors.New("message was not received from service bus")

// sbReceiver is the part azservicebus.Receiver and azservicebus.SessionReceiver have in common.
type sbReceiver interface {
	ReceiveMessages(
		ctx context.Context,
		maxMessages int,
		options *azservicebus.ReceiveMessagesOptions,
	) ([]*azservicebus.ReceivedMessage, error)
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
	DeadLetterMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.DeadLetterOptions) error
	Close(ctx context.Context) error
}

// sbMessageReceiver locks each message on its own.
type sbMessageReceiver interface {
	sbReceiver
	RenewMessageLock(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.RenewMessageLockOptions) error
}

// sbSessionReceiver holds one lock for the whole session; its messages carry no lock of their own.
type sbSessionReceiver interface {
	sbReceiver
	RenewSessionLock(ctx context.Context, options *azservicebus.RenewSessionLockOptions) error
	LockedUntil() time.Time
	SessionID() string
}

var (
	_ sbMessageReceiver = (*azservicebus.Receiver)(nil)
	_ sbSessionReceiver = (*azservicebus.SessionReceiver)(nil)
)

// receiver settles messages over a peek-lock service bus receiver.
type receiver struct {
	sb sbReceiver
}

// messageReceiver implements transport.Receiver for a non session entity.
type messageReceiver struct {
	receiver
	locks sbMessageReceiver
}

func newMessageReceiver(sb sbMessageReceiver) *messageReceiver {
	return &messageReceiver{receiver: receiver{sb: sb}, locks: sb}
}

func (r *receiver) Receive(ctx context.Context, maxMessages int, serverTimeout time.Duration) ([]*transport.Message, error) {
	rctx, cancel := context.WithTimeout(ctx, serverTimeout)
	defer cancel()

	received, err := r.sb.ReceiveMessages(rctx, max(maxMessages, 1), nil)
	if err != nil && len(received) == 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, classify("receive", err)
	}

	msgs := make([]*transport.Message, 0, len(received))
	for _, m := range received {
		msgs = append(msgs, toMessage(m))
	}
	return msgs, nil
}

func (r *receiver) Complete(ctx context.Context, msg *transport.Message) error {
	native, err := nativeOf(msg)
	if err != nil {
		return err
	}
	return classify("complete", r.sb.CompleteMessage(ctx, native, nil))
}

func (r *receiver) Abandon(ctx context.Context, msg *transport.Message, properties map[string]any) error {
	native, err := nativeOf(msg)
	if err != nil {
		return err
	}

	var opts *azservicebus.AbandonMessageOptions
	if len(properties) > 0 {
		opts = &azservicebus.AbandonMessageOptions{PropertiesToModify: properties}
	}
	return classify("abandon", r.sb.AbandonMessage(ctx, native, opts))
}

func (r *receiver) DeadLetter(ctx context.Context, msg *transport.Message, options transport.DeadLetterOptions) error {
	native, err := nativeOf(msg)
	if err != nil {
		return err
	}

	opts := &azservicebus.DeadLetterOptions{PropertiesToModify: options.Properties}
	if options.Reason != "" {
		opts.Reason = &options.Reason
	}
	if options.Description != "" {
		opts.ErrorDescription = &options.Description
	}
	return classify("dead letter", r.sb.DeadLetterMessage(ctx, native, opts))
}

func (r *messageReceiver) RenewLock(ctx context.Context, msg *transport.Message) (time.Time, error) {
	native, err := nativeOf(msg)
	if err != nil {
		return time.Time{}, err
	}

	if err = r.locks.RenewMessageLock(ctx, native, nil); err != nil {
		return time.Time{}, classify("renew lock", err)
	}

	if native.LockedUntil != nil {
		msg.LockedUntil = *native.LockedUntil
	}
	return msg.LockedUntil, nil
}

func nativeOf(msg *transport.Message) (*azservicebus.ReceivedMessage, error) {
	native, ok := msg.Native.(*azservicebus.ReceivedMessage)
	if !ok || native == nil {
		return nil, transport.Permanent("settle", fmt.Errorf("%w: %s", errForeignMessage, msg.ID))
	}
	return native, nil
}

func toMessage(m *azservicebus.ReceivedMessage) *transport.Message {
	msg := &transport.Message{
		ID:            m.MessageID,
		LockToken:     hex.EncodeToString(m.LockToken[:]),
		Body:          m.Body,
		DeliveryCount: int(m.DeliveryCount),
		Native:        m,
	}

	if m.SessionID != nil {
		msg.SessionID = *m.SessionID
	}
	if m.Subject != nil {
		msg.Subject = *m.Subject
	}
	if m.EnqueuedTime != nil {
		msg.EnqueuedAt = *m.EnqueuedTime
	}
	if m.LockedUntil != nil {
		msg.LockedUntil = *m.LockedUntil
	}

	if len(m.ApplicationProperties) > 0 {
		msg.Metadata = make(map[string]string, len(m.ApplicationProperties))
		for k, v := range m.ApplicationProperties {
			msg.Metadata[k] = fmt.Sprint(v)
		}
	}
	return msg
}
