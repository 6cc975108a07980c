package engine

import (
	"context"

	"github.com/pitabwire/util"

	"github.com/pitabwire/relay/transport"
)

// ErrorPolicy decides what happens to messages whose processing failed.
// It returns true when the failure is handled; an unhandled failure stops the receive loop.
type ErrorPolicy func(ctx context.Context, settler transport.Settler, msgs []*transport.Message, cause error) bool

// AbandonOnError logs the failure and abandons every message so the broker redelivers it.
func AbandonOnError(ctx context.Context, settler transport.Settler, msgs []*transport.Message, cause error) bool {
	util.Log(ctx).WithError(cause).
		WithField("batch_size", len(msgs)).
		Warn("message processing failed, abandoning")

	for _, msg := range msgs {
		if err := settler.Abandon(ctx, msg, nil); err != nil {
			util.Log(ctx).WithError(err).
				WithField("message_id", msg.ID).
				Warn("could not abandon message")
		}
	}
	return true
}

// DeadLetterOnError moves every failed message to the dead-letter queue.
func DeadLetterOnError(reason string) ErrorPolicy {
	return func(ctx context.Context, settler transport.Settler, msgs []*transport.Message, cause error) bool {
		util.Log(ctx).WithError(cause).
			WithField("batch_size", len(msgs)).
			WithField("reason", reason).
			Warn("message processing failed, dead-lettering")

		for _, msg := range msgs {
			deadLetter(ctx, settler, msg, reason, cause)
		}
		return true
	}
}

// DeadLetterAfter abandons failed messages until they have been delivered maxDeliveries times and dead-letters them after that.
func DeadLetterAfter(maxDeliveries int, reason string) ErrorPolicy {
	return func(ctx context.Context, settler transport.Settler, msgs []*transport.Message, cause error) bool {
		for _, msg := range msgs {
			log := util.Log(ctx).WithError(cause).
				WithField("message_id", msg.ID).
				WithField("delivery_count", msg.DeliveryCount)

			if msg.DeliveryCount >= maxDeliveries {
				log.Warn("message processing failed on its last delivery, dead-lettering")
				deadLetter(ctx, settler, msg, reason, cause)
				continue
			}

			log.Debug("message processing failed, abandoning for redelivery")
			if err := settler.Abandon(ctx, msg, nil); err != nil {
				util.Log(ctx).WithError(err).WithField("message_id", msg.ID).Warn("could not abandon message")
			}
		}
		return true
	}
}

// FailFast leaves the messages to lease expiry and reports the failure as unhandled.
func FailFast(ctx context.Context, _ transport.Settler, msgs []*transport.Message, cause error) bool {
	util.Log(ctx).WithError(cause).
		WithField("batch_size", len(msgs)).
		Error("message processing failed, stopping receive loop")
	return false
}

func deadLetter(ctx context.Context, settler transport.Settler, msg *transport.Message, reason string, cause error) {
	opts := transport.DeadLetterOptions{Reason: reason}
	if cause != nil {
		opts.Description = cause.Error()
	}

	err := settler.DeadLetter(ctx, msg, opts)
	if err == nil {
		return
	}

	util.Log(ctx).WithError(err).WithField("message_id", msg.ID).Warn("could not dead-letter message, abandoning")
	if err = settler.Abandon(ctx, msg, nil); err != nil {
		util.Log(ctx).WithError(err).WithField("message_id", msg.ID).Warn("could not abandon message")
	}
}
