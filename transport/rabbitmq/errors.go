package rabbitmq

import (
	"errors"
	"net"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pitabwire/relay/transport"
)

// classify maps AMQP failures onto transport error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, amqp.ErrClosed) {
		return transport.Communication(op, err)
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		if amqpErr.Recover {
			return transport.Retryable(op, err)
		}
		if !amqpErr.Server {
			return transport.Communication(op, err)
		}
		return transport.Permanent(op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return transport.Communication(op, err)
	}
	return transport.Permanent(op, err)
}
