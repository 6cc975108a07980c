package pubsub

import (
	"gocloud.dev/gcerrors"

	"github.com/pitabwire/relay/transport"
)

// classify maps Go CDK error codes onto transport error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	switch gcerrors.Code(err) {
	case gcerrors.Unknown, gcerrors.Internal:
		return transport.Communication(op, err)
	case gcerrors.DeadlineExceeded, gcerrors.ResourceExhausted:
		return transport.Retryable(op, err)
	case gcerrors.FailedPrecondition:
		if isShutdown(err) {
			return transport.Permanent(op, transport.ErrClosed)
		}
		return transport.Permanent(op, err)
	default:
		return transport.Permanent(op, err)
	}
}
