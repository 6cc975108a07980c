package servicebus

import (
	"context"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	"github.com/pitabwire/relay/transport"
)

func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var sbErr *azservicebus.Error
	if errors.As(err, &sbErr) {
		return classifyCode(op, sbErr.Code, err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return transport.Retryable(op, err)
	}
	return transport.Permanent(op, err)
}

// classifyCode maps service bus error codes onto transport error kinds.
func classifyCode(op string, code azservicebus.Code, err error) error {
	switch code {
	case azservicebus.CodeConnectionLost:
		return transport.Communication(op, err)
	case azservicebus.CodeTimeout:
		return transport.Retryable(op, fmt.Errorf("%w: %w", transport.ErrTimeout, err))
	case azservicebus.CodeLockLost:
		return transport.Permanent(op, fmt.Errorf("%w: %w", transport.ErrLockLost, err))
	default:
		return transport.Permanent(op, err)
	}
}
