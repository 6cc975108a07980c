package transport

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout              = errors.New("operation timed out")
	ErrLockLost             = errors.New("message lock lost")
	ErrMessageDisposed      = errors.New("message already settled")
	ErrSessionsNotSupported = errors.New("sessions are not supported")
	ErrUnsupported          = errors.New("operation not supported")
	ErrClosed               = errors.New("client is closed")
)

// Kind classifies a transport failure by how a caller should react to it.
type Kind int

const (
	// KindPermanent failures will not succeed on retry.
	KindPermanent Kind = iota
	// KindCommunication failures are connectivity blips, retry immediately.
	KindCommunication
	// KindRetryable failures are transient server conditions, retry after a pause.
	KindRetryable
)

func (k Kind) String() string {
	switch k {
	case KindCommunication:
		return "communication"
	case KindRetryable:
		return "retryable"
	default:
		return "permanent"
	}
}

// Error is a classified transport failure.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Err: err}
}

func Communication(op string, err error) error {
	return newError(op, KindCommunication, err)
}

func Retryable(op string, err error) error {
	return newError(op, KindRetryable, err)
}

func Permanent(op string, err error) error {
	return newError(op, KindPermanent, err)
}

// KindOf reports the kind of the first classified error in err's chain. Unclassified errors are permanent.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindPermanent
}

func IsCommunication(err error) bool {
	return err != nil && KindOf(err) == KindCommunication
}

func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindRetryable
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
