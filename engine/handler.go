package engine

import (
	"context"

	"github.com/pitabwire/relay/transport"
)

// Handler processes one message at a time.
// When AutoComplete reports true the engine completes the message after Handle returns nil;
// otherwise the handler settles the message itself.
type Handler interface {
	Handle(ctx context.Context, msg *transport.Message, session transport.Session) error
	AutoComplete() bool
}

// BatchHandler processes every message of one receive, or of one session receive, in a single call.
type BatchHandler interface {
	HandleBatch(ctx context.Context, msgs []*transport.Message, session transport.Session) error
	AutoComplete() bool
}

// ErrorHandler lets a handler replace the listener's error policy for its own failures.
type ErrorHandler interface {
	HandleError(ctx context.Context, settler transport.Settler, msgs []*transport.Message, cause error) bool
}

// HandlerFunc adapts a function to a Handler with auto completion.
type HandlerFunc func(ctx context.Context, msg *transport.Message, session transport.Session) error

func (f HandlerFunc) Handle(ctx context.Context, msg *transport.Message, session transport.Session) error {
	return f(ctx, msg, session)
}

func (f HandlerFunc) AutoComplete() bool {
	return true
}

// BatchHandlerFunc adapts a function to a BatchHandler with auto completion.
type BatchHandlerFunc func(ctx context.Context, msgs []*transport.Message, session transport.Session) error

func (f BatchHandlerFunc) HandleBatch(ctx context.Context, msgs []*transport.Message, session transport.Session) error {
	return f(ctx, msgs, session)
}

func (f BatchHandlerFunc) AutoComplete() bool {
	return true
}

type unwrapper interface {
	unwrap() any
}

type autoCompleteHandler struct {
	Handler
	auto bool
}

func (h autoCompleteHandler) AutoComplete() bool { return h.auto }
func (h autoCompleteHandler) unwrap() any        { return h.Handler }

// WithAutoComplete overrides whether the engine completes messages h succeeded on.
func WithAutoComplete(h Handler, auto bool) Handler {
	return autoCompleteHandler{Handler: h, auto: auto}
}

type autoCompleteBatchHandler struct {
	BatchHandler
	auto bool
}

func (h autoCompleteBatchHandler) AutoComplete() bool { return h.auto }
func (h autoCompleteBatchHandler) unwrap() any        { return h.BatchHandler }

// WithBatchAutoComplete overrides whether the engine completes batches h succeeded on.
func WithBatchAutoComplete(h BatchHandler, auto bool) BatchHandler {
	return autoCompleteBatchHandler{BatchHandler: h, auto: auto}
}

func resolveErrorHandler(h any) ErrorHandler {
	for h != nil {
		if eh, ok := h.(ErrorHandler); ok {
			return eh
		}
		u, ok := h.(unwrapper)
		if !ok {
			return nil
		}
		h = u.unwrap()
	}
	return nil
}

type settlerContextKey struct{}

// ContextWithSettler stores the settler for the message being handled.
func ContextWithSettler(ctx context.Context, settler transport.Settler) context.Context {
	return context.WithValue(ctx, settlerContextKey{}, settler)
}

// SettlerFromContext returns the settler of the message being handled, for handlers that settle themselves.
func SettlerFromContext(ctx context.Context) (transport.Settler, bool) {
	settler, ok := ctx.Value(settlerContextKey{}).(transport.Settler)
	return settler, ok && settler != nil
}
