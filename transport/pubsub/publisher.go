package pubsub

import (
	"context"
	"errors"
	"maps"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	gopubsub "gocloud.dev/pubsub"
)

const defaultPublisherShutdownTimeout = 30 * time.Second

var ErrPublisherClosed = errors.New("publisher is not open")

// Publisher sends messages to a Go CDK topic, carrying the caller's trace context in the metadata.
type Publisher struct {
	url   string
	topic atomic.Pointer[gopubsub.Topic]
}

// OpenPublisher opens the topic at topicURL.
func OpenPublisher(ctx context.Context, topicURL string) (*Publisher, error) {
	topic, err := gopubsub.OpenTopic(ctx, topicURL)
	if err != nil {
		return nil, err
	}

	p := &Publisher{url: topicURL}
	p.topic.Store(topic)
	return p, nil
}

func (p *Publisher) Publish(ctx context.Context, body []byte, headers ...map[string]string) error {
	topic := p.topic.Load()
	if topic == nil {
		return ErrPublisherClosed
	}

	metadata := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, metadata)
	for _, h := range headers {
		maps.Copy(metadata, h)
	}

	return topic.Send(ctx, &gopubsub.Message{
		Body:     body,
		Metadata: metadata,
	})
}

func (p *Publisher) Close(ctx context.Context) error {
	topic := p.topic.Swap(nil)
	if topic == nil {
		return nil
	}

	// mem:// topics are process wide and shared by URL, shutting one down breaks later users of the same URL.
	if strings.HasPrefix(strings.ToLower(p.url), "mem://") {
		return nil
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultPublisherShutdownTimeout)
	defer cancel()

	err := topic.Shutdown(sctx)
	if err != nil && !isShutdown(err) {
		return err
	}
	return nil
}

func isShutdown(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "has been shutdown")
}
