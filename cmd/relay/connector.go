package main

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/pitabwire/relay/config"
	"github.com/pitabwire/relay/transport"
	"github.com/pitabwire/relay/transport/pubsub"
	"github.com/pitabwire/relay/transport/rabbitmq"
	"github.com/pitabwire/relay/transport/servicebus"
)

var ErrNoQueueURL = errors.New("RELAY_QUEUE_URL is not set")

// connectorFor picks the transport by the scheme of the configured queue url.
func connectorFor(cfg *config.ConfigurationDefault) (transport.Connector, error) {
	raw := cfg.QueueURL()
	if raw == "" {
		return nil, ErrNoQueueURL
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid queue url: %w", err)
	}

	switch u.Scheme {
	case servicebus.Scheme:
		opts, parseErr := servicebus.ParseURL(raw)
		if parseErr != nil {
			return nil, parseErr
		}
		opts.ConnectionString = cfg.ServiceBusConnection()
		return servicebus.Connector(opts), nil

	case "amqp", "amqps":
		opts, parseErr := rabbitmq.ParseURL(raw)
		if parseErr != nil {
			return nil, parseErr
		}
		return rabbitmq.Connector(opts), nil

	default:
		// mem://, nats:// and any other registered Go CDK driver.
		return pubsub.Connector(raw), nil
	}
}
