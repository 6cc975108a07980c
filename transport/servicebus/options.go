// Package servicebus adapts Azure Service Bus queues and subscriptions to the relay transport interfaces.
package servicebus

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"

	"github.com/pitabwire/relay/config"
)

const Scheme = "sb"

var (
	ErrNoEntity    = errors.New("a queue or a topic and subscription is required")
	ErrNoNamespace = errors.New("a connection string or a namespace is required")
)

// Options locates the entity to receive from and the credentials to use.
type Options struct {
	// ConnectionString authenticates with a shared access key. When empty, Credential or the
	// default Azure credential chain is used against Namespace.
	ConnectionString string
	// Namespace is the fully qualified namespace, for example "example.servicebus.windows.net".
	Namespace    string
	Credential   azcore.TokenCredential
	Queue        string
	Topic        string
	Subscription string

	ClientOptions *azservicebus.ClientOptions
}

func (o Options) validate() error {
	if o.ConnectionString == "" && o.Namespace == "" {
		return ErrNoNamespace
	}
	if o.Queue == "" && (o.Topic == "" || o.Subscription == "") {
		return ErrNoEntity
	}
	return nil
}

// entity is the path of the queue or subscription, used in logs and endpoints.
func (o Options) entity() string {
	if o.Queue != "" {
		return o.Queue
	}
	return o.Topic + "/subscriptions/" + o.Subscription
}

func (o Options) namespace() string {
	if o.Namespace != "" {
		return o.Namespace
	}
	return namespaceFromConnectionString(o.ConnectionString)
}

// Endpoint is "sb://<namespace>/<entity>".
func (o Options) Endpoint() string {
	return fmt.Sprintf("%s://%s/%s", Scheme, o.namespace(), o.entity())
}

// OptionsFromConfig reads the service bus settings of cfg.
func OptionsFromConfig(cfg config.ConfigurationServiceBus) (Options, error) {
	if err := cfg.ValidateServiceBus(); err != nil {
		return Options{}, err
	}

	queue, topic, subscription := cfg.ServiceBusEntity()
	return Options{
		ConnectionString: cfg.ServiceBusConnection(),
		Queue:            queue,
		Topic:            topic,
		Subscription:     subscription,
	}, nil
}

// ParseURL reads "sb://<namespace>/<queue>" or "sb://<namespace>/<topic>/subscriptions/<subscription>".
func ParseURL(raw string) (Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Options{}, err
	}
	if u.Scheme != Scheme {
		return Options{}, fmt.Errorf("unexpected scheme %q in service bus url", u.Scheme)
	}

	opts := Options{Namespace: u.Host}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		opts.Queue = parts[0]
	case len(parts) == 3 && parts[1] == "subscriptions":
		opts.Topic = parts[0]
		opts.Subscription = parts[2]
	default:
		return Options{}, fmt.Errorf("%w: %s", ErrNoEntity, u.Path)
	}

	return opts, opts.validate()
}

func namespaceFromConnectionString(connection string) string {
	for part := range strings.SplitSeq(connection, ";") {
		key, value, ok := strings.Cut(part, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "Endpoint") {
			continue
		}
		if u, err := url.Parse(strings.TrimSpace(value)); err == nil {
			return u.Host
		}
	}
	return ""
}
