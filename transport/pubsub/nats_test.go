package pubsub_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/xid"
	"github.com/stretchr/testify/suite"

	"github.com/pitabwire/relay"
	"github.com/pitabwire/relay/relaytests"
	"github.com/pitabwire/relay/transport/pubsub"
)

type NATSTestSuite struct {
	relaytests.NATSSuite
}

func TestNATSTestSuite(t *testing.T) {
	suite.Run(t, new(NATSTestSuite))
}

func (s *NATSTestSuite) subscriptionURL(name string) string {
	return fmt.Sprintf(
		"%s?consumer_ack_policy=explicit&consumer_ack_wait=10s&consumer_deliver_policy=all"+
			"&consumer_durable_name=%s&consumer_filter_subject=%s&jetstream=true&stream_name=%s"+
			"&stream_retention=workqueue&stream_storage=memory&stream_subjects=%s&subject=%s",
		s.ServerURL, name, name, name, name, name)
}

func (s *NATSTestSuite) TestListenerOverJetStream() {
	ctx := s.T().Context()
	name := "relay" + xid.New().String()

	h := &relaytests.RecordingHandler{}
	l, err := relay.NewListener(ctx, pubsub.Connector(s.subscriptionURL(name)),
		relay.WithName(name),
		relay.WithHandler(h),
		relay.WithServerTimeout(200*time.Millisecond))
	s.Require().NoError(err)

	endpoint, err := l.Open(ctx)
	s.Require().NoError(err)
	s.NotContains(endpoint, relaytests.NatsPass)

	nc, err := nats.Connect(s.ServerURL)
	s.Require().NoError(err)
	defer nc.Close()

	js, err := nc.JetStream()
	s.Require().NoError(err)

	for i := range 3 {
		_, err = js.Publish(name, fmt.Appendf(nil, "payload-%d", i))
		s.Require().NoError(err)
	}

	s.Require().NoError(relaytests.WaitFor(ctx, func() bool { return len(h.Seen()) == 3 }, 15*time.Second))
	s.Require().NoError(l.Close(ctx))

	s.Require().NoError(relaytests.WaitFor(ctx, func() bool {
		info, err := js.StreamInfo(name)
		return err == nil && info.State.Msgs == 0
	}, 5*time.Second), "acknowledged messages should leave the work queue")
}
