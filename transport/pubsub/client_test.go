package pubsub_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/xid"
	"github.com/stretchr/testify/suite"

	"github.com/pitabwire/relay"
	"github.com/pitabwire/relay/relaytests"
	"github.com/pitabwire/relay/transport"
	"github.com/pitabwire/relay/transport/pubsub"
)

type ClientTestSuite struct {
	suite.Suite
}

func TestClientTestSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}

// open returns a publisher and a client over a fresh in-memory topic.
func (s *ClientTestSuite) open() (*pubsub.Publisher, *pubsub.Client, string) {
	ctx := s.T().Context()
	topicURL := fmt.Sprintf("mem://relay-%s", xid.New().String())

	pub, err := pubsub.OpenPublisher(ctx, topicURL)
	s.Require().NoError(err)

	client, err := pubsub.Open(ctx, topicURL)
	s.Require().NoError(err)

	s.T().Cleanup(func() {
		_ = client.Close(context.Background())
		_ = pub.Close(context.Background())
	})
	return pub, client, topicURL
}

func (s *ClientTestSuite) receiveN(client *pubsub.Client, n int) []*transport.Message {
	ctx := s.T().Context()

	var msgs []*transport.Message
	deadline := time.Now().Add(5 * time.Second)
	for len(msgs) < n && time.Now().Before(deadline) {
		batch, err := client.Receive(ctx, n-len(msgs), 200*time.Millisecond)
		s.Require().NoError(err)
		msgs = append(msgs, batch...)
	}
	s.Require().Len(msgs, n)
	return msgs
}

func (s *ClientTestSuite) TestReceiveAndSettle() {
	ctx := s.T().Context()
	pub, client, _ := s.open()

	s.Require().NoError(pub.Publish(ctx, []byte("one"), map[string]string{"kind": "a"}))
	s.Require().NoError(pub.Publish(ctx, []byte("two")))

	// mempubsub does not guarantee delivery order
	byBody := map[string]*transport.Message{}
	for _, msg := range s.receiveN(client, 2) {
		byBody[string(msg.Body)] = msg
	}
	one, two := byBody["one"], byBody["two"]
	s.Require().NotNil(one)
	s.Require().NotNil(two)

	s.Equal("a", one.Metadata["kind"])
	s.NotEmpty(one.LockToken)
	s.NotEqual(one.LockToken, two.LockToken)
	s.Equal(1, one.DeliveryCount)

	s.Require().NoError(client.Complete(ctx, one))
	s.Require().ErrorIs(client.Complete(ctx, one), transport.ErrMessageDisposed)

	s.Require().NoError(client.Abandon(ctx, two, nil))
	s.Require().ErrorIs(client.Abandon(ctx, two, nil), transport.ErrMessageDisposed)

	redelivered := s.receiveN(client, 1)
	s.Equal("two", string(redelivered[0].Body))
	s.Require().NoError(client.Complete(ctx, redelivered[0]))
}

func (s *ClientTestSuite) TestReceiveTimesOutEmpty() {
	_, client, _ := s.open()

	start := time.Now()
	msgs, err := client.Receive(s.T().Context(), 10, 50*time.Millisecond)
	s.Require().NoError(err)
	s.Empty(msgs)
	s.GreaterOrEqual(time.Since(start), 40*time.Millisecond)
}

func (s *ClientTestSuite) TestUnsupportedOperations() {
	ctx := s.T().Context()
	_, client, topicURL := s.open()
	msg := &transport.Message{ID: "x", LockToken: "x"}

	_, err := client.RenewLock(ctx, msg)
	s.Require().ErrorIs(err, transport.ErrUnsupported)
	s.False(transport.IsRetryable(err))

	err = client.DeadLetter(ctx, msg, transport.DeadLetterOptions{Reason: "r"})
	s.Require().ErrorIs(err, transport.ErrUnsupported)

	_, err = client.AcceptSession(ctx, time.Second)
	s.Require().ErrorIs(err, transport.ErrSessionsNotSupported)

	s.Equal(topicURL, client.Endpoint())
}

func (s *ClientTestSuite) TestClosedClient() {
	ctx := s.T().Context()
	_, client, _ := s.open()

	s.Require().NoError(client.Close(ctx))
	s.Require().NoError(client.Close(ctx))

	_, err := client.Receive(ctx, 1, time.Second)
	s.Require().ErrorIs(err, transport.ErrClosed)
}

func (s *ClientTestSuite) TestOpenValidation() {
	_, err := pubsub.Open(s.T().Context(), " ")
	s.Require().Error(err)
}

func (s *ClientTestSuite) TestListenerOverMemoryTopic() {
	ctx := s.T().Context()
	topicURL := fmt.Sprintf("mem://relay-%s", xid.New().String())

	pub, err := pubsub.OpenPublisher(ctx, topicURL)
	s.Require().NoError(err)
	defer func() { _ = pub.Close(ctx) }()

	h := &relaytests.RecordingHandler{}
	l, err := relay.NewListener(ctx, pubsub.Connector(topicURL),
		relay.WithHandler(h),
		relay.WithConcurrency(2),
		relay.WithServerTimeout(100*time.Millisecond))
	s.Require().NoError(err)

	endpoint, err := l.Open(ctx)
	s.Require().NoError(err)
	s.Equal(topicURL, endpoint)

	for i := range 5 {
		s.Require().NoError(pub.Publish(ctx, fmt.Appendf(nil, "msg-%d", i)))
	}

	s.Require().NoError(relaytests.WaitFor(ctx, func() bool { return len(h.Seen()) == 5 }, 5*time.Second))
	s.Require().NoError(l.Close(ctx))
	s.Equal(relay.StateClosed, l.State())
}
