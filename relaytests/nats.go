package relaytests

import (
	"context"
	"fmt"
	"net/url"
	"testing"

	"github.com/pitabwire/util"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcNats "github.com/testcontainers/testcontainers-go/modules/nats"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	NatsImage = "nats:latest"

	NatsUser = "relay"
	NatsPass = "r3l@y"
)

// NATSSuite runs a JetStream enabled NATS server for the lifetime of a test suite.
type NATSSuite struct {
	suite.Suite

	container *tcNats.NATSContainer
	// ServerURL is the nats:// address of the server, credentials included.
	ServerURL string
}

// SetupSuite starts the server container. Suites run with -short are skipped.
func (s *NATSSuite) SetupSuite() {
	if testing.Short() {
		s.T().Skip("skipping container backed tests in short mode")
	}

	ctx := s.T().Context()
	util.Log(ctx).WithField("image", NatsImage).Info("Setting up container...")

	container, err := StartNATS(ctx)
	s.Require().NoError(err, "could not start nats")

	s.container = container
	s.ServerURL, err = NATSURL(ctx, container)
	s.Require().NoError(err, "could not resolve nats address")
}

// TearDownSuite stops the server container.
func (s *NATSSuite) TearDownSuite() {
	if s.container == nil {
		return
	}
	if err := testcontainers.TerminateContainer(s.container); err != nil {
		s.T().Logf("could not stop nats container: %v", err)
	}
}

// StartNATS runs a JetStream enabled NATS container.
func StartNATS(ctx context.Context) (*tcNats.NATSContainer, error) {
	container, err := tcNats.Run(ctx, NatsImage,
		testcontainers.WithCmdArgs("--js"),
		tcNats.WithUsername(NatsUser),
		tcNats.WithPassword(NatsPass),
		testcontainers.WithWaitStrategy(wait.ForLog("Server is ready")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start nats container: %w", err)
	}
	return container, nil
}

// NATSURL returns the address of container with its credentials set.
func NATSURL(ctx context.Context, container *tcNats.NATSContainer) (string, error) {
	address, err := container.ConnectionString(ctx)
	if err != nil {
		return "", err
	}

	u, err := url.Parse(address)
	if err != nil {
		return "", err
	}
	u.User = url.UserPassword(NatsUser, NatsPass)
	return u.String(), nil
}
