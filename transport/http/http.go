// Package http provides an HTTP transport for corrflow. Every topic maps to
// a path: publishing POSTs to <publisher URL>/<topic> and subscribing serves
// POST /<topic> on the configured server address.
package http

import (
	"context"
	nethttp "net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/corrflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

// ServerStarter is implemented by subscribers that serve their routes
// themselves. The server must be started after all topics are subscribed.
type ServerStarter interface {
	StartHTTPServer() error
}

func init() {
	Register()
}

// Register registers the HTTP transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Build creates a new HTTP transport. The subscriber's server is not started
// here; callers start it through ServerStarter once the router is running.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	publisherURL := cfg.GetHTTPPublisherURL()

	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(TopicURL(publisherURL, topic), msg)
			},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		cfg.GetHTTPServerAddress(),
		http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: &pathSubscriber{Subscriber: subscriber},
	}, nil
}

// TopicURL joins the publisher base URL and a topic name.
func TopicURL(base, topic string) string {
	return strings.TrimSuffix(base, "/") + topicPath(topic)
}

func topicPath(topic string) string {
	return "/" + strings.TrimPrefix(topic, "/")
}

// pathSubscriber turns topic names into route paths.
type pathSubscriber struct {
	message.Subscriber
}

func (s *pathSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return s.Subscriber.Subscribe(ctx, topicPath(topic))
}

// StartHTTPServer blocks serving subscribed routes until the subscriber is
// closed. It is a no-op for subscribers that do not run a server.
func (s *pathSubscriber) StartHTTPServer() error {
	if starter, ok := s.Subscriber.(ServerStarter); ok {
		return starter.StartHTTPServer()
	}
	return nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}
