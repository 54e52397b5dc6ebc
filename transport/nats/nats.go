// Package nats provides NATS transports for corrflow: core NATS, and
// JetStream for durable, ordered delivery.
package nats

import (
	"context"
	"net/url"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/corrflow/transport"
)

// TransportName is the name used to register the core NATS transport.
const TransportName = "nats"

// JetStreamTransportName is the name used to register the JetStream transport.
const JetStreamTransportName = "nats-jetstream"

// DefaultDurablePrefix names JetStream consumers when no client name is set.
const DefaultDurablePrefix = "corrflow"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers both NATS transports with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
	transport.RegisterWithCapabilities(JetStreamTransportName, BuildJetStream, transport.NATSJetStreamCapabilities)
}

// Build creates a core NATS transport. Subjects are plain core NATS subjects
// named after the topic; nothing is persisted.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return build(cfg, logger, TransportName, nats.JetStreamConfig{Disabled: true})
}

// BuildJetStream creates a JetStream transport. Streams are provisioned per
// topic and every subscriber gets a durable consumer that acks explicitly and
// starts from the first stored message.
func BuildJetStream(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return build(cfg, logger, JetStreamTransportName, JetStreamConfig(cfg))
}

// JetStreamConfig derives the JetStream settings from cfg.
func JetStreamConfig(cfg transport.Config) nats.JetStreamConfig {
	prefix := cfg.GetNATSClientName()
	if prefix == "" {
		prefix = DefaultDurablePrefix
	}
	return nats.JetStreamConfig{
		AutoProvision: true,
		TrackMsgId:    true,
		DurablePrefix: prefix,
		SubscribeOptions: []nc.SubOpt{
			nc.DeliverAll(),
			nc.AckExplicit(),
		},
	}
}

func build(cfg transport.Config, logger watermill.LoggerAdapter, name string, jetStream nats.JetStreamConfig) (transport.Transport, error) {
	natsURL := cfg.GetNATSURL()
	marshaler := &nats.NATSMarshaler{}
	options := ConnectionOptions(cfg)

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:         natsURL,
			NatsOptions: options,
			Marshaler:   marshaler,
			JetStream:   jetStream,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:         natsURL,
			NatsOptions: options,
			Unmarshaler: marshaler,
			JetStream:   jetStream,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	logger.Info("Created NATS transport", watermill.LogFields{
		"transport":   name,
		"url":         redactedURL(natsURL),
		"client_name": cfg.GetNATSClientName(),
	})

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// ConnectionOptions translates the connection settings into nats.go options.
// Zero values keep the client defaults; a negative MaxReconnects means
// reconnect forever.
func ConnectionOptions(cfg transport.Config) []nc.Option {
	var opts []nc.Option
	if name := cfg.GetNATSClientName(); name != "" {
		opts = append(opts, nc.Name(name))
	}
	if n := cfg.GetNATSMaxReconnects(); n != 0 {
		opts = append(opts, nc.MaxReconnects(n))
	}
	if wait := cfg.GetNATSReconnectWait(); wait > 0 {
		opts = append(opts, nc.ReconnectWait(wait))
	}
	return opts
}

func redactedURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
