// Package rabbitmq provides a RabbitMQ/AMQP transport for corrflow.
package rabbitmq

import (
	"context"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	metadatapkg "github.com/drblury/corrflow/internal/runtime/metadata"
	"github.com/drblury/corrflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build creates a new RabbitMQ transport. Publisher and subscriber share one
// reconnecting connection; every topic maps to a durable fanout exchange with
// a queue of the same name. Publishes wait for broker confirms so a failed row
// is reported to the egress retry loop.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()
	amqpConfig := PubSubConfig(url)

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// PubSubConfig returns the durable pub/sub config used by Build.
func PubSubConfig(url string) amqp.Config {
	cfg := amqp.NewDurablePubSubConfig(url, amqp.GenerateQueueNameTopicName)
	cfg.Marshaler = amqp.DefaultMarshaler{PostprocessPublishing: withRowProperties}
	cfg.Publish.ConfirmDelivery = true
	return cfg
}

// withRowProperties mirrors the content type and correlation id of output rows
// into the AMQP message properties.
func withRowProperties(p amqp091.Publishing) amqp091.Publishing {
	if v, ok := p.Headers[metadatapkg.KeyContentType].(string); ok {
		p.ContentType = v
	}
	if v, ok := p.Headers[metadatapkg.KeyCorrelationID].(string); ok {
		p.CorrelationId = v
	}
	if v, ok := p.Headers[metadatapkg.KeyEmittedAt].(string); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			p.Timestamp = time.UnixMilli(ms)
		}
	}
	return p
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
