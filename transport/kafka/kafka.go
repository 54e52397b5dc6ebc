// Package kafka provides a Kafka transport for corrflow.
package kafka

import (
	"context"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	metadatapkg "github.com/drblury/corrflow/internal/runtime/metadata"
	"github.com/drblury/corrflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the Kafka transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a new Kafka transport. Messages carrying a partition key in
// their metadata are routed by it, so rows of one plan output stay ordered.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	marshaler := kafka.NewWithPartitioningMarshaler(partitionKey)

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             marshaler,
			OverwriteSaramaConfig: saramaConfig(kafka.DefaultSaramaSyncPublisherConfig(), cfg),
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:                brokers,
			Unmarshaler:            marshaler,
			ConsumerGroup:          cfg.GetKafkaConsumerGroup(),
			OverwriteSaramaConfig:  saramaConfig(kafka.DefaultSaramaSubscriberConfig(), cfg),
			InitializeTopicDetails: TopicDetail(cfg),
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	logger.Info("Created Kafka transport", watermill.LogFields{
		"brokers":        brokers,
		"consumer_group": cfg.GetKafkaConsumerGroup(),
		"client_id":      cfg.GetKafkaClientID(),
	})

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// TopicDetail returns the settings used when input topics are created at
// startup. Unset values default to a single partition and replica.
func TopicDetail(cfg transport.Config) *sarama.TopicDetail {
	detail := &sarama.TopicDetail{NumPartitions: 1, ReplicationFactor: 1}
	if p := cfg.GetKafkaTopicPartitions(); p > 0 {
		detail.NumPartitions = p
	}
	if rf := cfg.GetKafkaReplicationFactor(); rf > 0 {
		detail.ReplicationFactor = rf
	}
	return detail
}

func saramaConfig(base *sarama.Config, cfg transport.Config) *sarama.Config {
	if id := cfg.GetKafkaClientID(); id != "" {
		base.ClientID = id
	}
	return base
}

func partitionKey(topic string, msg *message.Message) (string, error) {
	if key := msg.Metadata.Get(metadatapkg.KeyPartition); key != "" {
		return key, nil
	}
	return msg.UUID, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
