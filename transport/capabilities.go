package transport

// Capabilities describes the features supported by a transport backend.
type Capabilities struct {
	// SupportsOrdering indicates the transport delivers messages of one
	// topic/partition in publish order. Plans only see raw events in arrival
	// order when this holds.
	SupportsOrdering bool

	// SupportsTracing indicates the transport propagates tracing headers natively.
	SupportsTracing bool

	// SupportsBatching indicates the transport can batch multiple messages.
	SupportsBatching bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment (redelivery).
	SupportsNack bool

	// SupportsPartitioning indicates the transport supports message partitioning.
	SupportsPartitioning bool

	// SupportsTopicInitialization indicates input topics can be created
	// before subscribing.
	SupportsTopicInitialization bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in transports.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:                        "kafka",
		SupportsOrdering:            true,
		SupportsTracing:             true,
		SupportsBatching:            true,
		SupportsAck:                 true,
		SupportsPartitioning:        true,
		SupportsTopicInitialization: true,
		MaxMessageSize:              1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:                        "rabbitmq",
		SupportsOrdering:            true,
		SupportsTracing:             true,
		SupportsAck:                 true,
		SupportsNack:                true,
		SupportsTopicInitialization: true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576,
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:             "nats-jetstream",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
		MaxMessageSize:   1048576,
	}

	AWSCapabilities = Capabilities{
		Name:                        "aws",
		SupportsOrdering:            true,
		SupportsTracing:             true,
		SupportsBatching:            true,
		SupportsAck:                 true,
		SupportsNack:                true,
		SupportsTopicInitialization: true,
		MaxMessageSize:              262144,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}

	JournalCapabilities = Capabilities{
		Name:             "journal",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	SQLiteCapabilities = Capabilities{
		Name:             "sqlite",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	PostgresCapabilities = Capabilities{
		Name:             "postgres",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}
)

// GetCapabilities returns the capabilities registered for a transport name.
// Unknown transports yield a zero Capabilities carrying only the name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
