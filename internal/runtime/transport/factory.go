package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/corrflow/internal/runtime/config"
	"github.com/drblury/corrflow/transport"
	channeltransport "github.com/drblury/corrflow/transport/channel"

	// Registers every built-in transport.
	_ "github.com/drblury/corrflow/transport/transports"
)

// Transport combines a publisher and subscriber pair produced by a factory.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Factory abstracts how the Service initialises message transports.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// FactoryFunc adapts a plain function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)

func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory returns the factory backed by the transport registry.
func DefaultFactory() Factory {
	return defaultFactory{}
}

type defaultFactory struct{}

func (defaultFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, fmt.Errorf("config is required")
	}

	resolved := *conf
	resolved.PubSubSystem = SystemName(conf)

	t, err := transport.Build(ctx, &resolved, logger)
	if err != nil {
		return Transport{}, err
	}

	return Transport{
		Publisher:  t.Publisher,
		Subscriber: t.Subscriber,
	}, nil
}

// SystemName returns the registry name selected by conf. An empty
// PubSubSystem selects the in-memory channel transport.
func SystemName(conf *config.Config) string {
	name := strings.ToLower(strings.TrimSpace(conf.PubSubSystem))
	if name == "" {
		return channeltransport.TransportName
	}
	return name
}

// Capabilities reports what the transport selected by conf supports.
func Capabilities(conf *config.Config) transport.Capabilities {
	return transport.GetCapabilities(SystemName(conf))
}

// InitializeTopics creates topics on subscribers that support it. Other
// subscribers are left untouched.
func InitializeTopics(sub message.Subscriber, topics []string) error {
	initializer, ok := sub.(message.SubscribeInitializer)
	if !ok {
		return nil
	}
	for _, topic := range topics {
		if err := initializer.SubscribeInitialize(topic); err != nil {
			return fmt.Errorf("initialize topic %s: %w", topic, err)
		}
	}
	return nil
}
