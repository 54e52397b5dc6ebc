// Package transporttest provides in-memory doubles for exercising transport
// builders and publishers without a broker.
package transporttest

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Config is a field-backed implementation of transport.Config.
type Config struct {
	PubSubSystem           string
	KafkaBrokers           []string
	KafkaClientID          string
	KafkaConsumerGroup     string
	KafkaTopicPartitions   int32
	KafkaReplicationFactor int16
	RabbitMQURL            string
	NATSURL                string
	NATSClientName         string
	NATSMaxReconnects      int
	NATSReconnectWait      time.Duration
	HTTPServerAddress      string
	HTTPPublisherURL       string
	AWSRegion              string
	AWSAccountID           string
	AWSAccessKeyID         string
	AWSSecretAccessKey     string
	AWSEndpoint            string
	SQLiteFile             string
	PostgresURL            string
	JournalFile            string
}

func (c *Config) GetPubSubSystem() string             { return c.PubSubSystem }
func (c *Config) GetKafkaBrokers() []string           { return c.KafkaBrokers }
func (c *Config) GetKafkaClientID() string            { return c.KafkaClientID }
func (c *Config) GetKafkaConsumerGroup() string       { return c.KafkaConsumerGroup }
func (c *Config) GetKafkaTopicPartitions() int32      { return c.KafkaTopicPartitions }
func (c *Config) GetKafkaReplicationFactor() int16    { return c.KafkaReplicationFactor }
func (c *Config) GetRabbitMQURL() string              { return c.RabbitMQURL }
func (c *Config) GetNATSURL() string                  { return c.NATSURL }
func (c *Config) GetNATSClientName() string           { return c.NATSClientName }
func (c *Config) GetNATSMaxReconnects() int           { return c.NATSMaxReconnects }
func (c *Config) GetNATSReconnectWait() time.Duration { return c.NATSReconnectWait }
func (c *Config) GetHTTPServerAddress() string        { return c.HTTPServerAddress }
func (c *Config) GetHTTPPublisherURL() string         { return c.HTTPPublisherURL }
func (c *Config) GetAWSRegion() string                { return c.AWSRegion }
func (c *Config) GetAWSAccountID() string             { return c.AWSAccountID }
func (c *Config) GetAWSAccessKeyID() string           { return c.AWSAccessKeyID }
func (c *Config) GetAWSSecretAccessKey() string       { return c.AWSSecretAccessKey }
func (c *Config) GetAWSEndpoint() string              { return c.AWSEndpoint }
func (c *Config) GetSQLiteFile() string               { return c.SQLiteFile }
func (c *Config) GetPostgresURL() string              { return c.PostgresURL }
func (c *Config) GetJournalFile() string              { return c.JournalFile }

// Published is one message captured by Publisher.
type Published struct {
	Topic   string
	Message *message.Message
}

// Publisher records published messages. Err, when set, is returned by every
// Publish call; FailTimes makes only the first n calls fail.
type Publisher struct {
	mu        sync.Mutex
	Err       error
	FailTimes int
	calls     int
	published []Published
	closed    bool
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.Err != nil && (p.FailTimes == 0 || p.calls <= p.FailTimes) {
		return p.Err
	}
	for _, msg := range messages {
		p.published = append(p.published, Published{Topic: topic, Message: msg})
	}
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Messages returns a snapshot of everything published so far.
func (p *Publisher) Messages() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Published, len(p.published))
	copy(out, p.published)
	return out
}

// Calls returns how many times Publish was invoked.
func (p *Publisher) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Closed reports whether Close was called.
func (p *Publisher) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Subscriber hands out closed channels and records subscribed and
// initialised topics.
type Subscriber struct {
	mu          sync.Mutex
	Err         error
	topics      []string
	initialized []string
	closed      bool
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	s.topics = append(s.topics, topic)
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

// SubscribeInitialize implements message.SubscribeInitializer.
func (s *Subscriber) SubscribeInitialize(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = append(s.initialized, topic)
	return nil
}

func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Topics returns the topics passed to Subscribe.
func (s *Subscriber) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.topics...)
}

// Initialized returns the topics passed to SubscribeInitialize.
func (s *Subscriber) Initialized() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.initialized...)
}

// Closed reports whether Close was called.
func (s *Subscriber) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
