// Package journal provides an append-only file transport for corrflow. Every
// published message becomes one JSON line; subscribers tail the file and
// receive the messages of their topic in file order. It is used to record raw
// flow captures and replay them through plans.
package journal

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/fsnotify/fsnotify"

	"github.com/drblury/corrflow/internal/runtime/jsoncodec"
	"github.com/drblury/corrflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "journal"

// DefaultFile is used when no journal file is configured.
const DefaultFile = "corrflow.journal"

// RescanInterval bounds how long a subscriber waits when no file event arrives.
var RescanInterval = time.Second

// ErrClosed is returned after Close.
var ErrClosed = errors.New("journal: closed")

func init() {
	Register()
}

// Register registers the journal transport, also under the "io" alias.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.JournalCapabilities)
	transport.RegisterWithCapabilities("io", Build, transport.JournalCapabilities)
}

// Build opens the configured journal for publishing and tailing.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	path := cfg.GetJournalFile()
	if path == "" {
		path = DefaultFile
	}
	pub, err := NewPublisher(path)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{
		Publisher:  pub,
		Subscriber: NewSubscriber(path, logger),
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.JournalCapabilities
}

type record struct {
	UUID     string            `json:"uuid"`
	Topic    string            `json:"topic"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  []byte            `json:"payload"`
}

// Publisher appends messages to the journal.
type Publisher struct {
	mu     sync.Mutex
	file   *os.File
	closed bool
}

// NewPublisher opens path for appending, creating it when missing.
func NewPublisher(path string) (*Publisher, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Publisher{file: f}, nil
}

// Publish appends one line per message with a single write.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	var buf bytes.Buffer
	for _, msg := range messages {
		line, err := jsoncodec.Marshal(record{
			UUID:     msg.UUID,
			Topic:    topic,
			Metadata: msg.Metadata,
			Payload:  msg.Payload,
		})
		if err != nil {
			return fmt.Errorf("encode %s: %w", msg.UUID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	_, err := p.file.Write(buf.Bytes())
	return err
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.file.Close()
}

// Subscriber tails the journal.
type Subscriber struct {
	path   string
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	closed  bool
	closing chan struct{}
	wg      sync.WaitGroup
}

// NewSubscriber returns a subscriber reading path from the beginning.
func NewSubscriber(path string, logger watermill.LoggerAdapter) *Subscriber {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Subscriber{
		path:    path,
		logger:  logger.With(watermill.LogFields{"journal": path}),
		closing: make(chan struct{}),
	}
}

// Subscribe delivers every message of topic in the journal, then keeps
// following appends. A nacked message is redelivered before the next one.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	f, err := os.OpenFile(s.path, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("watch journal: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		f.Close()
		watcher.Close()
		return nil, fmt.Errorf("watch journal: %w", err)
	}

	out := make(chan *message.Message)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		defer f.Close()
		defer watcher.Close()
		s.tail(ctx, topic, f, watcher, out)
	}()
	return out, nil
}

func (s *Subscriber) tail(ctx context.Context, topic string, f *os.File, watcher *fsnotify.Watcher, out chan<- *message.Message) {
	reader := bufio.NewReader(f)
	var partial []byte
	name := filepath.Clean(s.path)

	for {
		chunk, err := reader.ReadBytes('\n')
		partial = append(partial, chunk...)
		switch {
		case err == nil:
			line := partial
			partial = nil
			if !s.handleLine(ctx, topic, line, out) {
				return
			}
			continue
		case !errors.Is(err, io.EOF):
			s.logger.Error("Read failed", err, nil)
			return
		}

		// At the end of the file: wait for the next write.
		if !s.waitForWrite(ctx, watcher, name) {
			return
		}
	}
}

func (s *Subscriber) waitForWrite(ctx context.Context, watcher *fsnotify.Watcher, name string) bool {
	timer := time.NewTimer(RescanInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-s.closing:
			return false
		case <-timer.C:
			return true
		case event, ok := <-watcher.Events:
			if !ok {
				return false
			}
			if filepath.Clean(event.Name) == name && event.Has(fsnotify.Write) {
				return true
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return false
			}
			s.logger.Error("Watch failed", err, nil)
		}
	}
}

func (s *Subscriber) handleLine(ctx context.Context, topic string, line []byte, out chan<- *message.Message) bool {
	var rec record
	if err := jsoncodec.Unmarshal(bytes.TrimSpace(line), &rec); err != nil {
		s.logger.Error("Skipping unreadable journal line", err, nil)
		return true
	}
	if rec.Topic != topic {
		return true
	}

	for {
		msg := message.NewMessage(rec.UUID, rec.Payload)
		for k, v := range rec.Metadata {
			msg.Metadata.Set(k, v)
		}
		msgCtx, cancel := context.WithCancel(ctx)
		msg.SetContext(msgCtx)

		acked, ok := s.deliver(ctx, msg, out)
		cancel()
		if !ok {
			return false
		}
		if acked {
			return true
		}
		s.logger.Debug("Redelivering nacked message", watermill.LogFields{"uuid": rec.UUID})
	}
}

func (s *Subscriber) deliver(ctx context.Context, msg *message.Message, out chan<- *message.Message) (acked, ok bool) {
	select {
	case out <- msg:
	case <-ctx.Done():
		return false, false
	case <-s.closing:
		return false, false
	}
	select {
	case <-msg.Acked():
		return true, true
	case <-msg.Nacked():
		return false, true
	case <-ctx.Done():
		return false, false
	case <-s.closing:
		return false, false
	}
}

// Close stops every subscription.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.closing)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}
