package cep

import (
	"fmt"
	"sync"
)

// DefaultBufferSize is the queue depth of async streams.
const DefaultBufferSize = 1024

// ErrorHandler observes evaluation failures inside a runtime. Failed events
// are dropped; the runtime keeps processing.
type ErrorHandler func(runtime, stream string, err error)

// Option configures a Manager.
type Option func(*Manager)

// WithBufferSize sets the queue depth used for async streams.
func WithBufferSize(size int) Option {
	return func(m *Manager) {
		if size > 0 {
			m.bufferSize = size
		}
	}
}

// WithErrorHandler installs a handler for evaluation errors.
func WithErrorHandler(handler ErrorHandler) Option {
	return func(m *Manager) {
		m.onError = handler
	}
}

// Manager compiles execution plans into independent runtimes and tracks the
// ones that have not been shut down yet. It is safe for concurrent use.
type Manager struct {
	bufferSize int
	onError    ErrorHandler

	mu       sync.Mutex
	seq      uint64
	closed   bool
	runtimes map[string]*Runtime
}

// NewManager creates an empty Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		bufferSize: DefaultBufferSize,
		runtimes:   make(map[string]*Runtime),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateRuntime compiles plan into a new, unstarted Runtime. Compilation does
// not hold the manager lock, so plans compile concurrently.
func (m *Manager) CreateRuntime(plan string) (*Runtime, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	m.seq++
	name := fmt.Sprintf("runtime-%d", m.seq)
	m.mu.Unlock()

	var onError func(stream string, err error)
	if m.onError != nil {
		onError = func(stream string, err error) { m.onError(name, stream, err) }
	}
	r, err := compile(name, plan, m.bufferSize, onError)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	r.release = func() { m.forget(name) }
	m.runtimes[name] = r
	return r, nil
}

func (m *Manager) forget(name string) {
	m.mu.Lock()
	delete(m.runtimes, name)
	m.mu.Unlock()
}

// RuntimeCount returns how many runtimes are alive.
func (m *Manager) RuntimeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runtimes)
}

// Shutdown stops every remaining runtime and rejects further compilation.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	remaining := make([]*Runtime, 0, len(m.runtimes))
	for _, r := range m.runtimes {
		remaining = append(remaining, r)
	}
	m.mu.Unlock()

	for _, r := range remaining {
		r.Shutdown()
	}
}
