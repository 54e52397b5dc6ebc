package cep

import (
	"fmt"
	"sync"
	"time"
)

type runtimeState int

const (
	stateCreated runtimeState = iota
	stateRunning
	stateStopped
)

type junction struct {
	def       StreamDefinition
	receivers []*query

	cbMu      sync.RWMutex
	callbacks []StreamCallback

	queueMu sync.RWMutex
	queue   chan Event
	closed  bool
	done    chan struct{}
}

func (j *junction) publish(ev Event) {
	if j.def.Async {
		j.queueMu.RLock()
		defer j.queueMu.RUnlock()
		if j.closed || j.queue == nil {
			return
		}
		j.queue <- ev
		return
	}
	j.deliver(ev)
}

func (j *junction) deliver(ev Event) {
	for _, q := range j.receivers {
		q.process(ev)
	}
	j.cbMu.RLock()
	callbacks := j.callbacks
	j.cbMu.RUnlock()
	if len(callbacks) == 0 {
		return
	}
	batch := []Event{ev}
	for _, cb := range callbacks {
		cb.Receive(batch)
	}
}

func (j *junction) run() {
	defer close(j.done)
	for ev := range j.queue {
		j.deliver(ev)
	}
}

func (j *junction) close() {
	j.queueMu.Lock()
	if j.closed {
		j.queueMu.Unlock()
		return
	}
	j.closed = true
	started := j.queue != nil
	if started {
		close(j.queue)
	}
	j.queueMu.Unlock()
	if started {
		<-j.done
	}
}

func (j *junction) coerce(data []any) error {
	for i, attr := range j.def.Attributes {
		v, err := attr.Type.Coerce(data[i])
		if err != nil {
			return fmt.Errorf("stream %q attribute %q: %w", j.def.ID, attr.Name, err)
		}
		data[i] = v
	}
	return nil
}

// Runtime is one compiled execution plan. It owns its streams, queries and
// callbacks and is independent of every other runtime created by the same
// Manager.
type Runtime struct {
	name       string
	bufferSize int
	junctions  map[string]*junction
	order      []*junction
	asyncOrder []*junction
	queries    []*query
	release    func()

	mu    sync.RWMutex
	state runtimeState
}

func newRuntime(name string, bufferSize int) *Runtime {
	return &Runtime{
		name:       name,
		bufferSize: bufferSize,
		junctions:  make(map[string]*junction),
	}
}

func (r *Runtime) addJunction(def StreamDefinition) *junction {
	j := &junction{def: def}
	r.junctions[def.ID] = j
	r.order = append(r.order, j)
	return j
}

// Name returns the identifier assigned by the Manager.
func (r *Runtime) Name() string { return r.name }

// StreamDefinition returns the definition of a declared or inferred stream.
func (r *Runtime) StreamDefinition(id string) (StreamDefinition, bool) {
	j, ok := r.junctions[id]
	if !ok {
		return StreamDefinition{}, false
	}
	def := j.def
	def.Attributes = j.def.AttributeList()
	return def, true
}

// StreamDefinitions lists every stream in definition order.
func (r *Runtime) StreamDefinitions() []StreamDefinition {
	defs := make([]StreamDefinition, 0, len(r.order))
	for _, j := range r.order {
		def, _ := r.StreamDefinition(j.def.ID)
		defs = append(defs, def)
	}
	return defs
}

// AddCallback subscribes cb to every event emitted on streamID.
func (r *Runtime) AddCallback(streamID string, cb StreamCallback) error {
	if cb == nil {
		return fmt.Errorf("cep: callback for stream %q is nil", streamID)
	}
	j, ok := r.junctions[streamID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStream, streamID)
	}
	r.mu.RLock()
	stopped := r.state == stateStopped
	r.mu.RUnlock()
	if stopped {
		return ErrNotRunning
	}
	j.cbMu.Lock()
	j.callbacks = append(append([]StreamCallback(nil), j.callbacks...), cb)
	j.cbMu.Unlock()
	return nil
}

// InputHandler returns the handle used to push events into streamID.
func (r *Runtime) InputHandler(streamID string) (*InputHandler, error) {
	j, ok := r.junctions[streamID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStream, streamID)
	}
	return &InputHandler{runtime: r, junction: j}, nil
}

// Start begins evaluation. Async streams get their worker goroutines here.
func (r *Runtime) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case stateRunning:
		return ErrAlreadyStarted
	case stateStopped:
		return ErrNotRunning
	}
	for _, j := range r.asyncOrder {
		j.queue = make(chan Event, r.bufferSize)
		j.done = make(chan struct{})
		go j.run()
	}
	r.state = stateRunning
	return nil
}

// Running reports whether the runtime accepts events.
func (r *Runtime) Running() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state == stateRunning
}

// Shutdown stops accepting events, drains queued events through the plan and
// drops every callback. It is safe to call more than once and on a runtime
// that was never started.
func (r *Runtime) Shutdown() {
	r.mu.Lock()
	if r.state == stateStopped {
		r.mu.Unlock()
		return
	}
	r.state = stateStopped
	r.mu.Unlock()

	for _, j := range r.asyncOrder {
		j.close()
	}
	for _, j := range r.order {
		j.cbMu.Lock()
		j.callbacks = nil
		j.cbMu.Unlock()
	}
	if r.release != nil {
		r.release()
	}
}

// InputHandler pushes events into one stream of a running Runtime.
type InputHandler struct {
	runtime  *Runtime
	junction *junction
}

// StreamID returns the stream this handler feeds.
func (h *InputHandler) StreamID() string { return h.junction.def.ID }

// Send coerces data to the stream schema and injects it as one event.
func (h *InputHandler) Send(data ...any) error {
	return h.SendEvent(Event{Timestamp: time.Now().UnixMilli(), Data: data})
}

// SendEvent injects ev, preserving its timestamp.
func (h *InputHandler) SendEvent(ev Event) error {
	def := h.junction.def
	if len(ev.Data) != len(def.Attributes) {
		return fmt.Errorf("%w: stream %q expects %d attributes, got %d", ErrTypeMismatch, def.ID, len(def.Attributes), len(ev.Data))
	}
	data := make([]any, len(ev.Data))
	copy(data, ev.Data)
	if err := h.junction.coerce(data); err != nil {
		return err
	}
	ev.Data = data

	h.runtime.mu.RLock()
	defer h.runtime.mu.RUnlock()
	if h.runtime.state != stateRunning {
		return ErrNotRunning
	}
	h.junction.publish(ev)
	return nil
}
