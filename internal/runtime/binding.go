package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/drblury/corrflow/internal/runtime/correlation"
	errspkg "github.com/drblury/corrflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/corrflow/internal/runtime/logging"
	"github.com/drblury/corrflow/internal/runtime/plan"
)

// PlanState is the lifecycle state of a Binding.
type PlanState int

const (
	PlanCreated PlanState = iota
	PlanRunning
	PlanStopped
)

func (s PlanState) String() string {
	switch s {
	case PlanCreated:
		return "created"
	case PlanRunning:
		return "running"
	case PlanStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// OutputRow is one row emitted by a plan on a declared output stream.
type OutputRow struct {
	PlanID      string
	Stream      string
	Destination string
	Schema      []correlation.Attribute
	Values      []any
	Timestamp   int64
}

// RowSink receives the rows of every running plan. Deliver is called from
// engine worker goroutines.
type RowSink interface {
	Deliver(ctx context.Context, row OutputRow) error
}

type discardSink struct{}

func (discardSink) Deliver(context.Context, OutputRow) error { return nil }

// Binding couples one plan descriptor to one compiled engine instance. A
// binding is started at most once; a stopped binding cannot be restarted.
type Binding struct {
	mu sync.Mutex

	desc   *plan.Descriptor
	engine *correlation.Engine
	sink   RowSink
	hooks  PlanHooks
	logger loggingpkg.ServiceLogger

	state     PlanState
	instance  *correlation.Instance
	handle    *correlation.IngestionHandle
	cancel    context.CancelFunc
	startedAt time.Time
}

// NewBinding creates a binding in the created state.
func NewBinding(desc *plan.Descriptor, engine *correlation.Engine, sink RowSink, hooks PlanHooks, logger loggingpkg.ServiceLogger) *Binding {
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	if sink == nil {
		sink = discardSink{}
	}
	return &Binding{
		desc:   desc,
		engine: engine,
		sink:   sink,
		hooks:  hooks,
		logger: loggingpkg.ForPlan(logger, desc.ID()),
	}
}

// ID returns the plan id.
func (b *Binding) ID() string { return b.desc.ID() }

// Descriptor returns the plan the binding runs.
func (b *Binding) Descriptor() *plan.Descriptor { return b.desc }

// State returns the current lifecycle state.
func (b *Binding) State() PlanState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// StartedAt returns when the binding entered the running state.
func (b *Binding) StartedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startedAt
}

// Start compiles the plan rule, binds a listener to every declared output
// stream and activates the instance. Nothing is left behind in the engine
// when Start fails, and the binding stays in the created state.
func (b *Binding) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != PlanCreated {
		return b.stateError("start")
	}

	if err := b.start(); err != nil {
		err = withPlanID(err, b.ID())
		b.hooks.startFailed(b.event(), err)
		return err
	}

	b.state = PlanRunning
	b.startedAt = time.Now()
	b.hooks.started(b.event())
	return nil
}

func (b *Binding) start() (err error) {
	inst, err := b.engine.Compile(b.desc.RuleText())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			b.engine.Shutdown(inst)
			cancel()
		}
	}()

	for _, stream := range b.desc.OutputStreams() {
		schema, err := b.engine.AttributeSchema(inst, stream)
		if err != nil {
			return err
		}
		destination, _ := b.desc.Destination(stream)
		listener := b.listener(ctx, stream, destination, schema)
		if err := b.engine.AddListener(inst, stream, listener); err != nil {
			return err
		}
	}

	handle, err := b.engine.IngestionHandle(inst)
	if err != nil {
		return err
	}
	if err := b.engine.Activate(inst); err != nil {
		return err
	}

	b.instance = inst
	b.handle = handle
	b.cancel = cancel
	b.logger.Debug("Plan instance activated", loggingpkg.LogFields{"instance": inst.Name()})
	return nil
}

func (b *Binding) listener(ctx context.Context, stream, destination string, schema []correlation.Attribute) correlation.Listener {
	planID := b.ID()
	return func(rows []correlation.Row) {
		for _, row := range rows {
			out := OutputRow{
				PlanID:      planID,
				Stream:      stream,
				Destination: destination,
				Schema:      schema,
				Values:      row.Values,
				Timestamp:   row.Timestamp,
			}
			// Failures are logged and counted by the sink.
			_ = b.sink.Deliver(ctx, out)
		}
	}
}

// Stop shuts the instance down after draining its queued events.
func (b *Binding) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != PlanRunning {
		return b.stateError("stop")
	}

	b.logger.Debug("Draining plan instance", loggingpkg.LogFields{"instance": b.instance.Name()})
	b.engine.Shutdown(b.instance)
	b.cancel()
	b.instance = nil
	b.handle = nil
	b.state = PlanStopped

	evt := b.event()
	evt.Uptime = time.Since(b.startedAt)
	b.hooks.stopped(evt)
	return nil
}

// IngestionHandle returns the handle feeding the plan's raw stream. It is
// only available while the plan is running.
func (b *Binding) IngestionHandle() (*correlation.IngestionHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != PlanRunning {
		return nil, b.stateError("ingest into")
	}
	return b.handle, nil
}

// Push sends ev into the plan. A plan stopped concurrently rejects the event.
func (b *Binding) Push(ev correlation.RawEvent) error {
	handle, err := b.IngestionHandle()
	if err != nil {
		return err
	}
	return handle.Send(ev)
}

func (b *Binding) stateError(op string) error {
	return &errspkg.InvalidStateError{PlanID: b.ID(), Op: op, State: b.state.String()}
}

func (b *Binding) event() PlanEvent {
	return PlanEvent{
		PlanID:  b.ID(),
		Inputs:  b.desc.InputChannels(),
		Outputs: b.desc.OutputChannels(),
		At:      time.Now(),
	}
}

func withPlanID(err error, planID string) error {
	var compileErr *errspkg.CompileError
	if errors.As(err, &compileErr) && compileErr.PlanID == "" {
		compileErr.PlanID = planID
	}
	var streamErr *errspkg.UnknownStreamError
	if errors.As(err, &streamErr) && streamErr.PlanID == "" {
		streamErr.PlanID = planID
	}
	return err
}
