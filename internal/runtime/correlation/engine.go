// Package correlation owns the single correlation engine shared by every
// plan. It compiles plan rules behind a fixed preamble that declares the raw
// event stream and admits only events of one namespace.
package correlation

import (
	"errors"
	"sync"

	"github.com/drblury/corrflow/internal/cep"
	errspkg "github.com/drblury/corrflow/internal/runtime/errors"
	"github.com/drblury/corrflow/internal/runtime/logging"
)

const (
	// RawStream receives every ingested event.
	RawStream = "raw_rb_flow"
	// AdmittedStream carries the events of the admitted namespace. Plan
	// rules read from it.
	AdmittedStream = "rb_flow"
	// NamespaceSentinel is the namespace admitted into AdmittedStream.
	NamespaceSentinel = "11111111"
)

const preamble = "@config(async = 'true') define stream " + RawStream +
	" (src string, dst string, namespace_uuid string, bytes int);\n" +
	"from " + RawStream + "[namespace_uuid == '" + NamespaceSentinel + "'] select src, dst, bytes insert into " + AdmittedStream + ";\n"

// Preamble returns the text compiled in front of every plan rule.
func Preamble() string { return preamble }

// Option configures an Engine.
type Option func(*options)

type options struct {
	bufferSize int
	onError    func(instance, stream string, err error)
}

// WithBufferSize sets the queue depth of the raw stream of every instance.
func WithBufferSize(size int) Option {
	return func(o *options) { o.bufferSize = size }
}

// WithEvaluationErrorHandler observes events dropped because a rule failed to
// evaluate them. Failures are always logged.
func WithEvaluationErrorHandler(fn func(instance, stream string, err error)) Option {
	return func(o *options) { o.onError = fn }
}

// Engine compiles plan rules into independent instances. It is safe for
// concurrent use.
type Engine struct {
	manager *cep.Manager
	logger  logging.ServiceLogger
}

// NewEngine creates the shared engine.
func NewEngine(logger logging.ServiceLogger, opts ...Option) *Engine {
	if logger == nil {
		logger = logging.NewNopServiceLogger()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	logger = logger.With(logging.LogFields{"component": "correlation"})
	onError := func(instance, stream string, err error) {
		logger.Error("Dropped event after evaluation failure", err, logging.LogFields{
			"instance":          instance,
			logging.FieldStream: stream,
		})
		if o.onError != nil {
			o.onError(instance, stream, err)
		}
	}

	cepOpts := []cep.Option{cep.WithErrorHandler(onError)}
	if o.bufferSize > 0 {
		cepOpts = append(cepOpts, cep.WithBufferSize(o.bufferSize))
	}
	return &Engine{
		manager: cep.NewManager(cepOpts...),
		logger:  logger,
	}
}

// Instance is one compiled plan rule.
type Instance struct {
	runtime *cep.Runtime
	once    sync.Once
}

// Name identifies the instance in logs.
func (i *Instance) Name() string { return i.runtime.Name() }

// Compile prepends the preamble to rule and compiles the result into a new,
// inactive instance.
func (e *Engine) Compile(rule string) (*Instance, error) {
	rt, err := e.manager.CreateRuntime(preamble + rule)
	if err != nil {
		reason := "invalid rule"
		var stmtErr *cep.StatementError
		switch {
		case errors.Is(err, cep.ErrManagerClosed):
			reason = "engine is closed"
		case errors.As(err, &stmtErr) && stmtErr.Index < 2:
			reason = "preamble rejected"
		}
		return nil, &errspkg.CompileError{Reason: reason, Err: err}
	}
	return &Instance{runtime: rt}, nil
}

// AttributeSchema returns the ordered attributes of stream as compiled into
// inst.
func (e *Engine) AttributeSchema(inst *Instance, stream string) ([]Attribute, error) {
	def, ok := inst.runtime.StreamDefinition(stream)
	if !ok {
		return nil, &errspkg.UnknownStreamError{Stream: stream}
	}
	return toAttributes(def), nil
}

// AddListener subscribes fn to every row emitted on stream.
func (e *Engine) AddListener(inst *Instance, stream string, fn Listener) error {
	err := inst.runtime.AddCallback(stream, cep.StreamCallbackFunc(func(events []cep.Event) {
		fn(toRows(events))
	}))
	if errors.Is(err, cep.ErrUnknownStream) {
		return &errspkg.UnknownStreamError{Stream: stream}
	}
	return err
}

// Activate starts evaluation of inst.
func (e *Engine) Activate(inst *Instance) error {
	return inst.runtime.Start()
}

// IngestionHandle returns the handle feeding the raw stream of inst.
func (e *Engine) IngestionHandle(inst *Instance) (*IngestionHandle, error) {
	input, err := inst.runtime.InputHandler(RawStream)
	if err != nil {
		return nil, err
	}
	return &IngestionHandle{input: input}, nil
}

// Shutdown drains and releases inst. It accepts nil and may be called more
// than once.
func (e *Engine) Shutdown(inst *Instance) {
	if inst == nil {
		return
	}
	inst.once.Do(inst.runtime.Shutdown)
}

// InstanceCount returns how many compiled instances have not been shut down.
func (e *Engine) InstanceCount() int {
	return e.manager.RuntimeCount()
}

// Close shuts down every remaining instance and rejects further compilation.
// Bindings should be stopped first.
func (e *Engine) Close() {
	if n := e.manager.RuntimeCount(); n > 0 {
		e.logger.Info("Closing engine with live instances", logging.LogFields{"instances": n})
	}
	e.manager.Shutdown()
}
