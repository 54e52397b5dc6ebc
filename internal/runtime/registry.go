package runtime

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/drblury/corrflow/internal/runtime/correlation"
	errspkg "github.com/drblury/corrflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/corrflow/internal/runtime/logging"
	"github.com/drblury/corrflow/internal/runtime/plan"
)

// Registry owns the bindings of every registered plan, keyed by plan id.
// Mutations are serialised; queries and ingress iteration share a read lock.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]*Binding

	engine *correlation.Engine
	sink   RowSink
	hooks  PlanHooks
	logger loggingpkg.ServiceLogger
}

// NewRegistry creates an empty registry whose plans compile on engine and
// publish their rows to sink.
func NewRegistry(engine *correlation.Engine, sink RowSink, hooks PlanHooks, logger loggingpkg.ServiceLogger) *Registry {
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return &Registry{
		bindings: make(map[string]*Binding),
		engine:   engine,
		sink:     sink,
		hooks:    hooks,
		logger:   logger,
	}
}

// Register starts desc and records it. The plan is only recorded when it
// started.
func (r *Registry) Register(desc *plan.Descriptor) error {
	if desc == nil {
		return errspkg.ErrDescriptorNil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.register(desc)
}

func (r *Registry) register(desc *plan.Descriptor) error {
	if _, ok := r.bindings[desc.ID()]; ok {
		return &errspkg.RegistrationError{PlanID: desc.ID()}
	}
	b := NewBinding(desc, r.engine, r.sink, r.hooks, r.logger)
	if err := b.Start(); err != nil {
		return err
	}
	r.bindings[desc.ID()] = b
	return nil
}

// Unregister stops the plan and forgets it.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unregister(id)
}

func (r *Registry) unregister(id string) error {
	b, ok := r.bindings[id]
	if !ok {
		return &errspkg.NotFoundError{PlanID: id}
	}
	delete(r.bindings, id)
	return b.Stop()
}

// Replace stops the running plan with desc's id and starts desc in its place.
// When desc fails to start, the previous descriptor is started again and the
// start error is returned. If that fails too the plan is no longer
// registered and a ReplaceFailedError is returned.
func (r *Registry) Replace(desc *plan.Descriptor) error {
	if desc == nil {
		return errspkg.ErrDescriptorNil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replace(desc)
}

func (r *Registry) replace(desc *plan.Descriptor) error {
	old, ok := r.bindings[desc.ID()]
	if !ok {
		return &errspkg.NotFoundError{PlanID: desc.ID()}
	}
	if err := r.unregister(desc.ID()); err != nil {
		return err
	}

	err := r.register(desc)
	if err == nil {
		return nil
	}

	if rollbackErr := r.register(old.Descriptor()); rollbackErr != nil {
		r.logger.Error("Plan removed after failed replace", rollbackErr, loggingpkg.LogFields{
			loggingpkg.FieldPlanID: desc.ID(),
		})
		return &errspkg.ReplaceFailedError{PlanID: desc.ID(), Err: err, RollbackErr: rollbackErr}
	}
	r.logger.Info("Kept previous plan after failed replace", loggingpkg.LogFields{
		loggingpkg.FieldPlanID: desc.ID(),
		"error":                err.Error(),
	})
	return err
}

// ListActive returns the ids of running plans in lexical order.
func (r *Registry) ListActive() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.bindings))
	for id, b := range r.bindings {
		if b.State() == PlanRunning {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Get returns the binding registered under id.
func (r *Registry) Get(id string) (*Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[id]
	return b, ok
}

// Descriptors returns the registered plans ordered by id.
func (r *Registry) Descriptors() []*plan.Descriptor {
	var descs []*plan.Descriptor
	r.Each(func(b *Binding) {
		descs = append(descs, b.Descriptor())
	})
	return descs
}

// Each calls fn for every binding in id order while holding the read lock.
// fn must not call back into the registry's mutating methods.
func (r *Registry) Each(fn func(*Binding)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.sortedIDs() {
		fn(r.bindings[id])
	}
}

// Reconcile makes the registered plans match descs: plans missing from descs
// are removed, changed plans are replaced and new plans are registered.
// Every per-plan failure is collected; plans that succeeded stay applied.
func (r *Registry) Reconcile(descs []*plan.Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	desired := make(map[string]*plan.Descriptor, len(descs))
	order := make([]string, 0, len(descs))
	for i, desc := range descs {
		if desc == nil {
			errs = append(errs, fmt.Errorf("plans[%d]: %w", i, errspkg.ErrDescriptorNil))
			continue
		}
		if _, dup := desired[desc.ID()]; dup {
			errs = append(errs, fmt.Errorf("plans[%d]: %w", i, &errspkg.RegistrationError{PlanID: desc.ID()}))
			continue
		}
		desired[desc.ID()] = desc
		order = append(order, desc.ID())
	}

	for _, id := range r.sortedIDs() {
		if _, keep := desired[id]; !keep {
			if err := r.unregister(id); err != nil {
				errs = append(errs, err)
			}
		}
	}

	var added, replaced, unchanged int
	for _, id := range order {
		desc := desired[id]
		current, ok := r.bindings[id]
		switch {
		case !ok:
			if err := r.register(desc); err != nil {
				errs = append(errs, err)
				continue
			}
			added++
		case current.Descriptor().Equal(desc):
			unchanged++
		default:
			if err := r.replace(desc); err != nil {
				errs = append(errs, err)
				continue
			}
			replaced++
		}
	}

	r.logger.Info("Reconciled plans", loggingpkg.LogFields{
		"added":     added,
		"replaced":  replaced,
		"unchanged": unchanged,
		"active":    len(r.bindings),
		"failed":    len(errs),
	})
	return errors.Join(errs...)
}

// Close stops every plan and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for _, id := range r.sortedIDs() {
		if err := r.unregister(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of registered plans.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

func (r *Registry) sortedIDs() []string {
	ids := make([]string, 0, len(r.bindings))
	for id := range r.bindings {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
