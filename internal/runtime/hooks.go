package runtime

import (
	"time"

	loggingpkg "github.com/drblury/corrflow/internal/runtime/logging"
)

// PlanEvent describes a plan lifecycle transition to hooks.
type PlanEvent struct {
	// PlanID is the id of the plan.
	PlanID string
	// Inputs are the declared input channels.
	Inputs []string
	// Outputs maps output streams to destination channels.
	Outputs map[string]string
	// At is when the transition happened.
	At time.Time
	// Uptime is how long the plan ran (only set in OnPlanStopped).
	Uptime time.Duration
}

// PlanHooks defines callbacks for plan lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type PlanHooks struct {
	// OnPlanStarted is called after a plan compiled and its outputs are bound.
	OnPlanStarted func(evt PlanEvent)

	// OnPlanStopped is called after a running plan was shut down and its
	// queued events were drained.
	OnPlanStopped func(evt PlanEvent)

	// OnPlanStartFailed is called when a plan could not be started. The plan
	// holds no engine resources when it fires.
	OnPlanStartFailed func(evt PlanEvent, err error)
}

// Merge combines two PlanHooks, creating a new PlanHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h PlanHooks) Merge(other PlanHooks) PlanHooks {
	return PlanHooks{
		OnPlanStarted:     chainEventHooks(h.OnPlanStarted, other.OnPlanStarted),
		OnPlanStopped:     chainEventHooks(h.OnPlanStopped, other.OnPlanStopped),
		OnPlanStartFailed: chainErrorHooks(h.OnPlanStartFailed, other.OnPlanStartFailed),
	}
}

func chainEventHooks(a, b func(PlanEvent)) func(PlanEvent) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(evt PlanEvent) {
		a(evt)
		b(evt)
	}
}

func chainErrorHooks(a, b func(PlanEvent, error)) func(PlanEvent, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(evt PlanEvent, err error) {
		a(evt, err)
		b(evt, err)
	}
}

func (h PlanHooks) started(evt PlanEvent) {
	if h.OnPlanStarted != nil {
		h.OnPlanStarted(evt)
	}
}

func (h PlanHooks) stopped(evt PlanEvent) {
	if h.OnPlanStopped != nil {
		h.OnPlanStopped(evt)
	}
}

func (h PlanHooks) startFailed(evt PlanEvent, err error) {
	if h.OnPlanStartFailed != nil {
		h.OnPlanStartFailed(evt, err)
	}
}

// LoggingHooks returns pre-built hooks that log plan lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) PlanHooks {
	return PlanHooks{
		OnPlanStarted: func(evt PlanEvent) {
			logger.Info("Plan started", loggingpkg.LogFields{
				loggingpkg.FieldPlanID: evt.PlanID,
				"inputs":               evt.Inputs,
				"outputs":              evt.Outputs,
			})
		},
		OnPlanStopped: func(evt PlanEvent) {
			logger.Info("Plan stopped", loggingpkg.LogFields{
				loggingpkg.FieldPlanID: evt.PlanID,
				"uptime_ms":            evt.Uptime.Milliseconds(),
			})
		},
		OnPlanStartFailed: func(evt PlanEvent, err error) {
			logger.Error("Plan start failed", err, loggingpkg.LogFields{
				loggingpkg.FieldPlanID: evt.PlanID,
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that record plan lifecycle metrics.
func MetricsHooks(m *Metrics) PlanHooks {
	return PlanHooks{
		OnPlanStarted: func(evt PlanEvent) {
			m.planStarted(evt.PlanID)
		},
		OnPlanStopped: func(evt PlanEvent) {
			m.planStopped(evt.PlanID)
		},
		OnPlanStartFailed: func(evt PlanEvent, err error) {
			m.planStartFailed()
		},
	}
}
