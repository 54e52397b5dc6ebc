package runtime

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/corrflow/internal/runtime/correlation"
	"github.com/drblury/corrflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/corrflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/corrflow/internal/runtime/metadata"
)

// Ingress results recorded per raw event.
const (
	ingressRouted        = "routed"
	ingressPartial       = "partial"
	ingressUnroutable    = "no_plans"
	ingressUnprocessable = "unprocessable"
)

// UnprocessableEventError wraps payloads that could not be decoded into raw
// events. The poison queue middleware diverts them.
type UnprocessableEventError struct {
	eventMessage string
	err          error
}

func (e *UnprocessableEventError) Error() string {
	return "unprocessable event: " + e.eventMessage + " error: " + e.err.Error()
}

func (e *UnprocessableEventError) Unwrap() error { return e.err }

// Ingress fans raw events out to every running plan.
type Ingress struct {
	registry *Registry
	logger   loggingpkg.ServiceLogger
	metrics  *Metrics
}

// NewIngress creates an ingress router over registry. metrics may be nil.
func NewIngress(registry *Registry, logger loggingpkg.ServiceLogger, metrics *Metrics) *Ingress {
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return &Ingress{
		registry: registry,
		logger:   logger.With(loggingpkg.LogFields{"component": "ingress"}),
		metrics:  metrics,
	}
}

// Route pushes ev into every running plan in id order. A plan that refuses the
// event does not keep it from the others; the joined per-plan failures are
// returned. A plan whose input queue is full blocks Route, and with it later
// plans and registry writers, until its worker drains an event.
func (i *Ingress) Route(ev correlation.RawEvent) error {
	var (
		errs      []error
		delivered int
	)
	i.registry.Each(func(b *Binding) {
		if b.State() != PlanRunning {
			return
		}
		err := b.Push(ev)
		i.metrics.eventPushed(b.ID(), err)
		if err != nil {
			i.logger.Error("Plan refused raw event", err, loggingpkg.LogFields{
				loggingpkg.FieldPlanID: b.ID(),
			})
			errs = append(errs, fmt.Errorf("plan %s: %w", b.ID(), err))
			return
		}
		delivered++
	})

	switch {
	case len(errs) > 0:
		i.metrics.eventReceived(ingressPartial)
	case delivered == 0:
		i.metrics.eventReceived(ingressUnroutable)
	default:
		i.metrics.eventReceived(ingressRouted)
	}
	return errors.Join(errs...)
}

// HandleMessage decodes a transport message carrying one raw event, or a
// JSON array of them, and routes every event.
func (i *Ingress) HandleMessage(msg *message.Message) error {
	events, err := DecodeRawEvents(msg.Payload)
	if err != nil {
		i.metrics.eventReceived(ingressUnprocessable)
		return &UnprocessableEventError{eventMessage: string(msg.Payload), err: err}
	}

	for _, ev := range events {
		if err := i.Route(ev); err != nil {
			// Per-plan failures are logged by Route and never redelivered.
			i.logger.Debug("Raw event partially routed", loggingpkg.LogFields{
				"message_uuid":   msg.UUID,
				"correlation_id": metadatapkg.CorrelationID(msg),
			})
		}
	}
	return nil
}

// DecodeRawEvents parses a JSON object or array of raw events.
func DecodeRawEvents(payload []byte) ([]correlation.RawEvent, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, errors.New("empty payload")
	}

	if trimmed[0] == '[' {
		var events []correlation.RawEvent
		if err := jsoncodec.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("decode raw events: %w", err)
		}
		return events, nil
	}

	var ev correlation.RawEvent
	if err := jsoncodec.Unmarshal(trimmed, &ev); err != nil {
		return nil, fmt.Errorf("decode raw event: %w", err)
	}
	return []correlation.RawEvent{ev}, nil
}
