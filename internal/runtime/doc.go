/*
Package runtime runs correlation plans against one shared correlation engine.

# Architecture Overview

A plan is a declarative unit: the channels it reads raw events from, a rule
that derives new streams from them, and the channel each derived stream is
published to. The runtime turns each plan into an independently controllable
binding and multiplexes every binding onto the same engine and the same
Watermill transport.

Data flows from the transport subscriber through the router middleware chain
into the Ingress, which pushes each raw event into every running plan. Rows
emitted on a plan's output streams reach the Egress, which publishes them to
the plan's destination channels.

# Package Structure

## Core Service (service.go)

The Service struct is the central orchestrator that wires together:
  - Message router (Watermill) with one ingress handler per input topic
  - Publisher and subscriber connections
  - Middleware chain
  - The shared correlation engine and the plan registry
  - HTTP servers for metrics and the admin API
  - The plans file loader and watcher

## Plans (binding.go, registry.go)

  - binding.go: couples one plan descriptor to one compiled engine instance
    (created, running, stopped)
  - registry.go: plan id to binding map with register, unregister, replace
    and reconcile

## Event Flow (ingress.go, egress.go)

  - ingress.go: decodes raw events and fans them out to running plans
  - egress.go: encodes output rows as JSON or protobuf and publishes them
    with retries

## Middleware (middleware.go)

  - CorrelationID: Ensures message traceability
  - LogMessages: Debug logging of message payloads
  - Tracer: OpenTelemetry distributed tracing
  - Metrics: Prometheus router metrics
  - Retry: Exponential backoff retry logic
  - PoisonQueue: Dead letter queue for undecodable events
  - Recoverer: Panic recovery

## Monitoring (hooks.go, metrics.go, webui.go)

Plan lifecycle hooks, Prometheus counters and the /api/plans admin API.

# Sub-packages

  - config/: Service configuration with validation
  - correlation/: The shared engine facade and raw event schema
  - errors/: Sentinel errors and error types
  - ids/: ULID generation for message IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: Message metadata utilities
  - plan/: Plan descriptors, plans files and the file watcher
  - transport/: Transport factory over the transport registry

# Usage Example

	cfg := &corrflow.Config{
		PubSubSystem: "kafka",
		KafkaBrokers: []string{"localhost:9092"},
		InputTopics:  []string{"flows.raw"},
		PlansFile:    "plans.yaml",
		WatchPlans:   true,
	}

	svc := corrflow.NewService(cfg, logger, ctx, corrflow.ServiceDependencies{})
	svc.Start(ctx)
*/
package runtime
