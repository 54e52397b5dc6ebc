// Package corrflow runs declarative correlation plans on top of Watermill.
// A plan names the channels it consumes raw flow events from, a rule that
// derives new streams from them, and the channel each derived stream is
// published to. Every plan compiles into its own instance on one shared
// correlation engine, so plans can be registered, replaced and removed while
// the others keep running.
//
// Service reads the target transport (Kafka, RabbitMQ, AWS SNS/SQS, NATS,
// HTTP or Go Channels) from Config, subscribes to the input channels of every
// registered plan, and publishes derived rows through the same transport.
// A minimal setup fills Config, creates a Service, registers plans and calls
// Start.
//
// # Plans
//
// Plans can be registered programmatically (Service.RegisterPlan), loaded
// from a YAML or JSON plans file that is watched for changes, or managed at
// runtime through the admin API served under /api/plans.
//
// # Middleware
//
// The default middleware chain includes correlation ID injection, structured
// logging, OpenTelemetry tracing, Prometheus metrics, retry with exponential
// backoff, poison queue forwarding of unprocessable events, and panic
// recovery. Custom middleware can be added via ServiceDependencies.Middlewares.
//
// # Hooks
//
// PlanHooks fire when a plan starts, stops or fails to start. LoggingHooks
// and MetricsHooks are installed by default; ServiceDependencies.Hooks runs
// after them.
package corrflow
