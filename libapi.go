package corrflow

import (
	runtimepkg "github.com/drblury/corrflow/internal/runtime"
	configpkg "github.com/drblury/corrflow/internal/runtime/config"
	"github.com/drblury/corrflow/internal/runtime/correlation"
	errspkg "github.com/drblury/corrflow/internal/runtime/errors"
	idspkg "github.com/drblury/corrflow/internal/runtime/ids"
	"github.com/drblury/corrflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/corrflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/corrflow/internal/runtime/metadata"
	"github.com/drblury/corrflow/internal/runtime/plan"
	transportpkg "github.com/drblury/corrflow/internal/runtime/transport"
	newtransport "github.com/drblury/corrflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Transport           = transportpkg.Transport
	TransportFactory    = transportpkg.Factory
	TransportFactoryFn  = transportpkg.FactoryFunc

	// Plans
	PlanDescriptor = plan.Descriptor
	PlanState      = runtimepkg.PlanState
	PlanStatus     = runtimepkg.PlanStatus
	Binding        = runtimepkg.Binding
	Registry       = runtimepkg.Registry

	// Correlation engine
	Engine          = correlation.Engine
	EngineOption    = correlation.Option
	RawEvent        = correlation.RawEvent
	IngestionHandle = correlation.IngestionHandle

	// Ingress and egress
	Ingress      = runtimepkg.Ingress
	Egress       = runtimepkg.Egress
	EgressConfig = runtimepkg.EgressConfig
	OutputRow    = runtimepkg.OutputRow
	RowSink      = runtimepkg.RowSink

	// Hooks and metrics
	PlanEvent       = runtimepkg.PlanEvent
	PlanHooks       = runtimepkg.PlanHooks
	Metrics         = runtimepkg.Metrics
	MetricsSnapshot = runtimepkg.MetricsSnapshot
	PlanCounters    = runtimepkg.PlanCounters

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Errors
	UnprocessableEventError = runtimepkg.UnprocessableEventError
	ConfigValidationError   = errspkg.ConfigValidationError
	ConfigError             = errspkg.ConfigError
	CompileError            = errspkg.CompileError
	UnknownStreamError      = errspkg.UnknownStreamError
	InvalidStateError       = errspkg.InvalidStateError
	RegistrationError       = errspkg.RegistrationError
	NotFoundError           = errspkg.NotFoundError
	ReplaceFailedError      = errspkg.ReplaceFailedError

	TransportBuilder      = newtransport.Builder
	TransportConfig       = newtransport.Config
	TransportRegistry     = newtransport.Registry
	TransportCapabilities = newtransport.Capabilities
)

var (
	NewService    = runtimepkg.NewService
	TryNewService = runtimepkg.TryNewService

	NewPlanDescriptor  = plan.New
	ParsePlan          = plan.Parse
	LoadPlanFile       = plan.LoadFile
	DecodePlans        = plan.Decode
	EncodePlans        = plan.Encode
	NewEngine          = correlation.NewEngine
	WithBufferSize     = correlation.WithBufferSize
	WithEvaluationHook = correlation.WithEvaluationErrorHandler
	NewBinding         = runtimepkg.NewBinding
	NewRegistry        = runtimepkg.NewRegistry
	NewIngress         = runtimepkg.NewIngress
	NewEgress          = runtimepkg.NewEgress
	DecodeRawEvents    = runtimepkg.DecodeRawEvents
	EncodeRow          = runtimepkg.EncodeRow

	NewMetrics   = runtimepkg.NewMetrics
	LoggingHooks = runtimepkg.LoggingHooks
	MetricsHooks = runtimepkg.MetricsHooks

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	PoisonQueueMiddleware   = runtimepkg.PoisonQueueMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	BuildTransport           = newtransport.Build
	GetCapabilities          = newtransport.GetCapabilities

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal

	ErrConfig        = errspkg.ErrConfig
	ErrCompile       = errspkg.ErrCompile
	ErrUnknownStream = errspkg.ErrUnknownStream
	ErrInvalidState  = errspkg.ErrInvalidState
	ErrDuplicatePlan = errspkg.ErrDuplicatePlan
	ErrPlanNotFound  = errspkg.ErrPlanNotFound
	ErrReplaceFailed = errspkg.ErrReplaceFailed

	ErrServiceRequired   = errspkg.ErrServiceRequired
	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrLoggerRequired    = errspkg.ErrLoggerRequired
	ErrEngineRequired    = errspkg.ErrEngineRequired
	ErrPublisherRequired = errspkg.ErrPublisherRequired
	ErrTopicRequired     = errspkg.ErrTopicRequired
	ErrDescriptorNil     = errspkg.ErrDescriptorNil

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewJSONServiceLogger = loggingpkg.NewJSONServiceLogger
	NewNopServiceLogger  = loggingpkg.NewNopServiceLogger

	NewMetadata = metadatapkg.New

	NewID = idspkg.New
)

// Plan states.
const (
	PlanCreated = runtimepkg.PlanCreated
	PlanRunning = runtimepkg.PlanRunning
	PlanStopped = runtimepkg.PlanStopped
)

// Metadata keys set on every published row.
const (
	MetadataKeyPlanID        = metadatapkg.KeyPlanID
	MetadataKeyStream        = metadatapkg.KeyStream
	MetadataKeyContentType   = metadatapkg.KeyContentType
	MetadataKeyEmittedAt     = metadatapkg.KeyEmittedAt
	MetadataKeyPartition     = metadatapkg.KeyPartition
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
)

// Output formats accepted by Config.OutputFormat.
const (
	OutputFormatJSON  = configpkg.OutputFormatJSON
	OutputFormatProto = configpkg.OutputFormatProto
)

// NamespaceSentinel is the namespace a raw event must carry to be admitted
// into a plan.
const NamespaceSentinel = correlation.NamespaceSentinel
