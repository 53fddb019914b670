package outbound

import (
	"time"

	"github.com/sipcic/outbound-processor/internal/batch"
	runtimepkg "github.com/sipcic/outbound-processor/internal/runtime"
	configpkg "github.com/sipcic/outbound-processor/internal/runtime/config"
	errspkg "github.com/sipcic/outbound-processor/internal/runtime/errors"
	idspkg "github.com/sipcic/outbound-processor/internal/runtime/ids"
	jsoncodec "github.com/sipcic/outbound-processor/internal/runtime/jsoncodec"
	loggingpkg "github.com/sipcic/outbound-processor/internal/runtime/logging"
	metadatapkg "github.com/sipcic/outbound-processor/internal/runtime/metadata"
	transportpkg "github.com/sipcic/outbound-processor/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	MessageHandlerRegistration = runtimepkg.MessageHandlerRegistration

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	Producer = runtimepkg.Producer

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	HandlerInfo           = runtimepkg.HandlerInfo
	HandlerStats          = runtimepkg.HandlerStats
	ConfigValidationError = errspkg.ConfigValidationError

	// Dead-letter metrics
	DeadLetterMetrics      = runtimepkg.DeadLetterMetrics
	DeadLetterQueueMetrics = runtimepkg.DeadLetterQueueMetrics
	DeadLetterSnapshot     = runtimepkg.DeadLetterSnapshot
	DeadLetterStatus       = runtimepkg.DeadLetterStatus

	// Batch pipeline
	Pipeline        = batch.Pipeline
	PipelineOptions = batch.Options
	PipelineStatus  = batch.Status
	BatchState      = batch.State
	BatchCounts     = batch.Counts
	Rotation        = batch.Rotation
	Row             = batch.Row
	FailureKind     = batch.FailureKind
	ParseError      = batch.ParseError
	AppendError     = batch.AppendError
	RotationError   = batch.RotationError
	TransportError  = batch.TransportError

	// Transports
	Transport             = transportpkg.Transport
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
	TransportDLQManager   = transportpkg.DLQManager
	TransportDLQLister    = transportpkg.DLQLister
	TransportDLQMessage   = transportpkg.DLQMessage
	QueueIntrospector     = transportpkg.QueueIntrospector
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	ValidateConfig = configpkg.ValidateConfig
	ConfigFromEnv  = configpkg.FromEnv

	RegisterMessageHandler = runtimepkg.RegisterMessageHandler

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	DeadLetterMiddleware    = runtimepkg.DeadLetterMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	NewDeadLetterMetrics = runtimepkg.NewDeadLetterMetrics

	NewPipeline = batch.New
	Transform   = batch.Transform
	KindOf      = batch.KindOf

	// Redeliverable reports whether a failed record goes back to the input queue.
	Redeliverable = batch.Redeliverable

	NewRecordMessage = runtimepkg.NewRecordMessage
	PublishRecord    = runtimepkg.PublishRecord
	PublishBatch     = runtimepkg.PublishBatch

	// Import every transport via: _ "github.com/sipcic/outbound-processor/transport/transports"
	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build
	GetCapabilities          = transportpkg.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrServiceRequired       = errspkg.ErrServiceRequired
	ErrHandlerRequired       = errspkg.ErrHandlerRequired
	ErrConsumeQueueRequired  = errspkg.ErrConsumeQueueRequired
	ErrHandlerNameRequired   = errspkg.ErrHandlerNameRequired
	ErrPublisherRequired     = errspkg.ErrPublisherRequired
	ErrTopicRequired         = errspkg.ErrTopicRequired
	ErrConfigRequired        = errspkg.ErrConfigRequired
	ErrLoggerRequired        = errspkg.ErrLoggerRequired
	ErrPayloadRequired       = errspkg.ErrPayloadRequired
	ErrDeadLetterUnsupported = errspkg.ErrDeadLetterUnsupported
	ErrUnknownTransport      = transportpkg.ErrUnknownTransport

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopServiceLogger  = loggingpkg.NewNopServiceLogger
	ParseLogLevel        = loggingpkg.ParseLevel

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

const (
	EOFRecord      = runtimepkg.EOFRecord
	RotationLayout = batch.RotationLayout
)

// Metadata keys - use these constants for standard metadata fields.
const (
	MetadataKeyCorrelationID   = metadatapkg.KeyCorrelationID
	MetadataKeyEnqueuedAt      = metadatapkg.KeyEnqueuedAt
	MetadataKeyDeliveryAttempt = metadatapkg.KeyDeliveryAttempt
	MetadataKeyBatchID         = metadatapkg.KeyBatchID
	MetadataKeyRecordType      = metadatapkg.KeyRecordType

	// MetadataKeyDelay is read by the SQLite and PostgreSQL transports to
	// delay delivery. Set to a duration string like "30s", "5m", "1h".
	MetadataKeyDelay = metadatapkg.KeyDelay
)

// WithDelay returns a Metadata with the delay key set for delayed delivery.
func WithDelay(delay time.Duration) Metadata {
	return Metadata{MetadataKeyDelay: delay.String()}
}
