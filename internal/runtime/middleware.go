package runtime

import (
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sipcic/outbound-processor/internal/batch"
	idspkg "github.com/sipcic/outbound-processor/internal/runtime/ids"
	loggingpkg "github.com/sipcic/outbound-processor/internal/runtime/logging"
	metadatapkg "github.com/sipcic/outbound-processor/internal/runtime/metadata"
)

// MiddlewareBuilder constructs a handler middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a Service router.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the redelivery policy. Zero values fall
// back to the service configuration.
type RetryMiddlewareConfig struct {
	MaxRetries int
	Delay      time.Duration
	RetryIf    func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults(s *Service) RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 && s != nil && s.Conf != nil {
		cfg.MaxRetries = s.Conf.RedeliveryAttempts
	}
	if cfg.Delay <= 0 && s != nil && s.Conf != nil {
		cfg.Delay = s.Conf.RedeliveryDelay
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = batch.Redeliverable
	}
	return cfg
}

// DefaultMiddlewares returns the standard middleware chain used by the Service
// constructor. The dead-letter stage wraps retry, so a record reaches the
// dead-letter queue only after its redelivery budget is spent or when its
// error is not redeliverable at all.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		DeadLetterMiddleware(nil),
		RetryMiddleware(RetryMiddlewareConfig{}),
		RecovererMiddleware(),
	}
}

// MetricsMiddleware adds Watermill's Prometheus router metrics and exposes
// /metrics when a port is configured.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if !s.Conf.MetricsEnabled {
				return nil, nil
			}

			metricsBuilder := metrics.NewPrometheusMetricsBuilder(
				s.metricsRegisterer(),
				"outbound",
				s.Conf.PubSubSystem,
			)

			metricsBuilder.AddPrometheusRouterMetrics(s.router)

			if s.Conf.MetricsPort > 0 {
				s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.Handler())
			}

			return metricsBuilder.NewRouterMiddleware().Middleware, nil
		},
	}
}

func (s *Service) metricsRegisterer() prometheus.Registerer {
	if s.registerer == nil {
		return prometheus.DefaultRegisterer
	}
	return s.registerer
}

// CorrelationIDMiddleware ensures each processed message carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return s.correlationIDMiddleware(), nil
		},
	}
}

// LogMessagesMiddleware logs the payload and metadata of handled messages at debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return s.logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return s.tracerMiddleware(), nil
		},
	}
}

// RetryMiddleware redelivers failed records in process with a fixed delay.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return s.retryMiddlewareWithConfig(cfg.withDefaults(s)), nil
		},
	}
}

// DeadLetterMiddleware publishes records whose handler still fails to the
// configured dead-letter queue and acks them on the input queue. A nil
// filter dead-letters every failure.
func DeadLetterMiddleware(filter func(error) bool) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "dead_letter",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			f := filter
			if f == nil {
				f = func(error) bool { return true }
			}
			return s.deadLetterMiddlewareWithFilter(f)
		},
	}
}

// RecovererMiddleware converts panics into handler errors so they reach the dead-letter queue.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware attaches the supplied middleware to the router.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if s.router == nil {
		return errors.New("router is not initialised")
	}

	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.router.AddMiddleware(mw)
	return nil
}

// correlationIDMiddleware injects a correlation ID into the message metadata when missing.
func (s *Service) correlationIDMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			if _, ok := msg.Metadata[metadatapkg.KeyCorrelationID]; !ok {
				msg.Metadata[metadatapkg.KeyCorrelationID] = idspkg.CreateULID()
			}
			return h(msg)
		}
	}
}

// deadLetterMiddlewareWithFilter forwards failed records to Conf.DeadLetterQueue
// and records them in the dead-letter metrics.
func (s *Service) deadLetterMiddlewareWithFilter(filter func(err error) bool) (message.HandlerMiddleware, error) {
	if s.Conf == nil {
		return nil, errors.New("service config is required for dead-letter middleware")
	}
	if s.Conf.DeadLetterQueue == "" {
		return nil, errors.New("dead-letter queue is required for dead-letter middleware")
	}
	if s.publisher == nil {
		return nil, errors.New("publisher is required for dead-letter middleware")
	}

	poison, err := middleware.PoisonQueueWithFilter(
		s.publisher,
		s.Conf.DeadLetterQueue,
		filter,
	)
	if err != nil {
		return nil, err
	}

	return func(h message.HandlerFunc) message.HandlerFunc {
		observed := func(msg *message.Message) ([]*message.Message, error) {
			started := time.Now()
			msgs, err := h(msg)
			if err == nil || !filter(err) {
				return msgs, err
			}

			handler := message.HandlerNameFromCtx(msg.Context())
			attempts := metadatapkg.DeliveryAttempt(msg)
			age := time.Since(started)
			if enqueued, ok := metadatapkg.EnqueuedAt(msg); ok {
				age = time.Since(enqueued)
			}
			s.deadLetterMetrics.RecordMessageToDeadLetter(s.Conf.DeadLetterQueue, handler, attempts, age)
			s.Logger.Error("Record dead-lettered", err, loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"queue":        s.Conf.DeadLetterQueue,
				"attempts":     attempts,
				"kind":         string(batch.KindOf(err)),
				"detail":       batch.Detail(err),
			})
			return msgs, err
		}
		return poison(observed)
	}, nil
}

// logMessagesMiddleware logs all processed messages with their metadata.
func (s *Service) logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing message", loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"payload":      string(msg.Payload),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}

// retryMiddlewareWithConfig retries with a constant interval. The attempt
// number is stored on the message so the dead-letter stage can report it.
func (s *Service) retryMiddlewareWithConfig(cfg RetryMiddlewareConfig) message.HandlerMiddleware {
	retry := middleware.Retry{
		MaxRetries:      cfg.MaxRetries,
		InitialInterval: cfg.Delay,
		MaxInterval:     cfg.Delay,
		Multiplier:      1,
		ShouldRetry: func(params middleware.RetryParams) bool {
			return cfg.RetryIf(params.Err)
		},
	}
	if s.Logger != nil {
		retry.Logger = loggingpkg.NewWatermillAdapter(s.Logger)
	}

	return func(h message.HandlerFunc) message.HandlerFunc {
		counted := func(msg *message.Message) ([]*message.Message, error) {
			metadatapkg.NextDeliveryAttempt(msg)
			return h(msg)
		}
		return retry.Middleware(counted)
	}
}

// tracerMiddleware wraps message handling with an OpenTelemetry span.
func (s *Service) tracerMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			tracer := otel.Tracer("outbound-processor")
			ctx, span := tracer.Start(
				msg.Context(),
				"ProcessRecord",
			)
			defer span.End()
			msg.SetContext(ctx)

			span.SetAttributes(
				attribute.String("message.uuid", msg.UUID),
				attribute.String("message.metadata", fmt.Sprintf("%v", msg.Metadata)),
			)
			msgs, err := h(msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, string(batch.KindOf(err)))
			}
			return msgs, err
		}
	}
}
