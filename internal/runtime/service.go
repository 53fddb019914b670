package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sipcic/outbound-processor/internal/batch"
	configpkg "github.com/sipcic/outbound-processor/internal/runtime/config"
	errspkg "github.com/sipcic/outbound-processor/internal/runtime/errors"
	loggingpkg "github.com/sipcic/outbound-processor/internal/runtime/logging"
	transportpkg "github.com/sipcic/outbound-processor/transport"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// BatchHandlerName names the router handler that feeds the batch pipeline.
const BatchHandlerName = "outbound-batch"

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to fall back to the defaults.
type ServiceDependencies struct {
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	// Registry resolves Config.PubSubSystem. Defaults to transport.DefaultRegistry.
	Registry *transportpkg.Registry
	// Registerer receives the batch, dead-letter and router collectors.
	// Defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	// Clock names rotated files. Defaults to time.Now.
	Clock func() time.Time
}

// Service wires a Watermill router, the input queue transport, the middleware
// chain and the batch pipeline.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport    transportpkg.Transport
	capabilities transportpkg.Capabilities
	publisher    message.Publisher
	subscriber   message.Subscriber
	router       *message.Router

	pipeline          *batch.Pipeline
	batchMetrics      *batch.Metrics
	deadLetterMetrics *DeadLetterMetrics
	registerer        prometheus.Registerer

	handlers   []*HandlerInfo
	handlersMu sync.RWMutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	resourceTracker *resourceTracker
}

// NewService constructs a Service for the supplied configuration and registers
// the batch handler on the input queue. It panics when the transport or the
// pipeline cannot be built; use TryNewService to get the error instead.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(ctx, conf, log, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService is NewService returning construction errors.
func TryNewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	normalized := conf.WithDefaults()
	conf = &normalized
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating outbound service",
		loggingpkg.LogFields{
			"pubsub_system": conf.PubSubSystem,
			"input_queue":   conf.InputQueue,
			"config":        conf,
		})

	registry := deps.Registry
	if registry == nil {
		registry = transportpkg.DefaultRegistry
	}
	registerer := deps.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	s := &Service{
		Conf:              conf,
		Logger:            log,
		registerer:        registerer,
		deadLetterMetrics: NewDeadLetterMetrics(registerer),
		resourceTracker:   newResourceTracker(),
	}

	s.capabilities = registry.GetCapabilities(conf.PubSubSystem)
	for _, warning := range s.capabilities.BatchWarnings() {
		log.Info("Transport warning", loggingpkg.LogFields{"pubsub_system": conf.PubSubSystem, "warning": warning})
	}

	transport, err := registry.Build(ctx, conf, wmLogger)
	if err != nil {
		return nil, err
	}
	s.transport = transport
	s.publisher = transport.Publisher
	s.subscriber = transport.Subscriber

	if conf.MetricsEnabled {
		s.batchMetrics = batch.NewMetrics()
		if err := s.batchMetrics.Register(registerer); err != nil {
			return nil, fmt.Errorf("register batch metrics: %w", err)
		}
		if err := s.deadLetterMetrics.Register(); err != nil {
			return nil, fmt.Errorf("register dead-letter metrics: %w", err)
		}
	}

	pipeline, err := batch.New(batch.Options{
		WorkingFile:  conf.WorkingFile,
		OutputDir:    conf.OutputDir,
		ExceptionDir: conf.ExceptionDir,
		Logger:       log,
		Metrics:      s.batchMetrics,
		Clock:        deps.Clock,
	})
	if err != nil {
		return nil, err
	}
	s.pipeline = pipeline

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		return nil, err
	}
	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}

	if err := RegisterMessageHandler(s, MessageHandlerRegistration{
		Name:         BatchHandlerName,
		ConsumeQueue: conf.InputQueue,
		Handler:      pipeline.Handle,
	}); err != nil {
		return nil, err
	}

	return s, nil
}

// Start runs the underlying Watermill router until the provided context is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.StartStatusServer()
	s.startHTTPServers()
	return routerRun(s.router, ctx)
}

// Close stops the router and releases the transport. A router that never
// ran is left alone: closing it waits for handlers that will never start.
func (s *Service) Close() error {
	var errs []error
	if s.router != nil && s.router.IsRunning() {
		errs = append(errs, s.router.Close())
	}
	errs = append(errs, s.transport.Close())
	return errors.Join(errs...)
}

// Running is closed once the router handlers are running.
func (s *Service) Running() chan struct{} {
	return s.router.Running()
}

// Pipeline returns the batch pipeline fed by the input queue.
func (s *Service) Pipeline() *batch.Pipeline {
	return s.pipeline
}

// Publisher returns the transport publisher, used by the feeder and tests.
func (s *Service) Publisher() message.Publisher {
	return s.publisher
}

// Capabilities reports what the configured transport guarantees.
func (s *Service) Capabilities() transportpkg.Capabilities {
	return s.capabilities
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) getResourceTracker() *resourceTracker {
	if s.resourceTracker == nil {
		s.resourceTracker = newResourceTracker()
	}
	return s.resourceTracker
}

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func(addr string, handler http.Handler) {
			if err := http.ListenAndServe(addr, handler); err != nil {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": addr})
			}
		}(addr, mux)
	}
}
