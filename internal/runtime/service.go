package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/corrflow/internal/runtime/config"
	"github.com/drblury/corrflow/internal/runtime/correlation"
	errspkg "github.com/drblury/corrflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/corrflow/internal/runtime/logging"
	"github.com/drblury/corrflow/internal/runtime/plan"
	transportpkg "github.com/drblury/corrflow/internal/runtime/transport"
	httptransport "github.com/drblury/corrflow/transport/http"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

const httpShutdownTimeout = 5 * time.Second

// ServiceDependencies holds the optional collaborators that the Service can use.
type ServiceDependencies struct {
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	TransportFactory          transportpkg.Factory
	// Hooks run after the built-in logging and metrics hooks.
	Hooks PlanHooks
	// Registerer receives the Prometheus collectors. Defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// Service wires the transport, the Watermill router, the shared correlation
// engine and the plan registry.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	deps ServiceDependencies

	publisher     message.Publisher
	subscriber    message.Subscriber
	router        *message.Router
	routerStarted atomic.Bool

	engine   *correlation.Engine
	registry *Registry
	ingress  *Ingress
	egress   *Egress
	metrics  *Metrics

	httpServers   map[int]*http.ServeMux
	running       []*http.Server
	httpServersMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewService constructs a Service for the supplied configuration and panics
// when it cannot be built. Use TryNewService to handle the error.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService constructs a Service for the supplied configuration. Plans are
// registered on the returned Service or loaded from Conf.PlansFile by Start.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating event service",
		loggingpkg.LogFields{
			"pubsub_system": transportpkg.SystemName(conf),
			"config":        conf,
		})

	s := &Service{
		Conf:   conf,
		Logger: log,
		deps:   deps,
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	transport, err := factory.Build(ctx, conf, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}
	s.publisher = transport.Publisher
	s.subscriber = transport.Subscriber

	if err := s.build(); err != nil {
		s.closeTransport()
		if s.engine != nil {
			s.engine.Close()
		}
		return nil, err
	}
	return s, nil
}

func (s *Service) build() error {
	if s.publisher == nil {
		return errspkg.ErrPublisherRequired
	}

	if s.Conf.InitializeTopics {
		if err := transportpkg.InitializeTopics(s.subscriber, s.Conf.InputTopics); err != nil {
			return err
		}
	}

	s.metrics = NewMetrics(s.registerer())
	if s.Conf.MetricsEnabled {
		if err := s.metrics.Register(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	s.engine = correlation.NewEngine(s.Logger,
		correlation.WithBufferSize(s.Conf.EngineBufferSize),
		correlation.WithEvaluationErrorHandler(func(string, string, error) {
			s.metrics.evaluationFailed()
		}),
	)

	egress, err := NewEgress(s.publisher, EgressConfigFromConfig(s.Conf), s.Logger, s.metrics)
	if err != nil {
		return err
	}
	s.egress = egress

	hooks := LoggingHooks(s.Logger).Merge(MetricsHooks(s.metrics)).Merge(s.deps.Hooks)
	s.registry = NewRegistry(s.engine, s.egress, hooks, s.Logger)
	s.ingress = NewIngress(s.registry, s.Logger, s.metrics)

	router, err := message.NewRouter(message.RouterConfig{}, loggingpkg.NewWatermillAdapter(s.Logger))
	if err != nil {
		return err
	}
	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	if err := s.registerConfiguredMiddlewares(); err != nil {
		return err
	}

	for _, topic := range s.Conf.InputTopics {
		if s.subscriber == nil {
			return errors.New("subscriber is required to consume input topics")
		}
		s.router.AddConsumerHandler("ingress-"+topic, topic, s.subscriber, s.ingress.HandleMessage)
	}
	return nil
}

// Start loads the configured plans, starts the HTTP servers and runs the
// router until ctx is cancelled. The Service is closed when Start returns.
func (s *Service) Start(ctx context.Context) error {
	if s.Conf.PlansFile != "" {
		if err := s.loadPlansFile(); err != nil {
			return errors.Join(err, s.Close())
		}
	}
	if s.Conf.WatchPlans {
		watcher, err := plan.NewWatcher(s.Conf.PlansFile, s.Conf.PlansReloadDebounce, s.Logger)
		if err != nil {
			return errors.Join(fmt.Errorf("watch plans file: %w", err), s.Close())
		}
		go watcher.Run(ctx, s.ApplyPlans)
	}

	s.StartWebUIServer()
	s.startHTTPServers()

	var runErr error
	if len(s.Conf.InputTopics) == 0 {
		s.Logger.Info("No input topics configured; plans receive events through Ingest only", nil)
		<-ctx.Done()
	} else {
		go s.startTransportServer(ctx)
		s.routerStarted.Store(true)
		runErr = routerRun(s.router, ctx)
	}
	return errors.Join(runErr, s.Close())
}

func (s *Service) loadPlansFile() error {
	descs, err := plan.LoadFile(s.Conf.PlansFile)
	if err != nil {
		return err
	}
	if err := s.ApplyPlans(descs); err != nil {
		s.Logger.Error("Some plans failed to start", err, loggingpkg.LogFields{"plans_file": s.Conf.PlansFile})
	}
	return nil
}

// startTransportServer starts the HTTP subscriber's server once the router
// has subscribed to every input topic.
func (s *Service) startTransportServer(ctx context.Context) {
	starter, ok := s.subscriber.(httptransport.ServerStarter)
	if !ok {
		return
	}
	select {
	case <-s.router.Running():
	case <-ctx.Done():
		return
	}
	if err := starter.StartHTTPServer(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.Logger.Error("HTTP transport server stopped", err, nil)
	}
}

// Close stops every plan, then the engine, the router and the transport. It
// is safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.registry != nil {
			errs = append(errs, s.registry.Close())
		}
		if s.engine != nil {
			s.engine.Close()
		}
		// A router that never ran still counts its handlers as pending.
		if s.router != nil && s.routerStarted.Load() {
			errs = append(errs, s.router.Close())
		}
		errs = append(errs, s.closeTransport(), s.stopHTTPServers())
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *Service) closeTransport() error {
	var errs []error
	if s.publisher != nil {
		errs = append(errs, s.publisher.Close())
	}
	if s.subscriber != nil && any(s.subscriber) != any(s.publisher) {
		errs = append(errs, s.subscriber.Close())
	}
	return errors.Join(errs...)
}

func (s *Service) registerConfiguredMiddlewares() error {
	var defaults []MiddlewareRegistration
	if !s.deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(s.deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, s.deps.Middlewares...)

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

// RegisterPlan starts desc and adds it to the registry.
func (s *Service) RegisterPlan(desc *plan.Descriptor) error {
	return s.registry.Register(desc)
}

// UnregisterPlan stops and removes the plan with id.
func (s *Service) UnregisterPlan(id string) error {
	return s.registry.Unregister(id)
}

// ReplacePlan swaps the running plan with desc's id for desc.
func (s *Service) ReplacePlan(desc *plan.Descriptor) error {
	return s.registry.Replace(desc)
}

// ApplyPlans reconciles the registry with descs.
func (s *Service) ApplyPlans(descs []*plan.Descriptor) error {
	return s.registry.Reconcile(descs)
}

// ActivePlans returns the ids of running plans in lexical order.
func (s *Service) ActivePlans() []string {
	return s.registry.ListActive()
}

// Ingest routes ev to every running plan without going through the transport.
func (s *Service) Ingest(ev correlation.RawEvent) error {
	return s.ingress.Route(ev)
}

// Registry exposes the plan registry.
func (s *Service) Registry() *Registry { return s.registry }

// Metrics exposes the plan statistics.
func (s *Service) Metrics() *Metrics { return s.metrics }

// Publisher exposes the transport publisher, for producing raw events in the
// same process.
func (s *Service) Publisher() message.Publisher { return s.publisher }

// Subscriber exposes the transport subscriber, for consuming output rows in
// the same process.
func (s *Service) Subscriber() message.Subscriber { return s.subscriber }

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
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.running = append(s.running, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}(srv)
	}
}

func (s *Service) stopHTTPServers() error {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()

	var errs []error
	for _, srv := range s.running {
		errs = append(errs, srv.Shutdown(ctx))
	}
	s.running = nil
	return errors.Join(errs...)
}
