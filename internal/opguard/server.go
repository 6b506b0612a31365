// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

// Package opguard is the composition root of the opguard HTTP service.
package opguard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/innovationmech/opguard/internal/opguard/config"
	pkgconfig "github.com/innovationmech/opguard/pkg/config"
	"github.com/innovationmech/opguard/pkg/idempotency"
	"github.com/innovationmech/opguard/pkg/logger"
	"github.com/innovationmech/opguard/pkg/metrics"
	"github.com/innovationmech/opguard/pkg/middleware"
	"github.com/innovationmech/opguard/pkg/operations"
	"github.com/innovationmech/opguard/pkg/saga"
	"github.com/innovationmech/opguard/pkg/storage"
	"github.com/innovationmech/opguard/pkg/tracing"
)

const sentryFlushTimeout = 2 * time.Second

// Registrar lets an embedding service register its saga handlers and
// compensations before the server starts.
type Registrar func(m *operations.Manager) error

// Server is the opguard HTTP host.
type Server struct {
	cfg        *config.Config
	store      storage.Storage
	ownsStore  bool
	prom       *metrics.PrometheusCollector
	manager    *operations.Manager
	engine     *gin.Engine
	throttle   *middleware.Throttle
	httpServer *http.Server
	logger     *zap.Logger
	registrars []Registrar
	collector  metrics.Collector

	source         *pkgconfig.Manager
	tracing        *tracing.Provider
	tracerProvider trace.TracerProvider
	propagator     propagation.TextMapPropagator
	reporter       *sentryReporter

	mu   sync.Mutex
	addr net.Addr
}

// Option customises a Server.
type Option func(*Server)

// WithStorage uses an already opened storage. The server will not close it.
func WithStorage(s storage.Storage) Option {
	return func(srv *Server) { srv.store = s }
}

// WithLogger overrides the global logger.
func WithLogger(log *zap.Logger) Option {
	return func(srv *Server) { srv.logger = log }
}

// WithConfigSource enables hot reload: while Run is serving, edits to the
// manager's files update the log level and throttle limits.
func WithConfigSource(m *pkgconfig.Manager) Option {
	return func(srv *Server) { srv.source = m }
}

// WithTracerProvider overrides the provider built from tracing.exporter.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(srv *Server) { srv.tracerProvider = tp }
}

// WithRegistrar adds a handler registration hook.
func WithRegistrar(r Registrar) Option {
	return func(srv *Server) { srv.registrars = append(srv.registrars, r) }
}

// NewServer wires storage, metrics, the operations manager and the router.
func NewServer(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.GetLogger()
	}

	if s.store == nil {
		store, err := storage.Open(ctx, cfg.Storage, storage.WithOpenLogger(s.logger))
		if err != nil {
			return nil, err
		}
		s.store, s.ownsStore = store, true
	}

	var collector metrics.Collector = metrics.NoopCollector{}
	if cfg.Metrics.Enabled {
		promCfg := cfg.Metrics
		s.prom = metrics.NewPrometheusCollector(&promCfg)
		collector = s.prom
	}
	s.collector = collector

	if err := s.setupTracing(ctx); err != nil {
		s.closeStore()
		return nil, err
	}
	sagaOpts := []saga.Option{
		saga.WithRetention(cfg.Saga.Retention),
		saga.WithLockTTL(cfg.Saga.LockTTL),
		saga.WithBackoff(saga.ExponentialBackoff(cfg.Saga.BackoffInitial, cfg.Saga.BackoffMax,
			cfg.Saga.BackoffMultiplier, cfg.Saga.BackoffJitter)),
		saga.WithTracer(s.tracerProvider.Tracer(saga.TracerName)),
	}
	if s.reporter != nil {
		sagaOpts = append(sagaOpts, saga.WithFailureReporter(s.reporter))
	}

	s.manager = operations.NewManager(s.store,
		operations.WithLogger(s.logger),
		operations.WithMetrics(collector),
		operations.WithBatchSize(cfg.Cleanup.BatchSize),
		operations.WithOperationRetention(cfg.Cleanup.OperationRetention),
		operations.WithLedgerOptions(
			idempotency.WithLockTTL(cfg.Idempotency.LockTTL),
			idempotency.WithInProgressTTL(cfg.Idempotency.InProgressTTL),
		),
		operations.WithSagaOptions(sagaOpts...),
	)
	for _, register := range s.registrars {
		if err := register(s.manager); err != nil {
			s.releaseTelemetry(context.WithoutCancel(ctx))
			s.closeStore()
			return nil, err
		}
	}

	if cfg.Throttle.Enabled {
		th, err := middleware.NewThrottle(&middleware.ThrottleConfig{
			Rate:         cfg.Throttle.Rate,
			Burst:        cfg.Throttle.Burst,
			TenantHeader: cfg.Idempotency.TenantHeader,
			IdleTTL:      cfg.Throttle.IdleTTL,
			Logger:       s.logger,
			Metrics:      collector,
		})
		if err != nil {
			s.releaseTelemetry(context.WithoutCancel(ctx))
			s.closeStore()
			return nil, err
		}
		s.throttle = th
	}

	s.engine = s.newRouter(collector)
	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      s.engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s, nil
}

// setupTracing builds the tracer provider and, when a DSN is configured,
// the Sentry reporter for failed compensations.
func (s *Server) setupTracing(ctx context.Context) error {
	s.propagator = tracing.DefaultPropagator()
	if s.tracerProvider == nil {
		p, err := tracing.NewProvider(ctx, tracing.Config{
			Exporter:    s.cfg.Tracing.Exporter,
			ServiceName: s.cfg.Tracing.ServiceName,
			Endpoint:    s.cfg.Tracing.Endpoint,
			Insecure:    s.cfg.Tracing.Insecure,
			SampleRatio: s.cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return err
		}
		s.tracing = p
		s.tracerProvider = p.TracerProvider()
		s.propagator = p.Propagator()
	}

	if s.cfg.Tracing.SentryDSN != "" {
		r, err := newSentryReporter(sentry.ClientOptions{
			Dsn:        s.cfg.Tracing.SentryDSN,
			ServerName: s.cfg.Tracing.ServiceName,
		}, s.logger)
		if err != nil {
			s.releaseTelemetry(ctx)
			return err
		}
		s.reporter = r
	}
	return nil
}

// releaseTelemetry flushes queued spans and Sentry events.
func (s *Server) releaseTelemetry(ctx context.Context) {
	if s.reporter != nil && !s.reporter.Flush(sentryFlushTimeout) {
		s.logger.Warn("timed out flushing Sentry events")
	}
	if s.tracing != nil {
		if err := s.tracing.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shut down tracer provider", zap.Error(err))
		}
	}
}

func (s *Server) newRouter(collector metrics.Collector) *gin.Engine {
	gin.SetMode(s.cfg.Server.Mode)
	engine := gin.New()

	logCfg := middleware.DefaultRequestLoggerConfig()
	logCfg.Logger = s.logger
	logCfg.LoggedHeaders = []string{s.cfg.Idempotency.TenantHeader, s.cfg.Idempotency.HeaderName}
	engine.Use(gin.Recovery(), middleware.RequestLoggerWithConfig(logCfg))
	engine.Use(middleware.HTTPMetrics(collector, nil))
	skip := []string{"/health"}
	if s.prom != nil {
		skip = append(skip, s.cfg.Metrics.Endpoint)
	}
	engine.Use(middleware.HTTPTracing(&middleware.HTTPTracingConfig{
		SkipPaths:      skip,
		TenantHeader:   s.cfg.Idempotency.TenantHeader,
		TracerProvider: s.tracerProvider,
		Propagator:     s.propagator,
	}))

	engine.GET("/health", s.health)
	if s.prom != nil {
		engine.GET(s.cfg.Metrics.Endpoint, gin.WrapH(s.prom.Handler()))
	}

	guard := &middleware.IdempotencyConfig{
		HeaderName:     s.cfg.Idempotency.HeaderName,
		CacheHitHeader: s.cfg.Idempotency.CacheHitHeader,
		TenantHeader:   s.cfg.Idempotency.TenantHeader,
		DefaultTenant:  s.cfg.Idempotency.DefaultTenant,
		ExemptPaths:    s.cfg.Idempotency.ExemptPaths,
		TTL:            s.cfg.Idempotency.TTL,
		RetryAfter:     s.cfg.Idempotency.RetryAfter,
		MaxKeyLength:   s.cfg.Idempotency.MaxKeyLength,
		Logger:         s.logger,
		Metrics:        collector,
	}
	v1 := engine.Group("/v1")
	if s.throttle != nil {
		v1.Use(s.throttle.Handler())
	}
	v1.Use(middleware.IdempotencyMiddleware(s.manager.Ledger(), guard))
	{
		v1.POST("/sagas", s.createSaga)
		v1.GET("/sagas/:id", s.getSaga)
		v1.POST("/sagas/:id/execute", s.executeSaga)
		v1.POST("/sagas/:id/cancel", s.cancelSaga)
		v1.GET("/sagas/:id/history", s.sagaHistory)
		v1.GET("/operations/:id", s.getOperation)
		v1.POST("/maintenance/cleanup", s.cleanup)
	}
	return engine
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Manager returns the operations manager.
func (s *Server) Manager() *operations.Manager { return s.manager }

// Addr returns the bound address once Run is listening, or nil.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run serves until ctx is done, then shuts down gracefully: the listener
// stops accepting, in-flight requests drain, the cleanup loop stops,
// background operations finish and the storage is closed.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Address)
	if err != nil {
		s.closeStore()
		return err
	}
	g, gctx := errgroup.WithContext(ctx)

	if s.cfg.Cleanup.Enabled {
		if err := s.manager.StartCleanup(gctx, s.cfg.Cleanup.Interval); err != nil {
			_ = ln.Close()
			s.releaseTelemetry(context.WithoutCancel(ctx))
			s.closeStore()
			return err
		}
	}

	if s.source != nil && s.cfg.Reload.Enabled {
		monitor := pkgconfig.NewMonitor(s.source,
			pkgconfig.WithDebounce(s.cfg.Reload.Debounce),
			pkgconfig.WithMonitorLogger(s.logger),
			pkgconfig.WithMonitorMetrics(s.collector))
		if err := monitor.Start(gctx); err != nil {
			_ = ln.Close()
			s.releaseTelemetry(context.WithoutCancel(ctx))
			s.closeStore()
			return err
		}
		g.Go(func() error {
			defer func() { _ = monitor.Stop() }()
			for {
				select {
				case <-gctx.Done():
					return nil
				case change := <-monitor.Events():
					s.applyReload(change)
				}
			}
		})
	}

	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	g.Go(func() error {
		s.logger.Info("opguard listening",
			zap.String("address", ln.Addr().String()),
			zap.String("storage", string(s.cfg.Storage.Backend)))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down opguard")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Server.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := s.manager.Close(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	s.releaseTelemetry(context.WithoutCancel(ctx))
	s.closeStore()
	if err != nil {
		s.logger.Error("opguard stopped with error", zap.Error(err))
		return err
	}
	s.logger.Info("opguard stopped")
	return nil
}

// Close releases a server that was built but not run: it stops the manager
// and closes owned storage.
func (s *Server) Close(ctx context.Context) error {
	err := s.manager.Close(ctx)
	s.releaseTelemetry(ctx)
	s.closeStore()
	return err
}

// applyReload applies the settings that can change without a restart:
// logging.level and the throttle rate and burst. Everything else keeps its
// startup value until the process restarts.
func (s *Server) applyReload(change pkgconfig.Change) {
	if change.Err != nil {
		return
	}
	next, err := config.Decode(s.source)
	if err != nil {
		s.logger.Warn("reloaded configuration is invalid, keeping previous settings",
			zap.String("file", change.File), zap.Error(err))
		return
	}

	if err := logger.SetLevel(next.Logging.Level); err != nil {
		s.logger.Warn("failed to apply log level", zap.Error(err))
	}
	if s.throttle != nil && next.Throttle.Enabled {
		if err := s.throttle.SetLimit(next.Throttle.Rate, next.Throttle.Burst); err != nil {
			s.logger.Warn("failed to apply throttle limits", zap.Error(err))
		}
	}
	s.logger.Info("configuration applied",
		zap.String("file", change.File),
		zap.String("layer", change.Layer),
		zap.String("log_level", logger.Level()),
		zap.Int("changed", change.Changed))
}

func (s *Server) closeStore() {
	if !s.ownsStore {
		return
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("failed to close storage", zap.Error(err))
	}
}
