package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matt-riley/variantz/experiment"
	"github.com/matt-riley/variantz/internal/config"
	"github.com/matt-riley/variantz/internal/exposure"
	"github.com/matt-riley/variantz/internal/filesource"
	"github.com/matt-riley/variantz/internal/logging"
	"github.com/matt-riley/variantz/internal/metrics"
	"github.com/matt-riley/variantz/internal/middleware"
	"github.com/matt-riley/variantz/internal/server"
	"github.com/matt-riley/variantz/internal/storage"
	"github.com/matt-riley/variantz/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

var healthCheckMethods = []string{
	healthpb.Health_Check_FullMethodName,
	healthpb.Health_Watch_FullMethodName,
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the evaluation API over HTTP and gRPC",
		Long:  "Serve the evaluation API over HTTP and gRPC. Configuration is read from the environment.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Instance: cfg.InstanceName})
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(ctx, tracing.Options{Version: version, Instance: cfg.InstanceName})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	}()

	d, err := newDaemon(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer d.close()

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		_ = httpListener.Close()
		return fmt.Errorf("listen gRPC %s: %w", cfg.GRPCAddr, err)
	}

	log.Info("server started", "http_addr", httpListener.Addr().String(), "grpc_addr", grpcListener.Addr().String(), "version", version)
	return d.run(ctx, httpListener, grpcListener)
}

// daemon is everything serve runs, built before any listener is opened.
type daemon struct {
	cfg     config.Config
	log     *slog.Logger
	metrics *metrics.Metrics

	registry *experiment.Registry
	client   *experiment.Client
	store    storage.Store

	httpHandler http.Handler
	grpcServer  *grpc.Server

	// background runs until ctx is done.
	background []func(ctx context.Context) error
	closers    []func()
}

func newDaemon(ctx context.Context, cfg config.Config, log *slog.Logger) (_ *daemon, err error) {
	d := &daemon{
		cfg:      cfg,
		log:      log,
		metrics:  metrics.New(),
		registry: experiment.NewRegistry(),
	}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	if cfg.StorageDriver != config.StorageNone {
		d.store, err = storage.Open(ctx, cfg.StorageDriver, cfg.StorageDSN)
		if err != nil {
			return nil, fmt.Errorf("open %s store: %w", cfg.StorageDriver, err)
		}
		store := d.store
		d.closers = append(d.closers, func() {
			if err := store.Close(); err != nil {
				log.Warn("close store failed", "error", err)
			}
		})
		if pg, ok := d.store.(*storage.PostgresStore); ok {
			metrics.RegisterPoolMetrics(d.metrics.Registry, cfg.StorageDriver, pg.Pool())
		}
	}

	expCfg := experiment.Config{
		DeploymentKey:     cfg.DeploymentKey,
		InstanceName:      cfg.InstanceName,
		ServerURL:         cfg.ServerURL,
		Source:            experiment.Source(cfg.VariantSource),
		FlagsPollInterval: cfg.FlagsPollInterval,
		FetchTimeout:      cfg.FetchTimeout,
		FetchRetries:      cfg.FetchRetries,
		Metrics:           d.metrics,
		Logger:            log,
	}
	if d.store != nil {
		expCfg.Store = d.store
	}
	if cfg.InitialVariantsFile != "" {
		if expCfg.InitialVariants, err = loadInitialVariants(cfg.InitialVariantsFile); err != nil {
			return nil, err
		}
	}

	if cfg.FlagsFile != "" {
		source := filesource.New(cfg.FlagsFile, log)
		expCfg.FlagSource = source
		// The file is watched instead of polled.
		expCfg.FlagsPollInterval = -1
		d.background = append(d.background, func(ctx context.Context) error {
			return source.Watch(ctx, func(flags []experiment.Flag) {
				d.client.SetFlags(flags)
			})
		})
	}

	expCfg.ExposureSink = d.exposureSink(expCfg.Namespace())

	d.client, err = d.registry.Client(expCfg)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	// Stop the client before the store it persists to is closed.
	d.closers = append(d.closers, d.registry.Close)
	if err := d.client.Start(ctx); err != nil {
		// The client keeps serving whatever snapshots it restored.
		log.Warn("initial fetch failed", "error", err)
	}

	if notifier, ok := d.store.(storage.Notifier); ok {
		d.background = append(d.background, func(ctx context.Context) error {
			d.followStore(ctx, notifier, expCfg.Namespace())
			return nil
		})
	}

	d.buildTransports(ctx)
	return d, nil
}

// exposureSink assembles the configured sink behind a session dedup.
func (d *daemon) exposureSink(namespace string) experiment.ExposureSink {
	if d.cfg.ExposureSink == config.ExposureNone {
		return nil
	}

	var sinks exposure.Fanout
	if d.cfg.ExposureSink == config.ExposureLog || d.cfg.ExposureSink == config.ExposureBoth {
		sinks = append(sinks, exposure.LogSink{Logger: d.log.With("component", "exposure")})
	}
	if d.cfg.ExposureSink == config.ExposureStore || d.cfg.ExposureSink == config.ExposureBoth {
		storeSink := exposure.NewStoreSink(d.store, exposure.StoreSinkConfig{Namespace: namespace, Logger: d.log})
		d.background = append(d.background, func(ctx context.Context) error {
			storeSink.Run(ctx)
			return nil
		})
		sinks = append(sinks, storeSink)
	}

	var sink experiment.ExposureSink = sinks
	if len(sinks) == 1 {
		sink = sinks[0]
	}

	dedup := exposure.NewDedup(sink)
	window := d.cfg.ExposureDedupWindow
	d.background = append(d.background, func(ctx context.Context) error {
		dedup.Run(ctx, window)
		return nil
	})
	return dedup
}

// followStore restores the client whenever another process saves snapshots
// for its namespace.
func (d *daemon) followStore(ctx context.Context, notifier storage.Notifier, namespace string) {
	for changed := range notifier.Subscribe(ctx) {
		if changed != namespace {
			continue
		}
		d.log.Debug("store changed, restoring snapshots", "namespace", namespace)
		d.client.Restore(ctx)
	}
}

func (d *daemon) buildTransports(ctx context.Context) {
	var (
		httpAuth        func(http.Handler) http.Handler
		unaryAuth       []grpc.UnaryServerInterceptor
		interceptorTail = []grpc.UnaryServerInterceptor{d.metrics.UnaryServerInterceptor()}
	)
	if d.cfg.APIKeyHash != "" {
		limiter := middleware.NewRateLimiter(ctx, middleware.RateLimiterConfig{MaxFailuresPerMinute: d.cfg.AuthRateLimit})
		d.closers = append(d.closers, limiter.Stop)

		validator := middleware.StaticTokenValidator{Hash: d.cfg.APIKeyHash}
		opts := []middleware.AuthOption{
			middleware.WithOnAuthFailure(d.metrics.IncAuthFailures),
			middleware.WithRateLimiter(limiter),
		}
		httpAuth = middleware.HTTPBearerAuthMiddleware(validator, opts...)
		unaryAuth = append(unaryAuth, middleware.UnaryBearerAuthInterceptor(validator, healthCheckMethods, opts...))
	}

	api := server.NewHTTPHandler(d.client, server.HTTPOptions{
		MaxJSONBodyBytes: d.cfg.MaxJSONBodySize,
		Metrics:          d.metrics,
		Auth:             httpAuth,
	})
	d.httpHandler = otelhttp.NewHandler(middleware.HTTPRequestLogging(d.log)(api), "variantz-http")

	interceptors := append([]grpc.UnaryServerInterceptor{middleware.UnaryRequestLoggingInterceptor(d.log)}, unaryAuth...)
	interceptors = append(interceptors, interceptorTail...)
	d.grpcServer = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors...),
	)
	server.RegisterEvaluationServer(d.grpcServer, server.NewGRPCServer(d.client))

	healthServer := health.NewServer()
	healthServer.SetServingStatus(server.EvaluationServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(d.grpcServer, healthServer)
}

// run serves until ctx is done or a server fails, then shuts both servers
// down gracefully.
func (d *daemon) run(ctx context.Context, httpListener, grpcListener net.Listener) error {
	httpServer := &http.Server{
		Handler:           d.httpHandler,
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve HTTP: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := d.grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("serve gRPC: %w", err)
		}
		return nil
	})
	for _, task := range d.background {
		g.Go(func() error { return task(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		d.log.Info("server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var shutdownErr error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			shutdownErr = fmt.Errorf("shutdown HTTP: %w", err)
		}

		stopped := make(chan struct{})
		go func() {
			d.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			d.grpcServer.Stop()
		}
		return shutdownErr
	})

	return g.Wait()
}

func (d *daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

// loadInitialVariants reads a JSON object of flag key to variant.
func loadInitialVariants(path string) (map[string]experiment.Variant, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read initial variants: %w", err)
	}
	var variants map[string]experiment.Variant
	if err := json.Unmarshal(raw, &variants); err != nil {
		return nil, fmt.Errorf("parse initial variants %s: %w", path, err)
	}
	return variants, nil
}
