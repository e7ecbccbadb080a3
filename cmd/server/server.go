package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"deepresearch/internal/config"
	"deepresearch/internal/httpapi"
	"deepresearch/internal/logging"
	"deepresearch/internal/providers/auth"
	"deepresearch/internal/providers/httpmodel"
	"deepresearch/internal/providers/httpsearch"
	"deepresearch/internal/providers/notify"
	"deepresearch/internal/research/app"
	"deepresearch/internal/research/ports"
)

// runServer implements the §12 bootstrap sequence: load config, configure
// logging and telemetry, wire providers and the pipeline driver, serve HTTP
// until an OS signal, then shut down gracefully.
func runServer() error {
	cfg, sources, err := config.Load(configFile, rootCmd.Flags())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Configure(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger := logging.NewComponentLogger("bootstrap")
	logger.Info("starting deep research engine, config source for log.level=%s", sources["log.level"])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, mp, err := setupTelemetry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}

	store := app.NewInMemoryTaskStore(
		app.WithPersistenceFile(cfg.Store.Path),
		app.WithStoreLogger(logging.NewComponentLogger("task_store")),
	)
	manager := app.NewManager(store,
		app.WithMaxTasks(cfg.TaskManager.MaxTasks),
		app.WithManagerLogger(logging.NewComponentLogger("task_manager")),
	)
	defer manager.Destroy()

	modelClient := httpmodel.New(cfg.Providers.ModelBaseURL, cfg.Providers.ModelAPIKey,
		httpmodel.WithLogger(logging.NewComponentLogger("httpmodel")))
	searchClient := httpsearch.New(cfg.Providers.SearchBaseURL, cfg.Providers.SearchAPIKey,
		httpsearch.WithLogger(logging.NewComponentLogger("httpsearch")))

	var notifier ports.NotificationSink = notify.NoopSink{}
	if cfg.Providers.NotifyWebhook != "" {
		notifier = notify.NewWebhookSink(cfg.Providers.NotifyWebhook,
			notify.WithLogger(logging.NewComponentLogger("notify")))
	}

	pipeline := app.NewPipeline(modelClient, searchClient,
		app.WithThinkingModels(splitCSV(cfg.Defaults.ThinkingModels)),
		app.WithTaskModels(splitCSV(cfg.Defaults.TaskModels)),
		app.WithNotifier(notifier),
		app.WithPipelineLogger(logging.NewComponentLogger("pipeline")),
	)
	runnerFunc := func() app.PipelineRunner { return pipeline }

	multiplex := app.NewStreamMultiplexer(manager)

	var verifier ports.AuthVerifier = auth.NoopVerifier{}
	if cfg.Server.AuthToken != "" {
		verifier = auth.NewStaticTokenVerifier(map[string]ports.AuthConfig{
			cfg.Server.AuthToken: {},
		})
	}

	readiness := httpapi.NewReadinessGate()
	router := httpapi.NewRouter(httpapi.RouterDeps{
		Manager:     manager,
		Multiplex:   multiplex,
		RunnerFunc:  runnerFunc,
		AuthVerify:  verifier,
		Readiness:   readiness,
		RateLimiter: httpapi.NewRateLimiter(cfg.Server.RateLimitPerSecond, cfg.Server.RateLimitBurst),
		Logger:      logging.NewComponentLogger("httpapi"),
	})

	apiServer := &http.Server{Addr: cfg.Server.ListenAddr, Handler: router}
	metricsServer := &http.Server{Addr: cfg.Server.MetricsListenAddr, Handler: promhttp.Handler()}

	serverErrs := make(chan error, 2)
	go func() {
		logger.Info("api listening on %s", cfg.Server.ListenAddr)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrs <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		logger.Info("metrics listening on %s", cfg.Server.MetricsListenAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrs <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	readiness.MarkReady()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		select {
		case err := <-serverErrs:
			logger.Error("server failed: %v", err)
			shutdown(apiServer, metricsServer, tp, mp, logger)
			cancel()
			return err
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("received SIGHUP: config reload is not supported for running components; restart to apply changes")
			default:
				logger.Info("received signal %v, shutting down", sig)
				shutdown(apiServer, metricsServer, tp, mp, logger)
				cancel()
				return nil
			}
		}
	}
}

// shutdown drains both HTTP listeners and the telemetry providers within a
// bounded window; it never blocks indefinitely on a stuck client.
func shutdown(apiServer, metricsServer *http.Server, tp *sdktrace.TracerProvider, mp *sdkmetric.MeterProvider, logger logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(ctx); err != nil {
		logger.Warn("api server shutdown: %v", err)
	}
	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Warn("metrics server shutdown: %v", err)
	}
	if tp != nil {
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("tracer provider shutdown: %v", err)
		}
	}
	if mp != nil {
		if err := mp.Shutdown(ctx); err != nil {
			logger.Warn("meter provider shutdown: %v", err)
		}
	}
}

// setupTelemetry wires the OTel SDK: a tracer provider exporting spans over
// OTLP/HTTP when tracing is enabled, and a meter provider bridged onto the
// process's Prometheus registry so OTel-instrumented libraries surface
// alongside the engine's own promauto metrics on /metrics.
func setupTelemetry(ctx context.Context, cfg config.Config) (*sdktrace.TracerProvider, *sdkmetric.MeterProvider, error) {
	res := resource.NewSchemaless(attribute.String("service.name", cfg.Tracing.ServiceName))

	metricExporter, err := otelprom.New()
	if err != nil {
		return nil, nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(metricExporter), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)

	if !cfg.Tracing.Enabled {
		tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
		otel.SetTracerProvider(tp)
		return tp, mp, nil
	}

	traceExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Tracing.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("otlp trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, mp, nil
}

// splitCSV splits a comma-separated model list, trimming whitespace and
// dropping empty entries; an empty input yields nil, which the pipeline
// options ignore, leaving that default model pool empty.
func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
