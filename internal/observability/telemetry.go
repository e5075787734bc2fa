// Package observability wires the process-wide telemetry for the report
// form engine: an OTLP trace exporter when an endpoint is configured, the
// Prometheus scrape listener, and trace-aware logging helpers.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls telemetry exporters and listeners. Empty fields disable
// the corresponding piece.
type Config struct {
	ServiceName  string
	MetricsAddr  string
	OTLPEndpoint string
}

// Start brings up tracing and metrics. The returned function tears both
// down and belongs in the graceful shutdown path.
func Start(ctx context.Context, cfg Config, logger zerolog.Logger) (func(context.Context) error, error) {
	provider, err := newTracerProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	if provider != nil {
		otel.SetTracerProvider(provider)
		logger.Info().Str("endpoint", cfg.OTLPEndpoint).Msg("trace export enabled")
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		metricsSrv = serveMetrics(cfg.MetricsAddr, logger)
	}

	return func(ctx context.Context) error {
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(ctx)
		}
		if provider == nil {
			return nil
		}
		return provider.Shutdown(ctx)
	}, nil
}

func newTracerProvider(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	if cfg.OTLPEndpoint == "" {
		return nil, nil
	}
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		)),
	), nil
}

func serveMetrics(addr string, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	logger.Info().Str("addr", addr).Msg("metrics server started")
	return srv
}

// LoggerWithTrace stamps the active span's ids onto the logger so hub and
// API log lines correlate with their traces.
func LoggerWithTrace(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.IsValid() {
		return logger
	}
	return logger.With().
		Str("trace_id", spanCtx.TraceID().String()).
		Str("span_id", spanCtx.SpanID().String()).
		Logger()
}

// RegisterRuntimeCollectors publishes goroutine and heap gauges alongside
// the per-package metrics. The goroutine count is the one to watch here;
// every websocket connection pins a reader and a writer.
func RegisterRuntimeCollectors() {
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "runtime",
		Name:      "goroutines",
		Help:      "Number of live goroutines.",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	}))

	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "runtime",
		Name:      "heap_alloc_bytes",
		Help:      "Bytes of allocated heap objects.",
	}, func() float64 {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		return float64(stats.HeapAlloc)
	}))
}
