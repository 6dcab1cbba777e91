package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"

	"github.com/zoff-tech/go-eventspool/pkg/config"
	"github.com/zoff-tech/go-eventspool/pkg/logging"
)

// Init initializes telemetry and returns a shutdown function. Trace export
// is skipped when TracingURL is empty; the /metrics listener is started only
// when MetricsAddr is set.
func Init(cfg config.Observability) (func(), error) {
	if cfg.ServiceName == "" {
		return nil, errors.New("service name cannot be empty")
	}

	var shutdowns []func()

	if cfg.TracingURL != "" {
		tpShutdown, err := initTracing(cfg)
		if err != nil {
			return nil, err
		}
		shutdowns = append(shutdowns, tpShutdown)
	}

	if cfg.MetricsAddr != "" {
		shutdowns = append(shutdowns, startMetricsServer(cfg.MetricsAddr))
	}

	return func() {
		for _, fn := range shutdowns {
			fn()
		}
	}, nil
}

func initTracing(cfg config.Observability) (func(), error) {
	client := otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.TracingURL),
		otlptracehttp.WithInsecure(),
	)
	traceExporter, err := otlptrace.New(context.Background(), client)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(traceExporter),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logging.Error().Err(err).Msg("error shutting down tracer provider")
		}
	}, nil
}

// startMetricsServer serves the prometheus default registry on addr and
// returns a function that stops the listener.
func startMetricsServer(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error().Err(err).Str("addr", addr).Msg("metrics listener failed")
		}
	}()
	logging.Info().Str("addr", addr).Msg("metrics listener started")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logging.Error().Err(err).Msg("error shutting down metrics listener")
		}
	}
}
