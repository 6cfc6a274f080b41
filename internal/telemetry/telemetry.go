// Package telemetry wires the pipeline's counters into OpenTelemetry and
// optionally serves them to Prometheus.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

const meterName = "github.com/vimo-ai/VhisperNative"

// Metrics aggregates the dictation counters. A nil *Metrics receiver is
// valid and records nothing, so hosts without telemetry skip setup.
type Metrics struct {
	sessions    metric.Int64Counter
	partials    metric.Int64Counter
	finals      metric.Int64Counter
	failures    metric.Int64Counter
	refineFalls metric.Int64Counter
}

// NewMetrics registers the counters on the globally installed meter
// provider. Call Setup first when a Prometheus endpoint is wanted;
// otherwise the counters land on the default no-op provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)

	sessions, err := meter.Int64Counter("vhisper.sessions.started",
		metric.WithDescription("Recording sessions started"))
	if err != nil {
		return nil, err
	}
	partials, err := meter.Int64Counter("vhisper.results.partial",
		metric.WithDescription("Interim hypotheses forwarded to the sink"))
	if err != nil {
		return nil, err
	}
	finals, err := meter.Int64Counter("vhisper.results.final",
		metric.WithDescription("Final transcripts delivered"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("vhisper.errors",
		metric.WithDescription("User-facing errors by code"))
	if err != nil {
		return nil, err
	}
	refineFalls, err := meter.Int64Counter("vhisper.refinement.fallbacks",
		metric.WithDescription("Refinement failures that fell back to unrefined text"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		sessions:    sessions,
		partials:    partials,
		finals:      finals,
		failures:    failures,
		refineFalls: refineFalls,
	}, nil
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessions.Add(context.Background(), 1)
}

func (m *Metrics) PartialDelivered() {
	if m == nil {
		return
	}
	m.partials.Add(context.Background(), 1)
}

func (m *Metrics) FinalDelivered(provider string) {
	if m == nil {
		return
	}
	m.finals.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("provider", provider)))
}

func (m *Metrics) ErrorEmitted(code string) {
	if m == nil {
		return
	}
	m.failures.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("code", code)))
}

func (m *Metrics) RefinementFallback() {
	if m == nil {
		return
	}
	m.refineFalls.Add(context.Background(), 1)
}

// Setup installs a Prometheus-backed meter provider and serves the
// scrape endpoint on bind. An empty bind leaves the default provider in
// place and returns a no-op shutdown.
func Setup(bind string, logger *slog.Logger) (func(context.Context) error, error) {
	if bind == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName("vhisper")),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics endpoint stopped", slog.String("error", err.Error()))
		}
	}()
	logger.Info("metrics endpoint listening", slog.String("bind", bind))

	shutdown := func(ctx context.Context) error {
		var errs []error
		if err := server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}
	return shutdown, nil
}
