// Package observability sets up logging, tracing and metrics for the
// on-call engine and names the span attributes its packages share.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// ServiceNamespace groups the engine's processes (API, workers) in traces.
const ServiceNamespace = "oncall"

// Config controls observability bootstrap behaviour.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string // empty leaves deployment.environment.name unset
	InstanceID     string // empty means the hostname
	LogLevel       string
	LogFormat      string
	OTLPEndpoint   string // empty drops spans unless Exporter is set
	// SampleRatio is the fraction of root traces recorded; 0 means all.
	SampleRatio float64
	// Output receives log lines; nil means stdout.
	Output io.Writer
	// Exporter replaces the OTLP exporter and receives spans synchronously.
	Exporter sdktrace.SpanExporter
}

// Provider owns the SDK providers installed as the otel globals.
type Provider struct {
	log      *slog.Logger
	shutdown []namedShutdown
}

type namedShutdown struct {
	name string
	fn   func(context.Context) error
}

// New builds the process logger, installs tracer and meter providers as
// the otel globals and returns both. Call Shutdown on exit to flush spans.
func New(ctx context.Context, cfg *Config) (*Provider, *slog.Logger, error) {
	log := NewLogger(cfg.Output, cfg.LogLevel, cfg.LogFormat)

	res, err := newResource(cfg)
	if err != nil {
		return nil, nil, err
	}
	tp, err := newTracerProvider(ctx, cfg, res, log)
	if err != nil {
		return nil, nil, err
	}
	mp, err := newMeterProvider(res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{
		log: log,
		shutdown: []namedShutdown{
			{"tracer", tp.Shutdown},
			{"meter", mp.Shutdown},
		},
	}, log, nil
}

// newResource describes this process: which service, which deployment and
// which instance emitted a span or metric.
func newResource(cfg *Config) (*resource.Resource, error) {
	instance := cfg.InstanceID
	if instance == "" {
		instance, _ = os.Hostname()
	}
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.ServiceNamespace(ServiceNamespace),
	}
	if instance != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(instance))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentName(cfg.Environment))
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}
	return res, nil
}

func newTracerProvider(ctx context.Context, cfg *Config, res *resource.Resource, log *slog.Logger) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		opts = append(opts, sdktrace.WithSampler(
			sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))))
	}

	switch {
	case cfg.Exporter != nil:
		opts = append(opts, sdktrace.WithSyncer(cfg.Exporter))
	case cfg.OTLPEndpoint != "":
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("build otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	default:
		log.Debug("otel: no OTLP endpoint configured, spans are dropped")
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

// newMeterProvider exposes otel instruments on the Prometheus default
// registry next to the engine's own collectors.
func newMeterProvider(res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exp, err := otelprometheus.New(otelprometheus.WithNamespace(ServiceNamespace))
	if err != nil {
		return nil, fmt.Errorf("build prometheus exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exp),
	), nil
}

// Shutdown flushes and stops the providers within ten seconds.
func (p *Provider) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var errs []error
	for _, s := range p.shutdown {
		if err := s.fn(ctx); err != nil {
			p.log.Error("otel shutdown failed", "provider", s.name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// ParseLevel maps "debug", "info", "warn" and "error" to a slog level.
// Unknown names fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger writing to w: JSON unless format is
// "text".
func NewLogger(w io.Writer, level, format string) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
