package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/config"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// telemetry owns the process-wide trace and meter providers.
type telemetry struct {
	traces  *sdktrace.TracerProvider
	meters  *sdkmetric.MeterProvider
	metrics http.Handler
}

func (t *telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.meters.Shutdown(ctx), t.traces.Shutdown(ctx))
}

// voiceResource describes this gateway node to trace and metric backends.
func voiceResource(cfg config.Config) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.RuntimeName),
		semconv.DeploymentEnvironmentName(cfg.Environment),
		attribute.String("loqa.voice.agent_mode", cfg.Agent.Mode),
		attribute.String("loqa.voice.stt_mode", cfg.STT.Mode),
		attribute.String("loqa.voice.tts_mode", cfg.TTS.Mode),
	}
	if cfg.Bus.Enabled {
		attrs = append(attrs,
			semconv.ServiceInstanceID(cfg.Node.ID),
			attribute.String("loqa.voice.node_role", cfg.Node.Role),
		)
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

func setupTelemetry(cfg config.Config, logger *slog.Logger) (*telemetry, error) {
	ctx := context.Background()
	res := voiceResource(cfg)

	traces, err := newTracerProvider(ctx, cfg.Telemetry, res, logger)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(traces)

	meters, handler := newMeterProvider(res, logger)
	otel.SetMeterProvider(meters)

	return &telemetry{traces: traces, meters: meters, metrics: handler}, nil
}

// newTracerProvider exports to OTLP when an endpoint is set. Without one, spans are
// printed only at debug level so turn traces stay out of normal logs.
func newTracerProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	switch endpoint := strings.TrimSpace(cfg.OTLPEndpoint); {
	case endpoint != "":
		grpcOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, grpcOpts...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
		logger.Info("tracing initialized", slog.String("exporter", "otlp"), slog.String("endpoint", endpoint))
	case strings.EqualFold(cfg.LogLevel, "debug"):
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
		logger.Info("tracing initialized", slog.String("exporter", "stdout"))
	default:
		logger.Debug("tracing without exporter")
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

// newMeterProvider serves metrics from a registry private to this runtime.
func newMeterProvider(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	registry := promclient.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res)), nil
	}
	logger.Info("metrics initialized", slog.String("exporter", "prometheus"))
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter), sdkmetric.WithResource(res)),
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
