package observability

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/aidenerard/fluxspace-site/internal/platform/envutil"
	"github.com/aidenerard/fluxspace-site/internal/platform/logger"
)

const instrumentationName = "github.com/aidenerard/fluxspace-site"

type OtelConfig struct {
	ServiceName string
	Environment string
	Version     string
}

var (
	otelOnce     sync.Once
	otelShutdown = func(context.Context) error { return nil }
)

// exporterSettings is the OTEL_* environment as read at startup.
type exporterSettings struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	Headers     map[string]string
	SampleRatio float64
}

func exporterSettingsFromEnv() exporterSettings {
	return exporterSettings{
		Enabled:     envutil.Bool("OTEL_ENABLED", false),
		Endpoint:    envutil.String("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		Insecure:    envutil.Bool("OTEL_EXPORTER_OTLP_INSECURE", false),
		Headers:     parseHeaderList(envutil.List("OTEL_EXPORTER_OTLP_HEADERS", nil)),
		SampleRatio: parseSampleRatio(envutil.String("OTEL_SAMPLER_RATIO", "")),
	}
}

// InitOTel installs the global tracer provider when OTEL_ENABLED is set. The returned
// shutdown func is always callable.
func InitOTel(ctx context.Context, log *logger.Logger, cfg OtelConfig) func(context.Context) error {
	otelOnce.Do(func() {
		settings := exporterSettingsFromEnv()
		if !settings.Enabled {
			return
		}
		if log == nil {
			log = logger.Nop()
		}
		tp := newTracerProvider(ctx, log, cfg, settings)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		otelShutdown = tp.Shutdown
		log.Info("otel tracing initialized", "service", serviceNameOrDefault(cfg.ServiceName), "endpoint", settings.Endpoint, "ratio", settings.SampleRatio)
	})
	return otelShutdown
}

func newTracerProvider(ctx context.Context, log *logger.Logger, cfg OtelConfig, settings exporterSettings) *sdktrace.TracerProvider {
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(serviceNameOrDefault(cfg.ServiceName)),
		semconv.ServiceVersionKey.String(strings.TrimSpace(cfg.Version)),
		attribute.String("deployment.environment", strings.TrimSpace(cfg.Environment)),
	))
	if err != nil {
		log.Warn("otel resource init failed (continuing)", "error", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(settings.SampleRatio))),
		sdktrace.WithResource(res),
	}
	exporter, err := newSpanExporter(ctx, settings)
	switch {
	case err != nil:
		log.Warn("otel exporter init failed (continuing)", "error", err)
	case settings.Endpoint == "":
		log.Warn("otel using stdout exporter (no OTLP endpoint configured)")
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)))
	}
	return sdktrace.NewTracerProvider(opts...)
}

func newSpanExporter(ctx context.Context, settings exporterSettings) (sdktrace.SpanExporter, error) {
	if settings.Endpoint == "" {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(settings.Endpoint)}
	if settings.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(settings.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(settings.Headers))
	}
	return otlptracehttp.New(ctx, opts...)
}

// Tracer returns the package tracer from the global provider; a no-op tracer until InitOTel runs.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

func serviceNameOrDefault(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return "fluxspace"
}

func parseSampleRatio(raw string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	switch {
	case err != nil:
		return 0.1
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// parseHeaderList reads k=v pairs, skipping malformed entries.
func parseHeaderList(parts []string) map[string]string {
	headers := map[string]string{}
	for _, part := range parts {
		key, val, ok := strings.Cut(part, "=")
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)
		if !ok || key == "" || val == "" {
			continue
		}
		headers[key] = val
	}
	return headers
}
