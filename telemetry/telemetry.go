// Package telemetry sets up OpenTelemetry tracing for the process
package telemetry

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.25.0"
)

const defaultService = "nano-reconciler"

// Config selects the OTLP HTTP exporter. An empty endpoint keeps tracing
// in-process: spans are created but never exported.
type Config struct {
	ServiceName string            `yaml:"service_name" mapstructure:"service_name"`
	Endpoint    string            `yaml:"endpoint" mapstructure:"endpoint"`
	Insecure    bool              `yaml:"insecure" mapstructure:"insecure"`
	Headers     map[string]string `yaml:"headers" mapstructure:"headers"`
	Timeout     time.Duration     `yaml:"timeout" mapstructure:"timeout"`
	// Sampler is always_on, always_off, traceidratio or parentbased
	Sampler     string  `yaml:"sampler" mapstructure:"sampler"`
	SampleRatio float64 `yaml:"sample_ratio" mapstructure:"sample_ratio"`
	// Required makes an exporter setup failure fatal
	Required bool `yaml:"required" mapstructure:"required"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: defaultService,
		Timeout:     5 * time.Second,
		Sampler:     "parentbased",
		SampleRatio: 1,
	}
}

// Init installs the global tracer provider and propagator. The returned
// func flushes and shuts the provider down.
func Init(ctx context.Context, cfg Config, logger zerolog.Logger) (func(context.Context) error, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = defaultService
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(name),
	))
	if err != nil {
		res = resource.Default()
	}
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.Sampler, cfg.SampleRatio)),
	}

	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != "" {
		exp, err := exporter(ctx, endpoint, cfg)
		switch {
		case err != nil && cfg.Required:
			return nil, err
		case err != nil:
			logger.Warn().Err(err).Str("endpoint", endpoint).Msg("trace exporter disabled")
		default:
			opts = append(opts, sdktrace.WithBatcher(exp))
			logger.Info().Str("endpoint", endpoint).Msg("exporting traces")
		}
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func exporter(ctx context.Context, endpoint string, cfg Config) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if cfg.Timeout > 0 {
		opts = append(opts, otlptracehttp.WithTimeout(cfg.Timeout))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	return otlptracehttp.New(ctx, opts...)
}

func sampler(name string, ratio float64) sdktrace.Sampler {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(ratio)
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

// HTTPMiddleware instruments inbound HTTP handlers
func HTTPMiddleware(operation string) func(http.Handler) http.Handler {
	if strings.TrimSpace(operation) == "" {
		operation = defaultService
	}
	return otelhttp.NewMiddleware(operation)
}

// InstrumentClient wraps client's transport so outbound calls carry spans
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}
