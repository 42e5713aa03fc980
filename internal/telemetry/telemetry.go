package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"

	"github.com/mackeh/sitelock/internal/config"
)

const (
	// ServiceName is reported as service.name on every span.
	ServiceName = "sitelock"
	// DefaultGateSampleRatio applies when gate_sample_ratio is unset.
	DefaultGateSampleRatio = 0.1
	// DefaultTraceFile is the file exporter target inside the config dir.
	DefaultTraceFile = "traces.json"

	gateSpanPrefix = "gate."
)

// Shutdown flushes pending spans and releases the exporter.
type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

type setupOptions struct {
	writer    io.Writer
	configDir string
}

// Option customizes Setup.
type Option func(*setupOptions)

// WithWriter sends spans to w regardless of the configured exporter.
func WithWriter(w io.Writer) Option {
	return func(o *setupOptions) { o.writer = w }
}

// WithConfigDir resolves a relative trace file against dir.
func WithConfigDir(dir string) Option {
	return func(o *setupOptions) { o.configDir = dir }
}

// Setup installs the global tracer provider described by cfg. With
// tracing disabled or exporter "none" it installs nothing.
func Setup(ctx context.Context, cfg config.TelemetryConfig, version string, opts ...Option) (Shutdown, error) {
	o := setupOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if !cfg.Enabled || cfg.Exporter == "none" {
		return noop, nil
	}

	w, closeWriter, err := traceWriter(cfg, o)
	if err != nil {
		return nil, err
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		closeWriter()
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		closeWriter()
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(NewSampler(cfg.GateSampleRatio))),
	)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		defer closeWriter()
		return tp.Shutdown(ctx)
	}, nil
}

func traceWriter(cfg config.TelemetryConfig, o setupOptions) (io.Writer, func(), error) {
	if o.writer != nil {
		return o.writer, func() {}, nil
	}
	switch cfg.Exporter {
	case "stdout":
		return os.Stdout, func() {}, nil
	case "file", "":
		path := cfg.File
		if path == "" {
			path = DefaultTraceFile
		}
		if !filepath.IsAbs(path) && o.configDir != "" {
			path = filepath.Join(o.configDir, path)
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open trace file: %w", err)
		}
		return f, func() { f.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
	}
}

// Sampler keeps every lock operation span and a ratio of gate spans,
// which are created once per proxied request.
type Sampler struct {
	gate sdktrace.Sampler
}

// NewSampler returns a Sampler tracing ratio of gate evaluations. A ratio
// of zero selects DefaultGateSampleRatio.
func NewSampler(ratio float64) Sampler {
	if ratio <= 0 {
		ratio = DefaultGateSampleRatio
	}
	return Sampler{gate: sdktrace.TraceIDRatioBased(ratio)}
}

// ShouldSample implements sdktrace.Sampler.
func (s Sampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	if strings.HasPrefix(p.Name, gateSpanPrefix) {
		return s.gate.ShouldSample(p)
	}
	return sdktrace.AlwaysSample().ShouldSample(p)
}

// Description implements sdktrace.Sampler.
func (s Sampler) Description() string {
	return "SitelockSampler{gate=" + s.gate.Description() + "}"
}
