// Package pipeline assembles the shim's OpenTelemetry trace pipeline:
// resource, sampler, OTLP/gRPC exporter, batch processor, and the
// TracerProvider that ties them together. It has no cgo dependency and no
// knowledge of file descriptors or syscalls — it is purely "build me a
// tracer," the same shape as edr3x-otelx's NewTraceProvider and
// njoerd114-reminderrelay's telemetry.Setup, narrowed to the one signal
// (traces) this shim produces.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/otelpreload/shim/internal/rawlog"
)

const (
	instrumentationName    = "otel-preload-shim"
	instrumentationVersion = "0.1.0"

	// ForceFlushDeadline bounds the destructor's flush attempt, per
	// spec.md §4.1: pending spans beyond this deadline may be dropped.
	ForceFlushDeadline = 500 * time.Millisecond
)

// Pipeline holds the installed TracerProvider and the tracer the shim's
// interceptors use to open spans.
type Pipeline struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// Build constructs the pipeline described in spec.md §4.1 and installs it
// as the process-global TracerProvider. It returns an error rather than
// swallowing one — ensure_initialized, one layer up, is responsible for the
// "never abort the host process" policy; this constructor just reports
// what went wrong.
func Build(ctx context.Context) (*Pipeline, error) {
	res, err := newResource(ctx)
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}

	exporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP/gRPC exporter: %w", err)
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(newSampler()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(processor),
	)
	otel.SetTracerProvider(provider)

	return &Pipeline{
		provider: provider,
		tracer:   provider.Tracer(instrumentationName, trace.WithInstrumentationVersion(instrumentationVersion)),
	}, nil
}

// Tracer returns the tracer interceptors should start spans on.
func (p *Pipeline) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown force-flushes with a bounded deadline then shuts the provider
// down. Failures are logged via rawlog, never returned: by the time this
// runs (the library's destructor entry point), there is no caller left to
// hand an error to.
func (p *Pipeline) Shutdown(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(ctx, ForceFlushDeadline)
	defer cancel()
	if err := p.provider.ForceFlush(flushCtx); err != nil {
		rawlog.Write("force flush failed: " + err.Error())
	}
	if err := p.provider.Shutdown(context.Background()); err != nil {
		rawlog.Write("provider shutdown failed: " + err.Error())
	}
}

// newSampler implements spec.md §4.1's sampler contract: always-on unless
// OTEL_TRACES_SAMPLER=ratio, in which case OTEL_TRACES_SAMPLER_ARG is
// parsed as a [0,1] probability (clamped, and defaulting to 1.0 — not the
// C++ original's silent 0.0 — on a garbled value; see DESIGN.md).
func newSampler() sdktrace.Sampler {
	if strings.ToLower(os.Getenv("OTEL_TRACES_SAMPLER")) != "ratio" {
		return sdktrace.AlwaysSample()
	}

	ratio := 1.0
	if arg := os.Getenv("OTEL_TRACES_SAMPLER_ARG"); arg != "" {
		if v, err := strconv.ParseFloat(arg, 64); err == nil {
			ratio = v
		}
	}
	switch {
	case ratio < 0:
		ratio = 0
	case ratio > 1:
		ratio = 1
	}
	return sdktrace.TraceIDRatioBased(ratio)
}

// newResource implements spec.md §4.1's resource contract: service.name
// from OTEL_SERVICE_NAME, falling back to /proc/self/comm, falling back to
// a constant; plus the two fixed telemetry.* attributes identifying this
// shim as the producer.
func newResource(ctx context.Context) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName()),
			semconv.TelemetrySDKLanguageGo,
			attribute.String("telemetry.instrumentation_library", instrumentationName),
		),
	)
}

func serviceName() string {
	if s := os.Getenv("OTEL_SERVICE_NAME"); s != "" {
		return s
	}
	if comm, err := os.ReadFile("/proc/self/comm"); err == nil {
		if name := strings.TrimSpace(string(comm)); name != "" {
			return name
		}
	}
	return "unknown-process"
}
