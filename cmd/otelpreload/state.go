package main

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/otelpreload/shim/internal/connreg"
	"github.com/otelpreload/shim/internal/pipeline"
	"github.com/otelpreload/shim/internal/rawlog"
)

// Process-wide state. registry and noopTracer are safe to read without
// synchronization once set (registry is set once before any interceptor
// can run; noopTracer never changes); activePipeline is only ever written
// by ensureInitialized, guarded by initializing.
var (
	initialized atomic.Bool
	initializing atomic.Bool

	registry   = connreg.New()
	noopTracer = noop.NewTracerProvider().Tracer("otel-preload-shim")

	activePipeline atomic.Pointer[pipeline.Pipeline]
)

// ensureInitialized builds the tracing pipeline exactly once per process.
// It is idempotent and cheap after the first call (a single atomic-bool
// check), and is safe to call from the library's constructor entry point
// and defensively from the top of every interceptor, per spec.md §4.1.
//
// A construction failure is logged and swallowed: tracing stays disabled
// (every interceptor falls back to noopTracer) but real-libc forwarding is
// unaffected.
func ensureInitialized() {
	if initialized.Load() {
		return
	}
	// Only one goroutine/OS-thread should attempt the (possibly slow, I/O
	// performing) build; everyone else proceeds with tracing disabled for
	// this call rather than blocking on a concurrent initializer — an
	// interceptor must never stall the host program waiting on otel setup.
	if !initializing.CompareAndSwap(false, true) {
		return
	}

	p, err := pipeline.Build(context.Background())
	if err != nil {
		rawlog.Write("pipeline init failed: " + err.Error())
		initialized.Store(true)
		return
	}

	activePipeline.Store(p)
	initialized.Store(true)
	rawlog.Write("initialized")
}

// activeTracer returns the installed tracer, or a no-op tracer if
// initialization hasn't completed (or failed) yet. Interceptors call this
// unconditionally and never need a nil check.
func activeTracer() trace.Tracer {
	if p := activePipeline.Load(); p != nil {
		return p.Tracer()
	}
	return noopTracer
}

// shutdown is invoked from the library's destructor entry point.
func shutdown() {
	if p := activePipeline.Load(); p != nil {
		p.Shutdown(context.Background())
	}
}
