// Package ctxprop propagates a tracing context across the one boundary
// Go's context.Context cannot cross on its own: a brand-new OS thread
// created by the traced program's own call to pthread_create.
//
// The OpenTelemetry Go SDK has no implicit "current span" the way the C++
// SDK's RuntimeContext does — contexts are always passed explicitly as
// function arguments. The shim needs an explicit substitute, because the
// new thread's start routine takes no context.Context parameter: it is a
// plain C function the traced program wrote, void *(*)(void *). Attach
// installs the captured context in a per-OS-thread slot; every interceptor
// that runs on that thread afterwards reads it back via Current to parent
// its own span correctly.
package ctxprop

/*
#include <stdint.h>

static __thread uintptr_t shim_ctx_handle = 0;

static uintptr_t ctxprop_get(void) { return shim_ctx_handle; }
static void ctxprop_set(uintptr_t v) { shim_ctx_handle = v; }
*/
import "C"

import (
	"context"
	"runtime/cgo"
)

// Current returns the tracing context attached to the calling OS thread by
// a prior Attach, or context.Background() if nothing is attached.
func Current() context.Context {
	h := C.ctxprop_get()
	if h == 0 {
		return context.Background()
	}
	v := cgo.Handle(h).Value()
	if ctx, ok := v.(context.Context); ok {
		return ctx
	}
	return context.Background()
}

// Attach installs ctx as the current context for the calling OS thread.
// The returned detach function must be called exactly once, on every exit
// path — success, a recovered panic in the user routine, or an early
// failure — before the thread either resumes running code that predates
// the attach or exits.
//
// ctx is parked behind a runtime/cgo.Handle rather than stored directly:
// a Go pointer must never be held in C-owned memory (here, C thread-local
// storage) across a garbage-collection cycle, and cgo.Handle is the
// toolchain's answer to exactly that constraint.
func Attach(ctx context.Context) (detach func()) {
	h := cgo.NewHandle(ctx)
	C.ctxprop_set(C.uintptr_t(h))
	return func() {
		C.ctxprop_set(0)
		h.Delete()
	}
}
