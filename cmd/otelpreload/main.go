// Command otelpreload is a transparent network-syscall tracing shim. Built
// with `go build -buildmode=c-shared -o libotelpreload.so ./cmd/otelpreload`
// and activated via LD_PRELOAD, it replaces accept, connect, read, write,
// recv, send, close, and pthread_create with instrumented wrappers that
// record OpenTelemetry spans and forward every call to the real libc
// definition unchanged — same return value, same errno, same I/O
// semantics.
//
// See SPEC_FULL.md for the component breakdown and DESIGN.md for what each
// piece is grounded on.
package main

// func main is required by the toolchain for buildmode=c-shared but is
// never invoked: the shared object has no entry point of its own, only the
// exported symbols in hooks.go and the constructor/destructor they
// register.
func main() {}
