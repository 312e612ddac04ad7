// Package hookcore holds the part of each syscall interceptor that is not
// cgo: given an already-captured call result (return value, peer identity,
// byte count), it opens, annotates, and ends spans, and mutates the
// connection registry. Splitting this out of the cgo shell in
// cmd/otelpreload means the actual interceptor decision logic — the part
// spec.md's seed scenarios describe — can be unit tested with
// go.opentelemetry.io/otel/sdk/trace/tracetest, with no cgo toolchain in
// the loop.
package hookcore

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/otelpreload/shim/internal/connreg"
)

// SyscallAttrs returns the attributes every syscall span carries
// regardless of outcome: the syscall name and the descriptor it operated
// on.
func SyscallAttrs(name string, fd int32) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("syscall", name),
		attribute.Int("net.sock.fd", int(fd)),
	}
}

// RecordFailure marks a syscall span as failed. message is typically
// strerror(errno); errno is recorded verbatim as recommended by spec.md's
// Syscall Span attributes.
func RecordFailure(span trace.Span, errno int, message string) {
	span.SetStatus(codes.Error, message)
	span.SetAttributes(attribute.Int("errno", errno))
}

// AcceptResult is the already-resolved outcome of a successful accept(2),
// handed to OnAcceptSuccess once the real call has returned.
type AcceptResult struct {
	Tracer   trace.Tracer
	Parent   context.Context
	Registry *connreg.Registry
	FD       int32
	PeerIP   string
	PeerPort int
}

// OnAcceptSuccess records the syscall span's peer attributes and opens the
// Connection Span for the newly accepted descriptor, applying the
// reused-fd reclamation policy if the descriptor was already registered.
func OnAcceptSuccess(syscallSpan trace.Span, r AcceptResult) {
	syscallSpan.SetStatus(codes.Ok, "")
	syscallSpan.SetAttributes(
		attribute.String("net.peer.ip", r.PeerIP),
		attribute.Int("net.peer.port", r.PeerPort),
	)
	openConnectionSpan(r.Tracer, r.Parent, r.Registry, r.FD, connreg.RoleServer, r.PeerIP, r.PeerPort, "accept")
}

// ConnectResult is the connect(2) counterpart of AcceptResult.
type ConnectResult struct {
	Tracer   trace.Tracer
	Parent   context.Context
	Registry *connreg.Registry
	FD       int32
	PeerIP   string
	PeerPort int
}

// OnConnectSuccess opens the Connection Span for a newly established
// outbound connection.
func OnConnectSuccess(syscallSpan trace.Span, r ConnectResult) {
	syscallSpan.SetStatus(codes.Ok, "")
	openConnectionSpan(r.Tracer, r.Parent, r.Registry, r.FD, connreg.RoleClient, r.PeerIP, r.PeerPort, "connect")
}

// openConnectionSpan implements the Connection Record creation invariant:
// the registry holds at most one record per descriptor. If fd is already
// registered — a missed close — the new record replaces it and the prior
// span is then ended with reason "reused-fd".
func openConnectionSpan(tracer trace.Tracer, parent context.Context, reg *connreg.Registry, fd int32, role connreg.Role, ip string, port int, reason string) {
	_, span := tracer.Start(parent, connectionSpanName(role))
	span.SetAttributes(
		attribute.String("net.peer.ip", ip),
		attribute.Int("net.peer.port", port),
		attribute.String("net.transport", "ip_tcp"),
		attribute.Int("net.sock.fd", int(fd)),
		attribute.String("lifecycle.event", reason),
	)

	rec := &connreg.Record{FD: fd, PeerIP: ip, PeerPort: port, Role: role, Span: span}
	if evicted := reg.InsertIfAbsent(rec); evicted != nil && evicted.Span != nil {
		evicted.Span.SetAttributes(attribute.String("lifecycle.close_reason", "reused-fd"))
		evicted.Span.End()
	}
}

func connectionSpanName(role connreg.Role) string {
	if role == connreg.RoleClient {
		return "socket.client"
	}
	return "socket.server"
}

// RecordIO records a successful read/write/recv/send of n bytes on the
// syscall span, and — if fd has an open Connection Span — appends the
// matching in_bytes/out_bytes event to it. direction must be "in" or
// "out". n == 0 on a read/recv is a clean EOF: still recorded, per
// spec.md's edge-case policy.
func RecordIO(syscallSpan trace.Span, reg *connreg.Registry, fd int32, direction string, n int64) {
	syscallSpan.SetStatus(codes.Ok, "")
	if direction == "in" {
		syscallSpan.SetAttributes(attribute.Int64("io.read", n))
	} else {
		syscallSpan.SetAttributes(attribute.Int64("io.written", n))
	}

	rec, ok := reg.Lookup(fd)
	if !ok || rec.Span == nil {
		return
	}
	rec.Span.AddEvent(direction+"_bytes", trace.WithAttributes(attribute.Int64("bytes", n)))
}

// OnClose ends fd's Connection Span, if any, with close_reason "close" and
// removes it from the registry. It reports whether fd was registered, so
// spec.md's "descriptor absent from registry" edge case (syscall span
// still recorded, no Connection Span event) is distinguishable from the
// normal case by the caller if it wants to log anything extra.
func OnClose(syscallSpan trace.Span, reg *connreg.Registry, fd int32) (found bool) {
	syscallSpan.SetStatus(codes.Ok, "")

	rec, ok := reg.Remove(fd)
	if !ok {
		return false
	}
	if rec.Span != nil {
		rec.Span.SetAttributes(attribute.String("lifecycle.close_reason", "close"))
		rec.Span.End()
	}
	return true
}
