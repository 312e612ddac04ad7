package hookcore

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/otelpreload/shim/internal/connreg"
)

func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	return exp, tp
}

func findEventsByName(spans tracetest.SpanStubs, spanName, eventName string) int {
	count := 0
	for _, s := range spans {
		if s.Name != spanName {
			continue
		}
		for _, e := range s.Events {
			if e.Name == eventName {
				count++
			}
		}
	}
	return count
}

// Seed scenario 1: server one-shot.
func TestServerOneShot(t *testing.T) {
	exp, tp := newTestTracer()
	defer tp.Shutdown(context.Background())
	tracer := tp.Tracer("test")
	reg := connreg.New()

	_, acceptSpan := tracer.Start(context.Background(), "sys.accept")
	OnAcceptSuccess(acceptSpan, AcceptResult{
		Tracer: tracer, Parent: context.Background(), Registry: reg,
		FD: 7, PeerIP: "10.0.0.5", PeerPort: 41000,
	})
	acceptSpan.End()

	_, readSpan := tracer.Start(context.Background(), "sys.read")
	RecordIO(readSpan, reg, 7, "in", 17)
	readSpan.End()

	_, writeSpan := tracer.Start(context.Background(), "sys.write")
	RecordIO(writeSpan, reg, 7, "out", 32)
	writeSpan.End()

	_, closeSpan := tracer.Start(context.Background(), "sys.close")
	found := OnClose(closeSpan, reg, 7)
	closeSpan.End()

	if !found {
		t.Fatalf("OnClose reported fd 7 not found")
	}
	if reg.Len() != 0 {
		t.Fatalf("registry still has %d entries after close", reg.Len())
	}

	spans := exp.GetSpans()
	if got := findEventsByName(spans, "socket.server", "in_bytes"); got != 1 {
		t.Fatalf("in_bytes events on socket.server = %d, want 1", got)
	}
	if got := findEventsByName(spans, "socket.server", "out_bytes"); got != 1 {
		t.Fatalf("out_bytes events on socket.server = %d, want 1", got)
	}

	var connSpan *tracetest.SpanStub
	for i := range spans {
		if spans[i].Name == "socket.server" {
			connSpan = &spans[i]
		}
	}
	if connSpan == nil {
		t.Fatalf("no socket.server span recorded")
	}
	if connSpan.Status.Code != codes.Unset && connSpan.Status.Code != codes.Ok {
		t.Fatalf("socket.server span status = %v", connSpan.Status)
	}
}

// Seed scenario 2: client one-shot.
func TestClientOneShot(t *testing.T) {
	exp, tp := newTestTracer()
	defer tp.Shutdown(context.Background())
	tracer := tp.Tracer("test")
	reg := connreg.New()

	_, connectSpan := tracer.Start(context.Background(), "sys.connect")
	OnConnectSuccess(connectSpan, ConnectResult{
		Tracer: tracer, Parent: context.Background(), Registry: reg,
		FD: 3, PeerIP: "127.0.0.1", PeerPort: 5000,
	})
	connectSpan.End()

	_, sendSpan := tracer.Start(context.Background(), "sys.send")
	RecordIO(sendSpan, reg, 3, "out", 17)
	sendSpan.End()

	_, recvSpan := tracer.Start(context.Background(), "sys.recv")
	RecordIO(recvSpan, reg, 3, "in", 37)
	recvSpan.End()

	_, closeSpan := tracer.Start(context.Background(), "sys.close")
	OnClose(closeSpan, reg, 3)
	closeSpan.End()

	spans := exp.GetSpans()
	if got := findEventsByName(spans, "socket.client", "out_bytes"); got != 1 {
		t.Fatalf("out_bytes events = %d, want 1", got)
	}
	if got := findEventsByName(spans, "socket.client", "in_bytes"); got != 1 {
		t.Fatalf("in_bytes events = %d, want 1", got)
	}
}

// Seed scenario 3: failed connect.
func TestFailedConnect(t *testing.T) {
	_, tp := newTestTracer()
	defer tp.Shutdown(context.Background())
	tracer := tp.Tracer("test")
	reg := connreg.New()

	_, connectSpan := tracer.Start(context.Background(), "sys.connect")
	RecordFailure(connectSpan, 111 /* ECONNREFUSED */, "connection refused")
	connectSpan.End()

	if reg.Len() != 0 {
		t.Fatalf("registry mutated on failed connect: len=%d", reg.Len())
	}
}

// Seed scenario 4: reused fd.
func TestReusedFD(t *testing.T) {
	exp, tp := newTestTracer()
	defer tp.Shutdown(context.Background())
	tracer := tp.Tracer("test")
	reg := connreg.New()

	_, firstAccept := tracer.Start(context.Background(), "sys.accept")
	OnAcceptSuccess(firstAccept, AcceptResult{Tracer: tracer, Parent: context.Background(), Registry: reg, FD: 7, PeerIP: "1.2.3.4", PeerPort: 1})
	firstAccept.End()

	_, secondAccept := tracer.Start(context.Background(), "sys.accept")
	OnAcceptSuccess(secondAccept, AcceptResult{Tracer: tracer, Parent: context.Background(), Registry: reg, FD: 7, PeerIP: "5.6.7.8", PeerPort: 2})
	secondAccept.End()

	if reg.Len() != 1 {
		t.Fatalf("registry len = %d, want 1 (second insert replaces first)", reg.Len())
	}

	// The second connection span stays open until its own close; end it so
	// both connection spans reach the exporter.
	_, closeSpan := tracer.Start(context.Background(), "sys.close")
	OnClose(closeSpan, reg, 7)
	closeSpan.End()

	spans := exp.GetSpans()
	serverSpans := 0
	reusedEndings := 0
	for _, s := range spans {
		if s.Name != "socket.server" {
			continue
		}
		serverSpans++
		for _, a := range s.Attributes {
			if string(a.Key) == "lifecycle.close_reason" && a.Value.AsString() == "reused-fd" {
				reusedEndings++
			}
		}
	}
	if serverSpans != 2 {
		t.Fatalf("socket.server spans = %d, want 2", serverSpans)
	}
	if reusedEndings != 1 {
		t.Fatalf("spans ended with reused-fd = %d, want 1", reusedEndings)
	}
}

// Descriptor absent from registry: read/close on an untracked fd
// still records the syscall span but touches no Connection Span.
func TestIOOnUntrackedFD(t *testing.T) {
	_, tp := newTestTracer()
	defer tp.Shutdown(context.Background())
	tracer := tp.Tracer("test")
	reg := connreg.New()

	_, readSpan := tracer.Start(context.Background(), "sys.read")
	RecordIO(readSpan, reg, 42, "in", 10)
	readSpan.End()

	_, closeSpan := tracer.Start(context.Background(), "sys.close")
	found := OnClose(closeSpan, reg, 42)
	closeSpan.End()

	if found {
		t.Fatalf("OnClose reported found=true for an fd never registered")
	}
}

// EOF (n == 0) on read/recv is a clean success, not an error, and emits an
// in_bytes event with bytes=0.
func TestCleanEOF(t *testing.T) {
	exp, tp := newTestTracer()
	defer tp.Shutdown(context.Background())
	tracer := tp.Tracer("test")
	reg := connreg.New()

	_, acceptSpan := tracer.Start(context.Background(), "sys.accept")
	OnAcceptSuccess(acceptSpan, AcceptResult{Tracer: tracer, Parent: context.Background(), Registry: reg, FD: 9, PeerIP: "1.1.1.1", PeerPort: 80})
	acceptSpan.End()

	_, readSpan := tracer.Start(context.Background(), "sys.read")
	RecordIO(readSpan, reg, 9, "in", 0)
	readSpan.End()

	// End the connection span so its events reach the exporter.
	_, closeSpan := tracer.Start(context.Background(), "sys.close")
	OnClose(closeSpan, reg, 9)
	closeSpan.End()

	spans := exp.GetSpans()
	for _, s := range spans {
		if s.Name != "sys.read" {
			continue
		}
		if s.Status.Code == codes.Error {
			t.Fatalf("EOF recorded as error")
		}
	}
	if got := findEventsByName(spans, "socket.server", "in_bytes"); got != 1 {
		t.Fatalf("in_bytes events = %d, want 1 even for EOF", got)
	}
}
