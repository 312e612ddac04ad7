package main

/*
#cgo LDFLAGS: -lpthread
#include <errno.h>
#include <stdint.h>
#include <sys/types.h>
#include <sys/socket.h>
#include <pthread.h>

typedef int (*accept_fn)(int, struct sockaddr *, socklen_t *);
typedef int (*connect_fn)(int, const struct sockaddr *, socklen_t);
typedef ssize_t (*read_fn)(int, void *, size_t);
typedef ssize_t (*write_fn)(int, const void *, size_t);
typedef ssize_t (*recv_fn)(int, void *, size_t, int);
typedef ssize_t (*send_fn)(int, const void *, size_t, int);
typedef int (*close_fn)(int);
typedef int (*pthread_create_fn)(pthread_t *, const pthread_attr_t *, void *(*)(void *), void *);
typedef void *(*start_routine_fn)(void *);

static int call_accept(void *fn, int fd, struct sockaddr *addr, socklen_t *addrlen) {
	return ((accept_fn)fn)(fd, addr, addrlen);
}
static int call_connect(void *fn, int fd, const struct sockaddr *addr, socklen_t addrlen) {
	return ((connect_fn)fn)(fd, addr, addrlen);
}
static ssize_t call_read(void *fn, int fd, void *buf, size_t count) {
	return ((read_fn)fn)(fd, buf, count);
}
static ssize_t call_write(void *fn, int fd, const void *buf, size_t count) {
	return ((write_fn)fn)(fd, buf, count);
}
static ssize_t call_recv(void *fn, int fd, void *buf, size_t len, int flags) {
	return ((recv_fn)fn)(fd, buf, len, flags);
}
static ssize_t call_send(void *fn, int fd, const void *buf, size_t len, int flags) {
	return ((send_fn)fn)(fd, buf, len, flags);
}
static int call_close(void *fn, int fd) {
	return ((close_fn)fn)(fd);
}

// call_pthread_create takes the real pthread_create and the trampoline to
// substitute for the caller's start routine both as plain void* so the
// Go/cgo boundary only ever has to reason about one pointer shape.
static int call_pthread_create(void *fn, pthread_t *thread, const pthread_attr_t *attr,
                                void *trampoline, void *arg) {
	pthread_create_fn f = (pthread_create_fn)fn;
	return f(thread, attr, (void *(*)(void *))trampoline, arg);
}
static void *call_user_start(void *fn, void *arg) {
	return ((start_routine_fn)fn)(arg);
}

static void shim_set_errno(int e) { errno = e; }

// shimThreadTrampoline is implemented in Go below and exported with C
// linkage; forward-declared here so thread_trampoline below can call it,
// and so get_thread_trampoline can hand out its address as an opaque
// void* for passing into the real pthread_create.
extern void *shimThreadTrampoline(void *arg);

static void *thread_trampoline(void *arg) {
	return shimThreadTrampoline(arg);
}

static void *get_thread_trampoline(void) {
	return (void *)thread_trampoline;
}

// Constructor/destructor entry points. Forward-declared the same way:
// cgo generates the definitions for shimCtorInit/shimDtorShutdown
// elsewhere in this package, but the __attribute__ wiring has to live in
// a preamble since Go has no equivalent attribute of its own.
extern void shimCtorInit(void);
extern void shimDtorShutdown(void);

__attribute__((constructor))
static void shim_ctor(void) { shimCtorInit(); }

__attribute__((destructor))
static void shim_dtor(void) { shimDtorShutdown(); }
*/
import "C"

import (
	"context"
	"fmt"
	"runtime/cgo"
	"syscall"
	"unsafe"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/otelpreload/shim/internal/ctxprop"
	"github.com/otelpreload/shim/internal/hookcore"
	"github.com/otelpreload/shim/internal/netaddr"
	"github.com/otelpreload/shim/internal/rawlog"
	"github.com/otelpreload/shim/internal/reentrancy"
)

// threadTrampoline is the cached address of the C thread_trampoline
// function (see preamble), fetched once and reused for every
// pthread_create call rather than re-resolved per call.
var threadTrampoline = C.get_thread_trampoline()

// threadCapsule carries a traced program's real thread start routine and
// argument across the boundary into shimThreadTrampoline, along with the
// tracing context that was current on the calling thread at spawn time —
// spec.md §4.5's Thread Spawn Capsule. Held via a cgo.Handle rather than a
// C-allocated pointer since Go doesn't expose manual heap ownership for a
// value containing a context.Context.
type threadCapsule struct {
	startRoutine unsafe.Pointer
	arg          unsafe.Pointer
	parentCtx    context.Context
}

// Cached real-symbol pointers. Written by resolveXxx on first use; safe
// under a benign race (dlsym is idempotent, a doubly-assigned pointer is
// the same value) because the alternative — a mutex on every hook's hot
// path — is exactly the kind of contention spec.md §5 rules out.
var (
	realAccept        unsafe.Pointer
	realConnect       unsafe.Pointer
	realRead          unsafe.Pointer
	realWrite         unsafe.Pointer
	realRecv          unsafe.Pointer
	realSend          unsafe.Pointer
	realClose         unsafe.Pointer
	realPthreadCreate unsafe.Pointer
)

func errnoFromCgo(err error) int {
	if errno, ok := err.(syscall.Errno); ok {
		return int(errno)
	}
	return 0
}

func restoreErrno(e int) {
	C.shim_set_errno(C.int(e))
}

func goStrerror(errno int) string {
	if errno == 0 {
		return ""
	}
	return syscall.Errno(errno).Error()
}

// recoverTelemetryPanic is deferred around the post-call span/registry
// bookkeeping of the socket hooks (accept through close). A panic there does
// not propagate out of the interceptor: the real call's result is still
// returned and errno still restored. Span start, the pre-call span
// attributes, span end, and pthread_create's tracing run outside it.
func recoverTelemetryPanic() {
	if r := recover(); r != nil {
		rawlog.Write(fmt.Sprintf("recovered panic in interceptor: %v", r))
	}
}

//export accept
func accept(sockfd C.int, addr *C.struct_sockaddr, addrlen *C.socklen_t) C.int {
	if reentrancy.Enter() {
		if realAccept == nil {
			restoreErrno(int(C.ENOSYS))
			return -1
		}
		ret, _ := C.call_accept(realAccept, sockfd, addr, addrlen)
		return ret
	}
	defer reentrancy.Exit()

	ensureInitialized()
	if realAccept == nil {
		realAccept = resolveAccept()
	}
	if realAccept == nil {
		restoreErrno(int(C.ENOSYS))
		return -1
	}

	parent := ctxprop.Current()
	tracer := activeTracer()
	_, span := tracer.Start(parent, "sys.accept", trace.WithAttributes(hookcore.SyscallAttrs("accept", int32(sockfd))...))

	client, cerr := C.call_accept(realAccept, sockfd, addr, addrlen)
	errno := errnoFromCgo(cerr)

	func() {
		defer recoverTelemetryPanic()
		if client < 0 {
			hookcore.RecordFailure(span, errno, goStrerror(errno))
			return
		}

		var ip string
		var port int
		if addr != nil && addrlen != nil {
			ip, port = netaddr.FromSockaddr(unsafe.Pointer(addr), *addrlen)
		} else {
			ip, port = netaddr.FromFD(int(client))
		}

		hookcore.OnAcceptSuccess(span, hookcore.AcceptResult{
			Tracer: tracer, Parent: parent, Registry: registry,
			FD: int32(client), PeerIP: ip, PeerPort: port,
		})
	}()
	span.End()

	restoreErrno(errno)
	return client
}

//export connect
func connect(fd C.int, addr *C.struct_sockaddr, addrlen C.socklen_t) C.int {
	if reentrancy.Enter() {
		if realConnect == nil {
			restoreErrno(int(C.ENOSYS))
			return -1
		}
		ret, _ := C.call_connect(realConnect, fd, addr, addrlen)
		return ret
	}
	defer reentrancy.Exit()

	ensureInitialized()
	if realConnect == nil {
		realConnect = resolveConnect()
	}
	if realConnect == nil {
		restoreErrno(int(C.ENOSYS))
		return -1
	}

	ip, port := netaddr.FromSockaddr(unsafe.Pointer(addr), addrlen)

	parent := ctxprop.Current()
	tracer := activeTracer()
	_, span := tracer.Start(parent, "sys.connect", trace.WithAttributes(hookcore.SyscallAttrs("connect", int32(fd))...))
	span.SetAttributes(
		attribute.String("net.peer.ip", ip),
		attribute.Int("net.peer.port", port),
	)

	rc, cerr := C.call_connect(realConnect, fd, addr, addrlen)
	errno := errnoFromCgo(cerr)

	func() {
		defer recoverTelemetryPanic()
		if rc == 0 {
			hookcore.OnConnectSuccess(span, hookcore.ConnectResult{
				Tracer: tracer, Parent: parent, Registry: registry,
				FD: int32(fd), PeerIP: ip, PeerPort: port,
			})
		} else {
			hookcore.RecordFailure(span, errno, goStrerror(errno))
		}
	}()
	span.End()

	restoreErrno(errno)
	return rc
}

//export read
func read(fd C.int, buf unsafe.Pointer, count C.size_t) C.ssize_t {
	if reentrancy.Enter() {
		if realRead == nil {
			restoreErrno(int(C.ENOSYS))
			return -1
		}
		n, _ := C.call_read(realRead, fd, buf, count)
		return n
	}
	defer reentrancy.Exit()

	ensureInitialized()
	if realRead == nil {
		realRead = resolveRead()
	}
	if realRead == nil {
		restoreErrno(int(C.ENOSYS))
		return -1
	}

	tracer := activeTracer()
	_, span := tracer.Start(ctxprop.Current(), "sys.read", trace.WithAttributes(hookcore.SyscallAttrs("read", int32(fd))...))
	span.SetAttributes(attribute.Int64("io.requested", int64(count)))

	n, cerr := C.call_read(realRead, fd, buf, count)
	errno := errnoFromCgo(cerr)

	func() {
		defer recoverTelemetryPanic()
		if n >= 0 {
			hookcore.RecordIO(span, registry, int32(fd), "in", int64(n))
		} else {
			hookcore.RecordFailure(span, errno, goStrerror(errno))
		}
	}()
	span.End()

	restoreErrno(errno)
	return n
}

//export write
func write(fd C.int, buf unsafe.Pointer, count C.size_t) C.ssize_t {
	if reentrancy.Enter() {
		if realWrite == nil {
			restoreErrno(int(C.ENOSYS))
			return -1
		}
		n, _ := C.call_write(realWrite, fd, buf, count)
		return n
	}
	defer reentrancy.Exit()

	ensureInitialized()
	if realWrite == nil {
		realWrite = resolveWrite()
	}
	if realWrite == nil {
		restoreErrno(int(C.ENOSYS))
		return -1
	}

	tracer := activeTracer()
	_, span := tracer.Start(ctxprop.Current(), "sys.write", trace.WithAttributes(hookcore.SyscallAttrs("write", int32(fd))...))
	span.SetAttributes(attribute.Int64("io.requested", int64(count)))

	n, cerr := C.call_write(realWrite, fd, buf, count)
	errno := errnoFromCgo(cerr)

	func() {
		defer recoverTelemetryPanic()
		if n >= 0 {
			hookcore.RecordIO(span, registry, int32(fd), "out", int64(n))
		} else {
			hookcore.RecordFailure(span, errno, goStrerror(errno))
		}
	}()
	span.End()

	restoreErrno(errno)
	return n
}

//export recv
func recv(fd C.int, buf unsafe.Pointer, length C.size_t, flags C.int) C.ssize_t {
	if reentrancy.Enter() {
		if realRecv == nil {
			restoreErrno(int(C.ENOSYS))
			return -1
		}
		n, _ := C.call_recv(realRecv, fd, buf, length, flags)
		return n
	}
	defer reentrancy.Exit()

	ensureInitialized()
	if realRecv == nil {
		realRecv = resolveRecv()
	}
	if realRecv == nil {
		restoreErrno(int(C.ENOSYS))
		return -1
	}

	tracer := activeTracer()
	_, span := tracer.Start(ctxprop.Current(), "sys.recv", trace.WithAttributes(hookcore.SyscallAttrs("recv", int32(fd))...))
	span.SetAttributes(
		attribute.Int64("io.requested", int64(length)),
		attribute.Int("recv.flags", int(flags)),
	)

	n, cerr := C.call_recv(realRecv, fd, buf, length, flags)
	errno := errnoFromCgo(cerr)

	func() {
		defer recoverTelemetryPanic()
		if n >= 0 {
			hookcore.RecordIO(span, registry, int32(fd), "in", int64(n))
		} else {
			hookcore.RecordFailure(span, errno, goStrerror(errno))
		}
	}()
	span.End()

	restoreErrno(errno)
	return n
}

//export send
func send(fd C.int, buf unsafe.Pointer, length C.size_t, flags C.int) C.ssize_t {
	if reentrancy.Enter() {
		if realSend == nil {
			restoreErrno(int(C.ENOSYS))
			return -1
		}
		n, _ := C.call_send(realSend, fd, buf, length, flags)
		return n
	}
	defer reentrancy.Exit()

	ensureInitialized()
	if realSend == nil {
		realSend = resolveSend()
	}
	if realSend == nil {
		restoreErrno(int(C.ENOSYS))
		return -1
	}

	tracer := activeTracer()
	_, span := tracer.Start(ctxprop.Current(), "sys.send", trace.WithAttributes(hookcore.SyscallAttrs("send", int32(fd))...))
	span.SetAttributes(
		attribute.Int64("io.requested", int64(length)),
		attribute.Int("send.flags", int(flags)),
	)

	n, cerr := C.call_send(realSend, fd, buf, length, flags)
	errno := errnoFromCgo(cerr)

	func() {
		defer recoverTelemetryPanic()
		if n >= 0 {
			hookcore.RecordIO(span, registry, int32(fd), "out", int64(n))
		} else {
			hookcore.RecordFailure(span, errno, goStrerror(errno))
		}
	}()
	span.End()

	restoreErrno(errno)
	return n
}

//export close
func close(fd C.int) C.int {
	if reentrancy.Enter() {
		if realClose == nil {
			restoreErrno(int(C.ENOSYS))
			return -1
		}
		rc, _ := C.call_close(realClose, fd)
		return rc
	}
	defer reentrancy.Exit()

	ensureInitialized()
	if realClose == nil {
		realClose = resolveClose()
	}
	if realClose == nil {
		restoreErrno(int(C.ENOSYS))
		return -1
	}

	tracer := activeTracer()
	_, span := tracer.Start(ctxprop.Current(), "sys.close", trace.WithAttributes(hookcore.SyscallAttrs("close", int32(fd))...))

	rc, cerr := C.call_close(realClose, fd)
	errno := errnoFromCgo(cerr)

	func() {
		defer recoverTelemetryPanic()
		if rc == 0 {
			hookcore.OnClose(span, registry, int32(fd))
		} else {
			hookcore.RecordFailure(span, errno, goStrerror(errno))
		}
	}()
	span.End()

	restoreErrno(errno)
	return rc
}

//export pthread_create
func pthread_create(thread *C.pthread_t, attr *C.pthread_attr_t, startRoutine unsafe.Pointer, arg unsafe.Pointer) C.int {
	if reentrancy.Enter() {
		if realPthreadCreate == nil {
			restoreErrno(int(C.ENOSYS))
			return -1
		}
		rc, _ := C.call_pthread_create(realPthreadCreate, thread, attr, startRoutine, arg)
		return rc
	}
	defer reentrancy.Exit()

	ensureInitialized()
	if realPthreadCreate == nil {
		realPthreadCreate = resolvePthreadCreate()
	}
	if realPthreadCreate == nil {
		restoreErrno(int(C.ENOSYS))
		return -1
	}

	capsule := &threadCapsule{
		startRoutine: startRoutine,
		arg:          arg,
		parentCtx:    ctxprop.Current(),
	}
	handle := cgo.NewHandle(capsule)

	tracer := activeTracer()
	_, span := tracer.Start(capsule.parentCtx, "thread.create")

	rc, cerr := C.call_pthread_create(realPthreadCreate, thread, attr, threadTrampoline, unsafe.Pointer(uintptr(handle)))
	errno := errnoFromCgo(cerr)

	if rc == 0 {
		span.SetStatus(codes.Ok, "")
	} else {
		// The trampoline never ran: nothing will ever claim the handle, so
		// this interceptor must.
		handle.Delete()
		hookcore.RecordFailure(span, errno, goStrerror(errno))
	}
	span.End()

	restoreErrno(errno)
	return rc
}

// shimThreadTrampoline runs on the newly created OS thread, in place of
// the traced program's own start routine. It attaches the spawning
// thread's tracing context to this thread's TLS slot for the duration of
// the call, so any further syscalls the new thread makes are parented
// under the span that was active when pthread_create was called.
//
//export shimThreadTrampoline
func shimThreadTrampoline(arg unsafe.Pointer) unsafe.Pointer {
	h := cgo.Handle(uintptr(arg))
	capsule, ok := h.Value().(*threadCapsule)
	h.Delete()
	if !ok {
		return nil
	}

	detach := ctxprop.Attach(capsule.parentCtx)
	defer detach()

	return C.call_user_start(capsule.startRoutine, capsule.arg)
}

//export shimCtorInit
func shimCtorInit() {
	ensureInitialized()
}

//export shimDtorShutdown
func shimDtorShutdown() {
	shutdown()
}
