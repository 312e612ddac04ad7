package main

import (
	"unsafe"

	"github.com/otelpreload/shim/internal/symres"
)

// resolveXxx wrap symres.Resolve with the libc name each hook replaces.
// Kept as separate one-line functions, rather than a single
// resolve(name) called with a string literal at each call site, so a
// profiler or core dump shows which symbol a stuck resolution call was
// for.

func resolveAccept() unsafe.Pointer        { return symres.Resolve("accept") }
func resolveConnect() unsafe.Pointer       { return symres.Resolve("connect") }
func resolveRead() unsafe.Pointer          { return symres.Resolve("read") }
func resolveWrite() unsafe.Pointer         { return symres.Resolve("write") }
func resolveRecv() unsafe.Pointer          { return symres.Resolve("recv") }
func resolveSend() unsafe.Pointer          { return symres.Resolve("send") }
func resolveClose() unsafe.Pointer         { return symres.Resolve("close") }
func resolvePthreadCreate() unsafe.Pointer { return symres.Resolve("pthread_create") }
