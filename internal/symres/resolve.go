// Package symres resolves the "real" (next-in-chain) definition of a named
// libc symbol, the way LD_PRELOAD interposition requires: dlsym(RTLD_NEXT,
// name) rather than a plain dlopen/dlsym pair, so the shim's own
// replacement definitions are skipped over.
package symres

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>
*/
import "C"

import (
	"sync"
	"unsafe"

	"github.com/otelpreload/shim/internal/rawlog"
)

var (
	mu       sync.Mutex
	cache    = map[string]unsafe.Pointer{}
	loggedAt = map[string]bool{}
)

// Resolve returns the real definition of name as resolved by the dynamic
// linker's RTLD_NEXT chain, or nil if the symbol cannot be found. Results
// are cached for the lifetime of the process; a nil result is logged
// exactly once per distinct name.
func Resolve(name string) unsafe.Pointer {
	mu.Lock()
	if ptr, ok := cache[name]; ok {
		mu.Unlock()
		return ptr
	}
	mu.Unlock()

	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))
	ptr := C.dlsym(C.RTLD_NEXT, cName)

	mu.Lock()
	cache[name] = ptr
	shouldLog := ptr == nil && !loggedAt[name]
	if shouldLog {
		loggedAt[name] = true
	}
	mu.Unlock()

	if shouldLog {
		rawlog.Write("dlsym failed for " + name)
	}
	return ptr
}
