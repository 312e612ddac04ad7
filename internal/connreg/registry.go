// Package connreg implements the shim's connection registry: a process-wide
// map from file-descriptor integer to the open connection span and peer
// identity for that descriptor.
package connreg

import (
	"sync"

	"go.opentelemetry.io/otel/trace"
)

// Role is the side of a connection a descriptor represents.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// Record is a Connection Record: everything the shim knows about one open
// descriptor. Created lazily on a successful accept or connect, mutated
// only by annotation, destroyed exactly once on close or reused-fd
// reclamation.
type Record struct {
	FD       int32
	PeerIP   string
	PeerPort int
	Role     Role
	Span     trace.Span
}

// Registry is the Connection Registry: a single mutex guarding a map from
// descriptor to Record. Every method acquires the mutex for its full
// duration, but the critical sections never perform span or exporter I/O —
// callers receive the Record pointer back and do that work after the lock
// is released.
type Registry struct {
	mu   sync.Mutex
	byFD map[int32]*Record
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{byFD: make(map[int32]*Record)}
}

// InsertIfAbsent installs rec under rec.FD. If a record was already present
// for that descriptor — the "reused fd" case, a missed close — the old
// record is removed and returned so the caller can end its span with reason
// "reused-fd" once the lock is released.
func (r *Registry) InsertIfAbsent(rec *Record) (evicted *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byFD[rec.FD]; ok {
		evicted = old
	}
	r.byFD[rec.FD] = rec
	return evicted
}

// Lookup returns the record for fd, if any.
func (r *Registry) Lookup(fd int32) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byFD[fd]
	return rec, ok
}

// Remove deletes and returns the record for fd, if any.
func (r *Registry) Remove(fd int32) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byFD[fd]
	if ok {
		delete(r.byFD, fd)
	}
	return rec, ok
}

// Len reports the number of registered descriptors. It equals (successful
// accept + successful connect) − (successful close on a registered
// descriptor), where an accept or connect on an already registered
// descriptor replaces that entry rather than adding one.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byFD)
}
