package connreg

import "testing"

func TestInsertIfAbsent_NoPriorRecord(t *testing.T) {
	r := New()
	rec := &Record{FD: 7, Role: RoleServer, PeerIP: "10.0.0.5", PeerPort: 41000}

	if evicted := r.InsertIfAbsent(rec); evicted != nil {
		t.Fatalf("expected no eviction on first insert, got %+v", evicted)
	}
	if got := r.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
	got, ok := r.Lookup(7)
	if !ok || got != rec {
		t.Fatalf("Lookup(7) = %+v, %v; want %+v, true", got, ok, rec)
	}
}

func TestInsertIfAbsent_ReusedFD(t *testing.T) {
	r := New()
	first := &Record{FD: 7, Role: RoleServer}
	r.InsertIfAbsent(first)

	second := &Record{FD: 7, Role: RoleServer}
	evicted := r.InsertIfAbsent(second)

	if evicted != first {
		t.Fatalf("evicted = %+v, want the first record", evicted)
	}
	got, ok := r.Lookup(7)
	if !ok || got != second {
		t.Fatalf("Lookup(7) = %+v, %v; want the second record", got, ok)
	}
	if got := r.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1 (one fd, replaced not duplicated)", got)
	}
}

func TestRemove(t *testing.T) {
	r := New()
	rec := &Record{FD: 3, Role: RoleClient}
	r.InsertIfAbsent(rec)

	got, ok := r.Remove(3)
	if !ok || got != rec {
		t.Fatalf("Remove(3) = %+v, %v; want the record, true", got, ok)
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after remove", r.Len())
	}
	if _, ok := r.Lookup(3); ok {
		t.Fatalf("Lookup(3) found a record after Remove")
	}
}

func TestRemove_AbsentFD(t *testing.T) {
	r := New()
	if _, ok := r.Remove(99); ok {
		t.Fatalf("Remove(99) on empty registry reported ok=true")
	}
}

func TestLenTracksAcceptConnectCloseInvariant(t *testing.T) {
	r := New()
	r.InsertIfAbsent(&Record{FD: 1, Role: RoleServer}) // accept
	r.InsertIfAbsent(&Record{FD: 2, Role: RoleClient}) // connect
	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}
	r.Remove(1) // close
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}
