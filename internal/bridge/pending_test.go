package bridge

import (
	"testing"

	"github.com/soledb/soledb/internal/envelope"
)

func TestPendingTableCompleteIsIdempotent(t *testing.T) {
	tbl := NewPendingTable()
	ch := tbl.Register(7, envelope.OpExec)

	resp := envelope.Response{ID: 7, Result: []byte(`{"rows":[]}`)}
	if !tbl.Complete(resp) {
		t.Fatal("first Complete returned false")
	}
	if tbl.Complete(resp) {
		t.Fatal("second Complete returned true; want no-op")
	}
	if got := <-ch; got.ID != 7 {
		t.Fatalf("delivered response id = %d, want 7", got.ID)
	}
	if tbl.Len() != 0 {
		t.Fatalf("table has %d entries after completion, want 0", tbl.Len())
	}
}

func TestPendingTableRemove(t *testing.T) {
	tbl := NewPendingTable()
	tbl.Register(1, envelope.OpExec)
	tbl.Register(2, envelope.OpDiagnostics)

	if !tbl.Remove(1) {
		t.Fatal("Remove(1) = false, want true")
	}
	if tbl.Remove(1) {
		t.Fatal("Remove(1) repeated = true, want false")
	}
	// A late completion for a removed id is discarded.
	if tbl.Complete(envelope.Response{ID: 1}) {
		t.Fatal("Complete after Remove returned true")
	}
	if tbl.Len() != 1 {
		t.Fatalf("table has %d entries, want 1", tbl.Len())
	}
}

func TestPendingTableUnknownID(t *testing.T) {
	tbl := NewPendingTable()
	if tbl.Complete(envelope.Response{ID: 99}) {
		t.Fatal("Complete for unregistered id returned true")
	}
	if tbl.Remove(99) {
		t.Fatal("Remove for unregistered id returned true")
	}
}
