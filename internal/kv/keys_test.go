package kv

import (
	"bytes"
	"testing"
)

func TestEventLogKeyRoundTrip(t *testing.T) {
	for _, seq := range []uint64{0, 1, 42, 1 << 40, 1<<64 - 1} {
		k := EventLogKey(seq)
		got, ok := EventSeqFromKey(k)
		if !ok {
			t.Fatalf("EventSeqFromKey(%v): not an event key", k)
		}
		if got != seq {
			t.Errorf("seq round-trip: got %d, want %d", got, seq)
		}
	}
}

func TestEventSeqFromKeyRejectsForeign(t *testing.T) {
	foreign := [][]byte{
		InstanceIDKey(),
		ReadOnlyKey(),
		EventCursorKey(),
		[]byte("ev|short"),
	}
	for _, k := range foreign {
		if _, ok := EventSeqFromKey(k); ok {
			t.Errorf("EventSeqFromKey(%q) = ok, want rejection", k)
		}
	}
}

func TestEventLogKeysSortBySeq(t *testing.T) {
	prev := EventLogKey(0)
	for _, seq := range []uint64{1, 2, 255, 256, 1 << 33} {
		k := EventLogKey(seq)
		if bytes.Compare(prev, k) >= 0 {
			t.Fatalf("event keys not ordered at seq %d", seq)
		}
		prev = k
	}
}
