// Package bridge forwards envelopes from follower instances to the owner
// over the bus and correlates the responses. The pending request table is
// shared infrastructure: one entry per in-flight call issued by this
// instance, removed exactly once whichever way the call ends.
package bridge

import (
	"sync"

	"github.com/soledb/soledb/internal/envelope"
)

type pendingEntry struct {
	ch chan envelope.Response
	op envelope.OpType
}

// PendingTable maps envelope ids to completion handles. Completion and
// removal are idempotent; a duplicate is a no-op.
type PendingTable struct {
	mu      sync.Mutex
	entries map[uint64]*pendingEntry
}

func NewPendingTable() *PendingTable {
	return &PendingTable{entries: make(map[uint64]*pendingEntry)}
}

// Register creates the entry and returns the channel its single response
// will arrive on.
func (t *PendingTable) Register(id uint64, op envelope.OpType) <-chan envelope.Response {
	ch := make(chan envelope.Response, 1)
	t.mu.Lock()
	t.entries[id] = &pendingEntry{ch: ch, op: op}
	t.mu.Unlock()
	return ch
}

// Complete resolves the entry with resp and removes it. Returns false for
// unknown (stale, foreign, or already-completed) ids.
func (t *PendingTable) Complete(resp envelope.Response) bool {
	t.mu.Lock()
	e, ok := t.entries[resp.ID]
	if ok {
		delete(t.entries, resp.ID)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	e.ch <- resp
	return true
}

// Remove drops the entry without resolving it (timeout or abandonment).
func (t *PendingTable) Remove(id uint64) bool {
	t.mu.Lock()
	_, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	return ok
}

// Len reports the number of in-flight entries.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
