// Package session persists the little state that must survive a reload of
// the same session: the instance identity, the user's read-only acceptance,
// and the change-event journal consumed by cache invalidation elsewhere in
// the application. Backed by a per-session Pebble keyspace.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/soledb/soledb/internal/kv"
)

// Store is the session-scoped persistence layer.
type Store struct {
	db *pebble.DB

	mu       sync.Mutex
	eventSeq uint64
}

// ChangeEvent records one successful mutating operation.
type ChangeEvent struct {
	Seq    uint64 `json:"seq"`
	Change string `json:"change"`
	Count  int64  `json:"count"`
	AtNs   uint64 `json:"at_ns"`
}

// Open opens (or creates) the session store at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	s := &Store{db: db}
	s.eventSeq = s.loadEventCursor()
	return s, nil
}

// InstanceID returns the stable session identity, minting one on first use
// so a reload of the same session is recognized.
func (s *Store) InstanceID() (string, error) {
	val, closer, err := s.db.Get(kv.InstanceIDKey())
	if err == nil {
		id := string(val)
		closer.Close()
		return id, nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return "", fmt.Errorf("read instance id: %w", err)
	}
	id := uuid.NewString()
	if err := s.db.Set(kv.InstanceIDKey(), []byte(id), pebble.Sync); err != nil {
		return "", fmt.Errorf("persist instance id: %w", err)
	}
	return id, nil
}

// ReadOnlyAccepted reports whether the user accepted read-only mode in a
// previous run of this session.
func (s *Store) ReadOnlyAccepted() bool {
	val, closer, err := s.db.Get(kv.ReadOnlyKey())
	if err != nil {
		return false
	}
	accepted := len(val) == 1 && val[0] == 1
	closer.Close()
	return accepted
}

// SetReadOnlyAccepted persists the one-way acceptance so a reload does not
// silently revert to full mode and attempt promotion.
func (s *Store) SetReadOnlyAccepted() error {
	if err := s.db.Set(kv.ReadOnlyKey(), []byte{1}, pebble.Sync); err != nil {
		return fmt.Errorf("persist read-only acceptance: %w", err)
	}
	return nil
}

// AppendChange journals a (changeType, count) notification.
func (s *Store) AppendChange(change string, count int64, atNs uint64) (ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventSeq++
	ev := ChangeEvent{Seq: s.eventSeq, Change: change, Count: count, AtNs: atNs}
	data, err := json.Marshal(ev)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("marshal change event: %w", err)
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(kv.EventLogKey(ev.Seq), data, nil); err != nil {
		return ChangeEvent{}, fmt.Errorf("set event key: %w", err)
	}
	if err := batch.Set(kv.EventCursorKey(), kv.PutUint64BE(nil, ev.Seq), nil); err != nil {
		return ChangeEvent{}, fmt.Errorf("set event cursor: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return ChangeEvent{}, fmt.Errorf("commit change event: %w", err)
	}
	return ev, nil
}

// Changes returns up to limit events with seq > afterSeq, oldest first.
func (s *Store) Changes(afterSeq uint64, limit int) ([]ChangeEvent, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: kv.EventLogKey(afterSeq + 1),
		UpperBound: kv.EventLogUpperBound(),
	})
	if err != nil {
		return nil, fmt.Errorf("event iter: %w", err)
	}
	defer iter.Close()

	var events []ChangeEvent
	for iter.First(); iter.Valid() && len(events) < limit; iter.Next() {
		if _, ok := kv.EventSeqFromKey(iter.Key()); !ok {
			continue
		}
		var ev ChangeEvent
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (s *Store) loadEventCursor() uint64 {
	val, closer, err := s.db.Get(kv.EventCursorKey())
	if err != nil {
		return 0
	}
	defer closer.Close()
	if len(val) < 8 {
		return 0
	}
	return kv.GetUint64BE(val)
}

// Close closes the underlying Pebble store.
func (s *Store) Close() error {
	return s.db.Close()
}
