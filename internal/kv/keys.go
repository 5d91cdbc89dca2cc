package kv

import "bytes"

// Key prefixes for the session keyspace. Each prefix ends with '|' as a
// separator.
const (
	KeyInstanceID       = "s|id"  // session instance identity
	KeyReadOnlyAccepted = "s|ro"  // one byte, 1 = accepted
	PrefixEventLog      = "ev|"   // ev|{seq:8BE} => change event JSON
	KeyEventCursor      = "evc|"  // last appended event seq, 8BE
)

// InstanceIDKey returns the Pebble key holding the session instance id.
func InstanceIDKey() []byte {
	return []byte(KeyInstanceID)
}

// ReadOnlyKey returns the Pebble key holding the read-only acceptance flag.
func ReadOnlyKey() []byte {
	return []byte(KeyReadOnlyAccepted)
}

// EventLogKey returns the Pebble key for an append-only change event: ev|{seq:8BE}
func EventLogKey(seq uint64) []byte {
	k := []byte(PrefixEventLog)
	return PutUint64BE(k, seq)
}

// EventLogPrefix returns the scan prefix for all change event entries.
func EventLogPrefix() []byte {
	return []byte(PrefixEventLog)
}

// EventLogUpperBound returns the exclusive upper bound for event-log scans:
// the prefix with its final byte ('|') incremented.
func EventLogUpperBound() []byte {
	return []byte("ev}")
}

// EventCursorKey returns the Pebble key for the current event cursor.
func EventCursorKey() []byte {
	return []byte(KeyEventCursor)
}

// EventSeqFromKey extracts the sequence number from an event-log key.
func EventSeqFromKey(k []byte) (uint64, bool) {
	if !bytes.HasPrefix(k, []byte(PrefixEventLog)) {
		return 0, false
	}
	if len(k) != len(PrefixEventLog)+8 {
		return 0, false
	}
	return GetUint64BE(k[len(PrefixEventLog):]), true
}
