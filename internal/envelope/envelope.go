// Package envelope defines the request/response unit used for every engine
// operation, whether it is served by the local engine host or forwarded to
// the owning instance over the bus. Envelope ids are allocated per issuing
// instance and are only meaningful for correlating that instance's own
// pending calls.
package envelope

import (
	"encoding/json"
	"fmt"
)

// Envelope is a single operation request. Immutable after creation; the id
// is consumed exactly once by whichever side produces the matching response.
type Envelope struct {
	ID      uint64          `json:"id"`
	Type    OpType          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorKind classifies a failed response so the issuing side can map it back
// to the right sentinel error after a bus round trip.
type ErrorKind uint8

const (
	ErrKindNone         ErrorKind = 0
	ErrKindEngine       ErrorKind = 1 // the database rejected the operation
	ErrKindPolicy       ErrorKind = 2 // read-only gate denial
	ErrKindCancelled    ErrorKind = 3 // targeted by an explicit cancel
	ErrKindInterrupted  ErrorKind = 4 // collateral of someone else's cancel
	ErrKindTimeout      ErrorKind = 5 // owner unresponsive within the RPC budget
	ErrKindCoordination ErrorKind = 6 // bus/lock failure, wrong role
)

var errKindNames = map[ErrorKind]string{
	ErrKindNone:         "none",
	ErrKindEngine:       "engine",
	ErrKindPolicy:       "policy",
	ErrKindCancelled:    "cancelled",
	ErrKindInterrupted:  "interrupted",
	ErrKindTimeout:      "timeout",
	ErrKindCoordination: "coordination",
}

func (k ErrorKind) String() string {
	if s, ok := errKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("errkind(%d)", uint8(k))
}

// Response answers exactly one Envelope.
type Response struct {
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Err     string          `json:"err,omitempty"`
	ErrKind ErrorKind       `json:"err_kind,omitempty"`
}

// Failed reports whether the response carries an error.
func (r *Response) Failed() bool { return r.Err != "" }

// New builds an envelope with an already-marshalled payload.
func New(id uint64, typ OpType, payload any) (Envelope, error) {
	env := Envelope{ID: id, Type: typ}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	env.Payload = data
	return env, nil
}

// Row is one result row of a generic execute operation, keyed by column name.
type Row = map[string]any

// ExecPayload carries a generic SQL statement with positional parameters.
type ExecPayload struct {
	SQL    string `json:"sql"`
	Params []any  `json:"params,omitempty"`
}

// ExecResult is the answer to an exec operation.
type ExecResult struct {
	Rows         []Row `json:"rows,omitempty"`
	RowsAffected int64 `json:"rows_affected"`
}

// BulkInsertPayload inserts records into one target table. Records are kept
// raw so the engine can validate them against a registered JSON schema
// before touching the database.
type BulkInsertPayload struct {
	Target  string            `json:"target"`
	Records []json.RawMessage `json:"records"`
}

// BulkInsertResult reports how many records were inserted.
type BulkInsertResult struct {
	Inserted int64 `json:"inserted"`
}

// ImportPayload replaces the database with a snapshot. Manifest, when
// present, is validated against the import manifest schema before any file
// I/O happens.
type ImportPayload struct {
	Data     []byte          `json:"data"`
	Manifest json.RawMessage `json:"manifest,omitempty"`
}

// ImportReport is the answer to an import operation.
type ImportReport struct {
	IsValid bool   `json:"is_valid"`
	Tables  int    `json:"tables"`
	Message string `json:"message,omitempty"`
}

// ClearTablePayload names the single table to clear.
type ClearTablePayload struct {
	Table string `json:"table"`
}

// SetLogLevelPayload adjusts the process log level at runtime.
type SetLogLevelPayload struct {
	Level string `json:"level"`
}

// Diagnostics is a point-in-time snapshot of engine host internals.
type Diagnostics struct {
	Path          string `json:"path"`
	FileSizeBytes int64  `json:"file_size_bytes"`
	PageCount     int64  `json:"page_count"`
	FreelistCount int64  `json:"freelist_count"`
	UserTables    int    `json:"user_tables"`
	JournalMode   string `json:"journal_mode"`
	InFlight      int    `json:"in_flight"`
	Restarts      uint64 `json:"restarts"`
}

// Health is a liveness round trip through the engine.
type Health struct {
	OK        bool  `json:"ok"`
	LatencyUS int64 `json:"latency_us"`
}

// StorageStatus reports whether the database is file-backed or fell back to
// memory, and why.
type StorageStatus struct {
	Mode   string `json:"mode"` // "persistent" or "memory"
	Reason string `json:"reason,omitempty"`
}
