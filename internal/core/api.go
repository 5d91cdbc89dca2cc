package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/soledb/soledb/internal/bridge"
	"github.com/soledb/soledb/internal/engine"
	"github.com/soledb/soledb/internal/envelope"
	"github.com/soledb/soledb/internal/policy"
)

// Execute runs one SQL statement with positional parameters and returns the
// result rows (reads) or an empty row set (writes).
func (c *Core) Execute(ctx context.Context, sql string, params []any) ([]envelope.Row, error) {
	raw, err := c.do(ctx, envelope.OpExec, envelope.ExecPayload{SQL: sql, Params: params})
	if err != nil {
		return nil, err
	}
	var res envelope.ExecResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode exec result: %w", err)
	}
	return res.Rows, nil
}

// BulkInsert inserts records into target inside one transaction, validating
// against the target's registered schema when one exists. Returns the
// inserted count.
func (c *Core) BulkInsert(ctx context.Context, target string, records []json.RawMessage) (int64, error) {
	raw, err := c.do(ctx, envelope.OpBulkInsert, envelope.BulkInsertPayload{Target: target, Records: records})
	if err != nil {
		return 0, err
	}
	var res envelope.BulkInsertResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return 0, fmt.Errorf("decode bulk result: %w", err)
	}
	return res.Inserted, nil
}

// ExportSnapshot returns the database as raw SQLite file bytes.
func (c *Core) ExportSnapshot(ctx context.Context) ([]byte, error) {
	raw, err := c.do(ctx, envelope.OpExport, nil)
	if err != nil {
		return nil, err
	}
	var data []byte
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode export: %w", err)
	}
	return data, nil
}

// ImportSnapshot replaces the database with the snapshot and reports
// validity. An invalid snapshot leaves the live database untouched.
func (c *Core) ImportSnapshot(ctx context.Context, data []byte, manifest json.RawMessage) (envelope.ImportReport, error) {
	raw, err := c.do(ctx, envelope.OpImport, envelope.ImportPayload{Data: data, Manifest: manifest})
	if err != nil {
		return envelope.ImportReport{}, err
	}
	var report envelope.ImportReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return envelope.ImportReport{}, fmt.Errorf("decode import report: %w", err)
	}
	return report, nil
}

// Clear deletes every row of every user table.
func (c *Core) Clear(ctx context.Context) error {
	_, err := c.do(ctx, envelope.OpClear, nil)
	return err
}

// ClearTable deletes every row of one table.
func (c *Core) ClearTable(ctx context.Context, table string) error {
	_, err := c.do(ctx, envelope.OpClearTable, envelope.ClearTablePayload{Table: table})
	return err
}

// FactoryReset discards the database files and starts fresh.
func (c *Core) FactoryReset(ctx context.Context) error {
	_, err := c.do(ctx, envelope.OpFactoryReset, nil)
	return err
}

// Diagnostics returns engine host internals.
func (c *Core) Diagnostics(ctx context.Context) (envelope.Diagnostics, error) {
	raw, err := c.do(ctx, envelope.OpDiagnostics, nil)
	if err != nil {
		return envelope.Diagnostics{}, err
	}
	var d envelope.Diagnostics
	if err := json.Unmarshal(raw, &d); err != nil {
		return envelope.Diagnostics{}, fmt.Errorf("decode diagnostics: %w", err)
	}
	return d, nil
}

// Health runs a liveness round trip through the engine.
func (c *Core) Health(ctx context.Context) (envelope.Health, error) {
	raw, err := c.do(ctx, envelope.OpHealth, nil)
	if err != nil {
		return envelope.Health{}, err
	}
	var h envelope.Health
	if err := json.Unmarshal(raw, &h); err != nil {
		return envelope.Health{}, fmt.Errorf("decode health: %w", err)
	}
	return h, nil
}

// StorageStatus reports whether storage is persistent or memory-backed.
func (c *Core) StorageStatus(ctx context.Context) (envelope.StorageStatus, error) {
	raw, err := c.do(ctx, envelope.OpStorageStatus, nil)
	if err != nil {
		return envelope.StorageStatus{}, err
	}
	var s envelope.StorageStatus
	if err := json.Unmarshal(raw, &s); err != nil {
		return envelope.StorageStatus{}, fmt.Errorf("decode storage status: %w", err)
	}
	return s, nil
}

// SetLogLevel adjusts the process log level through the engine host.
func (c *Core) SetLogLevel(ctx context.Context, level string) error {
	_, err := c.do(ctx, envelope.OpSetLogLevel, envelope.SetLogLevelPayload{Level: level})
	return err
}

// CancelActiveOperations forcibly restarts the engine host, aborting
// everything in flight — the targeted operation rejects as cancelled, any
// co-resident operation as interrupted (a known limitation of the restart
// approach, not hidden). Returns true only when this instance is the owner
// and something was actually aborted.
func (c *Core) CancelActiveOperations() bool {
	c.mu.Lock()
	host := c.engine
	c.mu.Unlock()
	if host == nil {
		slog.Debug("cancel ignored: no local engine host")
		return false
	}
	return host.Restart()
}

// AcceptReadOnlyMode permanently (for this session) restricts the instance
// to the read-only operation subset and forgoes any future ownership.
func (c *Core) AcceptReadOnlyMode() error {
	if err := c.Initialize(); err != nil {
		return err
	}
	return c.coord.AcceptReadOnly()
}

// PendingRequests reports the number of in-flight bridged calls.
func (c *Core) PendingRequests() int { return c.pending.Len() }

// opError carries a response failure back to the caller while staying
// matchable with errors.Is against the taxonomy sentinels.
type opError struct {
	kind envelope.ErrorKind
	msg  string
}

func (e *opError) Error() string { return e.msg }

func (e *opError) Is(target error) bool {
	switch target {
	case engine.ErrCancelled:
		return e.kind == envelope.ErrKindCancelled
	case engine.ErrInterrupted:
		return e.kind == envelope.ErrKindInterrupted
	case bridge.ErrOwnerUnresponsive:
		return e.kind == envelope.ErrKindTimeout
	case policy.ErrReadOnly:
		return e.kind == envelope.ErrKindPolicy
	case bridge.ErrNotOwner:
		return e.kind == envelope.ErrKindCoordination && e.msg == bridge.ErrNotOwner.Error()
	}
	return false
}

func responseError(resp envelope.Response) error {
	if !resp.Failed() {
		return nil
	}
	return &opError{kind: resp.ErrKind, msg: resp.Err}
}
