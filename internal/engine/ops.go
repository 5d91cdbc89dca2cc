package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"time"

	"github.com/soledb/soledb/internal/envelope"
	"github.com/soledb/soledb/internal/policy"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// execute serves one envelope. Runs on the worker goroutine only.
func (h *Host) execute(ctx context.Context, env envelope.Envelope) envelope.Response {
	h.mu.Lock()
	db := h.db
	path := h.dbPath
	memReason := h.memReason
	h.mu.Unlock()

	result, err := h.dispatch(ctx, db, path, memReason, env)
	if err != nil {
		return errResponse(env.ID, envelope.ErrKindEngine, err)
	}
	data, err := json.Marshal(result)
	if err != nil {
		return errResponse(env.ID, envelope.ErrKindEngine, fmt.Errorf("marshal result: %w", err))
	}
	return envelope.Response{ID: env.ID, Result: data}
}

func (h *Host) dispatch(ctx context.Context, db *sql.DB, path, memReason string, env envelope.Envelope) (any, error) {
	switch env.Type {
	case envelope.OpInit:
		return h.opHealth(ctx, db)
	case envelope.OpExec:
		var p envelope.ExecPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("exec payload: %w", err)
		}
		return h.opExec(ctx, db, p)
	case envelope.OpBulkInsert:
		var p envelope.BulkInsertPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("bulk payload: %w", err)
		}
		return h.opBulkInsert(ctx, db, p)
	case envelope.OpExport:
		return h.opExport(ctx, db, path)
	case envelope.OpImport:
		var p envelope.ImportPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("import payload: %w", err)
		}
		return h.opImport(ctx, db, path, p)
	case envelope.OpClear:
		return h.opClear(ctx, db)
	case envelope.OpClearTable:
		var p envelope.ClearTablePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("clear table payload: %w", err)
		}
		return h.opClearTable(ctx, db, p.Table)
	case envelope.OpFactoryReset:
		return h.opFactoryReset(db, path)
	case envelope.OpDiagnostics:
		return h.opDiagnostics(ctx, db, path)
	case envelope.OpHealth:
		return h.opHealth(ctx, db)
	case envelope.OpStorageStatus:
		if path == "" {
			return envelope.StorageStatus{Mode: "memory", Reason: memReason}, nil
		}
		return envelope.StorageStatus{Mode: "persistent"}, nil
	case envelope.OpSetLogLevel:
		var p envelope.SetLogLevelPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("log level payload: %w", err)
		}
		return h.opSetLogLevel(p.Level)
	case envelope.OpCancel:
		return nil, fmt.Errorf("cancel is served by the host restart path, not the envelope transport")
	}
	return nil, fmt.Errorf("unknown operation type %s", env.Type)
}

func (h *Host) opExec(ctx context.Context, db *sql.DB, p envelope.ExecPayload) (envelope.ExecResult, error) {
	verb := policy.LeadingKeyword(p.SQL)
	switch verb {
	case "SELECT", "PRAGMA", "EXPLAIN", "WITH", "VALUES":
		rows, err := db.QueryContext(ctx, p.SQL, p.Params...)
		if err != nil {
			return envelope.ExecResult{}, err
		}
		defer rows.Close()
		out, err := scanRows(rows)
		if err != nil {
			return envelope.ExecResult{}, err
		}
		return envelope.ExecResult{Rows: out}, nil
	default:
		res, err := db.ExecContext(ctx, p.SQL, p.Params...)
		if err != nil {
			return envelope.ExecResult{}, err
		}
		affected, _ := res.RowsAffected()
		return envelope.ExecResult{RowsAffected: affected}, nil
	}
}

func scanRows(rows *sql.Rows) ([]envelope.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []envelope.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(envelope.Row, len(cols))
		for i, col := range cols {
			v := vals[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (h *Host) opBulkInsert(ctx context.Context, db *sql.DB, p envelope.BulkInsertPayload) (envelope.BulkInsertResult, error) {
	var zero envelope.BulkInsertResult
	if !identRe.MatchString(p.Target) {
		return zero, fmt.Errorf("invalid bulk insert target %q", p.Target)
	}
	if len(p.Records) == 0 {
		return zero, nil
	}
	if err := h.validateRecords(p.Target, p.Records); err != nil {
		return zero, err
	}

	// Column set comes from the first record; later records may omit
	// columns (NULL) but never introduce new ones.
	var first map[string]json.RawMessage
	if err := json.Unmarshal(p.Records[0], &first); err != nil {
		return zero, fmt.Errorf("record 0: %w", err)
	}
	cols := make([]string, 0, len(first))
	for c := range first {
		if !identRe.MatchString(c) {
			return zero, fmt.Errorf("invalid column name %q", c)
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)

	placeholders := ""
	colList := ""
	for i, c := range cols {
		if i > 0 {
			placeholders += ", "
			colList += ", "
		}
		placeholders += "?"
		colList += `"` + c + `"`
	}
	stmt := fmt.Sprintf(`INSERT INTO "%s" (%s) VALUES (%s)`, p.Target, colList, placeholders)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return zero, fmt.Errorf("begin bulk tx: %w", err)
	}
	defer tx.Rollback()

	prepared, err := tx.PrepareContext(ctx, stmt)
	if err != nil {
		return zero, fmt.Errorf("prepare bulk insert: %w", err)
	}
	defer prepared.Close()

	var inserted int64
	for i, raw := range p.Records {
		var rec map[string]any
		if err := json.Unmarshal(raw, &rec); err != nil {
			return zero, fmt.Errorf("record %d: %w", i, err)
		}
		args := make([]any, len(cols))
		for j, c := range cols {
			args[j] = rec[c]
		}
		if _, err := prepared.ExecContext(ctx, args...); err != nil {
			return zero, fmt.Errorf("record %d: %w", i, err)
		}
		inserted++
	}
	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("commit bulk insert: %w", err)
	}
	return envelope.BulkInsertResult{Inserted: inserted}, nil
}

// opExport snapshots the database as raw file bytes. File mode checkpoints
// the WAL first; memory mode vacuums into a scratch file.
func (h *Host) opExport(ctx context.Context, db *sql.DB, path string) ([]byte, error) {
	if path == "" {
		tmp, err := os.CreateTemp("", "soledb-export-*.db")
		if err != nil {
			return nil, fmt.Errorf("export scratch file: %w", err)
		}
		tmpPath := tmp.Name()
		tmp.Close()
		os.Remove(tmpPath) // VACUUM INTO refuses to overwrite
		defer os.Remove(tmpPath)
		if _, err := db.ExecContext(ctx, "VACUUM INTO ?", tmpPath); err != nil {
			return nil, fmt.Errorf("vacuum into: %w", err)
		}
		return os.ReadFile(tmpPath)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return nil, fmt.Errorf("wal checkpoint: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read database file: %w", err)
	}
	return data, nil
}

// opImport stages the snapshot, verifies it, then atomically swaps it in
// and reopens. An unverifiable snapshot produces an invalid report, not an
// error; the live database is untouched.
func (h *Host) opImport(ctx context.Context, db *sql.DB, path string, p envelope.ImportPayload) (envelope.ImportReport, error) {
	if len(p.Manifest) > 0 {
		if msg := validateManifest(p.Manifest); msg != "" {
			return envelope.ImportReport{IsValid: false, Message: msg}, nil
		}
	}
	if path == "" {
		return envelope.ImportReport{}, fmt.Errorf("import requires persistent storage")
	}

	staging := path + ".import"
	if err := os.WriteFile(staging, p.Data, 0o644); err != nil {
		return envelope.ImportReport{}, fmt.Errorf("write staging file: %w", err)
	}
	defer os.Remove(staging)

	tables, msg := verifySnapshot(ctx, staging)
	if msg != "" {
		return envelope.ImportReport{IsValid: false, Message: msg}, nil
	}

	db.Close()
	os.Remove(path + "-wal")
	os.Remove(path + "-shm")
	if err := os.Rename(staging, path); err != nil {
		// The old file is gone from under us only on rename failure after
		// close; reopen whatever is on disk.
		h.openDB()
		return envelope.ImportReport{}, fmt.Errorf("swap snapshot: %w", err)
	}
	if err := h.openDB(); err != nil {
		return envelope.ImportReport{}, fmt.Errorf("reopen after import: %w", err)
	}
	slog.Info("snapshot imported", "tables", tables, "bytes", len(p.Data))
	return envelope.ImportReport{IsValid: true, Tables: tables}, nil
}

// verifySnapshot opens the staged file read-only and runs an integrity
// check. Returns a human-readable failure message, empty on success.
func verifySnapshot(ctx context.Context, staging string) (tables int, msg string) {
	sdb, err := openConn(staging)
	if err != nil {
		return 0, fmt.Sprintf("snapshot not openable: %v", err)
	}
	defer sdb.Close()

	var verdict string
	if err := sdb.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&verdict); err != nil {
		return 0, fmt.Sprintf("integrity check failed: %v", err)
	}
	if verdict != "ok" {
		return 0, fmt.Sprintf("integrity check: %s", verdict)
	}
	if err := sdb.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`,
	).Scan(&tables); err != nil {
		return 0, fmt.Sprintf("count tables: %v", err)
	}
	return tables, ""
}

func (h *Host) opClear(ctx context.Context, db *sql.DB) (envelope.ExecResult, error) {
	names, err := userTables(ctx, db)
	if err != nil {
		return envelope.ExecResult{}, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return envelope.ExecResult{}, fmt.Errorf("begin clear tx: %w", err)
	}
	defer tx.Rollback()

	var total int64
	for _, name := range names {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s"`, name))
		if err != nil {
			return envelope.ExecResult{}, fmt.Errorf("clear %s: %w", name, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return envelope.ExecResult{}, fmt.Errorf("commit clear: %w", err)
	}
	return envelope.ExecResult{RowsAffected: total}, nil
}

func (h *Host) opClearTable(ctx context.Context, db *sql.DB, table string) (envelope.ExecResult, error) {
	if !identRe.MatchString(table) {
		return envelope.ExecResult{}, fmt.Errorf("invalid table name %q", table)
	}
	var exists int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
	).Scan(&exists)
	if err != nil {
		return envelope.ExecResult{}, err
	}
	if exists == 0 {
		return envelope.ExecResult{}, fmt.Errorf("no such table: %s", table)
	}
	res, err := db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM "%s"`, table))
	if err != nil {
		return envelope.ExecResult{}, err
	}
	n, _ := res.RowsAffected()
	return envelope.ExecResult{RowsAffected: n}, nil
}

// opFactoryReset discards the database files entirely and reopens fresh.
func (h *Host) opFactoryReset(db *sql.DB, path string) (envelope.ExecResult, error) {
	db.Close()
	if path != "" {
		for _, p := range []string{path, path + "-wal", path + "-shm"} {
			os.Remove(p)
		}
	}
	if err := h.openDB(); err != nil {
		return envelope.ExecResult{}, fmt.Errorf("reopen after factory reset: %w", err)
	}
	slog.Info("factory reset complete")
	return envelope.ExecResult{}, nil
}

func (h *Host) opDiagnostics(ctx context.Context, db *sql.DB, path string) (envelope.Diagnostics, error) {
	d := envelope.Diagnostics{
		Path:     path,
		InFlight: int(h.inFlight.Load()),
		Restarts: h.restarts.Load(),
	}
	if path != "" {
		if fi, err := os.Stat(path); err == nil {
			d.FileSizeBytes = fi.Size()
		}
	}
	db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&d.PageCount)
	db.QueryRowContext(ctx, "PRAGMA freelist_count").Scan(&d.FreelistCount)
	db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&d.JournalMode)
	names, err := userTables(ctx, db)
	if err != nil {
		return d, err
	}
	d.UserTables = len(names)
	return d, nil
}

func (h *Host) opHealth(ctx context.Context, db *sql.DB) (envelope.Health, error) {
	start := time.Now()
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return envelope.Health{}, err
	}
	return envelope.Health{OK: one == 1, LatencyUS: time.Since(start).Microseconds()}, nil
}

func (h *Host) opSetLogLevel(level string) (map[string]string, error) {
	if h.cfg.LogLevel == nil {
		return nil, fmt.Errorf("log level not adjustable")
	}
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	h.cfg.LogLevel.Set(l)
	return map[string]string{"level": level}, nil
}

func userTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
