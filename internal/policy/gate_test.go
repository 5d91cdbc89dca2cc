package policy

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/soledb/soledb/internal/envelope"
)

func execPayload(t *testing.T, sql string) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(envelope.ExecPayload{SQL: sql})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return data
}

func TestExecReadVerbsAllowed(t *testing.T) {
	allowed := []string{
		"SELECT * FROM accounts",
		"select 1",
		"  \t\n  SELECT id FROM t WHERE x = ?",
		"PRAGMA table_info(accounts)",
		"pragma journal_mode",
		"EXPLAIN QUERY PLAN SELECT 1",
		"-- leading comment\nSELECT 1",
		"/* block */ SELECT 1",
		"WITH totals AS (SELECT SUM(v) s FROM t) SELECT s FROM totals",
	}
	for _, sql := range allowed {
		if err := Check(envelope.OpExec, execPayload(t, sql)); err != nil {
			t.Errorf("Check(%q) = %v, want allowed", sql, err)
		}
	}
}

func TestExecMutatingVerbsRejected(t *testing.T) {
	rejected := []string{
		"INSERT INTO t VALUES (1)",
		"insert into t values (1)",
		"  UPDATE t SET x = 1",
		"\tDELETE FROM t",
		"DROP TABLE t",
		"CREATE TABLE t (id INTEGER)",
		"ALTER TABLE t ADD COLUMN y",
		"REPLACE INTO t VALUES (1)",
		"TRUNCATE t",
		"VACUUM",
		"ATTACH DATABASE 'x' AS y",
		"DETACH DATABASE y",
		"WITH src AS (SELECT 1 v) INSERT INTO t SELECT v FROM src",
		"",
		"   ",
		"-- only a comment",
	}
	for _, sql := range rejected {
		err := Check(envelope.OpExec, execPayload(t, sql))
		if err == nil {
			t.Errorf("Check(%q) allowed, want rejection", sql)
			continue
		}
		if !errors.Is(err, ErrReadOnly) {
			t.Errorf("Check(%q) error %v does not wrap ErrReadOnly", sql, err)
		}
	}
}

func TestNamedKindAllowList(t *testing.T) {
	allowed := []envelope.OpType{
		envelope.OpInit,
		envelope.OpDiagnostics,
		envelope.OpHealth,
		envelope.OpStorageStatus,
		envelope.OpExport,
	}
	for _, op := range allowed {
		if err := Check(op, nil); err != nil {
			t.Errorf("Check(%s) = %v, want allowed", op, err)
		}
	}

	rejected := []envelope.OpType{
		envelope.OpBulkInsert,
		envelope.OpImport,
		envelope.OpClear,
		envelope.OpClearTable,
		envelope.OpFactoryReset,
		envelope.OpSetLogLevel,
		envelope.OpCancel,
	}
	for _, op := range rejected {
		err := Check(op, nil)
		if err == nil {
			t.Errorf("Check(%s) allowed, want rejection", op)
			continue
		}
		if !errors.Is(err, ErrReadOnly) {
			t.Errorf("Check(%s) error %v does not wrap ErrReadOnly", op, err)
		}
	}
}

func TestLeadingKeyword(t *testing.T) {
	tests := []struct {
		sql  string
		want string
	}{
		{"SELECT 1", "SELECT"},
		{"  select 1", "SELECT"},
		{"-- c\n  insert into t", "INSERT"},
		{"/* a */ /* b */ DELETE FROM t", "DELETE"},
		{"", ""},
		{"/* unterminated", ""},
		{"42", ""},
	}
	for _, tt := range tests {
		if got := LeadingKeyword(tt.sql); got != tt.want {
			t.Errorf("LeadingKeyword(%q) = %q, want %q", tt.sql, got, tt.want)
		}
	}
}
