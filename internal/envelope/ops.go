package envelope

import "fmt"

// OpType identifies an operation crossing into the engine host, either
// directly or proxied over the instance bus.
type OpType uint8

const (
	OpInit          OpType = 1
	OpExec          OpType = 2
	OpBulkInsert    OpType = 3
	OpExport        OpType = 4
	OpImport        OpType = 5
	OpClear         OpType = 6
	OpClearTable    OpType = 7
	OpFactoryReset  OpType = 8
	OpDiagnostics   OpType = 9
	OpHealth        OpType = 10
	OpStorageStatus OpType = 11
	OpSetLogLevel   OpType = 12
	OpCancel        OpType = 13
)

var opNames = map[OpType]string{
	OpInit:          "init",
	OpExec:          "exec",
	OpBulkInsert:    "bulk_insert",
	OpExport:        "export",
	OpImport:        "import",
	OpClear:         "clear",
	OpClearTable:    "clear_table",
	OpFactoryReset:  "factory_reset",
	OpDiagnostics:   "diagnostics",
	OpHealth:        "health",
	OpStorageStatus: "storage_status",
	OpSetLogLevel:   "set_log_level",
	OpCancel:        "cancel",
}

func (t OpType) String() string {
	if s, ok := opNames[t]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", uint8(t))
}

// Mutating reports whether a successful operation of this type changed
// database state. Used for change notifications, not for policy decisions
// (the read-only gate has its own allow-list).
func (t OpType) Mutating() bool {
	switch t {
	case OpBulkInsert, OpImport, OpClear, OpClearTable, OpFactoryReset:
		return true
	}
	return false
}
