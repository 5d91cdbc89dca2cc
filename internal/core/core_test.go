package core

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/soledb/soledb/internal/bridge"
	"github.com/soledb/soledb/internal/bus"
	"github.com/soledb/soledb/internal/coordinator"
	"github.com/soledb/soledb/internal/lock"
	"github.com/soledb/soledb/internal/policy"
	"github.com/soledb/soledb/internal/session"
)

type harness struct {
	medium *bus.MemoryBus
	locks  *lock.MemoryProvider
}

func newHarness() *harness {
	return &harness{medium: bus.NewMemoryBus(), locks: lock.NewMemoryProvider()}
}

func (h *harness) newCore(t *testing.T, mod func(*Config)) *Core {
	t.Helper()
	sess, err := session.Open(filepath.Join(t.TempDir(), "session"))
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	cfg := Config{
		DataDir:    filepath.Join(t.TempDir(), "db"),
		Locks:      h.locks,
		Bus:        h.medium.Join(),
		Session:    sess,
		RPCTimeout: 2 * time.Second,
	}
	if mod != nil {
		mod(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		sess.Close()
	})
	return c
}

func (h *harness) newInitializedCore(t *testing.T, mod func(*Config)) *Core {
	t.Helper()
	c := h.newCore(t, mod)
	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return c
}

func TestOwnerExecutesLocally(t *testing.T) {
	h := newHarness()
	c := h.newInitializedCore(t, nil)

	if c.Role() != coordinator.RoleOwner {
		t.Fatalf("role = %s, want owner", c.Role())
	}

	ctx := context.Background()
	if _, err := c.Execute(ctx, `CREATE TABLE t (x INTEGER)`, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.Execute(ctx, `INSERT INTO t VALUES (?)`, []any{42}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	rows, err := c.Execute(ctx, `SELECT x FROM t`, nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(rows) != 1 || rows[0]["x"].(float64) != 42 {
		t.Fatalf("rows = %v", rows)
	}
}

func TestFollowerProxiesToOwner(t *testing.T) {
	h := newHarness()
	owner := h.newInitializedCore(t, nil)
	follower := h.newInitializedCore(t, nil)

	if owner.Role() != coordinator.RoleOwner {
		t.Fatalf("first core role = %s", owner.Role())
	}
	if follower.Role() != coordinator.RoleFollower {
		t.Fatalf("second core role = %s", follower.Role())
	}

	// Writes through the follower land on the owner's engine, and reads
	// through either instance see the same data.
	ctx := context.Background()
	if _, err := follower.Execute(ctx, `CREATE TABLE shared (v TEXT)`, nil); err != nil {
		t.Fatalf("create via follower: %v", err)
	}
	if _, err := follower.Execute(ctx, `INSERT INTO shared VALUES ('from-follower')`, nil); err != nil {
		t.Fatalf("insert via follower: %v", err)
	}

	for name, c := range map[string]*Core{"owner": owner, "follower": follower} {
		rows, err := c.Execute(ctx, `SELECT v FROM shared`, nil)
		if err != nil {
			t.Fatalf("select via %s: %v", name, err)
		}
		if len(rows) != 1 || rows[0]["v"] != "from-follower" {
			t.Fatalf("select via %s = %v", name, rows)
		}
	}

	// Named operations ride the same path.
	health, err := follower.Health(ctx)
	if err != nil {
		t.Fatalf("health via follower: %v", err)
	}
	if !health.OK {
		t.Fatal("health via follower not ok")
	}

	if n := follower.PendingRequests(); n != 0 {
		t.Fatalf("pending requests after completed calls = %d, want 0", n)
	}
}

func TestFollowerTimesOutWithoutOwner(t *testing.T) {
	h := newHarness()

	// Park the lock so the core starts as a follower with nobody serving.
	held, ok, err := h.locks.TryAcquire(coordinator.OwnerLockName)
	if err != nil || !ok {
		t.Fatalf("pre-acquire lock: ok=%v err=%v", ok, err)
	}
	defer held.Release()

	c := h.newInitializedCore(t, func(cfg *Config) {
		cfg.RPCTimeout = 100 * time.Millisecond
	})
	if c.Role() != coordinator.RoleFollower {
		t.Fatalf("role = %s, want follower", c.Role())
	}

	_, err = c.Execute(context.Background(), `SELECT 1`, nil)
	if err == nil {
		t.Fatal("Execute succeeded with no owner on the bus")
	}
	if !errors.Is(err, bridge.ErrOwnerUnresponsive) {
		t.Fatalf("error %v does not match ErrOwnerUnresponsive", err)
	}
	if n := c.PendingRequests(); n != 0 {
		t.Fatalf("pending requests after timeout = %d, want 0", n)
	}
}

func TestReadOnlyGateOnFollower(t *testing.T) {
	h := newHarness()
	owner := h.newInitializedCore(t, nil)
	follower := h.newInitializedCore(t, nil)

	ctx := context.Background()
	if _, err := owner.Execute(ctx, `CREATE TABLE t (x INTEGER)`, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := follower.AcceptReadOnlyMode(); err != nil {
		t.Fatalf("AcceptReadOnlyMode: %v", err)
	}
	if !follower.ReadOnlyAccepted() {
		t.Fatal("ReadOnlyAccepted = false after acceptance")
	}

	// Reads still flow.
	if _, err := follower.Execute(ctx, `SELECT x FROM t`, nil); err != nil {
		t.Fatalf("read in read-only mode: %v", err)
	}
	if _, err := follower.Diagnostics(ctx); err != nil {
		t.Fatalf("diagnostics in read-only mode: %v", err)
	}

	// Writes and mutating named operations are rejected before the bus.
	_, err := follower.Execute(ctx, `INSERT INTO t VALUES (1)`, nil)
	if !errors.Is(err, policy.ErrReadOnly) {
		t.Fatalf("insert error = %v, want ErrReadOnly", err)
	}
	if err := follower.Clear(ctx); !errors.Is(err, policy.ErrReadOnly) {
		t.Fatalf("clear error = %v, want ErrReadOnly", err)
	}
	if n := follower.PendingRequests(); n != 0 {
		t.Fatalf("policy rejections left %d pending entries", n)
	}
}

func TestReadOnlyGateOnOwner(t *testing.T) {
	h := newHarness()
	c := h.newInitializedCore(t, nil)

	ctx := context.Background()
	if _, err := c.Execute(ctx, `CREATE TABLE t (x INTEGER)`, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.AcceptReadOnlyMode(); err != nil {
		t.Fatalf("AcceptReadOnlyMode: %v", err)
	}

	// The gate binds the owner's local dispatch the same way.
	if _, err := c.Execute(ctx, `INSERT INTO t VALUES (1)`, nil); !errors.Is(err, policy.ErrReadOnly) {
		t.Fatalf("insert error = %v, want ErrReadOnly", err)
	}
	if _, err := c.Execute(ctx, `SELECT x FROM t`, nil); err != nil {
		t.Fatalf("read after acceptance: %v", err)
	}
}

func TestCancelOnFollowerIsNoOp(t *testing.T) {
	h := newHarness()
	owner := h.newInitializedCore(t, nil)
	follower := h.newInitializedCore(t, nil)

	if follower.CancelActiveOperations() {
		t.Fatal("cancel on a follower reported work aborted")
	}
	// Idle owner: nothing to abort either, but the call is legal.
	if owner.CancelActiveOperations() {
		t.Fatal("cancel on an idle owner reported work aborted")
	}
}

func TestObserverSeesStartAndEnd(t *testing.T) {
	h := newHarness()
	c := h.newInitializedCore(t, nil)

	var mu sync.Mutex
	var started, ended []OpInfo
	c.SetObserver(
		func(info OpInfo) { mu.Lock(); started = append(started, info); mu.Unlock() },
		func(info OpInfo) { mu.Lock(); ended = append(ended, info); mu.Unlock() },
	)

	ctx := context.Background()
	if _, err := c.Execute(ctx, `CREATE TABLE t (x INTEGER)`, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.Execute(ctx, `SELECT * FROM nope`, nil); err == nil {
		t.Fatal("query of missing table succeeded")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(started) != 2 || len(ended) != 2 {
		t.Fatalf("observed %d starts, %d ends; want 2 each", len(started), len(ended))
	}
	if started[0].ID != ended[0].ID {
		t.Fatalf("start/end ids disagree: %d vs %d", started[0].ID, ended[0].ID)
	}
	if ended[0].Err != nil {
		t.Fatalf("successful op ended with error %v", ended[0].Err)
	}
	if ended[1].Err == nil {
		t.Fatal("failed op ended without error")
	}
}

func TestChangeNotifications(t *testing.T) {
	h := newHarness()
	c := h.newInitializedCore(t, nil)

	ctx := context.Background()
	if _, err := c.Execute(ctx, `CREATE TABLE t (x INTEGER)`, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Drain anything the DDL produced; CREATE TABLE affects no rows.
	select {
	case ev := <-c.Changes():
		t.Fatalf("DDL produced change notification %+v", ev)
	default:
	}

	if _, err := c.Execute(ctx, `INSERT INTO t VALUES (1), (2), (3)`, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	select {
	case ev := <-c.Changes():
		if ev.Change != "exec" || ev.Count != 3 {
			t.Fatalf("change event = %+v, want exec/3", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no change notification for insert")
	}

	// Reads never notify.
	if _, err := c.Execute(ctx, `SELECT * FROM t`, nil); err != nil {
		t.Fatalf("select: %v", err)
	}
	select {
	case ev := <-c.Changes():
		t.Fatalf("read produced change notification %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConflictStateNotification(t *testing.T) {
	h := newHarness()
	owner := h.newInitializedCore(t, nil)
	follower := h.newInitializedCore(t, nil)

	// The follower's startup ping was answered synchronously by the owner.
	if !follower.ConflictDetected() {
		t.Fatal("follower did not detect the owner")
	}
	select {
	case n := <-follower.States():
		if !n.Conflict {
			t.Fatalf("state notification = %+v, want conflict", n)
		}
	default:
		t.Fatal("no state notification for conflict")
	}
	if owner.ConflictDetected() {
		t.Fatal("owner claims conflict without receiving a pong")
	}
}

func TestRegisterBulkSchemaOwnerOnly(t *testing.T) {
	h := newHarness()
	owner := h.newInitializedCore(t, nil)
	follower := h.newInitializedCore(t, nil)

	if err := owner.RegisterBulkSchema("t", `{"type":"object"}`); err != nil {
		t.Fatalf("owner RegisterBulkSchema: %v", err)
	}
	if err := follower.RegisterBulkSchema("t", `{"type":"object"}`); !errors.Is(err, bridge.ErrNotOwner) {
		t.Fatalf("follower RegisterBulkSchema = %v, want ErrNotOwner", err)
	}
}
