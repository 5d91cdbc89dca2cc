// Package core is the public face of the coordination layer. Callers issue
// database operations here; the core wraps each one in an envelope, decides
// from the instance role whether it runs on the local engine host or rides
// the bus to the owner, and reports start/end events, state notifications,
// and change notifications to the surrounding application.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/soledb/soledb/internal/bridge"
	"github.com/soledb/soledb/internal/bus"
	"github.com/soledb/soledb/internal/coordinator"
	"github.com/soledb/soledb/internal/engine"
	"github.com/soledb/soledb/internal/envelope"
	"github.com/soledb/soledb/internal/lock"
	"github.com/soledb/soledb/internal/policy"
	"github.com/soledb/soledb/internal/session"
)

// OpInfo describes one public operation for the observability hooks.
type OpInfo struct {
	ID       uint64
	Type     envelope.OpType
	Duration time.Duration
	Err      error
}

// StateNotification reports a (conflictDetected, isReadOnly) transition.
type StateNotification struct {
	Conflict bool `json:"conflict"`
	ReadOnly bool `json:"read_only"`
}

// Config wires a Core.
type Config struct {
	DataDir string
	Locks   lock.Provider
	Bus     bus.Bus
	Session *session.Store

	// RPCTimeout bounds bridged calls; zero means bridge.DefaultTimeout.
	RPCTimeout time.Duration

	// LogLevel, when set, is adjustable through the set-log-level operation.
	LogLevel *slog.LevelVar

	// PromoteRestart implements the follower-to-owner restart contract.
	PromoteRestart func(lock.Handle)
}

// Core is one instance's coordination layer. Create with New, then call
// Initialize (idempotent) before issuing operations.
type Core struct {
	cfg    Config
	coord  *coordinator.Coordinator
	tracer trace.Tracer

	pending   *bridge.PendingTable
	bridge    *bridge.Bridge
	responder *bridge.Responder

	nextID   atomic.Uint64
	initOnce sync.Once
	initErr  error
	initDone atomic.Bool

	mu        sync.Mutex
	engine    *engine.Host // owner only
	opStarted func(OpInfo)
	opEnded   func(OpInfo)
	closed    bool

	stateCh  chan StateNotification
	changeCh chan session.ChangeEvent
}

// New builds a Core. Nothing is started until Initialize.
func New(cfg Config) (*Core, error) {
	c := &Core{
		cfg:      cfg,
		tracer:   otel.Tracer("soledb"),
		pending:  bridge.NewPendingTable(),
		stateCh:  make(chan StateNotification, 16),
		changeCh: make(chan session.ChangeEvent, 64),
	}
	coord, err := coordinator.New(coordinator.Config{
		Locks:          cfg.Locks,
		Bus:            cfg.Bus,
		Session:        cfg.Session,
		PromoteRestart: cfg.PromoteRestart,
		OnStateChange: func(conflict, readOnly bool) {
			c.pushState(StateNotification{Conflict: conflict, ReadOnly: readOnly})
		},
	})
	if err != nil {
		return nil, err
	}
	c.coord = coord
	c.bridge = bridge.New(cfg.Bus, c.pending, coord.InstanceID(), cfg.RPCTimeout, c.gate)
	c.responder = bridge.NewResponder(cfg.Bus, coord.InstanceID(), c.dispatchLocal)
	return c, nil
}

// Initialize resolves the role, starts the engine host when this instance
// is the owner, and attaches to the bus. Safe to call repeatedly; only the
// first call does real setup.
func (c *Core) Initialize() error {
	c.initOnce.Do(func() {
		c.initErr = c.initialize()
		if c.initErr == nil {
			c.initDone.Store(true)
		}
	})
	return c.initErr
}

func (c *Core) initialize() error {
	c.cfg.Bus.Subscribe(c.handleBusMessage)

	role, err := c.coord.Start()
	if err != nil {
		return err
	}
	if role == coordinator.RoleOwner {
		// Holding the lock and running an engine host are one and the same.
		host, err := engine.New(engine.Config{DataDir: c.cfg.DataDir, LogLevel: c.cfg.LogLevel})
		if err != nil {
			c.coord.Close()
			return fmt.Errorf("start engine host: %w", err)
		}
		c.mu.Lock()
		c.engine = host
		c.mu.Unlock()
	}
	slog.Info("core initialized",
		"instance", c.coord.InstanceID(),
		"role", role.String(),
	)
	return nil
}

// InstanceID is the session-stable identity of this instance.
func (c *Core) InstanceID() string { return c.coord.InstanceID() }

// Role reports the resolved role.
func (c *Core) Role() coordinator.Role { return c.coord.Role() }

// ConflictDetected reports whether another live instance was discovered.
func (c *Core) ConflictDetected() bool { return c.coord.ConflictDetected() }

// ReadOnlyAccepted reports whether degraded mode is active.
func (c *Core) ReadOnlyAccepted() bool { return c.coord.ReadOnlyAccepted() }

// SetObserver installs the operation start/end hooks consumed by UI chrome
// for the busy indicator and latency readout.
func (c *Core) SetObserver(started, ended func(OpInfo)) {
	c.mu.Lock()
	c.opStarted = started
	c.opEnded = ended
	c.mu.Unlock()
}

// States is the (conflictDetected, isReadOnly) notification channel.
func (c *Core) States() <-chan StateNotification { return c.stateCh }

// Changes is the (changeType, count) notification channel for cache
// invalidation elsewhere in the application.
func (c *Core) Changes() <-chan session.ChangeEvent { return c.changeCh }

// RegisterBulkSchema attaches a JSON schema to a bulk-insert target on the
// local engine. Owner only; followers rely on the owner's registry.
func (c *Core) RegisterBulkSchema(target, schemaJSON string) error {
	c.mu.Lock()
	host := c.engine
	c.mu.Unlock()
	if host == nil {
		return bridge.ErrNotOwner
	}
	return host.RegisterSchema(target, schemaJSON)
}

func (c *Core) handleBusMessage(m bus.Message) {
	if c.coord.HandleMessage(m) {
		return
	}
	switch m.Kind {
	case bus.KindRPCReq:
		// Only the owner answers; a follower never serves other followers.
		if c.coord.IsOwner() {
			c.responder.HandleRequest(m)
		}
	case bus.KindRPCResp:
		if m.To != "" && m.To != c.coord.InstanceID() {
			return
		}
		c.bridge.HandleResponse(m.Response)
	}
}

// gate applies the read-only policy. It runs identically for owner-local
// and bridged dispatch, so an owner that accepts read-only mode is held to
// the same restriction.
func (c *Core) gate(env envelope.Envelope) error {
	if !c.coord.ReadOnlyAccepted() {
		return nil
	}
	return policy.Check(env.Type, env.Payload)
}

// dispatchLocal runs an envelope against the local engine host. Also the
// owner-side entry point for bridged requests.
func (c *Core) dispatchLocal(env envelope.Envelope) envelope.Response {
	if err := c.gate(env); err != nil {
		return envelope.Response{ID: env.ID, Err: err.Error(), ErrKind: envelope.ErrKindPolicy}
	}
	c.mu.Lock()
	host := c.engine
	c.mu.Unlock()
	if host == nil {
		return envelope.Response{
			ID:      env.ID,
			Err:     "no local engine host",
			ErrKind: envelope.ErrKindCoordination,
		}
	}
	return host.Do(env)
}

// do issues one operation end to end: envelope, events, span, dispatch.
func (c *Core) do(ctx context.Context, op envelope.OpType, payload any) (json.RawMessage, error) {
	if err := c.Initialize(); err != nil {
		return nil, err
	}
	id := c.nextID.Add(1)
	env, err := envelope.New(id, op, payload)
	if err != nil {
		return nil, fmt.Errorf("build envelope: %w", err)
	}

	owner := c.coord.IsOwner()
	ctx, span := c.tracer.Start(ctx, "soledb."+op.String(),
		trace.WithAttributes(
			attribute.String("soledb.op", op.String()),
			attribute.Int64("soledb.envelope_id", int64(id)),
			attribute.String("soledb.role", c.coord.Role().String()),
			attribute.Bool("soledb.proxied", !owner),
		))
	defer span.End()

	start := time.Now()
	c.emitStarted(OpInfo{ID: id, Type: op})

	var resp envelope.Response
	if owner {
		resp = c.dispatchLocal(env)
	} else {
		resp = c.bridge.Send(ctx, env)
	}

	opErr := responseError(resp)
	c.emitEnded(OpInfo{ID: id, Type: op, Duration: time.Since(start), Err: opErr})
	if opErr != nil {
		span.RecordError(opErr)
		return nil, opErr
	}
	c.noteChange(op, resp.Result)
	return resp.Result, nil
}

func (c *Core) emitStarted(info OpInfo) {
	c.mu.Lock()
	fn := c.opStarted
	c.mu.Unlock()
	if fn != nil {
		fn(info)
	}
}

func (c *Core) emitEnded(info OpInfo) {
	c.mu.Lock()
	fn := c.opEnded
	c.mu.Unlock()
	if fn != nil {
		fn(info)
	}
}

// noteChange journals and publishes a change notification after a
// successful mutating operation.
func (c *Core) noteChange(op envelope.OpType, result json.RawMessage) {
	count, mutated := changeCount(op, result)
	if !mutated {
		return
	}
	ev, err := c.cfg.Session.AppendChange(op.String(), count, uint64(time.Now().UnixNano()))
	if err != nil {
		slog.Warn("journal change event", "error", err)
		ev = session.ChangeEvent{Change: op.String(), Count: count}
	}
	select {
	case c.changeCh <- ev:
	default: // slow consumer; the journal still has it
	}
}

// changeCount extracts the affected-row count for a mutating operation.
// Exec counts only when it actually changed rows.
func changeCount(op envelope.OpType, result json.RawMessage) (int64, bool) {
	switch op {
	case envelope.OpBulkInsert:
		var r envelope.BulkInsertResult
		json.Unmarshal(result, &r)
		return r.Inserted, true
	case envelope.OpImport:
		var r envelope.ImportReport
		json.Unmarshal(result, &r)
		return int64(r.Tables), r.IsValid
	case envelope.OpClear, envelope.OpClearTable, envelope.OpFactoryReset:
		var r envelope.ExecResult
		json.Unmarshal(result, &r)
		return r.RowsAffected, true
	case envelope.OpExec:
		var r envelope.ExecResult
		json.Unmarshal(result, &r)
		return r.RowsAffected, r.RowsAffected > 0
	}
	return 0, false
}

func (c *Core) pushState(n StateNotification) {
	select {
	case c.stateCh <- n:
	default:
	}
}

// Close tears the instance down: engine host, lock, bus.
func (c *Core) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	host := c.engine
	c.engine = nil
	c.mu.Unlock()

	if host != nil {
		host.Close()
	}
	err := c.coord.Close()
	if busErr := c.cfg.Bus.Close(); err == nil {
		err = busErr
	}
	return err
}
