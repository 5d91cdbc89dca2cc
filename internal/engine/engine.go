// Package engine hosts the embedded SQLite database inside an isolated
// worker goroutine. Callers never touch the database directly: every
// operation travels as an envelope through a request channel and is answered
// exactly once. SQLite offers no statement-cancellation primitive we can
// reach from here, so cancelling a running operation forcibly restarts the
// worker and its database handle — destructive to every co-resident
// in-flight operation, which is rejected as interrupted rather than
// cancelled. Only the owner instance ever runs a Host.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"github.com/soledb/soledb/internal/envelope"
)

// Engine host errors.
var (
	ErrCancelled   = errors.New("operation cancelled")
	ErrInterrupted = errors.New("operation interrupted by engine restart")
	ErrClosed      = errors.New("engine host closed")
)

// DatabaseFile is the name of the database file under the data directory.
const DatabaseFile = "soledb.db"

// Config configures a Host.
type Config struct {
	// DataDir holds the database file. When it is not writable the host
	// falls back to an in-memory database and reports that through
	// storage-status.
	DataDir string

	// LogLevel, when set, is adjusted by SET_LOG_LEVEL messages.
	LogLevel *slog.LevelVar

	// QueueDepth bounds requests waiting for the worker. Zero means 64.
	QueueDepth int
}

type request struct {
	env    envelope.Envelope
	respCh chan envelope.Response
}

// Host owns the database connection and the worker goroutine.
type Host struct {
	cfg Config

	mu        sync.Mutex
	db        *sql.DB
	dbPath    string // empty in memory mode
	memReason string
	genCtx    context.Context
	genCancel context.CancelFunc
	current   *request
	cancelReq bool
	closed    bool
	schemas   map[string]*targetSchema

	reqCh    chan *request
	closeCh  chan struct{}
	doneCh   chan struct{}
	inFlight atomic.Int64
	restarts atomic.Uint64
}

// New opens the database and starts the worker.
func New(cfg Config) (*Host, error) {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	h := &Host{
		cfg:     cfg,
		schemas: make(map[string]*targetSchema),
		reqCh:   make(chan *request, cfg.QueueDepth),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	if err := h.openDB(); err != nil {
		return nil, err
	}
	h.genCtx, h.genCancel = context.WithCancel(context.Background())
	go h.run()
	return h, nil
}

// openDB opens the file-backed database, falling back to :memory: when the
// data directory cannot be used.
func (h *Host) openDB() error {
	db, path, reason, err := open(h.cfg.DataDir)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.db = db
	h.dbPath = path
	h.memReason = reason
	h.mu.Unlock()
	return nil
}

func open(dataDir string) (db *sql.DB, path, memReason string, err error) {
	if dataDir != "" {
		if mkErr := os.MkdirAll(dataDir, 0o755); mkErr == nil {
			p := filepath.Join(dataDir, DatabaseFile)
			fileDB, openErr := openConn(p)
			if openErr == nil {
				return fileDB, p, "", nil
			}
			memReason = openErr.Error()
		} else {
			memReason = mkErr.Error()
		}
	} else {
		memReason = "no data directory configured"
	}
	memDB, memErr := openConn(":memory:")
	if memErr != nil {
		return nil, "", "", fmt.Errorf("open memory database: %w", memErr)
	}
	slog.Warn("engine falling back to memory database", "reason", memReason)
	return memDB, "", memReason, nil
}

func openConn(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection keeps the worker's view of in-memory databases and of
	// write serialization consistent (teacher setting for the write side).
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

// Do submits an envelope and blocks until its single response. The local
// transport is trusted, so there is no timeout here; the response is bounded
// only by the operation itself (or by a restart rejecting it).
func (h *Host) Do(env envelope.Envelope) envelope.Response {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errResponse(env.ID, envelope.ErrKindCoordination, ErrClosed)
	}
	h.mu.Unlock()

	req := &request{env: env, respCh: make(chan envelope.Response, 1)}
	h.inFlight.Add(1)
	select {
	case h.reqCh <- req:
	case <-h.closeCh:
		h.inFlight.Add(-1)
		return errResponse(env.ID, envelope.ErrKindCoordination, ErrClosed)
	}
	// The enqueue can race the worker's shutdown drain: if the request landed
	// in reqCh after the drain finished, nobody will ever serve it. doneCh
	// bounds the wait so the request is still answered exactly once.
	select {
	case resp := <-req.respCh:
		return resp
	case <-h.doneCh:
		select {
		case resp := <-req.respCh:
			return resp
		default:
		}
		h.inFlight.Add(-1)
		return errResponse(env.ID, envelope.ErrKindCoordination, ErrClosed)
	}
}

// Restart forcibly recreates the worker's database handle, aborting
// everything in flight. The currently executing operation is rejected as
// cancelled, queued operations as interrupted. Returns whether any
// operation was actually aborted.
func (h *Host) Restart() bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	active := h.current != nil
	queued := len(h.reqCh) > 0
	h.cancelReq = true
	cancel := h.genCancel
	h.mu.Unlock()

	cancel()
	return active || queued
}

// Restarts reports how many times the engine was forcibly restarted.
func (h *Host) Restarts() uint64 { return h.restarts.Load() }

// Close stops the worker and closes the database.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	cancel := h.genCancel
	h.mu.Unlock()

	close(h.closeCh)
	cancel()
	<-h.doneCh
	return nil
}

// run is the worker loop: one request at a time, exactly one response each.
func (h *Host) run() {
	defer close(h.doneCh)
	for {
		h.mu.Lock()
		genCtx := h.genCtx
		h.mu.Unlock()

		select {
		case <-h.closeCh:
			h.shutdown()
			return
		case <-genCtx.Done():
			// Restart requested while idle: nothing executing, but queued
			// requests are still collateral.
			h.recreate()
		case req := <-h.reqCh:
			h.serve(genCtx, req)
			h.mu.Lock()
			pending := h.cancelReq
			h.mu.Unlock()
			if pending {
				h.recreate()
			}
		}
	}
}

func (h *Host) serve(ctx context.Context, req *request) {
	h.mu.Lock()
	h.current = req
	h.mu.Unlock()

	resp := h.execute(ctx, req.env)

	h.mu.Lock()
	if h.cancelReq && resp.Failed() {
		// The failure is (or is indistinguishable from) the forced
		// interrupt; the running operation was the cancellation target.
		resp = errResponse(req.env.ID, envelope.ErrKindCancelled, ErrCancelled)
	}
	h.current = nil
	h.mu.Unlock()

	req.respCh <- resp
	h.inFlight.Add(-1)
}

// recreate rejects queued requests, swaps the database handle, and arms a
// fresh generation context.
func (h *Host) recreate() {
	for {
		select {
		case req := <-h.reqCh:
			req.respCh <- errResponse(req.env.ID, envelope.ErrKindInterrupted, ErrInterrupted)
			h.inFlight.Add(-1)
		default:
			goto drained
		}
	}
drained:
	h.mu.Lock()
	old := h.db
	h.mu.Unlock()
	if old != nil {
		old.Close()
	}
	if err := h.openDB(); err != nil {
		// Last resort: a memory database so the host keeps answering.
		slog.Error("engine reopen failed", "error", err)
	}
	h.mu.Lock()
	h.genCtx, h.genCancel = context.WithCancel(context.Background())
	h.cancelReq = false
	h.mu.Unlock()
	h.restarts.Add(1)
	slog.Info("engine restarted", "restarts", h.restarts.Load())
}

// shutdown rejects everything still queued and closes the database.
func (h *Host) shutdown() {
	for {
		select {
		case req := <-h.reqCh:
			req.respCh <- errResponse(req.env.ID, envelope.ErrKindCoordination, ErrClosed)
			h.inFlight.Add(-1)
		default:
			h.mu.Lock()
			db := h.db
			h.db = nil
			h.mu.Unlock()
			if db != nil {
				db.Close()
			}
			return
		}
	}
}

func errResponse(id uint64, kind envelope.ErrorKind, err error) envelope.Response {
	return envelope.Response{ID: id, Err: err.Error(), ErrKind: kind}
}
