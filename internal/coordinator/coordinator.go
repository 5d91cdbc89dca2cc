// Package coordinator decides, once per instance lifetime, whether this
// instance owns the live database engine or proxies to whoever does. The
// decision is an advisory-lock race: the holder of the named exclusive lock
// is the owner, everyone else is a follower queueing for promotion. A
// follower is never promoted in place; acquiring the lock in the background
// triggers a full restart so the engine always starts from a clean state.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/soledb/soledb/internal/bus"
	"github.com/soledb/soledb/internal/lock"
	"github.com/soledb/soledb/internal/session"
)

// OwnerLockName is the advisory lock whose holder runs the engine host.
const OwnerLockName = "soledb-owner"

// Role of an instance. Decided during startup; the only later transition is
// Follower to Owner via a full restart.
type Role uint8

const (
	RoleUnresolved Role = iota
	RoleOwner
	RoleFollower
)

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleFollower:
		return "follower"
	}
	return "unresolved"
}

// Config wires a Coordinator.
type Config struct {
	Locks   lock.Provider
	Bus     bus.Bus
	Session *session.Store

	// LockName defaults to OwnerLockName.
	LockName string

	// PromoteRestart runs when the background acquisition is granted. The
	// contract is a full instance restart, never an in-place promotion; the
	// handle is passed so the implementation controls when the lock is
	// relinquished relative to the restart.
	PromoteRestart func(lock.Handle)

	// OnStateChange observes (conflictDetected, readOnlyAccepted)
	// transitions for UI banners.
	OnStateChange func(conflict, readOnly bool)
}

// Coordinator is the per-instance identity and lock state machine.
type Coordinator struct {
	cfg        Config
	instanceID string

	mu       sync.Mutex
	role     Role
	handle   lock.Handle
	conflict bool
	readOnly bool
	closed   bool
	bgCancel context.CancelFunc
}

// New loads the persisted session identity. Role stays unresolved until
// Start.
func New(cfg Config) (*Coordinator, error) {
	if cfg.LockName == "" {
		cfg.LockName = OwnerLockName
	}
	id, err := cfg.Session.InstanceID()
	if err != nil {
		return nil, fmt.Errorf("instance identity: %w", err)
	}
	return &Coordinator{
		cfg:        cfg,
		instanceID: id,
		role:       RoleUnresolved,
		readOnly:   cfg.Session.ReadOnlyAccepted(),
	}, nil
}

// InstanceID is stable for the lifetime of the session.
func (c *Coordinator) InstanceID() string { return c.instanceID }

// Start races for ownership without blocking and broadcasts the discovery
// ping. An instance whose session already accepted read-only mode never
// touches the lock again.
func (c *Coordinator) Start() (Role, error) {
	c.mu.Lock()
	if c.role != RoleUnresolved {
		role := c.role
		c.mu.Unlock()
		return role, nil
	}
	readOnly := c.readOnly
	c.mu.Unlock()

	if readOnly {
		c.setRole(RoleFollower, nil)
		slog.Info("starting as follower (read-only accepted)", "instance", c.instanceID)
	} else {
		h, ok, err := c.cfg.Locks.TryAcquire(c.cfg.LockName)
		if err != nil {
			return RoleUnresolved, fmt.Errorf("try advisory lock: %w", err)
		}
		if ok {
			c.setRole(RoleOwner, h)
			slog.Info("starting as owner", "instance", c.instanceID)
		} else {
			c.setRole(RoleFollower, nil)
			slog.Info("starting as follower", "instance", c.instanceID)
			c.queueForPromotion()
		}
	}

	// Discovery is advisory and independent of the lock: a pong back means
	// another instance is alive, which the UI may surface.
	ping := bus.Message{Kind: bus.KindPing, From: c.instanceID}
	if err := c.cfg.Bus.Publish(ping); err != nil {
		slog.Warn("discovery ping failed", "error", err)
	}
	return c.Role(), nil
}

func (c *Coordinator) setRole(r Role, h lock.Handle) {
	c.mu.Lock()
	c.role = r
	c.handle = h
	c.mu.Unlock()
}

// queueForPromotion blocks on the lock in the background. On grant the
// instance must restart, unless the user accepted read-only mode in the
// meantime, in which case ownership is relinquished immediately.
func (c *Coordinator) queueForPromotion() {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.bgCancel = cancel
	c.mu.Unlock()

	go func() {
		h, err := c.cfg.Locks.Acquire(ctx, c.cfg.LockName)
		if err != nil {
			// Cancellation means read-only was accepted or we shut down; any
			// other failure silently strands the follower without promotion,
			// which the operator needs to see.
			if !errors.Is(err, context.Canceled) {
				slog.Warn("background lock acquisition failed",
					"instance", c.instanceID, "error", err)
			}
			return
		}
		c.mu.Lock()
		giveBack := c.readOnly || c.closed
		c.mu.Unlock()
		if giveBack {
			h.Release()
			return
		}
		slog.Info("advisory lock granted in background, restarting for promotion",
			"instance", c.instanceID)
		if c.cfg.PromoteRestart != nil {
			c.cfg.PromoteRestart(h)
		} else {
			h.Release()
		}
	}()
}

// Role returns the current role.
func (c *Coordinator) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// IsOwner reports whether this instance holds the advisory lock.
func (c *Coordinator) IsOwner() bool { return c.Role() == RoleOwner }

// ConflictDetected reports whether another live instance answered our ping.
func (c *Coordinator) ConflictDetected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conflict
}

// ReadOnlyAccepted reports whether degraded mode was accepted this session.
func (c *Coordinator) ReadOnlyAccepted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readOnly
}

// AcceptReadOnly is the one-way transition into degraded mode: persisted
// for the session, background acquisition aborted, no promotion ever again.
func (c *Coordinator) AcceptReadOnly() error {
	c.mu.Lock()
	if c.readOnly {
		c.mu.Unlock()
		return nil
	}
	c.readOnly = true
	cancel := c.bgCancel
	c.bgCancel = nil
	conflict := c.conflict
	c.mu.Unlock()

	if err := c.cfg.Session.SetReadOnlyAccepted(); err != nil {
		return err
	}
	if cancel != nil {
		cancel()
	}
	slog.Info("read-only mode accepted", "instance", c.instanceID)
	c.notify(conflict, true)
	return nil
}

// HandleMessage consumes discovery traffic. Returns true when the message
// kind belonged to the coordinator.
func (c *Coordinator) HandleMessage(m bus.Message) bool {
	switch m.Kind {
	case bus.KindPing:
		if m.From == c.instanceID || !c.IsOwner() {
			return true
		}
		pong := bus.Message{Kind: bus.KindPong, From: c.instanceID, To: m.From}
		if err := c.cfg.Bus.Publish(pong); err != nil {
			slog.Warn("discovery pong failed", "error", err)
		}
		return true
	case bus.KindPong:
		if m.To != c.instanceID {
			return true
		}
		c.mu.Lock()
		already := c.conflict
		c.conflict = true
		readOnly := c.readOnly
		c.mu.Unlock()
		if !already {
			slog.Info("another live instance detected", "other", m.From)
			c.notify(true, readOnly)
		}
		return true
	}
	return false
}

func (c *Coordinator) notify(conflict, readOnly bool) {
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(conflict, readOnly)
	}
}

// Close releases the lock if held and aborts any background acquisition.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.bgCancel
	h := c.handle
	c.handle = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if h != nil {
		return h.Release()
	}
	return nil
}
