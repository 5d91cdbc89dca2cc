package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/soledb/soledb/internal/bus"
	"github.com/soledb/soledb/internal/envelope"
)

// Bridge errors.
var (
	// ErrOwnerUnresponsive means the RPC budget elapsed with no correlated
	// response. Not retried automatically: a silent retry could mask a
	// genuinely dead owner.
	ErrOwnerUnresponsive = errors.New("owner unresponsive: focus the owning window or reload")

	// ErrNotOwner rejects operations that only the engine-owning instance
	// can perform.
	ErrNotOwner = errors.New("only the owning instance can cancel active operations")
)

// DefaultTimeout is the fixed RPC budget for a bridged call.
const DefaultTimeout = 5 * time.Second

// Gate is applied to an envelope before it reaches the bus. Nil error means
// proceed.
type Gate func(envelope.Envelope) error

// Bridge is the follower-side proxy.
type Bridge struct {
	bus        bus.Bus
	pending    *PendingTable
	instanceID string
	timeout    time.Duration
	gate       Gate
}

// New creates a Bridge publishing on b. A zero timeout means DefaultTimeout.
func New(b bus.Bus, pending *PendingTable, instanceID string, timeout time.Duration, gate Gate) *Bridge {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Bridge{bus: b, pending: pending, instanceID: instanceID, timeout: timeout, gate: gate}
}

// Send proxies one envelope to the owner and blocks for the correlated
// response. Every exit path removes the pending entry.
func (br *Bridge) Send(ctx context.Context, env envelope.Envelope) envelope.Response {
	// Cancellation restarts the owner's engine; a follower cannot reach a
	// non-local engine and must fail fast rather than silently do nothing.
	if env.Type == envelope.OpCancel {
		return respErr(env.ID, envelope.ErrKindCoordination, ErrNotOwner)
	}
	if br.gate != nil {
		if err := br.gate(env); err != nil {
			return respErr(env.ID, envelope.ErrKindPolicy, err)
		}
	}

	ch := br.pending.Register(env.ID, env.Type)
	msg := bus.Message{Kind: bus.KindRPCReq, From: br.instanceID, Envelope: &env}
	if err := br.bus.Publish(msg); err != nil {
		br.pending.Remove(env.ID)
		return respErr(env.ID, envelope.ErrKindCoordination, fmt.Errorf("publish request: %w", err))
	}

	timer := time.NewTimer(br.timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp
	case <-timer.C:
		br.pending.Remove(env.ID)
		return respErr(env.ID, envelope.ErrKindTimeout, ErrOwnerUnresponsive)
	case <-ctx.Done():
		br.pending.Remove(env.ID)
		return respErr(env.ID, envelope.ErrKindCoordination, ctx.Err())
	}
}

// HandleResponse resolves a bus response against the pending table. Late
// responses to already-abandoned requests, and responses to other
// instances' requests, are discarded.
func (br *Bridge) HandleResponse(resp *envelope.Response) {
	if resp == nil {
		return
	}
	if !br.pending.Complete(*resp) {
		slog.Debug("dropping unrecognized rpc response", "id", resp.ID)
	}
}

func respErr(id uint64, kind envelope.ErrorKind, err error) envelope.Response {
	return envelope.Response{ID: id, Err: err.Error(), ErrKind: kind}
}

// Responder is the owner-side half: it serves rpc requests from followers
// by dispatching through the owner's normal local path and publishing the
// result tagged with the original id.
type Responder struct {
	bus        bus.Bus
	instanceID string
	dispatch   func(envelope.Envelope) envelope.Response
}

func NewResponder(b bus.Bus, instanceID string, dispatch func(envelope.Envelope) envelope.Response) *Responder {
	return &Responder{bus: b, instanceID: instanceID, dispatch: dispatch}
}

// HandleRequest serves one rpc request message. Every request is answered
// exactly once; the dispatch function itself never panics a response away.
func (r *Responder) HandleRequest(m bus.Message) {
	if m.Envelope == nil {
		return
	}
	resp := r.dispatch(*m.Envelope)
	out := bus.Message{Kind: bus.KindRPCResp, From: r.instanceID, To: m.From, Response: &resp}
	if err := r.bus.Publish(out); err != nil {
		slog.Error("publish rpc response", "id", resp.ID, "error", err)
	}
}
