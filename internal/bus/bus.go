// Package bus is the cross-instance message medium: discovery pings, pongs,
// and the RPC request/response frames of the bridge all travel through it.
// A message published by one instance is delivered to every other instance,
// never echoed back to the publisher.
package bus

import (
	"errors"

	"github.com/soledb/soledb/internal/envelope"
)

// ErrClosed is returned by Publish after the bus is closed or the platform
// facility is lost. Loss of the bus is fatal for cross-instance
// coordination; callers fall back to owner-only behavior or fail closed.
var ErrClosed = errors.New("message bus closed")

// Message kinds.
const (
	KindPing     = "ping"
	KindPong     = "pong"
	KindRPCReq   = "rpc_req"
	KindRPCResp  = "rpc_resp"
)

// Message is one bus frame.
type Message struct {
	Kind     string             `json:"kind"`
	From     string             `json:"from"`
	To       string             `json:"to,omitempty"`
	Envelope *envelope.Envelope `json:"envelope,omitempty"`
	Response *envelope.Response `json:"response,omitempty"`
}

// Handler receives messages published by other instances.
type Handler func(Message)

// Bus is one instance's attachment to the shared medium.
type Bus interface {
	// Publish broadcasts to every other instance on the medium.
	Publish(Message) error

	// Subscribe sets the handler for inbound messages. At most one handler
	// per attachment; set before any traffic is expected.
	Subscribe(Handler)

	// Close detaches from the medium. Publish afterwards returns ErrClosed.
	Close() error
}
