package bus

import "sync"

// MemoryBus is an in-process medium with synchronous, join-order delivery.
// Deterministic by construction, it backs tests and same-process instances.
type MemoryBus struct {
	mu        sync.Mutex
	endpoints []*MemoryEndpoint
	closed    bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Join attaches a new instance to the medium.
func (b *MemoryBus) Join() *MemoryEndpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	ep := &MemoryEndpoint{bus: b}
	b.endpoints = append(b.endpoints, ep)
	return ep
}

// CloseAll simulates loss of the platform facility: every endpoint starts
// failing Publish with ErrClosed.
func (b *MemoryBus) CloseAll() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

func (b *MemoryBus) broadcast(from *MemoryEndpoint, m Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	targets := make([]*MemoryEndpoint, 0, len(b.endpoints))
	for _, ep := range b.endpoints {
		if ep != from && !ep.closed {
			targets = append(targets, ep)
		}
	}
	b.mu.Unlock()

	// Deliver outside the bus lock so handlers may publish replies inline.
	for _, ep := range targets {
		ep.deliver(m)
	}
	return nil
}

// MemoryEndpoint is one instance's attachment to a MemoryBus.
type MemoryEndpoint struct {
	mu      sync.Mutex
	bus     *MemoryBus
	handler Handler
	closed  bool
}

func (e *MemoryEndpoint) Publish(m Message) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return e.bus.broadcast(e, m)
}

func (e *MemoryEndpoint) Subscribe(fn Handler) {
	e.mu.Lock()
	e.handler = fn
	e.mu.Unlock()
}

func (e *MemoryEndpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.handler = nil
	e.mu.Unlock()
	return nil
}

func (e *MemoryEndpoint) deliver(m Message) {
	e.mu.Lock()
	fn := e.handler
	e.mu.Unlock()
	if fn != nil {
		fn(m)
	}
}
