package lock

import (
	"context"
	"sync"
)

// MemoryProvider is an in-process Provider with deterministic FIFO hand-off,
// used by tests and by multiple instances hosted in one process.
type MemoryProvider struct {
	mu    sync.Mutex
	locks map[string]*memLock
}

type memLock struct {
	held    bool
	waiters []chan struct{}
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{locks: make(map[string]*memLock)}
}

func (p *MemoryProvider) get(name string) *memLock {
	l, ok := p.locks[name]
	if !ok {
		l = &memLock{}
		p.locks[name] = l
	}
	return l
}

func (p *MemoryProvider) TryAcquire(name string) (Handle, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.get(name)
	if l.held {
		return nil, false, nil
	}
	l.held = true
	return &memHandle{provider: p, name: name}, true, nil
}

func (p *MemoryProvider) Acquire(ctx context.Context, name string) (Handle, error) {
	p.mu.Lock()
	l := p.get(name)
	if !l.held {
		l.held = true
		p.mu.Unlock()
		return &memHandle{provider: p, name: name}, nil
	}
	grant := make(chan struct{})
	l.waiters = append(l.waiters, grant)
	p.mu.Unlock()

	select {
	case <-grant:
		return &memHandle{provider: p, name: name}, nil
	case <-ctx.Done():
		p.mu.Lock()
		for i, w := range l.waiters {
			if w == grant {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				p.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		p.mu.Unlock()
		// Grant raced the cancellation; hand the lock straight back.
		<-grant
		p.release(name)
		return nil, ctx.Err()
	}
}

// release hands the lock to the oldest waiter, or marks it free.
func (p *MemoryProvider) release(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.get(name)
	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters = l.waiters[1:]
		close(next) // lock stays held, new owner
		return
	}
	l.held = false
}

type memHandle struct {
	mu       sync.Mutex
	provider *MemoryProvider
	name     string
	released bool
}

func (h *memHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	h.provider.release(h.name)
	return nil
}
