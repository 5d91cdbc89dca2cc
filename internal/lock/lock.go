// Package lock abstracts the exclusive advisory lock used for owner
// election. Holding the named lock is synonymous with running the live
// engine host; the coordinator never starts an engine without a handle from
// this package.
package lock

import "context"

// Handle is a held lock. Release is idempotent.
type Handle interface {
	Release() error
}

// Provider grants exclusive ownership of a named advisory lock.
type Provider interface {
	// TryAcquire attempts the lock without blocking. ok is false when
	// another instance holds it.
	TryAcquire(name string) (h Handle, ok bool, err error)

	// Acquire blocks until the lock is granted or ctx is cancelled. Used by
	// followers queueing for promotion; cancelling the context is how an
	// instance permanently forgoes ownership.
	Acquire(ctx context.Context, name string) (Handle, error)
}
