package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// acquirePollInterval is how often a blocked Acquire re-tries flock.
// flock(2) has no cancellable blocking form, so Acquire polls with LOCK_NB.
const acquirePollInterval = 50 * time.Millisecond

// FileProvider implements Provider with flock(2) on files under Dir.
// flock grants and release-on-close are kernel-atomic per file, so two
// holders cannot overlap on one host; this is the atomicity the election
// relies on.
type FileProvider struct {
	Dir string
}

// NewFileProvider creates the lock directory if needed.
func NewFileProvider(dir string) (*FileProvider, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	return &FileProvider{Dir: dir}, nil
}

func (p *FileProvider) TryAcquire(name string) (Handle, bool, error) {
	f, err := p.open(name)
	if err != nil {
		return nil, false, err
	}
	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return &fileHandle{file: f}, true, nil
	}
	f.Close()
	if errors.Is(err, unix.EWOULDBLOCK) {
		return nil, false, nil
	}
	return nil, false, fmt.Errorf("flock %s: %w", name, err)
}

func (p *FileProvider) Acquire(ctx context.Context, name string) (Handle, error) {
	f, err := p.open(name)
	if err != nil {
		return nil, err
	}
	ticker := time.NewTicker(acquirePollInterval)
	defer ticker.Stop()
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &fileHandle{file: f}, nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			f.Close()
			return nil, fmt.Errorf("flock %s: %w", name, err)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *FileProvider) open(name string) (*os.File, error) {
	path := filepath.Join(p.Dir, name+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return f, nil
}

type fileHandle struct {
	mu       sync.Mutex
	file     *os.File
	released bool
}

func (h *fileHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	// Closing the fd releases the flock atomically.
	return h.file.Close()
}
