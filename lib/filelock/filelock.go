// Package filelock serializes agent processes on one host with an
// advisory flock on a well-known file.
package filelock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/onkernel/sharedblock/lib/retry"
	"golang.org/x/sys/unix"
)

// DefaultPath is the lock file shared by every agent process on the host.
const DefaultPath = "/var/run/sharedblock/sharedblock.lock"

const pollInterval = 100 * time.Millisecond

// Locker hands out an exclusive lock on one file. The same Locker also
// serializes goroutines within the process, since flock locks are held
// per open file description.
type Locker struct {
	path string
	mu   sync.Mutex
}

// New returns a Locker for path.
func New(path string) *Locker {
	return &Locker{path: path}
}

// Lock is a held file lock.
type Lock struct {
	l    *Locker
	f    *os.File
	once sync.Once
}

// Lock blocks until the lock is held or ctx ends.
func (l *Locker) Lock(ctx context.Context) (*Lock, error) {
	if err := l.lockMutex(ctx); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	p := retry.Policy{
		Backoff:   backoff.NewConstantBackOff(pollInterval),
		Retryable: func(err error) bool { return errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) },
	}
	err = retry.DoErr(ctx, p, func(ctx context.Context) error {
		return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	})
	if err != nil {
		f.Close()
		l.mu.Unlock()
		return nil, fmt.Errorf("lock %s: %w", l.path, err)
	}
	return &Lock{l: l, f: f}, nil
}

func (l *Locker) lockMutex(ctx context.Context) error {
	for !l.mu.TryLock() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval / 10):
		}
	}
	return nil
}

// Unlock releases the lock. Calling it more than once is a no-op.
func (lk *Lock) Unlock() error {
	var err error
	lk.once.Do(func() {
		err = unix.Flock(int(lk.f.Fd()), unix.LOCK_UN)
		if cerr := lk.f.Close(); err == nil {
			err = cerr
		}
		lk.l.mu.Unlock()
	})
	return err
}
