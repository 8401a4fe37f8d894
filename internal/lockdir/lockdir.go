// Package lockdir implements cross-process mutual exclusion using directory
// creation as the atomic acquire primitive.
//
// os.Mkdir either creates the directory or fails because it already exists,
// atomically, on every platform and every filesystem including network
// shares. That makes a bare directory a serviceable cross-process mutex for
// coordinating access to a shared queue file: whichever process creates the
// directory holds the lock, and removing it releases the lock.
//
// Known limitation: there is no staleness detection. A process that crashes
// while holding the lock leaves the directory behind and blocks every future
// acquirer until an operator removes it by hand. Callers that need bounded
// waiting should acquire through a context with a deadline.
package lockdir

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// DefaultRetryInterval is the sleep between failed acquire attempts.
const DefaultRetryInterval = 50 * time.Millisecond

// Lock is a directory-based mutex rooted at a fixed path.
// The zero value is not usable; construct with New.
type Lock struct {
	path  string
	retry time.Duration
}

// New returns a Lock over the directory at path. retry is the sleep between
// acquire attempts; zero means DefaultRetryInterval.
func New(path string, retry time.Duration) *Lock {
	if retry <= 0 {
		retry = DefaultRetryInterval
	}
	return &Lock{path: path, retry: retry}
}

// Path returns the lock directory path.
func (l *Lock) Path() string { return l.path }

// Acquire blocks until the lock directory is created or ctx is cancelled.
func (l *Lock) Acquire(ctx context.Context) error {
	for {
		err := os.Mkdir(l.path, 0o750)
		if err == nil {
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("lockdir: acquire %s: %w", l.path, err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("lockdir: acquire %s: %w", l.path, ctx.Err())
		case <-time.After(l.retry):
		}
	}
}

// Release removes the lock directory. Safe to call only by the holder.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil {
		return fmt.Errorf("lockdir: release %s: %w", l.path, err)
	}
	return nil
}

// WithLock runs fn while holding the lock. The lock is released on every
// exit path, including when fn returns an error or panics.
func (l *Lock) WithLock(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
