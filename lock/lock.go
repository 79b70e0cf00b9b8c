// Package lock provides cluster-wide mutual exclusion. A lock names a
// resource; whichever instance acquires it first holds it until release
// or lease expiry, and everyone else backs off and retries. Leases keep
// a crashed holder from wedging the resource forever.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/careflow/careflow/internal/runtime/ids"
	"github.com/careflow/careflow/internal/runtime/logging"
)

// ErrNotAcquired is returned when the lock is still held by someone else
// after all acquisition attempts.
var ErrNotAcquired = errors.New("careflow/lock: not acquired")

// Backend is a compare-and-set key store. Acquire must be atomic
// (set-if-absent) and Release must only delete when the stored token
// matches, so an expired holder cannot release a successor's lock.
type Backend interface {
	Acquire(ctx context.Context, key, token string, lease time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) (bool, error)
}

// Options tunes acquisition behavior. Zero values fall back to defaults.
type Options struct {
	// Lease is how long an acquired lock is held before the backend
	// expires it on its own.
	Lease time.Duration
	// RetryAttempts bounds how many times Acquire re-tries a contended
	// lock before returning ErrNotAcquired.
	RetryAttempts int
	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration

	Logger logging.ServiceLogger
}

const (
	DefaultLease         = 30 * time.Second
	DefaultRetryAttempts = 5
	DefaultRetryDelay    = 500 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.Lease <= 0 {
		o.Lease = DefaultLease
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = DefaultRetryAttempts
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	return o
}

// Locker hands out Handles on named resources.
type Locker struct {
	backend Backend
	opts    Options
}

func NewLocker(backend Backend, opts Options) *Locker {
	return &Locker{backend: backend, opts: opts.withDefaults()}
}

// Acquire takes the lock named key, retrying a bounded number of times
// while it is contended. The returned Handle must be released when the
// critical section ends.
func (l *Locker) Acquire(ctx context.Context, key string) (*Handle, error) {
	token := ids.CreateULID()

	for attempt := 0; attempt < l.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(l.opts.RetryDelay):
			}
		}

		ok, err := l.backend.Acquire(ctx, key, token, l.opts.Lease)
		if err != nil {
			return nil, fmt.Errorf("lock %q: %w", key, err)
		}
		if ok {
			return &Handle{backend: l.backend, key: key, token: token, log: l.opts.Logger}, nil
		}
		l.opts.Logger.Debug("lock contended", logging.LogFields{"key": key, "attempt": attempt + 1})
	}
	return nil, fmt.Errorf("lock %q: %w", key, ErrNotAcquired)
}

// WithLock runs fn while holding the lock named key.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	h, err := l.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer h.Release(context.WithoutCancel(ctx))
	return fn(ctx)
}

// Handle is one acquisition of one lock.
type Handle struct {
	backend  Backend
	key      string
	token    string
	released bool
	log      logging.ServiceLogger
}

// Release gives the lock up. It is idempotent, and it is a no-op on the
// backend when the lease already expired and someone else holds the key.
func (h *Handle) Release(ctx context.Context) error {
	if h.released {
		return nil
	}
	h.released = true

	ok, err := h.backend.Release(ctx, h.key, h.token)
	if err != nil {
		return fmt.Errorf("unlock %q: %w", h.key, err)
	}
	if !ok {
		h.log.Warn("lock lease expired before release", logging.LogFields{"key": h.key})
	}
	return nil
}
