// Package distlock serializes periodic sweeps across worker instances.
package distlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Release when the lock is no longer owned.
var ErrNotHeld = errors.New("distlock: lock not held")

// Lock is a non-blocking mutual exclusion primitive shared across processes.
// A Lock value is owned by one goroutine at a time.
type Lock interface {
	// TryAcquire reports whether the lock was obtained.
	TryAcquire(ctx context.Context) (bool, error)
	// Release gives the lock up if this instance still owns it.
	Release(ctx context.Context) error
}

// Factory builds locks for named tasks.
type Factory struct {
	redis *redis.Client
	db    *sql.DB
	ttl   time.Duration
}

// NewFactory prefers Redis when redisClient is non-nil and falls back to
// PostgreSQL advisory locks otherwise.
func NewFactory(redisClient *redis.Client, db *sql.DB, ttl time.Duration) *Factory {
	return &Factory{redis: redisClient, db: db, ttl: ttl}
}

// New returns a lock for key.
func (f *Factory) New(key string) Lock {
	if f.redis != nil {
		return NewRedisLock(f.redis, key, f.ttl)
	}
	return NewPGAdvisoryLock(f.db, key)
}

// Run executes fn while holding the lock named key. It returns ran=false
// without error when another instance holds the lock.
func (f *Factory) Run(ctx context.Context, key string, fn func(context.Context) error) (ran bool, err error) {
	lock := f.New(key)
	ok, err := lock.TryAcquire(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer func() {
		// Release must run even when ctx was cancelled during fn.
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if rerr := lock.Release(relCtx); rerr != nil && !errors.Is(rerr, ErrNotHeld) && err == nil {
			err = fmt.Errorf("release lock %s: %w", key, rerr)
		}
	}()
	return true, fn(ctx)
}

// PGAdvisoryLock uses pg_try_advisory_lock on a pinned connection. Advisory
// locks are session scoped, so acquire and release must share a session.
// The lock disappears with the connection if the process dies.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
	conn   *sql.Conn
}

// NewPGAdvisoryLock derives a stable 64-bit lock id from key.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

func (l *PGAdvisoryLock) TryAcquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("distlock: pin connection: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("distlock: advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return ErrNotHeld
	}
	defer func() {
		l.conn.Close()
		l.conn = nil
	}()
	var released bool
	if err := l.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID).Scan(&released); err != nil {
		return fmt.Errorf("distlock: advisory unlock: %w", err)
	}
	if !released {
		return ErrNotHeld
	}
	return nil
}
