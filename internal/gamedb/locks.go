package gamedb

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
)

// lockNamePattern is the only character class accepted for advisory lock
// names. Names are always bound as parameters, never interpolated.
var lockNamePattern = regexp.MustCompile(`^[A-Za-z0-9:_\-\.]{1,64}$`)

// ValidateLockName rejects advisory lock names outside the allowed class.
func ValidateLockName(name string) error {
	if !lockNamePattern.MatchString(name) {
		return fmt.Errorf("invalid advisory lock name %q", name)
	}
	return nil
}

// AdvisoryLock is a database-managed named mutex. It pins a dedicated
// session for its lifetime because GET_LOCK is session-bound.
type AdvisoryLock struct {
	conn *sql.Conn
	name string
}

// TryLock attempts to acquire the named advisory lock without blocking
// (GET_LOCK timeout 0). Returns (nil, nil) when the lock is held elsewhere.
func (p *Pool) TryLock(ctx context.Context, name string) (*AdvisoryLock, error) {
	return p.lock(ctx, name, 0)
}

// Lock acquires the named advisory lock, waiting up to timeoutS seconds.
// Returns (nil, nil) on timeout.
func (p *Pool) Lock(ctx context.Context, name string, timeoutS int) (*AdvisoryLock, error) {
	return p.lock(ctx, name, timeoutS)
}

func (p *Pool) lock(ctx context.Context, name string, timeoutS int) (*AdvisoryLock, error) {
	if err := ValidateLockName(name); err != nil {
		return nil, err
	}
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, Classify("lock.acquire", err)
	}
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, ?)", name, timeoutS).Scan(&got); err != nil {
		_ = conn.Close()
		return nil, Classify("lock.acquire", err)
	}
	if !got.Valid || got.Int64 != 1 {
		_ = conn.Close()
		return nil, nil
	}
	return &AdvisoryLock{conn: conn, name: name}, nil
}

// Name returns the lock name.
func (l *AdvisoryLock) Name() string { return l.name }

// Release releases the lock and returns its session to the pool. Safe to
// call more than once.
func (l *AdvisoryLock) Release(ctx context.Context) {
	if l == nil || l.conn == nil {
		return
	}
	var released sql.NullInt64
	_ = l.conn.QueryRowContext(ctx, "SELECT RELEASE_LOCK(?)", l.name).Scan(&released)
	_ = l.conn.Close()
	l.conn = nil
}
