package gamedb

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// retryAttempts is the total number of attempts for deadlock-class
	// failures. Only that class is retried; everything else propagates on
	// the first failure.
	retryAttempts = 3

	retryBaseDelay = 100 * time.Millisecond
)

// linearBackOff produces base, 2*base, 3*base, ... delays. The deadlock
// retry contract calls for linear backoff, which backoff/v4 does not ship.
type linearBackOff struct {
	base time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.base
}

func (b *linearBackOff) Reset() { b.n = 0 }

// WithRetry runs fn, retrying up to three attempts when the failure is in
// the deadlock class (1213, 1205, SQLSTATE 40001). The returned error is
// always classified; exhausting the retries surfaces
// DEADLOCK_RETRY_EXHAUSTED, and connection-class failures flip the pool to
// degraded mode.
func (p *Pool) WithRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	run := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isDeadlockClass(err) && attempt < retryAttempts {
			p.log.Debug("deadlock detected, retrying",
				"op", op, "attempt", attempt, "attempts", retryAttempts)
			return err // retryable
		}
		return backoff.Permanent(err)
	}

	bo := backoff.WithContext(&linearBackOff{base: retryBaseDelay}, ctx)
	err := backoff.Retry(run, backoff.WithMaxRetries(bo, retryAttempts-1))
	if err == nil {
		return nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return p.ObserveError(op, err)
}
