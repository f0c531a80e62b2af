// Package idempotency implements the (scope, key)-keyed request log that
// makes named operations exactly-once within a retention window.
package idempotency

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"log/slog"
	"time"

	"github.com/orecraft/gamecore/internal/gamedb"
	"github.com/orecraft/gamecore/internal/telemetry"
)

// DefaultTTL is how long request records stay replayable.
const DefaultTTL = 30 * 24 * time.Hour

// Kind is the outcome class of an idempotent application.
type Kind int

const (
	// Success: the work ran and committed for the first time.
	Success Kind = iota
	// Replay: the same (scope, key, payload) was already applied; no work ran.
	Replay
	// Mismatch: the key was reused with a different payload; rejected.
	Mismatch
	// WorkFailed: the work refused; the transaction rolled back.
	WorkFailed
	// DbError: infrastructure failure before a decision could be made.
	DbError
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Replay:
		return "replay"
	case Mismatch:
		return "mismatch"
	case WorkFailed:
		return "work_failed"
	default:
		return "db_error"
	}
}

// Result is the sum type returned by Apply. Err carries the cause for
// WorkFailed and DbError.
type Result struct {
	Kind Kind
	Err  error
}

// Registry is the request log bound to the shared pool.
type Registry struct {
	pool *gamedb.Pool
	log  *slog.Logger
	ttl  time.Duration
}

// NewRegistry creates the registry and wires the pool's health probe write
// (a harmless self-update on core_requests).
func NewRegistry(pool *gamedb.Pool, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{pool: pool, log: log, ttl: DefaultTTL}
	pool.SetProbeWrite(r.probeWrite)
	return r
}

// HashKey is the stored form of an idempotency key.
func HashKey(key string) []byte {
	h := sha256.Sum256([]byte(key))
	return h[:]
}

// HashPayload hashes a canonical payload string.
func HashPayload(payload string) []byte {
	h := sha256.Sum256([]byte(payload))
	return h[:]
}

// Apply runs work at most once per (scope, key).
//
// The record is inserted (or left untouched on duplicate), then read back
// under FOR UPDATE. A stored payload hash differing from payloadHash is a
// Mismatch and is never silently accepted. A record already marked ok is a
// Replay; no work executes. Otherwise work runs inside the same transaction
// and the record flips to ok on commit.
func (r *Registry) Apply(ctx context.Context, scope, key string, payloadHash []byte, work func(tx *sql.Tx) error) Result {
	op := "idempotency.apply"
	if err := r.pool.CheckWritable(op); err != nil {
		return Result{Kind: DbError, Err: err}
	}
	defer r.pool.Track(op)()

	keyHash := HashKey(key)
	now := gamedb.UnixNow()

	tx, err := r.pool.DB().BeginTx(ctx, nil)
	if err != nil {
		return Result{Kind: DbError, Err: r.pool.ObserveError(op, err)}
	}
	defer func() { _ = tx.Rollback() }()

	// Insert-or-ignore keeps an existing record untouched, including its
	// payload hash and ok flag.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO core_requests (scope, key_hash, payload_hash, ok, created_at, expires_at)
		VALUES (?, ?, ?, 0, ?, ?)
		ON DUPLICATE KEY UPDATE scope = scope`,
		scope, keyHash, payloadHash, now, now+int64(r.ttl/time.Second))
	if err != nil {
		return Result{Kind: DbError, Err: r.pool.ObserveError(op, err)}
	}

	var storedPayload []byte
	var ok bool
	err = tx.QueryRowContext(ctx, `
		SELECT payload_hash, ok FROM core_requests
		WHERE scope = ? AND key_hash = ? FOR UPDATE`,
		scope, keyHash).Scan(&storedPayload, &ok)
	if err != nil {
		return Result{Kind: DbError, Err: r.pool.ObserveError(op, err)}
	}

	if string(storedPayload) != string(payloadHash) {
		telemetry.CountMismatch(ctx, scope)
		r.log.Warn("idempotency key reused with different payload",
			"code", gamedb.CodeIdempotencyMismatch, "op", op, "scope", scope)
		return Result{Kind: Mismatch, Err: gamedb.E(gamedb.CodeIdempotencyMismatch, op,
			"key reused with different payload in scope %s", scope)}
	}

	if ok {
		if err := tx.Commit(); err != nil {
			return Result{Kind: DbError, Err: r.pool.ObserveError(op, err)}
		}
		telemetry.CountReplay(ctx, scope)
		return Result{Kind: Replay}
	}

	if err := work(tx); err != nil {
		return Result{Kind: WorkFailed, Err: err}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE core_requests SET ok = 1 WHERE scope = ? AND key_hash = ?`,
		scope, keyHash)
	if err != nil {
		return Result{Kind: DbError, Err: r.pool.ObserveError(op, err)}
	}
	if err := tx.Commit(); err != nil {
		return Result{Kind: DbError, Err: r.pool.ObserveError(op, err)}
	}
	return Result{Kind: Success}
}

// probeWrite is the harmless write the health supervisor issues. Touching a
// non-existent scope still exercises the write path without changing data.
func (r *Registry) probeWrite(ctx context.Context) error {
	_, err := r.pool.DB().ExecContext(ctx,
		"UPDATE core_requests SET expires_at = expires_at WHERE scope = ? LIMIT 1",
		"__health__")
	return err
}
