package idempotency

import (
	"context"

	"github.com/orecraft/gamecore/internal/gamedb"
)

// Sweep deletes expired request records in batches of batchLimit, repeating
// while a full batch was deleted. When retentionDays > 0, finished records
// older than the retention cutoff are swept regardless of their expiry;
// unfinished records wait for their expiry so a crashed request can still be
// retried under its key.
//
// The DELETE ... LIMIT form is MariaDB/MySQL-specific; that is fine, the
// engine targets those semantics.
func (r *Registry) Sweep(ctx context.Context, batchLimit, retentionDays int) (int64, error) {
	op := "idempotency.sweep"
	if err := r.pool.CheckWritable(op); err != nil {
		return 0, err
	}
	if batchLimit <= 0 {
		batchLimit = 500
	}
	now := gamedb.UnixNow()

	where := "expires_at <= ?"
	args := []any{now}
	if retentionDays > 0 {
		where = "(expires_at <= ? OR (ok = 1 AND created_at <= ?))"
		args = append(args, now-int64(retentionDays)*86400)
	}
	query := "DELETE FROM core_requests WHERE " + where + " LIMIT ?"

	var total int64
	for {
		done := r.pool.Track(op)
		res, err := r.pool.DB().ExecContext(ctx, query, append(args, batchLimit)...)
		done()
		if err != nil {
			return total, r.pool.ObserveError(op, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, r.pool.ObserveError(op, err)
		}
		total += n
		if n < int64(batchLimit) {
			break
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
	if total > 0 {
		r.log.Info("swept expired idempotency records", "op", op, "deleted", total)
	}
	return total, nil
}
