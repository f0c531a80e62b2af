package ledger

import (
	"context"

	"github.com/orecraft/gamecore/internal/gamedb"
)

// Prune deletes ledger rows older than retentionDays, in batches of
// batchLimit, repeating while a full batch was deleted. retentionDays <= 0
// means keep forever and is a no-op.
func (q *Query) Prune(ctx context.Context, retentionDays, batchLimit int) (int64, error) {
	op := "ledger.prune"
	if retentionDays <= 0 {
		return 0, nil
	}
	if err := q.pool.CheckWritable(op); err != nil {
		return 0, err
	}
	if batchLimit <= 0 {
		batchLimit = 500
	}
	cutoff := gamedb.UnixNow() - int64(retentionDays)*86400

	var total int64
	for {
		done := q.pool.Track(op)
		res, err := q.pool.DB().ExecContext(ctx,
			"DELETE FROM core_ledger WHERE ts <= ? LIMIT ?", cutoff, batchLimit)
		done()
		if err != nil {
			return total, q.pool.ObserveError(op, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, q.pool.ObserveError(op, err)
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
		q.log.Info("pruned old ledger rows", "op", op, "deleted", total, "cutoff", cutoff)
	}
	return total, nil
}
