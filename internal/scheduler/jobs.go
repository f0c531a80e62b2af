package scheduler

import (
	"context"
)

// Built-in job IDs. The advisory lock names follow as JobLockPrefix + ID.
const (
	JobBackup           = "backup"
	JobIdempotencySweep = "idempotency-sweep"
)

// BackupJob builds the nightly snapshot export job. The export closure
// returns the path of the file it wrote.
func BackupJob(expr, onMissed string, enabled bool, export func(ctx context.Context) (string, error)) Job {
	return Job{
		ID:          JobBackup,
		Description: "export a line-oriented snapshot and prune old ones",
		Expr:        expr,
		OnMissed:    onMissed,
		Disabled:    !enabled,
		Run: func(ctx context.Context) error {
			_, err := export(ctx)
			return err
		},
	}
}

// SweepJob builds the idempotency retention sweep job. The sweep closure
// returns how many rows it deleted.
func SweepJob(expr string, enabled bool, sweep func(ctx context.Context) (int64, error)) Job {
	return Job{
		ID:          JobIdempotencySweep,
		Description: "delete expired idempotency records in batches",
		Expr:        expr,
		OnMissed:    MissedSkip,
		Disabled:    !enabled,
		Run: func(ctx context.Context) error {
			_, err := sweep(ctx)
			return err
		},
	}
}
