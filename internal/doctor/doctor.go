// Package doctor runs read-mostly diagnostic checks against a live database
// and reports them as structured results a CLI or dashboard can render.
package doctor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/orecraft/gamecore/internal/gamedb"
)

// Status constants for checks.
const (
	StatusOK      = "ok"
	StatusWarning = "warning"
	StatusError   = "error"
)

// Check is one diagnostic result.
type Check struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
	Fix     string `json:"fix,omitempty"`
}

// Report is a full doctor run.
type Report struct {
	Healthy bool    `json:"healthy"`
	Checks  []Check `json:"checks"`
}

// Runner executes the check suite.
type Runner struct {
	pool *gamedb.Pool
	log  *slog.Logger
}

// NewRunner binds the runner to the pool.
func NewRunner(pool *gamedb.Pool, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{pool: pool, log: log}
}

// Check groups selectable from the CLI.
const (
	GroupFK      = "fk"
	GroupOrphans = "orphans"
	GroupCounts  = "counts"
	GroupAnalyze = "analyze"
	GroupLocks   = "locks"
)

// Run executes the selected check groups, or everything when none are named.
// Connectivity, degraded mode, and schema version always run. Errors inside
// a check degrade that check, never abort the run; Healthy is false when any
// check reports an error status.
func (r *Runner) Run(ctx context.Context, groups ...string) *Report {
	want := map[string]bool{}
	for _, g := range groups {
		want[g] = true
	}
	all := len(want) == 0

	checks := []Check{
		r.checkConnectivity(ctx),
		r.checkDegraded(),
		r.checkSchemaVersion(ctx),
	}
	if all || want[GroupCounts] {
		checks = append(checks,
			r.checkRowCounts(ctx),
			r.checkNegativeBalances(ctx),
			r.checkIdempotencyBacklog(ctx))
	}
	if all || want[GroupFK] {
		checks = append(checks, r.checkOrphanAttributes(ctx))
	}
	if all || want[GroupOrphans] {
		checks = append(checks,
			r.checkOrphanSeqs(ctx),
			r.checkLedgerReferences(ctx))
	}
	if all || want[GroupLocks] {
		checks = append(checks, r.checkAdvisoryLocks(ctx))
	}
	if want[GroupAnalyze] {
		// Only on request: ANALYZE takes table metadata locks.
		checks = append(checks, r.checkAnalyze(ctx))
	}

	healthy := true
	for _, c := range checks {
		if c.Status == StatusError {
			healthy = false
		}
	}
	return &Report{Healthy: healthy, Checks: checks}
}

func (r *Runner) checkConnectivity(ctx context.Context) Check {
	c := Check{Name: "connectivity"}
	var one int
	if err := r.pool.DB().QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		c.Status = StatusError
		c.Message = "database unreachable"
		c.Detail = err.Error()
		c.Fix = "check db host/port/credentials in the config"
		return c
	}
	c.Status = StatusOK
	c.Message = "database reachable"
	return c
}

func (r *Runner) checkDegraded() Check {
	c := Check{Name: "degraded-mode"}
	if !r.pool.Healthy() {
		c.Status = StatusError
		c.Message = "pool is in degraded mode, writes are refused"
		c.Fix = "resolve the connection problem; the supervisor re-probes automatically"
		return c
	}
	c.Status = StatusOK
	c.Message = "pool accepting writes"
	return c
}

func (r *Runner) checkSchemaVersion(ctx context.Context) Check {
	c := Check{Name: "schema-version"}
	mgr := gamedb.NewSchemaManager(r.pool, r.log)
	version, err := mgr.Version(ctx)
	if err != nil {
		c.Status = StatusError
		c.Message = "cannot read schema version"
		c.Detail = err.Error()
		return c
	}
	switch {
	case version == gamedb.SchemaVersion:
		c.Status = StatusOK
		c.Message = fmt.Sprintf("schema at version %d", version)
	case version == 0:
		c.Status = StatusError
		c.Message = "schema not applied"
		c.Fix = "run: gamecore migrate apply"
	case version < gamedb.SchemaVersion:
		c.Status = StatusWarning
		c.Message = fmt.Sprintf("schema at version %d, runtime expects %d", version, gamedb.SchemaVersion)
		c.Fix = "run: gamecore migrate apply"
	default:
		c.Status = StatusWarning
		c.Message = fmt.Sprintf("schema version %d is newer than this build (%d)", version, gamedb.SchemaVersion)
		c.Fix = "upgrade the server binary"
	}
	return c
}

func (r *Runner) checkRowCounts(ctx context.Context) Check {
	c := Check{Name: "row-counts"}
	tables := []string{"players", "player_attributes", "player_event_seq", "core_requests", "core_ledger"}
	var parts []string
	for _, t := range tables {
		var n int64
		if err := r.pool.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM "+t).Scan(&n); err != nil {
			c.Status = StatusError
			c.Message = "cannot count " + t
			c.Detail = err.Error()
			c.Fix = "run: gamecore migrate apply"
			return c
		}
		parts = append(parts, fmt.Sprintf("%s=%d", t, n))
	}
	c.Status = StatusOK
	c.Message = "all core tables present"
	c.Detail = strings.Join(parts, " ")
	return c
}

func (r *Runner) checkNegativeBalances(ctx context.Context) Check {
	c := Check{Name: "negative-balances"}
	var n int64
	err := r.pool.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM players WHERE balance < 0").Scan(&n)
	if err != nil {
		c.Status = StatusWarning
		c.Message = "cannot scan balances"
		c.Detail = err.Error()
		return c
	}
	if n > 0 {
		c.Status = StatusError
		c.Message = fmt.Sprintf("%d players hold a negative balance", n)
		c.Fix = "the CHECK constraint should make this impossible; inspect recent manual edits"
		return c
	}
	c.Status = StatusOK
	c.Message = "no negative balances"
	return c
}

func (r *Runner) checkOrphanAttributes(ctx context.Context) Check {
	c := Check{Name: "orphan-attributes"}
	var n int64
	err := r.pool.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM player_attributes a
		LEFT JOIN players p ON p.uuid = a.owner_uuid
		WHERE p.uuid IS NULL`).Scan(&n)
	if err != nil {
		c.Status = StatusWarning
		c.Message = "cannot scan attributes"
		c.Detail = err.Error()
		return c
	}
	if n > 0 {
		c.Status = StatusError
		c.Message = fmt.Sprintf("%d attributes reference missing players", n)
		c.Fix = "DELETE FROM player_attributes WHERE owner_uuid NOT IN (SELECT uuid FROM players)"
		return c
	}
	c.Status = StatusOK
	c.Message = "every attribute has an owner"
	return c
}

func (r *Runner) checkOrphanSeqs(ctx context.Context) Check {
	c := Check{Name: "orphan-sequences"}
	var n int64
	err := r.pool.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM player_event_seq s
		LEFT JOIN players p ON p.uuid = s.uuid
		WHERE p.uuid IS NULL`).Scan(&n)
	if err != nil {
		c.Status = StatusWarning
		c.Message = "cannot scan sequences"
		c.Detail = err.Error()
		return c
	}
	if n > 0 {
		// Harmless: counters for deleted players only waste a row each.
		c.Status = StatusWarning
		c.Message = fmt.Sprintf("%d sequence counters reference missing players", n)
		return c
	}
	c.Status = StatusOK
	c.Message = "every sequence counter has an owner"
	return c
}

func (r *Runner) checkLedgerReferences(ctx context.Context) Check {
	c := Check{Name: "ledger-references"}
	var n int64
	err := r.pool.DB().QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM core_ledger l
			 LEFT JOIN players p ON p.uuid = l.from_uuid
			 WHERE l.from_uuid IS NOT NULL AND p.uuid IS NULL)
			+
			(SELECT COUNT(*) FROM core_ledger l
			 LEFT JOIN players p ON p.uuid = l.to_uuid
			 WHERE l.to_uuid IS NOT NULL AND p.uuid IS NULL)`).Scan(&n)
	if err != nil {
		c.Status = StatusWarning
		c.Message = "cannot scan ledger references"
		c.Detail = err.Error()
		return c
	}
	if n > 0 {
		// Expected after player deletions; the ledger is append-only and
		// deliberately carries no foreign keys.
		c.Status = StatusWarning
		c.Message = fmt.Sprintf("%d ledger references point at missing players", n)
		return c
	}
	c.Status = StatusOK
	c.Message = "all ledger references resolve"
	return c
}

func (r *Runner) checkIdempotencyBacklog(ctx context.Context) Check {
	c := Check{Name: "idempotency-backlog"}
	var n int64
	err := r.pool.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM core_requests WHERE expires_at <= ?",
		gamedb.UnixNow()).Scan(&n)
	if err != nil {
		c.Status = StatusWarning
		c.Message = "cannot scan idempotency records"
		c.Detail = err.Error()
		return c
	}
	if n > 10000 {
		c.Status = StatusWarning
		c.Message = fmt.Sprintf("%d expired idempotency records await sweeping", n)
		c.Fix = "run: gamecore jobs run idempotency-sweep"
		return c
	}
	c.Status = StatusOK
	c.Message = fmt.Sprintf("%d expired idempotency records", n)
	return c
}

func (r *Runner) checkAnalyze(ctx context.Context) Check {
	c := Check{Name: "analyze-tables"}
	tables := []string{"players", "player_attributes", "player_event_seq", "core_requests", "core_ledger"}
	for _, t := range tables {
		if _, err := r.pool.DB().ExecContext(ctx, "ANALYZE TABLE "+t); err != nil {
			c.Status = StatusWarning
			c.Message = "ANALYZE failed on " + t
			c.Detail = err.Error()
			return c
		}
	}
	c.Status = StatusOK
	c.Message = "statistics refreshed for all core tables"
	return c
}

func (r *Runner) checkAdvisoryLocks(ctx context.Context) Check {
	c := Check{Name: "advisory-locks"}
	lock, err := r.pool.TryLock(ctx, "gamecore:doctor")
	if err != nil {
		c.Status = StatusError
		c.Message = "advisory lock probe failed"
		c.Detail = err.Error()
		return c
	}
	if lock == nil {
		c.Status = StatusWarning
		c.Message = "doctor probe lock held elsewhere"
		return c
	}
	lock.Release(ctx)
	c.Status = StatusOK
	c.Message = "advisory locks functional"
	return c
}
