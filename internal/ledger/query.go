// Package ledger is the read and retention side of the append-only
// transaction log. Rows are written by the wallet engine; this package
// queries them, optionally mirrors them to a file, and enforces retention.
package ledger

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/google/uuid"

	"github.com/orecraft/gamecore/internal/gamedb"
)

// Entry mirrors one core_ledger row. From/To are uuid.Nil when absent.
type Entry struct {
	ID         uint64    `json:"id"`
	TS         int64     `json:"ts"`
	ModuleID   string    `json:"moduleId"`
	Op         string    `json:"op"`
	From       uuid.UUID `json:"from,omitempty"`
	To         uuid.UUID `json:"to,omitempty"`
	Amount     int64     `json:"amount"`
	Reason     string    `json:"reason"`
	OK         bool      `json:"ok"`
	Code       string    `json:"code,omitempty"`
	Seq        uint64    `json:"seq"`
	IdemScope  string    `json:"idemScope,omitempty"`
	OldUnits   *int64    `json:"oldUnits,omitempty"`
	NewUnits   *int64    `json:"newUnits,omitempty"`
	ServerNode string    `json:"serverNode,omitempty"`
	ExtraJSON  string    `json:"extraJson,omitempty"`
}

// Query reads ledger entries newest-first; id is strictly increasing so
// ORDER BY id DESC is a consistent stream.
type Query struct {
	pool *gamedb.Pool
	log  *slog.Logger
}

// NewQuery binds the query surface to the pool.
func NewQuery(pool *gamedb.Pool, log *slog.Logger) *Query {
	if log == nil {
		log = slog.Default()
	}
	return &Query{pool: pool, log: log}
}

const entryColumns = `id, ts, module_id, op, from_uuid, to_uuid, amount, reason,
	ok, code, seq, idem_scope, old_units, new_units, server_node, extra_json`

func clampLimit(n int) int {
	if n <= 0 {
		return 20
	}
	if n > 1000 {
		return 1000
	}
	return n
}

// Recent returns the newest n entries.
func (q *Query) Recent(ctx context.Context, n int) ([]Entry, error) {
	return q.query(ctx, "ledger.recent",
		"SELECT "+entryColumns+" FROM core_ledger ORDER BY id DESC LIMIT ?", clampLimit(n))
}

// ByPlayer returns the newest n entries touching the player on either side.
func (q *Query) ByPlayer(ctx context.Context, id uuid.UUID, n int) ([]Entry, error) {
	return q.query(ctx, "ledger.byPlayer",
		"SELECT "+entryColumns+" FROM core_ledger WHERE from_uuid = ? OR to_uuid = ? ORDER BY id DESC LIMIT ?",
		id[:], id[:], clampLimit(n))
}

// ByModule returns the newest n entries written by a module.
func (q *Query) ByModule(ctx context.Context, moduleID string, n int) ([]Entry, error) {
	return q.query(ctx, "ledger.byModule",
		"SELECT "+entryColumns+" FROM core_ledger WHERE module_id = ? ORDER BY id DESC LIMIT ?",
		moduleID, clampLimit(n))
}

// ByReason returns the newest n entries whose reason contains the substring.
func (q *Query) ByReason(ctx context.Context, substring string, n int) ([]Entry, error) {
	return q.query(ctx, "ledger.byReason",
		"SELECT "+entryColumns+" FROM core_ledger WHERE reason LIKE CONCAT('%', ?, '%') ORDER BY id DESC LIMIT ?",
		substring, clampLimit(n))
}

func (q *Query) query(ctx context.Context, op, stmt string, args ...any) ([]Entry, error) {
	defer q.pool.Track(op)()
	rows, err := q.pool.DB().QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, q.pool.ObserveError(op, err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, q.pool.ObserveError(op, err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var e Entry
	var fromB, toB []byte
	var code, idemScope, serverNode, extraJSON sql.NullString
	var oldUnits, newUnits sql.NullInt64
	err := rows.Scan(&e.ID, &e.TS, &e.ModuleID, &e.Op, &fromB, &toB, &e.Amount, &e.Reason,
		&e.OK, &code, &e.Seq, &idemScope, &oldUnits, &newUnits, &serverNode, &extraJSON)
	if err != nil {
		return nil, err
	}
	if len(fromB) == 16 {
		e.From, _ = uuid.FromBytes(fromB)
	}
	if len(toB) == 16 {
		e.To, _ = uuid.FromBytes(toB)
	}
	e.Code = code.String
	e.IdemScope = idemScope.String
	e.ServerNode = serverNode.String
	e.ExtraJSON = extraJSON.String
	if oldUnits.Valid {
		e.OldUnits = &oldUnits.Int64
	}
	if newUnits.Valid {
		e.NewUnits = &newUnits.Int64
	}
	return &e, nil
}
