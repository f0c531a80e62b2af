// Package players is the UUID to name directory. Players are created on
// first sight and never destroyed by the core.
package players

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/google/uuid"

	"github.com/orecraft/gamecore/internal/gamedb"
)

// Player mirrors one row of the players table.
type Player struct {
	UUID      uuid.UUID `json:"uuid"`
	Name      string    `json:"name"`
	Balance   int64     `json:"balance"`
	CreatedAt int64     `json:"createdAt"`
	UpdatedAt int64     `json:"updatedAt"`
	SeenAt    *int64    `json:"seenAt,omitempty"`
}

// Directory provides lookup and first-seen registration.
type Directory struct {
	pool *gamedb.Pool
	log  *slog.Logger
}

// NewDirectory binds the directory to the pool.
func NewDirectory(pool *gamedb.Pool, log *slog.Logger) *Directory {
	if log == nil {
		log = slog.Default()
	}
	return &Directory{pool: pool, log: log}
}

const playerColumns = "uuid, name, balance, created_at, updated_at, seen_at"

func scanPlayer(row *sql.Row) (*Player, error) {
	var p Player
	var raw []byte
	var seenAt sql.NullInt64
	err := row.Scan(&raw, &p.Name, &p.Balance, &p.CreatedAt, &p.UpdatedAt, &seenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return nil, err
	}
	p.UUID = id
	if seenAt.Valid {
		p.SeenAt = &seenAt.Int64
	}
	return &p, nil
}

// Ensure creates the player on first sight and, on every join, refreshes the
// stored name and seen_at. The generated name_lower column tracks name.
func (d *Directory) Ensure(ctx context.Context, id uuid.UUID, name string) error {
	op := "players.ensure"
	if err := d.pool.CheckWritable(op); err != nil {
		return err
	}
	defer d.pool.Track(op)()
	now := gamedb.UnixNow()
	_, err := d.pool.DB().ExecContext(ctx, `
		INSERT INTO players (uuid, name, balance, created_at, updated_at, seen_at)
		VALUES (?, ?, 0, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			name = VALUES(name),
			seen_at = VALUES(seen_at),
			updated_at = VALUES(updated_at)`,
		id[:], name, now, now, now)
	if err != nil {
		return d.pool.ObserveError(op, err)
	}
	return nil
}

// ByUUID returns the player or nil when unknown.
func (d *Directory) ByUUID(ctx context.Context, id uuid.UUID) (*Player, error) {
	op := "players.byUuid"
	defer d.pool.Track(op)()
	p, err := scanPlayer(d.pool.DB().QueryRowContext(ctx,
		"SELECT "+playerColumns+" FROM players WHERE uuid = ?", id[:]))
	if err != nil {
		return nil, d.pool.ObserveError(op, err)
	}
	return p, nil
}

// ByName resolves a player case-insensitively via name_lower. More than one
// match is NAME_AMBIGUOUS; zero matches is UNKNOWN_PLAYER.
func (d *Directory) ByName(ctx context.Context, name string) (*Player, error) {
	op := "players.byName"
	defer d.pool.Track(op)()
	rows, err := d.pool.DB().QueryContext(ctx, `
		SELECT uuid FROM players WHERE name_lower = LOWER(?) LIMIT 2`, name)
	if err != nil {
		return nil, d.pool.ObserveError(op, err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, d.pool.ObserveError(op, err)
		}
		id, err := uuid.FromBytes(raw)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, d.pool.ObserveError(op, err)
	}
	switch len(ids) {
	case 0:
		return nil, gamedb.E(gamedb.CodeUnknownPlayer, op, "no player named %q", name)
	case 1:
		return d.ByUUID(ctx, ids[0])
	default:
		return nil, gamedb.E(gamedb.CodeNameAmbiguous, op, "name %q matches multiple players", name)
	}
}

// Rename updates the stored name (and the generated name_lower with it).
func (d *Directory) Rename(ctx context.Context, id uuid.UUID, name string) error {
	op := "players.rename"
	if err := d.pool.CheckWritable(op); err != nil {
		return err
	}
	defer d.pool.Track(op)()
	res, err := d.pool.DB().ExecContext(ctx,
		"UPDATE players SET name = ?, updated_at = ? WHERE uuid = ?",
		name, gamedb.UnixNow(), id[:])
	if err != nil {
		return d.pool.ObserveError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return d.pool.ObserveError(op, err)
	}
	if n == 0 {
		// A same-name rename in the same second also affects zero rows;
		// distinguish that from a missing player.
		p, lookupErr := d.ByUUID(ctx, id)
		if lookupErr != nil {
			return lookupErr
		}
		if p == nil {
			return gamedb.E(gamedb.CodeUnknownPlayer, op, "player %s not found", id)
		}
	}
	return nil
}

// Count returns the number of known players (doctor and info surfaces).
func (d *Directory) Count(ctx context.Context) (int64, error) {
	var n int64
	err := d.pool.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM players").Scan(&n)
	if err != nil {
		return 0, d.pool.ObserveError("players.count", err)
	}
	return n, nil
}
