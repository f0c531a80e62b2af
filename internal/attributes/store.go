// Package attributes is the per-owner JSON key/value store.
package attributes

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/orecraft/gamecore/internal/gamedb"
)

// MaxValueBytes caps one attribute value.
const MaxValueBytes = 8 * 1024

// Attribute mirrors one row of player_attributes.
type Attribute struct {
	Owner     uuid.UUID       `json:"owner"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	CreatedAt int64           `json:"createdAt"`
	UpdatedAt int64           `json:"updatedAt"`
}

// Store binds the attribute table to the pool.
type Store struct {
	pool *gamedb.Pool
	log  *slog.Logger
}

// NewStore creates the store.
func NewStore(pool *gamedb.Pool, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{pool: pool, log: log}
}

// Set upserts one attribute. The value must parse as JSON and fit in 8 KiB.
func (s *Store) Set(ctx context.Context, owner uuid.UUID, key string, value []byte) error {
	op := "attributes.set"
	if err := s.pool.CheckWritable(op); err != nil {
		return err
	}
	if len(value) > MaxValueBytes {
		return fmt.Errorf("attribute %s: value %d bytes exceeds %d", key, len(value), MaxValueBytes)
	}
	if !json.Valid(value) {
		return fmt.Errorf("attribute %s: value is not valid JSON", key)
	}
	defer s.pool.Track(op)()
	now := gamedb.UnixNow()
	_, err := s.pool.DB().ExecContext(ctx, `
		INSERT INTO player_attributes (owner_uuid, attr_key, value_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE value_json = VALUES(value_json), updated_at = VALUES(updated_at)`,
		owner[:], key, value, now, now)
	if err != nil {
		return s.pool.ObserveError(op, err)
	}
	return nil
}

// Get returns the attribute value, or nil when unset.
func (s *Store) Get(ctx context.Context, owner uuid.UUID, key string) (json.RawMessage, error) {
	op := "attributes.get"
	defer s.pool.Track(op)()
	var value []byte
	err := s.pool.DB().QueryRowContext(ctx,
		"SELECT value_json FROM player_attributes WHERE owner_uuid = ? AND attr_key = ?",
		owner[:], key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, s.pool.ObserveError(op, err)
	}
	return value, nil
}

// Delete removes one attribute; removing an unset key is not an error.
func (s *Store) Delete(ctx context.Context, owner uuid.UUID, key string) error {
	op := "attributes.delete"
	if err := s.pool.CheckWritable(op); err != nil {
		return err
	}
	defer s.pool.Track(op)()
	_, err := s.pool.DB().ExecContext(ctx,
		"DELETE FROM player_attributes WHERE owner_uuid = ? AND attr_key = ?",
		owner[:], key)
	if err != nil {
		return s.pool.ObserveError(op, err)
	}
	return nil
}

// List returns all attributes of one owner, key-ordered.
func (s *Store) List(ctx context.Context, owner uuid.UUID) ([]Attribute, error) {
	op := "attributes.list"
	defer s.pool.Track(op)()
	rows, err := s.pool.DB().QueryContext(ctx, `
		SELECT attr_key, value_json, created_at, updated_at
		FROM player_attributes WHERE owner_uuid = ? ORDER BY attr_key`, owner[:])
	if err != nil {
		return nil, s.pool.ObserveError(op, err)
	}
	defer rows.Close()
	var out []Attribute
	for rows.Next() {
		a := Attribute{Owner: owner}
		if err := rows.Scan(&a.Key, (*[]byte)(&a.Value), &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, s.pool.ObserveError(op, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
