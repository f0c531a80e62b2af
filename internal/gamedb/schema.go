package gamedb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// SchemaVersion is the runtime schema version. Bumped whenever the DDL
// sequence below changes shape. Snapshots carry this version and the
// importer refuses mismatches.
const SchemaVersion = 2

// MigrateLockName guards concurrent schema application across nodes.
const MigrateLockName = "gamecore:migrate"

// createTables is the fixed, ordered DDL sequence. Every statement is
// idempotent (CREATE TABLE IF NOT EXISTS); additive column/index guards run
// afterwards against the information schema.
var createTables = []struct {
	name string
	ddl  string
}{
	{"core_schema_version", `
		CREATE TABLE IF NOT EXISTS core_schema_version (
			version    INT NOT NULL,
			applied_at BIGINT UNSIGNED NOT NULL,
			PRIMARY KEY (version)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 ROW_FORMAT=DYNAMIC`},
	{"players", `
		CREATE TABLE IF NOT EXISTS players (
			uuid       BINARY(16) NOT NULL,
			name       VARCHAR(48) NOT NULL,
			name_lower VARCHAR(48) AS (LOWER(name)) STORED,
			balance    BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT UNSIGNED NOT NULL,
			updated_at BIGINT UNSIGNED NOT NULL,
			seen_at    BIGINT UNSIGNED NULL,
			PRIMARY KEY (uuid),
			KEY idx_players_name_lower (name_lower),
			CONSTRAINT chk_players_balance CHECK (balance >= 0)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 ROW_FORMAT=DYNAMIC`},
	{"player_event_seq", `
		CREATE TABLE IF NOT EXISTS player_event_seq (
			uuid BINARY(16) NOT NULL,
			seq  BIGINT UNSIGNED NOT NULL DEFAULT 0,
			PRIMARY KEY (uuid)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 ROW_FORMAT=DYNAMIC`},
	{"core_requests", `
		CREATE TABLE IF NOT EXISTS core_requests (
			scope        VARCHAR(64) NOT NULL,
			key_hash     BINARY(32) NOT NULL,
			payload_hash BINARY(32) NOT NULL,
			ok           TINYINT(1) NOT NULL DEFAULT 0,
			created_at   BIGINT UNSIGNED NOT NULL,
			expires_at   BIGINT UNSIGNED NOT NULL,
			PRIMARY KEY (scope, key_hash),
			KEY idx_requests_expires (expires_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 ROW_FORMAT=DYNAMIC`},
	{"player_attributes", `
		CREATE TABLE IF NOT EXISTS player_attributes (
			owner_uuid BINARY(16) NOT NULL,
			attr_key   VARCHAR(64) NOT NULL,
			value_json TEXT NOT NULL,
			created_at BIGINT UNSIGNED NOT NULL,
			updated_at BIGINT UNSIGNED NOT NULL,
			PRIMARY KEY (owner_uuid, attr_key),
			CONSTRAINT fk_attributes_owner FOREIGN KEY (owner_uuid)
				REFERENCES players (uuid) ON DELETE CASCADE
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 ROW_FORMAT=DYNAMIC`},
	{"core_ledger", `
		CREATE TABLE IF NOT EXISTS core_ledger (
			id            BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
			ts            BIGINT UNSIGNED NOT NULL,
			module_id     VARCHAR(32) NOT NULL,
			op            VARCHAR(16) NOT NULL,
			from_uuid     BINARY(16) NULL,
			to_uuid       BINARY(16) NULL,
			amount        BIGINT NOT NULL,
			reason        VARCHAR(64) NOT NULL DEFAULT '',
			ok            TINYINT(1) NOT NULL DEFAULT 1,
			code          VARCHAR(32) NULL,
			seq           BIGINT UNSIGNED NOT NULL DEFAULT 0,
			idem_scope    VARCHAR(64) NULL,
			idem_key_hash BINARY(32) NULL,
			old_units     BIGINT NULL,
			new_units     BIGINT NULL,
			PRIMARY KEY (id),
			KEY idx_ledger_from (from_uuid, id),
			KEY idx_ledger_to (to_uuid, id),
			KEY idx_ledger_module (module_id, id),
			KEY idx_ledger_ts (ts)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 ROW_FORMAT=DYNAMIC`},
}

// additiveColumns are guards for columns added after the initial schema
// shipped. Each checks the information schema before issuing the ALTER, so
// the pass stays idempotent on both old and new databases.
var additiveColumns = []struct {
	table, column, alter string
}{
	{"core_ledger", "server_node",
		"ALTER TABLE core_ledger ADD COLUMN server_node VARCHAR(64) NULL"},
	{"core_ledger", "extra_json",
		"ALTER TABLE core_ledger ADD COLUMN extra_json TEXT NULL"},
}

var additiveIndexes = []struct {
	table, index, alter string
}{
	{"core_requests", "idx_requests_created",
		"ALTER TABLE core_requests ADD INDEX idx_requests_created (created_at)"},
}

// SchemaManager applies the idempotent DDL sequence and records the runtime
// schema version after a fully successful pass.
type SchemaManager struct {
	pool *Pool
	log  *slog.Logger
}

// NewSchemaManager binds a schema manager to the pool.
func NewSchemaManager(pool *Pool, log *slog.Logger) *SchemaManager {
	if log == nil {
		log = slog.Default()
	}
	return &SchemaManager{pool: pool, log: log}
}

// Apply runs the full DDL pass under the migration advisory lock. The
// version row is only written when every statement succeeded. A concurrent
// migration on another node surfaces MIGRATION_LOCKED.
func (m *SchemaManager) Apply(ctx context.Context) error {
	lock, err := m.pool.TryLock(ctx, MigrateLockName)
	if err != nil {
		return err
	}
	if lock == nil {
		return E(CodeMigrationLocked, "migrate.apply", "another node holds %s", MigrateLockName)
	}
	defer lock.Release(ctx)

	db := m.pool.DB()
	for _, t := range createTables {
		if _, err := db.ExecContext(ctx, t.ddl); err != nil {
			return fmt.Errorf("create table %s: %w", t.name, Classify("migrate.apply", err))
		}
	}
	for _, c := range additiveColumns {
		exists, err := m.columnExists(ctx, c.table, c.column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		m.log.Info("adding column", "op", "migrate.apply", "table", c.table, "column", c.column)
		if _, err := db.ExecContext(ctx, c.alter); err != nil {
			return fmt.Errorf("add column %s.%s: %w", c.table, c.column, Classify("migrate.apply", err))
		}
	}
	for _, ix := range additiveIndexes {
		exists, err := m.indexExists(ctx, ix.table, ix.index)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		m.log.Info("adding index", "op", "migrate.apply", "table", ix.table, "index", ix.index)
		if _, err := db.ExecContext(ctx, ix.alter); err != nil {
			return fmt.Errorf("add index %s.%s: %w", ix.table, ix.index, Classify("migrate.apply", err))
		}
	}

	if err := m.RecordVersion(ctx); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	m.log.Info("schema up to date", "op", "migrate.apply", "version", SchemaVersion)
	return nil
}

// RecordVersion writes the runtime version row without running any DDL.
// Writing an already-recorded version is a no-op.
func (m *SchemaManager) RecordVersion(ctx context.Context) error {
	_, err := m.pool.DB().ExecContext(ctx,
		"INSERT IGNORE INTO core_schema_version (version, applied_at) VALUES (?, ?)",
		SchemaVersion, UnixNow())
	if err != nil {
		return Classify("migrate.record", err)
	}
	return nil
}

// Check reports what Apply would do without mutating anything.
func (m *SchemaManager) Check(ctx context.Context) ([]string, error) {
	var pending []string
	for _, t := range createTables {
		exists, err := m.tableExists(ctx, t.name)
		if err != nil {
			return nil, err
		}
		if !exists {
			pending = append(pending, "create table "+t.name)
		}
	}
	for _, c := range additiveColumns {
		exists, err := m.tableExists(ctx, c.table)
		if err != nil {
			return nil, err
		}
		if !exists {
			continue // covered by the create above
		}
		colExists, err := m.columnExists(ctx, c.table, c.column)
		if err != nil {
			return nil, err
		}
		if !colExists {
			pending = append(pending, fmt.Sprintf("add column %s.%s", c.table, c.column))
		}
	}
	current, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}
	if current < SchemaVersion {
		pending = append(pending, fmt.Sprintf("record schema version %d (current %d)", SchemaVersion, current))
	}
	return pending, nil
}

// Version returns the highest recorded schema version, or 0 when the
// version table is missing or empty.
func (m *SchemaManager) Version(ctx context.Context) (int, error) {
	var v sql.NullInt64
	err := m.pool.DB().QueryRowContext(ctx,
		"SELECT MAX(version) FROM core_schema_version").Scan(&v)
	if err != nil {
		exists, terr := m.tableExists(ctx, "core_schema_version")
		if terr == nil && !exists {
			return 0, nil
		}
		return 0, Classify("migrate.version", err)
	}
	if !v.Valid {
		return 0, nil
	}
	return int(v.Int64), nil
}

func (m *SchemaManager) tableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := m.pool.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM information_schema.TABLES
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ?`, table).Scan(&n)
	if err != nil {
		return false, Classify("migrate.check", err)
	}
	return n > 0, nil
}

func (m *SchemaManager) columnExists(ctx context.Context, table, column string) (bool, error) {
	var n int
	err := m.pool.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND COLUMN_NAME = ?`,
		table, column).Scan(&n)
	if err != nil {
		return false, Classify("migrate.check", err)
	}
	return n > 0, nil
}

func (m *SchemaManager) indexExists(ctx context.Context, table, index string) (bool, error) {
	var n int
	err := m.pool.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM information_schema.STATISTICS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND INDEX_NAME = ?`,
		table, index).Scan(&n)
	if err != nil {
		return false, Classify("migrate.check", err)
	}
	return n > 0, nil
}
