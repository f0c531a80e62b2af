package snapshot

import (
	"bufio"
	"compress/gzip"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/orecraft/gamecore/internal/gamedb"
)

// Import modes.
const (
	ModeFresh = "fresh"
	ModeMerge = "merge"
)

// Options controls one import.
type Options struct {
	// Mode is fresh (replace current state) or merge (fold the snapshot
	// into current state).
	Mode string
	// Staging loads fresh imports into shadow tables first and cuts over
	// in one transaction, so a bad snapshot never touches the live tables.
	// Ignored for merge.
	Staging bool
	// Overwrite lets merge replace rows that already exist. Without it
	// merge only fills gaps; sequence counters still only move forward.
	Overwrite bool
	// SkipFKChecks disables the session's foreign key checks for the
	// duration of a fresh load. Always re-enabled, always logged.
	SkipFKChecks bool
	// AllowMissingChecksum skips sidecar verification when no .sha256
	// file exists. A present-but-wrong sidecar always fails.
	AllowMissingChecksum bool
}

// ImportResult summarizes one completed import.
type ImportResult struct {
	Path          string         `json:"path"`
	Mode          string         `json:"mode"`
	SchemaVersion int            `json:"schemaVersion"`
	Rows          map[string]int `json:"rows"`
}

// Importer loads snapshots back into the database.
type Importer struct {
	pool *gamedb.Pool
	log  *slog.Logger
}

// NewImporter binds the importer to the pool.
func NewImporter(pool *gamedb.Pool, log *slog.Logger) *Importer {
	if log == nil {
		log = slog.Default()
	}
	return &Importer{pool: pool, log: log}
}

// contents is a fully parsed snapshot.
type contents struct {
	header     Header
	players    []PlayerLine
	attributes []AttributeLine
	seqs       []SeqLine
	ledger     []LedgerLine
}

// Import restores the snapshot at path, or the newest snapshot when path is
// a directory. The snapshot's schema version must match the database's
// recorded version; a database with no recorded version gets the runtime
// version written first and is then gated like any other.
func (im *Importer) Import(ctx context.Context, path string, opts Options) (*ImportResult, error) {
	op := "snapshot.import"
	if opts.Mode != ModeFresh && opts.Mode != ModeMerge {
		return nil, fmt.Errorf("unknown import mode %q", opts.Mode)
	}
	if err := im.pool.CheckWritable(op); err != nil {
		return nil, err
	}
	defer im.pool.Track(op)()

	resolved, err := resolvePath(path)
	if err != nil {
		return nil, err
	}
	if err := verifyChecksum(resolved, opts.AllowMissingChecksum); err != nil {
		return nil, err
	}
	snap, err := readSnapshot(resolved)
	if err != nil {
		return nil, err
	}
	if err := im.gateSchemaVersion(ctx, snap.header.SchemaVersion); err != nil {
		return nil, err
	}

	switch {
	case opts.Mode == ModeMerge:
		err = im.merge(ctx, snap, opts.Overwrite)
	case opts.Staging:
		err = im.freshStaging(ctx, snap)
	default:
		err = im.freshAtomic(ctx, snap, opts.SkipFKChecks)
	}
	if err != nil {
		return nil, im.pool.ObserveError(op, err)
	}

	rows := map[string]int{
		TablePlayers:    len(snap.players),
		TableAttributes: len(snap.attributes),
		TableSeq:        len(snap.seqs),
		TableLedger:     len(snap.ledger),
	}
	im.log.Info("snapshot restored", "op", op, "path", resolved,
		"mode", opts.Mode, "players", len(snap.players), "ledger", len(snap.ledger))
	return &ImportResult{
		Path:          resolved,
		Mode:          opts.Mode,
		SchemaVersion: snap.header.SchemaVersion,
		Rows:          rows,
	}, nil
}

// resolvePath accepts a file or a directory; a directory resolves to its
// newest snapshot.
func resolvePath(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("snapshot path: %w", err)
	}
	if !info.IsDir() {
		return path, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("read snapshot dir: %w", err)
	}
	type candidate struct {
		path string
		mod  int64
	}
	var files []candidate
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "snapshot-") {
			continue
		}
		if !strings.HasSuffix(name, ".jsonl") && !strings.HasSuffix(name, ".jsonl.gz") {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, candidate{filepath.Join(path, name), fi.ModTime().UnixNano()})
	}
	if len(files) == 0 {
		return "", fmt.Errorf("no snapshots under %s", path)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod > files[j].mod })
	return files[0].path, nil
}

func verifyChecksum(path string, allowMissing bool) error {
	sidecar, err := os.ReadFile(path + ".sha256")
	if os.IsNotExist(err) {
		if allowMissing {
			return nil
		}
		return fmt.Errorf("missing checksum sidecar for %s (pass --allow-missing-checksum to skip)", path)
	}
	if err != nil {
		return fmt.Errorf("read checksum sidecar: %w", err)
	}
	want := strings.Fields(string(sidecar))
	if len(want) == 0 || len(want[0]) != sha256.Size*2 {
		return fmt.Errorf("malformed checksum sidecar for %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, want[0]) {
		return fmt.Errorf("checksum mismatch for %s: sidecar %s, file %s", path, want[0][:12], got[:12])
	}
	return nil
}

func readSnapshot(path string) (*contents, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open gzip: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	snap := &contents{}
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if lineNum == 1 {
			if err := json.Unmarshal([]byte(line), &snap.header); err != nil {
				return nil, fmt.Errorf("line 1: %w", err)
			}
			if err := snap.header.Validate(); err != nil {
				return nil, err
			}
			continue
		}
		var probe typedLine
		if err := json.Unmarshal([]byte(line), &probe); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		switch probe.Table {
		case TablePlayers:
			var p PlayerLine
			if err := json.Unmarshal([]byte(line), &p); err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNum, err)
			}
			snap.players = append(snap.players, p)
		case TableAttributes:
			var a AttributeLine
			if err := json.Unmarshal([]byte(line), &a); err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNum, err)
			}
			snap.attributes = append(snap.attributes, a)
		case TableSeq:
			var s SeqLine
			if err := json.Unmarshal([]byte(line), &s); err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNum, err)
			}
			snap.seqs = append(snap.seqs, s)
		case TableLedger:
			var l LedgerLine
			if err := json.Unmarshal([]byte(line), &l); err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNum, err)
			}
			snap.ledger = append(snap.ledger, l)
		default:
			return nil, fmt.Errorf("line %d: unknown table %q", lineNum, probe.Table)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if snap.header.Version == "" {
		return nil, fmt.Errorf("snapshot %s is empty", path)
	}
	return snap, nil
}

func (im *Importer) gateSchemaVersion(ctx context.Context, snapVersion int) error {
	mgr := gamedb.NewSchemaManager(im.pool, im.log)
	dbVersion, err := mgr.Version(ctx)
	if err != nil {
		return err
	}
	if dbVersion == 0 {
		im.log.Warn("database has no recorded schema version, recording runtime version",
			"version", gamedb.SchemaVersion)
		if err := mgr.RecordVersion(ctx); err != nil {
			return err
		}
		dbVersion = gamedb.SchemaVersion
	}
	if dbVersion != snapVersion {
		return fmt.Errorf("schema version mismatch: snapshot %d, database %d (run migrate first)",
			snapVersion, dbVersion)
	}
	return nil
}

// Target tables in FK-safe insert order. Deletes run in reverse.
var importTables = []string{"players", "player_attributes", "player_event_seq", "core_ledger"}

// freshAtomic replaces the current state inside a single transaction:
// readers block briefly, and any failure rolls everything back.
func (im *Importer) freshAtomic(ctx context.Context, snap *contents, skipFK bool) error {
	conn, err := im.pool.DB().Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if skipFK {
		im.log.Warn("disabling foreign key checks for fresh load", "op", "snapshot.import")
		if _, err := conn.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 0"); err != nil {
			return err
		}
		defer conn.ExecContext(ctx, "SET FOREIGN_KEY_CHECKS = 1")
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i := len(importTables) - 1; i >= 0; i-- {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+importTables[i]); err != nil {
			return fmt.Errorf("clear %s: %w", importTables[i], err)
		}
	}
	if err := insertAll(ctx, tx, snap, ""); err != nil {
		return err
	}
	return tx.Commit()
}

// freshStaging loads into shadow tables created with LIKE under a random
// suffix, then replaces the primary tables' contents from them in one
// transaction. The primary tables stay in place, constraints included; the
// staging tables are dropped on every exit path.
func (im *Importer) freshStaging(ctx context.Context, snap *contents) error {
	var raw [4]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return err
	}
	suffix := "_stg_" + hex.EncodeToString(raw[:])

	conn, err := im.pool.DB().Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	defer func() {
		// Best effort cleanup of whatever staging tables remain.
		for _, t := range importTables {
			conn.ExecContext(ctx, "DROP TABLE IF EXISTS "+t+suffix)
		}
	}()

	for _, t := range importTables {
		if _, err := conn.ExecContext(ctx,
			"CREATE TABLE "+t+suffix+" LIKE "+t); err != nil {
			return fmt.Errorf("create staging %s: %w", t, err)
		}
	}

	// Stage the full load first; a bad snapshot fails here without touching
	// the primary tables.
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := insertAll(ctx, tx, snap, suffix); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	// Cut over: empty the primary tables and copy the staged rows across in
	// FK-safe order, all inside one transaction.
	tx, err = conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for i := len(importTables) - 1; i >= 0; i-- {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+importTables[i]); err != nil {
			return fmt.Errorf("clear %s: %w", importTables[i], err)
		}
	}
	for _, t := range importTables {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO "+t+" SELECT * FROM "+t+suffix); err != nil {
			return fmt.Errorf("load %s from staging: %w", t, err)
		}
	}
	return tx.Commit()
}

// merge folds the snapshot into the current state. Colliding rows are kept
// unless overwrite is set, sequence counters only move forward, and ledger
// rows already present (same ts, module, op, seq, reason) are skipped, or
// deleted and re-inserted when overwrite is set.
func (im *Importer) merge(ctx context.Context, snap *contents, overwrite bool) error {
	tx, err := im.pool.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	playerStmt := `
		INSERT IGNORE INTO players (uuid, name, balance, created_at, updated_at, seen_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	attrStmt := `
		INSERT IGNORE INTO player_attributes (owner_uuid, attr_key, value_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`
	if overwrite {
		playerStmt = `
			INSERT INTO players (uuid, name, balance, created_at, updated_at, seen_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				name = VALUES(name), balance = VALUES(balance),
				updated_at = VALUES(updated_at), seen_at = VALUES(seen_at)`
		attrStmt = `
			INSERT INTO player_attributes (owner_uuid, attr_key, value_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				value_json = VALUES(value_json), updated_at = VALUES(updated_at)`
	}

	for _, p := range snap.players {
		id, err := parseUUID(p.UUID)
		if err != nil {
			return fmt.Errorf("player %q: %w", p.UUID, err)
		}
		var seenAt sql.NullInt64
		if p.SeenAt != nil {
			seenAt = sql.NullInt64{Int64: *p.SeenAt, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, playerStmt,
			id, p.Name, p.Balance, p.CreatedAt, p.UpdatedAt, seenAt); err != nil {
			return err
		}
	}
	for _, a := range snap.attributes {
		owner, err := parseUUID(a.Owner)
		if err != nil {
			return fmt.Errorf("attribute owner %q: %w", a.Owner, err)
		}
		if _, err := tx.ExecContext(ctx, attrStmt,
			owner, a.Key, []byte(a.Value), a.CreatedAt, a.UpdatedAt); err != nil {
			return err
		}
	}
	for _, s := range snap.seqs {
		id, err := parseUUID(s.UUID)
		if err != nil {
			return fmt.Errorf("seq %q: %w", s.UUID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO player_event_seq (uuid, seq) VALUES (?, ?)
			ON DUPLICATE KEY UPDATE seq = GREATEST(seq, VALUES(seq))`,
			id, s.Seq); err != nil {
			return err
		}
	}
	for _, l := range snap.ledger {
		var exists int
		err := tx.QueryRowContext(ctx, `
			SELECT 1 FROM core_ledger
			WHERE ts = ? AND module_id = ? AND op = ? AND seq = ? AND reason = ?
			LIMIT 1`,
			l.TS, l.ModuleID, l.Op, l.Seq, l.Reason).Scan(&exists)
		switch {
		case err == nil && !overwrite:
			continue
		case err == nil:
			// Overwrite replaces the known row with the snapshot's copy.
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM core_ledger
				WHERE ts = ? AND module_id = ? AND op = ? AND seq = ? AND reason = ?`,
				l.TS, l.ModuleID, l.Op, l.Seq, l.Reason); err != nil {
				return err
			}
		case err != sql.ErrNoRows:
			return err
		}
		if err := insertLedgerLine(ctx, tx, "", l); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// execer is what insertAll needs from either *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAll(ctx context.Context, tx execer, snap *contents, suffix string) error {
	for _, p := range snap.players {
		id, err := parseUUID(p.UUID)
		if err != nil {
			return fmt.Errorf("player %q: %w", p.UUID, err)
		}
		var seenAt sql.NullInt64
		if p.SeenAt != nil {
			seenAt = sql.NullInt64{Int64: *p.SeenAt, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO players`+suffix+` (uuid, name, balance, created_at, updated_at, seen_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, p.Name, p.Balance, p.CreatedAt, p.UpdatedAt, seenAt); err != nil {
			return fmt.Errorf("insert player %s: %w", p.UUID, err)
		}
	}
	for _, a := range snap.attributes {
		owner, err := parseUUID(a.Owner)
		if err != nil {
			return fmt.Errorf("attribute owner %q: %w", a.Owner, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO player_attributes`+suffix+` (owner_uuid, attr_key, value_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			owner, a.Key, []byte(a.Value), a.CreatedAt, a.UpdatedAt); err != nil {
			return fmt.Errorf("insert attribute %s/%s: %w", a.Owner, a.Key, err)
		}
	}
	for _, s := range snap.seqs {
		id, err := parseUUID(s.UUID)
		if err != nil {
			return fmt.Errorf("seq %q: %w", s.UUID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO player_event_seq`+suffix+` (uuid, seq) VALUES (?, ?)`,
			id, s.Seq); err != nil {
			return fmt.Errorf("insert seq %s: %w", s.UUID, err)
		}
	}
	for _, l := range snap.ledger {
		if err := insertLedgerLine(ctx, tx, suffix, l); err != nil {
			return err
		}
	}
	return nil
}

func insertLedgerLine(ctx context.Context, tx execer, suffix string, l LedgerLine) error {
	var from, to, keyHash []byte
	if l.From != "" {
		id, err := parseUUID(l.From)
		if err != nil {
			return fmt.Errorf("ledger from %q: %w", l.From, err)
		}
		from = id
	}
	if l.To != "" {
		id, err := parseUUID(l.To)
		if err != nil {
			return fmt.Errorf("ledger to %q: %w", l.To, err)
		}
		to = id
	}
	if l.IdemKeyHash != "" {
		raw, err := hex.DecodeString(l.IdemKeyHash)
		if err != nil {
			return fmt.Errorf("ledger key hash %q: %w", l.IdemKeyHash, err)
		}
		keyHash = raw
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO core_ledger`+suffix+`
			(ts, module_id, op, from_uuid, to_uuid, amount, reason, ok, code,
			 seq, idem_scope, idem_key_hash, old_units, new_units, server_node, extra_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.TS, l.ModuleID, l.Op, from, to, l.Amount, l.Reason, l.OK,
		nullString(l.Code), l.Seq, nullString(l.IdemScope), keyHash,
		nullInt(l.OldUnits), nullInt(l.NewUnits),
		nullString(l.ServerNode), nullString(l.ExtraJSON))
	if err != nil {
		return fmt.Errorf("insert ledger row ts=%d seq=%d: %w", l.TS, l.Seq, err)
	}
	return nil
}

func parseUUID(s string) ([]byte, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return nil, err
	}
	return id[:], nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
