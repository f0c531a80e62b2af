package snapshot

import (
	"bufio"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orecraft/gamecore/internal/gamedb"
)

// Exporter streams a consistent snapshot to disk.
type Exporter struct {
	pool *gamedb.Pool
	log  *slog.Logger
}

// NewExporter binds the exporter to the pool.
func NewExporter(pool *gamedb.Pool, log *slog.Logger) *Exporter {
	if log == nil {
		log = slog.Default()
	}
	return &Exporter{pool: pool, log: log}
}

// ExportResult describes one written snapshot.
type ExportResult struct {
	Path     string         `json:"path"`
	Checksum string         `json:"checksum"`
	Rows     map[string]int `json:"rows"`
}

// Export writes snapshot-<UTC timestamp>.jsonl (or .jsonl.gz) into dir, plus
// a .sha256 sidecar over the final file bytes. All table reads happen inside
// one REPEATABLE READ read-only transaction, so the snapshot is a single
// point-in-time cut even while the server keeps committing.
func (e *Exporter) Export(ctx context.Context, dir string, gzipOut bool) (*ExportResult, error) {
	op := "snapshot.export"
	defer e.pool.Track(op)()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	name := "snapshot-" + time.Now().UTC().Format("20060102-150405") + ".jsonl"
	if gzipOut {
		name += ".gz"
	}
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}
	defer func() {
		f.Close()
		os.Remove(tmp)
	}()

	// The checksum covers the bytes on disk, compressed or not, so the
	// sidecar can be verified with plain sha256sum.
	hasher := sha256.New()
	var w io.Writer = io.MultiWriter(f, hasher)
	var gz *gzip.Writer
	if gzipOut {
		gz = gzip.NewWriter(w)
		w = gz
	}
	buf := bufio.NewWriterSize(w, 256*1024)

	rows, err := e.write(ctx, buf)
	if err != nil {
		return nil, e.pool.ObserveError(op, err)
	}
	if err := buf.Flush(); err != nil {
		return nil, fmt.Errorf("flush snapshot: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return nil, fmt.Errorf("finish gzip: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("finalize snapshot: %w", err)
	}

	checksum, err := writeSidecar(path, hasher)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, n := range rows {
		total += n
	}
	e.log.Info("snapshot written", "op", op, "path", path, "rows", total, "checksum", checksum[:12])
	return &ExportResult{Path: path, Checksum: checksum, Rows: rows}, nil
}

func writeSidecar(path string, hasher hash.Hash) (string, error) {
	checksum := hex.EncodeToString(hasher.Sum(nil))
	line := checksum + "  " + filepath.Base(path) + "\n"
	if err := os.WriteFile(path+".sha256", []byte(line), 0o644); err != nil {
		return "", fmt.Errorf("write checksum sidecar: %w", err)
	}
	return checksum, nil
}

func (e *Exporter) write(ctx context.Context, w *bufio.Writer) (map[string]int, error) {
	tx, err := e.pool.DB().BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelRepeatableRead,
		ReadOnly:  true,
	})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var version sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		"SELECT MAX(version) FROM core_schema_version").Scan(&version); err != nil {
		return nil, err
	}
	schemaVersion := int(version.Int64)
	if schemaVersion == 0 {
		schemaVersion = gamedb.SchemaVersion
	}

	enc := json.NewEncoder(w)
	if err := enc.Encode(NewHeader(schemaVersion)); err != nil {
		return nil, err
	}

	rows := map[string]int{}
	if rows[TablePlayers], err = e.writePlayers(ctx, tx, enc); err != nil {
		return nil, err
	}
	if rows[TableAttributes], err = e.writeAttributes(ctx, tx, enc); err != nil {
		return nil, err
	}
	if rows[TableSeq], err = e.writeSeqs(ctx, tx, enc); err != nil {
		return nil, err
	}
	if rows[TableLedger], err = e.writeLedger(ctx, tx, enc); err != nil {
		return nil, err
	}
	return rows, nil
}

func (e *Exporter) writePlayers(ctx context.Context, tx *sql.Tx, enc *json.Encoder) (int, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT uuid, name, balance, created_at, updated_at, seen_at
		FROM players ORDER BY uuid`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var id []byte
		var seenAt sql.NullInt64
		line := PlayerLine{Table: TablePlayers}
		if err := rows.Scan(&id, &line.Name, &line.Balance,
			&line.CreatedAt, &line.UpdatedAt, &seenAt); err != nil {
			return n, err
		}
		line.UUID = uuidString(id)
		if seenAt.Valid {
			line.SeenAt = &seenAt.Int64
		}
		if err := enc.Encode(line); err != nil {
			return n, err
		}
		n++
	}
	return n, rows.Err()
}

func (e *Exporter) writeAttributes(ctx context.Context, tx *sql.Tx, enc *json.Encoder) (int, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT owner_uuid, attr_key, value_json, created_at, updated_at
		FROM player_attributes ORDER BY owner_uuid, attr_key`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var owner, value []byte
		line := AttributeLine{Table: TableAttributes}
		if err := rows.Scan(&owner, &line.Key, &value,
			&line.CreatedAt, &line.UpdatedAt); err != nil {
			return n, err
		}
		line.Owner = uuidString(owner)
		line.Value = json.RawMessage(value)
		if err := enc.Encode(line); err != nil {
			return n, err
		}
		n++
	}
	return n, rows.Err()
}

func (e *Exporter) writeSeqs(ctx context.Context, tx *sql.Tx, enc *json.Encoder) (int, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT uuid, seq FROM player_event_seq ORDER BY uuid")
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var id []byte
		line := SeqLine{Table: TableSeq}
		if err := rows.Scan(&id, &line.Seq); err != nil {
			return n, err
		}
		line.UUID = uuidString(id)
		if err := enc.Encode(line); err != nil {
			return n, err
		}
		n++
	}
	return n, rows.Err()
}

func (e *Exporter) writeLedger(ctx context.Context, tx *sql.Tx, enc *json.Encoder) (int, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT ts, module_id, op, from_uuid, to_uuid, amount, reason, ok, code,
		       seq, idem_scope, idem_key_hash, old_units, new_units, server_node, extra_json
		FROM core_ledger ORDER BY id`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		var from, to, keyHash []byte
		var code, idemScope, serverNode, extraJSON sql.NullString
		var oldUnits, newUnits sql.NullInt64
		line := LedgerLine{Table: TableLedger}
		if err := rows.Scan(&line.TS, &line.ModuleID, &line.Op, &from, &to,
			&line.Amount, &line.Reason, &line.OK, &code, &line.Seq,
			&idemScope, &keyHash, &oldUnits, &newUnits, &serverNode, &extraJSON); err != nil {
			return n, err
		}
		line.From = uuidString(from)
		line.To = uuidString(to)
		line.Code = code.String
		line.IdemScope = idemScope.String
		line.ServerNode = serverNode.String
		line.ExtraJSON = extraJSON.String
		if len(keyHash) > 0 {
			line.IdemKeyHash = hex.EncodeToString(keyHash)
		}
		if oldUnits.Valid {
			line.OldUnits = &oldUnits.Int64
		}
		if newUnits.Valid {
			line.NewUnits = &newUnits.Int64
		}
		if err := enc.Encode(line); err != nil {
			return n, err
		}
		n++
	}
	return n, rows.Err()
}

// uuidString renders a BINARY(16) column canonically, or "" when NULL.
func uuidString(b []byte) string {
	if len(b) != 16 {
		return ""
	}
	id, err := uuid.FromBytes(b)
	if err != nil {
		return ""
	}
	return id.String()
}

// Prune deletes snapshots older than keepDays or beyond the newest keepMax,
// along with their sidecars. The exempt path (normally the file just
// written) is never pruned. Either limit can be 0 to disable it.
func (e *Exporter) Prune(dir string, keepDays, keepMax int, exempt string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read snapshot dir: %w", err)
	}

	type candidate struct {
		path string
		mod  time.Time
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
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, candidate{filepath.Join(dir, name), info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })

	cutoff := time.Time{}
	if keepDays > 0 {
		cutoff = time.Now().Add(-time.Duration(keepDays) * 24 * time.Hour)
	}
	pruned := 0
	for i, c := range files {
		if exempt != "" && c.path == exempt {
			continue
		}
		tooMany := keepMax > 0 && i >= keepMax
		tooOld := !cutoff.IsZero() && c.mod.Before(cutoff)
		if !tooMany && !tooOld {
			continue
		}
		if err := os.Remove(c.path); err != nil {
			e.log.Warn("snapshot prune failed", "path", c.path, "error", err)
			continue
		}
		os.Remove(c.path + ".sha256")
		pruned++
	}
	if pruned > 0 {
		e.log.Info("snapshots pruned", "dir", dir, "count", pruned)
	}
	return pruned, nil
}
