package snapshot_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orecraft/gamecore/internal/gamedb"
	"github.com/orecraft/gamecore/internal/idempotency"
	"github.com/orecraft/gamecore/internal/players"
	"github.com/orecraft/gamecore/internal/snapshot"
	"github.com/orecraft/gamecore/internal/testdb"
	"github.com/orecraft/gamecore/internal/wallet"
)

type roundtripFixture struct {
	pool     *gamedb.Pool
	exporter *snapshot.Exporter
	importer *snapshot.Importer
	engine   *wallet.Engine
	alice    uuid.UUID
	bob      uuid.UUID
}

func newRoundtripFixture(t *testing.T) *roundtripFixture {
	t.Helper()
	pool := testdb.Open(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := idempotency.NewRegistry(pool, log)
	directory := players.NewDirectory(pool, log)

	f := &roundtripFixture{
		pool:     pool,
		exporter: snapshot.NewExporter(pool, log),
		importer: snapshot.NewImporter(pool, log),
		engine:   wallet.NewEngine(pool, registry, nil, "test-node", log),
		alice:    uuid.New(),
		bob:      uuid.New(),
	}

	ctx := context.Background()
	require.NoError(t, directory.Ensure(ctx, f.alice, "Alice"))
	require.NoError(t, directory.Ensure(ctx, f.bob, "Bob"))
	_, err := f.engine.Deposit(ctx, f.alice, 1000, "grant", "")
	require.NoError(t, err)
	_, err = f.engine.Transfer(ctx, f.alice, f.bob, 300, "trade", "")
	require.NoError(t, err)
	return f
}

func (f *roundtripFixture) balance(t *testing.T, id uuid.UUID) int64 {
	t.Helper()
	b, err := f.engine.Balance(context.Background(), id)
	require.NoError(t, err)
	return b
}

func (f *roundtripFixture) ledgerCount(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, f.pool.DB().QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM core_ledger").Scan(&n))
	return n
}

func TestExportRestoreRoundTrip(t *testing.T) {
	f := newRoundtripFixture(t)
	ctx := context.Background()
	dir := t.TempDir()

	res, err := f.exporter.Export(ctx, dir, false)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Rows[snapshot.TablePlayers])
	assert.Equal(t, 3, res.Rows[snapshot.TableLedger])
	assert.FileExists(t, res.Path+".sha256")

	ledgerBefore := f.ledgerCount(t)

	// Damage the live state, then restore.
	_, err = f.engine.Deposit(ctx, f.bob, 9999, "should vanish", "")
	require.NoError(t, err)

	out, err := f.importer.Import(ctx, dir, snapshot.Options{Mode: snapshot.ModeFresh})
	require.NoError(t, err)
	assert.Equal(t, res.Path, out.Path)

	assert.Equal(t, int64(700), f.balance(t, f.alice))
	assert.Equal(t, int64(300), f.balance(t, f.bob))
	assert.Equal(t, ledgerBefore, f.ledgerCount(t))

	// Post-restore writes pick the sequence up where the snapshot left it.
	r, err := f.engine.Deposit(ctx, f.bob, 1, "after restore", "")
	require.NoError(t, err)
	var seq uint64
	require.NoError(t, f.pool.DB().QueryRowContext(ctx,
		"SELECT seq FROM player_event_seq WHERE uuid = ?", f.bob[:]).Scan(&seq))
	assert.Equal(t, uint64(2), seq)
	assert.Equal(t, int64(301), r.NewBalances[f.bob])
}

func TestRestoreGzipWithStaging(t *testing.T) {
	f := newRoundtripFixture(t)
	ctx := context.Background()
	dir := t.TempDir()

	res, err := f.exporter.Export(ctx, dir, true)
	require.NoError(t, err)
	assert.Contains(t, res.Path, ".jsonl.gz")

	_, err = f.importer.Import(ctx, res.Path, snapshot.Options{
		Mode:    snapshot.ModeFresh,
		Staging: true,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(700), f.balance(t, f.alice))

	// No staging leftovers.
	var leftovers int
	require.NoError(t, f.pool.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM information_schema.TABLES
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME LIKE '%\_stg\_%'`).Scan(&leftovers))
	assert.Zero(t, leftovers)

	// The attributes foreign key survives the staged restore.
	var fks int
	require.NoError(t, f.pool.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM information_schema.TABLE_CONSTRAINTS
		WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = 'player_attributes'
		  AND CONSTRAINT_TYPE = 'FOREIGN KEY'`).Scan(&fks))
	assert.Equal(t, 1, fks)
}

func TestRestoreRecordsMissingSchemaVersion(t *testing.T) {
	f := newRoundtripFixture(t)
	ctx := context.Background()
	dir := t.TempDir()

	res, err := f.exporter.Export(ctx, dir, false)
	require.NoError(t, err)

	// A database whose version table was wiped (or never written) gets the
	// runtime version recorded before the gate runs.
	_, err = f.pool.DB().ExecContext(ctx, "DELETE FROM core_schema_version")
	require.NoError(t, err)

	out, err := f.importer.Import(ctx, res.Path, snapshot.Options{Mode: snapshot.ModeFresh})
	require.NoError(t, err)
	assert.Equal(t, gamedb.SchemaVersion, out.SchemaVersion)

	var recorded int
	require.NoError(t, f.pool.DB().QueryRowContext(ctx,
		"SELECT MAX(version) FROM core_schema_version").Scan(&recorded))
	assert.Equal(t, gamedb.SchemaVersion, recorded)
}

func TestRestoreRefusesTamperedSnapshot(t *testing.T) {
	f := newRoundtripFixture(t)
	ctx := context.Background()
	dir := t.TempDir()

	res, err := f.exporter.Export(ctx, dir, false)
	require.NoError(t, err)

	// Append a line after the checksum was written.
	file, err := openAppend(res.Path)
	require.NoError(t, err)
	_, err = file.WriteString("\n")
	require.NoError(t, err)
	require.NoError(t, file.Close())

	_, err = f.importer.Import(ctx, res.Path, snapshot.Options{Mode: snapshot.ModeFresh})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum")
}

func openAppend(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
}

func TestMergeKeepsAndFolds(t *testing.T) {
	f := newRoundtripFixture(t)
	ctx := context.Background()
	dir := t.TempDir()

	_, err := f.exporter.Export(ctx, dir, false)
	require.NoError(t, err)

	// Local state moves on after the export.
	_, err = f.engine.Deposit(ctx, f.bob, 50, "local progress", "")
	require.NoError(t, err)
	ledgerBefore := f.ledgerCount(t)

	// Without overwrite, merge keeps local rows and skips known ledger
	// entries; the sequence counter never regresses.
	out, err := f.importer.Import(ctx, dir, snapshot.Options{Mode: snapshot.ModeMerge})
	require.NoError(t, err)
	assert.Equal(t, snapshot.ModeMerge, out.Mode)

	assert.Equal(t, int64(350), f.balance(t, f.bob), "merge without overwrite keeps local state")
	assert.Equal(t, ledgerBefore, f.ledgerCount(t), "known ledger rows are not duplicated")

	var seq uint64
	require.NoError(t, f.pool.DB().QueryRowContext(ctx,
		"SELECT seq FROM player_event_seq WHERE uuid = ?", f.bob[:]).Scan(&seq))
	assert.Equal(t, uint64(2), seq)

	// Tamper with a ledger row the snapshot also carries. Overwrite must
	// replace it with the snapshot's copy instead of skipping it.
	_, err = f.pool.DB().ExecContext(ctx,
		"UPDATE core_ledger SET ok = 0 WHERE reason = 'grant'")
	require.NoError(t, err)

	// With overwrite, the snapshot wins.
	_, err = f.importer.Import(ctx, dir, snapshot.Options{
		Mode:      snapshot.ModeMerge,
		Overwrite: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(300), f.balance(t, f.bob))

	var grantOK bool
	require.NoError(t, f.pool.DB().QueryRowContext(ctx,
		"SELECT ok FROM core_ledger WHERE reason = 'grant'").Scan(&grantOK))
	assert.True(t, grantOK, "overwrite restores the snapshot's ledger row")
	assert.Equal(t, ledgerBefore, f.ledgerCount(t), "replacement does not duplicate rows")
}
