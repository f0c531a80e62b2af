// Package testdb opens a throwaway database pool for integration tests.
// Tests that need a live MariaDB skip unless GAMECORE_TEST_DSN is set, e.g.
//
//	GAMECORE_TEST_DSN='gamecore:gamecore@tcp(127.0.0.1:3306)/gamecore_test'
//
// The schema is applied on open and core tables are emptied per test.
package testdb

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"

	"github.com/orecraft/gamecore/internal/gamedb"
)

// Open returns a pool bound to the test database, with the schema applied.
func Open(t *testing.T) *gamedb.Pool {
	t.Helper()
	dsn := os.Getenv("GAMECORE_TEST_DSN")
	if dsn == "" {
		t.Skip("GAMECORE_TEST_DSN not set, skipping database-backed test")
	}

	mc, err := mysql.ParseDSN(dsn)
	require.NoError(t, err, "parse GAMECORE_TEST_DSN")
	host, portStr, err := net.SplitHostPort(mc.Addr)
	require.NoError(t, err, "split DSN address")
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := gamedb.Open(ctx, gamedb.Config{
		Host:     host,
		Port:     port,
		Database: mc.DBName,
		User:     mc.User,
		Password: mc.Passwd,
		ForceUTC: true,
	}, log)
	require.NoError(t, err, "open test pool")
	t.Cleanup(func() { pool.Close() })

	require.NoError(t, gamedb.NewSchemaManager(pool, log).Apply(ctx), "apply schema")
	Clean(t, pool)
	return pool
}

// Clean empties every core table, child tables first.
func Clean(t *testing.T, pool *gamedb.Pool) {
	t.Helper()
	ctx := context.Background()
	for _, table := range []string{
		"core_ledger", "player_attributes", "player_event_seq", "core_requests", "players",
	} {
		_, err := pool.DB().ExecContext(ctx, "DELETE FROM "+table)
		require.NoError(t, err, "clean %s", table)
	}
}
