package gamedb

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestPool mirrors internal/testdb without importing it (testdb imports
// this package).
func openTestPool(t *testing.T) *Pool {
	t.Helper()
	dsn := os.Getenv("GAMECORE_TEST_DSN")
	if dsn == "" {
		t.Skip("GAMECORE_TEST_DSN not set, skipping database-backed test")
	}
	mc, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(mc.Addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool, err := Open(ctx, Config{
		Host: host, Port: port, Database: mc.DBName,
		User: mc.User, Password: mc.Passwd, ForceUTC: true,
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestDegradedModeGatesWrites(t *testing.T) {
	pool := openTestPool(t)

	require.NoError(t, pool.CheckWritable("test.op"))

	pool.MarkDegraded("test.op", errors.New("connection dropped"))
	assert.False(t, pool.Healthy())

	err := pool.CheckWritable("test.op")
	require.Error(t, err)
	assert.Equal(t, CodeDegradedMode, CodeOf(err))

	// A successful probe restores write access.
	require.NoError(t, pool.Probe(context.Background()))
	assert.True(t, pool.Healthy())
	assert.NoError(t, pool.CheckWritable("test.op"))
}

func TestWithRetryRecoversFromDeadlocks(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	deadlock := mysqlErr(1213, "40001")
	attempts := 0
	err := pool.WithRetry(ctx, "test.op", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return deadlock
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetryExhaustsAndClassifies(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	attempts := 0
	err := pool.WithRetry(ctx, "test.op", func(ctx context.Context) error {
		attempts++
		return mysqlErr(1213, "40001")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, CodeDeadlockRetryExhausted, CodeOf(err))
	assert.True(t, pool.Healthy(), "deadlocks must not degrade the pool")
}

func TestWithRetryDoesNotRetryOtherErrors(t *testing.T) {
	pool := openTestPool(t)
	t.Cleanup(func() { _ = pool.Probe(context.Background()) })
	ctx := context.Background()

	attempts := 0
	err := pool.WithRetry(ctx, "test.op", func(ctx context.Context) error {
		attempts++
		return errors.New("broken pipe")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, CodeConnectionLost, CodeOf(err))
	assert.False(t, pool.Healthy(), "connection loss flips the pool to degraded")
}

func TestWithRetryBusinessErrorsPassThrough(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	want := E(CodeInsufficientFunds, "test.op", "short")
	err := pool.WithRetry(ctx, "test.op", func(ctx context.Context) error {
		return want
	})
	require.Error(t, err)
	assert.Equal(t, CodeInsufficientFunds, CodeOf(err))
	assert.True(t, pool.Healthy())
}

func TestAdvisoryLockExclusivity(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()

	first, err := pool.TryLock(ctx, "gamecore:test:excl")
	require.NoError(t, err)
	require.NotNil(t, first)

	// The same name is busy while held, even from the same pool: GET_LOCK
	// is session-scoped and every lock pins its own session.
	second, err := pool.TryLock(ctx, "gamecore:test:excl")
	require.NoError(t, err)
	assert.Nil(t, second)

	first.Release(ctx)
	third, err := pool.TryLock(ctx, "gamecore:test:excl")
	require.NoError(t, err)
	require.NotNil(t, third)
	third.Release(ctx)

	// Double release is harmless.
	third.Release(ctx)
}

func TestSchemaApplyIsIdempotent(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()
	mgr := NewSchemaManager(pool, nil)

	require.NoError(t, mgr.Apply(ctx))
	require.NoError(t, mgr.Apply(ctx))

	version, err := mgr.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)

	pending, err := mgr.Check(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
