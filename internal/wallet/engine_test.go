package wallet_test

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orecraft/gamecore/internal/gamedb"
	"github.com/orecraft/gamecore/internal/idempotency"
	"github.com/orecraft/gamecore/internal/players"
	"github.com/orecraft/gamecore/internal/testdb"
	"github.com/orecraft/gamecore/internal/wallet"
)

type walletFixture struct {
	pool    *gamedb.Pool
	engine  *wallet.Engine
	players *players.Directory
}

func newWalletFixture(t *testing.T) *walletFixture {
	t.Helper()
	pool := testdb.Open(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := idempotency.NewRegistry(pool, log)
	return &walletFixture{
		pool:    pool,
		engine:  wallet.NewEngine(pool, registry, nil, "test-node", log),
		players: players.NewDirectory(pool, log),
	}
}

func (f *walletFixture) newPlayer(t *testing.T, name string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, f.players.Ensure(context.Background(), id, name))
	return id
}

func (f *walletFixture) balance(t *testing.T, id uuid.UUID) int64 {
	t.Helper()
	b, err := f.engine.Balance(context.Background(), id)
	require.NoError(t, err)
	return b
}

func TestDepositWithdrawTransfer(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	alice := f.newPlayer(t, "Alice")
	bob := f.newPlayer(t, "Bob")

	r, err := f.engine.Deposit(ctx, alice, 1000, "starting grant", "")
	require.NoError(t, err)
	assert.False(t, r.Replayed)
	assert.Equal(t, int64(1000), r.NewBalances[alice])
	assert.Equal(t, int64(1000), f.balance(t, alice))

	r, err = f.engine.Withdraw(ctx, alice, 300, "shop purchase", "")
	require.NoError(t, err)
	assert.Equal(t, int64(700), r.NewBalances[alice])

	r, err = f.engine.Transfer(ctx, alice, bob, 200, "trade", "")
	require.NoError(t, err)
	assert.Equal(t, int64(500), r.NewBalances[alice])
	assert.Equal(t, int64(200), r.NewBalances[bob])
	assert.Equal(t, int64(500), f.balance(t, alice))
	assert.Equal(t, int64(200), f.balance(t, bob))
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	alice := f.newPlayer(t, "Alice")

	_, err := f.engine.Deposit(ctx, alice, 100, "grant", "")
	require.NoError(t, err)

	_, err = f.engine.Withdraw(ctx, alice, 101, "too much", "")
	require.Error(t, err)
	assert.Equal(t, gamedb.CodeInsufficientFunds, gamedb.CodeOf(err))
	assert.Equal(t, int64(100), f.balance(t, alice), "failed withdraw must not move money")

	// Withdrawing to exactly zero is allowed.
	_, err = f.engine.Withdraw(ctx, alice, 100, "all of it", "")
	require.NoError(t, err)
	assert.Zero(t, f.balance(t, alice))
}

func TestTransferInsufficientFundsIsAtomic(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	alice := f.newPlayer(t, "Alice")
	bob := f.newPlayer(t, "Bob")

	_, err := f.engine.Deposit(ctx, alice, 50, "grant", "")
	require.NoError(t, err)

	_, err = f.engine.Transfer(ctx, alice, bob, 60, "too much", "")
	require.Error(t, err)
	assert.Equal(t, gamedb.CodeInsufficientFunds, gamedb.CodeOf(err))
	assert.Equal(t, int64(50), f.balance(t, alice))
	assert.Zero(t, f.balance(t, bob))
}

func TestNegativeAmountRejected(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	alice := f.newPlayer(t, "Alice")

	_, err := f.engine.Deposit(ctx, alice, -1, "nope", "")
	require.Error(t, err)
	assert.Equal(t, gamedb.CodeInvalidAmount, gamedb.CodeOf(err))
}

func TestDepositOverflowRejected(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	alice := f.newPlayer(t, "Alice")

	_, err := f.engine.Deposit(ctx, alice, math.MaxInt64, "huge", "")
	require.NoError(t, err)

	_, err = f.engine.Deposit(ctx, alice, 1, "one more", "")
	require.Error(t, err)
	assert.Equal(t, gamedb.CodeInvalidAmount, gamedb.CodeOf(err))
	assert.Equal(t, int64(math.MaxInt64), f.balance(t, alice))
}

func TestUnknownPlayer(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()

	_, err := f.engine.Deposit(ctx, uuid.New(), 10, "ghost", "")
	require.Error(t, err)
	assert.Equal(t, gamedb.CodeUnknownPlayer, gamedb.CodeOf(err))

	_, err = f.engine.Deposit(ctx, uuid.Nil, 10, "nil", "")
	require.Error(t, err)
	assert.Equal(t, gamedb.CodeUnknownPlayer, gamedb.CodeOf(err))

	_, err = f.engine.Balance(ctx, uuid.New())
	require.Error(t, err)
	assert.Equal(t, gamedb.CodeUnknownPlayer, gamedb.CodeOf(err))
}

func TestSelfTransferIsNoOp(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	alice := f.newPlayer(t, "Alice")

	_, err := f.engine.Deposit(ctx, alice, 100, "grant", "")
	require.NoError(t, err)

	r, err := f.engine.Transfer(ctx, alice, alice, 40, "to myself", "")
	require.NoError(t, err)
	assert.False(t, r.Replayed)
	assert.Empty(t, r.NewBalances)
	assert.Equal(t, int64(100), f.balance(t, alice))
}

func TestIdempotentReplay(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	alice := f.newPlayer(t, "Alice")

	first, err := f.engine.Deposit(ctx, alice, 500, "quest reward", "quest-42")
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	// Same key, same payload: the deposit applies exactly once.
	second, err := f.engine.Deposit(ctx, alice, 500, "quest reward", "quest-42")
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Empty(t, second.NewBalances)
	assert.Equal(t, int64(500), f.balance(t, alice))
}

func TestIdempotencyKeyMismatch(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	alice := f.newPlayer(t, "Alice")

	_, err := f.engine.Deposit(ctx, alice, 500, "quest reward", "quest-42")
	require.NoError(t, err)

	// Same key, different amount: a client bug, not a replay.
	_, err = f.engine.Deposit(ctx, alice, 600, "quest reward", "quest-42")
	require.Error(t, err)
	assert.Equal(t, gamedb.CodeIdempotencyMismatch, gamedb.CodeOf(err))
	assert.Equal(t, int64(500), f.balance(t, alice))
}

func TestReasonNormalizationOnReplay(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	alice := f.newPlayer(t, "Alice")

	_, err := f.engine.Deposit(ctx, alice, 10, "Daily Bonus", "day-1")
	require.NoError(t, err)

	// Case and surrounding whitespace differences still count as a replay.
	r, err := f.engine.Deposit(ctx, alice, 10, "  daily bonus ", "day-1")
	require.NoError(t, err)
	assert.True(t, r.Replayed)
}

func TestLedgerRowsPerParticipant(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	alice := f.newPlayer(t, "Alice")
	bob := f.newPlayer(t, "Bob")

	_, err := f.engine.Deposit(ctx, alice, 100, "grant", "")
	require.NoError(t, err)
	_, err = f.engine.Transfer(ctx, alice, bob, 30, "trade", "")
	require.NoError(t, err)

	var total int
	require.NoError(t, f.pool.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM core_ledger WHERE module_id = 'wallet'").Scan(&total))
	assert.Equal(t, 3, total, "deposit writes one row, transfer one per participant")

	// Each participant's rows carry a consistent old/new delta.
	rows, err := f.pool.DB().QueryContext(ctx, `
		SELECT old_units, new_units, amount, op FROM core_ledger
		WHERE op = 'transfer' ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	var deltaSum int64
	for rows.Next() {
		var oldUnits, newUnits, amount int64
		var op string
		require.NoError(t, rows.Scan(&oldUnits, &newUnits, &amount, &op))
		assert.Equal(t, int64(30), amount)
		deltaSum += newUnits - oldUnits
	}
	require.NoError(t, rows.Err())
	assert.Zero(t, deltaSum, "transfer deltas must cancel out")
}

func TestPerPlayerSequenceIsMonotonic(t *testing.T) {
	f := newWalletFixture(t)
	ctx := context.Background()
	alice := f.newPlayer(t, "Alice")

	for i := 0; i < 5; i++ {
		_, err := f.engine.Deposit(ctx, alice, 10, "tick", "")
		require.NoError(t, err)
	}

	rows, err := f.pool.DB().QueryContext(ctx, `
		SELECT seq FROM core_ledger WHERE to_uuid = ? ORDER BY id`, alice[:])
	require.NoError(t, err)
	defer rows.Close()
	var prev uint64
	for rows.Next() {
		var seq uint64
		require.NoError(t, rows.Scan(&seq))
		assert.Equal(t, prev+1, seq)
		prev = seq
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, uint64(5), prev)
}
