// Package wallet is the balance mutation engine: idempotent deposit,
// withdraw, and transfer with ordered row locking, ledger recording, and
// post-commit event emission.
package wallet

import (
	"context"
	"database/sql"
	"log/slog"
	"math"

	"github.com/google/uuid"

	"github.com/orecraft/gamecore/internal/eventbus"
	"github.com/orecraft/gamecore/internal/gamedb"
	"github.com/orecraft/gamecore/internal/idempotency"
	"github.com/orecraft/gamecore/internal/telemetry"
)

// ModuleID tags ledger rows written by this engine.
const ModuleID = "wallet"

// Op names for scopes and ledger rows.
const (
	OpDeposit  = "deposit"
	OpWithdraw = "withdraw"
	OpTransfer = "transfer"
)

// Engine executes wallet transactions against the shared pool.
type Engine struct {
	pool     *gamedb.Pool
	registry *idempotency.Registry
	bus      *eventbus.Bus
	log      *slog.Logger
	node     string
}

// NewEngine wires the engine. bus may be nil (no event emission), which the
// importer uses during restores.
func NewEngine(pool *gamedb.Pool, registry *idempotency.Registry, bus *eventbus.Bus, node string, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{pool: pool, registry: registry, bus: bus, log: log, node: node}
}

// Receipt describes a committed (or replayed) wallet transaction.
type Receipt struct {
	Op       string    `json:"op"`
	From     uuid.UUID `json:"from,omitempty"`
	To       uuid.UUID `json:"to,omitempty"`
	Amount   int64     `json:"amount"`
	Reason   string    `json:"reason"`
	Replayed bool      `json:"replayed"`
	// NewBalances holds the post-transaction balance per participant.
	// Empty on replay (the first application already reported them).
	NewBalances map[uuid.UUID]int64 `json:"newBalances,omitempty"`
}

// Deposit credits amount to the player. An empty key synthesizes an
// internal auto-key, so no replay is possible across calls.
func (e *Engine) Deposit(ctx context.Context, player uuid.UUID, amount int64, reason, key string) (*Receipt, error) {
	return e.run(ctx, OpDeposit, uuid.Nil, player, amount, reason, key)
}

// Withdraw debits amount from the player.
func (e *Engine) Withdraw(ctx context.Context, player uuid.UUID, amount int64, reason, key string) (*Receipt, error) {
	return e.run(ctx, OpWithdraw, player, uuid.Nil, amount, reason, key)
}

// Transfer moves amount between two players atomically. A self-transfer is
// a no-op success.
func (e *Engine) Transfer(ctx context.Context, from, to uuid.UUID, amount int64, reason, key string) (*Receipt, error) {
	return e.run(ctx, OpTransfer, from, to, amount, reason, key)
}

// Balance returns the player's current balance.
func (e *Engine) Balance(ctx context.Context, player uuid.UUID) (int64, error) {
	op := "wallet.balance"
	defer e.pool.Track(op)()
	var balance int64
	err := e.pool.DB().QueryRowContext(ctx,
		"SELECT balance FROM players WHERE uuid = ?", player[:]).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, gamedb.E(gamedb.CodeUnknownPlayer, op, "player %s not found", player)
	}
	if err != nil {
		return 0, e.pool.ObserveError(op, err)
	}
	return balance, nil
}

func (e *Engine) run(ctx context.Context, op string, from, to uuid.UUID, amount int64, reason, key string) (*Receipt, error) {
	scope := ModuleID + ":" + op
	fail := func(err error) (*Receipt, error) {
		telemetry.CountWalletOp(ctx, op, string(gamedb.CodeOf(err)))
		return nil, err
	}

	if amount < 0 {
		return fail(gamedb.E(gamedb.CodeInvalidAmount, scope, "negative amount %d", amount))
	}
	switch op {
	case OpDeposit:
		if to == uuid.Nil {
			return fail(gamedb.E(gamedb.CodeUnknownPlayer, scope, "nil participant"))
		}
	case OpWithdraw:
		if from == uuid.Nil {
			return fail(gamedb.E(gamedb.CodeUnknownPlayer, scope, "nil participant"))
		}
	case OpTransfer:
		if from == uuid.Nil || to == uuid.Nil {
			return fail(gamedb.E(gamedb.CodeUnknownPlayer, scope, "nil participant"))
		}
	}
	if err := e.pool.CheckWritable(scope); err != nil {
		return fail(err)
	}

	// Without a caller key the operation gets a fresh auto-key: still
	// recorded, never replayable.
	if key == "" {
		key = "auto:" + uuid.NewString()
	}
	payloadHash := idempotency.HashPayload(CanonicalPayload(scope, from, to, amount, reason))
	reason = normalizeReason(reason)

	receipt := &Receipt{Op: op, From: from, To: to, Amount: amount, Reason: reason}
	var staged []eventbus.BalanceChanged
	replayed := false

	err := e.pool.WithRetry(ctx, scope, func(ctx context.Context) error {
		staged = nil
		replayed = false
		receipt.NewBalances = nil
		res := e.registry.Apply(ctx, scope, key, payloadHash, func(tx *sql.Tx) error {
			return e.mutate(ctx, tx, op, from, to, amount, reason, scope, key, receipt, &staged)
		})
		switch res.Kind {
		case idempotency.Success:
			return nil
		case idempotency.Replay:
			replayed = true
			return nil
		default:
			return res.Err
		}
	})
	if err != nil {
		return fail(err)
	}

	if replayed {
		receipt.Replayed = true
		telemetry.CountWalletOp(ctx, op, "replay")
		return receipt, nil
	}

	if e.bus != nil && len(staged) > 0 {
		if pubErr := e.bus.Publish(staged...); pubErr != nil {
			// The commit is durable regardless; a draining bus only costs
			// the notification.
			e.log.Warn("post-commit event dropped", "op", scope, "error", pubErr)
		}
	}
	telemetry.CountWalletOp(ctx, op, "ok")
	return receipt, nil
}

// participant is one locked row during a mutation.
type participant struct {
	id      uuid.UUID
	balance int64
}

// mutate runs inside the idempotency transaction: lock rows in ascending
// UUID byte order, apply the balance policy, bump per-player sequences,
// append ledger rows, and stage post-commit events.
func (e *Engine) mutate(ctx context.Context, tx *sql.Tx, op string, from, to uuid.UUID, amount int64, reason, scope, key string, receipt *Receipt, staged *[]eventbus.BalanceChanged) error {
	if op == OpTransfer && from == to {
		receipt.NewBalances = map[uuid.UUID]int64{}
		return nil // self-transfer: no-op success
	}

	var order []uuid.UUID
	switch op {
	case OpDeposit:
		order = []uuid.UUID{to}
	case OpWithdraw:
		order = []uuid.UUID{from}
	case OpTransfer:
		a, b := lockOrder(from, to)
		order = []uuid.UUID{a, b}
	}

	locked := make(map[uuid.UUID]*participant, len(order))
	for _, id := range order {
		var balance int64
		err := tx.QueryRowContext(ctx,
			"SELECT balance FROM players WHERE uuid = ? FOR UPDATE", id[:]).Scan(&balance)
		if err == sql.ErrNoRows {
			return gamedb.E(gamedb.CodeUnknownPlayer, scope, "player %s not found", id)
		}
		if err != nil {
			return err
		}
		locked[id] = &participant{id: id, balance: balance}
	}

	type delta struct {
		id       uuid.UUID
		old, new int64
	}
	var deltas []delta
	switch op {
	case OpDeposit:
		p := locked[to]
		next, err := addChecked(p.balance, amount, scope)
		if err != nil {
			return err
		}
		deltas = append(deltas, delta{to, p.balance, next})
	case OpWithdraw:
		p := locked[from]
		next := p.balance - amount
		if next < 0 {
			return gamedb.E(gamedb.CodeInsufficientFunds, scope,
				"balance %d short of %d", p.balance, amount)
		}
		deltas = append(deltas, delta{from, p.balance, next})
	case OpTransfer:
		src, dst := locked[from], locked[to]
		srcNext := src.balance - amount
		if srcNext < 0 {
			return gamedb.E(gamedb.CodeInsufficientFunds, scope,
				"balance %d short of %d", src.balance, amount)
		}
		dstNext, err := addChecked(dst.balance, amount, scope)
		if err != nil {
			return err
		}
		deltas = append(deltas, delta{from, src.balance, srcNext}, delta{to, dst.balance, dstNext})
	}

	now := gamedb.UnixNow()
	receipt.NewBalances = make(map[uuid.UUID]int64, len(deltas))
	keyHash := idempotency.HashKey(key)

	for _, d := range deltas {
		if _, err := tx.ExecContext(ctx,
			"UPDATE players SET balance = ?, updated_at = ? WHERE uuid = ?",
			d.new, now, d.id[:]); err != nil {
			return err
		}
		seq, err := nextSeq(ctx, tx, d.id)
		if err != nil {
			return err
		}
		if err := e.appendLedger(ctx, tx, ledgerRow{
			ts: now, op: op, from: from, to: to, amount: amount, reason: reason,
			seq: seq, scope: scope, keyHash: keyHash, oldUnits: d.old, newUnits: d.new,
		}); err != nil {
			return err
		}
		*staged = append(*staged, eventbus.BalanceChanged{
			UUID: d.id, Seq: seq, OldUnits: d.old, NewUnits: d.new,
			Reason: reason, Version: eventbus.EventVersion,
		})
		receipt.NewBalances[d.id] = d.new
	}
	return nil
}

// addChecked guards signed 64-bit overflow; a deposit that would overflow
// is an INVALID_AMOUNT, never a wrapped balance.
func addChecked(balance, amount int64, scope string) (int64, error) {
	if amount > math.MaxInt64-balance {
		return 0, gamedb.E(gamedb.CodeInvalidAmount, scope,
			"amount %d overflows balance %d", amount, balance)
	}
	return balance + amount, nil
}

// nextSeq atomically increments and returns the player's event sequence.
// The insert-or-increment keeps the row locked for the rest of the
// transaction, so the read-back is stable.
func nextSeq(ctx context.Context, tx *sql.Tx, id uuid.UUID) (uint64, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO player_event_seq (uuid, seq) VALUES (?, 1)
		ON DUPLICATE KEY UPDATE seq = seq + 1`, id[:]); err != nil {
		return 0, err
	}
	var seq uint64
	if err := tx.QueryRowContext(ctx,
		"SELECT seq FROM player_event_seq WHERE uuid = ?", id[:]).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

type ledgerRow struct {
	ts       int64
	op       string
	from, to uuid.UUID
	amount   int64
	reason   string
	seq      uint64
	scope    string
	keyHash  []byte
	oldUnits int64
	newUnits int64
}

func (e *Engine) appendLedger(ctx context.Context, tx *sql.Tx, row ledgerRow) error {
	var fromB, toB []byte
	if row.from != uuid.Nil {
		fromB = row.from[:]
	}
	if row.to != uuid.Nil {
		toB = row.to[:]
	}
	var node sql.NullString
	if e.node != "" {
		node = sql.NullString{String: e.node, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO core_ledger
			(ts, module_id, op, from_uuid, to_uuid, amount, reason, ok, code,
			 seq, idem_scope, idem_key_hash, old_units, new_units, server_node)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, NULL, ?, ?, ?, ?, ?, ?)`,
		row.ts, ModuleID, row.op, fromB, toB, row.amount, row.reason,
		row.seq, row.scope, row.keyHash, row.oldUnits, row.newUnits, node)
	return err
}
