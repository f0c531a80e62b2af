package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// counters holds the core's metric instruments. Instruments are lazily
// created on first use so Init ordering does not matter; when telemetry is
// disabled they are no-ops.
type counters struct {
	walletOps           metric.Int64Counter
	idempotencyReplays  metric.Int64Counter
	idempotencyMismatch metric.Int64Counter
	eventsDelivered     metric.Int64Counter
	jobRuns             metric.Int64Counter
}

var (
	countersOnce sync.Once
	c            counters
)

func instruments() *counters {
	countersOnce.Do(func() {
		m := Meter("")
		c.walletOps, _ = m.Int64Counter("gamecore.wallet.ops",
			metric.WithDescription("Wallet operations by op and outcome"))
		c.idempotencyReplays, _ = m.Int64Counter("gamecore.idempotency.replays",
			metric.WithDescription("Idempotent requests answered from the registry"))
		c.idempotencyMismatch, _ = m.Int64Counter("gamecore.idempotency.mismatches",
			metric.WithDescription("Idempotency keys reused with a different payload"))
		c.eventsDelivered, _ = m.Int64Counter("gamecore.events.delivered",
			metric.WithDescription("Events delivered to subscribers"))
		c.jobRuns, _ = m.Int64Counter("gamecore.jobs.runs",
			metric.WithDescription("Scheduled job executions by job and outcome"))
	})
	return &c
}

// CountWalletOp records one wallet operation outcome ("ok" or the error code).
func CountWalletOp(ctx context.Context, op, outcome string) {
	if ctr := instruments().walletOps; ctr != nil {
		ctr.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", op), attribute.String("outcome", outcome)))
	}
}

// CountReplay records one idempotency replay.
func CountReplay(ctx context.Context, scope string) {
	if ctr := instruments().idempotencyReplays; ctr != nil {
		ctr.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", scope)))
	}
}

// CountMismatch records one idempotency payload mismatch.
func CountMismatch(ctx context.Context, scope string) {
	if ctr := instruments().idempotencyMismatch; ctr != nil {
		ctr.Add(ctx, 1, metric.WithAttributes(attribute.String("scope", scope)))
	}
}

// CountEventDelivered records one subscriber delivery.
func CountEventDelivered(ctx context.Context, subscriber string) {
	if ctr := instruments().eventsDelivered; ctr != nil {
		ctr.Add(ctx, 1, metric.WithAttributes(attribute.String("subscriber", subscriber)))
	}
}

// CountJobRun records one scheduled job execution outcome.
func CountJobRun(ctx context.Context, job, outcome string) {
	if ctr := instruments().jobRuns; ctr != nil {
		ctr.Add(ctx, 1, metric.WithAttributes(
			attribute.String("job", job), attribute.String("outcome", outcome)))
	}
}
