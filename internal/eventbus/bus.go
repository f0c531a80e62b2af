// Package eventbus delivers post-commit events asynchronously while
// preserving per-player ordering. A fixed worker pool drains per-player FIFO
// queues; at most one worker is active per player, so a player's events are
// observed in seq order while different players proceed in parallel.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/orecraft/gamecore/internal/telemetry"
)

// DefaultWorkers is the delivery pool size when not configured.
const DefaultWorkers = 4

// Handler consumes one event. Handlers must be idempotent: delivery is
// at-least-once. Errors are logged and swallowed; they never affect other
// subscribers or the producing transaction.
type Handler func(ctx context.Context, ev BalanceChanged) error

type subscriber struct {
	name string
	fn   Handler
}

// queue is one player's FIFO. A queue is in exactly one of three states:
// idle (empty, unowned), ready (queued for a worker), or claimed (a worker
// is draining it).
type queue struct {
	events      []BalanceChanged
	claimed     bool
	readyQueued bool
}

// Bus is the post-commit event dispatcher.
type Bus struct {
	log     *slog.Logger
	workers int

	mu       sync.Mutex
	cond     *sync.Cond
	queues   map[uuid.UUID]*queue
	ready    []uuid.UUID
	draining bool

	subsMu sync.RWMutex
	subs   []subscriber

	g       *errgroup.Group
	started bool
}

// New creates a bus with the given worker count (DefaultWorkers when <= 0).
func New(workers int, log *slog.Logger) *Bus {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if log == nil {
		log = slog.Default()
	}
	b := &Bus{
		log:     log,
		workers: workers,
		queues:  make(map[uuid.UUID]*queue),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Subscribe registers a named handler. Registration order is delivery order
// within one event.
func (b *Bus) Subscribe(name string, fn Handler) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	b.subs = append(b.subs, subscriber{name: name, fn: fn})
}

// Start launches the worker pool.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true
	b.g = &errgroup.Group{}
	for i := 0; i < b.workers; i++ {
		b.g.Go(b.workerLoop)
	}
}

// Publish enqueues events for asynchronous delivery. It never blocks on
// delivery; producers hand events over after their transaction committed.
// Publishing after draining began is refused.
func (b *Bus) Publish(events ...BalanceChanged) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.draining {
		return fmt.Errorf("eventbus: draining, event rejected")
	}
	for _, ev := range events {
		q := b.queues[ev.UUID]
		if q == nil {
			q = &queue{}
			b.queues[ev.UUID] = q
		}
		q.events = append(q.events, ev)
		if !q.claimed && !q.readyQueued {
			q.readyQueued = true
			b.ready = append(b.ready, ev.UUID)
			b.cond.Signal()
		}
	}
	return nil
}

// workerLoop claims ready player queues and drains them in arrival order.
// The claim guarantees at most one worker per player at a time.
func (b *Bus) workerLoop() error {
	for {
		b.mu.Lock()
		for len(b.ready) == 0 && !b.draining {
			b.cond.Wait()
		}
		if len(b.ready) == 0 {
			// Draining and nothing left to claim. Non-empty queues still
			// claimed elsewhere are finished by their owning workers.
			b.mu.Unlock()
			return nil
		}
		id := b.ready[0]
		b.ready = b.ready[1:]
		q := b.queues[id]
		q.readyQueued = false
		q.claimed = true
		b.mu.Unlock()

		for {
			b.mu.Lock()
			if len(q.events) == 0 {
				q.claimed = false
				delete(b.queues, id)
				if b.draining {
					b.cond.Broadcast()
				}
				b.mu.Unlock()
				break
			}
			ev := q.events[0]
			q.events = q.events[1:]
			b.mu.Unlock()
			b.deliver(ev)
		}
	}
}

// deliver fans one event out to all subscribers. Panics are recovered and
// errors swallowed after logging; a bad subscriber cannot stall the queue.
func (b *Bus) deliver(ev BalanceChanged) {
	b.subsMu.RLock()
	subs := b.subs
	b.subsMu.RUnlock()
	ctx := context.Background()
	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error("event subscriber panicked",
						"op", "eventbus.deliver", "subscriber", s.name, "panic", r)
				}
			}()
			if err := s.fn(ctx, ev); err != nil {
				b.log.Warn("event subscriber failed",
					"op", "eventbus.deliver", "subscriber", s.name,
					"player", ev.UUID, "seq", ev.Seq, "error", err)
				return
			}
			telemetry.CountEventDelivered(ctx, s.name)
		}()
	}
}

// Close marks the bus draining, finishes queued events in arrival order, and
// stops the workers. Returns early with the context's error when ctx expires
// before the drain completes.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.started {
		b.draining = true
		b.mu.Unlock()
		return nil
	}
	b.draining = true
	b.cond.Broadcast()
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = b.g.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports the number of undelivered events (diagnostics).
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, q := range b.queues {
		n += len(q.events)
	}
	return n
}
