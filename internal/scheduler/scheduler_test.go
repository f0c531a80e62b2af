package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLocks is an in-process LockProvider: one holder per name.
type fakeLocks struct {
	mu   sync.Mutex
	held map[string]bool
	err  error
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{held: map[string]bool{}}
}

type fakeLock struct {
	locks *fakeLocks
	name  string
}

func (l *fakeLock) Release(ctx context.Context) {
	l.locks.mu.Lock()
	defer l.locks.mu.Unlock()
	delete(l.locks.held, l.name)
}

func (f *fakeLocks) TryLock(ctx context.Context, name string) (JobLock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.held[name] {
		return nil, nil
	}
	f.held[name] = true
	return &fakeLock{locks: f, name: name}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegisterValidation(t *testing.T) {
	s := New(newFakeLocks(), quietLogger())

	err := s.Register(Job{ID: "", Expr: "* * * * * *", Run: func(context.Context) error { return nil }})
	assert.Error(t, err, "missing id")

	err = s.Register(Job{ID: "a", Expr: "* * * * * *"})
	assert.Error(t, err, "missing run func")

	err = s.Register(Job{ID: "a", Expr: "bad", Run: func(context.Context) error { return nil }})
	assert.Error(t, err, "bad cron expression")

	err = s.Register(Job{ID: "a", Expr: "* * * * * *", OnMissed: "sometimes",
		Run: func(context.Context) error { return nil }})
	assert.Error(t, err, "bad missed policy")

	ok := Job{ID: "a", Expr: "* * * * * *", Run: func(context.Context) error { return nil }}
	require.NoError(t, s.Register(ok))
	assert.Error(t, s.Register(ok), "duplicate id")
}

func TestTriggerRunsJobOnce(t *testing.T) {
	s := New(newFakeLocks(), quietLogger())
	ran := make(chan struct{}, 1)
	require.NoError(t, s.Register(Job{
		ID:   "t",
		Expr: "0 0 0 1 1 *",
		Run: func(ctx context.Context) error {
			ran <- struct{}{}
			return nil
		},
	}))

	assert.Equal(t, RunQueued, s.Trigger("t"))
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestTriggerUnknownAndDisabled(t *testing.T) {
	s := New(newFakeLocks(), quietLogger())
	require.NoError(t, s.Register(Job{
		ID: "off", Expr: "* * * * * *", Disabled: true,
		Run: func(context.Context) error { return nil },
	}))

	assert.Equal(t, RunUnknown, s.Trigger("nope"))
	assert.Equal(t, RunDisabled, s.Trigger("off"))
}

func TestTriggerWhileRunningReportsInProgress(t *testing.T) {
	s := New(newFakeLocks(), quietLogger())
	entered := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.Register(Job{
		ID:   "slow",
		Expr: "0 0 0 1 1 *",
		Run: func(ctx context.Context) error {
			close(entered)
			<-release
			return nil
		},
	}))

	assert.Equal(t, RunQueued, s.Trigger("slow"))
	<-entered
	assert.Equal(t, RunInProgress, s.Trigger("slow"))
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

// Two schedulers sharing a lock provider model two nodes: a fire on one node
// is skipped while the other holds the job's lock.
func TestCrossNodeExclusivity(t *testing.T) {
	locks := newFakeLocks()
	a := New(locks, quietLogger())
	b := New(locks, quietLogger())

	aEntered := make(chan struct{})
	aRelease := make(chan struct{})
	var bRuns sync.WaitGroup
	bRan := false
	var mu sync.Mutex

	require.NoError(t, a.Register(Job{
		ID: "shared", Expr: "0 0 0 1 1 *",
		Run: func(ctx context.Context) error {
			close(aEntered)
			<-aRelease
			return nil
		},
	}))
	require.NoError(t, b.Register(Job{
		ID: "shared", Expr: "0 0 0 1 1 *",
		Run: func(ctx context.Context) error {
			mu.Lock()
			bRan = true
			mu.Unlock()
			return nil
		},
	}))

	require.Equal(t, RunQueued, a.Trigger("shared"))
	<-aEntered

	// Node B fires while A holds the lock; the run body must not execute.
	bRuns.Add(1)
	go func() {
		defer bRuns.Done()
		require.Equal(t, RunQueued, b.Trigger("shared"))
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, b.Stop(ctx))
	}()
	bRuns.Wait()

	mu.Lock()
	assert.False(t, bRan, "node B ran despite node A holding the lock")
	mu.Unlock()

	close(aRelease)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx))
}

func TestLockErrorRecordedAsLastError(t *testing.T) {
	locks := newFakeLocks()
	locks.err = errors.New("connection refused")
	s := New(locks, quietLogger())
	require.NoError(t, s.Register(Job{
		ID: "j", Expr: "0 0 0 1 1 *",
		Run: func(context.Context) error { return nil },
	}))

	require.Equal(t, RunQueued, s.Trigger("j"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Contains(t, jobs[0].LastError, "connection refused")
}

func TestJobPanicIsContained(t *testing.T) {
	s := New(newFakeLocks(), quietLogger())
	require.NoError(t, s.Register(Job{
		ID: "boom", Expr: "0 0 0 1 1 *",
		Run: func(context.Context) error { panic("kaboom") },
	}))

	require.Equal(t, RunQueued, s.Trigger("boom"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	// The lock must have been released despite the panic.
	locks := s.locks.(*fakeLocks)
	locks.mu.Lock()
	defer locks.mu.Unlock()
	assert.Empty(t, locks.held)
}

func TestRunAtStartupFiresImmediately(t *testing.T) {
	s := New(newFakeLocks(), quietLogger())
	ran := make(chan struct{}, 1)
	require.NoError(t, s.Register(Job{
		ID: "catchup", Expr: "0 0 0 1 1 *", OnMissed: MissedRunAtStartup,
		Run: func(context.Context) error {
			ran <- struct{}{}
			return nil
		},
	}))

	s.Start()
	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("catch-up fire never happened")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestJobsListing(t *testing.T) {
	s := New(newFakeLocks(), quietLogger())
	require.NoError(t, s.Register(Job{
		ID: "first", Expr: "0 0 4 * * *", Description: "nightly",
		Run: func(context.Context) error { return nil },
	}))
	require.NoError(t, s.Register(Job{
		ID: "second", Expr: "0 30 4 * * *", Disabled: true,
		Run: func(context.Context) error { return nil },
	}))

	jobs := s.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "first", jobs[0].ID)
	assert.Equal(t, "nightly", jobs[0].Description)
	assert.Equal(t, "0 0 4 * * *", jobs[0].Schedule)
	assert.True(t, jobs[1].Disabled)
}
