// Package scheduler fires registered jobs on six-field cron schedules. Every
// fire is guarded by a named advisory lock so only one node runs a given job
// at a time, and overlapping fires of the same job on the same node are
// dropped rather than queued.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/orecraft/gamecore/internal/gamedb"
	"github.com/orecraft/gamecore/internal/telemetry"
)

// JobLockPrefix prefixes the advisory lock name for each job.
const JobLockPrefix = "gamecore:job:"

// Missed-fire policies for fires that fell in downtime.
const (
	MissedSkip         = "skip"
	MissedRunAtStartup = "runAtNextStartup"
)

// RunResult reports the outcome of a manual trigger.
type RunResult int

const (
	RunQueued RunResult = iota
	RunInProgress
	RunUnknown
	RunDisabled
)

func (r RunResult) String() string {
	switch r {
	case RunQueued:
		return "queued"
	case RunInProgress:
		return "inProgress"
	case RunDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// JobLock is a held cross-node exclusion lock.
type JobLock interface {
	Release(ctx context.Context)
}

// LockProvider hands out non-blocking named locks. A (nil, nil) return means
// the lock is held elsewhere and the fire must be skipped.
type LockProvider interface {
	TryLock(ctx context.Context, name string) (JobLock, error)
}

// PoolLocks adapts the shared pool's advisory locks to LockProvider.
type PoolLocks struct {
	Pool *gamedb.Pool
}

func (p PoolLocks) TryLock(ctx context.Context, name string) (JobLock, error) {
	lock, err := p.Pool.TryLock(ctx, name)
	if err != nil {
		return nil, err
	}
	if lock == nil {
		return nil, nil
	}
	return lock, nil
}

// Job is one registered unit of scheduled work.
type Job struct {
	ID          string
	Description string
	Expr        string
	OnMissed    string
	Disabled    bool
	Run         func(ctx context.Context) error

	schedule *Schedule
	next     time.Time
	running  bool
	lastRun  time.Time
	lastErr  error
}

// JobInfo is the read-only view for listings.
type JobInfo struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Schedule    string    `json:"schedule"`
	Disabled    bool      `json:"disabled"`
	Running     bool      `json:"running"`
	Next        time.Time `json:"next,omitempty"`
	LastRun     time.Time `json:"lastRun,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
}

// Scheduler owns the job table and the tick loop.
type Scheduler struct {
	locks LockProvider
	log   *slog.Logger
	now   func() time.Time

	mu    sync.Mutex
	jobs  map[string]*Job
	order []string

	wg      sync.WaitGroup
	stop    chan struct{}
	done    chan struct{}
	started bool
}

// New creates an idle scheduler.
func New(locks LockProvider, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		locks: locks,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
		jobs:  make(map[string]*Job),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Register adds a job. The cron expression is parsed here so a bad schedule
// fails registration, not the first tick. Registering a duplicate ID is an
// error.
func (s *Scheduler) Register(job Job) error {
	if job.ID == "" || job.Run == nil {
		return fmt.Errorf("job needs an id and a run func")
	}
	switch job.OnMissed {
	case "", MissedSkip, MissedRunAtStartup:
	default:
		return fmt.Errorf("job %s: unknown onMissed policy %q", job.ID, job.OnMissed)
	}
	sched, err := Parse(job.Expr)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.ID]; dup {
		return fmt.Errorf("job %s already registered", job.ID)
	}
	j := job
	j.schedule = sched
	s.jobs[job.ID] = &j
	s.order = append(s.order, job.ID)
	return nil
}

// Start arms the tick loop. Jobs with the runAtNextStartup policy get one
// catch-up fire immediately; the rest wait for their next cron instant.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	now := s.now()
	for _, j := range s.jobs {
		if j.Disabled {
			continue
		}
		if j.OnMissed == MissedRunAtStartup {
			j.next = now
		} else {
			j.next = j.schedule.Next(now)
		}
	}
	s.mu.Unlock()

	go s.loop()
}

func (s *Scheduler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick(s.now())
		}
	}
}

func (s *Scheduler) tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		j := s.jobs[id]
		if j.Disabled || j.next.IsZero() || now.Before(j.next) {
			continue
		}
		j.next = j.schedule.Next(now)
		if j.running {
			s.log.Warn("job fire dropped, previous run still in flight", "job", j.ID)
			telemetry.CountJobRun(context.Background(), j.ID, "overlap_dropped")
			continue
		}
		s.fireLocked(j)
	}
}

// fireLocked launches one run. Caller holds s.mu.
func (s *Scheduler) fireLocked(j *Job) {
	j.running = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.execute(j)
		s.mu.Lock()
		j.running = false
		j.lastRun = s.now()
		j.lastErr = err
		s.mu.Unlock()
	}()
}

func (s *Scheduler) execute(j *Job) error {
	ctx := context.Background()
	lock, err := s.locks.TryLock(ctx, JobLockPrefix+j.ID)
	if err != nil {
		s.log.Error("job lock acquisition failed", "job", j.ID, "error", err)
		telemetry.CountJobRun(ctx, j.ID, "lock_error")
		return err
	}
	if lock == nil {
		s.log.Info("job skipped, lock held by another node", "job", j.ID)
		telemetry.CountJobRun(ctx, j.ID, "lock_busy")
		return nil
	}
	defer lock.Release(ctx)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", "job", j.ID, "panic", r)
			telemetry.CountJobRun(ctx, j.ID, "panic")
		}
	}()
	err = j.Run(ctx)
	if err != nil {
		s.log.Error("job failed", "job", j.ID, "error", err,
			"durationMs", time.Since(start).Milliseconds())
		telemetry.CountJobRun(ctx, j.ID, "error")
		return err
	}
	s.log.Info("job completed", "job", j.ID,
		"durationMs", time.Since(start).Milliseconds())
	telemetry.CountJobRun(ctx, j.ID, "ok")
	return nil
}

// Trigger fires a job by ID outside its schedule. The fire still contends
// for the advisory lock like any scheduled run.
func (s *Scheduler) Trigger(id string) RunResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return RunUnknown
	}
	if j.Disabled {
		return RunDisabled
	}
	if j.running {
		return RunInProgress
	}
	s.fireLocked(j)
	return RunQueued
}

// Jobs lists registered jobs in registration order.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.order))
	for _, id := range s.order {
		j := s.jobs[id]
		info := JobInfo{
			ID:          j.ID,
			Description: j.Description,
			Schedule:    j.Expr,
			Disabled:    j.Disabled,
			Running:     j.running,
			Next:        j.next,
			LastRun:     j.lastRun,
		}
		if j.lastErr != nil {
			info.LastError = j.lastErr.Error()
		}
		out = append(out, info)
	}
	return out
}

// Stop quiesces the scheduler: no new fires, then wait for in-flight runs
// until ctx expires. Runs launched by Trigger are waited for even when the
// tick loop never started.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	if started {
		select {
		case <-s.stop:
		default:
			close(s.stop)
		}
		<-s.done
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}
