// Package services assembles the core: it owns construction order at boot
// and teardown order at shutdown so no component ever sees a dependency that
// is not ready yet.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/orecraft/gamecore/internal/attributes"
	"github.com/orecraft/gamecore/internal/config"
	"github.com/orecraft/gamecore/internal/doctor"
	"github.com/orecraft/gamecore/internal/eventbus"
	"github.com/orecraft/gamecore/internal/gamedb"
	"github.com/orecraft/gamecore/internal/idempotency"
	"github.com/orecraft/gamecore/internal/ledger"
	"github.com/orecraft/gamecore/internal/players"
	"github.com/orecraft/gamecore/internal/scheduler"
	"github.com/orecraft/gamecore/internal/snapshot"
	"github.com/orecraft/gamecore/internal/telemetry"
	"github.com/orecraft/gamecore/internal/wallet"
)

// Services is the wired core. Fields are ready after Boot returns nil.
type Services struct {
	Cfg *config.Config
	Log *slog.Logger

	Pool       *gamedb.Pool
	Schema     *gamedb.SchemaManager
	Registry   *idempotency.Registry
	Players    *players.Directory
	Attributes *attributes.Store
	Ledger     *ledger.Query
	Mirror     *ledger.FileMirror
	Wallet     *wallet.Engine
	Bus        *eventbus.Bus
	Exporter   *snapshot.Exporter
	Importer   *snapshot.Importer
	Doctor     *doctor.Runner
	Scheduler  *scheduler.Scheduler
}

// Options tunes Boot for different callers. The CLI's one-shot commands run
// without the scheduler or supervisor; serve runs everything.
type Options struct {
	// Migrate applies the schema before anything else touches it.
	Migrate bool
	// StartBackground arms the event bus workers, the scheduler, and the
	// pool supervisor.
	StartBackground bool
}

// PoolConfig maps the file config onto the pool's own config type.
func PoolConfig(cfg *config.Config) gamedb.Config {
	return gamedb.Config{
		Host:              cfg.DB.Host,
		Port:              cfg.DB.Port,
		Database:          cfg.DB.Database,
		User:              cfg.DB.User,
		Password:          cfg.DB.Password,
		TLSEnabled:        cfg.DB.TLS.Enabled,
		ForceUTC:          cfg.DB.Session.ForceUTC,
		MaxPoolSize:       cfg.DB.Pool.MaxPoolSize,
		MinimumIdle:       cfg.DB.Pool.MinimumIdle,
		ConnectionTimeout: cfg.DB.Pool.ConnectionTimeout(),
		IdleTimeout:       time.Duration(cfg.DB.Pool.IdleTimeoutMs) * time.Millisecond,
		MaxLifetime:       time.Duration(cfg.DB.Pool.MaxLifetimeMs) * time.Millisecond,
		StartupAttempts:   cfg.DB.Pool.StartupAttempts,
		SlowQuery:         time.Duration(cfg.Log.SlowQueryMs) * time.Millisecond,
	}
}

// Boot wires the core bottom-up: pool, schema, idempotency, directories,
// wallet and bus, snapshot tooling, then the scheduler and supervisor.
func Boot(ctx context.Context, cfg *config.Config, log *slog.Logger, opts Options) (*Services, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Services{Cfg: cfg, Log: log}

	pool, err := gamedb.Open(ctx, PoolConfig(cfg), log)
	if err != nil {
		return nil, err
	}
	s.Pool = pool

	s.Schema = gamedb.NewSchemaManager(pool, log)
	if opts.Migrate {
		if err := s.Schema.Apply(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	s.Registry = idempotency.NewRegistry(pool, log)
	s.Players = players.NewDirectory(pool, log)
	s.Attributes = attributes.NewStore(pool, log)
	s.Ledger = ledger.NewQuery(pool, log)
	s.Bus = eventbus.New(0, log)
	if lc := cfg.Modules.Ledger; lc.Enabled && lc.File.Enabled {
		mirror, err := ledger.OpenMirror(lc.File.Path, log)
		if err != nil {
			pool.Close()
			return nil, err
		}
		s.Mirror = mirror
		s.Bus.Subscribe("ledger-file", mirror.Handle)
	}
	s.Wallet = wallet.NewEngine(pool, s.Registry, s.Bus, cfg.Runtime.ServerNode, log)
	s.Exporter = snapshot.NewExporter(pool, log)
	s.Importer = snapshot.NewImporter(pool, log)
	s.Doctor = doctor.NewRunner(pool, log)
	s.Scheduler = scheduler.New(scheduler.PoolLocks{Pool: pool}, log)

	if err := s.registerJobs(); err != nil {
		pool.Close()
		return nil, err
	}

	if opts.StartBackground {
		s.Bus.Start()
		if cfg.Modules.Scheduler.Enabled {
			s.Scheduler.Start()
		}
		pool.StartSupervisor(time.Duration(cfg.Runtime.ReconnectEveryS) * time.Second)
	}
	return s, nil
}

func (s *Services) registerJobs() error {
	backup := s.Cfg.Modules.Scheduler.Jobs.Backup
	if err := s.Scheduler.Register(scheduler.BackupJob(
		backup.Schedule, backup.OnMissed, backup.Enabled,
		func(ctx context.Context) (string, error) {
			return s.BackupNow(ctx)
		})); err != nil {
		return fmt.Errorf("register backup job: %w", err)
	}

	sweep := s.Cfg.Modules.Scheduler.Jobs.Cleanup.IdempotencySweep
	if err := s.Scheduler.Register(scheduler.SweepJob(
		sweep.Schedule, sweep.Enabled,
		func(ctx context.Context) (int64, error) {
			total, err := s.Registry.Sweep(ctx, sweep.BatchLimit, sweep.RetentionDays)
			if err != nil {
				return total, err
			}
			lc := s.Cfg.Modules.Ledger
			if lc.Enabled && lc.RetentionDays > 0 {
				pruned, err := s.Ledger.Prune(ctx, lc.RetentionDays, sweep.BatchLimit)
				total += pruned
				if err != nil {
					return total, err
				}
			}
			return total, nil
		})); err != nil {
		return fmt.Errorf("register sweep job: %w", err)
	}
	return nil
}

// BackupNow exports one snapshot and prunes old ones. The freshly written
// file is exempt from pruning even under an aggressive retention setting.
func (s *Services) BackupNow(ctx context.Context) (string, error) {
	backup := s.Cfg.Modules.Scheduler.Jobs.Backup
	res, err := s.Exporter.Export(ctx, backup.OutDir, backup.Gzip)
	if err != nil {
		return "", err
	}
	if _, err := s.Exporter.Prune(backup.OutDir,
		backup.Prune.KeepDays, backup.Prune.KeepMax, res.Path); err != nil {
		s.Log.Warn("snapshot prune failed", "error", err)
	}
	return res.Path, nil
}

// Shutdown tears the core down in reverse boot order: stop scheduling new
// work, drain the event bus, stop the supervisor, close the pool, flush
// telemetry. Each phase gets the remainder of ctx.
func (s *Services) Shutdown(ctx context.Context) {
	if s.Scheduler != nil {
		if err := s.Scheduler.Stop(ctx); err != nil {
			s.Log.Warn("scheduler did not quiesce", "error", err)
		}
	}
	if s.Bus != nil {
		if err := s.Bus.Close(ctx); err != nil {
			s.Log.Warn("event bus did not drain", "error", err)
		}
	}
	if s.Mirror != nil {
		if err := s.Mirror.Close(); err != nil {
			s.Log.Warn("ledger mirror close failed", "error", err)
		}
	}
	if s.Pool != nil {
		s.Pool.StopSupervisor()
		if err := s.Pool.Close(); err != nil {
			s.Log.Warn("pool close failed", "error", err)
		}
	}
	telemetry.Shutdown(ctx)
}
