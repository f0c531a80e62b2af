// Package config loads the parsed gamecore configuration. The on-disk file
// is JSON (a JSON5 front end may pre-process comments and trailing commas
// before the core sees it); GAMECORE_DB_* environment variables override the
// corresponding db fields.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full parsed shape the core consumes.
type Config struct {
	DB      DB      `mapstructure:"db"`
	Runtime Runtime `mapstructure:"runtime"`
	Modules Modules `mapstructure:"modules"`
	Log     Log     `mapstructure:"log"`
}

type DB struct {
	Host     string  `mapstructure:"host"`
	Port     int     `mapstructure:"port"`
	Database string  `mapstructure:"database"`
	User     string  `mapstructure:"user"`
	Password string  `mapstructure:"password"`
	TLS      TLS     `mapstructure:"tls"`
	Session  Session `mapstructure:"session"`
	Pool     Pool    `mapstructure:"pool"`
}

type TLS struct {
	Enabled bool `mapstructure:"enabled"`
}

type Session struct {
	ForceUTC bool `mapstructure:"forceUtc"`
}

type Pool struct {
	MaxPoolSize         int `mapstructure:"maxPoolSize"`
	MinimumIdle         int `mapstructure:"minimumIdle"`
	ConnectionTimeoutMs int `mapstructure:"connectionTimeoutMs"`
	IdleTimeoutMs       int `mapstructure:"idleTimeoutMs"`
	MaxLifetimeMs       int `mapstructure:"maxLifetimeMs"`
	StartupAttempts     int `mapstructure:"startupAttempts"`
}

type Runtime struct {
	ReconnectEveryS int    `mapstructure:"reconnectEveryS"`
	ServerNode      string `mapstructure:"serverNode"`
}

type Modules struct {
	Ledger    Ledger    `mapstructure:"ledger"`
	Scheduler Scheduler `mapstructure:"scheduler"`
}

type Ledger struct {
	Enabled       bool       `mapstructure:"enabled"`
	RetentionDays int        `mapstructure:"retentionDays"`
	File          LedgerFile `mapstructure:"file"`
}

type LedgerFile struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type Scheduler struct {
	Enabled bool `mapstructure:"enabled"`
	Jobs    Jobs `mapstructure:"jobs"`
}

type Jobs struct {
	Backup  BackupJob  `mapstructure:"backup"`
	Cleanup CleanupJob `mapstructure:"cleanup"`
}

type BackupJob struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
	OutDir   string `mapstructure:"outDir"`
	OnMissed string `mapstructure:"onMissed"` // skip | runAtNextStartup
	Gzip     bool   `mapstructure:"gzip"`
	Prune    Prune  `mapstructure:"prune"`
}

type Prune struct {
	KeepDays int `mapstructure:"keepDays"`
	KeepMax  int `mapstructure:"keepMax"`
}

type CleanupJob struct {
	IdempotencySweep SweepJob `mapstructure:"idempotencySweep"`
}

type SweepJob struct {
	Enabled       bool   `mapstructure:"enabled"`
	Schedule      string `mapstructure:"schedule"`
	RetentionDays int    `mapstructure:"retentionDays"`
	BatchLimit    int    `mapstructure:"batchLimit"`
}

type Log struct {
	JSON        bool   `mapstructure:"json"`
	SlowQueryMs int    `mapstructure:"slowQueryMs"`
	Level       string `mapstructure:"level"`
}

// envOverrides maps GAMECORE_DB_* variables onto their config keys.
var envOverrides = map[string]string{
	"db.host":     "GAMECORE_DB_HOST",
	"db.port":     "GAMECORE_DB_PORT",
	"db.database": "GAMECORE_DB_DATABASE",
	"db.user":     "GAMECORE_DB_USER",
	"db.password": "GAMECORE_DB_PASSWORD",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.host", "127.0.0.1")
	v.SetDefault("db.port", 3306)
	v.SetDefault("db.database", "gamecore")
	v.SetDefault("db.user", "gamecore")
	v.SetDefault("db.password", "gamecore")
	v.SetDefault("db.session.forceUtc", true)
	v.SetDefault("db.pool.maxPoolSize", 10)
	v.SetDefault("db.pool.minimumIdle", 2)
	v.SetDefault("db.pool.connectionTimeoutMs", 10000)
	v.SetDefault("db.pool.idleTimeoutMs", 600000)
	v.SetDefault("db.pool.maxLifetimeMs", 1800000)
	v.SetDefault("db.pool.startupAttempts", 3)

	v.SetDefault("runtime.reconnectEveryS", 30)

	v.SetDefault("modules.ledger.enabled", true)
	v.SetDefault("modules.ledger.retentionDays", 0)
	v.SetDefault("modules.ledger.file.enabled", false)
	v.SetDefault("modules.ledger.file.path", "logs/ledger.jsonl")

	v.SetDefault("modules.scheduler.enabled", true)
	v.SetDefault("modules.scheduler.jobs.backup.enabled", false)
	v.SetDefault("modules.scheduler.jobs.backup.schedule", "0 0 4 * * *")
	v.SetDefault("modules.scheduler.jobs.backup.outDir", "backups")
	v.SetDefault("modules.scheduler.jobs.backup.onMissed", "skip")
	v.SetDefault("modules.scheduler.jobs.backup.gzip", true)
	v.SetDefault("modules.scheduler.jobs.backup.prune.keepDays", 14)
	v.SetDefault("modules.scheduler.jobs.backup.prune.keepMax", 20)
	v.SetDefault("modules.scheduler.jobs.cleanup.idempotencySweep.enabled", true)
	v.SetDefault("modules.scheduler.jobs.cleanup.idempotencySweep.schedule", "0 30 4 * * *")
	v.SetDefault("modules.scheduler.jobs.cleanup.idempotencySweep.retentionDays", 30)
	v.SetDefault("modules.scheduler.jobs.cleanup.idempotencySweep.batchLimit", 500)

	v.SetDefault("log.json", false)
	v.SetDefault("log.slowQueryMs", 250)
	v.SetDefault("log.level", "info")
}

// Load reads path (JSON) when non-empty, applies defaults and environment
// overrides, and returns the parsed config. An empty path loads pure
// defaults, which is what tests and `gamecore ping` against a dev box want.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for key, env := range envOverrides {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if m := cfg.Modules.Scheduler.Jobs.Backup.OnMissed; m != "skip" && m != "runAtNextStartup" {
		return nil, fmt.Errorf("invalid onMissed policy %q (want skip or runAtNextStartup)", m)
	}
	return &cfg, nil
}

// LogLevel maps the configured level string onto slog.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ConnectionTimeout returns the pool connection timeout as a duration.
func (p Pool) ConnectionTimeout() time.Duration {
	return time.Duration(p.ConnectionTimeoutMs) * time.Millisecond
}
