// Package gamedb owns the single writable resource of the core: the MariaDB
// connection pool. It layers the health supervisor, the structured error
// taxonomy, deadlock retry, named advisory locks, and the schema manager on
// top of database/sql.
package gamedb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Config is the pool configuration consumed from the parsed config file.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string

	TLSEnabled bool
	ForceUTC   bool

	MaxPoolSize       int
	MinimumIdle       int
	ConnectionTimeout time.Duration
	IdleTimeout       time.Duration
	MaxLifetime       time.Duration
	StartupAttempts   int

	SlowQuery time.Duration
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 3306
	}
	if c.MaxPoolSize == 0 {
		c.MaxPoolSize = 10
	}
	if c.MinimumIdle == 0 {
		c.MinimumIdle = 2
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = 10 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = 30 * time.Minute
	}
	if c.StartupAttempts == 0 {
		c.StartupAttempts = 3
	}
	if c.SlowQuery == 0 {
		c.SlowQuery = 250 * time.Millisecond
	}
}

// Pool wraps *sql.DB with the degraded-mode health gate. All borrowed
// sessions run with time_zone pinned to UTC when ForceUTC is set.
type Pool struct {
	db  *sql.DB
	cfg Config
	log *slog.Logger

	degraded atomic.Bool

	// refusal log rate limiting: op -> unix nanos of last refusal line.
	refusalMu   sync.Mutex
	lastRefusal map[string]time.Time

	supervisorStop chan struct{}
	supervisorDone chan struct{}

	// probeWrite is the harmless write executed by the health probe. Wired
	// by the idempotency registry at boot (self-update on core_requests).
	probeWrite atomic.Value // func(context.Context) error
}

const refusalLogInterval = 5 * time.Second

// Open builds the DSN, opens the pool, and verifies connectivity with up to
// StartupAttempts pings. It does not start the health supervisor; callers do
// that once the schema is in place.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (*Pool, error) {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}

	mc := mysql.NewConfig()
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = cfg.Database
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Timeout = cfg.ConnectionTimeout
	mc.ReadTimeout = cfg.ConnectionTimeout
	mc.WriteTimeout = cfg.ConnectionTimeout
	mc.InterpolateParams = false
	if cfg.TLSEnabled {
		mc.TLSConfig = "preferred"
	}
	if cfg.ForceUTC {
		mc.Params = map[string]string{"time_zone": "'+00:00'"}
	}

	warnInsecureDefaults(cfg, log)

	connector, err := mysql.NewConnector(mc)
	if err != nil {
		return nil, fmt.Errorf("build mysql connector: %w", err)
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(cfg.MaxPoolSize)
	db.SetMaxIdleConns(cfg.MinimumIdle)
	db.SetConnMaxIdleTime(cfg.IdleTimeout)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	p := &Pool{
		db:          db,
		cfg:         cfg,
		log:         log,
		lastRefusal: make(map[string]time.Time),
	}

	var pingErr error
	for attempt := 1; attempt <= cfg.StartupAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectionTimeout)
		pingErr = db.PingContext(pingCtx)
		cancel()
		if pingErr == nil {
			break
		}
		log.Warn("database ping failed",
			"op", "pool.open", "attempt", attempt, "attempts", cfg.StartupAttempts, "error", pingErr)
		if attempt < cfg.StartupAttempts {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				_ = db.Close()
				return nil, ctx.Err()
			}
		}
	}
	if pingErr != nil {
		_ = db.Close()
		return nil, Classify("pool.open", pingErr)
	}
	return p, nil
}

// warnInsecureDefaults logs the security warnings from the pool contract:
// TLS disabled against a non-loopback host, and documented default
// credentials left in place.
func warnInsecureDefaults(cfg Config, log *slog.Logger) {
	if !cfg.TLSEnabled && !isLoopback(cfg.Host) {
		log.Warn("TLS is disabled for a non-loopback database host",
			"op", "pool.open", "host", cfg.Host)
	}
	if cfg.User == "gamecore" && cfg.Password == "gamecore" {
		log.Warn("database credentials match the documented defaults; change them",
			"op", "pool.open")
	}
}

func isLoopback(host string) bool {
	if host == "localhost" || host == "" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// DB exposes the underlying pool for query execution. Only pooled
// connections touch the database.
func (p *Pool) DB() *sql.DB { return p.db }

// Config returns a copy of the effective pool configuration.
func (p *Pool) Config() Config { return p.cfg }

// Healthy reports whether writes are currently allowed.
func (p *Pool) Healthy() bool { return !p.degraded.Load() }

// CheckWritable is the degraded-mode gate. It returns a DEGRADED_MODE error
// without touching the database while the supervisor has the pool flagged
// degraded. Refusal logging is rate-limited to once per 5s per operation.
func (p *Pool) CheckWritable(op string) error {
	if !p.degraded.Load() {
		return nil
	}
	p.refusalMu.Lock()
	last := p.lastRefusal[op]
	now := time.Now()
	shouldLog := now.Sub(last) >= refusalLogInterval
	if shouldLog {
		p.lastRefusal[op] = now
	}
	p.refusalMu.Unlock()
	if shouldLog {
		p.log.Warn("write refused: database is degraded", "code", CodeDegradedMode, "op", op)
	}
	return E(CodeDegradedMode, op, "database unavailable, write refused")
}

// MarkDegraded flips the pool into degraded mode. Called when an operation
// hits an unclassifiable connection failure.
func (p *Pool) MarkDegraded(op string, err error) {
	if p.degraded.CompareAndSwap(false, true) {
		p.log.Error("entering degraded mode", "code", CodeConnectionLost, "op", op, "error", err)
	}
}

// ObserveError classifies err and flips to degraded mode on the
// connection-lost class. Returns the classified error for propagation.
func (p *Pool) ObserveError(op string, err error) error {
	if err == nil {
		return nil
	}
	classified := Classify(op, err)
	if CodeOf(classified) == CodeConnectionLost {
		p.MarkDegraded(op, err)
	}
	return classified
}

// SetProbeWrite installs the harmless write used by the health probe.
func (p *Pool) SetProbeWrite(fn func(context.Context) error) {
	p.probeWrite.Store(fn)
}

// Probe runs one health check pass: a read and, when wired, a harmless
// write. A fully successful probe clears degraded mode.
func (p *Pool) Probe(ctx context.Context) error {
	var one int
	if err := p.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		p.MarkDegraded("pool.probe", err)
		return Classify("pool.probe", err)
	}
	if fn, ok := p.probeWrite.Load().(func(context.Context) error); ok && fn != nil {
		if err := fn(ctx); err != nil {
			p.MarkDegraded("pool.probe", err)
			return Classify("pool.probe", err)
		}
	}
	if p.degraded.CompareAndSwap(true, false) {
		p.log.Info("database recovered, leaving degraded mode", "op", "pool.probe")
	}
	return nil
}

// StartSupervisor launches the background probe loop. Stop with
// StopSupervisor or by closing the pool.
func (p *Pool) StartSupervisor(every time.Duration) {
	if every <= 0 {
		every = 30 * time.Second
	}
	p.supervisorStop = make(chan struct{})
	p.supervisorDone = make(chan struct{})
	go func() {
		defer close(p.supervisorDone)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectionTimeout)
				_ = p.Probe(ctx)
				cancel()
			case <-p.supervisorStop:
				return
			}
		}
	}()
}

// StopSupervisor stops the probe loop and waits for it to exit.
func (p *Pool) StopSupervisor() {
	if p.supervisorStop == nil {
		return
	}
	close(p.supervisorStop)
	<-p.supervisorDone
	p.supervisorStop = nil
}

// Close stops the supervisor and closes the pool. In-flight writers receive
// CONNECTION_LOST from their next driver call.
func (p *Pool) Close() error {
	p.StopSupervisor()
	return p.db.Close()
}

// Track times a statement and emits a DB_SLOW_QUERY warning when it exceeds
// the configured threshold. Use as: defer p.Track(op)().
func (p *Pool) Track(op string) func() {
	start := time.Now()
	return func() {
		elapsed := time.Since(start)
		if elapsed >= p.cfg.SlowQuery {
			p.log.Warn("slow query",
				"code", CodeSlowQuery, "op", op, "elapsedMs", elapsed.Milliseconds())
		}
	}
}

// UnixNow returns the current UTC timestamp in seconds, the canonical time
// representation across the schema.
func UnixNow() int64 { return time.Now().UTC().Unix() }
