package app

import (
	"database/sql"
	"log/slog"
	"os"
	"time"

	"steward/internal/approval"
	"steward/internal/audit"
	"steward/internal/config"
	"steward/internal/db"
	"steward/internal/executor"
	"steward/internal/migrate"
	"steward/internal/orchestrator"
	"steward/internal/queue"
	"steward/internal/repo"
	"steward/internal/retry"
	"steward/internal/risk"
)

// Runtime is the wired-up application: one database connection and every
// component built on top of it from a single config.
type Runtime struct {
	DB       *sql.DB
	Config   *config.Config
	Repo     repo.Repo
	Audit    audit.Writer
	Queue    queue.Queue
	Gate     approval.Gate
	Executor executor.Executor
	Loop     orchestrator.Loop
	Log      *slog.Logger
}

// Options tweak runtime construction without editing the config file.
type Options struct {
	Workspace string
	DryRun    bool
	Registry  *executor.Registry
	Now       func() time.Time
}

// Open migrates the workspace database and wires all components. Config is
// read from steward.yml when present, defaults otherwise.
func Open(opts Options) (*Runtime, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(opts.Workspace)
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return Build(conn, cfg, opts), nil
}

// Build wires components onto an existing migrated connection. Split out of
// Open so tests can inject their own database and clock.
func Build(conn *sql.DB, cfg *config.Config, opts Options) *Runtime {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	reg := opts.Registry
	if reg == nil {
		reg = executor.DefaultRegistry()
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	r := repo.Repo{DB: conn}
	aud := audit.Writer{DB: conn, Now: now}
	q := queue.Queue{DB: conn, Repo: r, Audit: aud, Now: now}
	gate := approval.Gate{DB: conn, Repo: r, Audit: aud, Timeout: cfg.ApprovalTimeout(), Now: now}
	ctrl := retry.NewController(cfg.Retry.MaxAttempts, cfg.RetryBaseDelay(), cfg.Retry.BackoffFactor)
	x := executor.Executor{
		DB:         conn,
		Repo:       r,
		Audit:      aud,
		Gate:       gate,
		Registry:   reg,
		Retry:      ctrl,
		Classifier: risk.FromConfig(cfg),
		DryRun:     opts.DryRun || cfg.Orchestrator.DryRun,
		Now:        now,
	}
	loop := orchestrator.Loop{
		Queue:      q,
		Executor:   x,
		Repo:       r,
		Audit:      aud,
		Log:        logger,
		DrainLimit: cfg.Orchestrator.DrainLimit,
		Interval:   cfg.CycleInterval(),
		Now:        now,
	}
	return &Runtime{
		DB:       conn,
		Config:   cfg,
		Repo:     r,
		Audit:    aud,
		Queue:    q,
		Gate:     gate,
		Executor: x,
		Loop:     loop,
		Log:      logger,
	}
}

func (rt *Runtime) Close() error {
	return rt.DB.Close()
}
