package app

import (
	"database/sql"
	"time"

	"gateline/internal/audit"
	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/executor"
	"gateline/internal/migrate"
	"gateline/internal/policy"
	"gateline/internal/recovery"
	"gateline/internal/registry"
	"gateline/internal/repo"
	"gateline/internal/store"
)

// Core wires the execution core for one workspace: database, registry,
// audit log, resource store, and executor.
type Core struct {
	DB        *sql.DB
	Config    *config.Config
	Registry  *registry.Registry
	Audit     audit.Log
	Store     store.SQL
	Executor  *executor.Executor
	Repo      repo.Repo
	Workspace string
}

// Open opens the workspace database, applies migrations, loads and compiles
// the configuration, and builds the executor. A ConfigError here is fatal:
// the core refuses to start on an invalid policy or command set.
func Open(workspace string) (*Core, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	return OpenWith(workspace, cfg)
}

// OpenWith is Open with an already loaded config (used by init and tests).
func OpenWith(workspace string, cfg *config.Config) (*Core, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	pol, err := policy.Compile(cfg.Policy)
	if err != nil {
		conn.Close()
		return nil, err
	}
	reg, err := registry.Load(pol, cfg.Definitions())
	if err != nil {
		conn.Close()
		return nil, err
	}
	core := &Core{
		DB:        conn,
		Config:    cfg,
		Registry:  reg,
		Audit:     audit.Log{DB: conn},
		Store:     store.SQL{DB: conn},
		Repo:      repo.Repo{DB: conn},
		Workspace: workspace,
	}
	core.Executor = &executor.Executor{
		Registry:       reg,
		Audit:          core.Audit,
		Store:          core.Store,
		DefaultTimeout: time.Duration(cfg.Executor.DefaultTimeoutSeconds) * time.Second,
	}
	return core, nil
}

// Reload re-reads the workspace config, revalidates it, and atomically swaps
// the registry snapshot. On any error the active snapshot stays in place.
func (c *Core) Reload() error {
	cfg, err := config.Load(c.Workspace)
	if err != nil {
		return err
	}
	return c.ReloadWith(cfg)
}

// ReloadWith swaps in an already loaded config.
func (c *Core) ReloadWith(cfg *config.Config) error {
	pol, err := policy.Compile(cfg.Policy)
	if err != nil {
		return err
	}
	if _, err := c.Registry.Reload(pol, cfg.Definitions()); err != nil {
		return err
	}
	c.Config = cfg
	return nil
}

// Reconciler builds the crash-recovery reconciler from config.
func (c *Core) Reconciler() recovery.Reconciler {
	minAge := time.Duration(c.Config.Recovery.MinAgeSeconds) * time.Second
	if minAge == 0 {
		minAge = time.Minute
	}
	return recovery.Reconciler{
		Audit:  c.Audit,
		Policy: c.Config.Recovery.Policy,
		MinAge: minAge,
	}
}

// Close releases the database handle.
func (c *Core) Close() error {
	return c.DB.Close()
}
