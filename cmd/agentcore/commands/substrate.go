package commands

import (
	"database/sql"
	"fmt"

	"github.com/agentcore/substrate/internal/config"
	"github.com/agentcore/substrate/internal/dbwriter"
	"github.com/agentcore/substrate/internal/migrate"
	"github.com/agentcore/substrate/internal/paths"
	"github.com/agentcore/substrate/internal/project"
)

// handle bundles together the pieces every "project" subcommand needs:
// the resolved config, a running writer for the agentos component
// database, and the project service built on top of it.
type handle struct {
	cfg     *config.Config
	writer  *dbwriter.Writer
	project *project.Service
}

func openHandle() (*handle, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.DatabaseType != config.DatabaseSQLite {
		return nil, fmt.Errorf("database_type %q is out of scope for this core; only sqlite is wired", cfg.DatabaseType)
	}

	registry, err := paths.NewRegistry(cfg.Home)
	if err != nil {
		return nil, fmt.Errorf("build path registry: %w", err)
	}
	dbPath, err := registry.EnsureDB(paths.ComponentAgentOS)
	if err != nil {
		return nil, fmt.Errorf("ensure database: %w", err)
	}

	w, err := dbwriter.Get(dbPath, cfg.BusyTimeout)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}

	migrations, err := migrate.Load(migrate.DefaultBackfills())
	if err != nil {
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	if err := migrate.Run(w.DB(), migrations); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &handle{
		cfg:     cfg,
		writer:  w,
		project: project.NewService(w, cfg.WorkspaceRoot),
	}, nil
}

func (h *handle) db() *sql.DB {
	return h.writer.DB()
}
