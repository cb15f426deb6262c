package app

import (
	"context"
	"database/sql"
	"fmt"

	log "github.com/sirupsen/logrus"

	"buildline/internal/db"
	"buildline/internal/engine"
	"buildline/internal/metrics"
	"buildline/internal/migrate"
	"buildline/internal/model"
	"buildline/internal/runner"
	"buildline/internal/settings"
	"buildline/internal/vcs"
)

// Options select the workspace and settings file.
type Options struct {
	Workspace    string
	SettingsPath string
	// Checkout clones the build type's VCS root before running steps.
	Checkout bool
}

// Context is a loaded workspace: compiled settings plus an open, migrated store.
type Context struct {
	Workspace string
	Settings  *settings.Settings
	Project   *model.Project
	DB        *sql.DB
	checkout  bool
}

// LoadSettings reads the settings file named by opts, falling back to the
// workspace file and then to the built-in declaration.
func LoadSettings(opts Options) (*settings.Settings, error) {
	if opts.SettingsPath != "" {
		return settings.FromFile(opts.SettingsPath)
	}
	return settings.LoadOptional(opts.Workspace)
}

// Load compiles the settings and opens the workspace database.
func Load(ctx context.Context, opts Options) (*Context, error) {
	s, err := LoadSettings(opts)
	if err != nil {
		return nil, err
	}
	project, err := s.Compile()
	if err != nil {
		return nil, fmt.Errorf("compile settings: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Context{
		Workspace: opts.Workspace,
		Settings:  s,
		Project:   project,
		DB:        conn,
		checkout:  opts.Checkout,
	}, nil
}

// Engine builds an engine that logs through logger and records into rec.
func (c *Context) Engine(logger log.FieldLogger, rec *metrics.Recorder) engine.Engine {
	eng := engine.New(c.DB, c.Settings, c.Project, c.Workspace)
	eng.Logger = logger
	eng.Runner = runner.NewShellRunner(logger)
	eng.Metrics = rec
	if c.checkout {
		eng.Checkout = func(ctx context.Context, root vcs.Root, dir string) error {
			return vcs.Checkout(ctx, root, dir, logger)
		}
	}
	return eng
}

func (c *Context) Close() error {
	return c.DB.Close()
}
