package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"demandline/internal/config"
	"demandline/internal/db"
	"demandline/internal/engine"
	"demandline/internal/migrate"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/demandline.yml.
	ConfigPath string
	LogWriter  io.Writer
	LogLevel   string
	// LogPath appends logs to a file instead of LogWriter.
	LogPath string
}

// Context bundles everything a command needs to run against a workspace.
type Context struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
	Log    zerolog.Logger

	closeLog func() error
}

// Open loads config, opens and migrates the workspace database and wires the
// engine. Callers must Close the result.
func Open(ctx context.Context, opts Options) (*Context, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logger, closeLog, err := NewLogger(LogOptions{Level: level, Format: cfg.Log.Format, Writer: opts.LogWriter, Path: opts.LogPath})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		closeLog()
		return nil, err
	}
	version, err := migrate.MigrateContext(ctx, conn)
	if err != nil {
		conn.Close()
		closeLog()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	latest, err := migrate.Latest()
	if err == nil && version > latest {
		err = fmt.Errorf("workspace schema version %d is newer than this build (%d)", version, latest)
	}
	if err != nil {
		conn.Close()
		closeLog()
		return nil, err
	}
	logger.Debug().Int("schema_version", version).Str("db", db.Path(opts.Workspace)).Msg("workspace ready")

	eng := engine.New(conn, cfg)
	eng.Log = logger.With().Str("component", "engine").Logger()
	return &Context{DB: conn, Config: cfg, Engine: eng, Log: logger, closeLog: closeLog}, nil
}

func (c *Context) Close() error {
	err := c.DB.Close()
	if cerr := c.closeLog(); err == nil {
		err = cerr
	}
	return err
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.LoadOptional(opts.Workspace)
}
