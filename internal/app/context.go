// Package app assembles the components over one workspace: database,
// configuration, engine, sync, signals and scheduler.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"driftline/internal/config"
	"driftline/internal/db"
	"driftline/internal/engine"
	"driftline/internal/llm"
	"driftline/internal/metrics"
	"driftline/internal/migrate"
	"driftline/internal/platform"
	"driftline/internal/scheduler"
	"driftline/internal/search"
	"driftline/internal/signals"
	syncer "driftline/internal/sync"
)

// Secrets are credentials read from the environment. They never live in
// driftline.yml.
type Secrets struct {
	LLMAPIKey     string
	BraveAPIKey   string
	SMTPUsername  string
	SMTPPassword  string
	SlackBotToken string
	NotionToken   string
}

type App struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
	Sync      *syncer.Syncer
	Signals   *signals.Processor
	Scheduler *scheduler.Scheduler
}

// Open opens (and migrates) the workspace database, loads driftline.yml over
// the defaults and wires every component.
func Open(ctx context.Context, workspace string, sec Secrets, logger *log.Logger) (*App, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a := Wire(conn, cfg, sec, logger)
	a.Workspace = workspace
	return a, nil
}

// Wire builds the components over an open, migrated database.
func Wire(conn *sql.DB, cfg *config.Config, sec Secrets, logger *log.Logger) *App {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = log.Default()
	}
	cfg.LLM.APIKey = sec.LLMAPIKey
	cfg.Search.APIKey = sec.BraveAPIKey
	if sec.SMTPUsername != "" {
		cfg.Delivery.SMTP.Username = sec.SMTPUsername
	}
	cfg.Delivery.SMTP.Password = sec.SMTPPassword
	cfg.Delivery.SlackBotToken = sec.SlackBotToken
	cfg.Delivery.NotionToken = sec.NotionToken

	e := engine.New(conn, cfg)
	e.Logger = logger
	e.Events.Logger = logger
	e.Delivery.Logger = logger
	e.LLM = llm.NewOpenAI(cfg.LLM)
	e.Tools.Search = search.New(cfg.Search.Provider, cfg.Search.APIKey, cfg.Search.Timeout)

	s := syncer.New(e.Repo, cfg, platform.NewRegistry(cfg, nil), e.Events)
	s.Logger = logger
	p := signals.New(e)
	return &App{
		DB:        conn,
		Config:    cfg,
		Engine:    e,
		Sync:      s,
		Signals:   p,
		Scheduler: scheduler.New(e, s, p),
	}
}

// MetricsFile is where the file exporter appends its collections.
func MetricsFile(workspace string) string {
	return filepath.Join(filepath.Dir(db.Path(workspace)), "metrics.jsonl")
}

// StartMetrics installs the exporter named by config.metrics. The returned
// stop flushes the last collection and closes the output.
func (a *App) StartMetrics() (func(context.Context) error, error) {
	var (
		w    io.Writer
		file *os.File
	)
	switch a.Config.Metrics.Exporter {
	case "none":
		return func(context.Context) error { return nil }, nil
	case "stdout":
		w = os.Stdout
	default:
		if _, err := db.EnsureWorkspace(a.Workspace); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(MetricsFile(a.Workspace), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open metrics file: %w", err)
		}
		w, file = f, f
	}
	closeFile := func() error {
		if file != nil {
			return file.Close()
		}
		return nil
	}
	exp, err := metrics.NewWriterExporter(w)
	if err != nil {
		closeFile()
		return nil, fmt.Errorf("metrics exporter: %w", err)
	}
	mp, err := metrics.Setup(exp, a.Config.Metrics.Interval)
	if err != nil {
		closeFile()
		return nil, fmt.Errorf("metrics provider: %w", err)
	}
	return func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), closeFile())
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}
