// Package engine runs standing work: freshness, context gathering, bounded
// tool-augmented generation, retention and delivery.
package engine

import (
	"database/sql"
	"errors"
	"log"
	"time"

	"driftline/internal/config"
	"driftline/internal/delivery"
	"driftline/internal/events"
	"driftline/internal/llm"
	"driftline/internal/repo"
	"driftline/internal/search"
	"driftline/internal/tools"
)

var (
	// ErrNoNewContent means the work's sources produced nothing since its last
	// run; no version was created.
	ErrNoNewContent = errors.New("no new content since last run")
	// ErrBusy means another autonomous operation holds the owner.
	ErrBusy = errors.New("owner has an operation in flight")
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	LLM      llm.Client
	Tools    *tools.Toolset
	Delivery *delivery.Router
	Now      func() time.Time
	Logger   *log.Logger
}

// New wires an engine over db. LLM is left for the caller to set; delivery
// uses the configured senders and web search stays disabled until Tools.Search
// is replaced.
func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{Repo: r},
		Config:   cfg,
		Tools:    &tools.Toolset{Repo: r, Search: search.Disabled{}, SnippetChars: cfg.Engine.ContextChars},
		Delivery: delivery.NewRouter(r, cfg.Delivery),
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf("engine: "+format, args...)
		return
	}
	log.Printf("engine: "+format, args...)
}
