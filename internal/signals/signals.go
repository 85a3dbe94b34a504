package signals

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"driftline/internal/domain"
	"driftline/internal/engine"
	"driftline/internal/events"
	"driftline/internal/repo"
	"driftline/internal/tools"
)

// ErrRateLimited means a manual run landed inside the owner's cooldown.
var ErrRateLimited = errors.New("signal processing is cooling down")

// PhaseManual holds the manual cooldown lease. It is never released and
// simply expires.
const PhaseManual = "manual_signals"

// Processor runs extract, reason and apply for one owner.
type Processor struct {
	Engine    engine.Engine
	Extractor Extractor
	Reasoner  Reasoner
	Executor  Executor
	Logger    *log.Logger
}

// New wires a processor that shares the engine's store, config, model and
// clock. Created works run through eng.
func New(eng engine.Engine) *Processor {
	return &Processor{
		Engine:    eng,
		Extractor: Extractor{Repo: eng.Repo, Config: eng.Config, Now: eng.Now},
		Reasoner:  Reasoner{LLM: eng.LLM, Config: eng.Config, Logger: eng.Logger},
		Executor:  Executor{Repo: eng.Repo, Events: eng.Events, Config: eng.Config, Runner: eng, Now: eng.Now, Logger: eng.Logger},
		Logger:    eng.Logger,
	}
}

func (p *Processor) now() time.Time {
	if p.Engine.Now == nil {
		return time.Now().UTC()
	}
	return p.Engine.Now().UTC()
}

func (p *Processor) logf(format string, args ...any) {
	if p.Logger != nil {
		p.Logger.Printf("signals: "+format, args...)
		return
	}
	log.Printf("signals: "+format, args...)
}

// Process runs one cycle under the owner's autonomy lease. It returns
// engine.ErrBusy when the owner already has an operation in flight.
func (p *Processor) Process(ctx context.Context, ownerID string) ([]SignalAction, error) {
	var out []SignalAction
	err := p.Engine.WithOwner(ctx, ownerID, func(ctx context.Context) error {
		var err error
		out, err = p.process(ctx, ownerID)
		return err
	})
	return out, err
}

// ProcessManual is Process behind the per-owner manual cooldown.
func (p *Processor) ProcessManual(ctx context.Context, ownerID string) ([]SignalAction, error) {
	ok, err := p.Engine.Repo.AcquireLease(ctx, ownerID, PhaseManual, uuid.NewString(), p.now(), p.Engine.Config.Signals.ManualCooldown)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRateLimited
	}
	return p.Process(ctx, ownerID)
}

func (p *Processor) process(ctx context.Context, ownerID string) ([]SignalAction, error) {
	summary, err := p.Extractor.Extract(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	if summary.TotalItems < p.Engine.Config.Signals.MinItems || summary.Empty() {
		_ = p.Engine.Events.Log(ctx, ownerID, events.SignalsSkipped, "", fmt.Sprintf("%d items, below threshold", summary.TotalItems),
			events.Payload{"total_items": summary.TotalItems})
		return []SignalAction{}, nil
	}
	rc, err := p.reasonerContext(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("reasoner context: %w", err)
	}
	proposed, err := p.Reasoner.Reason(ctx, summary, rc)
	if err != nil {
		return nil, err
	}
	actions, err := p.Executor.Apply(ctx, ownerID, proposed)
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, a := range actions {
		counts[string(a.Outcome)]++
	}
	_ = p.Engine.Events.Log(ctx, ownerID, events.SignalsProcessed, "",
		fmt.Sprintf("%d items, %d proposed, %d created, %d triggered", summary.TotalItems, len(proposed), counts[string(OutcomeCreated)], counts[string(OutcomeTriggered)]),
		events.Payload{"total_items": summary.TotalItems, "outcomes": counts})
	p.logf("owner %s: %d items, %d actions", ownerID, summary.TotalItems, len(actions))
	return actions, nil
}

// reasonerContext gathers preferences, recent activity and existing works with their
// latest version preview.
func (p *Processor) reasonerContext(ctx context.Context, ownerID string) (Context, error) {
	var rc Context
	owner, err := p.Engine.Repo.GetOwner(ctx, ownerID)
	switch {
	case err == nil:
		rc.Preferences = owner.Preferences
	case !errors.Is(err, repo.ErrNotFound):
		return rc, err
	}
	cfg := p.Engine.Config.Signals
	var since time.Time
	if cfg.ActivityLookback > 0 {
		since = p.now().Add(-cfg.ActivityLookback)
	}
	limit := cfg.ActivityLimit
	if limit <= 0 {
		limit = 20
	}
	rc.RecentActivity, err = p.Engine.Repo.ListActivity(ctx, repo.ActivityFilter{OwnerID: ownerID, Since: since, Limit: limit})
	if err != nil {
		return rc, err
	}
	works, err := p.Engine.Repo.ListWorks(ctx, repo.WorkFilter{OwnerID: ownerID, Status: domain.WorkActive})
	if err != nil {
		return rc, err
	}
	preview := cfg.PreviewChars
	if preview <= 0 {
		preview = 300
	}
	for _, w := range works {
		wc := WorkContext{Work: w}
		v, err := p.Engine.Repo.LatestVersion(ctx, w.ID)
		switch {
		case err == nil:
			wc.LatestStatus = string(v.Status)
			at := v.CreatedAt
			wc.LatestAt = &at
			wc.LatestPreview = tools.Truncate(v.FinalContent, preview)
		case !errors.Is(err, repo.ErrNotFound):
			return rc, err
		}
		rc.ExistingWork = append(rc.ExistingWork, wc)
	}
	return rc, nil
}
