// Package scheduler drives every background phase from a single tick. Each
// phase decides whether it is due from persisted timestamps only, so restarts
// and overlapping instances agree.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"driftline/internal/engine"
	"driftline/internal/events"
	"driftline/internal/metrics"
	"driftline/internal/signals"
	syncer "driftline/internal/sync"
)

const (
	PhaseSignals = "signals"
	PhaseCleanup = "cleanup"
	GlobalScope  = "global"
)

type Scheduler struct {
	Engine  engine.Engine
	Sync    *syncer.Syncer
	Signals *signals.Processor
	Logger  *log.Logger
}

func New(eng engine.Engine, s *syncer.Syncer, p *signals.Processor) *Scheduler {
	return &Scheduler{Engine: eng, Sync: s, Signals: p, Logger: eng.Logger}
}

// OwnerSignals is one owner's signal cycle inside a tick.
type OwnerSignals struct {
	OwnerID string                 `json:"owner_id"`
	Status  string                 `json:"status"`
	Actions []signals.SignalAction `json:"actions,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

type CleanupReport struct {
	Deleted map[string]int64 `json:"deleted"`
	Total   int64            `json:"total"`
}

// Report describes what one tick did. Phases that were not due are empty.
type Report struct {
	At          time.Time           `json:"at"`
	Interrupted []string            `json:"interrupted,omitempty"`
	Synced      []syncer.Result     `json:"synced"`
	Runs        []engine.RunOutcome `json:"runs"`
	Signals     []OwnerSignals      `json:"signals"`
	Cleanup     *CleanupReport      `json:"cleanup,omitempty"`
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf("scheduler: "+format, args...)
		return
	}
	log.Printf("scheduler: "+format, args...)
}

func (s *Scheduler) workers() int {
	if n := s.Engine.Config.Scheduler.Workers; n > 0 {
		return n
	}
	return 1
}

// Tick runs every due phase once. A failing phase does not stop the others;
// their errors are joined.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (Report, error) {
	now = now.UTC()
	rep := Report{At: now}
	var errs []error

	interrupted, err := s.Engine.FailInterrupted(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("interrupted versions: %w", err))
	}
	for _, v := range interrupted {
		rep.Interrupted = append(rep.Interrupted, v.ID)
	}

	if s.Sync != nil {
		synced, err := s.Sync.SyncDue(ctx, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("sync: %w", err))
		}
		rep.Synced = synced
	}

	runs, err := s.Engine.RunDue(ctx, now, s.workers())
	if err != nil {
		errs = append(errs, fmt.Errorf("execute: %w", err))
	}
	rep.Runs = runs

	if s.Signals != nil {
		sig, err := s.signalPhase(ctx, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("signals: %w", err))
		}
		rep.Signals = sig
	}

	cleanup, err := s.cleanupPhase(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("cleanup: %w", err))
	}
	rep.Cleanup = cleanup

	err = errors.Join(errs...)
	if err != nil {
		s.logf("tick %s: %v", now.Format(time.RFC3339), err)
	}
	return rep, err
}

// SignalsDue reports whether an owner's hourly cycle is due.
func (s *Scheduler) SignalsDue(ctx context.Context, ownerID string, now time.Time) (bool, error) {
	last, err := s.Engine.Repo.PhaseLastRun(ctx, ownerID, PhaseSignals)
	if err != nil {
		return false, err
	}
	return last == nil || !last.After(now.Add(-s.Engine.Config.Scheduler.SignalInterval)), nil
}

func (s *Scheduler) signalPhase(ctx context.Context, now time.Time) ([]OwnerSignals, error) {
	owners, err := s.Engine.Repo.OwnersWithActiveConnections(ctx)
	if err != nil {
		return nil, err
	}
	p := pool.NewWithResults[*OwnerSignals]().WithMaxGoroutines(s.workers())
	for _, owner := range owners {
		p.Go(func() *OwnerSignals {
			return s.ownerSignals(ctx, owner, now)
		})
	}
	var out []OwnerSignals
	for _, r := range p.Wait() {
		if r != nil {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerID < out[j].OwnerID })
	return out, nil
}

func (s *Scheduler) ownerSignals(ctx context.Context, ownerID string, now time.Time) *OwnerSignals {
	due, err := s.SignalsDue(ctx, ownerID, now)
	if err != nil {
		s.logf("signals due %s: %v", ownerID, err)
		return &OwnerSignals{OwnerID: ownerID, Status: "error", Error: err.Error()}
	}
	if !due {
		return nil
	}
	res := &OwnerSignals{OwnerID: ownerID, Status: "processed"}
	actions, err := s.Signals.Process(ctx, ownerID)
	switch {
	case errors.Is(err, engine.ErrBusy):
		res.Status = "busy"
		return res
	case err != nil:
		res.Status, res.Error = "error", err.Error()
		s.logf("signals %s: %v", ownerID, err)
	default:
		res.Actions = actions
	}
	// A failed cycle still consumes its slot; the reasoner is not retried until
	// the next interval.
	if err := s.Engine.Repo.SetPhaseRun(context.WithoutCancel(ctx), ownerID, PhaseSignals, now); err != nil {
		s.logf("record signals run %s: %v", ownerID, err)
	}
	return res
}

// CleanupSlot is the most recent daily cleanup slot at or before now.
func (s *Scheduler) CleanupSlot(now time.Time) time.Time {
	now = now.UTC()
	slot := time.Date(now.Year(), now.Month(), now.Day(), s.Engine.Config.Scheduler.CleanupHour, 0, 0, 0, time.UTC)
	if slot.After(now) {
		slot = slot.AddDate(0, 0, -1)
	}
	return slot
}

func (s *Scheduler) cleanupPhase(ctx context.Context, now time.Time) (*CleanupReport, error) {
	slot := s.CleanupSlot(now)
	last, err := s.Engine.Repo.PhaseLastRun(ctx, GlobalScope, PhaseCleanup)
	if err != nil {
		return nil, err
	}
	if last != nil && !last.Before(slot) {
		return nil, nil
	}
	holder := uuid.NewString()
	ok, err := s.Engine.Repo.AcquireLease(ctx, GlobalScope, PhaseCleanup, holder, now, s.Engine.Config.Scheduler.LeaseTTL)
	if err != nil || !ok {
		return nil, err
	}
	defer func() {
		if err := s.Engine.Repo.ReleaseLease(context.WithoutCancel(ctx), GlobalScope, PhaseCleanup, holder); err != nil {
			s.logf("release cleanup lease: %v", err)
		}
	}()
	return s.Cleanup(ctx, now)
}

// Cleanup deletes expired ephemeral content now and records the run.
func (s *Scheduler) Cleanup(ctx context.Context, now time.Time) (*CleanupReport, error) {
	deleted, err := s.Engine.Repo.CleanupContent(ctx, now)
	if err != nil {
		return nil, err
	}
	rep := &CleanupReport{Deleted: deleted}
	for owner, n := range deleted {
		rep.Total += n
		_ = s.Engine.Events.Log(ctx, owner, events.CleanupCompleted, "", fmt.Sprintf("deleted %d expired items", n), events.Payload{"deleted": n})
	}
	metrics.CleanupDeleted(ctx, rep.Total)
	if err := s.Engine.Repo.SetPhaseRun(ctx, GlobalScope, PhaseCleanup, now); err != nil {
		return rep, err
	}
	s.logf("cleanup deleted %d items", rep.Total)
	return rep, nil
}

// Run ticks immediately and then every tick_interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := s.Engine.Config.Scheduler.TickInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		_, _ = s.Tick(ctx, s.now())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) now() time.Time {
	if s.Engine.Now != nil {
		return s.Engine.Now().UTC()
	}
	return time.Now().UTC()
}
