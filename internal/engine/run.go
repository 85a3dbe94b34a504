package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"driftline/internal/domain"
	"driftline/internal/events"
	"driftline/internal/metrics"
)

type RunOptions struct {
	// Force skips the freshness check and runs paused work.
	Force bool
	// Trigger labels the activity event: manual, schedule or signal.
	Trigger string
}

// Run executes a work under its owner's autonomy lease.
func (e Engine) Run(ctx context.Context, workID string, opts RunOptions) (domain.WorkVersion, error) {
	w, err := e.Repo.GetWork(ctx, workID)
	if err != nil {
		return domain.WorkVersion{}, err
	}
	var v domain.WorkVersion
	err = e.WithOwner(ctx, w.OwnerID, func(ctx context.Context) error {
		var err error
		v, err = e.Execute(ctx, workID, opts)
		return err
	})
	return v, err
}

// Execute runs one work. The caller must hold the owner's autonomy lease.
//
// Errors are returned only when no version was produced: missing work,
// validation, ErrNoNewContent or storage failures. A generation or delivery
// failure yields a failed version and a nil error.
func (e Engine) Execute(ctx context.Context, workID string, opts RunOptions) (domain.WorkVersion, error) {
	w, err := e.Repo.GetWork(ctx, workID)
	if err != nil {
		return domain.WorkVersion{}, err
	}
	switch w.Status {
	case domain.WorkActive:
	case domain.WorkPaused:
		if !opts.Force {
			return domain.WorkVersion{}, domain.ValidationError{Code: "work_paused", Field: "status", Message: "work is paused"}
		}
	default:
		return domain.WorkVersion{}, domain.ValidationError{Code: "work_archived", Field: "status", Message: "work is archived"}
	}
	if !w.Binding.Valid() {
		return domain.WorkVersion{}, domain.ValidationError{Code: "invalid_binding", Field: "binding", Message: fmt.Sprintf("unknown binding %q", w.Binding)}
	}
	now := e.now()

	if sources, checked := freshnessSources(w); checked && !opts.Force && w.LastRunAt != nil {
		n, err := e.Repo.CountContentSince(ctx, w.OwnerID, sources, *w.LastRunAt)
		if err != nil {
			return domain.WorkVersion{}, err
		}
		if n == 0 {
			if err := e.Repo.SetNextRun(ctx, nil, w.ID, nextRun(w, now), now); err != nil {
				return domain.WorkVersion{}, err
			}
			_ = e.Events.Log(ctx, w.OwnerID, events.WorkSkipped, w.ID, fmt.Sprintf("%s skipped: no new content", w.Title), nil)
			return domain.WorkVersion{}, ErrNoNewContent
		}
	}

	v, err := e.Repo.InsertVersion(ctx, uuid.NewString(), w, now)
	if err != nil {
		return domain.WorkVersion{}, err
	}
	v = e.produce(ctx, w, v, opts)
	return v, nil
}

// produce drives a generating version to delivered or failed. Every failure
// after the version exists is recorded on the version.
func (e Engine) produce(ctx context.Context, w domain.StandingWork, v domain.WorkVersion, opts RunOptions) domain.WorkVersion {
	fail := func(cause error) domain.WorkVersion {
		return e.finish(ctx, w, v, cause, false, opts)
	}

	g, err := e.gather(ctx, w)
	if err != nil {
		return fail(fmt.Errorf("gather: %w", err))
	}
	var preferences string
	if owner, err := e.Repo.GetOwner(ctx, w.OwnerID); err == nil {
		preferences = owner.Preferences
	}
	system, user := e.buildPrompt(w, g, preferences, e.priorFeedback(ctx, v))

	gen, err := e.generate(ctx, w.OwnerID, system, user, g.Rounds)
	if err != nil {
		return fail(fmt.Errorf("generation: %w", err))
	}

	snapshot := snapshotIDs(g, gen.ReadIDs)
	final := finalize(gen.Draft)
	if err := e.Repo.SaveVersionContent(ctx, v.ID, gen.Draft, final, snapshot); err != nil {
		return fail(fmt.Errorf("save content: %w", err))
	}
	v.DraftContent, v.FinalContent, v.SourceSnapshot = gen.Draft, final, snapshot
	if _, err := e.Repo.MarkRetained(ctx, nil, snapshot, domain.RetainedGeneration, v.ID); err != nil {
		return fail(fmt.Errorf("retain sources: %w", err))
	}

	_, derr := e.Delivery.DeliverAll(ctx, w, v)
	if derr != nil {
		return e.finish(ctx, w, v, fmt.Errorf("delivery: %w", derr), true, opts)
	}
	return e.finish(ctx, w, v, nil, true, opts)
}

// finish sets the terminal status, moves the work's schedule and logs the
// outcome. generated reports whether content was produced; only then is
// last_run_at advanced.
func (e Engine) finish(ctx context.Context, w domain.StandingWork, v domain.WorkVersion, cause error, generated bool, opts RunOptions) domain.WorkVersion {
	ctx = context.WithoutCancel(ctx)
	now := e.now()
	status := domain.VersionDelivered
	var deliveredAt *time.Time
	errMsg := ""
	if cause != nil {
		status = domain.VersionFailed
		errMsg = cause.Error()
	} else {
		deliveredAt = &now
	}
	if err := e.Repo.FinishVersion(ctx, v.ID, status, errMsg, deliveredAt); err != nil {
		e.logf("finish version %s: %v", v.ID, err)
	}
	v.Status, v.Error, v.DeliveredAt = status, errMsg, deliveredAt

	next := nextRun(w, now)
	if generated {
		if err := e.Repo.MarkWorkRun(ctx, w.ID, now, next); err != nil {
			e.logf("mark run %s: %v", w.ID, err)
		}
	} else if err := e.Repo.SetNextRun(ctx, nil, w.ID, next, now); err != nil {
		e.logf("next run %s: %v", w.ID, err)
	}

	metrics.Version(ctx, string(w.Binding), string(status))
	eventType, summary := events.VersionDelivered, fmt.Sprintf("%s v%d delivered", w.Title, v.VersionNumber)
	if cause != nil {
		eventType, summary = events.VersionFailed, fmt.Sprintf("%s v%d failed: %s", w.Title, v.VersionNumber, errMsg)
		e.logf("work %s version %d failed: %v", w.ID, v.VersionNumber, cause)
	}
	_ = e.Events.Log(ctx, w.OwnerID, eventType, v.ID, summary, events.Payload{
		"work_id":        w.ID,
		"version_number": v.VersionNumber,
		"binding":        string(w.Binding),
		"trigger":        opts.Trigger,
		"sources":        len(v.SourceSnapshot),
	})
	return v
}

// nextRun is the next schedule slot for recurring work and nil otherwise.
func nextRun(w domain.StandingWork, now time.Time) *time.Time {
	if !w.Recurring() {
		return nil
	}
	next, ok := w.Schedule.Next(now)
	if !ok {
		return nil
	}
	return &next
}

func (e Engine) priorFeedback(ctx context.Context, v domain.WorkVersion) string {
	if v.VersionNumber <= 1 {
		return ""
	}
	versions, err := e.Repo.ListVersions(ctx, v.WorkID, 2)
	if err != nil {
		return ""
	}
	for _, p := range versions {
		if p.VersionNumber == v.VersionNumber-1 {
			return p.Feedback
		}
	}
	return ""
}

// snapshotIDs lists gathered items then tool reads, without repeats.
func snapshotIDs(g gathered, read []string) []string {
	seen := map[string]bool{}
	out := []string{}
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, it := range g.Items {
		add(it.ID)
	}
	for _, id := range read {
		add(id)
	}
	return out
}
