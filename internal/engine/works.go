package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"driftline/internal/domain"
	"driftline/internal/events"
)

// WorkCreateOptions are parameters for creating a standing work.
type WorkCreateOptions struct {
	ID                string
	OwnerID           string
	Title             string
	Type              string
	Description       string
	Binding           domain.Binding
	Origin            domain.Origin
	Trigger           domain.Trigger
	Schedule          domain.Schedule
	Sources           []domain.Source
	Destinations      []domain.Destination
	ResearchDirective string
}

// CreateWork validates and stores a standing work. Origin defaults to
// user_configured; trigger defaults to schedule when a schedule is given and
// manual otherwise.
func (e Engine) CreateWork(ctx context.Context, opts WorkCreateOptions) (domain.StandingWork, error) {
	now := e.now()
	w := domain.StandingWork{
		ID:                opts.ID,
		OwnerID:           opts.OwnerID,
		Title:             strings.TrimSpace(opts.Title),
		Type:              strings.TrimSpace(opts.Type),
		Description:       opts.Description,
		Binding:           opts.Binding,
		Origin:            opts.Origin,
		Trigger:           opts.Trigger,
		Schedule:          opts.Schedule,
		Sources:           opts.Sources,
		Destinations:      opts.Destinations,
		ResearchDirective: opts.ResearchDirective,
		Status:            domain.WorkActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.Origin == "" {
		w.Origin = domain.OriginUserConfigured
	}
	if w.Schedule.Kind == "" {
		w.Schedule.Kind = domain.ScheduleNone
	}
	if w.Trigger == "" {
		w.Trigger = domain.TriggerManual
		if w.Schedule.Kind != domain.ScheduleNone {
			w.Trigger = domain.TriggerSchedule
		}
	}
	if len(w.Destinations) == 0 {
		w.Destinations = []domain.Destination{{Kind: domain.DestinationDownload}}
	}
	if err := w.Validate(); err != nil {
		return domain.StandingWork{}, err
	}
	w.NextRunAt = nextRun(w, now)
	if err := e.Repo.EnsureOwner(ctx, w.OwnerID, "", now); err != nil {
		return domain.StandingWork{}, err
	}
	if err := e.Repo.InsertWork(ctx, nil, w); err != nil {
		return domain.StandingWork{}, fmt.Errorf("insert work: %w", err)
	}
	_ = e.Events.Log(ctx, w.OwnerID, events.WorkCreated, w.ID, fmt.Sprintf("created %s %q", w.Type, w.Title),
		events.Payload{"origin": string(w.Origin), "binding": string(w.Binding), "trigger": string(w.Trigger)})
	return w, nil
}

// Promote turns a one-off work into a recurring one. Only trigger and schedule
// change.
func (e Engine) Promote(ctx context.Context, workID string, schedule domain.Schedule) (domain.StandingWork, error) {
	if schedule.Kind == "" || schedule.Kind == domain.ScheduleNone {
		return domain.StandingWork{}, domain.ValidationError{Code: "invalid_schedule", Field: "schedule", Message: "promotion needs a schedule"}
	}
	if err := schedule.Validate(); err != nil {
		return domain.StandingWork{}, err
	}
	w, err := e.Repo.GetWork(ctx, workID)
	if err != nil {
		return domain.StandingWork{}, err
	}
	if w.Status == domain.WorkArchived {
		return domain.StandingWork{}, domain.ValidationError{Code: "work_archived", Field: "status", Message: "work is archived"}
	}
	now := e.now()
	next, _ := schedule.Next(now)
	if err := e.Repo.PromoteWork(ctx, workID, schedule, &next, now); err != nil {
		return domain.StandingWork{}, err
	}
	_ = e.Events.Log(ctx, w.OwnerID, events.WorkPromoted, w.ID, fmt.Sprintf("%q now runs %s", w.Title, schedule.Kind), nil)
	return e.Repo.GetWork(ctx, workID)
}

func (e Engine) UpdateWorkStatus(ctx context.Context, workID string, status domain.WorkStatus) (domain.StandingWork, error) {
	w, err := e.Repo.GetWork(ctx, workID)
	if err != nil {
		return domain.StandingWork{}, err
	}
	if w.Status == domain.WorkArchived && status != domain.WorkArchived {
		return domain.StandingWork{}, domain.ValidationError{Code: "work_archived", Field: "status", Message: "archived work cannot be reopened"}
	}
	if err := e.Repo.UpdateWorkStatus(ctx, workID, status, e.now()); err != nil {
		return domain.StandingWork{}, err
	}
	_ = e.Events.Log(ctx, w.OwnerID, events.WorkStatusChanged, w.ID, fmt.Sprintf("%q %s -> %s", w.Title, w.Status, status), nil)
	return e.Repo.GetWork(ctx, workID)
}

// SetFeedback stores edit feedback that the next version's prompt will carry.
func (e Engine) SetFeedback(ctx context.Context, versionID, feedback string) (domain.WorkVersion, error) {
	if err := e.Repo.SetVersionFeedback(ctx, versionID, strings.TrimSpace(feedback)); err != nil {
		return domain.WorkVersion{}, err
	}
	return e.Repo.GetVersion(ctx, versionID)
}

// RetryDelivery re-sends a failed version to the destinations that lack a
// sent receipt. Content is never regenerated.
func (e Engine) RetryDelivery(ctx context.Context, versionID string) (domain.WorkVersion, error) {
	v, err := e.Repo.GetVersion(ctx, versionID)
	if err != nil {
		return domain.WorkVersion{}, err
	}
	if v.Status != domain.VersionFailed {
		return domain.WorkVersion{}, domain.ValidationError{Code: "not_retryable", Field: "status", Message: fmt.Sprintf("version is %s, only failed versions can be retried", v.Status)}
	}
	if strings.TrimSpace(v.FinalContent) == "" {
		return domain.WorkVersion{}, domain.ValidationError{Code: "not_retryable", Field: "final_content", Message: "version has no content to deliver"}
	}
	w, err := e.Repo.GetWork(ctx, v.WorkID)
	if err != nil {
		return domain.WorkVersion{}, err
	}
	_, derr := e.Delivery.DeliverAll(ctx, w, v)
	now := e.now()
	if derr == nil {
		err = e.Repo.FinishVersion(ctx, v.ID, domain.VersionDelivered, "", &now)
	} else {
		err = e.Repo.FinishVersion(ctx, v.ID, domain.VersionFailed, "delivery: "+derr.Error(), nil)
	}
	if err != nil {
		return domain.WorkVersion{}, err
	}
	outcome := "delivered"
	if derr != nil {
		outcome = "failed"
	}
	_ = e.Events.Log(ctx, w.OwnerID, events.DeliveryRetried, v.ID, fmt.Sprintf("%s v%d retry %s", w.Title, v.VersionNumber, outcome), nil)
	return e.Repo.GetVersion(ctx, versionID)
}

// RunOutcome reports one work handled by RunDue.
type RunOutcome struct {
	WorkID    string `json:"work_id"`
	OwnerID   string `json:"owner_id"`
	VersionID string `json:"version_id,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// FailInterrupted fails versions abandoned mid-generation. A version counts as
// abandoned once it is older than lease_ttl and its owner holds no live
// autonomy lease.
func (e Engine) FailInterrupted(ctx context.Context, now time.Time) ([]domain.WorkVersion, error) {
	failed, err := e.Repo.FailInterruptedVersions(ctx, PhaseAutonomy, now.Add(-e.Config.Scheduler.LeaseTTL), now, "generation interrupted")
	if err != nil {
		return nil, err
	}
	for _, v := range failed {
		e.logf("work %s version %d interrupted", v.WorkID, v.VersionNumber)
		_ = e.Events.Log(ctx, v.OwnerID, events.VersionFailed, v.ID, fmt.Sprintf("v%d failed: generation interrupted", v.VersionNumber), events.Payload{
			"work_id":        v.WorkID,
			"version_number": v.VersionNumber,
		})
	}
	return failed, nil
}

// RunDue executes every active work whose next_run_at has passed. Owners run in
// parallel; one owner's works run sequentially under its autonomy lease.
// Owners already busy are skipped until the next call.
func (e Engine) RunDue(ctx context.Context, now time.Time, workers int) ([]RunOutcome, error) {
	due, err := e.Repo.DueWorks(ctx, now, 0)
	if err != nil {
		return nil, err
	}
	byOwner := map[string][]domain.StandingWork{}
	var owners []string
	for _, w := range due {
		if _, ok := byOwner[w.OwnerID]; !ok {
			owners = append(owners, w.OwnerID)
		}
		byOwner[w.OwnerID] = append(byOwner[w.OwnerID], w)
	}
	sort.Strings(owners)
	if workers <= 0 {
		workers = 1
	}
	p := pool.NewWithResults[[]RunOutcome]().WithMaxGoroutines(workers)
	for _, owner := range owners {
		works := byOwner[owner]
		p.Go(func() []RunOutcome {
			return e.runOwner(ctx, owner, works)
		})
	}
	var out []RunOutcome
	for _, batch := range p.Wait() {
		out = append(out, batch...)
	}
	return out, nil
}

func (e Engine) runOwner(ctx context.Context, ownerID string, works []domain.StandingWork) []RunOutcome {
	var out []RunOutcome
	err := e.WithOwner(ctx, ownerID, func(ctx context.Context) error {
		for i, w := range works {
			if err := e.RenewOwner(ctx); err != nil {
				for _, rest := range works[i:] {
					out = append(out, RunOutcome{WorkID: rest.ID, OwnerID: ownerID, Status: "busy"})
				}
				return nil
			}
			o := RunOutcome{WorkID: w.ID, OwnerID: ownerID}
			v, err := e.Execute(ctx, w.ID, RunOptions{Trigger: "schedule"})
			switch {
			case errors.Is(err, ErrNoNewContent):
				o.Status = "skipped"
			case err != nil:
				o.Status = "error"
				o.Error = err.Error()
				e.logf("run %s: %v", w.ID, err)
			default:
				o.VersionID = v.ID
				o.Status = string(v.Status)
				o.Error = v.Error
			}
			out = append(out, o)
		}
		return nil
	})
	if errors.Is(err, ErrBusy) {
		for _, w := range works {
			out = append(out, RunOutcome{WorkID: w.ID, OwnerID: ownerID, Status: "busy"})
		}
	} else if err != nil {
		e.logf("owner %s: %v", ownerID, err)
	}
	return out
}
