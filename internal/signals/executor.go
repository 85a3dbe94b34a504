package signals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"driftline/internal/config"
	"driftline/internal/domain"
	"driftline/internal/engine"
	"driftline/internal/events"
	"driftline/internal/metrics"
	"driftline/internal/repo"
)

type Outcome string

const (
	OutcomeCreated           Outcome = "created"
	OutcomeTriggered         Outcome = "triggered"
	OutcomeDroppedConfidence Outcome = "dropped_low_confidence"
	OutcomeDroppedNoAction   Outcome = "dropped_no_action"
	OutcomeDroppedCap        Outcome = "dropped_cap"
	OutcomeDroppedDuplicate  Outcome = "dropped_duplicate"
	OutcomeDroppedInvalid    Outcome = "dropped_invalid"
	OutcomeFailed            Outcome = "failed"
)

const maxContentRefs = 50

// SignalAction is the executor's verdict on one proposed action.
type SignalAction struct {
	Action          ActionKind `json:"action"`
	SignalType      string     `json:"signal_type,omitempty"`
	SignalRef       string     `json:"signal_ref,omitempty"`
	DeliverableType string     `json:"deliverable_type,omitempty"`
	Confidence      float64    `json:"confidence"`
	Outcome         Outcome    `json:"outcome"`
	WorkID          string     `json:"work_id,omitempty"`
	VersionID       string     `json:"version_id,omitempty"`
	Detail          string     `json:"detail,omitempty"`
}

// Runner executes a work while the caller holds the owner's lease.
type Runner interface {
	Execute(ctx context.Context, workID string, opts engine.RunOptions) (domain.WorkVersion, error)
}

// Executor applies proposed actions. Rules run in order: confidence, per-type
// cap, dedup, then type collision.
type Executor struct {
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Runner Runner
	Now    func() time.Time
	Logger *log.Logger
}

func (x Executor) now() time.Time {
	if x.Now == nil {
		return time.Now().UTC()
	}
	return x.Now().UTC()
}

func (x Executor) logf(format string, args ...any) {
	if x.Logger != nil {
		x.Logger.Printf("signals: "+format, args...)
		return
	}
	log.Printf("signals: "+format, args...)
}

// Apply returns one SignalAction per proposed action, in input order.
func (x Executor) Apply(ctx context.Context, ownerID string, actions []ProposedAction) ([]SignalAction, error) {
	out := make([]SignalAction, len(actions))
	for i, a := range actions {
		normalize(&a)
		actions[i] = a
		out[i] = SignalAction{
			Action:          a.Action,
			SignalType:      a.SignalType,
			SignalRef:       a.SignalRef,
			DeliverableType: a.DeliverableType,
			Confidence:      a.Confidence,
			WorkID:          a.WorkID,
		}
	}

	threshold := x.Config.Signals.ConfidenceThreshold
	var candidates []int
	for i, a := range actions {
		switch {
		case a.Action == ActionNoAction:
			out[i].Outcome = OutcomeDroppedNoAction
		case a.Confidence < threshold:
			out[i].Outcome = OutcomeDroppedConfidence
			out[i].Detail = fmt.Sprintf("confidence %.2f below %.2f", a.Confidence, threshold)
		default:
			candidates = append(candidates, i)
		}
	}

	// One action per deliverable type per cycle, highest confidence first.
	sort.SliceStable(candidates, func(i, j int) bool {
		return actions[candidates[i]].Confidence > actions[candidates[j]].Confidence
	})
	seenType := map[string]bool{}
	for _, i := range candidates {
		key := capKey(actions[i])
		if seenType[key] {
			out[i].Outcome = OutcomeDroppedCap
			out[i].Detail = "another action for " + key + " ranked higher this cycle"
			continue
		}
		seenType[key] = true
		out[i] = x.apply(ctx, ownerID, actions[i], out[i])
	}

	for _, sa := range out {
		metrics.SignalAction(ctx, string(sa.Outcome))
		switch sa.Outcome {
		case OutcomeCreated:
			_ = x.Events.Log(ctx, ownerID, events.SignalCreated, sa.WorkID, fmt.Sprintf("created %s from %s signal", sa.DeliverableType, sa.SignalType),
				events.Payload{"signal_type": sa.SignalType, "signal_ref": sa.SignalRef, "confidence": sa.Confidence, "version_id": sa.VersionID})
		case OutcomeTriggered:
			_ = x.Events.Log(ctx, ownerID, events.SignalTriggered, sa.WorkID, fmt.Sprintf("triggered %s from %s signal", sa.DeliverableType, sa.SignalType),
				events.Payload{"signal_type": sa.SignalType, "signal_ref": sa.SignalRef, "confidence": sa.Confidence})
		case OutcomeDroppedNoAction:
		default:
			_ = x.Events.Log(ctx, ownerID, events.SignalDropped, sa.SignalRef, fmt.Sprintf("%s: %s", sa.Outcome, sa.DeliverableType),
				events.Payload{"signal_type": sa.SignalType, "confidence": sa.Confidence, "detail": sa.Detail})
		}
	}
	return out, nil
}

func normalize(a *ProposedAction) {
	a.DeliverableType = strings.ToLower(strings.TrimSpace(a.DeliverableType))
	if a.SignalType == "" {
		a.SignalType = a.DeliverableType
	}
	if a.SignalRef == "" {
		a.SignalRef = strings.ToLower(strings.TrimSpace(a.Title))
	}
	a.Title = strings.TrimSpace(a.Title)
}

func capKey(a ProposedAction) string {
	if a.DeliverableType == "" && a.Action == ActionTrigger {
		return "work:" + a.WorkID
	}
	return a.DeliverableType
}

func (x Executor) apply(ctx context.Context, ownerID string, a ProposedAction, sa SignalAction) SignalAction {
	switch a.Action {
	case ActionTrigger:
		return x.trigger(ctx, ownerID, a.WorkID, sa)
	case ActionCreate:
		return x.create(ctx, ownerID, a, sa)
	default:
		sa.Outcome = OutcomeDroppedInvalid
		sa.Detail = fmt.Sprintf("unknown action %q", a.Action)
		return sa
	}
}

func (x Executor) trigger(ctx context.Context, ownerID, workID string, sa SignalAction) SignalAction {
	sa.WorkID = workID
	if workID == "" {
		sa.Outcome, sa.Detail = OutcomeDroppedInvalid, "trigger_existing without work_id"
		return sa
	}
	w, err := x.Repo.GetWork(ctx, workID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && w.OwnerID != ownerID) {
		sa.Outcome, sa.Detail = OutcomeDroppedInvalid, "unknown work "+workID
		return sa
	}
	if err != nil {
		sa.Outcome, sa.Detail = OutcomeFailed, err.Error()
		return sa
	}
	if w.Status != domain.WorkActive {
		sa.Outcome, sa.Detail = OutcomeDroppedInvalid, "work is "+string(w.Status)
		return sa
	}
	if sa.DeliverableType == "" {
		sa.DeliverableType = w.Type
	}
	now := x.now()
	if err := x.Repo.SetNextRun(ctx, nil, w.ID, &now, now); err != nil {
		sa.Outcome, sa.Detail = OutcomeFailed, err.Error()
		return sa
	}
	sa.Outcome = OutcomeTriggered
	return sa
}

func (x Executor) create(ctx context.Context, ownerID string, a ProposedAction, sa SignalAction) SignalAction {
	w, err := x.workFor(ownerID, a)
	if err != nil {
		sa.Outcome, sa.Detail = OutcomeDroppedInvalid, err.Error()
		return sa
	}
	refs := x.ownedRefs(ctx, ownerID, a.ContentRefs)
	now := x.now()
	window := x.Config.Signals.DedupWindow(a.SignalType)

	err = x.Repo.InTx(ctx, func(tx *sql.Tx) error {
		seen, err := x.Repo.SignalSeenSince(ctx, tx, ownerID, a.SignalType, a.SignalRef, now.Add(-window))
		if err != nil {
			return err
		}
		if seen {
			sa.Outcome, sa.Detail = OutcomeDroppedDuplicate, fmt.Sprintf("seen within %s", window)
			return nil
		}
		existing, err := x.Repo.RecurringDueWithin(ctx, tx, ownerID, w.Type, now.Add(x.Config.Signals.CollisionWindow))
		switch {
		case err == nil:
			if err := x.Repo.SetNextRun(ctx, tx, existing.ID, &now, now); err != nil {
				return err
			}
			sa.Outcome, sa.WorkID = OutcomeTriggered, existing.ID
			sa.Detail = "recurring " + w.Type + " already due"
			return nil
		case !errors.Is(err, repo.ErrNotFound):
			return err
		}
		if err := x.Repo.InsertWork(ctx, tx, w); err != nil {
			return err
		}
		if err := x.Repo.InsertSignalHistory(ctx, tx, domain.SignalHistoryEntry{
			ID:            uuid.NewString(),
			OwnerID:       ownerID,
			SignalType:    a.SignalType,
			SignalRef:     a.SignalRef,
			CreatedWorkID: w.ID,
			CreatedAt:     now,
		}); err != nil {
			return err
		}
		if _, err := x.Repo.MarkRetained(ctx, tx, refs, domain.RetainedSignal, w.ID); err != nil {
			return err
		}
		sa.Outcome, sa.WorkID = OutcomeCreated, w.ID
		return nil
	})
	if err != nil {
		sa.Outcome, sa.Detail = OutcomeFailed, err.Error()
		return sa
	}
	if sa.Outcome != OutcomeCreated {
		return sa
	}
	_ = x.Events.Log(ctx, ownerID, events.WorkCreated, w.ID, fmt.Sprintf("created %s %q", w.Type, w.Title),
		events.Payload{"origin": string(w.Origin), "binding": string(w.Binding), "trigger": string(w.Trigger)})

	if x.Runner == nil {
		return sa
	}
	v, err := x.Runner.Execute(ctx, w.ID, engine.RunOptions{Force: true, Trigger: "signal"})
	if err != nil {
		x.logf("execute %s: %v", w.ID, err)
		sa.Detail = "execute: " + err.Error()
		return sa
	}
	sa.VersionID = v.ID
	if v.Status == domain.VersionFailed {
		sa.Detail = v.Error
	}
	return sa
}

// workFor builds the signal-emergent work a create action describes.
func (x Executor) workFor(ownerID string, a ProposedAction) (domain.StandingWork, error) {
	now := x.now()
	w := domain.StandingWork{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		Title:        a.Title,
		Type:         a.DeliverableType,
		Description:  a.Description,
		Binding:      a.Binding,
		Origin:       domain.OriginSignalEmergent,
		Trigger:      domain.TriggerManual,
		Schedule:     domain.Schedule{Kind: domain.ScheduleNone},
		Destinations: []domain.Destination{{Kind: domain.DestinationDownload}},
		Status:       domain.WorkActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if w.Title == "" {
		w.Title = strings.ReplaceAll(a.DeliverableType, "_", " ")
	}
	if w.Binding == "" {
		w.Binding = domain.BindingCrossPlatform
	}
	if w.Binding == domain.BindingResearch || w.Binding == domain.BindingHybrid {
		w.ResearchDirective = a.Description
	}
	for _, s := range a.Sources {
		if s.Platform.Valid() {
			w.Sources = append(w.Sources, s)
		}
	}
	if err := w.Validate(); err != nil {
		return domain.StandingWork{}, err
	}
	return w, nil
}

// ownedRefs keeps the cited ids that name the owner's own content.
func (x Executor) ownedRefs(ctx context.Context, ownerID string, refs []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, id := range refs {
		if len(out) == maxContentRefs {
			break
		}
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if _, err := x.Repo.GetContent(ctx, ownerID, id); err == nil {
			out = append(out, id)
		}
	}
	return out
}
