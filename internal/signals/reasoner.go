package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"driftline/internal/config"
	"driftline/internal/domain"
	"driftline/internal/llm"
	"driftline/internal/metrics"
)

type ActionKind string

const (
	ActionCreate   ActionKind = "create_signal_emergent"
	ActionTrigger  ActionKind = "trigger_existing"
	ActionNoAction ActionKind = "no_action"
)

func (k ActionKind) Valid() bool {
	switch k {
	case ActionCreate, ActionTrigger, ActionNoAction:
		return true
	}
	return false
}

// ProposedAction is one reasoner suggestion. Nothing is written until the
// executor applies it.
type ProposedAction struct {
	Action          ActionKind      `json:"action"`
	SignalType      string          `json:"signal_type"`
	SignalRef       string          `json:"signal_ref"`
	DeliverableType string          `json:"deliverable_type"`
	Confidence      float64         `json:"confidence"`
	Title           string          `json:"title,omitempty"`
	Description     string          `json:"description,omitempty"`
	Binding         domain.Binding  `json:"binding,omitempty"`
	Sources         []domain.Source `json:"sources,omitempty"`
	WorkID          string          `json:"work_id,omitempty"`
	Reasoning       string          `json:"reasoning,omitempty"`
	ContentRefs     []string        `json:"content_refs,omitempty"`
}

// WorkContext is an existing standing work as the reasoner sees it.
type WorkContext struct {
	Work          domain.StandingWork `json:"work"`
	LatestStatus  string              `json:"latest_status,omitempty"`
	LatestAt      *time.Time          `json:"latest_at,omitempty"`
	LatestPreview string              `json:"latest_preview,omitempty"`
}

// Context is everything besides the summary that the reasoner reads.
type Context struct {
	Preferences    string
	RecentActivity []domain.ActivityEvent
	ExistingWork   []WorkContext
}

// Reasoner makes exactly one model call per cycle, or none when the summary is
// below the minimum volume.
type Reasoner struct {
	LLM    llm.Client
	Config *config.Config
	Logger *log.Logger
}

const reasonerSystem = `You watch a person's workplace activity and decide whether any autonomous work is warranted.
Reply with a single JSON object {"actions": [...]}. Each action has:
  action: "create_signal_emergent" | "trigger_existing" | "no_action"
  signal_type: a short snake_case category such as deadline_approaching or project_update
  signal_ref: a stable identifier for the specific thing observed (thread, page, subject)
  deliverable_type: the kind of output, such as digest, status_report or meeting_prep
  confidence: 0..1
  title, description: for new work
  binding: "platform_bound" | "cross_platform" | "research" | "hybrid"
  sources: [{"platform": "slack|notion|gmail", "resource_ids": [...]}]
  work_id: the existing work to run, for trigger_existing
  reasoning: one sentence
  content_refs: ids of the items that justify the action
Prefer trigger_existing when an existing work already covers the need. Do not propose work that
recent versions already cover. Return {"actions": []} when nothing is warranted.`

// Reason proposes actions from the summary and context. It never writes.
func (r Reasoner) Reason(ctx context.Context, s Summary, rc Context) ([]ProposedAction, error) {
	if s.TotalItems < r.Config.Signals.MinItems || s.Empty() {
		return nil, nil
	}
	if r.LLM == nil {
		return nil, fmt.Errorf("no model client configured")
	}
	user, err := r.userPrompt(s, rc)
	if err != nil {
		return nil, err
	}
	callCtx := ctx
	if t := r.Config.Engine.LLMTimeout; t > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	text, usage, err := llm.Generate(callCtx, r.LLM, reasonerSystem, user, true)
	if err != nil {
		metrics.LLMCall(ctx, "signals", "error")
		return nil, fmt.Errorf("reason: %w", err)
	}
	metrics.LLMCall(ctx, "signals", "ok")
	metrics.LLMTokens(ctx, "signals", usage.TotalTokens)
	return r.parse(text)
}

func (r Reasoner) userPrompt(s Summary, rc Context) (string, error) {
	type activity struct {
		Type    string    `json:"type"`
		Summary string    `json:"summary"`
		At      time.Time `json:"at"`
	}
	payload := struct {
		Summary        Summary       `json:"summary"`
		Preferences    string        `json:"preferences,omitempty"`
		RecentActivity []activity    `json:"recent_activity"`
		ExistingWork   []WorkContext `json:"existing_work"`
	}{Summary: s, Preferences: rc.Preferences, RecentActivity: []activity{}, ExistingWork: rc.ExistingWork}
	for _, e := range rc.RecentActivity {
		payload.RecentActivity = append(payload.RecentActivity, activity{Type: e.EventType, Summary: e.Summary, At: e.CreatedAt})
	}
	if payload.ExistingWork == nil {
		payload.ExistingWork = []WorkContext{}
	}
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// parse reads {"actions": [...]}. Actions of unknown kind are dropped.
func (r Reasoner) parse(text string) ([]ProposedAction, error) {
	var resp struct {
		Actions []json.RawMessage `json:"actions"`
	}
	if err := json.Unmarshal([]byte(llm.StripFences(text)), &resp); err != nil {
		return nil, fmt.Errorf("decode reasoner response: %w", err)
	}
	out := make([]ProposedAction, 0, len(resp.Actions))
	for _, raw := range resp.Actions {
		var a ProposedAction
		if err := json.Unmarshal(raw, &a); err != nil {
			r.logf("drop malformed action: %v", err)
			continue
		}
		a.Action = ActionKind(strings.TrimSpace(string(a.Action)))
		if !a.Action.Valid() {
			r.logf("drop action of unknown kind %q", a.Action)
			continue
		}
		a.SignalType = strings.TrimSpace(a.SignalType)
		a.SignalRef = strings.TrimSpace(a.SignalRef)
		a.DeliverableType = strings.TrimSpace(a.DeliverableType)
		out = append(out, a)
	}
	return out, nil
}

func (r Reasoner) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf("signals: "+format, args...)
		return
	}
	log.Printf("signals: "+format, args...)
}
