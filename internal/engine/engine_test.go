package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"driftline/internal/config"
	"driftline/internal/db"
	"driftline/internal/domain"
	"driftline/internal/engine"
	"driftline/internal/llm"
	"driftline/internal/llm/llmtest"
	"driftline/internal/metrics/metricstest"
	"driftline/internal/migrate"
	"driftline/internal/repo"
)

const (
	owner            = "owner-1"
	generationPrompt = "Reply with the finished deliverable only."
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type testEnv struct {
	Engine engine.Engine
	LLM    *llmtest.Scripted
	Clock  *clock
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	c := &clock{t: time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)}
	scripted := llmtest.New()
	eng := engine.New(conn, cfg)
	eng.Now = c.Now
	eng.LLM = scripted
	ctx := context.Background()
	if err := eng.Repo.EnsureOwner(ctx, owner, "owner@example.com", c.Now()); err != nil {
		t.Fatalf("ensure owner: %v", err)
	}
	return testEnv{Engine: eng, LLM: scripted, Clock: c, Ctx: ctx}
}

func (env testEnv) seedItem(t *testing.T, p domain.Platform, resource, payload string) domain.ContentItem {
	t.Helper()
	now := env.Clock.Now()
	exp := now.Add(14 * 24 * time.Hour)
	item := domain.ContentItem{
		ID:              uuid.NewString(),
		OwnerID:         owner,
		Platform:        p,
		ResourceID:      resource,
		ExternalID:      uuid.NewString(),
		Payload:         payload,
		SourceTimestamp: now.Add(-time.Hour),
		CreatedAt:       now,
		ExpiresAt:       &exp,
	}
	if _, err := env.Engine.Repo.PutContent(env.Ctx, item); err != nil {
		t.Fatalf("put content: %v", err)
	}
	return item
}

func (env testEnv) createWork(t *testing.T, opts engine.WorkCreateOptions) domain.StandingWork {
	t.Helper()
	if opts.OwnerID == "" {
		opts.OwnerID = owner
	}
	w, err := env.Engine.CreateWork(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create work: %v", err)
	}
	return w
}

func slackDigest() engine.WorkCreateOptions {
	return engine.WorkCreateOptions{
		Title:    "Daily digest",
		Type:     "digest",
		Binding:  domain.BindingPlatformBound,
		Schedule: domain.Schedule{Kind: domain.ScheduleDaily, Hour: 9},
		Sources:  []domain.Source{{Platform: domain.PlatformSlack}},
	}
}

func TestCreateWorkDefaults(t *testing.T) {
	env := newTestEnv(t)
	w := env.createWork(t, slackDigest())
	if w.Origin != domain.OriginUserConfigured {
		t.Fatalf("origin = %s", w.Origin)
	}
	if w.Trigger != domain.TriggerSchedule {
		t.Fatalf("trigger = %s", w.Trigger)
	}
	if w.NextRunAt == nil || !w.NextRunAt.Equal(time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("next run = %v", w.NextRunAt)
	}
	if len(w.Destinations) != 1 || w.Destinations[0].Kind != domain.DestinationDownload {
		t.Fatalf("destinations = %+v", w.Destinations)
	}

	_, err := env.Engine.CreateWork(env.Ctx, engine.WorkCreateOptions{
		OwnerID: owner, Title: "bad", Type: "digest", Binding: domain.BindingPlatformBound,
	})
	var ve domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("platform_bound without a source should fail validation, got %v", err)
	}
}

func TestPlatformBoundWithoutNewContentCreatesNoVersion(t *testing.T) {
	env := newTestEnv(t)
	env.LLM.On(generationPrompt, llmtest.Text("# Digest\nAll quiet."))
	env.seedItem(t, domain.PlatformSlack, "C1", "standup moved to 10:00")
	w := env.createWork(t, slackDigest())

	v, err := env.Engine.Run(env.Ctx, w.ID, engine.RunOptions{Trigger: "manual"})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if v.Status != domain.VersionDelivered || v.VersionNumber != 1 {
		t.Fatalf("first version = %s #%d (%s)", v.Status, v.VersionNumber, v.Error)
	}

	env.Clock.Advance(24 * time.Hour)
	if _, err := env.Engine.Run(env.Ctx, w.ID, engine.RunOptions{}); !errors.Is(err, engine.ErrNoNewContent) {
		t.Fatalf("expected ErrNoNewContent, got %v", err)
	}
	versions, err := env.Engine.Repo.ListVersions(env.Ctx, w.ID, 10)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("expected 1 version, got %d", len(versions))
	}
	got, err := env.Engine.Repo.GetWork(env.Ctx, w.ID)
	if err != nil {
		t.Fatalf("get work: %v", err)
	}
	if got.NextRunAt == nil || !got.NextRunAt.After(env.Clock.Now()) {
		t.Fatalf("skip should move next run past now, got %v", got.NextRunAt)
	}

	env.Clock.Advance(time.Minute)
	env.seedItem(t, domain.PlatformSlack, "C1", "release cut for 2.4")
	env.Clock.Advance(time.Minute)
	v2, err := env.Engine.Run(env.Ctx, w.ID, engine.RunOptions{})
	if err != nil {
		t.Fatalf("third run: %v", err)
	}
	if v2.VersionNumber != 2 || v2.Status != domain.VersionDelivered {
		t.Fatalf("second version = %s #%d", v2.Status, v2.VersionNumber)
	}
}

type flakySender struct {
	failures int
	sent     int
}

func (f *flakySender) Kind() domain.DestinationKind { return domain.DestinationSlack }

func (f *flakySender) Send(_ context.Context, _ domain.StandingWork, _ domain.WorkVersion, _ domain.Destination) (string, error) {
	if f.failures > 0 {
		f.failures--
		return "", errors.New("slack unavailable")
	}
	f.sent++
	return "channel:C1:1700000000.000100", nil
}

func TestDeliveryFailureKeepsVersionAndRetention(t *testing.T) {
	env := newTestEnv(t)
	env.LLM.On(generationPrompt, llmtest.Text("Weekly status: shipped search."))
	sender := &flakySender{failures: 1}
	env.Engine.Delivery.Senders[domain.DestinationSlack] = sender
	item := env.seedItem(t, domain.PlatformSlack, "C1", "search shipped")

	opts := slackDigest()
	opts.Destinations = []domain.Destination{
		{Kind: domain.DestinationSlack, Slack: &domain.SlackTarget{Channel: "C1"}},
		{Kind: domain.DestinationDownload},
	}
	w := env.createWork(t, opts)

	v, err := env.Engine.Run(env.Ctx, w.ID, engine.RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if v.Status != domain.VersionFailed || !strings.Contains(v.Error, "slack unavailable") {
		t.Fatalf("expected failed version with delivery error, got %s %q", v.Status, v.Error)
	}
	if v.FinalContent == "" {
		t.Fatalf("final content should be kept on delivery failure")
	}
	stored, err := env.Engine.Repo.GetContent(env.Ctx, owner, item.ID)
	if err != nil {
		t.Fatalf("get content: %v", err)
	}
	if !stored.Retained || stored.RetainedReason != domain.RetainedGeneration || stored.ExpiresAt != nil {
		t.Fatalf("source should be retained for generation: %+v", stored)
	}
	if stored.RetainedRef == nil || *stored.RetainedRef != v.ID {
		t.Fatalf("retained ref = %v, want %s", stored.RetainedRef, v.ID)
	}
	got, _ := env.Engine.Repo.GetWork(env.Ctx, w.ID)
	if got.LastRunAt == nil {
		t.Fatalf("a generated version advances last_run_at even when delivery fails")
	}

	retried, err := env.Engine.RetryDelivery(env.Ctx, v.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != domain.VersionDelivered {
		t.Fatalf("retry status = %s (%s)", retried.Status, retried.Error)
	}
	if retried.FinalContent != v.FinalContent {
		t.Fatalf("retry must not regenerate content")
	}
	if sender.sent != 1 {
		t.Fatalf("slack sends = %d", sender.sent)
	}
	receipts, err := env.Engine.Repo.ListReceipts(env.Ctx, v.ID)
	if err != nil {
		t.Fatalf("receipts: %v", err)
	}
	for _, rc := range receipts {
		switch rc.Kind {
		case domain.DestinationDownload:
			if rc.Attempts != 1 {
				t.Fatalf("download was re-sent: %+v", rc)
			}
		case domain.DestinationSlack:
			if rc.Attempts != 2 || rc.Status != domain.DeliverySent {
				t.Fatalf("slack receipt = %+v", rc)
			}
		}
	}
	if _, err := env.Engine.RetryDelivery(env.Ctx, v.ID); err == nil {
		t.Fatalf("retrying a delivered version should fail")
	}
}

func TestGenerationFailureIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	env.LLM.Fail(generationPrompt, errors.New("upstream 503"))
	item := env.seedItem(t, domain.PlatformSlack, "C1", "hello")
	w := env.createWork(t, slackDigest())

	v, err := env.Engine.Run(env.Ctx, w.ID, engine.RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if v.Status != domain.VersionFailed || !strings.Contains(v.Error, "generation") {
		t.Fatalf("version = %s %q", v.Status, v.Error)
	}
	got, _ := env.Engine.Repo.GetWork(env.Ctx, w.ID)
	if got.LastRunAt != nil {
		t.Fatalf("failed generation must not advance last_run_at")
	}
	stored, _ := env.Engine.Repo.GetContent(env.Ctx, owner, item.ID)
	if stored.Retained {
		t.Fatalf("nothing should be retained without a generated version")
	}
	if n := len(env.LLM.Calls()); n != 1 {
		t.Fatalf("generation is not retried, calls = %d", n)
	}
}

func TestDraftFrozenAfterGeneration(t *testing.T) {
	env := newTestEnv(t)
	env.LLM.On(generationPrompt, llmtest.Text("v1 body"))
	env.seedItem(t, domain.PlatformSlack, "C1", "hello")
	w := env.createWork(t, slackDigest())
	v, err := env.Engine.Run(env.Ctx, w.ID, engine.RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := env.Engine.Repo.SaveVersionContent(env.Ctx, v.ID, "rewritten", "rewritten", nil); !errors.Is(err, repo.ErrVersionFrozen) {
		t.Fatalf("expected ErrVersionFrozen, got %v", err)
	}
	if _, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE work_versions SET draft_content='x' WHERE id=?`, v.ID); err == nil {
		t.Fatalf("raw update of a finished draft should be rejected")
	}
	got, _ := env.Engine.Repo.GetVersion(env.Ctx, v.ID)
	if got.DraftContent != "v1 body" {
		t.Fatalf("draft changed: %q", got.DraftContent)
	}
}

func TestToolLoopIsBounded(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Engine.Rounds[domain.BindingResearch] = 2
	item := env.seedItem(t, domain.PlatformNotion, "db-1", "Competitor launched pricing tiers")
	env.LLM.On(generationPrompt,
		llmtest.ToolCall("c1", "read_content", `{"id":"`+item.ID+`"}`),
		llmtest.ToolCall("c2", "search_content", `{"query":"pricing"}`),
		llmtest.Text("Research brief: pricing tiers."),
	)
	w := env.createWork(t, engine.WorkCreateOptions{
		Title:             "Pricing research",
		Type:              "research_brief",
		Binding:           domain.BindingResearch,
		ResearchDirective: "How are competitors pricing?",
	})

	v, err := env.Engine.Run(env.Ctx, w.ID, engine.RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if v.Status != domain.VersionDelivered || v.FinalContent != "Research brief: pricing tiers." {
		t.Fatalf("version = %s %q %q", v.Status, v.FinalContent, v.Error)
	}
	calls := env.LLM.Calls()
	if len(calls) != 3 {
		t.Fatalf("expected 2 tool rounds plus a final call, got %d", len(calls))
	}
	if len(calls[0].Tools) == 0 || len(calls[1].Tools) == 0 {
		t.Fatalf("tool rounds should offer tools")
	}
	if len(calls[2].Tools) != 0 {
		t.Fatalf("final call must withhold tools")
	}
	var sawToolResult bool
	for _, m := range calls[1].Messages {
		if m.Role == llm.RoleTool && m.ToolCallID == "c1" && strings.Contains(m.Content, "pricing tiers") {
			sawToolResult = true
		}
	}
	if !sawToolResult {
		t.Fatalf("read_content result should be fed back to the model")
	}
	if len(v.SourceSnapshot) != 1 || v.SourceSnapshot[0] != item.ID {
		t.Fatalf("snapshot = %v", v.SourceSnapshot)
	}
	stored, _ := env.Engine.Repo.GetContent(env.Ctx, owner, item.ID)
	if !stored.Retained {
		t.Fatalf("items read through tools are retained")
	}
}

func TestPausedAndArchivedWork(t *testing.T) {
	env := newTestEnv(t)
	env.LLM.On(generationPrompt, llmtest.Text("body"))
	env.seedItem(t, domain.PlatformSlack, "C1", "hello")
	w := env.createWork(t, slackDigest())

	if _, err := env.Engine.UpdateWorkStatus(env.Ctx, w.ID, domain.WorkPaused); err != nil {
		t.Fatalf("pause: %v", err)
	}
	var ve domain.ValidationError
	if _, err := env.Engine.Run(env.Ctx, w.ID, engine.RunOptions{}); !errors.As(err, &ve) {
		t.Fatalf("paused work should not run without force, got %v", err)
	}
	if v, err := env.Engine.Run(env.Ctx, w.ID, engine.RunOptions{Force: true}); err != nil || v.Status != domain.VersionDelivered {
		t.Fatalf("forced run: %v %s", err, v.Status)
	}
	if _, err := env.Engine.UpdateWorkStatus(env.Ctx, w.ID, domain.WorkArchived); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, err := env.Engine.UpdateWorkStatus(env.Ctx, w.ID, domain.WorkActive); err == nil {
		t.Fatalf("archived work cannot be reopened")
	}
	if _, err := env.Engine.Run(env.Ctx, w.ID, engine.RunOptions{Force: true}); err == nil {
		t.Fatalf("archived work never runs")
	}
}

func TestPromoteKeepsOrigin(t *testing.T) {
	env := newTestEnv(t)
	w := env.createWork(t, engine.WorkCreateOptions{
		Title:   "Launch prep",
		Type:    "meeting_prep",
		Binding: domain.BindingCrossPlatform,
		Origin:  domain.OriginSignalEmergent,
	})
	if w.Trigger != domain.TriggerManual || w.NextRunAt != nil {
		t.Fatalf("one-off work = %s next=%v", w.Trigger, w.NextRunAt)
	}
	got, err := env.Engine.Promote(env.Ctx, w.ID, domain.Schedule{Kind: domain.ScheduleWeekly, Weekday: 1, Hour: 8})
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if got.Trigger != domain.TriggerSchedule || got.Origin != domain.OriginSignalEmergent {
		t.Fatalf("promoted = trigger %s origin %s", got.Trigger, got.Origin)
	}
	if got.NextRunAt == nil || got.NextRunAt.Weekday() != time.Monday {
		t.Fatalf("next run = %v", got.NextRunAt)
	}
	if _, err := env.Engine.Promote(env.Ctx, w.ID, domain.Schedule{Kind: domain.ScheduleNone}); err == nil {
		t.Fatalf("promotion needs a schedule")
	}
}

func TestFeedbackReachesNextPrompt(t *testing.T) {
	env := newTestEnv(t)
	env.LLM.On(generationPrompt, llmtest.Text("first"), llmtest.Text("second"))
	env.seedItem(t, domain.PlatformSlack, "C1", "hello")
	w := env.createWork(t, slackDigest())
	v1, err := env.Engine.Run(env.Ctx, w.ID, engine.RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := env.Engine.SetFeedback(env.Ctx, v1.ID, "Lead with blockers."); err != nil {
		t.Fatalf("feedback: %v", err)
	}
	env.Clock.Advance(time.Hour)
	if _, err := env.Engine.Run(env.Ctx, w.ID, engine.RunOptions{Force: true}); err != nil {
		t.Fatalf("second run: %v", err)
	}
	calls := env.LLM.Calls()
	last := calls[len(calls)-1]
	if !strings.Contains(last.Messages[1].Content, "Lead with blockers.") {
		t.Fatalf("feedback missing from prompt: %q", last.Messages[1].Content)
	}
}

func TestRunDueSkipsBusyOwner(t *testing.T) {
	env := newTestEnv(t)
	env.LLM.On(generationPrompt, llmtest.Text("body"))
	if err := env.Engine.Repo.EnsureOwner(env.Ctx, "owner-2", "", env.Clock.Now()); err != nil {
		t.Fatalf("ensure owner: %v", err)
	}
	interval := domain.Schedule{Kind: domain.ScheduleInterval, Every: "1h"}
	busy := env.createWork(t, engine.WorkCreateOptions{Title: "A", Type: "digest", Binding: domain.BindingCrossPlatform, Schedule: interval})
	free := env.createWork(t, engine.WorkCreateOptions{OwnerID: "owner-2", Title: "B", Type: "digest", Binding: domain.BindingCrossPlatform, Schedule: interval})

	ok, err := env.Engine.Repo.AcquireLease(env.Ctx, owner, engine.PhaseAutonomy, "someone-else", env.Clock.Now(), 3*time.Hour)
	if err != nil || !ok {
		t.Fatalf("acquire: %v %v", ok, err)
	}
	env.Clock.Advance(90 * time.Minute)
	outcomes, err := env.Engine.RunDue(env.Ctx, env.Clock.Now(), 2)
	if err != nil {
		t.Fatalf("run due: %v", err)
	}
	byWork := map[string]engine.RunOutcome{}
	for _, o := range outcomes {
		byWork[o.WorkID] = o
	}
	if byWork[busy.ID].Status != "busy" {
		t.Fatalf("busy owner outcome = %+v", byWork[busy.ID])
	}
	if byWork[free.ID].Status != string(domain.VersionDelivered) {
		t.Fatalf("free owner outcome = %+v", byWork[free.ID])
	}
	if _, err := env.Engine.Run(env.Ctx, busy.ID, engine.RunOptions{}); !errors.Is(err, engine.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

// slowLLM advances the clock on every call, standing in for a provider whose
// responses take a while. during runs inside the call.
type slowLLM struct {
	inner  llm.Client
	clock  *clock
	step   time.Duration
	calls  int
	during func(call int)
}

func (s *slowLLM) Chat(ctx context.Context, req llm.Request) (llm.Response, error) {
	s.calls++
	s.clock.Advance(s.step)
	if s.during != nil {
		s.during(s.calls)
	}
	return s.inner.Chat(ctx, req)
}

func TestLongToolLoopKeepsOwnerLease(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Engine.Rounds[domain.BindingResearch] = 3
	item := env.seedItem(t, domain.PlatformNotion, "db-1", "Competitor launched pricing tiers")
	env.LLM.On(generationPrompt,
		llmtest.ToolCall("c1", "read_content", `{"id":"`+item.ID+`"}`),
		llmtest.ToolCall("c2", "search_content", `{"query":"pricing"}`),
		llmtest.Text("Research brief."),
	)
	long := env.createWork(t, engine.WorkCreateOptions{
		Title:             "Pricing research",
		Type:              "research_brief",
		Binding:           domain.BindingResearch,
		ResearchDirective: "How are competitors pricing?",
	})
	other := env.createWork(t, engine.WorkCreateOptions{Title: "Status", Type: "status_report", Binding: domain.BindingCrossPlatform})

	var nestedErr error
	slow := &slowLLM{inner: env.LLM, clock: env.Clock, step: 20 * time.Minute}
	slow.during = func(call int) {
		if call == 2 {
			// 40m after the first acquire, past the original 30m lease.
			_, nestedErr = env.Engine.Run(env.Ctx, other.ID, engine.RunOptions{Force: true})
		}
	}
	env.Engine.LLM = slow

	v, err := env.Engine.Run(env.Ctx, long.ID, engine.RunOptions{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if v.Status != domain.VersionDelivered {
		t.Fatalf("version = %s %q", v.Status, v.Error)
	}
	if !errors.Is(nestedErr, engine.ErrBusy) {
		t.Fatalf("second run during the tool loop should be busy, got %v", nestedErr)
	}
}

func TestRenewOwnerReportsLostLease(t *testing.T) {
	env := newTestEnv(t)
	err := env.Engine.WithOwner(env.Ctx, owner, func(ctx context.Context) error {
		if err := env.Engine.RenewOwner(ctx); err != nil {
			t.Fatalf("renew while held: %v", err)
		}
		env.Clock.Advance(env.Engine.Config.Scheduler.LeaseTTL + time.Minute)
		ok, err := env.Engine.Repo.AcquireLease(env.Ctx, owner, engine.PhaseAutonomy, "takeover", env.Clock.Now(), time.Hour)
		if err != nil || !ok {
			t.Fatalf("takeover: %v %v", ok, err)
		}
		return env.Engine.RenewOwner(ctx)
	})
	if !errors.Is(err, engine.ErrBusy) {
		t.Fatalf("expected ErrBusy after takeover, got %v", err)
	}
	if err := env.Engine.RenewOwner(env.Ctx); err != nil {
		t.Fatalf("renew without a lease should be a no-op: %v", err)
	}
}

func TestRunCountsVersionsAndModelCalls(t *testing.T) {
	reader := metricstest.Install(t)
	env := newTestEnv(t)
	env.LLM.On(generationPrompt, llmtest.Text("Status: all green."))
	w := env.createWork(t, engine.WorkCreateOptions{Title: "Status", Type: "status_report", Binding: domain.BindingCrossPlatform})

	if _, err := env.Engine.Run(env.Ctx, w.ID, engine.RunOptions{Force: true}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := reader.Sum("work_versions_total", attribute.String("binding", "cross_platform"), attribute.String("status", "delivered")); got != 1 {
		t.Fatalf("work_versions_total = %d", got)
	}
	if got := reader.Sum("llm_calls_total", attribute.String("outcome", "ok")); got != 1 {
		t.Fatalf("llm_calls_total = %d", got)
	}
	if got := reader.Sum("deliveries_total", attribute.String("kind", "download")); got != 1 {
		t.Fatalf("deliveries_total = %d", got)
	}
}
