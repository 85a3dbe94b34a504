package delivery_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"driftline/internal/config"
	"driftline/internal/db"
	"driftline/internal/delivery"
	"driftline/internal/domain"
	"driftline/internal/migrate"
	"driftline/internal/repo"
)

var t0 = time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

func setup(t *testing.T, dests ...domain.Destination) (repo.Repo, domain.StandingWork, domain.WorkVersion) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	if err := r.EnsureOwner(ctx, "owner-1", "", t0); err != nil {
		t.Fatalf("owner: %v", err)
	}
	w := domain.StandingWork{
		ID: uuid.NewString(), OwnerID: "owner-1", Title: "Weekly status", Type: "status_report",
		Binding: domain.BindingCrossPlatform, Origin: domain.OriginUserConfigured, Trigger: domain.TriggerManual,
		Schedule: domain.Schedule{Kind: domain.ScheduleNone}, Destinations: dests, Status: domain.WorkActive,
		CreatedAt: t0, UpdatedAt: t0,
	}
	if err := r.InsertWork(ctx, nil, w); err != nil {
		t.Fatalf("insert work: %v", err)
	}
	v, err := r.InsertVersion(ctx, uuid.NewString(), w, t0)
	if err != nil {
		t.Fatalf("insert version: %v", err)
	}
	v.FinalContent = strings.Repeat("status line\n", 400)
	return r, w, v
}

func TestSlackPostsOnceAndKeepsReceipt(t *testing.T) {
	var (
		calls atomic.Int32
		got   map[string]any
		auth  string
	)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		auth = req.Header.Get("Authorization")
		_ = json.NewDecoder(req.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "channel": "C1", "ts": "1709539200.000100"})
	}))
	defer api.Close()

	dest := domain.Destination{Kind: domain.DestinationSlack, Slack: &domain.SlackTarget{Channel: "C1"}}
	r, w, v := setup(t, dest)
	router := delivery.NewRouter(r, config.DeliveryConfig{SlackAPIURL: api.URL, SlackBotToken: "xoxb-test", Timeout: 5 * time.Second})
	ctx := context.Background()

	rc := router.Deliver(ctx, w, v, dest)
	if rc.Status != domain.DeliverySent || rc.ExternalRef != "C1:1709539200.000100" {
		t.Fatalf("receipt = %+v", rc)
	}
	if auth != "Bearer xoxb-test" {
		t.Fatalf("authorization = %q", auth)
	}
	blocks, _ := got["blocks"].([]any)
	if len(blocks) < 3 {
		t.Fatalf("long content should split into several sections, got %d blocks", len(blocks))
	}

	again := router.Deliver(ctx, w, v, dest)
	if calls.Load() != 1 {
		t.Fatalf("a sent destination was posted again")
	}
	if again.ExternalRef != rc.ExternalRef {
		t.Fatalf("second receipt = %+v", again)
	}
	stored, err := r.GetReceipt(ctx, v.ID, dest.Key())
	if err != nil || stored.Attempts != 1 {
		t.Fatalf("stored receipt = %+v %v", stored, err)
	}
}

func TestSlackWithoutTokenFails(t *testing.T) {
	dest := domain.Destination{Kind: domain.DestinationSlack, Slack: &domain.SlackTarget{Channel: "C1"}}
	r, w, v := setup(t, dest, domain.Destination{Kind: domain.DestinationDownload})
	router := delivery.NewRouter(r, config.DeliveryConfig{})

	receipts, err := router.DeliverAll(context.Background(), w, v)
	if err == nil || !strings.Contains(err.Error(), "slack bot token is not configured") {
		t.Fatalf("expected token error, got %v", err)
	}
	if len(receipts) != 2 || receipts[0].Status != domain.DeliveryFailed || receipts[1].Status != domain.DeliverySent {
		t.Fatalf("receipts = %+v", receipts)
	}
	if receipts[1].ExternalRef != "download:"+v.ID {
		t.Fatalf("download ref = %q", receipts[1].ExternalRef)
	}
}

func TestNotionCreatesChildPage(t *testing.T) {
	var body map[string]any
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/pages" || req.Header.Get("Notion-Version") == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_ = json.NewDecoder(req.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "page-123"})
	}))
	defer api.Close()

	dest := domain.Destination{Kind: domain.DestinationNotion, Notion: &domain.NotionTarget{ParentPageID: "parent-1"}}
	r, w, v := setup(t, dest)
	router := delivery.NewRouter(r, config.DeliveryConfig{NotionAPIURL: api.URL, NotionToken: "secret"})

	rc := router.Deliver(context.Background(), w, v, dest)
	if rc.Status != domain.DeliverySent || rc.ExternalRef != "page-123" {
		t.Fatalf("receipt = %+v", rc)
	}
	parent, _ := body["parent"].(map[string]any)
	if parent["page_id"] != "parent-1" {
		t.Fatalf("parent = %v", body["parent"])
	}
}

func TestInvalidDestinationIsRejected(t *testing.T) {
	dest := domain.Destination{Kind: domain.DestinationEmail, Email: &domain.EmailTarget{}}
	r, w, v := setup(t)
	router := delivery.NewRouter(r, config.DeliveryConfig{})
	rc := router.Deliver(context.Background(), w, v, dest)
	if rc.Status != domain.DeliveryFailed || !strings.Contains(rc.Error, "destination.email.to") {
		t.Fatalf("receipt = %+v", rc)
	}

	for _, kind := range []domain.DestinationKind{domain.DestinationEmail, domain.DestinationSlack, domain.DestinationNotion} {
		rc := router.Deliver(context.Background(), w, v, domain.Destination{Kind: kind})
		if rc.Status != domain.DeliveryFailed || rc.Error == "" {
			t.Fatalf("%s without payload: receipt = %+v", kind, rc)
		}
	}
	receipts, err := r.ListReceipts(context.Background(), v.ID)
	if err != nil || len(receipts) != 0 {
		t.Fatalf("invalid destinations must not be recorded: %+v %v", receipts, err)
	}
}
