package repo_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"pgregory.net/rapid"

	"driftline/internal/db"
	"driftline/internal/domain"
	"driftline/internal/migrate"
	"driftline/internal/repo"
)

var t0 = time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)

func openRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func item(owner, external, payload string, expires time.Time) domain.ContentItem {
	return domain.ContentItem{
		ID:              uuid.NewString(),
		OwnerID:         owner,
		Platform:        domain.PlatformSlack,
		ResourceID:      "C1",
		ExternalID:      external,
		Payload:         payload,
		SourceTimestamp: t0,
		CreatedAt:       t0,
		ExpiresAt:       &expires,
	}
}

func TestPutContentDeduplicates(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	first := item("owner-1", "1700.01", "hello", t0.Add(time.Hour))
	inserted, err := r.PutContent(ctx, first)
	if err != nil || !inserted {
		t.Fatalf("first put: %v %v", inserted, err)
	}
	again := item("owner-1", "1700.01", "hello", t0.Add(3*time.Hour))
	inserted, err = r.PutContent(ctx, again)
	if err != nil || inserted {
		t.Fatalf("duplicate put: %v %v", inserted, err)
	}
	got, err := r.GetContent(ctx, "owner-1", first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(t0.Add(3*time.Hour)) {
		t.Fatalf("re-sync should extend expiry, got %v", got.ExpiresAt)
	}
	if _, err := r.GetContent(ctx, "owner-2", first.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("content is owner scoped, got %v", err)
	}
	if _, err := r.PutContent(ctx, domain.ContentItem{OwnerID: "owner-1", Platform: domain.PlatformSlack, ResourceID: "C1"}); err == nil {
		t.Fatalf("put without expiry should fail")
	}
}

func TestStoreGuardsInvariants(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	it := item("owner-1", "1", "pinned", t0.Add(time.Hour))
	if _, err := r.PutContent(ctx, it); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := r.MarkRetained(ctx, nil, []string{it.ID}, domain.RetainedNone, ""); err == nil {
		t.Fatalf("retention without a reason should fail")
	}
	if n, err := r.MarkRetained(ctx, nil, []string{it.ID}, domain.RetainedSession, "s1"); err != nil || n != 1 {
		t.Fatalf("retain: %d %v", n, err)
	}
	if _, err := r.DB.ExecContext(ctx, `UPDATE content_items SET retained=0, expires_at=? WHERE id=?`, domain.FormatTime(t0), it.ID); err == nil {
		t.Fatalf("retained content was released")
	}

	if err := r.EnsureOwner(ctx, "owner-1", "", t0); err != nil {
		t.Fatalf("owner: %v", err)
	}
	if _, err := r.InsertActivity(ctx, domain.ActivityEvent{OwnerID: "owner-1", EventType: "work.created", Summary: "x", CreatedAt: t0}); err != nil {
		t.Fatalf("activity: %v", err)
	}
	if _, err := r.DB.ExecContext(ctx, `UPDATE activity_events SET summary='y'`); err == nil {
		t.Fatalf("activity events were updated")
	}
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM activity_events`); err == nil {
		t.Fatalf("activity events were deleted")
	}

	w := domain.StandingWork{
		ID: uuid.NewString(), OwnerID: "owner-1", Title: "t", Type: "digest",
		Binding: domain.BindingCrossPlatform, Origin: domain.OriginSignalEmergent, Trigger: domain.TriggerManual,
		Schedule: domain.Schedule{Kind: domain.ScheduleNone}, Status: domain.WorkActive, CreatedAt: t0, UpdatedAt: t0,
	}
	if err := r.InsertWork(ctx, nil, w); err != nil {
		t.Fatalf("insert work: %v", err)
	}
	if _, err := r.DB.ExecContext(ctx, `UPDATE standing_works SET origin='user_configured' WHERE id=?`, w.ID); err == nil {
		t.Fatalf("origin was rewritten")
	}
}

func TestLeases(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	ok, err := r.AcquireLease(ctx, "owner-1", "autonomy", "a", t0, time.Minute)
	if err != nil || !ok {
		t.Fatalf("a acquire: %v %v", ok, err)
	}
	if ok, _ := r.AcquireLease(ctx, "owner-1", "autonomy", "b", t0.Add(30*time.Second), time.Minute); ok {
		t.Fatalf("b took a held lease")
	}
	if ok, _ := r.AcquireLease(ctx, "owner-2", "autonomy", "b", t0, time.Minute); !ok {
		t.Fatalf("leases are per scope")
	}
	if ok, _ := r.AcquireLease(ctx, "owner-1", "autonomy", "b", t0.Add(time.Minute), time.Minute); !ok {
		t.Fatalf("b should take an expired lease")
	}
	if err := r.ReleaseLease(ctx, "owner-1", "autonomy", "a"); err != nil {
		t.Fatalf("release: %v", err)
	}
	l, err := r.GetLease(ctx, "owner-1", "autonomy")
	if err != nil || l.Holder != "b" {
		t.Fatalf("a stale holder released b's lease: %+v %v", l, err)
	}
}

// retentionModel mirrors what the store should hold for one owner.
type retentionModel struct {
	ids      []string
	exists   []bool
	retained []bool
	expires  []time.Time
}

func TestRetentionNeverReverts(t *testing.T) {
	r := openRepo(t)
	ctx := context.Background()
	const slots = 4

	rapid.Check(t, func(rt *rapid.T) {
		owner := uuid.NewString()
		now := t0
		m := retentionModel{
			ids:      make([]string, slots),
			exists:   make([]bool, slots),
			retained: make([]bool, slots),
			expires:  make([]time.Time, slots),
		}
		steps := rapid.IntRange(1, 25).Draw(rt, "steps")
		for step := 0; step < steps; step++ {
			i := rapid.IntRange(0, slots-1).Draw(rt, "slot")
			switch op := rapid.IntRange(0, 3).Draw(rt, "op"); op {
			case 0:
				exp := now.Add(time.Duration(rapid.IntRange(-120, 120).Draw(rt, "ttl")) * time.Minute)
				it := item(owner, fmt.Sprintf("ext-%d", i), fmt.Sprintf("payload-%d", i), exp)
				it.CreatedAt = now
				inserted, err := r.PutContent(ctx, it)
				if err != nil {
					rt.Fatalf("put: %v", err)
				}
				if inserted == m.exists[i] {
					rt.Fatalf("slot %d: inserted=%v but exists=%v", i, inserted, m.exists[i])
				}
				if inserted {
					m.ids[i], m.exists[i], m.retained[i], m.expires[i] = it.ID, true, false, exp
				} else if !m.retained[i] && exp.After(m.expires[i]) {
					m.expires[i] = exp
				}
			case 1:
				if !m.exists[i] {
					continue
				}
				reason := rapid.SampledFrom([]domain.RetainedReason{domain.RetainedGeneration, domain.RetainedSignal, domain.RetainedSession}).Draw(rt, "reason")
				if _, err := r.MarkRetained(ctx, nil, []string{m.ids[i]}, reason, "ref"); err != nil {
					rt.Fatalf("retain: %v", err)
				}
				m.retained[i] = true
			case 2:
				if _, err := r.CleanupContent(ctx, now); err != nil {
					rt.Fatalf("cleanup: %v", err)
				}
				for j := range m.exists {
					if m.exists[j] && !m.retained[j] && m.expires[j].Before(now) {
						m.exists[j] = false
					}
				}
			case 3:
				now = now.Add(time.Duration(rapid.IntRange(1, 90).Draw(rt, "advance")) * time.Minute)
			}

			for j := 0; j < slots; j++ {
				if m.ids[j] == "" {
					continue
				}
				got, err := r.GetContent(ctx, owner, m.ids[j])
				if !m.exists[j] {
					if !errors.Is(err, repo.ErrNotFound) {
						rt.Fatalf("slot %d should be gone, got %v", j, err)
					}
					continue
				}
				if err != nil {
					rt.Fatalf("slot %d missing: %v", j, err)
				}
				if got.Retained != m.retained[j] {
					rt.Fatalf("slot %d retained=%v, model %v", j, got.Retained, m.retained[j])
				}
				if got.Retained && got.ExpiresAt != nil {
					rt.Fatalf("slot %d retained with expiry %v", j, got.ExpiresAt)
				}
				if !got.Retained && (got.ExpiresAt == nil || !got.ExpiresAt.Equal(m.expires[j])) {
					rt.Fatalf("slot %d expiry %v, model %v", j, got.ExpiresAt, m.expires[j])
				}
			}
		}
	})
}
