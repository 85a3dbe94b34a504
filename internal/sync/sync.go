// Package sync pulls platform content into the content store.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"driftline/internal/config"
	"driftline/internal/domain"
	"driftline/internal/events"
	"driftline/internal/metrics"
	"driftline/internal/platform"
	"driftline/internal/repo"
)

// ErrRateLimited is returned by SyncManual inside the cooldown.
var ErrRateLimited = errors.New("manual sync rate limited")

type Syncer struct {
	Repo      repo.Repo
	Providers platform.Registry
	Events    events.Writer
	Config    *config.Config
	Now       func() time.Time
	Logger    *log.Logger
}

func New(r repo.Repo, cfg *config.Config, providers platform.Registry, ev events.Writer) *Syncer {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Syncer{Repo: r, Providers: providers, Events: ev, Config: cfg, Now: time.Now}
}

// Result is the outcome of one (owner, platform) sync.
type Result struct {
	OwnerID     string          `json:"owner_id"`
	Platform    domain.Platform `json:"platform"`
	Resources   int             `json:"resources"`
	ItemsSynced int             `json:"items_synced"`
	Errors      []string        `json:"errors"`
}

func (s *Syncer) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *Syncer) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf("sync: "+format, args...)
		return
	}
	log.Printf("sync: "+format, args...)
}

// Sync pulls every resource of one connection. Per-resource failures are
// recorded in the registry and reported in Errors; they never stop the
// remaining resources. The returned error is reserved for failures that say
// nothing about the platform, such as a missing connection.
func (s *Syncer) Sync(ctx context.Context, ownerID string, p domain.Platform) (Result, error) {
	res := Result{OwnerID: ownerID, Platform: p, Errors: []string{}}
	conn, err := s.Repo.GetConnection(ctx, ownerID, p)
	if err != nil {
		return res, err
	}
	if conn.Status != domain.ConnectionActive {
		return res, domain.ValidationError{Code: "connection_disabled", Field: "platform", Message: fmt.Sprintf("%s connection is disabled", p)}
	}
	provider, ok := s.Providers[p]
	if !ok {
		return res, fmt.Errorf("no provider for %s", p)
	}

	listCtx, cancel := context.WithTimeout(ctx, s.Config.Sync.FetchTimeout)
	resources, err := provider.ListResources(listCtx, conn)
	cancel()
	if err != nil {
		msg := fmt.Sprintf("list resources: %v", err)
		res.Errors = append(res.Errors, msg)
		metrics.SyncError(ctx, string(p))
		s.logf("%s/%s %s", ownerID, p, msg)
		_ = s.Events.Log(ctx, ownerID, events.SyncResourceError, string(p), msg, nil)
		return res, nil
	}

	res.Resources = len(resources)
	for _, r := range resources {
		if ctx.Err() != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", r.ID, ctx.Err()))
			break
		}
		n, err := s.syncResource(ctx, conn, provider, r)
		res.ItemsSynced += n
		if err != nil {
			msg := fmt.Sprintf("%s: %v", r.ID, err)
			res.Errors = append(res.Errors, msg)
			metrics.SyncError(ctx, string(p))
			s.logf("%s/%s resource %s", ownerID, p, msg)
			_ = s.Events.Log(ctx, ownerID, events.SyncResourceError, string(p)+"/"+r.ID, err.Error(), events.Payload{"resource_name": r.Name})
		}
	}
	metrics.SyncItems(ctx, string(p), res.ItemsSynced)
	_ = s.Events.Log(ctx, ownerID, events.SyncCompleted, string(p),
		fmt.Sprintf("synced %d items from %d %s resources", res.ItemsSynced, res.Resources, p),
		events.Payload{"items_synced": res.ItemsSynced, "resources": res.Resources, "errors": len(res.Errors)})
	return res, nil
}

// syncResource fetches one resource up to its cap. The cursor only moves
// once every page has been stored.
func (s *Syncer) syncResource(ctx context.Context, conn domain.PlatformConnection, provider platform.Provider, r platform.Resource) (int, error) {
	state, err := s.Repo.GetSyncState(ctx, conn.OwnerID, conn.Platform, r.ID)
	if err != nil {
		return 0, err
	}
	state.ResourceName = r.Name
	limit := s.Config.Sync.IncrementalCap
	if state.Cursor == "" {
		limit = s.Config.Sync.FirstSyncCap
	}
	pageSize := s.Config.Sync.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	ttl := s.Config.Platform(conn.Platform).TTL

	var (
		synced    int
		cursor    = state.Cursor
		pageToken string
	)
	for remaining := limit; remaining > 0; {
		fetchCtx, cancel := context.WithTimeout(ctx, s.Config.Sync.FetchTimeout)
		page, err := provider.Fetch(fetchCtx, conn, r, state.Cursor, pageToken, min(pageSize, remaining))
		cancel()
		if err != nil {
			s.recordFailure(ctx, state, err)
			return synced, err
		}
		items := page.Items
		if len(items) > remaining {
			items = items[:remaining]
		}
		for _, it := range items {
			if err := s.put(ctx, conn, r, it, ttl); err != nil {
				s.recordFailure(ctx, state, err)
				return synced, err
			}
			synced++
		}
		remaining -= len(items)
		cursor = platform.LaterCursor(cursor, page.Cursor)
		// A page can be empty after filtering and still have more behind it.
		if page.NextPageToken == "" || page.NextPageToken == pageToken {
			break
		}
		pageToken = page.NextPageToken
	}
	state.Cursor = cursor
	if err := s.Repo.RecordSyncSuccess(ctx, state, synced, s.now()); err != nil {
		return synced, err
	}
	return synced, nil
}

func (s *Syncer) put(ctx context.Context, conn domain.PlatformConnection, r platform.Resource, it platform.Item, ttl time.Duration) error {
	now := s.now()
	expires := now.Add(ttl)
	ts := it.Timestamp
	if ts.IsZero() {
		ts = now
	}
	_, err := s.Repo.PutContent(ctx, domain.ContentItem{
		ID:              uuid.NewString(),
		OwnerID:         conn.OwnerID,
		Platform:        conn.Platform,
		ResourceID:      r.ID,
		ExternalID:      it.ExternalID,
		Title:           it.Title,
		Payload:         it.Payload,
		Author:          it.Author,
		SourceTimestamp: ts,
		CreatedAt:       now,
		ExpiresAt:       &expires,
	})
	return err
}

func (s *Syncer) recordFailure(ctx context.Context, state domain.SyncState, cause error) {
	if err := s.Repo.RecordSyncFailure(context.WithoutCancel(ctx), state, cause.Error(), s.now()); err != nil {
		s.logf("record failure for %s/%s: %v", state.Platform, state.ResourceID, err)
	}
}

// SyncManual runs Sync at most once per cooldown for each (owner, platform).
// The cooldown lease is left to expire rather than released.
func (s *Syncer) SyncManual(ctx context.Context, ownerID string, p domain.Platform) (Result, error) {
	if !p.Valid() {
		return Result{}, domain.ValidationError{Code: "invalid_platform", Field: "platform", Message: fmt.Sprintf("unknown platform %q", p)}
	}
	if _, err := s.Repo.GetConnection(ctx, ownerID, p); err != nil {
		return Result{}, err
	}
	ok, err := s.Repo.AcquireLease(ctx, ownerID, "manual_sync:"+string(p), uuid.NewString(), s.now(), s.Config.Sync.ManualCooldown)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, ErrRateLimited
	}
	return s.Sync(ctx, ownerID, p)
}

// SyncDue syncs every due connection on a bounded pool. Different platforms of
// one owner run concurrently; each connection is guarded by its own lease so
// an overlapping tick skips it.
func (s *Syncer) SyncDue(ctx context.Context, now time.Time) ([]Result, error) {
	conns, err := s.Repo.DueConnections(ctx, now)
	if err != nil {
		return nil, err
	}
	workers := s.Config.Sync.Workers
	if workers <= 0 {
		workers = 1
	}
	p := pool.NewWithResults[*Result]().WithMaxGoroutines(workers)
	for _, conn := range conns {
		p.Go(func() *Result {
			return s.syncDueConnection(ctx, conn, now)
		})
	}
	var out []Result
	for _, r := range p.Wait() {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *Syncer) syncDueConnection(ctx context.Context, conn domain.PlatformConnection, now time.Time) *Result {
	phase := "sync:" + string(conn.Platform)
	holder := uuid.NewString()
	ok, err := s.Repo.AcquireLease(ctx, conn.OwnerID, phase, holder, now, s.Config.Scheduler.LeaseTTL)
	if err != nil {
		s.logf("lease %s/%s: %v", conn.OwnerID, conn.Platform, err)
		return nil
	}
	if !ok {
		return nil
	}
	defer func() {
		if err := s.Repo.ReleaseLease(context.WithoutCancel(ctx), conn.OwnerID, phase, holder); err != nil {
			s.logf("release %s/%s: %v", conn.OwnerID, conn.Platform, err)
		}
	}()
	interval := s.Config.Platform(conn.Platform).Interval
	if interval <= 0 {
		interval = s.Config.Scheduler.TickInterval
	}
	if err := s.Repo.SetNextSync(ctx, conn.OwnerID, conn.Platform, now.Add(interval)); err != nil {
		s.logf("next sync %s/%s: %v", conn.OwnerID, conn.Platform, err)
		return nil
	}
	res, err := s.Sync(ctx, conn.OwnerID, conn.Platform)
	if err != nil {
		s.logf("%s/%s: %v", conn.OwnerID, conn.Platform, err)
		res.Errors = append(res.Errors, err.Error())
	}
	return &res
}
