package platform_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"driftline/internal/config"
	"driftline/internal/domain"
	"driftline/internal/platform"
)

var conn = domain.PlatformConnection{OwnerID: "owner-1", AccessToken: "tok-1"}

func serve(t *testing.T, h http.HandlerFunc) config.PlatformConfig {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return config.PlatformConfig{BaseURL: srv.URL + "/", Rate: config.RateLimit{Kind: "delay"}}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestSlackFetchSkipsJoinsAndPaginates(t *testing.T) {
	var query map[string]string
	cfg := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations.history" || r.Header.Get("Authorization") != "Bearer tok-1" {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		query = map[string]string{}
		for k := range r.URL.Query() {
			query[k] = r.URL.Query().Get(k)
		}
		writeJSON(w, map[string]any{
			"ok": true,
			"messages": []map[string]any{
				{"ts": "1709539260.000200", "user": "U2", "text": "shipping today"},
				{"ts": "1709539300.000000", "user": "U3", "subtype": "channel_join", "text": "<@U3> has joined"},
				{"ts": "1709539200.000100", "user": "U1", "text": "  "},
			},
			"has_more":          true,
			"response_metadata": map[string]string{"next_cursor": "bmV4dA=="},
		})
	})
	s := platform.NewSlack(cfg, http.DefaultClient)

	page, err := s.Fetch(context.Background(), conn, platform.Resource{ID: "C1", Name: "general"}, "1709539000.000000", "cGFnZQ==", 25)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if query["channel"] != "C1" || query["oldest"] != "1709539000.000000" || query["cursor"] != "cGFnZQ==" || query["limit"] != "25" {
		t.Fatalf("query = %v", query)
	}
	if len(page.Items) != 1 {
		t.Fatalf("items = %+v", page.Items)
	}
	it := page.Items[0]
	if it.ExternalID != "C1:1709539260.000200" || it.Title != "#general" || it.Author != "U2" || it.Payload != "shipping today" {
		t.Fatalf("item = %+v", it)
	}
	if want := time.Unix(1709539260, 200_000).UTC(); !it.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %s, want %s", it.Timestamp, want)
	}
	if page.Cursor != "1709539300.000000" {
		t.Fatalf("cursor should cover skipped messages, got %q", page.Cursor)
	}
	if page.NextPageToken != "bmV4dA==" {
		t.Fatalf("next page token = %q", page.NextPageToken)
	}
}

func TestSlackListResourcesFollowsCursor(t *testing.T) {
	calls := 0
	cfg := serve(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("cursor") == "" {
			writeJSON(w, map[string]any{
				"ok":                true,
				"channels":          []map[string]any{{"id": "C1", "name": "general", "is_member": true}, {"id": "C2", "name": "random", "is_member": false}},
				"response_metadata": map[string]string{"next_cursor": "page-2"},
			})
			return
		}
		writeJSON(w, map[string]any{"ok": true, "channels": []map[string]any{{"id": "C3", "name": "eng", "is_member": true}}})
	})
	got, err := platform.NewSlack(cfg, http.DefaultClient).ListResources(context.Background(), conn)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if calls != 2 || len(got) != 2 || got[0].ID != "C1" || got[1].Name != "eng" {
		t.Fatalf("calls = %d resources = %+v", calls, got)
	}
}

func TestSlackErrorEnvelope(t *testing.T) {
	cfg := serve(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": false, "error": "not_in_channel"})
	})
	_, err := platform.NewSlack(cfg, http.DefaultClient).Fetch(context.Background(), conn, platform.Resource{ID: "C9"}, "", "", 10)
	if err == nil || !strings.Contains(err.Error(), "not_in_channel") {
		t.Fatalf("err = %v", err)
	}
}

func TestStatusErrorRetryable(t *testing.T) {
	cases := map[int]bool{
		http.StatusTooManyRequests:     true,
		http.StatusServiceUnavailable:  true,
		http.StatusForbidden:           false,
		http.StatusUnauthorized:        false,
		http.StatusInternalServerError: true,
	}
	for status, retryable := range cases {
		cfg := serve(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", status)
		})
		_, err := platform.NewGmail(cfg, http.DefaultClient).ListResources(context.Background(), conn)
		var se *platform.StatusError
		if !errors.As(err, &se) {
			t.Fatalf("status %d: err = %v", status, err)
		}
		if se.Status != status || se.Platform != domain.PlatformGmail || se.Body != "nope" {
			t.Fatalf("status error = %+v", se)
		}
		if se.Retryable() != retryable {
			t.Fatalf("status %d retryable = %v", status, se.Retryable())
		}
	}
}

func TestNotionFetchQueriesAfterCursor(t *testing.T) {
	var (
		body    map[string]any
		version string
	)
	cfg := serve(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/databases/db-1/query" {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		version = r.Header.Get("Notion-Version")
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, map[string]any{
			"results": []map[string]any{{
				"id":               "page-1",
				"url":              "https://notion.so/page-1",
				"last_edited_time": "2024-03-04T08:30:00.000Z",
				"last_edited_by":   map[string]string{"id": "user-7"},
				"properties": map[string]any{
					"Name":   map[string]any{"type": "title", "title": []map[string]string{{"plain_text": "Launch plan"}}},
					"Status": map[string]any{"type": "status", "status": map[string]string{"name": "In review"}},
					"Notes":  map[string]any{"type": "rich_text", "rich_text": []map[string]string{{"plain_text": "Pricing "}, {"plain_text": "tiers"}}},
				},
			}},
			"has_more":    true,
			"next_cursor": "cursor-2",
		})
	})
	n := platform.NewNotion(cfg, http.DefaultClient)
	page, err := n.Fetch(context.Background(), conn, platform.Resource{ID: "db-1"}, "2024-03-04T08:00:00.000Z", "cursor-1", 20)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if version == "" {
		t.Fatalf("Notion-Version header missing")
	}
	filter, _ := body["filter"].(map[string]any)
	edited, _ := filter["last_edited_time"].(map[string]any)
	if edited["after"] != "2024-03-04T08:00:00.000Z" || body["start_cursor"] != "cursor-1" || body["page_size"] != float64(20) {
		t.Fatalf("query body = %v", body)
	}
	if len(page.Items) != 1 {
		t.Fatalf("items = %+v", page.Items)
	}
	it := page.Items[0]
	want := "Launch plan\nNotes: Pricing tiers\nStatus: In review\nhttps://notion.so/page-1"
	if it.ExternalID != "page-1" || it.Title != "Launch plan" || it.Payload != want || it.Author != "user-7" {
		t.Fatalf("item = %+v", it)
	}
	if page.Cursor != "2024-03-04T08:30:00.000Z" || page.NextPageToken != "cursor-2" {
		t.Fatalf("cursor = %q next = %q", page.Cursor, page.NextPageToken)
	}
}

func TestNotionListResourcesPaginates(t *testing.T) {
	calls := 0
	cfg := serve(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["start_cursor"] == nil {
			writeJSON(w, map[string]any{
				"results":     []map[string]any{{"id": "db-1", "title": []map[string]string{{"plain_text": "Roadmap"}}}},
				"has_more":    true,
				"next_cursor": "c2",
			})
			return
		}
		writeJSON(w, map[string]any{"results": []map[string]any{{"id": "db-2", "title": []map[string]string{{"plain_text": "Bugs"}}}}})
	})
	got, err := platform.NewNotion(cfg, http.DefaultClient).ListResources(context.Background(), conn)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if calls != 2 || len(got) != 2 || got[0].Name != "Roadmap" || got[1].ID != "db-2" {
		t.Fatalf("calls = %d resources = %+v", calls, got)
	}
}

func TestGmailFetchUsesAfterQuery(t *testing.T) {
	var listQuery map[string][]string
	cfg := serve(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/me/messages":
			listQuery = r.URL.Query()
			writeJSON(w, map[string]any{
				"messages":      []map[string]string{{"id": "m1"}, {"id": "m2"}},
				"nextPageToken": "p2",
			})
		case "/users/me/messages/m1", "/users/me/messages/m2":
			id := strings.TrimPrefix(r.URL.Path, "/users/me/messages/")
			if r.URL.Query().Get("format") != "metadata" {
				http.Error(w, "want metadata", http.StatusBadRequest)
				return
			}
			date := map[string]string{"m1": "1709539260000", "m2": "1709539320000"}[id]
			writeJSON(w, map[string]any{
				"id":           id,
				"internalDate": date,
				"snippet":      "snippet " + id,
				"payload": map[string]any{"headers": []map[string]string{
					{"name": "Subject", "value": "Re: " + id},
					{"name": "From", "value": "ana@example.com"},
				}},
			})
		default:
			http.NotFound(w, r)
		}
	})
	g := platform.NewGmail(cfg, http.DefaultClient)
	page, err := g.Fetch(context.Background(), conn, platform.Resource{ID: "INBOX"}, "001709539200", "p1", 10)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got := listQuery["q"]; len(got) != 1 || got[0] != "after:1709539200" {
		t.Fatalf("q = %v", got)
	}
	if listQuery["labelIds"][0] != "INBOX" || listQuery["pageToken"][0] != "p1" || listQuery["maxResults"][0] != "10" {
		t.Fatalf("list query = %v", listQuery)
	}
	if len(page.Items) != 2 || page.Items[1].Title != "Re: m2" || page.Items[0].Author != "ana@example.com" || page.Items[0].Payload != "snippet m1" {
		t.Fatalf("items = %+v", page.Items)
	}
	if page.Cursor != "001709539320" || page.NextPageToken != "p2" {
		t.Fatalf("cursor = %q next = %q", page.Cursor, page.NextPageToken)
	}
	if platform.LaterCursor(page.Cursor, "001709539200") != page.Cursor {
		t.Fatalf("zero padded cursors must compare lexically")
	}
}

func TestGmailListResourcesKeepsInboxAndUserLabels(t *testing.T) {
	cfg := serve(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"labels": []map[string]string{
			{"id": "INBOX", "name": "INBOX", "type": "system"},
			{"id": "SPAM", "name": "SPAM", "type": "system"},
			{"id": "Label_1", "name": "Clients", "type": "user"},
		}})
	})
	got, err := platform.NewGmail(cfg, http.DefaultClient).ListResources(context.Background(), conn)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "INBOX" || got[1].Name != "Clients" {
		t.Fatalf("resources = %+v", got)
	}
}

func TestNewRegistryBuildsEveryPlatform(t *testing.T) {
	reg := platform.NewRegistry(config.Default(), nil)
	for _, p := range domain.Platforms {
		if reg[p] == nil || reg[p].Platform() != p {
			t.Fatalf("provider for %s = %v", p, reg[p])
		}
	}
}

func TestFixedDelaySpacesCalls(t *testing.T) {
	d := &platform.FixedDelay{Delay: 30 * time.Millisecond}
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := d.Wait(context.Background()); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("three calls took %s, want at least 60ms", elapsed)
	}
}

func TestFixedDelayHonorsContext(t *testing.T) {
	d := &platform.FixedDelay{Delay: time.Hour}
	if err := d.Wait(context.Background()); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := d.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second wait = %v", err)
	}
}

func TestNewLimiterKinds(t *testing.T) {
	bucket := platform.NewLimiter(config.RateLimit{Kind: "token_bucket", RPS: 1, Burst: 2})
	rl, ok := bucket.(*rate.Limiter)
	if !ok || rl.Burst() != 2 || rl.Limit() != 1 {
		t.Fatalf("token bucket = %#v", bucket)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	for i := 0; i < 2; i++ {
		if err := bucket.Wait(ctx); err != nil {
			t.Fatalf("burst wait %d: %v", i, err)
		}
	}
	if err := bucket.Wait(ctx); err == nil {
		t.Fatalf("third call should exceed the burst within 50ms")
	}

	free := platform.NewLimiter(config.RateLimit{Kind: "unknown"})
	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := free.Wait(context.Background()); err != nil {
			t.Fatalf("free wait: %v", err)
		}
	}
	if time.Since(start) > 50*time.Millisecond {
		t.Fatalf("unknown kind should never wait")
	}
}
