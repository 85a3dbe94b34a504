package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"driftline/internal/config"
	"driftline/internal/db"
	"driftline/internal/domain"
	"driftline/internal/engine"
	"driftline/internal/engine/auth"
	"driftline/internal/llm/llmtest"
	"driftline/internal/migrate"
	"driftline/internal/platform"
	"driftline/internal/server"
	"driftline/internal/signals"
	syncer "driftline/internal/sync"
)

const secret = "test-secret"

type testServer struct {
	*httptest.Server
	LLM *llmtest.Scripted
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	fake := llmtest.New()
	e := engine.New(conn, cfg)
	e.LLM = fake
	handler, err := server.New(server.Config{
		Engine:   e,
		Sync:     syncer.New(e.Repo, cfg, platform.Registry{}, e.Events),
		Signals:  signals.New(e),
		BasePath: "/v1",
		Auth:     server.AuthConfig{JWTSecret: secret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &testServer{Server: srv, LLM: fake}
}

func token(t *testing.T, owner string) map[string]string {
	t.Helper()
	tok, err := auth.Mint(secret, owner, owner+"@example.com", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + tok}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createWork(t *testing.T, srv *testServer, owner string) domain.StandingWork {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/works", map[string]any{
		"title":   "Weekly status",
		"type":    "status_report",
		"binding": "cross_platform",
	}, token(t, owner))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create work status %d: %s", res.StatusCode, data)
	}
	var w domain.StandingWork
	if err := json.Unmarshal(data, &w); err != nil {
		t.Fatalf("unmarshal work: %v", err)
	}
	return w
}

func TestHealthNeedsNoToken(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK || !bytes.Contains(data, []byte("bearerAuth")) {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
}

func TestRequestsNeedAValidToken(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/works", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token status %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code != "unauthorized" {
		t.Fatalf("error envelope = %s", data)
	}

	forged, err := auth.Mint("other-secret", "owner-1", "", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/works", nil, map[string]string{"Authorization": "Bearer " + forged})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("forged token status %d", res.StatusCode)
	}
}

func TestWorksAreOwnerScoped(t *testing.T) {
	srv := newTestServer(t)
	w := createWork(t, srv, "owner-1")
	if w.OwnerID != "owner-1" || w.Origin != domain.OriginUserConfigured || w.Trigger != domain.TriggerManual {
		t.Fatalf("created work = %+v", w)
	}

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/works/"+w.ID, nil, token(t, "owner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("own work status %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/works/"+w.ID, nil, token(t, "owner-2"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign work status %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/works/"+w.ID+"/run", nil, token(t, "owner-2"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign run status %d", res.StatusCode)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/works", nil, token(t, "owner-2"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d", res.StatusCode)
	}
	var listed []domain.StandingWork
	if err := json.Unmarshal(data, &listed); err != nil || len(listed) != 0 {
		t.Fatalf("owner-2 sees %s", data)
	}
}

func TestCreateWorkRejectsBadBinding(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/works", map[string]any{
		"title":   "Digest",
		"type":    "digest",
		"binding": "platform_bound",
	}, token(t, "owner-1"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("platform_bound without sources status %d: %s", res.StatusCode, data)
	}
}

func TestRunWorkDeliversVersion(t *testing.T) {
	srv := newTestServer(t)
	srv.LLM.On("Reply with the finished deliverable only.", llmtest.Text("Status: all green."))
	w := createWork(t, srv, "owner-1")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/works/"+w.ID+"/run", nil, token(t, "owner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("run status %d: %s", res.StatusCode, data)
	}
	var out server.VersionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal version: %v", err)
	}
	if out.Status != domain.VersionDelivered || out.FinalContent != "Status: all green." || out.VersionNumber != 1 {
		t.Fatalf("version = %+v", out.WorkVersion)
	}
	if len(out.Receipts) != 1 || out.Receipts[0].Status != domain.DeliverySent {
		t.Fatalf("receipts = %+v", out.Receipts)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/versions/"+out.ID, nil, token(t, "owner-2"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign version status %d", res.StatusCode)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/activity?type=version.delivered", nil, token(t, "owner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activity status %d: %s", res.StatusCode, data)
	}
	var page server.ActivityPage
	if err := json.Unmarshal(data, &page); err != nil || len(page.Items) != 1 || page.LastID == 0 {
		t.Fatalf("activity = %s", data)
	}
}

func TestManualSignalProcessingIsRateLimited(t *testing.T) {
	srv := newTestServer(t)
	createWork(t, srv, "owner-1")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/signals/process", nil, token(t, "owner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first process status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/signals/process", nil, token(t, "owner-1"))
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second process status %d: %s", res.StatusCode, data)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/signals/process", nil, token(t, "owner-2"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cooldown is per owner, got %d", res.StatusCode)
	}
}

func TestCreateWorkCannotClaimSignalOriginOrID(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/works", map[string]any{
		"title":   "Looks autonomous",
		"type":    "digest",
		"binding": "cross_platform",
		"origin":  "signal_emergent",
	}, token(t, "owner-1"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("signal_emergent origin status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/works", map[string]any{
		"id":      "chosen-id",
		"title":   "Suggested",
		"type":    "digest",
		"binding": "cross_platform",
		"origin":  "analyst_suggested",
	}, token(t, "owner-1"))
	if res.StatusCode == http.StatusCreated {
		var w domain.StandingWork
		if err := json.Unmarshal(data, &w); err != nil {
			t.Fatalf("unmarshal work: %v", err)
		}
		if w.ID == "chosen-id" {
			t.Fatalf("client chose the work id")
		}
	} else if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("client id status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/works", map[string]any{
		"title":   "Suggested",
		"type":    "digest",
		"binding": "cross_platform",
		"origin":  "analyst_suggested",
	}, token(t, "owner-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("analyst_suggested status %d: %s", res.StatusCode, data)
	}
	var w domain.StandingWork
	if err := json.Unmarshal(data, &w); err != nil || w.Origin != domain.OriginAnalystSuggested {
		t.Fatalf("created work = %s", data)
	}
}

func TestOpenAPIServedConcurrently(t *testing.T) {
	srv := newTestServer(t)
	const n = 8
	bodies := make([][]byte, n)
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/v1/openapi.json")
			if err != nil {
				return
			}
			defer res.Body.Close()
			codes[i] = res.StatusCode
			bodies[i], _ = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		if codes[i] != http.StatusOK || !bytes.Equal(bodies[i], bodies[0]) {
			t.Fatalf("request %d: status %d, %d bytes vs %d", i, codes[i], len(bodies[i]), len(bodies[0]))
		}
	}
	if !bytes.Contains(bodies[0], []byte("bearerAuth")) {
		t.Fatalf("spec lacks the security scheme")
	}
}
