// Package platform holds the pull clients for the collaboration platforms.
// Nothing else in driftline talks to platform APIs.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"driftline/internal/config"
	"driftline/internal/domain"
)

// Resource is a syncable container on a platform: a channel, a database or a
// label.
type Resource struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Item is one fetched unit before it becomes a ContentItem.
type Item struct {
	ExternalID string
	Title      string
	Payload    string
	Author     string
	Timestamp  time.Time
}

// Page is one fetch result. Cursor is the high-water mark of the page's items;
// cursors of one provider compare lexically. NextPageToken is empty on the
// last page.
type Page struct {
	Items         []Item
	Cursor        string
	NextPageToken string
}

type Provider interface {
	Platform() domain.Platform
	ListResources(ctx context.Context, conn domain.PlatformConnection) ([]Resource, error)
	Fetch(ctx context.Context, conn domain.PlatformConnection, resource Resource, cursor, pageToken string, limit int) (Page, error)
}

// Registry maps platforms to their providers.
type Registry map[domain.Platform]Provider

// NewRegistry builds the three providers from config. client may be nil.
func NewRegistry(cfg *config.Config, client *http.Client) Registry {
	if client == nil {
		client = &http.Client{Timeout: cfg.Sync.FetchTimeout}
	}
	return Registry{
		domain.PlatformSlack:  NewSlack(cfg.Platform(domain.PlatformSlack), client),
		domain.PlatformNotion: NewNotion(cfg.Platform(domain.PlatformNotion), client),
		domain.PlatformGmail:  NewGmail(cfg.Platform(domain.PlatformGmail), client),
	}
}

// LaterCursor returns the greater of two cursors.
func LaterCursor(a, b string) string {
	if b > a {
		return b
	}
	return a
}

// StatusError is a non-2xx platform response.
type StatusError struct {
	Platform domain.Platform
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s http %d: %s", e.Platform, e.Status, e.Body)
}

// Retryable reports whether the next cycle may succeed without intervention.
func (e *StatusError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// api is the shared HTTP plumbing for one provider. Every request waits on the
// limiter of the connection's access token.
type api struct {
	platform domain.Platform
	baseURL  string
	client   *http.Client
	rate     config.RateLimit
	header   http.Header

	mu       sync.Mutex
	limiters map[string]Limiter
}

func newAPI(p domain.Platform, cfg config.PlatformConfig, client *http.Client, header http.Header) *api {
	return &api{
		platform: p,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		client:   client,
		rate:     cfg.Rate,
		header:   header,
		limiters: map[string]Limiter{},
	}
}

func (a *api) limiterFor(token string) Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters[token]
	if !ok {
		l = NewLimiter(a.rate)
		a.limiters[token] = l
	}
	return l
}

func (a *api) do(ctx context.Context, conn domain.PlatformConnection, method, path string, body, out any) error {
	if err := a.limiterFor(conn.AccessToken).Wait(ctx); err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range a.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Platform: a.platform, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
