// Package search is the web search backend of the web_search tool.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type Searcher interface {
	Search(ctx context.Context, query string) ([]Result, error)
}

// ErrDisabled is returned when no search backend is configured.
var ErrDisabled = errors.New("web search is not configured")

// Disabled is the Searcher used without an API key.
type Disabled struct{}

func (Disabled) Search(context.Context, string) ([]Result, error) { return nil, ErrDisabled }

// keyGate serializes requests per API key and holds the earliest time the
// next one may fire.
type keyGate struct {
	mu      sync.Mutex
	readyAt time.Time
}

var (
	gatesMu sync.Mutex
	gates   = map[string]*keyGate{}
)

func gateFor(apiKey string) *keyGate {
	gatesMu.Lock()
	defer gatesMu.Unlock()
	g, ok := gates[apiKey]
	if !ok {
		g = &keyGate{}
		gates[apiKey] = g
	}
	return g
}

// lock waits for the gate and returns holding it. unlock must follow.
func (g *keyGate) lock(ctx context.Context) error {
	g.mu.Lock()
	if wait := time.Until(g.readyAt); wait > 0 {
		g.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		g.mu.Lock()
	}
	return nil
}

func (g *keyGate) unlock(delay time.Duration) {
	g.readyAt = time.Now().Add(delay)
	g.mu.Unlock()
}

// Brave queries the Brave Search API. Instances sharing a key share a gate.
type Brave struct {
	APIKey     string
	Endpoint   string
	MaxResults int
	client     *http.Client
}

func NewBrave(apiKey string, timeout time.Duration) *Brave {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Brave{
		APIKey:     apiKey,
		Endpoint:   "https://api.search.brave.com/res/v1/web/search",
		MaxResults: 5,
		client:     &http.Client{Timeout: timeout},
	}
}

func (b *Brave) Search(ctx context.Context, query string) ([]Result, error) {
	if strings.TrimSpace(b.APIKey) == "" {
		return nil, ErrDisabled
	}
	endpoint := b.Endpoint + "?q=" + url.QueryEscape(query)
	gate := gateFor(b.APIKey)

	var resp *http.Response
	for {
		if err := gate.lock(ctx); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			gate.unlock(0)
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Subscription-Token", b.APIKey)
		resp, err = b.client.Do(req)
		if err != nil {
			gate.unlock(time.Second)
			return nil, err
		}
		if resp.StatusCode != http.StatusTooManyRequests {
			gate.unlock(nextDelay(resp.Header))
			break
		}
		resp.Body.Close()
		gate.unlock(retryDelay(resp.Header))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave http %d", resp.StatusCode)
	}
	var payload struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	limit := b.MaxResults
	if limit <= 0 {
		limit = 5
	}
	out := make([]Result, 0, limit)
	for _, r := range payload.Web.Results {
		if len(out) >= limit {
			break
		}
		out = append(out, Result{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return out, nil
}

// retryDelay reads the smallest reset value of X-RateLimit-Reset.
func retryDelay(h http.Header) time.Duration {
	minReset := -1
	for _, part := range strings.Split(h.Get("X-RateLimit-Reset"), ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			continue
		}
		if minReset < 0 || n < minReset {
			minReset = n
		}
	}
	if minReset <= 0 {
		return time.Second
	}
	return time.Duration(minReset) * time.Second
}

// nextDelay holds the gate for a second once the per-second bucket is empty.
func nextDelay(h http.Header) time.Duration {
	raw := h.Get("X-RateLimit-Remaining")
	if raw == "" {
		return time.Second
	}
	perSecond, _, _ := strings.Cut(raw, ",")
	n, err := strconv.Atoi(strings.TrimSpace(perSecond))
	if err != nil || n <= 0 {
		return time.Second
	}
	return 0
}

// New returns the configured searcher, or Disabled without a key.
func New(provider, apiKey string, timeout time.Duration) Searcher {
	if provider == "brave" && apiKey != "" {
		return NewBrave(apiKey, timeout)
	}
	return Disabled{}
}
