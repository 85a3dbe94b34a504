package search_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"driftline/internal/search"
)

func braveResults(n int) map[string]any {
	results := make([]map[string]string, n)
	for i := range results {
		results[i] = map[string]string{"title": "Result", "url": "https://example.com/" + string(rune('a'+i)), "description": "snippet"}
	}
	return map[string]any{"web": map[string]any{"results": results}}
}

func TestBraveSearch(t *testing.T) {
	var query, token string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query, token = r.URL.Query().Get("q"), r.Header.Get("X-Subscription-Token")
		w.Header().Set("X-RateLimit-Remaining", "5, 1999")
		_ = json.NewEncoder(w).Encode(braveResults(8))
	}))
	defer srv.Close()

	b := search.NewBrave("key-search", time.Second)
	b.Endpoint = srv.URL
	got, err := b.Search(context.Background(), "pricing tiers & plans")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if query != "pricing tiers & plans" || token != "key-search" {
		t.Fatalf("query = %q token = %q", query, token)
	}
	if len(got) != 5 || got[0].URL != "https://example.com/a" || got[0].Snippet != "snippet" {
		t.Fatalf("results = %+v", got)
	}
}

func TestBraveRetriesAfterRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("X-RateLimit-Reset", "1, 86400")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("X-RateLimit-Remaining", "3, 100")
		_ = json.NewEncoder(w).Encode(braveResults(2))
	}))
	defer srv.Close()

	b := search.NewBrave("key-retry", 5*time.Second)
	b.Endpoint = srv.URL
	start := time.Now()
	got, err := b.Search(context.Background(), "q")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if calls.Load() != 2 || len(got) != 2 {
		t.Fatalf("calls = %d results = %d", calls.Load(), len(got))
	}
	if time.Since(start) < time.Second {
		t.Fatalf("retry should wait for the reset window")
	}
}

func TestBraveHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	b := search.NewBrave("key-denied", time.Second)
	b.Endpoint = srv.URL
	if _, err := b.Search(context.Background(), "q"); err == nil {
		t.Fatalf("401 should fail")
	}
}

func TestNewWithoutKeyIsDisabled(t *testing.T) {
	s := search.New("brave", "", time.Second)
	if _, err := s.Search(context.Background(), "q"); !errors.Is(err, search.ErrDisabled) {
		t.Fatalf("err = %v", err)
	}
	if _, ok := search.New("brave", "k", time.Second).(*search.Brave); !ok {
		t.Fatalf("brave with a key should be enabled")
	}
	if _, ok := search.New("other", "k", time.Second).(search.Disabled); !ok {
		t.Fatalf("unknown provider should be disabled")
	}
}
