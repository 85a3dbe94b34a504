// Package tools is the read-only toolset offered to the generation loop and
// served over MCP.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"driftline/internal/domain"
	"driftline/internal/llm"
	"driftline/internal/repo"
	"driftline/internal/search"
)

const (
	SearchContent = "search_content"
	ReadContent   = "read_content"
	ListContent   = "list_content"
	WebSearch     = "web_search"
)

// Names lists every tool in a stable order.
var Names = []string{SearchContent, ReadContent, ListContent, WebSearch}

type Toolset struct {
	Repo         repo.Repo
	Search       search.Searcher
	SnippetChars int
	Now          func() time.Time
}

type SearchContentInput struct {
	Query    string `json:"query" jsonschema:"words to match against item titles, bodies and authors"`
	Platform string `json:"platform,omitempty" jsonschema:"restrict to one platform: slack, notion or gmail"`
	Limit    int    `json:"limit,omitempty" jsonschema:"maximum items to return, default 10"`
}

type ReadContentInput struct {
	ID string `json:"id" jsonschema:"content item id as returned by search_content or list_content"`
}

type ListContentInput struct {
	Platform   string `json:"platform,omitempty" jsonschema:"restrict to one platform: slack, notion or gmail"`
	ResourceID string `json:"resource_id,omitempty" jsonschema:"restrict to one channel, database or label"`
	SinceHours int    `json:"since_hours,omitempty" jsonschema:"only items from the last N hours"`
	Limit      int    `json:"limit,omitempty" jsonschema:"maximum items to return, default 20"`
}

type WebSearchInput struct {
	Query string `json:"query" jsonschema:"web search query"`
}

type ItemSummary struct {
	ID         string `json:"id"`
	Platform   string `json:"platform"`
	ResourceID string `json:"resource_id"`
	Title      string `json:"title,omitempty"`
	Author     string `json:"author,omitempty"`
	Timestamp  string `json:"timestamp"`
	Snippet    string `json:"snippet"`
}

type ItemsOutput struct {
	Items []ItemSummary `json:"items"`
	Count int           `json:"count"`
}

type ContentOutput struct {
	Item    ItemSummary `json:"item"`
	Payload string      `json:"payload"`
}

type WebSearchOutput struct {
	Results []search.Result `json:"results"`
}

func (t *Toolset) now() time.Time {
	if t.Now == nil {
		return time.Now().UTC()
	}
	return t.Now().UTC()
}

func parsePlatform(s string) (domain.Platform, error) {
	if s == "" {
		return "", nil
	}
	p := domain.Platform(strings.ToLower(s))
	if !p.Valid() {
		return "", domain.ValidationError{Code: "invalid_platform", Field: "platform", Message: fmt.Sprintf("unknown platform %q", s)}
	}
	return p, nil
}

func (t *Toolset) summarize(item domain.ContentItem) ItemSummary {
	n := t.SnippetChars
	if n <= 0 {
		n = 280
	}
	return ItemSummary{
		ID:         item.ID,
		Platform:   string(item.Platform),
		ResourceID: item.ResourceID,
		Title:      item.Title,
		Author:     item.Author,
		Timestamp:  item.SourceTimestamp.Format(time.RFC3339),
		Snippet:    Truncate(item.Payload, n),
	}
}

// Truncate cuts s to n runes, marking the cut.
func Truncate(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= n {
		return string(r)
	}
	return string(r[:n]) + "…"
}

func (t *Toolset) SearchContent(ctx context.Context, ownerID string, in SearchContentInput) (ItemsOutput, error) {
	if strings.TrimSpace(in.Query) == "" {
		return ItemsOutput{}, domain.Missing("query")
	}
	p, err := parsePlatform(in.Platform)
	if err != nil {
		return ItemsOutput{}, err
	}
	limit := in.Limit
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	items, err := t.Repo.SearchContent(ctx, ownerID, in.Query, p, limit)
	if err != nil {
		return ItemsOutput{}, err
	}
	return t.itemsOutput(items), nil
}

func (t *Toolset) ReadContent(ctx context.Context, ownerID string, in ReadContentInput) (ContentOutput, error) {
	if strings.TrimSpace(in.ID) == "" {
		return ContentOutput{}, domain.Missing("id")
	}
	item, err := t.Repo.GetContent(ctx, ownerID, in.ID)
	if err != nil {
		return ContentOutput{}, err
	}
	return ContentOutput{Item: t.summarize(item), Payload: item.Payload}, nil
}

func (t *Toolset) ListContent(ctx context.Context, ownerID string, in ListContentInput) (ItemsOutput, error) {
	p, err := parsePlatform(in.Platform)
	if err != nil {
		return ItemsOutput{}, err
	}
	q := repo.ContentQuery{OwnerID: ownerID, Platform: p, Limit: in.Limit}
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	if in.ResourceID != "" {
		q.ResourceIDs = []string{in.ResourceID}
	}
	if in.SinceHours > 0 {
		q.Since = t.now().Add(-time.Duration(in.SinceHours) * time.Hour)
	}
	items, err := t.Repo.QueryContent(ctx, q)
	if err != nil {
		return ItemsOutput{}, err
	}
	return t.itemsOutput(items), nil
}

func (t *Toolset) WebSearch(ctx context.Context, in WebSearchInput) (WebSearchOutput, error) {
	if strings.TrimSpace(in.Query) == "" {
		return WebSearchOutput{}, domain.Missing("query")
	}
	s := t.Search
	if s == nil {
		s = search.Disabled{}
	}
	results, err := s.Search(ctx, in.Query)
	if err != nil {
		return WebSearchOutput{}, err
	}
	return WebSearchOutput{Results: results}, nil
}

func (t *Toolset) itemsOutput(items []domain.ContentItem) ItemsOutput {
	out := ItemsOutput{Items: make([]ItemSummary, 0, len(items)), Count: len(items)}
	for _, it := range items {
		out.Items = append(out.Items, t.summarize(it))
	}
	return out
}

// Definitions returns the function schemas for the named tools, or all of
// them when names is empty.
func Definitions(names ...string) []llm.Tool {
	if len(names) == 0 {
		names = Names
	}
	platform := map[string]any{"type": "string", "enum": []string{"slack", "notion", "gmail"}}
	defs := map[string]llm.Tool{
		SearchContent: {
			Name:        SearchContent,
			Description: "Search the owner's synced content by keyword. Returns item summaries with ids.",
			Parameters: object(map[string]any{
				"query":    map[string]any{"type": "string"},
				"platform": platform,
				"limit":    map[string]any{"type": "integer"},
			}, "query"),
		},
		ReadContent: {
			Name:        ReadContent,
			Description: "Read the full body of one content item by id.",
			Parameters:  object(map[string]any{"id": map[string]any{"type": "string"}}, "id"),
		},
		ListContent: {
			Name:        ListContent,
			Description: "List recent content items, newest first, optionally by platform, resource and age.",
			Parameters: object(map[string]any{
				"platform":    platform,
				"resource_id": map[string]any{"type": "string"},
				"since_hours": map[string]any{"type": "integer"},
				"limit":       map[string]any{"type": "integer"},
			}),
		},
		WebSearch: {
			Name:        WebSearch,
			Description: "Search the public web. Returns titles, urls and snippets.",
			Parameters:  object(map[string]any{"query": map[string]any{"type": "string"}}, "query"),
		},
	}
	out := make([]llm.Tool, 0, len(names))
	for _, n := range names {
		if d, ok := defs[n]; ok {
			out = append(out, d)
		}
	}
	return out
}

func object(props map[string]any, required ...string) map[string]any {
	m := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		m["required"] = required
	}
	return m
}

// Session binds the toolset to one owner for one generation and records the
// content items read through it.
type Session struct {
	set     *Toolset
	ownerID string
	read    []string
	seen    map[string]bool
}

func (t *Toolset) Session(ownerID string) *Session {
	return &Session{set: t, ownerID: ownerID, seen: map[string]bool{}}
}

// ReadIDs returns the ids passed to read_content successfully, in call order.
func (s *Session) ReadIDs() []string {
	return append([]string(nil), s.read...)
}

// Call runs one tool with raw JSON arguments. Tool failures become text the
// model can react to; only an unknown tool name is an error.
func (s *Session) Call(ctx context.Context, name, args string) (string, error) {
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	var (
		out any
		err error
	)
	switch name {
	case SearchContent:
		var in SearchContentInput
		if err = json.Unmarshal([]byte(args), &in); err == nil {
			out, err = s.set.SearchContent(ctx, s.ownerID, in)
		}
	case ReadContent:
		var in ReadContentInput
		if err = json.Unmarshal([]byte(args), &in); err == nil {
			var c ContentOutput
			c, err = s.set.ReadContent(ctx, s.ownerID, in)
			if err == nil && !s.seen[c.Item.ID] {
				s.seen[c.Item.ID] = true
				s.read = append(s.read, c.Item.ID)
			}
			out = c
		}
	case ListContent:
		var in ListContentInput
		if err = json.Unmarshal([]byte(args), &in); err == nil {
			out, err = s.set.ListContent(ctx, s.ownerID, in)
		}
	case WebSearch:
		var in WebSearchInput
		if err = json.Unmarshal([]byte(args), &in); err == nil {
			out, err = s.set.WebSearch(ctx, in)
		}
	default:
		return "", fmt.Errorf("unknown tool %q", name)
	}
	if err != nil {
		return "error: " + err.Error(), nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
