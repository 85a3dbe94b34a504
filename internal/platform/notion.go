package platform

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"driftline/internal/config"
	"driftline/internal/domain"
)

const notionVersion = "2022-06-28"

// Notion reads database pages ordered by last edit.
type Notion struct {
	api *api
}

func NewNotion(cfg config.PlatformConfig, client *http.Client) *Notion {
	h := http.Header{}
	h.Set("Notion-Version", notionVersion)
	return &Notion{api: newAPI(domain.PlatformNotion, cfg, client, h)}
}

func (n *Notion) Platform() domain.Platform { return domain.PlatformNotion }

type notionText struct {
	PlainText string `json:"plain_text"`
}

func joinText(parts []notionText) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.PlainText)
	}
	return b.String()
}

func (n *Notion) ListResources(ctx context.Context, conn domain.PlatformConnection) ([]Resource, error) {
	var out []Resource
	cursor := ""
	for {
		body := map[string]any{
			"filter":    map[string]string{"property": "object", "value": "database"},
			"page_size": 100,
		}
		if cursor != "" {
			body["start_cursor"] = cursor
		}
		var resp struct {
			Results []struct {
				ID    string       `json:"id"`
				Title []notionText `json:"title"`
			} `json:"results"`
			HasMore    bool   `json:"has_more"`
			NextCursor string `json:"next_cursor"`
		}
		if err := n.api.do(ctx, conn, http.MethodPost, "/search", body, &resp); err != nil {
			return nil, err
		}
		for _, db := range resp.Results {
			out = append(out, Resource{ID: db.ID, Name: joinText(db.Title)})
		}
		if !resp.HasMore || resp.NextCursor == "" {
			return out, nil
		}
		cursor = resp.NextCursor
	}
}

type notionProperty struct {
	Type     string       `json:"type"`
	Title    []notionText `json:"title"`
	RichText []notionText `json:"rich_text"`
	Select   *struct {
		Name string `json:"name"`
	} `json:"select"`
	Status *struct {
		Name string `json:"name"`
	} `json:"status"`
}

// Fetch queries pages edited after cursor, an RFC3339 timestamp.
func (n *Notion) Fetch(ctx context.Context, conn domain.PlatformConnection, resource Resource, cursor, pageToken string, limit int) (Page, error) {
	body := map[string]any{
		"page_size": limit,
		"sorts":     []map[string]string{{"timestamp": "last_edited_time", "direction": "ascending"}},
	}
	if cursor != "" {
		body["filter"] = map[string]any{
			"timestamp":        "last_edited_time",
			"last_edited_time": map[string]string{"after": cursor},
		}
	}
	if pageToken != "" {
		body["start_cursor"] = pageToken
	}
	var resp struct {
		Results []struct {
			ID             string                    `json:"id"`
			URL            string                    `json:"url"`
			LastEditedTime string                    `json:"last_edited_time"`
			LastEditedBy   struct{ ID string }       `json:"last_edited_by"`
			Properties     map[string]notionProperty `json:"properties"`
		} `json:"results"`
		HasMore    bool   `json:"has_more"`
		NextCursor string `json:"next_cursor"`
	}
	if err := n.api.do(ctx, conn, http.MethodPost, "/databases/"+resource.ID+"/query", body, &resp); err != nil {
		return Page{}, err
	}
	var page Page
	for _, p := range resp.Results {
		edited, _ := time.Parse(time.RFC3339, p.LastEditedTime)
		page.Cursor = LaterCursor(page.Cursor, p.LastEditedTime)
		title, text := flattenProperties(p.Properties)
		if p.URL != "" {
			text = strings.TrimSpace(text + "\n" + p.URL)
		}
		page.Items = append(page.Items, Item{
			ExternalID: p.ID,
			Title:      title,
			Payload:    text,
			Author:     p.LastEditedBy.ID,
			Timestamp:  edited.UTC(),
		})
	}
	if resp.HasMore {
		page.NextPageToken = resp.NextCursor
	}
	return page, nil
}

func flattenProperties(props map[string]notionProperty) (string, string) {
	var (
		title string
		lines []string
	)
	for name, p := range props {
		switch p.Type {
		case "title":
			title = joinText(p.Title)
		case "rich_text":
			if v := joinText(p.RichText); v != "" {
				lines = append(lines, name+": "+v)
			}
		case "select":
			if p.Select != nil {
				lines = append(lines, name+": "+p.Select.Name)
			}
		case "status":
			if p.Status != nil {
				lines = append(lines, name+": "+p.Status.Name)
			}
		}
	}
	sort.Strings(lines)
	if title != "" {
		lines = append([]string{title}, lines...)
	}
	return title, strings.Join(lines, "\n")
}
