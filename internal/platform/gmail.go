package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"driftline/internal/config"
	"driftline/internal/domain"
)

// Gmail reads messages by label.
type Gmail struct {
	api *api
}

func NewGmail(cfg config.PlatformConfig, client *http.Client) *Gmail {
	return &Gmail{api: newAPI(domain.PlatformGmail, cfg, client, nil)}
}

func (g *Gmail) Platform() domain.Platform { return domain.PlatformGmail }

// ListResources returns the inbox and user labels.
func (g *Gmail) ListResources(ctx context.Context, conn domain.PlatformConnection) ([]Resource, error) {
	var resp struct {
		Labels []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"labels"`
	}
	if err := g.api.do(ctx, conn, http.MethodGet, "/users/me/labels", nil, &resp); err != nil {
		return nil, err
	}
	var out []Resource
	for _, l := range resp.Labels {
		if l.Type == "user" || l.ID == "INBOX" {
			out = append(out, Resource{ID: l.ID, Name: l.Name})
		}
	}
	return out, nil
}

// Fetch lists message ids after cursor (unix seconds, zero padded) and reads
// each one's metadata and snippet.
func (g *Gmail) Fetch(ctx context.Context, conn domain.PlatformConnection, resource Resource, cursor, pageToken string, limit int) (Page, error) {
	q := url.Values{}
	q.Set("labelIds", resource.ID)
	q.Set("maxResults", strconv.Itoa(limit))
	if cursor != "" {
		if secs, err := strconv.ParseInt(cursor, 10, 64); err == nil {
			q.Set("q", fmt.Sprintf("after:%d", secs))
		}
	}
	if pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	var list struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
		NextPageToken string `json:"nextPageToken"`
	}
	if err := g.api.do(ctx, conn, http.MethodGet, "/users/me/messages?"+q.Encode(), nil, &list); err != nil {
		return Page{}, err
	}
	page := Page{NextPageToken: list.NextPageToken}
	for _, m := range list.Messages {
		var msg struct {
			ID           string `json:"id"`
			InternalDate string `json:"internalDate"`
			Snippet      string `json:"snippet"`
			Payload      struct {
				Headers []struct {
					Name  string `json:"name"`
					Value string `json:"value"`
				} `json:"headers"`
			} `json:"payload"`
		}
		mq := url.Values{}
		mq.Set("format", "metadata")
		mq.Add("metadataHeaders", "Subject")
		mq.Add("metadataHeaders", "From")
		if err := g.api.do(ctx, conn, http.MethodGet, "/users/me/messages/"+url.PathEscape(m.ID)+"?"+mq.Encode(), nil, &msg); err != nil {
			return Page{}, err
		}
		ms, _ := strconv.ParseInt(msg.InternalDate, 10, 64)
		at := time.UnixMilli(ms).UTC()
		page.Cursor = LaterCursor(page.Cursor, fmt.Sprintf("%012d", at.Unix()))
		item := Item{ExternalID: msg.ID, Payload: msg.Snippet, Timestamp: at}
		for _, h := range msg.Payload.Headers {
			switch h.Name {
			case "Subject":
				item.Title = h.Value
			case "From":
				item.Author = h.Value
			}
		}
		page.Items = append(page.Items, item)
	}
	return page, nil
}
