package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"driftline/internal/config"
	"driftline/internal/domain"
)

// Slack reads channel history through the Web API.
type Slack struct {
	api *api
}

func NewSlack(cfg config.PlatformConfig, client *http.Client) *Slack {
	return &Slack{api: newAPI(domain.PlatformSlack, cfg, client, nil)}
}

func (s *Slack) Platform() domain.Platform { return domain.PlatformSlack }

type slackEnvelope struct {
	OK               bool   `json:"ok"`
	Error            string `json:"error"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

func (e slackEnvelope) err() error {
	if e.OK {
		return nil
	}
	return fmt.Errorf("slack: %s", e.Error)
}

func (s *Slack) ListResources(ctx context.Context, conn domain.PlatformConnection) ([]Resource, error) {
	var out []Resource
	cursor := ""
	for {
		q := url.Values{}
		q.Set("types", "public_channel,private_channel")
		q.Set("exclude_archived", "true")
		q.Set("limit", "200")
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var resp struct {
			slackEnvelope
			Channels []struct {
				ID       string `json:"id"`
				Name     string `json:"name"`
				IsMember bool   `json:"is_member"`
			} `json:"channels"`
		}
		if err := s.api.do(ctx, conn, http.MethodGet, "/conversations.list?"+q.Encode(), nil, &resp); err != nil {
			return nil, err
		}
		if err := resp.err(); err != nil {
			return nil, err
		}
		for _, ch := range resp.Channels {
			if !ch.IsMember {
				continue
			}
			out = append(out, Resource{ID: ch.ID, Name: ch.Name})
		}
		cursor = resp.ResponseMetadata.NextCursor
		if cursor == "" {
			return out, nil
		}
	}
}

// Fetch reads messages newer than cursor, a Slack message ts.
func (s *Slack) Fetch(ctx context.Context, conn domain.PlatformConnection, resource Resource, cursor, pageToken string, limit int) (Page, error) {
	q := url.Values{}
	q.Set("channel", resource.ID)
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("oldest", cursor)
	}
	if pageToken != "" {
		q.Set("cursor", pageToken)
	}
	var resp struct {
		slackEnvelope
		Messages []struct {
			TS      string `json:"ts"`
			User    string `json:"user"`
			Text    string `json:"text"`
			Subtype string `json:"subtype"`
		} `json:"messages"`
		HasMore bool `json:"has_more"`
	}
	if err := s.api.do(ctx, conn, http.MethodGet, "/conversations.history?"+q.Encode(), nil, &resp); err != nil {
		return Page{}, err
	}
	if err := resp.err(); err != nil {
		return Page{}, err
	}
	var page Page
	for _, m := range resp.Messages {
		page.Cursor = LaterCursor(page.Cursor, m.TS)
		if m.Subtype == "channel_join" || strings.TrimSpace(m.Text) == "" {
			continue
		}
		page.Items = append(page.Items, Item{
			ExternalID: resource.ID + ":" + m.TS,
			Title:      "#" + resource.Name,
			Payload:    m.Text,
			Author:     m.User,
			Timestamp:  slackTime(m.TS),
		})
	}
	if resp.HasMore {
		page.NextPageToken = resp.ResponseMetadata.NextCursor
	}
	return page, nil
}

func slackTime(ts string) time.Time {
	secs, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var micros int64
	if frac != "" {
		micros, _ = strconv.ParseInt(frac, 10, 64)
	}
	return time.Unix(s, micros*1000).UTC()
}
