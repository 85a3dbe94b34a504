package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"driftline/internal/domain"
)

// Notion creates a child page under the destination's parent page.
type Notion struct {
	APIURL string
	Token  string
	client *http.Client
}

func NewNotion(apiURL, token string, client *http.Client) *Notion {
	if client == nil {
		client = &http.Client{}
	}
	return &Notion{APIURL: strings.TrimRight(apiURL, "/"), Token: token, client: client}
}

func (n *Notion) Kind() domain.DestinationKind { return domain.DestinationNotion }

const (
	notionTextMax   = 2000
	notionBlocksMax = 100
)

func notionParagraph(text string) map[string]any {
	return map[string]any{
		"object": "block",
		"type":   "paragraph",
		"paragraph": map[string]any{
			"rich_text": []map[string]any{{"type": "text", "text": map[string]string{"content": text}}},
		},
	}
}

func (n *Notion) Send(ctx context.Context, work domain.StandingWork, v domain.WorkVersion, d domain.Destination) (string, error) {
	if n.Token == "" {
		return "", fmt.Errorf("notion token is not configured")
	}
	var children []map[string]any
	for _, c := range chunks(v.FinalContent, notionTextMax) {
		if len(children) == notionBlocksMax {
			break
		}
		children = append(children, notionParagraph(c))
	}
	body := map[string]any{
		"parent": map[string]string{"page_id": d.Notion.ParentPageID},
		"properties": map[string]any{
			"title": map[string]any{
				"title": []map[string]any{{"text": map[string]string{"content": subject(work, v)}}},
			},
		},
		"children": children,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.APIURL+"/pages", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+n.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Notion-Version", "2022-06-28")
	resp, err := n.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("posting to notion: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("notion returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("notion returned no page id")
	}
	return out.ID, nil
}
