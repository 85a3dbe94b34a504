package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"driftline/internal/domain"
)

// Slack posts a version through chat.postMessage or an incoming webhook.
type Slack struct {
	APIURL   string
	BotToken string
	client   *http.Client
}

func NewSlack(apiURL, botToken string, client *http.Client) *Slack {
	if client == nil {
		client = &http.Client{}
	}
	return &Slack{APIURL: strings.TrimRight(apiURL, "/"), BotToken: botToken, client: client}
}

func (s *Slack) Kind() domain.DestinationKind { return domain.DestinationSlack }

type slackBlock struct {
	Type string     `json:"type"`
	Text *slackText `json:"text,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackMessage struct {
	Channel string       `json:"channel,omitempty"`
	Text    string       `json:"text"`
	Blocks  []slackBlock `json:"blocks"`
}

// slack caps section text at 3000 characters.
const slackSectionMax = 3000

func buildSlackMessage(work domain.StandingWork, v domain.WorkVersion) slackMessage {
	title := subject(work, v)
	msg := slackMessage{
		Text:   title,
		Blocks: []slackBlock{{Type: "header", Text: &slackText{Type: "plain_text", Text: title}}},
	}
	for _, chunk := range chunks(v.FinalContent, slackSectionMax) {
		msg.Blocks = append(msg.Blocks, slackBlock{Type: "section", Text: &slackText{Type: "mrkdwn", Text: chunk}})
	}
	return msg
}

func (s *Slack) Send(ctx context.Context, work domain.StandingWork, v domain.WorkVersion, d domain.Destination) (string, error) {
	msg := buildSlackMessage(work, v)
	if d.Slack.WebhookURL != "" {
		if err := s.post(ctx, d.Slack.WebhookURL, "", msg, nil); err != nil {
			return "", err
		}
		return "webhook:" + uuid.NewString(), nil
	}
	if s.BotToken == "" {
		return "", fmt.Errorf("slack bot token is not configured")
	}
	msg.Channel = d.Slack.Channel
	var resp struct {
		OK      bool   `json:"ok"`
		Error   string `json:"error"`
		Channel string `json:"channel"`
		TS      string `json:"ts"`
	}
	if err := s.post(ctx, s.APIURL+"/chat.postMessage", s.BotToken, msg, &resp); err != nil {
		return "", err
	}
	if !resp.OK {
		return "", fmt.Errorf("slack: %s", resp.Error)
	}
	return resp.Channel + ":" + resp.TS, nil
}

func (s *Slack) post(ctx context.Context, url, token string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling slack message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// chunks splits s into pieces of at most n runes, preferring line breaks.
func chunks(s string, n int) []string {
	var out []string
	r := []rune(s)
	for len(r) > n {
		cut := n
		for i := n; i > n/2; i-- {
			if r[i-1] == '\n' {
				cut = i
				break
			}
		}
		out = append(out, string(r[:cut]))
		r = r[cut:]
	}
	if len(r) > 0 {
		out = append(out, string(r))
	}
	return out
}
