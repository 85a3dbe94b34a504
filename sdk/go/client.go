package driftlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Driftline HTTP API client. Every call acts as the owner
// named by BearerToken.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://127.0.0.1:8080/v1.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     30 * time.Second,
	}
}

type Schedule struct {
	Kind    string `json:"kind"`
	Hour    int    `json:"hour,omitempty"`
	Minute  int    `json:"minute,omitempty"`
	Weekday int    `json:"weekday,omitempty"`
	Every   string `json:"every,omitempty"`
}

type Source struct {
	Platform    string   `json:"platform"`
	ResourceIDs []string `json:"resource_ids,omitempty"`
}

type EmailTarget struct {
	To      []string `json:"to"`
	Subject string   `json:"subject,omitempty"`
}

type SlackTarget struct {
	Channel    string `json:"channel,omitempty"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

type NotionTarget struct {
	ParentPageID string `json:"parent_page_id"`
}

// Destination mirrors the API's tagged variant; set only the payload that
// matches Kind.
type Destination struct {
	Kind   string        `json:"kind"`
	Email  *EmailTarget  `json:"email,omitempty"`
	Slack  *SlackTarget  `json:"slack,omitempty"`
	Notion *NotionTarget `json:"notion,omitempty"`
}

// WorkInput is the body of CreateWork.
type WorkInput struct {
	Title             string        `json:"title"`
	Type              string        `json:"type"`
	Description       string        `json:"description,omitempty"`
	Binding           string        `json:"binding"`
	Schedule          *Schedule     `json:"schedule,omitempty"`
	Sources           []Source      `json:"sources,omitempty"`
	Destinations      []Destination `json:"destinations,omitempty"`
	ResearchDirective string        `json:"research_directive,omitempty"`
}

// Work represents the API standing work model (partial).
type Work struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`
	Title     string     `json:"title"`
	Type      string     `json:"type"`
	Binding   string     `json:"binding"`
	Origin    string     `json:"origin"`
	Trigger   string     `json:"trigger"`
	Schedule  Schedule   `json:"schedule"`
	Status    string     `json:"status"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
}

type Receipt struct {
	DestinationKey string `json:"destination_key"`
	Status         string `json:"status"`
	ExternalRef    string `json:"external_ref,omitempty"`
	Error          string `json:"error,omitempty"`
	Attempts       int    `json:"attempts"`
}

// Version is one execution of a work, with its delivery receipts.
type Version struct {
	ID             string    `json:"id"`
	WorkID         string    `json:"work_id"`
	VersionNumber  int       `json:"version_number"`
	Status         string    `json:"status"`
	FinalContent   string    `json:"final_content,omitempty"`
	SourceSnapshot []string  `json:"source_snapshot"`
	Error          string    `json:"error,omitempty"`
	Feedback       string    `json:"feedback,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Receipts       []Receipt `json:"receipts,omitempty"`
}

type SignalAction struct {
	Action          string  `json:"action"`
	SignalType      string  `json:"signal_type,omitempty"`
	DeliverableType string  `json:"deliverable_type,omitempty"`
	Confidence      float64 `json:"confidence"`
	Outcome         string  `json:"outcome"`
	WorkID          string  `json:"work_id,omitempty"`
	Detail          string  `json:"detail,omitempty"`
}

// Event represents an activity log entry.
type Event struct {
	ID        int64          `json:"id"`
	EventType string         `json:"event_type"`
	Ref       string         `json:"ref,omitempty"`
	Summary   string         `json:"summary"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ActivityPage carries LastID so callers can tail with after_id.
type ActivityPage struct {
	Items  []Event `json:"items"`
	LastID int64   `json:"last_id"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// Connect registers or replaces a platform connection.
func (c *Client) Connect(ctx context.Context, platform, accessToken string) error {
	body := map[string]any{"platform": platform, "access_token": accessToken}
	return c.do(ctx, http.MethodPost, "connections", body, nil)
}

// Sync runs a manual sync of one platform.
func (c *Client) Sync(ctx context.Context, platform string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("platforms/%s/sync", url.PathEscape(platform)), nil, nil)
}

func (c *Client) CreateWork(ctx context.Context, in WorkInput) (Work, error) {
	var resp Work
	err := c.do(ctx, http.MethodPost, "works", in, &resp)
	return resp, err
}

func (c *Client) GetWork(ctx context.Context, id string) (Work, error) {
	var resp Work
	err := c.do(ctx, http.MethodGet, "works/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListWorks filters by status when status is not empty.
func (c *Client) ListWorks(ctx context.Context, status string) ([]Work, error) {
	endpoint := "works"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Work
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SetWorkStatus pauses, resumes or archives a work.
func (c *Client) SetWorkStatus(ctx context.Context, id, status string) (Work, error) {
	var resp Work
	err := c.do(ctx, http.MethodPatch, "works/"+url.PathEscape(id), map[string]string{"status": status}, &resp)
	return resp, err
}

func (c *Client) Promote(ctx context.Context, id string, schedule Schedule) (Work, error) {
	var resp Work
	err := c.do(ctx, http.MethodPost, "works/"+url.PathEscape(id)+"/promote", map[string]any{"schedule": schedule}, &resp)
	return resp, err
}

// Run executes a work now. force skips the freshness check.
func (c *Client) Run(ctx context.Context, id string, force bool) (Version, error) {
	endpoint := "works/" + url.PathEscape(id) + "/run"
	if force {
		endpoint += "?force=true"
	}
	var resp Version
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) GetVersion(ctx context.Context, id string) (Version, error) {
	var resp Version
	err := c.do(ctx, http.MethodGet, "versions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SetFeedback attaches edit feedback that the next version's prompt includes.
func (c *Client) SetFeedback(ctx context.Context, versionID, feedback string) error {
	return c.do(ctx, http.MethodPut, "versions/"+url.PathEscape(versionID)+"/feedback", map[string]string{"feedback": feedback}, nil)
}

func (c *Client) RetryDelivery(ctx context.Context, versionID string) (Version, error) {
	var resp Version
	err := c.do(ctx, http.MethodPost, "versions/"+url.PathEscape(versionID)+"/retry", nil, &resp)
	return resp, err
}

func (c *Client) ProcessSignals(ctx context.Context) ([]SignalAction, error) {
	var resp []SignalAction
	err := c.do(ctx, http.MethodPost, "signals/process", nil, &resp)
	return resp, err
}

// Activity returns events newest first, or the events after afterID oldest
// first when afterID is set.
func (c *Client) Activity(ctx context.Context, eventType string, afterID int64, limit int) (ActivityPage, error) {
	q := url.Values{}
	if eventType != "" {
		q.Set("type", eventType)
	}
	if afterID > 0 {
		q.Set("after_id", fmt.Sprint(afterID))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "activity"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp ActivityPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
