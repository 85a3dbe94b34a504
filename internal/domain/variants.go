package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// ValidationError rejects malformed input at a boundary before any write.
type ValidationError struct {
	Code    string
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func invalid(field, format string, args ...any) error {
	return ValidationError{Code: "invalid_" + strings.ReplaceAll(field, ".", "_"), Field: field, Message: fmt.Sprintf(format, args...)}
}

// Missing returns a ValidationError for an absent required field.
func Missing(field string) error {
	return ValidationError{Code: "missing_field", Field: field, Message: "is required"}
}

type ScheduleKind string

const (
	ScheduleNone     ScheduleKind = "none"
	ScheduleDaily    ScheduleKind = "daily"
	ScheduleWeekly   ScheduleKind = "weekly"
	ScheduleInterval ScheduleKind = "interval"
)

// Schedule is a tagged variant; Kind selects which of the other fields apply.
type Schedule struct {
	Kind    ScheduleKind `json:"kind" enum:"none,daily,weekly,interval"`
	Hour    int          `json:"hour,omitempty"`
	Minute  int          `json:"minute,omitempty"`
	Weekday int          `json:"weekday,omitempty"`
	Every   string       `json:"every,omitempty"`
}

func (s Schedule) Validate() error {
	switch s.Kind {
	case "", ScheduleNone:
		return nil
	case ScheduleDaily, ScheduleWeekly:
		if s.Hour < 0 || s.Hour > 23 {
			return invalid("schedule.hour", "must be 0-23")
		}
		if s.Minute < 0 || s.Minute > 59 {
			return invalid("schedule.minute", "must be 0-59")
		}
		if s.Kind == ScheduleWeekly && (s.Weekday < 0 || s.Weekday > 6) {
			return invalid("schedule.weekday", "must be 0-6")
		}
		return nil
	case ScheduleInterval:
		d, err := time.ParseDuration(s.Every)
		if err != nil {
			return invalid("schedule.every", "invalid duration %q", s.Every)
		}
		if d < 5*time.Minute {
			return invalid("schedule.every", "must be at least 5m")
		}
		return nil
	default:
		return invalid("schedule.kind", "unknown schedule kind %q", s.Kind)
	}
}

// Next returns the first slot strictly after the given time. ok is false for
// ScheduleNone.
func (s Schedule) Next(after time.Time) (time.Time, bool) {
	after = after.UTC()
	switch s.Kind {
	case ScheduleDaily:
		next := time.Date(after.Year(), after.Month(), after.Day(), s.Hour, s.Minute, 0, 0, time.UTC)
		if !next.After(after) {
			next = next.AddDate(0, 0, 1)
		}
		return next, true
	case ScheduleWeekly:
		next := time.Date(after.Year(), after.Month(), after.Day(), s.Hour, s.Minute, 0, 0, time.UTC)
		days := (s.Weekday - int(next.Weekday()) + 7) % 7
		next = next.AddDate(0, 0, days)
		if !next.After(after) {
			next = next.AddDate(0, 0, 7)
		}
		return next, true
	case ScheduleInterval:
		d, err := time.ParseDuration(s.Every)
		if err != nil || d <= 0 {
			return time.Time{}, false
		}
		return after.Add(d), true
	default:
		return time.Time{}, false
	}
}

// Source selects platform content for a standing work item. Empty ResourceIDs
// means every resource on the platform.
type Source struct {
	Platform    Platform `json:"platform" enum:"slack,notion,gmail"`
	ResourceIDs []string `json:"resource_ids,omitempty"`
}

type DestinationKind string

const (
	DestinationEmail    DestinationKind = "email"
	DestinationSlack    DestinationKind = "slack"
	DestinationNotion   DestinationKind = "notion"
	DestinationDownload DestinationKind = "download"
)

type EmailTarget struct {
	To      []string `json:"to"`
	Subject string   `json:"subject,omitempty"`
}

// SlackTarget posts either through the bot token to Channel or to an incoming
// WebhookURL.
type SlackTarget struct {
	Channel    string `json:"channel,omitempty"`
	WebhookURL string `json:"webhook_url,omitempty"`
}

type NotionTarget struct {
	ParentPageID string `json:"parent_page_id"`
}

// Destination is a tagged variant; exactly the payload matching Kind is set.
type Destination struct {
	Kind   DestinationKind `json:"kind" enum:"email,slack,notion,download"`
	Email  *EmailTarget    `json:"email,omitempty"`
	Slack  *SlackTarget    `json:"slack,omitempty"`
	Notion *NotionTarget   `json:"notion,omitempty"`
}

func (d Destination) Validate() error {
	set := 0
	for _, p := range []bool{d.Email != nil, d.Slack != nil, d.Notion != nil} {
		if p {
			set++
		}
	}
	switch d.Kind {
	case DestinationEmail:
		if d.Email == nil || set != 1 {
			return invalid("destination.email", "email destination requires only the email payload")
		}
		if len(d.Email.To) == 0 {
			return Missing("destination.email.to")
		}
	case DestinationSlack:
		if d.Slack == nil || set != 1 {
			return invalid("destination.slack", "slack destination requires only the slack payload")
		}
		if d.Slack.Channel == "" && d.Slack.WebhookURL == "" {
			return Missing("destination.slack.channel")
		}
	case DestinationNotion:
		if d.Notion == nil || set != 1 {
			return invalid("destination.notion", "notion destination requires only the notion payload")
		}
		if d.Notion.ParentPageID == "" {
			return Missing("destination.notion.parent_page_id")
		}
	case DestinationDownload:
		if set != 0 {
			return invalid("destination.download", "download destination takes no payload")
		}
	default:
		return invalid("destination.kind", "unknown destination kind %q", d.Kind)
	}
	return nil
}

// Key is a stable identifier for the destination, used for delivery receipts.
func (d Destination) Key() string {
	var target string
	switch d.Kind {
	case DestinationEmail:
		if d.Email != nil {
			target = strings.Join(d.Email.To, ",")
		}
	case DestinationSlack:
		if d.Slack != nil {
			target = d.Slack.Channel + "|" + d.Slack.WebhookURL
		}
	case DestinationNotion:
		if d.Notion != nil {
			target = d.Notion.ParentPageID
		}
	}
	sum := sha256.Sum256([]byte(string(d.Kind) + ":" + target))
	return string(d.Kind) + ":" + hex.EncodeToString(sum[:8])
}

// Validate checks the work configuration as a whole, including the
// binding-specific source rules.
func (w StandingWork) Validate() error {
	if strings.TrimSpace(w.OwnerID) == "" {
		return Missing("owner_id")
	}
	if strings.TrimSpace(w.Title) == "" {
		return Missing("title")
	}
	if strings.TrimSpace(w.Type) == "" {
		return Missing("type")
	}
	if !w.Binding.Valid() {
		return invalid("binding", "unknown binding %q", w.Binding)
	}
	if !w.Origin.Valid() {
		return invalid("origin", "unknown origin %q", w.Origin)
	}
	if !w.Trigger.Valid() {
		return invalid("trigger", "unknown trigger %q", w.Trigger)
	}
	if w.Status != "" && !w.Status.Valid() {
		return invalid("status", "unknown status %q", w.Status)
	}
	if err := w.Schedule.Validate(); err != nil {
		return err
	}
	if w.Trigger == TriggerSchedule && (w.Schedule.Kind == "" || w.Schedule.Kind == ScheduleNone) {
		return invalid("schedule", "schedule trigger requires a schedule")
	}
	for _, s := range w.Sources {
		if !s.Platform.Valid() {
			return invalid("sources.platform", "unknown platform %q", s.Platform)
		}
	}
	switch w.Binding {
	case BindingPlatformBound:
		if len(w.Sources) != 1 {
			return invalid("sources", "platform_bound work needs exactly one platform source")
		}
	case BindingCrossPlatform, BindingResearch, BindingHybrid:
	}
	for _, d := range w.Destinations {
		if err := d.Validate(); err != nil {
			return err
		}
	}
	return nil
}
