package domain

import "time"

// TimeLayout is the fixed-width UTC layout used for every persisted timestamp so
// that lexical comparison in SQL matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a TimeLayout (or RFC3339) timestamp.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

type Platform string

const (
	PlatformSlack  Platform = "slack"
	PlatformNotion Platform = "notion"
	PlatformGmail  Platform = "gmail"
)

// Platforms lists every supported platform in a stable order.
var Platforms = []Platform{PlatformSlack, PlatformNotion, PlatformGmail}

func (p Platform) Valid() bool {
	switch p {
	case PlatformSlack, PlatformNotion, PlatformGmail:
		return true
	}
	return false
}

type RetainedReason string

const (
	RetainedNone       RetainedReason = "none"
	RetainedGeneration RetainedReason = "generation"
	RetainedSignal     RetainedReason = "signal"
	RetainedSession    RetainedReason = "session"
)

type Binding string

const (
	BindingPlatformBound Binding = "platform_bound"
	BindingCrossPlatform Binding = "cross_platform"
	BindingResearch      Binding = "research"
	BindingHybrid        Binding = "hybrid"
)

func (b Binding) Valid() bool {
	switch b {
	case BindingPlatformBound, BindingCrossPlatform, BindingResearch, BindingHybrid:
		return true
	}
	return false
}

type Origin string

const (
	OriginUserConfigured   Origin = "user_configured"
	OriginAnalystSuggested Origin = "analyst_suggested"
	OriginSignalEmergent   Origin = "signal_emergent"
)

func (o Origin) Valid() bool {
	switch o {
	case OriginUserConfigured, OriginAnalystSuggested, OriginSignalEmergent:
		return true
	}
	return false
}

type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerEvent    Trigger = "event"
	TriggerManual   Trigger = "manual"
)

func (t Trigger) Valid() bool {
	switch t {
	case TriggerSchedule, TriggerEvent, TriggerManual:
		return true
	}
	return false
}

type WorkStatus string

const (
	WorkActive   WorkStatus = "active"
	WorkPaused   WorkStatus = "paused"
	WorkArchived WorkStatus = "archived"
)

func (s WorkStatus) Valid() bool {
	switch s {
	case WorkActive, WorkPaused, WorkArchived:
		return true
	}
	return false
}

type VersionStatus string

const (
	VersionGenerating VersionStatus = "generating"
	VersionDelivered  VersionStatus = "delivered"
	VersionFailed     VersionStatus = "failed"
)

// ContentItem is one unit of synced platform content.
type ContentItem struct {
	ID              string         `json:"id"`
	OwnerID         string         `json:"owner_id"`
	Platform        Platform       `json:"platform"`
	ResourceID      string         `json:"resource_id"`
	ExternalID      string         `json:"external_id"`
	ContentHash     string         `json:"content_hash"`
	Title           string         `json:"title,omitempty"`
	Payload         string         `json:"payload"`
	Author          string         `json:"author,omitempty"`
	SourceTimestamp time.Time      `json:"source_timestamp" format:"date-time"`
	CreatedAt       time.Time      `json:"created_at" format:"date-time"`
	Retained        bool           `json:"retained"`
	RetainedReason  RetainedReason `json:"retained_reason"`
	RetainedRef     *string        `json:"retained_ref,omitempty"`
	ExpiresAt       *time.Time     `json:"expires_at,omitempty" format:"date-time"`
}

// StandingWork is a configuration for recurring or one-off generated output.
type StandingWork struct {
	ID                string        `json:"id"`
	OwnerID           string        `json:"owner_id"`
	Title             string        `json:"title"`
	Type              string        `json:"type"`
	Description       string        `json:"description,omitempty"`
	Binding           Binding       `json:"binding" enum:"platform_bound,cross_platform,research,hybrid"`
	Origin            Origin        `json:"origin" enum:"user_configured,analyst_suggested,signal_emergent"`
	Trigger           Trigger       `json:"trigger" enum:"schedule,event,manual"`
	Schedule          Schedule      `json:"schedule"`
	Sources           []Source      `json:"sources"`
	Destinations      []Destination `json:"destinations"`
	ResearchDirective string        `json:"research_directive,omitempty"`
	Status            WorkStatus    `json:"status" enum:"active,paused,archived"`
	NextRunAt         *time.Time    `json:"next_run_at,omitempty" format:"date-time"`
	LastRunAt         *time.Time    `json:"last_run_at,omitempty" format:"date-time"`
	CreatedAt         time.Time     `json:"created_at" format:"date-time"`
	UpdatedAt         time.Time     `json:"updated_at" format:"date-time"`
}

// Recurring reports whether the work runs on a schedule.
func (w StandingWork) Recurring() bool {
	return w.Trigger == TriggerSchedule && w.Schedule.Kind != ScheduleNone
}

// WorkVersion is one immutable execution result.
type WorkVersion struct {
	ID             string        `json:"id"`
	WorkID         string        `json:"work_id"`
	OwnerID        string        `json:"owner_id"`
	VersionNumber  int           `json:"version_number"`
	Status         VersionStatus `json:"status" enum:"generating,delivered,failed"`
	DraftContent   string        `json:"draft_content,omitempty"`
	FinalContent   string        `json:"final_content,omitempty"`
	SourceSnapshot []string      `json:"source_snapshot"`
	Error          string        `json:"error,omitempty"`
	Feedback       string        `json:"feedback,omitempty"`
	CreatedAt      time.Time     `json:"created_at" format:"date-time"`
	DeliveredAt    *time.Time    `json:"delivered_at,omitempty" format:"date-time"`
}

// SignalHistoryEntry is the dedup ledger for realized signals.
type SignalHistoryEntry struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	SignalType    string    `json:"signal_type"`
	SignalRef     string    `json:"signal_ref"`
	CreatedWorkID string    `json:"created_work_id"`
	CreatedAt     time.Time `json:"created_at" format:"date-time"`
}

// ActivityEvent is an append-only activity record.
type ActivityEvent struct {
	ID        int64          `json:"id"`
	OwnerID   string         `json:"owner_id"`
	EventType string         `json:"event_type"`
	Ref       string         `json:"ref,omitempty"`
	Summary   string         `json:"summary"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at" format:"date-time"`
}

type Owner struct {
	ID          string    `json:"id"`
	Email       string    `json:"email,omitempty"`
	Preferences string    `json:"preferences,omitempty"`
	CreatedAt   time.Time `json:"created_at" format:"date-time"`
}

type ConnectionStatus string

const (
	ConnectionActive   ConnectionStatus = "active"
	ConnectionDisabled ConnectionStatus = "disabled"
)

// PlatformConnection is an owner's authorized link to a platform.
type PlatformConnection struct {
	OwnerID     string           `json:"owner_id"`
	Platform    Platform         `json:"platform"`
	AccessToken string           `json:"-"`
	Status      ConnectionStatus `json:"status" enum:"active,disabled"`
	NextSyncAt  *time.Time       `json:"next_sync_at,omitempty" format:"date-time"`
	CreatedAt   time.Time        `json:"created_at" format:"date-time"`
}

// SyncState is the per-resource cursor and error badge.
type SyncState struct {
	OwnerID             string     `json:"owner_id"`
	Platform            Platform   `json:"platform"`
	ResourceID          string     `json:"resource_id"`
	ResourceName        string     `json:"resource_name,omitempty"`
	Cursor              string     `json:"cursor,omitempty"`
	LastSyncedAt        *time.Time `json:"last_synced_at,omitempty" format:"date-time"`
	LastError           string     `json:"last_error,omitempty"`
	LastErrorAt         *time.Time `json:"last_error_at,omitempty" format:"date-time"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	ItemsSynced         int        `json:"items_synced"`
}

type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

// DeliveryReceipt records the outcome of sending a version to one destination.
type DeliveryReceipt struct {
	VersionID      string          `json:"version_id"`
	DestinationKey string          `json:"destination_key"`
	Kind           DestinationKind `json:"kind"`
	Status         DeliveryStatus  `json:"status" enum:"sent,failed"`
	ExternalRef    string          `json:"external_ref,omitempty"`
	Error          string          `json:"error,omitempty"`
	Attempts       int             `json:"attempts"`
	UpdatedAt      time.Time       `json:"updated_at" format:"date-time"`
}

// Lease guards a per-scope, per-phase section against concurrent holders.
type Lease struct {
	Scope      string    `json:"scope"`
	Phase      string    `json:"phase"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at" format:"date-time"`
	ExpiresAt  time.Time `json:"expires_at" format:"date-time"`
}
