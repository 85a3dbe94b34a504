package server

import (
	"time"

	"driftline/internal/domain"
	"driftline/internal/engine"
	"driftline/internal/repo"
)

// Request payloads

type ConnectionRequest struct {
	Platform    domain.Platform         `json:"platform" enum:"slack,notion,gmail"`
	AccessToken string                  `json:"access_token"`
	Status      domain.ConnectionStatus `json:"status,omitempty" enum:"active,disabled"`
}

// CreateWorkRequest leaves the id to the server. signal_emergent is reserved
// for work the signal executor creates.
type CreateWorkRequest struct {
	Title             string               `json:"title"`
	Type              string               `json:"type"`
	Description       string               `json:"description,omitempty"`
	Binding           domain.Binding       `json:"binding" enum:"platform_bound,cross_platform,research,hybrid"`
	Origin            domain.Origin        `json:"origin,omitempty" enum:"user_configured,analyst_suggested"`
	Schedule          *domain.Schedule     `json:"schedule,omitempty"`
	Sources           []domain.Source      `json:"sources,omitempty"`
	Destinations      []domain.Destination `json:"destinations,omitempty"`
	ResearchDirective string               `json:"research_directive,omitempty"`
}

func (r CreateWorkRequest) validate() error {
	if r.Origin == domain.OriginSignalEmergent {
		return domain.ValidationError{Code: "invalid_origin", Field: "origin", Message: "signal_emergent work is created by signal processing only"}
	}
	return nil
}

func (r CreateWorkRequest) options(ownerID string) engine.WorkCreateOptions {
	opts := engine.WorkCreateOptions{
		OwnerID:           ownerID,
		Title:             r.Title,
		Type:              r.Type,
		Description:       r.Description,
		Binding:           r.Binding,
		Origin:            r.Origin,
		Sources:           r.Sources,
		Destinations:      r.Destinations,
		ResearchDirective: r.ResearchDirective,
	}
	if r.Schedule != nil {
		opts.Schedule = *r.Schedule
	}
	return opts
}

type UpdateWorkRequest struct {
	Status domain.WorkStatus `json:"status" enum:"active,paused,archived"`
}

type PromoteRequest struct {
	Schedule domain.Schedule `json:"schedule"`
}

type FeedbackRequest struct {
	Feedback string `json:"feedback"`
}

type PreferencesRequest struct {
	Preferences string `json:"preferences"`
}

// Response payloads

type VersionResponse struct {
	domain.WorkVersion
	Receipts []domain.DeliveryReceipt `json:"receipts"`
}

type ContentResponse struct {
	Items []domain.ContentItem `json:"items"`
	Stats repo.ContentStats    `json:"stats"`
}

// SyncStateView adds the badge fields a dashboard shows next to a resource.
type SyncStateView struct {
	domain.SyncState
	Stale    bool `json:"stale"`
	HasError bool `json:"has_error"`
}

type SyncStatusResponse struct {
	Connections []domain.PlatformConnection `json:"connections"`
	Resources   []SyncStateView             `json:"resources"`
}

type ActivityPage struct {
	Items  []domain.ActivityEvent `json:"items"`
	LastID int64                  `json:"last_id,omitempty"`
}

type MeResponse struct {
	OwnerID     string `json:"owner_id"`
	Email       string `json:"email,omitempty"`
	Preferences string `json:"preferences,omitempty"`
}

// syncStateView marks a resource stale when it has not synced within twice
// the platform interval.
func syncStateView(st domain.SyncState, interval time.Duration, now time.Time) SyncStateView {
	v := SyncStateView{SyncState: st, HasError: st.LastError != ""}
	if interval > 0 {
		v.Stale = st.LastSyncedAt == nil || now.Sub(*st.LastSyncedAt) > 2*interval
	}
	return v
}
