package events

import (
	"context"
	"fmt"
	"log"
	"time"

	"driftline/internal/domain"
	"driftline/internal/repo"
)

const (
	SyncCompleted     = "sync.completed"
	SyncResourceError = "sync.resource_error"
	SignalsProcessed  = "signals.processed"
	SignalsSkipped    = "signals.skipped"
	SignalCreated     = "signal.created"
	SignalTriggered   = "signal.triggered"
	SignalDropped     = "signal.dropped"
	WorkCreated       = "work.created"
	WorkPromoted      = "work.promoted"
	WorkStatusChanged = "work.status_changed"
	WorkSkipped       = "work.skipped"
	VersionDelivered  = "version.delivered"
	VersionFailed     = "version.failed"
	DeliveryRetried   = "delivery.retried"
	CleanupCompleted  = "cleanup.completed"
)

var known = map[string]bool{
	SyncCompleted: true, SyncResourceError: true, SignalsProcessed: true, SignalsSkipped: true,
	SignalCreated: true, SignalTriggered: true, SignalDropped: true, WorkCreated: true,
	WorkPromoted: true, WorkStatusChanged: true, WorkSkipped: true, VersionDelivered: true,
	VersionFailed: true, DeliveryRetried: true, CleanupCompleted: true,
}

// Known reports whether eventType is a registered activity type.
func Known(eventType string) bool {
	return known[eventType]
}

type Payload map[string]any

// Writer is the best-effort activity sink. Log returns an error for callers
// that want it, but callers may drop it: a failed write never changes the
// outcome of the operation that produced the event.
type Writer struct {
	Repo   repo.Repo
	Now    func() time.Time
	Logger *log.Logger
}

// Log appends one activity event. Failures are logged here.
func (w Writer) Log(ctx context.Context, ownerID, eventType, ref, summary string, payload Payload) error {
	err := w.append(ctx, ownerID, eventType, ref, summary, payload)
	if err != nil {
		w.logger().Printf("activity: drop %s for %s: %v", eventType, ownerID, err)
	}
	return err
}

func (w Writer) append(ctx context.Context, ownerID, eventType, ref, summary string, payload Payload) error {
	if w.Repo.DB == nil {
		return fmt.Errorf("activity writer has no store")
	}
	if ownerID == "" {
		return domain.Missing("owner_id")
	}
	if !Known(eventType) {
		return domain.ValidationError{Code: "unknown_event_type", Field: "event_type", Message: fmt.Sprintf("unknown event type %q", eventType)}
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	// Activity writes must not inherit a cancelled caller context.
	ctx = context.WithoutCancel(ctx)
	_, err := w.Repo.InsertActivity(ctx, domain.ActivityEvent{
		OwnerID:   ownerID,
		EventType: eventType,
		Ref:       ref,
		Summary:   summary,
		Metadata:  payload,
		CreatedAt: now().UTC(),
	})
	return err
}

func (w Writer) logger() *log.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return log.Default()
}

// List reads recent events for an owner.
func (w Writer) List(ctx context.Context, f repo.ActivityFilter) ([]domain.ActivityEvent, error) {
	return w.Repo.ListActivity(ctx, f)
}
