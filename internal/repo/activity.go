package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"driftline/internal/domain"
)

// InsertActivity appends an event. There is no update or delete path.
func (r Repo) InsertActivity(ctx context.Context, e domain.ActivityEvent) (int64, error) {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	meta, err := marshalJSON(e.Metadata)
	if err != nil {
		return 0, err
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO activity_events(owner_id, event_type, ref, summary, metadata_json, created_at)
VALUES (?, ?, ?, ?, ?, ?)`, e.OwnerID, e.EventType, nullable(e.Ref), e.Summary, meta, ts(e.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ActivityFilter narrows ListActivity. Zero fields are ignored.
type ActivityFilter struct {
	OwnerID   string
	EventType string
	Since     time.Time
	AfterID   int64
	Limit     int
}

// ListActivity returns newest events first, or oldest first when AfterID is
// set so callers can tail the log.
func (r Repo) ListActivity(ctx context.Context, f ActivityFilter) ([]domain.ActivityEvent, error) {
	query := `SELECT id, owner_id, event_type, ref, summary, metadata_json, created_at FROM activity_events WHERE 1=1`
	var args []any
	if f.OwnerID != "" {
		query += " AND owner_id=?"
		args = append(args, f.OwnerID)
	}
	if f.EventType != "" {
		query += " AND event_type=?"
		args = append(args, f.EventType)
	}
	if !f.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, ts(f.Since))
	}
	if f.AfterID > 0 {
		query += " AND id > ? ORDER BY id ASC"
		args = append(args, f.AfterID)
	} else {
		query += " ORDER BY id DESC"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ActivityEvent
	for rows.Next() {
		var (
			e         domain.ActivityEvent
			ref       sql.NullString
			meta      string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.EventType, &ref, &e.Summary, &meta, &createdAt); err != nil {
			return nil, err
		}
		e.Ref = ref.String
		e.CreatedAt = parseTime(createdAt)
		if meta != "" {
			if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
