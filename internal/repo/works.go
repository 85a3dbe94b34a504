package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"driftline/internal/domain"
)

const workColumns = `id, owner_id, title, type, description, binding, origin, trigger_kind, schedule_json,
sources_json, destinations_json, research_directive, status, next_run_at, last_run_at, created_at, updated_at`

// InsertWork persists a validated standing work row.
func (r Repo) InsertWork(ctx context.Context, tx *sql.Tx, w domain.StandingWork) error {
	if err := w.Validate(); err != nil {
		return err
	}
	schedule, err := marshalJSON(w.Schedule)
	if err != nil {
		return err
	}
	if w.Sources == nil {
		w.Sources = []domain.Source{}
	}
	sources, err := marshalJSON(w.Sources)
	if err != nil {
		return err
	}
	if w.Destinations == nil {
		w.Destinations = []domain.Destination{}
	}
	destinations, err := marshalJSON(w.Destinations)
	if err != nil {
		return err
	}
	if w.Status == "" {
		w.Status = domain.WorkActive
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO standing_works(`+workColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.OwnerID, w.Title, w.Type, nullable(w.Description), w.Binding, w.Origin, w.Trigger, schedule,
		sources, destinations, nullable(w.ResearchDirective), w.Status, nullableTime(w.NextRunAt), nullableTime(w.LastRunAt),
		ts(w.CreatedAt), ts(w.UpdatedAt))
	return err
}

func (r Repo) GetWork(ctx context.Context, id string) (domain.StandingWork, error) {
	return r.getWork(ctx, r.DB, id)
}

func (r Repo) GetWorkTx(ctx context.Context, tx *sql.Tx, id string) (domain.StandingWork, error) {
	return r.getWork(ctx, tx, id)
}

func (r Repo) getWork(ctx context.Context, q querier, id string) (domain.StandingWork, error) {
	row := q.QueryRowContext(ctx, `SELECT `+workColumns+` FROM standing_works WHERE id=?`, id)
	w, err := scanWork(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StandingWork{}, notFound("work", id)
	}
	return w, err
}

// WorkFilter narrows ListWorks. Zero fields are ignored.
type WorkFilter struct {
	OwnerID string
	Status  domain.WorkStatus
	Type    string
	Trigger domain.Trigger
	Limit   int
}

func (r Repo) ListWorks(ctx context.Context, f WorkFilter) ([]domain.StandingWork, error) {
	query := `SELECT ` + workColumns + ` FROM standing_works WHERE 1=1`
	var args []any
	if f.OwnerID != "" {
		query += " AND owner_id=?"
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		query += " AND status=?"
		args = append(args, f.Status)
	}
	if f.Type != "" {
		query += " AND type=?"
		args = append(args, f.Type)
	}
	if f.Trigger != "" {
		query += " AND trigger_kind=?"
		args = append(args, f.Trigger)
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkRows(rows)
}

// DueWorks returns active works whose next_run_at is at or before now, oldest
// first.
func (r Repo) DueWorks(ctx context.Context, now time.Time, limit int) ([]domain.StandingWork, error) {
	query := `SELECT ` + workColumns + ` FROM standing_works
WHERE status='active' AND next_run_at IS NOT NULL AND next_run_at <= ?
ORDER BY next_run_at, id`
	args := []any{ts(now)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkRows(rows)
}

// RecurringDueWithin finds an active schedule-triggered work of the given type
// whose next run falls at or before until.
func (r Repo) RecurringDueWithin(ctx context.Context, tx *sql.Tx, ownerID, workType string, until time.Time) (domain.StandingWork, error) {
	row := r.on(tx).QueryRowContext(ctx, `SELECT `+workColumns+` FROM standing_works
WHERE owner_id=? AND type=? AND status='active' AND trigger_kind='schedule'
  AND next_run_at IS NOT NULL AND next_run_at <= ?
ORDER BY next_run_at LIMIT 1`, ownerID, workType, ts(until))
	w, err := scanWork(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StandingWork{}, ErrNotFound
	}
	return w, err
}

func (r Repo) UpdateWorkStatus(ctx context.Context, id string, status domain.WorkStatus, now time.Time) error {
	if !status.Valid() {
		return domain.ValidationError{Code: "invalid_status", Field: "status", Message: "unknown work status " + string(status)}
	}
	return r.updateWork(ctx, nil, `UPDATE standing_works SET status=?, updated_at=? WHERE id=?`, id, status, ts(now), id)
}

// SetNextRun moves the work's next run. A nil next clears it.
func (r Repo) SetNextRun(ctx context.Context, tx *sql.Tx, id string, next *time.Time, now time.Time) error {
	return r.updateWork(ctx, tx, `UPDATE standing_works SET next_run_at=?, updated_at=? WHERE id=?`, id, nullableTime(next), ts(now), id)
}

// MarkWorkRun records a finished run and the next slot.
func (r Repo) MarkWorkRun(ctx context.Context, id string, lastRun time.Time, next *time.Time) error {
	return r.updateWork(ctx, nil, `UPDATE standing_works SET last_run_at=?, next_run_at=?, updated_at=? WHERE id=?`, id,
		ts(lastRun), nullableTime(next), ts(lastRun), id)
}

// PromoteWork changes trigger and schedule only; origin stays as created.
func (r Repo) PromoteWork(ctx context.Context, id string, schedule domain.Schedule, next *time.Time, now time.Time) error {
	raw, err := marshalJSON(schedule)
	if err != nil {
		return err
	}
	return r.updateWork(ctx, nil, `UPDATE standing_works SET trigger_kind='schedule', schedule_json=?, next_run_at=?, updated_at=? WHERE id=?`, id,
		raw, nullableTime(next), ts(now), id)
}

func (r Repo) updateWork(ctx context.Context, tx *sql.Tx, query, id string, args ...any) error {
	res, err := r.on(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("work", id)
	}
	return nil
}

func scanWork(row rowScanner) (domain.StandingWork, error) {
	var (
		w                               domain.StandingWork
		description, directive          sql.NullString
		nextRun, lastRun                sql.NullString
		schedule, sources, destinations string
		createdAt, updatedAt            string
	)
	if err := row.Scan(&w.ID, &w.OwnerID, &w.Title, &w.Type, &description, &w.Binding, &w.Origin, &w.Trigger, &schedule,
		&sources, &destinations, &directive, &w.Status, &nextRun, &lastRun, &createdAt, &updatedAt); err != nil {
		return domain.StandingWork{}, err
	}
	w.Description = description.String
	w.ResearchDirective = directive.String
	w.NextRunAt = parseNullTime(nextRun)
	w.LastRunAt = parseNullTime(lastRun)
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	if err := json.Unmarshal([]byte(schedule), &w.Schedule); err != nil {
		return domain.StandingWork{}, err
	}
	if err := json.Unmarshal([]byte(sources), &w.Sources); err != nil {
		return domain.StandingWork{}, err
	}
	if err := json.Unmarshal([]byte(destinations), &w.Destinations); err != nil {
		return domain.StandingWork{}, err
	}
	return w, nil
}

func scanWorkRows(rows *sql.Rows) ([]domain.StandingWork, error) {
	var out []domain.StandingWork
	for rows.Next() {
		w, err := scanWork(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
