package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"driftline/internal/domain"
)

// EnsureOwner creates the owner row if missing. Existing rows keep their data
// unless email is given.
func (r Repo) EnsureOwner(ctx context.Context, id, email string, now time.Time) error {
	if id == "" {
		return domain.Missing("owner_id")
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO owners(id, email, created_at) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET email=COALESCE(excluded.email, owners.email)`, id, nullable(email), ts(now))
	return err
}

func (r Repo) GetOwner(ctx context.Context, id string) (domain.Owner, error) {
	var (
		o                  domain.Owner
		email, preferences sql.NullString
		createdAt          string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT id, email, preferences, created_at FROM owners WHERE id=?`, id).
		Scan(&o.ID, &email, &preferences, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Owner{}, notFound("owner", id)
	}
	if err != nil {
		return domain.Owner{}, err
	}
	o.Email = email.String
	o.Preferences = preferences.String
	o.CreatedAt = parseTime(createdAt)
	return o, nil
}

// SetPreferences replaces the owner's standing preferences text.
func (r Repo) SetPreferences(ctx context.Context, id, preferences string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE owners SET preferences=? WHERE id=?`, nullable(preferences), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("owner %s: %w", id, ErrNotFound)
	}
	return nil
}

// OwnersWithActiveConnections lists owners that have at least one active
// platform connection.
func (r Repo) OwnersWithActiveConnections(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT owner_id FROM platform_connections WHERE status='active' ORDER BY owner_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
