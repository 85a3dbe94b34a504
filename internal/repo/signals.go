package repo

import (
	"context"
	"database/sql"
	"time"

	"driftline/internal/domain"
)

// InsertSignalHistory appends a dedup ledger entry.
func (r Repo) InsertSignalHistory(ctx context.Context, tx *sql.Tx, e domain.SignalHistoryEntry) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO signal_history(id, owner_id, signal_type, signal_ref, created_work_id, created_at)
VALUES (?, ?, ?, ?, ?, ?)`, e.ID, e.OwnerID, e.SignalType, e.SignalRef, e.CreatedWorkID, ts(e.CreatedAt))
	return err
}

// SignalSeenSince reports whether (owner, type, ref) was realized at or after
// since.
func (r Repo) SignalSeenSince(ctx context.Context, tx *sql.Tx, ownerID, signalType, signalRef string, since time.Time) (bool, error) {
	var n int
	err := r.on(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM signal_history
WHERE owner_id=? AND signal_type=? AND signal_ref=? AND created_at >= ?`, ownerID, signalType, signalRef, ts(since)).Scan(&n)
	return n > 0, err
}

func (r Repo) ListSignalHistory(ctx context.Context, ownerID string, limit int) ([]domain.SignalHistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id, owner_id, signal_type, signal_ref, created_work_id, created_at
FROM signal_history WHERE owner_id=? ORDER BY created_at DESC, id LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.SignalHistoryEntry
	for rows.Next() {
		var (
			e         domain.SignalHistoryEntry
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.SignalType, &e.SignalRef, &e.CreatedWorkID, &createdAt); err != nil {
			return nil, err
		}
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}
