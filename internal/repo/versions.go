package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"driftline/internal/domain"
)

const versionColumns = `id, work_id, owner_id, version_number, status, draft_content, final_content,
source_snapshot_json, error, feedback, created_at, delivered_at`

// InsertVersion creates a generating version with the next version number for
// the work. The number is read and written inside one transaction.
func (r Repo) InsertVersion(ctx context.Context, id string, work domain.StandingWork, now time.Time) (domain.WorkVersion, error) {
	v := domain.WorkVersion{
		ID:             id,
		WorkID:         work.ID,
		OwnerID:        work.OwnerID,
		Status:         domain.VersionGenerating,
		SourceSnapshot: []string{},
		CreatedAt:      now,
	}
	err := r.InTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version_number), 0) + 1 FROM work_versions WHERE work_id=?`, work.ID).Scan(&v.VersionNumber); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO work_versions(id, work_id, owner_id, version_number, status, created_at)
VALUES (?, ?, ?, ?, ?, ?)`, v.ID, v.WorkID, v.OwnerID, v.VersionNumber, v.Status, ts(now))
		return err
	})
	if err != nil {
		return domain.WorkVersion{}, fmt.Errorf("insert version: %w", err)
	}
	return v, nil
}

// SaveVersionContent writes draft, final and snapshot while the version is
// still generating. Any later write returns ErrVersionFrozen.
func (r Repo) SaveVersionContent(ctx context.Context, id, draft, final string, snapshot []string) error {
	if snapshot == nil {
		snapshot = []string{}
	}
	raw, err := marshalJSON(snapshot)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE work_versions SET draft_content=?, final_content=?, source_snapshot_json=?
WHERE id=? AND status='generating'`, draft, final, raw, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.GetVersion(ctx, id); err != nil {
			return err
		}
		return ErrVersionFrozen
	}
	return nil
}

// FinishVersion moves a version to delivered or failed. Only generating and
// failed versions move; a delivered version stays delivered.
func (r Repo) FinishVersion(ctx context.Context, id string, status domain.VersionStatus, errMsg string, deliveredAt *time.Time) error {
	if status != domain.VersionDelivered && status != domain.VersionFailed {
		return domain.ValidationError{Code: "invalid_status", Field: "status", Message: "version can only finish as delivered or failed"}
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE work_versions SET status=?, error=?, delivered_at=?
WHERE id=? AND status IN ('generating', 'failed')`, status, nullable(errMsg), nullableTime(deliveredAt), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		v, err := r.GetVersion(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("version %s is %s", id, v.Status)
	}
	return nil
}

// FailInterruptedVersions fails versions still generating that were created
// before cutoff while their owner holds no live lease for phase at now. Such
// versions were abandoned by a process that stopped mid-run.
func (r Repo) FailInterruptedVersions(ctx context.Context, phase string, cutoff, now time.Time, errMsg string) ([]domain.WorkVersion, error) {
	var out []domain.WorkVersion
	err := r.InTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+versionColumns+` FROM work_versions v
WHERE v.status='generating' AND v.created_at < ?
  AND NOT EXISTS (SELECT 1 FROM leases l WHERE l.scope=v.owner_id AND l.phase=? AND l.expires_at > ?)
ORDER BY v.created_at`, ts(cutoff), phase, ts(now))
		if err != nil {
			return err
		}
		for rows.Next() {
			v, err := scanVersion(rows)
			if err != nil {
				rows.Close()
				return err
			}
			out = append(out, v)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for i := range out {
			if _, err := tx.ExecContext(ctx, `UPDATE work_versions SET status='failed', error=? WHERE id=? AND status='generating'`, errMsg, out[i].ID); err != nil {
				return err
			}
			out[i].Status = domain.VersionFailed
			out[i].Error = errMsg
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fail interrupted versions: %w", err)
	}
	return out, nil
}

func (r Repo) SetVersionFeedback(ctx context.Context, id, feedback string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE work_versions SET feedback=? WHERE id=?`, nullable(feedback), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("version", id)
	}
	return nil
}

func (r Repo) GetVersion(ctx context.Context, id string) (domain.WorkVersion, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM work_versions WHERE id=?`, id)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WorkVersion{}, notFound("version", id)
	}
	return v, err
}

// ListVersions returns the newest versions of a work first.
func (r Repo) ListVersions(ctx context.Context, workID string, limit int) ([]domain.WorkVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM work_versions WHERE work_id=? ORDER BY version_number DESC`
	args := []any{workID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.WorkVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// LatestVersion returns the highest numbered version, or ErrNotFound.
func (r Repo) LatestVersion(ctx context.Context, workID string) (domain.WorkVersion, error) {
	versions, err := r.ListVersions(ctx, workID, 1)
	if err != nil {
		return domain.WorkVersion{}, err
	}
	if len(versions) == 0 {
		return domain.WorkVersion{}, notFound("version for work", workID)
	}
	return versions[0], nil
}

func scanVersion(row rowScanner) (domain.WorkVersion, error) {
	var (
		v                              domain.WorkVersion
		draft, final, errMsg, feedback sql.NullString
		snapshot, createdAt            string
		deliveredAt                    sql.NullString
	)
	if err := row.Scan(&v.ID, &v.WorkID, &v.OwnerID, &v.VersionNumber, &v.Status, &draft, &final,
		&snapshot, &errMsg, &feedback, &createdAt, &deliveredAt); err != nil {
		return domain.WorkVersion{}, err
	}
	v.DraftContent = draft.String
	v.FinalContent = final.String
	v.Error = errMsg.String
	v.Feedback = feedback.String
	v.CreatedAt = parseTime(createdAt)
	v.DeliveredAt = parseNullTime(deliveredAt)
	if err := json.Unmarshal([]byte(snapshot), &v.SourceSnapshot); err != nil {
		return domain.WorkVersion{}, err
	}
	return v, nil
}

// GetReceipt returns the delivery receipt for one destination of a version.
func (r Repo) GetReceipt(ctx context.Context, versionID, key string) (domain.DeliveryReceipt, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT version_id, destination_key, kind, status, external_ref, error, attempts, updated_at
FROM deliveries WHERE version_id=? AND destination_key=?`, versionID, key)
	rc, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DeliveryReceipt{}, notFound("receipt", versionID+"/"+key)
	}
	return rc, err
}

// RecordReceipt upserts a receipt and increments its attempt count. A sent
// receipt is never downgraded to failed.
func (r Repo) RecordReceipt(ctx context.Context, rc domain.DeliveryReceipt) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO deliveries(version_id, destination_key, kind, status, external_ref, error, attempts, updated_at)
VALUES (?, ?, ?, ?, ?, ?, 1, ?)
ON CONFLICT(version_id, destination_key) DO UPDATE SET
  status=CASE WHEN deliveries.status='sent' THEN deliveries.status ELSE excluded.status END,
  external_ref=CASE WHEN deliveries.status='sent' THEN deliveries.external_ref ELSE excluded.external_ref END,
  error=CASE WHEN deliveries.status='sent' THEN deliveries.error ELSE excluded.error END,
  attempts=deliveries.attempts + 1,
  updated_at=excluded.updated_at`,
		rc.VersionID, rc.DestinationKey, rc.Kind, rc.Status, nullable(rc.ExternalRef), nullable(rc.Error), ts(rc.UpdatedAt))
	return err
}

func (r Repo) ListReceipts(ctx context.Context, versionID string) ([]domain.DeliveryReceipt, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT version_id, destination_key, kind, status, external_ref, error, attempts, updated_at
FROM deliveries WHERE version_id=? ORDER BY destination_key`, versionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.DeliveryReceipt
	for rows.Next() {
		rc, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

func scanReceipt(row rowScanner) (domain.DeliveryReceipt, error) {
	var (
		rc          domain.DeliveryReceipt
		ref, errMsg sql.NullString
		updatedAt   string
	)
	if err := row.Scan(&rc.VersionID, &rc.DestinationKey, &rc.Kind, &rc.Status, &ref, &errMsg, &rc.Attempts, &updatedAt); err != nil {
		return domain.DeliveryReceipt{}, err
	}
	rc.ExternalRef = ref.String
	rc.Error = errMsg.String
	rc.UpdatedAt = parseTime(updatedAt)
	return rc, nil
}
