package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"driftline/internal/domain"
)

// ContentHash is the dedup key for a synced item.
func ContentHash(platform domain.Platform, resourceID, externalID, payload string) string {
	sum := sha256.Sum256([]byte(string(platform) + "|" + resourceID + "|" + externalID + "|" + payload))
	return hex.EncodeToString(sum[:])
}

const contentColumns = `id, owner_id, platform, resource_id, external_id, content_hash, title, payload, author,
source_timestamp, created_at, retained, retained_reason, retained_ref, expires_at`

// PutContent upserts an ephemeral item keyed by (owner, platform, content_hash).
// On conflict it refreshes metadata and extends the expiry of rows that are
// still ephemeral; retention is never touched. It reports whether a new row was
// inserted.
func (r Repo) PutContent(ctx context.Context, item domain.ContentItem) (bool, error) {
	if item.OwnerID == "" {
		return false, domain.Missing("owner_id")
	}
	if !item.Platform.Valid() {
		return false, domain.ValidationError{Code: "invalid_platform", Field: "platform", Message: fmt.Sprintf("unknown platform %q", item.Platform)}
	}
	if item.ResourceID == "" {
		return false, domain.Missing("resource_id")
	}
	if item.ExpiresAt == nil {
		return false, domain.Missing("expires_at")
	}
	if item.ContentHash == "" {
		item.ContentHash = ContentHash(item.Platform, item.ResourceID, item.ExternalID, item.Payload)
	}
	var id string
	err := r.DB.QueryRowContext(ctx, `INSERT INTO content_items(`+contentColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 'none', NULL, ?)
ON CONFLICT(owner_id, platform, content_hash) DO UPDATE SET
  title=excluded.title,
  payload=excluded.payload,
  author=excluded.author,
  source_timestamp=excluded.source_timestamp,
  expires_at=CASE WHEN content_items.retained = 1 THEN NULL
                  WHEN excluded.expires_at > content_items.expires_at THEN excluded.expires_at
                  ELSE content_items.expires_at END
RETURNING id`,
		item.ID, item.OwnerID, item.Platform, item.ResourceID, item.ExternalID, item.ContentHash,
		nullable(item.Title), item.Payload, nullable(item.Author),
		ts(item.SourceTimestamp), ts(item.CreatedAt), ts(*item.ExpiresAt),
	).Scan(&id)
	if err != nil {
		return false, err
	}
	return id == item.ID, nil
}

// ContentQuery selects items for an owner. An empty Platform means every
// platform; a zero Since means no lower bound.
type ContentQuery struct {
	OwnerID     string
	Platform    domain.Platform
	ResourceIDs []string
	Since       time.Time
	Limit       int
}

// QueryContent returns items ordered by source_timestamp descending.
func (r Repo) QueryContent(ctx context.Context, q ContentQuery) ([]domain.ContentItem, error) {
	query := `SELECT ` + contentColumns + ` FROM content_items WHERE owner_id=?`
	args := []any{q.OwnerID}
	if q.Platform != "" {
		query += " AND platform=?"
		args = append(args, q.Platform)
	}
	if len(q.ResourceIDs) > 0 {
		query += " AND resource_id IN (" + placeholders(len(q.ResourceIDs)) + ")"
		for _, id := range q.ResourceIDs {
			args = append(args, id)
		}
	}
	if !q.Since.IsZero() {
		query += " AND source_timestamp >= ?"
		args = append(args, ts(q.Since))
	}
	query += " ORDER BY source_timestamp DESC, id"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanContentRows(rows)
}

func (r Repo) GetContent(ctx context.Context, ownerID, id string) (domain.ContentItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+contentColumns+` FROM content_items WHERE owner_id=? AND id=?`, ownerID, id)
	item, err := scanContent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ContentItem{}, notFound("content", id)
	}
	return item, err
}

// SearchContent matches query against title, payload and author.
func (r Repo) SearchContent(ctx context.Context, ownerID, query string, platform domain.Platform, limit int) ([]domain.ContentItem, error) {
	if limit <= 0 {
		limit = 20
	}
	like := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	sqlq := `SELECT ` + contentColumns + ` FROM content_items
WHERE owner_id=? AND (lower(payload) LIKE ? OR lower(COALESCE(title,'')) LIKE ? OR lower(COALESCE(author,'')) LIKE ?)`
	args := []any{ownerID, like, like, like}
	if platform != "" {
		sqlq += " AND platform=?"
		args = append(args, platform)
	}
	sqlq += " ORDER BY source_timestamp DESC LIMIT ?"
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, sqlq, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanContentRows(rows)
}

// CountContentSince counts items ingested strictly after since within the
// given scope. An empty sources list counts every platform.
func (r Repo) CountContentSince(ctx context.Context, ownerID string, sources []domain.Source, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM content_items WHERE owner_id=? AND created_at > ?`
	args := []any{ownerID, ts(since)}
	if len(sources) > 0 {
		var clauses []string
		for _, s := range sources {
			if len(s.ResourceIDs) == 0 {
				clauses = append(clauses, "platform=?")
				args = append(args, s.Platform)
				continue
			}
			clauses = append(clauses, "(platform=? AND resource_id IN ("+placeholders(len(s.ResourceIDs))+"))")
			args = append(args, s.Platform)
			for _, id := range s.ResourceIDs {
				args = append(args, id)
			}
		}
		query += " AND (" + strings.Join(clauses, " OR ") + ")"
	}
	var n int
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// MarkRetained flips ephemeral rows to retained and clears their expiry. Rows
// already retained are left as they are. It returns the number of rows flipped.
func (r Repo) MarkRetained(ctx context.Context, tx *sql.Tx, ids []string, reason domain.RetainedReason, ref string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if reason == "" || reason == domain.RetainedNone {
		return 0, domain.ValidationError{Code: "invalid_retained_reason", Field: "reason", Message: "retention needs a reason"}
	}
	args := []any{reason, nullable(ref)}
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := r.on(tx).ExecContext(ctx, `UPDATE content_items
SET retained=1, retained_reason=?, retained_ref=?, expires_at=NULL
WHERE id IN (`+placeholders(len(ids))+`) AND retained=0`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CleanupContent deletes ephemeral rows whose expiry has passed and returns
// the number deleted per owner.
func (r Repo) CleanupContent(ctx context.Context, now time.Time) (map[string]int64, error) {
	deleted := map[string]int64{}
	err := r.InTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT owner_id, COUNT(*) FROM content_items
WHERE retained=0 AND expires_at < ? GROUP BY owner_id`, ts(now))
		if err != nil {
			return err
		}
		for rows.Next() {
			var (
				owner string
				n     int64
			)
			if err := rows.Scan(&owner, &n); err != nil {
				rows.Close()
				return err
			}
			deleted[owner] = n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM content_items WHERE retained=0 AND expires_at < ?`, ts(now))
		return err
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// ContentStats summarizes an owner's store.
type ContentStats struct {
	Total     int `json:"total"`
	Retained  int `json:"retained"`
	Ephemeral int `json:"ephemeral"`
}

func (r Repo) ContentStats(ctx context.Context, ownerID string) (ContentStats, error) {
	var s ContentStats
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(retained),0) FROM content_items WHERE owner_id=?`, ownerID).Scan(&s.Total, &s.Retained)
	s.Ephemeral = s.Total - s.Retained
	return s, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContent(row rowScanner) (domain.ContentItem, error) {
	var (
		item                          domain.ContentItem
		title, author, ref, expiresAt sql.NullString
		sourceTS, createdAt           string
		retained                      int
	)
	if err := row.Scan(&item.ID, &item.OwnerID, &item.Platform, &item.ResourceID, &item.ExternalID, &item.ContentHash,
		&title, &item.Payload, &author, &sourceTS, &createdAt, &retained, &item.RetainedReason, &ref, &expiresAt); err != nil {
		return domain.ContentItem{}, err
	}
	item.Title = title.String
	item.Author = author.String
	item.SourceTimestamp = parseTime(sourceTS)
	item.CreatedAt = parseTime(createdAt)
	item.Retained = retained == 1
	if ref.Valid {
		v := ref.String
		item.RetainedRef = &v
	}
	item.ExpiresAt = parseNullTime(expiresAt)
	return item, nil
}

func scanContentRows(rows *sql.Rows) ([]domain.ContentItem, error) {
	var out []domain.ContentItem
	for rows.Next() {
		item, err := scanContent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
