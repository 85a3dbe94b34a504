package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"driftline/internal/domain"
)

const connectionColumns = `owner_id, platform, access_token, status, next_sync_at, created_at`

// UpsertConnection registers or replaces an owner's platform connection. A
// replaced connection becomes due immediately.
func (r Repo) UpsertConnection(ctx context.Context, c domain.PlatformConnection) error {
	if c.OwnerID == "" {
		return domain.Missing("owner_id")
	}
	if !c.Platform.Valid() {
		return domain.ValidationError{Code: "invalid_platform", Field: "platform", Message: fmt.Sprintf("unknown platform %q", c.Platform)}
	}
	if c.AccessToken == "" {
		return domain.Missing("access_token")
	}
	if c.Status == "" {
		c.Status = domain.ConnectionActive
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO platform_connections(`+connectionColumns+`) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(owner_id, platform) DO UPDATE SET
  access_token=excluded.access_token,
  status=excluded.status,
  next_sync_at=excluded.next_sync_at`,
		c.OwnerID, c.Platform, c.AccessToken, c.Status, nullableTime(c.NextSyncAt), ts(c.CreatedAt))
	return err
}

func (r Repo) GetConnection(ctx context.Context, ownerID string, platform domain.Platform) (domain.PlatformConnection, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+connectionColumns+` FROM platform_connections WHERE owner_id=? AND platform=?`, ownerID, platform)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PlatformConnection{}, notFound("connection", ownerID+"/"+string(platform))
	}
	return c, err
}

// ListConnections returns an owner's connections. activeOnly drops disabled
// ones.
func (r Repo) ListConnections(ctx context.Context, ownerID string, activeOnly bool) ([]domain.PlatformConnection, error) {
	query := `SELECT ` + connectionColumns + ` FROM platform_connections WHERE owner_id=?`
	if activeOnly {
		query += " AND status='active'"
	}
	query += " ORDER BY platform"
	return r.queryConnections(ctx, query, ownerID)
}

// DueConnections returns active connections whose next sync is due.
func (r Repo) DueConnections(ctx context.Context, now time.Time) ([]domain.PlatformConnection, error) {
	return r.queryConnections(ctx, `SELECT `+connectionColumns+` FROM platform_connections
WHERE status='active' AND (next_sync_at IS NULL OR next_sync_at <= ?)
ORDER BY owner_id, platform`, ts(now))
}

func (r Repo) SetNextSync(ctx context.Context, ownerID string, platform domain.Platform, next time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE platform_connections SET next_sync_at=? WHERE owner_id=? AND platform=?`, ts(next), ownerID, platform)
	return err
}

func (r Repo) SetConnectionStatus(ctx context.Context, ownerID string, platform domain.Platform, status domain.ConnectionStatus) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE platform_connections SET status=? WHERE owner_id=? AND platform=?`, status, ownerID, platform)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("connection", ownerID+"/"+string(platform))
	}
	return nil
}

func (r Repo) queryConnections(ctx context.Context, query string, args ...any) ([]domain.PlatformConnection, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.PlatformConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanConnection(row rowScanner) (domain.PlatformConnection, error) {
	var (
		c         domain.PlatformConnection
		nextSync  sql.NullString
		createdAt string
	)
	if err := row.Scan(&c.OwnerID, &c.Platform, &c.AccessToken, &c.Status, &nextSync, &createdAt); err != nil {
		return domain.PlatformConnection{}, err
	}
	c.NextSyncAt = parseNullTime(nextSync)
	c.CreatedAt = parseTime(createdAt)
	return c, nil
}

const syncColumns = `owner_id, platform, resource_id, resource_name, cursor, last_synced_at, last_error, last_error_at,
consecutive_failures, items_synced`

// GetSyncState returns the registry row for a resource. A resource never
// synced yields a zero state with an empty cursor.
func (r Repo) GetSyncState(ctx context.Context, ownerID string, platform domain.Platform, resourceID string) (domain.SyncState, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+syncColumns+` FROM sync_registry WHERE owner_id=? AND platform=? AND resource_id=?`,
		ownerID, platform, resourceID)
	st, err := scanSyncState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SyncState{OwnerID: ownerID, Platform: platform, ResourceID: resourceID}, nil
	}
	return st, err
}

// RecordSyncSuccess advances the cursor, clears the error badge and resets the
// failure streak.
func (r Repo) RecordSyncSuccess(ctx context.Context, st domain.SyncState, items int, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sync_registry(`+syncColumns+`)
VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, 0, ?)
ON CONFLICT(owner_id, platform, resource_id) DO UPDATE SET
  resource_name=COALESCE(excluded.resource_name, sync_registry.resource_name),
  cursor=excluded.cursor,
  last_synced_at=excluded.last_synced_at,
  last_error=NULL,
  last_error_at=NULL,
  consecutive_failures=0,
  items_synced=sync_registry.items_synced + excluded.items_synced`,
		st.OwnerID, st.Platform, st.ResourceID, nullable(st.ResourceName), nullable(st.Cursor), ts(at), items)
	return err
}

// RecordSyncFailure sets the error badge and bumps the failure streak. The
// cursor is left where it was.
func (r Repo) RecordSyncFailure(ctx context.Context, st domain.SyncState, msg string, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sync_registry(`+syncColumns+`)
VALUES (?, ?, ?, ?, NULL, NULL, ?, ?, 1, 0)
ON CONFLICT(owner_id, platform, resource_id) DO UPDATE SET
  resource_name=COALESCE(excluded.resource_name, sync_registry.resource_name),
  last_error=excluded.last_error,
  last_error_at=excluded.last_error_at,
  consecutive_failures=sync_registry.consecutive_failures + 1`,
		st.OwnerID, st.Platform, st.ResourceID, nullable(st.ResourceName), msg, ts(at))
	return err
}

// ListSyncStates returns registry rows for an owner. An empty platform means
// every platform.
func (r Repo) ListSyncStates(ctx context.Context, ownerID string, platform domain.Platform) ([]domain.SyncState, error) {
	query := `SELECT ` + syncColumns + ` FROM sync_registry WHERE owner_id=?`
	args := []any{ownerID}
	if platform != "" {
		query += " AND platform=?"
		args = append(args, platform)
	}
	query += " ORDER BY platform, resource_id"
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.SyncState
	for rows.Next() {
		st, err := scanSyncState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func scanSyncState(row rowScanner) (domain.SyncState, error) {
	var (
		st                    domain.SyncState
		name, cursor, lastErr sql.NullString
		lastSynced, lastErrAt sql.NullString
	)
	if err := row.Scan(&st.OwnerID, &st.Platform, &st.ResourceID, &name, &cursor, &lastSynced, &lastErr, &lastErrAt,
		&st.ConsecutiveFailures, &st.ItemsSynced); err != nil {
		return domain.SyncState{}, err
	}
	st.ResourceName = name.String
	st.Cursor = cursor.String
	st.LastSyncedAt = parseNullTime(lastSynced)
	st.LastError = lastErr.String
	st.LastErrorAt = parseNullTime(lastErrAt)
	return st, nil
}
