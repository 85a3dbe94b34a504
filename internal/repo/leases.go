package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"driftline/internal/domain"
)

// AcquireLease takes (scope, phase) for holder until now+ttl. It succeeds when
// the row is absent, expired, or already held by the same holder.
func (r Repo) AcquireLease(ctx context.Context, scope, phase, holder string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO leases(scope, phase, holder, acquired_at, expires_at) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(scope, phase) DO UPDATE SET
  holder=excluded.holder,
  acquired_at=excluded.acquired_at,
  expires_at=excluded.expires_at
WHERE leases.expires_at <= excluded.acquired_at OR leases.holder = excluded.holder`,
		scope, phase, holder, ts(now), ts(now.Add(ttl)))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseLease drops the lease if holder still owns it.
func (r Repo) ReleaseLease(ctx context.Context, scope, phase, holder string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM leases WHERE scope=? AND phase=? AND holder=?`, scope, phase, holder)
	return err
}

func (r Repo) GetLease(ctx context.Context, scope, phase string) (domain.Lease, error) {
	var (
		l                     domain.Lease
		acquiredAt, expiresAt string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT scope, phase, holder, acquired_at, expires_at FROM leases WHERE scope=? AND phase=?`, scope, phase).
		Scan(&l.Scope, &l.Phase, &l.Holder, &acquiredAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Lease{}, notFound("lease", scope+"/"+phase)
	}
	if err != nil {
		return domain.Lease{}, err
	}
	l.AcquiredAt = parseTime(acquiredAt)
	l.ExpiresAt = parseTime(expiresAt)
	return l, nil
}

// PhaseLastRun returns when (scope, phase) last completed, or nil if never.
func (r Repo) PhaseLastRun(ctx context.Context, scope, phase string) (*time.Time, error) {
	var at string
	err := r.DB.QueryRowContext(ctx, `SELECT last_run_at FROM phase_runs WHERE scope=? AND phase=?`, scope, phase).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t := parseTime(at)
	return &t, nil
}

func (r Repo) SetPhaseRun(ctx context.Context, scope, phase string, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO phase_runs(scope, phase, last_run_at) VALUES (?, ?, ?)
ON CONFLICT(scope, phase) DO UPDATE SET last_run_at=excluded.last_run_at`, scope, phase, ts(at))
	return err
}
