package engine

import (
	"context"

	"github.com/google/uuid"
)

// PhaseAutonomy is the lease phase shared by signal processing and execution,
// so no two autonomous operations run for one owner at a time.
const PhaseAutonomy = "autonomy"

type leaseKey struct{}

type ownerLease struct {
	ownerID string
	holder  string
}

// WithOwner runs fn while holding the owner's autonomy lease. It returns
// ErrBusy without calling fn when the lease is held elsewhere. fn receives a
// context carrying the lease so long-running work can renew it.
func (e Engine) WithOwner(ctx context.Context, ownerID string, fn func(ctx context.Context) error) error {
	holder := uuid.NewString()
	ok, err := e.Repo.AcquireLease(ctx, ownerID, PhaseAutonomy, holder, e.now(), e.Config.Scheduler.LeaseTTL)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBusy
	}
	defer func() {
		if err := e.Repo.ReleaseLease(context.WithoutCancel(ctx), ownerID, PhaseAutonomy, holder); err != nil {
			e.logf("release lease for %s: %v", ownerID, err)
		}
	}()
	return fn(context.WithValue(ctx, leaseKey{}, ownerLease{ownerID: ownerID, holder: holder}))
}

// RenewOwner extends the lease carried by ctx for another lease_ttl. It
// returns ErrBusy when another holder took the lease over. A context without
// a lease renews nothing.
func (e Engine) RenewOwner(ctx context.Context) error {
	l, ok := ctx.Value(leaseKey{}).(ownerLease)
	if !ok {
		return nil
	}
	ok, err := e.Repo.AcquireLease(ctx, l.ownerID, PhaseAutonomy, l.holder, e.now(), e.Config.Scheduler.LeaseTTL)
	if err != nil {
		return err
	}
	if !ok {
		e.logf("lease for %s lost to another holder", l.ownerID)
		return ErrBusy
	}
	return nil
}
