// Package delivery sends finished versions to their destinations and keeps
// one receipt per (version, destination).
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"driftline/internal/config"
	"driftline/internal/domain"
	"driftline/internal/metrics"
	"driftline/internal/repo"
)

// Sender delivers one version to one destination and returns an external
// reference for the sent artifact.
type Sender interface {
	Kind() domain.DestinationKind
	Send(ctx context.Context, work domain.StandingWork, v domain.WorkVersion, d domain.Destination) (string, error)
}

type Router struct {
	Repo    repo.Repo
	Senders map[domain.DestinationKind]Sender
	Timeout time.Duration
	Now     func() time.Time
	Logger  *log.Logger
}

// NewRouter wires the four standard senders from config.
func NewRouter(r repo.Repo, cfg config.DeliveryConfig) *Router {
	return &Router{
		Repo:    r,
		Timeout: cfg.Timeout,
		Senders: map[domain.DestinationKind]Sender{
			domain.DestinationEmail:    NewEmail(cfg.SMTP),
			domain.DestinationSlack:    NewSlack(cfg.SlackAPIURL, cfg.SlackBotToken, nil),
			domain.DestinationNotion:   NewNotion(cfg.NotionAPIURL, cfg.NotionToken, nil),
			domain.DestinationDownload: Download{},
		},
	}
}

func (r *Router) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now().UTC()
}

// Deliver sends v to d unless a sent receipt with an external ref already
// exists for that destination, in which case the stored receipt is returned.
// An invalid destination yields a failed receipt that is not recorded.
func (r *Router) Deliver(ctx context.Context, work domain.StandingWork, v domain.WorkVersion, d domain.Destination) domain.DeliveryReceipt {
	key := d.Key()
	if err := d.Validate(); err != nil {
		metrics.Delivery(ctx, string(d.Kind), string(domain.DeliveryFailed))
		return domain.DeliveryReceipt{VersionID: v.ID, DestinationKey: key, Kind: d.Kind, Status: domain.DeliveryFailed, Error: err.Error(), UpdatedAt: r.now()}
	}
	if prior, err := r.Repo.GetReceipt(ctx, v.ID, key); err == nil && prior.Status == domain.DeliverySent && prior.ExternalRef != "" {
		return prior
	}
	rc := domain.DeliveryReceipt{VersionID: v.ID, DestinationKey: key, Kind: d.Kind}
	ref, err := r.send(ctx, work, v, d)
	if err != nil {
		rc.Status = domain.DeliveryFailed
		rc.Error = err.Error()
	} else {
		rc.Status = domain.DeliverySent
		rc.ExternalRef = ref
	}
	rc.UpdatedAt = r.now()
	metrics.Delivery(ctx, string(d.Kind), string(rc.Status))
	if err := r.Repo.RecordReceipt(context.WithoutCancel(ctx), rc); err != nil {
		r.logf("record receipt %s/%s: %v", v.ID, key, err)
	}
	return rc
}

func (r *Router) send(ctx context.Context, work domain.StandingWork, v domain.WorkVersion, d domain.Destination) (string, error) {
	s, ok := r.Senders[d.Kind]
	if !ok {
		return "", fmt.Errorf("no sender for %s", d.Kind)
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	return s.Send(ctx, work, v, d)
}

// DeliverAll sends v to every destination of work. The error joins every
// failed destination; nil means all receipts are sent.
func (r *Router) DeliverAll(ctx context.Context, work domain.StandingWork, v domain.WorkVersion) ([]domain.DeliveryReceipt, error) {
	var (
		receipts []domain.DeliveryReceipt
		errs     []error
	)
	for _, d := range work.Destinations {
		rc := r.Deliver(ctx, work, v, d)
		receipts = append(receipts, rc)
		if rc.Status != domain.DeliverySent {
			errs = append(errs, fmt.Errorf("%s: %s", d.Kind, rc.Error))
		}
	}
	return receipts, errors.Join(errs...)
}

func (r *Router) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf("delivery: "+format, args...)
		return
	}
	log.Printf("delivery: "+format, args...)
}

// Download keeps the version in the store for retrieval; nothing is sent.
type Download struct{}

func (Download) Kind() domain.DestinationKind { return domain.DestinationDownload }

func (Download) Send(_ context.Context, _ domain.StandingWork, v domain.WorkVersion, _ domain.Destination) (string, error) {
	return "download:" + v.ID, nil
}

func subject(work domain.StandingWork, v domain.WorkVersion) string {
	return fmt.Sprintf("%s (v%d)", work.Title, v.VersionNumber)
}
