package platform

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"driftline/internal/config"
)

// Limiter paces outbound calls to one platform account.
type Limiter interface {
	Wait(ctx context.Context) error
}

// NewLimiter builds the limiter named by the rate config. An unknown kind or a
// zero delay yields a limiter that never waits.
func NewLimiter(rl config.RateLimit) Limiter {
	switch rl.Kind {
	case "token_bucket":
		return rate.NewLimiter(rate.Limit(rl.RPS), rl.Burst)
	case "delay":
		return &FixedDelay{Delay: rl.Delay}
	}
	return &FixedDelay{}
}

// FixedDelay spaces calls at least Delay apart. Waiters queue on the mutex so
// calls are released one at a time.
type FixedDelay struct {
	Delay time.Duration

	mu      sync.Mutex
	readyAt time.Time
}

func (d *FixedDelay) Wait(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if wait := time.Until(d.readyAt); wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	d.readyAt = time.Now().Add(d.Delay)
	return nil
}
