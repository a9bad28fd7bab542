// Package reaper expires calls that will never receive a callback.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"salescall-platform/internal/audit"
	"salescall-platform/internal/calls"
	"salescall-platform/internal/observe"

	"go.opentelemetry.io/otel/attribute"
)

// Expirer is the repository operation the reaper needs.
type Expirer interface {
	ExpireStale(ctx context.Context, cutoff, now time.Time) ([]calls.Call, error)
}

type Reaper struct {
	repo    Expirer
	audit   *audit.Service
	metrics *observe.Metrics
	log     *slog.Logger
	clock   func() time.Time
}

// New builds a Reaper. auditSvc, metrics and log may be nil.
func New(repo Expirer, auditSvc *audit.Service, metrics *observe.Metrics, log *slog.Logger) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{repo: repo, audit: auditSvc, metrics: metrics, log: log, clock: time.Now}
}

// Reap moves every PENDING/PROCESSING call older than deadline, and every
// call whose artifact was missing, to EXPIRED. It returns how many calls it
// transitioned.
func (r *Reaper) Reap(ctx context.Context, deadline time.Duration) (n int, err error) {
	ctx, span := observe.StartSpan(ctx, "reaper.sweep")
	defer func() {
		span.SetAttributes(attribute.Int("expired", n))
		observe.EndSpan(span, "", err)
	}()

	if deadline <= 0 {
		return 0, fmt.Errorf("reaper: deadline must be > 0")
	}
	now := r.clock().UTC()
	expired, err := r.repo.ExpireStale(ctx, now.Add(-deadline), now)
	if err != nil {
		return 0, fmt.Errorf("reaper: expire stale: %w", err)
	}

	byReason := map[calls.ExpiryReason]int{}
	for _, c := range expired {
		byReason[c.ExpiryReason]++
		r.log.Info("call expired", "call_id", c.ID, "reason", string(c.ExpiryReason), "age", now.Sub(c.CreatedAt).String())
		if r.audit != nil {
			if err := r.audit.LogExpired(ctx, c.ID, string(c.ExpiryReason)); err != nil {
				r.log.Warn("audit append failed", "call_id", c.ID, "err", err)
			}
		}
	}
	for reason, n := range byReason {
		r.metrics.RecordReaped(ctx, string(reason), n)
	}
	if len(expired) > 0 {
		r.log.Info("reaper sweep", "expired", len(expired))
	}
	return len(expired), nil
}

// Run sweeps once immediately and then every interval until ctx ends.
// Sweep errors are logged; Run only returns when ctx is done.
func (r *Reaper) Run(ctx context.Context, interval, deadline time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("reaper: interval must be > 0")
	}
	sweep := func() {
		if _, err := r.Reap(ctx, deadline); err != nil && ctx.Err() == nil {
			r.log.Error("reaper sweep failed", "err", err)
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	sweep()
	for {
		select {
		case <-ticker.C:
			sweep()
		case <-ctx.Done():
			return nil
		}
	}
}
