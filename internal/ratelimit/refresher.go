package ratelimit

import (
	"context"
	"legguard/internal/logger"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type TierSource interface {
	GetRateLimits(ctx context.Context) (Tier, error)
}

type RefresherOptions struct {
	Interval   time.Duration
	Fallback   Tier
	TripCount  int
	FailWindow time.Duration
	Now        func() time.Time
}

// Refresher keeps the limiter on the account's real tier and falls back to a conservative
// static tier while the limit source is unreachable.
type Refresher struct {
	mu       sync.Mutex
	source   TierSource
	limiter  *Limiter
	opts     RefresherOptions
	log      *logger.Logger
	failures []time.Time
	lastOK   time.Time
	current  Tier
}

func NewRefresher(source TierSource, limiter *Limiter, opts RefresherOptions, log *logger.Logger) *Refresher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Refresher{
		source:  source,
		limiter: limiter,
		opts:    opts,
		log:     log,
		current: limiter.Tier(),
	}
}

func (r *Refresher) Run(ctx context.Context) {
	r.Refresh(ctx)

	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Refresh(ctx)
		}
	}
}

func (r *Refresher) Refresh(ctx context.Context) {
	tier, err := r.source.GetRateLimits(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.opts.Now()
	if err != nil || tier.Rate <= 0 || tier.Burst < 1 {
		r.failures = append(r.failures, now)
		r.pruneLocked(now)
		r.current = r.opts.Fallback
		r.limiter.SetTier(r.opts.Fallback)
		r.logEntry().WithError(err).WithFields(logrus.Fields{
			"failures": len(r.failures),
			"rate":     r.opts.Fallback.Rate,
			"burst":    r.opts.Fallback.Burst,
		}).Warn("Не удалось получить лимиты, используются консервативные значения.")
		return
	}

	r.lastOK = now
	r.current = tier
	r.limiter.SetTier(tier)
	r.logEntry().WithFields(logrus.Fields{"rate": tier.Rate, "burst": tier.Burst}).Debug("Лимиты обновлены.")
}

func (r *Refresher) pruneLocked(now time.Time) {
	cutoff := now.Add(-r.opts.FailWindow)
	kept := r.failures[:0]
	for _, ts := range r.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	r.failures = kept
}

// Degraded is true once the limit source failed TripCount times within the window.
func (r *Refresher) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(r.opts.Now())
	return r.opts.TripCount > 0 && len(r.failures) >= r.opts.TripCount
}

func (r *Refresher) Current() Tier {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *Refresher) logEntry() *logrus.Entry {
	return r.log.WithComponent("ratelimit")
}
