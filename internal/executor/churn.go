package executor

import (
	"legguard/internal/logger"
	"sync"
	"time"
)

type ChurnOptions struct {
	StrategyID  string
	MaxFlattens int
	Window      time.Duration
	Blacklist   time.Duration
	Now         func() time.Time
}

// ChurnBreaker counts emergency flattens per {strategy, fingerprint} in a rolling window. More
// than MaxFlattens blacklists the fingerprint for opens; closes and hedges are never checked.
type ChurnBreaker struct {
	mu       sync.Mutex
	opts     ChurnOptions
	flattens map[string][]time.Time
	until    map[string]time.Time
	log      *logger.Logger
}

func NewChurnBreaker(opts ChurnOptions, log *logger.Logger) *ChurnBreaker {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxFlattens <= 0 {
		opts.MaxFlattens = 2
	}
	if opts.Window <= 0 {
		opts.Window = 5 * time.Minute
	}
	if opts.Blacklist <= 0 {
		opts.Blacklist = 15 * time.Minute
	}
	if log == nil {
		log = logger.Nop()
	}
	return &ChurnBreaker{
		opts:     opts,
		flattens: make(map[string][]time.Time),
		until:    make(map[string]time.Time),
		log:      log,
	}
}

func (c *ChurnBreaker) key(fp string) string {
	return c.opts.StrategyID + "/" + fp
}

func (c *ChurnBreaker) Blocked(fp string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.until[c.key(fp)]
	return ok && c.opts.Now().Before(until)
}

// RecordFlatten counts one flatten and reports whether the fingerprint is now blacklisted.
// Check and increment happen under one lock.
func (c *ChurnBreaker) RecordFlatten(fp string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := c.key(fp)
	now := c.opts.Now()
	cutoff := now.Add(-c.opts.Window)
	kept := c.flattens[k][:0]
	for _, ts := range c.flattens[k] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	c.flattens[k] = kept

	if len(kept) > c.opts.MaxFlattens {
		until := now.Add(c.opts.Blacklist)
		if until.After(c.until[k]) {
			c.until[k] = until
		}
		c.log.WithComponent("churn").WithField("fingerprint", k).WithField("until", until).Warn("Структура заблокирована для открытий.")
		return true
	}
	return false
}

// Active lists blacklisted fingerprints and their expiry.
func (c *ChurnBreaker) Active() map[string]time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.opts.Now()
	out := make(map[string]time.Time)
	for k, until := range c.until {
		if now.Before(until) {
			out[k] = until
		}
	}
	return out
}
