package gates

import (
	"sync"
	"time"
)

type FeeStaleness int

const (
	FeeFresh FeeStaleness = iota
	FeeSoftStale
	FeeHardStale
)

func (s FeeStaleness) String() string {
	switch s {
	case FeeFresh:
		return "fresh"
	case FeeSoftStale:
		return "soft_stale"
	default:
		return "hard_stale"
	}
}

type FeePolicy struct {
	SoftStale time.Duration
	HardStale time.Duration
	// Multiplier headroom applied to the rate once the cache is past SoftStale.
	StaleBuffer float64
}

type FeeEvaluation struct {
	Staleness     FeeStaleness
	EffectiveRate float64
	Age           time.Duration
}

// FeeCache holds the last known taker fee rate and the exchange time it was cached at.
type FeeCache struct {
	mu       sync.RWMutex
	rate     float64
	cachedAt time.Time
}

func NewFeeCache() *FeeCache {
	return &FeeCache{}
}

func (c *FeeCache) Update(rate float64, at time.Time) {
	c.mu.Lock()
	c.rate = rate
	c.cachedAt = at
	c.mu.Unlock()
}

func (c *FeeCache) Snapshot() (float64, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rate, c.cachedAt
}

func (c *FeeCache) UpdatedAt() time.Time {
	_, at := c.Snapshot()
	return at
}

// EvaluateFees classifies the cache age. A missing or future timestamp is hard stale.
func EvaluateFees(rate float64, cachedAt, now time.Time, p FeePolicy) FeeEvaluation {
	buffered := rate * (1 + p.StaleBuffer)
	if cachedAt.IsZero() || cachedAt.After(now) {
		return FeeEvaluation{Staleness: FeeHardStale, EffectiveRate: buffered}
	}

	age := now.Sub(cachedAt)
	switch {
	case age > p.HardStale:
		return FeeEvaluation{Staleness: FeeHardStale, EffectiveRate: buffered, Age: age}
	case age > p.SoftStale:
		return FeeEvaluation{Staleness: FeeSoftStale, EffectiveRate: buffered, Age: age}
	default:
		return FeeEvaluation{Staleness: FeeFresh, EffectiveRate: rate, Age: age}
	}
}
