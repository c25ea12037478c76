package engine

import (
	"legguard/internal/policy"
	"sync"
	"time"
)

// bunkerExit is how long the feed must stay within the jitter threshold before bunker mode ends.
const bunkerExit = 120 * time.Second

// exchangeHealth derives the maintenance and bunker flags from account polls and feed lag.
// The policy document can still force maintenance on its own.
type exchangeHealth struct {
	mu sync.Mutex

	jitterMax time.Duration
	stale     time.Duration
	now       func() time.Time

	lastSummary time.Time
	lastLag     map[string]time.Duration
	lastBreach  time.Time
	jitter      time.Duration
}

func newExchangeHealth(jitterMax, stale time.Duration, now func() time.Time) *exchangeHealth {
	return &exchangeHealth{
		jitterMax: jitterMax,
		stale:     stale,
		now:       now,
		lastLag:   make(map[string]time.Duration),
	}
}

func (h *exchangeHealth) summaryOK(at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastSummary = at
}

// observeLag records the feed lag of one update. Jitter is the change against the previous
// update of the same instrument.
func (h *exchangeHealth) observeLag(instrument string, lag time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev, ok := h.lastLag[instrument]
	h.lastLag[instrument] = lag
	if !ok {
		return
	}
	j := lag - prev
	if j < 0 {
		j = -j
	}
	h.jitter = j
	if h.jitterMax > 0 && j > h.jitterMax {
		h.lastBreach = h.now()
	}
}

func (h *exchangeHealth) Health() policy.ExchangeHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	maintenance := h.lastSummary.IsZero() || now.Sub(h.lastSummary) > h.stale
	bunker := !h.lastBreach.IsZero() && now.Sub(h.lastBreach) < bunkerExit
	return policy.ExchangeHealth{Maintenance: maintenance, Bunker: bunker}
}

func (h *exchangeHealth) Jitter() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.jitter
}
