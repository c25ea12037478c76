package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"legguard/internal/metrics"
	"sync"
	"time"
)

var (
	ErrShed          = errors.New("Запрос отброшен ограничителем.")
	ErrSessionKilled = errors.New("Сессия прервана лимитом запросов.")
)

type Priority int

const (
	PriorityData Priority = iota
	PriorityOpen
	PriorityHedge
	PriorityCancel
	PriorityEmergencyClose
)

func (p Priority) String() string {
	switch p {
	case PriorityData:
		return "data"
	case PriorityOpen:
		return "open"
	case PriorityHedge:
		return "hedge"
	case PriorityCancel:
		return "cancel"
	case PriorityEmergencyClose:
		return "emergency_close"
	default:
		return fmt.Sprintf("priority_%d", int(p))
	}
}

type Tier struct {
	Rate  float64
	Burst float64
}

type Options struct {
	Rate  float64
	Burst float64
	// Fractions of burst kept back from data and opens.
	DataReserve float64
	OpenReserve float64
	Now         func() time.Time
}

// Limiter is the one token bucket shared by every venue call. Admission is strict priority:
// a caller only takes a token when nobody of higher priority is waiting.
type Limiter struct {
	mu          sync.Mutex
	tokens      float64
	rate        float64
	burst       float64
	dataReserve float64
	openReserve float64
	lastRefill  time.Time
	waiting     [PriorityEmergencyClose + 1]int
	killed      bool
	killReason  string
	shed        [PriorityEmergencyClose + 1]uint64
	now         func() time.Time
}

func New(opts Options) *Limiter {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	return &Limiter{
		tokens:      opts.Burst,
		rate:        opts.Rate,
		burst:       opts.Burst,
		dataReserve: opts.DataReserve,
		openReserve: opts.OpenReserve,
		lastRefill:  opts.Now(),
		now:         opts.Now,
	}
}

// refill must be called with mu held.
func (l *Limiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	if elapsed > 0 {
		l.tokens += elapsed * l.rate
		if l.tokens > l.burst {
			l.tokens = l.burst
		}
		l.lastRefill = now
	}
	metrics.RateLimitTokens.Set(l.tokens)
}

func (l *Limiter) reserve(p Priority) float64 {
	switch p {
	case PriorityData:
		return l.burst * l.dataReserve
	case PriorityOpen:
		return l.burst * l.openReserve
	default:
		return 0
	}
}

func (l *Limiter) higherWaiting(p Priority) bool {
	for q := p + 1; q <= PriorityEmergencyClose; q++ {
		if l.waiting[q] > 0 {
			return true
		}
	}
	return false
}

func (l *Limiter) shedLocked(p Priority) error {
	l.shed[p]++
	metrics.RateLimitShed.WithLabelValues(p.String()).Inc()
	return fmt.Errorf("%w: %s", ErrShed, p)
}

// admit must be called with mu held. It returns (true, nil) when a token was taken,
// (false, err) when the request is shed, (false, nil) when the caller should wait.
func (l *Limiter) admit(p Priority) (bool, error) {
	if l.killed {
		return false, fmt.Errorf("%w: %s", ErrSessionKilled, l.killReason)
	}
	l.refill()

	// Data and opens never dip into the reserve kept for closing traffic.
	if p <= PriorityOpen && (l.tokens-1 < l.reserve(p) || l.higherWaiting(p)) {
		return false, l.shedLocked(p)
	}
	if l.tokens >= 1 && !l.higherWaiting(p) {
		l.tokens--
		metrics.RateLimitTokens.Set(l.tokens)
		return true, nil
	}
	return false, nil
}

// TryAcquire never blocks.
func (l *Limiter) TryAcquire(p Priority) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ok, err := l.admit(p)
	if err != nil {
		return err
	}
	if !ok {
		return l.shedLocked(p)
	}
	return nil
}

// Acquire blocks for Hedge, Cancel and EmergencyClose until a token is free. Data and Open are
// shed immediately under pressure instead of queueing.
func (l *Limiter) Acquire(ctx context.Context, p Priority) error {
	l.mu.Lock()
	ok, err := l.admit(p)
	if ok || err != nil {
		l.mu.Unlock()
		return err
	}
	l.waiting[p]++
	wait := l.waitLocked()
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.waiting[p]--
		l.mu.Unlock()
	}()

	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		l.mu.Lock()
		ok, err := l.admit(p)
		wait = l.waitLocked()
		l.mu.Unlock()

		if ok || err != nil {
			return err
		}
	}
}

func (l *Limiter) waitLocked() time.Duration {
	if l.rate <= 0 {
		return 100 * time.Millisecond
	}
	missing := 1 - l.tokens
	if missing < 0 {
		missing = 0
	}
	wait := time.Duration(missing / l.rate * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

// SetTier applies a refreshed account limit. Current tokens are clamped to the new burst.
func (l *Limiter) SetTier(t Tier) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if t.Rate > 0 {
		l.rate = t.Rate
	}
	if t.Burst >= 1 {
		l.burst = t.Burst
	}
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
}

func (l *Limiter) Tier() Tier {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Tier{Rate: l.rate, Burst: l.burst}
}

// Kill blocks every priority until Resume. Used on a session-terminating venue error.
func (l *Limiter) Kill(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.killed = true
	l.killReason = reason
	l.tokens = 0
}

func (l *Limiter) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.killed = false
	l.killReason = ""
	l.lastRefill = l.now()
}

func (l *Limiter) Killed() (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.killed, l.killReason
}

// Brownout is true while opens would be shed.
func (l *Limiter) Brownout() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.killed {
		return true
	}
	l.refill()
	return l.tokens-1 < l.reserve(PriorityOpen) || l.higherWaiting(PriorityOpen)
}

func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return l.tokens
}

func (l *Limiter) Shed(p Priority) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shed[p]
}
