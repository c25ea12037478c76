package reconcile

import (
	"context"
	"errors"
	"fmt"
	"legguard/internal/exchange"
	"legguard/internal/metrics"
	"legguard/internal/models"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	PauseBookGap  = "book_gap"
	PauseTradeGap = "trade_gap"
)

var ErrNoBook = errors.New("Стакан не получен.")

// Gap describes one broken continuity chain.
type Gap struct {
	Channel    string
	Instrument string
	Expected   int64
	Got        int64
}

// PauseSet blocks opens per instrument while any reason is active.
type PauseSet struct {
	mu      sync.Mutex
	reasons map[string]map[string]time.Time
}

func NewPauseSet() *PauseSet {
	return &PauseSet{reasons: make(map[string]map[string]time.Time)}
}

func (p *PauseSet) Pause(instrument, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reasons[instrument] == nil {
		p.reasons[instrument] = make(map[string]time.Time)
	}
	if _, ok := p.reasons[instrument][reason]; !ok {
		p.reasons[instrument][reason] = time.Now()
	}
}

func (p *PauseSet) Resume(instrument, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.reasons[instrument], reason)
	if len(p.reasons[instrument]) == 0 {
		delete(p.reasons, instrument)
	}
}

func (p *PauseSet) Paused(instrument string) (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rs := p.reasons[instrument]
	if len(rs) == 0 {
		return false, ""
	}
	out := make([]string, 0, len(rs))
	for r := range rs {
		out = append(out, r)
	}
	sort.Strings(out)
	return true, strings.Join(out, ",")
}

func (p *PauseSet) All() map[string]string {
	p.mu.Lock()
	names := make([]string, 0, len(p.reasons))
	for name := range p.reasons {
		names = append(names, name)
	}
	p.mu.Unlock()

	out := make(map[string]string, len(names))
	for _, name := range names {
		if ok, why := p.Paused(name); ok {
			out[name] = why
		}
	}
	return out
}

type BookFetcher interface {
	GetOrderBook(ctx context.Context, instrument string, depth int) (models.OrderBook, error)
}

// BookTracker keeps L2 per instrument from snapshots and change-id chained deltas. A delta whose
// prev_change_id is not the last applied change_id pauses opens until a snapshot arrives.
type BookTracker struct {
	mu     sync.Mutex
	books  map[string]*models.OrderBook
	broken map[string]bool
	pauses *PauseSet
	venue  BookFetcher
	depth  int
}

func NewBookTracker(venue BookFetcher, pauses *PauseSet) *BookTracker {
	return &BookTracker{
		books:  make(map[string]*models.OrderBook),
		broken: make(map[string]bool),
		pauses: pauses,
		venue:  venue,
		depth:  20,
	}
}

// Apply returns a Gap when the chain breaks. The tracker then ignores deltas for the
// instrument until the next snapshot.
func (t *BookTracker) Apply(u exchange.BookUpdate) *Gap {
	t.mu.Lock()
	defer t.mu.Unlock()

	name := u.Instrument
	if u.Snapshot {
		t.storeLocked(u.OrderBook)
		return nil
	}

	cur, ok := t.books[name]
	if !ok || t.broken[name] {
		return nil
	}
	if u.ChangeID <= cur.ChangeID {
		return nil
	}
	if u.PrevChangeID != cur.ChangeID {
		t.broken[name] = true
		t.pauses.Pause(name, PauseBookGap)
		metrics.ReconcileGaps.WithLabelValues("book").Inc()
		return &Gap{Channel: "book", Instrument: name, Expected: cur.ChangeID, Got: u.PrevChangeID}
	}

	cur.Bids = mergeLevels(cur.Bids, u.Bids, true)
	cur.Asks = mergeLevels(cur.Asks, u.Asks, false)
	cur.PrevChangeID = u.PrevChangeID
	cur.ChangeID = u.ChangeID
	cur.Timestamp = u.Timestamp
	return nil
}

func (t *BookTracker) storeLocked(b models.OrderBook) {
	copyBook := b
	copyBook.Bids = append([]models.BookLevel(nil), b.Bids...)
	copyBook.Asks = append([]models.BookLevel(nil), b.Asks...)
	t.books[b.Instrument] = &copyBook
	delete(t.broken, b.Instrument)
	t.pauses.Resume(b.Instrument, PauseBookGap)
}

func (t *BookTracker) Book(instrument string) (models.OrderBook, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.books[instrument]
	if !ok || t.broken[instrument] {
		return models.OrderBook{}, false
	}
	out := *b
	out.Bids = append([]models.BookLevel(nil), b.Bids...)
	out.Asks = append([]models.BookLevel(nil), b.Asks...)
	return out, true
}

// Refresh pulls a full snapshot over REST. It rebuilds a broken book as well.
func (t *BookTracker) Refresh(ctx context.Context, instrument string) (models.OrderBook, error) {
	if t.venue == nil {
		return models.OrderBook{}, fmt.Errorf("%w: %s", ErrNoBook, instrument)
	}
	b, err := t.venue.GetOrderBook(ctx, instrument, t.depth)
	if err != nil {
		return models.OrderBook{}, fmt.Errorf("%w: %s: %w", ErrNoBook, instrument, err)
	}
	t.mu.Lock()
	t.storeLocked(b)
	t.mu.Unlock()
	return b, nil
}

func (t *BookTracker) Broken() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.broken))
	for name := range t.broken {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// mergeLevels applies a delta side. A zero amount deletes the level.
func mergeLevels(levels, delta []models.BookLevel, desc bool) []models.BookLevel {
	for _, d := range delta {
		i := sort.Search(len(levels), func(i int) bool {
			if desc {
				return levels[i].Price <= d.Price
			}
			return levels[i].Price >= d.Price
		})
		exists := i < len(levels) && levels[i].Price == d.Price
		switch {
		case d.Amount <= 0 && exists:
			levels = append(levels[:i], levels[i+1:]...)
		case d.Amount <= 0:
		case exists:
			levels[i].Amount = d.Amount
		default:
			levels = append(levels, models.BookLevel{})
			copy(levels[i+1:], levels[i:])
			levels[i] = d
		}
	}
	return levels
}

// TradeSeqTracker checks the per-instrument public trade sequence.
type TradeSeqTracker struct {
	mu     sync.Mutex
	last   map[string]int64
	pauses *PauseSet
}

func NewTradeSeqTracker(pauses *PauseSet) *TradeSeqTracker {
	return &TradeSeqTracker{last: make(map[string]int64), pauses: pauses}
}

func (t *TradeSeqTracker) Observe(p exchange.PublicTrade) *Gap {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.last[p.Instrument]
	if ok && p.Seq <= last {
		return nil
	}
	t.last[p.Instrument] = p.Seq
	if !ok || p.Seq == last+1 {
		return nil
	}
	t.pauses.Pause(p.Instrument, PauseTradeGap)
	metrics.ReconcileGaps.WithLabelValues("trades").Inc()
	return &Gap{Channel: "trades", Instrument: p.Instrument, Expected: last + 1, Got: p.Seq}
}

// Resume is called once the trades around the gap were pulled and reconciled.
func (t *TradeSeqTracker) Resume(instrument string) {
	t.pauses.Resume(instrument, PauseTradeGap)
}

// Reset forgets sequences, e.g. after a resubscribe.
func (t *TradeSeqTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = make(map[string]int64)
}

// LivenessTracker watches streams without sequence numbers. Silence beyond the limit is reported
// once per outage.
type LivenessTracker struct {
	mu      sync.Mutex
	last    map[string]time.Time
	stale   map[string]bool
	silence time.Duration
	now     func() time.Time
}

func NewLivenessTracker(silence time.Duration, now func() time.Time) *LivenessTracker {
	if now == nil {
		now = time.Now
	}
	return &LivenessTracker{
		last:    make(map[string]time.Time),
		stale:   make(map[string]bool),
		silence: silence,
		now:     now,
	}
}

func (l *LivenessTracker) Beat(stream string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last[stream] = l.now()
	delete(l.stale, stream)
}

// Check returns streams that went silent since the previous check.
func (l *LivenessTracker) Check() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	var out []string
	for stream, ts := range l.last {
		if now.Sub(ts) > l.silence && !l.stale[stream] {
			l.stale[stream] = true
			out = append(out, stream)
		}
	}
	sort.Strings(out)
	return out
}

func (l *LivenessTracker) Silent() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.stale) > 0
}
