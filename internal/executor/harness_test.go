package executor

import (
	"context"
	"legguard/internal/attribution"
	"legguard/internal/exchange"
	"legguard/internal/exchange/fake"
	"legguard/internal/gates"
	"legguard/internal/ledger"
	"legguard/internal/legs"
	"legguard/internal/models"
	"legguard/internal/policy"
	"path/filepath"
	"sync"
	"time"

	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	legA  = "ETH-PERPETUAL"
	legB  = "ETH-27MAR26"
	hedge = "BTC-PERPETUAL"
)

type activeMode struct{}

func (activeMode) Current() policy.Decision { return policy.Decision{Mode: models.ModeActive} }

type bookStore struct {
	mu    sync.Mutex
	books map[string]models.OrderBook
	venue *fake.Venue
}

func (b *bookStore) Book(name string) (models.OrderBook, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ob, ok := b.books[name]
	return ob, ok
}

func (b *bookStore) Refresh(ctx context.Context, name string) (models.OrderBook, error) {
	ob, err := b.venue.GetOrderBook(ctx, name, 10)
	if err != nil {
		return ob, err
	}
	b.mu.Lock()
	b.books[name] = ob
	b.mu.Unlock()
	return ob, nil
}

type instruments map[string]models.Instrument

func (m instruments) Instrument(name string) (models.Instrument, bool) {
	inst, ok := m[name]
	return inst, ok
}

type incidents struct {
	mu     sync.Mutex
	events []attribution.Event
}

func (r *incidents) Publish(ev attribution.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *incidents) kinds() []attribution.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []attribution.Kind
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

func usdInstrument(name string, kind models.InstrumentKind) models.Instrument {
	inst := models.Instrument{
		Name:               name,
		Kind:               kind,
		Currency:           "ETH",
		TickSize:           0.5,
		AmountStep:         10,
		MinAmount:          10,
		ContractMultiplier: 10,
		Active:             true,
	}
	if kind == models.KindInverseFuture {
		inst.ExpiresAt = now.Add(30 * 24 * time.Hour)
	}
	return inst
}

func book(name string, mid float64) models.OrderBook {
	return models.OrderBook{
		Instrument: name,
		Bids:       []models.BookLevel{{Price: mid - 0.5, Amount: 10_000}, {Price: mid - 1, Amount: 10_000}},
		Asks:       []models.BookLevel{{Price: mid + 0.5, Amount: 10_000}, {Price: mid + 1, Amount: 10_000}},
		Timestamp:  now.Add(-100 * time.Millisecond),
	}
}

type harness struct {
	exec      *Executor
	venue     *fake.Venue
	tracker   *legs.Tracker
	ledger    *ledger.Ledger
	books     *bookStore
	churn     *ChurnBreaker
	incidents *incidents
	insts     instruments
}

type harnessT interface {
	require.TestingT
	Helper()
}

func newHarness(t harnessT, dir string, settings Settings) *harness {
	t.Helper()
	l, err := ledger.Open(ledger.Options{Path: filepath.Join(dir, "wal.jsonl")})
	require.NoError(t, err)

	venue := fake.New()
	insts := instruments{
		legA:  usdInstrument(legA, models.KindPerpetual),
		legB:  usdInstrument(legB, models.KindInverseFuture),
		hedge: usdInstrument(hedge, models.KindPerpetual),
	}
	books := &bookStore{books: map[string]models.OrderBook{}, venue: venue}
	for name, mid := range map[string]float64{legA: 3000, legB: 3050, hedge: 50000} {
		venue.AddInstrument(insts[name])
		venue.SetBook(book(name, mid))
		books.books[name] = book(name, mid)
	}

	tracker := legs.New(l, nil, 1e-9, nil)
	churn := NewChurnBreaker(ChurnOptions{StrategyID: "alpha", MaxFlattens: 2, Window: 5 * time.Minute, Blacklist: 15 * time.Minute, Now: func() time.Time { return now }}, nil)
	fees := gates.NewFeeCache()
	fees.Update(0.0005, now.Add(-time.Minute))

	cp := gates.NewChokepoint(gates.Settings{
		StrategyID:         "alpha",
		MaxSlippageBps:     50,
		L2MaxAge:           time.Second,
		Fees:               gates.FeePolicy{SoftStale: 5 * time.Minute, HardStale: 15 * time.Minute, StaleBuffer: 0.2},
		ContractsTolerance: 0.001,
		MinEdgeUSD:         0,
		DeltaLimit:         100_000,
		GlobalDeltaUSD:     1e12,
	}, gates.Deps{
		Mode:      activeMode{},
		Churn:     churn,
		Books:     books,
		Inventory: tracker,
		Fees:      fees,
		Ledger:    l,
		Now:       func() time.Time { return now },
	})

	rec := &incidents{}
	if settings.HedgeInstrument == "" {
		settings.HedgeInstrument = hedge
	}
	exec := New(settings, Deps{
		Gate:        cp,
		Venue:       venue,
		Legs:        tracker,
		Books:       books,
		Instruments: insts,
		Churn:       churn,
		Incidents:   rec,
		Now:         func() time.Time { return now },
	})
	return &harness{exec: exec, venue: venue, tracker: tracker, ledger: l, books: books, churn: churn, incidents: rec, insts: insts}
}

func defaultSettings() Settings {
	return Settings{
		QtyEpsilon:        1e-9,
		RescueAttempts:    2,
		RescueOffsetTicks: []int{2, 4},
		CloseAttempts:     3,
		CloseBufferTicks:  5,
		HedgeMaxQty:       1000,
		DispatchTimeout:   time.Second,
	}
}

func edge(v float64) *float64 { return &v }

// spread buys legA and sells legB, 100 each.
func (h *harness) spread(id string) GroupSpec {
	return GroupSpec{
		ID: id,
		Legs: []LegSpec{
			{Instrument: h.insts[legA], Side: models.SideBuy, Qty: 100, LimitPrice: 3001, GrossEdgeUSD: edge(50)},
			{Instrument: h.insts[legB], Side: models.SideSell, Qty: 100, LimitPrice: 3049, GrossEdgeUSD: edge(50)},
		},
	}
}

func (h *harness) close() {
	_ = h.ledger.Close()
}

func (h *harness) placedOpens() []exchange.OrderRequest {
	var out []exchange.OrderRequest
	for _, req := range h.venue.Placed() {
		if req.Class == models.ClassOpen {
			out = append(out, req)
		}
	}
	return out
}
