package engine

import (
	"context"
	"errors"
	"legguard/internal/attribution"
	"legguard/internal/config"
	"legguard/internal/exchange"
	"legguard/internal/exchange/fake"
	"legguard/internal/executor"
	"legguard/internal/gates"
	"legguard/internal/ledger"
	"legguard/internal/models"
	"legguard/internal/policy"
	"legguard/internal/quant"
	"legguard/internal/reconcile"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const perp = "BTC-PERPETUAL"

type recordingSink struct {
	mu     sync.Mutex
	events []attribution.Event
}

func (s *recordingSink) Write(_ context.Context, ev attribution.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) has(kind attribution.Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

func snapshot(change int64) models.OrderBook {
	return models.OrderBook{
		Instrument: perp,
		Bids:       []models.BookLevel{{Price: 49999.5, Amount: 1000}},
		Asks:       []models.BookLevel{{Price: 50000.5, Amount: 1000}},
		ChangeID:   change,
		Timestamp:  time.Now(),
	}
}

type testEngine struct {
	*Engine
	venue *fake.Venue
	sink  *recordingSink
}

func newTestEngine(t *testing.T, channels ...string) *testEngine {
	t.Helper()
	cfg := config.Default()
	cfg.Policy.CertPath = filepath.Join(t.TempDir(), "cert.json")
	cfg.RateLimit.ReconnectMin = time.Millisecond
	cfg.RateLimit.ReconnectMax = 10 * time.Millisecond

	l, err := ledger.Open(ledger.Options{Path: filepath.Join(t.TempDir(), "wal.jsonl")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	venue := fake.New()
	venue.AddInstrument(models.Instrument{
		Name:               perp,
		Kind:               models.KindPerpetual,
		Currency:           "BTC",
		TickSize:           0.5,
		AmountStep:         10,
		MinAmount:          10,
		ContractMultiplier: 10,
		Active:             true,
	})
	venue.SetBook(snapshot(1))
	venue.SetAccountSummary(exchange.AccountSummary{
		Currency:          "BTC",
		Equity:            10,
		MaintenanceMargin: 1,
		TakerFeeRate:      0.0005,
		FetchedAt:         time.Now(),
	})

	sink := &recordingSink{}
	e, err := New(cfg, Deps{Venue: venue, Ledger: l, Sink: sink, Channels: channels})
	require.NoError(t, err)
	return &testEngine{Engine: e, venue: venue, sink: sink}
}

func (te *testEngine) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- te.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	})
}

func ourLabel(t *testing.T, e *Engine, group string, leg uint32, h uint64) string {
	t.Helper()
	label, err := quant.EncodeLabel(e.cfg.Strategy.ID, group, leg, h)
	require.NoError(t, err)
	return label
}

func executorSpec() executor.GroupSpec {
	edge := 50.0
	return executor.GroupSpec{
		ID: "g-early",
		Legs: []executor.LegSpec{{
			Instrument:   models.Instrument{Name: perp, TickSize: 0.5, AmountStep: 10, MinAmount: 10, Active: true},
			Side:         models.SideBuy,
			Qty:          10,
			LimitPrice:   50000,
			GrossEdgeUSD: &edge,
		}},
	}
}

func TestSubmitBeforeStart(t *testing.T) {
	te := newTestEngine(t)
	_, err := te.Submit(context.Background(), executorSpec())
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestStartupReconcileClearsLatch(t *testing.T) {
	te := newTestEngine(t, "user.orders.any.any.raw")
	latched, reasons := te.latch.State()
	require.True(t, latched)
	require.Equal(t, []string{reconcile.ReasonStartup}, reasons)

	te.start(t)
	require.Eventually(t, func() bool {
		latched, _ := te.latch.State()
		return !latched
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"user.orders.any.any.raw"}, te.venue.Subscribed())
	inst, err := te.Instrument(perp)
	require.NoError(t, err)
	assert.Equal(t, 0.5, inst.TickSize)
	_, err = te.Instrument("ETH-PERPETUAL")
	assert.Error(t, err)

	book, ok := te.books.Book(perp)
	require.True(t, ok)
	assert.Equal(t, int64(1), book.ChangeID)
}

func TestBookGapPausesUntilSnapshot(t *testing.T) {
	te := newTestEngine(t, "book."+perp+".100ms")
	te.start(t)
	require.Eventually(t, func() bool { return len(te.venue.Subscribed()) > 0 }, 2*time.Second, 10*time.Millisecond)

	gap := snapshot(0)
	gap.ChangeID, gap.PrevChangeID = 7, 5
	te.venue.SetBook(snapshot(9))
	te.venue.Push(exchange.Event{Type: exchange.EventTypeBook, Book: &exchange.BookUpdate{OrderBook: gap}})

	require.Eventually(t, func() bool { return te.sink.has(attribution.KindFeedGap) }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		book, ok := te.books.Book(perp)
		return ok && book.ChangeID == 9
	}, 2*time.Second, 10*time.Millisecond)
	paused, _ := te.pauses.Paused(perp)
	assert.False(t, paused)
	require.Eventually(t, func() bool { return len(te.venue.Resubscribed()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"book." + perp + ".100ms"}, te.venue.Resubscribed()[0])
}

func TestResubscribeOnlyKnownChannels(t *testing.T) {
	te := newTestEngine(t, "trades."+perp+".100ms")
	ctx := context.Background()

	te.resubscribe(ctx, &reconcile.Gap{Channel: "book", Instrument: perp, Expected: 3, Got: 5})
	assert.Empty(t, te.venue.Resubscribed())

	te.resubscribe(ctx, &reconcile.Gap{Channel: "trades", Instrument: perp, Expected: 3, Got: 5})
	assert.Equal(t, [][]string{{"trades." + perp + ".100ms"}}, te.venue.Resubscribed())
}

func TestLeavingActiveCancelsResting(t *testing.T) {
	te := newTestEngine(t)
	te.venue.SetOpenOrders(
		models.Order{ID: "o-open", Label: ourLabel(t, te.Engine, "g-1", 0, 0xa1), Instrument: perp, State: models.OrderStateOpen},
		models.Order{ID: "o-ro", Label: ourLabel(t, te.Engine, "g-1", 1, 0xa2), Instrument: perp, State: models.OrderStateOpen, ReduceOnly: true},
		models.Order{ID: "o-foreign", Label: "manual", Instrument: perp, State: models.OrderStateOpen},
	)

	te.onModeChange(
		policy.Decision{Mode: models.ModeActive},
		policy.Decision{Mode: models.ModeReduceOnly, Reasons: []string{"policy_stale"}},
	)
	te.bg.Wait()

	assert.Equal(t, []string{"o-open"}, te.venue.Canceled())
}

func TestReduceOnlyToKillDoesNotSweep(t *testing.T) {
	te := newTestEngine(t)
	te.venue.SetOpenOrders(models.Order{ID: "o-open", Label: ourLabel(t, te.Engine, "g-1", 0, 0xa1), Instrument: perp})

	te.onModeChange(policy.Decision{Mode: models.ModeReduceOnly}, policy.Decision{Mode: models.ModeKill})
	te.bg.Wait()
	assert.Empty(t, te.venue.Canceled())
}

func TestSessionKillRecoversOnce(t *testing.T) {
	te := newTestEngine(t)
	te.cfg.RateLimit.ReconnectMin = 50 * time.Millisecond
	te.cfg.RateLimit.ReconnectMax = 100 * time.Millisecond
	te.limiter.Kill(reconcile.ReasonSession)

	cause := &exchange.VenueError{Code: exchange.CodeTooManyRequests, Message: "too_many_requests"}
	te.onSessionKilled(cause)
	te.onSessionKilled(cause)
	assert.True(t, te.sessionKilled.Load())
	latched, reasons := te.latch.State()
	assert.True(t, latched)
	assert.Contains(t, reasons, reconcile.ReasonSession)

	te.bg.Wait()
	assert.False(t, te.sessionKilled.Load())
	killed, _ := te.limiter.Killed()
	assert.False(t, killed)
	latched, _ = te.latch.State()
	assert.False(t, latched)
}

func TestRiskStateMaintenanceWithoutAccount(t *testing.T) {
	te := newTestEngine(t)
	assert.Equal(t, models.RiskMaintenance, te.riskState())

	te.pollAccount(context.Background())
	assert.Equal(t, models.RiskDegraded, te.riskState(), "reconciliation has not run yet")

	_, err := te.recon.Reconcile(context.Background(), reconcile.ReasonTimer)
	require.NoError(t, err)
	assert.Equal(t, models.RiskDegraded, te.riskState(), "instrument metadata not loaded")

	require.NoError(t, te.loadInstruments(context.Background()))
	assert.Equal(t, models.RiskHealthy, te.riskState())
}

func TestInstrumentRefreshSeesDelisting(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, te.loadInstruments(ctx))
	inst, err := te.Instrument(perp)
	require.NoError(t, err)
	require.True(t, inst.Active)

	inst.Active = false
	te.venue.AddInstrument(inst)
	require.NoError(t, te.loadInstruments(ctx))

	got, err := te.Instrument(perp)
	require.NoError(t, err)
	assert.False(t, got.Active)
}

func TestInstrumentCacheAgesIntoDegraded(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.pollAccount(ctx)
	_, err := te.recon.Reconcile(ctx, reconcile.ReasonTimer)
	require.NoError(t, err)
	require.NoError(t, te.loadInstruments(ctx))
	require.Equal(t, models.RiskHealthy, te.riskState())

	name, stale := te.instruments.stale([]string{perp}, time.Now().Add(2*te.cfg.Exchange.InstrumentCacheTTL), te.cfg.Exchange.InstrumentCacheTTL)
	assert.True(t, stale)
	assert.Equal(t, perp, name)

	_, stale = te.instruments.stale([]string{perp, "ETH-PERPETUAL"}, time.Now(), te.cfg.Exchange.InstrumentCacheTTL)
	assert.True(t, stale, "never loaded")
}

func TestPortfolioExposureFromLedger(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, te.loadInstruments(ctx))

	exp, err := portfolio{te.Engine}.ExposureUSD()
	require.NoError(t, err)
	assert.Empty(t, exp)

	label := ourLabel(t, te.Engine, "6f1c1b8e-6c9b-4a4e-9d55-1f2a3b4c5d6e", 0, 7)
	rec := ledger.Record{
		IntentHash: "ih-1",
		GroupID:    "6f1c1b8e-6c9b-4a4e-9d55-1f2a3b4c5d6e",
		Instrument: perp,
		Side:       models.SideSell,
		Class:      models.ClassOpen,
		Qty:        300,
		LimitPrice: 50000,
		Label:      label,
		State:      models.LegCreated,
	}
	require.NoError(t, te.ledger.Append(ctx, rec))
	require.NoError(t, te.ledger.ApplyFill(ctx, "ih-1", ledger.Fill{TradeID: "t-1", Qty: 200, Price: 50000}))

	exp, err = portfolio{te.Engine}.ExposureUSD()
	require.NoError(t, err)
	assert.InDelta(t, -200, exp[gates.BucketBTC], 1e-9)

	te.seedExposure(te.ledger.InFlight())
	assert.InDelta(t, -100, te.exposure.Pending(perp), 1e-9)
}

func TestStatusSnapshot(t *testing.T) {
	te := newTestEngine(t)
	te.pauses.Pause(perp, reconcile.PauseTradeGap)

	s := te.Status()
	assert.Equal(t, models.ModeReduceOnly, s.Mode)
	assert.True(t, s.OpenLatch.Set)
	assert.Equal(t, map[string]string{perp: reconcile.PauseTradeGap}, s.Incidents.Paused)
	assert.False(t, s.Certification.Present)
	assert.Nil(t, s.PolicyAgeSec)
	assert.Equal(t, 5.0, s.RateLimit.Rate)

	te.guard.Current()
	s = te.Status()
	assert.Contains(t, s.Reasons, "reconciliation_required")
	assert.Contains(t, s.Reasons, "cert_missing")
}

func TestWithRetry(t *testing.T) {
	retryMin, retryMax = time.Millisecond, 2*time.Millisecond
	t.Cleanup(func() { retryMin, retryMax = time.Second, 30*time.Second })
	te := newTestEngine(t)

	calls := 0
	v, err := withRetry(context.Background(), te.Engine, "flaky", func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, exchange.ErrRateLimited
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)

	calls = 0
	_, err = withRetry(context.Background(), te.Engine, "killed", func(context.Context) (int, error) {
		calls++
		return 0, &exchange.VenueError{Code: exchange.CodeTooManyRequests}
	})
	assert.True(t, exchange.IsSessionTerminated(err))
	assert.Equal(t, 1, calls)

	_, err = withRetry(context.Background(), te.Engine, "broken", func(context.Context) (int, error) {
		return 0, errors.New("boom")
	})
	assert.EqualError(t, err, "boom")
}
