package reconcile

import (
	"context"
	"errors"
	"legguard/internal/exchange"
	"legguard/internal/exchange/fake"
	"legguard/internal/ledger"
	"legguard/internal/legs"
	"legguard/internal/models"
	"legguard/internal/policy"
	"legguard/internal/quant"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const strategy = "spread-1"

type fixture struct {
	venue   *fake.Venue
	tracker *legs.Tracker
	latch   *policy.OpenLatch
	rec     *Reconciler
	offset  time.Duration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l, err := ledger.Open(ledger.Options{Path: filepath.Join(t.TempDir(), "wal.jsonl")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	f := &fixture{
		venue:   fake.New(),
		tracker: legs.New(l, nil, 1e-9, nil),
		latch:   policy.NewOpenLatch(),
	}
	f.latch.Set(ReasonStartup)
	f.rec = New(Options{Currency: "BTC", StrategyID: strategy}, Deps{
		Venue: f.venue,
		Legs:  f.tracker,
		Latch: f.latch,
		Now:   func() time.Time { return time.Now().Add(f.offset) },
	})
	return f
}

func (f *fixture) intent(t *testing.T, h uint64, group string, leg uint32, inst string, side models.Side, qty float64) ledger.Record {
	t.Helper()
	label, err := quant.EncodeLabel(strategy, group, leg, h)
	require.NoError(t, err)
	rec := ledger.Record{
		IntentHash: quant.FormatHash(h),
		GroupID:    group,
		LegIdx:     leg,
		Instrument: inst,
		Side:       side,
		Class:      models.ClassOpen,
		Qty:        qty,
		LimitPrice: 50000,
		Label:      label,
	}
	require.NoError(t, f.tracker.Ledger().Append(context.Background(), rec))
	got, _ := f.tracker.Ledger().Get(rec.IntentHash)
	return got
}

func TestOrphanFillAppliedOnceAndLatchCleared(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := f.intent(t, 0xa1, "g-1", 0, "BTC-PERPETUAL", models.SideBuy, 100)
	require.NoError(t, f.tracker.Sent(ctx, rec.IntentHash))

	f.venue.SetTrades(models.Trade{
		TradeID:    "t-1",
		OrderID:    "o-1",
		Label:      rec.Label,
		Instrument: "BTC-PERPETUAL",
		Side:       models.SideBuy,
		Amount:     100,
		Price:      50000,
		Timestamp:  time.Now(),
	})
	f.venue.SetPosition(models.Position{Instrument: "BTC-PERPETUAL", Size: 100, Direction: models.SideBuy})

	rep, err := f.rec.Reconcile(ctx, ReasonStartup)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.TradesApplied)
	assert.Equal(t, 1, rep.OrphanFills)
	assert.True(t, rep.Clean())

	latched, _ := f.latch.State()
	assert.False(t, latched)
	assert.Equal(t, models.RiskHealthy, f.rec.RiskState())

	got, _ := f.tracker.Ledger().Get(rec.IntentHash)
	assert.Equal(t, models.LegFilled, got.State)
	assert.Equal(t, "o-1", got.ExchangeOrderID)

	rep, err = f.rec.Reconcile(ctx, ReasonTimer)
	require.NoError(t, err)
	assert.Zero(t, rep.TradesApplied)
	assert.Equal(t, 1, rep.Duplicates)
	got, _ = f.tracker.Ledger().Get(rec.IntentHash)
	assert.Equal(t, 100.0, got.FilledQty)
}

func TestTradeFoundByLabelMatcherWhenHashDiffers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := f.intent(t, 0xb2, "g-2", 1, "ETH-PERPETUAL", models.SideSell, 30)
	require.NoError(t, f.tracker.Sent(ctx, rec.IntentHash))

	// Same group and leg, different ih16: the matcher still finds the only candidate.
	label, err := quant.EncodeLabel(strategy, "g-2", 1, 0xffff)
	require.NoError(t, err)
	f.venue.SetTrades(models.Trade{TradeID: "t-7", Label: label, Instrument: "ETH-PERPETUAL", Side: models.SideSell, Amount: 30, Price: 3000, Timestamp: time.Now()})
	f.venue.SetPosition(models.Position{Instrument: "ETH-PERPETUAL", Size: 30, Direction: models.SideSell})

	rep, err := f.rec.Reconcile(ctx, ReasonGap)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.TradesApplied)
	assert.True(t, rep.Clean())
	got, _ := f.tracker.Ledger().Get(rec.IntentHash)
	assert.Equal(t, models.LegFilled, got.State)
}

func TestUnknownTradeKeepsLatch(t *testing.T) {
	f := newFixture(t)
	label, err := quant.EncodeLabel(strategy, "g-none", 0, 0x77)
	require.NoError(t, err)
	f.venue.SetTrades(
		models.Trade{TradeID: "t-1", Label: label, Instrument: "BTC-PERPETUAL", Side: models.SideBuy, Amount: 10, Timestamp: time.Now()},
		models.Trade{TradeID: "t-2", Label: "manual", Instrument: "BTC-PERPETUAL", Side: models.SideBuy, Amount: 10, Timestamp: time.Now()},
	)

	rep, err := f.rec.Reconcile(context.Background(), ReasonTimer)
	require.NoError(t, err)
	assert.Equal(t, []string{"t-1"}, rep.UnknownTrades)
	assert.False(t, rep.Clean())

	latched, reasons := f.latch.State()
	assert.True(t, latched)
	assert.Equal(t, []string{ReasonStartup}, reasons)
	assert.Equal(t, models.RiskDegraded, f.rec.RiskState())
}

func TestGhostOrderCanceled(t *testing.T) {
	f := newFixture(t)
	ghost, err := quant.EncodeLabel(strategy, "g-ghost", 0, 0x99)
	require.NoError(t, err)
	foreign, err := quant.EncodeLabel("other", "g-ghost", 0, 0x99)
	require.NoError(t, err)
	f.venue.SetOpenOrders(
		models.Order{ID: "o-ghost", Label: ghost, Instrument: "BTC-PERPETUAL", Side: models.SideBuy, Amount: 10, State: models.OrderStateOpen},
		models.Order{ID: "o-foreign", Label: foreign, Instrument: "BTC-PERPETUAL", Side: models.SideBuy, Amount: 10, State: models.OrderStateOpen},
	)

	rep, err := f.rec.Reconcile(context.Background(), ReasonReconnect)
	require.NoError(t, err)
	assert.Equal(t, []string{"o-ghost"}, rep.GhostsCanceled)
	assert.Equal(t, []string{"o-ghost"}, f.venue.Canceled())
	assert.True(t, rep.Clean())
}

func TestLiveOrderKeepsIntentOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := f.intent(t, 0xc3, "g-3", 0, "BTC-PERPETUAL", models.SideBuy, 50)
	require.NoError(t, f.tracker.Sent(ctx, rec.IntentHash))
	f.venue.SetOpenOrders(models.Order{ID: "o-5", Label: rec.Label, Instrument: "BTC-PERPETUAL", Side: models.SideBuy, Amount: 50, State: models.OrderStateOpen})

	f.offset = time.Hour
	rep, err := f.rec.Reconcile(ctx, ReasonTimer)
	require.NoError(t, err)
	assert.Empty(t, rep.GhostsCanceled)
	assert.Empty(t, rep.StaleResolved)

	got, _ := f.tracker.Ledger().Get(rec.IntentHash)
	assert.Equal(t, models.LegAcked, got.State)
	assert.Equal(t, "o-5", got.ExchangeOrderID)
}

func TestStaleIntentsResolved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	unsent := f.intent(t, 0xd1, "g-4", 0, "BTC-PERPETUAL", models.SideBuy, 10)
	sent := f.intent(t, 0xd2, "g-4", 1, "ETH-PERPETUAL", models.SideSell, 10)
	require.NoError(t, f.tracker.Sent(ctx, sent.IntentHash))

	rep, err := f.rec.Reconcile(ctx, ReasonTimer)
	require.NoError(t, err)
	assert.Empty(t, rep.StaleResolved, "fresh intents are left to the executor")

	f.offset = time.Minute
	rep, err = f.rec.Reconcile(ctx, ReasonTimer)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{unsent.IntentHash, sent.IntentHash}, rep.StaleResolved)

	got, _ := f.tracker.Ledger().Get(unsent.IntentHash)
	assert.Equal(t, models.LegFailed, got.State)
	got, _ = f.tracker.Ledger().Get(sent.IntentHash)
	assert.Equal(t, models.LegCanceled, got.State)
	assert.Empty(t, f.venue.Placed(), "reconciliation never resends")
}

func TestPositionMismatchIsDegraded(t *testing.T) {
	f := newFixture(t)
	f.venue.SetPosition(models.Position{Instrument: "BTC-PERPETUAL", Size: 20, Direction: models.SideSell})

	rep, err := f.rec.Reconcile(context.Background(), ReasonTimer)
	require.NoError(t, err)
	require.Len(t, rep.Positions, 1)
	assert.Equal(t, PositionGap{Instrument: "BTC-PERPETUAL", Venue: -20, Ledger: 0}, rep.Positions[0])
	assert.Equal(t, models.RiskDegraded, f.rec.RiskState())
	latched, _ := f.latch.State()
	assert.True(t, latched)
}

type brokenPositions struct {
	*fake.Venue
}

func (brokenPositions) GetPositions(context.Context, string) ([]models.Position, error) {
	return nil, exchange.ErrRateLimited
}

func TestVenueErrorFailsPass(t *testing.T) {
	f := newFixture(t)
	f.rec.deps.Venue = brokenPositions{f.venue}

	rep, err := f.rec.Reconcile(context.Background(), ReasonTimer)
	require.Error(t, err)
	assert.True(t, errors.Is(err, exchange.ErrRateLimited))
	assert.False(t, rep.Clean())
	assert.Equal(t, models.RiskDegraded, f.rec.RiskState())
	last, ran := f.rec.Last()
	assert.True(t, ran)
	assert.Equal(t, ReasonTimer, last.Reason)
}

func TestCancelNonReduceOnly(t *testing.T) {
	f := newFixture(t)
	ours, err := quant.EncodeLabel(strategy, "g-5", 0, 1)
	require.NoError(t, err)
	theirs, err := quant.EncodeLabel("other", "g-5", 0, 1)
	require.NoError(t, err)
	f.venue.SetOpenOrders(
		models.Order{ID: "o-open", Label: ours},
		models.Order{ID: "o-close", Label: ours, ReduceOnly: true},
		models.Order{ID: "o-theirs", Label: theirs},
	)

	canceled, err := f.rec.CancelNonReduceOnly(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"o-open"}, canceled)
	assert.Equal(t, []string{"o-open"}, f.venue.Canceled())
}

func TestRunHonorsTrigger(t *testing.T) {
	f := newFixture(t)
	f.rec.opts.Interval = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.rec.Run(ctx)
		close(done)
	}()

	f.rec.Trigger(ReasonReconnect)
	assert.Eventually(t, func() bool {
		last, ran := f.rec.Last()
		return ran && last.Reason == ReasonReconnect
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
