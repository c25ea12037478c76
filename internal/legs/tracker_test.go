package legs

import (
	"context"
	"legguard/internal/ledger"
	"legguard/internal/models"
	"legguard/internal/tlsm"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hashA = "00000000000000aa"

func newTracker(t *testing.T) *Tracker {
	t.Helper()
	l, err := ledger.Open(ledger.Options{Path: filepath.Join(t.TempDir(), "wal.jsonl")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	require.NoError(t, l.Append(context.Background(), ledger.Record{
		IntentHash: hashA,
		GroupID:    "g-1",
		Instrument: "BTC-PERPETUAL",
		Side:       models.SideBuy,
		Class:      models.ClassOpen,
		Qty:        100,
		LimitPrice: 50000,
		Label:      "s4:deadbeef:g1:0:" + hashA,
	}))
	return New(l, nil, 1e-9, nil)
}

func TestSentWritesBarrierBeforeNetwork(t *testing.T) {
	tr := newTracker(t)
	require.NoError(t, tr.Sent(context.Background(), hashA))

	rec, ok := tr.Ledger().Get(hashA)
	require.True(t, ok)
	assert.True(t, rec.WasSent())
	assert.NotZero(t, rec.SentTS)
	state, _ := tr.State(hashA)
	assert.Equal(t, models.LegSent, state)
}

func TestTradeAppliedOnceAcrossSources(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(t)
	require.NoError(t, tr.Sent(ctx, hashA))

	trade := models.Trade{TradeID: "t-1", OrderID: "o-1", Label: "s4:deadbeef:g1:0:" + hashA, Amount: 40, Price: 50000}
	res, applied, err := tr.ApplyTrade(ctx, trade)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, models.LegPartiallyFilled, res.To)
	assert.Equal(t, tlsm.AnomalyPartialBeforeAck, res.Anomaly)

	// The same trade seen again from a direct query is a no-op.
	_, applied, err = tr.ApplyTrade(ctx, trade)
	require.NoError(t, err)
	assert.False(t, applied)

	rec, _ := tr.Ledger().Get(hashA)
	assert.Equal(t, 40.0, rec.FilledQty)
	assert.Equal(t, "o-1", rec.ExchangeOrderID)

	// Resolvable by order id alone once bound.
	res, applied, err = tr.ApplyTrade(ctx, models.Trade{TradeID: "t-2", OrderID: "o-1", Amount: 60, Price: 50000})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, models.LegFilled, res.To)
	assert.Equal(t, uint64(1), tr.Registry().Duplicates())
}

func TestOrphanFillFromCreated(t *testing.T) {
	tr := newTracker(t)
	res, applied, err := tr.ApplyTrade(context.Background(), models.Trade{TradeID: "t-9", Label: "s4:deadbeef:g1:0:" + hashA, Amount: 100})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, models.LegFilled, res.To)
	assert.Equal(t, tlsm.AnomalyOrphanFill, res.Anomaly)
}

func TestApplyOrderIOCPartialCancel(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(t)
	require.NoError(t, tr.Sent(ctx, hashA))

	res, err := tr.ApplyOrder(ctx, models.Order{ID: "o-1", Label: "s4:deadbeef:g1:0:" + hashA, State: models.OrderStateCancelled, Amount: 100, FilledAmount: 30})
	require.NoError(t, err)
	assert.Equal(t, models.LegCanceled, res.To)

	state, _ := tr.State(hashA)
	assert.Equal(t, models.LegCanceled, state)
	rec, _ := tr.Ledger().Get(hashA)
	assert.Equal(t, "o-1", rec.ExchangeOrderID)
}

func TestUnknownLeg(t *testing.T) {
	tr := newTracker(t)
	_, err := tr.ApplyOrder(context.Background(), models.Order{ID: "x", Label: "foreign"})
	assert.ErrorIs(t, err, ErrUnknownLeg)
	_, _, err = tr.ApplyTrade(context.Background(), models.Trade{TradeID: "t", Label: "s4:deadbeef:g1:0:ffffffffffffffff"})
	assert.ErrorIs(t, err, ErrUnknownLeg)
}

func TestOrderEvents(t *testing.T) {
	cases := []struct {
		state  models.OrderState
		filled float64
		want   []tlsm.Event
	}{
		{models.OrderStateOpen, 0, []tlsm.Event{tlsm.EventAcked}},
		{models.OrderStateOpen, 5, []tlsm.Event{tlsm.EventAcked, tlsm.EventPartialFill}},
		{models.OrderStateFilled, 10, []tlsm.Event{tlsm.EventFilled}},
		{models.OrderStateCancelled, 0, []tlsm.Event{tlsm.EventCanceled}},
		{models.OrderStateCancelled, 4, []tlsm.Event{tlsm.EventPartialFill, tlsm.EventCanceled}},
		{models.OrderStateCancelled, 10, []tlsm.Event{tlsm.EventFilled}},
		{models.OrderStateRejected, 0, []tlsm.Event{tlsm.EventRejected}},
	}
	for _, c := range cases {
		got := orderEvents(models.Order{State: c.state, FilledAmount: c.filled}, 10, 1e-9)
		assert.Equal(t, c.want, got, "%s filled=%v", c.state, c.filled)
	}
}

func TestInventory(t *testing.T) {
	ctx := context.Background()
	tr := newTracker(t)
	require.NoError(t, tr.Sent(ctx, hashA))
	_, _, err := tr.ApplyTrade(ctx, models.Trade{TradeID: "t-1", Label: "s4:deadbeef:g1:0:" + hashA, Amount: 30})
	require.NoError(t, err)

	current, pending := tr.Inventory("BTC-PERPETUAL")
	assert.Equal(t, 30.0, current)
	assert.Equal(t, 70.0, pending)
	assert.Equal(t, map[string]float64{"BTC-PERPETUAL": 30}, tr.NetPositions())
}
