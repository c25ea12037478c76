package reconcile

import (
	"context"
	"legguard/internal/exchange"
	"legguard/internal/exchange/fake"
	"legguard/internal/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshot(change int64) exchange.BookUpdate {
	return exchange.BookUpdate{Snapshot: true, OrderBook: models.OrderBook{
		Instrument: "BTC-PERPETUAL",
		Bids:       []models.BookLevel{{Price: 100, Amount: 1}, {Price: 99, Amount: 2}},
		Asks:       []models.BookLevel{{Price: 101, Amount: 1}, {Price: 102, Amount: 2}},
		ChangeID:   change,
		Timestamp:  time.Now(),
	}}
}

func delta(prev, change int64, bids, asks []models.BookLevel) exchange.BookUpdate {
	return exchange.BookUpdate{OrderBook: models.OrderBook{
		Instrument:   "BTC-PERPETUAL",
		Bids:         bids,
		Asks:         asks,
		PrevChangeID: prev,
		ChangeID:     change,
		Timestamp:    time.Now(),
	}}
}

func TestBookDeltasApplyInOrder(t *testing.T) {
	pauses := NewPauseSet()
	books := NewBookTracker(nil, pauses)
	assert.Nil(t, books.Apply(snapshot(10)))

	assert.Nil(t, books.Apply(delta(10, 11,
		[]models.BookLevel{{Price: 100, Amount: 0}, {Price: 99.5, Amount: 3}},
		[]models.BookLevel{{Price: 100.5, Amount: 4}},
	)))

	b, ok := books.Book("BTC-PERPETUAL")
	require.True(t, ok)
	assert.Equal(t, []models.BookLevel{{Price: 99.5, Amount: 3}, {Price: 99, Amount: 2}}, b.Bids)
	assert.Equal(t, []models.BookLevel{{Price: 100.5, Amount: 4}, {Price: 101, Amount: 1}, {Price: 102, Amount: 2}}, b.Asks)
	assert.Equal(t, int64(11), b.ChangeID)

	// Replayed delta is ignored.
	assert.Nil(t, books.Apply(delta(10, 11, []models.BookLevel{{Price: 1, Amount: 1}}, nil)))
	b, _ = books.Book("BTC-PERPETUAL")
	assert.Len(t, b.Bids, 2)
}

func TestBookGapPausesUntilSnapshot(t *testing.T) {
	pauses := NewPauseSet()
	books := NewBookTracker(nil, pauses)
	books.Apply(snapshot(10))

	gap := books.Apply(delta(12, 13, nil, nil))
	require.NotNil(t, gap)
	assert.Equal(t, Gap{Channel: "book", Instrument: "BTC-PERPETUAL", Expected: 10, Got: 12}, *gap)

	paused, why := pauses.Paused("BTC-PERPETUAL")
	assert.True(t, paused)
	assert.Equal(t, PauseBookGap, why)
	_, ok := books.Book("BTC-PERPETUAL")
	assert.False(t, ok)
	assert.Equal(t, []string{"BTC-PERPETUAL"}, books.Broken())

	// Later deltas on a broken chain are dropped without another gap.
	assert.Nil(t, books.Apply(delta(13, 14, nil, nil)))

	books.Apply(snapshot(20))
	paused, _ = pauses.Paused("BTC-PERPETUAL")
	assert.False(t, paused)
	_, ok = books.Book("BTC-PERPETUAL")
	assert.True(t, ok)
}

func TestBookRefreshRebuilds(t *testing.T) {
	venue := fake.New()
	pauses := NewPauseSet()
	books := NewBookTracker(venue, pauses)
	books.Apply(snapshot(10))
	books.Apply(delta(11, 12, nil, nil))

	_, err := books.Refresh(context.Background(), "BTC-PERPETUAL")
	require.ErrorIs(t, err, ErrNoBook)

	venue.SetBook(snapshot(30).OrderBook)
	b, err := books.Refresh(context.Background(), "BTC-PERPETUAL")
	require.NoError(t, err)
	assert.Equal(t, int64(30), b.ChangeID)
	assert.Empty(t, books.Broken())
	paused, _ := pauses.Paused("BTC-PERPETUAL")
	assert.False(t, paused)
}

func TestTradeSequenceGap(t *testing.T) {
	pauses := NewPauseSet()
	seq := NewTradeSeqTracker(pauses)
	pt := func(n int64) exchange.PublicTrade {
		return exchange.PublicTrade{Instrument: "ETH-PERPETUAL", Seq: n}
	}

	assert.Nil(t, seq.Observe(pt(5)))
	assert.Nil(t, seq.Observe(pt(6)))
	assert.Nil(t, seq.Observe(pt(6)), "duplicate")
	assert.Nil(t, seq.Observe(pt(4)), "late")

	gap := seq.Observe(pt(9))
	require.NotNil(t, gap)
	assert.Equal(t, int64(7), gap.Expected)
	assert.Equal(t, int64(9), gap.Got)
	paused, why := pauses.Paused("ETH-PERPETUAL")
	assert.True(t, paused)
	assert.Equal(t, PauseTradeGap, why)

	assert.Nil(t, seq.Observe(pt(10)))
	seq.Resume("ETH-PERPETUAL")
	paused, _ = pauses.Paused("ETH-PERPETUAL")
	assert.False(t, paused)

	seq.Reset()
	assert.Nil(t, seq.Observe(pt(100)))
}

func TestPauseSetJoinsReasons(t *testing.T) {
	p := NewPauseSet()
	p.Pause("X", PauseTradeGap)
	p.Pause("X", PauseBookGap)
	paused, why := p.Paused("X")
	assert.True(t, paused)
	assert.Equal(t, "book_gap,trade_gap", why)
	assert.Equal(t, map[string]string{"X": "book_gap,trade_gap"}, p.All())

	p.Resume("X", PauseBookGap)
	_, why = p.Paused("X")
	assert.Equal(t, PauseTradeGap, why)
	p.Resume("X", PauseTradeGap)
	assert.Empty(t, p.All())
}

func TestLivenessReportsSilenceOnce(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	l := NewLivenessTracker(5*time.Second, func() time.Time { return now })
	l.Beat("user.orders")
	l.Beat("user.trades")

	now = now.Add(3 * time.Second)
	l.Beat("user.trades")
	now = now.Add(3 * time.Second)
	assert.Equal(t, []string{"user.orders"}, l.Check())
	assert.Empty(t, l.Check())
	assert.True(t, l.Silent())

	l.Beat("user.orders")
	assert.False(t, l.Silent())
}
