package ledger

import (
	"context"
	"legguard/internal/models"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(hash string, leg uint32) Record {
	return Record{
		IntentHash: hash,
		GroupID:    "group-1",
		LegIdx:     leg,
		Instrument: "BTC-PERPETUAL",
		Side:       models.SideBuy,
		Class:      models.ClassOpen,
		Qty:        10,
		LimitPrice: 60000,
		Label:      "s4:aaaaaaaa:bbbbbbbbbbbb:0:" + hash,
	}
}

func openTest(t *testing.T, path string, durable bool) *Ledger {
	t.Helper()
	l, err := Open(Options{Path: path, Durable: durable})
	require.NoError(t, err)
	return l
}

func TestAppendReplayKeepsLatestState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wal.jsonl")

	l := openTest(t, path, true)
	require.NoError(t, l.Append(ctx, testRecord("aaaa000000000001", 0)))
	require.NoError(t, l.Append(ctx, testRecord("aaaa000000000002", 1)))
	require.NoError(t, l.MarkSent(ctx, "aaaa000000000001"))
	require.NoError(t, l.Transition(ctx, "aaaa000000000001", models.LegAcked, "acked", ""))
	require.NoError(t, l.BindOrderID(ctx, "aaaa000000000001", "ord-1"))
	require.NoError(t, l.ApplyFill(ctx, "aaaa000000000001", Fill{TradeID: "t-1", Qty: 10, Price: 60000}))
	require.NoError(t, l.Transition(ctx, "aaaa000000000001", models.LegFilled, "filled", ""))
	require.NoError(t, l.Close())

	replayed := openTest(t, path, false)
	defer replayed.Close()

	rec, ok := replayed.Get("aaaa000000000001")
	require.True(t, ok)
	assert.Equal(t, models.LegFilled, rec.State)
	assert.Equal(t, "ord-1", rec.ExchangeOrderID)
	assert.Equal(t, "t-1", rec.LastTradeID)
	assert.Equal(t, 10.0, rec.FilledQty)
	assert.NotZero(t, rec.SentTS)
	assert.NotZero(t, rec.AckTS)

	outcome := replayed.Replayed()
	assert.Equal(t, 7, outcome.Entries)
	require.Len(t, outcome.InFlight, 1)
	assert.Equal(t, "aaaa000000000002", outcome.InFlight[0].IntentHash)
	require.Len(t, outcome.Trades, 1)
	assert.Equal(t, "t-1", outcome.Trades[0].TradeID)
}

func TestDuplicateIntentIsRejected(t *testing.T) {
	ctx := context.Background()
	l := openTest(t, filepath.Join(t.TempDir(), "wal.jsonl"), false)
	defer l.Close()

	require.NoError(t, l.Append(ctx, testRecord("bbbb000000000001", 0)))
	assert.ErrorIs(t, l.Append(ctx, testRecord("bbbb000000000001", 0)), ErrDuplicateIntent)
}

func TestUnknownIntentTransitionFails(t *testing.T) {
	l := openTest(t, filepath.Join(t.TempDir(), "wal.jsonl"), false)
	defer l.Close()

	assert.ErrorIs(t, l.Transition(context.Background(), "missing", models.LegSent, "sent", ""), ErrUnknownIntent)
}

func TestInFlightCapacity(t *testing.T) {
	ctx := context.Background()
	l, err := Open(Options{Path: filepath.Join(t.TempDir(), "wal.jsonl"), MaxInFlight: 1})
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(ctx, testRecord("cccc000000000001", 0)))
	assert.ErrorIs(t, l.Append(ctx, testRecord("cccc000000000002", 1)), ErrQueueFull)

	require.NoError(t, l.Transition(ctx, "cccc000000000001", models.LegFailed, "rejected", ""))
	assert.NoError(t, l.Append(ctx, testRecord("cccc000000000002", 1)))
}

func TestWasSentAfterCrashBetweenSendAndAck(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wal.jsonl")

	l := openTest(t, path, true)
	require.NoError(t, l.Append(ctx, testRecord("dddd000000000001", 0)))
	require.NoError(t, l.MarkSent(ctx, "dddd000000000001"))
	require.NoError(t, l.Close())

	replayed := openTest(t, path, false)
	defer replayed.Close()

	assert.True(t, replayed.WasSent("dddd000000000001"))
	rec, _ := replayed.Get("dddd000000000001")
	assert.Equal(t, models.LegSent, rec.State)
	assert.ErrorIs(t, replayed.Append(ctx, testRecord("dddd000000000001", 0)), ErrDuplicateIntent)
}

func TestTornTailIsTruncated(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wal.jsonl")

	l := openTest(t, path, true)
	require.NoError(t, l.Append(ctx, testRecord("eeee000000000001", 0)))
	require.NoError(t, l.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"sent_marked","ts":17`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	replayed := openTest(t, path, false)
	rec, ok := replayed.Get("eeee000000000001")
	require.True(t, ok)
	assert.Equal(t, models.LegCreated, rec.State)
	require.NoError(t, replayed.MarkSent(ctx, "eeee000000000001"))
	require.NoError(t, replayed.Close())

	again := openTest(t, path, false)
	defer again.Close()
	assert.True(t, again.WasSent("eeee000000000001"))
}

func TestCorruptMiddleLineFailsOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("not json\n{}\n"), 0o644))

	_, err := Open(Options{Path: path})
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestCanceledContextBlocksAppend(t *testing.T) {
	l := openTest(t, filepath.Join(t.TempDir(), "wal.jsonl"), false)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, l.Append(ctx, testRecord("ffff000000000001", 0)))
	_, ok := l.Get("ffff000000000001")
	assert.False(t, ok)
}

func TestByGroupOrdersLegs(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)
	l, err := Open(Options{Path: filepath.Join(t.TempDir(), "wal.jsonl"), Now: func() time.Time { return now }})
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(ctx, testRecord("1111000000000002", 1)))
	require.NoError(t, l.Append(ctx, testRecord("1111000000000001", 0)))

	recs := l.ByGroup("group-1")
	require.Len(t, recs, 2)
	assert.Equal(t, uint32(0), recs[0].LegIdx)
	assert.Equal(t, uint32(1), recs[1].LegIdx)
}
