package ws

import (
	"context"
	"encoding/json"
	"legguard/internal/exchange"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockServer records request methods and pushes the scripted frames after the subscribe call.
func mockServer(t *testing.T, frames []any, methods chan<- string) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req Request
			if json.Unmarshal(data, &req) != nil {
				continue
			}
			methods <- req.Method
			if strings.HasSuffix(req.Method, "/subscribe") {
				for _, f := range frames {
					payload, _ := json.Marshal(f)
					_ = conn.WriteMessage(websocket.TextMessage, payload)
				}
			}
		}
	}))
}

func httpToWS(url string) string {
	return strings.Replace(url, "http://", "ws://", 1)
}

func nextEvent(t *testing.T, ch <-chan exchange.Event) exchange.Event {
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("нет события")
		return exchange.Event{}
	}
}

func TestStreamParsesNotificationsAndAnswersHeartbeat(t *testing.T) {
	frames := []any{
		map[string]any{"jsonrpc": "2.0", "method": "subscription", "params": map[string]any{
			"channel": "book.BTC-PERPETUAL.100ms",
			"data": map[string]any{
				"type": "snapshot", "instrument_name": "BTC-PERPETUAL", "change_id": 10, "timestamp": 1700000000000,
				"bids": []any{[]any{"new", 49999.5, 1000.0}},
				"asks": []any{[]any{"new", 50000.5, 500.0}},
			},
		}},
		map[string]any{"jsonrpc": "2.0", "method": "subscription", "params": map[string]any{
			"channel": "book.BTC-PERPETUAL.100ms",
			"data": map[string]any{
				"type": "change", "instrument_name": "BTC-PERPETUAL", "change_id": 11, "prev_change_id": 10, "timestamp": 1700000000100,
				"bids": []any{[]any{"delete", 49999.5, 0.0}},
				"asks": []any{},
			},
		}},
		map[string]any{"jsonrpc": "2.0", "method": "subscription", "params": map[string]any{
			"channel": "trades.BTC-PERPETUAL.100ms",
			"data":    []any{map[string]any{"trade_id": "p-1", "trade_seq": 42, "instrument_name": "BTC-PERPETUAL", "price": 50000.0, "amount": 10.0}},
		}},
		map[string]any{"jsonrpc": "2.0", "method": "heartbeat", "params": map[string]any{"type": "test_request"}},
	}
	methods := make(chan string, 16)
	srv := mockServer(t, frames, methods)
	defer srv.Close()

	c := New(Options{URL: httpToWS(srv.URL)})
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Subscribe(context.Background(), []string{"book.BTC-PERPETUAL.100ms", "trades.BTC-PERPETUAL.100ms"}))

	snap := nextEvent(t, c.Events())
	require.Equal(t, exchange.EventTypeBook, snap.Type)
	assert.True(t, snap.Book.Snapshot)
	assert.EqualValues(t, 10, snap.Book.ChangeID)
	require.Len(t, snap.Book.Asks, 1)
	assert.Equal(t, 500.0, snap.Book.Asks[0].Amount)

	delta := nextEvent(t, c.Events())
	require.Equal(t, exchange.EventTypeBook, delta.Type)
	assert.False(t, delta.Book.Snapshot)
	assert.EqualValues(t, 10, delta.Book.PrevChangeID)
	require.Len(t, delta.Book.Bids, 1)
	assert.Zero(t, delta.Book.Bids[0].Amount)

	trade := nextEvent(t, c.Events())
	require.Equal(t, exchange.EventTypePublicTrade, trade.Type)
	assert.EqualValues(t, 42, trade.PublicTrade.Seq)

	hb := nextEvent(t, c.Events())
	assert.Equal(t, exchange.EventTypeHeartbeat, hb.Type)

	var seen []string
	deadline := time.After(2 * time.Second)
	for len(seen) < 3 {
		select {
		case m := <-methods:
			seen = append(seen, m)
		case <-deadline:
			t.Fatalf("получено %v", seen)
		}
	}
	assert.Equal(t, []string{"public/set_heartbeat", "public/subscribe", "public/test"}, seen)
}

func TestPrivateChannelsNeedKeys(t *testing.T) {
	methods := make(chan string, 4)
	srv := mockServer(t, nil, methods)
	defer srv.Close()

	c := New(Options{URL: httpToWS(srv.URL)})
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))
	assert.Error(t, c.Subscribe(context.Background(), []string{"user.orders.any.any.raw"}))
}

func TestResubscribeRestartsChannel(t *testing.T) {
	methods := make(chan string, 8)
	srv := mockServer(t, nil, methods)
	defer srv.Close()

	c := New(Options{URL: httpToWS(srv.URL)})
	defer c.Close()
	ctx := context.Background()
	channels := []string{"book.BTC-PERPETUAL.100ms", "trades.BTC-PERPETUAL.100ms"}
	require.NoError(t, c.Connect(ctx))
	require.NoError(t, c.Subscribe(ctx, channels))
	require.NoError(t, c.Resubscribe(ctx, []string{"book.BTC-PERPETUAL.100ms"}))

	var seen []string
	deadline := time.After(2 * time.Second)
	for len(seen) < 4 {
		select {
		case m := <-methods:
			seen = append(seen, m)
		case <-deadline:
			t.Fatalf("получено %v", seen)
		}
	}
	assert.Equal(t, []string{"public/set_heartbeat", "public/subscribe", "public/unsubscribe", "public/subscribe"}, seen)
	assert.Equal(t, channels, c.channels)

	assert.Error(t, c.Resubscribe(ctx, []string{"user.trades.any.any.raw"}))
}

func TestReconnectEmitsDisconnectThenReconnect(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	var connections atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if connections.Add(1) == 1 {
			// Drop the first session right after the heartbeat setup.
			_, _, _ = conn.ReadMessage()
			_ = conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := New(Options{URL: httpToWS(srv.URL), ReconnectMin: 10 * time.Millisecond, ReconnectMax: 50 * time.Millisecond})
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	assert.Equal(t, exchange.EventTypeDisconnect, nextEvent(t, c.Events()).Type)
	assert.Equal(t, exchange.EventTypeReconnect, nextEvent(t, c.Events()).Type)
}
