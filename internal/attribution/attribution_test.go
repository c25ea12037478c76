package attribution

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *memSink) Write(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *memSink) Close() error { return nil }

func (s *memSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestPublishNeverBlocksAndFlagsOverflow(t *testing.T) {
	w := NewWriter(&memSink{}, 2, nil)

	require.NoError(t, w.Publish(Event{Kind: KindNakedExposure}))
	require.NoError(t, w.Publish(Event{Kind: KindNakedExposure}))

	done := make(chan error, 1)
	go func() { done <- w.Publish(Event{Kind: KindNakedExposure}) }()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrQueueFull)
	case <-time.After(time.Second):
		t.Fatal("Publish заблокировался на полной очереди")
	}

	ok, reason := w.Healthy()
	assert.False(t, ok)
	assert.Equal(t, "queue_full", reason)
	assert.False(t, w.Reset(), "очередь всё ещё полна")
}

func TestRunDrainsAndClose(t *testing.T) {
	sink := &memSink{}
	w := NewWriter(sink, 8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopped := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(stopped)
	}()

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Publish(Event{Kind: KindGroupOutcome, GroupID: "g"}))
	}
	require.NoError(t, w.Close())
	<-stopped

	assert.Equal(t, 5, sink.len())
	assert.ErrorIs(t, w.Publish(Event{}), ErrClosed)
	ok, _ := w.Healthy()
	assert.True(t, ok)
}

func TestSinkErrorMarksUnhealthy(t *testing.T) {
	w := NewWriter(&memSink{err: errors.New("disk full")}, 4, nil)
	w.write(context.Background(), Event{Kind: KindModeChange})

	ok, reason := w.Healthy()
	assert.False(t, ok)
	assert.Equal(t, "sink_error", reason)
	assert.True(t, w.Reset())
	ok, _ = w.Healthy()
	assert.True(t, ok)
}

func TestFileSinkWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "incidents.jsonl")
	s := NewFileSink(path, 1, 1)
	ts := time.UnixMilli(1_700_000_000_000).UTC()
	require.NoError(t, s.Write(context.Background(), Event{Kind: KindNakedExposure, GroupID: "g-1", TS: ts, Data: map[string]any{"residual": 0.4}}))
	require.NoError(t, s.Write(context.Background(), Event{Kind: KindGroupOutcome, GroupID: "g-1", TS: ts}))
	require.NoError(t, s.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var got []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, KindNakedExposure, got[0].Kind)
	assert.Equal(t, 0.4, got[0].Data["residual"])
}

type stubStream struct {
	args []*redis.XAddArgs
	err  error
}

func (s *stubStream) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	s.args = append(s.args, a)
	return redis.NewStringResult("1-0", s.err)
}

func TestRedisSinkXAdd(t *testing.T) {
	stub := &stubStream{}
	s := NewRedisSinkWith(stub, "legguard:incidents")
	require.NoError(t, s.Write(context.Background(), Event{Kind: KindGhostOrder, GroupID: "g-2", TS: time.UnixMilli(5), Data: map[string]any{"order_id": "o-1"}}))

	require.Len(t, stub.args, 1)
	a := stub.args[0]
	assert.Equal(t, "legguard:incidents", a.Stream)
	assert.True(t, a.Approx)
	values := a.Values.(map[string]interface{})
	assert.Equal(t, "ghost_order", values["kind"])
	assert.Equal(t, int64(5), values["ts"])
	assert.JSONEq(t, `{"order_id":"o-1"}`, values["data"].(string))

	stub.err = errors.New("connection refused")
	assert.Error(t, s.Write(context.Background(), Event{Kind: KindGhostOrder}))
}

func TestMultiSinkJoinsErrors(t *testing.T) {
	good := &memSink{}
	bad := &memSink{err: errors.New("boom")}
	err := MultiSink{good, bad}.Write(context.Background(), Event{Kind: KindReconcile})
	assert.Error(t, err)
	assert.Equal(t, 1, good.len())
}
