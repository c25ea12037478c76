// Package attribution moves incident records off the hot path. Publishing never blocks; a full
// queue or a failing sink marks the writer unhealthy and PolicyGuard turns that into ReduceOnly.
package attribution

import (
	"context"
	"errors"
	"legguard/internal/logger"
	"legguard/internal/metrics"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

type Kind string

const (
	KindNakedExposure Kind = "naked_exposure"
	KindGroupOutcome  Kind = "group_outcome"
	KindModeChange    Kind = "mode_change"
	KindGhostOrder    Kind = "ghost_order"
	KindFeedGap       Kind = "feed_gap"
	KindReconcile     Kind = "reconcile"
)

type Event struct {
	Kind    Kind           `json:"kind"`
	GroupID string         `json:"group_id,omitempty"`
	TS      time.Time      `json:"ts"`
	Data    map[string]any `json:"data,omitempty"`
}

type Sink interface {
	Write(ctx context.Context, ev Event) error
	Close() error
}

var (
	ErrQueueFull = errors.New("Очередь атрибуции переполнена.")
	ErrClosed    = errors.New("Писатель атрибуции остановлен.")
)

type Writer struct {
	queue   chan Event
	sink    Sink
	log     *logger.Logger
	now     func() time.Time
	healthy atomic.Bool

	mu     sync.Mutex
	reason string
	closed bool
}

func NewWriter(sink Sink, size int, log *logger.Logger) *Writer {
	if log == nil {
		log = logger.Nop()
	}
	if size <= 0 {
		size = 1
	}
	w := &Writer{
		queue: make(chan Event, size),
		sink:  sink,
		log:   log,
		now:   time.Now,
	}
	w.healthy.Store(true)
	return w
}

func (w *Writer) logEntry() *logrus.Entry {
	return w.log.WithComponent("attribution")
}

// Publish enqueues without waiting.
func (w *Writer) Publish(ev Event) error {
	if ev.TS.IsZero() {
		ev.TS = w.now()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	select {
	case w.queue <- ev:
		return nil
	default:
		metrics.AttributionDropped.Inc()
		w.unhealthyLocked("queue_full")
		return ErrQueueFull
	}
}

// Run drains the queue until ctx is done or Close is called, then flushes what is left.
func (w *Writer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.drain(context.Background())
			return
		case ev, ok := <-w.queue:
			if !ok {
				return
			}
			w.write(ctx, ev)
		}
	}
}

func (w *Writer) drain(ctx context.Context) {
	for {
		select {
		case ev, ok := <-w.queue:
			if !ok {
				return
			}
			w.write(ctx, ev)
		default:
			return
		}
	}
}

func (w *Writer) write(ctx context.Context, ev Event) {
	if err := w.sink.Write(ctx, ev); err != nil {
		w.mu.Lock()
		w.unhealthyLocked("sink_error")
		w.mu.Unlock()
		w.logEntry().WithError(err).WithField("kind", ev.Kind).Error("Не удалось записать событие атрибуции.")
	}
}

func (w *Writer) unhealthyLocked(reason string) {
	if w.healthy.Swap(false) {
		w.reason = reason
		w.logEntry().WithField("reason", reason).Warn("Писатель атрибуции неисправен.")
	}
}

// Healthy stays false after the first failure until Reset.
func (w *Writer) Healthy() (bool, string) {
	if w.healthy.Load() {
		return true, ""
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return false, w.reason
}

// Reset clears the failure flag once the queue has room again.
func (w *Writer) Reset() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == cap(w.queue) {
		return false
	}
	w.healthy.Store(true)
	w.reason = ""
	return true
}

func (w *Writer) Pending() int {
	return len(w.queue)
}

// Close stops accepting events. Run returns after the remaining ones are written.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	return nil
}
