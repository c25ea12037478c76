package ledger

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"legguard/internal/logger"
	"legguard/internal/metrics"
	"legguard/internal/models"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	ErrAppendFailed    = errors.New("Не удалось записать в журнал.")
	ErrDuplicateIntent = errors.New("Намерение уже записано в журнал.")
	ErrUnknownIntent   = errors.New("Намерение не найдено в журнале.")
	ErrQueueFull       = errors.New("Превышен лимит незавершённых намерений.")
	ErrCorrupt         = errors.New("Журнал повреждён.")
)

// Mirror receives every entry after it has been written to the WAL.
type Mirror interface {
	Mirror(ctx context.Context, e Entry, rec Record) error
}

type Options struct {
	Path string
	// Fsync each entry before returning from the write.
	Durable     bool
	MaxInFlight int
	Mirror      Mirror
	Log         *logger.Logger
	Now         func() time.Time
}

// Ledger is an append-only JSONL write-ahead log with an in-memory latest-per-intent view.
type Ledger struct {
	mu        sync.RWMutex
	file      *os.File
	opts      Options
	records   map[string]*Record
	trades    []TradeRef
	broken    error
	mirrorErr error
	outcome   ReplayOutcome
}

func Open(opts Options) (*Ledger, error) {
	if opts.Log == nil {
		opts.Log = logger.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if dir := filepath.Dir(opts.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("Не удалось создать каталог журнала: %w", err)
		}
	}

	f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("Не удалось открыть журнал: %w", err)
	}

	l := &Ledger{
		file:    f,
		opts:    opts,
		records: make(map[string]*Record),
	}

	if err := l.replay(); err != nil {
		_ = f.Close()
		return nil, err
	}

	l.logEntry().WithFields(logrus.Fields{
		"entries":   l.outcome.Entries,
		"intents":   len(l.outcome.Records),
		"in_flight": len(l.outcome.InFlight),
		"trades":    len(l.outcome.Trades),
	}).Info("Журнал восстановлен.")

	return l, nil
}

func (l *Ledger) replay() error {
	reader := bufio.NewReader(l.file)
	var offset int64
	count := 0
	unterminated := false

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) > 0 {
				var e Entry
				if uerr := json.Unmarshal(trimmed, &e); uerr != nil {
					if err == io.EOF {
						// Torn tail from a crash mid-write: drop it and continue from the last good entry.
						l.logEntry().WithField("offset", offset).Warn("Обрезана неполная запись в конце журнала.")
						if terr := l.file.Truncate(offset); terr != nil {
							return fmt.Errorf("Не удалось обрезать журнал: %w", terr)
						}
						break
					}
					return fmt.Errorf("%w: смещение %d: %v", ErrCorrupt, offset, uerr)
				}
				if aerr := l.check(e); aerr != nil {
					return fmt.Errorf("%w: смещение %d: %v", ErrCorrupt, offset, aerr)
				}
				l.apply(e)
				count++
				unterminated = line[len(line)-1] != '\n'
			}
			offset += int64(len(line))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("Не удалось прочитать журнал: %w", err)
		}
	}

	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("Не удалось перейти в конец журнала: %w", err)
	}
	if unterminated {
		if _, err := l.file.Write([]byte{'\n'}); err != nil {
			return fmt.Errorf("Не удалось дописать перевод строки: %w", err)
		}
	}

	l.outcome = ReplayOutcome{
		Entries:  count,
		Records:  l.allLocked(),
		InFlight: l.inFlightLocked(),
		Trades:   append([]TradeRef(nil), l.trades...),
	}
	return nil
}

func (l *Ledger) check(e Entry) error {
	if e.Hash == "" {
		return fmt.Errorf("%w: пустой intent_hash", ErrUnknownIntent)
	}
	_, exists := l.records[e.Hash]
	if e.Type == EntryIntentRecorded {
		if e.Record == nil {
			return fmt.Errorf("%w: нет записи", ErrCorrupt)
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrDuplicateIntent, e.Hash)
		}
		return nil
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownIntent, e.Hash)
	}
	switch e.Type {
	case EntryStateTransition, EntrySentMarked, EntryOrderBound, EntryFillApplied:
		return nil
	default:
		return fmt.Errorf("%w: тип %q", ErrCorrupt, e.Type)
	}
}

func (l *Ledger) apply(e Entry) {
	if e.Type == EntryIntentRecorded {
		rec := *e.Record
		rec.IntentHash = e.Hash
		if rec.State == "" {
			rec.State = models.LegCreated
		}
		l.records[e.Hash] = &rec
		return
	}

	rec := l.records[e.Hash]
	switch e.Type {
	case EntryStateTransition:
		if e.State != "" {
			rec.State = e.State
		}
		if e.State == models.LegAcked && rec.AckTS == 0 {
			rec.AckTS = e.TS
		}
	case EntrySentMarked:
		if e.TS > rec.SentTS {
			rec.SentTS = e.TS
		}
		if rec.State == models.LegCreated {
			rec.State = models.LegSent
		}
	case EntryOrderBound:
		rec.ExchangeOrderID = e.OrderID
	case EntryFillApplied:
		rec.FilledQty += e.Qty
		if e.TradeID != "" {
			rec.LastTradeID = e.TradeID
			l.trades = append(l.trades, TradeRef{
				TradeID:    e.TradeID,
				IntentHash: e.Hash,
				GroupID:    rec.GroupID,
				LegIdx:     rec.LegIdx,
				TS:         time.UnixMilli(e.TS),
				Qty:        e.Qty,
				Price:      e.Price,
			})
		}
		if e.TS > rec.LastFillTS {
			rec.LastFillTS = e.TS
		}
	}
}

// write is WAL-first: the line is on disk (and fsynced when durable) before memory changes.
func (l *Ledger) write(ctx context.Context, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.broken != nil {
		return fmt.Errorf("%w: %v", ErrAppendFailed, l.broken)
	}
	if err := l.check(e); err != nil {
		return err
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	payload = append(payload, '\n')

	if _, err := l.file.Write(payload); err != nil {
		l.fail(err)
		return fmt.Errorf("%w: %v", ErrAppendFailed, err)
	}
	if l.opts.Durable {
		if err := l.file.Sync(); err != nil {
			l.fail(err)
			return fmt.Errorf("%w: %v", ErrAppendFailed, err)
		}
	}
	metrics.LedgerAppends.Inc()

	l.apply(e)

	if l.opts.Mirror != nil {
		if err := l.opts.Mirror.Mirror(ctx, e, *l.records[e.Hash]); err != nil {
			l.mirrorErr = err
			l.logEntry().WithError(err).WithField("intent_hash", e.Hash).Warn("Не удалось обновить зеркало журнала.")
		} else {
			l.mirrorErr = nil
		}
	}
	return nil
}

func (l *Ledger) fail(err error) {
	l.broken = err
	metrics.LedgerWriteErrors.Inc()
	l.logEntry().WithError(err).Error("Ошибка записи журнала, дальнейшие записи запрещены.")
}

func (l *Ledger) now() int64 {
	return l.opts.Now().UnixMilli()
}

// Append records a new intent. It must return nil before the intent may be dispatched.
func (l *Ledger) Append(ctx context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.opts.MaxInFlight > 0 && len(l.inFlightLocked()) >= l.opts.MaxInFlight {
		return fmt.Errorf("%w: %d", ErrQueueFull, l.opts.MaxInFlight)
	}
	if rec.CreatedTS == 0 {
		rec.CreatedTS = l.now()
	}
	rec.State = models.LegCreated
	rec.SentTS, rec.AckTS, rec.LastFillTS, rec.FilledQty = 0, 0, 0, 0

	return l.write(ctx, Entry{
		Type:   EntryIntentRecorded,
		TS:     rec.CreatedTS,
		Hash:   rec.IntentHash,
		Record: &rec,
	})
}

// Transition records an observed lifecycle event. to may equal the current state when the event
// was observed but changed nothing.
func (l *Ledger) Transition(ctx context.Context, hash string, to models.LegState, event, anomaly string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.write(ctx, Entry{
		Type:    EntryStateTransition,
		TS:      l.now(),
		Hash:    hash,
		State:   to,
		Event:   event,
		Anomaly: anomaly,
	})
}

func (l *Ledger) MarkSent(ctx context.Context, hash string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.write(ctx, Entry{Type: EntrySentMarked, TS: l.now(), Hash: hash})
}

func (l *Ledger) BindOrderID(ctx context.Context, hash, orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec, ok := l.records[hash]; ok && rec.ExchangeOrderID == orderID {
		return nil
	}
	return l.write(ctx, Entry{Type: EntryOrderBound, TS: l.now(), Hash: hash, OrderID: orderID})
}

func (l *Ledger) ApplyFill(ctx context.Context, hash string, fill Fill) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := fill.TS
	if ts.IsZero() {
		ts = l.opts.Now()
	}
	return l.write(ctx, Entry{
		Type:    EntryFillApplied,
		TS:      ts.UnixMilli(),
		Hash:    hash,
		TradeID: fill.TradeID,
		Qty:     fill.Qty,
		Price:   fill.Price,
	})
}

func (l *Ledger) Get(hash string) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[hash]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (l *Ledger) WasSent(hash string) bool {
	rec, ok := l.Get(hash)
	return ok && rec.WasSent()
}

func (l *Ledger) ByGroup(groupID string) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Record
	for _, rec := range l.records {
		if rec.GroupID == groupID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LegIdx != out[j].LegIdx {
			return out[i].LegIdx < out[j].LegIdx
		}
		return out[i].CreatedTS < out[j].CreatedTS
	})
	return out
}

func (l *Ledger) All() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.allLocked()
}

func (l *Ledger) InFlight() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.inFlightLocked()
}

func (l *Ledger) allLocked() []Record {
	out := make([]Record, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, *rec)
	}
	sortRecords(out)
	return out
}

func (l *Ledger) inFlightLocked() []Record {
	var out []Record
	for _, rec := range l.records {
		if !rec.State.Terminal() {
			out = append(out, *rec)
		}
	}
	sortRecords(out)
	return out
}

func sortRecords(recs []Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedTS != recs[j].CreatedTS {
			return recs[i].CreatedTS < recs[j].CreatedTS
		}
		return recs[i].IntentHash < recs[j].IntentHash
	})
}

// Replayed is the view produced on Open, before any network activity.
func (l *Ledger) Replayed() ReplayOutcome {
	return l.outcome
}

func (l *Ledger) TradeRefs() []TradeRef {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]TradeRef(nil), l.trades...)
}

// Healthy is false after a failed write or a failing mirror.
func (l *Ledger) Healthy() (bool, string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.broken != nil {
		return false, "ledger_write_failed"
	}
	if l.mirrorErr != nil {
		return false, "ledger_mirror_failed"
	}
	return true, ""
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return err
	}
	return l.file.Close()
}

func (l *Ledger) logEntry() *logrus.Entry {
	return l.opts.Log.WithComponent("ledger")
}
