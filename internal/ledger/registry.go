package ledger

import (
	"context"
	"legguard/internal/metrics"
	"sync"
	"time"
)

type TradeRef struct {
	TradeID    string    `json:"trade_id"`
	IntentHash string    `json:"intent_hash"`
	GroupID    string    `json:"group_id"`
	LegIdx     uint32    `json:"leg_idx"`
	TS         time.Time `json:"ts"`
	Qty        float64   `json:"qty"`
	Price      float64   `json:"price"`
}

type InsertResult int

const (
	Inserted InsertResult = iota
	Duplicate
)

type TradeStore interface {
	InsertTrade(ctx context.Context, ref TradeRef) (bool, error)
	LoadTrades(ctx context.Context) ([]TradeRef, error)
}

// TradeRegistry makes fill application idempotent: the first observer of a trade id wins,
// whether it came from the stream or a direct query.
type TradeRegistry struct {
	mu         sync.Mutex
	seen       map[string]TradeRef
	store      TradeStore
	duplicates uint64
}

func NewTradeRegistry(store TradeStore, seed []TradeRef) *TradeRegistry {
	r := &TradeRegistry{
		seen:  make(map[string]TradeRef, len(seed)),
		store: store,
	}
	for _, ref := range seed {
		r.seen[ref.TradeID] = ref
	}
	return r
}

// LoadTradeRegistry seeds from the WAL replay and from the persistent store, if any.
func LoadTradeRegistry(ctx context.Context, store TradeStore, seed []TradeRef) (*TradeRegistry, error) {
	r := NewTradeRegistry(store, seed)
	if store == nil {
		return r, nil
	}
	persisted, err := store.LoadTrades(ctx)
	if err != nil {
		return nil, err
	}
	for _, ref := range persisted {
		if _, ok := r.seen[ref.TradeID]; !ok {
			r.seen[ref.TradeID] = ref
		}
	}
	return r, nil
}

func (r *TradeRegistry) InsertIfAbsent(ctx context.Context, ref TradeRef) (InsertResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.seen[ref.TradeID]; ok {
		r.duplicates++
		metrics.TradeIDDuplicates.Inc()
		return Duplicate, nil
	}
	if r.store != nil {
		inserted, err := r.store.InsertTrade(ctx, ref)
		if err != nil {
			return Duplicate, err
		}
		if !inserted {
			r.seen[ref.TradeID] = ref
			r.duplicates++
			metrics.TradeIDDuplicates.Inc()
			return Duplicate, nil
		}
	}
	r.seen[ref.TradeID] = ref
	return Inserted, nil
}

func (r *TradeRegistry) Lookup(tradeID string) (TradeRef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, ok := r.seen[tradeID]
	return ref, ok
}

func (r *TradeRegistry) Duplicates() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.duplicates
}

func (r *TradeRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}
