package gates

import (
	"legguard/internal/ledger"
	"legguard/internal/models"
	"math"
	"strings"
	"sync"
)

type Bucket string

const (
	BucketBTC  Bucket = "BTC"
	BucketETH  Bucket = "ETH"
	BucketAlts Bucket = "ALTS"
)

func BucketOf(currency string) Bucket {
	switch strings.ToUpper(currency) {
	case "BTC":
		return BucketBTC
	case "ETH":
		return BucketETH
	default:
		return BucketAlts
	}
}

// PortfolioSource reports signed filled exposure in USD per correlation bucket.
type PortfolioSource interface {
	ExposureUSD() (map[Bucket]float64, error)
}

// IntentSource is the ledger view the exposure book follows.
type IntentSource interface {
	Get(hash string) (ledger.Record, bool)
}

// PortfolioDelta folds bucket deltas with fixed conservative correlations:
// BTC/ETH 0.8, BTC/alts 0.6, ETH/alts 0.6.
func PortfolioDelta(btc, eth, alts float64) float64 {
	b, e, a := math.Abs(btc), math.Abs(eth), math.Abs(alts)
	v := b*b + e*e + a*a + 2*0.8*b*e + 2*0.6*b*a + 2*0.6*e*a
	return math.Sqrt(math.Max(v, 0))
}

type BudgetInput struct {
	Current  map[Bucket]float64
	Pending  map[Bucket]float64
	Bucket   Bucket
	DeltaUSD float64
	LimitUSD float64
}

// GlobalBudget rejects an open whose correlation-adjusted portfolio delta, filled plus in flight
// plus the candidate, exceeds the limit. A missing limit rejects.
func GlobalBudget(in BudgetInput) (float64, error) {
	if !finite(in.LimitUSD) || in.LimitUSD <= 0 {
		return 0, reject(CodeGlobalExposureBudgetExceeded, "лимит не задан")
	}
	combined := map[Bucket]float64{}
	for _, m := range []map[Bucket]float64{in.Current, in.Pending} {
		for b, v := range m {
			combined[b] += v
		}
	}
	combined[in.Bucket] += in.DeltaUSD
	for b, v := range combined {
		if !finite(v) {
			return 0, reject(CodeGlobalExposureBudgetExceeded, "%s некорректная экспозиция", b)
		}
	}

	portfolio := PortfolioDelta(combined[BucketBTC], combined[BucketETH], combined[BucketAlts])
	if portfolio > in.LimitUSD {
		return portfolio, reject(CodeGlobalExposureBudgetExceeded, "portfolio=%.2f limit=%.2f", portfolio, in.LimitUSD)
	}
	return portfolio, nil
}

// Reservation is the exposure an open intent adds until it is terminal.
type Reservation struct {
	IntentHash string
	Instrument string
	Bucket     Bucket
	// Delta is signed, in canonical units. DeltaUSD is the signed notional.
	Delta    float64
	DeltaUSD float64
}

type reservation struct {
	Reservation
	qty float64
}

// ExposureBook holds pending open exposure from authorization until the ledger shows the intent
// terminal. Checks and reservations happen under one lock so concurrent opens cannot both fit
// into the same headroom.
type ExposureBook struct {
	mu         sync.Mutex
	deltaLimit float64
	globalUSD  float64
	intents    IntentSource
	res        map[string]reservation
}

func NewExposureBook(deltaLimit, globalUSD float64, intents IntentSource) *ExposureBook {
	return &ExposureBook{
		deltaLimit: deltaLimit,
		globalUSD:  globalUSD,
		intents:    intents,
		res:        make(map[string]reservation),
	}
}

// Seed reserves the unfilled part of replayed in-flight opens without checking limits.
func (b *ExposureBook) Seed(recs []ledger.Record, bucketOf func(instrument string) Bucket, usdOf func(rec ledger.Record) float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, rec := range recs {
		if rec.Class != models.ClassOpen || rec.State.Terminal() {
			continue
		}
		sign := rec.Side.Sign()
		b.res[rec.IntentHash] = reservation{
			Reservation: Reservation{
				IntentHash: rec.IntentHash,
				Instrument: rec.Instrument,
				Bucket:     bucketOf(rec.Instrument),
				Delta:      sign * rec.Remaining(),
				DeltaUSD:   sign * math.Abs(usdOf(rec)),
			},
			qty: rec.Remaining(),
		}
	}
}

// Reserve checks the per-instrument worst case and the global budget, then holds the exposure.
// current is the filled position of the instrument; portfolio is filled USD per bucket.
func (b *ExposureBook) Reserve(r Reservation, current float64, portfolio map[Bucket]float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.syncLocked()

	if !finite(b.deltaLimit) || b.deltaLimit <= 0 {
		return reject(CodePendingExposureBudgetExceeded, "delta_limit=%v", b.deltaLimit)
	}
	if !finite(current) || !finite(r.Delta) || !finite(r.DeltaUSD) {
		return reject(CodePendingExposureBudgetExceeded, "%s некорректная экспозиция", r.Instrument)
	}

	long, short := b.sidesLocked(r.Instrument)
	if r.Delta >= 0 {
		long += r.Delta
	} else {
		short += r.Delta
	}
	if math.Abs(current+long) > b.deltaLimit || math.Abs(current+short) > b.deltaLimit {
		return reject(CodePendingExposureBudgetExceeded, "%s current=%v long=%v short=%v limit=%v", r.Instrument, current, long, short, b.deltaLimit)
	}

	if _, err := GlobalBudget(BudgetInput{
		Current:  portfolio,
		Pending:  b.pendingUSDLocked(),
		Bucket:   r.Bucket,
		DeltaUSD: r.DeltaUSD,
		LimitUSD: b.globalUSD,
	}); err != nil {
		return err
	}

	b.res[r.IntentHash] = reservation{Reservation: r, qty: math.Abs(r.Delta)}
	return nil
}

// Release drops a reservation whose intent never made it into the ledger.
func (b *ExposureBook) Release(hash string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.res[hash]
	delete(b.res, hash)
	return ok
}

// Pending returns the signed reserved exposure of an instrument.
func (b *ExposureBook) Pending(instrument string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.syncLocked()
	long, short := b.sidesLocked(instrument)
	return long + short
}

func (b *ExposureBook) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.syncLocked()
	return len(b.res)
}

// syncLocked follows the ledger: terminal intents release, partial fills shrink the reservation
// because the filled part now shows up as current exposure.
func (b *ExposureBook) syncLocked() {
	if b.intents == nil {
		return
	}
	for hash, r := range b.res {
		rec, ok := b.intents.Get(hash)
		if !ok {
			continue
		}
		if rec.State.Terminal() {
			delete(b.res, hash)
			continue
		}
		if r.qty <= 0 {
			continue
		}
		scale := rec.Remaining() / r.qty
		r.Delta = math.Copysign(rec.Remaining(), r.Delta)
		r.DeltaUSD *= scale
		r.qty = rec.Remaining()
		b.res[hash] = r
	}
}

func (b *ExposureBook) sidesLocked(instrument string) (long, short float64) {
	for _, r := range b.res {
		if r.Instrument != instrument {
			continue
		}
		if r.Delta >= 0 {
			long += r.Delta
		} else {
			short += r.Delta
		}
	}
	return long, short
}

func (b *ExposureBook) pendingUSDLocked() map[Bucket]float64 {
	out := make(map[Bucket]float64)
	for _, r := range b.res {
		out[r.Bucket] += r.DeltaUSD
	}
	return out
}
