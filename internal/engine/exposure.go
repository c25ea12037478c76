package engine

import (
	"fmt"
	"legguard/internal/gates"
	"legguard/internal/ledger"
	"legguard/internal/quant"
	"math"

	"github.com/sirupsen/logrus"
)

// portfolio values ledger-implied positions for the global exposure budget.
type portfolio struct{ e *Engine }

func (p portfolio) ExposureUSD() (map[gates.Bucket]float64, error) {
	out := make(map[gates.Bucket]float64)
	for name, qty := range p.e.tracker.NetPositions() {
		if math.Abs(qty) <= p.e.cfg.Executor.QtyEpsilon {
			continue
		}
		usd, err := p.e.notionalUSD(name, qty)
		if err != nil {
			return nil, err
		}
		inst, _ := p.e.instruments.Instrument(name)
		out[gates.BucketOf(inst.Currency)] += math.Copysign(usd, qty)
	}
	return out, nil
}

// notionalUSD prices a canonical amount. Coin-sized instruments need a mid from the book.
func (e *Engine) notionalUSD(name string, qty float64) (float64, error) {
	inst, ok := e.instruments.Instrument(name)
	if !ok {
		return 0, fmt.Errorf("Нет метаданных инструмента %s для оценки экспозиции.", name)
	}
	coin, err := quant.CoinSized(inst.Kind)
	if err != nil {
		return 0, err
	}
	if !coin {
		return math.Abs(qty), nil
	}
	book, ok := e.books.Book(name)
	if !ok {
		return 0, fmt.Errorf("Нет стакана %s для оценки экспозиции.", name)
	}
	bid, okBid := book.BestBid()
	ask, okAsk := book.BestAsk()
	if !okBid || !okAsk || bid <= 0 || ask <= 0 {
		return 0, fmt.Errorf("Пустой стакан %s для оценки экспозиции.", name)
	}
	size, err := quant.NewOrderSize(inst.Kind, math.Abs(qty), (bid+ask)/2, inst.ContractMultiplier)
	if err != nil {
		return 0, err
	}
	return size.NotionalUSD, nil
}

// seedExposure reserves opens that were in flight when the process stopped. They count against
// the budgets until the reconciler resolves them.
func (e *Engine) seedExposure(inFlight []ledger.Record) {
	bucketOf := func(name string) gates.Bucket {
		inst, _ := e.instruments.Instrument(name)
		return gates.BucketOf(inst.Currency)
	}
	usdOf := func(rec ledger.Record) float64 {
		usd, err := e.notionalUSD(rec.Instrument, rec.Remaining())
		if err != nil {
			e.logEntry().WithError(err).WithField("intent_hash", rec.IntentHash).Warn("Экспозиция намерения не оценена.")
			return 0
		}
		return usd
	}
	e.exposure.Seed(inFlight, bucketOf, usdOf)
	e.logEntry().WithFields(logrus.Fields{
		"reserved": e.exposure.Len(),
	}).Debug("Незавершённые открытия учтены в бюджете.")
}
