package reconcile

import (
	"legguard/internal/ledger"
	"legguard/internal/metrics"
	"legguard/internal/models"
	"legguard/internal/quant"
	"math"
)

type MatchOutcome int

const (
	NoMatch MatchOutcome = iota
	Matched
	Ambiguous
)

type MatchQuery struct {
	Label      quant.Label
	Instrument string
	Side       models.Side
	Qty        float64
}

// MatchLabel finds the ledger intent behind a venue label. Candidates share gid12 and leg index;
// ties are broken by ih16, instrument, side and quantity, each step narrowing only when it keeps
// at least one candidate. Anything still ambiguous is counted and must degrade risk.
func MatchLabel(q MatchQuery, records []ledger.Record) (ledger.Record, MatchOutcome, int) {
	var candidates []ledger.Record
	for _, rec := range records {
		l, err := quant.DecodeLabel(rec.Label)
		if err != nil {
			continue
		}
		if l.GID12 == q.Label.GID12 && l.LegIdx == q.Label.LegIdx {
			candidates = append(candidates, rec)
		}
	}
	if len(candidates) == 0 {
		return ledger.Record{}, NoMatch, 0
	}

	breakers := []func(ledger.Record) bool{
		func(r ledger.Record) bool { return r.IntentHash == q.Label.IH16 },
		func(r ledger.Record) bool { return r.Instrument == q.Instrument },
		func(r ledger.Record) bool { return r.Side == q.Side },
		func(r ledger.Record) bool { return math.Abs(r.Qty-q.Qty) < 1e-9 },
	}
	for _, keep := range breakers {
		if len(candidates) == 1 {
			break
		}
		var narrowed []ledger.Record
		for _, c := range candidates {
			if keep(c) {
				narrowed = append(narrowed, c)
			}
		}
		if len(narrowed) > 0 {
			candidates = narrowed
		}
	}

	if len(candidates) == 1 {
		return candidates[0], Matched, 1
	}
	metrics.LabelAmbiguities.Inc()
	return ledger.Record{}, Ambiguous, len(candidates)
}
