package quant

import (
	"fmt"
	"legguard/internal/models"
)

type OrderIntent struct {
	Hash       uint64                `json:"-"`
	HashHex    string                `json:"intent_hash"`
	Label      string                `json:"label"`
	Instrument string                `json:"instrument"`
	Kind       models.InstrumentKind `json:"kind"`
	Side       models.Side           `json:"side"`
	Class      models.IntentClass    `json:"class"`
	QtySteps   int64                 `json:"qty_steps"`
	PriceTicks int64                 `json:"price_ticks"`
	Qty        float64               `json:"qty"`
	LimitPrice float64               `json:"limit_price"`
	GroupID    string                `json:"group_id"`
	LegIdx     uint32                `json:"leg_idx"`
	ReduceOnly bool                  `json:"reduce_only"`
}

func (i OrderIntent) Key() IntentKey {
	return IntentKey{
		Instrument: i.Instrument,
		Side:       i.Side,
		QtySteps:   i.QtySteps,
		PriceTicks: i.PriceTicks,
		GroupID:    i.GroupID,
		LegIdx:     i.LegIdx,
	}
}

type IntentSpec struct {
	StrategyID string
	Instrument models.Instrument
	Side       models.Side
	Class      models.IntentClass
	RawQty     float64
	RawPrice   float64
	GroupID    string
	LegIdx     uint32
}

// NewIntent quantizes raw inputs, then hashes and labels them. Callers that already quantized
// use FromQuantized so both paths share the same identity.
func NewIntent(spec IntentSpec) (OrderIntent, error) {
	q, err := Quantize(spec.RawQty, spec.RawPrice, spec.Side, ConstraintsOf(spec.Instrument))
	if err != nil {
		return OrderIntent{}, err
	}
	return FromQuantized(spec, q)
}

func FromQuantized(spec IntentSpec, q Quantized) (OrderIntent, error) {
	if spec.GroupID == "" {
		return OrderIntent{}, fmt.Errorf("%w: пустой group_id", ErrInvalidInput)
	}
	intent := OrderIntent{
		Instrument: spec.Instrument.Name,
		Kind:       spec.Instrument.Kind,
		Side:       spec.Side,
		Class:      spec.Class,
		QtySteps:   q.QtySteps,
		PriceTicks: q.PriceTicks,
		Qty:        q.Qty,
		LimitPrice: q.LimitPrice,
		GroupID:    spec.GroupID,
		LegIdx:     spec.LegIdx,
		ReduceOnly: spec.Class.ReduceOnly(),
	}
	intent.Hash = IntentHash(intent.Key())
	intent.HashHex = FormatHash(intent.Hash)

	label, err := EncodeLabel(spec.StrategyID, spec.GroupID, spec.LegIdx, intent.Hash)
	if err != nil {
		return OrderIntent{}, err
	}
	intent.Label = label
	return intent, nil
}
