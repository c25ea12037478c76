package quant

import (
	"errors"
	"fmt"
	"legguard/internal/models"
	"math"

	"github.com/shopspring/decimal"
)

var (
	ErrTooSmallAfterQuantization = errors.New("Объём меньше минимального после квантования.")
	ErrInstrumentMetadataMissing = errors.New("Нет ограничений инструмента.")
	ErrInvalidInput              = errors.New("Некорректные входные данные.")
)

type Constraints struct {
	TickSize   float64
	AmountStep float64
	MinAmount  float64
}

func ConstraintsOf(inst models.Instrument) Constraints {
	return Constraints{
		TickSize:   inst.TickSize,
		AmountStep: inst.AmountStep,
		MinAmount:  inst.MinAmount,
	}
}

func (c Constraints) validate() error {
	if !(c.TickSize > 0) || !(c.AmountStep > 0) || math.IsInf(c.TickSize, 0) || math.IsInf(c.AmountStep, 0) {
		return ErrInstrumentMetadataMissing
	}
	if c.MinAmount < 0 || math.IsNaN(c.MinAmount) || math.IsInf(c.MinAmount, 0) {
		return ErrInstrumentMetadataMissing
	}
	return nil
}

type Quantized struct {
	QtySteps   int64
	PriceTicks int64
	Qty        float64
	LimitPrice float64
}

// Quantize rounds size down to the amount step and the price to the tick on the side that never
// worsens the fill: buys round down, sells round up.
func Quantize(rawQty, rawPrice float64, side models.Side, c Constraints) (Quantized, error) {
	if err := c.validate(); err != nil {
		return Quantized{}, err
	}
	if !finite(rawQty) || !finite(rawPrice) || rawQty < 0 || rawPrice <= 0 {
		return Quantized{}, fmt.Errorf("%w: qty=%v price=%v", ErrInvalidInput, rawQty, rawPrice)
	}
	if side != models.SideBuy && side != models.SideSell {
		return Quantized{}, fmt.Errorf("%w: side=%q", ErrInvalidInput, side)
	}

	step := decimal.NewFromFloat(c.AmountStep)
	tick := decimal.NewFromFloat(c.TickSize)

	steps := decimal.NewFromFloat(rawQty).Div(step).Floor()
	ticksRaw := decimal.NewFromFloat(rawPrice).Div(tick)
	var ticks decimal.Decimal
	if side == models.SideBuy {
		ticks = ticksRaw.Floor()
	} else {
		ticks = ticksRaw.Ceil()
	}

	if !steps.IsInteger() || !ticks.IsInteger() || steps.Abs().GreaterThan(maxSteps) || ticks.Abs().GreaterThan(maxSteps) {
		return Quantized{}, fmt.Errorf("%w: вне диапазона", ErrInvalidInput)
	}

	q := Quantized{
		QtySteps:   steps.IntPart(),
		PriceTicks: ticks.IntPart(),
		Qty:        steps.Mul(step).InexactFloat64(),
		LimitPrice: ticks.Mul(tick).InexactFloat64(),
	}

	if q.Qty < c.MinAmount || q.QtySteps == 0 {
		return q, fmt.Errorf("%w: %s < %s", ErrTooSmallAfterQuantization, formatPlain(q.Qty), formatPlain(c.MinAmount))
	}
	return q, nil
}

// QuantizeQty floors a quantity to the step without touching price.
func QuantizeQty(rawQty, step float64) float64 {
	if !(step > 0) || !finite(rawQty) {
		return 0
	}
	s := decimal.NewFromFloat(step)
	return decimal.NewFromFloat(rawQty).Div(s).Floor().Mul(s).InexactFloat64()
}

// RoundPrice applies side-safe tick rounding to an already computed price.
func RoundPrice(price, tick float64, side models.Side) float64 {
	if !(tick > 0) || !finite(price) {
		return price
	}
	t := decimal.NewFromFloat(tick)
	r := decimal.NewFromFloat(price).Div(t)
	if side == models.SideBuy {
		r = r.Floor()
	} else {
		r = r.Ceil()
	}
	return r.Mul(t).InexactFloat64()
}

var maxSteps = decimal.NewFromInt(math.MaxInt64 / 2)

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func formatPlain(v float64) string {
	return decimal.NewFromFloat(v).String()
}
