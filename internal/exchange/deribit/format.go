package deribit

import (
	"legguard/internal/models"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// formatWithStep renders an already quantized value as an exact multiple of step.
func formatWithStep(value, step float64) string {
	if step <= 0 {
		return strconv.FormatFloat(value, 'f', -1, 64)
	}
	steps := math.Round(value / step)
	return decimal.NewFromFloat(step).Mul(decimal.NewFromFloat(steps)).String()
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func toOrder(o orderInfo) models.Order {
	return models.Order{
		ID:           o.OrderID,
		Label:        o.Label,
		Instrument:   o.Instrument,
		Side:         models.Side(o.Direction),
		Type:         models.OrderType(o.OrderType),
		Price:        o.Price,
		Amount:       o.Amount,
		FilledAmount: o.FilledAmount,
		State:        models.OrderState(o.OrderState),
		ReduceOnly:   o.ReduceOnly,
		TimeInForce:  o.TimeInForce,
		CreatedAt:    millis(o.CreationTS),
		UpdatedAt:    millis(o.LastUpdateTS),
	}
}

func toTrade(t tradeInfo) models.Trade {
	return models.Trade{
		TradeID:    t.TradeID,
		TradeSeq:   t.TradeSeq,
		OrderID:    t.OrderID,
		Label:      t.Label,
		Instrument: t.Instrument,
		Side:       models.Side(t.Direction),
		Price:      t.Price,
		Amount:     t.Amount,
		Timestamp:  millis(t.Timestamp),
	}
}

func toBook(b bookInfo) models.OrderBook {
	book := models.OrderBook{
		Instrument: b.InstrumentName,
		ChangeID:   b.ChangeID,
		Timestamp:  millis(b.Timestamp),
	}
	for _, l := range b.Bids {
		book.Bids = append(book.Bids, models.BookLevel{Price: l[0], Amount: l[1]})
	}
	for _, l := range b.Asks {
		book.Asks = append(book.Asks, models.BookLevel{Price: l[0], Amount: l[1]})
	}
	return book
}

// instrumentKind maps venue kind plus settlement details onto the four supported kinds.
func instrumentKind(info instrumentInfo) (models.InstrumentKind, bool) {
	switch info.Kind {
	case "option":
		return models.KindOption, true
	case "future":
		if info.SettlementPeriod == "perpetual" {
			return models.KindPerpetual, true
		}
		if info.InstrumentType == "linear" || (info.SettlementCurrency != "" && info.SettlementCurrency == info.QuoteCurrency) {
			return models.KindLinearFuture, true
		}
		return models.KindInverseFuture, true
	}
	return "", false
}

func toInstrument(info instrumentInfo) (models.Instrument, bool) {
	kind, ok := instrumentKind(info)
	if !ok {
		return models.Instrument{}, false
	}
	step := info.AmountStep
	if step <= 0 {
		step = info.MinTradeAmount
	}
	inst := models.Instrument{
		Name:               info.InstrumentName,
		Kind:               kind,
		Currency:           info.BaseCurrency,
		TickSize:           info.TickSize,
		AmountStep:         step,
		MinAmount:          info.MinTradeAmount,
		ContractMultiplier: info.ContractSize,
		Active:             info.IsActive,
	}
	if kind != models.KindPerpetual {
		inst.ExpiresAt = millis(info.ExpirationTimestamp)
	}
	return inst, true
}
