package gates

import (
	"legguard/internal/models"
	"math"
	"time"
)

type LiquidityInput struct {
	Qty            float64
	Side           models.Side
	Class          models.IntentClass
	Book           *models.OrderBook
	Now            time.Time
	MaxAge         time.Duration
	MaxSlippageBps float64
}

type LiquidityResult struct {
	WAP         float64
	BestPrice   float64
	SlippageBps float64
	FillableQty float64
	// AllowedQty equals Qty for opens; closes and hedges are clamped to visible depth.
	AllowedQty float64
}

// Liquidity walks the taker side of the book within the slippage budget. Opens need the full
// size inside the budget; closes and hedges are clamped to what is there.
func Liquidity(in LiquidityInput) (LiquidityResult, error) {
	if in.Class == models.ClassCancel {
		return LiquidityResult{}, nil
	}
	if !finite(in.Qty) || in.Qty <= 0 || !finite(in.MaxSlippageBps) || in.MaxSlippageBps < 0 {
		return LiquidityResult{}, reject(CodeExpectedSlippageTooHigh, "qty=%v max_bps=%v", in.Qty, in.MaxSlippageBps)
	}

	if in.Book == nil {
		return LiquidityResult{}, reject(CodeLiquidityGateNoL2, "нет стакана")
	}
	book := in.Book
	if book.Timestamp.IsZero() || book.Timestamp.After(in.Now) || in.Now.Sub(book.Timestamp) > in.MaxAge {
		return LiquidityResult{}, reject(CodeLiquidityGateNoL2, "%s стакан устарел", book.Instrument)
	}

	levels := book.Asks
	if in.Side == models.SideSell {
		levels = book.Bids
	}
	if len(levels) == 0 || !finite(levels[0].Price) || levels[0].Price <= 0 {
		return LiquidityResult{}, reject(CodeLiquidityGateNoL2, "%s пустая сторона %s", book.Instrument, in.Side)
	}
	best := levels[0].Price

	inBudget, fillable, ok := fillableDepth(levels, in.Side, best, in.MaxSlippageBps)
	if !ok {
		return LiquidityResult{}, reject(CodeLiquidityGateNoL2, "%s некорректный уровень", book.Instrument)
	}
	if inBudget == 0 {
		return LiquidityResult{}, reject(CodeExpectedSlippageTooHigh, "%s нет глубины в бюджете", book.Instrument)
	}

	allowed := in.Qty
	switch in.Class {
	case models.ClassOpen:
		if fillable+1e-12 < in.Qty {
			return LiquidityResult{}, reject(CodeExpectedSlippageTooHigh, "%s глубина %v < %v", book.Instrument, fillable, in.Qty)
		}
	default:
		allowed = math.Min(fillable, in.Qty)
	}

	wap, _, ok := walk(levels[:inBudget], allowed)
	if !ok {
		return LiquidityResult{}, reject(CodeLiquidityGateNoL2, "%s", book.Instrument)
	}
	slippage := math.Abs((wap - best) / best * 10_000)
	if !finite(slippage) || slippage > in.MaxSlippageBps {
		return LiquidityResult{}, reject(CodeExpectedSlippageTooHigh, "%s slippage_bps=%.2f wap=%v", book.Instrument, slippage, wap)
	}

	return LiquidityResult{
		WAP:         wap,
		BestPrice:   best,
		SlippageBps: slippage,
		FillableQty: fillable,
		AllowedQty:  allowed,
	}, nil
}

func walk(levels []models.BookLevel, qty float64) (wap, filled float64, ok bool) {
	remaining := qty
	cost := 0.0
	for _, l := range levels {
		if remaining <= 0 {
			break
		}
		take := math.Min(remaining, l.Amount)
		cost += take * l.Price
		filled += take
		remaining -= take
	}
	if filled <= 0 || !finite(cost) {
		return 0, 0, false
	}
	return cost / filled, filled, true
}

func fillableDepth(levels []models.BookLevel, side models.Side, best, maxBps float64) (int, float64, bool) {
	budget := maxBps / 10_000
	maxBuy := best * (1 + budget)
	minSell := best * (1 - budget)

	n := 0
	qty := 0.0
	for _, l := range levels {
		if !finite(l.Price) || l.Price <= 0 || !finite(l.Amount) || l.Amount <= 0 {
			return 0, 0, false
		}
		if side == models.SideBuy && l.Price > maxBuy {
			break
		}
		if side == models.SideSell && l.Price < minSell {
			break
		}
		qty += l.Amount
		n++
	}
	return n, qty, true
}
