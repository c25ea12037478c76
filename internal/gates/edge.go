package gates

import (
	"legguard/internal/models"
	"math"
)

// NetEdgeInput values are USD totals for the whole order. A nil field is a missing input.
type NetEdgeInput struct {
	GrossEdgeUSD        *float64
	FeeUSD              *float64
	ExpectedSlippageUSD *float64
	MinEdgeUSD          *float64
}

func NetEdge(in NetEdgeInput) (float64, error) {
	inputs := []struct {
		name string
		v    *float64
	}{
		{"gross_edge_usd", in.GrossEdgeUSD},
		{"fee_usd", in.FeeUSD},
		{"expected_slippage_usd", in.ExpectedSlippageUSD},
		{"min_edge_usd", in.MinEdgeUSD},
	}
	for _, f := range inputs {
		if f.v == nil || !finite(*f.v) {
			return 0, reject(CodeNetEdgeInputMissing, "%s", f.name)
		}
	}

	net := *in.GrossEdgeUSD - *in.FeeUSD - *in.ExpectedSlippageUSD
	if net < *in.MinEdgeUSD {
		return net, reject(CodeNetEdgeTooLow, "net=%.4f min=%.4f", net, *in.MinEdgeUSD)
	}
	return net, nil
}

type PricerInput struct {
	FairPrice    float64
	GrossEdgeUSD float64
	MinEdgeUSD   float64
	FeeUSD       float64
	Qty          float64
	Side         models.Side
}

type PricerResult struct {
	LimitPrice float64
	// Worst price that still leaves MinEdgeUSD after fees.
	MaxPriceForMinEdge float64
	NetEdgeUSD         float64
}

// Price asks for half the net edge and never beyond the price that keeps the minimum edge.
func Price(in PricerInput) (PricerResult, error) {
	if in.Qty <= 0 || !finite(in.FairPrice) || in.FairPrice <= 0 {
		return PricerResult{}, reject(CodeInvalidInput, "fair=%v qty=%v", in.FairPrice, in.Qty)
	}
	net := in.GrossEdgeUSD - in.FeeUSD
	if net < in.MinEdgeUSD {
		return PricerResult{NetEdgeUSD: net}, reject(CodeNetEdgeTooLow, "pricer net=%.4f min=%.4f", net, in.MinEdgeUSD)
	}

	netPerUnit := net / in.Qty
	floor := (in.MinEdgeUSD + in.FeeUSD) / in.Qty

	res := PricerResult{NetEdgeUSD: net}
	if in.Side == models.SideBuy {
		res.MaxPriceForMinEdge = in.FairPrice - floor
		res.LimitPrice = math.Min(in.FairPrice-0.5*netPerUnit, res.MaxPriceForMinEdge)
	} else {
		res.MaxPriceForMinEdge = in.FairPrice + floor
		res.LimitPrice = math.Max(in.FairPrice+0.5*netPerUnit, res.MaxPriceForMinEdge)
	}
	return res, nil
}

type InventoryInput struct {
	CurrentDelta float64
	PendingDelta float64
	// DeltaLimit <= 0 means the limit is not configured.
	DeltaLimit float64
	Side       models.Side
	MinEdgeUSD float64
	NetEdgeUSD float64
	LimitPrice float64
	TickSize   float64
	K          float64
	PenaltyMax int
}

type InventoryResult struct {
	Bias               float64
	BiasTicks          int
	AdjustedMinEdgeUSD float64
	AdjustedLimitPrice float64
}

// InventorySkew demands more edge and a more passive price when the order adds to inventory
// already leaning the same way, and relaxes both when it reduces it.
func InventorySkew(in InventoryInput) (InventoryResult, error) {
	if !finite(in.DeltaLimit) || in.DeltaLimit <= 0 {
		return InventoryResult{}, reject(CodeInventorySkewDeltaLimitMissing, "delta_limit=%v", in.DeltaLimit)
	}
	for _, v := range []float64{in.CurrentDelta, in.PendingDelta, in.MinEdgeUSD, in.NetEdgeUSD, in.LimitPrice, in.TickSize, in.K} {
		if !finite(v) {
			return InventoryResult{}, reject(CodeInventorySkew, "некорректный вход")
		}
	}
	if in.TickSize <= 0 || in.MinEdgeUSD < 0 || in.K < 0 {
		return InventoryResult{}, reject(CodeInventorySkew, "некорректный вход")
	}

	bias := math.Max(-1, math.Min(1, (in.CurrentDelta+in.PendingDelta)/in.DeltaLimit))
	abs := math.Abs(bias)
	increasing := (in.Side == models.SideBuy && bias > 0) || (in.Side == models.SideSell && bias < 0)

	res := InventoryResult{Bias: bias}
	if increasing {
		res.AdjustedMinEdgeUSD = in.MinEdgeUSD * (1 + in.K*abs)
	} else {
		res.AdjustedMinEdgeUSD = math.Max(0, in.MinEdgeUSD*(1-in.K*abs))
	}

	penalty := in.PenaltyMax
	if penalty < 0 {
		penalty = 0
	}
	res.BiasTicks = int(math.Min(math.Ceil(abs*float64(penalty)), 255))
	shift := float64(res.BiasTicks) * in.TickSize

	// Risk-increasing orders move away from the touch, risk-reducing ones toward it.
	away := -in.Side.Sign()
	if !increasing {
		away = -away
	}
	res.AdjustedLimitPrice = in.LimitPrice + away*shift

	if in.NetEdgeUSD < res.AdjustedMinEdgeUSD {
		return res, reject(CodeInventorySkew, "bias=%.3f net=%.4f min=%.4f", bias, in.NetEdgeUSD, res.AdjustedMinEdgeUSD)
	}
	return res, nil
}
