package gates

import (
	"context"
	"errors"
	"legguard/internal/config"
	"legguard/internal/ledger"
	"legguard/internal/logger"
	"legguard/internal/models"
	"legguard/internal/policy"
	"legguard/internal/quant"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type Step string

const (
	StepDispatchAuth        Step = "dispatch_auth"
	StepPreflight           Step = "preflight"
	StepQuantize            Step = "quantize"
	StepDispatchConsistency Step = "dispatch_consistency"
	StepFees                Step = "fee_cache"
	StepLiquidity           Step = "liquidity"
	StepNetEdge             Step = "net_edge"
	StepPricer              Step = "pricer"
	StepInventorySkew       Step = "inventory_skew"
	StepExposureBudget      Step = "exposure_budget"
	StepRecorded            Step = "recorded_before_dispatch"
)

type ModeSource interface {
	Current() policy.Decision
}

type BrownoutSource interface {
	Brownout() bool
}

type ChurnSource interface {
	Blocked(fingerprint string) bool
}

type BookSource interface {
	Book(instrument string) (models.OrderBook, bool)
}

type PauseSource interface {
	Paused(instrument string) (bool, string)
}

// InventorySource reports signed exposure in canonical units: filled position and not yet
// filled in-flight intents.
type InventorySource interface {
	Inventory(instrument string) (current, pending float64)
}

type IntentRecorder interface {
	Append(ctx context.Context, rec ledger.Record) error
}

type Settings struct {
	StrategyID         string
	LinkedAllowed      bool
	ExpiryBuffer       time.Duration
	MaxSlippageBps     float64
	L2MaxAge           time.Duration
	Fees               FeePolicy
	ContractsTolerance float64
	MinEdgeUSD         float64
	DeltaLimit         float64
	SkewK              float64
	PenaltyMax         int
	GlobalDeltaUSD     float64
}

func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		StrategyID:     cfg.Strategy.ID,
		LinkedAllowed:  cfg.Exchange.LinkedOrdersCapable && cfg.Strategy.EnableLinkedOrders,
		ExpiryBuffer:   cfg.Gates.ExpiryDelistBuffer,
		MaxSlippageBps: cfg.Gates.MaxSlippageBps,
		L2MaxAge:       cfg.Gates.L2MaxAge,
		Fees: FeePolicy{
			SoftStale:   cfg.Gates.FeeSoftStale,
			HardStale:   cfg.Gates.FeeHardStale,
			StaleBuffer: cfg.Gates.FeeStaleBuffer,
		},
		ContractsTolerance: cfg.Gates.ContractsTolerance,
		MinEdgeUSD:         cfg.Strategy.MinEdgeUSD,
		DeltaLimit:         cfg.Strategy.DeltaLimit,
		SkewK:              cfg.Strategy.InventorySkewK,
		PenaltyMax:         cfg.Strategy.InventoryPenaltyMax,
		GlobalDeltaUSD:     cfg.Gates.GlobalDeltaLimitUSD,
	}
}

type Deps struct {
	Mode      ModeSource
	Limiter   BrownoutSource
	Churn     ChurnSource
	Books     BookSource
	Pauses    PauseSource
	Inventory InventorySource
	Portfolio PortfolioSource
	Exposure  *ExposureBook
	Fees      *FeeCache
	Margin    *MarginMonitor
	Ledger    IntentRecorder
	Log       *logger.Logger
	Now       func() time.Time
}

type Request struct {
	Instrument models.Instrument
	Side       models.Side
	Class      models.IntentClass
	Shape      OrderShape
	Qty        float64
	// LimitPrice is used as given for closes, hedges and rescues, and for opens without a fair price.
	LimitPrice   float64
	FairPrice    float64
	GrossEdgeUSD *float64
	IndexPrice   float64
	Contracts    *int64
	GroupID      string
	LegIdx       uint32
	Fingerprint  string
}

type Approved struct {
	Intent     quant.OrderIntent
	Size       quant.OrderSize
	Amount     float64
	Fee        FeeEvaluation
	Liquidity  LiquidityResult
	NetEdgeUSD float64
	Skew       InventoryResult
	Trace      []Step
}

// Chokepoint is the only path from a request to a recorded, dispatchable intent.
type Chokepoint struct {
	settings Settings
	deps     Deps
}

func NewChokepoint(settings Settings, deps Deps) *Chokepoint {
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Fees == nil {
		deps.Fees = NewFeeCache()
	}
	if deps.Exposure == nil {
		var intents IntentSource
		if src, ok := deps.Ledger.(IntentSource); ok {
			intents = src
		}
		deps.Exposure = NewExposureBook(settings.DeltaLimit, settings.GlobalDeltaUSD, intents)
	}
	return &Chokepoint{settings: settings, deps: deps}
}

// Authorize runs every gate in fixed order and appends the intent to the ledger. A nil error
// means the intent is recorded and may be sent. Cancels only pass the mode check.
func (c *Chokepoint) Authorize(ctx context.Context, req Request) (Approved, error) {
	var out Approved
	now := c.deps.Now()
	inst := req.Instrument
	step := func(s Step) { out.Trace = append(out.Trace, s) }
	fail := func(err error) (Approved, error) {
		c.logReject(req, out.Trace, err)
		return out, err
	}

	step(StepDispatchAuth)
	if err := c.dispatchAuth(req); err != nil {
		return fail(err)
	}
	if req.Class == models.ClassCancel {
		return out, nil
	}

	step(StepPreflight)
	rules := PreflightRules{LinkedAllowed: c.settings.LinkedAllowed, ExpiryBuffer: c.settings.ExpiryBuffer}
	if err := Preflight(inst, req.Class, req.Shape, rules, now); err != nil {
		return fail(err)
	}

	step(StepQuantize)
	price := req.LimitPrice
	if req.Class == models.ClassOpen && req.FairPrice > 0 {
		price = req.FairPrice
	}
	constraints := quant.ConstraintsOf(inst)
	q, err := quant.Quantize(req.Qty, price, req.Side, constraints)
	if err != nil {
		return fail(quantReject(err))
	}

	step(StepDispatchConsistency)
	size, amount, err := c.size(req, q.Qty, q.LimitPrice)
	if err != nil {
		return fail(err)
	}

	step(StepFees)
	rate, cachedAt := c.deps.Fees.Snapshot()
	out.Fee = EvaluateFees(rate, cachedAt, now, c.settings.Fees)
	if out.Fee.Staleness == FeeHardStale && req.Class == models.ClassOpen {
		return fail(reject(CodeFeeCacheStale, "age=%s", out.Fee.Age))
	}

	step(StepLiquidity)
	var book *models.OrderBook
	if c.deps.Books != nil {
		if b, ok := c.deps.Books.Book(inst.Name); ok {
			book = &b
		}
	}
	out.Liquidity, err = Liquidity(LiquidityInput{
		Qty:            q.Qty,
		Side:           req.Side,
		Class:          req.Class,
		Book:           book,
		Now:            now,
		MaxAge:         c.settings.L2MaxAge,
		MaxSlippageBps: c.settings.MaxSlippageBps,
	})
	if err != nil {
		return fail(err)
	}
	if out.Liquidity.AllowedQty+1e-12 < q.Qty {
		// Risk-reducing size clamped to visible depth.
		q, err = quant.Quantize(out.Liquidity.AllowedQty, q.LimitPrice, req.Side, constraints)
		if err != nil {
			return fail(quantReject(err))
		}
		if size, amount, err = c.size(req, q.Qty, q.LimitPrice); err != nil {
			return fail(err)
		}
	}

	if req.Class == models.ClassOpen {
		if q, err = c.openEdge(req, q, size, &out); err != nil {
			return fail(err)
		}
	}

	intent, err := quant.FromQuantized(quant.IntentSpec{
		StrategyID: c.settings.StrategyID,
		Instrument: inst,
		Side:       req.Side,
		Class:      req.Class,
		GroupID:    req.GroupID,
		LegIdx:     req.LegIdx,
	}, q)
	if err != nil {
		return fail(quantReject(err))
	}
	out.Intent = intent
	out.Size = size
	out.Amount = amount

	reserved := false
	if req.Class == models.ClassOpen {
		step(StepExposureBudget)
		if err := c.reserve(req, intent, size); err != nil {
			return fail(err)
		}
		reserved = true
	}

	step(StepRecorded)
	if err := c.deps.Ledger.Append(ctx, ledger.RecordFromIntent(intent, now)); err != nil {
		if reserved && !errors.Is(err, ledger.ErrDuplicateIntent) {
			c.deps.Exposure.Release(intent.HashHex)
		}
		if errors.Is(err, ledger.ErrDuplicateIntent) {
			return fail(rejectErr(CodeDuplicateIntent, err))
		}
		return fail(rejectErr(CodeWalAppendFailed, err))
	}
	return out, nil
}

func (c *Chokepoint) dispatchAuth(req Request) error {
	if req.Class != models.ClassOpen {
		return nil
	}

	d := c.deps.Mode.Current()
	switch d.Mode {
	case models.ModeKill:
		return reject(CodeTradingModeKill, "%s", strings.Join(d.Reasons, ","))
	case models.ModeReduceOnly:
		return reject(CodeTradingModeReduceOnly, "%s", strings.Join(d.Reasons, ","))
	}
	if c.deps.Limiter != nil && c.deps.Limiter.Brownout() {
		return reject(CodeRateLimitBrownout, "")
	}
	if c.deps.Pauses != nil {
		if paused, why := c.deps.Pauses.Paused(req.Instrument.Name); paused {
			return reject(CodeFeedGap, "%s %s", req.Instrument.Name, why)
		}
	}
	fp := req.Fingerprint
	if fp == "" {
		fp = req.Instrument.Name
	}
	if c.deps.Churn != nil && c.deps.Churn.Blocked(fp) {
		return reject(CodeChurnBreakerActive, "%s", fp)
	}
	if c.deps.Margin != nil {
		if m := c.deps.Margin.Evaluate(); m.RejectOpens {
			return reject(CodeMarginHeadroomRejectOpens, "mm_util=%.4f", m.Utilization)
		}
	}
	return nil
}

func (c *Chokepoint) size(req Request, qty, price float64) (quant.OrderSize, float64, error) {
	inst := req.Instrument
	index := req.IndexPrice
	if index <= 0 {
		index = price
	}
	size, err := quant.NewOrderSize(inst.Kind, qty, index, inst.ContractMultiplier)
	if err != nil {
		return size, 0, quantReject(err)
	}
	if req.Contracts != nil {
		n := *req.Contracts
		size.Contracts = &n
	}
	if err := quant.ValidateContracts(size, inst.Kind, inst.ContractMultiplier, c.settings.ContractsTolerance); err != nil {
		r := rejectErr(CodeContractsAmountMismatch, err)
		r.Degraded = true
		return size, 0, r
	}
	amount, err := quant.CanonicalAmount(size, inst.Kind)
	if err != nil {
		return size, 0, quantReject(err)
	}
	return size, amount, nil
}

// openEdge runs the edge gates and returns the final side-safe quantized price.
func (c *Chokepoint) openEdge(req Request, q quant.Quantized, size quant.OrderSize, out *Approved) (quant.Quantized, error) {
	notional := size.NotionalUSD
	fee := notional * out.Fee.EffectiveRate
	slippage := notional * out.Liquidity.SlippageBps / 10_000
	minEdge := c.settings.MinEdgeUSD

	out.Trace = append(out.Trace, StepNetEdge)
	net, err := NetEdge(NetEdgeInput{
		GrossEdgeUSD:        req.GrossEdgeUSD,
		FeeUSD:              &fee,
		ExpectedSlippageUSD: &slippage,
		MinEdgeUSD:          &minEdge,
	})
	out.NetEdgeUSD = net
	if err != nil {
		return q, err
	}

	price := q.LimitPrice
	if req.FairPrice > 0 {
		out.Trace = append(out.Trace, StepPricer)
		coinQty := q.Qty
		if size.QtyCoin != nil {
			coinQty = *size.QtyCoin
		}
		pr, err := Price(PricerInput{
			FairPrice:    req.FairPrice,
			GrossEdgeUSD: *req.GrossEdgeUSD,
			MinEdgeUSD:   minEdge,
			FeeUSD:       fee,
			Qty:          coinQty,
			Side:         req.Side,
		})
		if err != nil {
			return q, err
		}
		price = pr.LimitPrice
	}

	out.Trace = append(out.Trace, StepInventorySkew)
	var current, pending float64
	if c.deps.Inventory != nil {
		current, pending = c.deps.Inventory.Inventory(req.Instrument.Name)
	}
	skew, err := InventorySkew(InventoryInput{
		CurrentDelta: current,
		PendingDelta: pending,
		DeltaLimit:   c.settings.DeltaLimit,
		Side:         req.Side,
		MinEdgeUSD:   minEdge,
		NetEdgeUSD:   net,
		LimitPrice:   price,
		TickSize:     req.Instrument.TickSize,
		K:            c.settings.SkewK,
		PenaltyMax:   c.settings.PenaltyMax,
	})
	out.Skew = skew
	if err != nil {
		return q, err
	}

	requant, err := quant.Quantize(q.Qty, skew.AdjustedLimitPrice, req.Side, quant.ConstraintsOf(req.Instrument))
	if err != nil {
		return q, quantReject(err)
	}
	return requant, nil
}

// reserve holds the open's exposure against the per-instrument and global budgets. Both count
// filled exposure plus every open still in flight.
func (c *Chokepoint) reserve(req Request, intent quant.OrderIntent, size quant.OrderSize) error {
	var current float64
	if c.deps.Inventory != nil {
		current, _ = c.deps.Inventory.Inventory(req.Instrument.Name)
	}
	portfolio := map[Bucket]float64{}
	if c.deps.Portfolio != nil {
		p, err := c.deps.Portfolio.ExposureUSD()
		if err != nil {
			return rejectErr(CodeGlobalExposureBudgetExceeded, err)
		}
		portfolio = p
	}
	sign := req.Side.Sign()
	return c.deps.Exposure.Reserve(Reservation{
		IntentHash: intent.HashHex,
		Instrument: req.Instrument.Name,
		Bucket:     BucketOf(req.Instrument.Currency),
		Delta:      sign * intent.Qty,
		DeltaUSD:   sign * size.NotionalUSD,
	}, current, portfolio)
}

func quantReject(err error) *Rejection {
	switch {
	case errors.Is(err, quant.ErrTooSmallAfterQuantization):
		return rejectErr(CodeTooSmallAfterQuantization, err)
	case errors.Is(err, quant.ErrInstrumentMetadataMissing), errors.Is(err, quant.ErrUnknownInstrumentKind):
		return rejectErr(CodeInstrumentMetadataMissing, err)
	case errors.Is(err, quant.ErrLabelTooLong):
		return rejectErr(CodeLabelTooLong, err)
	default:
		return rejectErr(CodeInvalidInput, err)
	}
}

func (c *Chokepoint) logReject(req Request, trace []Step, err error) {
	code, _ := CodeOf(err)
	var gate Step
	if len(trace) > 0 {
		gate = trace[len(trace)-1]
	}
	c.logEntry().WithFields(logrus.Fields{
		"code":       code,
		"gate":       gate,
		"instrument": req.Instrument.Name,
		"side":       req.Side,
		"class":      req.Class,
		"group_id":   req.GroupID,
		"leg_idx":    req.LegIdx,
	}).WithError(err).Warn("Заявка отклонена до отправки.")
}

func (c *Chokepoint) logEntry() *logrus.Entry {
	return c.deps.Log.WithComponent("gates")
}
