package reconcile

import (
	"context"
	"errors"
	"fmt"
	"legguard/internal/attribution"
	"legguard/internal/exchange"
	"legguard/internal/ledger"
	"legguard/internal/legs"
	"legguard/internal/logger"
	"legguard/internal/metrics"
	"legguard/internal/models"
	"legguard/internal/policy"
	"legguard/internal/quant"
	"legguard/internal/ratelimit"
	"legguard/internal/tlsm"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	ReasonStartup   = "startup"
	ReasonTimer     = "timer"
	ReasonGap       = "gap"
	ReasonReconnect = "reconnect"
	ReasonOrphan    = "orphan_fill"
	ReasonLiveness  = "liveness"
	ReasonSession   = "session_terminated"
)

type Publisher interface {
	Publish(ev attribution.Event) error
}

type Options struct {
	Currency        string
	StrategyID      string
	Interval        time.Duration
	TradeLookback   time.Duration
	StaleOrder      time.Duration
	PositionEpsilon float64
	QtyEpsilon      float64
}

type Deps struct {
	Venue     exchange.Venue
	Legs      *legs.Tracker
	Latch     *policy.OpenLatch
	Incidents Publisher
	// AfterPass sees every finished pass, clean or not.
	AfterPass func(Report)
	Log       *logger.Logger
	Now       func() time.Time
}

// PositionGap is a per-instrument difference between the venue and ledger-implied fills.
type PositionGap struct {
	Instrument string  `json:"instrument"`
	Venue      float64 `json:"venue"`
	Ledger     float64 `json:"ledger"`
}

type Report struct {
	Reason         string        `json:"reason"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
	TradesApplied  int           `json:"trades_applied"`
	Duplicates     int           `json:"duplicates"`
	OrphanFills    int           `json:"orphan_fills"`
	UnknownTrades  []string      `json:"unknown_trades,omitempty"`
	GhostsCanceled []string      `json:"ghosts_canceled,omitempty"`
	Ambiguous      []string      `json:"ambiguous,omitempty"`
	StaleResolved  []string      `json:"stale_resolved,omitempty"`
	Positions      []PositionGap `json:"position_gaps,omitempty"`
	Errors         []string      `json:"errors,omitempty"`
}

// Clean means nothing was left unexplained. Only a clean pass clears the open latch.
func (r Report) Clean() bool {
	return len(r.UnknownTrades) == 0 && len(r.Ambiguous) == 0 && len(r.Positions) == 0 && len(r.Errors) == 0
}

// Reconciler cross-checks venue truth against the ledger. Authority order is trades, then
// orders, then positions, then the ledger. It never resends an intent.
type Reconciler struct {
	opts    Options
	deps    Deps
	sid8    string
	trigger chan string

	pass sync.Mutex

	mu    sync.Mutex
	last  Report
	ran   bool
	dirty bool
}

func New(opts Options, deps Deps) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.TradeLookback <= 0 {
		opts.TradeLookback = time.Hour
	}
	if opts.StaleOrder <= 0 {
		opts.StaleOrder = 30 * time.Second
	}
	if opts.PositionEpsilon <= 0 {
		opts.PositionEpsilon = 1e-9
	}
	if opts.QtyEpsilon <= 0 {
		opts.QtyEpsilon = 1e-9
	}
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Reconciler{
		opts:    opts,
		deps:    deps,
		sid8:    quant.DeriveSID8(opts.StrategyID),
		trigger: make(chan string, 8),
		dirty:   true,
	}
}

func (r *Reconciler) logEntry() *logrus.Entry {
	return r.deps.Log.WithComponent("reconcile")
}

// Trigger asks the loop for an out-of-band pass. Requests collapse while one is queued.
func (r *Reconciler) Trigger(reason string) {
	select {
	case r.trigger <- reason:
	default:
	}
}

func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		var reason string
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reason = ReasonTimer
		case reason = <-r.trigger:
		}
		if _, err := r.Reconcile(ctx, reason); err != nil && ctx.Err() == nil {
			r.logEntry().WithError(err).WithField("reason", reason).Error("Сверка не выполнена.")
		}
	}
}

// Reconcile runs one full pass. Passes are serialized.
func (r *Reconciler) Reconcile(ctx context.Context, reason string) (Report, error) {
	r.pass.Lock()
	defer r.pass.Unlock()

	// Venue reads of a pass are safety traffic and must not be shed with market data.
	ctx = exchange.WithPriority(ctx, ratelimit.PriorityCancel)
	rep := Report{Reason: reason, StartedAt: r.deps.Now()}
	since := rep.StartedAt.Add(-r.opts.TradeLookback)

	trades, err := r.deps.Venue.GetUserTrades(ctx, r.opts.Currency, since)
	if err != nil {
		return r.fail(rep, fmt.Errorf("Не удалось получить сделки: %w", err))
	}
	orders, err := r.deps.Venue.GetOpenOrders(ctx, r.opts.Currency)
	if err != nil {
		return r.fail(rep, fmt.Errorf("Не удалось получить заявки: %w", err))
	}
	positions, err := r.deps.Venue.GetPositions(ctx, r.opts.Currency)
	if err != nil {
		return r.fail(rep, fmt.Errorf("Не удалось получить позиции: %w", err))
	}

	r.applyTrades(ctx, trades, &rep)
	live := r.applyOrders(ctx, orders, &rep)
	r.resolveStale(ctx, live, &rep)
	r.comparePositions(positions, &rep)

	rep.Duration = r.deps.Now().Sub(rep.StartedAt)
	r.finish(rep)
	return rep, nil
}

func (r *Reconciler) fail(rep Report, err error) (Report, error) {
	rep.Errors = append(rep.Errors, err.Error())
	rep.Duration = r.deps.Now().Sub(rep.StartedAt)
	r.finish(rep)
	return rep, err
}

func (r *Reconciler) finish(rep Report) {
	clean := rep.Clean()
	r.mu.Lock()
	r.last, r.ran, r.dirty = rep, true, !clean
	r.mu.Unlock()
	if r.deps.AfterPass != nil {
		defer r.deps.AfterPass(rep)
	}

	entry := r.logEntry().WithFields(logrus.Fields{
		"reason":   rep.Reason,
		"applied":  rep.TradesApplied,
		"orphans":  rep.OrphanFills,
		"ghosts":   len(rep.GhostsCanceled),
		"stale":    len(rep.StaleResolved),
		"duration": rep.Duration.String(),
	})
	if clean {
		if r.deps.Latch != nil {
			r.deps.Latch.Clear()
		}
		entry.Debug("Сверка завершена без расхождений.")
		return
	}
	entry.WithFields(logrus.Fields{
		"unknown":   rep.UnknownTrades,
		"ambiguous": rep.Ambiguous,
		"positions": rep.Positions,
		"errors":    rep.Errors,
	}).Warn("Сверка нашла расхождения.")
	r.publish(attribution.Event{Kind: attribution.KindReconcile, Data: map[string]any{
		"reason":    rep.Reason,
		"unknown":   rep.UnknownTrades,
		"ambiguous": rep.Ambiguous,
		"positions": rep.Positions,
		"errors":    rep.Errors,
	}})
}

// resolve maps a venue label to a ledger intent. When the ih16 lookup fails the label matcher
// runs over all records of our strategy.
func (r *Reconciler) resolve(orderID, label, instrument string, side models.Side, qty float64) (ledger.Record, MatchOutcome, int) {
	if rec, ok := r.deps.Legs.Resolve(orderID, label); ok {
		return rec, Matched, 1
	}
	l, err := quant.DecodeLabel(label)
	if err != nil {
		return ledger.Record{}, NoMatch, 0
	}
	return MatchLabel(MatchQuery{Label: l, Instrument: instrument, Side: side, Qty: qty}, r.deps.Legs.Ledger().All())
}

func (r *Reconciler) applyTrades(ctx context.Context, trades []models.Trade, rep *Report) {
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].Timestamp.Before(trades[j].Timestamp)
	})
	for _, tr := range trades {
		if !quant.IsOurs(tr.Label, r.sid8) {
			continue
		}
		rec, outcome, n := r.resolve(tr.OrderID, tr.Label, tr.Instrument, tr.Side, tr.Amount)
		switch outcome {
		case NoMatch:
			rep.UnknownTrades = append(rep.UnknownTrades, tr.TradeID)
			continue
		case Ambiguous:
			rep.Ambiguous = append(rep.Ambiguous, tr.Label)
			r.logEntry().WithFields(logrus.Fields{"trade_id": tr.TradeID, "label": tr.Label, "candidates": n}).
				Error("Неоднозначное сопоставление метки сделки.")
			continue
		}

		tr.Label = rec.Label
		res, applied, err := r.deps.Legs.ApplyTrade(ctx, tr)
		if err != nil {
			rep.Errors = append(rep.Errors, err.Error())
			continue
		}
		if !applied {
			rep.Duplicates++
			continue
		}
		rep.TradesApplied++
		if orphan(res.Anomaly) {
			rep.OrphanFills++
			metrics.OrphanFills.Inc()
			r.deps.Log.WithGroupID(rec.GroupID).WithFields(logrus.Fields{
				"component":   "reconcile",
				"intent_hash": rec.IntentHash,
				"trade_id":    tr.TradeID,
				"anomaly":     res.Anomaly,
				"to":          res.To,
			}).Warn("Обнаружено исполнение без подтверждения заявки.")
		}
	}
}

func orphan(anomaly string) bool {
	switch anomaly {
	case tlsm.AnomalyOrphanFill, tlsm.AnomalyOrphanPartial, tlsm.AnomalyFillBeforeAck, tlsm.AnomalyPartialBeforeAck:
		return true
	}
	return false
}

// applyOrders returns intent hashes that still have a live order at the venue.
func (r *Reconciler) applyOrders(ctx context.Context, orders []models.Order, rep *Report) map[string]bool {
	live := make(map[string]bool)
	for _, o := range orders {
		if !quant.IsOurs(o.Label, r.sid8) {
			continue
		}
		rec, outcome, n := r.resolve(o.ID, o.Label, o.Instrument, o.Side, o.Amount)
		switch outcome {
		case Ambiguous:
			rep.Ambiguous = append(rep.Ambiguous, o.Label)
			r.logEntry().WithFields(logrus.Fields{"order_id": o.ID, "label": o.Label, "candidates": n}).
				Error("Неоднозначное сопоставление метки заявки.")
		case NoMatch:
			r.cancelGhost(ctx, o, rep)
		default:
			live[rec.IntentHash] = true
			o.Label = rec.Label
			if _, err := r.deps.Legs.ApplyOrder(ctx, o); err != nil {
				rep.Errors = append(rep.Errors, err.Error())
			}
		}
	}
	return live
}

func (r *Reconciler) cancelGhost(ctx context.Context, o models.Order, rep *Report) {
	err := r.deps.Venue.CancelOrder(ctx, o.ID)
	if err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
		rep.Errors = append(rep.Errors, fmt.Sprintf("Не удалось отменить заявку-призрак %s: %v", o.ID, err))
		return
	}
	rep.GhostsCanceled = append(rep.GhostsCanceled, o.ID)
	metrics.GhostOrdersCanceled.Inc()
	r.deps.Log.WithOrderID(o.ID).WithFields(logrus.Fields{
		"component":  "reconcile",
		"label":      o.Label,
		"instrument": o.Instrument,
		"amount":     o.Amount,
	}).Warn("Отменена заявка-призрак.")
	r.publish(attribution.Event{Kind: attribution.KindGhostOrder, Data: map[string]any{
		"order_id":   o.ID,
		"label":      o.Label,
		"instrument": o.Instrument,
		"side":       o.Side,
		"amount":     o.Amount,
	}})
}

// resolveStale finishes intents the venue has no trace of. An intent that was never sent is
// failed; one that was sent but shows no live order and no fill in the lookback is canceled.
func (r *Reconciler) resolveStale(ctx context.Context, live map[string]bool, rep *Report) {
	cutoff := r.deps.Now().Add(-r.opts.StaleOrder).UnixMilli()
	for _, rec := range r.deps.Legs.Ledger().InFlight() {
		if live[rec.IntentHash] {
			continue
		}
		ts := rec.SentTS
		if ts == 0 {
			ts = rec.CreatedTS
		}
		if ts > cutoff {
			continue
		}

		ev := tlsm.EventCanceled
		if !rec.WasSent() {
			ev = tlsm.EventFailed
		}
		if _, err := r.deps.Legs.Fail(ctx, rec.IntentHash, ev); err != nil {
			rep.Errors = append(rep.Errors, err.Error())
			continue
		}
		rep.StaleResolved = append(rep.StaleResolved, rec.IntentHash)
		r.deps.Log.WithGroupID(rec.GroupID).WithFields(logrus.Fields{
			"component":   "reconcile",
			"intent_hash": rec.IntentHash,
			"state":       rec.State,
			"event":       ev,
		}).Info("Зависшее намерение закрыто по данным биржи.")
	}
}

func (r *Reconciler) comparePositions(positions []models.Position, rep *Report) {
	venue := make(map[string]float64, len(positions))
	for _, p := range positions {
		size := p.Size
		if p.Direction == models.SideSell && size > 0 {
			size = -size
		}
		venue[p.Instrument] = size
	}
	local := r.deps.Legs.NetPositions()

	names := make(map[string]struct{}, len(venue)+len(local))
	for n := range venue {
		names[n] = struct{}{}
	}
	for n := range local {
		names[n] = struct{}{}
	}
	for n := range names {
		if math.Abs(venue[n]-local[n]) > r.opts.PositionEpsilon {
			rep.Positions = append(rep.Positions, PositionGap{Instrument: n, Venue: venue[n], Ledger: local[n]})
		}
	}
	sort.Slice(rep.Positions, func(i, j int) bool {
		return rep.Positions[i].Instrument < rep.Positions[j].Instrument
	})
}

func (r *Reconciler) publish(ev attribution.Event) {
	if r.deps.Incidents == nil {
		return
	}
	ev.TS = r.deps.Now()
	if err := r.deps.Incidents.Publish(ev); err != nil {
		r.logEntry().WithError(err).Warn("Событие сверки не записано.")
	}
}

// Last returns the latest pass report and whether any pass has run.
func (r *Reconciler) Last() (Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.ran
}

// RiskState is Degraded until a pass comes back clean.
func (r *Reconciler) RiskState() models.RiskState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dirty {
		return models.RiskDegraded
	}
	return models.RiskHealthy
}
