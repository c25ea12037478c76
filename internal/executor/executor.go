// Package executor runs multi-leg groups as one unit: record every leg, dispatch them together as
// IOC limits, then either confirm the group, rescue it a bounded number of times, or flatten it.
package executor

import (
	"context"
	"errors"
	"fmt"
	"legguard/internal/attribution"
	"legguard/internal/config"
	"legguard/internal/exchange"
	"legguard/internal/gates"
	"legguard/internal/legs"
	"legguard/internal/logger"
	"legguard/internal/metrics"
	"legguard/internal/models"
	"legguard/internal/ratelimit"
	"legguard/internal/tlsm"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
)

var (
	ErrLegFailure  = errors.New("Группа не исполнена атомарно.")
	ErrInvalidSpec = errors.New("Некорректная группа.")
)

type Authorizer interface {
	Authorize(ctx context.Context, req gates.Request) (gates.Approved, error)
}

// Books serves cached L2 and can pull a fresh snapshot from the venue.
type Books interface {
	Book(instrument string) (models.OrderBook, bool)
	Refresh(ctx context.Context, instrument string) (models.OrderBook, error)
}

type InstrumentSource interface {
	Instrument(name string) (models.Instrument, bool)
}

type Publisher interface {
	Publish(ev attribution.Event) error
}

type Settings struct {
	QtyEpsilon        float64
	RescueAttempts    int
	RescueOffsetTicks []int
	CloseAttempts     int
	CloseBufferTicks  int
	HedgeInstrument   string
	HedgeMaxQty       float64
	DispatchTimeout   time.Duration
}

func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		QtyEpsilon:        cfg.Executor.QtyEpsilon,
		RescueAttempts:    cfg.Executor.RescueAttempts,
		RescueOffsetTicks: cfg.Executor.RescueOffsetTicks,
		CloseAttempts:     cfg.Executor.CloseAttempts,
		CloseBufferTicks:  cfg.Executor.CloseBufferTicks,
		HedgeInstrument:   cfg.Strategy.HedgeInstrument,
		HedgeMaxQty:       cfg.Executor.HedgeMaxQty,
		DispatchTimeout:   cfg.Executor.DispatchTimeout,
	}
}

type Deps struct {
	Gate        Authorizer
	Venue       exchange.Venue
	Legs        *legs.Tracker
	Books       Books
	Instruments InstrumentSource
	Churn       *ChurnBreaker
	Incidents   Publisher
	Log         *logger.Logger
	Now         func() time.Time
}

type Executor struct {
	settings Settings
	deps     Deps

	mu    sync.Mutex
	naked map[string]struct{}
}

func New(settings Settings, deps Deps) *Executor {
	if settings.QtyEpsilon <= 0 {
		settings.QtyEpsilon = 1e-9
	}
	if settings.RescueAttempts > 2 {
		settings.RescueAttempts = 2
	}
	if settings.CloseAttempts <= 0 || settings.CloseAttempts > 3 {
		settings.CloseAttempts = 3
	}
	if settings.CloseBufferTicks <= 0 {
		settings.CloseBufferTicks = 5
	}
	if settings.DispatchTimeout <= 0 {
		settings.DispatchTimeout = 5 * time.Second
	}
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Executor{settings: settings, deps: deps, naked: make(map[string]struct{})}
}

func (e *Executor) logEntry() *logrus.Entry {
	return e.deps.Log.WithComponent("executor")
}

// Execute drives one group to Complete, Rejected or Flattened. A non-nil error other than a gate
// rejection wraps ErrLegFailure and means containment ran.
func (e *Executor) Execute(ctx context.Context, g *Group) error {
	if len(g.spec.Legs) == 0 || len(g.spec.Legs) > MaxLegs {
		return fmt.Errorf("%w: ног %d", ErrInvalidSpec, len(g.spec.Legs))
	}
	if st := g.State(); st != GroupNew {
		return fmt.Errorf("%w: группа %s уже в состоянии %s", ErrIllegalGroupTransition, g.ID(), st)
	}
	g.startedAt = e.deps.Now()
	fp := fingerprint(g.spec)
	log := e.deps.Log.WithGroupID(g.ID()).WithField("component", "executor")

	approved := make([]gates.Approved, 0, len(g.spec.Legs))
	for i, leg := range g.spec.Legs {
		a, err := e.deps.Gate.Authorize(ctx, e.openRequest(g, i, leg, fp))
		if err != nil {
			e.abandon(ctx, approved)
			if aerr := g.advance(GroupRejected); aerr != nil {
				return aerr
			}
			e.outcome(g)
			return fmt.Errorf("Нога %d отклонена: %w", i, err)
		}
		approved = append(approved, a)
	}

	if err := g.advance(GroupDispatched); err != nil {
		return err
	}
	items := make([]sendItem, len(approved))
	for i, a := range approved {
		items[i] = sendItem{leg: i, approved: a, req: orderRequest(a, false, false)}
	}
	for _, r := range e.dispatch(ctx, items) {
		g.record(r)
	}
	log.WithField("legs", len(items)).Debug("Ноги группы отправлены.")

	return e.settle(ctx, g, fp)
}

func (e *Executor) settle(ctx context.Context, g *Group, fp string) error {
	eps := e.settings.QtyEpsilon
	legs := g.Snapshot().Legs

	if AnyPartial(legs, eps) || FillMismatch(legs) > eps {
		if err := g.advance(GroupMixedFailed); err != nil {
			return err
		}
		if allTerminal(legs) {
			for attempt := 0; attempt < e.settings.RescueAttempts; attempt++ {
				if !e.rescue(ctx, g, attempt, fp) {
					break
				}
				legs = g.Snapshot().Legs
				if !allTerminal(legs) {
					break
				}
				if !AnyPartial(legs, eps) && FillMismatch(legs) <= eps {
					if err := g.advance(GroupComplete); err != nil {
						return err
					}
					e.outcome(g)
					return nil
				}
			}
		}
		return e.flatten(ctx, g, fp)
	}

	if allTerminal(legs) {
		if err := g.advance(GroupComplete); err != nil {
			return err
		}
		e.outcome(g)
		return nil
	}
	return e.flatten(ctx, g, fp)
}

// rescue sends one IOC round for the missing size of every short leg at a wider offset. It
// reports false when nothing could be sent.
func (e *Executor) rescue(ctx context.Context, g *Group, attempt int, fp string) bool {
	g.noteRescue()
	metrics.RescueAttempts.Inc()

	offsets := e.settings.RescueOffsetTicks
	offset := attempt + 1
	if len(offsets) > 0 {
		offset = offsets[min(attempt, len(offsets)-1)]
	}

	var items []sendItem
	for i, leg := range g.Snapshot().Legs {
		missing := leg.Missing()
		if missing <= e.settings.QtyEpsilon {
			continue
		}
		spec := g.spec.Legs[i]
		log := e.deps.Log.WithGroupID(g.ID()).WithFields(logrus.Fields{
			"component": "executor",
			"leg_idx":   i,
			"attempt":   attempt + 1,
		})

		book, ok := e.deps.Books.Book(spec.Instrument.Name)
		if !ok {
			log.Warn("Нет стакана для спасения ноги.")
			continue
		}
		touch, ok := book.Touch(spec.Side)
		if !ok {
			log.Warn("Пустая сторона стакана для спасения ноги.")
			continue
		}

		var gross *float64
		if spec.GrossEdgeUSD != nil && spec.Qty > 0 {
			v := *spec.GrossEdgeUSD * missing / spec.Qty
			gross = &v
		}
		a, err := e.deps.Gate.Authorize(ctx, gates.Request{
			Instrument:   spec.Instrument,
			Side:         spec.Side,
			Class:        models.ClassOpen,
			Shape:        gates.OrderShape{Type: models.OrderTypeLimit},
			Qty:          missing,
			LimitPrice:   touch + spec.Side.Sign()*float64(offset)*spec.Instrument.TickSize,
			GrossEdgeUSD: gross,
			IndexPrice:   spec.IndexPrice,
			GroupID:      g.ID(),
			LegIdx:       uint32(i + MaxLegs*(attempt+1)),
			Fingerprint:  fp,
		})
		if err != nil {
			log.WithError(err).Warn("Спасение ноги отклонено.")
			continue
		}
		items = append(items, sendItem{leg: i, approved: a, req: orderRequest(a, false, false)})
	}
	if len(items) == 0 {
		return false
	}
	for _, r := range e.dispatch(ctx, items) {
		g.record(r)
	}
	return true
}

func (e *Executor) flatten(ctx context.Context, g *Group, fp string) error {
	if err := g.advance(GroupFlattening); err != nil {
		return err
	}
	report, err := e.EmergencyClose(ctx, g.ID(), fp)
	g.noteClose(report)
	if aerr := g.advance(GroupFlattened); aerr != nil {
		return aerr
	}
	if e.deps.Churn != nil {
		e.deps.Churn.RecordFlatten(fp)
	}
	e.outcome(g)
	if err != nil {
		return fmt.Errorf("%w: группа %s: %w", ErrLegFailure, g.ID(), err)
	}
	return fmt.Errorf("%w: группа %s, остаток %v", ErrLegFailure, g.ID(), report.Residual)
}

// abandon fails legs that were recorded but will never be sent.
func (e *Executor) abandon(ctx context.Context, approved []gates.Approved) {
	for _, a := range approved {
		if _, err := e.deps.Legs.Fail(ctx, a.Intent.HashHex, tlsm.EventRejected); err != nil {
			e.logEntry().WithError(err).WithField("intent_hash", a.Intent.HashHex).Error("Не удалось закрыть неотправленную ногу.")
		}
	}
}

func (e *Executor) openRequest(g *Group, i int, leg LegSpec, fp string) gates.Request {
	return gates.Request{
		Instrument:   leg.Instrument,
		Side:         leg.Side,
		Class:        models.ClassOpen,
		Shape:        gates.OrderShape{Type: models.OrderTypeLimit},
		Qty:          leg.Qty,
		LimitPrice:   leg.LimitPrice,
		FairPrice:    leg.FairPrice,
		GrossEdgeUSD: leg.GrossEdgeUSD,
		IndexPrice:   leg.IndexPrice,
		Contracts:    leg.Contracts,
		GroupID:      g.ID(),
		LegIdx:       uint32(i),
		Fingerprint:  fp,
	}
}

func orderRequest(a gates.Approved, reduceOnly, emergency bool) exchange.OrderRequest {
	amount := a.Amount
	if amount <= 0 {
		amount = a.Intent.Qty
	}
	return exchange.OrderRequest{
		Instrument: a.Intent.Instrument,
		Side:       a.Intent.Side,
		Amount:     amount,
		Price:      a.Intent.LimitPrice,
		Label:      a.Intent.Label,
		ReduceOnly: reduceOnly || a.Intent.ReduceOnly,
		Class:      a.Intent.Class,
		Emergency:  emergency,
	}
}

func (e *Executor) outcome(g *Group) {
	snap := g.Snapshot()
	metrics.GroupOutcomes.WithLabelValues(string(snap.State)).Inc()

	fills := make([]float64, len(snap.Legs))
	for i, l := range snap.Legs {
		fills[i] = l.FilledQty
	}
	e.logEntry().WithFields(logrus.Fields{
		"group_id": snap.ID,
		"state":    snap.State,
		"rescues":  snap.RescueAttempts,
		"closes":   snap.CloseAttempts,
		"fills":    fills,
	}).Info("Группа завершена.")
	e.publish(attribution.Event{
		Kind:    attribution.KindGroupOutcome,
		GroupID: snap.ID,
		Data: map[string]any{
			"state":   string(snap.State),
			"history": snap.History,
			"rescues": snap.RescueAttempts,
			"closes":  snap.CloseAttempts,
			"fills":   fills,
		},
	})
}

func (e *Executor) publish(ev attribution.Event) {
	if e.deps.Incidents == nil {
		return
	}
	if ev.TS.IsZero() {
		ev.TS = e.deps.Now()
	}
	if err := e.deps.Incidents.Publish(ev); err != nil {
		e.logEntry().WithError(err).WithField("kind", ev.Kind).Warn("Событие атрибуции не принято.")
	}
}

// NewGroupID is used when the caller leaves GroupSpec.ID empty.
func NewGroupID() string {
	return uuid.NewString()
}

type sendItem struct {
	leg      int
	approved gates.Approved
	req      exchange.OrderRequest
}

type sendResult struct {
	leg      int
	hash     string
	filled   float64
	terminal bool
	rejected bool
	err      error
}

// dispatch sends every item concurrently. Results come back over one channel and are folded by
// the caller only.
func (e *Executor) dispatch(ctx context.Context, items []sendItem) []sendResult {
	out := make(chan sendResult, len(items))
	var wg conc.WaitGroup
	for _, it := range items {
		wg.Go(func() { out <- e.send(ctx, it) })
	}
	wg.Wait()
	close(out)

	results := make([]sendResult, 0, len(items))
	for r := range out {
		results = append(results, r)
	}
	return results
}

func (e *Executor) send(ctx context.Context, it sendItem) sendResult {
	hash := it.approved.Intent.HashHex
	res := sendResult{leg: it.leg, hash: hash}
	log := e.deps.Log.WithIntentHash(hash).WithFields(logrus.Fields{
		"component":  "executor",
		"group_id":   it.approved.Intent.GroupID,
		"instrument": it.req.Instrument,
		"side":       it.req.Side,
		"class":      it.req.Class,
	})

	if err := e.deps.Legs.Sent(ctx, hash); err != nil {
		_, _ = e.deps.Legs.Fail(ctx, hash, tlsm.EventFailed)
		res.terminal, res.rejected, res.err = true, true, err
		log.WithError(err).Error("Барьер журнала не записан, заявка не отправлена.")
		return res
	}

	dctx, cancel := context.WithTimeout(ctx, e.settings.DispatchTimeout)
	defer cancel()
	reply, err := e.deps.Venue.PlaceOrder(dctx, it.req)
	if err != nil {
		res.err = err
		switch {
		case notSent(err):
			_, _ = e.deps.Legs.Fail(ctx, hash, tlsm.EventFailed)
			res.terminal, res.rejected = true, true
			log.WithError(err).Warn("Заявка не отправлена.")
		case venueRejected(err):
			_, _ = e.deps.Legs.Fail(ctx, hash, tlsm.EventRejected)
			res.terminal, res.rejected = true, true
			log.WithError(err).Warn("Биржа отклонила заявку.")
		default:
			log.WithError(err).Error("Исход заявки неизвестен.")
		}
		return res
	}

	e.observe(ctx, hash, reply, log)
	if rec, ok := e.deps.Legs.Ledger().Get(hash); ok {
		res.filled = rec.FilledQty
	}
	if state, ok := e.deps.Legs.State(hash); ok {
		res.terminal = state.Terminal()
	}
	return res
}

// observe applies the synchronous reply: ack, fills, then the final order state.
func (e *Executor) observe(ctx context.Context, hash string, reply exchange.OrderResult, log *logrus.Entry) {
	if err := e.deps.Legs.Acked(ctx, hash, reply.Order.ID); err != nil {
		log.WithError(err).Error("Не удалось записать подтверждение заявки.")
	}
	for _, t := range reply.Trades {
		if t.OrderID == "" {
			t.OrderID = reply.Order.ID
		}
		if t.Label == "" {
			t.Label = reply.Order.Label
		}
		if _, _, err := e.deps.Legs.ApplyTrade(ctx, t); err != nil {
			log.WithError(err).WithField("trade_id", t.TradeID).Error("Не удалось применить сделку.")
		}
	}
	if reply.Order.Label == "" && reply.Order.ID == "" {
		return
	}
	if _, err := e.deps.Legs.ApplyOrder(ctx, reply.Order); err != nil {
		log.WithError(err).Error("Не удалось применить состояние заявки.")
	}
}

func notSent(err error) bool {
	return errors.Is(err, ratelimit.ErrShed) ||
		errors.Is(err, ratelimit.ErrSessionKilled) ||
		errors.Is(err, exchange.ErrInvalidOrder)
}

// venueRejected is a definite refusal. A venue timeout leaves the outcome unknown.
func venueRejected(err error) bool {
	var ve *exchange.VenueError
	return errors.As(err, &ve) && ve.Code != exchange.CodeTimedOut
}
