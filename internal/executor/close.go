package executor

import (
	"context"
	"errors"
	"fmt"
	"legguard/internal/attribution"
	"legguard/internal/exchange"
	"legguard/internal/gates"
	"legguard/internal/metrics"
	"legguard/internal/models"
	"legguard/internal/ratelimit"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

var ErrNoInstrument = errors.New("Нет данных инструмента для закрытия.")

type CloseReport struct {
	GroupID  string
	Attempts int
	Hedged   bool
	HedgeQty float64
	// Residual is the signed open quantity per instrument after closing, hedge excluded.
	Residual map[string]float64
	// NetDelta sums every instrument of the group including the hedge.
	NetDelta      float64
	Neutral       bool
	TimeToNeutral time.Duration
	FinishedAt    time.Time
}

// EmergencyClose flattens whatever the group holds: up to CloseAttempts reduce-only IOC rounds at
// the touch plus a widening buffer, then one bounded reduce-only hedge if anything is left. It
// runs in every trading mode and at the highest limiter priority.
func (e *Executor) EmergencyClose(ctx context.Context, groupID, fp string) (CloseReport, error) {
	started := e.deps.Now()
	report := CloseReport{GroupID: groupID}
	ctx = exchange.WithPriority(ctx, ratelimit.PriorityEmergencyClose)
	log := e.deps.Log.WithGroupID(groupID).WithField("component", "executor")

	e.cancelLive(ctx, groupID)

	var errs []error
	for attempt := 1; attempt <= e.settings.CloseAttempts; attempt++ {
		exposure := e.exposure(groupID, true)
		if len(exposure) == 0 {
			break
		}
		report.Attempts++
		metrics.EmergencyCloseAttempts.Inc()

		slot := e.nextSlot(groupID)
		var items []sendItem
		for _, inst := range sortedKeys(exposure) {
			qty := exposure[inst]
			side := models.SideSell
			if qty < 0 {
				side = models.SideBuy
			}
			it, err := e.closeItem(ctx, groupID, fp, inst, side, math.Abs(qty), attempt, slot)
			if err != nil {
				errs = append(errs, err)
				log.WithError(err).WithFields(logrus.Fields{"instrument": inst, "attempt": attempt}).Warn("Попытка закрытия не отправлена.")
				continue
			}
			items = append(items, it)
		}
		if len(items) > 0 {
			e.dispatch(ctx, items)
		}
	}

	report.Residual = e.exposure(groupID, true)
	if len(report.Residual) > 0 {
		hedged, err := e.hedge(ctx, groupID, fp, report.Residual)
		if err != nil {
			errs = append(errs, err)
			log.WithError(err).Error("Хедж не отправлен.")
		}
		report.Hedged = hedged > 0
		report.HedgeQty = hedged
	}

	for _, v := range e.exposure(groupID, false) {
		report.NetDelta += v
	}
	report.Neutral = len(report.Residual) == 0 || math.Abs(report.NetDelta) <= e.settings.QtyEpsilon
	report.FinishedAt = e.deps.Now()
	report.TimeToNeutral = report.FinishedAt.Sub(started)

	e.mu.Lock()
	if report.Neutral {
		delete(e.naked, groupID)
	} else {
		e.naked[groupID] = struct{}{}
	}
	e.mu.Unlock()

	metrics.NakedExposureEvents.Inc()
	entry := log.WithFields(logrus.Fields{
		"residual":        report.Residual,
		"net_delta":       report.NetDelta,
		"attempts":        report.Attempts,
		"hedge_qty":       report.HedgeQty,
		"time_to_neutral": report.TimeToNeutral.String(),
		"neutral":         report.Neutral,
	})
	if report.Neutral {
		entry.Warn("Непокрытая позиция закрыта.")
	} else {
		entry.Error("Непокрытая позиция осталась после закрытия.")
	}
	e.publish(attribution.Event{
		Kind:    attribution.KindNakedExposure,
		GroupID: groupID,
		TS:      report.FinishedAt,
		Data: map[string]any{
			"residual":           report.Residual,
			"net_delta":          report.NetDelta,
			"attempts":           report.Attempts,
			"hedge_qty":          report.HedgeQty,
			"time_to_neutral_ms": report.TimeToNeutral.Milliseconds(),
			"neutral":            report.Neutral,
		},
	})

	return report, errors.Join(errs...)
}

func (e *Executor) closeItem(ctx context.Context, groupID, fp, name string, side models.Side, qty float64, attempt int, slot uint32) (sendItem, error) {
	inst, ok := e.deps.Instruments.Instrument(name)
	if !ok {
		return sendItem{}, fmt.Errorf("%w: %s", ErrNoInstrument, name)
	}
	book, err := e.freshBook(ctx, name)
	if err != nil {
		return sendItem{}, err
	}
	touch, ok := book.Touch(side)
	if !ok {
		return sendItem{}, fmt.Errorf("Пустая сторона стакана %s %s.", name, side)
	}
	buffer := float64(e.settings.CloseBufferTicks*attempt) * inst.TickSize

	a, err := e.deps.Gate.Authorize(ctx, gates.Request{
		Instrument:  inst,
		Side:        side,
		Class:       models.ClassClose,
		Shape:       gates.OrderShape{Type: models.OrderTypeLimit},
		Qty:         qty,
		LimitPrice:  touch + side.Sign()*buffer,
		GroupID:     groupID,
		LegIdx:      slot + e.baseLeg(groupID, name),
		Fingerprint: fp,
	})
	if err != nil {
		return sendItem{}, err
	}
	return sendItem{leg: -1, approved: a, req: orderRequest(a, true, true)}, nil
}

// hedge sends one reduce-only IOC on the hedge instrument against the summed residual.
func (e *Executor) hedge(ctx context.Context, groupID, fp string, residual map[string]float64) (float64, error) {
	name := e.settings.HedgeInstrument
	if name == "" || e.settings.HedgeMaxQty <= 0 {
		return 0, nil
	}
	delta := 0.0
	for _, v := range residual {
		delta += v
	}
	if math.Abs(delta) <= e.settings.QtyEpsilon {
		return 0, nil
	}
	inst, ok := e.deps.Instruments.Instrument(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoInstrument, name)
	}
	side := models.SideSell
	if delta < 0 {
		side = models.SideBuy
	}
	book, err := e.freshBook(ctx, name)
	if err != nil {
		return 0, err
	}
	touch, ok := book.Touch(side)
	if !ok {
		return 0, fmt.Errorf("Пустая сторона стакана %s %s.", name, side)
	}

	a, err := e.deps.Gate.Authorize(ctx, gates.Request{
		Instrument:  inst,
		Side:        side,
		Class:       models.ClassHedge,
		Shape:       gates.OrderShape{Type: models.OrderTypeLimit},
		Qty:         math.Min(math.Abs(delta), e.settings.HedgeMaxQty),
		LimitPrice:  touch + side.Sign()*float64(e.settings.CloseBufferTicks*e.settings.CloseAttempts)*inst.TickSize,
		GroupID:     groupID,
		LegIdx:      e.nextSlot(groupID),
		Fingerprint: fp,
	})
	if err != nil {
		return 0, err
	}
	res := e.dispatch(ctx, []sendItem{{leg: -1, approved: a, req: orderRequest(a, true, true)}})
	return res[0].filled, res[0].err
}

func (e *Executor) freshBook(ctx context.Context, name string) (models.OrderBook, error) {
	book, err := e.deps.Books.Refresh(ctx, name)
	if err == nil {
		return book, nil
	}
	if cached, ok := e.deps.Books.Book(name); ok {
		return cached, nil
	}
	return models.OrderBook{}, fmt.Errorf("Нет стакана %s: %w", name, err)
}

// cancelLive cancels open intents of the group that the venue may still hold.
func (e *Executor) cancelLive(ctx context.Context, groupID string) {
	for _, rec := range e.deps.Legs.Ledger().ByGroup(groupID) {
		if rec.State.Terminal() || rec.ExchangeOrderID == "" || rec.Class != models.ClassOpen {
			continue
		}
		err := e.deps.Venue.CancelOrder(ctx, rec.ExchangeOrderID)
		if err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
			e.logEntry().WithError(err).WithField("order_id", rec.ExchangeOrderID).Warn("Не удалось отменить ногу группы.")
		}
	}
}

// exposure is the signed filled quantity per instrument from the ledger. withoutHedge drops the
// hedge instrument when it is not one of the group's own legs.
func (e *Executor) exposure(groupID string, withoutHedge bool) map[string]float64 {
	out := make(map[string]float64)
	own := make(map[string]bool)
	for _, rec := range e.deps.Legs.Ledger().ByGroup(groupID) {
		if rec.Class != models.ClassHedge {
			own[rec.Instrument] = true
		}
		out[rec.Instrument] += rec.Side.Sign() * rec.FilledQty
	}
	for inst, v := range out {
		drop := math.Abs(v) <= e.settings.QtyEpsilon
		if withoutHedge && !own[inst] {
			drop = true
		}
		if drop {
			delete(out, inst)
		}
	}
	return out
}

// nextSlot returns the first unused block of leg indexes for the group, so repeated containment
// never reuses an intent identity.
func (e *Executor) nextSlot(groupID string) uint32 {
	var top uint32
	for _, rec := range e.deps.Legs.Ledger().ByGroup(groupID) {
		if s := rec.LegIdx / MaxLegs; s > top {
			top = s
		}
	}
	return (top + 1) * MaxLegs
}

func (e *Executor) baseLeg(groupID, instrument string) uint32 {
	base := uint32(0)
	found := false
	for _, rec := range e.deps.Legs.Ledger().ByGroup(groupID) {
		if rec.Instrument == instrument && (!found || rec.LegIdx%MaxLegs < base) {
			base, found = rec.LegIdx%MaxLegs, true
		}
	}
	return base
}

// NakedGroups lists groups whose last containment left exposure. The check is repeated against
// the ledger so late fills that neutralize a group clear it.
func (e *Executor) NakedGroups() []string {
	e.mu.Lock()
	ids := make([]string, 0, len(e.naked))
	for id := range e.naked {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	var out []string
	for _, id := range ids {
		net := 0.0
		for _, v := range e.exposure(id, false) {
			net += v
		}
		if len(e.exposure(id, true)) == 0 || math.Abs(net) <= e.settings.QtyEpsilon {
			e.mu.Lock()
			delete(e.naked, id)
			e.mu.Unlock()
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
