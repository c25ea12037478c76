package engine

import (
	"context"
	"errors"
	"legguard/internal/attribution"
	"legguard/internal/exchange"
	"legguard/internal/legs"
	"legguard/internal/models"
	"legguard/internal/policy"
	"legguard/internal/quant"
	"legguard/internal/ratelimit"
	"legguard/internal/reconcile"
	"legguard/internal/tlsm"
	"slices"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	streamPrivate = "private"
	streamPublic  = "public"
)

func (e *Engine) handleEvents(ctx context.Context, events <-chan exchange.Event) {
	beat := time.NewTicker(e.watchdogInterval())
	defer beat.Stop()
	check := time.NewTicker(e.livenessInterval())
	defer check.Stop()

	e.watchdog.Beat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-beat.C:
			e.watchdog.Beat()
		case <-check.C:
			e.checkLiveness()
		case event, ok := <-events:
			if !ok {
				e.logEntry().Warn("Канал событий WS закрыт.")
				e.latch.Set("ws_closed")
				events = nil
				continue
			}
			e.dispatch(ctx, event)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, event exchange.Event) {
	switch event.Type {
	case exchange.EventTypeOrder:
		e.liveness.Beat(streamPrivate)
		if event.Order != nil {
			e.onOrder(ctx, *event.Order)
		}
	case exchange.EventTypeTrade:
		e.liveness.Beat(streamPrivate)
		if event.Trade != nil {
			e.onTrade(ctx, *event.Trade)
		}
	case exchange.EventTypeBook:
		e.liveness.Beat(streamPublic)
		if event.Book != nil {
			e.onBook(ctx, *event.Book, event.At)
		}
	case exchange.EventTypePublicTrade:
		e.liveness.Beat(streamPublic)
		if event.PublicTrade != nil {
			e.onPublicTrade(ctx, *event.PublicTrade)
		}
	case exchange.EventTypeHeartbeat:
		e.liveness.Beat(streamPrivate)
	case exchange.EventTypeReconnect:
		e.logEntry().Info("Получен сигнал реконнекта WS, сверка.")
		e.latch.Set(reconcile.ReasonReconnect)
		e.prints.Reset()
		e.recon.Trigger(reconcile.ReasonReconnect)
	case exchange.EventTypeDisconnect:
		e.logEntry().WithError(event.Err).Warn("WS отключён.")
		e.latch.Set("ws_disconnect")
	}
}

func (e *Engine) ours(label string) bool {
	return quant.IsOurs(label, quant.DeriveSID8(e.cfg.Strategy.ID))
}

func (e *Engine) onOrder(ctx context.Context, order models.Order) {
	if !e.ours(order.Label) {
		return
	}
	res, err := e.tracker.ApplyOrder(ctx, order)
	if err != nil {
		if errors.Is(err, legs.ErrUnknownLeg) {
			e.logEntry().WithError(err).Warn("Заявка без намерения в журнале, сверка.")
			e.recon.Trigger(reconcile.ReasonOrphan)
			return
		}
		e.logEntry().WithError(err).WithField("order_id", order.ID).Error("Не удалось применить заявку.")
		return
	}
	if res.Anomaly != "" {
		e.recon.Trigger(reconcile.ReasonOrphan)
	}
}

func (e *Engine) onTrade(ctx context.Context, trade models.Trade) {
	if !e.ours(trade.Label) {
		return
	}
	res, _, err := e.tracker.ApplyTrade(ctx, trade)
	if err != nil {
		if errors.Is(err, legs.ErrUnknownLeg) {
			e.logEntry().WithError(err).Warn("Сделка без намерения в журнале, сверка.")
			e.recon.Trigger(reconcile.ReasonOrphan)
			return
		}
		e.logEntry().WithError(err).WithField("trade_id", trade.TradeID).Error("Не удалось применить сделку.")
		return
	}
	switch res.Anomaly {
	case tlsm.AnomalyFillBeforeAck, tlsm.AnomalyPartialBeforeAck, tlsm.AnomalyOrphanFill, tlsm.AnomalyOrphanPartial:
		e.recon.Trigger(reconcile.ReasonOrphan)
	}
}

func (e *Engine) onBook(ctx context.Context, update exchange.BookUpdate, at time.Time) {
	if !at.IsZero() && !update.Timestamp.IsZero() {
		e.health.observeLag(update.Instrument, at.Sub(update.Timestamp))
	}
	gap := e.books.Apply(update)
	if gap == nil {
		return
	}
	e.feedGap(gap)
	e.bg.Go(func() {
		e.resubscribe(ctx, gap)
		if _, err := e.books.Refresh(ctx, gap.Instrument); err != nil {
			e.logEntry().WithError(err).WithField("instrument", gap.Instrument).Warn("Стакан не восстановлен.")
		}
	})
	e.recon.Trigger(reconcile.ReasonGap)
}

func (e *Engine) onPublicTrade(ctx context.Context, pt exchange.PublicTrade) {
	gap := e.prints.Observe(pt)
	if gap == nil {
		return
	}
	e.feedGap(gap)
	e.bg.Go(func() {
		e.resubscribe(ctx, gap)
		if _, err := e.recon.Reconcile(ctx, reconcile.ReasonGap); err != nil {
			e.logEntry().WithError(err).WithField("instrument", gap.Instrument).Warn("Разрыв ленты сделок не закрыт.")
			return
		}
		e.prints.Resume(gap.Instrument)
	})
}

func (e *Engine) feedGap(gap *reconcile.Gap) {
	e.latch.Set(reconcile.ReasonGap)
	e.logEntry().WithFields(logrus.Fields{
		"channel":    gap.Channel,
		"instrument": gap.Instrument,
		"expected":   gap.Expected,
		"got":        gap.Got,
	}).Warn("Разрыв последовательности потока.")
	e.publish(attribution.Event{
		Kind: attribution.KindFeedGap,
		Data: map[string]any{
			"channel":    gap.Channel,
			"instrument": gap.Instrument,
			"expected":   gap.Expected,
			"got":        gap.Got,
		},
	})
}

// resubscribe restarts the gapped channel so the venue sends a fresh snapshot. Channels the
// engine never subscribed are left alone.
func (e *Engine) resubscribe(ctx context.Context, gap *reconcile.Gap) {
	channel := gap.Channel + "." + gap.Instrument + ".100ms"
	if !slices.Contains(e.channels, channel) {
		return
	}
	if err := e.venue.Resubscribe(ctx, []string{channel}); err != nil {
		e.logEntry().WithError(err).WithField("channel", channel).Warn("Не удалось переподписаться на канал.")
	}
}

func (e *Engine) checkLiveness() {
	for _, stream := range e.liveness.Check() {
		e.logEntry().WithField("stream", stream).Warn("Поток замолчал, сверка.")
		e.latch.Set(reconcile.ReasonLiveness)
		e.recon.Trigger(reconcile.ReasonLiveness)
	}
}

func (e *Engine) watchdogInterval() time.Duration {
	d := e.cfg.Policy.WatchdogKill / 4
	if d <= 0 {
		d = time.Second
	}
	return d
}

func (e *Engine) livenessInterval() time.Duration {
	d := e.cfg.Reconcile.ZombieSilence / 4
	if d <= 0 {
		d = time.Second
	}
	return d
}

func (e *Engine) accountLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Reconcile.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pollAccount(ctx)
		}
	}
}

// pollAccount refreshes fees and margin. Success also proves the venue is reachable.
func (e *Engine) pollAccount(ctx context.Context) {
	sum, err := e.venue.GetAccountSummary(ctx, e.cfg.Exchange.Currency)
	if err != nil {
		e.logEntry().WithError(err).Warn("Сводка счёта недоступна.")
		return
	}
	at := sum.FetchedAt
	if at.IsZero() {
		at = e.now()
	}
	e.fees.Update(sum.TakerFeeRate, at)
	// Only the ratio matters, so settlement-currency amounts work as they are.
	e.margin.Update(sum.MaintenanceMargin, sum.Equity, at)
	e.health.summaryOK(e.now())
}

// riskState folds the runtime incidents the guard cannot see on its own.
func (e *Engine) riskState() models.RiskState {
	if e.health.Health().Maintenance {
		return models.RiskMaintenance
	}
	if e.recon.RiskState() != models.RiskHealthy {
		return models.RiskDegraded
	}
	if len(e.exec.NakedGroups()) > 0 || e.liveness.Silent() {
		return models.RiskDegraded
	}
	if _, stale := e.instruments.stale(e.bookInstruments(), e.now(), e.cfg.Exchange.InstrumentCacheTTL); stale {
		return models.RiskDegraded
	}
	return models.RiskHealthy
}

// onModeChange runs outside the guard lock. Leaving Active pulls every open we still have resting.
func (e *Engine) onModeChange(prev, next policy.Decision) {
	e.publish(attribution.Event{
		Kind: attribution.KindModeChange,
		Data: map[string]any{
			"from":    prev.Mode,
			"to":      next.Mode,
			"reasons": next.Reasons,
		},
	})
	if prev.Mode != models.ModeActive || next.Mode == models.ModeActive {
		return
	}
	ctx := e.context()
	e.bg.Go(func() {
		canceled, err := e.recon.CancelNonReduceOnly(ctx)
		entry := e.logEntry().WithFields(logrus.Fields{"canceled": len(canceled), "mode": next.Mode})
		if err != nil {
			entry.WithError(err).Error("Не все открывающие заявки сняты.")
			return
		}
		entry.Info("Открывающие заявки сняты.")
	})
}

// onSessionKilled runs when the venue ends the session for rate abuse. One recovery loop at a time.
func (e *Engine) onSessionKilled(err error) {
	e.latch.Set(reconcile.ReasonSession)
	if !e.sessionKilled.CompareAndSwap(false, true) {
		return
	}
	e.logEntry().WithError(err).Error("Биржа прервала сессию, торговля остановлена.")
	ctx := e.context()
	e.bg.Go(func() { e.recoverSession(ctx) })
}

func (e *Engine) recoverSession(ctx context.Context) {
	for attempt := 0; ; attempt++ {
		wait := ratelimit.Backoff(attempt, e.cfg.RateLimit.ReconnectMin, e.cfg.RateLimit.ReconnectMax)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		e.limiter.Resume()
		if _, err := e.recon.Reconcile(ctx, reconcile.ReasonSession); err != nil {
			e.logEntry().WithError(err).WithField("attempt", attempt+1).Warn("Сессия не восстановлена.")
			continue
		}
		e.sessionKilled.Store(false)
		e.logEntry().Info("Сессия восстановлена.")
		return
	}
}

// afterReconcile lets a clean pass bring the attribution writer back.
func (e *Engine) afterReconcile(rep reconcile.Report) {
	if !rep.Clean() {
		return
	}
	if ok, _ := e.writer.Healthy(); ok {
		return
	}
	if e.writer.Reset() {
		e.logEntry().Info("Запись атрибуции восстановлена.")
	}
}

func (e *Engine) publish(ev attribution.Event) {
	if err := e.writer.Publish(ev); err != nil {
		e.logEntry().WithError(err).WithField("kind", ev.Kind).Warn("Событие атрибуции не принято.")
	}
}
