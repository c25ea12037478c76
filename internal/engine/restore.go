package engine

import (
	"context"
	"fmt"
	"legguard/internal/exchange"
	"legguard/internal/reconcile"

	"github.com/sirupsen/logrus"
)

// recover brings the runtime back to a known state before any loop starts. Opens stay latched
// until the startup reconciliation is clean.
func (e *Engine) recover(ctx context.Context) (<-chan exchange.Event, error) {
	replay := e.ledger.Replayed()
	for _, rec := range replay.InFlight {
		e.logEntry().WithFields(logrus.Fields{
			"intent_hash": rec.IntentHash,
			"group_id":    rec.GroupID,
			"leg_idx":     rec.LegIdx,
			"instrument":  rec.Instrument,
			"state":       rec.State,
			"order_id":    rec.ExchangeOrderID,
			"filled_qty":  rec.FilledQty,
		}).Debug("Намерение восстановлено из журнала.")
	}
	e.logEntry().WithFields(logrus.Fields{
		"entries":   replay.Entries,
		"records":   len(replay.Records),
		"in_flight": len(replay.InFlight),
		"trades":    len(replay.Trades),
	}).Info("Журнал воспроизведён.")

	if err := e.loadInstruments(ctx); err != nil {
		return nil, fmt.Errorf("Не удалось загрузить инструменты: %w", err)
	}
	e.refresher.Refresh(ctx)
	e.pollAccount(ctx)

	for _, name := range e.bookInstruments() {
		if _, err := e.books.Refresh(ctx, name); err != nil {
			e.logEntry().WithError(err).WithField("instrument", name).Warn("Стакан не загружен при старте.")
		}
	}
	e.seedExposure(e.ledger.InFlight())

	rep, err := e.recon.Reconcile(ctx, reconcile.ReasonStartup)
	if err != nil {
		e.logEntry().WithError(err).Warn("Стартовая сверка не удалась, открытия заблокированы.")
	} else {
		e.logEntry().WithFields(logrus.Fields{
			"trades":  rep.TradesApplied,
			"ghosts":  rep.GhostsCanceled,
			"stale":   rep.StaleResolved,
			"clean":   rep.Clean(),
			"elapsed": rep.Duration.String(),
		}).Info("Стартовая сверка завершена.")
	}

	if len(e.channels) == 0 {
		return nil, nil
	}
	events, err := e.venue.Subscribe(ctx, e.channels)
	if err != nil {
		return nil, fmt.Errorf("Не удалось подписаться на потоки: %w", err)
	}
	return events, nil
}

func (e *Engine) bookInstruments() []string {
	names := append([]string{}, e.cfg.Strategy.Instruments...)
	if h := e.cfg.Strategy.HedgeInstrument; h != "" {
		names = append(names, h)
	}
	return names
}
