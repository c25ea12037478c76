// Package legs owns the live TLSM for every recorded intent and routes venue observations into
// the machines, the ledger and the trade-id registry.
package legs

import (
	"context"
	"errors"
	"fmt"
	"legguard/internal/ledger"
	"legguard/internal/logger"
	"legguard/internal/models"
	"legguard/internal/quant"
	"legguard/internal/tlsm"
	"sync"

	"github.com/sirupsen/logrus"
)

var ErrUnknownLeg = errors.New("Нога не найдена в журнале.")

// Tracker keeps one machine per intent hash. Machines are restored lazily from the ledger.
type Tracker struct {
	mu       sync.Mutex
	ledger   *ledger.Ledger
	registry *ledger.TradeRegistry
	machines map[string]*tlsm.Machine
	byOrder  map[string]string
	qtyEps   float64
	log      *logger.Logger
}

func New(l *ledger.Ledger, registry *ledger.TradeRegistry, qtyEps float64, log *logger.Logger) *Tracker {
	if log == nil {
		log = logger.Nop()
	}
	if registry == nil {
		registry = ledger.NewTradeRegistry(nil, l.TradeRefs())
	}
	t := &Tracker{
		ledger:   l,
		registry: registry,
		machines: make(map[string]*tlsm.Machine),
		byOrder:  make(map[string]string),
		qtyEps:   qtyEps,
		log:      log,
	}
	for _, rec := range l.All() {
		if rec.ExchangeOrderID != "" {
			t.byOrder[rec.ExchangeOrderID] = rec.IntentHash
		}
	}
	return t
}

func (t *Tracker) logEntry() *logrus.Entry {
	return t.log.WithComponent("legs")
}

func (t *Tracker) Ledger() *ledger.Ledger {
	return t.ledger
}

func (t *Tracker) Registry() *ledger.TradeRegistry {
	return t.registry
}

func (t *Tracker) machine(hash string) (*tlsm.Machine, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if m, ok := t.machines[hash]; ok {
		return m, nil
	}
	rec, ok := t.ledger.Get(hash)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLeg, hash)
	}
	m := tlsm.Restore(hash, rec.State, rec.FilledQty, t.ledger)
	t.machines[hash] = m
	return m, nil
}

// State reports the live TLSM state, falling back to the ledger.
func (t *Tracker) State(hash string) (models.LegState, bool) {
	m, err := t.machine(hash)
	if err != nil {
		return "", false
	}
	return m.State(), true
}

// Resolve finds the intent behind a venue order id or label.
func (t *Tracker) Resolve(orderID, label string) (ledger.Record, bool) {
	t.mu.Lock()
	hash, ok := t.byOrder[orderID]
	t.mu.Unlock()
	if ok && orderID != "" {
		return t.ledger.Get(hash)
	}
	l, err := quant.DecodeLabel(label)
	if err != nil {
		return ledger.Record{}, false
	}
	return t.ledger.Get(l.IH16)
}

// Sent writes the pre-network barrier for an intent and moves its machine to Sent.
func (t *Tracker) Sent(ctx context.Context, hash string) error {
	if err := t.ledger.MarkSent(ctx, hash); err != nil {
		return err
	}
	m, err := t.machine(hash)
	if err != nil {
		return err
	}
	_, err = m.Apply(ctx, tlsm.Input{Event: tlsm.EventSent})
	return err
}

// Acked records the venue's synchronous acceptance of an order.
func (t *Tracker) Acked(ctx context.Context, hash, orderID string) error {
	if err := t.bind(ctx, hash, orderID); err != nil {
		return err
	}
	m, err := t.machine(hash)
	if err != nil {
		return err
	}
	_, err = m.Apply(ctx, tlsm.Input{Event: tlsm.EventAcked})
	return err
}

func (t *Tracker) bind(ctx context.Context, hash, orderID string) error {
	if orderID == "" {
		return nil
	}
	if err := t.ledger.BindOrderID(ctx, hash, orderID); err != nil {
		return err
	}
	t.mu.Lock()
	t.byOrder[orderID] = hash
	t.mu.Unlock()
	return nil
}

// Fail records a terminal failure for an intent, e.g. a chokepoint or venue rejection.
func (t *Tracker) Fail(ctx context.Context, hash string, ev tlsm.Event) (tlsm.Result, error) {
	m, err := t.machine(hash)
	if err != nil {
		return tlsm.Result{}, err
	}
	return m.Apply(ctx, tlsm.Input{Event: ev})
}

// ApplyOrder routes an order snapshot. Fill quantities are taken from trades, not from here.
func (t *Tracker) ApplyOrder(ctx context.Context, order models.Order) (tlsm.Result, error) {
	rec, ok := t.Resolve(order.ID, order.Label)
	if !ok {
		return tlsm.Result{}, fmt.Errorf("%w: order=%s label=%s", ErrUnknownLeg, order.ID, order.Label)
	}
	if err := t.bind(ctx, rec.IntentHash, order.ID); err != nil {
		return tlsm.Result{}, err
	}

	m, err := t.machine(rec.IntentHash)
	if err != nil {
		return tlsm.Result{}, err
	}

	var res tlsm.Result
	for _, ev := range orderEvents(order, rec.Qty, t.qtyEps) {
		if res, err = m.Apply(ctx, tlsm.Input{Event: ev, FilledQty: order.FilledAmount}); err != nil {
			return res, err
		}
		t.report(rec, res)
	}
	return res, nil
}

// orderEvents maps a venue order state onto the lifecycle events it implies.
func orderEvents(o models.Order, requested, eps float64) []tlsm.Event {
	filled := o.FilledAmount
	switch o.State {
	case models.OrderStateOpen, models.OrderStateUntriggered:
		if filled > eps {
			return []tlsm.Event{tlsm.EventAcked, tlsm.EventPartialFill}
		}
		return []tlsm.Event{tlsm.EventAcked}
	case models.OrderStateFilled:
		return []tlsm.Event{tlsm.EventFilled}
	case models.OrderStateCancelled:
		if filled > eps && filled+eps < requested {
			return []tlsm.Event{tlsm.EventPartialFill, tlsm.EventCanceled}
		}
		if filled > eps {
			return []tlsm.Event{tlsm.EventFilled}
		}
		return []tlsm.Event{tlsm.EventCanceled}
	case models.OrderStateRejected:
		return []tlsm.Event{tlsm.EventRejected}
	}
	return nil
}

// ApplyTrade applies one fill exactly once. applied is false when the trade id was already seen
// from another source.
func (t *Tracker) ApplyTrade(ctx context.Context, trade models.Trade) (res tlsm.Result, applied bool, err error) {
	rec, ok := t.Resolve(trade.OrderID, trade.Label)
	if !ok {
		return tlsm.Result{}, false, fmt.Errorf("%w: trade=%s label=%s", ErrUnknownLeg, trade.TradeID, trade.Label)
	}

	ins, err := t.registry.InsertIfAbsent(ctx, ledger.TradeRef{
		TradeID:    trade.TradeID,
		IntentHash: rec.IntentHash,
		GroupID:    rec.GroupID,
		LegIdx:     rec.LegIdx,
		TS:         trade.Timestamp,
		Qty:        trade.Amount,
		Price:      trade.Price,
	})
	if err != nil {
		return tlsm.Result{}, false, err
	}
	if ins == ledger.Duplicate {
		return tlsm.Result{From: rec.State, To: rec.State, Ignored: true}, false, nil
	}

	if err := t.bind(ctx, rec.IntentHash, trade.OrderID); err != nil {
		return tlsm.Result{}, false, err
	}
	if err := t.ledger.ApplyFill(ctx, rec.IntentHash, ledger.Fill{
		TradeID: trade.TradeID,
		Qty:     trade.Amount,
		Price:   trade.Price,
		TS:      trade.Timestamp,
	}); err != nil {
		return tlsm.Result{}, false, err
	}

	cum := rec.FilledQty + trade.Amount
	if latest, ok := t.ledger.Get(rec.IntentHash); ok {
		cum = latest.FilledQty
	}
	ev := tlsm.EventPartialFill
	if cum+t.qtyEps >= rec.Qty {
		ev = tlsm.EventFilled
	}

	m, err := t.machine(rec.IntentHash)
	if err != nil {
		return tlsm.Result{}, true, err
	}
	res, err = m.Apply(ctx, tlsm.Input{Event: ev, TradeID: trade.TradeID, FilledQty: cum})
	if err != nil {
		return res, true, err
	}
	t.report(rec, res)
	return res, true, nil
}

func (t *Tracker) report(rec ledger.Record, res tlsm.Result) {
	if res.Anomaly == "" {
		return
	}
	t.log.WithGroupID(rec.GroupID).WithFields(logrus.Fields{
		"component":   "legs",
		"intent_hash": rec.IntentHash,
		"anomaly":     res.Anomaly,
		"from":        res.From,
		"to":          res.To,
	}).Warn("Нарушен порядок событий ноги.")
}

// Inventory returns signed filled exposure and signed unfilled remainder of live intents for an
// instrument, both in canonical units.
func (t *Tracker) Inventory(instrument string) (current, pending float64) {
	for _, rec := range t.ledger.All() {
		if rec.Instrument != instrument {
			continue
		}
		sign := rec.Side.Sign()
		current += sign * rec.FilledQty
		if !rec.State.Terminal() {
			pending += sign * rec.Remaining()
		}
	}
	return current, pending
}

// NetPositions is the ledger-implied signed position per instrument.
func (t *Tracker) NetPositions() map[string]float64 {
	out := make(map[string]float64)
	for _, rec := range t.ledger.All() {
		if rec.FilledQty != 0 {
			out[rec.Instrument] += rec.Side.Sign() * rec.FilledQty
		}
	}
	return out
}
