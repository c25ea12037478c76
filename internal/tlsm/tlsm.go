package tlsm

import (
	"context"
	"errors"
	"fmt"
	"legguard/internal/metrics"
	"legguard/internal/models"
	"sync"
)

var ErrPersistFailed = errors.New("Не удалось сохранить переход состояния.")

type Event string

const (
	EventSent        Event = "sent"
	EventAcked       Event = "acked"
	EventPartialFill Event = "partial_fill"
	EventFilled      Event = "filled"
	EventCanceled    Event = "canceled"
	EventRejected    Event = "rejected"
	EventFailed      Event = "failed"
	// EventDuplicateTrade is written, never applied, when a trade id arrives again.
	EventDuplicateTrade Event = "duplicate_trade"
)

const (
	AnomalyFillBeforeAck    = "fill-before-ack"
	AnomalyPartialBeforeAck = "partial-before-ack"
	AnomalyOrphanFill       = "orphan-fill"
	AnomalyOrphanPartial    = "orphan-partial-fill"
	AnomalyAckBeforeSend    = "ack-before-send"
)

// Sink persists every observed event. The ledger implements it.
type Sink interface {
	Transition(ctx context.Context, hash string, to models.LegState, event, anomaly string) error
}

type Input struct {
	Event Event
	// TradeID dedupes fill events delivered twice.
	TradeID string
	// FilledQty is cumulative for the order when known.
	FilledQty float64
}

type Result struct {
	From    models.LegState
	To      models.LegState
	Anomaly string
	Ignored bool
}

func (r Result) Changed() bool {
	return r.From != r.To
}

// Machine is the per-leg lifecycle. Out-of-order reality is accepted, not raised.
type Machine struct {
	mu     sync.Mutex
	hash   string
	state  models.LegState
	filled float64
	trades map[string]bool
	sink   Sink
}

func New(hash string, sink Sink) *Machine {
	return Restore(hash, models.LegCreated, 0, sink)
}

// Restore rebuilds a machine from a replayed ledger record.
func Restore(hash string, state models.LegState, filled float64, sink Sink) *Machine {
	if state == "" {
		state = models.LegCreated
	}
	return &Machine{
		hash:   hash,
		state:  state,
		filled: filled,
		trades: make(map[string]bool),
		sink:   sink,
	}
}

func (m *Machine) State() models.LegState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) FilledQty() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filled
}

func (m *Machine) Hash() string {
	return m.hash
}

func (m *Machine) Apply(ctx context.Context, in Input) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if in.TradeID != "" && m.trades[in.TradeID] {
		if m.sink != nil {
			if err := m.sink.Transition(ctx, m.hash, m.state, string(EventDuplicateTrade), ""); err != nil {
				return Result{From: m.state, To: m.state}, fmt.Errorf("%w: %v", ErrPersistFailed, err)
			}
		}
		return Result{From: m.state, To: m.state, Ignored: true}, nil
	}

	to, anomaly, ok := next(m.state, in.Event)
	res := Result{From: m.state, To: to, Anomaly: anomaly, Ignored: !ok}
	if !ok {
		res.To = m.state
	}

	if m.sink != nil {
		if err := m.sink.Transition(ctx, m.hash, res.To, string(in.Event), anomaly); err != nil {
			return Result{From: m.state, To: m.state}, fmt.Errorf("%w: %v", ErrPersistFailed, err)
		}
	}

	if anomaly != "" {
		metrics.TLSMAnomalies.WithLabelValues(anomaly).Inc()
	}
	if in.TradeID != "" {
		m.trades[in.TradeID] = true
	}
	if in.FilledQty > m.filled {
		m.filled = in.FilledQty
	}
	m.state = res.To
	return res, nil
}

// next is the transition table. ok=false means the event is observed but does not move the state.
func next(from models.LegState, ev Event) (models.LegState, string, bool) {
	if from.Terminal() {
		return from, "", false
	}

	switch ev {
	case EventFailed:
		return models.LegFailed, "", true
	case EventCanceled:
		return models.LegCanceled, "", true
	}

	switch from {
	case models.LegCreated:
		switch ev {
		case EventSent:
			return models.LegSent, "", true
		case EventAcked:
			return models.LegAcked, AnomalyAckBeforeSend, true
		case EventPartialFill:
			return models.LegPartiallyFilled, AnomalyOrphanPartial, true
		case EventFilled:
			return models.LegFilled, AnomalyOrphanFill, true
		case EventRejected:
			return models.LegFailed, "", true
		}
	case models.LegSent:
		switch ev {
		case EventAcked:
			return models.LegAcked, "", true
		case EventPartialFill:
			return models.LegPartiallyFilled, AnomalyPartialBeforeAck, true
		case EventFilled:
			return models.LegFilled, AnomalyFillBeforeAck, true
		case EventRejected:
			return models.LegFailed, "", true
		}
	case models.LegAcked:
		switch ev {
		case EventPartialFill:
			return models.LegPartiallyFilled, "", true
		case EventFilled:
			return models.LegFilled, "", true
		}
	case models.LegPartiallyFilled:
		switch ev {
		case EventPartialFill:
			return models.LegPartiallyFilled, "", true
		case EventFilled:
			return models.LegFilled, "", true
		}
	}
	return from, "", false
}
