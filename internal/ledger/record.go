package ledger

import (
	"legguard/internal/models"
	"legguard/internal/quant"
	"time"
)

type EntryType string

const (
	EntryIntentRecorded  EntryType = "intent_recorded"
	EntryStateTransition EntryType = "state_transition"
	EntrySentMarked      EntryType = "sent_marked"
	EntryOrderBound      EntryType = "order_id_bound"
	EntryFillApplied     EntryType = "fill_applied"
)

// Record is the replayed view of one intent.
type Record struct {
	IntentHash      string             `json:"intent_hash"`
	GroupID         string             `json:"group_id"`
	LegIdx          uint32             `json:"leg_idx"`
	Instrument      string             `json:"instrument"`
	Side            models.Side        `json:"side"`
	Class           models.IntentClass `json:"class"`
	Qty             float64            `json:"qty"`
	LimitPrice      float64            `json:"limit_price"`
	Label           string             `json:"label"`
	ReduceOnly      bool               `json:"reduce_only"`
	State           models.LegState    `json:"tls_state"`
	CreatedTS       int64              `json:"created_ts"`
	SentTS          int64              `json:"sent_ts"`
	AckTS           int64              `json:"ack_ts"`
	LastFillTS      int64              `json:"last_fill_ts"`
	ExchangeOrderID string             `json:"exchange_order_id,omitempty"`
	LastTradeID     string             `json:"last_trade_id,omitempty"`
	FilledQty       float64            `json:"filled_qty"`
}

func RecordFromIntent(intent quant.OrderIntent, now time.Time) Record {
	return Record{
		IntentHash: intent.HashHex,
		GroupID:    intent.GroupID,
		LegIdx:     intent.LegIdx,
		Instrument: intent.Instrument,
		Side:       intent.Side,
		Class:      intent.Class,
		Qty:        intent.Qty,
		LimitPrice: intent.LimitPrice,
		Label:      intent.Label,
		ReduceOnly: intent.ReduceOnly,
		State:      models.LegCreated,
		CreatedTS:  now.UnixMilli(),
	}
}

// WasSent is true once the intent may have reached the venue.
func (r Record) WasSent() bool {
	return r.SentTS > 0 || r.State != models.LegCreated
}

func (r Record) Remaining() float64 {
	rem := r.Qty - r.FilledQty
	if rem < 0 {
		return 0
	}
	return rem
}

type Entry struct {
	Type    EntryType       `json:"type"`
	TS      int64           `json:"ts"`
	Hash    string          `json:"intent_hash"`
	Record  *Record         `json:"record,omitempty"`
	State   models.LegState `json:"state,omitempty"`
	Event   string          `json:"event,omitempty"`
	Anomaly string          `json:"anomaly,omitempty"`
	OrderID string          `json:"order_id,omitempty"`
	TradeID string          `json:"trade_id,omitempty"`
	Qty     float64         `json:"qty,omitempty"`
	Price   float64         `json:"price,omitempty"`
}

type Fill struct {
	TradeID string
	Qty     float64
	Price   float64
	TS      time.Time
}

type ReplayOutcome struct {
	Entries  int
	Records  []Record
	InFlight []Record
	Trades   []TradeRef
}
