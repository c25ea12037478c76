package models

import "time"

type Side string
type InstrumentKind string
type OrderType string
type OrderState string
type IntentClass string
type LegState string
type TradingMode string
type RiskState string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"

	KindOption        InstrumentKind = "option"
	KindLinearFuture  InstrumentKind = "linear_future"
	KindInverseFuture InstrumentKind = "inverse_future"
	KindPerpetual     InstrumentKind = "perpetual"

	OrderTypeLimit     OrderType = "limit"
	OrderTypeMarket    OrderType = "market"
	OrderTypeStopLimit OrderType = "stop_limit"
	OrderTypeStopMkt   OrderType = "stop_market"

	OrderStateOpen        OrderState = "open"
	OrderStateFilled      OrderState = "filled"
	OrderStateRejected    OrderState = "rejected"
	OrderStateCancelled   OrderState = "cancelled"
	OrderStateUntriggered OrderState = "untriggered"

	ClassOpen   IntentClass = "open"
	ClassClose  IntentClass = "close"
	ClassHedge  IntentClass = "hedge"
	ClassCancel IntentClass = "cancel"

	LegCreated         LegState = "Created"
	LegSent            LegState = "Sent"
	LegAcked           LegState = "Acked"
	LegPartiallyFilled LegState = "PartiallyFilled"
	LegFilled          LegState = "Filled"
	LegCanceled        LegState = "Canceled"
	LegFailed          LegState = "Failed"

	ModeActive     TradingMode = "Active"
	ModeReduceOnly TradingMode = "ReduceOnly"
	ModeKill       TradingMode = "Kill"

	RiskHealthy     RiskState = "Healthy"
	RiskDegraded    RiskState = "Degraded"
	RiskMaintenance RiskState = "Maintenance"
	RiskKill        RiskState = "Kill"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign is +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

func (s LegState) Terminal() bool {
	return s == LegFilled || s == LegCanceled || s == LegFailed
}

func (c IntentClass) ReduceOnly() bool {
	return c != ClassOpen
}

func (m TradingMode) Rank() int {
	switch m {
	case ModeKill:
		return 2
	case ModeReduceOnly:
		return 1
	default:
		return 0
	}
}

type Instrument struct {
	Name               string         `json:"name"`
	Kind               InstrumentKind `json:"kind"`
	Currency           string         `json:"currency"`
	TickSize           float64        `json:"tick_size"`
	AmountStep         float64        `json:"amount_step"`
	MinAmount          float64        `json:"min_amount"`
	ContractMultiplier float64        `json:"contract_multiplier"`
	ExpiresAt          time.Time      `json:"expires_at"`
	Active             bool           `json:"active"`
}

// ExpiringWithin is true for a delisted instrument or one that expires within buffer of now.
func (i Instrument) ExpiringWithin(now time.Time, buffer time.Duration) bool {
	if !i.Active {
		return true
	}
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt.Add(-buffer))
}

type Order struct {
	ID           string     `json:"id"`
	Label        string     `json:"label"`
	Instrument   string     `json:"instrument"`
	Side         Side       `json:"side"`
	Type         OrderType  `json:"type"`
	Price        float64    `json:"price"`
	Amount       float64    `json:"amount"`
	FilledAmount float64    `json:"filled_amount"`
	State        OrderState `json:"state"`
	ReduceOnly   bool       `json:"reduce_only"`
	TimeInForce  string     `json:"time_in_force"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type Trade struct {
	TradeID    string    `json:"trade_id"`
	TradeSeq   int64     `json:"trade_seq"`
	OrderID    string    `json:"order_id"`
	Label      string    `json:"label"`
	Instrument string    `json:"instrument"`
	Side       Side      `json:"side"`
	Price      float64   `json:"price"`
	Amount     float64   `json:"amount"`
	Timestamp  time.Time `json:"timestamp"`
}

type Position struct {
	Instrument string  `json:"instrument"`
	Size       float64 `json:"size"`
	Direction  Side    `json:"direction"`
}

type BookLevel struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

type OrderBook struct {
	Instrument   string      `json:"instrument"`
	Bids         []BookLevel `json:"bids"`
	Asks         []BookLevel `json:"asks"`
	ChangeID     int64       `json:"change_id"`
	PrevChangeID int64       `json:"prev_change_id"`
	Timestamp    time.Time   `json:"timestamp"`
}

func (b OrderBook) BestBid() (float64, bool) {
	if len(b.Bids) == 0 {
		return 0, false
	}
	return b.Bids[0].Price, true
}

func (b OrderBook) BestAsk() (float64, bool) {
	if len(b.Asks) == 0 {
		return 0, false
	}
	return b.Asks[0].Price, true
}

// Touch returns the price a taker on side would hit first.
func (b OrderBook) Touch(side Side) (float64, bool) {
	if side == SideBuy {
		return b.BestAsk()
	}
	return b.BestBid()
}
