package deribit

type instrumentInfo struct {
	InstrumentName      string  `json:"instrument_name"`
	Kind                string  `json:"kind"`
	IsActive            bool    `json:"is_active"`
	SettlementPeriod    string  `json:"settlement_period"`
	SettlementCurrency  string  `json:"settlement_currency"`
	QuoteCurrency       string  `json:"quote_currency"`
	BaseCurrency        string  `json:"base_currency"`
	TickSize            float64 `json:"tick_size"`
	MinTradeAmount      float64 `json:"min_trade_amount"`
	AmountStep          float64 `json:"amount_step"`
	ContractSize        float64 `json:"contract_size"`
	ExpirationTimestamp int64   `json:"expiration_timestamp"`
	InstrumentType      string  `json:"instrument_type"`
}

type orderInfo struct {
	OrderID      string  `json:"order_id"`
	Label        string  `json:"label"`
	Instrument   string  `json:"instrument_name"`
	Direction    string  `json:"direction"`
	OrderType    string  `json:"order_type"`
	Price        float64 `json:"price"`
	Amount       float64 `json:"amount"`
	FilledAmount float64 `json:"filled_amount"`
	OrderState   string  `json:"order_state"`
	ReduceOnly   bool    `json:"reduce_only"`
	TimeInForce  string  `json:"time_in_force"`
	CreationTS   int64   `json:"creation_timestamp"`
	LastUpdateTS int64   `json:"last_update_timestamp"`
}

type tradeInfo struct {
	TradeID    string  `json:"trade_id"`
	TradeSeq   int64   `json:"trade_seq"`
	OrderID    string  `json:"order_id"`
	Label      string  `json:"label"`
	Instrument string  `json:"instrument_name"`
	Direction  string  `json:"direction"`
	Price      float64 `json:"price"`
	Amount     float64 `json:"amount"`
	Timestamp  int64   `json:"timestamp"`
}

type orderResponse struct {
	Order  orderInfo   `json:"order"`
	Trades []tradeInfo `json:"trades"`
}

type positionInfo struct {
	InstrumentName string  `json:"instrument_name"`
	Size           float64 `json:"size"`
	Direction      string  `json:"direction"`
}

// Book levels come as [price, amount] pairs.
type bookInfo struct {
	InstrumentName string       `json:"instrument_name"`
	Bids           [][2]float64 `json:"bids"`
	Asks           [][2]float64 `json:"asks"`
	ChangeID       int64        `json:"change_id"`
	Timestamp      int64        `json:"timestamp"`
}

type rateLimit struct {
	Rate  float64 `json:"rate"`
	Burst float64 `json:"burst"`
}

type accountSummary struct {
	Currency          string  `json:"currency"`
	Equity            float64 `json:"equity"`
	MaintenanceMargin float64 `json:"maintenance_margin"`
	InitialMargin     float64 `json:"initial_margin"`
	Fees              []struct {
		Currency       string  `json:"currency"`
		InstrumentType string  `json:"instrument_type"`
		TakerFee       float64 `json:"taker_fee"`
		MakerFee       float64 `json:"maker_fee"`
	} `json:"fees"`
	Limits struct {
		MatchingEngine    rateLimit `json:"matching_engine"`
		NonMatchingEngine rateLimit `json:"non_matching_engine"`
	} `json:"limits"`
}
