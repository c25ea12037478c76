package ws

import (
	"encoding/json"
	"legguard/internal/exchange"
	"legguard/internal/models"
	"time"
)

type orderData struct {
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

type tradeData struct {
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

// Delta levels are [action, price, amount] with action new, change or delete.
type bookData struct {
	Type           string  `json:"type"`
	InstrumentName string  `json:"instrument_name"`
	ChangeID       int64   `json:"change_id"`
	PrevChangeID   int64   `json:"prev_change_id"`
	Timestamp      int64   `json:"timestamp"`
	Bids           [][]any `json:"bids"`
	Asks           [][]any `json:"asks"`
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (w *Client) handleHeartbeat(msg Message) {
	var p struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(msg.Params, &p)
	if p.Type == "test_request" {
		if err := w.send("public/test", nil); err != nil {
			w.logEntry().WithError(err).Warn("Не удалось ответить на heartbeat.")
		}
	}
	w.emit(exchange.Event{Type: exchange.EventTypeHeartbeat})
}

func (w *Client) handleOrder(n Notification) {
	var data []orderData
	if err := json.Unmarshal(n.Data, &data); err != nil {
		var single orderData
		if err := json.Unmarshal(n.Data, &single); err != nil {
			w.logEntry().WithError(err).Warn("Не удалось разобрать order.")
			return
		}
		data = append(data, single)
	}

	for _, item := range data {
		w.logEntry().WithFields(map[string]interface{}{
			"instrument": item.Instrument,
			"side":       item.Direction,
			"order_id":   item.OrderID,
			"label":      item.Label,
			"state":      item.OrderState,
			"price":      item.Price,
			"amount":     item.Amount,
			"filled":     item.FilledAmount,
		}).Debug("order")

		w.emit(exchange.Event{
			Type:    exchange.EventTypeOrder,
			Channel: n.Channel,
			Order: &models.Order{
				ID:           item.OrderID,
				Label:        item.Label,
				Instrument:   item.Instrument,
				Side:         models.Side(item.Direction),
				Type:         models.OrderType(item.OrderType),
				Price:        item.Price,
				Amount:       item.Amount,
				FilledAmount: item.FilledAmount,
				State:        models.OrderState(item.OrderState),
				ReduceOnly:   item.ReduceOnly,
				TimeInForce:  item.TimeInForce,
				CreatedAt:    millis(item.CreationTS),
				UpdatedAt:    millis(item.LastUpdateTS),
			},
		})
	}
}

func (w *Client) handleUserTrades(n Notification) {
	var data []tradeData
	if err := json.Unmarshal(n.Data, &data); err != nil {
		w.logEntry().WithError(err).Warn("Не удалось разобрать user trades.")
		return
	}

	for _, item := range data {
		w.logEntry().WithFields(map[string]interface{}{
			"instrument": item.Instrument,
			"trade_id":   item.TradeID,
			"order_id":   item.OrderID,
			"label":      item.Label,
			"price":      item.Price,
			"amount":     item.Amount,
		}).Debug("trade")

		w.emit(exchange.Event{
			Type:    exchange.EventTypeTrade,
			Channel: n.Channel,
			Trade: &models.Trade{
				TradeID:    item.TradeID,
				TradeSeq:   item.TradeSeq,
				OrderID:    item.OrderID,
				Label:      item.Label,
				Instrument: item.Instrument,
				Side:       models.Side(item.Direction),
				Price:      item.Price,
				Amount:     item.Amount,
				Timestamp:  millis(item.Timestamp),
			},
		})
	}
}

func (w *Client) handlePublicTrades(n Notification) {
	var data []tradeData
	if err := json.Unmarshal(n.Data, &data); err != nil {
		w.logEntry().WithError(err).Warn("Не удалось разобрать trades.")
		return
	}
	for _, item := range data {
		w.emit(exchange.Event{
			Type:    exchange.EventTypePublicTrade,
			Channel: n.Channel,
			PublicTrade: &exchange.PublicTrade{
				Instrument: item.Instrument,
				TradeID:    item.TradeID,
				Seq:        item.TradeSeq,
				Price:      item.Price,
				Amount:     item.Amount,
				Timestamp:  millis(item.Timestamp),
			},
		})
	}
}

func (w *Client) handleBook(n Notification) {
	var data bookData
	if err := json.Unmarshal(n.Data, &data); err != nil {
		w.logEntry().WithError(err).Warn("Не удалось разобрать book.")
		return
	}

	update := exchange.BookUpdate{
		OrderBook: models.OrderBook{
			Instrument:   data.InstrumentName,
			ChangeID:     data.ChangeID,
			PrevChangeID: data.PrevChangeID,
			Timestamp:    millis(data.Timestamp),
			Bids:         levels(data.Bids),
			Asks:         levels(data.Asks),
		},
		Snapshot: data.Type == "snapshot",
	}
	w.emit(exchange.Event{Type: exchange.EventTypeBook, Channel: n.Channel, Book: &update})
}

func levels(raw [][]any) []models.BookLevel {
	out := make([]models.BookLevel, 0, len(raw))
	for _, l := range raw {
		if len(l) != 3 {
			continue
		}
		action, _ := l[0].(string)
		price, ok := l[1].(float64)
		if !ok {
			continue
		}
		amount, _ := l[2].(float64)
		if action == "delete" {
			amount = 0
		}
		out = append(out, models.BookLevel{Price: price, Amount: amount})
	}
	return out
}
