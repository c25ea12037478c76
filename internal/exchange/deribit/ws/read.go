package ws

import (
	"context"
	"encoding/json"
	"legguard/internal/exchange"
	"legguard/internal/ratelimit"
	"strings"
	"time"
)

func (w *Client) readLoop() {
	w.logEntry().Debug("readLoop запущен.")

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		// A silent socket past three heartbeat intervals counts as dead.
		_ = w.conn.SetReadDeadline(w.now().Add(3 * w.heartbeat))
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			select {
			case <-w.stopCh:
				return
			default:
			}
			w.logEntry().WithError(err).Warn("Ошибка чтения WS.")
			w.emit(exchange.Event{Type: exchange.EventTypeDisconnect, Err: err})

			if !w.reconnect() {
				return
			}
			continue
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			w.logEntry().WithError(err).Warn("Не удалось разобрать WS сообщение.")
			continue
		}

		switch {
		case msg.Error != nil:
			w.logEntry().WithFields(map[string]interface{}{
				"id":   msg.ID,
				"code": msg.Error.Code,
			}).Warn("Биржа вернула ошибку в WS: " + msg.Error.Message)
			if msg.Error.Code == exchange.CodeTooManyRequests {
				w.emit(exchange.Event{
					Type: exchange.EventTypeDisconnect,
					Err:  &exchange.VenueError{Code: msg.Error.Code, Message: msg.Error.Message},
				})
			}
		case msg.Method == "heartbeat":
			w.handleHeartbeat(msg)
		case msg.Method == "subscription":
			w.dispatch(msg)
		default:
			continue
		}
	}
}

func (w *Client) dispatch(msg Message) {
	var n Notification
	if err := json.Unmarshal(msg.Params, &n); err != nil {
		w.logEntry().WithError(err).Warn("Не удалось разобрать уведомление.")
		return
	}

	switch {
	case strings.HasPrefix(n.Channel, "user.orders"):
		w.handleOrder(n)
	case strings.HasPrefix(n.Channel, "user.trades"):
		w.handleUserTrades(n)
	case strings.HasPrefix(n.Channel, "book."):
		w.handleBook(n)
	case strings.HasPrefix(n.Channel, "trades."):
		w.handlePublicTrades(n)
	}
}

func (w *Client) reconnect() bool {
	for attempt := 0; ; attempt++ {
		select {
		case <-w.stopCh:
			return false
		case <-time.After(ratelimit.Backoff(attempt, w.reconnectMin, w.reconnectMax)):
		}

		w.logEntry().WithField("attempt", attempt+1).Info("Попытка переподключения к WS.")

		ctx, cancel := context.WithTimeout(context.Background(), w.reconnectMax)
		err := w.dial(ctx)
		cancel()
		if err != nil {
			w.logEntry().WithError(err).Warn("Не удалось переподключиться к WS.")
			continue
		}

		if err := w.subscribe(); err != nil {
			w.logEntry().WithError(err).Warn("Не удалось повторно подписаться на WS.")
			continue
		}

		w.emit(exchange.Event{Type: exchange.EventTypeReconnect})
		w.logEntry().Info("WS переподключён и подписки восстановлены.")
		return true
	}
}
