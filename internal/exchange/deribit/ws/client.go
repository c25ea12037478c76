package ws

import (
	"context"
	"fmt"
	"legguard/internal/exchange"
	"legguard/internal/logger"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type Options struct {
	URL          string
	ClientID     string
	Secret       string
	Heartbeat    time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Log          *logger.Logger
}

func New(opts Options) *Client {
	c := &Client{
		url:          opts.URL,
		clientID:     opts.ClientID,
		secret:       opts.Secret,
		log:          opts.Log,
		events:       make(chan exchange.Event, 256),
		stopCh:       make(chan struct{}),
		heartbeat:    opts.Heartbeat,
		reconnectMin: opts.ReconnectMin,
		reconnectMax: opts.ReconnectMax,
		now:          time.Now,
	}
	if c.log == nil {
		c.log = logger.Nop()
	}
	if c.heartbeat <= 0 {
		c.heartbeat = 10 * time.Second
	}
	if c.reconnectMin <= 0 {
		c.reconnectMin = time.Second
	}
	if c.reconnectMax < c.reconnectMin {
		c.reconnectMax = 30 * time.Second
	}
	return c
}

func (w *Client) Connect(ctx context.Context) error {
	w.logEntry().WithField("url", w.url).Info("Подключение к WS.")

	if err := w.dial(ctx); err != nil {
		return err
	}

	w.logEntry().Info("WS соединение установлено.")

	go w.readLoop()

	return nil
}

// dial opens the socket, authenticates when keys are set and enables venue heartbeats.
func (w *Client) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("Не удалось подключиться к WS: %w", err)
	}

	conn.SetReadLimit(2 << 20)
	w.writeMu.Lock()
	if w.conn != nil {
		_ = w.conn.Close()
	}
	w.conn = conn
	w.writeMu.Unlock()

	if w.clientID != "" && w.secret != "" {
		if err := w.authenticate(); err != nil {
			return err
		}
	}

	seconds := int(w.heartbeat / time.Second)
	if seconds < 10 {
		seconds = 10
	}
	return w.send("public/set_heartbeat", map[string]any{"interval": seconds})
}

func (w *Client) send(method string, params map[string]any) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	msg := Request{
		JSONRPC: "2.0",
		ID:      w.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	if err := w.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("Не удалось отправить %s в WS: %w", method, err)
	}
	return nil
}

// emit drops nothing: it blocks until the consumer reads or the client stops.
func (w *Client) emit(ev exchange.Event) {
	if ev.At.IsZero() {
		ev.At = w.now()
	}
	select {
	case w.events <- ev:
	case <-w.stopCh:
	}
}

func (w *Client) logEntry() *logrus.Entry {
	return w.log.WithComponent("deribit_ws")
}

func (w *Client) Events() <-chan exchange.Event {
	return w.events
}

func (w *Client) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.writeMu.Lock()
		defer w.writeMu.Unlock()
		if w.conn != nil {
			err = w.conn.Close()
		}
	})
	return err
}
