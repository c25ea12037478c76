package deribit

import (
	"context"
	"fmt"
	"legguard/internal/exchange"
	"legguard/internal/exchange/deribit/ws"
)

// Subscribe connects the websocket on first use. Later calls replace the channel set on the
// same connection.
func (c *Client) Subscribe(ctx context.Context, channels []string) (<-chan exchange.Event, error) {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()

	if c.stream == nil {
		stream := ws.New(ws.Options{
			URL:          c.wsURL,
			ClientID:     c.clientID,
			Secret:       c.clientSecret,
			ReconnectMin: c.reconnectMin,
			ReconnectMax: c.reconnectMax,
			Log:          c.log,
		})
		if err := stream.Connect(ctx); err != nil {
			return nil, err
		}
		c.stream = stream
	}
	if err := c.stream.Subscribe(ctx, channels); err != nil {
		return nil, err
	}
	return c.stream.Events(), nil
}

func (c *Client) Resubscribe(ctx context.Context, channels []string) error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.stream == nil {
		return fmt.Errorf("Поток не подключен.")
	}
	return c.stream.Resubscribe(ctx, channels)
}

func (c *Client) Close() error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.stream == nil {
		return nil
	}
	err := c.stream.Close()
	c.stream = nil
	return err
}

// Channels lists the subscriptions the runtime needs for the given instruments.
func Channels(instruments []string) []string {
	channels := []string{"user.orders.any.any.raw", "user.trades.any.any.raw"}
	for _, name := range instruments {
		channels = append(channels, "book."+name+".100ms", "trades."+name+".100ms")
	}
	return channels
}

var _ exchange.Venue = (*Client)(nil)
