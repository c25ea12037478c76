package ws

import (
	"context"
	"fmt"
	"strings"
)

// Subscribe remembers the channels so a reconnect restores them.
func (w *Client) Subscribe(ctx context.Context, channels []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.channels = append([]string(nil), channels...)
	return w.subscribe()
}

// Resubscribe unsubscribes and subscribes again so the venue restarts the channels with a fresh
// snapshot. The remembered channel set is unchanged.
func (w *Client) Resubscribe(ctx context.Context, channels []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(channels) == 0 {
		return nil
	}
	scope, err := w.scope(channels)
	if err != nil {
		return err
	}
	params := map[string]any{"channels": channels}
	if err := w.send(scope+"/unsubscribe", params); err != nil {
		return err
	}
	return w.send(scope+"/subscribe", params)
}

func (w *Client) subscribe() error {
	if len(w.channels) == 0 {
		return nil
	}
	scope, err := w.scope(w.channels)
	if err != nil {
		return err
	}
	return w.send(scope+"/subscribe", map[string]any{"channels": w.channels})
}

func (w *Client) scope(channels []string) (string, error) {
	for _, ch := range channels {
		if !strings.HasPrefix(ch, "user.") {
			continue
		}
		if w.clientID == "" || w.secret == "" {
			return "", fmt.Errorf("Приватные каналы требуют ключей API.")
		}
		return "private", nil
	}
	return "public", nil
}
