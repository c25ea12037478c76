package ws

import (
	"fmt"
)

func (w *Client) authenticate() error {
	params := map[string]any{
		"grant_type":    "client_credentials",
		"client_id":     w.clientID,
		"client_secret": w.secret,
	}
	if err := w.send("public/auth", params); err != nil {
		return fmt.Errorf("Не удалось авторизоваться: %w", err)
	}
	return nil
}
