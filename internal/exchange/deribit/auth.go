package deribit

import (
	"context"
	"fmt"
	"time"
)

type accessToken struct {
	value     string
	expiresAt time.Time
}

type authResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// accessToken returns a cached client_credentials token, refreshing it a little before expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	now := c.now()
	if c.token.value != "" && now.Before(c.token.expiresAt) {
		return c.token.value, nil
	}
	if c.clientID == "" || c.clientSecret == "" {
		return "", fmt.Errorf("Не заданы ключи API для приватного запроса.")
	}

	var res authResult
	params := map[string]any{
		"grant_type":    "client_credentials",
		"client_id":     c.clientID,
		"client_secret": c.clientSecret,
	}
	if err := c.call(ctx, "public/auth", params, false, &res); err != nil {
		return "", fmt.Errorf("Не удалось авторизоваться: %w", err)
	}

	ttl := time.Duration(res.ExpiresIn) * time.Second
	c.token = accessToken{
		value:     res.AccessToken,
		expiresAt: now.Add(ttl - ttl/10),
	}
	c.logEntry().WithField("scope", res.Scope).Debug("Получен токен доступа.")
	return c.token.value, nil
}

func (c *Client) dropToken() {
	c.tokenMu.Lock()
	c.token = accessToken{}
	c.tokenMu.Unlock()
}
