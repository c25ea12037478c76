package deribit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"legguard/internal/exchange"
	"net/http"
)

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int64          `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse[T any] struct {
	ID     int64     `json:"id"`
	Result T         `json:"result"`
	Error  *rpcError `json:"error"`
	UsIn   int64     `json:"usIn"`
	UsOut  int64     `json:"usOut"`
}

func (c *Client) call(ctx context.Context, method string, params map[string]any, private bool, out any) error {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("Не удалось подготовить тело запроса: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v2/"+method, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("Не удалось создать запрос: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if private {
		token, err := c.accessToken(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Ошибка запроса %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("Не удалось прочитать ответ: %w", err)
	}

	var envelope rpcResponse[json.RawMessage]
	if err := json.Unmarshal(data, &envelope); err != nil {
		if resp.StatusCode >= 400 {
			return fmt.Errorf("Неуспешный статус: %s", resp.Status)
		}
		return fmt.Errorf("Не удалось разобрать ответ: %w", err)
	}
	if envelope.Error != nil {
		if private && envelope.Error.Code == exchange.CodeTooManyRequests {
			c.dropToken()
		}
		return fmt.Errorf("%s: %w", method, &exchange.VenueError{Code: envelope.Error.Code, Message: envelope.Error.Message})
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("Неуспешный статус: %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("Не удалось разобрать результат %s: %w", method, err)
	}
	return nil
}
