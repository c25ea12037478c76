package deribit

import (
	"context"
	"errors"
	"fmt"
	"legguard/internal/exchange"
	"legguard/internal/models"
	"time"
)

// Venue error code for an unknown order id.
const codeOrderNotFound = 11044

func (c *Client) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	if err := req.Validate(); err != nil {
		return exchange.OrderResult{}, err
	}

	amount, price := formatWithStep(req.Amount, 0), formatWithStep(req.Price, 0)
	if inst, ok := c.cached(req.Instrument); ok {
		amount = formatWithStep(req.Amount, inst.AmountStep)
		price = formatWithStep(req.Price, inst.TickSize)
	}

	params := map[string]any{
		"instrument_name": req.Instrument,
		"amount":          amount,
		"type":            string(models.OrderTypeLimit),
		"price":           price,
		"label":           req.Label,
		"time_in_force":   exchange.TimeInForceIOC,
		"reduce_only":     req.ReduceOnly,
	}

	method := "private/buy"
	if req.Side == models.SideSell {
		method = "private/sell"
	}

	var resp orderResponse
	if err := c.call(ctx, method, params, true, &resp); err != nil {
		return exchange.OrderResult{}, err
	}

	res := exchange.OrderResult{Order: toOrder(resp.Order)}
	for _, t := range resp.Trades {
		res.Trades = append(res.Trades, toTrade(t))
	}
	c.logEntry().WithFields(map[string]interface{}{
		"order_id":   res.Order.ID,
		"label":      req.Label,
		"instrument": req.Instrument,
		"state":      res.Order.State,
		"filled":     res.Order.FilledAmount,
	}).Debug("Заявка отправлена.")
	return res, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	err := c.call(ctx, "private/cancel", map[string]any{"order_id": orderID}, true, nil)
	var venueErr *exchange.VenueError
	if errors.As(err, &venueErr) && venueErr.Code == codeOrderNotFound {
		return fmt.Errorf("%s: %w", orderID, exchange.ErrOrderNotFound)
	}
	return err
}

func (c *Client) GetOpenOrders(ctx context.Context, currency string) ([]models.Order, error) {
	var infos []orderInfo
	if err := c.call(ctx, "private/get_open_orders_by_currency", map[string]any{"currency": currency}, true, &infos); err != nil {
		return nil, err
	}
	orders := make([]models.Order, 0, len(infos))
	for _, o := range infos {
		orders = append(orders, toOrder(o))
	}
	return orders, nil
}

// GetUserTrades pages through trades from since until now, oldest first.
func (c *Client) GetUserTrades(ctx context.Context, currency string, since time.Time) ([]models.Trade, error) {
	const pageSize = 1000

	start := since.UnixMilli()
	end := c.now().UnixMilli()
	var trades []models.Trade
	for {
		var page struct {
			Trades  []tradeInfo `json:"trades"`
			HasMore bool        `json:"has_more"`
		}
		params := map[string]any{
			"currency":        currency,
			"start_timestamp": start,
			"end_timestamp":   end,
			"count":           pageSize,
			"sorting":         "asc",
		}
		if err := c.call(ctx, "private/get_user_trades_by_currency_and_time", params, true, &page); err != nil {
			return nil, err
		}
		for _, t := range page.Trades {
			trades = append(trades, toTrade(t))
		}
		if !page.HasMore || len(page.Trades) == 0 {
			return trades, nil
		}
		last := page.Trades[len(page.Trades)-1].Timestamp
		if last < start {
			return trades, nil
		}
		start = last
		// The boundary millisecond is fetched twice; callers dedupe by trade id.
	}
}
