package deribit

import (
	"context"
	"fmt"
	"legguard/internal/exchange"
	"legguard/internal/models"
	"legguard/internal/ratelimit"
	"math"
)

func (c *Client) GetPositions(ctx context.Context, currency string) ([]models.Position, error) {
	var infos []positionInfo
	if err := c.call(ctx, "private/get_positions", map[string]any{"currency": currency}, true, &infos); err != nil {
		return nil, err
	}
	positions := make([]models.Position, 0, len(infos))
	for _, p := range infos {
		if p.Size == 0 {
			continue
		}
		positions = append(positions, models.Position{
			Instrument: p.InstrumentName,
			Size:       p.Size,
			Direction:  models.Side(p.Direction),
		})
	}
	return positions, nil
}

func (c *Client) accountSummary(ctx context.Context, currency string) (accountSummary, error) {
	var res accountSummary
	params := map[string]any{"currency": currency, "extended": true}
	if err := c.call(ctx, "private/get_account_summary", params, true, &res); err != nil {
		return accountSummary{}, err
	}
	return res, nil
}

func (c *Client) GetAccountSummary(ctx context.Context, currency string) (exchange.AccountSummary, error) {
	res, err := c.accountSummary(ctx, currency)
	if err != nil {
		return exchange.AccountSummary{}, err
	}

	summary := exchange.AccountSummary{
		Currency:          res.Currency,
		Equity:            res.Equity,
		MaintenanceMargin: res.MaintenanceMargin,
		InitialMargin:     res.InitialMargin,
		FetchedAt:         c.now(),
	}
	// The worst taker rate across instrument types is the one the gates price with.
	for _, f := range res.Fees {
		summary.TakerFeeRate = math.Max(summary.TakerFeeRate, f.TakerFee)
		summary.MakerFeeRate = math.Max(summary.MakerFeeRate, f.MakerFee)
	}
	return summary, nil
}

// GetRateLimits reads the matching engine tier, which is what order traffic draws from.
func (c *Client) GetRateLimits(ctx context.Context) (ratelimit.Tier, error) {
	res, err := c.accountSummary(ctx, c.currency)
	if err != nil {
		return ratelimit.Tier{}, err
	}
	lim := res.Limits.MatchingEngine
	if lim.Rate <= 0 || lim.Burst <= 0 {
		return ratelimit.Tier{}, fmt.Errorf("Биржа не вернула лимиты запросов.")
	}
	return ratelimit.Tier{Rate: lim.Rate, Burst: lim.Burst}, nil
}
