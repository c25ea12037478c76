package deribit

import (
	"context"
	"fmt"
	"legguard/internal/models"
)

func (c *Client) GetInstruments(ctx context.Context, currency string) ([]models.Instrument, error) {
	var infos []instrumentInfo
	params := map[string]any{"currency": currency, "expired": false}
	if err := c.call(ctx, "public/get_instruments", params, false, &infos); err != nil {
		return nil, err
	}

	out := make([]models.Instrument, 0, len(infos))
	for _, info := range infos {
		inst, ok := toInstrument(info)
		if !ok {
			continue
		}
		out = append(out, inst)
	}
	c.remember(out...)
	c.logEntry().WithField("count", len(out)).Debug("Загружены инструменты.")
	return out, nil
}

func (c *Client) GetInstrument(ctx context.Context, name string) (models.Instrument, error) {
	var info instrumentInfo
	if err := c.call(ctx, "public/get_instrument", map[string]any{"instrument_name": name}, false, &info); err != nil {
		return models.Instrument{}, err
	}
	inst, ok := toInstrument(info)
	if !ok {
		return models.Instrument{}, fmt.Errorf("Неподдерживаемый тип инструмента %s: %s", name, info.Kind)
	}
	c.remember(inst)
	return inst, nil
}

func (c *Client) GetOrderBook(ctx context.Context, instrument string, depth int) (models.OrderBook, error) {
	if depth <= 0 {
		depth = 10
	}
	var info bookInfo
	params := map[string]any{"instrument_name": instrument, "depth": depth}
	if err := c.call(ctx, "public/get_order_book", params, false, &info); err != nil {
		return models.OrderBook{}, err
	}
	return toBook(info), nil
}
