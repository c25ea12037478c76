package engine

import (
	"context"
	"legguard/internal/exchange"
	"legguard/internal/models"
	"legguard/internal/ratelimit"
	"sync"
	"time"
)

const retryAttempts = 5

var (
	retryMin = time.Second
	retryMax = 30 * time.Second
)

// withRetry repeats fn with exponential backoff. Throttling waits four times longer, a killed
// session is not retried at all.
func withRetry[T any](ctx context.Context, e *Engine, what string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := 0; i < retryAttempts; i++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if exchange.IsSessionTerminated(err) {
			return zero, err
		}
		wait := ratelimit.Backoff(i, retryMin, retryMax)
		if exchange.IsRateLimitError(err) {
			wait = ratelimit.Backoff(i+2, retryMin, retryMax)
		}
		e.logEntry().WithError(err).WithField("call", what).Warn("Ошибка, повторяем запрос.")
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}
	}
	return zero, lastErr
}

type instrumentCache struct {
	mu       sync.RWMutex
	items    map[string]models.Instrument
	loadedAt map[string]time.Time
}

func newInstrumentCache() *instrumentCache {
	return &instrumentCache{
		items:    make(map[string]models.Instrument),
		loadedAt: make(map[string]time.Time),
	}
}

func (c *instrumentCache) Instrument(name string) (models.Instrument, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.items[name]
	return inst, ok
}

// store returns the names that were tradeable before and no longer are.
func (c *instrumentCache) store(list []models.Instrument, at time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var delisted []string
	for _, inst := range list {
		if prev, ok := c.items[inst.Name]; ok && prev.Active && !inst.Active {
			delisted = append(delisted, inst.Name)
		}
		c.items[inst.Name] = inst
		c.loadedAt[inst.Name] = at
	}
	return delisted
}

// stale reports the first name whose metadata is missing or older than ttl.
func (c *instrumentCache) stale(names []string, now time.Time, ttl time.Duration) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, name := range names {
		at, ok := c.loadedAt[name]
		if !ok || now.Sub(at) > ttl {
			return name, true
		}
	}
	return "", false
}

// loadInstruments pulls the currency list, then every configured name the list missed. A name
// the venue stopped listing is fetched one by one so a delisting replaces the cached entry.
func (e *Engine) loadInstruments(ctx context.Context) error {
	list, err := withRetry(ctx, e, "get_instruments", func(ctx context.Context) ([]models.Instrument, error) {
		return e.venue.GetInstruments(ctx, e.cfg.Exchange.Currency)
	})
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(list))
	for _, inst := range list {
		seen[inst.Name] = struct{}{}
	}

	for _, name := range e.bookInstruments() {
		if _, ok := seen[name]; ok {
			continue
		}
		inst, err := withRetry(ctx, e, "get_instrument", func(ctx context.Context) (models.Instrument, error) {
			return e.venue.GetInstrument(ctx, name)
		})
		if err != nil {
			return err
		}
		list = append(list, inst)
	}

	for _, name := range e.instruments.store(list, e.now()) {
		e.logEntry().WithField("instrument", name).Warn("Инструмент снят с торгов, открытия по нему запрещены.")
	}
	return nil
}

// instrumentLoop refreshes metadata twice per TTL. A failed refresh leaves the cache aging, and
// riskState degrades once it passes the TTL.
func (e *Engine) instrumentLoop(ctx context.Context) {
	ttl := e.cfg.Exchange.InstrumentCacheTTL
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.loadInstruments(ctx); err != nil && ctx.Err() == nil {
				e.logEntry().WithError(err).Warn("Не удалось обновить инструменты.")
			}
		}
	}
}
