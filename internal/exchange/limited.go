package exchange

import (
	"context"
	"legguard/internal/logger"
	"legguard/internal/models"
	"legguard/internal/ratelimit"
	"time"

	"github.com/sirupsen/logrus"
)

// Limited puts every venue call behind the shared priority limiter. A session-terminating
// reply kills the limiter and notifies onKill once per occurrence.
type Limited struct {
	venue   Venue
	limiter *ratelimit.Limiter
	onKill  func(error)
	log     *logger.Logger
}

func NewLimited(venue Venue, limiter *ratelimit.Limiter, onKill func(error), log *logger.Logger) *Limited {
	if log == nil {
		log = logger.Nop()
	}
	return &Limited{venue: venue, limiter: limiter, onKill: onKill, log: log}
}

func (l *Limited) logEntry() *logrus.Entry {
	return l.log.WithComponent("venue")
}

type priorityKey struct{}

// WithPriority raises the limiter class of data calls made with ctx, so an emergency close can
// refresh the book it prices from.
func WithPriority(ctx context.Context, p ratelimit.Priority) context.Context {
	return context.WithValue(ctx, priorityKey{}, p)
}

func (l *Limited) acquire(ctx context.Context, p ratelimit.Priority) error {
	if override, ok := ctx.Value(priorityKey{}).(ratelimit.Priority); ok && override > p {
		p = override
	}
	return l.limiter.Acquire(ctx, p)
}

func (l *Limited) check(err error) error {
	if err != nil && IsSessionTerminated(err) {
		l.limiter.Kill("session_terminated")
		l.logEntry().WithError(err).Error("Биржа прервала сессию, отправка остановлена.")
		if l.onKill != nil {
			l.onKill(err)
		}
	}
	return err
}

func (l *Limited) GetInstruments(ctx context.Context, currency string) ([]models.Instrument, error) {
	if err := l.acquire(ctx, ratelimit.PriorityData); err != nil {
		return nil, err
	}
	res, err := l.venue.GetInstruments(ctx, currency)
	return res, l.check(err)
}

func (l *Limited) GetInstrument(ctx context.Context, name string) (models.Instrument, error) {
	if err := l.acquire(ctx, ratelimit.PriorityData); err != nil {
		return models.Instrument{}, err
	}
	res, err := l.venue.GetInstrument(ctx, name)
	return res, l.check(err)
}

func (l *Limited) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := l.acquire(ctx, req.Priority()); err != nil {
		return OrderResult{}, err
	}
	res, err := l.venue.PlaceOrder(ctx, req)
	return res, l.check(err)
}

func (l *Limited) CancelOrder(ctx context.Context, orderID string) error {
	if err := l.acquire(ctx, ratelimit.PriorityCancel); err != nil {
		return err
	}
	return l.check(l.venue.CancelOrder(ctx, orderID))
}

func (l *Limited) GetOpenOrders(ctx context.Context, currency string) ([]models.Order, error) {
	if err := l.acquire(ctx, ratelimit.PriorityData); err != nil {
		return nil, err
	}
	res, err := l.venue.GetOpenOrders(ctx, currency)
	return res, l.check(err)
}

func (l *Limited) GetUserTrades(ctx context.Context, currency string, since time.Time) ([]models.Trade, error) {
	if err := l.acquire(ctx, ratelimit.PriorityData); err != nil {
		return nil, err
	}
	res, err := l.venue.GetUserTrades(ctx, currency, since)
	return res, l.check(err)
}

func (l *Limited) GetPositions(ctx context.Context, currency string) ([]models.Position, error) {
	if err := l.acquire(ctx, ratelimit.PriorityData); err != nil {
		return nil, err
	}
	res, err := l.venue.GetPositions(ctx, currency)
	return res, l.check(err)
}

func (l *Limited) GetOrderBook(ctx context.Context, instrument string, depth int) (models.OrderBook, error) {
	if err := l.acquire(ctx, ratelimit.PriorityData); err != nil {
		return models.OrderBook{}, err
	}
	res, err := l.venue.GetOrderBook(ctx, instrument, depth)
	return res, l.check(err)
}

func (l *Limited) GetAccountSummary(ctx context.Context, currency string) (AccountSummary, error) {
	if err := l.acquire(ctx, ratelimit.PriorityData); err != nil {
		return AccountSummary{}, err
	}
	res, err := l.venue.GetAccountSummary(ctx, currency)
	return res, l.check(err)
}

// GetRateLimits bypasses the bucket: it is how the bucket learns its size.
func (l *Limited) GetRateLimits(ctx context.Context) (ratelimit.Tier, error) {
	tier, err := l.venue.GetRateLimits(ctx)
	return tier, l.check(err)
}

func (l *Limited) Subscribe(ctx context.Context, channels []string) (<-chan Event, error) {
	return l.venue.Subscribe(ctx, channels)
}

func (l *Limited) Resubscribe(ctx context.Context, channels []string) error {
	return l.venue.Resubscribe(ctx, channels)
}

var _ Venue = (*Limited)(nil)
