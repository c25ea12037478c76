package exchange

import (
	"context"
	"errors"
	"fmt"
	"legguard/internal/models"
	"legguard/internal/ratelimit"
	"time"
)

type EventType string

const (
	EventTypeOrder       EventType = "Order"
	EventTypeTrade       EventType = "Trade"
	EventTypeBook        EventType = "Book"
	EventTypePublicTrade EventType = "PublicTrade"
	EventTypeHeartbeat   EventType = "Heartbeat"
	EventTypeReconnect   EventType = "Reconnect"
	EventTypeDisconnect  EventType = "Disconnect"
)

// PublicTrade is a market trade print with the per-instrument sequence.
type PublicTrade struct {
	Instrument string
	TradeID    string
	Seq        int64
	Price      float64
	Amount     float64
	Timestamp  time.Time
}

// BookUpdate is either a full snapshot or a delta. In a delta a zero amount deletes the level.
type BookUpdate struct {
	models.OrderBook
	Snapshot bool
}

// Event is a closed set of variants: exactly one payload is set and it matches Type.
type Event struct {
	Type        EventType
	Channel     string
	Order       *models.Order
	Trade       *models.Trade
	Book        *BookUpdate
	PublicTrade *PublicTrade
	Err         error
	At          time.Time
}

// OrderRequest always goes out as a limit IOC order with exactly one amount field.
type OrderRequest struct {
	Instrument string
	Side       models.Side
	Amount     float64
	Price      float64
	Label      string
	ReduceOnly bool
	Class      models.IntentClass
	// Emergency marks emergency close traffic for the highest limiter priority.
	Emergency bool
}

const TimeInForceIOC = "immediate_or_cancel"

var (
	ErrInvalidOrder      = errors.New("Некорректная заявка.")
	ErrRateLimited       = errors.New("Превышен лимит запросов биржи.")
	ErrSessionTerminated = errors.New("Сессия прервана биржей.")
	ErrOrderNotFound     = errors.New("Заявка не найдена на бирже.")
)

func (r OrderRequest) Validate() error {
	switch {
	case r.Instrument == "":
		return fmt.Errorf("%w: нет инструмента", ErrInvalidOrder)
	case r.Side != models.SideBuy && r.Side != models.SideSell:
		return fmt.Errorf("%w: сторона %q", ErrInvalidOrder, r.Side)
	case !(r.Amount > 0):
		return fmt.Errorf("%w: объём %v", ErrInvalidOrder, r.Amount)
	case !(r.Price > 0):
		return fmt.Errorf("%w: цена %v", ErrInvalidOrder, r.Price)
	case r.Label == "":
		return fmt.Errorf("%w: нет метки", ErrInvalidOrder)
	}
	return nil
}

// Priority maps the request to the limiter class.
func (r OrderRequest) Priority() ratelimit.Priority {
	switch {
	case r.Emergency:
		return ratelimit.PriorityEmergencyClose
	case r.Class == models.ClassOpen:
		return ratelimit.PriorityOpen
	default:
		return ratelimit.PriorityHedge
	}
}

// OrderResult is the venue's immediate answer. IOC orders are terminal in it most of the time.
type OrderResult struct {
	Order  models.Order
	Trades []models.Trade
}

// AccountSummary amounts are in the settlement currency.
type AccountSummary struct {
	Currency          string
	Equity            float64
	MaintenanceMargin float64
	InitialMargin     float64
	TakerFeeRate      float64
	MakerFeeRate      float64
	FetchedAt         time.Time
}

type Venue interface {
	GetInstruments(ctx context.Context, currency string) ([]models.Instrument, error)
	GetInstrument(ctx context.Context, name string) (models.Instrument, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOpenOrders(ctx context.Context, currency string) ([]models.Order, error)
	GetUserTrades(ctx context.Context, currency string, since time.Time) ([]models.Trade, error)
	GetPositions(ctx context.Context, currency string) ([]models.Position, error)
	GetOrderBook(ctx context.Context, instrument string, depth int) (models.OrderBook, error)
	GetAccountSummary(ctx context.Context, currency string) (AccountSummary, error)
	GetRateLimits(ctx context.Context) (ratelimit.Tier, error)
	Subscribe(ctx context.Context, channels []string) (<-chan Event, error)
	// Resubscribe drops and restores channels on the live stream so the venue resends a snapshot.
	Resubscribe(ctx context.Context, channels []string) error
}

// VenueError carries the venue's numeric error code.
type VenueError struct {
	Code    int
	Message string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("Ошибка биржи: %s (code=%d)", e.Message, e.Code)
}

// Deribit codes: 10028 too_many_requests terminates the session; 10040 and 13888 are
// retryable throttling.
const (
	CodeTooManyRequests = 10028
	CodeRetryLater      = 10040
	CodeTimedOut        = 13888
)

func (e *VenueError) Is(target error) bool {
	switch target {
	case ErrSessionTerminated:
		return e.Code == CodeTooManyRequests
	case ErrRateLimited:
		return e.Code == CodeTooManyRequests || e.Code == CodeRetryLater
	}
	return false
}

func IsSessionTerminated(err error) bool {
	return errors.Is(err, ErrSessionTerminated)
}

func IsRateLimitError(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
