// Package fake is an in-memory venue for tests and dry runs.
package fake

import (
	"context"
	"fmt"
	"legguard/internal/exchange"
	"legguard/internal/models"
	"legguard/internal/ratelimit"
	"sync"
	"time"
)

// PlaceFunc decides the venue's answer to one order. Returning a zero OrderResult fills nothing.
type PlaceFunc func(req exchange.OrderRequest, seq int) (exchange.OrderResult, error)

type Venue struct {
	mu          sync.Mutex
	instruments map[string]models.Instrument
	books       map[string]models.OrderBook
	openOrders  []models.Order
	trades      []models.Trade
	positions   map[string]models.Position
	summary     exchange.AccountSummary
	tier        ratelimit.Tier
	tierErr     error
	onPlace     PlaceFunc
	placed      []exchange.OrderRequest
	canceled    []string
	events      chan exchange.Event
	subscribed  []string
	resubbed    [][]string
	seq         int
	now         func() time.Time
}

func New() *Venue {
	return &Venue{
		instruments: map[string]models.Instrument{},
		books:       map[string]models.OrderBook{},
		positions:   map[string]models.Position{},
		tier:        ratelimit.Tier{Rate: 20, Burst: 50},
		events:      make(chan exchange.Event, 1024),
		now:         time.Now,
	}
}

// FillAll answers every order with a full fill at the limit price.
func FillAll(req exchange.OrderRequest, seq int) (exchange.OrderResult, error) {
	return Fill(req, seq, req.Amount), nil
}

// Fill builds an IOC answer that filled qty of req and canceled the rest.
func Fill(req exchange.OrderRequest, seq int, qty float64) exchange.OrderResult {
	id := fmt.Sprintf("o-%d", seq)
	state := models.OrderStateFilled
	if qty < req.Amount {
		state = models.OrderStateCancelled
	}
	res := exchange.OrderResult{Order: models.Order{
		ID:           id,
		Label:        req.Label,
		Instrument:   req.Instrument,
		Side:         req.Side,
		Type:         models.OrderTypeLimit,
		Price:        req.Price,
		Amount:       req.Amount,
		FilledAmount: qty,
		State:        state,
		ReduceOnly:   req.ReduceOnly,
		TimeInForce:  exchange.TimeInForceIOC,
	}}
	if qty > 0 {
		res.Trades = []models.Trade{{
			TradeID:    fmt.Sprintf("t-%d", seq),
			OrderID:    id,
			Label:      req.Label,
			Instrument: req.Instrument,
			Side:       req.Side,
			Price:      req.Price,
			Amount:     qty,
		}}
	}
	return res
}

func (v *Venue) OnPlace(fn PlaceFunc) {
	v.mu.Lock()
	v.onPlace = fn
	v.mu.Unlock()
}

func (v *Venue) AddInstrument(inst models.Instrument) {
	v.mu.Lock()
	v.instruments[inst.Name] = inst
	v.mu.Unlock()
}

func (v *Venue) SetBook(book models.OrderBook) {
	v.mu.Lock()
	v.books[book.Instrument] = book
	v.mu.Unlock()
}

func (v *Venue) SetOpenOrders(orders ...models.Order) {
	v.mu.Lock()
	v.openOrders = append([]models.Order(nil), orders...)
	v.mu.Unlock()
}

func (v *Venue) SetTrades(trades ...models.Trade) {
	v.mu.Lock()
	v.trades = append([]models.Trade(nil), trades...)
	v.mu.Unlock()
}

func (v *Venue) SetPosition(p models.Position) {
	v.mu.Lock()
	v.positions[p.Instrument] = p
	v.mu.Unlock()
}

func (v *Venue) SetAccountSummary(s exchange.AccountSummary) {
	v.mu.Lock()
	v.summary = s
	v.mu.Unlock()
}

func (v *Venue) SetRateLimits(t ratelimit.Tier, err error) {
	v.mu.Lock()
	v.tier, v.tierErr = t, err
	v.mu.Unlock()
}

// Push delivers an event to the subscriber.
func (v *Venue) Push(ev exchange.Event) {
	if ev.At.IsZero() {
		ev.At = v.now()
	}
	v.events <- ev
}

func (v *Venue) Placed() []exchange.OrderRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]exchange.OrderRequest(nil), v.placed...)
}

func (v *Venue) Canceled() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.canceled...)
}

func (v *Venue) Subscribed() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.subscribed...)
}

// Resubscribed returns the channel sets passed to Resubscribe, oldest first.
func (v *Venue) Resubscribed() [][]string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([][]string, len(v.resubbed))
	copy(out, v.resubbed)
	return out
}

func (v *Venue) GetInstruments(_ context.Context, currency string) ([]models.Instrument, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []models.Instrument
	for _, inst := range v.instruments {
		if currency == "" || inst.Currency == currency {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (v *Venue) GetInstrument(_ context.Context, name string) (models.Instrument, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	inst, ok := v.instruments[name]
	if !ok {
		return models.Instrument{}, fmt.Errorf("Инструмент не найден: %s", name)
	}
	return inst, nil
}

func (v *Venue) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return exchange.OrderResult{}, err
	}
	if err := req.Validate(); err != nil {
		return exchange.OrderResult{}, err
	}

	v.mu.Lock()
	v.seq++
	seq := v.seq
	v.placed = append(v.placed, req)
	fn := v.onPlace
	v.mu.Unlock()

	if fn == nil {
		fn = FillAll
	}
	res, err := fn(req, seq)
	if err != nil {
		return exchange.OrderResult{}, err
	}

	v.mu.Lock()
	v.trades = append(v.trades, res.Trades...)
	for _, t := range res.Trades {
		v.applyPosition(t)
	}
	v.mu.Unlock()
	return res, nil
}

func (v *Venue) applyPosition(t models.Trade) {
	p := v.positions[t.Instrument]
	signed := p.Size
	if p.Direction == models.SideSell {
		signed = -signed
	}
	signed += t.Side.Sign() * t.Amount
	p = models.Position{Instrument: t.Instrument, Size: signed, Direction: models.SideBuy}
	if signed < 0 {
		p.Size, p.Direction = -signed, models.SideSell
	}
	v.positions[t.Instrument] = p
}

func (v *Venue) CancelOrder(_ context.Context, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.canceled = append(v.canceled, orderID)
	for i, o := range v.openOrders {
		if o.ID == orderID {
			v.openOrders = append(v.openOrders[:i], v.openOrders[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%s: %w", orderID, exchange.ErrOrderNotFound)
}

func (v *Venue) GetOpenOrders(context.Context, string) ([]models.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]models.Order(nil), v.openOrders...), nil
}

func (v *Venue) GetUserTrades(_ context.Context, _ string, since time.Time) ([]models.Trade, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []models.Trade
	for _, t := range v.trades {
		if t.Timestamp.IsZero() || !t.Timestamp.Before(since) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (v *Venue) GetPositions(context.Context, string) ([]models.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []models.Position
	for _, p := range v.positions {
		if p.Size != 0 {
			out = append(out, p)
		}
	}
	return out, nil
}

func (v *Venue) GetOrderBook(_ context.Context, instrument string, _ int) (models.OrderBook, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	book, ok := v.books[instrument]
	if !ok {
		return models.OrderBook{}, fmt.Errorf("Нет стакана: %s", instrument)
	}
	return book, nil
}

func (v *Venue) GetAccountSummary(context.Context, string) (exchange.AccountSummary, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.summary, nil
}

func (v *Venue) GetRateLimits(context.Context) (ratelimit.Tier, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.tier, v.tierErr
}

func (v *Venue) Subscribe(_ context.Context, channels []string) (<-chan exchange.Event, error) {
	v.mu.Lock()
	v.subscribed = append([]string(nil), channels...)
	v.mu.Unlock()
	return v.events, nil
}

func (v *Venue) Resubscribe(_ context.Context, channels []string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.resubbed = append(v.resubbed, append([]string(nil), channels...))
	return nil
}

var _ exchange.Venue = (*Venue)(nil)
