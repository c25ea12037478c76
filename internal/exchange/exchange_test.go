package exchange_test

import (
	"context"
	"legguard/internal/exchange"
	"legguard/internal/exchange/fake"
	"legguard/internal/models"
	"legguard/internal/ratelimit"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderRequestPriority(t *testing.T) {
	assert.Equal(t, ratelimit.PriorityOpen, exchange.OrderRequest{Class: models.ClassOpen}.Priority())
	assert.Equal(t, ratelimit.PriorityHedge, exchange.OrderRequest{Class: models.ClassHedge}.Priority())
	assert.Equal(t, ratelimit.PriorityHedge, exchange.OrderRequest{Class: models.ClassClose}.Priority())
	assert.Equal(t, ratelimit.PriorityEmergencyClose, exchange.OrderRequest{Class: models.ClassClose, Emergency: true}.Priority())
}

func TestLimitedKillsOnSessionTermination(t *testing.T) {
	venue := fake.New()
	venue.OnPlace(func(exchange.OrderRequest, int) (exchange.OrderResult, error) {
		return exchange.OrderResult{}, &exchange.VenueError{Code: exchange.CodeTooManyRequests, Message: "too_many_requests"}
	})
	limiter := ratelimit.New(ratelimit.Options{Rate: 10, Burst: 10})

	var killed error
	limited := exchange.NewLimited(venue, limiter, func(err error) { killed = err }, nil)

	req := exchange.OrderRequest{Instrument: "BTC-PERPETUAL", Side: models.SideBuy, Amount: 10, Price: 100, Label: "x", Class: models.ClassHedge}
	_, err := limited.PlaceOrder(context.Background(), req)
	require.Error(t, err)
	require.Error(t, killed)
	assert.True(t, exchange.IsSessionTerminated(killed))

	dead, reason := limiter.Killed()
	assert.True(t, dead)
	assert.Equal(t, "session_terminated", reason)

	_, err = limited.GetPositions(context.Background(), "BTC")
	assert.ErrorIs(t, err, ratelimit.ErrSessionKilled)
	assert.Len(t, venue.Placed(), 1)
}

func TestLimitedPassesThrough(t *testing.T) {
	venue := fake.New()
	limiter := ratelimit.New(ratelimit.Options{Rate: 10, Burst: 10})
	limited := exchange.NewLimited(venue, limiter, nil, nil)

	req := exchange.OrderRequest{Instrument: "BTC-PERPETUAL", Side: models.SideSell, Amount: 10, Price: 100, Label: "x", Class: models.ClassOpen}
	res, err := limited.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStateFilled, res.Order.State)

	positions, err := limited.GetPositions(context.Background(), "BTC")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, models.SideSell, positions[0].Direction)
	assert.Equal(t, 10.0, positions[0].Size)
}

func TestValidateRejectsBadRequests(t *testing.T) {
	good := exchange.OrderRequest{Instrument: "X", Side: models.SideBuy, Amount: 1, Price: 1, Label: "l"}
	require.NoError(t, good.Validate())

	for _, mutate := range []func(*exchange.OrderRequest){
		func(r *exchange.OrderRequest) { r.Instrument = "" },
		func(r *exchange.OrderRequest) { r.Side = "" },
		func(r *exchange.OrderRequest) { r.Amount = 0 },
		func(r *exchange.OrderRequest) { r.Price = -1 },
		func(r *exchange.OrderRequest) { r.Label = "" },
	} {
		r := good
		mutate(&r)
		assert.ErrorIs(t, r.Validate(), exchange.ErrInvalidOrder)
	}
}

func TestDryRunNeverSends(t *testing.T) {
	venue := fake.New()
	venue.SetPosition(models.Position{Instrument: "BTC-PERPETUAL", Size: 10, Direction: models.SideBuy})
	dry := exchange.NewDryRun(venue, nil)

	req := exchange.OrderRequest{Instrument: "BTC-PERPETUAL", Side: models.SideBuy, Amount: 10, Price: 100, Label: "x", Class: models.ClassOpen}
	res, err := dry.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStateCancelled, res.Order.State)
	assert.Zero(t, res.Order.FilledAmount)
	assert.Empty(t, res.Trades)
	assert.Empty(t, venue.Placed())

	_, err = dry.PlaceOrder(context.Background(), exchange.OrderRequest{})
	assert.ErrorIs(t, err, exchange.ErrInvalidOrder)

	positions, err := dry.GetPositions(context.Background(), "BTC")
	require.NoError(t, err)
	assert.Len(t, positions, 1)
}
