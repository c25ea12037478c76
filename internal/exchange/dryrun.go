package exchange

import (
	"context"
	"fmt"
	"legguard/internal/logger"
	"legguard/internal/models"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// DryRun passes reads through to the venue and answers order traffic locally. Every order comes
// back as an IOC that matched nothing.
type DryRun struct {
	Venue
	log *logger.Logger
	seq atomic.Int64
}

func NewDryRun(venue Venue, log *logger.Logger) *DryRun {
	if log == nil {
		log = logger.Nop()
	}
	return &DryRun{Venue: venue, log: log}
}

func (d *DryRun) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if err := req.Validate(); err != nil {
		return OrderResult{}, err
	}
	id := fmt.Sprintf("dry-%d", d.seq.Add(1))
	d.log.WithComponent("dry_run").WithFields(logrus.Fields{
		"order_id":    id,
		"instrument":  req.Instrument,
		"side":        req.Side,
		"amount":      req.Amount,
		"price":       req.Price,
		"label":       req.Label,
		"reduce_only": req.ReduceOnly,
	}).Info("Заявка не отправлена: холостой режим.")
	return OrderResult{Order: models.Order{
		ID:          id,
		Label:       req.Label,
		Instrument:  req.Instrument,
		Side:        req.Side,
		Type:        models.OrderTypeLimit,
		Price:       req.Price,
		Amount:      req.Amount,
		State:       models.OrderStateCancelled,
		ReduceOnly:  req.ReduceOnly,
		TimeInForce: TimeInForceIOC,
	}}, nil
}

func (d *DryRun) CancelOrder(context.Context, string) error {
	return nil
}

var _ Venue = (*DryRun)(nil)
