package reconcile

import (
	"context"
	"errors"
	"fmt"
	"legguard/internal/exchange"
	"legguard/internal/quant"
	"legguard/internal/ratelimit"

	"github.com/sirupsen/logrus"
)

// CancelNonReduceOnly removes our resting orders that could add exposure. Reduce-only orders and
// orders of other strategies are left alone.
func (r *Reconciler) CancelNonReduceOnly(ctx context.Context) ([]string, error) {
	ctx = exchange.WithPriority(ctx, ratelimit.PriorityCancel)
	orders, err := r.deps.Venue.GetOpenOrders(ctx, r.opts.Currency)
	if err != nil {
		return nil, fmt.Errorf("Не удалось получить заявки: %w", err)
	}

	var canceled []string
	var errs []error
	for _, o := range orders {
		if o.ReduceOnly || !quant.IsOurs(o.Label, r.sid8) {
			continue
		}
		if err := r.deps.Venue.CancelOrder(ctx, o.ID); err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
			errs = append(errs, fmt.Errorf("%s: %w", o.ID, err))
			continue
		}
		canceled = append(canceled, o.ID)
	}

	if len(canceled) > 0 {
		r.logEntry().WithFields(logrus.Fields{"orders": canceled}).Warn("Сняты заявки без reduce-only.")
	}
	return canceled, errors.Join(errs...)
}
