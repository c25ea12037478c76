package gates

import (
	"legguard/internal/models"
	"time"
)

// OrderShape is what the caller asked for before it is forced into limit + IOC.
type OrderShape struct {
	Type            models.OrderType
	HasTrigger      bool
	LinkedOrderType string
}

type PreflightRules struct {
	LinkedAllowed bool
	// ExpiryBuffer blocks opens this long before the instrument expires.
	ExpiryBuffer time.Duration
}

// Preflight rejects order types the runtime never sends. Linked orders need both the venue
// capability and the strategy flag, and are never allowed on options. Expiry and delisting only
// stop opens: closes and hedges must still be able to flatten a leg on a dying instrument.
func Preflight(inst models.Instrument, class models.IntentClass, shape OrderShape, rules PreflightRules, now time.Time) error {
	if class == models.ClassOpen && inst.ExpiringWithin(now, rules.ExpiryBuffer) {
		return reject(CodeInstrumentExpired, "%s", inst.Name)
	}

	switch shape.Type {
	case models.OrderTypeLimit, "":
	case models.OrderTypeMarket:
		return reject(CodeOrderTypeMarketForbidden, "%s", inst.Name)
	case models.OrderTypeStopLimit, models.OrderTypeStopMkt:
		return reject(CodeOrderTypeStopForbidden, "%s %s", inst.Name, shape.Type)
	default:
		return reject(CodeOrderTypeMarketForbidden, "неизвестный тип %q", shape.Type)
	}
	if shape.HasTrigger {
		return reject(CodeOrderTypeStopForbidden, "%s trigger", inst.Name)
	}

	if shape.LinkedOrderType != "" {
		if inst.Kind == models.KindOption || !rules.LinkedAllowed {
			return reject(CodeLinkedOrderTypeForbidden, "%s %s", inst.Name, shape.LinkedOrderType)
		}
	}
	return nil
}
