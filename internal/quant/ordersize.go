package quant

import (
	"errors"
	"fmt"
	"legguard/internal/models"
	"math"
)

var (
	ErrContractsAmountMismatch = errors.New("Количество контрактов не совпадает с объёмом.")
	ErrUnknownInstrumentKind   = errors.New("Неизвестный тип инструмента.")
)

// OrderSize carries exactly one canonical amount per instrument kind plus derived views.
// Options and linear futures are sized in coin, perpetuals and inverse futures in USD.
type OrderSize struct {
	Contracts   *int64   `json:"contracts,omitempty"`
	QtyCoin     *float64 `json:"qty_coin,omitempty"`
	QtyUSD      *float64 `json:"qty_usd,omitempty"`
	NotionalUSD float64  `json:"notional_usd"`
}

func CoinSized(kind models.InstrumentKind) (bool, error) {
	switch kind {
	case models.KindOption, models.KindLinearFuture:
		return true, nil
	case models.KindPerpetual, models.KindInverseFuture:
		return false, nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownInstrumentKind, kind)
	}
}

// NewOrderSize derives the size views from the canonical amount. multiplier <= 0 leaves Contracts unset.
func NewOrderSize(kind models.InstrumentKind, amount, indexPrice, multiplier float64) (OrderSize, error) {
	coin, err := CoinSized(kind)
	if err != nil {
		return OrderSize{}, err
	}
	if !finite(amount) || amount < 0 || !finite(indexPrice) || indexPrice <= 0 {
		return OrderSize{}, fmt.Errorf("%w: amount=%v index=%v", ErrInvalidInput, amount, indexPrice)
	}

	size := OrderSize{}
	if coin {
		q := amount
		size.QtyCoin = &q
		size.NotionalUSD = amount * indexPrice
	} else {
		usd := amount
		c := amount / indexPrice
		size.QtyUSD = &usd
		size.QtyCoin = &c
		size.NotionalUSD = amount
	}

	if multiplier > 0 {
		n := int64(math.Round(amount / multiplier))
		size.Contracts = &n
	}
	return size, nil
}

// CanonicalAmount is the single amount field sent to the venue.
func CanonicalAmount(size OrderSize, kind models.InstrumentKind) (float64, error) {
	coin, err := CoinSized(kind)
	if err != nil {
		return 0, err
	}
	if coin {
		if size.QtyCoin == nil {
			return 0, fmt.Errorf("%w: нет qty_coin", ErrInvalidInput)
		}
		return *size.QtyCoin, nil
	}
	if size.QtyUSD == nil {
		return 0, fmt.Errorf("%w: нет qty_usd", ErrInvalidInput)
	}
	return *size.QtyUSD, nil
}

// ValidateContracts checks that contracts*multiplier agrees with the canonical amount within a
// relative tolerance.
func ValidateContracts(size OrderSize, kind models.InstrumentKind, multiplier, tolerance float64) error {
	if size.Contracts == nil || multiplier <= 0 {
		return nil
	}
	canonical, err := CanonicalAmount(size, kind)
	if err != nil {
		return err
	}
	derived := float64(*size.Contracts) * multiplier
	denom := math.Max(math.Abs(canonical), 1e-12)
	if math.Abs(derived-canonical)/denom > tolerance {
		return fmt.Errorf("%w: contracts=%d multiplier=%v amount=%v", ErrContractsAmountMismatch, *size.Contracts, multiplier, canonical)
	}
	return nil
}
