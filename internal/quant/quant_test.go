package quant

import (
	"errors"
	"legguard/internal/models"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var btcPerp = models.Instrument{
	Name:               "BTC-PERPETUAL",
	Kind:               models.KindPerpetual,
	TickSize:           0.5,
	AmountStep:         10,
	MinAmount:          10,
	ContractMultiplier: 10,
	Active:             true,
}

func TestQuantizeRoundsSizeDown(t *testing.T) {
	q, err := Quantize(0.3, 100, models.SideBuy, Constraints{TickSize: 0.01, AmountStep: 0.1, MinAmount: 0.1})
	require.NoError(t, err)
	assert.Equal(t, int64(3), q.QtySteps)
	assert.InDelta(t, 0.3, q.Qty, 1e-12)

	q, err = Quantize(0.19, 100, models.SideBuy, Constraints{TickSize: 0.01, AmountStep: 0.1, MinAmount: 0.1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), q.QtySteps)
}

func TestQuantizePriceIsSideSafe(t *testing.T) {
	c := Constraints{TickSize: 0.5, AmountStep: 1, MinAmount: 1}

	buy, err := Quantize(1, 100.3, models.SideBuy, c)
	require.NoError(t, err)
	assert.Equal(t, 100.0, buy.LimitPrice)

	sell, err := Quantize(1, 100.3, models.SideSell, c)
	require.NoError(t, err)
	assert.Equal(t, 100.5, sell.LimitPrice)

	exact, err := Quantize(1, 100.5, models.SideSell, c)
	require.NoError(t, err)
	assert.Equal(t, 100.5, exact.LimitPrice)
}

func TestQuantizeTooSmall(t *testing.T) {
	_, err := Quantize(0.05, 100, models.SideBuy, Constraints{TickSize: 0.5, AmountStep: 0.1, MinAmount: 0.1})
	assert.ErrorIs(t, err, ErrTooSmallAfterQuantization)

	_, err = Quantize(15, 100, models.SideBuy, Constraints{TickSize: 0.5, AmountStep: 10, MinAmount: 20})
	assert.ErrorIs(t, err, ErrTooSmallAfterQuantization)
}

func TestQuantizeRejectsBadInputs(t *testing.T) {
	_, err := Quantize(1, 100, models.SideBuy, Constraints{TickSize: 0, AmountStep: 1})
	assert.ErrorIs(t, err, ErrInstrumentMetadataMissing)

	_, err = Quantize(math.NaN(), 100, models.SideBuy, Constraints{TickSize: 1, AmountStep: 1})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = Quantize(1, math.Inf(1), models.SideSell, Constraints{TickSize: 1, AmountStep: 1})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestIntentHashStableAcrossConstructionPaths(t *testing.T) {
	spec := IntentSpec{
		StrategyID: "calendar-1",
		Instrument: btcPerp,
		Side:       models.SideSell,
		Class:      models.ClassOpen,
		RawQty:     25,
		RawPrice:   60000.2,
		GroupID:    "0b3c1f2e-9a8d-4c7b-8e6f-5d4c3b2a1908",
		LegIdx:     1,
	}
	a, err := NewIntent(spec)
	require.NoError(t, err)

	q, err := Quantize(20, 60000.5, models.SideSell, ConstraintsOf(btcPerp))
	require.NoError(t, err)
	b, err := FromQuantized(spec, q)
	require.NoError(t, err)

	assert.Equal(t, a.Hash, b.Hash)
	assert.Equal(t, a.Label, b.Label)
	assert.Len(t, a.HashHex, 16)
}

func TestIntentHashSeparatesFields(t *testing.T) {
	base := IntentKey{Instrument: "ab", Side: models.SideBuy, QtySteps: 1, PriceTicks: 2, GroupID: "g", LegIdx: 0}
	shifted := base
	shifted.Instrument = "a"
	shifted.GroupID = "bg"
	assert.NotEqual(t, IntentHash(base), IntentHash(shifted))

	other := base
	other.LegIdx = 1
	assert.NotEqual(t, IntentHash(base), IntentHash(other))
}

func TestIntentHashDeterministicProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		k := IntentKey{
			Instrument: rapid.StringMatching(`[A-Z]{3}-[0-9A-Z]{1,12}`).Draw(t, "instrument"),
			Side:       rapid.SampledFrom([]models.Side{models.SideBuy, models.SideSell}).Draw(t, "side"),
			QtySteps:   rapid.Int64Range(1, 1_000_000).Draw(t, "steps"),
			PriceTicks: rapid.Int64Range(1, 1_000_000_000).Draw(t, "ticks"),
			GroupID:    rapid.StringMatching(`[0-9a-f]{32}`).Draw(t, "group"),
			LegIdx:     rapid.Uint32Range(0, 7).Draw(t, "leg"),
		}
		copyKey := k
		if IntentHash(k) != IntentHash(copyKey) {
			t.Fatalf("hash differs for equal keys")
		}
	})
}

func TestQuantizedPriceNeverWorseProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tick := rapid.SampledFrom([]float64{0.0001, 0.01, 0.5, 1, 2.5}).Draw(t, "tick")
		price := rapid.Float64Range(1, 100000).Draw(t, "price")
		side := rapid.SampledFrom([]models.Side{models.SideBuy, models.SideSell}).Draw(t, "side")

		q, err := Quantize(1, price, side, Constraints{TickSize: tick, AmountStep: 1, MinAmount: 1})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		slack := tick * 1e-9
		if side == models.SideBuy && q.LimitPrice > price+slack {
			t.Fatalf("buy rounded up: %v -> %v", price, q.LimitPrice)
		}
		if side == models.SideSell && q.LimitPrice < price-slack {
			t.Fatalf("sell rounded down: %v -> %v", price, q.LimitPrice)
		}
	})
}

func TestLabelRoundTrip(t *testing.T) {
	label, err := EncodeLabel("calendar-1", "0b3c1f2e-9a8d-4c7b-8e6f-5d4c3b2a1908", 3, 0xdeadbeefcafe0001)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(label, "s4:"))
	assert.LessOrEqual(t, len(label), MaxLabelLen)

	l, err := DecodeLabel(label)
	require.NoError(t, err)
	assert.Equal(t, DeriveSID8("calendar-1"), l.SID8)
	assert.Equal(t, "0b3c1f2e9a8d", l.GID12)
	assert.Equal(t, uint32(3), l.LegIdx)
	assert.Equal(t, "deadbeefcafe0001", l.IH16)
	assert.True(t, IsOurs(label, DeriveSID8("calendar-1")))
	assert.False(t, IsOurs(label, DeriveSID8("other")))
}

func TestLabelTooLongIsRejected(t *testing.T) {
	_, err := Label{SID8: "abcdefgh", GID12: strings.Repeat("x", 50), LegIdx: 0, IH16: "0123456789abcdef"}.String()
	assert.True(t, errors.Is(err, ErrLabelTooLong))
}

func TestDecodeLabelRejectsForeignFormats(t *testing.T) {
	for _, s := range []string{"", "manual-order", "s4:a:b:c", "s4:a:b:x:d", "s5:a:b:1:d"} {
		_, err := DecodeLabel(s)
		assert.ErrorIs(t, err, ErrLabelFormat, s)
	}
}

func TestOrderSizeByKind(t *testing.T) {
	opt, err := NewOrderSize(models.KindOption, 0.3, 60000, 1)
	require.NoError(t, err)
	require.NotNil(t, opt.QtyCoin)
	assert.Nil(t, opt.QtyUSD)
	assert.InDelta(t, 18000, opt.NotionalUSD, 1e-6)

	perp, err := NewOrderSize(models.KindPerpetual, 100, 50000, 10)
	require.NoError(t, err)
	require.NotNil(t, perp.QtyUSD)
	assert.InDelta(t, 100, perp.NotionalUSD, 1e-9)
	assert.InDelta(t, 0.002, *perp.QtyCoin, 1e-12)
	assert.Equal(t, int64(10), *perp.Contracts)

	amount, err := CanonicalAmount(perp, models.KindPerpetual)
	require.NoError(t, err)
	assert.Equal(t, 100.0, amount)
}

func TestValidateContractsMismatch(t *testing.T) {
	size, err := NewOrderSize(models.KindPerpetual, 100, 50000, 10)
	require.NoError(t, err)
	assert.NoError(t, ValidateContracts(size, models.KindPerpetual, 10, 0.001))

	bad := int64(11)
	size.Contracts = &bad
	assert.ErrorIs(t, ValidateContracts(size, models.KindPerpetual, 10, 0.001), ErrContractsAmountMismatch)
}
