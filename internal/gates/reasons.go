package gates

import (
	"errors"
	"fmt"
	"legguard/internal/metrics"
)

type Code string

const (
	CodeTooSmallAfterQuantization      Code = "TooSmallAfterQuantization"
	CodeInstrumentMetadataMissing      Code = "InstrumentMetadataMissing"
	CodeInstrumentExpired              Code = "InstrumentExpiredOrDelisted"
	CodeInvalidInput                   Code = "InvalidInput"
	CodeChurnBreakerActive             Code = "ChurnBreakerActive"
	CodeLiquidityGateNoL2              Code = "LiquidityGateNoL2"
	CodeExpectedSlippageTooHigh        Code = "ExpectedSlippageTooHigh"
	CodeNetEdgeTooLow                  Code = "NetEdgeTooLow"
	CodeNetEdgeInputMissing            Code = "NetEdgeInputMissing"
	CodeInventorySkew                  Code = "InventorySkew"
	CodeInventorySkewDeltaLimitMissing Code = "InventorySkewDeltaLimitMissing"
	CodeContractsAmountMismatch        Code = "ContractsAmountMismatch"
	CodeMarginHeadroomRejectOpens      Code = "MarginHeadroomRejectOpens"
	CodeOrderTypeMarketForbidden       Code = "OrderTypeMarketForbidden"
	CodeOrderTypeStopForbidden         Code = "OrderTypeStopForbidden"
	CodeLinkedOrderTypeForbidden       Code = "LinkedOrderTypeForbidden"
	CodeRateLimitBrownout              Code = "RateLimitBrownout"
	CodeLabelTooLong                   Code = "LabelTooLong"
	CodeTradingModeReduceOnly          Code = "TradingModeReduceOnly"
	CodeTradingModeKill                Code = "TradingModeKill"
	CodeFeeCacheStale                  Code = "FeeCacheStale"
	CodeFeedGap                        Code = "FeedContinuityGap"
	CodeDuplicateIntent                Code = "DuplicateIntent"
	CodeWalAppendFailed                Code = "WalAppendFailed"
	CodePendingExposureBudgetExceeded  Code = "PendingExposureBudgetExceeded"
	CodeGlobalExposureBudgetExceeded   Code = "GlobalExposureBudgetExceeded"
)

// Rejection is a deterministic pre-dispatch refusal. It is never retried automatically.
type Rejection struct {
	Code   Code
	Detail string
	// Degraded marks rejections that also signal an unhealthy runtime.
	Degraded bool
	Err      error
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("Заявка отклонена: %s.", r.Code)
	}
	return fmt.Sprintf("Заявка отклонена: %s: %s.", r.Code, r.Detail)
}

func (r *Rejection) Unwrap() error {
	return r.Err
}

func reject(code Code, format string, args ...any) *Rejection {
	metrics.GateRejections.WithLabelValues(string(code)).Inc()
	return &Rejection{Code: code, Detail: fmt.Sprintf(format, args...)}
}

func rejectErr(code Code, err error) *Rejection {
	metrics.GateRejections.WithLabelValues(string(code)).Inc()
	return &Rejection{Code: code, Detail: err.Error(), Err: err}
}

// CodeOf extracts the reason code from an error chain.
func CodeOf(err error) (Code, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Code, true
	}
	return "", false
}
