// Package metrics holds the prometheus collectors. They are a side channel only: nothing in the
// control path reads them back.
package metrics

import (
	"legguard/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var Registry = prometheus.NewRegistry()

var (
	GateRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legguard_gate_rejections_total",
			Help: "Pre-dispatch rejections by reason code",
		},
		[]string{"code"},
	)

	TLSMAnomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legguard_tlsm_anomalies_total",
			Help: "Out-of-order lifecycle events accepted by the state machine",
		},
		[]string{"kind"},
	)

	NakedExposureEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "legguard_naked_exposure_events_total",
			Help: "Emergency close invocations",
		},
	)

	RateLimitShed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legguard_ratelimit_shed_total",
			Help: "Requests shed by the rate limiter",
		},
		[]string{"priority"},
	)

	ReconcileGaps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legguard_reconcile_gaps_total",
			Help: "Feed continuity gaps by channel",
		},
		[]string{"channel"},
	)

	TradingMode = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "legguard_trading_mode",
			Help: "0 Active, 1 ReduceOnly, 2 Kill",
		},
	)

	LedgerAppends = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "legguard_ledger_appends_total",
			Help: "Ledger entries written",
		},
	)

	LedgerWriteErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "legguard_ledger_write_errors_total",
			Help: "Ledger write failures",
		},
	)

	TradeIDDuplicates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "legguard_trade_id_duplicates_total",
			Help: "Trades observed more than once",
		},
	)

	GhostOrdersCanceled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "legguard_ghost_orders_canceled_total",
			Help: "Label-tagged venue orders without a ledger intent that were canceled",
		},
	)

	OrphanFills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "legguard_orphan_fills_total",
			Help: "Fills applied to intents that were never acknowledged",
		},
	)

	LabelAmbiguities = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "legguard_label_ambiguities_total",
			Help: "Venue labels matching more than one ledger intent",
		},
	)

	RescueAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "legguard_rescue_attempts_total",
			Help: "Rescue dispatch rounds",
		},
	)

	EmergencyCloseAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "legguard_emergency_close_attempts_total",
			Help: "Emergency close IOC rounds",
		},
	)

	GroupOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "legguard_group_outcomes_total",
			Help: "Final group states",
		},
		[]string{"state"},
	)

	AttributionDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "legguard_attribution_dropped_total",
			Help: "Attribution events rejected by a full queue",
		},
	)

	RateLimitTokens = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "legguard_ratelimit_tokens",
			Help: "Tokens available in the shared bucket",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		GateRejections,
		TLSMAnomalies,
		NakedExposureEvents,
		RateLimitShed,
		ReconcileGaps,
		TradingMode,
		LedgerAppends,
		LedgerWriteErrors,
		TradeIDDuplicates,
		GhostOrdersCanceled,
		OrphanFills,
		LabelAmbiguities,
		RescueAttempts,
		EmergencyCloseAttempts,
		GroupOutcomes,
		AttributionDropped,
		RateLimitTokens,
	)
}

func SetMode(mode models.TradingMode) {
	TradingMode.Set(float64(mode.Rank()))
}
