package policy

import (
	"legguard/internal/models"
	"strings"
	"time"
)

type Override string

const (
	OverrideNone       Override = ""
	OverrideReduceOnly Override = "reduce_only"
	OverrideKill       Override = "kill"
)

type CertStatus string

const (
	CertPass CertStatus = "PASS"
	CertFail CertStatus = "FAIL"
)

type Certification struct {
	Present     bool
	Status      CertStatus
	GeneratedAt time.Time
}

// Inputs is everything the mode depends on, gathered fresh each cycle.
type Inputs struct {
	Now       time.Time
	RiskState models.RiskState

	// Producer timestamp of the latest policy document, not the time it was received.
	PolicyProducedAt time.Time
	MaxPolicyAge     time.Duration

	WatchdogLastBeat time.Time
	WatchdogKill     time.Duration

	Override Override

	ExchangeMaintenance bool
	BunkerMode          bool
	EvidenceGreen       bool

	FeeUpdatedAt time.Time
	FeeHardStale time.Duration

	Cert          Certification
	CertFreshness time.Duration

	MarginHint         models.TradingMode
	AttributionHealthy bool
	LedgerHealthy      bool
	SessionKilled      bool
	OpenLatched        bool
	LimitsDegraded     bool
}

type Decision struct {
	Mode    models.TradingMode
	Reasons []string
}

func (d Decision) AllowsOpen() bool {
	return d.Mode == models.ModeActive
}

// Resolve is the pure mode function. Kill beats ReduceOnly beats Active; Active is only ever
// the result of every check passing.
func Resolve(in Inputs) Decision {
	var kill, reduce []string

	if in.WatchdogLastBeat.IsZero() {
		kill = append(kill, "watchdog_missing")
	} else if in.Now.Sub(in.WatchdogLastBeat) > in.WatchdogKill {
		kill = append(kill, "watchdog_stale")
	}
	if in.RiskState == models.RiskKill {
		kill = append(kill, "risk_state_kill")
	}
	override := normalizeOverride(in.Override)
	if override == OverrideKill {
		kill = append(kill, "override_kill")
	}
	if in.MarginHint == models.ModeKill {
		kill = append(kill, "margin_kill")
	}
	if in.SessionKilled {
		kill = append(kill, "session_killed")
	}

	switch in.RiskState {
	case models.RiskDegraded:
		reduce = append(reduce, "risk_state_degraded")
	case models.RiskMaintenance:
		reduce = append(reduce, "risk_state_maintenance")
	case models.RiskHealthy, models.RiskKill:
	default:
		reduce = append(reduce, "risk_state_unknown")
	}
	if stale(in.Now, in.PolicyProducedAt, in.MaxPolicyAge) {
		reduce = append(reduce, "policy_stale")
	}
	if in.ExchangeMaintenance {
		reduce = append(reduce, "exchange_maintenance")
	}
	if in.BunkerMode {
		reduce = append(reduce, "bunker_mode")
	}
	if !in.EvidenceGreen {
		reduce = append(reduce, "evidence_chain_not_green")
	}
	switch override {
	case OverrideNone, OverrideKill:
	case OverrideReduceOnly:
		reduce = append(reduce, "override_reduce_only")
	default:
		reduce = append(reduce, "override_unrecognized")
	}
	if stale(in.Now, in.FeeUpdatedAt, in.FeeHardStale) {
		reduce = append(reduce, "fee_cache_hard_stale")
	}
	if reason := certReason(in.Now, in.Cert, in.CertFreshness); reason != "" {
		reduce = append(reduce, reason)
	}
	if in.MarginHint == models.ModeReduceOnly {
		reduce = append(reduce, "margin_reduce_only")
	}
	if !in.AttributionHealthy {
		reduce = append(reduce, "attribution_writer_unhealthy")
	}
	if !in.LedgerHealthy {
		reduce = append(reduce, "ledger_unhealthy")
	}
	if in.OpenLatched {
		reduce = append(reduce, "reconciliation_required")
	}
	if in.LimitsDegraded {
		reduce = append(reduce, "rate_limit_source_unreachable")
	}

	switch {
	case len(kill) > 0:
		return Decision{Mode: models.ModeKill, Reasons: append(kill, reduce...)}
	case len(reduce) > 0:
		return Decision{Mode: models.ModeReduceOnly, Reasons: reduce}
	default:
		return Decision{Mode: models.ModeActive}
	}
}

// normalizeOverride folds case and separators so "REDUCE_ONLY", "ReduceOnly" and "reduce-only"
// all match. Anything else non-empty comes back unchanged and is treated as unrecognized.
func normalizeOverride(o Override) Override {
	raw := strings.TrimSpace(string(o))
	if raw == "" {
		return OverrideNone
	}
	key := strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(raw))
	switch key {
	case "kill":
		return OverrideKill
	case "reduceonly":
		return OverrideReduceOnly
	}
	return Override(raw)
}

// stale treats a missing or future-dated timestamp as stale.
func stale(now, ts time.Time, maxAge time.Duration) bool {
	if ts.IsZero() || ts.After(now) {
		return true
	}
	return now.Sub(ts) > maxAge
}

func certReason(now time.Time, c Certification, freshness time.Duration) string {
	switch {
	case !c.Present:
		return "cert_missing"
	case c.Status != CertPass:
		return "cert_failed"
	case stale(now, c.GeneratedAt, freshness):
		return "cert_stale"
	default:
		return ""
	}
}

// CertExpiry is when a passing certification stops counting.
func CertExpiry(c Certification, freshness time.Duration) time.Time {
	if !c.Present || c.GeneratedAt.IsZero() {
		return time.Time{}
	}
	return c.GeneratedAt.Add(freshness)
}
