package engine

import (
	"legguard/internal/models"
	"legguard/internal/policy"
	"legguard/internal/status"
)

// Status assembles the operator snapshot. It only reads component state.
func (e *Engine) Status() status.Snapshot {
	snap := e.guard.Snapshot()
	in := snap.Inputs
	now := e.now()

	s := status.Snapshot{
		Mode:      snap.Decision.Mode,
		Risk:      in.RiskState,
		Reasons:   append([]string{}, snap.Decision.Reasons...),
		ModeSince: snap.Since,
		DryRun:    e.cfg.Runtime.DryRun,
	}
	if s.Mode == "" {
		s.Mode = models.ModeReduceOnly
	}
	if !in.PolicyProducedAt.IsZero() {
		age := now.Sub(in.PolicyProducedAt).Seconds()
		s.PolicyAgeSec = &age
	}

	expires := policy.CertExpiry(in.Cert, e.cfg.Policy.CertFreshness)
	s.Certification = status.Certification{
		Present:     in.Cert.Present,
		Status:      string(in.Cert.Status),
		GeneratedAt: in.Cert.GeneratedAt,
		ExpiresAt:   expires,
		Fresh:       in.Cert.Status == policy.CertPass && !expires.IsZero() && now.Before(expires),
	}

	attrOK, attrReason := e.writer.Healthy()
	ledgerOK, ledgerReason := e.ledger.Healthy()
	s.Evidence = status.Evidence{
		Green:              in.EvidenceGreen,
		AttributionHealthy: attrOK,
		AttributionReason:  attrReason,
		LedgerHealthy:      ledgerOK,
		LedgerReason:       ledgerReason,
	}

	set, reasons := e.latch.State()
	s.OpenLatch = status.Latch{Set: set, Reasons: reasons}

	tier := e.limiter.Tier()
	killed, killReason := e.limiter.Killed()
	s.RateLimit = status.RateLimit{
		Rate:       tier.Rate,
		Burst:      tier.Burst,
		Tokens:     e.limiter.Tokens(),
		Brownout:   e.limiter.Brownout(),
		Degraded:   e.refresher.Degraded(),
		Killed:     killed,
		KillReason: killReason,
	}

	s.Incidents = status.Incidents{
		NakedGroups:    e.exec.NakedGroups(),
		Paused:         e.pauses.All(),
		LedgerInFlight: len(e.ledger.InFlight()),
		TradeDuplicate: e.tracker.Registry().Duplicates(),
	}
	if rep, ok := e.recon.Last(); ok {
		s.Incidents.LastReconcile = rep.StartedAt
		s.Incidents.ReconcileClean = rep.Clean()
	}
	return s
}
