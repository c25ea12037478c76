package gates

import (
	"legguard/internal/models"
	"math"
	"sync"
	"time"
)

type MarginThresholds struct {
	RejectOpens float64
	ReduceOnly  float64
	Kill        float64
}

func (t MarginThresholds) valid() bool {
	for _, v := range []float64{t.RejectOpens, t.ReduceOnly, t.Kill} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if t.RejectOpens <= 0 || t.Kill > 1 {
		return false
	}
	return t.RejectOpens <= t.ReduceOnly && t.ReduceOnly <= t.Kill
}

type MarginEvaluation struct {
	Utilization float64
	ModeHint    models.TradingMode
	RejectOpens bool
}

// EvaluateMargin computes maintenance margin utilization. Bad inputs fail closed to Kill.
func EvaluateMargin(maintenanceUSD, equityUSD float64, t MarginThresholds) MarginEvaluation {
	if !t.valid() || !finite(maintenanceUSD) || !finite(equityUSD) || maintenanceUSD < 0 {
		return MarginEvaluation{Utilization: math.NaN(), ModeHint: models.ModeKill, RejectOpens: true}
	}

	util := maintenanceUSD / math.Max(equityUSD, 1e-9)
	hint := models.ModeActive
	switch {
	case util >= t.Kill:
		hint = models.ModeKill
	case util >= t.ReduceOnly:
		hint = models.ModeReduceOnly
	}
	return MarginEvaluation{Utilization: util, ModeHint: hint, RejectOpens: util >= t.RejectOpens}
}

// MarginMonitor keeps the latest account summary figures.
type MarginMonitor struct {
	mu          sync.RWMutex
	thresholds  MarginThresholds
	maintenance float64
	equity      float64
	updatedAt   time.Time
}

func NewMarginMonitor(t MarginThresholds) *MarginMonitor {
	return &MarginMonitor{thresholds: t}
}

func (m *MarginMonitor) Update(maintenanceUSD, equityUSD float64, at time.Time) {
	m.mu.Lock()
	m.maintenance = maintenanceUSD
	m.equity = equityUSD
	m.updatedAt = at
	m.mu.Unlock()
}

// Evaluate reports ReduceOnly until the first account summary arrives.
func (m *MarginMonitor) Evaluate() MarginEvaluation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.updatedAt.IsZero() {
		return MarginEvaluation{Utilization: math.NaN(), ModeHint: models.ModeReduceOnly, RejectOpens: true}
	}
	return EvaluateMargin(m.maintenance, m.equity, m.thresholds)
}

func (m *MarginMonitor) ModeHint() models.TradingMode {
	return m.Evaluate().ModeHint
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
