package policy

import (
	"context"
	"legguard/internal/logger"
	"legguard/internal/metrics"
	"legguard/internal/models"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type Watchdog struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func NewWatchdog(now func() time.Time) *Watchdog {
	if now == nil {
		now = time.Now
	}
	return &Watchdog{now: now}
}

func (w *Watchdog) Beat() {
	w.mu.Lock()
	w.last = w.now()
	w.mu.Unlock()
}

func (w *Watchdog) LastBeat() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// OpenLatch blocks opens until a full reconciliation clears it. It has no timeout.
type OpenLatch struct {
	mu      sync.Mutex
	reasons map[string]time.Time
}

func NewOpenLatch() *OpenLatch {
	return &OpenLatch{reasons: make(map[string]time.Time)}
}

func (l *OpenLatch) Set(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.reasons[reason]; !ok {
		l.reasons[reason] = time.Now()
	}
}

// Clear is called only after a reconciliation pass that found no unresolved discrepancies.
func (l *OpenLatch) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reasons = make(map[string]time.Time)
}

func (l *OpenLatch) State() (bool, []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, len(l.reasons))
	for r := range l.reasons {
		out = append(out, r)
	}
	sort.Strings(out)
	return len(out) > 0, out
}

type ExchangeHealth struct {
	Maintenance bool
	Bunker      bool
}

// Sources gathers Inputs from the live components. Nil hooks read as the unsafe value.
type Sources struct {
	CertPath      string
	CertFreshness time.Duration
	PolicyPath    string
	MaxPolicyAge  time.Duration
	WatchdogKill  time.Duration
	FeeHardStale  time.Duration

	Watchdog       *Watchdog
	Latch          *OpenLatch
	Risk           func() models.RiskState
	FeeUpdatedAt   func() time.Time
	MarginHint     func() models.TradingMode
	Attribution    func() bool
	Ledger         func() (bool, string)
	SessionKilled  func() bool
	LimitsDegraded func() bool
	Exchange       func() ExchangeHealth
	Log            *logger.Logger
}

func (s *Sources) Collect(now time.Time) Inputs {
	in := Inputs{
		Now:           now,
		RiskState:     models.RiskDegraded,
		MaxPolicyAge:  s.MaxPolicyAge,
		WatchdogKill:  s.WatchdogKill,
		FeeHardStale:  s.FeeHardStale,
		CertFreshness: s.CertFreshness,
		MarginHint:    models.ModeActive,
	}

	if s.Watchdog != nil {
		in.WatchdogLastBeat = s.Watchdog.LastBeat()
	}
	if s.Latch != nil {
		in.OpenLatched, _ = s.Latch.State()
	}
	if s.Risk != nil {
		in.RiskState = s.Risk()
	}
	if s.FeeUpdatedAt != nil {
		in.FeeUpdatedAt = s.FeeUpdatedAt()
	}
	if s.MarginHint != nil {
		in.MarginHint = s.MarginHint()
	}
	if s.Attribution != nil {
		in.AttributionHealthy = s.Attribution()
	}
	if s.Ledger != nil {
		in.LedgerHealthy, _ = s.Ledger()
	}
	if s.SessionKilled != nil {
		in.SessionKilled = s.SessionKilled()
	}
	if s.LimitsDegraded != nil {
		in.LimitsDegraded = s.LimitsDegraded()
	}
	if s.Exchange != nil {
		h := s.Exchange()
		in.ExchangeMaintenance = h.Maintenance
		in.BunkerMode = h.Bunker
	}

	cert, err := ReadCertification(s.CertPath)
	if err != nil && s.Log != nil {
		s.Log.WithComponent("policy").WithError(err).Warn("Сертификат недоступен.")
	}
	in.Cert = cert

	if s.PolicyPath != "" {
		doc, err := ReadDocument(s.PolicyPath)
		if err != nil {
			if s.Log != nil {
				s.Log.WithComponent("policy").WithError(err).Warn("Политика недоступна.")
			}
		} else {
			in.PolicyProducedAt = doc.ProducedAt
			in.Override = doc.Override
			in.EvidenceGreen = doc.Evidence == EvidenceGreen
			in.ExchangeMaintenance = in.ExchangeMaintenance || doc.Maintenance
		}
	}
	return in
}

type Collector func(now time.Time) Inputs

// Guard recomputes the mode on every call. The stored decision is only for display.
type Guard struct {
	mu      sync.Mutex
	collect Collector
	now     func() time.Time
	log     *logger.Logger
	last    Decision
	inputs  Inputs
	since   time.Time
	change  func(prev, next Decision)
}

func NewGuard(collect Collector, log *logger.Logger, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Guard{
		collect: collect,
		now:     now,
		log:     log,
		last:    Decision{Mode: models.ModeKill, Reasons: []string{"not_evaluated"}},
	}
}

// OnChange registers fn to run after every mode transition, outside the guard lock.
func (g *Guard) OnChange(fn func(prev, next Decision)) {
	g.mu.Lock()
	g.change = fn
	g.mu.Unlock()
}

func (g *Guard) Current() Decision {
	now := g.now()
	in := g.collect(now)
	d := Resolve(in)

	g.mu.Lock()
	prev := g.last
	g.last = d
	g.inputs = in
	if prev.Mode != d.Mode {
		g.since = now
	}
	change := g.change
	g.mu.Unlock()

	metrics.SetMode(d.Mode)
	if prev.Mode != d.Mode {
		entry := g.logEntry().WithFields(logrus.Fields{
			"from":    prev.Mode,
			"to":      d.Mode,
			"reasons": strings.Join(d.Reasons, ","),
		})
		if d.Mode == models.ModeActive {
			entry.Info("Режим торговли изменён.")
		} else {
			entry.Warn("Режим торговли изменён.")
		}
		if change != nil {
			change(prev, d)
		}
	}
	return d
}

func (g *Guard) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	g.Current()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Current()
		}
	}
}

type Snapshot struct {
	Decision Decision
	Inputs   Inputs
	Since    time.Time
}

func (g *Guard) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{Decision: g.last, Inputs: g.inputs, Since: g.since}
}

func (g *Guard) logEntry() *logrus.Entry {
	return g.log.WithComponent("policy")
}
