package engine

import (
	"context"
	"errors"
	"fmt"
	"legguard/internal/attribution"
	"legguard/internal/config"
	"legguard/internal/exchange"
	"legguard/internal/executor"
	"legguard/internal/gates"
	"legguard/internal/ledger"
	"legguard/internal/legs"
	"legguard/internal/logger"
	"legguard/internal/models"
	"legguard/internal/policy"
	"legguard/internal/ratelimit"
	"legguard/internal/reconcile"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
)

var ErrNotStarted = errors.New("Движок не запущен.")

type Deps struct {
	Venue    exchange.Venue
	Ledger   *ledger.Ledger
	Registry *ledger.TradeRegistry
	Sink     attribution.Sink
	// Channels is the stream subscription set; empty means no streaming.
	Channels []string
	Log      *logger.Logger
	Now      func() time.Time
}

// Engine owns the runtime: every component is built here and driven by the loops in Start.
type Engine struct {
	cfg *config.Config
	log *logger.Logger
	now func() time.Time

	venue     exchange.Venue
	limiter   *ratelimit.Limiter
	refresher *ratelimit.Refresher

	ledger  *ledger.Ledger
	tracker *legs.Tracker
	writer  *attribution.Writer

	watchdog *policy.Watchdog
	latch    *policy.OpenLatch
	guard    *policy.Guard

	fees     *gates.FeeCache
	margin   *gates.MarginMonitor
	exposure *gates.ExposureBook
	gate     *gates.Chokepoint

	churn *executor.ChurnBreaker
	exec  *executor.Executor

	recon    *reconcile.Reconciler
	pauses   *reconcile.PauseSet
	books    *reconcile.BookTracker
	prints   *reconcile.TradeSeqTracker
	liveness *reconcile.LivenessTracker

	instruments *instrumentCache
	health      *exchangeHealth
	channels    []string

	sessionKilled atomic.Bool
	started       atomic.Bool
	bg            conc.WaitGroup

	ctxMu sync.Mutex
	ctx   context.Context
}

func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if deps.Venue == nil || deps.Ledger == nil {
		return nil, fmt.Errorf("Движок: нет биржи или журнала.")
	}
	log := deps.Log
	if log == nil {
		log = logger.Nop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	e := &Engine{
		cfg:         cfg,
		log:         log,
		now:         now,
		ledger:      deps.Ledger,
		channels:    deps.Channels,
		watchdog:    policy.NewWatchdog(now),
		latch:       policy.NewOpenLatch(),
		fees:        gates.NewFeeCache(),
		instruments: newInstrumentCache(),
		health:      newExchangeHealth(cfg.Policy.BunkerJitter, cfg.Policy.HealthStale, now),
		pauses:      reconcile.NewPauseSet(),
		ctx:         context.Background(),
	}
	// Opens stay blocked until the startup reconciliation comes back clean.
	e.latch.Set(reconcile.ReasonStartup)

	e.limiter = ratelimit.New(ratelimit.Options{
		Rate:        cfg.RateLimit.Rate,
		Burst:       cfg.RateLimit.Burst,
		DataReserve: cfg.RateLimit.DataReserve,
		OpenReserve: cfg.RateLimit.OpenReserve,
		Now:         now,
	})
	e.venue = exchange.NewLimited(deps.Venue, e.limiter, e.onSessionKilled, log)
	e.refresher = ratelimit.NewRefresher(e.venue, e.limiter, ratelimit.RefresherOptions{
		Interval:   cfg.RateLimit.RefreshInterval,
		Fallback:   ratelimit.Tier{Rate: cfg.RateLimit.Rate, Burst: cfg.RateLimit.Burst},
		TripCount:  cfg.RateLimit.FailureTripCount,
		FailWindow: cfg.RateLimit.FailureWindow,
		Now:        now,
	}, log)

	e.tracker = legs.New(deps.Ledger, deps.Registry, cfg.Executor.QtyEpsilon, log)
	sink := deps.Sink
	if sink == nil {
		sink = attribution.MultiSink{}
	}
	e.writer = attribution.NewWriter(sink, cfg.Attribution.QueueSize, log)

	e.books = reconcile.NewBookTracker(e.venue, e.pauses)
	e.prints = reconcile.NewTradeSeqTracker(e.pauses)
	e.liveness = reconcile.NewLivenessTracker(cfg.Reconcile.ZombieSilence, now)

	e.margin = gates.NewMarginMonitor(gates.MarginThresholds{
		RejectOpens: cfg.Gates.MarginRejectOpens,
		ReduceOnly:  cfg.Gates.MarginReduceOnly,
		Kill:        cfg.Gates.MarginKill,
	})
	e.churn = executor.NewChurnBreaker(executor.ChurnOptions{
		StrategyID:  cfg.Strategy.ID,
		MaxFlattens: cfg.Executor.ChurnMaxFlattens,
		Window:      cfg.Executor.ChurnWindow,
		Blacklist:   cfg.Executor.ChurnBlacklist,
		Now:         now,
	}, log)

	sources := &policy.Sources{
		CertPath:      cfg.Policy.CertPath,
		CertFreshness: cfg.Policy.CertFreshness,
		PolicyPath:    cfg.Policy.PolicyPath,
		MaxPolicyAge:  cfg.Policy.MaxPolicyAge,
		WatchdogKill:  cfg.Policy.WatchdogKill,
		FeeHardStale:  cfg.Gates.FeeHardStale,
		Watchdog:      e.watchdog,
		Latch:         e.latch,
		Risk:          e.riskState,
		FeeUpdatedAt:  e.fees.UpdatedAt,
		MarginHint:    e.margin.ModeHint,
		Attribution: func() bool {
			ok, _ := e.writer.Healthy()
			return ok
		},
		Ledger:         deps.Ledger.Healthy,
		SessionKilled:  e.sessionKilled.Load,
		LimitsDegraded: e.refresher.Degraded,
		Exchange:       e.health.Health,
		Log:            log,
	}
	e.guard = policy.NewGuard(sources.Collect, log, now)
	e.guard.OnChange(e.onModeChange)

	e.exposure = gates.NewExposureBook(cfg.Strategy.DeltaLimit, cfg.Gates.GlobalDeltaLimitUSD, deps.Ledger)
	e.gate = gates.NewChokepoint(gates.SettingsFromConfig(cfg), gates.Deps{
		Mode:      e.guard,
		Limiter:   e.limiter,
		Churn:     e.churn,
		Books:     e.books,
		Pauses:    e.pauses,
		Inventory: e.tracker,
		Portfolio: portfolio{e},
		Exposure:  e.exposure,
		Fees:      e.fees,
		Margin:    e.margin,
		Ledger:    deps.Ledger,
		Log:       log,
		Now:       now,
	})
	e.exec = executor.New(executor.SettingsFromConfig(cfg), executor.Deps{
		Gate:        e.gate,
		Venue:       e.venue,
		Legs:        e.tracker,
		Books:       e.books,
		Instruments: e.instruments,
		Churn:       e.churn,
		Incidents:   e.writer,
		Log:         log,
		Now:         now,
	})
	e.recon = reconcile.New(reconcile.Options{
		Currency:        cfg.Exchange.Currency,
		StrategyID:      cfg.Strategy.ID,
		Interval:        cfg.Reconcile.Interval,
		TradeLookback:   cfg.Reconcile.TradeLookback,
		StaleOrder:      cfg.Reconcile.StaleOrder,
		PositionEpsilon: cfg.Reconcile.PositionEpsilon,
		QtyEpsilon:      cfg.Executor.QtyEpsilon,
	}, reconcile.Deps{
		Venue:     e.venue,
		Legs:      e.tracker,
		Latch:     e.latch,
		Incidents: e.writer,
		AfterPass: e.afterReconcile,
		Log:       log,
		Now:       now,
	})
	return e, nil
}

func (e *Engine) context() context.Context {
	e.ctxMu.Lock()
	defer e.ctxMu.Unlock()
	return e.ctx
}

// Start recovers state, then runs every loop until ctx is canceled.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("Движок уже запущен.")
	}
	e.ctxMu.Lock()
	e.ctx = ctx
	e.ctxMu.Unlock()

	events, err := e.recover(ctx)
	if err != nil {
		return err
	}

	var wg conc.WaitGroup
	wg.Go(func() { e.writer.Run(ctx) })
	wg.Go(func() { e.guard.Run(ctx, e.cfg.Policy.Tick) })
	wg.Go(func() { e.recon.Run(ctx) })
	wg.Go(func() { e.refresher.Run(ctx) })
	wg.Go(func() { e.accountLoop(ctx) })
	wg.Go(func() { e.instrumentLoop(ctx) })
	wg.Go(func() { e.handleEvents(ctx, events) })
	wg.Wait()
	e.bg.Wait()

	e.logEntry().Info("Движок остановлен.")
	return nil
}

// Submit runs one atomic group through the gates and the executor.
func (e *Engine) Submit(ctx context.Context, spec executor.GroupSpec) (executor.GroupSnapshot, error) {
	if !e.started.Load() {
		return executor.GroupSnapshot{}, ErrNotStarted
	}
	// Cached metadata wins so a delisting seen by the refresh loop reaches the gates.
	spec.Legs = append([]executor.LegSpec(nil), spec.Legs...)
	for i, leg := range spec.Legs {
		if inst, ok := e.instruments.Instrument(leg.Instrument.Name); ok {
			spec.Legs[i].Instrument = inst
		}
	}
	g := executor.NewGroup(spec)
	err := e.exec.Execute(ctx, g)
	return g.Snapshot(), err
}

// Instrument returns cached venue metadata for building group specs.
func (e *Engine) Instrument(name string) (models.Instrument, error) {
	inst, ok := e.instruments.Instrument(name)
	if !ok {
		return models.Instrument{}, fmt.Errorf("%w: %s", executor.ErrNoInstrument, name)
	}
	return inst, nil
}
