package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"tradecore/internal/backoff"
	"tradecore/internal/config"
	"tradecore/internal/exchange"
	"tradecore/internal/execution"
	"tradecore/internal/feed"
	"tradecore/internal/health"
	"tradecore/internal/logger"
	"tradecore/internal/metrics"
	"tradecore/internal/risk"
	"tradecore/internal/safety"
)

var ErrNotRunning = errors.New("engine is not running")

// KillSwitch is the process-wide halt flag as the engine uses it.
type KillSwitch interface {
	Engaged() bool
	Engage(reason string) error
	Watch(ctx context.Context, onChange func(engaged bool)) error
}

type Deps struct {
	Broker     exchange.Broker
	MarketData exchange.MarketData
	Stream     exchange.Stream
	Budget     execution.Budget
	KillSwitch KillSwitch
	Halts      health.HaltCalendar
	Notifier   health.Notifier
}

type Engine struct {
	cfg    *config.Config
	tier   feed.Tier
	preset risk.Preset
	deps   Deps
	log    *logger.Logger

	monitor  *health.Monitor
	gate     *risk.Gate
	queue    *execution.Queue
	breakers *safety.Breakers

	retry   backoff.Policy
	now     func() time.Time
	running atomic.Bool

	mu        sync.Mutex
	lastTrade map[string]time.Time
}

func New(cfg *config.Config, tier feed.Tier, deps Deps, log *logger.Logger) *Engine {
	e := &Engine{
		cfg:       cfg,
		tier:      tier,
		preset:    cfg.ActivePreset(),
		deps:      deps,
		log:       log,
		now:       time.Now,
		lastTrade: make(map[string]time.Time),
		retry: backoff.Policy{
			Min:    cfg.Execution.BackoffMin,
			Max:    cfg.Execution.BackoffMax,
			Factor: 2,
			Jitter: 0.2,
		},
	}

	opts := []health.Option{
		health.WithSnapshotSource(deps.MarketData),
		health.WithBarSource(deps.MarketData),
	}
	if deps.Halts != nil {
		opts = append(opts, health.WithHaltCalendar(deps.Halts))
	}
	if deps.Notifier != nil {
		opts = append(opts, health.WithNotifier(deps.Notifier))
	}
	e.monitor = health.NewMonitor(health.Config{
		Staleness:        cfg.Feed.Staleness,
		Tier:             tier,
		WatchdogInterval: cfg.Feed.WatchdogInterval,
		LatencyWindow:    cfg.Feed.LatencyWindow,
		TickSize:         cfg.Feed.TickSize,
		MaxTicks:         cfg.Feed.CrosscheckMaxTicks,
		MaxSkew:          cfg.Feed.MaxSkew,
	}, log, opts...)

	e.gate = risk.NewGate(deps.KillSwitch, e.monitor, risk.GateConfig{
		Live:           cfg.Runtime.Mode == config.ModeLive,
		LiveConfirmed:  cfg.Runtime.LiveConfirmed,
		FallbackEquity: cfg.Risk.FallbackEquity,
	}, log)

	e.queue = execution.NewQueue(deps.Broker, deps.Budget, execution.Config{
		Workers:        cfg.Execution.Workers,
		QueueSize:      cfg.Execution.QueueSize,
		MaxAttempts:    cfg.Execution.MaxAttempts,
		Backoff:        e.retry,
		AttemptTimeout: cfg.Execution.AttemptTimeout,
	}, log)

	e.breakers = safety.New(deps.KillSwitch, e.monitor, safety.Config{
		Interval:         cfg.Safety.Interval,
		MaxDataStale:     cfg.Safety.MaxDataStale,
		MaxLatencyP95:    cfg.Safety.MaxLatencyP95,
		MaxRejectsPerMin: cfg.Safety.MaxRejectsPerMin,
		Symbols:          cfg.Feed.Symbols,
	}, log)

	e.queue.OnResult(e.onResult)
	e.queue.OnResult(e.breakers.ObserveResult)
	return e
}

// Start runs the session until ctx is cancelled or a component fails.
func (e *Engine) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	e.logEntry().WithFields(logrus.Fields{
		"feed":    e.tier.Name(),
		"preset":  e.preset.Name,
		"mode":    e.cfg.Runtime.Mode,
		"symbols": e.cfg.Feed.Symbols,
	}).Info("Engine starting.")

	e.setKillSwitchGauge()

	g.Go(func() error { return e.queue.Run(gctx) })
	g.Go(func() error { return e.deps.Stream.Run(gctx) })
	g.Go(func() error {
		e.handleEvents(gctx, e.deps.Stream.Events())
		return nil
	})
	g.Go(func() error { return e.monitor.Run(gctx) })
	if e.cfg.Feed.CrosscheckInterval > 0 {
		g.Go(func() error {
			return e.monitor.RunCrosscheck(gctx, e.cfg.Feed.CrosscheckInterval, e.cfg.Feed.Symbols)
		})
	}
	if e.cfg.Feed.ContinuityInterval > 0 {
		g.Go(func() error {
			return e.monitor.RunContinuity(gctx, e.cfg.Feed.ContinuityInterval, e.cfg.Feed.ContinuityLookback, e.cfg.Feed.Symbols)
		})
	}
	g.Go(func() error { return e.breakers.Run(gctx) })
	g.Go(func() error {
		err := e.deps.KillSwitch.Watch(gctx, func(bool) { e.setKillSwitchGauge() })
		if err != nil {
			// The switch is still read before every evaluation.
			e.logEntry().WithError(err).Warn("Kill switch watcher unavailable.")
		}
		return nil
	})
	if addr := e.cfg.Runtime.MetricsAddr; addr != "" {
		g.Go(func() error { return metrics.Serve(gctx, addr) })
	}

	e.running.Store(true)
	err := g.Wait()
	e.running.Store(false)

	if err != nil && !errors.Is(err, context.Canceled) {
		e.logEntry().WithError(err).Error("Engine stopped with error.")
		return err
	}
	e.logEntry().Info("Engine stopped.")
	return nil
}

func (e *Engine) Monitor() *health.Monitor {
	return e.monitor
}

func (e *Engine) Breakers() *safety.Breakers {
	return e.breakers
}

func (e *Engine) onResult(r execution.Result) {
	if r.State != execution.StateAcked {
		return
	}
	e.mu.Lock()
	e.lastTrade[r.Order.Symbol] = e.now()
	e.mu.Unlock()
}

func (e *Engine) setKillSwitchGauge() {
	if e.deps.KillSwitch != nil && e.deps.KillSwitch.Engaged() {
		metrics.KillSwitchEngaged.Set(1)
		return
	}
	metrics.KillSwitchEngaged.Set(0)
}

func (e *Engine) logEntry() *logrus.Entry {
	return e.log.WithComponent("engine")
}
