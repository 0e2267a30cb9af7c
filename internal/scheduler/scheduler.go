package scheduler

import (
	"context"
	"runtime"
	"sync"
	"time"

	"futures-listing-bot/config"
	"futures-listing-bot/internal/binance"
	"futures-listing-bot/internal/concurrency"
	"futures-listing-bot/internal/database"

	"github.com/rs/zerolog"
)

// Tick overrun limits. A tick still running past its soft limit is logged;
// past its hard limit the guard is forcibly reset so a wedged worker cannot
// starve the loop forever.
const (
	planTickSoftLimit    = 1500 * time.Millisecond
	planTickHardLimit    = 1500 * time.Millisecond
	monitorTickSoftLimit = 700 * time.Millisecond
	monitorTickHardLimit = 3 * time.Second
	syncTickSoftLimit    = 3 * time.Second
	syncTickHardLimit    = 12 * time.Second
)

// Executor runs the entry for a claimed plan.
type Executor interface {
	Execute(ctx context.Context, plan *database.ManualPlan) (*database.Position, error)
}

// PlanStore is the plan lifecycle surface the scheduler drives.
type PlanStore interface {
	ListDue(ctx context.Context, now time.Time) ([]*database.ManualPlan, error)
	ListPending(ctx context.Context) ([]*database.ManualPlan, error)
	TryClaim(ctx context.Context, id string) (bool, error)
	MarkExecuted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// PositionMonitor evaluates exits for active positions. It reports how many
// positions were checked so the loop can relax its cadence when flat.
type PositionMonitor interface {
	RunOnce(ctx context.Context) (active int, err error)
}

// Reconciler aligns local position state with the exchange.
type Reconciler interface {
	RunOnce(ctx context.Context) error
}

// PriceSource warms symbol subscriptions ahead of listing.
type PriceSource interface {
	Subscribe(symbol string)
}

// ==================== TICK GUARD ====================

// tickGuard enforces non-reentrancy for a periodic tick. A new tick is
// skipped while the previous one runs; past the soft limit the skip is logged
// as a warning, past the hard limit the guard resets and lets the tick in.
type tickGuard struct {
	mu        sync.Mutex
	running   bool
	startedAt time.Time
	name      string
	soft      time.Duration
	hard      time.Duration
	logger    zerolog.Logger
}

func newTickGuard(name string, soft, hard time.Duration, logger zerolog.Logger) *tickGuard {
	return &tickGuard{name: name, soft: soft, hard: hard, logger: logger}
}

// tryEnter returns true when the caller may run the tick body. The caller
// must call exit() when done.
func (g *tickGuard) tryEnter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if !g.running {
		g.running = true
		g.startedAt = now
		return true
	}

	elapsed := now.Sub(g.startedAt)
	switch {
	case elapsed > g.hard:
		g.logger.Warn().Str("tick", g.name).Dur("elapsed", elapsed).
			Msg("tick stuck past hard limit, forcing guard reset")
		g.startedAt = now
		return true
	case elapsed > g.soft:
		g.logger.Warn().Str("tick", g.name).Dur("elapsed", elapsed).
			Msg("previous tick still running, skipping")
		return false
	default:
		g.logger.Debug().Str("tick", g.name).Dur("elapsed", elapsed).
			Msg("previous tick still running, skipping")
		return false
	}
}

func (g *tickGuard) exit() {
	g.mu.Lock()
	g.running = false
	g.mu.Unlock()
}

// ==================== SCHEDULER ====================

// Scheduler drives the three periodic loops: plan execution, position
// monitoring and exchange reconciliation. Plans close to their listing time
// are handed to dedicated precision goroutines for sub-tick accuracy.
type Scheduler struct {
	cfg        config.SchedulerConfig
	plans      PlanStore
	executor   Executor
	monitor    PositionMonitor
	reconciler Reconciler
	stream     PriceSource
	logger     zerolog.Logger

	monitorPool *concurrency.WorkerPool
	syncPool    *concurrency.WorkerPool

	planGuard    *tickGuard
	monitorGuard *tickGuard
	syncGuard    *tickGuard

	precisionMu sync.Mutex
	precision   map[string]struct{} // plan IDs with a precision goroutine

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func New(cfg config.SchedulerConfig, plans PlanStore, executor Executor, monitor PositionMonitor, reconciler Reconciler, stream PriceSource, logger zerolog.Logger) *Scheduler {
	logger = logger.With().Str("component", "scheduler").Logger()

	cpus := runtime.GOMAXPROCS(0)
	monitorWorkers := cpus
	if monitorWorkers < 4 {
		monitorWorkers = 4
	}
	syncWorkers := cpus / 2
	if syncWorkers < 2 {
		syncWorkers = 2
	}

	return &Scheduler{
		cfg:        cfg,
		plans:      plans,
		executor:   executor,
		monitor:    monitor,
		reconciler: reconciler,
		stream:     stream,
		logger:     logger,
		monitorPool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name: "monitor", MaxWorkers: monitorWorkers, MaxCapacity: 200,
		}, logger),
		syncPool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name: "sync", MaxWorkers: syncWorkers, MaxCapacity: 50, NonBlocking: true,
		}, logger),
		planGuard:    newTickGuard("plan", planTickSoftLimit, planTickHardLimit, logger),
		monitorGuard: newTickGuard("monitor", monitorTickSoftLimit, monitorTickHardLimit, logger),
		syncGuard:    newTickGuard("sync", syncTickSoftLimit, syncTickHardLimit, logger),
		precision:    make(map[string]struct{}),
		stopCh:       make(chan struct{}),
	}
}

// MonitorPool exposes the monitor worker pool so the position monitor can
// fan out per-position checks on it.
func (s *Scheduler) MonitorPool() *concurrency.WorkerPool {
	return s.monitorPool
}

// SetMonitor wires the position monitor. The monitor borrows the scheduler's
// worker pool, so it is constructed after the scheduler; call this before
// Start.
func (s *Scheduler) SetMonitor(m PositionMonitor) {
	s.monitor = m
}

// Start launches the three loops. Call Stop to shut down.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(3)
	go s.planLoop(ctx)
	go s.monitorLoop(ctx)
	go s.syncLoop(ctx)

	s.logger.Info().
		Dur("plan_interval", s.cfg.PlanCheckInterval).
		Dur("monitor_interval", s.cfg.MonitorInterval).
		Dur("sync_interval", s.cfg.SyncInterval).
		Msg("scheduler started")
}

// Stop stops the loops, drains the pools and waits up to two seconds for
// precision goroutines that are mid-countdown.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		close(s.stopCh)

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			s.logger.Warn().Msg("shutdown timed out waiting for scheduler goroutines")
		}

		s.monitorPool.Stop()
		s.syncPool.Stop()
		s.logger.Info().Msg("scheduler stopped")
	})
}

// ==================== PLAN LOOP ====================

func (s *Scheduler) planLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PlanCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.planGuard.tryEnter() {
				continue
			}
			s.planTick(ctx)
			s.planGuard.exit()
		}
	}
}

// planTick claims due plans, spawns precision goroutines for imminent ones
// and warms price subscriptions ahead of listing.
func (s *Scheduler) planTick(ctx context.Context) {
	now := time.Now()

	due, err := s.plans.ListDue(ctx, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("listing due plans failed")
		return
	}
	for _, plan := range due {
		// Plans already adopted by a precision goroutine lose the claim race
		// there; running them here too is harmless but wasteful.
		if s.hasPrecision(plan.ID) {
			continue
		}
		p := plan
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.claimAndExecute(ctx, p, now.Sub(p.ListingTime))
		}()
	}

	pending, err := s.plans.ListPending(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("listing pending plans failed")
		return
	}
	for _, plan := range pending {
		wait := plan.ListingTime.Sub(now)
		if wait <= 0 {
			continue
		}
		if wait <= s.cfg.SubscribeBefore && s.stream != nil {
			s.stream.Subscribe(binance.NormalizeSymbol(plan.Symbol))
		}
		if s.cfg.PrecisionMode && wait <= s.cfg.PrecisionThreshold {
			s.spawnPrecision(ctx, plan)
		}
	}
}

// claimAndExecute performs the atomic claim and, on success, the entry. Only
// one caller wins the PENDING -> EXECUTING transition per plan.
func (s *Scheduler) claimAndExecute(ctx context.Context, plan *database.ManualPlan, delay time.Duration) {
	claimed, err := s.plans.TryClaim(ctx, plan.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("plan_id", plan.ID).Msg("claiming plan failed")
		return
	}
	if !claimed {
		return
	}

	logger := s.logger.With().Str("plan_id", plan.ID).Str("symbol", plan.Symbol).Logger()
	logger.Info().Float64("delay_ms", float64(delay.Microseconds())/1000).Msg("executing plan")

	position, err := s.executor.Execute(ctx, plan)
	if err != nil {
		logger.Error().Err(err).Msg("plan execution failed")
		if markErr := s.plans.MarkFailed(ctx, plan.ID); markErr != nil {
			logger.Error().Err(markErr).Msg("marking plan failed errored")
		}
		return
	}

	if err := s.plans.MarkExecuted(ctx, plan.ID); err != nil {
		logger.Error().Err(err).Msg("marking plan executed errored")
		return
	}
	logger.Info().Str("position_id", position.ID).Msg("plan executed")
}

// ==================== MONITOR LOOP ====================

// monitorLoop runs the exit checks with an adaptive cadence: the configured
// interval while positions are open, a relaxed one when flat. The tick body
// runs on the monitor pool; the loop waits only up to the soft limit, so a
// tick wedged on exchange I/O keeps its worker while the loop ticks on and
// the guard's hard limit eventually lets a fresh tick through.
func (s *Scheduler) monitorLoop(ctx context.Context) {
	defer s.wg.Done()
	if s.monitor == nil {
		return
	}

	timer := time.NewTimer(s.cfg.MonitorInterval)
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		interval := s.cfg.MonitorIdleInterval
		if s.monitorGuard.tryEnter() {
			results := make(chan int, 1)
			task := func() {
				defer s.monitorGuard.exit()
				active, err := s.monitor.RunOnce(ctx)
				if err != nil {
					s.logger.Error().Err(err).Msg("monitor tick failed")
				}
				results <- active
			}
			if err := s.monitorPool.Submit(task); err != nil {
				task()
			}
			select {
			case active := <-results:
				if active > 0 {
					interval = s.cfg.MonitorInterval
				}
			case <-time.After(monitorTickSoftLimit):
				// Tick overran. Assume busy and re-arm; the worker still
				// holds the guard until it finishes.
				interval = s.cfg.MonitorInterval
			case <-s.stopCh:
				return
			}
		} else {
			interval = s.cfg.MonitorInterval
		}
		timer.Reset(interval)
	}
}

// ==================== SYNC LOOP ====================

func (s *Scheduler) syncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.syncGuard.tryEnter() {
				continue
			}
			if err := s.syncPool.Submit(func() {
				defer s.syncGuard.exit()
				if err := s.reconciler.RunOnce(ctx); err != nil {
					s.logger.Error().Err(err).Msg("reconciliation tick failed")
				}
			}); err != nil {
				s.syncGuard.exit()
				s.logger.Warn().Err(err).Msg("sync pool rejected tick")
			}
		}
	}
}
