package concurrency

import (
	"fmt"
	"time"

	"github.com/alitto/pond"
	"github.com/rs/zerolog"
)

// PoolConfig holds configuration for a worker pool.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	NonBlocking bool // Submit returns an error instead of blocking when full
}

// WorkerPool wraps alitto/pond with panic recovery and standardized config.
type WorkerPool struct {
	pool   *pond.WorkerPool
	config PoolConfig
	logger zerolog.Logger
}

func NewWorkerPool(cfg PoolConfig, logger zerolog.Logger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 100
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	poolLogger := logger.With().Str("component", "worker_pool").Str("pool", cfg.Name).Logger()

	pool := pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			poolLogger.Error().Interface("panic", p).Msg("worker pool panic recovered")
		}),
	)

	return &WorkerPool{pool: pool, config: cfg, logger: poolLogger}
}

// Submit adds a task to the pool.
func (wp *WorkerPool) Submit(task func()) error {
	if wp.config.NonBlocking {
		if !wp.pool.TrySubmit(task) {
			return fmt.Errorf("worker pool %q is full (capacity %d)", wp.config.Name, wp.config.MaxCapacity)
		}
		return nil
	}
	wp.pool.Submit(task)
	return nil
}

// Stop drains the pool, waiting for in-flight tasks.
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}

// Stats returns pool counters for the health endpoint.
func (wp *WorkerPool) Stats() map[string]interface{} {
	return map[string]interface{}{
		"running_workers": wp.pool.RunningWorkers(),
		"idle_workers":    wp.pool.IdleWorkers(),
		"submitted_tasks": wp.pool.SubmittedTasks(),
		"waiting_tasks":   wp.pool.WaitingTasks(),
		"failed_tasks":    wp.pool.FailedTasks(),
	}
}
