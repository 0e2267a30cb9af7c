package scheduler

import (
	"context"
	"runtime"
	"time"

	"futures-listing-bot/internal/database"
)

// Precision countdown tuning. The goroutine coarse-sleeps to just before the
// listing time, then tightens to millisecond naps and finally a busy spin so
// the claim lands as close to T as the runtime allows.
const (
	precisionWakeEarly   = 50 * time.Millisecond
	precisionCoarseFloor = 100 * time.Millisecond
	precisionSpinWindow  = 5 * time.Millisecond
	precisionNap         = time.Millisecond
)

func (s *Scheduler) hasPrecision(planID string) bool {
	s.precisionMu.Lock()
	defer s.precisionMu.Unlock()
	_, ok := s.precision[planID]
	return ok
}

// spawnPrecision starts a dedicated countdown goroutine for the plan.
// Idempotent per plan ID; the entry is removed when the goroutine finishes,
// so a cancelled plan whose listing time moves can get a fresh one.
func (s *Scheduler) spawnPrecision(ctx context.Context, plan *database.ManualPlan) {
	s.precisionMu.Lock()
	if _, ok := s.precision[plan.ID]; ok {
		s.precisionMu.Unlock()
		return
	}
	s.precision[plan.ID] = struct{}{}
	s.precisionMu.Unlock()

	s.logger.Info().Str("plan_id", plan.ID).Str("symbol", plan.Symbol).
		Time("listing_time", plan.ListingTime).
		Msg("precision countdown started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.precisionMu.Lock()
			delete(s.precision, plan.ID)
			s.precisionMu.Unlock()
		}()
		s.runPrecision(ctx, plan)
	}()
}

// runPrecision sleeps until just before the listing time, spin-waits through
// the last stretch, then races the regular plan tick for the claim.
func (s *Scheduler) runPrecision(ctx context.Context, plan *database.ManualPlan) {
	target := plan.ListingTime

	if wait := time.Until(target); wait > precisionCoarseFloor {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(wait - precisionWakeEarly):
		}
	}

	for {
		remaining := time.Until(target)
		if remaining <= 0 {
			break
		}
		if remaining > precisionSpinWindow {
			time.Sleep(precisionNap)
			continue
		}
		// Busy spin over the final window; yields keep the runtime fair.
		for time.Now().Before(target) {
			runtime.Gosched()
		}
		break
	}

	select {
	case <-s.stopCh:
		return
	case <-ctx.Done():
		return
	default:
	}

	delay := time.Since(target)
	s.logger.Info().Str("plan_id", plan.ID).
		Float64("delay_ms", float64(delay.Microseconds())/1000).
		Msg("precision countdown fired")
	s.claimAndExecute(ctx, plan, delay)
}
