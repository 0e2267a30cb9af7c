package binance

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// failureTracker counts consecutive REST failures. Crossing the limit logs a
// degraded-mode warning at most once per cooldown; any success resets the
// streak.
type failureTracker struct {
	mu       sync.Mutex
	streak   int
	limit    int
	cooldown time.Duration
	lastWarn time.Time
	logger   zerolog.Logger
}

func newFailureTracker(limit int, cooldown time.Duration, logger zerolog.Logger) *failureTracker {
	return &failureTracker{
		limit:    limit,
		cooldown: cooldown,
		logger:   logger.With().Str("component", "rest_health").Logger(),
	}
}

func (t *failureTracker) failure(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.streak++
	if t.streak < t.limit {
		return
	}
	if time.Since(t.lastWarn) < t.cooldown {
		return
	}
	t.lastWarn = time.Now()
	t.logger.Warn().Int("streak", t.streak).Str("last_path", path).
		Msg("REST calls degraded: consecutive failures over threshold")
}

func (t *failureTracker) success() {
	t.mu.Lock()
	t.streak = 0
	t.mu.Unlock()
}

func (t *failureTracker) streakCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streak
}
