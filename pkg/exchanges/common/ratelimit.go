package common

import (
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RateLimiter tracks request weight reported by the exchange.
type RateLimiter struct {
	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	logger        zerolog.Logger
	mu            sync.RWMutex
}

// NewRateLimiter creates a weight tracker.
// limit: maximum weight allowed (1200 for spot)
// resetInterval: time window (1 minute)
func NewRateLimiter(limit int, resetInterval time.Duration, logger zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		limit:         limit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
		logger:        logger.With().Str("component", "weight").Logger(),
	}
}

// UpdateFromHeader updates the used weight from the X-MBX-USED-WEIGHT-1M header.
func (rl *RateLimiter) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	rl.mu.Lock()
	// the header always reports the current window
	rl.lastReset = time.Now()
	rl.usedWeight = weight
	percentage := float64(rl.usedWeight) / float64(rl.limit) * 100
	rl.mu.Unlock()

	if percentage >= 95 {
		rl.logger.Error().Int("used", weight).Int("limit", rl.limit).Float64("pct", percentage).Msg("request weight critical")
	} else if percentage >= 80 {
		rl.logger.Warn().Int("used", weight).Int("limit", rl.limit).Float64("pct", percentage).Msg("request weight high")
	}
}

// GetUsage returns current usage information.
func (rl *RateLimiter) GetUsage() (used int, limit int, percentage float64) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	if time.Since(rl.lastReset) >= rl.resetInterval {
		return 0, rl.limit, 0
	}
	return rl.usedWeight, rl.limit, float64(rl.usedWeight) / float64(rl.limit) * 100
}
