package risk

import (
	"spot-engine/internal/state"
	"spot-engine/pkg/config"
)

// Limits are the per-instrument thresholds. Percent values are whole percents.
type Limits struct {
	MaxDailyTrades       int
	MaxConsecutiveLosses int
	MaxDailyLossPercent  float64
	MaxDrawdownPercent   float64
}

// LimitsFrom maps the instrument risk config.
func LimitsFrom(rc config.RiskConfig) Limits {
	return Limits{
		MaxDailyTrades:       rc.MaxDailyTrades,
		MaxConsecutiveLosses: rc.MaxConsecutiveLosses,
		MaxDailyLossPercent:  rc.MaxDailyLossPercent,
		MaxDrawdownPercent:   rc.MaxDrawdownPercent,
	}
}

// Decision is the outcome of CanTrade. A rejection is a result, not an error.
type Decision struct {
	Allowed bool
	Reason  string
	Kind    state.PauseKind
	// Paused is true when this evaluation paused the instrument.
	Paused bool
}

// autoResume lists pause kinds cleared at the start of a new UTC day.
var autoResume = map[state.PauseKind]bool{
	state.PauseDailyLoss:         true,
	state.PauseInsufficientFunds: true,
	state.PauseDailyTrades:       true,
}
