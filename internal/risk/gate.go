package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spot-engine/internal/events"
	"spot-engine/internal/monitor"
	"spot-engine/internal/state"
)

// ratio comparisons tolerate float noise from capital arithmetic
const epsilon = 1e-9

// Gate evaluates trading state against the instrument's limits. It mutates the state
// it is given (pauses, counters); callers run it inside Store.Update so the result is
// persisted.
type Gate struct {
	mu       sync.RWMutex
	limits   Limits
	symbol   string
	notifier events.Notifier
	logger   zerolog.Logger
}

func NewGate(symbol string, limits Limits, notifier events.Notifier, logger zerolog.Logger) *Gate {
	if notifier == nil {
		notifier = events.Nop{}
	}
	return &Gate{
		limits:   limits,
		symbol:   symbol,
		notifier: notifier,
		logger:   logger.With().Str("component", "risk").Str("symbol", symbol).Logger(),
	}
}

func (g *Gate) Limits() Limits {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.limits
}

// SetLimits swaps limits on a running instrument.
func (g *Gate) SetLimits(l Limits) {
	g.mu.Lock()
	g.limits = l
	g.mu.Unlock()
	g.logger.Info().Interface("limits", l).Msg("risk limits updated")
}

// CanTrade runs the checks in fixed order; the first failure wins and pauses.
func (g *Gate) CanTrade(st *state.TradingState) Decision {
	l := g.Limits()

	if st.Paused {
		return Decision{Reason: st.PauseReason, Kind: st.PauseKind}
	}
	if l.MaxDailyTrades > 0 && st.DailyTrades >= l.MaxDailyTrades {
		return g.pause(st, state.PauseDailyTrades,
			fmt.Sprintf("daily trade limit reached (%d/%d)", st.DailyTrades, l.MaxDailyTrades), false)
	}
	if l.MaxConsecutiveLosses > 0 && st.ConsecutiveLosses >= l.MaxConsecutiveLosses {
		return g.pause(st, state.PauseConsecutiveLosses,
			fmt.Sprintf("consecutive loss limit reached (%d/%d)", st.ConsecutiveLosses, l.MaxConsecutiveLosses), false)
	}
	if l.MaxDailyLossPercent > 0 {
		if loss := st.DailyLoss(); loss+epsilon >= l.MaxDailyLossPercent/100 {
			return g.pause(st, state.PauseDailyLoss,
				fmt.Sprintf("daily loss limit reached (%.2f%% >= %.2f%%)", loss*100, l.MaxDailyLossPercent), false)
		}
	}
	if l.MaxDrawdownPercent > 0 {
		if dd := st.Drawdown(); dd+epsilon >= l.MaxDrawdownPercent/100 {
			return g.pause(st, state.PauseDrawdown,
				fmt.Sprintf("max drawdown limit reached (%.2f%% >= %.2f%%)", dd*100, l.MaxDrawdownPercent), true)
		}
	}
	return Decision{Allowed: true}
}

func (g *Gate) pause(st *state.TradingState, kind state.PauseKind, reason string, critical bool) Decision {
	st.Pause(kind, reason)
	monitor.SetPaused(g.symbol, true)

	severity := "warning"
	ev := g.logger.Warn()
	if critical {
		severity = "critical"
		ev = g.logger.Error()
	}
	ev.Str("kind", string(kind)).Str("reason", reason).Float64("capital", st.Capital).Msg("trading paused")
	g.notifier.Notify(events.EventRiskAlert, map[string]any{
		"kind":     string(kind),
		"reason":   reason,
		"severity": severity,
		"capital":  st.Capital,
	})
	return Decision{Reason: reason, Kind: kind, Paused: true}
}

// Pause holds trading for an external reason such as insufficient funds.
func (g *Gate) Pause(st *state.TradingState, kind state.PauseKind, reason string) {
	if st.Paused {
		return
	}
	g.pause(st, kind, reason, false)
}

// OnStopLoss counts a losing close and pauses once the limit is reached.
func (g *Gate) OnStopLoss(st *state.TradingState) {
	st.ConsecutiveLosses++
	l := g.Limits()
	g.logger.Info().Int("consecutive_losses", st.ConsecutiveLosses).Msg("losing trade recorded")
	if l.MaxConsecutiveLosses > 0 && st.ConsecutiveLosses >= l.MaxConsecutiveLosses && !st.Paused {
		g.pause(st, state.PauseConsecutiveLosses,
			fmt.Sprintf("consecutive loss limit reached (%d/%d)", st.ConsecutiveLosses, l.MaxConsecutiveLosses), false)
	}
}

// OnProfitClose resets the losing streak.
func (g *Gate) OnProfitClose(st *state.TradingState) {
	st.ConsecutiveLosses = 0
}

// UpdatePeakCapital ratchets the peak upward and records a new worst drawdown.
func (g *Gate) UpdatePeakCapital(st *state.TradingState) {
	if st.Capital > st.PeakCapital {
		st.PeakCapital = st.Capital
	}
	if dd := st.Drawdown(); dd > st.MaxDrawdown {
		st.MaxDrawdown = dd
	}
	monitor.SetCapital(g.symbol, st.Capital)
}

// CheckNewDay rolls the trading day on a UTC boundary, reports the finished day and
// auto-resumes daily pauses. Drawdown and loss-streak pauses need Reset.
func (g *Gate) CheckNewDay(st *state.TradingState, now time.Time) bool {
	day := state.TradingDay(now)
	if st.TradingDay == day {
		return false
	}

	g.notifier.Notify(events.EventDailyReport, map[string]any{
		"day":       st.TradingDay,
		"trades":    st.DailyTrades,
		"wins":      st.DailyWins,
		"pnl":       st.DailyPnL,
		"capital":   st.Capital,
		"drawdown":  st.Drawdown(),
		"paused":    st.Paused,
		"in_trade":  st.InPosition,
		"day_start": st.DayStartCapital,
	})
	g.logger.Info().Str("previous", st.TradingDay).Str("day", day).
		Int("trades", st.DailyTrades).Int("wins", st.DailyWins).Float64("pnl", st.DailyPnL).
		Msg("trading day rolled")

	st.RollDay(day)
	if st.Paused && autoResume[st.PauseKind] {
		g.logger.Info().Str("kind", string(st.PauseKind)).Msg("daily pause cleared")
		st.Resume()
		monitor.SetPaused(g.symbol, false)
	}
	return true
}

// Reset explicitly clears any pause and the losing streak.
func (g *Gate) Reset(st *state.TradingState) bool {
	changed := st.Resume()
	if st.ConsecutiveLosses != 0 {
		st.ConsecutiveLosses = 0
		changed = true
	}
	if st.PeakCapital > st.Capital {
		// a drawdown pause would trip again immediately against the old peak
		st.PeakCapital = st.Capital
		changed = true
	}
	if changed {
		monitor.SetPaused(g.symbol, false)
		g.logger.Warn().Float64("capital", st.Capital).Msg("risk state reset")
	}
	return changed
}
