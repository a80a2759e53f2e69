// Package supervisor turns closed candles into strategy signals and price ticks into
// stop checks, and fires trades at the executor.
package supervisor

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"spot-engine/internal/events"
	"spot-engine/internal/executor"
	"spot-engine/internal/market"
	"spot-engine/internal/risk"
	"spot-engine/internal/state"
	"spot-engine/internal/strategy"
)

const (
	ReasonSignalExit = "signal exit"
	ReasonStopLoss   = "stop loss"
)

// Trader executes entries and exits.
type Trader interface {
	ExecuteBuy(ctx context.Context, refPrice float64) (executor.Result, error)
	ExecuteSell(ctx context.Context, reason string) (executor.Result, error)
}

type Store interface {
	Snapshot() *state.TradingState
	Update(fn func(st *state.TradingState) bool) error
	Mutate(fn func(st *state.TradingState) bool) bool
}

type Gate interface {
	CanTrade(st *state.TradingState) risk.Decision
	CheckNewDay(st *state.TradingState, now time.Time) bool
}

type Supervisor struct {
	symbol   string
	store    Store
	gate     Gate
	trader   Trader
	anomaly  *risk.AnomalyDetector
	notifier events.Notifier
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	strategy strategy.Strategy
	stop     risk.StopPolicy

	wg           sync.WaitGroup
	sellInFlight atomic.Bool
}

func New(symbol string, strat strategy.Strategy, stop risk.StopPolicy, store Store, gate Gate, trader Trader, notifier events.Notifier, logger zerolog.Logger) *Supervisor {
	if notifier == nil {
		notifier = events.Nop{}
	}
	return &Supervisor{
		symbol:   symbol,
		store:    store,
		gate:     gate,
		trader:   trader,
		anomaly:  risk.NewAnomalyDetector(),
		notifier: notifier,
		logger:   logger.With().Str("component", "supervisor").Str("symbol", symbol).Logger(),
		now:      time.Now,
		strategy: strat,
		stop:     stop,
	}
}

// SetStrategy swaps the strategy used for the next closed candle.
func (s *Supervisor) SetStrategy(strat strategy.Strategy) {
	s.mu.Lock()
	s.strategy = strat
	s.mu.Unlock()
	s.logger.Info().Str("strategy", strat.Name()).Msg("strategy replaced")
}

func (s *Supervisor) SetStopPolicy(p risk.StopPolicy) {
	s.mu.Lock()
	s.stop = p
	s.mu.Unlock()
}

func (s *Supervisor) Strategy() strategy.Strategy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.strategy
}

func (s *Supervisor) stopPolicy() risk.StopPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stop
}

// OnCandleClosed evaluates the strategy over the window ending at the closed candle
// and triggers an entry or a signal exit when the risk gate allows trading.
func (s *Supervisor) OnCandleClosed(ctx context.Context, candles []market.Candle) {
	if len(candles) == 0 {
		return
	}
	last := candles[len(candles)-1]
	sig, err := s.Strategy().Process(candles)
	if err != nil {
		s.logger.Error().Err(err).Int64("open_time", last.OpenTime).Msg("strategy failed")
		sig = strategy.Neutral
	}

	var decision risk.Decision
	var inPosition bool
	now := s.now()
	err = s.store.Update(func(st *state.TradingState) bool {
		changed := false
		if st.LastSignal != sig.String() {
			st.LastSignal = sig.String()
			changed = true
		}
		if s.gate.CheckNewDay(st, now) {
			changed = true
		}
		wasPaused := st.Paused
		decision = s.gate.CanTrade(st)
		if st.Paused != wasPaused {
			changed = true
		}
		inPosition = st.InPosition
		return changed
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("persist signal state")
	}

	s.logger.Debug().Str("signal", sig.String()).Float64("close", last.Close).Bool("allowed", decision.Allowed).Msg("candle evaluated")
	if !decision.Allowed {
		if sig != strategy.Neutral {
			s.logger.Info().Str("signal", sig.String()).Str("reason", decision.Reason).Msg("signal ignored, trading blocked")
		}
		return
	}

	switch {
	case !inPosition && sig == strategy.StrongBullish:
		price := last.Close
		s.trigger(ctx, "buy", func(ctx context.Context) error {
			_, err := s.trader.ExecuteBuy(ctx, price)
			return err
		})
	case inPosition && sig == strategy.StrongBearish:
		s.triggerSell(ctx, ReasonSignalExit)
	}
}

// OnTick checks the protective stop on every price update. The highest price and a
// raised stop are kept in memory; the next persisted write carries them.
func (s *Supervisor) OnTick(ctx context.Context, price float64, at time.Time) {
	if price <= 0 {
		return
	}
	snap := s.store.Snapshot()
	for _, a := range s.anomaly.Observe(at, snap.Equity(price)) {
		s.logger.Warn().Str("kind", string(a.Kind)).Float64("change", a.Change).Msg(a.Message)
		s.notifier.Notify(events.EventRiskAlert, map[string]any{
			"kind":     string(a.Kind),
			"change":   a.Change,
			"message":  a.Message,
			"severity": "warning",
		})
	}
	if !snap.InPosition {
		return
	}

	policy := s.stopPolicy()
	var stop float64
	var raised bool
	s.store.Mutate(func(st *state.TradingState) bool {
		if !st.InPosition {
			return false
		}
		changed := st.TrackHigh(price)
		if st.RaiseStop(policy.Effective(st.EntryPrice, st.HighestPrice, st.StopLoss)) {
			raised = true
			changed = true
		}
		stop = st.StopLoss
		return changed
	})
	if raised {
		s.logger.Info().Float64("stop", stop).Float64("price", price).Msg("trailing stop raised")
	}

	if risk.Triggered(price, stop) {
		s.logger.Warn().Float64("price", price).Float64("stop", stop).Msg("stop loss hit")
		s.triggerSell(ctx, ReasonStopLoss)
	}
}

// triggerSell fires at most one exit at a time.
func (s *Supervisor) triggerSell(ctx context.Context, reason string) {
	if !s.sellInFlight.CompareAndSwap(false, true) {
		return
	}
	s.trigger(ctx, "sell", func(ctx context.Context) error {
		defer s.sellInFlight.Store(false)
		_, err := s.trader.ExecuteSell(ctx, reason)
		return err
	})
}

func (s *Supervisor) trigger(ctx context.Context, op string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().Interface("panic", r).Str("op", op).Bytes("stack", debug.Stack()).Msg("trade trigger panicked")
			}
		}()

		err := fn(ctx)
		switch {
		case err == nil:
		case errors.Is(err, executor.ErrTradeInFlight):
			s.logger.Debug().Str("op", op).Msg("trade already in flight")
		case errors.Is(err, executor.ErrAlreadyInPosition), errors.Is(err, executor.ErrNoPosition):
			s.logger.Info().Err(err).Str("op", op).Msg("trade skipped")
		case errors.Is(err, context.Canceled):
			s.logger.Warn().Str("op", op).Msg("trade canceled by shutdown")
		default:
			s.logger.Error().Err(err).Str("op", op).Msg("trade failed")
		}
	}()
}

// Wait blocks until every triggered trade has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
