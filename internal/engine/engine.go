// Package engine runs one instrument: its candle feed, strategy supervisor, executor
// and timers, all sharing the process gateway.
package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spot-engine/internal/events"
	"spot-engine/internal/executor"
	"spot-engine/internal/market"
	"spot-engine/internal/monitor"
	"spot-engine/internal/order"
	"spot-engine/internal/reconciliation"
	"spot-engine/internal/risk"
	"spot-engine/internal/state"
	"spot-engine/internal/strategy"
	"spot-engine/internal/supervisor"
	"spot-engine/pkg/config"
)

var (
	ErrNotInitialized = errors.New("engine not initialized")
	ErrRunning        = errors.New("engine already running")
)

const (
	housekeepingEvery = time.Minute
	pruneEvery        = time.Hour
	reconcileEvery    = 5 * time.Minute
)

// Engine owns every per-instrument component. Only the gateway, the notifier and the
// journal are shared with other instruments.
type Engine struct {
	deps   Deps
	logger zerolog.Logger
	now    func() time.Time

	cfgMu sync.RWMutex
	ic    config.InstrumentConfig

	gate     *risk.Gate
	ledger   *order.Ledger
	notifier events.Notifier
	strat    strategy.Strategy // handed to the supervisor by Initialize

	// built by Initialize
	store      *state.Store
	reconciler *reconciliation.Service
	exec       *executor.Executor
	sup        *supervisor.Supervisor

	mu        sync.Mutex
	feed      *market.Feed
	staleFeed bool // interval changed; the next Start rebuilds the feed
	runCtx    context.Context
	cancel    context.CancelFunc
	running   bool
	failure   string
	wg        sync.WaitGroup
}

// New validates the instrument and builds the components that need no I/O.
func New(deps Deps, ic config.InstrumentConfig) (*Engine, error) {
	if deps.Gateway == nil || deps.Config == nil {
		return nil, errors.New("engine: gateway and config required")
	}
	if err := ic.Validate(); err != nil {
		return nil, err
	}
	strat, err := strategy.New(ic.Strategy.Name, ic.Strategy.Params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ic.Symbol, err)
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = events.Nop{}
	}
	logger := deps.Logger.With().Str("component", "engine").Str("symbol", ic.Symbol).Logger()

	e := &Engine{
		deps:     deps,
		logger:   logger,
		now:      time.Now,
		ic:       ic,
		gate:     risk.NewGate(ic.Symbol, risk.LimitsFrom(ic.Risk), notifier, deps.Logger),
		notifier: notifier,
		strat:    strat,
		ledger: order.NewLedger(order.Options{
			Retention:   deps.Config.LedgerRetention,
			MaxRetained: deps.Config.LedgerMaxRetained,
		}),
	}
	e.ledger.OnCompleted(e.onTicketCompleted)
	return e, nil
}

func (e *Engine) Symbol() string { return e.instrument().Symbol }

func (e *Engine) instrument() config.InstrumentConfig {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.ic
}

// Initialize loads persisted state and candles and reconciles with the exchange.
// It must complete before Start.
func (e *Engine) Initialize(ctx context.Context) error {
	ic := e.instrument()
	cfg := e.deps.Config
	stop := risk.StopPolicyFrom(ic.Stop)

	store, err := state.Open(cfg.StatePath(ic.Symbol), state.NewTradingState(ic.Symbol, ic.Capital, e.now()), state.Options{
		Now:    e.now,
		Logger: e.deps.Logger,
	})
	if err != nil {
		return fmt.Errorf("open state %s: %w", ic.Symbol, err)
	}
	if err := store.Update(func(st *state.TradingState) bool {
		return e.gate.CheckNewDay(st, e.now())
	}); err != nil {
		e.logger.Warn().Err(err).Msg("persist day rollover")
	}

	reconciler := reconciliation.NewService(reconciliation.Config{
		Symbol:      ic.Symbol,
		BaseAsset:   ic.BaseAsset,
		Dust:        cfg.DustThreshold,
		MinNotional: cfg.MinNotionalFloor,
		Interval:    cfg.ReconcileEvery,
		Stop:        stop,
	}, e.deps.Gateway, store, e.deps.Logger)

	var recorder executor.TradeRecorder
	if e.deps.Journal != nil {
		recorder = e.deps.Journal
	}
	exec := executor.New(executor.Config{
		Symbol:           ic.Symbol,
		BaseAsset:        ic.BaseAsset,
		QuoteAsset:       ic.QuoteAsset,
		Capital:          ic.Capital,
		Stop:             stop,
		FeeRate:          cfg.FeeRate,
		MinNotionalFloor: cfg.MinNotionalFloor,
		SellRetryDelay:   cfg.SellRetryDelay,
	}, e.deps.Gateway, store, e.gate, reconciler, e.ledger, e.notifier, recorder, e.deps.Logger)

	e.mu.Lock()
	sup := supervisor.New(ic.Symbol, e.strat, stop, store, e.gate, exec, e.notifier, e.deps.Logger)
	e.store, e.reconciler, e.exec, e.sup = store, reconciler, exec, sup
	e.mu.Unlock()

	if err := e.primeFeed(ctx, ic); err != nil {
		return err
	}

	if err := exec.Recover(ctx); err != nil {
		return err
	}

	st := store.Snapshot()
	monitor.SetCapital(ic.Symbol, st.Capital)
	monitor.SetPaused(ic.Symbol, st.Paused)
	e.logger.Info().Bool("in_position", st.InPosition).Float64("capital", st.Capital).
		Bool("paused", st.Paused).Str("strategy", sup.Strategy().Name()).Msg("engine initialized")
	return nil
}

// primeFeed builds the feed for the configured interval and fills its window.
func (e *Engine) primeFeed(ctx context.Context, ic config.InstrumentConfig) error {
	feed := market.NewFeed(market.FeedConfig{
		Symbol:   ic.Symbol,
		Interval: ic.Interval,
	}, e.deps.Gateway, e.deps.Gateway, market.NewSnapshotStore(e.deps.Config.CandlePath(ic.Symbol, ic.Interval)), e.deps.Logger)
	if err := feed.Prime(ctx); err != nil {
		return fmt.Errorf("prime candles %s: %w", ic.Symbol, err)
	}
	if err := feed.SaveSnapshot(); err != nil {
		e.logger.Warn().Err(err).Msg("save candle snapshot")
	}
	feed.OnCandle = e.OnCandleUpdate
	feed.OnRestored = func(replayed int) {
		e.logger.Info().Int("replayed", replayed).Msg("market data restored")
	}

	e.mu.Lock()
	e.feed = feed
	e.staleFeed = false
	e.mu.Unlock()
	return nil
}

// Start launches the feed and timers. It returns once they are running.
func (e *Engine) Start(ctx context.Context) error {
	ic := e.instrument()

	e.mu.Lock()
	if e.store == nil {
		e.mu.Unlock()
		return ErrNotInitialized
	}
	if e.running && e.failure == "" {
		e.mu.Unlock()
		return ErrRunning
	}
	failed := e.running
	e.mu.Unlock()

	if failed {
		// reap the tasks a panic left behind before launching new ones
		if err := e.Stop(); err != nil {
			e.logger.Warn().Err(err).Msg("persist after failure")
		}
		e.logger.Info().Msg("restarting failed engine")
	}

	e.mu.Lock()
	needFeed := e.feed == nil || e.staleFeed
	e.mu.Unlock()

	if needFeed {
		if err := e.primeFeed(ctx, ic); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	runCtx, cancel := context.WithCancel(ctx)
	e.runCtx, e.cancel = runCtx, cancel
	e.running = true
	e.failure = ""

	every := e.deps.Config.ReconcileEvery
	if every <= 0 {
		every = reconcileEvery
	}
	feed, reconciler, exec := e.feed, e.reconciler, e.exec
	e.guard("feed", func() { feed.Run(runCtx) })
	e.guard("reconcile", func() { reconciler.Loop(runCtx, every, exec.PeriodicSync) })
	e.guard("housekeeping", func() { e.housekeeping(runCtx) })

	e.logger.Info().Str("interval", ic.Interval).Msg("engine started")
	return nil
}

// guard runs fn on its own goroutine. A panic marks only this engine failed and
// stops it; the rest of the process keeps trading.
func (e *Engine) guard(name string, fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error().Interface("panic", r).Str("task", name).Bytes("stack", debug.Stack()).Msg("engine task panicked")
				e.fail(fmt.Sprintf("%s panicked: %v", name, r))
			}
		}()
		fn()
	}()
}

func (e *Engine) fail(reason string) {
	e.mu.Lock()
	e.failure = reason
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.notifier.Notify(events.EventError, map[string]any{
		"operation": "engine",
		"error":     reason,
	})
}

func (e *Engine) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(housekeepingEvery)
	defer ticker.Stop()
	lastPrune := e.now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := e.now()
			if err := e.store.Update(func(st *state.TradingState) bool {
				return e.gate.CheckNewDay(st, now)
			}); err != nil {
				e.logger.Error().Err(err).Msg("persist day rollover")
			}
			if now.Sub(lastPrune) >= pruneEvery {
				if n := e.ledger.Prune(now); n > 0 {
					e.logger.Debug().Int("pruned", n).Msg("ledger pruned")
				}
				lastPrune = now
			}
		}
	}
}

func (e *Engine) tradeContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runCtx == nil {
		return context.Background()
	}
	// a trade already on the wire is allowed to finish during Stop
	return context.WithoutCancel(e.runCtx)
}

// OnCandleUpdate runs the stop check on every update and the strategy on closed
// candles, in that order.
func (e *Engine) OnCandleUpdate(c market.Candle) {
	e.mu.Lock()
	sup, feed := e.sup, e.feed
	e.mu.Unlock()
	if sup == nil || feed == nil {
		return
	}

	ctx := e.tradeContext()
	sup.OnTick(ctx, c.Close, e.now())
	if !c.Final {
		return
	}
	sup.OnCandleClosed(ctx, windowThrough(feed.Snapshot(), c.OpenTime))
}

// windowThrough trims candles newer than openTime.
func windowThrough(candles []market.Candle, openTime int64) []market.Candle {
	n := len(candles)
	for n > 0 && candles[n-1].OpenTime > openTime {
		n--
	}
	return candles[:n]
}

// Stop cancels the feed and timers, waits for in-flight trades and persists state
// and candles. It is safe to call on a stopped engine.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	e.mu.Lock()
	sup := e.sup
	e.mu.Unlock()
	sup.Wait()

	var errs []error
	if err := e.store.Save(); err != nil {
		errs = append(errs, fmt.Errorf("save state: %w", err))
	}
	e.mu.Lock()
	feed := e.feed
	e.mu.Unlock()
	if feed != nil {
		if err := feed.SaveSnapshot(); err != nil {
			errs = append(errs, fmt.Errorf("save candles: %w", err))
		}
	}
	e.logger.Info().Msg("engine stopped")
	return errors.Join(errs...)
}

// Running reports whether the engine is trading. A failed engine is not.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running && e.failure == ""
}

// Failed reports a recovered panic since the last Start.
func (e *Engine) Failed() (bool, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failure != "", e.failure
}

func (e *Engine) Status() Status {
	ic := e.instrument()
	e.mu.Lock()
	s := Status{
		Symbol:   ic.Symbol,
		Interval: ic.Interval,
		Strategy: e.strat.Name(),
		Running:  e.running && e.failure == "",
		Failed:   e.failure != "",
		Failure:  e.failure,
	}
	feed, store := e.feed, e.store
	e.mu.Unlock()

	if feed != nil {
		s.FeedState = feed.State().String()
		s.Candles = feed.Window().Len()
	}
	s.ActiveOrders = len(e.ledger.ActiveOrders())
	if store == nil {
		return s
	}
	st := store.Snapshot()
	s.InPosition = st.InPosition
	s.EntryPrice = st.EntryPrice
	s.Quantity = st.Quantity
	s.StopLoss = st.StopLoss
	s.HighestPrice = st.HighestPrice
	s.Capital = st.Capital
	s.PeakCapital = st.PeakCapital
	s.Drawdown = st.Drawdown()
	s.DailyTrades = st.DailyTrades
	s.DailyWins = st.DailyWins
	s.DailyPnL = st.DailyPnL
	s.TotalTrades = st.TotalTrades
	s.TotalPnL = st.TotalPnL
	s.ConsecutiveLosses = st.ConsecutiveLosses
	s.Paused = st.Paused
	s.PauseReason = st.PauseReason
	s.LastSignal = st.LastSignal
	s.Pending = st.Pending != nil
	s.UpdatedAt = st.UpdatedAt
	return s
}

// ApplyConfig takes the mutable fields of next: capital, interval, strategy, stop
// and risk limits. restart is true when the new interval needs a fresh feed, which
// the next Start builds.
func (e *Engine) ApplyConfig(next config.InstrumentConfig) (restart bool, err error) {
	if err := next.Validate(); err != nil {
		return false, err
	}
	cur := e.instrument()
	if !strings.EqualFold(cur.Symbol, next.Symbol) {
		return false, fmt.Errorf("apply %s config to %s", next.Symbol, cur.Symbol)
	}

	var strat strategy.Strategy
	if cur.Strategy.Name != next.Strategy.Name || !reflect.DeepEqual(cur.Strategy.Params, next.Strategy.Params) {
		strat, err = strategy.New(next.Strategy.Name, next.Strategy.Params)
		if err != nil {
			return false, fmt.Errorf("%s: %w", cur.Symbol, err)
		}
	}

	e.mu.Lock()
	exec, reconciler, sup := e.exec, e.reconciler, e.sup
	e.mu.Unlock()

	if next.Capital != cur.Capital && exec != nil {
		exec.SetCapital(next.Capital)
		e.logger.Info().Float64("from", cur.Capital).Float64("to", next.Capital).Msg("capital cap changed")
	}
	if strat != nil {
		e.mu.Lock()
		e.strat = strat
		e.mu.Unlock()
		if sup != nil {
			sup.SetStrategy(strat)
		}
	}
	if next.Stop != cur.Stop {
		stop := risk.StopPolicyFrom(next.Stop)
		if sup != nil {
			sup.SetStopPolicy(stop)
		}
		if exec != nil {
			exec.SetStopPolicy(stop)
		}
		if reconciler != nil {
			reconciler.SetStopPolicy(stop)
		}
	}
	if next.Risk != cur.Risk {
		e.gate.SetLimits(risk.LimitsFrom(next.Risk))
	}
	if next.Interval != cur.Interval {
		restart = true
		e.mu.Lock()
		e.staleFeed = true
		e.mu.Unlock()
		e.logger.Info().Str("from", cur.Interval).Str("to", next.Interval).Msg("interval changed, feed will be rebuilt")
	}

	applied := cur
	applied.Capital = next.Capital
	applied.Interval = next.Interval
	applied.Strategy = next.Strategy
	applied.Stop = next.Stop
	applied.Risk = next.Risk
	e.cfgMu.Lock()
	e.ic = applied
	e.cfgMu.Unlock()
	return restart, nil
}

// ResetRisk clears pauses and the losing streak.
func (e *Engine) ResetRisk() error {
	e.mu.Lock()
	store := e.store
	e.mu.Unlock()
	if store == nil {
		return ErrNotInitialized
	}
	return store.Update(e.gate.Reset)
}

func (e *Engine) onTicketCompleted(t order.Ticket) {
	e.notifier.Notify(events.EventOrderCompleted, map[string]any{
		"ticket":      t.ID,
		"client_id":   t.ClientID,
		"exchange_id": t.ExchangeID,
		"side":        string(t.Side),
		"status":      string(t.Status),
		"filled_qty":  t.FilledQty,
		"avg_price":   t.AvgPrice,
		"fee":         t.Fee,
	})
	if e.deps.Journal != nil {
		e.deps.Journal.RecordTicket(t)
	}
}
