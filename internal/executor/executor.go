// Package executor places the engine's market orders and turns their fills into
// position state. One Executor serves one instrument; at most one trade is in
// flight per instrument.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spot-engine/internal/events"
	"spot-engine/internal/monitor"
	"spot-engine/internal/order"
	"spot-engine/internal/reconciliation"
	"spot-engine/internal/risk"
	"spot-engine/internal/state"
	"spot-engine/pkg/exchanges/common"
)

var (
	ErrTradeInFlight     = errors.New("trade already in flight")
	ErrAlreadyInPosition = errors.New("already in position")
	ErrNoPosition        = errors.New("no open position")
	ErrBelowMinNotional  = errors.New("order below minimum notional")
	ErrPendingUnresolved = errors.New("previous order still unresolved")
	ErrNotFilled         = errors.New("order not filled")
	ErrSellFailed        = errors.New("sell failed")
	ErrPartialFill       = errors.New("sell partially filled")
)

// fillTolerance is the relative shortfall under which a fill counts as complete.
const fillTolerance = 1e-6

// Exchange is the slice of the gateway the executor trades through.
type Exchange interface {
	PlaceMarketOrder(ctx context.Context, symbol string, side common.Side, qty, quote float64, clientID string) (common.OrderResult, error)
	QueryOrder(ctx context.Context, symbol, exchangeID, clientID string) (common.OrderResult, error)
	OpenOrders(ctx context.Context, symbol string) ([]common.OrderResult, error)
	RecentOrders(ctx context.Context, symbol string, start, end time.Time) ([]common.OrderResult, error)
	Balance(ctx context.Context, asset string) (common.Balance, error)
	Price(ctx context.Context, symbol string) (float64, error)
	SymbolRules(ctx context.Context, symbol string) (common.SymbolRules, error)
}

type PositionStore interface {
	Snapshot() *state.TradingState
	Update(fn func(st *state.TradingState) bool) error
	Apply(fn func(st *state.TradingState)) error
}

type RiskHooks interface {
	OnStopLoss(st *state.TradingState)
	OnProfitClose(st *state.TradingState)
	UpdatePeakCapital(st *state.TradingState)
	Pause(st *state.TradingState, kind state.PauseKind, reason string)
}

type Reconciler interface {
	VerifyAndSync(ctx context.Context) (reconciliation.Report, error)
}

// TradeRecorder journals closed round trips.
type TradeRecorder interface {
	RecordTrade(symbol string, rec state.TradeRecord)
}

// Config for one instrument. Zero durations and counts take the defaults.
type Config struct {
	Symbol     string
	BaseAsset  string
	QuoteAsset string
	Capital    float64 // configured cap on the quote amount of one entry

	Stop             risk.StopPolicy
	FeeRate          float64 // estimate when the fee is charged in a third asset (0.001)
	MinNotionalFloor float64 // 10

	SellAttempts    int           // 3
	SellRetryDelay  time.Duration // 2s
	ResolveAttempts int           // 3
	ResolveDelay    time.Duration // 1s
	PendingGrace    time.Duration // 1m before a periodic pass resolves a marker
}

func (c *Config) applyDefaults() {
	if c.FeeRate <= 0 {
		c.FeeRate = 0.001
	}
	if c.MinNotionalFloor <= 0 {
		c.MinNotionalFloor = 10
	}
	if c.SellAttempts <= 0 {
		c.SellAttempts = 3
	}
	if c.SellRetryDelay <= 0 {
		c.SellRetryDelay = 2 * time.Second
	}
	if c.ResolveAttempts <= 0 {
		c.ResolveAttempts = 3
	}
	if c.ResolveDelay <= 0 {
		c.ResolveDelay = time.Second
	}
	if c.PendingGrace <= 0 {
		c.PendingGrace = time.Minute
	}
}

// Result describes a completed buy or sell.
type Result struct {
	Ticket   order.Ticket
	Quantity float64
	Price    float64
	Amount   float64 // entry cost or net proceeds in quote asset
	Trade    *state.TradeRecord
}

type Executor struct {
	mu sync.Mutex // held for the whole of a trade

	cfgMu sync.RWMutex
	cfg   Config

	ex         Exchange
	store      PositionStore
	risk       RiskHooks
	reconciler Reconciler
	ledger     *order.Ledger
	notifier   events.Notifier
	recorder   TradeRecorder
	logger     zerolog.Logger
	now        func() time.Time
}

// New builds an executor. notifier and recorder may be nil.
func New(cfg Config, ex Exchange, store PositionStore, hooks RiskHooks, rec Reconciler, ledger *order.Ledger, notifier events.Notifier, recorder TradeRecorder, logger zerolog.Logger) *Executor {
	cfg.applyDefaults()
	if notifier == nil {
		notifier = events.Nop{}
	}
	return &Executor{
		cfg:        cfg,
		ex:         ex,
		store:      store,
		risk:       hooks,
		reconciler: rec,
		ledger:     ledger,
		notifier:   notifier,
		recorder:   recorder,
		logger:     logger.With().Str("component", "executor").Str("symbol", cfg.Symbol).Logger(),
		now:        time.Now,
	}
}

func (e *Executor) config() Config {
	e.cfgMu.RLock()
	defer e.cfgMu.RUnlock()
	return e.cfg
}

// SetCapital changes the per-entry capital cap.
func (e *Executor) SetCapital(capital float64) {
	e.cfgMu.Lock()
	e.cfg.Capital = capital
	e.cfgMu.Unlock()
}

// SetStopPolicy changes the stop used for new entries.
func (e *Executor) SetStopPolicy(p risk.StopPolicy) {
	e.cfgMu.Lock()
	e.cfg.Stop = p
	e.cfgMu.Unlock()
}

// Busy reports whether a trade is in flight.
func (e *Executor) Busy() bool {
	if e.mu.TryLock() {
		e.mu.Unlock()
		return false
	}
	return true
}

// ExecuteBuy opens a position with a quote-sized market order. refPrice is the
// price that triggered the entry and is only used for logging.
func (e *Executor) ExecuteBuy(ctx context.Context, refPrice float64) (Result, error) {
	if !e.mu.TryLock() {
		return Result{}, ErrTradeInFlight
	}
	defer e.mu.Unlock()

	cfg := e.config()
	st := e.store.Snapshot()
	if st.InPosition {
		return Result{}, ErrAlreadyInPosition
	}
	if st.Pending != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrPendingUnresolved, st.Pending.ClientID)
	}

	bal, err := e.ex.Balance(ctx, cfg.QuoteAsset)
	if err != nil {
		return Result{}, fmt.Errorf("buy %s: quote balance: %w", cfg.Symbol, err)
	}
	rules, err := e.ex.SymbolRules(ctx, cfg.Symbol)
	if err != nil {
		return Result{}, fmt.Errorf("buy %s: symbol rules: %w", cfg.Symbol, err)
	}
	floor := math.Max(rules.MinNotional, cfg.MinNotionalFloor)

	capital := st.Capital
	if cfg.Capital > 0 && cfg.Capital < capital {
		capital = cfg.Capital
	}
	amount := math.Floor(math.Min(capital, bal.Free)*100) / 100
	if bal.Free < floor {
		reason := fmt.Sprintf("insufficient %s balance %.2f < %.2f", cfg.QuoteAsset, bal.Free, floor)
		_ = e.store.Apply(func(st *state.TradingState) {
			e.risk.Pause(st, state.PauseInsufficientFunds, reason)
		})
		return Result{}, fmt.Errorf("%w: %s", ErrBelowMinNotional, reason)
	}
	if amount < floor {
		return Result{}, fmt.Errorf("%w: %.2f < %.2f", ErrBelowMinNotional, amount, floor)
	}

	tk := e.ledger.CreateQuoteTicket(cfg.Symbol, common.SideBuy, amount, "entry")
	if err := e.markPending(tk, common.SideBuy, 0, amount, "entry"); err != nil {
		e.ledger.Update(tk.ID, order.Event{Kind: order.EventCanceled, Note: "pending marker not persisted"})
		return Result{}, fmt.Errorf("buy %s: %w", cfg.Symbol, err)
	}

	e.logger.Info().Float64("amount", amount).Float64("ref_price", refPrice).Str("client_id", tk.ClientID).Msg("submitting buy")
	res, err := e.ex.PlaceMarketOrder(ctx, cfg.Symbol, common.SideBuy, 0, amount, tk.ClientID)
	if err != nil && errors.Is(err, common.ErrOrderStatusUnknown) {
		e.logger.Warn().Err(err).Str("client_id", tk.ClientID).Msg("buy outcome unknown, resolving")
		res, err = e.resolveUnknown(ctx, tk, common.SideBuy)
	}
	if err == nil && res.ExecutedQty <= 0 {
		e.recordResult(tk, res)
		err = fmt.Errorf("%w: status %s", ErrNotFilled, res.Status)
	}
	if err != nil {
		e.failTicket(tk, err)
		e.logger.Error().Err(err).Float64("amount", amount).Msg("buy failed")
		e.notifier.Notify(events.EventError, map[string]any{"op": "buy", "error": err.Error()})
		return Result{}, fmt.Errorf("buy %s: %w", cfg.Symbol, err)
	}

	tk = e.recordResult(tk, res)
	out, err := e.applyEntry(cfg, res)
	if err != nil {
		return Result{}, err
	}
	out.Ticket = tk
	e.verify(ctx)

	e.logger.Info().Float64("price", out.Price).Float64("qty", out.Quantity).Float64("cost", out.Amount).Msg("position opened")
	e.notifier.Notify(events.EventTradeOpened, map[string]any{
		"price":    out.Price,
		"quantity": out.Quantity,
		"cost":     out.Amount,
		"stop":     cfg.Stop.InitialStop(out.Price),
	})
	return out, nil
}

// applyEntry books a filled buy. The net quantity excludes a fee paid in base asset;
// the cost includes a fee paid in anything else.
func (e *Executor) applyEntry(cfg Config, res common.OrderResult) (Result, error) {
	avg := res.AvgPrice()
	qty := res.ExecutedQty
	cost := res.QuoteQty
	switch strings.ToUpper(res.CommissionAsset) {
	case "", cfg.BaseAsset:
		qty -= res.Commission
	case cfg.QuoteAsset:
		cost += res.Commission
	default:
		cost += res.QuoteQty * cfg.FeeRate
	}
	stop := cfg.Stop.InitialStop(avg)
	at := e.now().UTC()

	err := e.store.Apply(func(st *state.TradingState) {
		st.OpenPosition(avg, qty, cost, stop, at)
		st.ClearPending()
	})
	if err != nil {
		// the position exists on the exchange; reconciliation adopts it if this is lost
		e.logger.Error().Err(err).Msg("persist entry")
		return Result{}, fmt.Errorf("buy %s: persist entry: %w", cfg.Symbol, err)
	}
	return Result{Quantity: qty, Price: avg, Amount: cost}, nil
}

// ExecuteSell closes the position. An insufficient balance rejection shrinks the
// quantity to what the exchange holds; a remainder below the notional floor is
// closed locally as dust.
func (e *Executor) ExecuteSell(ctx context.Context, reason string) (Result, error) {
	if !e.mu.TryLock() {
		return Result{}, ErrTradeInFlight
	}
	defer e.mu.Unlock()

	cfg := e.config()
	st := e.store.Snapshot()
	if !st.InPosition {
		return Result{}, ErrNoPosition
	}
	if st.Pending != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrPendingUnresolved, st.Pending.ClientID)
	}
	rules, err := e.ex.SymbolRules(ctx, cfg.Symbol)
	if err != nil {
		return Result{}, fmt.Errorf("sell %s: symbol rules: %w", cfg.Symbol, err)
	}
	floor := math.Max(rules.MinNotional, cfg.MinNotionalFloor)
	qty := rules.RoundDownQty(st.Quantity)

	var lastErr error
	for attempt := 1; attempt <= cfg.SellAttempts; attempt++ {
		if attempt > 1 && !sleepCtx(ctx, cfg.SellRetryDelay) {
			lastErr = ctx.Err()
			break
		}
		if qty <= 0 {
			return e.closeDust(ctx, cfg, reason, st.EntryPrice)
		}

		tk := e.ledger.CreateTicket(cfg.Symbol, common.SideSell, qty, common.OrderTypeMarket, reason)
		if err := e.markPending(tk, common.SideSell, qty, 0, reason); err != nil {
			e.ledger.Update(tk.ID, order.Event{Kind: order.EventCanceled, Note: "pending marker not persisted"})
			lastErr = err
			continue
		}

		e.logger.Info().Int("attempt", attempt).Float64("qty", qty).Str("reason", reason).Str("client_id", tk.ClientID).Msg("submitting sell")
		res, err := e.ex.PlaceMarketOrder(ctx, cfg.Symbol, common.SideSell, qty, 0, tk.ClientID)
		if err != nil && errors.Is(err, common.ErrOrderStatusUnknown) {
			e.logger.Warn().Err(err).Str("client_id", tk.ClientID).Msg("sell outcome unknown, resolving")
			res, err = e.resolveUnknown(ctx, tk, common.SideSell)
		}
		if err == nil && partialFill(res.ExecutedQty, qty) {
			e.recordResult(tk, res)
			remaining, err := e.applyPartialExit(cfg, res)
			if err != nil {
				return Result{}, err
			}
			lastErr = fmt.Errorf("%w: %.8f of %.8f", ErrPartialFill, res.ExecutedQty, qty)
			qty = rules.RoundDownQty(remaining)
			if price := res.AvgPrice(); qty*price < floor {
				return e.closeDust(ctx, cfg, reason, price)
			}
			continue
		}
		if err == nil && res.ExecutedQty > 0 {
			tk = e.recordResult(tk, res)
			out, err := e.applyExit(cfg, res, reason)
			if err != nil {
				return Result{}, err
			}
			out.Ticket = tk
			e.afterExit(ctx, out, reason)
			return out, nil
		}
		if err == nil {
			e.recordResult(tk, res)
			err = fmt.Errorf("%w: status %s", ErrNotFilled, res.Status)
		}
		e.failTicket(tk, err)
		lastErr = err
		e.logger.Warn().Err(err).Int("attempt", attempt).Msg("sell attempt failed")
		if errors.Is(err, common.ErrOrderStatusUnknown) {
			// a second sell could double the exit; the pending marker settles it later
			break
		}

		if common.IsInsufficientBalance(err) {
			next, dust, price := e.shrink(ctx, cfg, rules, qty, floor, st.EntryPrice)
			if dust {
				return e.closeDust(ctx, cfg, reason, price)
			}
			qty = next
		}
		if ctx.Err() != nil {
			break
		}
	}

	err = fmt.Errorf("%w: %s after %d attempts: %w", ErrSellFailed, cfg.Symbol, cfg.SellAttempts, lastErr)
	e.logger.Error().Err(lastErr).Str("reason", reason).Msg("sell failed")
	e.notifier.Notify(events.EventError, map[string]any{"op": "sell", "reason": reason, "error": lastErr.Error()})
	return Result{}, err
}

// shrink re-reads the free base balance after an insufficient balance rejection and
// returns the next quantity to try.
func (e *Executor) shrink(ctx context.Context, cfg Config, rules common.SymbolRules, qty, floor, fallbackPrice float64) (next float64, dust bool, price float64) {
	price = fallbackPrice
	if p, err := e.ex.Price(ctx, cfg.Symbol); err == nil && p > 0 {
		price = p
	}
	bal, err := e.ex.Balance(ctx, cfg.BaseAsset)
	if err != nil {
		e.logger.Warn().Err(err).Msg("base balance unavailable, shaving quantity")
		return rules.RoundDownQty(qty * 0.999), false, price
	}

	free := rules.RoundDownQty(bal.Free)
	switch {
	case free*price < floor:
		e.logger.Warn().Float64("free", bal.Free).Float64("price", price).Msg("remaining balance is dust")
		return 0, true, price
	case free < qty:
		e.logger.Warn().Float64("qty", qty).Float64("free", free).Msg("sell quantity reduced to free balance")
		_ = e.store.Update(func(st *state.TradingState) bool { return st.AdjustQuantity(free) })
		return free, false, price
	default:
		// balance looks sufficient but the exchange disagrees; shave 0.1%
		shaved := rules.RoundDownQty(qty * 0.999)
		e.logger.Warn().Float64("qty", qty).Float64("shaved", shaved).Msg("sell quantity shaved")
		return shaved, false, price
	}
}

// closeDust closes the local position without an order; the remainder cannot be sold.
func (e *Executor) closeDust(ctx context.Context, cfg Config, reason string, price float64) (Result, error) {
	reason += " (dust)"
	var rec state.TradeRecord
	err := e.store.Apply(func(st *state.TradingState) {
		rec = st.ClosePosition(price, 0, 0, reason, e.now().UTC())
		st.ClearPending()
		e.applyRiskHooks(st, rec)
	})
	if err != nil {
		return Result{}, fmt.Errorf("sell %s: persist dust close: %w", cfg.Symbol, err)
	}
	monitor.IncTrade(cfg.Symbol, "dust")
	out := Result{Price: price, Quantity: rec.Quantity, Trade: &rec}
	e.afterExit(ctx, out, reason)
	return out, nil
}

// applyExit books a filled sell. The fee is converted to quote asset.
func (e *Executor) applyExit(cfg Config, res common.OrderResult, reason string) (Result, error) {
	avg := res.AvgPrice()
	gross := res.QuoteQty
	fee := exitFee(cfg, res)

	var rec state.TradeRecord
	at := e.now().UTC()
	err := e.store.Apply(func(st *state.TradingState) {
		rec = st.ClosePosition(avg, gross, fee, reason, at)
		st.ClearPending()
		e.applyRiskHooks(st, rec)
	})
	if err != nil {
		e.logger.Error().Err(err).Msg("persist exit")
		return Result{}, fmt.Errorf("sell %s: persist exit: %w", cfg.Symbol, err)
	}
	result := "win"
	if rec.PnL < 0 {
		result = "loss"
	}
	monitor.IncTrade(cfg.Symbol, result)
	return Result{Quantity: res.ExecutedQty, Price: avg, Amount: gross - fee, Trade: &rec}, nil
}

// applyPartialExit books a sell that filled only part of the position and returns
// the quantity still held. Counters and risk hooks wait for the final close.
func (e *Executor) applyPartialExit(cfg Config, res common.OrderResult) (float64, error) {
	fee := exitFee(cfg, res)
	var pnl, remaining float64
	err := e.store.Apply(func(st *state.TradingState) {
		pnl = st.ReducePosition(res.ExecutedQty, res.QuoteQty, fee)
		remaining = st.Quantity
		st.ClearPending()
		e.risk.UpdatePeakCapital(st)
	})
	if err != nil {
		e.logger.Error().Err(err).Msg("persist partial exit")
		return 0, fmt.Errorf("sell %s: persist partial exit: %w", cfg.Symbol, err)
	}
	e.logger.Warn().Float64("executed", res.ExecutedQty).Float64("remaining", remaining).
		Float64("pnl", pnl).Str("status", string(res.Status)).Msg("sell partially filled")
	return remaining, nil
}

// exitFee converts a sell's commission to quote asset.
func exitFee(cfg Config, res common.OrderResult) float64 {
	switch strings.ToUpper(res.CommissionAsset) {
	case cfg.QuoteAsset:
		return res.Commission
	case cfg.BaseAsset:
		return res.Commission * res.AvgPrice()
	default:
		return res.QuoteQty * cfg.FeeRate
	}
}

func partialFill(executed, requested float64) bool {
	return executed > 0 && requested > 0 && requested-executed > requested*fillTolerance
}

func (e *Executor) applyRiskHooks(st *state.TradingState, rec state.TradeRecord) {
	if rec.PnL < 0 {
		e.risk.OnStopLoss(st)
	} else {
		e.risk.OnProfitClose(st)
	}
	e.risk.UpdatePeakCapital(st)
}

func (e *Executor) afterExit(ctx context.Context, out Result, reason string) {
	e.verify(ctx)
	if out.Trade == nil {
		return
	}
	rec := *out.Trade
	e.logger.Info().
		Float64("price", rec.ExitPrice).
		Float64("pnl", rec.PnL).
		Str("reason", reason).
		Msg("position closed")
	e.notifier.Notify(events.EventTradeClosed, map[string]any{
		"price":    rec.ExitPrice,
		"quantity": rec.Quantity,
		"pnl":      rec.PnL,
		"reason":   reason,
	})
	if e.recorder != nil {
		e.recorder.RecordTrade(e.config().Symbol, rec)
	}
}

func (e *Executor) verify(ctx context.Context) {
	if e.reconciler == nil {
		return
	}
	if _, err := e.reconciler.VerifyAndSync(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("post-trade reconciliation failed")
	}
}

func (e *Executor) markPending(tk order.Ticket, side common.Side, qty, quote float64, reason string) error {
	p := state.PendingOrder{
		ClientID:    tk.ClientID,
		Side:        string(side),
		Quantity:    qty,
		QuoteAmount: quote,
		Reason:      reason,
		SubmittedAt: e.now().UTC(),
	}
	return e.store.Apply(func(st *state.TradingState) { st.SetPending(p) })
}

func (e *Executor) clearPending() {
	if err := e.store.Update(func(st *state.TradingState) bool { return st.ClearPending() }); err != nil {
		e.logger.Error().Err(err).Msg("clear pending marker")
	}
}

// recordResult moves the ticket through submitted and the result's fill or terminal
// event.
func (e *Executor) recordResult(tk order.Ticket, res common.OrderResult) order.Ticket {
	out := tk
	at := e.now()
	if t, err := e.ledger.Update(tk.ID, order.Event{Kind: order.EventSubmitted, ExchangeID: res.ExchangeOrderID, OrigQty: res.OrigQty, At: at}); err == nil {
		out = t
	}
	for _, ev := range order.ResultEvents(res, at) {
		t, err := e.ledger.Update(tk.ID, ev)
		if err != nil {
			e.logger.Warn().Err(err).Int64("ticket", tk.ID).Msg("ledger update")
			continue
		}
		out = t
	}
	return out
}

// failTicket closes a ticket whose order did not fill and drops the pending marker.
// An order whose fate is still unknown keeps its marker for the periodic pass.
func (e *Executor) failTicket(tk order.Ticket, cause error) {
	if errors.Is(cause, common.ErrOrderStatusUnknown) {
		e.logger.Error().Err(cause).Str("client_id", tk.ClientID).Msg("order outcome unresolved, keeping pending marker")
		return
	}
	if cur, ok := e.ledger.GetByLocalID(tk.ID); ok && !cur.IsClosed() {
		e.ledger.Update(tk.ID, order.Event{Kind: order.EventRejected, Note: cause.Error()})
	}
	e.clearPending()
}

// resolveUnknown asks the exchange what became of an order whose submission failed
// ambiguously. A fill means the order went through (a ghost order). When the token is
// never found, the recent order history is searched for it before a buy is taken as
// not placed; a sell stays unresolved, since order visibility can lag a timed-out
// submit and a second sell could double the exit.
func (e *Executor) resolveUnknown(ctx context.Context, tk order.Ticket, side common.Side) (common.OrderResult, error) {
	cfg := e.config()
	var lastErr error
	notFound := 0
	for attempt := 1; attempt <= cfg.ResolveAttempts; attempt++ {
		if !sleepCtx(ctx, cfg.ResolveDelay) {
			return common.OrderResult{}, fmt.Errorf("%w: %w", common.ErrOrderStatusUnknown, ctx.Err())
		}
		res, err := e.ex.QueryOrder(ctx, cfg.Symbol, "", tk.ClientID)
		switch {
		case err == nil && res.ExecutedQty > 0:
			e.logger.Warn().Str("client_id", tk.ClientID).Str("order_id", res.ExchangeOrderID).
				Float64("executed", res.ExecutedQty).Msg("ghost order detected: submission failed but order filled")
			return res, nil
		case err == nil && res.Status.Terminal():
			return res, nil
		case err == nil:
			lastErr = fmt.Errorf("order %s still %s", res.ExchangeOrderID, res.Status)
		case common.IsNotFound(err):
			notFound++
			lastErr = err
		default:
			lastErr = err
		}
		e.logger.Debug().Err(lastErr).Int("attempt", attempt).Msg("order still unresolved")
	}
	if notFound < cfg.ResolveAttempts {
		return common.OrderResult{}, fmt.Errorf("%w: %w", common.ErrOrderStatusUnknown, lastErr)
	}

	start := tk.CreatedAt.Add(-time.Minute)
	recent, err := e.ex.RecentOrders(ctx, cfg.Symbol, start, e.now().Add(time.Minute))
	if err != nil {
		return common.OrderResult{}, fmt.Errorf("%w: order history: %w", common.ErrOrderStatusUnknown, err)
	}
	for _, o := range recent {
		if o.ClientID == tk.ClientID && (o.ExecutedQty > 0 || o.Status.Terminal()) {
			e.logger.Warn().Str("client_id", tk.ClientID).Str("status", string(o.Status)).
				Float64("executed", o.ExecutedQty).Msg("order found in history after lookups missed it")
			return o, nil
		}
	}
	if side == common.SideSell {
		return common.OrderResult{}, fmt.Errorf("%w: sell not visible yet: %w", common.ErrOrderStatusUnknown, lastErr)
	}
	return common.OrderResult{}, fmt.Errorf("%w: %w", ErrNotFilled, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
