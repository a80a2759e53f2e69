package engine

import (
	"context"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"spot-engine/internal/events"
	"spot-engine/internal/market"
	"spot-engine/internal/order"
	"spot-engine/internal/state"
	"spot-engine/pkg/config"
	"spot-engine/pkg/exchanges/common"
	binance "spot-engine/pkg/market/binance"
)

const minute = int64(60_000)

// fakeGateway fills every market order at price and moves balances accordingly.
type fakeGateway struct {
	mu       sync.Mutex
	price    float64
	balances map[string]common.Balance
	history  []binance.Kline
	orders   int

	panicOnSubscribe bool
}

func newFakeGateway(closes ...float64) *fakeGateway {
	start := time.Now().Add(-time.Duration(len(closes)+5) * time.Minute).UnixMilli()
	start -= start % minute
	g := &fakeGateway{
		price:    closes[len(closes)-1],
		balances: map[string]common.Balance{"USDT": {Asset: "USDT", Free: 1000}},
	}
	for i, c := range closes {
		open := start + int64(i)*minute
		g.history = append(g.history, binance.Kline{OpenTime: open, CloseTime: open + minute - 1, Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 1})
	}
	return g
}

func (g *fakeGateway) PlaceMarketOrder(_ context.Context, symbol string, side common.Side, qty, quote float64, clientID string) (common.OrderResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders++
	if quote > 0 {
		qty = quote / g.price
	}
	value := qty * g.price
	base, usdt := g.balances["BTC"], g.balances["USDT"]
	if side == common.SideBuy {
		base.Free += qty
		usdt.Free -= value
	} else {
		base.Free -= qty
		usdt.Free += value
	}
	g.balances["BTC"], g.balances["USDT"] = base, usdt
	return common.OrderResult{
		Symbol:          symbol,
		ExchangeOrderID: clientID + "-x",
		ClientID:        clientID,
		Side:            side,
		Type:            common.OrderTypeMarket,
		Status:          common.StatusFilled,
		OrigQty:         qty,
		ExecutedQty:     qty,
		QuoteQty:        value,
	}, nil
}

func (g *fakeGateway) QueryOrder(context.Context, string, string, string) (common.OrderResult, error) {
	return common.OrderResult{}, common.ErrOrderNotFound
}

func (g *fakeGateway) OpenOrders(context.Context, string) ([]common.OrderResult, error) {
	return nil, nil
}

func (g *fakeGateway) RecentOrders(context.Context, string, time.Time, time.Time) ([]common.OrderResult, error) {
	return nil, nil
}

func (g *fakeGateway) Balance(_ context.Context, asset string) (common.Balance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	b := g.balances[asset]
	b.Asset = asset
	return b, nil
}

func (g *fakeGateway) Price(context.Context, string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.price, nil
}

func (g *fakeGateway) SymbolRules(_ context.Context, symbol string) (common.SymbolRules, error) {
	return common.SymbolRules{Symbol: symbol, TickSize: 0.01, StepSize: 0.00001, MinQty: 0.00001, MinNotional: 5}, nil
}

func (g *fakeGateway) Klines(context.Context, string, string, int64, int64, int) ([]binance.Kline, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]binance.Kline(nil), g.history...), nil
}

func (g *fakeGateway) SubscribeKlines(ctx context.Context, _, _ string) (<-chan binance.Kline, func(), error) {
	g.mu.Lock()
	explode := g.panicOnSubscribe
	g.mu.Unlock()
	if explode {
		panic("stream exploded")
	}
	ch := make(chan binance.Kline)
	return ch, func() {}, nil
}

type memJournal struct {
	mu      sync.Mutex
	tickets []order.Ticket
	trades  []state.TradeRecord
}

func (j *memJournal) RecordTicket(t order.Ticket) {
	j.mu.Lock()
	j.tickets = append(j.tickets, t)
	j.mu.Unlock()
}

func (j *memJournal) RecordTrade(_ string, rec state.TradeRecord) {
	j.mu.Lock()
	j.trades = append(j.trades, rec)
	j.mu.Unlock()
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []events.Event
}

func (n *recordingNotifier) Notify(ev events.Event, _ map[string]any) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
}

func (n *recordingNotifier) has(ev events.Event) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.events {
		if e == ev {
			return true
		}
	}
	return false
}

const instrumentYAML = `
instruments:
  - symbol: BTCUSDT
    interval: 1m
    capital: 1000
    strategy:
      name: ma_cross
      params: {fast: 2, slow: 3}
`

func instrument(t *testing.T) config.InstrumentConfig {
	t.Helper()
	ics, err := config.ParseInstruments([]byte(instrumentYAML))
	if err != nil {
		t.Fatalf("parse instruments: %v", err)
	}
	return ics[0]
}

type fixture struct {
	gw       *fakeGateway
	cfg      *config.Config
	journal  *memJournal
	notifier *recordingNotifier
	engine   *Engine
}

func newFixture(t *testing.T, gw *fakeGateway) *fixture {
	t.Helper()
	f := &fixture{
		gw: gw,
		cfg: &config.Config{
			DataDir:          t.TempDir(),
			FeeRate:          0.001,
			DustThreshold:    1,
			MinNotionalFloor: 10,
			ReconcileEvery:   time.Hour,
			SellRetryDelay:   time.Millisecond,
		},
		journal:  &memJournal{},
		notifier: &recordingNotifier{},
	}
	e, err := New(Deps{Gateway: gw, Config: f.cfg, Notifier: f.notifier, Journal: f.journal, Logger: zerolog.Nop()}, instrument(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.engine = e
	return f
}

func TestInitializePrimesAndPersists(t *testing.T) {
	f := newFixture(t, newFakeGateway(100, 99, 98, 97, 96, 95))
	if err := f.engine.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	st := f.engine.Status()
	if st.InPosition || st.Capital != 1000 || st.Candles != 6 {
		t.Fatalf("status=%+v, expected flat with 1000 capital and 6 candles", st)
	}
	if st.Strategy != "MA_Cross_2_3" {
		t.Fatalf("Strategy=%q, expected MA_Cross_2_3", st.Strategy)
	}
	if _, err := os.Stat(f.cfg.CandlePath("BTCUSDT", "1m")); err != nil {
		t.Fatalf("candle snapshot not written: %v", err)
	}

	if err := f.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := f.engine.Start(context.Background()); err != ErrRunning {
		t.Fatalf("second Start=%v, expected ErrRunning", err)
	}
	if err := f.engine.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := os.Stat(f.cfg.StatePath("BTCUSDT")); err != nil {
		t.Fatalf("state not flushed: %v", err)
	}
	if f.engine.Running() {
		t.Fatal("engine still running after Stop")
	}
}

func TestStartBeforeInitialize(t *testing.T) {
	f := newFixture(t, newFakeGateway(100, 99))
	if err := f.engine.Start(context.Background()); err != ErrNotInitialized {
		t.Fatalf("Start=%v, expected ErrNotInitialized", err)
	}
}

func TestClosedCandleOpensPosition(t *testing.T) {
	f := newFixture(t, newFakeGateway(100, 99, 98, 97, 96, 95, 94, 93, 92, 91))
	if err := f.engine.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	last, _ := f.engine.feed.Window().Last()
	c := market.Candle{OpenTime: last.OpenTime + minute, CloseTime: last.OpenTime + 2*minute - 1, Open: 120, High: 121, Low: 119, Close: 120, Volume: 1, Final: true}
	f.gw.mu.Lock()
	f.gw.price = 120
	f.gw.mu.Unlock()
	f.engine.feed.Window().Upsert(c)

	f.engine.OnCandleUpdate(c)
	f.engine.sup.Wait()

	st := f.engine.Status()
	if !st.InPosition {
		t.Fatalf("status=%+v, expected a position after the golden cross", st)
	}
	if math.Abs(st.Quantity-1000.0/120) > 1e-9 || math.Abs(st.StopLoss-112.8) > 1e-9 {
		t.Fatalf("qty=%v stop=%v, expected %v and 112.8", st.Quantity, st.StopLoss, 1000.0/120)
	}
	if st.LastSignal != "strong_bullish" {
		t.Fatalf("LastSignal=%q", st.LastSignal)
	}
	f.journal.mu.Lock()
	tickets := len(f.journal.tickets)
	f.journal.mu.Unlock()
	if tickets != 1 {
		t.Fatalf("journaled tickets=%d, expected 1", tickets)
	}
	if !f.notifier.has(events.EventOrderCompleted) || !f.notifier.has(events.EventTradeOpened) {
		t.Fatalf("notifications=%v", f.notifier.events)
	}
}

func TestOpenCandleOnlyChecksStop(t *testing.T) {
	f := newFixture(t, newFakeGateway(100, 99, 98, 97, 96, 95, 94, 93, 92, 91))
	if err := f.engine.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	last, _ := f.engine.feed.Window().Last()
	c := market.Candle{OpenTime: last.OpenTime + minute, Open: 120, High: 121, Low: 119, Close: 120, Volume: 1}
	f.engine.feed.Window().Upsert(c)

	f.engine.OnCandleUpdate(c)
	f.engine.sup.Wait()

	if st := f.engine.Status(); st.InPosition || st.LastSignal != "" {
		t.Fatalf("status=%+v, expected no evaluation on an open candle", st)
	}
}

func TestApplyConfig(t *testing.T) {
	f := newFixture(t, newFakeGateway(100, 99, 98))
	if err := f.engine.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	bad := instrument(t)
	bad.Strategy.Name = "martingale"
	if _, err := f.engine.ApplyConfig(bad); err == nil {
		t.Fatal("unknown strategy accepted")
	}
	if got := f.engine.Status().Strategy; got != "MA_Cross_2_3" {
		t.Fatalf("strategy changed to %q by a rejected config", got)
	}

	next := instrument(t)
	next.Capital = 500
	next.Strategy = config.StrategyConfig{Name: "rsi"}
	next.Risk.MaxDailyTrades = 2
	restart, err := f.engine.ApplyConfig(next)
	if err != nil || restart {
		t.Fatalf("ApplyConfig=(%v, %v), expected no restart", restart, err)
	}
	if got := f.engine.gate.Limits().MaxDailyTrades; got != 2 {
		t.Fatalf("MaxDailyTrades=%d, expected 2", got)
	}
	if got := f.engine.Status().Strategy; got == "MA_Cross_2_3" {
		t.Fatal("strategy not replaced")
	}

	next.Interval = "5m"
	restart, err = f.engine.ApplyConfig(next)
	if err != nil || !restart {
		t.Fatalf("interval change=(%v, %v), expected restart", restart, err)
	}
	if err := f.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start after interval change: %v", err)
	}
	defer f.engine.Stop()
	if got := f.engine.Status().Interval; got != "5m" {
		t.Fatalf("Interval=%q, expected 5m", got)
	}
	if _, err := os.Stat(f.cfg.CandlePath("BTCUSDT", "5m")); err != nil {
		t.Fatalf("new interval snapshot not written: %v", err)
	}
}

func TestResetRiskClearsPause(t *testing.T) {
	f := newFixture(t, newFakeGateway(100, 99, 98))
	if err := f.engine.ResetRisk(); err != ErrNotInitialized {
		t.Fatalf("ResetRisk before Initialize=%v", err)
	}
	if err := f.engine.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	f.engine.store.Update(func(st *state.TradingState) bool {
		st.ConsecutiveLosses = 3
		return st.Pause(state.PauseConsecutiveLosses, "3 consecutive losses")
	})
	if !f.engine.Status().Paused {
		t.Fatal("expected paused")
	}
	if err := f.engine.ResetRisk(); err != nil {
		t.Fatalf("ResetRisk: %v", err)
	}
	if st := f.engine.Status(); st.Paused || st.ConsecutiveLosses != 0 {
		t.Fatalf("status=%+v, expected cleared", st)
	}
}

func TestPanicMarksEngineFailed(t *testing.T) {
	gw := newFakeGateway(100, 99, 98)
	gw.panicOnSubscribe = true
	f := newFixture(t, gw)
	if err := f.engine.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := f.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if failed, _ := f.engine.Failed(); failed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("panic did not mark the engine failed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := f.engine.Stop(); err != nil {
		t.Fatalf("Stop after failure: %v", err)
	}
	if !f.notifier.has(events.EventError) {
		t.Fatal("failure not notified")
	}
}

func TestFailedEngineRestarts(t *testing.T) {
	gw := newFakeGateway(100, 99, 98)
	gw.panicOnSubscribe = true
	f := newFixture(t, gw)
	if err := f.engine.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := f.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if failed, _ := f.engine.Failed(); failed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("panic did not mark the engine failed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if f.engine.Running() || f.engine.Status().Running {
		t.Fatal("failed engine reported as running")
	}

	gw.mu.Lock()
	gw.panicOnSubscribe = false
	gw.mu.Unlock()
	if err := f.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start after failure=%v, expected nil", err)
	}
	if failed, reason := f.engine.Failed(); failed {
		t.Fatalf("failure %q survived the restart", reason)
	}
	if !f.engine.Running() {
		t.Fatal("restarted engine not running")
	}
	if err := f.engine.Start(context.Background()); err != ErrRunning {
		t.Fatalf("second Start=%v, expected ErrRunning", err)
	}
	if err := f.engine.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestWindowThrough(t *testing.T) {
	candles := []market.Candle{{OpenTime: 1}, {OpenTime: 2}, {OpenTime: 3}}
	tests := []struct {
		name string
		at   int64
		want int
	}{
		{"latest", 3, 3},
		{"replayed older", 2, 2},
		{"before window", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(windowThrough(candles, tt.at)); got != tt.want {
				t.Fatalf("len=%d, expected %d", got, tt.want)
			}
		})
	}
}
