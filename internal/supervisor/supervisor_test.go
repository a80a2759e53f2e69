package supervisor

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"spot-engine/internal/executor"
	"spot-engine/internal/market"
	"spot-engine/internal/risk"
	"spot-engine/internal/state"
	"spot-engine/internal/strategy"
)

type fixedStrategy struct{ sig strategy.Signal }

func (f fixedStrategy) Name() string                                     { return "fixed" }
func (f fixedStrategy) Initialize(map[string]any) error                  { return nil }
func (f fixedStrategy) Process([]market.Candle) (strategy.Signal, error) { return f.sig, nil }

type recordingTrader struct {
	mu      sync.Mutex
	buys    []float64
	sells   []string
	release chan struct{}
}

func (r *recordingTrader) ExecuteBuy(_ context.Context, price float64) (executor.Result, error) {
	r.mu.Lock()
	r.buys = append(r.buys, price)
	r.mu.Unlock()
	return executor.Result{}, nil
}

func (r *recordingTrader) ExecuteSell(_ context.Context, reason string) (executor.Result, error) {
	r.mu.Lock()
	r.sells = append(r.sells, reason)
	release := r.release
	r.mu.Unlock()
	if release != nil {
		<-release
	}
	return executor.Result{}, nil
}

func (r *recordingTrader) counts() (buys []float64, sells []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.buys...), append([]string(nil), r.sells...)
}

func newSupervisor(t *testing.T, sig strategy.Signal, seed *state.TradingState, stop risk.StopPolicy) (*Supervisor, *state.Store, *recordingTrader) {
	t.Helper()
	if seed == nil {
		seed = state.NewTradingState("BTCUSDT", 1000, time.Now())
	}
	store, err := state.Open(filepath.Join(t.TempDir(), "BTCUSDT.json"), seed, state.Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	gate := risk.NewGate("BTCUSDT", risk.Limits{MaxDailyTrades: 10, MaxConsecutiveLosses: 3, MaxDailyLossPercent: 5, MaxDrawdownPercent: 20}, nil, zerolog.Nop())
	trader := &recordingTrader{}
	sup := New("BTCUSDT", fixedStrategy{sig}, stop, store, gate, trader, nil, zerolog.Nop())
	return sup, store, trader
}

func inPosition() *state.TradingState {
	st := state.NewTradingState("BTCUSDT", 1000, time.Now())
	st.OpenPosition(100, 10, 1000, 94, time.Now())
	return st
}

func window(closes ...float64) []market.Candle {
	out := make([]market.Candle, len(closes))
	for i, c := range closes {
		out[i] = market.Candle{OpenTime: int64(i + 1), Open: c, High: c, Low: c, Close: c, Final: true}
	}
	return out
}

func TestOnCandleClosed(t *testing.T) {
	paused := state.NewTradingState("BTCUSDT", 1000, time.Now())
	paused.Pause(state.PauseManual, "operator hold")

	tests := []struct {
		name      string
		sig       strategy.Signal
		seed      *state.TradingState
		wantBuys  int
		wantSells []string
	}{
		{"bullish flat buys", strategy.StrongBullish, nil, 1, nil},
		{"bullish in position holds", strategy.StrongBullish, inPosition(), 0, nil},
		{"bearish in position exits", strategy.StrongBearish, inPosition(), 0, []string{ReasonSignalExit}},
		{"bearish flat does nothing", strategy.StrongBearish, nil, 0, nil},
		{"neutral does nothing", strategy.Neutral, nil, 0, nil},
		{"paused blocks entry", strategy.StrongBullish, paused, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sup, store, trader := newSupervisor(t, tt.sig, tt.seed, risk.StopPolicy{FixedPercent: 0.06})
			sup.OnCandleClosed(context.Background(), window(99, 100, 101))
			sup.Wait()

			buys, sells := trader.counts()
			if len(buys) != tt.wantBuys {
				t.Fatalf("buys=%v, expected %d", buys, tt.wantBuys)
			}
			if tt.wantBuys > 0 && buys[0] != 101 {
				t.Fatalf("buy ref price=%v, expected last close 101", buys[0])
			}
			if len(sells) != len(tt.wantSells) || (len(sells) > 0 && sells[0] != tt.wantSells[0]) {
				t.Fatalf("sells=%v, expected %v", sells, tt.wantSells)
			}
			if got := store.Snapshot().LastSignal; got != tt.sig.String() {
				t.Fatalf("LastSignal=%q, expected %q", got, tt.sig.String())
			}
		})
	}
}

func TestStopLossFiresOnce(t *testing.T) {
	sup, _, trader := newSupervisor(t, strategy.Neutral, inPosition(), risk.StopPolicy{FixedPercent: 0.06})
	trader.release = make(chan struct{})

	now := time.Now()
	sup.OnTick(context.Background(), 95, now)
	if _, sells := trader.counts(); len(sells) != 0 {
		t.Fatalf("sell above stop: %v", sells)
	}
	sup.OnTick(context.Background(), 93, now)
	sup.OnTick(context.Background(), 92, now)
	close(trader.release)
	sup.Wait()

	_, sells := trader.counts()
	if len(sells) != 1 || sells[0] != ReasonStopLoss {
		t.Fatalf("sells=%v, expected one stop loss", sells)
	}
}

func TestTrailingStopFollowsHigh(t *testing.T) {
	policy := risk.StopPolicy{FixedPercent: 0.06, Trailing: true, TrailingPercent: 0.03, ActivationPercent: 0.02}
	sup, store, trader := newSupervisor(t, strategy.Neutral, inPosition(), policy)
	now := time.Now()

	sup.OnTick(context.Background(), 101, now)
	if st := store.Snapshot(); st.StopLoss != 94 || st.HighestPrice != 101 {
		t.Fatalf("before activation stop=%v high=%v", st.StopLoss, st.HighestPrice)
	}
	sup.OnTick(context.Background(), 110, now)
	st := store.Snapshot()
	if math.Abs(st.StopLoss-106.7) > 1e-9 {
		t.Fatalf("trailing stop=%v, expected 106.7", st.StopLoss)
	}
	// a pullback never lowers the stop
	sup.OnTick(context.Background(), 108, now)
	if got := store.Snapshot().StopLoss; math.Abs(got-106.7) > 1e-9 {
		t.Fatalf("stop moved to %v on pullback", got)
	}
	sup.OnTick(context.Background(), 106, now)
	sup.Wait()
	if _, sells := trader.counts(); len(sells) != 1 {
		t.Fatalf("sells=%v, expected trailing exit", sells)
	}
}
