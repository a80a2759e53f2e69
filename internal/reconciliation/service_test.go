package reconciliation

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"spot-engine/internal/risk"
	"spot-engine/internal/state"
	"spot-engine/pkg/exchanges/common"
)

type fakeExchange struct {
	free, locked float64
	price        float64
}

func (f *fakeExchange) Balance(_ context.Context, asset string) (common.Balance, error) {
	return common.Balance{Asset: asset, Free: f.free, Locked: f.locked}, nil
}

func (f *fakeExchange) Price(context.Context, string) (float64, error) { return f.price, nil }

func newStore(t *testing.T, seed *state.TradingState) *state.Store {
	t.Helper()
	st, err := state.Open(filepath.Join(t.TempDir(), "BTCUSDT.json"), seed, state.Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return st
}

func TestVerifyAndSync(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	flat := func() *state.TradingState { return state.NewTradingState("BTCUSDT", 1000, now) }
	holding := func(qty float64) *state.TradingState {
		st := flat()
		st.OpenPosition(100, qty, qty*100, 94, now)
		return st
	}

	tests := []struct {
		name     string
		seed     *state.TradingState
		free     float64
		locked   float64
		outcome  Outcome
		inPos    bool
		wantQty  float64
		wantStop float64
	}{
		{"both flat", flat(), 0.001, 0, OutcomeFlat, false, 0, 0},
		{"in sync", holding(10), 10, 0, OutcomeInSync, true, 10, 94},
		{"within tolerance", holding(10), 10.0005, 0, OutcomeInSync, true, 10, 94},
		{"quantity drift", holding(10), 9.5, 0.4, OutcomeCorrected, true, 9.9, 94},
		{"exchange flat", holding(10), 0.005, 0, OutcomeCleared, false, 0, 0},
		{"adopt", flat(), 2, 0, OutcomeAdopted, true, 2, 94},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t, tt.seed)
			svc := NewService(Config{
				Symbol:    "BTCUSDT",
				BaseAsset: "BTC",
				Stop:      risk.StopPolicy{FixedPercent: 0.06},
			}, &fakeExchange{free: tt.free, locked: tt.locked, price: 100}, store, zerolog.Nop())

			report, err := svc.VerifyAndSync(context.Background())
			if err != nil {
				t.Fatalf("VerifyAndSync: %v", err)
			}
			if report.Outcome != tt.outcome {
				t.Fatalf("outcome=%s, expected %s", report.Outcome, tt.outcome)
			}
			st := store.Snapshot()
			if st.InPosition != tt.inPos {
				t.Fatalf("InPosition=%v, expected %v", st.InPosition, tt.inPos)
			}
			if math.Abs(st.Quantity-tt.wantQty) > 1e-9 {
				t.Fatalf("Quantity=%v, expected %v", st.Quantity, tt.wantQty)
			}
			if math.Abs(st.StopLoss-tt.wantStop) > 1e-9 {
				t.Fatalf("StopLoss=%v, expected %v", st.StopLoss, tt.wantStop)
			}
		})
	}
}

func TestVerifyAndSyncSkipsWhilePending(t *testing.T) {
	seed := state.NewTradingState("BTCUSDT", 1000, time.Now())
	seed.SetPending(state.PendingOrder{ClientID: "se1", Side: "BUY", QuoteAmount: 1000})
	store := newStore(t, seed)
	svc := NewService(Config{Symbol: "BTCUSDT", BaseAsset: "BTC"}, &fakeExchange{free: 10, price: 100}, store, zerolog.Nop())

	report, err := svc.VerifyAndSync(context.Background())
	if err != nil {
		t.Fatalf("VerifyAndSync: %v", err)
	}
	if report.Outcome != OutcomeSkipped || store.Snapshot().InPosition {
		t.Fatalf("pending order should block adoption: %+v", report)
	}
}

type rulesExchange struct {
	fakeExchange
	minNotional float64
}

func (f *rulesExchange) SymbolRules(_ context.Context, symbol string) (common.SymbolRules, error) {
	return common.SymbolRules{Symbol: symbol, StepSize: 0.0001, MinNotional: f.minNotional}, nil
}

func TestUntradableBalanceIsNotAdopted(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		ex       ExchangeClient
		minNotnl float64
		outcome  Outcome
	}{
		{"below configured floor", &fakeExchange{free: 0.05, price: 100}, 10, OutcomeFlat},
		{"below exchange minimum", &rulesExchange{fakeExchange{free: 0.12, price: 100}, 15}, 10, OutcomeFlat},
		{"tradable", &rulesExchange{fakeExchange{free: 0.2, price: 100}, 15}, 10, OutcomeAdopted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t, state.NewTradingState("BTCUSDT", 1000, now))
			svc := NewService(Config{Symbol: "BTCUSDT", BaseAsset: "BTC", MinNotional: tt.minNotnl}, tt.ex, store, zerolog.Nop())
			report, err := svc.VerifyAndSync(context.Background())
			if err != nil {
				t.Fatalf("VerifyAndSync: %v", err)
			}
			if report.Outcome != tt.outcome {
				t.Fatalf("outcome=%s, expected %s", report.Outcome, tt.outcome)
			}
			if store.Snapshot().InPosition != (tt.outcome == OutcomeAdopted) {
				t.Fatalf("InPosition=%v", store.Snapshot().InPosition)
			}
		})
	}
}

func TestSmallRemainderStillCorrectsOpenPosition(t *testing.T) {
	seed := state.NewTradingState("BTCUSDT", 1000, time.Now())
	seed.OpenPosition(100, 1, 100, 94, time.Now())
	store := newStore(t, seed)
	svc := NewService(Config{Symbol: "BTCUSDT", BaseAsset: "BTC", MinNotional: 10}, &fakeExchange{free: 0.05, price: 100}, store, zerolog.Nop())
	report, err := svc.VerifyAndSync(context.Background())
	if err != nil || report.Outcome != OutcomeCorrected {
		t.Fatalf("report=%+v err=%v, expected quantity correction", report, err)
	}
	if q := store.Snapshot().Quantity; q != 0.05 {
		t.Fatalf("Quantity=%v, expected 0.05", q)
	}
}
