package state

import (
	"math"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"spot-engine/pkg/atomicfile"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path, NewTradingState("BTCUSDT", 1000, t0), Options{Logger: zerolog.Nop(), Now: func() time.Time { return t0 }})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "BTCUSDT.json")
	s := openTestStore(t, path)

	err := s.Apply(func(st *TradingState) {
		st.OpenPosition(100, 9.99, 1000, 94, t0)
		st.ClosePosition(94, 939.06, 0.94, "stop loss", t0.Add(time.Hour))
		st.OpenPosition(95, 5, 475.5, 89.3, t0.Add(2*time.Hour))
		st.TrackHigh(97)
		st.Pause(PauseManual, "operator hold")
		st.SetPending(PendingOrder{ClientID: "tok", Side: "SELL", Quantity: 5, SubmittedAt: t0})
		st.LastSignal = "neutral"
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	want := s.Snapshot()

	reloaded := openTestStore(t, path).Snapshot()
	want.historySize, reloaded.historySize = 0, 0
	if !reflect.DeepEqual(want, reloaded) {
		t.Fatalf("round trip mismatch:\nwant %+v\ngot  %+v", want, reloaded)
	}
	if len(reloaded.History) != 1 || reloaded.History[0].Reason != "stop loss" {
		t.Fatalf("history=%+v", reloaded.History)
	}
}

func TestVersionIncrementsPerSave(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "s.json"))
	for i := 0; i < 3; i++ {
		if err := s.Save(); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	if v := s.Snapshot().Version; v != 3 {
		t.Fatalf("Version=%d, expected 3", v)
	}
	// no change, no write
	s.Update(func(*TradingState) bool { return false })
	if v := s.Snapshot().Version; v != 3 {
		t.Fatalf("Version=%d after no-op update, expected 3", v)
	}
}

func TestLoadFallsBackToBackupThenSeed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "BTCUSDT.json")
	s := openTestStore(t, path)
	s.Apply(func(st *TradingState) { st.Capital = 1100 })
	s.Apply(func(st *TradingState) { st.Capital = 1200 })

	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	restored := openTestStore(t, path).Snapshot()
	if restored.Capital != 1100 {
		t.Fatalf("Capital=%v, expected backup value 1100", restored.Capital)
	}
	if data, _ := os.ReadFile(path); string(data) == "not json" {
		t.Fatalf("primary was not repaired")
	}

	for i := 0; i <= 3; i++ {
		p := path
		if i > 0 {
			p = atomicfile.BackupPath(path, i)
		}
		os.WriteFile(p, []byte("{"), 0o644)
	}
	seeded := openTestStore(t, path).Snapshot()
	if seeded.Capital != 1000 || seeded.Version != 0 {
		t.Fatalf("seed fallback=%+v", seeded)
	}
}

func TestStaleSnapshotNeverOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.json")
	s := openTestStore(t, path)
	s.Apply(func(st *TradingState) { st.Capital = 2000 })

	old := s.Snapshot()
	old.Version = 0
	old.Capital = 1
	if err := s.persist(old); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if got := openTestStore(t, path).Snapshot().Capital; got != 2000 {
		t.Fatalf("Capital=%v, stale snapshot overwrote the file", got)
	}
}

func TestConcurrentUpdates(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "s.json"))
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Apply(func(st *TradingState) { st.TotalTrades++ })
		}()
	}
	wg.Wait()
	if got := s.Snapshot(); got.TotalTrades != 20 || got.Version != 20 {
		t.Fatalf("TotalTrades=%d Version=%d, expected 20/20", got.TotalTrades, got.Version)
	}
}

func TestTransitions(t *testing.T) {
	st := NewTradingState("ETHUSDT", 1000, t0)
	st.OpenPosition(100, 10, 1001, 94, t0)
	if st.RaiseStop(90) || st.StopLoss != 94 {
		t.Fatalf("stop moved down to %v", st.StopLoss)
	}
	if !st.RaiseStop(97) || !st.TrackHigh(105) || st.TrackHigh(101) {
		t.Fatalf("ratchets misbehaved: %+v", st)
	}
	rec := st.ClosePosition(110, 1100, 1.1, "signal exit", t0)
	if rec.PnL != (1100-1.1)-1001 || st.DailyWins != 1 || st.InPosition {
		t.Fatalf("close=%+v state=%+v", rec, st)
	}
	if !st.RollDay("2026-03-03") || st.DailyTrades != 0 || st.DayStartCapital != st.Capital {
		t.Fatalf("RollDay did not reset: %+v", st)
	}

	st.historySize = 2
	for i := 0; i < 3; i++ {
		st.OpenPosition(1, 1, 1, 0.9, t0)
		st.ClosePosition(1, 1, 0, "x", t0.Add(time.Duration(i)*time.Minute))
	}
	if len(st.History) != 2 || !st.History[1].ExitTime.Equal(t0.Add(2*time.Minute)) {
		t.Fatalf("history ring=%+v", st.History)
	}
}

func TestPartialExitKeepsRemainderOpen(t *testing.T) {
	st := NewTradingState("BTCUSDT", 1000, t0)
	st.OpenPosition(100, 10, 1000, 94, t0)

	pnl := st.ReducePosition(5, 500, 0.5)
	if pnl != -0.5 || !st.InPosition || st.Quantity != 5 || st.EntryCost != 500 {
		t.Fatalf("pnl=%v state qty=%v cost=%v, expected -0.5 on the sold half", pnl, st.Quantity, st.EntryCost)
	}
	if st.Capital != 999.5 || st.DailyTrades != 0 {
		t.Fatalf("capital=%v trades=%d after a partial exit", st.Capital, st.DailyTrades)
	}
	if got := st.ReducePosition(5, 500, 0); got != 0 || st.Quantity != 5 {
		t.Fatalf("selling the whole remainder must go through ClosePosition")
	}

	rec := st.ClosePosition(110, 550, 0.55, "signal exit", t0.Add(time.Hour))
	if rec.Quantity != 10 || rec.EntryCost != 1000 || rec.Proceeds != 1050 || math.Abs(rec.PnL-(1050-1.05-1000)) > 1e-9 {
		t.Fatalf("round trip=%+v", rec)
	}
	if math.Abs(st.Capital-(1000+rec.PnL)) > 1e-9 || st.DailyTrades != 1 || st.DailyWins != 1 || st.Partial != nil {
		t.Fatalf("capital=%v trades=%d wins=%d partial=%v", st.Capital, st.DailyTrades, st.DailyWins, st.Partial)
	}
}
