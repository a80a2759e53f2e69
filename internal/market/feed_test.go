package market

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	binance "spot-engine/pkg/market/binance"
)

const minute = int64(60_000)

func candleAt(open int64, close float64, final bool) Candle {
	return Candle{OpenTime: open, CloseTime: open + minute - 1, Open: close, High: close + 1, Low: close - 1, Close: close, Volume: 1, Final: final}
}

func klineAt(open int64, close float64) binance.Kline {
	return binance.Kline{OpenTime: open, CloseTime: open + minute - 1, Open: close, High: close + 1, Low: close - 1, Close: close, Volume: 1}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		c    Candle
		ok   bool
	}{
		{"valid", Candle{OpenTime: 1, Open: 10, High: 12, Low: 9, Close: 11, Volume: 0}, true},
		{"flat", Candle{OpenTime: 1, Open: 10, High: 10, Low: 10, Close: 10, Volume: 5}, true},
		{"high below close", Candle{OpenTime: 1, Open: 10, High: 10.5, Low: 9, Close: 11, Volume: 1}, false},
		{"low above open", Candle{OpenTime: 1, Open: 10, High: 12, Low: 10.5, Close: 11, Volume: 1}, false},
		{"high below low", Candle{OpenTime: 1, Open: 10, High: 9, Low: 9.5, Close: 9.5, Volume: 1}, false},
		{"zero price", Candle{OpenTime: 1, Open: 0, High: 12, Low: 9, Close: 11, Volume: 1}, false},
		{"negative volume", Candle{OpenTime: 1, Open: 10, High: 12, Low: 9, Close: 11, Volume: -1}, false},
		{"no open time", Candle{Open: 10, High: 12, Low: 9, Close: 11, Volume: 1}, true},
		{"NaN close", Candle{OpenTime: 1, Open: 10, High: 12, Low: 9, Close: math.NaN(), Volume: 1}, false},
		{"NaN high", Candle{OpenTime: 1, Open: 10, High: math.NaN(), Low: 9, Close: 11, Volume: 1}, false},
		{"infinite high", Candle{OpenTime: 1, Open: 10, High: math.Inf(1), Low: 9, Close: 11, Volume: 1}, false},
		{"NaN volume", Candle{OpenTime: 1, Open: 10, High: 12, Low: 9, Close: 11, Volume: math.NaN()}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.c)
			if (err == nil) != tt.ok {
				t.Fatalf("Validate()=%v, expected ok=%v", err, tt.ok)
			}
			if err != nil && !errors.Is(err, ErrInvalidCandle) {
				t.Fatalf("error %v does not wrap ErrInvalidCandle", err)
			}
		})
	}
}

func TestWindowUpsert(t *testing.T) {
	w := NewWindow(3)
	if r := w.Upsert(candleAt(2*minute, 10, false)); r != Appended {
		t.Fatalf("first upsert=%v, expected Appended", r)
	}
	if r := w.Upsert(candleAt(2*minute, 11, true)); r != Replaced {
		t.Fatalf("replace non-final=%v, expected Replaced", r)
	}
	if r := w.Upsert(candleAt(2*minute, 99, true)); r != Ignored {
		t.Fatalf("replace final=%v, expected Ignored", r)
	}
	w.Upsert(candleAt(4*minute, 13, false))
	w.Upsert(candleAt(3*minute, 12, true)) // out of order insert
	w.Upsert(candleAt(5*minute, 14, false))

	snap := w.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("len=%d, expected 3", len(snap))
	}
	for i, want := range []int64{3 * minute, 4 * minute, 5 * minute} {
		if snap[i].OpenTime != want {
			t.Fatalf("snap[%d].OpenTime=%d, expected %d", i, snap[i].OpenTime, want)
		}
	}
	if r := w.Upsert(candleAt(minute, 1, true)); r != Ignored {
		t.Fatalf("older than full window=%v, expected Ignored", r)
	}
}

func TestWindowLoadDeduplicates(t *testing.T) {
	w := NewWindow(10)
	w.Load([]Candle{candleAt(3*minute, 3, true), candleAt(minute, 1, false), candleAt(minute, 1.5, true), candleAt(2*minute, 2, true)})
	snap := w.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("len=%d, expected 3", len(snap))
	}
	if snap[0].Close != 1.5 || !snap[0].Final {
		t.Fatalf("duplicate open time kept %+v, expected the final copy", snap[0])
	}
}

func TestSnapshotStoreFallsBackToBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "BTCUSDT_1m.json")
	s := NewSnapshotStore(path)
	if err := s.Save("BTCUSDT", "1m", []Candle{candleAt(minute, 10, true)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save("BTCUSDT", "1m", []Candle{candleAt(minute, 10, true), candleAt(2*minute, 11, true)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := writeFile(path, "{corrupt"); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	candles, source, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(candles) != 1 || source == path {
		t.Fatalf("candles=%d source=%s, expected 1 candle from backup", len(candles), source)
	}
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

type fakeHistory struct {
	mu     sync.Mutex
	klines []binance.Kline
	calls  []int64
}

func (h *fakeHistory) Klines(_ context.Context, _, _ string, start, _ int64, limit int) ([]binance.Kline, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, start)
	var out []binance.Kline
	for _, k := range h.klines {
		if k.OpenTime >= start {
			out = append(out, k)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func TestBackfillReplaysGapInOrder(t *testing.T) {
	base := int64(1_700_000_000_000)
	hist := &fakeHistory{}
	for i := int64(0); i <= 7; i++ {
		hist.klines = append(hist.klines, klineAt(base+i*minute, float64(100+i)))
	}

	f := NewFeed(FeedConfig{Symbol: "BTCUSDT", Interval: "1m"}, nil, hist, nil, zerolog.Nop())
	f.now = func() time.Time { return time.UnixMilli(base + 8*minute) }
	// the candle open at disconnect time was still in progress
	f.window.Upsert(candleAt(base, 99, false))

	var got []int64
	f.OnCandle = func(c Candle) {
		if !c.Final {
			t.Errorf("backfilled candle %d not final", c.OpenTime)
		}
		got = append(got, c.OpenTime)
	}
	n, err := f.Backfill(context.Background(), base)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if n != 8 || len(got) != 8 {
		t.Fatalf("replayed=%d delivered=%d, expected 8", n, len(got))
	}
	for i, open := range got {
		if open != base+int64(i)*minute {
			t.Fatalf("got[%d]=%d, expected %d", i, open, base+int64(i)*minute)
		}
	}

	// replaying the same history is idempotent
	got = nil
	n, _ = f.Backfill(context.Background(), base+7*minute)
	if n != 0 || len(got) != 0 || f.window.Len() != 8 {
		t.Fatalf("second backfill replayed=%d len=%d, expected 0 and 8", n, f.window.Len())
	}
}

func TestBackfillPagesThroughLargeGaps(t *testing.T) {
	base := int64(1_600_000_000_000)
	hist := &fakeHistory{}
	for i := int64(0); i < 1500; i++ {
		hist.klines = append(hist.klines, klineAt(base+i*minute, 100))
	}
	f := NewFeed(FeedConfig{Symbol: "BTCUSDT", Interval: "1m", WindowSize: 2000}, nil, hist, nil, zerolog.Nop())
	f.now = func() time.Time { return time.UnixMilli(base + 1500*minute) }

	n, err := f.Backfill(context.Background(), base)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if n != 1500 || len(hist.calls) != 2 {
		t.Fatalf("replayed=%d calls=%d, expected 1500 and 2", n, len(hist.calls))
	}
}

func TestHandleDropsInvalidCandles(t *testing.T) {
	f := NewFeed(FeedConfig{Symbol: "BTCUSDT", Interval: "1m"}, nil, &fakeHistory{}, nil, zerolog.Nop())
	fired := 0
	f.OnCandle = func(Candle) { fired++ }

	f.handle(Candle{OpenTime: minute, Open: 10, High: 9, Low: 8, Close: 10, Volume: 1})
	f.handle(candleAt(minute, 10, true))
	f.handle(candleAt(minute, 10, true))
	if fired != 1 || f.window.Len() != 1 {
		t.Fatalf("fired=%d len=%d, expected 1 and 1", fired, f.window.Len())
	}
}

type scriptedStream struct {
	mu    sync.Mutex
	calls int
	// each entry is consumed per SubscribeKlines call; nil means fail to connect
	sessions []func(ctx context.Context, out chan binance.Kline)
}

func (s *scriptedStream) SubscribeKlines(ctx context.Context, _, _ string) (<-chan binance.Kline, func(), error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.mu.Unlock()

	var script func(context.Context, chan binance.Kline)
	if i < len(s.sessions) {
		script = s.sessions[i]
	}
	if script == nil {
		return nil, nil, errors.New("dial refused")
	}
	out := make(chan binance.Kline, 16)
	go script(ctx, out)
	return out, func() {}, nil
}

func (s *scriptedStream) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func fastConfig() FeedConfig {
	return FeedConfig{
		Symbol:          "BTCUSDT",
		Interval:        "1m",
		Heartbeat:       5 * time.Millisecond,
		DegradedAfter:   20 * time.Millisecond,
		StaleAfter:      40 * time.Millisecond,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      4 * time.Millisecond,
		MaxAttempts:     3,
		RecoveryBackoff: time.Hour,
		StableAfter:     time.Second,
	}
}

func TestRunReconnectsAndBackfills(t *testing.T) {
	base := time.Now().Add(-time.Hour).UnixMilli()
	hist := &fakeHistory{klines: []binance.Kline{klineAt(base, 100), klineAt(base+minute, 101), klineAt(base+2*minute, 102)}}

	stream := &scriptedStream{sessions: []func(context.Context, chan binance.Kline){
		func(_ context.Context, out chan binance.Kline) {
			k := klineAt(base, 100)
			out <- k
			close(out) // connection drops
		},
		func(ctx context.Context, out chan binance.Kline) {
			<-ctx.Done()
		},
	}}

	f := NewFeed(fastConfig(), stream, hist, nil, zerolog.Nop())
	var mu sync.Mutex
	restored := -1
	f.OnRestored = func(n int) {
		mu.Lock()
		restored = n
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	waitFor(t, "restore", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return restored >= 0
	})
	// the candle seen before the drop was already final, so only the gap is replayed
	if restored != 2 {
		t.Fatalf("restored=%d, expected 2 replayed candles", restored)
	}
	if f.window.Len() != 3 {
		t.Fatalf("window len=%d, expected 3", f.window.Len())
	}
	cancel()
	<-done
}

func TestRunDetectsStaleStream(t *testing.T) {
	silent := func(ctx context.Context, _ chan binance.Kline) { <-ctx.Done() }
	stream := &scriptedStream{sessions: []func(context.Context, chan binance.Kline){silent, silent, silent}}
	f := NewFeed(fastConfig(), stream, &fakeHistory{}, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	waitFor(t, "degraded", func() bool { return f.State() == Degraded })
	waitFor(t, "reconnect after stale", func() bool { return stream.Calls() >= 2 })
}

func TestRunEntersRecoveryBackoff(t *testing.T) {
	stream := &scriptedStream{} // every dial fails
	f := NewFeed(fastConfig(), stream, &fakeHistory{}, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	waitFor(t, "recovery backoff", func() bool { return f.State() == RecoveryBackoff })
	if got := stream.Calls(); got != 3 {
		t.Fatalf("dial attempts=%d, expected 3", got)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not observe cancellation during recovery backoff")
	}
}

func TestFlappingStreamEntersRecoveryBackoff(t *testing.T) {
	flap := func(_ context.Context, out chan binance.Kline) { close(out) }
	stream := &scriptedStream{sessions: []func(context.Context, chan binance.Kline){flap, flap, flap, flap, flap}}
	f := NewFeed(fastConfig(), stream, &fakeHistory{}, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	waitFor(t, "recovery backoff", func() bool { return f.State() == RecoveryBackoff })
	if got := stream.Calls(); got != 3 {
		t.Fatalf("connections=%d, expected 3 before recovery backoff", got)
	}
}

func TestStableSessionResetsAttempts(t *testing.T) {
	cfg := fastConfig()
	cfg.StableAfter = 10 * time.Millisecond
	stable := func(_ context.Context, out chan binance.Kline) {
		time.Sleep(20 * time.Millisecond)
		close(out)
	}
	stream := &scriptedStream{sessions: []func(context.Context, chan binance.Kline){stable, stable, stable, stable}}
	f := NewFeed(cfg, stream, &fakeHistory{}, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	// four stable sessions, then three refused dials
	waitFor(t, "recovery backoff", func() bool { return f.State() == RecoveryBackoff })
	if got := stream.Calls(); got != 7 {
		t.Fatalf("connections=%d, expected 7", got)
	}
}
