package market

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"spot-engine/internal/monitor"
	binance "spot-engine/pkg/market/binance"
)

// State is the connection state of a Feed.
type State int

const (
	Connecting State = iota
	Connected
	Degraded
	Reconnecting
	RecoveryBackoff
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	case Reconnecting:
		return "reconnecting"
	case RecoveryBackoff:
		return "recovery_backoff"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	errStale        = errors.New("stream stale")
	errStreamClosed = errors.New("stream closed")
)

// Subscriber opens a live kline stream.
type Subscriber interface {
	SubscribeKlines(ctx context.Context, symbol, interval string) (<-chan binance.Kline, func(), error)
}

// History fetches klines by time range.
type History interface {
	Klines(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]binance.Kline, error)
}

// FeedConfig tunes the reconnection protocol. Zero values take the defaults.
type FeedConfig struct {
	Symbol     string
	Interval   string
	WindowSize int

	Heartbeat     time.Duration // 30s
	DegradedAfter time.Duration // 60s without a message
	StaleAfter    time.Duration // 120s without a message

	InitialBackoff  time.Duration // 1s
	MaxBackoff      time.Duration // 30s
	MaxAttempts     int           // 10
	RecoveryBackoff time.Duration // 10m
	// a session shorter than StableAfter counts as a failed attempt (60s)
	StableAfter time.Duration
}

func (c *FeedConfig) applyDefaults() {
	if c.WindowSize <= 0 {
		c.WindowSize = DefaultWindowSize
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 30 * time.Second
	}
	if c.DegradedAfter <= 0 {
		c.DegradedAfter = 60 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 120 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.RecoveryBackoff <= 0 {
		c.RecoveryBackoff = 10 * time.Minute
	}
	if c.StableAfter <= 0 {
		c.StableAfter = time.Minute
	}
}

// Feed keeps one instrument's kline subscription alive, validates candles into a
// bounded Window and closes data gaps after every reconnection.
type Feed struct {
	cfg    FeedConfig
	sub    Subscriber
	hist   History
	window *Window
	snaps  *SnapshotStore
	logger zerolog.Logger
	now    func() time.Time

	// OnCandle receives every accepted candle, live or backfilled, in open-time order.
	OnCandle func(Candle)
	// OnRestored runs after a reconnection and its backfill.
	OnRestored func(replayed int)

	mu      sync.Mutex
	state   State
	lastMsg time.Time
}

func NewFeed(cfg FeedConfig, sub Subscriber, hist History, snaps *SnapshotStore, logger zerolog.Logger) *Feed {
	cfg.applyDefaults()
	return &Feed{
		cfg:    cfg,
		sub:    sub,
		hist:   hist,
		window: NewWindow(cfg.WindowSize),
		snaps:  snaps,
		logger: logger.With().Str("component", "feed").Str("symbol", cfg.Symbol).Str("interval", cfg.Interval).Logger(),
		now:    time.Now,
		state:  Connecting,
	}
}

func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Snapshot returns the current candle window, oldest first.
func (f *Feed) Snapshot() []Candle { return f.window.Snapshot() }

func (f *Feed) Window() *Window { return f.window }

func (f *Feed) setState(s State) {
	f.mu.Lock()
	prev := f.state
	f.state = s
	f.mu.Unlock()
	if prev == s {
		return
	}
	monitor.SetFeedState(f.cfg.Symbol, int(s))
	ev := f.logger.Info()
	if s == Degraded || s == RecoveryBackoff {
		ev = f.logger.Warn()
	}
	ev.Str("from", prev.String()).Str("to", s.String()).Msg("feed state changed")
}

func (f *Feed) touch() {
	f.mu.Lock()
	f.lastMsg = f.now()
	f.mu.Unlock()
}

func (f *Feed) silence() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now().Sub(f.lastMsg)
}

// Prime restores the window from the snapshot and fills it up to now without firing
// OnCandle: either a backfill after the last stored candle, or the latest full window.
func (f *Feed) Prime(ctx context.Context) error {
	if f.snaps != nil {
		candles, source, err := f.snaps.Load()
		if err != nil {
			f.logger.Info().Err(err).Msg("no candle snapshot, fetching history")
		} else {
			f.window.Load(candles)
			f.logger.Info().Int("candles", f.window.Len()).Str("source", source).Msg("candle snapshot restored")
		}
	}

	if last, ok := f.window.Last(); ok {
		if _, err := f.backfill(ctx, last.OpenTime, false); err != nil {
			return err
		}
		return nil
	}

	klines, err := f.hist.Klines(ctx, f.cfg.Symbol, f.cfg.Interval, 0, 0, f.cfg.WindowSize)
	if err != nil {
		return fmt.Errorf("fetch initial candles: %w", err)
	}
	now := f.now()
	for _, k := range klines {
		f.accept(FromKline(k, now))
	}
	f.saveSnapshot()
	return nil
}

// Backfill fetches every candle after since and replays it through the live path.
// The candle at since is replayed only when the stored copy was not final.
func (f *Feed) Backfill(ctx context.Context, since int64) (int, error) {
	return f.backfill(ctx, since, true)
}

func (f *Feed) backfill(ctx context.Context, since int64, deliver bool) (int, error) {
	skipSince := false
	if stored, ok := f.window.Get(since); ok && stored.Final {
		skipSince = true
	}

	now := f.now()
	var fetched []Candle
	start := since
	for {
		klines, err := f.hist.Klines(ctx, f.cfg.Symbol, f.cfg.Interval, start, 0, binance.MaxKlinesPerRequest)
		if err != nil {
			return 0, fmt.Errorf("backfill %s since %d: %w", f.cfg.Symbol, since, err)
		}
		for _, k := range klines {
			if k.OpenTime < since || (k.OpenTime == since && skipSince) {
				continue
			}
			fetched = append(fetched, FromKline(k, now))
		}
		if len(klines) < binance.MaxKlinesPerRequest {
			break
		}
		start = klines[len(klines)-1].OpenTime + 1
	}

	sort.SliceStable(fetched, func(i, j int) bool { return fetched[i].OpenTime < fetched[j].OpenTime })
	replayed := 0
	var prev int64 = -1
	for _, c := range fetched {
		if c.OpenTime == prev {
			continue
		}
		prev = c.OpenTime
		var ok bool
		if deliver {
			ok = f.handle(c)
		} else {
			ok = f.accept(c)
		}
		if ok {
			replayed++
		}
	}

	f.saveSnapshot()
	f.logger.Info().Int64("since", since).Int("replayed", replayed).Msg("backfill complete")
	return replayed, nil
}

// accept validates and stores c; false means it was dropped or already final.
func (f *Feed) accept(c Candle) bool {
	if c.OpenTime <= 0 {
		f.drop(c, fmt.Errorf("%w: open time %d", ErrInvalidCandle, c.OpenTime))
		return false
	}
	if err := Validate(c); err != nil {
		f.drop(c, err)
		return false
	}
	return f.window.Upsert(c) != Ignored
}

func (f *Feed) handle(c Candle) bool {
	if !f.accept(c) {
		return false
	}
	if f.OnCandle != nil {
		f.OnCandle(c)
	}
	return true
}

func (f *Feed) drop(c Candle, err error) {
	monitor.IncCandleDropped(f.cfg.Symbol)
	f.logger.Warn().Err(err).Int64("open_time", c.OpenTime).Msg("candle dropped")
}

// SaveSnapshot persists the current window.
func (f *Feed) SaveSnapshot() error {
	if f.snaps == nil {
		return nil
	}
	return f.snaps.Save(f.cfg.Symbol, f.cfg.Interval, f.window.Snapshot())
}

func (f *Feed) saveSnapshot() {
	if err := f.SaveSnapshot(); err != nil {
		f.logger.Warn().Err(err).Msg("save candle snapshot")
	}
}

func (f *Feed) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.cfg.InitialBackoff
	b.Multiplier = 2
	b.MaxInterval = f.cfg.MaxBackoff
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run keeps the subscription alive until ctx is done. It never gives up: after
// MaxAttempts failed connection attempts it waits RecoveryBackoff and starts over.
// Only a session that stayed up for StableAfter resets the attempt count, so a
// stream that keeps dropping right after connecting still backs off.
func (f *Feed) Run(ctx context.Context) {
	everConnected := false
	for {
		b := f.newBackoff()
		for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
			if everConnected {
				f.setState(Reconnecting)
			} else {
				f.setState(Connecting)
			}

			started := f.now()
			connected, err := f.session(ctx, everConnected)
			if ctx.Err() != nil {
				return
			}
			if connected {
				everConnected = true
				if f.now().Sub(started) >= f.cfg.StableAfter {
					b.Reset()
					attempt = 0
				}
			}
			delay := b.NextBackOff()
			f.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("stream unavailable")
			if !sleepCtx(ctx, delay) {
				return
			}
		}

		f.setState(RecoveryBackoff)
		f.logger.Error().Int("attempts", f.cfg.MaxAttempts).Dur("retry_in", f.cfg.RecoveryBackoff).Msg("reconnect attempts exhausted")
		if !sleepCtx(ctx, f.cfg.RecoveryBackoff) {
			return
		}
	}
}

// session runs one connection. connected reports whether the subscription was
// established before it ended.
func (f *Feed) session(ctx context.Context, reconnect bool) (bool, error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, stop, err := f.sub.SubscribeKlines(sctx, f.cfg.Symbol, f.cfg.Interval)
	if err != nil {
		return false, err
	}
	defer stop()

	f.touch()
	f.setState(Connected)
	if reconnect {
		monitor.IncFeedReconnect(f.cfg.Symbol)
	}

	if last, ok := f.window.Last(); ok {
		replayed, err := f.Backfill(ctx, last.OpenTime)
		if err != nil {
			f.logger.Warn().Err(err).Msg("backfill after connect failed")
		} else if reconnect && f.OnRestored != nil {
			f.OnRestored(replayed)
		}
	}

	heartbeat := time.NewTicker(f.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case k, ok := <-ch:
			if !ok {
				return true, errStreamClosed
			}
			f.touch()
			if f.State() == Degraded {
				f.setState(Connected)
			}
			f.handle(FromKline(k, f.now()))
		case <-heartbeat.C:
			silent := f.silence()
			if silent >= f.cfg.StaleAfter {
				f.logger.Warn().Dur("silent", silent).Msg("stream stale, reconnecting")
				return true, errStale
			}
			if silent >= f.cfg.DegradedAfter && f.State() == Connected {
				f.setState(Degraded)
			}
		}
	}
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
