package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spot-engine/internal/monitor"
)

// Sink delivers notifications somewhere outside the process.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Send(ctx context.Context, n Notification) error { return f(ctx, n) }

// Bus is a bounded queue drained by a single worker that fans out to sinks.
// Publish never blocks: when the queue is full the notification is dropped.
type Bus struct {
	queue       chan Notification
	sinks       []Sink
	sendTimeout time.Duration
	logger      zerolog.Logger

	mu      sync.Mutex
	dropped int64
	now     func() time.Time
}

// NewBus creates a bus with the given queue size.
func NewBus(size int, logger zerolog.Logger, sinks ...Sink) *Bus {
	if size <= 0 {
		size = 256
	}
	return &Bus{
		queue:       make(chan Notification, size),
		sinks:       sinks,
		sendTimeout: 5 * time.Second,
		logger:      logger.With().Str("component", "notify").Logger(),
		now:         time.Now,
	}
}

// Publish enqueues n without waiting.
func (b *Bus) Publish(n Notification) {
	if n.At.IsZero() {
		n.At = b.now()
	}
	select {
	case b.queue <- n:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		monitor.IncNotifyDropped()
		b.logger.Warn().Str("event", string(n.Event)).Str("symbol", n.Symbol).Msg("notification queue full, dropped")
	}
}

// Dropped reports how many notifications were discarded.
func (b *Bus) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// For returns a Notifier that tags every notification with symbol.
func (b *Bus) For(symbol string) Notifier {
	return scoped{bus: b, symbol: symbol}
}

// Run drains the queue until ctx is done, then flushes what is left.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case n := <-b.queue:
			b.deliver(ctx, n)
		case <-ctx.Done():
			b.drain()
			return
		}
	}
}

func (b *Bus) drain() {
	for {
		select {
		case n := <-b.queue:
			b.deliver(context.Background(), n)
		default:
			return
		}
	}
}

func (b *Bus) deliver(ctx context.Context, n Notification) {
	for _, s := range b.sinks {
		if err := b.send(ctx, s, n); err != nil {
			b.logger.Warn().Err(err).Str("event", string(n.Event)).Str("symbol", n.Symbol).Msg("notification delivery failed")
		}
	}
}

func (b *Bus) send(ctx context.Context, s Sink, n Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
	defer cancel()
	return s.Send(sendCtx, n)
}

type scoped struct {
	bus    *Bus
	symbol string
}

func (s scoped) Notify(ev Event, fields map[string]any) {
	s.bus.Publish(Notification{Event: ev, Symbol: s.symbol, Fields: fields})
}

// LogSink writes notifications to the structured log.
func LogSink(logger zerolog.Logger) Sink {
	log := logger.With().Str("component", "notify").Logger()
	return SinkFunc(func(_ context.Context, n Notification) error {
		lvl := zerolog.InfoLevel
		switch n.Event {
		case EventError:
			lvl = zerolog.ErrorLevel
		case EventRiskAlert:
			lvl = zerolog.WarnLevel
		case EventOrderCompleted:
			lvl = zerolog.DebugLevel
		}
		log.WithLevel(lvl).Str("event", string(n.Event)).Str("symbol", n.Symbol).Fields(n.Fields).Msg("notification")
		return nil
	})
}
