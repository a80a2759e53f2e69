package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPublishDropsWhenFull(t *testing.T) {
	b := NewBus(2, zerolog.Nop())
	n := b.For("BTCUSDT")
	for i := 0; i < 5; i++ {
		n.Notify(EventTradeOpened, map[string]any{"i": i})
	}
	if got := b.Dropped(); got != 3 {
		t.Fatalf("dropped=%d, expected 3", got)
	}
}

func TestRunDeliversToEverySink(t *testing.T) {
	var mu sync.Mutex
	var got []Notification
	collect := SinkFunc(func(_ context.Context, n Notification) error {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
		return nil
	})
	failing := SinkFunc(func(context.Context, Notification) error { return errors.New("webhook down") })
	panicking := SinkFunc(func(context.Context, Notification) error { panic("boom") })

	b := NewBus(8, zerolog.Nop(), failing, panicking, collect)
	b.For("ETHUSDT").Notify(EventRiskAlert, map[string]any{"reason": "drawdown"})
	b.Publish(Notification{Event: EventError})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("delivered=%d, expected 2", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if got[0].Symbol != "ETHUSDT" || got[0].Event != EventRiskAlert || got[0].At.IsZero() {
		t.Fatalf("unexpected first notification: %+v", got[0])
	}
}

func TestRunFlushesOnShutdown(t *testing.T) {
	count := 0
	b := NewBus(4, zerolog.Nop(), SinkFunc(func(context.Context, Notification) error {
		count++
		return nil
	}))
	b.For("X").Notify(EventDailyReport, nil)
	b.For("X").Notify(EventDailyReport, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.Run(ctx)
	if count != 2 {
		t.Fatalf("flushed=%d, expected 2", count)
	}
}
