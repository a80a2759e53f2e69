package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const klineEvent = `{"e":"kline","E":1700000061000,"s":"BTCUSDT","k":{"t":1700000000000,"T":1700000059999,
"s":"BTCUSDT","i":"1m","o":"100.5","c":"101.0","h":"101.5","l":"100.0","v":"12.5","n":42,"x":true,"q":"1260.0"}}`

func TestParseKlineMessage(t *testing.T) {
	k, err := parseKlineMessage([]byte(klineEvent))
	if err != nil {
		t.Fatalf("parseKlineMessage: %v", err)
	}
	if k.OpenTime != 1700000000000 || k.CloseTime != 1700000059999 {
		t.Fatalf("times=%d/%d", k.OpenTime, k.CloseTime)
	}
	if k.Open != 100.5 || k.High != 101.5 || k.Low != 100 || k.Close != 101 || k.Volume != 12.5 {
		t.Fatalf("unexpected ohlcv %+v", k)
	}
	if !k.IsFinal || k.NumberOfTrades != 42 || k.Interval != "1m" {
		t.Fatalf("final=%v trades=%d interval=%s", k.IsFinal, k.NumberOfTrades, k.Interval)
	}

	if _, err := parseKlineMessage([]byte(`{"result":null,"id":1}`)); err == nil {
		t.Fatalf("expected error for non-kline payload")
	}
}

func TestSubscribeKlinesStreamsAndCloses(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/btcusdt@kline_1m") {
			t.Errorf("unexpected stream path %s", r.URL.Path)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(klineEvent))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewStreamClient(false, zerolog.Nop())
	c.StreamURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, stop, err := c.SubscribeKlines(ctx, "BTCUSDT", "1m")
	if err != nil {
		t.Fatalf("SubscribeKlines: %v", err)
	}
	defer stop()

	select {
	case k, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed before first kline")
		}
		if k.Symbol != "BTCUSDT" {
			t.Fatalf("symbol=%s", k.Symbol)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for kline")
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected channel to close after server close")
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for close")
	}
}
