package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// StreamClient manages streaming from Binance public websockets. One client is shared by
// every instrument; each subscription owns its own connection.
type StreamClient struct {
	StreamURL string
	dialer    *websocket.Dialer
	logger    zerolog.Logger
}

// NewStreamClient builds a websocket client; testnet toggles the host.
func NewStreamClient(testnet bool, logger zerolog.Logger) *StreamClient {
	host := "stream.binance.com:9443"
	if testnet {
		host = "testnet.binance.vision"
	}
	return &StreamClient{
		StreamURL: (&url.URL{Scheme: "wss", Host: host, Path: "/ws"}).String(),
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: websocket.DefaultDialer.Proxy},
		logger:    logger.With().Str("component", "stream").Logger(),
	}
}

// SubscribeKlines listens to the kline stream and pushes parsed klines into a channel.
// The channel is closed when the connection drops, ctx ends or stop is called.
func (c *StreamClient) SubscribeKlines(ctx context.Context, symbol, interval string) (<-chan Kline, func(), error) {
	// Binance requires lowercase symbols for WebSocket streams
	stream := fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), interval)
	u := fmt.Sprintf("%s/%s", c.StreamURL, stream)

	conn, _, err := c.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial binance ws: %w", err)
	}

	out := make(chan Kline, 100)
	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			// Ignore errors; connection may already be closed.
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		})
	}

	// unblock ReadMessage when the caller's context ends
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-done:
		}
	}()

	log := c.logger.With().Str("stream", stream).Logger()
	go func() {
		defer close(out)
		defer stop()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				// If connection already closed by caller/context, just exit quietly.
				if isClosedConn(err) {
					return
				}
				log.Warn().Err(err).Msg("ws read error")
				return
			}

			parsed, err := parseKlineMessage(msg)
			if err != nil {
				log.Warn().Err(err).Msg("ws parse error")
				continue
			}
			select {
			case out <- parsed:
			case <-done:
				return
			}
		}
	}()

	return out, stop, nil
}

func isClosedConn(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, net.ErrClosed) ||
		strings.Contains(err.Error(), "use of closed network connection")
}

// parseKlineMessage decodes only the fields we need.
func parseKlineMessage(msg []byte) (Kline, error) {
	var raw struct {
		Event string `json:"e"`
		Data  *struct {
			StartTime int64   `json:"t"`
			CloseTime int64   `json:"T"`
			Symbol    string  `json:"s"`
			Interval  string  `json:"i"`
			Open      float64 `json:"o,string"`
			Close     float64 `json:"c,string"`
			High      float64 `json:"h,string"`
			Low       float64 `json:"l,string"`
			Volume    float64 `json:"v,string"`
			QuoteVol  float64 `json:"q,string"`
			Trades    int     `json:"n"`
			Final     bool    `json:"x"`
		} `json:"k"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return Kline{}, err
	}
	d := raw.Data
	if d == nil {
		return Kline{}, fmt.Errorf("not a kline event: %q", raw.Event)
	}
	return Kline{
		Symbol:         d.Symbol,
		Interval:       d.Interval,
		OpenTime:       d.StartTime,
		CloseTime:      d.CloseTime,
		Open:           d.Open,
		Close:          d.Close,
		High:           d.High,
		Low:            d.Low,
		Volume:         d.Volume,
		QuoteVolume:    d.QuoteVol,
		NumberOfTrades: d.Trades,
		IsFinal:        d.Final,
	}, nil
}
