package market

import (
	"errors"
	"fmt"
	"math"
	"time"

	binance "spot-engine/pkg/market/binance"
)

// ErrInvalidCandle marks a candle that violates the OHLCV invariants.
var ErrInvalidCandle = errors.New("invalid candle")

// Candle is one normalized OHLCV bar. Times are unix milliseconds.
type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Trades    int     `json:"trades"`
	Final     bool    `json:"final"`
}

// Validate checks that prices and volume are finite, prices are positive and
// ordered, and volume is not negative.
func Validate(c Candle) error {
	switch {
	case !finite(c.Open, c.High, c.Low, c.Close, c.Volume):
		return fmt.Errorf("%w: non-finite value", ErrInvalidCandle)
	case c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0:
		return fmt.Errorf("%w: non-positive price", ErrInvalidCandle)
	case c.Volume < 0:
		return fmt.Errorf("%w: negative volume %v", ErrInvalidCandle, c.Volume)
	case c.High < c.Open || c.High < c.Close || c.High < c.Low:
		return fmt.Errorf("%w: high %v below open/close/low", ErrInvalidCandle, c.High)
	case c.Low > c.Open || c.Low > c.Close:
		return fmt.Errorf("%w: low %v above open/close", ErrInvalidCandle, c.Low)
	}
	return nil
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// FromKline normalizes an exchange kline. REST klines carry no finality flag, so a
// kline whose close time has passed is treated as final.
func FromKline(k binance.Kline, now time.Time) Candle {
	return Candle{
		OpenTime:  k.OpenTime,
		CloseTime: k.CloseTime,
		Open:      k.Open,
		High:      k.High,
		Low:       k.Low,
		Close:     k.Close,
		Volume:    k.Volume,
		Trades:    k.NumberOfTrades,
		Final:     k.IsFinal || (k.CloseTime > 0 && k.CloseTime < now.UnixMilli()),
	}
}

// Closes extracts closing prices in window order.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}
