package strategy

import (
	"fmt"

	"spot-engine/internal/indicators"
	"spot-engine/internal/market"
)

// RSIStrategy implements an RSI overbought/oversold strategy.
// Bullish when RSI < oversold (default 30), bearish when RSI > overbought (default 70).
type RSIStrategy struct {
	period     int
	oversold   float64
	overbought float64
}

func NewRSIStrategy(period int, oversold, overbought float64) *RSIStrategy {
	return &RSIStrategy{period: period, oversold: oversold, overbought: overbought}
}

func (s *RSIStrategy) Name() string {
	return fmt.Sprintf("RSI_%d", s.period)
}

func (s *RSIStrategy) Initialize(params map[string]any) error {
	period, err := paramInt(params, "period", s.period)
	if err != nil {
		return err
	}
	oversold, err := paramFloat(params, "oversold", s.oversold)
	if err != nil {
		return err
	}
	overbought, err := paramFloat(params, "overbought", s.overbought)
	if err != nil {
		return err
	}
	if period < 2 || oversold <= 0 || overbought >= 100 || oversold >= overbought {
		return fmt.Errorf("invalid rsi params period=%d oversold=%v overbought=%v", period, oversold, overbought)
	}
	s.period, s.oversold, s.overbought = period, oversold, overbought
	return nil
}

func (s *RSIStrategy) Process(candles []market.Candle) (Signal, error) {
	if len(candles) < s.period+1 {
		return Neutral, nil
	}
	rsi := indicators.RSI(market.Closes(candles), s.period)
	switch {
	case rsi < s.oversold:
		return StrongBullish, nil
	case rsi > s.overbought:
		return StrongBearish, nil
	}
	return Neutral, nil
}
