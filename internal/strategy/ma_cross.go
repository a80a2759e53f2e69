package strategy

import (
	"fmt"

	"spot-engine/internal/indicators"
	"spot-engine/internal/market"
)

// MACrossStrategy implements a simple moving average crossover strategy.
// Golden cross (fast MA crosses above slow MA) is bullish, death cross is bearish.
type MACrossStrategy struct {
	fastPeriod int // e.g., 10
	slowPeriod int // e.g., 30
}

func NewMACrossStrategy(fastPeriod, slowPeriod int) *MACrossStrategy {
	return &MACrossStrategy{fastPeriod: fastPeriod, slowPeriod: slowPeriod}
}

func (s *MACrossStrategy) Name() string {
	return fmt.Sprintf("MA_Cross_%d_%d", s.fastPeriod, s.slowPeriod)
}

func (s *MACrossStrategy) Initialize(params map[string]any) error {
	fast, err := paramInt(params, "fast", s.fastPeriod)
	if err != nil {
		return err
	}
	slow, err := paramInt(params, "slow", s.slowPeriod)
	if err != nil {
		return err
	}
	if fast <= 0 || slow <= fast {
		return fmt.Errorf("need 0 < fast < slow, got fast=%d slow=%d", fast, slow)
	}
	s.fastPeriod, s.slowPeriod = fast, slow
	return nil
}

func (s *MACrossStrategy) Process(candles []market.Candle) (Signal, error) {
	// one extra candle to see the previous relation
	if len(candles) < s.slowPeriod+1 {
		return Neutral, nil
	}
	closes := market.Closes(candles)
	prev := closes[:len(closes)-1]

	oldFast := indicators.SMA(prev, s.fastPeriod)
	oldSlow := indicators.SMA(prev, s.slowPeriod)
	fast := indicators.SMA(closes, s.fastPeriod)
	slow := indicators.SMA(closes, s.slowPeriod)

	switch {
	case oldFast <= oldSlow && fast > slow:
		return StrongBullish, nil
	case oldFast >= oldSlow && fast < slow:
		return StrongBearish, nil
	}
	return Neutral, nil
}
