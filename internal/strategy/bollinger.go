package strategy

import (
	"fmt"

	"spot-engine/internal/indicators"
	"spot-engine/internal/market"
)

// BollingerStrategy implements a Bollinger Bands mean reversion strategy.
// A close at or below the lower band is bullish, at or above the upper band bearish.
type BollingerStrategy struct {
	period    int     // period for MA and std dev (typically 20)
	numStdDev float64 // typically 2.0
}

func NewBollingerStrategy(period int, numStdDev float64) *BollingerStrategy {
	return &BollingerStrategy{period: period, numStdDev: numStdDev}
}

func (s *BollingerStrategy) Name() string {
	return fmt.Sprintf("Bollinger_%d_%.1f", s.period, s.numStdDev)
}

func (s *BollingerStrategy) Initialize(params map[string]any) error {
	period, err := paramInt(params, "period", s.period)
	if err != nil {
		return err
	}
	k, err := paramFloat(params, "stddev", s.numStdDev)
	if err != nil {
		return err
	}
	if period < 2 || k <= 0 {
		return fmt.Errorf("invalid bollinger params period=%d stddev=%v", period, k)
	}
	s.period, s.numStdDev = period, k
	return nil
}

// Bands returns lower, middle and upper bands over the last period closes.
func (s *BollingerStrategy) Bands(closes []float64) (lower, middle, upper float64) {
	middle = indicators.SMA(closes, s.period)
	dev := indicators.StdDev(closes, s.period)
	return middle - s.numStdDev*dev, middle, middle + s.numStdDev*dev
}

func (s *BollingerStrategy) Process(candles []market.Candle) (Signal, error) {
	if len(candles) < s.period {
		return Neutral, nil
	}
	closes := market.Closes(candles)
	lower, _, upper := s.Bands(closes)
	if lower == upper {
		return Neutral, nil
	}
	price := closes[len(closes)-1]
	switch {
	case price <= lower:
		return StrongBullish, nil
	case price >= upper:
		return StrongBearish, nil
	}
	return Neutral, nil
}
