package strategy

import (
	"fmt"

	"spot-engine/internal/market"
)

// Signal is a decision emitted by a strategy for the latest closed candle.
type Signal int

const (
	Neutral Signal = iota
	StrongBullish
	StrongBearish
)

func (s Signal) String() string {
	switch s {
	case Neutral:
		return "neutral"
	case StrongBullish:
		return "strong_bullish"
	case StrongBearish:
		return "strong_bearish"
	}
	return fmt.Sprintf("signal(%d)", int(s))
}

// Strategy defines the interface for all strategies.
type Strategy interface {
	// Name returns the human-readable name
	Name() string
	// Initialize applies parameters; unknown keys are ignored
	Initialize(params map[string]any) error
	// Process evaluates the candle window, oldest first, ending at the candle that
	// just closed.
	Process(candles []market.Candle) (Signal, error)
}
