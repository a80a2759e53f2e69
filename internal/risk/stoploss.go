package risk

import (
	"math"

	"spot-engine/pkg/config"
)

// FallbackStopPercent applies when the configured stop yields an unusable level.
const FallbackStopPercent = 0.06

// StopPolicy computes protective stop levels for a long spot position. Percentages
// are fractions (0.06 = 6%).
type StopPolicy struct {
	FixedPercent      float64
	Trailing          bool
	TrailingPercent   float64
	ActivationPercent float64
}

func StopPolicyFrom(sc config.StopConfig) StopPolicy {
	return StopPolicy{
		FixedPercent:      sc.Percent / 100,
		Trailing:          sc.Trailing,
		TrailingPercent:   sc.TrailingPercent / 100,
		ActivationPercent: sc.ActivationPercent / 100,
	}
}

// FixedStop is entry × (1 − fixed).
func (p StopPolicy) FixedStop(entry float64) float64 {
	return entry * (1 - p.FixedPercent)
}

// InitialStop is the stop set right after a fill, falling back to 6% below the fill
// when the configured percentage produces an invalid level.
func (p StopPolicy) InitialStop(fill float64) float64 {
	stop := p.FixedStop(fill)
	if p.FixedPercent <= 0 || p.FixedPercent >= 1 || math.IsNaN(stop) || math.IsInf(stop, 0) || stop <= 0 || stop >= fill {
		return fill * (1 - FallbackStopPercent)
	}
	return stop
}

// Activated reports whether the trailing stop has armed.
func (p StopPolicy) Activated(entry, highest float64) bool {
	return p.Trailing && p.TrailingPercent > 0 && highest >= entry*(1+p.ActivationPercent)
}

// Effective returns the stop to enforce. Once trailing is armed it follows the
// highest price; it never drops below the stored stop.
func (p StopPolicy) Effective(entry, highest, stored float64) float64 {
	if stored <= 0 {
		stored = p.InitialStop(entry)
	}
	if !p.Activated(entry, highest) {
		return stored
	}
	return math.Max(stored, highest*(1-p.TrailingPercent))
}

// Triggered reports whether price breaches stop.
func Triggered(price, stop float64) bool {
	return stop > 0 && price <= stop
}
