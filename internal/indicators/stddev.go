package indicators

import "math"

// StdDev is the population standard deviation of the last period values.
func StdDev(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	mean := SMA(values, period)
	variance := 0.0
	for _, v := range values[len(values)-period:] {
		d := v - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(period))
}
