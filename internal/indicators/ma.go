package indicators

import "math"

// SMA calculates the simple moving average for the last period values.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		sum += values[i]
	}
	return sum / float64(period)
}

// StdDev is the population standard deviation of the last period values.
func StdDev(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	mean := SMA(values, period)
	variance := 0.0
	for i := len(values) - period; i < len(values); i++ {
		d := values[i] - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(period))
}

// Bands returns Bollinger bands over the last period values. ok is false
// until enough values exist.
func Bands(values []float64, period int, k float64) (lower, middle, upper float64, ok bool) {
	if period <= 0 || len(values) < period {
		return 0, 0, 0, false
	}
	middle = SMA(values, period)
	sd := StdDev(values, period)
	return middle - k*sd, middle, middle + k*sd, true
}
