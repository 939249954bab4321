package indicators

// RSI is Cutler's relative strength index: average gain over average loss
// across the last period price changes, with no smoothing carried between
// calls. ok is false until period+1 prices exist. A flat window reads 50.
func RSI(values []float64, period int) (rsi float64, ok bool) {
	if period <= 0 || len(values) < period+1 {
		return 0, false
	}

	var up, down float64
	tail := values[len(values)-period-1:]
	for i := 1; i < len(tail); i++ {
		switch d := tail[i] - tail[i-1]; {
		case d > 0:
			up += d
		case d < 0:
			down -= d
		}
	}

	switch {
	case up == 0 && down == 0:
		return 50, true
	case down == 0:
		return 100, true
	}
	return 100 * up / (up + down), true
}
