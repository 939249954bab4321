package indicators

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWindowEvictsOldest(t *testing.T) {
	w := NewWindow(3)
	for _, p := range []float64{1, 2, 3, 4} {
		w.Push(p)
	}
	assert.True(t, w.Full())
	assert.Equal(t, []float64{2, 3, 4}, w.Values())
	assert.Equal(t, 4.0, w.Last())

	w.Reset([]float64{9, 8, 7, 6, 5})
	assert.Equal(t, []float64{7, 6, 5}, w.Values())
}

func TestSMAAndBands(t *testing.T) {
	values := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	assert.Equal(t, 0.0, SMA(values[:2], 3))
	assert.Equal(t, 5.0, SMA(values, 8))
	assert.InDelta(t, 2.0, StdDev(values, 8), 1e-12)

	lower, middle, upper, ok := Bands(values, 8, 2)
	assert.True(t, ok)
	assert.InDelta(t, 1.0, lower, 1e-12)
	assert.InDelta(t, 5.0, middle, 1e-12)
	assert.InDelta(t, 9.0, upper, 1e-12)

	_, _, _, ok = Bands(values[:3], 8, 2)
	assert.False(t, ok)
}

func TestRSI(t *testing.T) {
	_, ok := RSI([]float64{1, 2}, 2)
	assert.False(t, ok)

	v, ok := RSI([]float64{1, 2, 3}, 2)
	assert.True(t, ok)
	assert.Equal(t, 100.0, v)

	// one gain of 1, one loss of 1
	v, _ = RSI([]float64{10, 11, 10}, 2)
	assert.InDelta(t, 50.0, v, 1e-12)

	v, _ = RSI([]float64{7, 7, 7}, 2)
	assert.Equal(t, 50.0, v)

	v, _ = RSI([]float64{99, 3, 2, 1}, 2)
	assert.Equal(t, 0.0, v)
}
