package indicators

// Window is a bounded price history. The oldest price is evicted once the
// window is full. It is not safe for concurrent use; each strategy instance
// owns its own.
type Window struct {
	size   int
	prices []float64
}

// NewWindow creates a window holding at most size prices.
func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{size: size, prices: make([]float64, 0, size)}
}

// Push appends a price.
func (w *Window) Push(price float64) {
	if len(w.prices) == w.size {
		copy(w.prices, w.prices[1:])
		w.prices = w.prices[:w.size-1]
	}
	w.prices = append(w.prices, price)
}

// Values returns the prices, oldest first. The slice aliases the window.
func (w *Window) Values() []float64 { return w.prices }

// Len returns how many prices are held.
func (w *Window) Len() int { return len(w.prices) }

// Full reports whether the window holds size prices.
func (w *Window) Full() bool { return len(w.prices) == w.size }

// Last returns the most recent price, or 0 when empty.
func (w *Window) Last() float64 {
	if len(w.prices) == 0 {
		return 0
	}
	return w.prices[len(w.prices)-1]
}

// Reset replaces the contents, keeping at most the newest size prices.
func (w *Window) Reset(prices []float64) {
	if len(prices) > w.size {
		prices = prices[len(prices)-w.size:]
	}
	w.prices = append(w.prices[:0], prices...)
}
