package market

import (
	"context"
	"time"
)

// Tick is one normalized price observation. Seq is strictly increasing per
// symbol.
type Tick struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Last   float64   `json:"last"`
	Time   time.Time `json:"time"`
	Seq    uint64    `json:"seq"`
}

// Mid returns the mid price, falling back to Last when the book is one-sided.
func (t Tick) Mid() float64 {
	if t.Bid > 0 && t.Ask > 0 {
		return (t.Bid + t.Ask) / 2
	}
	return t.Last
}

// TickerSource fetches the current tick for a symbol.
type TickerSource interface {
	GetTicker(ctx context.Context, symbol string) (Tick, error)
}

// Kind tags a feed message.
type Kind int

const (
	KindTick Kind = iota
	KindStale
	KindRecovered
)

func (k Kind) String() string {
	switch k {
	case KindTick:
		return "tick"
	case KindStale:
		return "stale"
	case KindRecovered:
		return "recovered"
	default:
		return "unknown"
	}
}

// Message is what subscribers receive. Tick is set only for KindTick.
type Message struct {
	Kind   Kind
	Symbol string
	Tick   Tick
}
