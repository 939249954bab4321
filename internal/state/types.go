package state

import (
	"time"
)

// Balance is the wallet entry for one asset.
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// AccountSnapshot is the most recent wallet view. Readers never wait for a
// fresher one.
type AccountSnapshot struct {
	Balances map[string]Balance `json:"balances"`
	Equity   float64            `json:"equity"`
	Time     time.Time          `json:"time"`
}

// Free returns the free amount of asset.
func (s AccountSnapshot) Free(asset string) float64 {
	return s.Balances[asset].Free
}

// Total returns free plus locked amount of asset.
func (s AccountSnapshot) Total(asset string) float64 {
	b := s.Balances[asset]
	return b.Free + b.Locked
}

func (s AccountSnapshot) clone() AccountSnapshot {
	out := s
	out.Balances = make(map[string]Balance, len(s.Balances))
	for k, v := range s.Balances {
		out.Balances[k] = v
	}
	return out
}

// Position is the net holding of one instrument, moved only by confirmed
// fills or by a reconciliation reset.
type Position struct {
	Symbol      string    `json:"symbol"`
	Quantity    float64   `json:"quantity"`
	AvgCost     float64   `json:"avg_cost"`
	RealizedPnL float64   `json:"realized_pnl"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Fill is a confirmed execution delta.
type Fill struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          string // BUY or SELL
	Qty           float64
	Price         float64
	Fee           float64
	Time          time.Time
}
