package strategy

import (
	"encoding/json"
	"time"

	"roostoo-bot/internal/market"
	"roostoo-bot/internal/state"
	"roostoo-bot/pkg/exchanges/common"
)

// TradeIntent is a strategy's request to trade. It is produced by exactly
// one OnTick call and never mutated afterwards.
type TradeIntent struct {
	StrategyID string      `json:"strategy_id"`
	Symbol     string      `json:"symbol"`
	Side       common.Side `json:"side"`
	Quantity   float64     `json:"quantity"`
	LimitPrice float64     `json:"limit_price"` // 0 means market
	Time       time.Time   `json:"time"`        // time of the tick that produced it
	Rationale  string      `json:"rationale"`
}

// Strategy turns ticks into intents.
//
// OnTick must not read the wall clock or perform I/O. Everything it needs is
// in its arguments, which keeps replays deterministic.
type Strategy interface {
	// ID returns the unique instance ID
	ID() string
	// Name returns the human-readable name
	Name() string
	// Symbol is the instrument the instance trades
	Symbol() string
	OnTick(tick market.Tick, snap state.AccountSnapshot, pos state.Position) ([]TradeIntent, error)
}

// Stateful strategies can export and restore their internal state so a
// restart does not lose warm-up history or dedup markers.
type Stateful interface {
	GetState() (json.RawMessage, error)
	SetState(data json.RawMessage) error
}

// base carries the fields every implementation shares.
type base struct {
	id     string
	symbol string
}

func (b base) ID() string     { return b.id }
func (b base) Symbol() string { return b.symbol }

func (b base) intent(tick market.Tick, side common.Side, qty, limit float64, rationale string) TradeIntent {
	return TradeIntent{
		StrategyID: b.id,
		Symbol:     b.symbol,
		Side:       side,
		Quantity:   qty,
		LimitPrice: limit,
		Time:       tick.Time,
		Rationale:  rationale,
	}
}
