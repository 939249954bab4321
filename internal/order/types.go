package order

import (
	"errors"
	"fmt"
	"time"

	"roostoo-bot/internal/gateway"
	"roostoo-bot/pkg/db"
	"roostoo-bot/pkg/exchanges/common"
)

// State is the bot-side lifecycle of an order.
type State string

const (
	StatePending         State = "PENDING"
	StateSubmitted       State = "SUBMITTED"
	StatePartiallyFilled State = "PARTIALLY_FILLED"
	StateFilled          State = "FILLED"
	StateCancelled       State = "CANCELLED"
	StateRejected        State = "REJECTED"
	StateFailed          State = "FAILED"
)

var (
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrUnknownOrder      = errors.New("unknown order")
	ErrNotAcknowledged   = errors.New("order has no exchange id yet")
)

var transitions = map[State][]State{
	StatePending:         {StateSubmitted, StateRejected, StateFailed},
	StateSubmitted:       {StatePartiallyFilled, StateFilled, StateCancelled, StateRejected, StateFailed},
	StatePartiallyFilled: {StatePartiallyFilled, StateSubmitted, StateFilled, StateCancelled, StateFailed},
}

// Terminal reports whether no further transition is accepted.
func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected, StateFailed:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Order is owned by the Manager. Everything else sees copies.
type Order struct {
	ClientOrderID   string           `json:"client_order_id"`
	ExchangeOrderID string           `json:"exchange_order_id,omitempty"`
	StrategyID      string           `json:"strategy_id"`
	Symbol          string           `json:"symbol"`
	Side            common.Side      `json:"side"`
	Type            common.OrderType `json:"type"`
	Price           float64          `json:"price"`
	Qty             float64          `json:"qty"`
	FilledQty       float64          `json:"filled_qty"`
	AvgFillPrice    float64          `json:"avg_fill_price"`
	Fee             float64          `json:"fee"`
	State           State            `json:"state"`
	Version         int64            `json:"version"`
	NeedsReconcile  bool             `json:"needs_reconcile"`
	Resolution      string           `json:"resolution,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// New creates a Pending order. A zero price selects a market order.
func New(id, strategyID, symbol string, side common.Side, qty, price float64, now time.Time) *Order {
	typ := common.OrderTypeMarket
	if price > 0 {
		typ = common.OrderTypeLimit
	}
	return &Order{
		ClientOrderID: id,
		StrategyID:    strategyID,
		Symbol:        symbol,
		Side:          side,
		Type:          typ,
		Price:         price,
		Qty:           qty,
		State:         StatePending,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// RemainingQty returns unfilled quantity.
func (o *Order) RemainingQty() float64 {
	return o.Qty - o.FilledQty
}

// IsFullyFilled checks if order is fully filled.
func (o *Order) IsFullyFilled() bool {
	return o.FilledQty >= o.Qty-1e-12
}

// Open reports whether the order is live from the bot's point of view.
func (o *Order) Open() bool {
	return !o.State.Terminal()
}

// transition moves the order to next and bumps Version.
func (o *Order) transition(next State, now time.Time) error {
	if !CanTransition(o.State, next) {
		return fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, o.State, next, o.ClientOrderID)
	}
	o.State = next
	o.touch(now)
	return nil
}

func (o *Order) touch(now time.Time) {
	o.Version++
	o.UpdatedAt = now
}

// Spec returns what the gateway needs to place or find this order.
func (o *Order) Spec() gateway.OrderSpec {
	return gateway.OrderSpec{
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          o.Type,
		Qty:           o.Qty,
		Price:         o.Price,
		CreatedAt:     o.CreatedAt,
	}
}

// Record returns the persisted form.
func (o *Order) Record() db.Order {
	return db.Order{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		StrategyID:      o.StrategyID,
		Symbol:          o.Symbol,
		Side:            string(o.Side),
		Type:            string(o.Type),
		Price:           o.Price,
		Qty:             o.Qty,
		FilledQty:       o.FilledQty,
		AvgFillPrice:    o.AvgFillPrice,
		State:           string(o.State),
		NeedsReconcile:  o.NeedsReconcile,
		Resolution:      o.Resolution,
		Reason:          o.Reason,
		Version:         o.Version,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

// FromRecord rebuilds an order from its persisted form.
func FromRecord(r db.Order) *Order {
	return &Order{
		ClientOrderID:   r.ClientOrderID,
		ExchangeOrderID: r.ExchangeOrderID,
		StrategyID:      r.StrategyID,
		Symbol:          r.Symbol,
		Side:            common.Side(r.Side),
		Type:            common.OrderType(r.Type),
		Price:           r.Price,
		Qty:             r.Qty,
		FilledQty:       r.FilledQty,
		AvgFillPrice:    r.AvgFillPrice,
		State:           State(r.State),
		Version:         r.Version,
		NeedsReconcile:  r.NeedsReconcile,
		Resolution:      r.Resolution,
		Reason:          r.Reason,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}
