package risk

import (
	"time"

	"roostoo-bot/internal/errs"
	"roostoo-bot/internal/order"
	"roostoo-bot/internal/strategy"
)

// Rejection reasons.
const (
	ReasonNotAllowed    = "instrument not allowed"
	ReasonBelowMinimum  = "quantity below minimum"
	ReasonAboveMaximum  = "quantity above maximum"
	ReasonMaxExposure   = "max exposure exceeded"
	ReasonInsufficient  = "insufficient capital"
	ReasonNoPrice       = "no price available"
	ReasonInvalidIntent = "invalid intent"
)

// Config defines risk limits.
type Config struct {
	Symbols          []string
	MaxPosition      map[string]float64 // absent symbol means no position cap
	MaxCapitalAtRisk float64            // quote notional cap across all positions
	MinOrderQty      float64
	MaxOrderQty      float64 // 0 disables
	FeeBuffer        float64 // fee rate added to the buy capital requirement
	Quote            string
}

// Decision is the single verdict for one intent. Order is set only when
// Approved; it is in Pending state with its capital reserved.
type Decision struct {
	Approved bool         `json:"approved"`
	Order    *order.Order `json:"order,omitempty"`
	Reason   string       `json:"reason,omitempty"`
}

// Err returns the RiskRejected error for a rejection and nil for approval.
func (d Decision) Err() error {
	if d.Approved {
		return nil
	}
	return errs.New(errs.KindRiskRejected, "risk.evaluate", d.Reason)
}

// Verdict is what gets published on the event bus.
type Verdict struct {
	Intent        strategy.TradeIntent `json:"intent"`
	Approved      bool                 `json:"approved"`
	Reason        string               `json:"reason,omitempty"`
	ClientOrderID string               `json:"client_order_id,omitempty"`
	Time          time.Time            `json:"time"`
}
