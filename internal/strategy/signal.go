package strategy

import (
	"math"

	"roostoo-bot/internal/market"
	"roostoo-bot/internal/state"
	"roostoo-bot/pkg/exchanges/common"
)

const (
	actionHold = "HOLD"
	actionBuy  = "BUY"
	actionSell = "SELL"
)

// signalState dedups crossing signals so a strategy emits once per regime
// change rather than on every tick inside it.
type signalState struct {
	prev string
}

// emit turns action into at most one intent. Sells are capped at the held
// quantity; nothing is emitted when flat.
func (s *signalState) emit(b base, tick market.Tick, pos state.Position, action string, size float64, rationale string) []TradeIntent {
	if action == actionHold || action == s.prev {
		return nil
	}
	s.prev = action
	switch action {
	case actionBuy:
		return []TradeIntent{b.intent(tick, common.SideBuy, size, 0, rationale)}
	case actionSell:
		qty := math.Min(size, pos.Quantity)
		if qty <= 0 {
			return nil
		}
		return []TradeIntent{b.intent(tick, common.SideSell, qty, 0, rationale)}
	}
	return nil
}
