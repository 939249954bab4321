package strategy

import (
	"encoding/json"
	"fmt"
	"math"

	"roostoo-bot/internal/errs"
	"roostoo-bot/internal/market"
	"roostoo-bot/internal/state"
	"roostoo-bot/pkg/exchanges/common"
)

// GridStrategy buys at or under the lower bound and sells at or over the
// upper bound, re-arming once price moves a step back inside the range.
type GridStrategy struct {
	base
	upperBound   float64
	lowerBound   float64
	orderSize    float64
	minStepRatio float64
	lastAction   string
}

type gridParams struct {
	Lower float64 `yaml:"lower"`
	Upper float64 `yaml:"upper"`
	Size  float64 `yaml:"size"`
	Step  float64 `yaml:"step"`
}

func newGrid(cfg Config) (Strategy, error) {
	p := gridParams{Size: 0.001, Step: 0.002}
	if err := cfg.Decode(&p); err != nil {
		return nil, err
	}
	if p.Lower <= 0 || p.Upper <= p.Lower {
		return nil, errs.Config("strategy %s: need 0 < lower < upper", cfg.ID)
	}
	if err := positive(cfg.ID, "size", p.Size); err != nil {
		return nil, err
	}
	g := NewGridStrategy(cfg.ID, cfg.Symbol, p.Lower, p.Upper, p.Size)
	g.minStepRatio = p.Step
	return g, nil
}

// NewGridStrategy creates a range trader with a 0.2% re-arm step.
func NewGridStrategy(id, symbol string, lower, upper, size float64) *GridStrategy {
	return &GridStrategy{
		base:         base{id: id, symbol: symbol},
		upperBound:   upper,
		lowerBound:   lower,
		orderSize:    size,
		minStepRatio: 0.002,
	}
}

func (g *GridStrategy) Name() string { return "grid_" + g.symbol }

// GridState is the persisted state.
type GridState struct {
	LastAction string `json:"last_action"`
}

func (g *GridStrategy) GetState() (json.RawMessage, error) {
	return json.Marshal(GridState{LastAction: g.lastAction})
}

func (g *GridStrategy) SetState(data json.RawMessage) error {
	var st GridState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	g.lastAction = st.LastAction
	return nil
}

func (g *GridStrategy) OnTick(tick market.Tick, _ state.AccountSnapshot, pos state.Position) ([]TradeIntent, error) {
	price := tick.Last
	if tick.Symbol != g.symbol || price <= 0 {
		return nil, nil
	}

	// debounce while price hovers around a bound
	if g.lastAction == actionBuy && price > g.lowerBound*(1+g.minStepRatio) {
		g.lastAction = ""
	}
	if g.lastAction == actionSell && price < g.upperBound*(1-g.minStepRatio) {
		g.lastAction = ""
	}

	if price <= g.lowerBound && g.lastAction != actionBuy {
		g.lastAction = actionBuy
		return []TradeIntent{g.intent(tick, common.SideBuy, g.orderSize, 0, fmt.Sprintf("grid buy at %.2f", price))}, nil
	}
	if price >= g.upperBound && g.lastAction != actionSell {
		g.lastAction = actionSell
		qty := math.Min(g.orderSize, pos.Quantity)
		if qty <= 0 {
			return nil, nil
		}
		return []TradeIntent{g.intent(tick, common.SideSell, qty, 0, fmt.Sprintf("grid sell at %.2f", price))}, nil
	}
	return nil, nil
}
