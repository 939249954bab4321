package strategy

import (
	"encoding/json"
	"fmt"

	"roostoo-bot/internal/market"
	"roostoo-bot/internal/state"
	"roostoo-bot/pkg/exchanges/common"
)

// DipBuyStrategy buys a fixed size whenever the last price drops by at least
// the threshold relative to the previous tick.
type DipBuyStrategy struct {
	base
	size      float64
	threshold float64
	lastPrice float64
}

type dipBuyParams struct {
	Size      float64 `yaml:"size"`
	Threshold float64 `yaml:"threshold"`
}

func newDipBuy(cfg Config) (Strategy, error) {
	p := dipBuyParams{Size: 0.001, Threshold: 0.01}
	if err := cfg.Decode(&p); err != nil {
		return nil, err
	}
	if err := positive(cfg.ID, "size", p.Size); err != nil {
		return nil, err
	}
	if err := positive(cfg.ID, "threshold", p.Threshold); err != nil {
		return nil, err
	}
	return NewDipBuyStrategy(cfg.ID, cfg.Symbol, p.Size, p.Threshold), nil
}

// NewDipBuyStrategy creates a dip buyer. threshold is a fraction (0.01 = 1%).
func NewDipBuyStrategy(id, symbol string, size, threshold float64) *DipBuyStrategy {
	return &DipBuyStrategy{base: base{id: id, symbol: symbol}, size: size, threshold: threshold}
}

func (d *DipBuyStrategy) Name() string { return fmt.Sprintf("DipBuy_%.2f%%", d.threshold*100) }

// DipBuyState is the persisted state.
type DipBuyState struct {
	LastPrice float64 `json:"last_price"`
}

func (d *DipBuyStrategy) GetState() (json.RawMessage, error) {
	return json.Marshal(DipBuyState{LastPrice: d.lastPrice})
}

func (d *DipBuyStrategy) SetState(data json.RawMessage) error {
	var st DipBuyState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	d.lastPrice = st.LastPrice
	return nil
}

func (d *DipBuyStrategy) OnTick(tick market.Tick, _ state.AccountSnapshot, _ state.Position) ([]TradeIntent, error) {
	if tick.Symbol != d.symbol || tick.Last <= 0 {
		return nil, nil
	}
	prev := d.lastPrice
	d.lastPrice = tick.Last
	if prev == 0 {
		return nil, nil
	}

	change := (tick.Last - prev) / prev
	if change > -d.threshold {
		return nil, nil
	}
	return []TradeIntent{d.intent(tick, common.SideBuy, d.size, 0,
		fmt.Sprintf("dip %.2f%%: %s -> %s", change*100, common.FormatDecimal(prev), common.FormatDecimal(tick.Last)))}, nil
}
