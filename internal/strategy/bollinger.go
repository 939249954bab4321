package strategy

import (
	"encoding/json"
	"fmt"

	"roostoo-bot/internal/errs"
	"roostoo-bot/internal/indicators"
	"roostoo-bot/internal/market"
	"roostoo-bot/internal/state"
)

// BollingerStrategy buys when price touches the lower band and sells when it
// touches the upper band.
type BollingerStrategy struct {
	base
	period    int
	numStdDev float64
	size      float64

	prices     *indicators.Window
	middleBand float64
	upperBand  float64
	lowerBand  float64
	signal     signalState
}

type bollingerParams struct {
	Period int     `yaml:"period"`
	StdDev float64 `yaml:"std_dev"`
	Size   float64 `yaml:"size"`
}

func newBollinger(cfg Config) (Strategy, error) {
	p := bollingerParams{Period: 20, StdDev: 2, Size: 0.001}
	if err := cfg.Decode(&p); err != nil {
		return nil, err
	}
	if p.Period < 2 {
		return nil, errs.Config("strategy %s: period must be >= 2", cfg.ID)
	}
	if err := positive(cfg.ID, "std_dev", p.StdDev); err != nil {
		return nil, err
	}
	if err := positive(cfg.ID, "size", p.Size); err != nil {
		return nil, err
	}
	return NewBollingerStrategy(cfg.ID, cfg.Symbol, p.Period, p.StdDev, p.Size), nil
}

// NewBollingerStrategy creates a new Bollinger Bands strategy.
func NewBollingerStrategy(id, symbol string, period int, numStdDev, size float64) *BollingerStrategy {
	return &BollingerStrategy{
		base:      base{id: id, symbol: symbol},
		period:    period,
		numStdDev: numStdDev,
		size:      size,
		prices:    indicators.NewWindow(period),
		signal:    signalState{prev: actionHold},
	}
}

func (s *BollingerStrategy) Name() string {
	return fmt.Sprintf("Bollinger_%d_%.1f", s.period, s.numStdDev)
}

// BollingerState is the persisted state.
type BollingerState struct {
	PrevSignal string    `json:"prev_signal"`
	MiddleBand float64   `json:"middle_band"`
	UpperBand  float64   `json:"upper_band"`
	LowerBand  float64   `json:"lower_band"`
	Prices     []float64 `json:"prices"`
}

func (s *BollingerStrategy) GetState() (json.RawMessage, error) {
	return json.Marshal(BollingerState{
		PrevSignal: s.signal.prev,
		MiddleBand: s.middleBand,
		UpperBand:  s.upperBand,
		LowerBand:  s.lowerBand,
		Prices:     s.prices.Values(),
	})
}

func (s *BollingerStrategy) SetState(data json.RawMessage) error {
	var st BollingerState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	s.signal.prev = st.PrevSignal
	s.middleBand = st.MiddleBand
	s.upperBand = st.UpperBand
	s.lowerBand = st.LowerBand
	s.prices.Reset(st.Prices)
	return nil
}

func (s *BollingerStrategy) OnTick(tick market.Tick, _ state.AccountSnapshot, pos state.Position) ([]TradeIntent, error) {
	if tick.Symbol != s.symbol || tick.Last <= 0 {
		return nil, nil
	}
	s.prices.Push(tick.Last)
	lower, middle, upper, ok := indicators.Bands(s.prices.Values(), s.period, s.numStdDev)
	if !ok {
		return nil, nil
	}
	s.lowerBand, s.middleBand, s.upperBand = lower, middle, upper

	price := tick.Last
	switch {
	case price <= s.lowerBand:
		return s.signal.emit(s.base, tick, pos, actionBuy, s.size,
			fmt.Sprintf("BB lower breakout: price %.2f <= lower %.2f", price, s.lowerBand)), nil
	case price >= s.upperBand:
		return s.signal.emit(s.base, tick, pos, actionSell, s.size,
			fmt.Sprintf("BB upper breakout: price %.2f >= upper %.2f", price, s.upperBand)), nil
	}
	s.signal.prev = actionHold
	return nil, nil
}
