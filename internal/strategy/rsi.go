package strategy

import (
	"encoding/json"
	"fmt"

	"roostoo-bot/internal/errs"
	"roostoo-bot/internal/indicators"
	"roostoo-bot/internal/market"
	"roostoo-bot/internal/state"
)

// RSIStrategy buys when RSI falls under the oversold threshold and sells when
// it rises over the overbought one.
type RSIStrategy struct {
	base
	period     int
	oversold   float64
	overbought float64
	size       float64

	prices *indicators.Window
	rsi    float64
	signal signalState
}

type rsiParams struct {
	Period     int     `yaml:"period"`
	Oversold   float64 `yaml:"oversold"`
	Overbought float64 `yaml:"overbought"`
	Size       float64 `yaml:"size"`
}

func newRSI(cfg Config) (Strategy, error) {
	p := rsiParams{Period: 14, Oversold: 30, Overbought: 70, Size: 0.001}
	if err := cfg.Decode(&p); err != nil {
		return nil, err
	}
	if p.Period < 2 {
		return nil, errs.Config("strategy %s: period must be >= 2", cfg.ID)
	}
	if p.Oversold <= 0 || p.Overbought >= 100 || p.Oversold >= p.Overbought {
		return nil, errs.Config("strategy %s: need 0 < oversold < overbought < 100", cfg.ID)
	}
	if err := positive(cfg.ID, "size", p.Size); err != nil {
		return nil, err
	}
	return NewRSIStrategy(cfg.ID, cfg.Symbol, p.Period, p.Oversold, p.Overbought, p.Size), nil
}

// NewRSIStrategy creates a new RSI strategy.
func NewRSIStrategy(id, symbol string, period int, oversold, overbought, size float64) *RSIStrategy {
	return &RSIStrategy{
		base:       base{id: id, symbol: symbol},
		period:     period,
		oversold:   oversold,
		overbought: overbought,
		size:       size,
		prices:     indicators.NewWindow(period + 1),
		signal:     signalState{prev: actionHold},
	}
}

func (s *RSIStrategy) Name() string {
	return fmt.Sprintf("RSI_%d", s.period)
}

// RSIState is the persisted state.
type RSIState struct {
	PrevSignal string    `json:"prev_signal"`
	RSI        float64   `json:"rsi"`
	Prices     []float64 `json:"prices"`
}

func (s *RSIStrategy) GetState() (json.RawMessage, error) {
	return json.Marshal(RSIState{PrevSignal: s.signal.prev, RSI: s.rsi, Prices: s.prices.Values()})
}

func (s *RSIStrategy) SetState(data json.RawMessage) error {
	var st RSIState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	s.signal.prev = st.PrevSignal
	s.rsi = st.RSI
	s.prices.Reset(st.Prices)
	return nil
}

func (s *RSIStrategy) OnTick(tick market.Tick, _ state.AccountSnapshot, pos state.Position) ([]TradeIntent, error) {
	if tick.Symbol != s.symbol || tick.Last <= 0 {
		return nil, nil
	}
	s.prices.Push(tick.Last)
	if !s.prices.Full() {
		return nil, nil
	}
	rsi, ok := indicators.RSI(s.prices.Values(), s.period)
	if !ok {
		return nil, nil
	}
	s.rsi = rsi

	action := actionHold
	switch {
	case s.rsi < s.oversold:
		action = actionBuy
	case s.rsi > s.overbought:
		action = actionSell
	}
	return s.signal.emit(s.base, tick, pos, action, s.size, fmt.Sprintf("RSI(%d)=%.2f", s.period, s.rsi)), nil
}
