package strategy

import (
	"encoding/json"
	"fmt"

	"roostoo-bot/internal/errs"
	"roostoo-bot/internal/indicators"
	"roostoo-bot/internal/market"
	"roostoo-bot/internal/state"
)

// MACrossStrategy implements a simple moving average crossover strategy.
// Generates BUY when fast MA crosses above slow MA (golden cross) and SELL
// when fast MA crosses below slow MA (death cross).
type MACrossStrategy struct {
	base
	fastPeriod int
	slowPeriod int
	size       float64

	fastMA float64
	slowMA float64
	prices *indicators.Window
	signal signalState
}

type maCrossParams struct {
	Fast int     `yaml:"fast"`
	Slow int     `yaml:"slow"`
	Size float64 `yaml:"size"`
}

func newMACross(cfg Config) (Strategy, error) {
	p := maCrossParams{Fast: 10, Slow: 30, Size: 0.001}
	if err := cfg.Decode(&p); err != nil {
		return nil, err
	}
	if p.Fast < 1 || p.Slow <= p.Fast {
		return nil, errs.Config("strategy %s: need 0 < fast < slow", cfg.ID)
	}
	if err := positive(cfg.ID, "size", p.Size); err != nil {
		return nil, err
	}
	return NewMACrossStrategy(cfg.ID, cfg.Symbol, p.Fast, p.Slow, p.Size), nil
}

// NewMACrossStrategy creates a new MA cross strategy.
func NewMACrossStrategy(id, symbol string, fastPeriod, slowPeriod int, size float64) *MACrossStrategy {
	return &MACrossStrategy{
		base:       base{id: id, symbol: symbol},
		fastPeriod: fastPeriod,
		slowPeriod: slowPeriod,
		size:       size,
		prices:     indicators.NewWindow(slowPeriod),
		signal:     signalState{prev: actionHold},
	}
}

func (s *MACrossStrategy) Name() string {
	return fmt.Sprintf("MA_Cross_%d_%d", s.fastPeriod, s.slowPeriod)
}

// MACrossState is the persisted state.
type MACrossState struct {
	PrevSignal string    `json:"prev_signal"`
	FastMA     float64   `json:"fast_ma"`
	SlowMA     float64   `json:"slow_ma"`
	Prices     []float64 `json:"prices"`
}

func (s *MACrossStrategy) GetState() (json.RawMessage, error) {
	return json.Marshal(MACrossState{
		PrevSignal: s.signal.prev,
		FastMA:     s.fastMA,
		SlowMA:     s.slowMA,
		Prices:     s.prices.Values(),
	})
}

func (s *MACrossStrategy) SetState(data json.RawMessage) error {
	var st MACrossState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	s.signal.prev = st.PrevSignal
	s.fastMA = st.FastMA
	s.slowMA = st.SlowMA
	s.prices.Reset(st.Prices)
	return nil
}

func (s *MACrossStrategy) OnTick(tick market.Tick, _ state.AccountSnapshot, pos state.Position) ([]TradeIntent, error) {
	if tick.Symbol != s.symbol || tick.Last <= 0 {
		return nil, nil
	}
	s.prices.Push(tick.Last)
	if !s.prices.Full() {
		return nil, nil
	}

	oldFast, oldSlow := s.fastMA, s.slowMA
	s.fastMA = indicators.SMA(s.prices.Values(), s.fastPeriod)
	s.slowMA = indicators.SMA(s.prices.Values(), s.slowPeriod)
	if oldSlow == 0 {
		return nil, nil // first full window, nothing to cross from
	}

	switch {
	case oldFast <= oldSlow && s.fastMA > s.slowMA:
		return s.signal.emit(s.base, tick, pos, actionBuy, s.size,
			fmt.Sprintf("golden cross: MA%d(%.2f) > MA%d(%.2f)", s.fastPeriod, s.fastMA, s.slowPeriod, s.slowMA)), nil
	case oldFast >= oldSlow && s.fastMA < s.slowMA:
		return s.signal.emit(s.base, tick, pos, actionSell, s.size,
			fmt.Sprintf("death cross: MA%d(%.2f) < MA%d(%.2f)", s.fastPeriod, s.fastMA, s.slowPeriod, s.slowMA)), nil
	}
	return nil, nil
}
