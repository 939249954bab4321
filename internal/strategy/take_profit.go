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

const minQty = 1e-9

// TakeProfitStrategy manages an existing long position. Each profit level is
// a multiple of the entry cost; when price reaches a level a LIMIT sell for
// that level's share of the entry quantity is emitted at the level price.
// When price falls to the stop level of the next unfilled rung, the rest of
// the position is sold at market.
//
// The entry is whatever position exists when the instance first sees one;
// it resets when the position goes flat.
type TakeProfitStrategy struct {
	base
	levels []float64 // multiples of entry cost, ascending
	ratios []float64 // share of entry qty per level
	stops  []float64 // stop multiple per rung

	entryCost float64
	entryQty  float64
	hit       []bool
	exited    bool
}

type takeProfitParams struct {
	Levels   []float64 `yaml:"levels"`
	Ratios   []float64 `yaml:"ratios"`
	StopLoss []float64 `yaml:"stop_loss"`
}

func newTakeProfit(cfg Config) (Strategy, error) {
	p := takeProfitParams{
		Levels:   []float64{1.02, 1.04, 1.06},
		Ratios:   []float64{0.5, 0.25, 0.25},
		StopLoss: []float64{0.97, 1.0, 1.02},
	}
	if err := cfg.Decode(&p); err != nil {
		return nil, err
	}
	if len(p.Levels) == 0 || len(p.Levels) != len(p.Ratios) || len(p.Levels) != len(p.StopLoss) {
		return nil, errs.Config("strategy %s: levels, ratios and stop_loss need the same non-zero length", cfg.ID)
	}
	sum := 0.0
	for i, l := range p.Levels {
		if l <= 1 || (i > 0 && l <= p.Levels[i-1]) {
			return nil, errs.Config("strategy %s: levels must be ascending multiples above 1", cfg.ID)
		}
		if p.Ratios[i] <= 0 || p.StopLoss[i] <= 0 || p.StopLoss[i] >= l {
			return nil, errs.Config("strategy %s: rung %d needs ratio > 0 and 0 < stop < level", cfg.ID, i)
		}
		sum += p.Ratios[i]
	}
	if sum > 1+1e-9 {
		return nil, errs.Config("strategy %s: ratios sum to %.4f, above 1", cfg.ID, sum)
	}
	return NewTakeProfitStrategy(cfg.ID, cfg.Symbol, p.Levels, p.Ratios, p.StopLoss), nil
}

// NewTakeProfitStrategy creates a ladder. The slices must have equal length.
func NewTakeProfitStrategy(id, symbol string, levels, ratios, stops []float64) *TakeProfitStrategy {
	return &TakeProfitStrategy{
		base:   base{id: id, symbol: symbol},
		levels: levels,
		ratios: ratios,
		stops:  stops,
		hit:    make([]bool, len(levels)),
	}
}

func (s *TakeProfitStrategy) Name() string { return fmt.Sprintf("TakeProfit_%d", len(s.levels)) }

// TakeProfitState is the persisted state.
type TakeProfitState struct {
	EntryCost float64 `json:"entry_cost"`
	EntryQty  float64 `json:"entry_qty"`
	Hit       []bool  `json:"hit"`
	Exited    bool    `json:"exited"`
}

func (s *TakeProfitStrategy) GetState() (json.RawMessage, error) {
	return json.Marshal(TakeProfitState{EntryCost: s.entryCost, EntryQty: s.entryQty, Hit: s.hit, Exited: s.exited})
}

func (s *TakeProfitStrategy) SetState(data json.RawMessage) error {
	var st TakeProfitState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	if len(st.Hit) != len(s.levels) {
		return fmt.Errorf("state has %d rungs, strategy has %d", len(st.Hit), len(s.levels))
	}
	s.entryCost, s.entryQty, s.hit, s.exited = st.EntryCost, st.EntryQty, st.Hit, st.Exited
	return nil
}

func (s *TakeProfitStrategy) reset() {
	s.entryCost, s.entryQty, s.exited = 0, 0, false
	for i := range s.hit {
		s.hit[i] = false
	}
}

func (s *TakeProfitStrategy) OnTick(tick market.Tick, _ state.AccountSnapshot, pos state.Position) ([]TradeIntent, error) {
	if tick.Symbol != s.symbol || tick.Last <= 0 {
		return nil, nil
	}
	if pos.Quantity < minQty {
		s.reset()
		return nil, nil
	}
	if s.entryQty == 0 {
		if pos.AvgCost <= 0 {
			return nil, nil
		}
		s.entryCost, s.entryQty = pos.AvgCost, pos.Quantity
	}
	if s.exited {
		return nil, nil
	}

	next := -1
	for i, h := range s.hit {
		if !h {
			next = i
			break
		}
	}
	if next < 0 {
		return nil, nil
	}

	if stop := s.entryCost * s.stops[next]; tick.Last <= stop {
		s.exited = true
		return []TradeIntent{s.intent(tick, common.SideSell, pos.Quantity, 0,
			fmt.Sprintf("stop loss: %.2f <= %.2f on rung %d", tick.Last, stop, next+1))}, nil
	}

	var out []TradeIntent
	remaining := pos.Quantity
	for i := next; i < len(s.levels); i++ {
		target := s.entryCost * s.levels[i]
		if tick.Last < target {
			break
		}
		qty := math.Min(s.entryQty*s.ratios[i], remaining)
		s.hit[i] = true
		if qty < minQty {
			continue
		}
		remaining -= qty
		out = append(out, s.intent(tick, common.SideSell, qty, target,
			fmt.Sprintf("take profit rung %d at %.2f (x%.3f)", i+1, target, s.levels[i])))
	}
	return out, nil
}
