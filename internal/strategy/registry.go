package strategy

import (
	"fmt"
	"sort"
	"sync"

	"roostoo-bot/internal/errs"
)

// Factory builds a strategy instance from its config entry.
type Factory func(cfg Config) (Strategy, error)

// Registry maps strategy type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in strategy types.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("dip_buy", newDipBuy)
	r.Register("ma_cross", newMACross)
	r.Register("rsi", newRSI)
	r.Register("bollinger", newBollinger)
	r.Register("grid", newGrid)
	r.Register("take_profit", newTakeProfit)
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Types lists the registered type names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Build creates an instance for cfg. Unknown types and bad parameters are
// config errors.
func (r *Registry) Build(cfg Config) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.Config("strategy %s: unknown type %q", cfg.ID, cfg.Type)
	}
	s, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("build strategy %s: %w", cfg.ID, err)
	}
	return s, nil
}

// BuildAll builds every entry in order, failing on the first error.
func (r *Registry) BuildAll(cfgs []Config) ([]Strategy, error) {
	out := make([]Strategy, 0, len(cfgs))
	for _, c := range cfgs {
		s, err := r.Build(c)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func positive(id, name string, v float64) error {
	if v <= 0 {
		return errs.Config("strategy %s: %s must be > 0", id, name)
	}
	return nil
}
