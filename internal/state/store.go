package state

import (
	"context"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"roostoo-bot/internal/events"
	"roostoo-bot/internal/market"
	"roostoo-bot/pkg/cache"
	"roostoo-bot/pkg/db"
)

const qtyEpsilon = 1e-9

// Store is the in-process view of balances, positions and open orders.
// Mutations hold the lock only for the in-memory update; persistence happens
// after it is released.
type Store struct {
	mu        sync.RWMutex
	snapshot  AccountSnapshot
	positions map[string]Position
	orders    map[string]trackedOrder
	prices    *cache.Sharded[market.Tick]

	db  *db.Database
	bus *events.Bus
	log *zap.Logger
}

type trackedOrder struct {
	order db.Order
	open  bool
}

// NewStore creates an empty store. database and bus may be nil.
func NewStore(database *db.Database, bus *events.Bus, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		snapshot:  AccountSnapshot{Balances: map[string]Balance{}},
		positions: make(map[string]Position),
		orders:    make(map[string]trackedOrder),
		prices:    cache.New[market.Tick](),
		db:        database,
		bus:       bus,
		log:       log.With(zap.String("component", "state")),
	}
}

// Load seeds positions from the database on startup.
func (s *Store) Load(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	rows, err := s.db.ListPositions(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range rows {
		s.positions[p.Symbol] = Position{
			Symbol:      p.Symbol,
			Quantity:    p.Qty,
			AvgCost:     p.AvgPrice,
			RealizedPnL: p.RealizedPnL,
			UpdatedAt:   p.UpdatedAt,
		}
	}
	return nil
}

// Snapshot returns a copy of the latest account snapshot.
func (s *Store) Snapshot() AccountSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.clone()
}

// SetSnapshot replaces the account snapshot unless it is older than the
// current one, and reports whether it did.
func (s *Store) SetSnapshot(snap AccountSnapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.snapshot.Time.IsZero() && snap.Time.Before(s.snapshot.Time) {
		return false
	}
	s.snapshot = snap.clone()
	return true
}

// Position returns the position for symbol (zero value when flat).
func (s *Store) Position(symbol string) Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[symbol]
	if !ok {
		return Position{Symbol: symbol}
	}
	return p
}

// Positions returns every non-empty position sorted by symbol.
func (s *Store) Positions() []Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// ApplyFill moves the position by a confirmed fill. Buys average into cost;
// sells realize PnL on the closed portion net of fee.
func (s *Store) ApplyFill(ctx context.Context, f Fill) Position {
	s.mu.Lock()
	p := s.applyFillLocked(f)
	s.mu.Unlock()

	s.persistFill(ctx, f, p)
	s.bus.Publish(events.EventPositionChange, p)
	return p
}

// Commit projects an order and applies its fill, if any, under one lock so
// readers never see the order closed without its fill in the position.
func (s *Store) Commit(ctx context.Context, o db.Order, open bool, f *Fill) {
	s.mu.Lock()
	s.projectLocked(o, open)
	var p Position
	if f != nil {
		p = s.applyFillLocked(*f)
	}
	s.mu.Unlock()

	if f != nil {
		s.persistFill(ctx, *f, p)
		s.bus.Publish(events.EventPositionChange, p)
	}
}

func (s *Store) applyFillLocked(f Fill) Position {
	p := s.positions[f.Symbol]
	p.Symbol = f.Symbol
	switch f.Side {
	case "BUY":
		newQty := p.Quantity + f.Qty
		if newQty > qtyEpsilon {
			p.AvgCost = (p.AvgCost*math.Max(p.Quantity, 0) + f.Price*f.Qty) / newQty
		}
		p.Quantity = newQty
		p.RealizedPnL -= f.Fee
	case "SELL":
		closed := math.Min(math.Max(p.Quantity, 0), f.Qty)
		p.RealizedPnL += (f.Price-p.AvgCost)*closed - f.Fee
		p.Quantity -= f.Qty
	}
	if math.Abs(p.Quantity) < qtyEpsilon {
		p.Quantity = 0
		p.AvgCost = 0
	}
	if !f.Time.IsZero() {
		p.UpdatedAt = f.Time
	}
	s.positions[f.Symbol] = p
	return p
}

// ResetPosition overwrites a position with exchange truth. The new value is
// the baseline for subsequent fills.
func (s *Store) ResetPosition(ctx context.Context, symbol string, qty, avgCost float64) Position {
	s.mu.Lock()
	p := s.positions[symbol]
	p.Symbol = symbol
	p.Quantity = qty
	switch {
	case math.Abs(qty) < qtyEpsilon:
		p.Quantity = 0
		p.AvgCost = 0
	case avgCost > 0:
		p.AvgCost = avgCost
	}
	s.positions[symbol] = p
	s.mu.Unlock()

	if s.db != nil {
		if err := s.db.UpsertPosition(ctx, toDBPosition(p)); err != nil {
			s.log.Error("persist position", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	s.bus.Publish(events.EventPositionChange, p)
	return p
}

func (s *Store) persistFill(ctx context.Context, f Fill, p Position) {
	if s.db == nil {
		return
	}
	if f.ID != "" {
		if err := s.db.CreateFill(ctx, db.Fill{
			ID:            f.ID,
			ClientOrderID: f.ClientOrderID,
			Symbol:        f.Symbol,
			Side:          f.Side,
			Price:         f.Price,
			Qty:           f.Qty,
			Fee:           f.Fee,
			CreatedAt:     f.Time,
		}); err != nil {
			s.log.Error("persist fill", zap.String("order", f.ClientOrderID), zap.Error(err))
		}
	}
	if err := s.db.UpsertPosition(ctx, toDBPosition(p)); err != nil {
		s.log.Error("persist position", zap.String("symbol", p.Symbol), zap.Error(err))
	}
}

func toDBPosition(p Position) db.Position {
	return db.Position{
		Symbol:      p.Symbol,
		Qty:         p.Quantity,
		AvgPrice:    p.AvgCost,
		RealizedPnL: p.RealizedPnL,
		UpdatedAt:   p.UpdatedAt,
	}
}

// ProjectOrder records the read-only view of an order. Versions older than
// the stored one are ignored.
func (s *Store) ProjectOrder(o db.Order, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projectLocked(o, open)
}

func (s *Store) projectLocked(o db.Order, open bool) {
	if cur, ok := s.orders[o.ClientOrderID]; ok && cur.order.Version > o.Version {
		return
	}
	s.orders[o.ClientOrderID] = trackedOrder{order: o, open: open}
}

// Order returns the projection of one order.
func (s *Store) Order(clientOrderID string) (db.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.orders[clientOrderID]
	return t.order, ok
}

// Orders returns projected orders, oldest first. With openOnly it skips
// terminal ones.
func (s *Store) Orders(openOnly bool) []db.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]db.Order, 0, len(s.orders))
	for _, t := range s.orders {
		if openOnly && !t.open {
			continue
		}
		out = append(out, t.order)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ClientOrderID < out[j].ClientOrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// PendingQty returns the signed unfilled quantity of open orders on symbol.
func (s *Store) PendingQty(symbol string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingLocked(symbol)
}

// Exposure returns the position quantity and the signed pending quantity on
// symbol read together.
func (s *Store) Exposure(symbol string) (position, pending float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positions[symbol].Quantity, s.pendingLocked(symbol)
}

func (s *Store) pendingLocked(symbol string) float64 {
	var q float64
	for _, t := range s.orders {
		if !t.open || t.order.Symbol != symbol {
			continue
		}
		rem := t.order.Qty - t.order.FilledQty
		if t.order.Side == "SELL" {
			rem = -rem
		}
		q += rem
	}
	return q
}

// UpdatePrice caches the latest tick for symbol.
func (s *Store) UpdatePrice(t market.Tick) {
	s.prices.Set(t.Symbol, t)
}

// LastTick returns the latest cached tick for symbol.
func (s *Store) LastTick(symbol string) (market.Tick, bool) {
	return s.prices.Get(symbol)
}

// Prices returns the last price of every cached symbol.
func (s *Store) Prices() map[string]float64 {
	out := make(map[string]float64)
	for sym, t := range s.prices.GetAll() {
		out[sym] = t.Last
	}
	return out
}
