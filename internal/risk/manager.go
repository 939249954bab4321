package risk

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"roostoo-bot/internal/events"
	"roostoo-bot/internal/market"
	"roostoo-bot/internal/monitor"
	"roostoo-bot/internal/order"
	"roostoo-bot/internal/persistence"
	"roostoo-bot/internal/state"
	"roostoo-bot/internal/strategy"
	"roostoo-bot/pkg/db"
	"roostoo-bot/pkg/exchanges/common"
)

const qtyEpsilon = 1e-9

// Capital is the reservation book approved orders draw on.
type Capital interface {
	Reserve(clientOrderID, asset string, amount float64) error
	Reserved(asset string) float64
}

// Book is the read side of the state store risk needs beyond the snapshot
// and position passed to Evaluate.
type Book interface {
	Exposure(symbol string) (position, pending float64)
	Positions() []state.Position
	LastTick(symbol string) (market.Tick, bool)
}

// Pairs supplies exchange trading rules when known.
type Pairs interface {
	Pair(symbol string) (common.PairInfo, bool)
}

// Manager validates intents. Evaluate calls are serialized so the checks and
// the capital reservation of one intent are atomic with respect to the next.
type Manager struct {
	cfg     Config
	allowed map[string]struct{}
	capital Capital
	book    Book
	pairs   Pairs
	ids     order.IDGenerator
	journal *persistence.Journal
	bus     *events.Bus
	metrics *monitor.SystemMetrics
	log     *zap.Logger

	mu       sync.Mutex
	approved uint64
	rejected uint64
	reasons  map[string]uint64
}

// NewManager creates a risk manager. pairs, journal, bus and metrics may be
// nil.
func NewManager(cfg Config, capital Capital, book Book, pairs Pairs, ids order.IDGenerator,
	journal *persistence.Journal, bus *events.Bus, metrics *monitor.SystemMetrics, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if ids == nil {
		ids = order.UUIDs{}
	}
	allowed := make(map[string]struct{}, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		allowed[s] = struct{}{}
	}
	return &Manager{
		cfg:     cfg,
		allowed: allowed,
		capital: capital,
		book:    book,
		pairs:   pairs,
		ids:     ids,
		journal: journal,
		bus:     bus,
		metrics: metrics,
		log:     log.With(zap.String("component", "risk")),
		reasons: make(map[string]uint64),
	}
}

// Evaluate runs the checks in order and stops at the first failure. An
// approval creates the Pending order and reserves its capital.
func (m *Manager) Evaluate(in strategy.TradeIntent, snap state.AccountSnapshot, pos state.Position) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	dec := m.evaluate(in, snap, pos)
	m.record(in, dec)
	return dec
}

func (m *Manager) evaluate(in strategy.TradeIntent, snap state.AccountSnapshot, pos state.Position) Decision {
	if (in.Side != common.SideBuy && in.Side != common.SideSell) || !(in.Quantity > 0) || in.LimitPrice < 0 {
		return reject(ReasonInvalidIntent)
	}

	// 1. allow-list
	if _, ok := m.allowed[in.Symbol]; !ok {
		return reject(ReasonNotAllowed)
	}

	price := m.estimatePrice(in)

	// 2. per-order bounds
	if in.Quantity < m.cfg.MinOrderQty {
		return reject(ReasonBelowMinimum)
	}
	if m.cfg.MaxOrderQty > 0 && in.Quantity > m.cfg.MaxOrderQty {
		return reject(ReasonAboveMaximum)
	}
	if m.pairs != nil && price > 0 {
		if p, ok := m.pairs.Pair(in.Symbol); ok && p.MinNotional > 0 && in.Quantity*price < p.MinNotional {
			return reject(ReasonBelowMinimum)
		}
	}

	// 3. exposure including what is already in flight. The book's position
	// and pending quantity are read together; the caller's position may
	// predate a fill that has since closed an order.
	if limit, ok := m.cfg.MaxPosition[in.Symbol]; ok {
		held, pending := m.book.Exposure(in.Symbol)
		delta := pending + in.Side.Sign()*in.Quantity
		projected := math.Max(math.Abs(pos.Quantity+delta), math.Abs(held+delta))
		if projected > limit+qtyEpsilon {
			return reject(ReasonMaxExposure)
		}
	}

	// 4. capital
	base, quote := common.SplitSymbol(in.Symbol)
	if quote == "" {
		quote = m.cfg.Quote
	}
	var asset string
	var amount float64
	switch in.Side {
	case common.SideBuy:
		if price <= 0 {
			return reject(ReasonNoPrice)
		}
		amount = in.Quantity * price * (1 + m.cfg.FeeBuffer)
		available := snap.Free(quote) - m.capital.Reserved(quote)
		headroom := m.cfg.MaxCapitalAtRisk - m.deployed(quote)
		if amount > math.Min(available, headroom)+qtyEpsilon {
			return reject(ReasonInsufficient)
		}
		asset = quote
	case common.SideSell:
		amount = in.Quantity
		if amount > snap.Free(base)-m.capital.Reserved(base)+qtyEpsilon {
			return reject(ReasonInsufficient)
		}
		asset = base
	}

	created := in.Time
	if created.IsZero() {
		created = time.Now()
	}
	o := order.New(m.ids.NewID(), in.StrategyID, in.Symbol, in.Side, in.Quantity, in.LimitPrice, created)
	if err := m.capital.Reserve(o.ClientOrderID, asset, amount); err != nil {
		m.log.Error("capital reservation failed", zap.String("client_order_id", o.ClientOrderID), zap.Error(err))
		return reject(ReasonInsufficient)
	}
	return Decision{Approved: true, Order: o}
}

// estimatePrice is the limit price, else the latest ask, else the last price.
func (m *Manager) estimatePrice(in strategy.TradeIntent) float64 {
	if in.LimitPrice > 0 {
		return in.LimitPrice
	}
	t, ok := m.book.LastTick(in.Symbol)
	if !ok {
		return 0
	}
	if in.Side == common.SideBuy && t.Ask > 0 {
		return t.Ask
	}
	if in.Side == common.SideSell && t.Bid > 0 {
		return t.Bid
	}
	return t.Last
}

// deployed is the cost basis of long positions quoted in quote plus capital
// already reserved by in-flight buys.
func (m *Manager) deployed(quote string) float64 {
	var sum float64
	for _, p := range m.book.Positions() {
		if _, q := common.SplitSymbol(p.Symbol); q != quote || p.Quantity <= 0 {
			continue
		}
		sum += p.Quantity * p.AvgCost
	}
	return sum + m.capital.Reserved(quote)
}

func reject(reason string) Decision {
	return Decision{Reason: reason}
}

func (m *Manager) record(in strategy.TradeIntent, dec Decision) {
	v := Verdict{Intent: in, Approved: dec.Approved, Reason: dec.Reason, Time: in.Time}
	fields := []zap.Field{
		zap.String("strategy", in.StrategyID),
		zap.String("symbol", in.Symbol),
		zap.String("side", string(in.Side)),
		zap.Float64("qty", in.Quantity),
		zap.Float64("limit", in.LimitPrice),
	}
	if dec.Approved {
		v.ClientOrderID = dec.Order.ClientOrderID
		m.approved++
		if m.metrics != nil {
			m.metrics.IncRiskApproved()
		}
		m.log.Info("intent approved", append(fields, zap.String("client_order_id", v.ClientOrderID))...)
		m.bus.Publish(events.EventRiskApproved, v)
	} else {
		m.rejected++
		m.reasons[dec.Reason]++
		if m.metrics != nil {
			m.metrics.IncRiskRejected()
		}
		m.log.Warn("intent rejected", append(fields, zap.Error(dec.Err()))...)
		m.bus.Publish(events.EventRiskRejected, v)
	}
	m.journal.RiskDecision(db.RiskDecision{
		StrategyID:    in.StrategyID,
		Symbol:        in.Symbol,
		Side:          string(in.Side),
		Qty:           in.Quantity,
		Approved:      dec.Approved,
		Reason:        dec.Reason,
		ClientOrderID: v.ClientOrderID,
		CreatedAt:     in.Time,
	})
}

// Stats counts verdicts since start.
type Stats struct {
	Approved uint64            `json:"approved"`
	Rejected uint64            `json:"rejected"`
	Reasons  map[string]uint64 `json:"reasons"`
}

// Stats returns verdict counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	reasons := make(map[string]uint64, len(m.reasons))
	for k, v := range m.reasons {
		reasons[k] = v
	}
	return Stats{Approved: m.approved, Rejected: m.rejected, Reasons: reasons}
}

// Limits returns the configured limits.
func (m *Manager) Limits() Config { return m.cfg }
