package engine

import (
	"context"
	"fmt"
	"time"

	"roostoo-bot/internal/balance"
	"roostoo-bot/internal/gateway"
	"roostoo-bot/internal/market"
	"roostoo-bot/internal/order"
	"roostoo-bot/internal/persistence"
	"roostoo-bot/internal/reconciliation"
	"roostoo-bot/internal/risk"
	"roostoo-bot/internal/state"
	"roostoo-bot/internal/strategy"
	"roostoo-bot/pkg/db"
)

// Impl implements the Service interface by composing the running modules.
type Impl struct {
	strategies *strategy.Engine
	risk       *risk.Manager
	balance    *balance.Manager
	orders     *order.Manager
	store      *state.Store
	gateway    *gateway.Gateway
	feed       *market.Feed
	reconciler *reconciliation.Service
	db         *db.Database
	writer     *persistence.BatchWriter
	quote      string

	// System metadata
	meta SystemStatus
}

// Config holds the configuration for creating an engine implementation.
type Config struct {
	Strategies *strategy.Engine
	Risk       *risk.Manager
	Balance    *balance.Manager
	Orders     *order.Manager
	Store      *state.Store
	Gateway    *gateway.Gateway
	Feed       *market.Feed
	Reconciler *reconciliation.Service
	DB         *db.Database             // optional
	Writer     *persistence.BatchWriter // optional
	Quote      string
	Meta       SystemStatus
}

var _ Service = (*Impl)(nil)

// NewImpl creates a new engine implementation.
func NewImpl(cfg Config) *Impl {
	return &Impl{
		strategies: cfg.Strategies,
		risk:       cfg.Risk,
		balance:    cfg.Balance,
		orders:     cfg.Orders,
		store:      cfg.Store,
		gateway:    cfg.Gateway,
		feed:       cfg.Feed,
		reconciler: cfg.Reconciler,
		db:         cfg.DB,
		writer:     cfg.Writer,
		quote:      cfg.Quote,
		meta:       cfg.Meta,
	}
}

// --- Strategy commands ---

func (e *Impl) EnableStrategy(ctx context.Context, id string) error {
	return e.strategies.Enable(id)
}

func (e *Impl) DisableStrategy(ctx context.Context, id string) error {
	return e.strategies.Disable(ctx, id)
}

// --- Strategy queries ---

func (e *Impl) ListStrategies(ctx context.Context) ([]strategy.Info, error) {
	return e.strategies.List(), nil
}

func (e *Impl) GetStrategy(ctx context.Context, id string) (strategy.Info, error) {
	return e.strategies.Get(id)
}

// --- Orders ---

func (e *Impl) ListOrders(ctx context.Context, openOnly bool) ([]order.Order, error) {
	if openOnly {
		return e.orders.Open(), nil
	}
	return e.orders.List(nil), nil
}

func (e *Impl) GetOrder(ctx context.Context, clientOrderID string) (order.Order, error) {
	o, ok := e.orders.Get(clientOrderID)
	if !ok {
		return order.Order{}, fmt.Errorf("%w: %s", order.ErrUnknownOrder, clientOrderID)
	}
	return o, nil
}

func (e *Impl) CancelOrder(ctx context.Context, clientOrderID string) error {
	return e.orders.Cancel(ctx, clientOrderID)
}

// --- Reconciliation ---

func (e *Impl) Reconcile(ctx context.Context) (*reconciliation.Report, error) {
	if e.reconciler == nil {
		return nil, fmt.Errorf("reconciliation not available")
	}
	return e.reconciler.Reconcile(ctx), nil
}

func (e *Impl) ResolveOrder(ctx context.Context, clientOrderID string) error {
	if e.reconciler == nil {
		return fmt.Errorf("reconciliation not available")
	}
	return e.reconciler.ResolveOrder(ctx, clientOrderID)
}

// ReconciliationEvents returns the newest journaled mismatches. Without a
// database there is nothing to show.
func (e *Impl) ReconciliationEvents(ctx context.Context, limit int) ([]db.ReconciliationEvent, error) {
	if e.db == nil {
		return []db.ReconciliationEvent{}, nil
	}
	return e.db.ListReconciliationEvents(ctx, limit)
}

// --- Portfolio ---

func (e *Impl) GetPositions(ctx context.Context) ([]Position, error) {
	prices := e.store.Prices()
	positions := e.store.Positions()
	out := make([]Position, 0, len(positions))
	for _, p := range positions {
		v := Position{
			Symbol:      p.Symbol,
			Quantity:    p.Quantity,
			AvgCost:     p.AvgCost,
			LastPrice:   prices[p.Symbol],
			RealizedPnL: p.RealizedPnL,
			UpdatedAt:   p.UpdatedAt,
		}
		if v.LastPrice > 0 && p.Quantity != 0 {
			v.UnrealizedPnL = (v.LastPrice - p.AvgCost) * p.Quantity
		}
		out = append(out, v)
	}
	return out, nil
}

func (e *Impl) GetBalance(ctx context.Context) (*BalanceInfo, error) {
	if e.balance == nil {
		return nil, fmt.Errorf("balance manager not available")
	}
	snap := e.store.Snapshot()
	q := snap.Balances[e.quote]
	return &BalanceInfo{
		Quote:    e.quote,
		Free:     q.Free,
		Locked:   q.Locked,
		Reserved: e.balance.Reserved(e.quote),
		Equity:   snap.Equity,
		Balances: snap.Balances,
		AsOf:     snap.Time,
	}, nil
}

func (e *Impl) GetRiskMetrics(ctx context.Context) (*RiskMetrics, error) {
	st := e.risk.Stats()
	m := &RiskMetrics{
		Approved: st.Approved,
		Rejected: st.Rejected,
		Reasons:  st.Reasons,
		Limits:   e.risk.Limits(),
	}
	if e.balance != nil {
		m.Deployed = e.balance.Reserved(e.quote)
	}
	if e.db != nil {
		approved, rejected, err := e.db.CountRiskDecisions(ctx)
		if err != nil {
			return nil, fmt.Errorf("count risk decisions: %w", err)
		}
		m.Lifetime = &VerdictTotals{Approved: approved, Rejected: rejected}
	}
	return m, nil
}

// --- System ---

func (e *Impl) GetSystemStatus(ctx context.Context) *SystemStatus {
	status := e.meta
	status.ServerTime = time.Now().UTC()
	status.OpenOrders = len(e.orders.Open())
	status.FlaggedOrders = len(e.orders.Flagged())
	status.QueueDepth = e.orders.QueueLen()
	if e.gateway != nil {
		status.Gateway = e.gateway.Health()
		cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if n, err := e.gateway.PendingCount(cctx); err == nil {
			status.PendingOrders = n
		} else {
			status.PendingOrders = -1
		}
		cancel()
	}
	if e.feed != nil {
		status.Feed = e.feed.Status()
	}
	if e.balance != nil {
		status.LastBalance = e.balance.LastSync()
	}
	if e.writer != nil {
		st := e.writer.Stats()
		status.Journal = &st
	}
	return &status
}
