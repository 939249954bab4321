// Package engine wires the trading components into one supervised process
// and exposes them to the operator API through Service.
package engine

import (
	"context"

	"roostoo-bot/internal/order"
	"roostoo-bot/internal/reconciliation"
	"roostoo-bot/internal/strategy"
	"roostoo-bot/pkg/db"
)

// Service defines the operations the API layer may perform.
// The API layer should only interact with the engine through this interface.
type Service interface {
	// Strategy commands
	EnableStrategy(ctx context.Context, id string) error
	DisableStrategy(ctx context.Context, id string) error

	// Strategy queries
	ListStrategies(ctx context.Context) ([]strategy.Info, error)
	GetStrategy(ctx context.Context, id string) (strategy.Info, error)

	// Orders
	ListOrders(ctx context.Context, openOnly bool) ([]order.Order, error)
	GetOrder(ctx context.Context, clientOrderID string) (order.Order, error)
	CancelOrder(ctx context.Context, clientOrderID string) error

	// Reconciliation
	Reconcile(ctx context.Context) (*reconciliation.Report, error)
	ResolveOrder(ctx context.Context, clientOrderID string) error
	ReconciliationEvents(ctx context.Context, limit int) ([]db.ReconciliationEvent, error)

	// Portfolio
	GetPositions(ctx context.Context) ([]Position, error)
	GetBalance(ctx context.Context) (*BalanceInfo, error)
	GetRiskMetrics(ctx context.Context) (*RiskMetrics, error)

	// System
	GetSystemStatus(ctx context.Context) *SystemStatus
}
