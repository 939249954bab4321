package engine

import (
	"time"

	"roostoo-bot/internal/gateway"
	"roostoo-bot/internal/market"
	"roostoo-bot/internal/persistence"
	"roostoo-bot/internal/risk"
	"roostoo-bot/internal/state"
)

// Position is a position valued at the latest price.
type Position struct {
	Symbol        string    `json:"symbol"`
	Quantity      float64   `json:"quantity"`
	AvgCost       float64   `json:"avg_cost"`
	LastPrice     float64   `json:"last_price"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// BalanceInfo is the latest wallet snapshot plus local reservations.
type BalanceInfo struct {
	Quote    string                   `json:"quote"`
	Free     float64                  `json:"free"`
	Locked   float64                  `json:"locked"`
	Reserved float64                  `json:"reserved"`
	Equity   float64                  `json:"equity"`
	Balances map[string]state.Balance `json:"balances"`
	AsOf     time.Time                `json:"as_of"`
}

// RiskMetrics reports verdict counters and the active limits.
type RiskMetrics struct {
	Approved uint64            `json:"approved"`
	Rejected uint64            `json:"rejected"`
	Reasons  map[string]uint64 `json:"reasons"`
	Limits   risk.Config       `json:"limits"`
	Deployed float64           `json:"reserved_quote"`
	// Journaled verdicts across restarts; nil without a database.
	Lifetime *VerdictTotals `json:"lifetime,omitempty"`
}

// VerdictTotals counts journaled risk verdicts.
type VerdictTotals struct {
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
}

// SystemStatus represents the system runtime status.
type SystemStatus struct {
	Mode          string                    `json:"mode"`
	DryRun        bool                      `json:"dry_run"`
	Venue         string                    `json:"venue"`
	Symbols       []string                  `json:"symbols"`
	Version       string                    `json:"version"`
	ServerTime    time.Time                 `json:"server_time"`
	StartedAt     time.Time                 `json:"started_at"`
	PendingOrders int                       `json:"exchange_pending_orders"`
	OpenOrders    int                       `json:"open_orders"`
	FlaggedOrders int                       `json:"flagged_orders"`
	QueueDepth    int                       `json:"queue_depth"`
	Gateway       gateway.Health            `json:"gateway"`
	Feed          []market.InstrumentStatus `json:"feed"`
	LastBalance   time.Time                 `json:"last_balance_sync"`
	Journal       *persistence.WriterStats  `json:"journal,omitempty"`
}
