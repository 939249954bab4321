package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// Order is the persisted form of an order and its lifecycle state.
type Order struct {
	ClientOrderID   string
	ExchangeOrderID string
	StrategyID      string
	Symbol          string
	Side            string
	Type            string
	Price           float64
	Qty             float64
	FilledQty       float64
	AvgFillPrice    float64
	State           string
	NeedsReconcile  bool
	Resolution      string
	Reason          string
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Fill is a confirmed execution.
type Fill struct {
	ID            string
	ClientOrderID string
	Symbol        string
	Side          string
	Price         float64
	Qty           float64
	Fee           float64
	CreatedAt     time.Time
}

// Position tracks net position per symbol.
type Position struct {
	Symbol      string
	Qty         float64
	AvgPrice    float64
	RealizedPnL float64
	UpdatedAt   time.Time
}

// RiskDecision is an audit row for one intent verdict.
type RiskDecision struct {
	StrategyID    string
	Symbol        string
	Side          string
	Qty           float64
	Approved      bool
	Reason        string
	ClientOrderID string
	CreatedAt     time.Time
}

// ReconciliationEvent records a disagreement between local and exchange state.
type ReconciliationEvent struct {
	Kind          string    `json:"kind"`
	Subject       string    `json:"subject"`
	LocalValue    string    `json:"local_value"`
	ExchangeValue string    `json:"exchange_value"`
	CreatedAt     time.Time `json:"created_at"`
}

func ms(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().UnixMilli()
	}
	return t.UnixMilli()
}

// UpsertOrder inserts or replaces the order row. Rows carrying an older
// version than the stored one are ignored.
func (d *Database) UpsertOrder(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (
			client_order_id, exchange_order_id, strategy_id, symbol, side, type, price, qty,
			filled_qty, avg_fill_price, state, needs_reconcile, resolution, reason, version,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_order_id) DO UPDATE SET
			exchange_order_id = excluded.exchange_order_id,
			price = excluded.price,
			filled_qty = excluded.filled_qty,
			avg_fill_price = excluded.avg_fill_price,
			state = excluded.state,
			needs_reconcile = excluded.needs_reconcile,
			resolution = excluded.resolution,
			reason = excluded.reason,
			version = excluded.version,
			updated_at = excluded.updated_at
		WHERE excluded.version >= orders.version
	`,
		o.ClientOrderID, o.ExchangeOrderID, o.StrategyID, o.Symbol, o.Side, o.Type, o.Price, o.Qty,
		o.FilledQty, o.AvgFillPrice, o.State, o.NeedsReconcile, o.Resolution, o.Reason, o.Version,
		ms(o.CreatedAt), ms(o.UpdatedAt),
	)
	return err
}

const orderColumns = `client_order_id, exchange_order_id, strategy_id, symbol, side, type, price, qty,
	filled_qty, avg_fill_price, state, needs_reconcile, resolution, reason, version, created_at, updated_at`

func scanOrder(s interface{ Scan(...any) error }) (Order, error) {
	var (
		o                Order
		created, updated int64
	)
	err := s.Scan(&o.ClientOrderID, &o.ExchangeOrderID, &o.StrategyID, &o.Symbol, &o.Side, &o.Type,
		&o.Price, &o.Qty, &o.FilledQty, &o.AvgFillPrice, &o.State, &o.NeedsReconcile, &o.Resolution,
		&o.Reason, &o.Version, &created, &updated)
	if err != nil {
		return Order{}, err
	}
	o.CreatedAt = time.UnixMilli(created)
	o.UpdatedAt = time.UnixMilli(updated)
	return o, nil
}

// GetOrder returns one order by client order id.
func (d *Database) GetOrder(ctx context.Context, clientOrderID string) (Order, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE client_order_id = ?`, clientOrderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	return o, err
}

// ListOrdersByState returns orders in any of the given states, oldest first.
// With no states it returns every order.
func (d *Database) ListOrdersByState(ctx context.Context, states ...string) ([]Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders`
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		query += ` WHERE state IN (?` + strings.Repeat(",?", len(states)-1) + `)`
		for _, s := range states {
			args = append(args, s)
		}
	}
	query += ` ORDER BY created_at ASC`
	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// ListReconcileFlagged returns orders flagged for reconciliation.
func (d *Database) ListReconcileFlagged(ctx context.Context) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE needs_reconcile = 1 ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// CreateFill inserts a fill row.
func (d *Database) CreateFill(ctx context.Context, f Fill) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO fills (id, client_order_id, symbol, side, price, qty, fee, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.ClientOrderID, f.Symbol, f.Side, f.Price, f.Qty, f.Fee, ms(f.CreatedAt))
	return err
}

// ListFills returns the fills for an order, oldest first.
func (d *Database) ListFills(ctx context.Context, clientOrderID string) ([]Fill, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, client_order_id, symbol, side, price, qty, fee, created_at
		FROM fills WHERE client_order_id = ? ORDER BY created_at ASC`, clientOrderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Fill
	for rows.Next() {
		var (
			f  Fill
			ts int64
		)
		if err := rows.Scan(&f.ID, &f.ClientOrderID, &f.Symbol, &f.Side, &f.Price, &f.Qty, &f.Fee, &ts); err != nil {
			return nil, err
		}
		f.CreatedAt = time.UnixMilli(ts)
		res = append(res, f)
	}
	return res, rows.Err()
}

// UpsertPosition stores the latest position for a symbol.
func (d *Database) UpsertPosition(ctx context.Context, p Position) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO positions (symbol, qty, avg_price, realized_pnl, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			qty = excluded.qty,
			avg_price = excluded.avg_price,
			realized_pnl = excluded.realized_pnl,
			updated_at = excluded.updated_at
	`, p.Symbol, p.Qty, p.AvgPrice, p.RealizedPnL, ms(p.UpdatedAt))
	return err
}

// ListPositions returns all current positions.
func (d *Database) ListPositions(ctx context.Context) ([]Position, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT symbol, qty, avg_price, realized_pnl, updated_at
		FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Position
	for rows.Next() {
		var (
			p  Position
			ts int64
		)
		if err := rows.Scan(&p.Symbol, &p.Qty, &p.AvgPrice, &p.RealizedPnL, &ts); err != nil {
			return nil, err
		}
		p.UpdatedAt = time.UnixMilli(ts)
		res = append(res, p)
	}
	return res, rows.Err()
}

// SaveStrategyState upserts the serialized state of a strategy instance.
func (d *Database) SaveStrategyState(ctx context.Context, strategyID string, state []byte) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO strategy_states (strategy_id, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(strategy_id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at
	`, strategyID, string(state), time.Now().UnixMilli())
	return err
}

// LoadStrategyState returns the serialized state or ErrNotFound.
func (d *Database) LoadStrategyState(ctx context.Context, strategyID string) ([]byte, error) {
	var s string
	err := d.DB.QueryRowContext(ctx, `SELECT state FROM strategy_states WHERE strategy_id = ?`, strategyID).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// CountRiskDecisions returns the number of approved and rejected verdicts.
func (d *Database) CountRiskDecisions(ctx context.Context) (approved, rejected int, err error) {
	err = d.DB.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(approved), 0), COALESCE(SUM(1 - approved), 0) FROM risk_decisions`).Scan(&approved, &rejected)
	return approved, rejected, err
}

// ListReconciliationEvents returns the most recent events, newest first.
func (d *Database) ListReconciliationEvents(ctx context.Context, limit int) ([]ReconciliationEvent, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT kind, subject, local_value, exchange_value, created_at
		FROM reconciliation_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ReconciliationEvent
	for rows.Next() {
		var (
			e  ReconciliationEvent
			ts int64
		)
		if err := rows.Scan(&e.Kind, &e.Subject, &e.LocalValue, &e.ExchangeValue, &ts); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(ts)
		res = append(res, e)
	}
	return res, rows.Err()
}
