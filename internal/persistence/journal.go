package persistence

import (
	"context"
	"time"

	"roostoo-bot/pkg/db"
)

// Journal appends audit rows (risk verdicts, reconciliation events) through
// a BatchWriter so hot paths never wait on sqlite.
type Journal struct {
	w *BatchWriter
}

// NewJournal wraps a batch writer.
func NewJournal(w *BatchWriter) *Journal {
	return &Journal{w: w}
}

// RiskDecision queues one verdict.
func (j *Journal) RiskDecision(d db.RiskDecision) {
	if j == nil {
		return
	}
	j.w.Enqueue(`
		INSERT INTO risk_decisions (strategy_id, symbol, side, qty, approved, reason, client_order_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.StrategyID, d.Symbol, d.Side, d.Qty, d.Approved, d.Reason, d.ClientOrderID, millis(d.CreatedAt))
}

// Reconciliation queues one mismatch event.
func (j *Journal) Reconciliation(e db.ReconciliationEvent) {
	if j == nil {
		return
	}
	j.w.Enqueue(`
		INSERT INTO reconciliation_events (kind, subject, local_value, exchange_value, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.Kind, e.Subject, e.LocalValue, e.ExchangeValue, millis(e.CreatedAt))
}

// Flush forces buffered rows to disk.
func (j *Journal) Flush(ctx context.Context) error {
	if j == nil {
		return nil
	}
	return j.w.Flush(ctx)
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UnixMilli()
}
