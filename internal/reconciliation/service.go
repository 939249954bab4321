package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"roostoo-bot/internal/errs"
	"roostoo-bot/internal/events"
	"roostoo-bot/internal/gateway"
	"roostoo-bot/internal/monitor"
	"roostoo-bot/internal/order"
	"roostoo-bot/internal/persistence"
	"roostoo-bot/internal/state"
	"roostoo-bot/pkg/db"
	"roostoo-bot/pkg/exchanges/common"
)

// Gateway is what reconciliation reads from the exchange.
type Gateway interface {
	GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (gateway.OrderStatus, error)
	FindOrder(ctx context.Context, spec gateway.OrderSpec) (gateway.OrderStatus, bool, error)
	GetBalances(ctx context.Context) (state.AccountSnapshot, error)
}

// Config tunes the loop.
type Config struct {
	Interval  time.Duration
	OrderTTL  time.Duration // 0 disables stale order cancellation
	Symbols   []string
	Tolerance float64 // position quantity tolerance
	AutoSync  bool    // reset positions to wallet truth on mismatch
	Now       func() time.Time
}

// Service periodically corrects local order and position state toward the
// exchange.
type Service struct {
	cfg     Config
	gw      Gateway
	orders  *order.Manager
	store   *state.Store
	journal *persistence.Journal
	bus     *events.Bus
	metrics *monitor.SystemMetrics
	log     *zap.Logger
}

// Report summarizes one pass.
type Report struct {
	Timestamp      time.Time      `json:"timestamp"`
	OrdersChecked  int            `json:"orders_checked"`
	OrdersUpdated  int            `json:"orders_updated"`
	StaleDiscarded int            `json:"stale_discarded"`
	Failed         []string       `json:"failed,omitempty"`
	Resolved       []string       `json:"resolved,omitempty"`
	Cancelled      []string       `json:"cancelled,omitempty"`
	PositionDiffs  []PositionDiff `json:"position_diffs,omitempty"`
	Errors         int            `json:"errors"`
}

// HasDiffs reports whether anything disagreed with the exchange.
func (r *Report) HasDiffs() bool {
	return len(r.Failed) > 0 || len(r.Resolved) > 0 || len(r.PositionDiffs) > 0
}

// PositionDiff represents a position difference.
type PositionDiff struct {
	Symbol      string  `json:"symbol"`
	LocalQty    float64 `json:"local_qty"`
	ExchangeQty float64 `json:"exchange_qty"`
	Difference  float64 `json:"difference"`
	Synced      bool    `json:"synced"`
}

// Mismatch is published for every disagreement found.
type Mismatch struct {
	Kind     string    `json:"kind"`
	Subject  string    `json:"subject"`
	Local    string    `json:"local"`
	Exchange string    `json:"exchange"`
	Time     time.Time `json:"time"`
}

func (m Mismatch) String() string {
	return fmt.Sprintf("%s %s: local=%s exchange=%s", m.Kind, m.Subject, m.Local, m.Exchange)
}

// NewService creates a reconciliation service. journal, bus and metrics may
// be nil.
func NewService(cfg Config, gw Gateway, orders *order.Manager, store *state.Store, journal *persistence.Journal,
	bus *events.Bus, metrics *monitor.SystemMetrics, log *zap.Logger) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 1e-8
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		cfg:     cfg,
		gw:      gw,
		orders:  orders,
		store:   store,
		journal: journal,
		bus:     bus,
		metrics: metrics,
		log:     log.With(zap.String("component", "reconciliation")),
	}
}

// Run reconciles every interval, and immediately for orders the execution
// manager hands over, until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.log.Info("reconciliation started",
		zap.Duration("interval", s.cfg.Interval), zap.Bool("auto_sync", s.cfg.AutoSync))

	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-s.orders.ReconcileRequests():
			if err := s.ResolveOrder(ctx, id); err != nil && ctx.Err() == nil {
				s.log.Warn("immediate reconciliation failed, retrying next pass",
					zap.String("client_order_id", id), zap.Error(err))
			}
		case <-ticker.C:
			report := s.Reconcile(ctx)
			s.handleReport(report)
		}
	}
}

// Reconcile performs one full pass.
func (s *Service) Reconcile(ctx context.Context) *Report {
	report := &Report{Timestamp: s.cfg.Now()}
	s.reconcileOpen(ctx, report)
	s.resolveFlagged(ctx, report)
	s.cancelStale(ctx, report)
	s.reconcilePositions(ctx, report)
	return report
}

func (s *Service) reconcileOpen(ctx context.Context, report *Report) {
	for _, o := range s.orders.Open() {
		if o.ExchangeOrderID == "" {
			continue // still queued for submission
		}
		report.OrdersChecked++
		st, err := s.gw.GetOrderStatus(ctx, o.Symbol, o.ExchangeOrderID)
		switch {
		case errors.Is(err, gateway.ErrOrderNotFound):
			s.dropMissing(ctx, o, report)
			continue
		case errors.Is(err, errs.GatewayUnavailable):
			s.failUnreachable(ctx, o, err, report)
			continue
		case err != nil:
			report.Errors++
			s.log.Warn("order status fetch failed", zap.String("client_order_id", o.ClientOrderID), zap.Error(err))
			continue
		}
		switch err := s.orders.ApplyReport(ctx, o.ClientOrderID, o.Version, st); {
		case errors.Is(err, order.ErrStaleReport):
			report.StaleDiscarded++
			s.log.Debug("discarded stale order report", zap.String("client_order_id", o.ClientOrderID))
		case err != nil:
			report.Errors++
			s.log.Warn("apply order report", zap.String("client_order_id", o.ClientOrderID), zap.Error(err))
		default:
			if cur, _ := s.orders.Get(o.ClientOrderID); cur.Version != o.Version {
				report.OrdersUpdated++
			}
		}
	}
}

// failUnreachable moves an order whose status could not be read within the
// retry budget to Failed; it is then resolved like any flagged order.
func (s *Service) failUnreachable(ctx context.Context, o order.Order, cause error, report *Report) {
	_, err := s.orders.Fail(ctx, o.ClientOrderID, o.Version, cause)
	switch {
	case errors.Is(err, order.ErrStaleReport):
		report.StaleDiscarded++
	case err != nil:
		report.Errors++
		s.log.Warn("fail unreachable order", zap.String("client_order_id", o.ClientOrderID), zap.Error(err))
	default:
		report.Failed = append(report.Failed, o.ClientOrderID)
	}
}

// dropMissing settles an acknowledged order the exchange no longer knows:
// it becomes Failed with resolution not_found, which frees its capital.
func (s *Service) dropMissing(ctx context.Context, o order.Order, report *Report) {
	s.mismatch(Mismatch{Kind: "order", Subject: o.ClientOrderID, Local: string(o.State), Exchange: "not_found"})
	failed, err := s.orders.Fail(ctx, o.ClientOrderID, o.Version, fmt.Errorf("exchange has no order %s", o.ExchangeOrderID))
	if err == nil {
		report.Failed = append(report.Failed, o.ClientOrderID)
		_, err = s.orders.Resolve(ctx, o.ClientOrderID, failed.Version, nil)
	}
	switch {
	case errors.Is(err, order.ErrStaleReport):
		report.StaleDiscarded++
	case err != nil:
		report.Errors++
		s.log.Warn("drop missing order", zap.String("client_order_id", o.ClientOrderID), zap.Error(err))
	default:
		report.Resolved = append(report.Resolved, o.ClientOrderID)
	}
}

func (s *Service) resolveFlagged(ctx context.Context, report *Report) {
	for _, o := range s.orders.Flagged() {
		if err := s.resolve(ctx, o); err != nil {
			if errors.Is(err, order.ErrStaleReport) {
				report.StaleDiscarded++
				continue
			}
			report.Errors++
			s.log.Warn("resolve failed order", zap.String("client_order_id", o.ClientOrderID), zap.Error(err))
			continue
		}
		report.Resolved = append(report.Resolved, o.ClientOrderID)
	}
}

// ResolveOrder reconciles a single flagged order now.
func (s *Service) ResolveOrder(ctx context.Context, clientOrderID string) error {
	o, ok := s.orders.Get(clientOrderID)
	if !ok {
		return order.ErrUnknownOrder
	}
	if !o.NeedsReconcile {
		return nil
	}
	return s.resolve(ctx, o)
}

// resolve finds the exchange truth for a Failed order and records it.
func (s *Service) resolve(ctx context.Context, o order.Order) error {
	var st *gateway.OrderStatus
	if o.ExchangeOrderID != "" {
		got, err := s.gw.GetOrderStatus(ctx, o.Symbol, o.ExchangeOrderID)
		switch {
		case errors.Is(err, gateway.ErrOrderNotFound):
		case err != nil:
			return err
		default:
			st = &got
		}
	} else {
		got, found, err := s.gw.FindOrder(ctx, o.Spec())
		if err != nil {
			return err
		}
		if found {
			st = &got
		}
	}

	resolved, err := s.orders.Resolve(ctx, o.ClientOrderID, o.Version, st)
	if err != nil {
		return err
	}
	if resolved.Version != o.Version {
		s.mismatch(Mismatch{
			Kind:     "order",
			Subject:  o.ClientOrderID,
			Local:    string(o.State),
			Exchange: resolved.Resolution,
		})
	}
	return nil
}

func (s *Service) cancelStale(ctx context.Context, report *Report) {
	if s.cfg.OrderTTL <= 0 {
		return
	}
	cutoff := s.cfg.Now().Add(-s.cfg.OrderTTL)
	for _, o := range s.orders.Open() {
		if o.Type != common.OrderTypeLimit || o.ExchangeOrderID == "" || o.CreatedAt.After(cutoff) {
			continue
		}
		if err := s.orders.Cancel(ctx, o.ClientOrderID); err != nil {
			if !errors.Is(err, order.ErrInvalidTransition) {
				report.Errors++
				s.log.Warn("cancel stale order", zap.String("client_order_id", o.ClientOrderID), zap.Error(err))
			}
			continue
		}
		report.Cancelled = append(report.Cancelled, o.ClientOrderID)
		s.log.Info("cancelled stale limit order",
			zap.String("client_order_id", o.ClientOrderID), zap.Duration("age", s.cfg.Now().Sub(o.CreatedAt)))
	}
}

func (s *Service) reconcilePositions(ctx context.Context, report *Report) {
	if len(s.cfg.Symbols) == 0 {
		return
	}
	snap, err := s.gw.GetBalances(ctx)
	if err != nil {
		report.Errors++
		s.log.Warn("wallet fetch failed", zap.Error(err))
		return
	}
	for _, symbol := range s.cfg.Symbols {
		base, _ := common.SplitSymbol(symbol)
		exchangeQty := snap.Total(base)
		local := s.store.Position(symbol)
		if math.Abs(local.Quantity-exchangeQty) <= s.cfg.Tolerance {
			continue
		}
		diff := PositionDiff{
			Symbol:      symbol,
			LocalQty:    local.Quantity,
			ExchangeQty: exchangeQty,
			Difference:  local.Quantity - exchangeQty,
		}
		s.mismatch(Mismatch{
			Kind:     "position",
			Subject:  symbol,
			Local:    common.FormatDecimal(local.Quantity),
			Exchange: common.FormatDecimal(exchangeQty),
		})
		if s.cfg.AutoSync {
			s.store.ResetPosition(ctx, symbol, exchangeQty, local.AvgCost)
			diff.Synced = true
		}
		report.PositionDiffs = append(report.PositionDiffs, diff)
	}
}

func (s *Service) mismatch(m Mismatch) {
	if m.Time.IsZero() {
		m.Time = s.cfg.Now()
	}
	err := &errs.Error{Kind: errs.KindReconciliationMismatch, Op: m.Kind, Msg: m.String()}
	s.log.Warn("reconciliation mismatch", zap.Error(err))
	if s.metrics != nil {
		s.metrics.IncReconMismatches()
	}
	s.journal.Reconciliation(db.ReconciliationEvent{
		Kind:          m.Kind,
		Subject:       m.Subject,
		LocalValue:    m.Local,
		ExchangeValue: m.Exchange,
		CreatedAt:     m.Time,
	})
	s.bus.Publish(events.EventReconciliationMismatch, m)
}

func (s *Service) handleReport(report *Report) {
	fields := []zap.Field{
		zap.Int("checked", report.OrdersChecked),
		zap.Int("updated", report.OrdersUpdated),
		zap.Int("stale_discarded", report.StaleDiscarded),
		zap.Int("failed", len(report.Failed)),
		zap.Int("resolved", len(report.Resolved)),
		zap.Int("cancelled", len(report.Cancelled)),
		zap.Int("errors", report.Errors),
	}
	if report.HasDiffs() {
		for _, d := range report.PositionDiffs {
			s.log.Warn("position difference",
				zap.String("symbol", d.Symbol),
				zap.Float64("local", d.LocalQty),
				zap.Float64("exchange", d.ExchangeQty),
				zap.Bool("synced", d.Synced))
		}
		s.log.Warn("reconciliation found differences", fields...)
		return
	}
	s.log.Debug("reconciliation ok", fields...)
}
