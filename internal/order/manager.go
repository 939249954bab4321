package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"roostoo-bot/internal/errs"
	"roostoo-bot/internal/events"
	"roostoo-bot/internal/gateway"
	"roostoo-bot/internal/monitor"
	"roostoo-bot/internal/state"
	"roostoo-bot/pkg/db"
	"roostoo-bot/pkg/exchanges/common"
)

// ErrStaleReport is returned when an exchange report was captured against an
// order version that has since moved on.
var ErrStaleReport = errors.New("stale order report")

var errNoChange = errors.New("no change")

// Gateway is the subset of the exchange gateway the manager drives.
type Gateway interface {
	PlaceOrder(ctx context.Context, spec gateway.OrderSpec) (gateway.OrderStatus, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (gateway.OrderStatus, error)
}

// Releaser frees capital reserved for an order once it settles. Release is
// for orders that never filled; Settle holds the amount until the wallet
// snapshot reflects the fills.
type Releaser interface {
	Release(clientOrderID string)
	Settle(clientOrderID string)
}

// Config tunes the execution manager.
type Config struct {
	Workers   int
	QueueSize int
	// Synchronous runs submissions inline inside Submit. Used by backtests.
	Synchronous bool
	Now         func() time.Time
}

// Manager is the single writer of order state. Network calls are made
// without holding its lock; results are applied afterwards.
type Manager struct {
	cfg      Config
	gw       Gateway
	store    *state.Store
	db       *db.Database
	bus      *events.Bus
	metrics  *monitor.SystemMetrics
	releaser Releaser
	log      *zap.Logger

	mu     sync.Mutex
	orders map[string]*Order

	queue     *Queue
	reconcile chan string
	fatal     chan error
}

type change struct {
	order   Order
	prev    State
	cause   string
	fill    *state.Fill
	release bool
}

// NewManager creates an execution manager. store, database, bus and metrics
// may be nil.
func NewManager(cfg Config, gw Gateway, store *state.Store, database *db.Database, bus *events.Bus, metrics *monitor.SystemMetrics, log *zap.Logger) *Manager {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		cfg:       cfg,
		gw:        gw,
		store:     store,
		db:        database,
		bus:       bus,
		metrics:   metrics,
		log:       log.With(zap.String("component", "execution")),
		orders:    make(map[string]*Order),
		queue:     NewQueue(cfg.QueueSize),
		reconcile: make(chan string, 256),
		fatal:     make(chan error, 1),
	}
}

// SetReleaser wires the capital reservation book.
func (m *Manager) SetReleaser(r Releaser) {
	m.releaser = r
}

// ReconcileRequests delivers ids of orders that failed with an unknown
// outcome, as soon as they fail.
func (m *Manager) ReconcileRequests() <-chan string {
	return m.reconcile
}

// Run starts the submission workers and blocks until ctx is done or a fatal
// error (bad credentials) is observed.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < m.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.queue.Drain(ctx, func(id string) { m.execute(ctx, id) })
		}()
	}
	m.log.Info("execution workers started", zap.Int("workers", m.cfg.Workers))

	select {
	case <-ctx.Done():
		wg.Wait()
		return nil
	case err := <-m.fatal:
		return err
	}
}

// Load restores unfinished orders after a restart. Orders that were never
// acknowledged have an unknown outcome and are flagged for reconciliation.
func (m *Manager) Load(ctx context.Context) (int, error) {
	if m.db == nil {
		return 0, nil
	}
	open, err := m.db.ListOrdersByState(ctx, string(StatePending), string(StateSubmitted), string(StatePartiallyFilled))
	if err != nil {
		return 0, err
	}
	flagged, err := m.db.ListReconcileFlagged(ctx)
	if err != nil {
		return 0, err
	}

	now := m.cfg.Now()
	var changes []change
	m.mu.Lock()
	for _, r := range append(open, flagged...) {
		if _, dup := m.orders[r.ClientOrderID]; dup {
			continue
		}
		o := FromRecord(r)
		prev := o.State
		if o.State == StatePending {
			_ = o.transition(StateFailed, now)
			o.NeedsReconcile = true
			o.Reason = "restarted before acknowledgement"
		}
		m.orders[o.ClientOrderID] = o
		changes = append(changes, change{order: *o, prev: prev, cause: "restore"})
	}
	m.mu.Unlock()

	for _, c := range changes {
		m.commit(ctx, c)
	}
	m.log.Info("restored orders", zap.Int("count", len(changes)))
	return len(changes), nil
}

// Submit registers a Pending order and hands it to the workers.
func (m *Manager) Submit(ctx context.Context, o *Order) error {
	if o.State != StatePending {
		return fmt.Errorf("%w: submit in state %s", ErrInvalidTransition, o.State)
	}
	m.mu.Lock()
	if _, exists := m.orders[o.ClientOrderID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("duplicate client order id %s", o.ClientOrderID)
	}
	own := *o
	m.orders[o.ClientOrderID] = &own
	m.mu.Unlock()

	m.commit(ctx, change{order: own, cause: "created"})
	if m.metrics != nil {
		m.metrics.IncOrdersSubmitted()
	}

	if m.cfg.Synchronous {
		m.execute(ctx, own.ClientOrderID)
		return nil
	}
	if err := m.queue.Enqueue(own.ClientOrderID); err != nil {
		_, _ = m.mutate(ctx, own.ClientOrderID, "queue full", func(o *Order, now time.Time) (*state.Fill, error) {
			o.Reason = err.Error()
			return nil, o.transition(StateRejected, now)
		})
		return err
	}
	return nil
}

// QueueLen returns the number of orders waiting for a worker.
func (m *Manager) QueueLen() int {
	return m.queue.Len()
}

func (m *Manager) execute(ctx context.Context, id string) {
	m.mu.Lock()
	o, ok := m.orders[id]
	if !ok || o.State != StatePending {
		m.mu.Unlock()
		return
	}
	spec := o.Spec()
	m.mu.Unlock()

	st, err := m.gw.PlaceOrder(ctx, spec)
	switch {
	case err == nil:
		m.acknowledge(ctx, id, st)
	case errors.Is(err, errs.RejectedByExchange):
		m.log.Warn("order rejected by exchange", zap.String("client_order_id", id), zap.Error(err))
		_, _ = m.mutate(ctx, id, "rejected", func(o *Order, now time.Time) (*state.Fill, error) {
			o.Reason = err.Error()
			return nil, o.transition(StateRejected, now)
		})
	case errs.IsFatal(err):
		m.log.Error("order submission hit a fatal error", zap.String("client_order_id", id), zap.Error(err))
		_, _ = m.mutate(ctx, id, "fatal", func(o *Order, now time.Time) (*state.Fill, error) {
			o.Reason = err.Error()
			return nil, o.transition(StateRejected, now)
		})
		select {
		case m.fatal <- err:
		default:
		}
	default:
		m.markFailed(ctx, id, err)
	}
}

func (m *Manager) acknowledge(ctx context.Context, id string, st gateway.OrderStatus) {
	_, err := m.mutate(ctx, id, "acknowledged", func(o *Order, now time.Time) (*state.Fill, error) {
		o.ExchangeOrderID = st.ExchangeOrderID
		return nil, o.transition(StateSubmitted, now)
	})
	if err != nil {
		m.log.Error("acknowledge order", zap.String("client_order_id", id), zap.Error(err))
		return
	}
	if _, err := m.mutate(ctx, id, "exchange report", func(o *Order, now time.Time) (*state.Fill, error) {
		return o.applyStatus(st, now)
	}); err != nil && !errors.Is(err, errNoChange) {
		m.log.Error("apply placement report", zap.String("client_order_id", id), zap.Error(err))
	}
}

// Fail moves a live order to Failed and flags it for reconciliation, for
// outcomes observed outside submission such as status polling running out of
// retries. seenVersion guards against acting on an outdated read.
func (m *Manager) Fail(ctx context.Context, id string, seenVersion int64, cause error) (Order, error) {
	c, err := m.fail(ctx, id, cause, func(o *Order) error {
		if o.Version != seenVersion {
			return ErrStaleReport
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return c.order, nil
}

// markFailed moves the order to Failed, flags it and hands it to the
// reconciler. It is never resubmitted.
func (m *Manager) markFailed(ctx context.Context, id string, cause error) {
	if _, err := m.fail(ctx, id, cause, nil); err != nil {
		m.log.Error("mark order failed", zap.String("client_order_id", id), zap.Error(err))
	}
}

func (m *Manager) fail(ctx context.Context, id string, cause error, check func(o *Order) error) (change, error) {
	c, err := m.mutate(ctx, id, "gateway unavailable", func(o *Order, now time.Time) (*state.Fill, error) {
		if check != nil {
			if err := check(o); err != nil {
				return nil, err
			}
		}
		if err := o.transition(StateFailed, now); err != nil {
			return nil, err
		}
		o.NeedsReconcile = true
		o.Reason = cause.Error()
		return nil, nil
	})
	if err != nil {
		return change{}, err
	}
	if m.metrics != nil {
		m.metrics.IncOrdersFailed()
	}
	m.log.Warn("order failed with unknown outcome, flagged for reconciliation",
		zap.String("client_order_id", id), zap.Bool("ambiguous", errs.IsAmbiguous(cause)), zap.Error(cause))
	select {
	case m.reconcile <- id:
	default:
	}
	return c, nil
}

// Cancel asks the exchange to cancel an order. The order becomes Cancelled
// only once the exchange confirms; an unconfirmed cancel leaves it as is.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	o, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownOrder
	}
	if o.State.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: cancel in state %s", ErrInvalidTransition, o.State)
	}
	if o.ExchangeOrderID == "" {
		m.mu.Unlock()
		return ErrNotAcknowledged
	}
	symbol, exID := o.Symbol, o.ExchangeOrderID
	m.mu.Unlock()

	err := m.gw.CancelOrder(ctx, symbol, exID)
	switch {
	case err == nil:
	case errors.Is(err, errs.GatewayUnavailable):
		m.markFailed(ctx, id, err)
		return err
	default:
		m.log.Warn("cancel not confirmed", zap.String("client_order_id", id), zap.Error(err))
		return err
	}

	// pick up fills that landed before the cancel
	st, qerr := m.gw.GetOrderStatus(ctx, symbol, exID)
	_, err = m.mutate(ctx, id, "cancelled", func(o *Order, now time.Time) (*state.Fill, error) {
		if o.State.Terminal() {
			return nil, errNoChange
		}
		var fill *state.Fill
		if qerr == nil {
			fill = o.absorbFill(st, now)
		}
		next := StateCancelled
		if fill != nil && o.IsFullyFilled() {
			next = StateFilled
		}
		if err := o.transition(next, now); err != nil {
			return nil, err
		}
		if fill != nil {
			fill.ID = fillID(o)
		}
		return fill, nil
	})
	if errors.Is(err, errNoChange) {
		return nil
	}
	return err
}

// ApplyReport applies an exchange status captured while the order was at
// seenVersion. Reports older than the current version are discarded with
// ErrStaleReport.
func (m *Manager) ApplyReport(ctx context.Context, id string, seenVersion int64, st gateway.OrderStatus) error {
	_, err := m.mutate(ctx, id, "reconciled", func(o *Order, now time.Time) (*state.Fill, error) {
		if o.Version != seenVersion {
			return nil, ErrStaleReport
		}
		if o.State.Terminal() {
			return nil, fmt.Errorf("%w: report for %s order", ErrInvalidTransition, o.State)
		}
		return o.applyStatus(st, now)
	})
	if errors.Is(err, errNoChange) {
		return nil
	}
	return err
}

// Resolve records the exchange truth for a Failed order. A nil status means
// the exchange has no such order. Real fills are applied to positions; the
// lifecycle state stays Failed. The order remains flagged while the exchange
// still shows it open.
func (m *Manager) Resolve(ctx context.Context, id string, seenVersion int64, st *gateway.OrderStatus) (Order, error) {
	c, err := m.mutate(ctx, id, "resolved", func(o *Order, now time.Time) (*state.Fill, error) {
		if o.State != StateFailed || !o.NeedsReconcile {
			return nil, fmt.Errorf("%w: resolve in state %s", ErrInvalidTransition, o.State)
		}
		if o.Version != seenVersion {
			return nil, ErrStaleReport
		}
		if st == nil {
			o.Resolution = "not_found"
			o.NeedsReconcile = false
			o.touch(now)
			return nil, nil
		}
		o.ExchangeOrderID = st.ExchangeOrderID
		fill := o.absorbFill(*st, now)
		res := "exchange:" + strings.ToLower(string(st.Status))
		if fill == nil && o.Resolution == res && st.Open() {
			return nil, errNoChange
		}
		o.Resolution = res
		o.NeedsReconcile = st.Open()
		o.touch(now)
		if fill != nil {
			fill.ID = fillID(o)
		}
		return fill, nil
	})
	if errors.Is(err, errNoChange) {
		o, _ := m.Get(id)
		return o, nil
	}
	return c.order, err
}

// mutate applies fn to the order under the lock and commits the result after
// releasing it. fn must bump Version for anything it changes.
func (m *Manager) mutate(ctx context.Context, id, cause string, fn func(o *Order, now time.Time) (*state.Fill, error)) (change, error) {
	m.mu.Lock()
	o, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		return change{}, ErrUnknownOrder
	}
	prev, prevVersion := o.State, o.Version
	before := *o
	fill, err := fn(o, m.cfg.Now())
	if err != nil {
		*o = before
		m.mu.Unlock()
		return change{}, err
	}
	if o.Version == prevVersion {
		m.mu.Unlock()
		return change{}, errNoChange
	}
	c := change{
		order:   *o,
		prev:    prev,
		cause:   cause,
		fill:    fill,
		release: o.State.Terminal() && !o.NeedsReconcile,
	}
	m.mu.Unlock()

	m.commit(ctx, c)
	return c, nil
}

func (m *Manager) commit(ctx context.Context, c change) {
	rec := c.order.Record()
	if m.db != nil {
		if err := m.db.UpsertOrder(ctx, rec); err != nil {
			m.log.Error("persist order", zap.String("client_order_id", rec.ClientOrderID), zap.Error(err))
		}
	}
	if m.store != nil {
		m.store.Commit(ctx, rec, c.order.Open() || c.order.NeedsReconcile, c.fill)
	}
	if c.release && m.releaser != nil {
		if c.order.FilledQty > 0 {
			m.releaser.Settle(c.order.ClientOrderID)
		} else {
			m.releaser.Release(c.order.ClientOrderID)
		}
	}
	publishUpdate(m.bus, c.order, c.prev, c.cause)

	m.log.Info("order updated",
		zap.String("client_order_id", c.order.ClientOrderID),
		zap.String("exchange_order_id", c.order.ExchangeOrderID),
		zap.String("symbol", c.order.Symbol),
		zap.String("from", string(c.prev)),
		zap.String("to", string(c.order.State)),
		zap.Int64("version", c.order.Version),
		zap.Float64("filled", c.order.FilledQty),
		zap.String("cause", c.cause))
}

// Get returns a copy of one order.
func (m *Manager) Get(id string) (Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// List returns copies of the orders accepted by keep, oldest first. A nil
// keep returns everything.
func (m *Manager) List(keep func(Order) bool) []Order {
	m.mu.Lock()
	out := make([]Order, 0, len(m.orders))
	for _, o := range m.orders {
		if keep == nil || keep(*o) {
			out = append(out, *o)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ClientOrderID < out[j].ClientOrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Open returns non-terminal orders.
func (m *Manager) Open() []Order {
	return m.List(func(o Order) bool { return o.Open() })
}

// Flagged returns Failed orders awaiting reconciliation.
func (m *Manager) Flagged() []Order {
	return m.List(func(o Order) bool { return o.NeedsReconcile })
}

// absorbFill folds a cumulative exchange fill into the order and returns the
// delta, or nil when nothing new was filled. It does not bump Version.
func (o *Order) absorbFill(st gateway.OrderStatus, now time.Time) *state.Fill {
	delta := st.FilledQty - o.FilledQty
	if delta <= 1e-12 {
		return nil
	}
	price := st.AvgPrice
	if price <= 0 {
		price = st.Price
	}
	if o.FilledQty > 0 && st.AvgPrice > 0 && o.AvgFillPrice > 0 {
		price = (st.AvgPrice*st.FilledQty - o.AvgFillPrice*o.FilledQty) / delta
	}
	fee := math.Max(st.Commission-o.Fee, 0)

	if st.AvgPrice > 0 {
		o.AvgFillPrice = st.AvgPrice
	} else {
		o.AvgFillPrice = (o.AvgFillPrice*o.FilledQty + price*delta) / st.FilledQty
	}
	o.FilledQty = st.FilledQty
	o.Fee += fee

	return &state.Fill{
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          string(o.Side),
		Qty:           delta,
		Price:         price,
		Fee:           fee,
		Time:          now,
	}
}

// applyStatus moves a live order toward the exchange's report.
func (o *Order) applyStatus(st gateway.OrderStatus, now time.Time) (*state.Fill, error) {
	next := o.State
	switch st.Status {
	case common.StatusNew:
		if st.FilledQty <= 0 {
			next = StateSubmitted
		}
	case common.StatusPartial:
		next = StatePartiallyFilled
	case common.StatusFilled:
		next = StateFilled
	case common.StatusCanceled:
		next = StateCancelled
	case common.StatusRejected:
		next = StateRejected
	}
	hasFill := st.FilledQty-o.FilledQty > 1e-12
	if hasFill && next == StateSubmitted {
		next = StatePartiallyFilled
	}
	if next == o.State && !hasFill {
		return nil, nil
	}
	if !CanTransition(o.State, next) {
		return nil, fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, o.State, next, o.ClientOrderID)
	}
	fill := o.absorbFill(st, now)
	if err := o.transition(next, now); err != nil {
		return nil, err
	}
	if fill != nil {
		fill.ID = fillID(o)
	}
	return fill, nil
}

func fillID(o *Order) string {
	return fmt.Sprintf("%s-%d", o.ClientOrderID, o.Version)
}
