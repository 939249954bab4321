package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roostoo-bot/internal/gateway"
	"roostoo-bot/internal/monitor"
	"roostoo-bot/internal/state"
	"roostoo-bot/pkg/db"
	"roostoo-bot/pkg/exchanges/common"
	"roostoo-bot/pkg/exchanges/paper"
)

type harness struct {
	ex      *paper.Exchange
	gw      *gateway.Gateway
	store   *state.Store
	mgr     *Manager
	metrics *monitor.SystemMetrics
	ids     *SequentialIDs
	rel     *recordingReleaser
}

type recordingReleaser struct {
	mu      sync.Mutex
	ids     []string
	settled []string
}

func (r *recordingReleaser) Release(id string) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
}

func (r *recordingReleaser) Settle(id string) {
	r.mu.Lock()
	r.settled = append(r.settled, id)
	r.mu.Unlock()
}

func (r *recordingReleaser) released() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func (r *recordingReleaser) settling() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.settled...)
}

func newHarness(t *testing.T, cfg Config, database *db.Database) *harness {
	t.Helper()
	ex := paper.New(paper.Config{InitialBalances: map[string]float64{"USD": 10000, "BTC": 2}})
	ex.SetPrice(common.Ticker{Symbol: "BTC/USD", Bid: 100, Ask: 100, Last: 100})
	metrics := monitor.NewSystemMetrics()
	gw := gateway.New(ex, gateway.Config{
		Timeout: time.Second,
		Retry:   gateway.RetryPolicy{MaxAttempts: 5, Sleep: func(context.Context, time.Duration) error { return nil }},
	}, metrics, nil)
	store := state.NewStore(nil, nil, nil)
	mgr := NewManager(cfg, gw, store, database, nil, metrics, nil)
	rel := &recordingReleaser{}
	mgr.SetReleaser(rel)
	return &harness{ex: ex, gw: gw, store: store, mgr: mgr, metrics: metrics, ids: &SequentialIDs{Prefix: "t"}, rel: rel}
}

func (h *harness) order(side common.Side, qty, price float64) *Order {
	return New(h.ids.NewID(), "s1", "BTC/USD", side, qty, price, time.Now())
}

func TestTransitionTable(t *testing.T) {
	legal := [][2]State{
		{StatePending, StateSubmitted},
		{StatePending, StateRejected},
		{StatePending, StateFailed},
		{StateSubmitted, StatePartiallyFilled},
		{StatePartiallyFilled, StateSubmitted},
		{StatePartiallyFilled, StateFilled},
		{StateSubmitted, StateCancelled},
	}
	for _, p := range legal {
		assert.True(t, CanTransition(p[0], p[1]), "%s -> %s", p[0], p[1])
	}
	assert.False(t, CanTransition(StatePending, StateFilled))
	assert.False(t, CanTransition(StatePending, StateCancelled))

	for _, term := range []State{StateFilled, StateCancelled, StateRejected, StateFailed} {
		assert.True(t, term.Terminal())
		for _, next := range []State{StatePending, StateSubmitted, StatePartiallyFilled, StateFilled, StateCancelled, StateRejected, StateFailed} {
			assert.False(t, CanTransition(term, next), "%s -> %s", term, next)
		}
	}
}

func TestTransitionBumpsVersion(t *testing.T) {
	o := New("a", "s", "BTC/USD", common.SideBuy, 1, 0, time.Now())
	assert.Equal(t, common.OrderTypeMarket, o.Type)
	v := o.Version
	require.NoError(t, o.transition(StateSubmitted, time.Now()))
	require.NoError(t, o.transition(StateFilled, time.Now()))
	assert.Equal(t, v+2, o.Version)

	err := o.transition(StateCancelled, time.Now())
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateFilled, o.State)
	assert.Equal(t, v+2, o.Version)
}

func TestMarketOrderFillsAndMovesPosition(t *testing.T) {
	h := newHarness(t, Config{Synchronous: true}, nil)
	o := h.order(common.SideBuy, 0.5, 0)
	require.NoError(t, h.mgr.Submit(context.Background(), o))

	got, ok := h.mgr.Get(o.ClientOrderID)
	require.True(t, ok)
	assert.Equal(t, StateFilled, got.State)
	assert.NotEmpty(t, got.ExchangeOrderID)
	assert.Equal(t, 0.5, got.FilledQty)
	assert.Equal(t, int64(3), got.Version) // pending, submitted, filled

	assert.Equal(t, 0.5, h.store.Position("BTC/USD").Quantity)
	pos, pending := h.store.Exposure("BTC/USD")
	assert.Equal(t, 0.5, pos)
	assert.Zero(t, pending)
	// filled capital stays reserved until the wallet snapshot catches up
	assert.Equal(t, []string{o.ClientOrderID}, h.rel.settling())
	assert.Empty(t, h.rel.released())
	assert.Empty(t, h.mgr.Open())
}

func TestLimitOrderStaleReportAndCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{Synchronous: true}, nil)
	o := h.order(common.SideBuy, 1, 90)
	require.NoError(t, h.mgr.Submit(ctx, o))

	got, _ := h.mgr.Get(o.ClientOrderID)
	require.Equal(t, StateSubmitted, got.State)
	assert.InDelta(t, 1.0, h.store.PendingQty("BTC/USD"), 1e-12)

	err := h.mgr.ApplyReport(ctx, o.ClientOrderID, got.Version-1, gateway.OrderStatus{Status: common.StatusFilled, FilledQty: 1})
	assert.ErrorIs(t, err, ErrStaleReport)

	require.NoError(t, h.mgr.Cancel(ctx, o.ClientOrderID))
	got, _ = h.mgr.Get(o.ClientOrderID)
	assert.Equal(t, StateCancelled, got.State)
	assert.Equal(t, 0.0, h.store.PendingQty("BTC/USD"))

	assert.ErrorIs(t, h.mgr.Cancel(ctx, o.ClientOrderID), ErrInvalidTransition)
}

func TestPartialFillReportsApplyDeltas(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{Synchronous: true}, nil)
	o := h.order(common.SideBuy, 1, 90)
	require.NoError(t, h.mgr.Submit(ctx, o))
	got, _ := h.mgr.Get(o.ClientOrderID)

	require.NoError(t, h.mgr.ApplyReport(ctx, o.ClientOrderID, got.Version,
		gateway.OrderStatus{Status: common.StatusPartial, FilledQty: 0.4, AvgPrice: 90}))
	got, _ = h.mgr.Get(o.ClientOrderID)
	assert.Equal(t, StatePartiallyFilled, got.State)
	assert.Equal(t, 0.4, h.store.Position("BTC/USD").Quantity)

	require.NoError(t, h.mgr.ApplyReport(ctx, o.ClientOrderID, got.Version,
		gateway.OrderStatus{Status: common.StatusFilled, FilledQty: 1, AvgPrice: 89}))
	got, _ = h.mgr.Get(o.ClientOrderID)
	assert.Equal(t, StateFilled, got.State)
	assert.InDelta(t, 1.0, h.store.Position("BTC/USD").Quantity, 1e-12)
	assert.InDelta(t, 89.0, h.store.Position("BTC/USD").AvgCost, 1e-9)
}

func TestRejectedByExchange(t *testing.T) {
	h := newHarness(t, Config{Synchronous: true}, nil)
	o := h.order(common.SideSell, 50, 0)
	require.NoError(t, h.mgr.Submit(context.Background(), o))

	got, _ := h.mgr.Get(o.ClientOrderID)
	assert.Equal(t, StateRejected, got.State)
	assert.Contains(t, got.Reason, "insufficient balance")
	assert.False(t, got.NeedsReconcile)
	assert.Equal(t, []string{o.ClientOrderID}, h.rel.released())
}

func TestFivePlaceTimeoutsFailAndFlagWithoutResubmission(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{Synchronous: true}, nil)
	h.ex.InjectFault("place_order", 5, context.DeadlineExceeded, false)

	o := h.order(common.SideBuy, 0.1, 0)
	require.NoError(t, h.mgr.Submit(ctx, o))

	got, _ := h.mgr.Get(o.ClientOrderID)
	assert.Equal(t, StateFailed, got.State)
	assert.True(t, got.NeedsReconcile)
	assert.Equal(t, uint64(1), h.metrics.GetSnapshot().OrdersFailed)
	assert.Empty(t, h.rel.released(), "reservation is held until the outcome is known")

	select {
	case id := <-h.mgr.ReconcileRequests():
		assert.Equal(t, o.ClientOrderID, id)
	default:
		t.Fatal("failed order was not handed to the reconciler")
	}

	orders, err := h.ex.QueryOrders(ctx, "BTC/USD", false)
	require.NoError(t, err)
	assert.Empty(t, orders)

	resolved, err := h.mgr.Resolve(ctx, o.ClientOrderID, got.Version, nil)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, resolved.State)
	assert.Equal(t, "not_found", resolved.Resolution)
	assert.False(t, resolved.NeedsReconcile)
	assert.Equal(t, []string{o.ClientOrderID}, h.rel.released())
}

func TestResolveAppliesRealFills(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{Synchronous: true}, nil)
	h.ex.InjectFault("place_order", 1, context.DeadlineExceeded, true)
	h.ex.InjectFault("query_order", 4, context.DeadlineExceeded, false)

	o := h.order(common.SideBuy, 0.2, 0)
	require.NoError(t, h.mgr.Submit(ctx, o))
	got, _ := h.mgr.Get(o.ClientOrderID)
	require.Equal(t, StateFailed, got.State)

	st, found, err := h.gw.FindOrder(ctx, got.Spec())
	require.NoError(t, err)
	require.True(t, found)

	resolved, err := h.mgr.Resolve(ctx, o.ClientOrderID, got.Version, &st)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, resolved.State)
	assert.Equal(t, "exchange:filled", resolved.Resolution)
	assert.Equal(t, 0.2, resolved.FilledQty)
	assert.InDelta(t, 0.2, h.store.Position("BTC/USD").Quantity, 1e-12)

	_, err = h.mgr.Resolve(ctx, o.ClientOrderID, resolved.Version, &st)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFailMovesLiveOrderToFailed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{Synchronous: true}, nil)
	o := h.order(common.SideBuy, 1, 90)
	require.NoError(t, h.mgr.Submit(ctx, o))
	got, _ := h.mgr.Get(o.ClientOrderID)
	require.Equal(t, StateSubmitted, got.State)

	_, err := h.mgr.Fail(ctx, o.ClientOrderID, got.Version-1, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrStaleReport)

	failed, err := h.mgr.Fail(ctx, o.ClientOrderID, got.Version, context.DeadlineExceeded)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, failed.State)
	assert.True(t, failed.NeedsReconcile)
	assert.Equal(t, got.Version+1, failed.Version)
	assert.Empty(t, h.rel.released(), "reservation is held until the outcome is known")
	// still counted as in flight while flagged
	assert.InDelta(t, 1.0, h.store.PendingQty("BTC/USD"), 1e-12)

	select {
	case id := <-h.mgr.ReconcileRequests():
		assert.Equal(t, o.ClientOrderID, id)
	default:
		t.Fatal("failed order was not handed to the reconciler")
	}

	_, err = h.mgr.Fail(ctx, o.ClientOrderID, failed.Version, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelOutcomes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{Synchronous: true}, nil)

	a := h.order(common.SideBuy, 1, 80)
	require.NoError(t, h.mgr.Submit(ctx, a))
	got, _ := h.mgr.Get(a.ClientOrderID)

	// rejected cancel leaves the state unchanged
	require.NoError(t, h.ex.CancelOrder(ctx, "BTC/USD", got.ExchangeOrderID))
	assert.Error(t, h.mgr.Cancel(ctx, a.ClientOrderID))
	after, _ := h.mgr.Get(a.ClientOrderID)
	assert.Equal(t, StateSubmitted, after.State)
	assert.Equal(t, got.Version, after.Version)

	b := h.order(common.SideBuy, 1, 80)
	require.NoError(t, h.mgr.Submit(ctx, b))
	h.ex.InjectFault("cancel_order", 5, context.DeadlineExceeded, false)
	assert.Error(t, h.mgr.Cancel(ctx, b.ClientOrderID))
	gotB, _ := h.mgr.Get(b.ClientOrderID)
	assert.Equal(t, StateFailed, gotB.State)
	assert.True(t, gotB.NeedsReconcile)
}

func TestAsyncWorkers(t *testing.T) {
	h := newHarness(t, Config{Workers: 2, QueueSize: 8}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.mgr.Run(ctx) }()

	var ids []string
	for i := 0; i < 3; i++ {
		o := h.order(common.SideBuy, 0.1, 0)
		ids = append(ids, o.ClientOrderID)
		require.NoError(t, h.mgr.Submit(ctx, o))
	}
	require.Eventually(t, func() bool {
		for _, id := range ids {
			o, _ := h.mgr.Get(id)
			if o.State != StateFilled {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.InDelta(t, 0.3, h.store.Position("BTC/USD").Quantity, 1e-9)
}

func TestLoadFlagsUnacknowledgedOrders(t *testing.T) {
	ctx := context.Background()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, db.ApplyMigrations(database))

	pending := New("p1", "s1", "BTC/USD", common.SideBuy, 1, 0, time.Now())
	require.NoError(t, database.UpsertOrder(ctx, pending.Record()))
	live := New("l1", "s1", "BTC/USD", common.SideBuy, 1, 90, time.Now())
	live.ExchangeOrderID = "7"
	require.NoError(t, live.transition(StateSubmitted, time.Now()))
	require.NoError(t, database.UpsertOrder(ctx, live.Record()))

	h := newHarness(t, Config{Synchronous: true}, database)
	n, err := h.mgr.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p, _ := h.mgr.Get("p1")
	assert.Equal(t, StateFailed, p.State)
	assert.True(t, p.NeedsReconcile)
	l, _ := h.mgr.Get("l1")
	assert.Equal(t, StateSubmitted, l.State)

	stored, err := database.GetOrder(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, string(StateFailed), stored.State)
	assert.Len(t, h.mgr.Flagged(), 1)
}
