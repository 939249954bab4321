package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roostoo-bot/internal/market"
	"roostoo-bot/pkg/db"
)

func TestApplyFillAveragesAndRealizes(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil, nil, nil)

	s.ApplyFill(ctx, Fill{Symbol: "BTC/USD", Side: "BUY", Qty: 1, Price: 100})
	p := s.ApplyFill(ctx, Fill{Symbol: "BTC/USD", Side: "BUY", Qty: 1, Price: 110})
	assert.Equal(t, 2.0, p.Quantity)
	assert.InDelta(t, 105.0, p.AvgCost, 1e-9)

	p = s.ApplyFill(ctx, Fill{Symbol: "BTC/USD", Side: "SELL", Qty: 1, Price: 120, Fee: 1})
	assert.Equal(t, 1.0, p.Quantity)
	assert.InDelta(t, 14.0, p.RealizedPnL, 1e-9)

	p = s.ApplyFill(ctx, Fill{Symbol: "BTC/USD", Side: "SELL", Qty: 1, Price: 105})
	assert.Equal(t, 0.0, p.Quantity)
	assert.Equal(t, 0.0, p.AvgCost)
}

func TestPositionEqualsSumOfFillDeltas(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil, nil, nil)
	fills := []Fill{
		{Side: "BUY", Qty: 0.3}, {Side: "BUY", Qty: 0.2}, {Side: "SELL", Qty: 0.1},
		{Side: "BUY", Qty: 0.05}, {Side: "SELL", Qty: 0.25},
	}
	var sum float64
	for _, f := range fills {
		f.Symbol, f.Price = "ETH/USD", 10
		s.ApplyFill(ctx, f)
		if f.Side == "BUY" {
			sum += f.Qty
		} else {
			sum -= f.Qty
		}
	}
	assert.InDelta(t, sum, s.Position("ETH/USD").Quantity, 1e-12)
}

func TestPersistedPositionsReload(t *testing.T) {
	ctx := context.Background()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, db.ApplyMigrations(database))

	s := NewStore(database, nil, nil)
	s.ApplyFill(ctx, Fill{ID: "f1", ClientOrderID: "c1", Symbol: "BTC/USD", Side: "BUY", Qty: 0.5, Price: 100, Time: time.Now()})

	fills, err := database.ListFills(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, fills, 1)

	reloaded := NewStore(database, nil, nil)
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, 0.5, reloaded.Position("BTC/USD").Quantity)
}

func TestOrderProjectionAndPendingQty(t *testing.T) {
	s := NewStore(nil, nil, nil)
	s.ProjectOrder(db.Order{ClientOrderID: "a", Symbol: "BTC/USD", Side: "BUY", Qty: 1, FilledQty: 0.25, Version: 2}, true)
	s.ProjectOrder(db.Order{ClientOrderID: "b", Symbol: "BTC/USD", Side: "SELL", Qty: 0.5, Version: 1}, true)
	s.ProjectOrder(db.Order{ClientOrderID: "c", Symbol: "BTC/USD", Side: "BUY", Qty: 3, Version: 4}, false)

	// stale projection is ignored
	s.ProjectOrder(db.Order{ClientOrderID: "a", Symbol: "BTC/USD", Side: "BUY", Qty: 1, Version: 1}, true)

	assert.InDelta(t, 0.25, s.PendingQty("BTC/USD"), 1e-12)
	assert.Len(t, s.Orders(true), 2)
	assert.Len(t, s.Orders(false), 3)
	o, ok := s.Order("a")
	require.True(t, ok)
	assert.Equal(t, 0.25, o.FilledQty)
}

func TestCommitClosesOrderWithItsFill(t *testing.T) {
	ctx := context.Background()
	s := NewStore(nil, nil, nil)
	o := db.Order{ClientOrderID: "a", Symbol: "BTC/USD", Side: "BUY", Qty: 2, Version: 2}
	s.Commit(ctx, o, true, nil)

	pos, pending := s.Exposure("BTC/USD")
	assert.Zero(t, pos)
	assert.Equal(t, 2.0, pending)

	o.FilledQty, o.Version = 2, 3
	s.Commit(ctx, o, false, &Fill{ClientOrderID: "a", Symbol: "BTC/USD", Side: "BUY", Qty: 2, Price: 50})
	pos, pending = s.Exposure("BTC/USD")
	assert.Equal(t, 2.0, pos)
	assert.Zero(t, pending)
	assert.Equal(t, 50.0, s.Position("BTC/USD").AvgCost)
	assert.Empty(t, s.Orders(true))
}

func TestSnapshotIsCopiedAndMonotonic(t *testing.T) {
	s := NewStore(nil, nil, nil)
	now := time.Now()
	assert.True(t, s.SetSnapshot(AccountSnapshot{Balances: map[string]Balance{"USD": {Asset: "USD", Free: 100}}, Time: now}))
	assert.False(t, s.SetSnapshot(AccountSnapshot{Balances: map[string]Balance{"USD": {Asset: "USD", Free: 1}}, Time: now.Add(-time.Second)}))

	snap := s.Snapshot()
	assert.Equal(t, 100.0, snap.Free("USD"))
	snap.Balances["USD"] = Balance{Free: 0}
	assert.Equal(t, 100.0, s.Snapshot().Free("USD"))

	s.UpdatePrice(market.Tick{Symbol: "BTC/USD", Last: 99})
	tk, ok := s.LastTick("BTC/USD")
	require.True(t, ok)
	assert.Equal(t, 99.0, tk.Last)
	assert.Equal(t, map[string]float64{"BTC/USD": 99}, s.Prices())
}
