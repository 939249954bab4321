package balance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roostoo-bot/internal/market"
	"roostoo-bot/internal/state"
)

type fakeSource struct {
	snap   state.AccountSnapshot
	err    error
	during func() // runs while the fetch is in flight
}

func (f *fakeSource) GetBalances(context.Context) (state.AccountSnapshot, error) {
	if f.during != nil {
		f.during()
		f.during = nil
	}
	return f.snap, f.err
}

func TestSyncComputesEquity(t *testing.T) {
	store := state.NewStore(nil, nil, nil)
	store.UpdatePrice(market.Tick{Symbol: "BTC/USD", Last: 100})
	src := &fakeSource{snap: state.AccountSnapshot{Balances: map[string]state.Balance{
		"USD": {Asset: "USD", Free: 500, Locked: 100},
		"BTC": {Asset: "BTC", Free: 2},
		"XYZ": {Asset: "XYZ", Free: 9},
	}, Time: time.Now()}}

	m := NewManager(src, store, "USD", time.Second, nil)
	require.NoError(t, m.Sync(context.Background()))

	snap := store.Snapshot()
	assert.Equal(t, 800.0, snap.Equity)
	assert.Equal(t, 500.0, snap.Free("USD"))
	assert.False(t, m.LastSync().IsZero())
}

func TestSyncErrorKeepsPreviousSnapshot(t *testing.T) {
	store := state.NewStore(nil, nil, nil)
	src := &fakeSource{snap: state.AccountSnapshot{Balances: map[string]state.Balance{"USD": {Free: 10}}, Time: time.Now()}}
	m := NewManager(src, store, "USD", time.Second, nil)
	require.NoError(t, m.Sync(context.Background()))

	src.err = errors.New("down")
	assert.Error(t, m.Sync(context.Background()))
	assert.Equal(t, 10.0, store.Snapshot().Free("USD"))
}

func TestReserveRelease(t *testing.T) {
	m := NewManager(nil, state.NewStore(nil, nil, nil), "USD", time.Second, nil)
	require.NoError(t, m.Reserve("a", "USD", 50))
	require.NoError(t, m.Reserve("b", "USD", 25))
	assert.Error(t, m.Reserve("a", "USD", 1))
	assert.Equal(t, 75.0, m.Reserved("USD"))

	m.Release("a")
	m.Release("a")
	assert.Equal(t, 25.0, m.Reserved("USD"))
	m.Release("b")
	assert.Equal(t, 0.0, m.Reserved("USD"))
}

func TestSettleHoldsReservationUntilFreshSnapshot(t *testing.T) {
	ctx := context.Background()
	store := state.NewStore(nil, nil, nil)
	wallet := func(usd float64, at time.Time) state.AccountSnapshot {
		return state.AccountSnapshot{Balances: map[string]state.Balance{"USD": {Asset: "USD", Free: usd}}, Time: at}
	}
	t0 := time.Now()
	src := &fakeSource{snap: wallet(1000, t0)}
	m := NewManager(src, store, "USD", time.Second, nil)
	require.NoError(t, m.Sync(ctx))

	require.NoError(t, m.Reserve("a", "USD", 900))
	require.NoError(t, m.Reserve("b", "USD", 50))

	// a fetch already in flight when the order settles may predate the fill
	src.snap = wallet(1000, t0.Add(time.Second))
	src.during = func() { m.Settle("a") }
	require.NoError(t, m.Sync(ctx))
	assert.Equal(t, 950.0, m.Reserved("USD"))

	m.Settle("unknown")
	src.snap = wallet(100, t0.Add(2*time.Second))
	require.NoError(t, m.Sync(ctx))
	assert.Equal(t, 50.0, m.Reserved("USD"))
	assert.Equal(t, 100.0, store.Snapshot().Free("USD"))
}

func TestSettleWaitsOutFailedAndOutdatedSyncs(t *testing.T) {
	ctx := context.Background()
	store := state.NewStore(nil, nil, nil)
	t0 := time.Now()
	src := &fakeSource{snap: state.AccountSnapshot{Balances: map[string]state.Balance{"USD": {Free: 1000}}, Time: t0}}
	m := NewManager(src, store, "USD", time.Second, nil)
	require.NoError(t, m.Sync(ctx))
	require.NoError(t, m.Reserve("a", "USD", 900))
	m.Settle("a")

	src.err = errors.New("down")
	assert.Error(t, m.Sync(ctx))
	assert.Equal(t, 900.0, m.Reserved("USD"))

	src.err = nil
	src.snap.Time = t0.Add(-time.Minute)
	require.NoError(t, m.Sync(ctx))
	assert.Equal(t, 900.0, m.Reserved("USD"), "an older snapshot is not stored")

	src.snap.Time = t0.Add(time.Minute)
	require.NoError(t, m.Sync(ctx))
	assert.Zero(t, m.Reserved("USD"))
}
