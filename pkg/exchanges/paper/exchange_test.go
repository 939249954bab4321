package paper

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roostoo-bot/pkg/exchanges/common"
)

func balanceOf(t *testing.T, ex *Exchange, asset string) common.Balance {
	t.Helper()
	bals, err := ex.Balances(context.Background())
	require.NoError(t, err)
	for _, b := range bals {
		if b.Asset == asset {
			return b
		}
	}
	return common.Balance{Asset: asset}
}

func TestMarketBuyFillsAndSettles(t *testing.T) {
	ex := New(Config{InitialBalances: map[string]float64{"USD": 1000}, FeeRate: 0.001})
	ex.SetPrice(common.Ticker{Symbol: "BTC/USD", Last: 100})

	res, err := ex.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "BTC/USD", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, common.StatusFilled, res.Status)
	assert.Equal(t, 2.0, res.FilledQty)

	assert.InDelta(t, 1000-200.2, balanceOf(t, ex, "USD").Free, 1e-9)
	assert.Equal(t, 2.0, balanceOf(t, ex, "BTC").Free)
}

func TestLimitOrderRestsUntilCrossed(t *testing.T) {
	ex := New(Config{InitialBalances: map[string]float64{"USD": 1000}})
	ex.SetPrice(common.Ticker{Symbol: "BTC/USD", Last: 100})

	res, err := ex.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "BTC/USD", Side: common.SideBuy, Type: common.OrderTypeLimit, Qty: 1, Price: 95,
	})
	require.NoError(t, err)
	assert.Equal(t, common.StatusNew, res.Status)
	assert.Equal(t, 95.0, balanceOf(t, ex, "USD").Locked)

	n, _ := ex.PendingCount(context.Background())
	assert.Equal(t, 1, n)

	ex.SetPrice(common.Ticker{Symbol: "BTC/USD", Last: 94})
	got, err := ex.QueryOrder(context.Background(), res.ExchangeOrderID)
	require.NoError(t, err)
	assert.Equal(t, common.StatusFilled, got.Status)
	assert.Equal(t, 95.0, got.AvgPrice)
	assert.Equal(t, 0.0, balanceOf(t, ex, "USD").Locked)
}

func TestCancelReleasesFunds(t *testing.T) {
	ex := New(Config{InitialBalances: map[string]float64{"BTC": 1}})
	ex.SetPrice(common.Ticker{Symbol: "BTC/USD", Last: 100})

	res, err := ex.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "BTC/USD", Side: common.SideSell, Type: common.OrderTypeLimit, Qty: 1, Price: 120,
	})
	require.NoError(t, err)
	require.NoError(t, ex.CancelOrder(context.Background(), "BTC/USD", res.ExchangeOrderID))
	assert.Equal(t, 1.0, balanceOf(t, ex, "BTC").Free)

	var apiErr *common.APIError
	err = ex.CancelOrder(context.Background(), "BTC/USD", res.ExchangeOrderID)
	assert.True(t, errors.As(err, &apiErr))
}

func TestInjectedAppliedFaultStillPlaces(t *testing.T) {
	ex := New(Config{InitialBalances: map[string]float64{"USD": 1000}})
	ex.SetPrice(common.Ticker{Symbol: "BTC/USD", Last: 100})
	boom := errors.New("timeout")
	ex.InjectFault("place_order", 1, boom, true)

	_, err := ex.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "BTC/USD", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 1,
	})
	assert.ErrorIs(t, err, boom)

	orders, err := ex.QueryOrders(context.Background(), "BTC/USD", false)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestInsufficientBalance(t *testing.T) {
	ex := New(Config{InitialBalances: map[string]float64{"USD": 10}})
	ex.SetPrice(common.Ticker{Symbol: "BTC/USD", Last: 100})
	_, err := ex.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "BTC/USD", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 1,
	})
	var apiErr *common.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "insufficient balance", apiErr.Msg)
}
