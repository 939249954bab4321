package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roostoo-bot/internal/errs"
	"roostoo-bot/internal/monitor"
	"roostoo-bot/pkg/config"
	"roostoo-bot/pkg/exchanges/common"
	"roostoo-bot/pkg/exchanges/paper"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newTestGateway(t *testing.T) (*Gateway, *paper.Exchange, *monitor.SystemMetrics) {
	t.Helper()
	ex := paper.New(paper.Config{InitialBalances: map[string]float64{"USD": 10000, "BTC": 1}})
	ex.SetPrice(common.Ticker{Symbol: "BTC/USD", Bid: 99, Ask: 101, Last: 100, ServerTime: 1000})
	m := monitor.NewSystemMetrics()
	gw := New(ex, Config{Timeout: time.Second, Retry: RetryPolicy{MaxAttempts: 5, Sleep: noSleep}}, m, nil)
	return gw, ex, m
}

func buySpec() OrderSpec {
	return OrderSpec{
		ClientOrderID: "c1",
		Symbol:        "BTC/USD",
		Side:          common.SideBuy,
		Type:          common.OrderTypeMarket,
		Qty:           0.5,
		CreatedAt:     time.Now(),
	}
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Duration(0), p.Backoff(0))
	assert.Equal(t, 500*time.Millisecond, p.Backoff(1))
	assert.Equal(t, time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(4))
	assert.Equal(t, 8*time.Second, p.Backoff(5))
	assert.Equal(t, 8*time.Second, p.Backoff(9))
}

func TestGetTickerUsesServerTimeAsSeq(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	tick, err := gw.GetTicker(context.Background(), "BTC/USD")
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), tick.Seq)
	assert.Equal(t, 100.0, tick.Last)
	assert.Equal(t, int64(1000), tick.Time.UnixMilli())
}

func TestTransientErrorsExhaustBudget(t *testing.T) {
	gw, ex, m := newTestGateway(t)
	ex.InjectFault("ticker", 5, context.DeadlineExceeded, false)

	_, err := gw.GetTicker(context.Background(), "BTC/USD")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.GatewayUnavailable)
	assert.Equal(t, uint64(4), m.GetSnapshot().GatewayRetries)
	assert.Equal(t, 5, gw.Health().ConsecutiveFailures)
}

func TestTransientErrorRecovers(t *testing.T) {
	gw, ex, _ := newTestGateway(t)
	ex.InjectFault("balance", 2, &common.HTTPError{StatusCode: 503}, false)

	snap, err := gw.GetBalances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10000.0, snap.Free("USD"))
	assert.Equal(t, 0, gw.Health().ConsecutiveFailures)
}

func TestClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		kind      errs.Kind
		transient bool
	}{
		{"signing", common.ErrSigning, errs.KindConfig, false},
		{"api", &common.APIError{Endpoint: "place_order", Msg: "insufficient balance"}, errs.KindRejectedByExchange, false},
		{"unauthorized", &common.HTTPError{StatusCode: 401}, errs.KindConfig, false},
		{"bad request", &common.HTTPError{StatusCode: 400}, errs.KindRejectedByExchange, false},
		{"throttled", &common.HTTPError{StatusCode: 429}, "", true},
		{"timeout", context.DeadlineExceeded, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, transient := classify("op", tc.err)
			assert.Equal(t, tc.transient, transient)
			assert.Equal(t, tc.kind, errs.KindOf(got))
		})
	}
}

func TestSigningFailureNotRetried(t *testing.T) {
	gw, ex, m := newTestGateway(t)
	ex.InjectFault("balance", 1, common.ErrSigning, false)
	_, err := gw.GetBalances(context.Background())
	assert.True(t, errs.IsFatal(err))
	assert.Equal(t, uint64(0), m.GetSnapshot().GatewayRetries)
}

func TestPlaceOrderRejectedIsTranslated(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	spec := buySpec()
	spec.Qty = 1000
	_, err := gw.PlaceOrder(context.Background(), spec)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.RejectedByExchange)
	var apiErr *common.APIError
	assert.False(t, errors.As(err, &apiErr))
}

func TestPlaceOrderAdoptsOrderPlacedByLostResponse(t *testing.T) {
	gw, ex, _ := newTestGateway(t)
	ex.InjectFault("place_order", 1, context.DeadlineExceeded, true)

	st, err := gw.PlaceOrder(context.Background(), buySpec())
	require.NoError(t, err)
	assert.Equal(t, common.StatusFilled, st.Status)

	orders, err := ex.QueryOrders(context.Background(), "BTC/USD", false)
	require.NoError(t, err)
	assert.Len(t, orders, 1, "the order must not be placed twice")
	assert.Equal(t, orders[0].ExchangeOrderID, st.ExchangeOrderID)
}

func TestPlaceOrderResubmitsAfterProvenAbsence(t *testing.T) {
	gw, ex, _ := newTestGateway(t)
	ex.InjectFault("place_order", 2, context.DeadlineExceeded, false)

	st, err := gw.PlaceOrder(context.Background(), buySpec())
	require.NoError(t, err)
	assert.NotEmpty(t, st.ExchangeOrderID)

	orders, err := ex.QueryOrders(context.Background(), "BTC/USD", false)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestPlaceOrderFiveTimeoutsIsAmbiguous(t *testing.T) {
	gw, ex, _ := newTestGateway(t)
	ex.InjectFault("place_order", 5, context.DeadlineExceeded, false)

	_, err := gw.PlaceOrder(context.Background(), buySpec())
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.GatewayUnavailable)
	assert.True(t, errs.IsAmbiguous(err))

	orders, err := ex.QueryOrders(context.Background(), "BTC/USD", false)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestFindOrderSkipsClaimedOrders(t *testing.T) {
	gw, ex, _ := newTestGateway(t)
	first, err := gw.PlaceOrder(context.Background(), buySpec())
	require.NoError(t, err)

	// a second identical order placed outside this gateway
	_, err = ex.PlaceOrder(context.Background(), common.OrderRequest{
		Symbol: "BTC/USD", Side: common.SideBuy, Type: common.OrderTypeMarket, Qty: 0.5,
	})
	require.NoError(t, err)

	st, found, err := gw.FindOrder(context.Background(), buySpec())
	require.NoError(t, err)
	require.True(t, found)
	assert.NotEqual(t, first.ExchangeOrderID, st.ExchangeOrderID)

	_, found, err = gw.FindOrder(context.Background(), buySpec())
	require.NoError(t, err)
	assert.False(t, found)
}

func TestExchangeInfoRoundsOrders(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	_, err := gw.ExchangeInfo(context.Background())
	require.NoError(t, err)

	spec := buySpec()
	spec.Qty = 0.12345678
	st, err := gw.PlaceOrder(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 0.123456, st.Qty)

	got, err := gw.GetOrderStatus(context.Background(), "BTC/USD", st.ExchangeOrderID)
	require.NoError(t, err)
	assert.Equal(t, st.ExchangeOrderID, got.ExchangeOrderID)

	_, err = gw.GetOrderStatus(context.Background(), "BTC/USD", "missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)

	n, err := gw.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestNewExchangeDryRun(t *testing.T) {
	cfg := &config.Config{DryRun: true, DryRunBalance: 500, Symbols: []string{"ETH/USDT"}}
	ex, p := NewExchange(cfg, nil)
	require.NotNil(t, p)
	bals, err := ex.Balances(context.Background())
	require.NoError(t, err)
	require.Len(t, bals, 1)
	assert.Equal(t, "USDT", bals[0].Asset)
	assert.Equal(t, 500.0, bals[0].Free)
}
