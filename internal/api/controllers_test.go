package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"roostoo-bot/internal/engine"
	"roostoo-bot/internal/errs"
	"roostoo-bot/internal/events"
	"roostoo-bot/internal/monitor"
	"roostoo-bot/internal/order"
	"roostoo-bot/internal/reconciliation"
	"roostoo-bot/internal/strategy"
	"roostoo-bot/pkg/db"
)

const testSecret = "test-secret"

type fakeEngine struct {
	mu         sync.Mutex
	strategies map[string]*strategy.Info
	orders     map[string]order.Order
	cancelErr  error
	reconciles int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		strategies: map[string]*strategy.Info{
			"dip": {ID: "dip", Name: "dip", Symbol: "BTC/USD", Enabled: true},
		},
		orders: map[string]order.Order{
			"o-1": {ClientOrderID: "o-1", Symbol: "BTC/USD", State: order.StateFilled},
			"o-2": {ClientOrderID: "o-2", Symbol: "ETH/USD", State: order.StateSubmitted},
		},
	}
}

func (f *fakeEngine) setEnabled(id string, on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.strategies[id]
	if !ok {
		return fmt.Errorf("%w: %s", strategy.ErrUnknownStrategy, id)
	}
	info.Enabled = on
	return nil
}

func (f *fakeEngine) EnableStrategy(_ context.Context, id string) error {
	return f.setEnabled(id, true)
}
func (f *fakeEngine) DisableStrategy(_ context.Context, id string) error {
	return f.setEnabled(id, false)
}

func (f *fakeEngine) ListStrategies(context.Context) ([]strategy.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]strategy.Info, 0, len(f.strategies))
	for _, info := range f.strategies {
		out = append(out, *info)
	}
	return out, nil
}

func (f *fakeEngine) GetStrategy(_ context.Context, id string) (strategy.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.strategies[id]
	if !ok {
		return strategy.Info{}, strategy.ErrUnknownStrategy
	}
	return *info, nil
}

func (f *fakeEngine) ListOrders(_ context.Context, openOnly bool) ([]order.Order, error) {
	var out []order.Order
	for _, id := range []string{"o-1", "o-2"} {
		o := f.orders[id]
		if openOnly && o.State.Terminal() {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (f *fakeEngine) GetOrder(_ context.Context, id string) (order.Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return order.Order{}, fmt.Errorf("%w: %s", order.ErrUnknownOrder, id)
	}
	return o, nil
}

func (f *fakeEngine) CancelOrder(_ context.Context, id string) error {
	if _, ok := f.orders[id]; !ok {
		return order.ErrUnknownOrder
	}
	return f.cancelErr
}

func (f *fakeEngine) Reconcile(context.Context) (*reconciliation.Report, error) {
	f.reconciles++
	return &reconciliation.Report{OrdersChecked: 1}, nil
}

func (f *fakeEngine) ResolveOrder(_ context.Context, id string) error {
	if _, ok := f.orders[id]; !ok {
		return order.ErrUnknownOrder
	}
	return nil
}

func (f *fakeEngine) ReconciliationEvents(_ context.Context, limit int) ([]db.ReconciliationEvent, error) {
	evs := []db.ReconciliationEvent{
		{Kind: "position", Subject: "BTC/USD", LocalValue: "1", ExchangeValue: "0.5"},
		{Kind: "order", Subject: "o-2", LocalValue: "SUBMITTED", ExchangeValue: "FILLED"},
	}
	return evs[:min(limit, len(evs))], nil
}

func (f *fakeEngine) GetPositions(context.Context) ([]engine.Position, error) {
	return []engine.Position{{Symbol: "BTC/USD", Quantity: 0.5, AvgCost: 100, LastPrice: 110, UnrealizedPnL: 5}}, nil
}

func (f *fakeEngine) GetBalance(context.Context) (*engine.BalanceInfo, error) {
	return &engine.BalanceInfo{Quote: "USD", Free: 1000, Equity: 1055}, nil
}

func (f *fakeEngine) GetRiskMetrics(context.Context) (*engine.RiskMetrics, error) {
	return &engine.RiskMetrics{Approved: 3, Rejected: 1}, nil
}

func (f *fakeEngine) GetSystemStatus(context.Context) *engine.SystemStatus {
	return &engine.SystemStatus{Mode: "dry-run", DryRun: true, Venue: "paper", Version: engine.Version}
}

type testServer struct {
	*httptest.Server
	engine *fakeEngine
	bus    *events.Bus
	token  string
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fe := newFakeEngine()
	bus := events.NewBus()
	if opts.JWTSecret == "" {
		opts.JWTSecret = testSecret
	}
	s := NewServer(fe, bus, monitor.NewSystemMetrics(), opts, zaptest.NewLogger(t))
	ts := httptest.NewServer(s.Router)
	t.Cleanup(ts.Close)

	token, err := IssueToken("tester", opts.JWTSecret, time.Now().Add(time.Hour))
	require.NoError(t, err)
	return &testServer{Server: ts, engine: fe, bus: bus, token: token}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthAndStatusArePublic(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp, body := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, body = ts.do(t, http.MethodGet, "/api/status", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "dry-run", body["mode"])
	assert.Equal(t, engine.Version, body["version"])
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t, Options{})

	for _, path := range []string{"/api/strategies", "/api/orders", "/api/positions", "/api/balance", "/api/risk"} {
		resp, body := ts.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		assert.Equal(t, "MISSING_TOKEN", body["code"], path)
	}

	resp, body := ts.do(t, http.MethodGet, "/api/strategies", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_TOKEN", body["code"])

	other, err := IssueToken("x", "another-secret", time.Now().Add(time.Hour))
	require.NoError(t, err)
	resp, _ = ts.do(t, http.MethodGet, "/api/strategies", other, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	expired, err := IssueToken("x", testSecret, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	resp, _ = ts.do(t, http.MethodGet, "/api/strategies", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLoginIssuesUsableToken(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	ts := newTestServer(t, Options{PasswordHash: hash})

	resp, body := ts.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "INVALID_CREDENTIALS", body["code"])

	resp, body = ts.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"password": "hunter2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)

	resp, _ = ts.do(t, http.MethodGet, "/api/strategies", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLoginDisabledWithoutHash(t *testing.T) {
	ts := newTestServer(t, Options{})
	resp, body := ts.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"password": "x"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "LOGIN_DISABLED", body["code"])
}

func TestStrategyToggle(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp, body := ts.do(t, http.MethodPost, "/api/strategies/dip/disable", ts.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["enabled"])

	resp, body = ts.do(t, http.MethodGet, "/api/strategies/dip", ts.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["enabled"])

	resp, _ = ts.do(t, http.MethodPost, "/api/strategies/dip/enable", ts.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, "/api/strategies/nope/enable", ts.token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "STRATEGY_NOT_FOUND", body["code"])
}

func TestOrderEndpoints(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp, body := ts.do(t, http.MethodGet, "/api/orders", ts.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["count"])

	resp, body = ts.do(t, http.MethodGet, "/api/orders?open=true", ts.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["count"])

	resp, body = ts.do(t, http.MethodGet, "/api/orders?symbol=BTC/USD", ts.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["count"])

	resp, body = ts.do(t, http.MethodGet, "/api/orders/o-1", ts.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "o-1", body["client_order_id"])

	resp, body = ts.do(t, http.MethodGet, "/api/orders/missing", ts.token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "ORDER_NOT_FOUND", body["code"])

	resp, _ = ts.do(t, http.MethodPost, "/api/orders/o-2/cancel", ts.token, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	ts.engine.cancelErr = fmt.Errorf("cancel o-1: %w", order.ErrInvalidTransition)
	resp, body = ts.do(t, http.MethodPost, "/api/orders/o-1/cancel", ts.token, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "INVALID_STATE", body["code"])

	ts.engine.cancelErr = errs.Wrap(errs.KindGatewayUnavailable, "cancel_order", fmt.Errorf("timeout"))
	resp, body = ts.do(t, http.MethodPost, "/api/orders/o-2/cancel", ts.token, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "GATEWAY_UNAVAILABLE", body["code"])

	resp, body = ts.do(t, http.MethodPost, "/api/orders/o-2/resolve", ts.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "o-2", body["client_order_id"])

	resp, body = ts.do(t, http.MethodPost, "/api/reconcile", ts.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["orders_checked"])
	assert.Equal(t, 1, ts.engine.reconciles)

	resp, body = ts.do(t, http.MethodGet, "/api/reconcile/events?limit=1", ts.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	evs, _ := body["events"].([]any)
	require.Len(t, evs, 1)
	assert.Equal(t, "position", evs[0].(map[string]any)["kind"])
}

func TestPortfolioViews(t *testing.T) {
	ts := newTestServer(t, Options{})

	resp, body := ts.do(t, http.MethodGet, "/api/positions", ts.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	positions, _ := body["positions"].([]any)
	require.Len(t, positions, 1)

	resp, body = ts.do(t, http.MethodGet, "/api/balance", ts.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "USD", body["quote"])

	resp, _ = ts.do(t, http.MethodGet, "/api/risk", ts.token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsCountRequests(t *testing.T) {
	ts := newTestServer(t, Options{})

	ts.do(t, http.MethodGet, "/health", "", nil)
	ts.do(t, http.MethodGet, "/api/orders", "", nil)

	resp, body := ts.do(t, http.MethodGet, "/api/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	m, _ := body["metrics"].(map[string]any)
	require.NotNil(t, m)
	assert.EqualValues(t, 2, m["api_requests"])
	assert.EqualValues(t, 1, m["api_errors"])
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, Options{RateLimit: 1, Burst: 2})

	var codes []int
	for i := 0; i < 4; i++ {
		resp, _ := ts.do(t, http.MethodGet, "/health", "", nil)
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, http.StatusOK, codes[0])
	assert.Equal(t, http.StatusTooManyRequests, codes[3])
}

func TestWebsocketStreamsBusEvents(t *testing.T) {
	ts := newTestServer(t, Options{})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	header := http.Header{"Authorization": []string{"Bearer " + ts.token}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is set up after the handshake; publish until it lands.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tk := time.NewTicker(10 * time.Millisecond)
		defer tk.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tk.C:
				ts.bus.Publish(events.EventOrderFilled, map[string]string{"client_order_id": "o-1"})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg struct {
		Event   string            `json:"event"`
		Payload map[string]string `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, string(events.EventOrderFilled), msg.Event)
	assert.Equal(t, "o-1", msg.Payload["client_order_id"])
}
