package roostoo

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"roostoo-bot/pkg/exchanges/common"
)

// Config contains credentials and endpoint for the Roostoo mock exchange.
type Config struct {
	BaseURL   string
	APIKey    string
	SecretKey string
	Timeout   time.Duration // per-request HTTP timeout
	RateLimit float64       // requests per second, 0 disables throttling
}

// Client is a signed REST client for the Roostoo v3 API.
type Client struct {
	cfg         Config
	httpClient  *http.Client
	timeSync    *common.TimeSync
	rateLimiter *common.RateLimiter
	log         *zap.Logger
}

var _ common.Exchange = (*Client)(nil)

// New creates a Roostoo client.
func New(cfg Config, log *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		rateLimiter: common.NewRateLimiter(cfg.RateLimit, 2, log),
		log:         log.With(zap.String("component", "roostoo")),
	}
	c.timeSync = common.NewTimeSync(c.ServerTime, c.log)
	return c
}

// StartTimeSync keeps the signed timestamp aligned with the server clock.
func (c *Client) StartTimeSync(ctx context.Context) {
	c.timeSync.Start(ctx)
}

// ServerTime returns the exchange clock in unix millis.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	var out serverTimeResponse
	if err := c.do(ctx, http.MethodGet, "/v3/serverTime", nil, false, &out); err != nil {
		return 0, err
	}
	return out.ServerTime, nil
}

// ExchangeInfo returns trading rules for every pair.
func (c *Client) ExchangeInfo(ctx context.Context) (common.ExchangeInfo, error) {
	var out exchangeInfoResponse
	if err := c.do(ctx, http.MethodGet, "/v3/exchangeInfo", nil, false, &out); err != nil {
		return common.ExchangeInfo{}, err
	}
	info := common.ExchangeInfo{IsRunning: out.IsRunning, Pairs: make(map[string]common.PairInfo, len(out.TradePairs))}
	for sym, p := range out.TradePairs {
		info.Pairs[sym] = common.PairInfo{
			Symbol:          sym,
			Coin:            p.Coin,
			Unit:            p.Unit,
			CanTrade:        p.CanTrade,
			PricePrecision:  p.PricePrecision,
			AmountPrecision: p.AmountPrecision,
			MinNotional:     p.MiniOrder,
		}
	}
	return info, nil
}

// Ticker fetches the top of book for one pair.
func (c *Client) Ticker(ctx context.Context, symbol string) (common.Ticker, error) {
	params := map[string]string{"pair": symbol}
	var out tickerResponse
	if err := c.do(ctx, http.MethodGet, "/v3/ticker", params, false, &out); err != nil {
		return common.Ticker{}, err
	}
	if !out.Success {
		return common.Ticker{}, &common.APIError{Endpoint: "/v3/ticker", Msg: out.ErrMsg}
	}
	t, ok := out.Data[symbol]
	if !ok {
		return common.Ticker{}, &common.APIError{Endpoint: "/v3/ticker", Msg: "no data for " + symbol}
	}
	return common.Ticker{
		Symbol:     symbol,
		Bid:        t.MaxBid,
		Ask:        t.MinAsk,
		Last:       t.LastPrice,
		ServerTime: out.ServerTime,
	}, nil
}

// Balances returns the wallet.
func (c *Client) Balances(ctx context.Context) ([]common.Balance, error) {
	var out balanceResponse
	if err := c.do(ctx, http.MethodGet, "/v3/balance", map[string]string{}, true, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, &common.APIError{Endpoint: "/v3/balance", Msg: out.ErrMsg}
	}
	wallet := out.SpotWallet
	if len(wallet) == 0 {
		wallet = out.Wallet
	}
	balances := make([]common.Balance, 0, len(wallet))
	for asset, w := range wallet {
		balances = append(balances, common.Balance{Asset: asset, Free: w.Free, Locked: w.Lock})
	}
	sort.Slice(balances, func(i, j int) bool { return balances[i].Asset < balances[j].Asset })
	return balances, nil
}

// PlaceOrder submits a MARKET or LIMIT order. Quantities and prices must
// already be rounded to the pair's precision.
func (c *Client) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	params := map[string]string{
		"pair":     req.Symbol,
		"side":     string(req.Side),
		"type":     string(req.Type),
		"quantity": common.FormatDecimal(req.Qty),
	}
	if req.Type == common.OrderTypeLimit {
		if req.Price <= 0 {
			return common.OrderResult{}, fmt.Errorf("limit order requires price")
		}
		params["price"] = common.FormatDecimal(req.Price)
	}

	var out placeOrderResponse
	if err := c.do(ctx, http.MethodPost, "/v3/place_order", params, true, &out); err != nil {
		return common.OrderResult{}, err
	}
	if !out.Success {
		return common.OrderResult{}, &common.APIError{Endpoint: "/v3/place_order", Msg: out.ErrMsg}
	}
	return toResult(out.OrderDetail), nil
}

// CancelOrder cancels one order. The exchange confirms by listing the id.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	params := map[string]string{"order_id": exchangeOrderID}
	var out cancelOrderResponse
	if err := c.do(ctx, http.MethodPost, "/v3/cancel_order", params, true, &out); err != nil {
		return err
	}
	if !out.Success {
		return &common.APIError{Endpoint: "/v3/cancel_order", Msg: out.ErrMsg}
	}
	for _, id := range out.CanceledList {
		if strconv.FormatInt(id, 10) == exchangeOrderID {
			return nil
		}
	}
	return &common.APIError{Endpoint: "/v3/cancel_order", Msg: "order " + exchangeOrderID + " not in canceled list"}
}

// QueryOrder returns the exchange record of one order.
func (c *Client) QueryOrder(ctx context.Context, exchangeOrderID string) (common.OrderResult, error) {
	var out queryOrderResponse
	if err := c.do(ctx, http.MethodPost, "/v3/query_order", map[string]string{"order_id": exchangeOrderID}, true, &out); err != nil {
		return common.OrderResult{}, err
	}
	if !out.Success && !noOrderMatched(out.ErrMsg) {
		return common.OrderResult{}, &common.APIError{Endpoint: "/v3/query_order", Msg: out.ErrMsg}
	}
	if len(out.OrderMatched) == 0 {
		return common.OrderResult{}, common.ErrOrderNotFound
	}
	return toResult(out.OrderMatched[0]), nil
}

// noOrderMatched reports whether a failed query_order reply only means the
// filter matched nothing.
func noOrderMatched(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "no order matched")
}

// QueryOrders lists orders for a pair, newest first as the exchange returns them.
func (c *Client) QueryOrders(ctx context.Context, symbol string, pendingOnly bool) ([]common.OrderResult, error) {
	params := map[string]string{"pair": symbol, "pending_only": strings.ToUpper(strconv.FormatBool(pendingOnly))}
	var out queryOrderResponse
	if err := c.do(ctx, http.MethodPost, "/v3/query_order", params, true, &out); err != nil {
		return nil, err
	}
	// An empty match is reported as Success=false.
	if !out.Success && !noOrderMatched(out.ErrMsg) {
		return nil, &common.APIError{Endpoint: "/v3/query_order", Msg: out.ErrMsg}
	}
	results := make([]common.OrderResult, 0, len(out.OrderMatched))
	for _, d := range out.OrderMatched {
		results = append(results, toResult(d))
	}
	return results, nil
}

// PendingCount returns the number of open orders on the account.
func (c *Client) PendingCount(ctx context.Context) (int, error) {
	var out pendingCountResponse
	if err := c.do(ctx, http.MethodGet, "/v3/pending_count", map[string]string{}, true, &out); err != nil {
		return 0, err
	}
	return out.TotalPending, nil
}

// do sends a request. Signed requests carry RST-API-KEY and MSG-SIGNATURE;
// every request with params carries a timestamp.
func (c *Client) do(ctx context.Context, method, path string, params map[string]string, signed bool, out any) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return err
	}

	values := url.Values{}
	if params != nil {
		params["timestamp"] = strconv.FormatInt(c.timeSync.Now(), 10)
		for k, v := range params {
			values.Set(k, v)
		}
	}

	var sig string
	if signed {
		if c.cfg.APIKey == "" || c.cfg.SecretKey == "" {
			return fmt.Errorf("%s: %w: missing api key or secret", path, common.ErrSigning)
		}
		sig = sign(payload(params), c.cfg.SecretKey)
	}

	var (
		req *http.Request
		err error
	)
	endpoint := c.cfg.BaseURL + path
	switch method {
	case http.MethodGet:
		if len(values) > 0 {
			endpoint += "?" + values.Encode()
		}
		req, err = http.NewRequestWithContext(ctx, method, endpoint, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(values.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return err
	}
	if signed {
		req.Header.Set("RST-API-KEY", c.cfg.APIKey)
		req.Header.Set("MSG-SIGNATURE", sig)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode == http.StatusTooManyRequests {
		c.rateLimiter.Throttled(time.Second)
	}
	if res.StatusCode >= 300 {
		return &common.HTTPError{StatusCode: res.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// payload renders params as sorted k=v pairs joined by '&', unescaped, which
// is the string the exchange signs.
func payload(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, "&")
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func toResult(d orderDetail) common.OrderResult {
	r := common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(d.OrderID, 10),
		Symbol:          d.Pair,
		Side:            common.Side(strings.ToUpper(d.Side)),
		Type:            common.OrderType(strings.ToUpper(d.Type)),
		Status:          mapStatus(d.Status, d.FilledQuantity),
		Price:           d.Price,
		Qty:             d.Quantity,
		FilledQty:       d.FilledQuantity,
		AvgPrice:        d.FilledAverPrice,
		Commission:      d.CommissionChargeValue,
	}
	if d.CreateTimestamp > 0 {
		r.CreatedAt = time.UnixMilli(d.CreateTimestamp)
	}
	r.UpdatedAt = r.CreatedAt
	if d.FinishTimestamp > 0 {
		r.UpdatedAt = time.UnixMilli(d.FinishTimestamp)
	}
	return r
}

func mapStatus(s string, filled float64) common.OrderStatus {
	switch strings.ToUpper(s) {
	case "PENDING":
		if filled > 0 {
			return common.StatusPartial
		}
		return common.StatusNew
	case "FILLED":
		return common.StatusFilled
	case "CANCELED", "CANCELLED":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	default:
		return common.StatusUnknown
	}
}
