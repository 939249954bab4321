// Package gateway is the bot's only path to the exchange. It adds per-call
// timeouts, bounded retries and error classification on top of a raw
// common.Exchange, so nothing above it sees venue-specific failures.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"roostoo-bot/internal/errs"
	"roostoo-bot/internal/market"
	"roostoo-bot/internal/monitor"
	"roostoo-bot/internal/state"
	"roostoo-bot/pkg/exchanges/common"
)

// ErrOrderNotFound is returned when the exchange has no record of an order.
var ErrOrderNotFound = common.ErrOrderNotFound

// Config tunes the gateway.
type Config struct {
	Timeout time.Duration // per request
	Retry   RetryPolicy
	// MatchSkew widens the creation-time window used when looking up an
	// order whose placement outcome is unknown.
	MatchSkew time.Duration
}

// OrderSpec is what the gateway needs to place or find an order.
type OrderSpec struct {
	ClientOrderID string
	Symbol        string
	Side          common.Side
	Type          common.OrderType
	Qty           float64
	Price         float64
	CreatedAt     time.Time
}

// OrderStatus is the exchange's view of one order.
type OrderStatus struct {
	ExchangeOrderID string
	Symbol          string
	Side            common.Side
	Type            common.OrderType
	Status          common.OrderStatus
	Price           float64
	Qty             float64
	FilledQty       float64
	AvgPrice        float64
	Commission      float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Open reports whether the order can still trade.
func (s OrderStatus) Open() bool {
	return s.Status == common.StatusNew || s.Status == common.StatusPartial
}

// Health summarizes recent call outcomes.
type Health struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success"`
	LastError           string    `json:"last_error,omitempty"`
}

// Gateway wraps a raw exchange client.
type Gateway struct {
	ex      common.Exchange
	cfg     Config
	metrics *monitor.SystemMetrics
	log     *zap.Logger

	mu      sync.Mutex
	pairs   map[string]common.PairInfo
	claimed map[string]struct{}
	health  Health
}

// New creates a gateway. metrics may be nil.
func New(ex common.Exchange, cfg Config, metrics *monitor.SystemMetrics, log *zap.Logger) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MatchSkew <= 0 {
		cfg.MatchSkew = 2 * time.Second
	}
	cfg.Retry = cfg.Retry.normalized()
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		ex:      ex,
		cfg:     cfg,
		metrics: metrics,
		log:     log.With(zap.String("component", "gateway")),
		pairs:   make(map[string]common.PairInfo),
		claimed: make(map[string]struct{}),
	}
}

// classify maps a raw exchange error to an error kind and reports whether it
// may be retried.
func classify(op string, err error) (error, bool) {
	var (
		apiErr  *common.APIError
		httpErr *common.HTTPError
		netErr  net.Error
	)
	switch {
	case errors.Is(err, common.ErrSigning):
		return &errs.Error{Kind: errs.KindConfig, Op: op, Err: err}, false
	case errors.Is(err, common.ErrOrderNotFound):
		return err, false
	case errors.As(err, &apiErr):
		return &errs.Error{Kind: errs.KindRejectedByExchange, Op: op, Msg: apiErr.Msg}, false
	case errors.As(err, &httpErr):
		if httpErr.Transient() {
			return err, true
		}
		if httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden {
			return &errs.Error{Kind: errs.KindConfig, Op: op, Msg: "credentials rejected", Err: err}, false
		}
		return &errs.Error{Kind: errs.KindRejectedByExchange, Op: op, Msg: fmt.Sprintf("http %d", httpErr.StatusCode)}, false
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return err, true
	default:
		// unknown transport failure, outcome unknown
		return err, true
	}
}

// call runs fn with a per-attempt timeout and retries transient failures.
func (g *Gateway) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var last error
	for attempt := 0; attempt < g.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			g.incRetries()
			if err := g.cfg.Retry.wait(ctx, attempt); err != nil {
				return &errs.Error{Kind: errs.KindGatewayUnavailable, Op: op, Err: err}
			}
		}
		err := g.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return &errs.Error{Kind: errs.KindGatewayUnavailable, Op: op, Err: ctx.Err()}
		}
		classified, transient := classify(op, err)
		if !transient {
			return classified
		}
		last = err
		g.log.Warn("transient gateway failure", zap.String("op", op), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return &errs.Error{
		Kind: errs.KindGatewayUnavailable,
		Op:   op,
		Msg:  fmt.Sprintf("gave up after %d attempts", g.cfg.Retry.MaxAttempts),
		Err:  last,
	}
}

func (g *Gateway) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	var timer *monitor.Timer
	if g.metrics != nil {
		timer = monitor.NewTimer(g.metrics.GatewayLatency)
	}
	err := fn(cctx)
	if timer != nil {
		timer.Stop()
	}
	g.record(err)
	return err
}

func (g *Gateway) record(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		g.health.ConsecutiveFailures = 0
		g.health.LastSuccess = time.Now()
		g.health.LastError = ""
		return
	}
	g.health.ConsecutiveFailures++
	g.health.LastError = err.Error()
}

func (g *Gateway) incRetries() {
	if g.metrics != nil {
		g.metrics.IncGatewayRetries()
	}
}

// Health returns the current call health.
func (g *Gateway) Health() Health {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.health
}

// ServerTime returns the exchange clock in unix millis.
func (g *Gateway) ServerTime(ctx context.Context) (int64, error) {
	var ts int64
	err := g.call(ctx, "server_time", func(ctx context.Context) error {
		var err error
		ts, err = g.ex.ServerTime(ctx)
		return err
	})
	return ts, err
}

// ExchangeInfo loads trading rules and caches pair precision.
func (g *Gateway) ExchangeInfo(ctx context.Context) (common.ExchangeInfo, error) {
	var info common.ExchangeInfo
	err := g.call(ctx, "exchange_info", func(ctx context.Context) error {
		var err error
		info, err = g.ex.ExchangeInfo(ctx)
		return err
	})
	if err != nil {
		return info, err
	}
	g.mu.Lock()
	for sym, p := range info.Pairs {
		g.pairs[sym] = p
	}
	g.mu.Unlock()
	return info, nil
}

// Pair returns cached trading rules for symbol.
func (g *Gateway) Pair(symbol string) (common.PairInfo, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pairs[symbol]
	return p, ok
}

// GetTicker returns a normalized tick. Seq is the exchange server time, or
// zero when the exchange did not report one.
func (g *Gateway) GetTicker(ctx context.Context, symbol string) (market.Tick, error) {
	var raw common.Ticker
	err := g.call(ctx, "ticker", func(ctx context.Context) error {
		var err error
		raw, err = g.ex.Ticker(ctx, symbol)
		return err
	})
	if err != nil {
		return market.Tick{}, err
	}
	t := market.Tick{Symbol: symbol, Bid: raw.Bid, Ask: raw.Ask, Last: raw.Last, Time: time.Now()}
	if raw.ServerTime > 0 {
		t.Seq = uint64(raw.ServerTime)
		t.Time = time.UnixMilli(raw.ServerTime)
	}
	return t, nil
}

// GetBalances returns the wallet as an account snapshot. Equity is left for
// the caller to value.
func (g *Gateway) GetBalances(ctx context.Context) (state.AccountSnapshot, error) {
	var raw []common.Balance
	err := g.call(ctx, "balance", func(ctx context.Context) error {
		var err error
		raw, err = g.ex.Balances(ctx)
		return err
	})
	if err != nil {
		return state.AccountSnapshot{}, err
	}
	snap := state.AccountSnapshot{Balances: make(map[string]state.Balance, len(raw)), Time: time.Now()}
	for _, b := range raw {
		snap.Balances[b.Asset] = state.Balance{Asset: b.Asset, Free: b.Free, Locked: b.Locked}
	}
	return snap, nil
}

// normalize rounds quantity and price to the pair's precision when known.
func (g *Gateway) normalize(spec OrderSpec) (OrderSpec, error) {
	p, ok := g.Pair(spec.Symbol)
	if !ok {
		return spec, nil
	}
	if !p.CanTrade {
		return spec, errs.New(errs.KindRejectedByExchange, "place_order", "pair not tradable")
	}
	spec.Qty = p.RoundQty(spec.Qty)
	if spec.Type == common.OrderTypeLimit {
		spec.Price = p.RoundPrice(spec.Price)
	}
	if spec.Qty <= 0 {
		return spec, errs.New(errs.KindRejectedByExchange, "place_order", "quantity rounds to zero")
	}
	return spec, nil
}

// PlaceOrder submits an order. After a failure with unknown outcome it looks
// the order up before sending it again; a match is adopted instead of
// resubmitting. If the budget runs out while the outcome is still unknown the
// returned GatewayUnavailable is marked Ambiguous.
func (g *Gateway) PlaceOrder(ctx context.Context, spec OrderSpec) (OrderStatus, error) {
	const op = "place_order"
	spec, err := g.normalize(spec)
	if err != nil {
		return OrderStatus{}, err
	}
	req := common.OrderRequest{Symbol: spec.Symbol, Side: spec.Side, Type: spec.Type, Qty: spec.Qty, Price: spec.Price}

	var (
		last      error
		ambiguous bool
	)
	for attempt := 0; attempt < g.cfg.Retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			g.incRetries()
			if err := g.cfg.Retry.wait(ctx, attempt); err != nil {
				return OrderStatus{}, &errs.Error{Kind: errs.KindGatewayUnavailable, Op: op, Err: err, Ambiguous: ambiguous}
			}
		}

		if ambiguous {
			var (
				st    OrderStatus
				found bool
			)
			err := g.attempt(ctx, func(ctx context.Context) error {
				var err error
				st, found, err = g.findOnce(ctx, spec)
				return err
			})
			if err != nil {
				last = err
				g.log.Warn("order lookup failed", zap.String("client_order_id", spec.ClientOrderID), zap.Error(err))
				continue
			}
			if found {
				g.log.Info("adopted order placed by an earlier attempt",
					zap.String("client_order_id", spec.ClientOrderID),
					zap.String("exchange_order_id", st.ExchangeOrderID))
				return st, nil
			}
			ambiguous = false
		}

		var timer *monitor.Timer
		if g.metrics != nil {
			timer = monitor.NewTimer(g.metrics.OrderAckLatency)
		}
		var res common.OrderResult
		err := g.attempt(ctx, func(ctx context.Context) error {
			var err error
			res, err = g.ex.PlaceOrder(ctx, req)
			return err
		})
		if timer != nil {
			timer.Stop()
		}
		if err == nil {
			g.claim(res.ExchangeOrderID)
			return fromResult(res), nil
		}
		if ctx.Err() != nil {
			return OrderStatus{}, &errs.Error{Kind: errs.KindGatewayUnavailable, Op: op, Err: ctx.Err(), Ambiguous: true}
		}
		classified, transient := classify(op, err)
		if !transient {
			return OrderStatus{}, classified
		}
		ambiguous = true
		last = err
		g.log.Warn("order placement outcome unknown",
			zap.String("client_order_id", spec.ClientOrderID), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return OrderStatus{}, &errs.Error{
		Kind:      errs.KindGatewayUnavailable,
		Op:        op,
		Msg:       fmt.Sprintf("gave up after %d attempts", g.cfg.Retry.MaxAttempts),
		Err:       last,
		Ambiguous: ambiguous,
	}
}

// FindOrder searches the exchange for an order matching spec that has not
// already been attributed to another local order.
func (g *Gateway) FindOrder(ctx context.Context, spec OrderSpec) (OrderStatus, bool, error) {
	var (
		st    OrderStatus
		found bool
	)
	err := g.call(ctx, "find_order", func(ctx context.Context) error {
		var err error
		st, found, err = g.findOnce(ctx, spec)
		return err
	})
	return st, found, err
}

func (g *Gateway) findOnce(ctx context.Context, spec OrderSpec) (OrderStatus, bool, error) {
	orders, err := g.ex.QueryOrders(ctx, spec.Symbol, false)
	if err != nil {
		return OrderStatus{}, false, err
	}
	since := spec.CreatedAt.Add(-g.cfg.MatchSkew)

	g.mu.Lock()
	defer g.mu.Unlock()
	var best *common.OrderResult
	for i := range orders {
		o := &orders[i]
		if _, taken := g.claimed[o.ExchangeOrderID]; taken {
			continue
		}
		if o.Side != spec.Side || o.Type != spec.Type || !sameQty(o.Qty, spec.Qty) {
			continue
		}
		if spec.Type == common.OrderTypeLimit && !sameQty(o.Price, spec.Price) {
			continue
		}
		if !spec.CreatedAt.IsZero() && !o.CreatedAt.IsZero() && o.CreatedAt.Before(since) {
			continue
		}
		if best == nil || o.CreatedAt.Before(best.CreatedAt) {
			best = o
		}
	}
	if best == nil {
		return OrderStatus{}, false, nil
	}
	g.claimed[best.ExchangeOrderID] = struct{}{}
	return fromResult(*best), true, nil
}

func sameQty(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(1, math.Abs(b))
}

func (g *Gateway) claim(id string) {
	if id == "" {
		return
	}
	g.mu.Lock()
	g.claimed[id] = struct{}{}
	g.mu.Unlock()
}

// GetOrderStatus fetches one order. ErrOrderNotFound is returned unwrapped.
func (g *Gateway) GetOrderStatus(ctx context.Context, symbol, exchangeOrderID string) (OrderStatus, error) {
	var res common.OrderResult
	err := g.call(ctx, "query_order", func(ctx context.Context) error {
		var err error
		res, err = g.ex.QueryOrder(ctx, exchangeOrderID)
		return err
	})
	if err != nil {
		return OrderStatus{}, err
	}
	if res.Symbol != "" && symbol != "" && res.Symbol != symbol {
		return OrderStatus{}, errs.New(errs.KindRejectedByExchange, "query_order",
			fmt.Sprintf("order %s belongs to %s, not %s", exchangeOrderID, res.Symbol, symbol))
	}
	return fromResult(res), nil
}

// CancelOrder cancels an open order. A nil error means the exchange confirmed.
func (g *Gateway) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	return g.call(ctx, "cancel_order", func(ctx context.Context) error {
		return g.ex.CancelOrder(ctx, symbol, exchangeOrderID)
	})
}

// PendingCount returns the number of open orders on the exchange.
func (g *Gateway) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := g.call(ctx, "pending_count", func(ctx context.Context) error {
		var err error
		n, err = g.ex.PendingCount(ctx)
		return err
	})
	return n, err
}

func fromResult(r common.OrderResult) OrderStatus {
	return OrderStatus{
		ExchangeOrderID: r.ExchangeOrderID,
		Symbol:          r.Symbol,
		Side:            r.Side,
		Type:            r.Type,
		Status:          r.Status,
		Price:           r.Price,
		Qty:             r.Qty,
		FilledQty:       r.FilledQty,
		AvgPrice:        r.AvgPrice,
		Commission:      r.Commission,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}
