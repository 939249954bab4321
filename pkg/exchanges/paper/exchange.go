// Package paper is an in-process simulated exchange used for dry runs,
// backtests and tests. It speaks the same raw contract as the Roostoo client.
package paper

import (
	"context"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"roostoo-bot/pkg/exchanges/common"
)

// Config tunes the simulation.
type Config struct {
	Quote           string             // quote asset, default USD
	InitialBalances map[string]float64 // wallet at start
	FeeRate         float64            // decimal, e.g. 0.001 = 10 bps
	SlippageBps     float64            // applied to market fills
	PricePrecision  int32
	AmountPrecision int32
	Seed            int64
	Now             func() time.Time // clock; time.Now when nil
}

// Exchange simulates spot matching against externally supplied prices.
type Exchange struct {
	mu      sync.Mutex
	cfg     Config
	rng     *rand.Rand
	prices  map[string]common.Ticker
	wallet  map[string]*common.Balance
	orders  map[string]*common.OrderResult
	nextID  int64
	faults  map[string][]fault
	running bool
}

type fault struct {
	err error
	// applied means the call takes effect before the error is returned,
	// modelling a response lost after the exchange processed it.
	applied bool
}

var _ common.Exchange = (*Exchange)(nil)

// New creates a paper exchange.
func New(cfg Config) *Exchange {
	if cfg.Quote == "" {
		cfg.Quote = "USD"
	}
	if cfg.PricePrecision == 0 {
		cfg.PricePrecision = 2
	}
	if cfg.AmountPrecision == 0 {
		cfg.AmountPrecision = 6
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	e := &Exchange{
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		prices:  make(map[string]common.Ticker),
		wallet:  make(map[string]*common.Balance),
		orders:  make(map[string]*common.OrderResult),
		faults:  make(map[string][]fault),
		running: true,
	}
	for asset, amt := range cfg.InitialBalances {
		e.wallet[asset] = &common.Balance{Asset: asset, Free: amt}
	}
	return e
}

// SetPrice publishes a new top of book and matches resting limit orders.
func (e *Exchange) SetPrice(t common.Ticker) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t.ServerTime == 0 {
		t.ServerTime = e.cfg.Now().UnixMilli()
	}
	if t.Bid == 0 {
		t.Bid = t.Last
	}
	if t.Ask == 0 {
		t.Ask = t.Last
	}
	e.prices[t.Symbol] = t
	e.matchLocked(t)
}

// Walk moves every known price by a random step of at most step fraction,
// used by the dry-run ticker.
func (e *Exchange) Walk(step float64) {
	e.mu.Lock()
	symbols := make([]string, 0, len(e.prices))
	for s := range e.prices {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)
	next := make([]common.Ticker, 0, len(symbols))
	for _, s := range symbols {
		t := e.prices[s]
		last := t.Last * (1 + (e.rng.Float64()*2-1)*step)
		spread := t.Ask - t.Bid
		next = append(next, common.Ticker{Symbol: s, Last: last, Bid: last - spread/2, Ask: last + spread/2})
	}
	e.mu.Unlock()
	for _, t := range next {
		e.SetPrice(t)
	}
}

// InjectFault makes the next n calls of op ("place_order", "cancel_order",
// "query_order", "ticker", "balance") fail with err. When applied is true
// the call is processed before the error is returned.
func (e *Exchange) InjectFault(op string, n int, err error, applied bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := 0; i < n; i++ {
		e.faults[op] = append(e.faults[op], fault{err: err, applied: applied})
	}
}

// SetRunning toggles the IsRunning flag reported by ExchangeInfo.
func (e *Exchange) SetRunning(running bool) {
	e.mu.Lock()
	e.running = running
	e.mu.Unlock()
}

// popFault returns the next injected fault for op, if any. Caller holds mu.
func (e *Exchange) popFault(op string) (fault, bool) {
	q := e.faults[op]
	if len(q) == 0 {
		return fault{}, false
	}
	e.faults[op] = q[1:]
	return q[0], true
}

func (e *Exchange) ServerTime(ctx context.Context) (int64, error) {
	return e.cfg.Now().UnixMilli(), nil
}

func (e *Exchange) ExchangeInfo(ctx context.Context) (common.ExchangeInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	info := common.ExchangeInfo{IsRunning: e.running, Pairs: make(map[string]common.PairInfo)}
	for sym := range e.prices {
		base, quote := common.SplitSymbol(sym)
		info.Pairs[sym] = common.PairInfo{
			Symbol:          sym,
			Coin:            base,
			Unit:            quote,
			CanTrade:        true,
			PricePrecision:  e.cfg.PricePrecision,
			AmountPrecision: e.cfg.AmountPrecision,
		}
	}
	return info, nil
}

func (e *Exchange) Ticker(ctx context.Context, symbol string) (common.Ticker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, ok := e.popFault("ticker"); ok {
		return common.Ticker{}, f.err
	}
	t, ok := e.prices[symbol]
	if !ok {
		return common.Ticker{}, &common.APIError{Endpoint: "ticker", Msg: "unknown pair " + symbol}
	}
	return t, nil
}

func (e *Exchange) Balances(ctx context.Context) ([]common.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, ok := e.popFault("balance"); ok {
		return nil, f.err
	}
	out := make([]common.Balance, 0, len(e.wallet))
	for _, b := range e.wallet {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (e *Exchange) PlaceOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	f, faulted := e.popFault("place_order")
	if faulted && !f.applied {
		return common.OrderResult{}, f.err
	}
	res, err := e.placeLocked(req)
	if faulted {
		return common.OrderResult{}, f.err
	}
	return res, err
}

func (e *Exchange) placeLocked(req common.OrderRequest) (common.OrderResult, error) {
	t, ok := e.prices[req.Symbol]
	if !ok {
		return common.OrderResult{}, &common.APIError{Endpoint: "place_order", Msg: "unknown pair " + req.Symbol}
	}
	if req.Qty <= 0 {
		return common.OrderResult{}, &common.APIError{Endpoint: "place_order", Msg: "quantity must be positive"}
	}
	base, quote := common.SplitSymbol(req.Symbol)

	price := req.Price
	if req.Type == common.OrderTypeMarket {
		price = t.Ask
		if req.Side == common.SideSell {
			price = t.Bid
		}
	}
	if price <= 0 {
		return common.OrderResult{}, &common.APIError{Endpoint: "place_order", Msg: "invalid price"}
	}

	// Reserve funds.
	if req.Side == common.SideBuy {
		need := req.Qty * price * (1 + e.cfg.FeeRate)
		if e.free(quote) < need {
			return common.OrderResult{}, &common.APIError{Endpoint: "place_order", Msg: "insufficient balance"}
		}
		e.lock(quote, need)
	} else {
		if e.free(base) < req.Qty {
			return common.OrderResult{}, &common.APIError{Endpoint: "place_order", Msg: "insufficient balance"}
		}
		e.lock(base, req.Qty)
	}

	e.nextID++
	now := e.cfg.Now()
	o := &common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(e.nextID, 10),
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Status:          common.StatusNew,
		Price:           price,
		Qty:             req.Qty,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	e.orders[o.ExchangeOrderID] = o

	if req.Type == common.OrderTypeMarket {
		fill := price
		if e.cfg.SlippageBps > 0 {
			noise := e.rng.Float64() * e.cfg.SlippageBps / 10000
			fill *= 1 + req.Side.Sign()*noise
		}
		e.fillLocked(o, fill)
	} else {
		e.matchOrderLocked(o, t)
	}
	return *o, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	f, faulted := e.popFault("cancel_order")
	if faulted && !f.applied {
		return f.err
	}
	err := e.cancelLocked(exchangeOrderID)
	if faulted {
		return f.err
	}
	return err
}

func (e *Exchange) cancelLocked(id string) error {
	o, ok := e.orders[id]
	if !ok {
		return &common.APIError{Endpoint: "cancel_order", Msg: "order not found"}
	}
	if o.Status != common.StatusNew && o.Status != common.StatusPartial {
		return &common.APIError{Endpoint: "cancel_order", Msg: "order not pending"}
	}
	e.releaseLocked(o)
	o.Status = common.StatusCanceled
	o.UpdatedAt = e.cfg.Now()
	return nil
}

func (e *Exchange) QueryOrder(ctx context.Context, exchangeOrderID string) (common.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, ok := e.popFault("query_order"); ok {
		return common.OrderResult{}, f.err
	}
	o, ok := e.orders[exchangeOrderID]
	if !ok {
		return common.OrderResult{}, common.ErrOrderNotFound
	}
	return *o, nil
}

func (e *Exchange) QueryOrders(ctx context.Context, symbol string, pendingOnly bool) ([]common.OrderResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f, ok := e.popFault("query_order"); ok {
		return nil, f.err
	}
	var out []common.OrderResult
	for _, o := range e.orders {
		if o.Symbol != symbol {
			continue
		}
		if pendingOnly && o.Status != common.StatusNew && o.Status != common.StatusPartial {
			continue
		}
		out = append(out, *o)
	}
	// newest first, as the exchange reports
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.ParseInt(out[i].ExchangeOrderID, 10, 64)
		b, _ := strconv.ParseInt(out[j].ExchangeOrderID, 10, 64)
		return a > b
	})
	return out, nil
}

func (e *Exchange) PendingCount(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, o := range e.orders {
		if o.Status == common.StatusNew || o.Status == common.StatusPartial {
			n++
		}
	}
	return n, nil
}

// matchLocked fills resting limit orders crossed by t.
func (e *Exchange) matchLocked(t common.Ticker) {
	ids := make([]string, 0)
	for id, o := range e.orders {
		if o.Symbol == t.Symbol && o.Type == common.OrderTypeLimit && o.Status == common.StatusNew {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		e.matchOrderLocked(e.orders[id], t)
	}
}

func (e *Exchange) matchOrderLocked(o *common.OrderResult, t common.Ticker) {
	if o.Side == common.SideBuy && t.Ask > 0 && t.Ask <= o.Price {
		e.fillLocked(o, o.Price)
	}
	if o.Side == common.SideSell && t.Bid >= o.Price {
		e.fillLocked(o, o.Price)
	}
}

// fillLocked fully fills o at price and settles the wallet.
func (e *Exchange) fillLocked(o *common.OrderResult, price float64) {
	base, quote := common.SplitSymbol(o.Symbol)
	e.releaseLocked(o)
	notional := o.Qty * price
	fee := notional * e.cfg.FeeRate
	if o.Side == common.SideBuy {
		e.credit(quote, -(notional + fee))
		e.credit(base, o.Qty)
	} else {
		e.credit(base, -o.Qty)
		e.credit(quote, notional-fee)
	}
	o.Status = common.StatusFilled
	o.FilledQty = o.Qty
	o.AvgPrice = price
	o.Commission = fee
	o.UpdatedAt = e.cfg.Now()
}

// releaseLocked unlocks whatever the open order reserved.
func (e *Exchange) releaseLocked(o *common.OrderResult) {
	base, quote := common.SplitSymbol(o.Symbol)
	if o.Side == common.SideBuy {
		e.unlock(quote, (o.Qty-o.FilledQty)*o.Price*(1+e.cfg.FeeRate))
	} else {
		e.unlock(base, o.Qty-o.FilledQty)
	}
}

func (e *Exchange) bal(asset string) *common.Balance {
	b, ok := e.wallet[asset]
	if !ok {
		b = &common.Balance{Asset: asset}
		e.wallet[asset] = b
	}
	return b
}

func (e *Exchange) free(asset string) float64 { return e.bal(asset).Free }

func (e *Exchange) lock(asset string, amt float64) {
	b := e.bal(asset)
	b.Free -= amt
	b.Locked += amt
}

func (e *Exchange) unlock(asset string, amt float64) {
	b := e.bal(asset)
	if amt > b.Locked {
		amt = b.Locked
	}
	b.Locked -= amt
	b.Free += amt
}

func (e *Exchange) credit(asset string, amt float64) {
	e.bal(asset).Free += amt
}
