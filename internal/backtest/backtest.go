// Package backtest replays recorded ticks through the live strategy, risk
// and execution components against the paper exchange. Everything runs on
// one goroutine with a clock driven by tick time, so two runs over the same
// input write byte-identical traces.
package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"roostoo-bot/internal/balance"
	"roostoo-bot/internal/events"
	"roostoo-bot/internal/gateway"
	"roostoo-bot/internal/market"
	"roostoo-bot/internal/order"
	"roostoo-bot/internal/reconciliation"
	"roostoo-bot/internal/risk"
	"roostoo-bot/internal/state"
	"roostoo-bot/internal/strategy"
	"roostoo-bot/pkg/exchanges/common"
	"roostoo-bot/pkg/exchanges/paper"
)

// Config describes one replay.
type Config struct {
	Symbols        []string
	Quote          string
	InitialBalance float64 // quote asset
	FeeRate        float64
	SlippageBps    float64
	Seed           int64
	OrderTTL       time.Duration // resting limit orders older than this are cancelled
	Risk           risk.Config
	Strategies     []strategy.Config
}

// Result summarizes a replay.
type Result struct {
	Ticks       int              `json:"ticks"`
	Dropped     int              `json:"dropped"`
	Intents     int              `json:"intents"`
	Approved    int              `json:"approved"`
	Rejected    int              `json:"rejected"`
	Orders      int              `json:"orders"`
	Filled      int              `json:"filled"`
	Faults      []strategy.Info  `json:"faults,omitempty"`
	Positions   []state.Position `json:"positions"`
	FinalEquity float64          `json:"final_equity"`
	Reasons     map[string]int   `json:"reasons,omitempty"`
}

// Line is one trace record.
type Line struct {
	N       int                   `json:"n"`
	Time    time.Time             `json:"time"`
	Kind    string                `json:"kind"`
	Intent  *strategy.TradeIntent `json:"intent,omitempty"`
	Verdict *risk.Verdict         `json:"verdict,omitempty"`
	Order   *order.Update         `json:"order,omitempty"`
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type runner struct {
	cfg   Config
	clock *clock
	log   *zap.Logger

	px     *paper.Exchange
	gw     *gateway.Gateway
	store  *state.Store
	bal    *balance.Manager
	orders *order.Manager
	risk   *risk.Manager
	engine *strategy.Engine
	recon  *reconciliation.Service
	feed   *market.Feed

	updates <-chan events.Envelope
	enc     *json.Encoder
	n       int
	known   map[string]bool
	current market.Tick
	res     Result
}

// Run replays ticks in order and writes the trace to out (nil discards it).
func Run(ctx context.Context, cfg Config, ticks []market.Tick, out io.Writer, log *zap.Logger) (Result, error) {
	r, err := newRunner(cfg, out, log)
	if err != nil {
		return Result{}, err
	}
	for _, t := range ticks {
		if err := ctx.Err(); err != nil {
			return r.res, err
		}
		if err := r.step(ctx, t); err != nil {
			return r.res, err
		}
	}
	r.finish()
	return r.res, nil
}

func newRunner(cfg Config, out io.Writer, log *zap.Logger) (*runner, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Quote == "" {
		cfg.Quote = "USD"
	}
	if len(cfg.Risk.Symbols) == 0 {
		cfg.Risk.Symbols = cfg.Symbols
	}
	if cfg.Risk.Quote == "" {
		cfg.Risk.Quote = cfg.Quote
	}
	if out == nil {
		out = io.Discard
	}
	log = log.With(zap.String("component", "backtest"))

	r := &runner{
		cfg:   cfg,
		clock: &clock{},
		log:   log,
		enc:   json.NewEncoder(out),
		known: make(map[string]bool),
		res:   Result{Reasons: make(map[string]int)},
	}

	bus := events.NewBus()
	r.updates, _ = bus.Subscribe(1<<14, events.EventOrderUpdate)

	r.px = paper.New(paper.Config{
		Quote:           cfg.Quote,
		InitialBalances: map[string]float64{cfg.Quote: cfg.InitialBalance},
		FeeRate:         cfg.FeeRate,
		SlippageBps:     cfg.SlippageBps,
		Seed:            cfg.Seed,
		Now:             r.clock.Now,
	})
	retry := gateway.DefaultRetryPolicy()
	retry.Sleep = func(context.Context, time.Duration) error { return nil }
	r.gw = gateway.New(r.px, gateway.Config{Retry: retry}, nil, log)

	r.store = state.NewStore(nil, nil, log)
	r.bal = balance.NewManager(r.gw, r.store, cfg.Quote, 0, log)
	r.orders = order.NewManager(order.Config{Synchronous: true, Now: r.clock.Now}, r.gw, r.store, nil, bus, nil, log)
	r.orders.SetReleaser(r.bal)
	r.risk = risk.NewManager(cfg.Risk, r.bal, r.store, r.gw, &order.SequentialIDs{Prefix: "bt"}, nil, nil, nil, log)
	r.recon = reconciliation.NewService(reconciliation.Config{OrderTTL: cfg.OrderTTL, Now: r.clock.Now},
		r.gw, r.orders, r.store, nil, nil, nil, log)

	r.engine = strategy.NewEngine(r.store, nil, nil, nil, log)
	built, err := strategy.NewRegistry().BuildAll(cfg.Strategies)
	if err != nil {
		return nil, err
	}
	for _, s := range built {
		if err := r.engine.Add(s); err != nil {
			return nil, err
		}
	}

	symbols := cfg.Symbols
	if len(symbols) == 0 {
		symbols = r.engine.Symbols()
	}
	r.feed = market.NewFeed(market.Config{Symbols: symbols}, nil, nil, nil, log)
	r.feed.AddSink(r.store.UpdatePrice)
	r.feed.AddSink(func(t market.Tick) { r.current = t })
	return r, nil
}

// step advances the clock to the tick, lets the exchange match against the
// new price, then runs strategies and submits whatever risk approves.
func (r *runner) step(ctx context.Context, t market.Tick) error {
	if !r.feed.Ingest(t) {
		r.res.Dropped++
		return nil
	}
	t = r.current
	r.res.Ticks++
	if t.Time.After(r.clock.now) {
		r.clock.now = t.Time
	}

	r.px.SetPrice(common.Ticker{Symbol: t.Symbol, Bid: t.Bid, Ask: t.Ask, Last: t.Last, ServerTime: t.Time.UnixMilli()})
	if !r.known[t.Symbol] {
		if _, err := r.gw.ExchangeInfo(ctx); err != nil {
			return fmt.Errorf("exchange info: %w", err)
		}
		r.known[t.Symbol] = true
	}
	if len(r.orders.Open()) > 0 || len(r.orders.Flagged()) > 0 {
		r.recon.Reconcile(ctx)
		if err := r.drain(); err != nil {
			return err
		}
	}
	if err := r.bal.Sync(ctx); err != nil {
		return fmt.Errorf("balance sync: %w", err)
	}

	for _, in := range r.engine.Step(t) {
		r.res.Intents++
		if err := r.write(Line{Kind: "intent", Intent: &in}); err != nil {
			return err
		}
		dec := r.risk.Evaluate(in, r.store.Snapshot(), r.store.Position(in.Symbol))
		v := risk.Verdict{Intent: in, Approved: dec.Approved, Reason: dec.Reason, Time: in.Time}
		if dec.Approved {
			r.res.Approved++
			v.ClientOrderID = dec.Order.ClientOrderID
		} else {
			r.res.Rejected++
			r.res.Reasons[dec.Reason]++
		}
		if err := r.write(Line{Kind: "verdict", Verdict: &v}); err != nil {
			return err
		}
		if !dec.Approved {
			continue
		}
		r.res.Orders++
		if err := r.orders.Submit(ctx, dec.Order); err != nil {
			r.log.Warn("submit failed", zap.String("client_order_id", dec.Order.ClientOrderID), zap.Error(err))
		}
		if err := r.drain(); err != nil {
			return err
		}
		if err := r.bal.Sync(ctx); err != nil {
			return fmt.Errorf("balance sync: %w", err)
		}
	}
	return nil
}

func (r *runner) drain() error {
	for {
		select {
		case env := <-r.updates:
			u, ok := env.Payload.(order.Update)
			if !ok {
				continue
			}
			if u.Order.State == order.StateFilled {
				r.res.Filled++
			}
			if err := r.write(Line{Kind: "order", Order: &u}); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (r *runner) write(l Line) error {
	r.n++
	l.N = r.n
	l.Time = r.clock.now
	if err := r.enc.Encode(l); err != nil {
		return fmt.Errorf("write trace: %w", err)
	}
	return nil
}

func (r *runner) finish() {
	for _, info := range r.engine.List() {
		if info.Fault != "" {
			r.res.Faults = append(r.res.Faults, info)
		}
	}
	r.res.Positions = r.store.Positions()
	r.res.FinalEquity = balance.Equity(r.store.Snapshot(), r.cfg.Quote, r.store.Prices())
	r.log.Info("backtest finished",
		zap.Int("ticks", r.res.Ticks),
		zap.Int("intents", r.res.Intents),
		zap.Int("orders", r.res.Orders),
		zap.Int("filled", r.res.Filled),
		zap.Float64("final_equity", r.res.FinalEquity))
}
