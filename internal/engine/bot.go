package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"roostoo-bot/internal/balance"
	"roostoo-bot/internal/errs"
	"roostoo-bot/internal/events"
	"roostoo-bot/internal/gateway"
	"roostoo-bot/internal/market"
	"roostoo-bot/internal/monitor"
	"roostoo-bot/internal/order"
	"roostoo-bot/internal/persistence"
	"roostoo-bot/internal/reconciliation"
	"roostoo-bot/internal/recorder"
	"roostoo-bot/internal/risk"
	"roostoo-bot/internal/state"
	"roostoo-bot/internal/strategy"
	"roostoo-bot/pkg/config"
	"roostoo-bot/pkg/db"
	"roostoo-bot/pkg/exchanges/common"
	"roostoo-bot/pkg/exchanges/paper"
)

// Version is reported on the status endpoint.
const Version = "0.4.0"

// Options carries the collaborators New does not build itself. Zero fields
// get defaults.
type Options struct {
	Exchange   common.Exchange     // nil builds one from the config
	Paper      *paper.Exchange     // price driver for dry runs
	DB         *db.Database        // nil disables persistence
	Strategies []strategy.Strategy // nil loads STRATEGIES_FILE
	Bus        *events.Bus
	Metrics    *monitor.SystemMetrics
	Log        *zap.Logger
}

// Bot owns every long-running component of one trading process.
type Bot struct {
	cfg *config.Config
	log *zap.Logger

	Bus        *events.Bus
	Metrics    *monitor.SystemMetrics
	Gateway    *gateway.Gateway
	Store      *state.Store
	Balance    *balance.Manager
	Orders     *order.Manager
	Risk       *risk.Manager
	Strategies *strategy.Engine
	Feed       *market.Feed
	Reconciler *reconciliation.Service
	Service    *Impl

	exchange common.Exchange
	paper    *paper.Exchange
	driver   *market.PaperDriver
	journal  *persistence.Journal
	batch    *persistence.BatchWriter
	recorder *recorder.Recorder
	quote    string
}

// New builds the component graph. It does not touch the network.
func New(cfg *config.Config, opts Options) (*Bot, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = monitor.NewSystemMetrics()
	}

	b := &Bot{cfg: cfg, log: log.With(zap.String("component", "engine")), Bus: bus, Metrics: metrics}
	b.quote = gateway.QuoteAsset(cfg)

	ex, px := opts.Exchange, opts.Paper
	if ex == nil {
		ex, px = gateway.NewExchange(cfg, log)
	}
	b.exchange, b.paper = ex, px
	if px != nil {
		seeds := make(map[string]float64, len(cfg.Symbols))
		for _, sym := range cfg.Symbols {
			seeds[sym] = cfg.SeedPrice(sym)
		}
		b.driver = &market.PaperDriver{Exchange: px, Prices: seeds, Step: cfg.DryRunWalk, Interval: cfg.PollInterval}
	}

	retry := gateway.DefaultRetryPolicy()
	retry.Jitter = true
	b.Gateway = gateway.New(ex, gateway.Config{Timeout: cfg.RequestTimeout, Retry: retry}, metrics, log)

	if opts.DB != nil {
		b.batch = persistence.NewBatchWriter(opts.DB.DB, 50, 500*time.Millisecond, log)
		b.journal = persistence.NewJournal(b.batch)
	}

	b.Store = state.NewStore(opts.DB, bus, log)
	b.Balance = balance.NewManager(b.Gateway, b.Store, b.quote, cfg.BalanceInterval, log)
	b.Orders = order.NewManager(order.Config{Workers: cfg.ExecutionWorkers}, b.Gateway, b.Store, opts.DB, bus, metrics, log)
	b.Orders.SetReleaser(b.Balance)
	b.Risk = risk.NewManager(risk.Config{
		Symbols:          cfg.Symbols,
		MaxPosition:      cfg.MaxPosition,
		MaxCapitalAtRisk: cfg.MaxCapitalAtRisk,
		MinOrderQty:      cfg.MinOrderQty,
		MaxOrderQty:      cfg.MaxOrderQty,
		FeeBuffer:        cfg.FeeBuffer,
		Quote:            b.quote,
	}, b.Balance, b.Store, b.Gateway, order.UUIDs{}, b.journal, bus, metrics, log)

	strats := opts.Strategies
	if strats == nil {
		var err error
		if strats, err = loadStrategies(cfg); err != nil {
			return nil, err
		}
	}
	b.Strategies = strategy.NewEngine(b.Store, opts.DB, bus, metrics, log)
	for _, s := range strats {
		if !cfg.Allowed(s.Symbol()) {
			return nil, errs.Config("strategy %s trades %s which is not in SYMBOLS", s.ID(), s.Symbol())
		}
		if err := b.Strategies.Add(s); err != nil {
			return nil, err
		}
	}

	b.Feed = market.NewFeed(market.Config{
		Symbols:    cfg.Symbols,
		Interval:   cfg.PollInterval,
		StaleAfter: cfg.FeedStaleAfter,
	}, b.Gateway, bus, metrics, log)
	b.Feed.AddSink(b.Store.UpdatePrice)

	b.Reconciler = reconciliation.NewService(reconciliation.Config{
		Interval: cfg.ReconcileInterval,
		OrderTTL: cfg.OrderTTL,
		Symbols:  cfg.Symbols,
		AutoSync: true,
	}, b.Gateway, b.Orders, b.Store, b.journal, bus, metrics, log)

	venue := "roostoo"
	mode := "live"
	if cfg.DryRun {
		venue, mode = "paper", "dry-run"
	}
	b.Service = NewImpl(Config{
		Strategies: b.Strategies,
		Risk:       b.Risk,
		Balance:    b.Balance,
		Orders:     b.Orders,
		Store:      b.Store,
		Gateway:    b.Gateway,
		Feed:       b.Feed,
		Reconciler: b.Reconciler,
		DB:         opts.DB,
		Writer:     b.batch,
		Quote:      b.quote,
		Meta: SystemStatus{
			Mode:    mode,
			DryRun:  cfg.DryRun,
			Venue:   venue,
			Symbols: cfg.Symbols,
			Version: Version,
		},
	})
	return b, nil
}

func loadStrategies(cfg *config.Config) ([]strategy.Strategy, error) {
	all, err := strategy.LoadConfig(cfg.StrategiesFile)
	if err != nil {
		return nil, err
	}
	selected, err := strategy.Select(all, cfg.Strategies)
	if err != nil {
		return nil, err
	}
	return strategy.NewRegistry().BuildAll(selected)
}

// clockSyncer is implemented by exchanges that sign requests with a
// server-aligned timestamp.
type clockSyncer interface {
	StartTimeSync(ctx context.Context)
}

// Start restores persisted state and checks the exchange. Failures here are
// fatal for the process. ctx also bounds the exchange clock sync loop.
func (b *Bot) Start(ctx context.Context) error {
	if cs, ok := b.exchange.(clockSyncer); ok {
		cs.StartTimeSync(ctx)
	}
	if b.driver != nil {
		b.driver.Seed()
	}

	info, err := b.Gateway.ExchangeInfo(ctx)
	if err != nil {
		return fmt.Errorf("exchange info: %w", err)
	}
	if !info.IsRunning {
		return errs.New(errs.KindGatewayUnavailable, "exchange_info", "exchange is not running")
	}
	for _, sym := range b.cfg.Symbols {
		p, ok := info.Pairs[sym]
		if !ok {
			return errs.Config("symbol %s is not listed on the exchange", sym)
		}
		if !p.CanTrade {
			b.log.Warn("pair not tradable", zap.String("symbol", sym))
		}
	}

	if err := b.Store.Load(ctx); err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	if _, err := b.Orders.Load(ctx); err != nil {
		return fmt.Errorf("load orders: %w", err)
	}
	if err := b.Strategies.Restore(ctx); err != nil {
		return err
	}
	if err := b.Balance.Sync(ctx); err != nil {
		return fmt.Errorf("initial balance sync: %w", err)
	}
	if b.cfg.RecordDir != "" {
		rec, err := recorder.Open(b.cfg.RecordDir, b.log)
		if err != nil {
			return err
		}
		b.recorder = rec
		b.Feed.AddSink(rec.Sink())
	}
	b.log.Info("engine ready",
		zap.Strings("symbols", b.cfg.Symbols),
		zap.Int("strategies", len(b.Strategies.List())),
		zap.Bool("dry_run", b.cfg.DryRun))
	return nil
}

// Run supervises every worker until ctx is done or one of them fails. A
// failure cancels the rest.
func (b *Bot) Run(ctx context.Context) error {
	defer b.close()

	b.Strategies.Attach(b.Feed)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Feed.Run(gctx) })
	g.Go(func() error { return b.Strategies.Run(gctx, b.Feed) })
	g.Go(func() error { return b.route(gctx) })
	g.Go(func() error { return b.Orders.Run(gctx) })
	g.Go(func() error { return b.Reconciler.Run(gctx) })
	g.Go(func() error { return b.Balance.Run(gctx) })
	g.Go(func() error { return b.refreshOnFill(gctx) })
	if b.driver != nil {
		g.Go(func() error { return b.driver.Run(gctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// route is the single consumer of intents: each one gets exactly one verdict
// and approved orders go to the execution manager.
func (b *Bot) route(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case in := <-b.Strategies.Intents():
			b.handle(ctx, in)
		}
	}
}

func (b *Bot) handle(ctx context.Context, in strategy.TradeIntent) {
	dec := b.Risk.Evaluate(in, b.Store.Snapshot(), b.Store.Position(in.Symbol))
	if !dec.Approved {
		return
	}
	if err := b.Orders.Submit(ctx, dec.Order); err != nil {
		b.log.Error("submit approved order", zap.String("client_order_id", dec.Order.ClientOrderID), zap.Error(err))
	}
}

// refreshOnFill re-reads the wallet after fills so the next risk check does
// not see a stale snapshot.
func (b *Bot) refreshOnFill(ctx context.Context) error {
	ch, unsub := b.Bus.Subscribe(64, events.EventOrderFilled, events.EventPositionChange)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			b.Balance.Refresh()
		}
	}
}

func (b *Bot) close() {
	if b.recorder != nil {
		if err := b.recorder.Close(); err != nil {
			b.log.Warn("close recorder", zap.Error(err))
		}
	}
	if b.batch != nil {
		if err := b.batch.Close(); err != nil {
			b.log.Warn("close journal", zap.Error(err))
		}
	}
}
