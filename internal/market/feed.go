package market

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"roostoo-bot/internal/errs"
	"roostoo-bot/internal/events"
	"roostoo-bot/internal/monitor"
)

// Config controls polling.
type Config struct {
	Symbols    []string
	Interval   time.Duration
	StaleAfter int // consecutive GatewayUnavailable results before degrading
}

// InstrumentStatus is a per-symbol health view.
type InstrumentStatus struct {
	Symbol      string    `json:"symbol"`
	Stale       bool      `json:"stale"`
	LastSeq     uint64    `json:"last_seq"`
	LastTick    time.Time `json:"last_tick"`
	Failures    int       `json:"consecutive_failures"`
	Published   uint64    `json:"published"`
	OutOfOrder  uint64    `json:"out_of_order_dropped"`
	LastErrText string    `json:"last_error,omitempty"`
}

// Feed polls one worker per instrument and fans ticks out to subscribers.
type Feed struct {
	cfg     Config
	src     TickerSource
	bus     *events.Bus
	metrics *monitor.SystemMetrics
	log     *zap.Logger

	mu     sync.RWMutex
	subs   []*Subscription
	sinks  []func(Tick)
	status map[string]*InstrumentStatus
}

// NewFeed creates a feed. bus and metrics may be nil.
func NewFeed(cfg Config, src TickerSource, bus *events.Bus, metrics *monitor.SystemMetrics, log *zap.Logger) *Feed {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.StaleAfter < 1 {
		cfg.StaleAfter = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	f := &Feed{
		cfg:     cfg,
		src:     src,
		bus:     bus,
		metrics: metrics,
		log:     log.With(zap.String("component", "feed")),
		status:  make(map[string]*InstrumentStatus, len(cfg.Symbols)),
	}
	for _, s := range cfg.Symbols {
		f.status[s] = &InstrumentStatus{Symbol: s}
	}
	return f
}

// Subscribe registers a mailbox for the given symbols.
func (f *Feed) Subscribe(symbols []string, buffer int) *Subscription {
	s := newSubscription(symbols, buffer)
	f.mu.Lock()
	f.subs = append(f.subs, s)
	f.mu.Unlock()
	return s
}

// AddSink registers a synchronous callback invoked for every published tick
// (price cache, recorder). Sinks must not block.
func (f *Feed) AddSink(fn func(Tick)) {
	f.mu.Lock()
	f.sinks = append(f.sinks, fn)
	f.mu.Unlock()
}

// Run starts one worker per symbol and blocks until ctx is done. All
// subscriptions are closed on return.
func (f *Feed) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, sym := range f.cfg.Symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			f.worker(ctx, symbol)
		}(sym)
	}
	wg.Wait()

	f.mu.Lock()
	for _, s := range f.subs {
		s.close()
	}
	f.mu.Unlock()
	return nil
}

func (f *Feed) worker(ctx context.Context, symbol string) {
	f.log.Info("feed worker started", zap.String("symbol", symbol), zap.Duration("interval", f.cfg.Interval))
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	for {
		f.poll(ctx, symbol)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (f *Feed) poll(ctx context.Context, symbol string) {
	tick, err := f.src.GetTicker(ctx, symbol)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		f.fail(symbol, err)
		return
	}
	f.Ingest(tick)
}

// fail records a polling error and degrades the instrument once the
// threshold of consecutive GatewayUnavailable errors is reached.
func (f *Feed) fail(symbol string, err error) {
	f.mu.Lock()
	st := f.status[symbol]
	st.LastErrText = err.Error()
	becameStale := false
	if errors.Is(err, errs.GatewayUnavailable) {
		st.Failures++
		if st.Failures >= f.cfg.StaleAfter && !st.Stale {
			st.Stale = true
			becameStale = true
		}
	}
	failures := st.Failures
	f.mu.Unlock()

	f.log.Warn("ticker poll failed", zap.String("symbol", symbol), zap.Int("consecutive", failures), zap.Error(err))
	if becameStale {
		f.log.Error("feed stale", zap.String("symbol", symbol))
		f.broadcast(Message{Kind: KindStale, Symbol: symbol})
		f.bus.Publish(events.EventFeedStale, symbol)
	}
}

// Ingest validates ordering and publishes a tick. Ticks whose Seq does not
// advance the instrument's last Seq are dropped. A zero Seq is assigned the
// next local sequence number.
func (f *Feed) Ingest(t Tick) bool {
	f.mu.Lock()
	st, ok := f.status[t.Symbol]
	if !ok {
		f.mu.Unlock()
		return false
	}
	if t.Seq == 0 {
		t.Seq = st.LastSeq + 1
	}
	if t.Seq <= st.LastSeq {
		st.OutOfOrder++
		f.mu.Unlock()
		if f.metrics != nil {
			f.metrics.IncTicksDropped()
		}
		f.log.Debug("dropped out-of-order tick", zap.String("symbol", t.Symbol),
			zap.Uint64("seq", t.Seq), zap.Uint64("last", st.LastSeq))
		return false
	}
	recovered := st.Stale
	st.Stale = false
	st.Failures = 0
	st.LastErrText = ""
	st.LastSeq = t.Seq
	st.LastTick = t.Time
	st.Published++
	sinks := f.sinks
	f.mu.Unlock()

	if recovered {
		f.log.Info("feed recovered", zap.String("symbol", t.Symbol))
		f.broadcast(Message{Kind: KindRecovered, Symbol: t.Symbol})
		f.bus.Publish(events.EventFeedRecovered, t.Symbol)
	}
	for _, sink := range sinks {
		sink(t)
	}
	if f.metrics != nil {
		f.metrics.IncTicks()
	}
	f.broadcast(Message{Kind: KindTick, Symbol: t.Symbol, Tick: t})
	f.bus.Publish(events.EventPriceTick, t)
	return true
}

func (f *Feed) broadcast(m Message) {
	f.mu.RLock()
	subs := f.subs
	f.mu.RUnlock()
	for _, s := range subs {
		if s.wants(m.Symbol) {
			s.offer(m)
		}
	}
}

// Stale reports whether symbol is currently degraded.
func (f *Feed) Stale(symbol string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st, ok := f.status[symbol]
	return ok && st.Stale
}

// Status returns a copy of every instrument's health.
func (f *Feed) Status() []InstrumentStatus {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]InstrumentStatus, 0, len(f.cfg.Symbols))
	for _, s := range f.cfg.Symbols {
		out = append(out, *f.status[s])
	}
	return out
}
