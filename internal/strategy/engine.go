package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"roostoo-bot/internal/errs"
	"roostoo-bot/internal/events"
	"roostoo-bot/internal/market"
	"roostoo-bot/internal/monitor"
	"roostoo-bot/internal/state"
	"roostoo-bot/pkg/db"
	"roostoo-bot/pkg/exchanges/common"
)

// ErrUnknownStrategy is returned for ids the engine does not host.
var ErrUnknownStrategy = errors.New("unknown strategy")

// StateReader is the read side of the state store strategies see.
type StateReader interface {
	Snapshot() state.AccountSnapshot
	Position(symbol string) state.Position
}

// Source hands out tick subscriptions.
type Source interface {
	Subscribe(symbols []string, buffer int) *market.Subscription
}

// Fault is published when an instance is disabled by a failure.
type Fault struct {
	StrategyID string    `json:"strategy_id"`
	Error      string    `json:"error"`
	Time       time.Time `json:"time"`
}

// Info describes one hosted instance.
type Info struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	Symbol  string    `json:"symbol"`
	Enabled bool      `json:"enabled"`
	Fault   string    `json:"fault,omitempty"`
	FaultAt time.Time `json:"fault_at,omitempty"`
	Ticks   uint64    `json:"ticks"`
	Intents uint64    `json:"intents"`
}

type instance struct {
	mu       sync.Mutex // serializes OnTick and state export
	strategy Strategy
	enabled  bool
	fault    string
	faultAt  time.Time
	ticks    uint64
	intents  uint64
	sub      *market.Subscription
}

// Engine hosts strategy instances. Each instance runs in its own worker with
// its own feed subscription, so a slow or failing strategy never delays the
// others.
type Engine struct {
	mu        sync.RWMutex
	instances []*instance
	byID      map[string]*instance

	state   StateReader
	db      *db.Database
	bus     *events.Bus
	metrics *monitor.SystemMetrics
	log     *zap.Logger

	out    chan TradeIntent
	buffer int
}

// NewEngine creates an empty engine. database, bus and metrics may be nil.
func NewEngine(st StateReader, database *db.Database, bus *events.Bus, metrics *monitor.SystemMetrics, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		byID:    make(map[string]*instance),
		state:   st,
		db:      database,
		bus:     bus,
		metrics: metrics,
		log:     log.With(zap.String("component", "strategy")),
		out:     make(chan TradeIntent, 256),
		buffer:  64,
	}
}

// Add registers a strategy implementation. Instances start enabled.
func (e *Engine) Add(s Strategy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.byID[s.ID()]; dup {
		return errs.Config("duplicate strategy id %s", s.ID())
	}
	inst := &instance{strategy: s, enabled: true}
	e.instances = append(e.instances, inst)
	e.byID[s.ID()] = inst
	return nil
}

// Intents is where workers deliver the intents they produce.
func (e *Engine) Intents() <-chan TradeIntent { return e.out }

// Symbols returns the distinct instruments the instances trade.
func (e *Engine) Symbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, inst := range e.instances {
		sym := inst.strategy.Symbol()
		if _, ok := seen[sym]; !ok {
			seen[sym] = struct{}{}
			out = append(out, sym)
		}
	}
	return out
}

// Restore loads persisted state into every Stateful instance. Missing rows
// are not an error; a corrupt row is logged and skipped.
func (e *Engine) Restore(ctx context.Context) error {
	if e.db == nil {
		return nil
	}
	for _, inst := range e.snapshotInstances() {
		st, ok := inst.strategy.(Stateful)
		if !ok {
			continue
		}
		data, err := e.db.LoadStrategyState(ctx, inst.strategy.ID())
		if errors.Is(err, db.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("load state for %s: %w", inst.strategy.ID(), err)
		}
		inst.mu.Lock()
		err = st.SetState(json.RawMessage(data))
		inst.mu.Unlock()
		if err != nil {
			e.log.Warn("failed to restore strategy state", zap.String("strategy", inst.strategy.ID()), zap.Error(err))
			continue
		}
		e.log.Info("restored strategy state", zap.String("strategy", inst.strategy.ID()))
	}
	return nil
}

// SaveAll persists the state of every Stateful instance.
func (e *Engine) SaveAll(ctx context.Context) {
	if e.db == nil {
		return
	}
	for _, inst := range e.snapshotInstances() {
		e.save(ctx, inst)
	}
}

func (e *Engine) save(ctx context.Context, inst *instance) {
	st, ok := inst.strategy.(Stateful)
	if !ok || e.db == nil {
		return
	}
	inst.mu.Lock()
	data, err := st.GetState()
	inst.mu.Unlock()
	if err == nil {
		err = e.db.SaveStrategyState(ctx, inst.strategy.ID(), data)
	}
	if err != nil {
		e.log.Error("failed to save strategy state", zap.String("strategy", inst.strategy.ID()), zap.Error(err))
	}
}

// Attach subscribes every instance that has no subscription yet. Calling it
// before the source starts guarantees no early tick is missed.
func (e *Engine) Attach(src Source) {
	for _, inst := range e.snapshotInstances() {
		inst.mu.Lock()
		if inst.sub == nil {
			inst.sub = src.Subscribe([]string{inst.strategy.Symbol()}, e.buffer)
		}
		inst.mu.Unlock()
	}
}

// Run starts one worker per instance and blocks until ctx is done or the
// source closes the subscriptions. State is saved on the way out.
func (e *Engine) Run(ctx context.Context, src Source) error {
	e.Attach(src)
	insts := e.snapshotInstances()
	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range insts {
		inst.mu.Lock()
		sub := inst.sub
		inst.mu.Unlock()
		g.Go(func() error {
			e.worker(gctx, inst, sub)
			return nil
		})
	}
	e.log.Info("strategy engine started", zap.Int("instances", len(insts)))
	err := g.Wait()

	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.SaveAll(saveCtx)
	return err
}

func (e *Engine) worker(ctx context.Context, inst *instance, sub *market.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if msg.Kind != market.KindTick {
				continue
			}
			for _, in := range e.process(inst, msg.Tick) {
				select {
				case e.out <- in:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// Step feeds one tick to every enabled instance trading its symbol, in
// registration order, and returns the intents. Replays use it instead of
// Run to stay deterministic.
func (e *Engine) Step(tick market.Tick) []TradeIntent {
	var out []TradeIntent
	for _, inst := range e.snapshotInstances() {
		if inst.strategy.Symbol() != tick.Symbol {
			continue
		}
		out = append(out, e.process(inst, tick)...)
	}
	return out
}

func (e *Engine) process(inst *instance, tick market.Tick) (intents []TradeIntent) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if !inst.enabled {
		return nil
	}
	inst.ticks++

	id := inst.strategy.ID()
	defer func() {
		if r := recover(); r != nil {
			intents = nil
			e.faultLocked(inst, tick, &errs.Error{Kind: errs.KindStrategyFault, Op: id, Msg: fmt.Sprintf("panic: %v", r)})
		}
	}()

	var timer *monitor.Timer
	if e.metrics != nil {
		timer = monitor.NewTimer(e.metrics.StrategyLatency)
	}
	snap := e.state.Snapshot()
	pos := e.state.Position(tick.Symbol)
	intents, err := inst.strategy.OnTick(tick, snap, pos)
	if timer != nil {
		timer.Stop()
	}
	if err != nil {
		e.faultLocked(inst, tick, errs.Wrap(errs.KindStrategyFault, id, err))
		return nil
	}
	for i := range intents {
		if err := validIntent(inst.strategy, intents[i]); err != nil {
			e.faultLocked(inst, tick, errs.Wrap(errs.KindStrategyFault, id, err))
			return nil
		}
	}

	inst.intents += uint64(len(intents))
	for _, in := range intents {
		if e.metrics != nil {
			e.metrics.IncIntents()
		}
		e.log.Info("intent",
			zap.String("strategy", id),
			zap.String("symbol", in.Symbol),
			zap.String("side", string(in.Side)),
			zap.Float64("qty", in.Quantity),
			zap.Float64("limit", in.LimitPrice),
			zap.String("rationale", in.Rationale))
		e.bus.Publish(events.EventIntent, in)
	}
	return intents
}

func validIntent(s Strategy, in TradeIntent) error {
	switch {
	case in.StrategyID != s.ID():
		return fmt.Errorf("intent carries strategy id %q", in.StrategyID)
	case in.Symbol != s.Symbol():
		return fmt.Errorf("intent for %s from a %s strategy", in.Symbol, s.Symbol())
	case in.Side != common.SideBuy && in.Side != common.SideSell:
		return fmt.Errorf("invalid side %q", in.Side)
	case !(in.Quantity > 0):
		return fmt.Errorf("invalid quantity %v", in.Quantity)
	case in.LimitPrice < 0:
		return fmt.Errorf("invalid limit price %v", in.LimitPrice)
	}
	return nil
}

// faultLocked disables inst. The caller holds inst.mu.
func (e *Engine) faultLocked(inst *instance, tick market.Tick, err error) {
	inst.enabled = false
	inst.fault = err.Error()
	inst.faultAt = tick.Time
	if e.metrics != nil {
		e.metrics.IncStrategyFaults()
	}
	e.log.Error("strategy fault, instance disabled",
		zap.String("strategy", inst.strategy.ID()),
		zap.Uint64("tick_seq", tick.Seq),
		zap.Error(err))
	e.bus.Publish(events.EventStrategyFault, Fault{StrategyID: inst.strategy.ID(), Error: inst.fault, Time: tick.Time})
}

// Enable re-enables an instance and clears its fault.
func (e *Engine) Enable(id string) error {
	inst, err := e.lookup(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	inst.enabled = true
	inst.fault = ""
	inst.faultAt = time.Time{}
	inst.mu.Unlock()
	e.log.Info("strategy enabled", zap.String("strategy", id))
	return nil
}

// Disable stops feeding ticks to an instance and saves its state.
func (e *Engine) Disable(ctx context.Context, id string) error {
	inst, err := e.lookup(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	inst.enabled = false
	inst.mu.Unlock()
	e.save(ctx, inst)
	e.log.Info("strategy disabled", zap.String("strategy", id))
	return nil
}

// List describes every instance in registration order.
func (e *Engine) List() []Info {
	insts := e.snapshotInstances()
	out := make([]Info, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.info())
	}
	return out
}

// Get describes one instance.
func (e *Engine) Get(id string) (Info, error) {
	inst, err := e.lookup(id)
	if err != nil {
		return Info{}, err
	}
	return inst.info(), nil
}

func (inst *instance) info() Info {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return Info{
		ID:      inst.strategy.ID(),
		Name:    inst.strategy.Name(),
		Symbol:  inst.strategy.Symbol(),
		Enabled: inst.enabled,
		Fault:   inst.fault,
		FaultAt: inst.faultAt,
		Ticks:   inst.ticks,
		Intents: inst.intents,
	}
}

func (e *Engine) lookup(id string) (*instance, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	inst, ok := e.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, id)
	}
	return inst, nil
}

func (e *Engine) snapshotInstances() []*instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]*instance(nil), e.instances...)
}
