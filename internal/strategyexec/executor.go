package strategyexec

import (
	"context"
	"sync"
	"time"

	"github.com/atlas-desktop/tradecore/internal/config"
	"github.com/atlas-desktop/tradecore/internal/eventbus"
	"github.com/atlas-desktop/tradecore/pkg/types"
	"go.uber.org/zap"
)

// EventBus is the subset of internal/eventbus.Bus the executor needs: it
// subscribes to market/order/trade/position/account events for fan-out and
// publishes nothing of its own.
type EventBus interface {
	Subscribe(pattern string, handler eventbus.HandlerFunc, ioBound bool) *eventbus.Subscription
}

// MarketDataSubscriber is the subset of internal/broker.Adapter used to
// subscribe/unsubscribe symbols on strategy load/unload (spec §4.5
// "Subscriptions").
type MarketDataSubscriber interface {
	SubscribeMarketData(ctx context.Context, symbols []string) error
	UnsubscribeMarketData(ctx context.Context, symbols []string) error
}

// Config tunes the executor's timer/scan cadence and error-isolation
// policy.
type Config struct {
	TimerInterval time.Duration
	ScanInterval  time.Duration
	StrategyDir   string
	ErrorWindow   time.Duration
	MaxErrors     int
	KillSwitch    types.KillSwitchConfig
}

// DefaultConfig matches spec §4.5's named defaults: 1s timer, 60s config
// scan.
func DefaultConfig() Config {
	return Config{
		TimerInterval: time.Second,
		ScanInterval:  60 * time.Second,
		ErrorWindow:   time.Minute,
		MaxErrors:     10,
	}
}

// Executor is the strategy lifecycle manager of spec §4.5.
type Executor struct {
	logger   *zap.Logger
	cfg      Config
	registry *Registry
	bus      EventBus
	broker   MarketDataSubscriber
	monitor  *ResourceMonitor

	mu        sync.RWMutex
	instances map[string]*instance
	fileVersions map[string]int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs an Executor. bus/broker/sample may be nil: a nil bus skips
// event fan-out, a nil broker skips market-data subscription, and a nil
// sample makes the resource monitor use NewProcfsSampler.
func New(logger *zap.Logger, cfg Config, registry *Registry, bus EventBus, broker MarketDataSubscriber, sample Sampler) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		logger:       logger.Named("strategy-executor"),
		cfg:          cfg,
		registry:     registry,
		bus:          bus,
		broker:       broker,
		instances:    make(map[string]*instance),
		fileVersions: make(map[string]int),
		stopCh:       make(chan struct{}),
	}
	e.monitor = NewResourceMonitor(logger, cfg.KillSwitch, sample, e.onResourceBreach)
	return e
}

// Start launches the timer loop, config scan loop, and resource monitor,
// and wires event fan-out if a bus was provided.
func (e *Executor) Start(ctx context.Context) {
	if e.bus != nil {
		e.wireSubscriptions()
	}
	if e.cfg.StrategyDir != "" {
		e.scanOnce(ctx)
		e.wg.Add(1)
		go e.scanLoop(ctx)
	}
	e.wg.Add(1)
	go e.timerLoop(ctx)
	if e.cfg.KillSwitch.SampleInterval > 0 || e.monitor != nil {
		e.monitor.Start()
	}
}

// Stop halts every background loop and the resource monitor.
func (e *Executor) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	if e.monitor != nil {
		e.monitor.Stop()
	}
}

// LoadStrategy instantiates and initializes class under id, optionally
// auto-starting it. Returns an error if id is already loaded or class is
// unregistered.
func (e *Executor) LoadStrategy(ctx context.Context, cfg types.StrategyFileConfig) error {
	e.mu.Lock()
	if _, exists := e.instances[cfg.StrategyID]; exists {
		e.mu.Unlock()
		return errAlreadyLoaded(cfg.StrategyID)
	}
	e.mu.Unlock()

	strategy, ok := e.registry.Create(cfg.Class)
	if !ok {
		return errUnknownClass(cfg.Class)
	}

	info := types.StrategyInfo{
		ID: cfg.StrategyID, Type: cfg.Class, Params: cfg.Params,
		Version: cfg.Version, Symbols: cfg.Symbols, Priority: cfg.Priority,
		AutoStart: cfg.AutoStart, HotReload: cfg.HotReload,
	}
	inst := newInstance(e.logger, strategy, info, e.cfg.ErrorWindow, e.cfg.MaxErrors)

	if inst.invoke("initialize", func() error { return strategy.Initialize(ctx, cfg.Params) }) {
		e.logger.Warn("strategy failed initialization error-rate check immediately", zap.String("strategy_id", cfg.StrategyID))
	}
	inst.setInitialized(true)

	e.mu.Lock()
	e.instances[cfg.StrategyID] = inst
	e.mu.Unlock()

	if e.broker != nil && len(cfg.Symbols) > 0 {
		if err := e.broker.SubscribeMarketData(ctx, cfg.Symbols); err != nil {
			e.logger.Warn("market data subscribe failed", zap.String("strategy_id", cfg.StrategyID), zap.Error(err))
		}
	}

	if cfg.AutoStart {
		return e.StartStrategy(ctx, cfg.StrategyID)
	}
	return nil
}

// StartStrategy starts an already-loaded strategy instance.
func (e *Executor) StartStrategy(ctx context.Context, id string) error {
	inst, ok := e.get(id)
	if !ok {
		return errNotLoaded(id)
	}
	inst.invoke("start", func() error { return inst.strategy.Start(ctx) })
	inst.setRunning(true)
	return nil
}

// StopStrategy stops a running strategy instance without unloading it.
func (e *Executor) StopStrategy(ctx context.Context, id string) error {
	inst, ok := e.get(id)
	if !ok {
		return errNotLoaded(id)
	}
	inst.invoke("stop", func() error { return inst.strategy.Stop(ctx) })
	inst.setRunning(false)
	return nil
}

// UnloadStrategy stops (if running) and removes a strategy instance,
// unsubscribing its symbols.
func (e *Executor) UnloadStrategy(ctx context.Context, id string) error {
	e.mu.Lock()
	inst, ok := e.instances[id]
	if ok {
		delete(e.instances, id)
	}
	e.mu.Unlock()
	if !ok {
		return errNotLoaded(id)
	}

	info := inst.snapshot()
	if info.Running {
		inst.invoke("stop", func() error { return inst.strategy.Stop(ctx) })
	}
	if e.broker != nil && len(info.Symbols) > 0 {
		if err := e.broker.UnsubscribeMarketData(ctx, info.Symbols); err != nil {
			e.logger.Warn("market data unsubscribe failed", zap.String("strategy_id", id), zap.Error(err))
		}
	}
	return nil
}

// GetStrategy returns a read-only snapshot of an instance's lifecycle
// state.
func (e *Executor) GetStrategy(id string) (types.StrategyInfo, bool) {
	inst, ok := e.get(id)
	if !ok {
		return types.StrategyInfo{}, false
	}
	return inst.snapshot(), true
}

// ListStrategies returns a snapshot of every loaded instance.
func (e *Executor) ListStrategies() []types.StrategyInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.StrategyInfo, 0, len(e.instances))
	for _, inst := range e.instances {
		out = append(out, inst.snapshot())
	}
	return out
}

func (e *Executor) get(id string) (*instance, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	inst, ok := e.instances[id]
	return inst, ok
}

func (e *Executor) running() []*instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*instance, 0, len(e.instances))
	for _, inst := range e.instances {
		if inst.snapshot().Running {
			out = append(out, inst)
		}
	}
	return out
}

// timerLoop fires on_timer followed by run for every running strategy on
// every tick (spec §4.5 "Scheduling").
func (e *Executor) timerLoop(ctx context.Context) {
	defer e.wg.Done()
	interval := e.cfg.TimerInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Executor) tick(ctx context.Context) {
	var wg sync.WaitGroup
	for _, inst := range e.running() {
		inst := inst
		wg.Add(1)
		go func() {
			defer wg.Done()
			exceeded := inst.invoke("on_timer", func() error { return inst.strategy.OnTimer(ctx) })
			exceeded = inst.invoke("run", func() error { return inst.strategy.Run(ctx) }) || exceeded
			if exceeded {
				e.autoStop(ctx, inst)
			}
		}()
	}
	wg.Wait()
}

func (e *Executor) autoStop(ctx context.Context, inst *instance) {
	info := inst.snapshot()
	e.logger.Error("strategy exceeded error rate, auto-stopping", zap.String("strategy_id", info.ID))
	inst.invoke("stop", func() error { return inst.strategy.Stop(ctx) })
	inst.setRunning(false)
}

func (e *Executor) onResourceBreach(policy string) {
	ctx := context.Background()
	switch policy {
	case "stop_all":
		for _, inst := range e.running() {
			e.autoStop(ctx, inst)
		}
	case "stop_lowest_priority":
		instances := e.running()
		if len(instances) == 0 {
			return
		}
		lowest := instances[0]
		for _, inst := range instances[1:] {
			if inst.snapshot().Priority < lowest.snapshot().Priority {
				lowest = inst
			}
		}
		e.autoStop(ctx, lowest)
	case "block_loads":
		e.logger.Warn("new strategy loads blocked by resource policy")
	default:
	}
}

func (e *Executor) wireSubscriptions() {
	e.bus.Subscribe(string(types.EventMarketTick), func(ctx context.Context, evt types.Event) error {
		tick, ok := evt.Payload["tick"].(types.Tick)
		if !ok {
			return nil
		}
		e.fanOut(tick.Symbol, func(inst *instance) { inst.invoke("on_tick", func() error { return inst.strategy.OnTick(ctx, tick) }) })
		return nil
	}, true)

	e.bus.Subscribe(string(types.EventMarketBar), func(ctx context.Context, evt types.Event) error {
		bar, ok := evt.Payload["bar"].(types.OHLCV)
		if !ok {
			return nil
		}
		e.fanOut(bar.Symbol, func(inst *instance) { inst.invoke("on_bar", func() error { return inst.strategy.OnBar(ctx, bar) }) })
		return nil
	}, true)

	e.bus.Subscribe(string(types.EventOrderUpdate), func(ctx context.Context, evt types.Event) error {
		order, ok := evt.Payload["order"].(types.Order)
		if !ok {
			return nil
		}
		e.fanOut(order.Symbol, func(inst *instance) {
			inst.invoke("on_order_update", func() error { return inst.strategy.OnOrderUpdate(ctx, order) })
		})
		return nil
	}, false)

	e.bus.Subscribe(string(types.EventTradeFill), func(ctx context.Context, evt types.Event) error {
		trade, ok := evt.Payload["trade"].(types.Trade)
		if !ok {
			return nil
		}
		e.fanOut(trade.Symbol, func(inst *instance) {
			inst.invoke("on_trade", func() error { return inst.strategy.OnTrade(ctx, trade) })
		})
		return nil
	}, false)

	e.bus.Subscribe(string(types.EventPositionChange), func(ctx context.Context, evt types.Event) error {
		position, ok := evt.Payload["position"].(types.Position)
		if !ok {
			return nil
		}
		e.fanOut(position.Symbol, func(inst *instance) {
			inst.invoke("on_position_change", func() error { return inst.strategy.OnPositionChange(ctx, position) })
		})
		return nil
	}, false)

	e.bus.Subscribe(string(types.EventAccountChange), func(ctx context.Context, evt types.Event) error {
		account, ok := evt.Payload["account"].(types.AccountSnapshot)
		if !ok {
			return nil
		}
		for _, inst := range e.running() {
			inst := inst
			inst.invoke("on_account_change", func() error { return inst.strategy.OnAccountChange(ctx, account) })
		}
		return nil
	}, false)
}

func (e *Executor) fanOut(symbol string, call func(*instance)) {
	for _, inst := range e.running() {
		if !inst.subscribed(symbol) {
			continue
		}
		inst := inst
		go call(inst)
	}
}

// scanLoop re-reads the strategy config directory every ScanInterval,
// diffing against the loaded set (spec §4.5 "Configuration scanning").
func (e *Executor) scanLoop(ctx context.Context) {
	defer e.wg.Done()
	interval := e.cfg.ScanInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.scanOnce(ctx)
		}
	}
}

func (e *Executor) scanOnce(ctx context.Context) {
	configs, err := config.ScanStrategies(e.cfg.StrategyDir)
	if err != nil {
		e.logger.Warn("strategy directory scan failed", zap.Error(err))
		return
	}

	seen := make(map[string]struct{}, len(configs))
	for _, cfg := range configs {
		seen[cfg.StrategyID] = struct{}{}
		e.mu.RLock()
		inst, loaded := e.instances[cfg.StrategyID]
		e.mu.RUnlock()

		if !loaded {
			if err := e.LoadStrategy(ctx, cfg); err != nil {
				e.logger.Warn("failed to load new strategy", zap.String("strategy_id", cfg.StrategyID), zap.Error(err))
			}
			continue
		}

		info := inst.snapshot()
		if cfg.Version > info.Version && cfg.HotReload && info.Running {
			e.logger.Info("hot-reloading strategy", zap.String("strategy_id", cfg.StrategyID),
				zap.Int("old_version", info.Version), zap.Int("new_version", cfg.Version))
			if err := e.UnloadStrategy(ctx, cfg.StrategyID); err != nil {
				e.logger.Warn("hot reload unload failed", zap.String("strategy_id", cfg.StrategyID), zap.Error(err))
				continue
			}
			if err := e.LoadStrategy(ctx, cfg); err != nil {
				e.logger.Warn("hot reload reload failed", zap.String("strategy_id", cfg.StrategyID), zap.Error(err))
			}
		}
	}

	e.mu.RLock()
	var removed []string
	for id := range e.instances {
		if _, ok := seen[id]; !ok {
			removed = append(removed, id)
		}
	}
	e.mu.RUnlock()
	for _, id := range removed {
		e.logger.Info("strategy removed from config, unloading", zap.String("strategy_id", id))
		if err := e.UnloadStrategy(ctx, id); err != nil {
			e.logger.Warn("unload on removal failed", zap.String("strategy_id", id), zap.Error(err))
		}
	}
}

type notLoadedError string

func (e notLoadedError) Error() string { return string(e) + ": strategy not loaded" }
func errNotLoaded(id string) error     { return notLoadedError(id) }

type alreadyLoadedError string

func (e alreadyLoadedError) Error() string { return string(e) + ": strategy already loaded" }
func errAlreadyLoaded(id string) error     { return alreadyLoadedError(id) }

type unknownClassError string

func (e unknownClassError) Error() string { return string(e) + ": unknown strategy class" }
func errUnknownClass(class string) error  { return unknownClassError(class) }
