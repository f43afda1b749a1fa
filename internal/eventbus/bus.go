package eventbus

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atlas-desktop/tradecore/internal/circuitbreaker"
	"github.com/atlas-desktop/tradecore/internal/workers"
	"github.com/atlas-desktop/tradecore/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Bus is the sharded priority event bus of spec §4.1.
type Bus struct {
	logger *zap.Logger
	cfg    Config

	shards []*shard

	subsMu sync.RWMutex
	subs   []*Subscription

	filtersMu sync.RWMutex
	filters   []FilterFunc

	validatorsMu sync.RWMutex
	validators   map[types.EventType]ValidatorFunc

	ioPool  *workers.Pool
	cpuPool *workers.Pool

	breaker *circuitbreaker.Breaker
	pool    *eventPool
	batch   *batchController
	coalesce *coalescer

	stats *busStats

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Bus from cfg. Start must be called before Publish is
// useful; subscriptions may be registered either before or after Start.
func New(cfg Config, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = DefaultConfig().ShardCount
	}

	b := &Bus{
		logger:     logger.Named("eventbus"),
		cfg:        cfg,
		validators: make(map[types.EventType]ValidatorFunc),
		pool:       newEventPool(cfg.PoolCapacityPerType),
		batch:      newBatchController(cfg.TargetRate, cfg.MinBatchSize, cfg.MaxBatchSize, cfg.BatchSampleInterval),
		stats:      newBusStats(10000),
	}

	b.shards = make([]*shard, cfg.ShardCount)
	for i := range b.shards {
		b.shards[i] = newShard(i, cfg.QueueHighWaterMark, cfg.QueueHardCeiling)
	}

	if !cfg.DisableCircuitBreaker {
		b.breaker = circuitbreaker.New(circuitbreaker.Config{
			Name:              "eventbus",
			Threshold:         cfg.BreakerThreshold,
			RecoveryTime:      cfg.BreakerRecovery,
			HalfOpenSuccesses: cfg.BreakerHalfOpenProbes,
		}, b.logger)
	}

	if cfg.EnableCoalescing {
		b.coalesce = newCoalescer(cfg.CoalesceWindow, func(e *types.Event) {
			b.routeToShard(e)
		})
	}

	ioWorkers := cfg.IOWorkers
	if ioWorkers <= 0 {
		ioWorkers = runtime.NumCPU() * 4
	}
	cpuWorkers := cfg.CPUWorkers
	if cpuWorkers <= 0 {
		cpuWorkers = runtime.NumCPU()
	}
	b.ioPool = workers.NewPool(b.logger.Named("io-pool"), &workers.PoolConfig{
		Name:            "eventbus-io",
		NumWorkers:      ioWorkers,
		QueueSize:       cfg.QueueHardCeiling * cfg.ShardCount,
		TaskTimeout:     cfg.HandlerTimeout,
		ShutdownTimeout: 10 * time.Second,
		PanicRecovery:   true,
	})
	b.cpuPool = workers.NewPool(b.logger.Named("cpu-pool"), &workers.PoolConfig{
		Name:            "eventbus-cpu",
		NumWorkers:      cpuWorkers,
		QueueSize:       cfg.QueueHardCeiling * cfg.ShardCount,
		TaskTimeout:     cfg.HandlerTimeout,
		ShutdownTimeout: 10 * time.Second,
		PanicRecovery:   true,
	})

	return b
}

// Start is idempotent: calling it while already running is a no-op.
func (b *Bus) Start(ctx context.Context) error {
	if b.running.Swap(true) {
		return nil
	}
	b.stopCh = make(chan struct{})

	b.ioPool.Start()
	b.cpuPool.Start()

	for _, s := range b.shards {
		b.wg.Add(1)
		go b.shardLoop(s)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.batch.run(b.stopCh)
	}()

	b.logger.Info("event bus started", zap.Int("shards", len(b.shards)))
	return nil
}

// Stop is idempotent and cooperative: it stops accepting new dispatch
// loop iterations, drains in-flight handler tasks up to each pool's
// shutdown timeout, and returns once workers observe the stop signal.
func (b *Bus) Stop() error {
	if !b.running.Swap(false) {
		return nil
	}
	close(b.stopCh)
	if b.coalesce != nil {
		b.coalesce.Stop()
	}
	b.wg.Wait()

	var err error
	if ioErr := b.ioPool.Stop(); ioErr != nil {
		err = ioErr
	}
	if cpuErr := b.cpuPool.Stop(); cpuErr != nil {
		err = cpuErr
	}
	b.logger.Info("event bus stopped",
		zap.Int64("published", b.stats.published.Load()),
		zap.Int64("delivered", b.stats.delivered.Load()),
	)
	return err
}

// IsRunning reports whether Start has been called without a matching Stop.
func (b *Bus) IsRunning() bool { return b.running.Load() }

// Subscribe registers handler against pattern, a literal event type name
// or a glob like "market-*". ioBound selects which worker pool dispatches
// this handler.
func (b *Bus) Subscribe(pattern string, handler HandlerFunc, ioBound bool) *Subscription {
	sub := newSubscription(pattern, handler, ioBound)
	b.subsMu.Lock()
	b.subs = append(b.subs, sub)
	b.subsMu.Unlock()
	return sub
}

// AddRouter is sugar for Subscribe with ioBound set to true: routing
// handlers are typically thin dispatch to another subsystem, which is
// I/O-bound work.
func (b *Bus) AddRouter(pattern string, handler HandlerFunc) *Subscription {
	return b.Subscribe(pattern, handler, true)
}

// Unsubscribe deactivates sub; Unsubscribe on an already-inactive
// subscription is harmless. Subscribe does not deduplicate: registering the
// same handler under the same pattern twice creates two subscriptions, and
// each one receives every matching event.
func (b *Bus) Unsubscribe(sub *Subscription) {
	sub.active.Store(false)
}

// AddFilter appends fn to the filter chain. Filters run in registration
// order; the first to refuse an event drops it.
func (b *Bus) AddFilter(fn FilterFunc) {
	b.filtersMu.Lock()
	b.filters = append(b.filters, fn)
	b.filtersMu.Unlock()
}

// AddValidator registers fn as the schema validator for event type t,
// replacing any previous validator for that type.
func (b *Bus) AddValidator(t types.EventType, fn ValidatorFunc) {
	b.validatorsMu.Lock()
	b.validators[t] = fn
	b.validatorsMu.Unlock()
}

// Publish admits event for delivery, returning false (and incrementing a
// drop counter with reason) if it was refused. Publish may block briefly
// on a shard's channel send but never on handler execution.
func (b *Bus) Publish(evt types.Event) bool {
	e := b.pool.Acquire(evt.Type)
	*e = evt
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TraceID == "" {
		e.TraceID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	if err := b.validate(e); err != nil {
		b.stats.recordDrop(reasonValidation)
		b.pool.Release(e.Type, e)
		b.logger.Debug("event dropped: validation failed",
			zap.String("type", string(e.Type)), zap.Error(err))
		return false
	}

	if !b.runFilters(e) {
		b.stats.recordDrop(reasonFiltered)
		b.pool.Release(e.Type, e)
		return false
	}

	if b.breaker != nil && !b.breaker.Allow() {
		b.stats.recordDrop(reasonBreakerOpen)
		b.pool.Release(e.Type, e)
		return false
	}

	if b.coalesce != nil && b.coalesce.Offer(e, func(ev *types.Event) { b.pool.Release(ev.Type, ev) }) {
		b.stats.recordPublish()
		return true
	}

	return b.routeToShard(e)
}

// routeToShard performs the final, un-filtered admission into a shard
// queue. It is also the coalescer's flush callback, so a merged event
// skips validation/filtering a second time (it already passed once on
// first arrival).
func (b *Bus) routeToShard(e *types.Event) bool {
	idx := shardIndex(e.TraceID, len(b.shards))
	admitted, reason := b.shards[idx].enqueue(e)
	if !admitted {
		b.stats.recordDrop(reason)
		b.pool.Release(e.Type, e)
		return false
	}
	b.stats.recordPublish()
	return true
}

// PublishSync delivers event synchronously: all matched handlers complete
// (or time out) before PublishSync returns. It still passes through
// validation, filtering and breaker gating.
func (b *Bus) PublishSync(evt types.Event) bool {
	e := b.pool.Acquire(evt.Type)
	*e = evt
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TraceID == "" {
		e.TraceID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	if err := b.validate(e); err != nil {
		b.stats.recordDrop(reasonValidation)
		b.pool.Release(e.Type, e)
		return false
	}
	if !b.runFilters(e) {
		b.stats.recordDrop(reasonFiltered)
		b.pool.Release(e.Type, e)
		return false
	}
	if b.breaker != nil && !b.breaker.Allow() {
		b.stats.recordDrop(reasonBreakerOpen)
		b.pool.Release(e.Type, e)
		return false
	}

	b.stats.recordPublish()
	subs := b.matchingSubs(e.Type)
	var wg sync.WaitGroup
	wg.Add(len(subs))
	snapshot := *e
	for _, sub := range subs {
		sub := sub
		go func() {
			defer wg.Done()
			b.runHandler(sub, snapshot)
		}()
	}
	wg.Wait()
	b.pool.Release(e.Type, e)
	return true
}

func (b *Bus) validate(e *types.Event) error {
	b.validatorsMu.RLock()
	v, ok := b.validators[e.Type]
	b.validatorsMu.RUnlock()
	if !ok {
		return nil
	}
	return v(*e)
}

// runFilters applies the filter chain in order, mutating *e in place with
// each filter's transformed result. Returns false if any filter drops the
// event.
func (b *Bus) runFilters(e *types.Event) bool {
	b.filtersMu.RLock()
	chain := b.filters
	b.filtersMu.RUnlock()

	current := *e
	for _, f := range chain {
		transformed, keep := f(current)
		if !keep {
			return false
		}
		current = transformed
	}
	*e = current
	return true
}

func (b *Bus) matchingSubs(t types.EventType) []*Subscription {
	b.subsMu.RLock()
	defer b.subsMu.RUnlock()
	matched := make([]*Subscription, 0, 4)
	for _, s := range b.subs {
		if s.IsActive() && s.Matches(t) {
			matched = append(matched, s)
		}
	}
	return matched
}

// shardLoop drains a shard's urgent queue ahead of its normal queue,
// strictly preferring urgent on every iteration (spec §4.1 QoS).
func (b *Bus) shardLoop(s *shard) {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case e := <-s.urgent:
			b.dispatch(e)
			continue
		default:
		}

		select {
		case <-b.stopCh:
			return
		case e := <-s.urgent:
			b.dispatch(e)
		case e := <-s.normal:
			_ = b.batch.Wait(context.Background())
			b.dispatch(e)
		}
	}
}

// dispatch routes e to every matching active subscription, submitting
// each to its preferred pool. The event is returned to its pool once all
// matched handlers have completed.
func (b *Bus) dispatch(e *types.Event) {
	b.batch.recordDispatch()
	matched := b.matchingSubs(e.Type)
	if len(matched) == 0 {
		b.pool.Release(e.Type, e)
		return
	}

	snapshot := *e
	remaining := int32(len(matched))
	release := func() {
		if atomic.AddInt32(&remaining, -1) == 0 {
			b.pool.Release(e.Type, e)
		}
	}

	for _, sub := range matched {
		sub := sub
		pool := b.cpuPool
		if sub.IOBound {
			pool = b.ioPool
		}
		if err := pool.SubmitFunc(func() error {
			defer release()
			b.runHandler(sub, snapshot)
			return nil
		}); err != nil {
			b.logger.Warn("dropping handler dispatch: pool unavailable",
				zap.String("subscription", sub.ID), zap.Error(err))
			release()
		}
	}
}

// runHandler executes sub.Handler with panic recovery, records latency,
// and feeds the outcome into the bus circuit breaker.
func (b *Bus) runHandler(sub *Subscription, evt types.Event) {
	start := time.Now()
	var handlerErr error

	func() {
		defer func() {
			if r := recover(); r != nil {
				handlerErr = fmt.Errorf("handler panic: %v", r)
				b.stats.recordPanic()
				b.logger.Error("event handler panic",
					zap.String("subscription", sub.ID),
					zap.String("event_type", string(evt.Type)),
					zap.Any("panic", r),
				)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.HandlerTimeout)
		defer cancel()
		handlerErr = sub.Handler(ctx, evt)
	}()

	b.stats.recordDelivered()
	b.stats.recordLatency(time.Since(start))

	if b.breaker != nil {
		_ = b.breaker.CallVoid(func() error { return handlerErr })
	}

	if handlerErr != nil {
		b.stats.recordHandlerError()
		b.logger.Warn("event handler error",
			zap.String("subscription", sub.ID),
			zap.String("event_type", string(evt.Type)),
			zap.Error(handlerErr),
		)
	}
}

// GetStats returns a snapshot of bus-wide counters, latency and per-shard
// queue depths.
func (b *Bus) GetStats() Stats {
	shardStats := make([]ShardStats, len(b.shards))
	for i, s := range b.shards {
		u, n := s.depth()
		shardStats[i] = ShardStats{Index: i, UrgentDepth: u, NormalDepth: n}
	}
	return Stats{
		Published:          b.stats.published.Load(),
		Delivered:           b.stats.delivered.Load(),
		HandlerErrors:       b.stats.handlerErrors.Load(),
		Panics:              b.stats.panics.Load(),
		DroppedQueueFull:    b.stats.droppedQueueFull.Load(),
		DroppedBreakerOpen:  b.stats.droppedBreakerOpen.Load(),
		DroppedValidation:   b.stats.droppedValidation.Load(),
		DroppedFiltered:     b.stats.droppedFiltered.Load(),
		P99Latency:          b.stats.p99(),
		BatchSize:           b.batch.CurrentSize(),
		Shards:              shardStats,
	}
}

// BreakerState exposes the bus-level circuit breaker's current state for
// metrics export; returns circuitbreaker.StateClosed when the breaker is
// disabled.
func (b *Bus) BreakerState() circuitbreaker.State {
	if b.breaker == nil {
		return circuitbreaker.StateClosed
	}
	return b.breaker.State()
}
