package strategyexec

import (
	"sync"
	"time"

	"github.com/atlas-desktop/tradecore/pkg/types"
	"go.uber.org/zap"
)

// instance wraps one running (or loaded-but-stopped) strategy with its own
// callback mutex, subscription set, and error-rate tracking (spec §4.5
// "Isolation" / "Scheduling").
type instance struct {
	mu       sync.Mutex
	strategy Strategy
	logger   *zap.Logger

	infoMu sync.RWMutex
	info   types.StrategyInfo

	symbols map[string]struct{}

	errMu       sync.Mutex
	errorTimes  []time.Time
	errorWindow time.Duration
	maxErrors   int
}

func newInstance(logger *zap.Logger, strategy Strategy, info types.StrategyInfo, errorWindow time.Duration, maxErrors int) *instance {
	symbols := make(map[string]struct{}, len(info.Symbols))
	for _, s := range info.Symbols {
		symbols[s] = struct{}{}
	}
	return &instance{
		strategy:    strategy,
		logger:      logger.With(zap.String("strategy_id", info.ID)),
		info:        info,
		symbols:     symbols,
		errorWindow: errorWindow,
		maxErrors:   maxErrors,
	}
}

func (i *instance) snapshot() types.StrategyInfo {
	i.infoMu.RLock()
	defer i.infoMu.RUnlock()
	return i.info
}

func (i *instance) subscribed(symbol string) bool {
	if len(i.symbols) == 0 {
		return true
	}
	_, ok := i.symbols[symbol]
	return ok
}

// invoke runs fn under the instance's callback mutex, recovering panics and
// recording the outcome against the instance's metrics. It returns whether
// the instance's error rate now exceeds its configured threshold.
func (i *instance) invoke(name string, fn func() error) (exceededErrorRate bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	start := time.Now()
	err := i.safeCall(fn)
	latency := time.Since(start)

	i.infoMu.Lock()
	i.info.Metrics.RunCount++
	i.info.Metrics.LastRunAt = start
	i.info.Metrics.LastRunLatency = latency
	i.info.LastRunAt = start
	if err != nil {
		i.info.Metrics.ErrorCount++
		i.info.Metrics.LastError = err.Error()
	}
	i.infoMu.Unlock()

	if err != nil {
		i.logger.Warn("strategy callback error", zap.String("callback", name), zap.Error(err))
		return i.recordError()
	}
	return false
}

func (i *instance) safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{value: r}
		}
	}()
	return fn()
}

type panicError struct{ value any }

func (p panicError) Error() string { return "strategy callback panicked" }

func (i *instance) recordError() bool {
	if i.maxErrors <= 0 {
		return false
	}
	i.errMu.Lock()
	defer i.errMu.Unlock()
	now := time.Now()
	i.errorTimes = append(i.errorTimes, now)
	cutoff := now.Add(-i.errorWindow)
	kept := i.errorTimes[:0]
	for _, t := range i.errorTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	i.errorTimes = kept
	return len(i.errorTimes) > i.maxErrors
}

func (i *instance) setRunning(running bool) {
	i.infoMu.Lock()
	i.info.Running = running
	i.infoMu.Unlock()
}

func (i *instance) setInitialized(initialized bool) {
	i.infoMu.Lock()
	i.info.Initialized = initialized
	i.infoMu.Unlock()
}
