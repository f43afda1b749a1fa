// Package strategyexec implements the strategy executor of spec §4.5:
// per-strategy mutex scheduling, a timer loop, config-directory hot
// reload, error isolation, a resource-control monitor, and
// subscription-filtered event fan-out, grounded on the teacher's
// internal/strategy package's registry/contract convention generalized to
// the spec's lifecycle and multi-instance scheduling model.
package strategyexec

import (
	"context"

	"github.com/atlas-desktop/tradecore/pkg/types"
)

// Strategy is the contract every strategy instance implements (spec §4.5).
// All methods are invoked on the executor's per-instance scheduling
// fabric: at most one callback for a given instance runs at a time.
type Strategy interface {
	Initialize(ctx context.Context, params map[string]any) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	OnTick(ctx context.Context, tick types.Tick) error
	OnBar(ctx context.Context, bar types.OHLCV) error
	OnOrderUpdate(ctx context.Context, order types.Order) error
	OnTrade(ctx context.Context, trade types.Trade) error
	OnPositionChange(ctx context.Context, position types.Position) error
	OnAccountChange(ctx context.Context, account types.AccountSnapshot) error
	OnTimer(ctx context.Context) error
	Run(ctx context.Context) error
}

// Factory constructs a fresh Strategy instance for a config's `class`
// field (spec §6 StrategyFileConfig.Class).
type Factory func() Strategy

// Registry maps a strategy class name to its constructor, mirroring the
// teacher's StrategyRegistry.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry constructs an empty registry; callers Register their own
// strategy implementations.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a named strategy constructor.
func (r *Registry) Register(class string, factory Factory) {
	r.factories[class] = factory
}

// Create instantiates class, or (nil, false) if unregistered.
func (r *Registry) Create(class string) (Strategy, bool) {
	factory, ok := r.factories[class]
	if !ok {
		return nil, false
	}
	return factory(), true
}

// Classes lists every registered strategy class name.
func (r *Registry) Classes() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
