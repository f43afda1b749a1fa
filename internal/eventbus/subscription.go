package eventbus

import (
	"context"
	"sync/atomic"

	"github.com/atlas-desktop/tradecore/pkg/types"
	"github.com/google/uuid"
	"github.com/ryanuber/go-glob"
)

// HandlerFunc processes one delivered event. A non-nil error is logged,
// counted, and folded into the bus's circuit breaker bookkeeping; it does
// not stop delivery to other handlers.
type HandlerFunc func(ctx context.Context, evt types.Event) error

// FilterFunc inspects or transforms an event before routing. Returning
// keep=false drops the event; the returned event (possibly transformed)
// replaces the one passed to the next filter in the chain.
type FilterFunc func(evt types.Event) (transformed types.Event, keep bool)

// ValidatorFunc rejects malformed events of a given type before they ever
// reach filtering or routing.
type ValidatorFunc func(evt types.Event) error

// Subscription is an active registration of a handler against a type
// pattern (a literal event type name or a glob like "market-*").
type Subscription struct {
	ID      string
	Pattern string
	Handler HandlerFunc
	IOBound bool

	active atomic.Bool
}

func newSubscription(pattern string, handler HandlerFunc, ioBound bool) *Subscription {
	sub := &Subscription{
		ID:      uuid.NewString(),
		Pattern: pattern,
		Handler: handler,
		IOBound: ioBound,
	}
	sub.active.Store(true)
	return sub
}

// Matches reports whether the subscription's pattern matches event type t.
func (s *Subscription) Matches(t types.EventType) bool {
	if s.Pattern == string(t) {
		return true
	}
	return glob.Glob(s.Pattern, string(t))
}

// IsActive reports whether the subscription is still live.
func (s *Subscription) IsActive() bool { return s.active.Load() }
