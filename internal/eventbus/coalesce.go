package eventbus

import (
	"sync"
	"time"

	"github.com/atlas-desktop/tradecore/pkg/types"
	"github.com/shopspring/decimal"
)

// coalescableTypes are the event types the optional coalescing proxy may
// merge (spec §4.1: "high-frequency ticks/bars per (type, symbol)
// window").
var coalescableTypes = map[types.EventType]bool{
	types.EventMarketTick: true,
	types.EventMarketBar:  true,
}

// coalescer merges same-key events within a window into at most one
// emitted event per window per key: the latest tick's scalar fields
// replace the prior ones, volume and turnover accumulate, and bar
// high/low fields widen to the envelope of all merged bars.
type coalescer struct {
	window time.Duration
	emit   func(*types.Event)

	mu      sync.Mutex
	pending map[string]*types.Event
	timers  map[string]*time.Timer
}

func newCoalescer(window time.Duration, emit func(*types.Event)) *coalescer {
	return &coalescer{
		window:  window,
		emit:    emit,
		pending: make(map[string]*types.Event),
		timers:  make(map[string]*time.Timer),
	}
}

func coalesceKey(e *types.Event) (string, bool) {
	if !coalescableTypes[e.Type] {
		return "", false
	}
	symbol, _ := e.Payload["symbol"].(string)
	return string(e.Type) + "|" + symbol, true
}

// Offer merges e into the pending entry for its key, scheduling a flush on
// first arrival. Returns false if e's type is not coalescable and the
// caller should publish it directly instead.
func (c *coalescer) Offer(e *types.Event, release func(*types.Event)) bool {
	key, ok := coalesceKey(e)
	if !ok {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	stored, exists := c.pending[key]
	if !exists {
		c.pending[key] = e
		c.timers[key] = time.AfterFunc(c.window, func() { c.flush(key) })
		return true
	}

	mergeEvent(stored, e)
	release(e)
	return true
}

func mergeEvent(into, from *types.Event) {
	switch into.Type {
	case types.EventMarketTick:
		for k, v := range from.Payload {
			switch k {
			case "volume", "turnover":
				into.Payload[k] = addDecimal(into.Payload[k], v)
			default:
				into.Payload[k] = v
			}
		}
	case types.EventMarketBar:
		for k, v := range from.Payload {
			switch k {
			case "volume", "turnover":
				into.Payload[k] = addDecimal(into.Payload[k], v)
			case "high":
				into.Payload[k] = maxDecimal(into.Payload[k], v)
			case "low":
				into.Payload[k] = minDecimal(into.Payload[k], v)
			case "open":
				// first bar's open wins; ignore later ones
			default:
				into.Payload[k] = v
			}
		}
	default:
		for k, v := range from.Payload {
			into.Payload[k] = v
		}
	}
	into.CreatedAt = from.CreatedAt
}

func asDecimal(v any) (decimal.Decimal, bool) {
	d, ok := v.(decimal.Decimal)
	return d, ok
}

func addDecimal(a, b any) any {
	da, aok := asDecimal(a)
	db, bok := asDecimal(b)
	if !aok {
		return b
	}
	if !bok {
		return a
	}
	return da.Add(db)
}

func maxDecimal(a, b any) any {
	da, aok := asDecimal(a)
	db, bok := asDecimal(b)
	if !aok {
		return b
	}
	if !bok {
		return a
	}
	if db.GreaterThan(da) {
		return db
	}
	return da
}

func minDecimal(a, b any) any {
	da, aok := asDecimal(a)
	db, bok := asDecimal(b)
	if !aok {
		return b
	}
	if !bok {
		return a
	}
	if db.LessThan(da) {
		return db
	}
	return da
}

func (c *coalescer) flush(key string) {
	c.mu.Lock()
	e, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
		delete(c.timers, key)
	}
	c.mu.Unlock()
	if ok {
		c.emit(e)
	}
}

// Stop cancels any pending timers without emitting their events; used on
// bus shutdown.
func (c *coalescer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.timers {
		t.Stop()
	}
}
