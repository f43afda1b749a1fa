package eventbus

import (
	"sync"

	"github.com/atlas-desktop/tradecore/pkg/types"
)

// eventPool is a per-type free list of events (spec §4.1 "drawn from a
// per-type pool (cap ~10,000 per type)"). Acquire never blocks: an empty
// pool simply allocates. Release never blocks: a full pool just drops the
// returned event for the garbage collector to reclaim.
type eventPool struct {
	mu       sync.Mutex
	chans    map[types.EventType]chan *types.Event
	capacity int
}

func newEventPool(capacity int) *eventPool {
	if capacity <= 0 {
		capacity = 10000
	}
	return &eventPool{
		chans:    make(map[types.EventType]chan *types.Event),
		capacity: capacity,
	}
}

func (p *eventPool) chanFor(t types.EventType) chan *types.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.chans[t]
	if !ok {
		ch = make(chan *types.Event, p.capacity)
		p.chans[t] = ch
	}
	return ch
}

// Acquire returns a ready-to-fill event for type t.
func (p *eventPool) Acquire(t types.EventType) *types.Event {
	ch := p.chanFor(t)
	select {
	case e := <-ch:
		return e
	default:
		return &types.Event{Payload: make(map[string]any, 4)}
	}
}

// Release resets e and returns it to the pool for type t.
func (p *eventPool) Release(t types.EventType, e *types.Event) {
	if e == nil {
		return
	}
	e.Reset()
	ch := p.chanFor(t)
	select {
	case ch <- e:
	default:
	}
}
