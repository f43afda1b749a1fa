// Package types holds the shared data model for the trading control plane:
// events, orders, fills, positions, account snapshots, risk rules and
// strategy metadata. Every other package in this module exchanges these
// types rather than defining its own.
package types

import "time"

// EventType identifies the kind of payload an Event carries.
type EventType string

const (
	EventMarketTick      EventType = "market-tick"
	EventMarketBar       EventType = "market-bar"
	EventMarketDepth     EventType = "market-depth"
	EventOrderUpdate     EventType = "order-update"
	EventTradeFill       EventType = "trade-fill"
	EventPositionChange  EventType = "position-change"
	EventAccountChange   EventType = "account-change"
	EventStrategySignal  EventType = "strategy-signal"
	EventRiskBreach      EventType = "risk-breach"
	EventSystem          EventType = "system"
	EventError           EventType = "error"
	EventEmergency       EventType = "emergency"
	EventCustom          EventType = "custom"
)

// UrgentPriorityCeiling is the highest priority value still considered
// urgent; priority <= UrgentPriorityCeiling drains before normal traffic.
const UrgentPriorityCeiling = 5

// Event is the unit exchanged on the bus. Handlers receive a value copy,
// never a pointer into pool storage, so reassigning a received Event's
// fields has no effect on other handlers. The copy shares its Payload map,
// so changes to Payload entries are seen by every handler.
type Event struct {
	ID        string
	Type      EventType
	Payload   map[string]any
	Source    string
	Priority  int
	CreatedAt time.Time
	TraceID   string
}

// IsUrgent reports whether this event belongs in the urgent queue.
func (e Event) IsUrgent() bool {
	return e.Priority <= UrgentPriorityCeiling
}

// reset clears an Event in place so it can be returned to its pool. It is
// unexported: only the event bus's pool machinery should call it.
func (e *Event) reset() {
	e.ID = ""
	e.Type = ""
	for k := range e.Payload {
		delete(e.Payload, k)
	}
	e.Source = ""
	e.Priority = 0
	e.CreatedAt = time.Time{}
	e.TraceID = ""
}

// Reset is the exported form used by the event pool across package
// boundaries.
func (e *Event) Reset() { e.reset() }
