package strata

import "sync"

// EventType names an observable engine signal.
type EventType string

// Engine signals.
const (
	// Request signals.
	EventSuccess EventType = "success"
	EventError   EventType = "error"

	// Transaction signals. EventError also fires on a transaction when
	// its backend commit fails.
	EventComplete EventType = "complete"
	EventAbort    EventType = "abort"

	// Connection signals.
	EventVersionChange EventType = "versionchange"
	EventClose         EventType = "close"

	// Open/delete request signals.
	EventBlocked       EventType = "blocked"
	EventUpgradeNeeded EventType = "upgradeneeded"
)

// Event is delivered to listeners. Dispatch walks the owning chain
// (Request, then its Transaction, then the Database handle) and stops
// early when a listener calls StopPropagation.
type Event struct {
	Type   EventType
	Target any

	// Err is set for error, abort, and blocked signals.
	Err error

	// OldVersion and NewVersion are set for versionchange, blocked, and
	// upgradeneeded signals. NewVersion is 0 for a pending delete.
	OldVersion uint64
	NewVersion uint64

	stopped   bool
	prevented bool
}

// StopPropagation stops the event from reaching listeners further up
// the chain. Remaining listeners on the current target still run.
func (e *Event) StopPropagation() { e.stopped = true }

// PreventDefault suppresses the engine's default reaction to the event.
// For a request error this keeps the failure from aborting the owning
// transaction.
func (e *Event) PreventDefault() { e.prevented = true }

// Listener observes events of one type on one target.
type Listener func(*Event)

// emitter is the per-target listener table, embedded in Request,
// Transaction, and Database.
type emitter struct {
	lmu       sync.Mutex
	listeners map[EventType][]Listener
}

// On registers a listener for the given event type.
func (em *emitter) On(t EventType, fn Listener) {
	em.lmu.Lock()
	defer em.lmu.Unlock()
	if em.listeners == nil {
		em.listeners = make(map[EventType][]Listener)
	}
	em.listeners[t] = append(em.listeners[t], fn)
}

// snapshot returns the current listeners for one event type.
func (em *emitter) snapshot(t EventType) []Listener {
	em.lmu.Lock()
	defer em.lmu.Unlock()
	ls := em.listeners[t]
	if len(ls) == 0 {
		return nil
	}
	return append([]Listener(nil), ls...)
}

// dispatch runs ev through the chain of emitters in order, stopping at
// the first StopPropagation. Listener panics are returned as values so
// the caller can escalate them; remaining listeners are skipped.
// Callers must not hold engine locks.
func dispatch(ev *Event, chain ...*emitter) (panicked any) {
	defer func() {
		if r := recover(); r != nil {
			panicked = r
		}
	}()
	for _, em := range chain {
		if em == nil {
			continue
		}
		for _, fn := range em.snapshot(ev.Type) {
			fn(ev)
		}
		if ev.stopped {
			break
		}
	}
	return nil
}
