package registry

import "stayuptodo-laundry/internal/model"

// EventKind identifies what a committed mutation did.
type EventKind string

const (
	EventCreated       EventKind = "created"
	EventDeleted       EventKind = "deleted"
	EventStatusChanged EventKind = "status_changed"
	EventUpdated       EventKind = "updated"
)

// Event describes a committed mutation. Machine is empty for EventDeleted.
type Event struct {
	Kind      EventKind
	MachineID string
	From      model.Status
	To        model.Status
	User      string
	Machine   model.Machine
}

// Subscribe registers fn to be called after every committed mutation.
// Observers run on the mutating goroutine after the machine lock is released,
// so they must not block for long.
func (r *Registry) Subscribe(fn func(Event)) {
	if fn == nil {
		return
	}
	r.obsMu.Lock()
	r.observers = append(r.observers, fn)
	r.obsMu.Unlock()
}

func (r *Registry) emit(ev Event) {
	r.obsMu.RLock()
	observers := append([]func(Event){}, r.observers...)
	r.obsMu.RUnlock()

	for _, fn := range observers {
		fn(ev)
	}
}
