package events

import "sort"

// Event represents a structured state change emitted by the clearinghouse.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (audit log, metrics,
// stream clients, message brokers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Record is the canonical payload carried by every emitted event.
type Record struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// EventType implements Event.
func (r Record) EventType() string { return r.Type }

// Keys returns the attribute keys in lexical order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r.Attributes))
	for k := range r.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Payload extracts the Record carried by evt. Events that do not carry one
// yield a record holding only the type.
func Payload(evt Event) Record {
	if evt == nil {
		return Record{}
	}
	if carrier, ok := evt.(interface{ Record() Record }); ok {
		return carrier.Record()
	}
	if rec, ok := evt.(Record); ok {
		return rec
	}
	return Record{Type: evt.EventType(), Attributes: map[string]string{}}
}

// Fanout forwards every event to each configured emitter in order.
type Fanout []Emitter

// Emit implements Emitter.
func (f Fanout) Emit(evt Event) {
	for _, emitter := range f {
		if emitter == nil {
			continue
		}
		emitter.Emit(evt)
	}
}
