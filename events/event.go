// Package events defines the structured state-change notifications the
// protocol emits and the emitter contract downstream consumers plug
// into. Every emitted event carries a protocol-wide sequence id.
package events

import "sync"

// Event represents a structured state change emitted by the protocol.
type Event interface {
	EventType() string
}

// Attributed is implemented by events that can flatten themselves into
// a string attribute map for transports that cannot carry typed
// payloads.
type Attributed interface {
	Attributes() map[string]string
}

// Emitter broadcasts events to downstream subscribers (RPC, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies Emitter while discarding all events. Useful when
// a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Sequenced wraps an event with its protocol-wide sequence id.
type Sequenced struct {
	ID uint64
	Event
}

// Recorder assigns sequence ids and fans events out to an inner
// emitter while keeping a bounded in-memory tail for queries.
type Recorder struct {
	mu    sync.Mutex
	next  uint64
	tail  []Sequenced
	limit int
	inner Emitter
}

// NewRecorder builds a recorder retaining up to limit recent events.
// A nil inner emitter discards the fan-out.
func NewRecorder(limit int, inner Emitter) *Recorder {
	if inner == nil {
		inner = NoopEmitter{}
	}
	return &Recorder{limit: limit, inner: inner}
}

// Emit stamps the event with the next sequence id and forwards it.
func (r *Recorder) Emit(ev Event) Sequenced {
	r.mu.Lock()
	seq := Sequenced{ID: r.next, Event: ev}
	r.next++
	r.tail = append(r.tail, seq)
	if r.limit > 0 && len(r.tail) > r.limit {
		r.tail = r.tail[len(r.tail)-r.limit:]
	}
	r.mu.Unlock()
	r.inner.Emit(seq)
	return seq
}

// Counter reports the next sequence id to be assigned.
func (r *Recorder) Counter() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

// SetCounter restores the sequence counter from a snapshot.
func (r *Recorder) SetCounter(next uint64) {
	r.mu.Lock()
	r.next = next
	r.mu.Unlock()
}

// Recent returns a copy of the retained event tail, oldest first.
func (r *Recorder) Recent() []Sequenced {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sequenced(nil), r.tail...)
}
