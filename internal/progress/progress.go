// Package progress carries named progress events from long-running
// operations (signature updates, scans) to whoever is watching them.
package progress

import (
	"sync"
	"time"
)

// Event names emitted by the signature update protocol and the scanner.
const (
	Acquire      = "acquire"
	Insert       = "insert"
	Index        = "index"
	Done         = "done"
	ScanStarted  = "scan_started"
	ScanFinished = "scan_finished"
)

// Event is a single named progress notification with a free-form payload.
type Event struct {
	Name    string
	Payload string
}

// Sink receives progress events. Implementations must not block for long:
// Emit is called inline from the operation being observed.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a plain function to a Sink.
type SinkFunc func(Event)

// Emit calls f(e).
func (f SinkFunc) Emit(e Event) { f(e) }

// Emit sends an event to s. A nil sink is valid and discards the event.
func Emit(s Sink, name, payload string) {
	if s == nil {
		return
	}
	s.Emit(Event{Name: name, Payload: payload})
}

// Recorder is a Sink that remembers the most recent event, for status
// reporting while an operation runs.
type Recorder struct {
	mu   sync.Mutex
	last Event
	at   time.Time
}

// Emit implements Sink.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = e
	r.at = time.Now()
}

// Last returns the latest event and when it arrived. ok is false before the
// first event.
func (r *Recorder) Last() (e Event, at time.Time, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.at, !r.at.IsZero()
}

// Tee returns a Sink forwarding every event to each non-nil sink in order.
func Tee(sinks ...Sink) Sink {
	return SinkFunc(func(e Event) {
		for _, s := range sinks {
			Emit(s, e.Name, e.Payload)
		}
	})
}
