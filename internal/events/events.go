package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats.go"
)

// Event names.
const (
	TaskQueued   = "task.queued"
	TaskRunning  = "task.running"
	TaskProgress = "task.progress"
	TaskDone     = "task.done"
	TaskFailed   = "task.failed"
	TaskRetry    = "task.retry"
	RunState     = "run.state"
	RunManifest  = "run.manifest"
)

// Payload is the body of every event. Percent is the share of the run's
// utterances that have settled, 0 to 100. Fraction is the progress of the
// task itself, 0 to 1, and is only set on task.progress events.
type Payload struct {
	RunID       string  `json:"run_id,omitempty"`
	TaskID      string  `json:"task_id,omitempty"`
	UtteranceID string  `json:"utterance_id,omitempty"`
	Status      string  `json:"status,omitempty"`
	Percent     float64 `json:"percent"`
	Fraction    float64 `json:"fraction,omitempty"`
	Message     string  `json:"message,omitempty"`
}

// Event is a named payload with its emission time.
type Event struct {
	Name    string    `json:"name"`
	Time    time.Time `json:"time"`
	Payload Payload   `json:"payload"`
}

// Publisher receives run events. Implementations must not block for long.
type Publisher interface {
	Notify(name string, p Payload)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(name string, p Payload)

// Notify calls f.
func (f PublisherFunc) Notify(name string, p Payload) { f(name, p) }

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(string, Payload) {})

// Sink consumes events dispatched by a Bus.
type Sink interface {
	Handle(e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(e Event) error

// Handle calls f.
func (f SinkFunc) Handle(e Event) error { return f(e) }

// ErrBusClosed is reported for events sent after Close.
var ErrBusClosed = errors.New("event bus closed")

// Bus is a Publisher that queues events on a buffered channel and hands
// them to its sinks from a single goroutine, so sinks see events in the
// order they were published. Progress events are dropped when the buffer
// is full; every other event waits for room.
type Bus struct {
	ch    chan Event
	sinks []Sink

	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64
	done    chan struct{}
	once    sync.Once
}

// NewBus starts a bus with the given buffer size.
func NewBus(buffer int, sinks ...Sink) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	b := &Bus{
		ch:    make(chan Event, buffer),
		sinks: sinks,
		done:  make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Notify queues an event.
func (b *Bus) Notify(name string, p Payload) {
	e := Event{Name: name, Time: time.Now(), Payload: p}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.dropped.Add(1)
		return
	}
	if name == TaskProgress {
		select {
		case b.ch <- e:
		default:
			b.dropped.Add(1)
		}
		return
	}
	b.ch <- e
}

func (b *Bus) dispatch() {
	defer close(b.done)
	for e := range b.ch {
		for _, s := range b.sinks {
			if err := s.Handle(e); err != nil {
				log.Warn("Event sink failed", "event", e.Name, "err", err)
			}
		}
	}
}

// Dropped returns how many events were discarded.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops accepting events and waits until queued ones reach the sinks.
func (b *Bus) Close() {
	b.once.Do(func() {
		b.mu.Lock()
		b.closed = true
		close(b.ch)
		b.mu.Unlock()
		<-b.done
	})
}

// LogSink writes events to a logger: failures and retries as warnings,
// state changes at info, everything else at debug.
type LogSink struct {
	Logger *log.Logger
}

// Handle implements Sink.
func (s LogSink) Handle(e Event) error {
	l := s.Logger
	if l == nil {
		l = log.Default()
	}
	kv := []any{"event", e.Name}
	if e.Payload.UtteranceID != "" {
		kv = append(kv, "utterance", e.Payload.UtteranceID)
	}
	if e.Payload.Status != "" {
		kv = append(kv, "status", e.Payload.Status)
	}
	kv = append(kv, "percent", fmt.Sprintf("%.0f%%", e.Payload.Percent))

	msg := e.Payload.Message
	if msg == "" {
		msg = e.Name
	}
	switch e.Name {
	case TaskFailed, TaskRetry:
		l.Warn(msg, kv...)
	case RunState, RunManifest:
		l.Info(msg, kv...)
	default:
		l.Debug(msg, kv...)
	}
	return nil
}

// NATSSink publishes each event as JSON on "<prefix>.<event name>".
type NATSSink struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSSink publishes on conn under subject prefix.
func NewNATSSink(conn *nats.Conn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "podforge.events"
	}
	return &NATSSink{conn: conn, prefix: prefix}
}

// Subject returns the subject an event name is published on.
func (s *NATSSink) Subject(name string) string {
	return s.prefix + "." + name
}

// Handle implements Sink.
func (s *NATSSink) Handle(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.conn.Publish(s.Subject(e.Name), data); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", e.Name, err)
	}
	return nil
}

// Recorder is a Sink that keeps every event, for tests and summaries.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Handle implements Sink.
func (r *Recorder) Handle(e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

// Notify lets a Recorder be used directly as a synchronous Publisher.
func (r *Recorder) Notify(name string, p Payload) {
	_ = r.Handle(Event{Name: name, Time: time.Now(), Payload: p})
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Named returns the recorded events with the given name.
func (r *Recorder) Named(name string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
