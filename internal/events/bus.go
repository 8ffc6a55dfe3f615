package events

import (
	"sync"
	"time"
)

// Kind identifies a category of event published on the bus.
type Kind string

const (
	KindProcessStarted     Kind = "process-started"
	KindProcessStopped     Kind = "process-stopped"
	KindProcessCrashed     Kind = "process-crashed"
	KindProcessRestarting  Kind = "process-restarting"
	KindProcessMaxRestarts Kind = "process-max-restarts"
	KindCycleComplete      Kind = "cycle-complete"
	KindCycleFailed        Kind = "cycle-failed"
	KindContractWarning    Kind = "contract-warning"
	KindPinAdded           Kind = "pin-added"
	KindPinRemoved         Kind = "pin-removed"
	KindLogLine            Kind = "log-line"
)

// Event is a single bus message. Payload schemas are owned by the producer
// package (poa.ExitStatus, reconcile.CycleResult, ...); Fields carries small
// string attributes like the log-line classification tag.
type Event struct {
	Kind    Kind
	At      time.Time
	Message string
	Fields  map[string]string
	Payload any
}

// Handler consumes one event. Handlers run on the publisher's goroutine;
// keep them short.
type Handler func(Event)

// DefaultLogBufferSize is the number of log-line events retained for replay.
const DefaultLogBufferSize = 1000

// Bus is a typed publish/subscribe channel keyed by event kind. A failing
// (panicking) subscriber does not prevent delivery to the others, and never
// propagates into the producer.
type Bus struct {
	mu      sync.RWMutex
	nextID  int
	subs    map[Kind]map[int]Handler
	allSubs map[int]Handler

	logBuf  []Event // ring of recent log-line events
	logHead int
	logLen  int
}

// NewBus creates a Bus retaining up to bufSize recent log lines
// (DefaultLogBufferSize when bufSize <= 0).
func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = DefaultLogBufferSize
	}
	return &Bus{
		subs:    make(map[Kind]map[int]Handler),
		allSubs: make(map[int]Handler),
		logBuf:  make([]Event, bufSize),
	}
}

// Subscribe registers fn for events of the given kind and returns an
// unsubscribe function.
func (b *Bus) Subscribe(kind Kind, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	m, ok := b.subs[kind]
	if !ok {
		m = make(map[int]Handler)
		b.subs[kind] = m
	}
	m[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(m, id)
	}
}

// SubscribeAll registers fn for every event regardless of kind.
func (b *Bus) SubscribeAll(fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.allSubs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.allSubs, id)
	}
}

// Publish delivers e to all subscribers of e.Kind plus the catch-all
// subscribers. Log-line events are also appended to the replay buffer.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.Lock()
	if e.Kind == KindLogLine {
		idx := (b.logHead + b.logLen) % len(b.logBuf)
		b.logBuf[idx] = e
		if b.logLen < len(b.logBuf) {
			b.logLen++
		} else {
			b.logHead = (b.logHead + 1) % len(b.logBuf)
		}
	}
	handlers := make([]Handler, 0, len(b.allSubs)+len(b.subs[e.Kind]))
	for _, fn := range b.subs[e.Kind] {
		handlers = append(handlers, fn)
	}
	for _, fn := range b.allSubs {
		handlers = append(handlers, fn)
	}
	b.mu.Unlock()

	for _, fn := range handlers {
		deliver(fn, e)
	}
}

// deliver isolates subscriber panics from the producer and from each other.
func deliver(fn Handler, e Event) {
	defer func() { _ = recover() }()
	fn(e)
}

// Recent returns up to n of the most recent log-line events, oldest first.
// n <= 0 returns the whole buffer.
func (b *Bus) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n <= 0 || n > b.logLen {
		n = b.logLen
	}
	out := make([]Event, 0, n)
	start := b.logLen - n
	for i := start; i < b.logLen; i++ {
		out = append(out, b.logBuf[(b.logHead+i)%len(b.logBuf)])
	}
	return out
}
