// Package changestream implements the filtered, best-effort, at-most-once
// change notification bus (C6): committed mutations are published to a
// bounded set of subscribers without ever blocking the committer.
package changestream

import (
	"sync"
	"time"

	"nodestore/document"
)

// OperationKind identifies the mutation that produced an Event.
type OperationKind string

const (
	OpInsert OperationKind = "insert"
	OpUpdate OperationKind = "update"
	OpRemove OperationKind = "remove"
)

// Event is one committed mutation, delivered to subscribers strictly after
// the write lock protecting it was released and its WAL record was
// durable (the bus itself has no opinion on ordering — callers, not this
// package, must only call Publish once that fence has passed).
type Event struct {
	Kind       OperationKind
	Collection string
	Document   document.Doc
	Timestamp  time.Time
}

// Filter narrows which events a subscriber receives. A zero-value field
// matches anything; Predicate, if set, is an additional arbitrary filter
// evaluated after Collection/Kind.
type Filter struct {
	Collection string
	Kind       OperationKind
	Predicate  func(Event) bool
}

func (f Filter) matches(e Event) bool {
	if f.Collection != "" && f.Collection != e.Collection {
		return false
	}
	if f.Kind != "" && f.Kind != e.Kind {
		return false
	}
	if f.Predicate != nil && !f.Predicate(e) {
		return false
	}
	return true
}

// Handler is a subscriber's callback; it runs on the bus's own dispatch
// goroutine for that subscription, never on the committer's goroutine.
type Handler func(Event)

// MaxSubscribers bounds how many concurrent watchers the bus accepts.
const MaxSubscribers = 100

const subscriberBuffer = 64

type subscription struct {
	id     string
	filter Filter
	ch     chan Event
}

// Bus is the change-stream fan-out, grounded on cuemby-warren's
// pkg/events.Broker (buffered event channel, a single dispatch loop, and
// best-effort per-subscriber delivery that drops on a full buffer rather
// than blocking Publish) combined with the per-subscriber filter shape of
// nodestorage/v2's Watch/WatchEvent.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	nextID int64

	eventCh chan Event
	stopCh  chan struct{}
	started bool

	statsMu   sync.Mutex
	delivered int64
	dropped   int64
}

// NewBus creates an unstarted Bus. Call Start before publishing.
func NewBus() *Bus {
	return &Bus{
		subs:    make(map[string]*subscription),
		eventCh: make(chan Event, 1024),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the bus's internal dispatch loop.
func (b *Bus) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()
	go b.run()
}

// Stop halts dispatch and closes every subscriber channel.
func (b *Bus) Stop() {
	close(b.stopCh)
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}

// Watch registers handler to receive events matching filter, returning a
// subscription id for Unwatch. Fails with a KindResourceLimit error once
// MaxSubscribers is reached.
func (b *Bus) Watch(filter Filter, handler Handler) (string, error) {
	b.mu.Lock()
	if len(b.subs) >= MaxSubscribers {
		b.mu.Unlock()
		return "", document.NewResourceLimitError(
			"change stream subscriber limit %d reached", MaxSubscribers,
		).With("limit", MaxSubscribers)
	}
	b.nextID++
	subID := formatSubID(b.nextID)
	s := &subscription{id: subID, filter: filter, ch: make(chan Event, subscriberBuffer)}
	b.subs[subID] = s
	b.mu.Unlock()

	go b.dispatchLoop(s, handler)
	return subID, nil
}

// Unwatch removes a subscription. Its dispatch goroutine exits once the
// channel is drained and closed.
func (b *Bus) Unwatch(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.subs[id]
	if !ok {
		return document.NewValidationError("no such change stream subscription %q", id)
	}
	delete(b.subs, id)
	close(s.ch)
	return nil
}

// Publish enqueues e for fan-out. It never blocks the caller beyond
// filling the bus's own bounded internal queue.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- e:
	case <-b.stopCh:
	}
}

func (b *Bus) run() {
	for {
		select {
		case e := <-b.eventCh:
			b.broadcast(e)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) broadcast(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.filter.matches(e) {
			continue
		}
		select {
		case s.ch <- e:
			b.statsMu.Lock()
			b.delivered++
			b.statsMu.Unlock()
		default:
			b.statsMu.Lock()
			b.dropped++
			b.statsMu.Unlock()
		}
	}
}

// dispatchLoop drains one subscriber's channel, isolating a panicking
// handler so it cannot take down the bus or other subscribers.
func (b *Bus) dispatchLoop(s *subscription, handler Handler) {
	for e := range s.ch {
		func() {
			defer func() { recover() }()
			handler(e)
		}()
	}
}

// Stats are the cumulative counters exposed via metrics.
type Stats struct {
	Subscribers int
	Delivered   int64
	Dropped     int64
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return Stats{Subscribers: n, Delivered: b.delivered, Dropped: b.dropped}
}

func formatSubID(n int64) string {
	const digits = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "sub-0"
	}
	buf := make([]byte, 0, 16)
	for n > 0 {
		buf = append(buf, digits[n%36])
		n /= 36
	}
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return "sub-" + string(buf)
}
