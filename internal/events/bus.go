package events

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBufferSize  = 100
	priorityBufferSize = 50
)

// priorityWait bounds how long PublishPriority waits on a full priority
// subscriber before counting the event as dropped.
var priorityWait = 5 * time.Second

type subscription struct {
	ch       chan Event
	types    map[string]struct{} // empty: every type
	thread   string              // empty: every thread
	priority bool
}

func (s *subscription) wants(e Event) bool {
	if len(s.types) > 0 {
		if _, ok := s.types[e.EventType()]; !ok {
			return false
		}
	}
	if s.thread == "" {
		return true
	}
	// Interview runs publish under "<thread>/conduct_interview/<i>".
	id := e.ThreadID()
	return id == s.thread || strings.HasPrefix(id, s.thread+"/")
}

// offer delivers e without blocking. A full buffer loses its oldest event.
func (s *subscription) offer(e Event) (dropped int64) {
	for {
		select {
		case s.ch <- e:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			dropped++
		default:
		}
	}
}

// EventBus fans events out to subscribers. Regular subscribers see the most
// recent events when they fall behind; priority subscribers see every
// event sent with PublishPriority.
type EventBus struct {
	mu         sync.RWMutex
	subs       []*subscription
	bufferSize int
	closed     bool

	dropped atomic.Int64
}

// New creates a bus whose regular subscribers buffer bufferSize events.
func New(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &EventBus{bufferSize: bufferSize}
}

func (eb *EventBus) add(sub *subscription) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		close(sub.ch)
	} else {
		eb.subs = append(eb.subs, sub)
	}
	return sub.ch
}

// Subscribe receives events of the given types from every thread, or all
// events when no type is given.
func (eb *EventBus) Subscribe(types ...string) <-chan Event {
	return eb.SubscribeForThread("", types...)
}

// SubscribeForThread receives events of thread and its interview threads.
// An empty thread means every thread.
func (eb *EventBus) SubscribeForThread(thread string, types ...string) <-chan Event {
	sub := &subscription{
		ch:     make(chan Event, eb.bufferSize),
		thread: thread,
	}
	if len(types) > 0 {
		sub.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	return eb.add(sub)
}

// SubscribePriority receives only events sent with PublishPriority, such
// as run_completed and run_failed.
func (eb *EventBus) SubscribePriority() <-chan Event {
	return eb.add(&subscription{ch: make(chan Event, priorityBufferSize), priority: true})
}

// Unsubscribe removes ch and closes it.
func (eb *EventBus) Unsubscribe(ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for i, sub := range eb.subs {
		if sub.ch == ch {
			close(sub.ch)
			eb.subs = append(eb.subs[:i], eb.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers event to matching regular subscribers without blocking.
func (eb *EventBus) Publish(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if !eb.closed {
		eb.fanOut(event)
	}
}

// PublishPriority delivers event like Publish, then to every priority
// subscriber, waiting up to priorityWait on each.
func (eb *EventBus) PublishPriority(event Event) {
	if eb == nil {
		return
	}
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}
	eb.fanOut(event)

	// One wait budget covers all priority subscribers of this event.
	var timer *time.Timer
	expired := false
	for _, sub := range eb.subs {
		if !sub.priority {
			continue
		}
		select {
		case sub.ch <- event:
			continue
		default:
		}
		if expired {
			eb.dropped.Add(1)
			continue
		}
		if timer == nil {
			timer = time.NewTimer(priorityWait)
			defer timer.Stop()
		}
		select {
		case sub.ch <- event:
		case <-timer.C:
			expired = true
			eb.dropped.Add(1)
		}
	}
}

func (eb *EventBus) fanOut(event Event) {
	for _, sub := range eb.subs {
		if sub.priority || !sub.wants(event) {
			continue
		}
		if n := sub.offer(event); n > 0 {
			eb.dropped.Add(n)
		}
	}
}

// DroppedCount reports how many events subscribers have lost so far.
func (eb *EventBus) DroppedCount() int64 {
	return eb.dropped.Load()
}

// Close closes every subscription. Later publishes are ignored and later
// subscriptions come back closed.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}
	eb.closed = true
	for _, sub := range eb.subs {
		close(sub.ch)
	}
	eb.subs = nil
}
