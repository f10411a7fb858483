package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultMaxEvents is the number of events retained before pruning.
	DefaultMaxEvents = 1000

	// DefaultChannelBuffer is the buffer size for subscriber channels.
	DefaultChannelBuffer = 100
)

// SubscriptionID is a unique identifier for event subscriptions.
type SubscriptionID string

// Subscription represents a single event subscription.
type Subscription struct {
	ID      SubscriptionID
	Kind    Kind
	Handler func(Event)
	Channel chan Event
	done    chan struct{}
}

// Log is the append-only evolution event log. Appends assign increasing IDs
// and prune the oldest events beyond the cap. Subscribers receive events on
// their own goroutine; a subscriber that falls behind loses events instead of
// blocking the writer.
type Log struct {
	subscriptions   map[SubscriptionID]*Subscription
	subscriptionsMu sync.RWMutex
	subCounter      atomic.Uint64

	// Kind to subscription mapping for fast lookup
	typedSubs   map[Kind]map[SubscriptionID]*Subscription
	typedSubsMu sync.RWMutex

	// Wildcard subscribers (receive all events)
	wildcardSubs   map[SubscriptionID]*Subscription
	wildcardSubsMu sync.RWMutex

	history   []Event
	historyMu sync.RWMutex
	maxEvents int
	nextID    int64
	appended  atomic.Int64
	dropped   atomic.Int64

	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewLog creates an event log retaining at most maxEvents entries.
func NewLog(maxEvents int) *Log {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Log{
		subscriptions: make(map[SubscriptionID]*Subscription),
		typedSubs:     make(map[Kind]map[SubscriptionID]*Subscription),
		wildcardSubs:  make(map[SubscriptionID]*Subscription),
		history:       make([]Event, 0, maxEvents),
		maxEvents:     maxEvents,
		nextID:        1,
		now:           time.Now,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Append records an event and fans it out to subscribers. It assigns the
// next sequence ID and, when unset, the timestamp. The stored event is
// returned.
func (l *Log) Append(event Event) Event {
	l.historyMu.Lock()
	event.ID = l.nextID
	l.nextID++
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}
	l.history = append(l.history, event)
	if len(l.history) > l.maxEvents {
		l.history = l.history[len(l.history)-l.maxEvents:]
	}
	l.appended.Add(1)

	// Dispatch under the history lock so subscribers see ID order.
	if !l.closed.Load() {
		l.dispatch(event)
	}
	l.historyMu.Unlock()
	return event
}

func (l *Log) dispatch(event Event) {
	l.wildcardSubsMu.RLock()
	for _, sub := range l.wildcardSubs {
		l.offer(sub, event)
	}
	l.wildcardSubsMu.RUnlock()

	l.typedSubsMu.RLock()
	for _, sub := range l.typedSubs[event.Kind] {
		l.offer(sub, event)
	}
	l.typedSubsMu.RUnlock()
}

func (l *Log) offer(sub *Subscription, event Event) {
	select {
	case sub.Channel <- event:
	default:
		l.dropped.Add(1)
	}
}

// Recent returns the last k events, oldest first.
func (l *Log) Recent(k int) []Event {
	l.historyMu.RLock()
	defer l.historyMu.RUnlock()

	if k > len(l.history) {
		k = len(l.history)
	}
	if k <= 0 {
		return []Event{}
	}

	result := make([]Event, k)
	copy(result, l.history[len(l.history)-k:])
	return result
}

// RecentUpTo returns the last k events whose generation is at most gen.
func (l *Log) RecentUpTo(k int, gen uint64) []Event {
	l.historyMu.RLock()
	defer l.historyMu.RUnlock()

	result := make([]Event, 0, k)
	for i := len(l.history) - 1; i >= 0 && len(result) < k; i-- {
		if l.history[i].Generation <= gen {
			result = append(result, l.history[i])
		}
	}
	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result
}

// All returns a copy of every retained event, oldest first.
func (l *Log) All() []Event {
	l.historyMu.RLock()
	defer l.historyMu.RUnlock()

	result := make([]Event, len(l.history))
	copy(result, l.history)
	return result
}

// Since returns retained events with an ID greater than id.
func (l *Log) Since(id int64) []Event {
	l.historyMu.RLock()
	defer l.historyMu.RUnlock()

	start := len(l.history)
	for start > 0 && l.history[start-1].ID > id {
		start--
	}
	result := make([]Event, len(l.history)-start)
	copy(result, l.history[start:])
	return result
}

// LastID returns the ID of the newest event, or 0 when none were appended.
func (l *Log) LastID() int64 {
	l.historyMu.RLock()
	defer l.historyMu.RUnlock()
	return l.nextID - 1
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.historyMu.RLock()
	defer l.historyMu.RUnlock()
	return len(l.history)
}

// MaxEvents returns the retention cap.
func (l *Log) MaxEvents() int {
	return l.maxEvents
}

// Restore replaces the retained history with persisted events, which must be
// ordered by ID. Subscribers are not notified. New events continue the
// persisted sequence.
func (l *Log) Restore(events []Event) {
	l.historyMu.Lock()
	defer l.historyMu.Unlock()

	if len(events) > l.maxEvents {
		events = events[len(events)-l.maxEvents:]
	}
	l.history = make([]Event, len(events), l.maxEvents)
	copy(l.history, events)

	if n := len(events); n > 0 && events[n-1].ID >= l.nextID {
		l.nextID = events[n-1].ID + 1
	}
}

// Stats reports lifetime counters.
func (l *Log) Stats() (appended, dropped int64) {
	return l.appended.Load(), l.dropped.Load()
}

// Subscribe registers a handler for a specific event kind.
// Use Kind("") to subscribe to all events (wildcard).
// Returns a subscription ID that can be used to unsubscribe.
func (l *Log) Subscribe(kind Kind, handler func(Event)) SubscriptionID {
	if l.closed.Load() {
		return ""
	}

	id := SubscriptionID(fmt.Sprintf("sub_%d", l.subCounter.Add(1)))

	sub := &Subscription{
		ID:      id,
		Kind:    kind,
		Handler: handler,
		Channel: make(chan Event, DefaultChannelBuffer),
		done:    make(chan struct{}),
	}

	l.subscriptionsMu.Lock()
	l.subscriptions[id] = sub
	l.subscriptionsMu.Unlock()

	if kind == "" {
		l.wildcardSubsMu.Lock()
		l.wildcardSubs[id] = sub
		l.wildcardSubsMu.Unlock()
	} else {
		l.typedSubsMu.Lock()
		if l.typedSubs[kind] == nil {
			l.typedSubs[kind] = make(map[SubscriptionID]*Subscription)
		}
		l.typedSubs[kind][id] = sub
		l.typedSubsMu.Unlock()
	}

	l.wg.Add(1)
	go l.handleSubscription(sub)

	return id
}

// handleSubscription processes events for a single subscription.
func (l *Log) handleSubscription(sub *Subscription) {
	defer l.wg.Done()

	for {
		select {
		case event := <-sub.Channel:
			sub.Handler(event)
		case <-sub.done:
			return
		case <-l.ctx.Done():
			return
		}
	}
}

// Unsubscribe removes a subscription by ID.
func (l *Log) Unsubscribe(id SubscriptionID) error {
	if l.closed.Load() {
		return fmt.Errorf("event log is closed")
	}

	l.subscriptionsMu.Lock()
	sub, exists := l.subscriptions[id]
	if !exists {
		l.subscriptionsMu.Unlock()
		return fmt.Errorf("subscription %s not found", id)
	}
	delete(l.subscriptions, id)
	l.subscriptionsMu.Unlock()

	if sub.Kind == "" {
		l.wildcardSubsMu.Lock()
		delete(l.wildcardSubs, id)
		l.wildcardSubsMu.Unlock()
	} else {
		l.typedSubsMu.Lock()
		if subs, ok := l.typedSubs[sub.Kind]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(l.typedSubs, sub.Kind)
			}
		}
		l.typedSubsMu.Unlock()
	}

	close(sub.done)
	return nil
}

// SubscriptionsCount returns the total number of active subscriptions.
func (l *Log) SubscriptionsCount() int {
	l.subscriptionsMu.RLock()
	defer l.subscriptionsMu.RUnlock()
	return len(l.subscriptions)
}

// Close stops all subscriber goroutines. Appends still record history after
// Close but are no longer delivered.
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("event log already closed")
	}

	l.cancel()
	l.wg.Wait()

	l.subscriptionsMu.Lock()
	l.subscriptions = make(map[SubscriptionID]*Subscription)
	l.subscriptionsMu.Unlock()

	l.typedSubsMu.Lock()
	l.typedSubs = make(map[Kind]map[SubscriptionID]*Subscription)
	l.typedSubsMu.Unlock()

	l.wildcardSubsMu.Lock()
	l.wildcardSubs = make(map[SubscriptionID]*Subscription)
	l.wildcardSubsMu.Unlock()

	return nil
}
