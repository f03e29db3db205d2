package storage

import "sync"

type subscriber struct {
	listener ChangeListener
	areas    map[Area]bool // nil means all areas
}

// Notifier fans change-event batches out to subscribers. Backends embed one
// and publish a single batch per mutating operation, after the mutation is
// applied. Listeners run synchronously on the mutating goroutine, which is
// what gives callers read-your-own-write ordering.
type Notifier struct {
	mu          sync.RWMutex
	nextID      int
	subscribers map[int]subscriber
}

// NewNotifier returns an empty Notifier.
func NewNotifier() *Notifier {
	return &Notifier{subscribers: make(map[int]subscriber)}
}

// Subscribe registers a listener for the given areas, or for all areas when
// none are given. The returned function unsubscribes; calling it twice is
// harmless.
func (n *Notifier) Subscribe(listener ChangeListener, areas ...Area) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	sub := subscriber{listener: listener}
	if len(areas) > 0 {
		sub.areas = make(map[Area]bool, len(areas))
		for _, a := range areas {
			sub.areas[a] = true
		}
	}
	n.subscribers[id] = sub
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.subscribers, id)
		n.mu.Unlock()
	}
}

// Publish delivers one batch. Each subscriber receives the subset of events
// matching its areas, as a single batch; global subscribers receive the
// whole batch.
func (n *Notifier) Publish(events []ChangeEvent) {
	if len(events) == 0 {
		return
	}

	n.mu.RLock()
	subs := make([]subscriber, 0, len(n.subscribers))
	for _, s := range n.subscribers {
		subs = append(subs, s)
	}
	n.mu.RUnlock()

	for _, s := range subs {
		if s.areas == nil {
			s.listener(events)
			continue
		}
		var matched []ChangeEvent
		for _, e := range events {
			if s.areas[e.Area] {
				matched = append(matched, e)
			}
		}
		if len(matched) > 0 {
			s.listener(matched)
		}
	}
}
