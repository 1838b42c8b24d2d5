package notify

import (
	"sync"
	"sync/atomic"
)

// Wake channels carry no payload; one pending wake is enough to make a
// sleeping pump re-check its producer.
const wakeBufferSize = 1

type subscription struct {
	id     uint64
	name   string
	ch     chan struct{}
	closed atomic.Bool
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

func (s *subscription) wake() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Hub delivers wake signals to the transport goroutines that pump tap
// connections. Signals are coalesced and never block the sender.
type Hub struct {
	mu     sync.RWMutex
	byName map[string]map[uint64]*subscription
	nextID atomic.Uint64
	sent   atomic.Uint64
}

// NewHub creates a new notification hub.
func NewHub() *Hub {
	return &Hub{byName: make(map[string]map[uint64]*subscription)}
}

// Signal wakes every subscriber of the named connection.
func (h *Hub) Signal(name string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.byName[name] {
		sub.wake()
		h.sent.Add(1)
	}
}

// Broadcast wakes every subscriber.
func (h *Hub) Broadcast() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, subs := range h.byName {
		for _, sub := range subs {
			sub.wake()
			h.sent.Add(1)
		}
	}
}

// Subscribe returns a wake channel for the named connection and an
// idempotent cancel function that closes it.
func (h *Hub) Subscribe(name string) (<-chan struct{}, func()) {
	sub := &subscription{
		id:   h.nextID.Add(1),
		name: name,
		ch:   make(chan struct{}, wakeBufferSize),
	}

	h.mu.Lock()
	subs, ok := h.byName[name]
	if !ok {
		subs = make(map[uint64]*subscription)
		h.byName[name] = subs
	}
	subs[sub.id] = sub
	h.mu.Unlock()

	return sub.ch, func() { h.unsubscribe(sub) }
}

func (h *Hub) unsubscribe(sub *subscription) {
	h.mu.Lock()
	subs := h.byName[sub.name]
	_, ok := subs[sub.id]
	if ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(h.byName, sub.name)
		}
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}

// SubscriberCount returns the number of live subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, subs := range h.byName {
		n += len(subs)
	}
	return n
}

// Sent returns the number of wake signals delivered or coalesced.
func (h *Hub) Sent() uint64 { return h.sent.Load() }
