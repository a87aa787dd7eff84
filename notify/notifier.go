package notify

import (
	"sync"
	"sync/atomic"
)

// signalBufferSize is one: a pending signal already tells the subscriber to
// catch up with the tree, so later ones can be dropped (non-blocking send).
const signalBufferSize = 1

// subscription represents a single subscriber.
type subscription struct {
	id     uint64
	ch     chan uint64
	closed atomic.Bool
}

// close closes the subscription channel if not already closed.
func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub fans out "the state tree advanced to serial N" signals.
// Thread-safe.
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
	last          atomic.Uint64
}

// NewHub creates a new notification hub.
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal notifies every subscriber (non-blocking). Subscribers that still hold
// an unread signal keep it; they will observe the newer serial when they read
// the tree.
func (h *Hub) Signal(serial uint64) {
	h.last.Store(serial)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		select {
		case sub.ch <- serial:
		default:
		}
	}
}

// Last returns the most recently signalled serial.
func (h *Hub) Last() uint64 {
	return h.last.Load()
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

// Subscribe creates a new subscription and returns the signal channel and cancel function.
// Signals sent before Subscribe are not replayed. The cancel function is idempotent.
func (h *Hub) Subscribe() (<-chan uint64, func()) {
	sub := &subscription{
		id: h.nextID.Add(1),
		ch: make(chan uint64, signalBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.unsubscribe(sub.id)
	}

	return sub.ch, cancel
}

// Close cancels every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscriptions
	h.subscriptions = make(map[uint64]*subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// unsubscribe removes a subscription and closes its channel.
func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
