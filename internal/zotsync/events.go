package zotsync

import "sync"

const eventBufferSize = 16

// eventHub fans job lifecycle events out to subscribers. Publishing never
// blocks; a subscriber whose buffer is full misses the event.
type eventHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan JobEvent
}

func newEventHub() *eventHub {
	return &eventHub{subs: map[int]chan JobEvent{}}
}

// Subscribe returns a channel of job events and a cancel function. Cancel
// closes the channel and releases the subscription.
func (h *eventHub) Subscribe() (<-chan JobEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan JobEvent, eventBufferSize)
	h.subs[id] = ch
	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (h *eventHub) Publish(ev JobEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
