package progress

import (
	"sync"
	"sync/atomic"

	"github.com/mysleekdesigns/fixpool/pkg/models"
)

const defaultSubscriberBuffer = 64

// Hub broadcasts events to subscribers. A subscriber whose buffer is full
// misses the event.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped atomic.Uint64
	onDrop  func()
}

// Subscription receives hub events for one task, or all tasks when its
// task id is empty.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	taskID string
	hub    *Hub
	once   sync.Once
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]struct{})}
}

// OnDrop registers a callback invoked for every dropped delivery.
func (h *Hub) OnDrop(fn func()) {
	h.mu.Lock()
	h.onDrop = fn
	h.mu.Unlock()
}

// Subscribe registers a subscriber. buffer <= 0 selects the default size.
func (h *Hub) Subscribe(taskID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, taskID: taskID, hub: h}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		close(s.ch)
	})
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns the number of deliveries lost to full buffers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) EmitProgress(ev models.ProgressEvent) {
	h.publish(FromProgress(ev))
}

func (h *Hub) EmitComplete(ev models.CompleteEvent) {
	h.publish(FromComplete(ev))
}

func (h *Hub) publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs {
		if sub.taskID != "" && sub.taskID != ev.TaskID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.dropped.Add(1)
			if h.onDrop != nil {
				h.onDrop()
			}
		}
	}
}
