package events

import (
	"context"
	"sync"
)

const (
	defaultBufferSize       = 50
	defaultSubscriberBuffer = 16
)

// Hub is an in-process fan-out with a small replay buffer per event type.
// Subscribers that fall behind drop events rather than block publishers.
type Hub struct {
	mu               sync.RWMutex
	streams          map[string]*stream
	bufferSize       int
	subscriberBuffer int
}

type stream struct {
	mu     sync.Mutex
	buffer []Event
	subs   map[uint64]chan Event
	nextID uint64
}

// Subscription is one live listener on a stream.
type Subscription struct {
	hub       *Hub
	eventType string
	id        uint64
	ch        chan Event
	once      sync.Once
}

func NewHub() *Hub {
	return &Hub{
		streams:          make(map[string]*stream),
		bufferSize:       defaultBufferSize,
		subscriberBuffer: defaultSubscriberBuffer,
	}
}

func (h *Hub) Publish(_ context.Context, event Event) {
	if h == nil || event.Type == "" {
		return
	}
	st := h.ensureStream(event.Type)

	st.mu.Lock()
	st.buffer = append(st.buffer, event)
	if len(st.buffer) > h.bufferSize {
		st.buffer = st.buffer[len(st.buffer)-h.bufferSize:]
	}
	subs := make([]chan Event, 0, len(st.subs))
	for _, ch := range st.subs {
		subs = append(subs, ch)
	}
	st.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a listener for one event type and returns the replay
// buffer accumulated so far.
func (h *Hub) Subscribe(eventType string) (*Subscription, []Event) {
	st := h.ensureStream(eventType)

	st.mu.Lock()
	if st.subs == nil {
		st.subs = make(map[uint64]chan Event)
	}
	id := st.nextID
	st.nextID++
	ch := make(chan Event, h.subscriberBuffer)
	st.subs[id] = ch
	buffer := append([]Event(nil), st.buffer...)
	st.mu.Unlock()

	return &Subscription{hub: h, eventType: eventType, id: id, ch: ch}, buffer
}

func (h *Hub) ensureStream(eventType string) *stream {
	h.mu.RLock()
	current := h.streams[eventType]
	h.mu.RUnlock()
	if current != nil {
		return current
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.streams[eventType]; ok {
		return st
	}
	st := &stream{}
	h.streams[eventType] = st
	return st
}

// Events returns the subscription's receive channel.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close detaches the subscription from the hub.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.RLock()
		st := h.streams[s.eventType]
		h.mu.RUnlock()
		if st == nil {
			return
		}
		st.mu.Lock()
		delete(st.subs, s.id)
		st.mu.Unlock()
		close(s.ch)
	})
}
