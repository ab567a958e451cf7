package gateway

import "sync"

// DefaultSubscriberBuffer bounds how many undelivered events a subscriber
// may hold before it is dropped.
const DefaultSubscriberBuffer = 64

// Subscriber is one event listener. Frames() is closed when the
// subscription ends; Dropped reports whether the broadcaster evicted it for
// falling behind.
type Subscriber struct {
	ch      chan Frame
	dropped bool
}

// Frames is the subscriber's event stream.
func (s *Subscriber) Frames() <-chan Frame { return s.ch }

// Dropped reports slow-consumer eviction. Valid after Frames() closes.
func (s *Subscriber) Dropped() bool { return s.dropped }

// Broadcaster fans events out to subscribers with bounded buffers. A
// subscriber that cannot keep up is evicted rather than allowed to stall
// the publisher; the server tells the client with a SLOW_CONSUMER event.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	buffer int
	closed bool
}

// NewBroadcaster builds a broadcaster. buffer <= 0 selects the default.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Broadcaster{
		subs:   make(map[*Subscriber]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new listener.
func (b *Broadcaster) Subscribe() *Subscriber {
	s := &Subscriber{ch: make(chan Frame, b.buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Unsubscribe removes a listener and closes its stream. Safe to call for a
// subscriber that was already evicted.
func (b *Broadcaster) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
}

// Publish delivers an event frame to every subscriber without blocking.
// Subscribers with full buffers are evicted.
func (b *Broadcaster) Publish(event string, payload any) {
	frame := eventFrame(event, payload)
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		select {
		case s.ch <- frame:
		default:
			s.dropped = true
			delete(b.subs, s)
			close(s.ch)
		}
	}
}

// Close ends every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		close(s.ch)
	}
}

// Len reports the live subscriber count.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
