package messaging

import (
	"sync"
	"time"
)

const (
	defaultSubscriberBuffer = 256
	minSubscriberBuffer     = 16
)

// Subscriber is one ephemeral subscription on a conversation.
//
// Design notes:
//   - The event queue is a bounded deque with a drop-oldest overflow policy;
//     an overflow raises the gap flag so the consumer can tell its client to
//     reconcile via listSince.
//   - push never blocks, which keeps Broadcast safe to call from the commit
//     path.
//   - Close is idempotent and only signals; the queue is never closed, so
//     concurrent broadcasters can never panic.
type Subscriber struct {
	ID              string
	ConversationKey string
	UserID          string

	mu    sync.Mutex
	queue []Event
	gap   bool
	cap   int

	ready chan struct{}
	done  chan struct{}

	closeOnce sync.Once
}

func newSubscriber(conversationKey, userID string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	if buffer < minSubscriberBuffer {
		buffer = minSubscriberBuffer
	}
	return &Subscriber{
		ID:              MustULID(time.Now().UTC()),
		ConversationKey: conversationKey,
		UserID:          userID,
		queue:           make([]Event, 0, buffer),
		cap:             buffer,
		ready:           make(chan struct{}, 1),
		done:            make(chan struct{}),
	}
}

// push enqueues an event, dropping the oldest and flagging a gap when full.
func (s *Subscriber) push(ev Event) {
	select {
	case <-s.done:
		return
	default:
	}

	s.mu.Lock()
	if len(s.queue) >= s.cap {
		copy(s.queue, s.queue[1:])
		s.queue = s.queue[:len(s.queue)-1]
		s.gap = true
		metricDroppedEvents.Inc()
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Drain returns all pending events in arrival order and whether a gap
// occurred since the previous drain. It never blocks.
func (s *Subscriber) Drain() ([]Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 && !s.gap {
		return nil, false
	}
	out := make([]Event, len(s.queue))
	copy(out, s.queue)
	s.queue = s.queue[:0]
	gapped := s.gap
	s.gap = false
	return out, gapped
}

// Ready signals that at least one event is pending.
func (s *Subscriber) Ready() <-chan struct{} {
	return s.ready
}

// Done is closed when the subscription is torn down.
func (s *Subscriber) Done() <-chan struct{} {
	if s == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Close signals teardown (idempotent). Pending events are discarded; there is
// no durable per-subscriber queue.
func (s *Subscriber) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
