package messaging

import (
	"log/slog"
	"sync"
)

// Notifier owns the live subscriber registry and fans committed events out to
// every subscription on the affected conversation.
//
// Concurrency guarantees:
//   - Subscribe/Unsubscribe are safe under concurrent Publish.
//   - Publish never blocks (subscriber queues drop-oldest under backpressure).
//   - Events published for one conversation reach each subscriber in call
//     order; callers serialize Publish with the commit (see Service).
type Notifier struct {
	log *slog.Logger

	mu    sync.RWMutex
	convs map[string]map[string]*Subscriber
}

// NewNotifier constructs a Notifier.
func NewNotifier(log *slog.Logger) *Notifier {
	return &Notifier{
		log:   log,
		convs: make(map[string]map[string]*Subscriber),
	}
}

// Subscribe registers a new subscription for userID on conversationKey.
// The caller owns the returned Subscriber's lifecycle and must Unsubscribe.
func (n *Notifier) Subscribe(conversationKey, userID string, buffer int) *Subscriber {
	sub := newSubscriber(conversationKey, userID, buffer)

	n.mu.Lock()
	subs := n.convs[conversationKey]
	if subs == nil {
		subs = make(map[string]*Subscriber)
		n.convs[conversationKey] = subs
	}
	subs[sub.ID] = sub
	n.mu.Unlock()

	metricActiveSubscribers.Inc()
	n.log.Info("notifier.subscribe", "conversation_key", conversationKey, "user_id", userID, "sub_id", sub.ID)
	return sub
}

// Unsubscribe removes a subscription and signals its teardown. Pending
// undelivered events are discarded.
func (n *Notifier) Unsubscribe(conversationKey, subID string) {
	var sub *Subscriber

	n.mu.Lock()
	if subs := n.convs[conversationKey]; subs != nil {
		sub = subs[subID]
		delete(subs, subID)
		if len(subs) == 0 {
			delete(n.convs, conversationKey)
		}
	}
	n.mu.Unlock()

	// Signal teardown after removing from the registry so a broadcaster
	// never holds a pointer to a half-closed subscriber.
	if sub != nil {
		sub.Close()
		metricActiveSubscribers.Dec()
		n.log.Info("notifier.unsubscribe", "conversation_key", conversationKey, "sub_id", subID)
	}
}

// Publish fans an event out to all live subscriptions on its conversation.
// Non-blocking: slow subscribers lose oldest events and get a gap flag.
func (n *Notifier) Publish(ev Event) {
	if ev == nil {
		return
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, sub := range n.convs[ev.Conversation()] {
		if sub == nil {
			continue
		}
		sub.push(ev)
	}
}

// Subscribers reports the live subscription count for a conversation.
func (n *Notifier) Subscribers(conversationKey string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.convs[conversationKey])
}
