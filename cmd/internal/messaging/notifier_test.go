package messaging

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMessageEvent(key string, seq int64) MessageAppended {
	return MessageAppended{Message: Message{
		ConversationKey: key,
		Seq:             seq,
		MessageID:       MustULID(time.Now().UTC()),
		SenderID:        "alice",
		Body:            "hello",
		Status:          StatusSent,
		CreatedAt:       time.Now().UTC(),
	}}
}

func drainAll(t *testing.T, sub *Subscriber, want int, timeout time.Duration) ([]Event, bool) {
	t.Helper()

	var (
		events []Event
		gapped bool
	)
	deadline := time.After(timeout)
	for len(events) < want {
		select {
		case <-sub.Ready():
			evs, gap := sub.Drain()
			events = append(events, evs...)
			gapped = gapped || gap
		case <-deadline:
			t.Fatalf("timed out with %d/%d events", len(events), want)
		}
	}
	return events, gapped
}

func TestNotifier_FanoutIdenticalEventToAllSubscribers(t *testing.T) {
	t.Parallel()

	n := NewNotifier(testLogger())
	key := "alice_bob"

	subA := n.Subscribe(key, "alice", 16)
	defer n.Unsubscribe(key, subA.ID)
	subB := n.Subscribe(key, "bob", 16)
	defer n.Unsubscribe(key, subB.ID)

	ev := testMessageEvent(key, 1)
	n.Publish(ev)

	for _, sub := range []*Subscriber{subA, subB} {
		events, gapped := drainAll(t, sub, 1, time.Second)
		if gapped {
			t.Fatalf("unexpected gap")
		}
		got, ok := events[0].(MessageAppended)
		if !ok {
			t.Fatalf("event type %T", events[0])
		}
		if got.Message != ev.Message {
			t.Fatalf("subscriber saw %+v want %+v", got.Message, ev.Message)
		}
	}
}

func TestNotifier_PublishDoesNotCrossConversations(t *testing.T) {
	t.Parallel()

	n := NewNotifier(testLogger())

	subOther := n.Subscribe("alice_carol", "alice", 16)
	defer n.Unsubscribe("alice_carol", subOther.ID)

	n.Publish(testMessageEvent("alice_bob", 1))

	select {
	case <-subOther.Ready():
		t.Fatalf("subscriber on another conversation received an event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifier_SlowSubscriberDropsOldestAndFlagsGap(t *testing.T) {
	t.Parallel()

	n := NewNotifier(testLogger())
	key := "alice_bob"

	sub := n.Subscribe(key, "alice", minSubscriberBuffer)
	defer n.Unsubscribe(key, sub.ID)

	const overflow = 4
	for i := 1; i <= minSubscriberBuffer+overflow; i++ {
		n.Publish(testMessageEvent(key, int64(i)))
	}

	events, gapped := sub.Drain()
	if !gapped {
		t.Fatalf("expected gap flag after overflow")
	}
	if len(events) != minSubscriberBuffer {
		t.Fatalf("got %d buffered events want %d", len(events), minSubscriberBuffer)
	}

	// Drop-oldest: the survivors are the most recent events, still in order.
	for i, ev := range events {
		wantSeq := int64(overflow + i + 1)
		if got := ev.(MessageAppended).Message.Seq; got != wantSeq {
			t.Fatalf("index %d: seq=%d want %d", i, got, wantSeq)
		}
	}

	// The gap flag resets once reported.
	if _, gapped := sub.Drain(); gapped {
		t.Fatalf("gap flag not reset after drain")
	}
}

func TestNotifier_UnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	n := NewNotifier(testLogger())
	key := "alice_bob"

	sub := n.Subscribe(key, "alice", 16)
	if got := n.Subscribers(key); got != 1 {
		t.Fatalf("Subscribers=%d want 1", got)
	}

	n.Unsubscribe(key, sub.ID)
	if got := n.Subscribers(key); got != 0 {
		t.Fatalf("Subscribers=%d want 0 after unsubscribe", got)
	}

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatalf("Done not closed after unsubscribe")
	}

	// Publishing after teardown must not panic or enqueue.
	n.Publish(testMessageEvent(key, 1))
	if events, _ := sub.Drain(); len(events) != 0 {
		t.Fatalf("closed subscriber buffered %d events", len(events))
	}
}

func TestNotifier_PublishPreservesOrderPerSubscriber(t *testing.T) {
	t.Parallel()

	n := NewNotifier(testLogger())
	key := "alice_bob"

	sub := n.Subscribe(key, "bob", 64)
	defer n.Unsubscribe(key, sub.ID)

	const total = 20
	for i := 1; i <= total; i++ {
		n.Publish(testMessageEvent(key, int64(i)))
	}

	events, gapped := drainAll(t, sub, total, time.Second)
	if gapped {
		t.Fatalf("unexpected gap")
	}
	for i, ev := range events {
		if got := ev.(MessageAppended).Message.Seq; got != int64(i+1) {
			t.Fatalf("index %d: seq=%d want %d", i, got, i+1)
		}
	}
}
