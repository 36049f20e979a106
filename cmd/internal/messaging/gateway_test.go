package messaging

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	v1 "snippix/shared/contracts/messaging/v1"

	"github.com/coder/websocket"
)

func newTestGatewayServer(t *testing.T) (*httptest.Server, *Service) {
	t.Helper()

	notifier := NewNotifier(testLogger())
	svc := NewService(testLogger(), NewInMemoryStore(), notifier)

	g := NewGateway(testLogger(), svc, InsecureResolver{}, GatewayConfig{
		OriginRequired: false,
		AllowedOrigins: []string{"http://localhost", "http://127.0.0.1"},
		RateEvents:     1000,
		RateWindow:     time.Minute,
	})

	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return srv, svc
}

type wsTestClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func mustDialWS(t *testing.T, srv *httptest.Server) *wsTestClient {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	c := &wsTestClient{t: t, conn: conn}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") })
	return c
}

func (c *wsTestClient) send(typ string, payload any) {
	c.t.Helper()

	b, err := json.Marshal(payload)
	if err != nil {
		c.t.Fatalf("marshal %s payload: %v", typ, err)
	}
	env := v1.Envelope{V: v1.Version, Type: typ, TS: time.Now().UTC(), Payload: b}
	data, err := json.Marshal(env)
	if err != nil {
		c.t.Fatalf("marshal %s envelope: %v", typ, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.t.Fatalf("write %s: %v", typ, err)
	}
}

// trySend is send for teardown scenarios: a write failure means the server
// already closed the connection, which the caller treats as a signal.
func (c *wsTestClient) trySend(typ string, payload any) bool {
	c.t.Helper()

	b, err := json.Marshal(payload)
	if err != nil {
		c.t.Fatalf("marshal %s payload: %v", typ, err)
	}
	env := v1.Envelope{V: v1.Version, Type: typ, TS: time.Now().UTC(), Payload: b}
	data, err := json.Marshal(env)
	if err != nil {
		c.t.Fatalf("marshal %s envelope: %v", typ, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data) == nil
}

// readUntil reads envelopes until one of the wanted type arrives. Interleaved
// fan-out events make strict single-read assertions racy, so tests state what
// they wait for.
func (c *wsTestClient) readUntil(typ string) v1.Envelope {
	c.t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		_, data, err := c.conn.Read(ctx)
		cancel()
		if err != nil {
			c.t.Fatalf("read waiting for %s: %v", typ, err)
		}

		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.t.Fatalf("unmarshal waiting for %s: %v", typ, err)
		}
		if env.Type == typ {
			return env
		}
		if env.Type == v1.TypeError {
			var p v1.ErrorPayload
			_ = json.Unmarshal(env.Payload, &p)
			c.t.Fatalf("error envelope while waiting for %s: %s (%s)", typ, p.Code, p.Message)
		}
	}
}

func (c *wsTestClient) hello(token string) v1.HelloAckPayload {
	c.t.Helper()

	c.send(v1.TypeHello, v1.HelloPayload{Token: token})
	env := c.readUntil(v1.TypeHelloAck)

	var ack v1.HelloAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		c.t.Fatalf("unmarshal hello_ack: %v", err)
	}
	return ack
}

func (c *wsTestClient) subscribePeer(peer string) string {
	c.t.Helper()

	c.send(v1.TypeSubscribe, v1.SubscribePayload{PeerID: peer})
	env := c.readUntil(v1.TypeSubscribeAck)

	var ack v1.SubscribeAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		c.t.Fatalf("unmarshal subscribe_ack: %v", err)
	}
	return ack.ConversationKey
}

func TestGateway_EndToEndConversation(t *testing.T) {
	t.Parallel()

	srv, _ := newTestGatewayServer(t)

	alice := mustDialWS(t, srv)
	bob := mustDialWS(t, srv)

	aAck := alice.hello("alice")
	if aAck.UserID != "alice" || aAck.SessionID == "" {
		t.Fatalf("hello_ack %+v", aAck)
	}
	bob.hello("bob")

	keyA := alice.subscribePeer("bob")
	keyB := bob.subscribePeer("alice")
	if keyA != keyB || keyA != "alice_bob" {
		t.Fatalf("keys diverge: %q vs %q", keyA, keyB)
	}

	// Alice sends; she gets an ack, bob gets the fan-out event.
	alice.send(v1.TypeMessageSend, v1.MessageSendPayload{
		PeerID: "bob", ClientMsgID: "c1", Body: "hello bob",
	})

	var ack v1.MessageAckPayload
	if err := json.Unmarshal(alice.readUntil(v1.TypeMessageAck).Payload, &ack); err != nil {
		t.Fatalf("unmarshal message_ack: %v", err)
	}
	if ack.Seq != 1 || ack.MessageID == "" || ack.Duplicate {
		t.Fatalf("message_ack %+v", ack)
	}

	var got v1.MessagePayload
	if err := json.Unmarshal(bob.readUntil(v1.TypeMessageNew).Payload, &got); err != nil {
		t.Fatalf("unmarshal message_new: %v", err)
	}
	if got.Seq != 1 || got.SenderID != "alice" || got.Body != "hello bob" || got.Status != "sent" {
		t.Fatalf("message_new %+v", got)
	}

	// Resend with the same client_msg_id: acked as duplicate, same identity.
	alice.send(v1.TypeMessageSend, v1.MessageSendPayload{
		PeerID: "bob", ClientMsgID: "c1", Body: "hello bob",
	})
	var dup v1.MessageAckPayload
	if err := json.Unmarshal(alice.readUntil(v1.TypeMessageAck).Payload, &dup); err != nil {
		t.Fatalf("unmarshal duplicate ack: %v", err)
	}
	if !dup.Duplicate || dup.Seq != ack.Seq || dup.MessageID != ack.MessageID {
		t.Fatalf("duplicate ack %+v want same identity as %+v", dup, ack)
	}

	// Bob marks seen; alice observes the status change.
	bob.send(v1.TypeMarkSeen, v1.MarkPayload{ConversationKey: keyB, Seq: 1})
	var sAck v1.StatusAckPayload
	if err := json.Unmarshal(bob.readUntil(v1.TypeStatusAck).Payload, &sAck); err != nil {
		t.Fatalf("unmarshal status_ack: %v", err)
	}
	if sAck.Status != "seen" {
		t.Fatalf("status_ack %+v", sAck)
	}

	var sc v1.StatusChangedPayload
	if err := json.Unmarshal(alice.readUntil(v1.TypeStatusChanged).Payload, &sc); err != nil {
		t.Fatalf("unmarshal status_changed: %v", err)
	}
	if sc.Seq != 1 || sc.Status != "seen" || sc.RecipientID != "bob" {
		t.Fatalf("status_changed %+v", sc)
	}

	// A late mark_delivered after seen is acked with the current state.
	bob.send(v1.TypeMarkDelivered, v1.MarkPayload{ConversationKey: keyB, Seq: 1})
	if err := json.Unmarshal(bob.readUntil(v1.TypeStatusAck).Payload, &sAck); err != nil {
		t.Fatalf("unmarshal late status_ack: %v", err)
	}
	if sAck.Status != "seen" {
		t.Fatalf("late status_ack %+v want settled at seen", sAck)
	}

	// History reflects the final status.
	alice.send(v1.TypeMessagesFetch, v1.MessagesFetchPayload{ConversationKey: keyA, Limit: 10})
	var chunk v1.MessagesChunkPayload
	if err := json.Unmarshal(alice.readUntil(v1.TypeMessagesChunk).Payload, &chunk); err != nil {
		t.Fatalf("unmarshal messages_chunk: %v", err)
	}
	if len(chunk.Messages) != 1 || chunk.Messages[0].Status != "seen" || chunk.HasMore {
		t.Fatalf("messages_chunk %+v", chunk)
	}

	// The directory shows the conversation with bob's unread cleared.
	bob.send(v1.TypeConversationsFetch, v1.ConversationsFetchPayload{Limit: 10})
	var convs v1.ConversationsChunkPayload
	if err := json.Unmarshal(bob.readUntil(v1.TypeConversationsChunk).Payload, &convs); err != nil {
		t.Fatalf("unmarshal conversations_chunk: %v", err)
	}
	if len(convs.Conversations) != 1 {
		t.Fatalf("conversations_chunk %+v", convs)
	}
	entry := convs.Conversations[0]
	if entry.ConversationKey != keyA || entry.OtherParticipant != "alice" || entry.UnreadCount != 0 {
		t.Fatalf("directory entry %+v", entry)
	}
}

func TestGateway_SubscribeChurnDuringWriterTeardown(t *testing.T) {
	t.Parallel()

	notifier := NewNotifier(testLogger())
	svc := NewService(testLogger(), NewInMemoryStore(), notifier)

	// Every server write times out immediately, so the failed hello ack makes
	// the writer goroutine initiate teardown while the read loop is still
	// processing subscription churn from the client.
	g := NewGateway(testLogger(), svc, InsecureResolver{}, GatewayConfig{
		OriginRequired: false,
		WriteTimeout:   time.Nanosecond,
		RateEvents:     100000,
		RateWindow:     time.Minute,
	})
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)

	c := mustDialWS(t, srv)
	if !c.trySend(v1.TypeHello, v1.HelloPayload{Token: "alice"}) {
		t.Fatalf("hello write failed before churn started")
	}

	for i := 0; i < 500; i++ {
		if !c.trySend(v1.TypeSubscribe, v1.SubscribePayload{PeerID: "bob"}) {
			break
		}
		if !c.trySend(v1.TypeUnsubscribe, v1.UnsubscribePayload{ConversationKey: "alice_bob"}) {
			break
		}
	}

	// Teardown must sweep every subscription the churn left behind.
	deadline := time.Now().Add(5 * time.Second)
	for notifier.Subscribers("alice_bob") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriptions leaked after teardown: %d", notifier.Subscribers("alice_bob"))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGateway_RejectsRepeatHello(t *testing.T) {
	t.Parallel()

	srv, _ := newTestGatewayServer(t)
	c := mustDialWS(t, srv)
	c.hello("alice")

	c.send(v1.TypeHello, v1.HelloPayload{Token: "bob"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var p v1.ErrorPayload
	_ = json.Unmarshal(env.Payload, &p)
	if env.Type != v1.TypeError || p.Code != v1.CodeBadEnvelope {
		t.Fatalf("got type=%s code=%s want error/%s", env.Type, p.Code, v1.CodeBadEnvelope)
	}

	// The session is still alice: subscribing by peer derives alice's key.
	if key := c.subscribePeer("bob"); key != "alice_bob" {
		t.Fatalf("key=%q, identity was rebound", key)
	}
}

func TestGateway_WrongFieldTypeKeepsConnection(t *testing.T) {
	t.Parallel()

	srv, _ := newTestGatewayServer(t)
	c := mustDialWS(t, srv)

	// Well-formed JSON, wrong type for "v". Must answer with an error
	// envelope, not tear the connection down.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, []byte(`{"v":1,"type":"hello"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, data, err := c.conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var p v1.ErrorPayload
	_ = json.Unmarshal(env.Payload, &p)
	if env.Type != v1.TypeError || p.Code != v1.CodeBadEnvelope {
		t.Fatalf("got type=%s code=%s want error/%s", env.Type, p.Code, v1.CodeBadEnvelope)
	}

	// The connection survived the bad frame.
	ack := c.hello("alice")
	if ack.UserID != "alice" {
		t.Fatalf("hello after bad frame: %+v", ack)
	}
}

func TestGateway_RequiresHelloFirst(t *testing.T) {
	t.Parallel()

	srv, _ := newTestGatewayServer(t)
	c := mustDialWS(t, srv)

	c.send(v1.TypeSubscribe, v1.SubscribePayload{PeerID: "bob"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The server tears the connection down; the unauthorized error envelope
	// may or may not flush before the close wins the race.
	_, data, err := c.conn.Read(ctx)
	if err == nil {
		var env v1.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Type != v1.TypeError {
			t.Fatalf("type=%s want error", env.Type)
		}
		var p v1.ErrorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if p.Code != v1.CodeUnauthorized {
			t.Fatalf("code=%s want %s", p.Code, v1.CodeUnauthorized)
		}
		if _, _, err := c.conn.Read(ctx); err == nil {
			t.Fatalf("expected connection teardown after unauthenticated request")
		}
	}
}

func TestGateway_RejectsOutsiderSubscription(t *testing.T) {
	t.Parallel()

	srv, _ := newTestGatewayServer(t)
	c := mustDialWS(t, srv)
	c.hello("mallory")

	c.send(v1.TypeSubscribe, v1.SubscribePayload{ConversationKey: "alice_bob"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != v1.TypeError {
		t.Fatalf("type=%s want error", env.Type)
	}
	var p v1.ErrorPayload
	_ = json.Unmarshal(env.Payload, &p)
	if p.Code != v1.CodeNotParticipant {
		t.Fatalf("code=%s want %s", p.Code, v1.CodeNotParticipant)
	}
}

func TestGateway_RejectsSelfConversation(t *testing.T) {
	t.Parallel()

	srv, _ := newTestGatewayServer(t)
	c := mustDialWS(t, srv)
	c.hello("alice")

	c.send(v1.TypeMessageSend, v1.MessageSendPayload{PeerID: "alice", ClientMsgID: "c1", Body: "hi me"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var p v1.ErrorPayload
	_ = json.Unmarshal(env.Payload, &p)
	if env.Type != v1.TypeError || p.Code != v1.CodeInvalidParticipants {
		t.Fatalf("got type=%s code=%s want error/%s", env.Type, p.Code, v1.CodeInvalidParticipants)
	}
}
