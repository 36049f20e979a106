// Package main provides a CI-friendly WebSocket smoke test for Snippix
// messaging.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/ack authentication for two users
//   - subscribe by peer id
//   - send -> ack
//   - fanout message_new to the peer
//   - mark_seen -> status_ack + status_changed fanout
//   - history fetch
//   - idempotent dedupe by client_msg_id
//
// Tokens default to the dev insecure scheme (token == user id); pass signed
// tokens via -token-a/-token-b against a server configured with an HMAC key.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "snippix/shared/contracts/messaging/v1"

	"github.com/coder/websocket"
)

const (
	subprotocol  = "snippix.messaging.v1"
	maxReadBytes = 1 << 20 // 1MiB
)

type smokeClient struct {
	name   string
	userID string
	conn   *websocket.Conn

	sessionID string
	inbox     chan v1.Envelope
	errCh     chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		userA   = flag.String("user-a", "smoke-alice", "First user id")
		userB   = flag.String("user-b", "smoke-bob", "Second user id")
		tokenA  = flag.String("token-a", "", "Auth token for user A (defaults to the user id, dev insecure mode)")
		tokenB  = flag.String("token-b", "", "Auth token for user B (defaults to the user id, dev insecure mode)")
		text    = flag.String("text", "hello snippix", "Message body to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if *userA == *userB {
		fatalf("-user-a and -user-b must differ (self conversations are rejected)")
	}
	if *tokenA == "" {
		*tokenA = *userA
	}
	if *tokenB == "" {
		*tokenB = *userB
	}

	root := context.Background()

	a := mustConnect(root, "A", *wsURL, *origin, *userA, *tokenA, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *userB, *tokenB, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s origin=%q\n", a.sessionID, b.sessionID, *origin)
	}

	convKey := mustSubscribePeer(root, a, *userB, *timeout)
	if got := mustSubscribePeer(root, b, *userA, *timeout); got != convKey {
		fatalf("conversation key mismatch: A=%q B=%q (keying must be commutative)", convKey, got)
	}

	clientMsgID := fmt.Sprintf("cmsg-%d", time.Now().UnixNano())

	msgID, seq := mustSendAndAssertAck(root, a, convKey, clientMsgID, *text, false, *timeout)

	mustAssertNew(root, b, convKey, clientMsgID, msgID, seq, *userA, *text, *timeout)

	mustMarkSeenAndAssert(root, b, a, convKey, seq, *userB, *timeout)

	mustHistoryContains(root, b, convKey, clientMsgID, msgID, seq, *timeout)

	msgID2, seq2 := mustSendAndAssertAck(root, a, convKey, clientMsgID, *text, true, *timeout)
	if seq2 != seq || msgID2 != msgID {
		fatalf("dedupe: identity mismatch: first=(%s,%d) second=(%s,%d)", msgID, seq, msgID2, seq2)
	}

	mustAssertNoType(root, b, v1.TypeMessageNew, 1200*time.Millisecond)

	fmt.Printf("OK: A=%s B=%s conversation=%s seq=%d message_id=%s\n", a.sessionID, b.sessionID, convKey, seq, msgID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin, userID, token string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	hello := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeHello,
		ID:      fmt.Sprintf("%s-hello", name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.HelloPayload{Token: token}),
	}
	mustWriteWithTimeout(parent, c.conn, hello, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout, nil)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("hello_ack missing session_id (%s)", name)
	}
	if p.UserID != userID {
		fatalf("hello_ack user mismatch (%s): got=%q want=%q", name, p.UserID, userID)
	}
	c.sessionID = p.SessionID

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustSubscribePeer(parent context.Context, c *smokeClient, peerID string, stepTimeout time.Duration) string {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeSubscribe,
		ID:      fmt.Sprintf("%s-subscribe", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.SubscribePayload{PeerID: peerID}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	ack := c.mustReadUntilType(parent, v1.TypeSubscribeAck, stepTimeout, nil)

	var p v1.SubscribeAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal subscribe_ack payload (%s): %v", c.name, err)
	}
	if strings.TrimSpace(p.ConversationKey) == "" {
		fatalf("subscribe_ack missing conversation_key (%s)", c.name)
	}
	return p.ConversationKey
}

func mustSendAndAssertAck(parent context.Context, c *smokeClient, convKey, clientMsgID, text string, wantDuplicate bool, stepTimeout time.Duration) (messageID string, seq int64) {
	env := v1.Envelope{
		V:    v1.Version,
		Type: v1.TypeMessageSend,
		ID:   fmt.Sprintf("%s-send-%s", c.name, clientMsgID),
		TS:   time.Now().UTC(),
		Payload: mustJSON(v1.MessageSendPayload{
			ConversationKey: convKey,
			ClientMsgID:     clientMsgID,
			Body:            text,
		}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{v1.TypeMessageNew: {}, v1.TypeStatusChanged: {}}
	ack := c.mustReadUntilType(parent, v1.TypeMessageAck, stepTimeout, skip)

	var p v1.MessageAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal message_ack payload (%s): %v", c.name, err)
	}
	if p.ConversationKey != convKey {
		fatalf("ack conversation_key mismatch (%s): got=%q want=%q", c.name, p.ConversationKey, convKey)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("ack client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if strings.TrimSpace(p.MessageID) == "" {
		fatalf("ack missing message_id (%s)", c.name)
	}
	if p.Seq <= 0 {
		fatalf("ack invalid seq (%s): %d", c.name, p.Seq)
	}
	if p.Duplicate != wantDuplicate {
		fatalf("ack duplicate flag (%s): got=%v want=%v", c.name, p.Duplicate, wantDuplicate)
	}
	return p.MessageID, p.Seq
}

func mustAssertNew(parent context.Context, c *smokeClient, convKey, clientMsgID, messageID string, seq int64, senderID, text string, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout, nil)

	var p v1.MessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message_new payload (%s): %v", c.name, err)
	}

	if p.ConversationKey != convKey {
		fatalf("new conversation_key mismatch (%s): got=%q want=%q", c.name, p.ConversationKey, convKey)
	}
	if p.ClientMsgID != clientMsgID {
		fatalf("new client_msg_id mismatch (%s): got=%q want=%q", c.name, p.ClientMsgID, clientMsgID)
	}
	if p.MessageID != messageID {
		fatalf("new message_id mismatch (%s): got=%q want=%q", c.name, p.MessageID, messageID)
	}
	if p.Seq != seq {
		fatalf("new seq mismatch (%s): got=%d want=%d", c.name, p.Seq, seq)
	}
	if p.SenderID != senderID {
		fatalf("new sender mismatch (%s): got=%q want=%q", c.name, p.SenderID, senderID)
	}
	if p.Body != text {
		fatalf("new body mismatch (%s): got=%q want=%q", c.name, p.Body, text)
	}
	if p.CreatedAt.IsZero() {
		fatalf("new created_at missing/zero (%s)", c.name)
	}
}

// mustMarkSeenAndAssert has the recipient mark the message seen, then asserts
// the status_ack on the recipient and the status_changed fanout on the sender.
func mustMarkSeenAndAssert(parent context.Context, recipient, sender *smokeClient, convKey string, seq int64, recipientID string, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeMarkSeen,
		ID:      fmt.Sprintf("%s-mark-seen", recipient.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.MarkPayload{ConversationKey: convKey, Seq: seq}),
	}
	mustWriteWithTimeout(parent, recipient.conn, env, stepTimeout)

	skip := map[string]struct{}{v1.TypeStatusChanged: {}}
	ack := recipient.mustReadUntilType(parent, v1.TypeStatusAck, stepTimeout, skip)

	var ap v1.StatusAckPayload
	if err := json.Unmarshal(ack.Payload, &ap); err != nil {
		fatalf("unmarshal status_ack payload (%s): %v", recipient.name, err)
	}
	if ap.Seq != seq || ap.Status != "seen" {
		fatalf("status_ack mismatch (%s): seq=%d status=%q", recipient.name, ap.Seq, ap.Status)
	}

	changed := sender.mustReadUntilType(parent, v1.TypeStatusChanged, stepTimeout, nil)

	var cp v1.StatusChangedPayload
	if err := json.Unmarshal(changed.Payload, &cp); err != nil {
		fatalf("unmarshal status_changed payload (%s): %v", sender.name, err)
	}
	if cp.ConversationKey != convKey || cp.Seq != seq || cp.Status != "seen" || cp.RecipientID != recipientID {
		fatalf("status_changed mismatch (%s): %+v", sender.name, cp)
	}
}

func mustHistoryContains(parent context.Context, c *smokeClient, convKey, clientMsgID, messageID string, seq int64, stepTimeout time.Duration) {
	req := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeMessagesFetch,
		ID:      fmt.Sprintf("%s-messages-fetch", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.MessagesFetchPayload{ConversationKey: convKey, Limit: 50}),
	}
	mustWriteWithTimeout(parent, c.conn, req, stepTimeout)

	chunk := c.mustReadUntilType(parent, v1.TypeMessagesChunk, stepTimeout, nil)

	var p v1.MessagesChunkPayload
	if err := json.Unmarshal(chunk.Payload, &p); err != nil {
		fatalf("unmarshal messages_chunk payload (%s): %v", c.name, err)
	}
	if p.ConversationKey != convKey {
		fatalf("messages_chunk conversation_key mismatch (%s): got=%q want=%q", c.name, p.ConversationKey, convKey)
	}

	found := false
	for _, m := range p.Messages {
		if m.ClientMsgID == clientMsgID && m.MessageID == messageID && m.Seq == seq && !m.CreatedAt.IsZero() {
			found = true
			break
		}
	}
	if !found {
		fatalf("messages_chunk missing expected message (%s)", c.name)
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			fatalf("connection closed unexpectedly (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed unexpectedly (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %s received (%s)", forbiddenType, c.name)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
