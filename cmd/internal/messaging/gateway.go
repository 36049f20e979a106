package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	v1 "snippix/shared/contracts/messaging/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = "snippix.messaging.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3
)

// GatewayConfig carries the tunables the gateway does not own.
type GatewayConfig struct {
	// OriginRequired rejects upgrade requests without an Origin header.
	OriginRequired bool
	// AllowedOrigins lists acceptable Origin values (full origin or host).
	// "*" disables the check when explicitly configured.
	AllowedOrigins []string
	// DevInsecure disables origin verification in websocket.Accept. Dev only.
	DevInsecure bool

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int
	SubscriberQueue int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

func (c *GatewayConfig) fillDefaults() {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = wsDefaultWriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = wsDefaultReadIdle
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsDefaultSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
}

// Gateway is the WebSocket entrypoint for Snippix messaging.
//
// It enforces origin policy, subprotocol selection, hello-first
// authentication, rate limits and heartbeats, and routes validated envelopes
// to the Service.
type Gateway struct {
	log      *slog.Logger
	svc      *Service
	resolver IdentityResolver
	cfg      GatewayConfig

	// Derived for websocket.Accept origin checks. Accept authorizes same-host
	// origins by default; cross-origin requires OriginPatterns.
	originPatterns []string
}

// NewGateway constructs a Gateway. resolver must not be nil; identity is
// established out of band and every session authenticates with a token.
func NewGateway(log *slog.Logger, svc *Service, resolver IdentityResolver, cfg GatewayConfig) *Gateway {
	cfg.fillDefaults()
	return &Gateway{
		log:            log,
		svc:            svc,
		resolver:       resolver,
		cfg:            cfg,
		originPatterns: deriveOriginPatterns(cfg.AllowedOrigins),
	}
}

// session is one connected websocket. Send is never closed by the server so
// concurrent enqueuers cannot panic; the done channel signals teardown.
type session struct {
	ID     string
	UserID string
	Send   chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(queueSize int) *session {
	return &session{
		ID:   MustULID(time.Now().UTC()),
		Send: make(chan v1.Envelope, queueSize),
		done: make(chan struct{}),
	}
}

func (s *session) Done() <-chan struct{} { return s.done }

func (s *session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// ServeHTTP adapter so the gateway can be mounted as an http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS upgrades an HTTP request and runs the session loop.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	sess := newSession(g.cfg.SendQueueSize)
	metricActiveConnections.Inc()
	defer metricActiveConnections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// One live subscription per conversation per connection. Pump goroutines
	// are keyed off the Subscriber's done channel, so dropping the map entry
	// plus Unsubscribe is a full teardown. The map has exactly one owner, the
	// read loop below; shutdown only signals, so the writer and heartbeat
	// goroutines never touch it.
	subs := make(map[string]*Subscriber)

	var closeOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			sess.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.cfg.RateEvents, g.cfg.RateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.Done():
				return
			case env := <-sess.Send:
				if err := writeEnvelope(ctx, conn, env, g.cfg.WriteTimeout); err != nil {
					g.log.Info("ws.write.fail", "session_id", sess.ID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.cfg.HeartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "session_id", sess.ID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, sess, v1.CodeBadEnvelope, "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "session_id", sess.ID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, sess, v1.CodeRateLimited, "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, sess, v1.CodeBadEnvelope, err.Error())
			continue readLoop
		}

		// Hello-first: nothing else is processed until identity is resolved.
		if sess.UserID == "" && env.Type != v1.TypeHello {
			g.trySendError(ctx, sess, v1.CodeUnauthorized, "hello first")
			shutdown(websocket.StatusPolicyViolation, "unauthenticated")
			break readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			// A session is bound to one identity for its lifetime. Rebinding
			// would leave subscriptions made under the previous identity live.
			if sess.UserID != "" {
				g.trySendError(ctx, sess, v1.CodeBadEnvelope, "session already authenticated")
				continue readLoop
			}
			if err := g.onHello(ctx, sess, env); err != nil {
				g.trySendError(ctx, sess, v1.CodeUnauthorized, "authentication failed")
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case v1.TypeSubscribe:
			if err := g.onSubscribe(ctx, sess, env, subs); err != nil {
				g.sendMappedError(ctx, sess, err, "ws.subscribe.denied")
				continue readLoop
			}

		case v1.TypeUnsubscribe:
			g.onUnsubscribe(sess, env, subs)

		case v1.TypeMessageSend:
			if err := g.onMessageSend(ctx, sess, env, now); err != nil {
				g.sendMappedError(ctx, sess, err, "ws.send.denied")
				continue readLoop
			}

		case v1.TypeMarkDelivered:
			if err := g.onMark(ctx, sess, env, StatusDelivered); err != nil {
				g.sendMappedError(ctx, sess, err, "ws.mark.denied")
				continue readLoop
			}

		case v1.TypeMarkSeen:
			if err := g.onMark(ctx, sess, env, StatusSeen); err != nil {
				g.sendMappedError(ctx, sess, err, "ws.mark.denied")
				continue readLoop
			}

		case v1.TypeMessagesFetch:
			if err := g.onMessagesFetch(ctx, sess, env); err != nil {
				g.sendMappedError(ctx, sess, err, "ws.fetch.denied")
				continue readLoop
			}

		case v1.TypeConversationsFetch:
			if err := g.onConversationsFetch(ctx, sess, env); err != nil {
				g.sendMappedError(ctx, sess, err, "ws.directory.denied")
				continue readLoop
			}

		default:
			g.trySendError(ctx, sess, v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")

	// The read loop has stopped, so nothing else touches subs anymore.
	for _, sub := range subs {
		g.svc.Unsubscribe(sub)
	}
	clear(subs)

	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *Gateway) onHello(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	userID, err := g.resolver.Resolve(ctx, p.Token)
	if err != nil {
		g.log.Warn("ws.auth.fail", "session_id", sess.ID, "remote_err", err)
		return err
	}
	sess.UserID = userID

	ack := mustEnvelope(v1.TypeHelloAck, v1.HelloAckPayload{SessionID: sess.ID, UserID: userID})
	if !g.enqueue(ctx, sess, ack) {
		return errors.New("backpressure: hello ack")
	}

	g.log.Info("ws.session.open", "session_id", sess.ID, "user_id", userID)
	return nil
}

func (g *Gateway) onSubscribe(ctx context.Context, sess *session, env v1.Envelope, subs map[string]*Subscriber) error {
	var p v1.SubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("%w: invalid payload", ErrValidation)
	}

	key, err := g.resolveKey(sess.UserID, p.ConversationKey, p.PeerID)
	if err != nil {
		return err
	}

	if _, ok := subs[key]; !ok {
		sub, err := g.svc.Subscribe(key, sess.UserID, g.cfg.SubscriberQueue)
		if err != nil {
			return err
		}
		subs[key] = sub
		go g.pumpEvents(ctx, sess, sub)
	}

	ack := mustEnvelope(v1.TypeSubscribeAck, v1.SubscribeAckPayload{ConversationKey: key})
	if !g.enqueue(ctx, sess, ack) {
		return errors.New("backpressure: subscribe ack")
	}
	return nil
}

func (g *Gateway) onUnsubscribe(sess *session, env v1.Envelope, subs map[string]*Subscriber) {
	var p v1.UnsubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return
	}
	if sub, ok := subs[p.ConversationKey]; ok {
		delete(subs, p.ConversationKey)
		g.svc.Unsubscribe(sub)
	}
}

func (g *Gateway) onMessageSend(ctx context.Context, sess *session, env v1.Envelope, now time.Time) error {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("%w: invalid payload", ErrValidation)
	}

	key, err := g.resolveKey(sess.UserID, p.ConversationKey, p.PeerID)
	if err != nil {
		return err
	}

	res, err := g.svc.Send(ctx, AppendInput{
		ConversationKey: key,
		SenderID:        sess.UserID,
		ClientMsgID:     p.ClientMsgID,
		Body:            p.Body,
		Now:             now,
	})
	if err != nil {
		return err
	}

	m := res.Message
	ack := mustEnvelope(v1.TypeMessageAck, v1.MessageAckPayload{
		ConversationKey: m.ConversationKey,
		ClientMsgID:     m.ClientMsgID,
		MessageID:       m.MessageID,
		Seq:             m.Seq,
		CreatedAt:       m.CreatedAt,
		Duplicate:       res.Duplicated,
	})
	if !g.enqueue(ctx, sess, ack) {
		return errors.New("backpressure: message ack")
	}
	return nil
}

func (g *Gateway) onMark(ctx context.Context, sess *session, env v1.Envelope, next Status) error {
	var p v1.MarkPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("%w: invalid payload", ErrValidation)
	}

	var (
		upd StatusUpdate
		err error
	)
	switch next {
	case StatusSeen:
		upd, err = g.svc.MarkSeen(ctx, p.ConversationKey, p.Seq, sess.UserID)
	default:
		upd, err = g.svc.MarkDelivered(ctx, p.ConversationKey, p.Seq, sess.UserID)
	}

	// A regression attempt leaves state untouched; the client is told the
	// current status and treats the request as settled.
	if err != nil && !errors.Is(err, ErrInvalidTransition) {
		return err
	}

	ack := mustEnvelope(v1.TypeStatusAck, v1.StatusAckPayload{
		ConversationKey: upd.ConversationKey,
		Seq:             upd.Seq,
		Status:          string(upd.Status),
	})
	if !g.enqueue(ctx, sess, ack) {
		return errors.New("backpressure: status ack")
	}
	return nil
}

func (g *Gateway) onMessagesFetch(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.MessagesFetchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("%w: invalid payload", ErrValidation)
	}

	if _, _, err := ParseKey(p.ConversationKey); err != nil {
		return err
	}
	if !IsParticipant(p.ConversationKey, sess.UserID) {
		return ErrNotParticipant
	}

	out, err := g.svc.ListSince(ctx, ListSinceInput{
		ConversationKey: p.ConversationKey,
		AfterSeq:        p.AfterSeq,
		Limit:           p.Limit,
	})
	if err != nil {
		return err
	}

	msgs := make([]v1.MessagePayload, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, messageToWire(m))
	}

	chunk := mustEnvelope(v1.TypeMessagesChunk, v1.MessagesChunkPayload{
		ConversationKey: p.ConversationKey,
		Messages:        msgs,
		HasMore:         out.HasMore,
	})
	if !g.enqueue(ctx, sess, chunk) {
		return errors.New("backpressure: messages chunk")
	}
	return nil
}

func (g *Gateway) onConversationsFetch(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.ConversationsFetchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("%w: invalid payload", ErrValidation)
	}

	cursor, err := DecodeDirectoryCursor(p.Cursor)
	if err != nil {
		return err
	}

	out, err := g.svc.ListConversations(ctx, ListConversationsInput{
		UserID: sess.UserID,
		Cursor: cursor,
		Limit:  p.Limit,
	})
	if err != nil {
		return err
	}

	convs := make([]v1.ConversationSummaryPayload, 0, len(out.Conversations))
	for _, c := range out.Conversations {
		convs = append(convs, v1.ConversationSummaryPayload{
			ConversationKey:    c.ConversationKey,
			OtherParticipant:   c.OtherParticipant,
			LastMessagePreview: c.LastMessagePreview,
			LastActivityAt:     c.LastActivityAt,
			UnreadCount:        c.UnreadCount,
		})
	}

	next := ""
	if out.Cursor != nil {
		next = out.Cursor.Encode()
	}
	chunk := mustEnvelope(v1.TypeConversationsChunk, v1.ConversationsChunkPayload{
		Conversations: convs,
		Cursor:        next,
		HasMore:       out.HasMore,
	})
	if !g.enqueue(ctx, sess, chunk) {
		return errors.New("backpressure: conversations chunk")
	}
	return nil
}

// pumpEvents drains one subscription into the session's send queue. A gap
// raised by the subscriber's drop-oldest policy is surfaced as sync_gap before
// the surviving events.
func (g *Gateway) pumpEvents(ctx context.Context, sess *session, sub *Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case <-sub.Done():
			return
		case <-sub.Ready():
			events, gapped := sub.Drain()
			if gapped {
				gap := mustEnvelope(v1.TypeSyncGap, v1.SyncGapPayload{ConversationKey: sub.ConversationKey})
				if !g.enqueue(ctx, sess, gap) {
					continue
				}
			}
			for _, ev := range events {
				env, ok := eventToWire(ev)
				if !ok {
					continue
				}
				// The session queue is itself bounded; if it is full the
				// connection is already too far behind and events are dropped
				// here too. The client recovers the same way: messages_fetch.
				if !g.enqueue(ctx, sess, env) {
					g.log.Info("ws.pump.drop", "session_id", sess.ID, "conversation_key", sub.ConversationKey)
				}
			}
		}
	}
}

// ---- wire mapping ----

func messageToWire(m Message) v1.MessagePayload {
	return v1.MessagePayload{
		ConversationKey: m.ConversationKey,
		MessageID:       m.MessageID,
		ClientMsgID:     m.ClientMsgID,
		Seq:             m.Seq,
		SenderID:        m.SenderID,
		Body:            m.Body,
		Status:          string(m.Status),
		CreatedAt:       m.CreatedAt,
	}
}

func eventToWire(ev Event) (v1.Envelope, bool) {
	switch e := ev.(type) {
	case MessageAppended:
		return mustEnvelope(v1.TypeMessageNew, messageToWire(e.Message)), true
	case StatusChanged:
		return mustEnvelope(v1.TypeStatusChanged, v1.StatusChangedPayload{
			ConversationKey: e.ConversationKey,
			Seq:             e.Seq,
			RecipientID:     e.RecipientID,
			Status:          string(e.Status),
			At:              e.At,
		}), true
	default:
		return v1.Envelope{}, false
	}
}

// resolveKey canonicalizes the conversation addressed by a payload. Exactly
// one of key or peerID must be set; a given key must name a conversation the
// caller participates in.
func (g *Gateway) resolveKey(userID, key, peerID string) (string, error) {
	key = strings.TrimSpace(key)
	peerID = strings.TrimSpace(peerID)

	switch {
	case key != "" && peerID != "":
		return "", fmt.Errorf("%w: set conversation_key or peer_id, not both", ErrValidation)
	case peerID != "":
		return MakeKey(userID, peerID)
	case key != "":
		if _, _, err := ParseKey(key); err != nil {
			return "", err
		}
		if !IsParticipant(key, userID) {
			return "", ErrNotParticipant
		}
		return key, nil
	default:
		return "", fmt.Errorf("%w: missing conversation_key", ErrValidation)
	}
}

// ---- error mapping ----

// sendMappedError translates a service error to its wire code. Authorization
// failures are logged at Warn; they indicate a broken or hostile client.
func (g *Gateway) sendMappedError(ctx context.Context, sess *session, err error, securityEvent string) {
	code := errorCode(err)
	if code == v1.CodeNotParticipant || code == v1.CodeNotRecipient {
		g.log.Warn(securityEvent, "session_id", sess.ID, "user_id", sess.UserID, "code", code)
	}
	g.trySendError(ctx, sess, code, err.Error())
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidParticipants):
		return v1.CodeInvalidParticipants
	case errors.Is(err, ErrNotParticipant):
		return v1.CodeNotParticipant
	case errors.Is(err, ErrNotRecipient):
		return v1.CodeNotRecipient
	case errors.Is(err, ErrMessageNotFound):
		return v1.CodeNotFound
	case errors.Is(err, ErrStoreUnavailable):
		return v1.CodeStoreUnavailable
	case errors.Is(err, ErrUnauthorized):
		return v1.CodeUnauthorized
	case errors.Is(err, ErrValidation):
		return v1.CodeValidationError
	default:
		return v1.CodeValidationError
	}
}

// ---- send helpers ----

func (g *Gateway) trySendError(ctx context.Context, sess *session, code, msg string) {
	env := mustEnvelope(v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
	_ = g.enqueue(ctx, sess, env)
}

func (g *Gateway) enqueue(ctx context.Context, sess *session, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-sess.Done():
		return false
	case sess.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func mustEnvelope(typ string, payload any) v1.Envelope {
	b, err := json.Marshal(payload)
	if err != nil {
		// All payload types are plain structs; marshal cannot fail.
		panic(err)
	}
	now := time.Now().UTC()
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      MustULID(now),
		TS:      now,
		Payload: b,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// Both malformed JSON and well-formed JSON with wrongly typed fields are
	// client input errors; the connection stays up and gets an error envelope.
	var syn *json.SyntaxError
	if errors.As(err, &syn) {
		return readErrBadJSON
	}
	var typ *json.UnmarshalTypeError
	if errors.As(err, &typ) {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.cfg.AllowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}
		if origin == a {
			return nil
		}
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		return u.Hostname()
	}

	// Bare "host" or "host:port".
	if host, _, err := net.SplitHostPort(s); err == nil {
		return host
	}
	return s
}

// deriveOriginPatterns converts allowed origins into the host patterns
// websocket.Accept understands for cross-origin requests.
func deriveOriginPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	out := make([]string, 0, len(allowed))
	for _, a := range allowed {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return []string{"*"}
		}
		host := originHostOnly(a)
		if host == "" {
			continue
		}
		// Cover any port on the allowed host.
		for _, p := range []string{host, host + ":*"} {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}
