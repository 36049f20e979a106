package messaging

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	memMaxMessagesPerConversation = 10_000
)

// InMemoryStore is a dev/test fallback used when no database is configured.
// It mirrors the Postgres store's semantics: gapless monotonic seq,
// non-decreasing timestamps, client_msg_id idempotency, per-recipient status
// CAS and directory ordering.
type InMemoryStore struct {
	mu    sync.Mutex
	convs map[string]*memConv
}

type memConv struct {
	seq          int64
	lastTS       time.Time
	lastActivity time.Time
	lastPreview  string
	dedupe       map[string]*Message // client_msg_id -> stored message
	msgs         []*Message          // ordered by seq
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		convs: make(map[string]*memConv),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// Append persists a message with idempotency and monotonic seq allocation.
func (s *InMemoryStore) Append(ctx context.Context, in AppendInput) (AppendResult, error) {
	body, _, err := validateAppend(in)
	if err != nil {
		return AppendResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[in.ConversationKey]
	if c == nil {
		c = &memConv{
			dedupe: make(map[string]*Message),
			msgs:   make([]*Message, 0, 64),
		}
		s.convs[in.ConversationKey] = c
	}

	if existing, ok := c.dedupe[in.ClientMsgID]; ok {
		return AppendResult{Message: *existing, Duplicated: true}, nil
	}

	// Timestamps never go backward within a conversation, so the
	// (CreatedAt, Seq) order is consistent with Seq order.
	if now.Before(c.lastTS) {
		now = c.lastTS
	}

	c.seq++
	c.lastTS = now
	c.lastActivity = now

	msg := &Message{
		ConversationKey: in.ConversationKey,
		Seq:             c.seq,
		MessageID:       MustULID(now),
		ClientMsgID:     in.ClientMsgID,
		SenderID:        in.SenderID,
		Body:            body,
		Status:          StatusSent,
		CreatedAt:       now,
	}
	c.lastPreview = makePreview(body)
	c.dedupe[in.ClientMsgID] = msg
	c.msgs = append(c.msgs, msg)

	// Bound memory to avoid unbounded growth in dev.
	if len(c.msgs) > memMaxMessagesPerConversation {
		c.msgs = c.msgs[len(c.msgs)-memMaxMessagesPerConversation:]
	}

	return AppendResult{Message: *msg, Duplicated: false}, nil
}

// ListSince returns messages ordered by seq ASC, paging by the exclusive
// AfterSeq cursor; nil AfterSeq yields the most recent Limit messages.
func (s *InMemoryStore) ListSince(ctx context.Context, in ListSinceInput) (ListSinceResult, error) {
	if _, _, err := ParseKey(in.ConversationKey); err != nil {
		return ListSinceResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return ListSinceResult{}, err
	}

	limit := clampHistoryLimit(in.Limit)

	s.mu.Lock()
	c := s.convs[in.ConversationKey]
	var snap []Message
	if c != nil {
		snap = make([]Message, 0, len(c.msgs))
		for _, m := range c.msgs {
			snap = append(snap, *m)
		}
	}
	s.mu.Unlock()

	if len(snap) == 0 {
		return ListSinceResult{}, nil
	}

	if in.AfterSeq == nil {
		// Tail window: most recent limit, ascending. HasMore flags older
		// messages before the window.
		hasMore := len(snap) > limit
		if hasMore {
			snap = snap[len(snap)-limit:]
		}
		return ListSinceResult{Messages: snap, HasMore: hasMore}, nil
	}

	after := *in.AfterSeq
	start := sort.Search(len(snap), func(i int) bool { return snap[i].Seq > after })
	if start >= len(snap) {
		return ListSinceResult{}, nil
	}

	end := start + limit + 1
	if end > len(snap) {
		end = len(snap)
	}
	out := snap[start:end]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return ListSinceResult{Messages: out, HasMore: hasMore}, nil
}

// SetStatus advances the per-(message, recipient) delivery state.
func (s *InMemoryStore) SetStatus(ctx context.Context, conversationKey string, seq int64, recipientID string, next Status, now time.Time) (StatusUpdate, error) {
	if !next.Valid() {
		return StatusUpdate{}, fmt.Errorf("%w: unknown status %q", ErrValidation, next)
	}
	if err := ctx.Err(); err != nil {
		return StatusUpdate{}, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.convs[conversationKey]
	if c == nil {
		return StatusUpdate{}, ErrMessageNotFound
	}
	i := sort.Search(len(c.msgs), func(i int) bool { return c.msgs[i].Seq >= seq })
	if i >= len(c.msgs) || c.msgs[i].Seq != seq {
		return StatusUpdate{}, ErrMessageNotFound
	}
	msg := c.msgs[i]

	if !IsParticipant(conversationKey, recipientID) || recipientID == msg.SenderID {
		return StatusUpdate{}, fmt.Errorf("%w: %s for message %d", ErrNotRecipient, recipientID, seq)
	}

	upd := StatusUpdate{
		ConversationKey: conversationKey,
		Seq:             seq,
		RecipientID:     recipientID,
		Status:          msg.Status,
		At:              now,
	}

	switch {
	case msg.Status.CanAdvanceTo(next):
		msg.Status = next
		upd.Status = next
		upd.Applied = true
		return upd, nil
	case msg.Status == next:
		// Idempotent repeat.
		return upd, nil
	default:
		return upd, ErrInvalidTransition
	}
}

// ListConversations returns the user's directory ordered by last activity
// descending, paging with a (lastActivity, key) cursor.
func (s *InMemoryStore) ListConversations(ctx context.Context, in ListConversationsInput) (ListConversationsResult, error) {
	if !ValidUserID(in.UserID) {
		return ListConversationsResult{}, fmt.Errorf("%w: bad user id", ErrInvalidParticipants)
	}
	if err := ctx.Err(); err != nil {
		return ListConversationsResult{}, err
	}

	limit := clampDirectoryLimit(in.Limit)

	s.mu.Lock()
	entries := make([]ConversationSummary, 0, len(s.convs))
	for key, c := range s.convs {
		if len(c.msgs) == 0 || !IsParticipant(key, in.UserID) {
			continue
		}
		other, err := OtherParticipant(key, in.UserID)
		if err != nil {
			continue
		}
		var unread int64
		for _, m := range c.msgs {
			if m.SenderID != in.UserID && m.Status != StatusSeen {
				unread++
			}
		}
		entries = append(entries, ConversationSummary{
			ConversationKey:    key,
			OtherParticipant:   other,
			LastMessagePreview: c.lastPreview,
			LastActivityAt:     c.lastActivity,
			UnreadCount:        unread,
		})
	}
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].LastActivityAt.Equal(entries[j].LastActivityAt) {
			return entries[i].LastActivityAt.After(entries[j].LastActivityAt)
		}
		return entries[i].ConversationKey > entries[j].ConversationKey
	})

	if cur := in.Cursor; cur != nil {
		start := sort.Search(len(entries), func(i int) bool {
			e := entries[i]
			if !e.LastActivityAt.Equal(cur.LastActivityAt) {
				return e.LastActivityAt.Before(cur.LastActivityAt)
			}
			return e.ConversationKey < cur.ConversationKey
		})
		entries = entries[start:]
	}

	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}

	out := ListConversationsResult{Conversations: entries, HasMore: hasMore}
	if len(entries) > 0 {
		last := entries[len(entries)-1]
		out.Cursor = &DirectoryCursor{
			LastActivityAt:  last.LastActivityAt,
			ConversationKey: last.ConversationKey,
		}
	}
	return out, nil
}
