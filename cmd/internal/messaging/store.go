package messaging

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Message is the canonical persisted message representation.
//
// Seq is the message's identifier within its conversation: strictly
// increasing, gapless, assigned atomically at append time. MessageID is a
// ULID kept alongside for global reference and log tracing. Messages are
// totally ordered by (CreatedAt, Seq); CreatedAt is server-assigned and
// non-decreasing per conversation.
type Message struct {
	ConversationKey string
	Seq             int64
	MessageID       string
	ClientMsgID     string
	SenderID        string
	Body            string
	Status          Status
	CreatedAt       time.Time
}

// AppendInput describes a message append request.
type AppendInput struct {
	ConversationKey string
	SenderID        string
	ClientMsgID     string
	Body            string
	Now             time.Time
}

// AppendResult is the append operation result. Duplicated is true when
// ClientMsgID matched an already-stored message; no new seq was allocated.
type AppendResult struct {
	Message    Message
	Duplicated bool
}

// ListSinceInput pages messages strictly after AfterSeq (exclusive),
// ascending. A nil AfterSeq returns the most recent Limit messages, still in
// ascending order. The sequence is restartable: resume from the last
// returned Seq.
type ListSinceInput struct {
	ConversationKey string
	AfterSeq        *int64
	Limit           int
}

// ListSinceResult contains the retrieved message window.
type ListSinceResult struct {
	Messages []Message
	HasMore  bool
}

// StatusUpdate is the outcome of a delivery-status transition. Applied is
// false when the transition was an idempotent repeat; Status always carries
// the state after the call.
type StatusUpdate struct {
	ConversationKey string
	Seq             int64
	RecipientID     string
	Status          Status
	At              time.Time
	Applied         bool
}

// ConversationSummary is one directory entry for the inbox view.
type ConversationSummary struct {
	ConversationKey    string
	OtherParticipant   string
	LastMessagePreview string
	LastActivityAt     time.Time
	UnreadCount        int64
}

// DirectoryCursor is a restartable position in a user's directory listing,
// ordered by (LastActivityAt, ConversationKey) descending.
type DirectoryCursor struct {
	LastActivityAt  time.Time
	ConversationKey string
}

// Encode renders the cursor in its opaque wire form.
func (c DirectoryCursor) Encode() string {
	return strconv.FormatInt(c.LastActivityAt.UTC().UnixNano(), 10) + "|" + c.ConversationKey
}

// DecodeDirectoryCursor parses a wire cursor. An empty string means "from the
// top" and returns nil.
func DecodeDirectoryCursor(s string) (*DirectoryCursor, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	nanos, key, ok := strings.Cut(s, "|")
	if !ok {
		return nil, fmt.Errorf("%w: malformed cursor", ErrValidation)
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor", ErrValidation)
	}
	if _, _, err := ParseKey(key); err != nil {
		return nil, fmt.Errorf("%w: malformed cursor", ErrValidation)
	}
	return &DirectoryCursor{
		LastActivityAt:  time.Unix(0, n).UTC(),
		ConversationKey: key,
	}, nil
}

// ListConversationsInput pages a user's directory.
type ListConversationsInput struct {
	UserID string
	Cursor *DirectoryCursor
	Limit  int
}

// ListConversationsResult contains one directory page. Cursor resumes after
// the last returned entry.
type ListConversationsResult struct {
	Conversations []ConversationSummary
	Cursor        *DirectoryCursor
	HasMore       bool
}

// Store persists conversations, messages, delivery status and the directory.
//
// Requirements:
//   - Append is atomic: a message is fully persisted with a valid seq and
//     timestamp or not at all.
//   - Seq is strictly monotonic and gapless per conversation, also under
//     concurrent appends; CreatedAt is non-decreasing per conversation.
//   - Idempotency per (conversation_key, client_msg_id): duplicates return
//     the original message without consuming a seq.
//   - SetStatus is a commutative-idempotent compare-and-set that never
//     regresses (ErrInvalidTransition on a backward attempt).
//   - Directory entries for both participants are updated in the append
//     transaction.
type Store interface {
	Append(ctx context.Context, in AppendInput) (AppendResult, error)
	ListSince(ctx context.Context, in ListSinceInput) (ListSinceResult, error)
	SetStatus(ctx context.Context, conversationKey string, seq int64, recipientID string, next Status, now time.Time) (StatusUpdate, error)
	ListConversations(ctx context.Context, in ListConversationsInput) (ListConversationsResult, error)
	Close() error
}

// validateAppend normalizes and checks an append request. It returns the
// trimmed body and the recipient (the non-sender participant).
func validateAppend(in AppendInput) (body, recipient string, err error) {
	if _, _, err := ParseKey(in.ConversationKey); err != nil {
		return "", "", err
	}
	recipient, err = OtherParticipant(in.ConversationKey, in.SenderID)
	if err != nil {
		return "", "", err
	}
	if strings.TrimSpace(in.ClientMsgID) == "" {
		return "", "", fmt.Errorf("%w: missing client_msg_id", ErrValidation)
	}

	body = strings.TrimSpace(in.Body)
	if body == "" {
		return "", "", fmt.Errorf("%w: empty body", ErrValidation)
	}
	if utf8.RuneCountInString(body) > maxMessageChars {
		return "", "", fmt.Errorf("%w: body too long (max %d chars)", ErrValidation, maxMessageChars)
	}
	return body, recipient, nil
}

// clampHistoryLimit applies listSince paging bounds.
func clampHistoryLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}

// clampDirectoryLimit applies listConversations paging bounds.
func clampDirectoryLimit(limit int) int {
	if limit <= 0 {
		return defaultDirectoryLimit
	}
	if limit > maxDirectoryLimit {
		return maxDirectoryLimit
	}
	return limit
}

// makePreview truncates a body for directory entries.
func makePreview(body string) string {
	runes := []rune(body)
	if len(runes) <= previewMaxChars {
		return body
	}
	return string(runes[:previewMaxChars]) + "…"
}
