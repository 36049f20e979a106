// Package v1 defines the Snippix Messaging Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello starts a session handshake and carries the identity token (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake with the resolved identity (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeSubscribe opens a subscription on a conversation (client -> server).
	TypeSubscribe = "subscribe"
	// TypeSubscribeAck confirms a subscription and returns the canonical key (server -> client).
	TypeSubscribeAck = "subscribe_ack"
	// TypeUnsubscribe tears down a subscription (client -> server).
	TypeUnsubscribe = "unsubscribe"

	// TypeMessageSend requests appending a new message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send request (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageNew carries a MessageAppended event (server -> subscribers).
	TypeMessageNew = "message_new"

	// TypeMarkDelivered records that the caller's client received a message (client -> server).
	TypeMarkDelivered = "mark_delivered"
	// TypeMarkSeen records that the caller rendered a message (client -> server).
	TypeMarkSeen = "mark_seen"
	// TypeStatusAck confirms a mark request with the resulting status (server -> client).
	TypeStatusAck = "status_ack"
	// TypeStatusChanged carries a StatusChanged event (server -> subscribers).
	TypeStatusChanged = "status_changed"

	// TypeMessagesFetch requests a window of messages after a cursor (client -> server).
	TypeMessagesFetch = "messages_fetch"
	// TypeMessagesChunk returns a window of messages (server -> client).
	TypeMessagesChunk = "messages_chunk"

	// TypeConversationsFetch requests the caller's conversation directory (client -> server).
	TypeConversationsFetch = "conversations_fetch"
	// TypeConversationsChunk returns a page of conversation summaries (server -> client).
	TypeConversationsChunk = "conversations_chunk"

	// TypeSyncGap tells a subscriber that events were dropped and it must
	// reconcile via messages_fetch (server -> client).
	TypeSyncGap = "sync_gap"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Error codes carried by ErrorPayload. They map 1:1 to the service error taxonomy.
const (
	CodeInvalidParticipants = "invalid_participants"
	CodeValidationError     = "validation_error"
	CodeNotParticipant      = "not_participant"
	CodeNotRecipient        = "not_recipient"
	CodeStoreUnavailable    = "store_unavailable"
	CodeUnauthorized        = "unauthorized"
	CodeBadEnvelope         = "bad_envelope"
	CodeRateLimited         = "rate_limited"
	CodeNotSubscribed       = "not_subscribed"
	CodeNotFound            = "not_found"
	CodeUnsupported         = "unsupported"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeSubscribe,
		TypeSubscribeAck,
		TypeUnsubscribe,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeMarkDelivered,
		TypeMarkSeen,
		TypeStatusAck,
		TypeStatusChanged,
		TypeMessagesFetch,
		TypeMessagesChunk,
		TypeConversationsFetch,
		TypeConversationsChunk,
		TypeSyncGap,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client to establish identity for the session.
type HelloPayload struct {
	Token string `json:"token"`
}

// HelloAckPayload returns the session id and the resolved user id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// SubscribePayload requests a subscription. Exactly one of ConversationKey or
// PeerID must be set; PeerID derives the key from (caller, peer).
type SubscribePayload struct {
	ConversationKey string `json:"conversation_key,omitempty"`
	PeerID          string `json:"peer_id,omitempty"`
}

// SubscribeAckPayload confirms a subscription.
type SubscribeAckPayload struct {
	ConversationKey string `json:"conversation_key"`
}

// UnsubscribePayload tears down a subscription.
type UnsubscribePayload struct {
	ConversationKey string `json:"conversation_key"`
}

// MessageSendPayload requests appending a message. Exactly one of
// ConversationKey or PeerID must be set. ClientMsgID is required; resends
// with the same id are deduplicated server-side.
type MessageSendPayload struct {
	ConversationKey string `json:"conversation_key,omitempty"`
	PeerID          string `json:"peer_id,omitempty"`
	ClientMsgID     string `json:"client_msg_id"`
	Body            string `json:"body"`
}

// MessageAckPayload acknowledges a send request with the canonical server ids.
type MessageAckPayload struct {
	ConversationKey string    `json:"conversation_key"`
	ClientMsgID     string    `json:"client_msg_id"`
	MessageID       string    `json:"message_id"`
	Seq             int64     `json:"seq"`
	CreatedAt       time.Time `json:"created_at"`
	Duplicate       bool      `json:"duplicate,omitempty"`
}

// MessagePayload is the wire form of a stored message. It is used both for
// message_new events and messages_chunk pages.
type MessagePayload struct {
	ConversationKey string    `json:"conversation_key"`
	MessageID       string    `json:"message_id"`
	ClientMsgID     string    `json:"client_msg_id,omitempty"`
	Seq             int64     `json:"seq"`
	SenderID        string    `json:"sender_id"`
	Body            string    `json:"body"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

// MarkPayload addresses a message for a delivery-status transition.
type MarkPayload struct {
	ConversationKey string `json:"conversation_key"`
	Seq             int64  `json:"seq"`
}

// StatusAckPayload confirms a mark request. Status is the resulting state,
// which may be ahead of the requested one when the transition was a no-op.
type StatusAckPayload struct {
	ConversationKey string `json:"conversation_key"`
	Seq             int64  `json:"seq"`
	Status          string `json:"status"`
}

// StatusChangedPayload is broadcast when a message's delivery status advances.
type StatusChangedPayload struct {
	ConversationKey string    `json:"conversation_key"`
	Seq             int64     `json:"seq"`
	RecipientID     string    `json:"recipient_id"`
	Status          string    `json:"status"`
	At              time.Time `json:"at"`
}

// MessagesFetchPayload requests messages strictly after AfterSeq (exclusive).
// A nil AfterSeq returns the most recent Limit messages in ascending order.
type MessagesFetchPayload struct {
	ConversationKey string `json:"conversation_key"`
	AfterSeq        *int64 `json:"after_seq,omitempty"`
	Limit           int    `json:"limit,omitempty"`
}

// MessagesChunkPayload returns a window of messages in ascending order.
type MessagesChunkPayload struct {
	ConversationKey string           `json:"conversation_key"`
	Messages        []MessagePayload `json:"messages"`
	HasMore         bool             `json:"has_more"`
}

// ConversationsFetchPayload requests a page of the caller's directory.
// Cursor is opaque; pass the cursor from the previous chunk to resume.
type ConversationsFetchPayload struct {
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// ConversationSummaryPayload is one directory entry.
type ConversationSummaryPayload struct {
	ConversationKey    string    `json:"conversation_key"`
	OtherParticipant   string    `json:"other_participant"`
	LastMessagePreview string    `json:"last_message_preview"`
	LastActivityAt     time.Time `json:"last_activity_at"`
	UnreadCount        int64     `json:"unread_count"`
}

// ConversationsChunkPayload returns a page ordered by last activity descending.
type ConversationsChunkPayload struct {
	Conversations []ConversationSummaryPayload `json:"conversations"`
	Cursor        string                       `json:"cursor,omitempty"`
	HasMore       bool                         `json:"has_more"`
}

// SyncGapPayload signals that events for a conversation were dropped while the
// subscriber was too slow. The client must reconcile via messages_fetch using
// its last-seen seq.
type SyncGapPayload struct {
	ConversationKey string `json:"conversation_key"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
