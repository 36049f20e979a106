package messaging

import "time"

// Event is the tagged union fanned out to subscribers: either a
// MessageAppended or a StatusChanged. Consumers switch on the concrete type;
// the sealed marker keeps the set closed so the switch stays exhaustive.
type Event interface {
	Conversation() string
	sealedEvent()
}

// MessageAppended is published after a non-duplicate append commits.
// Message is the identical value returned to the sender.
type MessageAppended struct {
	Message Message
}

func (e MessageAppended) Conversation() string { return e.Message.ConversationKey }
func (MessageAppended) sealedEvent()           {}

// StatusChanged is published after a delivery-status transition is applied.
type StatusChanged struct {
	ConversationKey string
	Seq             int64
	RecipientID     string
	Status          Status
	At              time.Time
}

func (e StatusChanged) Conversation() string { return e.ConversationKey }
func (StatusChanged) sealedEvent()           {}
