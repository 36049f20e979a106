package messaging

import "errors"

var (
	// ErrInvalidParticipants is returned for a malformed or self-referential
	// participant pair.
	ErrInvalidParticipants = errors.New("invalid participants")

	// ErrValidation is returned for an empty or oversized message body.
	ErrValidation = errors.New("invalid message")

	// ErrNotParticipant is returned when the sender is not one of the
	// conversation's two participants. Security-relevant: callers log it.
	ErrNotParticipant = errors.New("not a participant")

	// ErrNotRecipient is returned when someone other than the message's
	// non-sender participant attempts a status transition.
	ErrNotRecipient = errors.New("not the recipient")

	// ErrInvalidTransition is returned when a status transition would move
	// backward. The state is left untouched; the API boundary treats this as
	// an idempotent no-op rather than a failure.
	ErrInvalidTransition = errors.New("status transition would regress")

	// ErrMessageNotFound is returned when a status transition addresses a
	// message that does not exist.
	ErrMessageNotFound = errors.New("message not found")

	// ErrStoreUnavailable wraps transient persistence failures. The append
	// path retries these with bounded exponential backoff before surfacing.
	ErrStoreUnavailable = errors.New("message store unavailable")

	// ErrUnauthorized is returned when an identity token fails verification.
	ErrUnauthorized = errors.New("unauthorized")
)
