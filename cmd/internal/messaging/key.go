package messaging

import (
	"fmt"
	"regexp"
	"strings"
)

// Conversation keys are a pure function of the unordered participant pair:
// the two user ids sorted lexicographically and joined with "_". Because the
// separator is excluded from the user-id charset, distinct pairs can never
// collide and the pair is always recoverable from the key.
const keySeparator = "_"

// userIDRE constrains user ids to identifiers the key format can embed safely.
// Covers ULIDs, UUIDs and typical auth-provider uids.
var userIDRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.:-]{0,63}$`)

// ValidUserID reports whether id is usable as a participant identifier.
func ValidUserID(id string) bool {
	return userIDRE.MatchString(id)
}

// MakeKey derives the canonical conversation key for an unordered pair.
// MakeKey(a, b) == MakeKey(b, a). A self-pair or a malformed id yields
// ErrInvalidParticipants.
func MakeKey(a, b string) (string, error) {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)

	if !ValidUserID(a) {
		return "", fmt.Errorf("%w: bad id %q", ErrInvalidParticipants, a)
	}
	if !ValidUserID(b) {
		return "", fmt.Errorf("%w: bad id %q", ErrInvalidParticipants, b)
	}
	if a == b {
		return "", fmt.Errorf("%w: self conversation", ErrInvalidParticipants)
	}

	if a < b {
		return a + keySeparator + b, nil
	}
	return b + keySeparator + a, nil
}

// ParseKey recovers the participant pair from a canonical key.
// The returned ids satisfy first < second.
func ParseKey(key string) (first, second string, err error) {
	parts := strings.Split(key, keySeparator)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("%w: malformed key %q", ErrInvalidParticipants, key)
	}
	if !ValidUserID(parts[0]) || !ValidUserID(parts[1]) {
		return "", "", fmt.Errorf("%w: malformed key %q", ErrInvalidParticipants, key)
	}
	if parts[0] >= parts[1] {
		return "", "", fmt.Errorf("%w: non-canonical key %q", ErrInvalidParticipants, key)
	}
	return parts[0], parts[1], nil
}

// IsParticipant reports whether userID is one of the key's two participants.
// A malformed key is simply not a conversation userID participates in.
func IsParticipant(key, userID string) bool {
	a, b, err := ParseKey(key)
	if err != nil {
		return false
	}
	return userID == a || userID == b
}

// OtherParticipant returns the participant that is not userID.
func OtherParticipant(key, userID string) (string, error) {
	a, b, err := ParseKey(key)
	if err != nil {
		return "", err
	}
	switch userID {
	case a:
		return b, nil
	case b:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %s not in %s", ErrNotParticipant, userID, key)
	}
}
