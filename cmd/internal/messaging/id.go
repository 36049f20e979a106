package messaging

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
// ULIDs are lexicographically sortable and keep ids uniform across the system:
// message ids, session ids and envelope ids all share the same shape.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID for call sites where an id failure is unrecoverable
// anyway (crypto/rand exhaustion). It falls back to a zero-entropy ULID
// rather than panicking mid-connection.
func MustULID(now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		if now.IsZero() {
			now = time.Now().UTC()
		}
		return ulid.MustNew(ulid.Timestamp(now), zeroReader{}).String()
	}
	return id
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}
