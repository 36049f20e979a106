package messaging

// Status is the per-(message, recipient) delivery state.
//
// The state machine is sent -> delivered -> seen, monotonic: a transition
// never moves the state backward, and "seen" is terminal.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusSeen      Status = "seen"
)

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusSeen:
		return true
	}
	return false
}

// Rank orders statuses for monotonicity checks. Unknown values rank below
// "sent" so they can never win a compare-and-set.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 0
	case StatusDelivered:
		return 1
	case StatusSeen:
		return 2
	}
	return -1
}

// CanAdvanceTo reports whether moving from s to next is a forward transition.
func (s Status) CanAdvanceTo(next Status) bool {
	return next.Valid() && next.Rank() > s.Rank()
}
