package model

// Status is the delivery status of a message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// Rank orders the forward statuses. Failed sits outside the chain and
// ranks with Sending.
func (s Status) Rank() int {
	switch s {
	case StatusSending, StatusFailed:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.Rank() >= 0
}

// CanAdvance reports whether a message may move from one status to
// another. Statuses only move forward along sending, sent, delivered,
// read. Failed is reachable only from sending, and the only way back is
// the explicit failed to sending retry. Delivered and read require the
// message to have been sent.
func CanAdvance(from, to Status) bool {
	switch {
	case from == to:
		return false
	case to == StatusFailed:
		return from == StatusSending
	case from == StatusFailed:
		return to == StatusSending
	case to == StatusSending:
		return false
	case to == StatusDelivered || to == StatusRead:
		return from.Rank() >= StatusSent.Rank() && to.Rank() > from.Rank()
	default:
		return from.Valid() && to.Rank() > from.Rank()
	}
}

// Display is the badge shown on the sender's bubble. Read takes
// precedence over delivered; callers pass the stored status.
func (s Status) Display() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusFailed:
		return "tap to retry"
	default:
		return string(s)
	}
}
