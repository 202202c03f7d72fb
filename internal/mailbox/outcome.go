package mailbox

// Outcome is the result of routing a message.
type Outcome int

const (
	// Delivered means a receiver callback accepted the message.
	Delivered Outcome = iota
	// Unreachable means the callback errored or timed out.
	Unreachable
	// Queued means the message was appended to a pending queue.
	Queued
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Unreachable:
		return "unreachable"
	case Queued:
		return "queued"
	default:
		return "unknown"
	}
}
