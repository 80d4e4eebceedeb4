package humanfn

import "strings"

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusStarted   Status = "started"
	StatusResponded Status = "responded"
	StatusCompleted Status = "completed"
	StatusTimeout   Status = "timeout"
	StatusEscalated Status = "escalated"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// AllStatuses lists every known status in declaration order.
var AllStatuses = []Status{
	StatusPending,
	StatusAssigned,
	StatusStarted,
	StatusResponded,
	StatusCompleted,
	StatusTimeout,
	StatusEscalated,
	StatusFailed,
	StatusCancelled,
}

// transitions holds the persisted status edges. assigned and responded are
// audit milestones and never become the stored status.
var transitions = map[Status][]Status{
	StatusPending: {
		StatusPending, StatusStarted, StatusCompleted, StatusTimeout,
		StatusEscalated, StatusCancelled, StatusFailed,
	},
	StatusStarted: {
		StatusPending, StatusCompleted, StatusTimeout,
		StatusEscalated, StatusCancelled, StatusFailed,
	},
	StatusEscalated: {
		StatusPending, StatusCompleted, StatusTimeout,
		StatusEscalated, StatusCancelled, StatusFailed,
	},
	// promotion through onTimeout, or the retry-after-timeout path
	StatusTimeout: {StatusCompleted, StatusPending},
}

// ParseStatus normalizes a status string.
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range AllStatuses {
		if s == known {
			return s, true
		}
	}
	return "", false
}

// IsTerminal reports whether no further regular transitions apply.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusTimeout, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// IsFinal reports statuses that admit no transition at all.
func (s Status) IsFinal() bool {
	return len(transitions[s]) == 0
}

func (s Status) String() string { return string(s) }

// CanTransition reports whether from -> to is a legal persisted edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStatuses returns a copy of the legal targets for a status.
func NextStatuses(from Status) []Status {
	out := make([]Status, len(transitions[from]))
	copy(out, transitions[from])
	return out
}
