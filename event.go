package humanfn

import "time"

// EventType identifies an audit trail entry.
type EventType string

const (
	EventCreated   EventType = "created"
	EventAssigned  EventType = "assigned"
	EventStarted   EventType = "started"
	EventResponded EventType = "responded"
	EventCompleted EventType = "completed"
	EventTimeout   EventType = "timeout"
	EventEscalated EventType = "escalated"
	EventRetry     EventType = "retry"
	EventRouted    EventType = "routed"
	EventCancelled EventType = "cancelled"
	EventFailed    EventType = "failed"
)

// Status returns the status an event records, if it records one.
func (e EventType) Status() (Status, bool) {
	switch e {
	case EventCreated, EventRetry:
		return StatusPending, true
	case EventStarted:
		return StatusStarted, true
	case EventCompleted:
		return StatusCompleted, true
	case EventTimeout:
		return StatusTimeout, true
	case EventEscalated:
		return StatusEscalated, true
	case EventCancelled:
		return StatusCancelled, true
	case EventFailed:
		return StatusFailed, true
	default:
		return "", false
	}
}

// AuditEvent is one append-only history entry.
type AuditEvent struct {
	Type      EventType      `json:"type"`
	Actor     string         `json:"actor,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// UpdateType identifies a real-time subscriber message.
type UpdateType string

const (
	UpdateStatus    UpdateType = "execution_status"
	UpdateCreated   UpdateType = "execution_created"
	UpdateStarted   UpdateType = "execution_started"
	UpdateCompleted UpdateType = "execution_completed"
	UpdateTimeout   UpdateType = "execution_timeout"
	UpdateEscalated UpdateType = "execution_escalated"
	UpdateRetry     UpdateType = "execution_retry"
	UpdateRouted    UpdateType = "execution_routed"
	UpdateCancelled UpdateType = "execution_cancelled"
	UpdateFailed    UpdateType = "execution_failed"
)

// Update is pushed to subscribers of an execution.
type Update struct {
	Type        UpdateType `json:"type"`
	ExecutionID string     `json:"execution_id"`
	Data        any        `json:"data,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// WakeupKind tags why an execution asked to be woken.
type WakeupKind string

const (
	WakeupTimeout WakeupKind = "timeout"
	WakeupRetry   WakeupKind = "retry"
)

// Wakeup is the durable single-slot deferred call for an execution.
type Wakeup struct {
	Kind         WakeupKind `json:"kind"`
	ExecutionID  string     `json:"execution_id"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	Token        string     `json:"token,omitempty"`
}
