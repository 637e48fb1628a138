// Package events implements the Archon event bus and its reliability layer.
//
// Events travel over a single PostgreSQL notification channel: publishers
// call NOTIFY with a JSON-serialized [Event], and one dedicated long-lived
// connection LISTENs and fans incoming events out to in-process subscribers.
// Delivery is at-least-once for handlers registered at dispatch time;
// handlers run concurrently per event and must be idempotent.
//
// Failed publishes and failed handlers are recorded in the
// [DeadLetterQueue], which schedules replays with exponential backoff and
// promotes entries to a terminal failed state after three attempts.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Canonical event types. EventType values follow a dotted namespace; the
// type stays a plain string for extensibility, but internal publishers use
// this set.
const (
	TypeSessionCreated        = "memory.session.created"
	TypeSessionMessageAdded   = "memory.session.message_added"
	TypeSessionContextUpdated = "memory.session.context_updated"
	TypeSessionDeleted        = "memory.session.deleted"
	TypeWorkingCreated        = "memory.working.created"
	TypeLongTermCreated       = "memory.longterm.created"
	TypeAgentRequestStarted   = "agent.request.started"
	TypeAgentRequestCompleted = "agent.request.completed"
	TypeAgentErrorOccurred    = "agent.error.occurred"
	TypeSystemCleanup         = "system.cleanup.triggered"
	TypeSystemHealthDegraded  = "system.health.degraded"
)

// Event is the value carried on the bus. Events are value-typed: duplicates
// under the same EventID are possible and handlers must tolerate them.
type Event struct {
	EventID   string         `json:"event_id"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	UserID    string         `json:"user_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewEvent builds an Event with a fresh id and a UTC timestamp.
func NewEvent(eventType string, payload map[string]any, userID string) Event {
	return Event{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Payload:   payload,
		UserID:    userID,
		Timestamp: time.Now().UTC(),
	}
}

// FailureStatus is the lifecycle state of an [EventFailure].
type FailureStatus string

const (
	// FailurePending means the failure is awaiting (another) replay.
	FailurePending FailureStatus = "pending"

	// FailureResolved means a replay succeeded. Terminal.
	FailureResolved FailureStatus = "resolved"

	// FailureFailed means the retry cap was reached. Terminal; such entries
	// are only removed by manual operation.
	FailureFailed FailureStatus = "failed"
)

// EventFailure is a dead-lettered event awaiting replay or inspection.
type EventFailure struct {
	FailureID    string         `json:"failure_id"`
	EventID      string         `json:"event_id"`
	EventType    string         `json:"event_type"`
	Payload      map[string]any `json:"payload"`
	UserID       string         `json:"user_id,omitempty"`
	ErrorMessage string         `json:"error_message"`
	StackTrace   string         `json:"stack_trace,omitempty"`
	RetryCount   int            `json:"retry_count"`

	// NextRetryAt is zero once the failure is terminal.
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`

	Status      FailureStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	LastRetryAt time.Time     `json:"last_retry_at,omitempty"`
	ResolvedAt  time.Time     `json:"resolved_at,omitempty"`
}
