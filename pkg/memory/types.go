package memory

import (
	"time"
)

// Role identifies the author of a conversation [Message].
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// IsValid reports whether r is a recognised message role.
func (r Role) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Message is a single message in a conversation session. Messages are
// ordered within their session.
type Message struct {
	// Role is who authored the message.
	Role Role `json:"role"`

	// Content is the text content of the message.
	Content string `json:"content"`

	// Timestamp is when the message was recorded (UTC).
	Timestamp time.Time `json:"timestamp"`

	// Metadata carries optional free-form annotations.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SessionContext is the lightweight contextual state attached to a session.
type SessionContext struct {
	// ActiveProjectID is the project the conversation currently concerns.
	ActiveProjectID string `json:"active_project_id,omitempty"`

	// ActiveTaskIDs lists tasks referenced during the session.
	ActiveTaskIDs []string `json:"active_task_ids,omitempty"`

	// MentionedFiles lists file paths brought up during the session.
	MentionedFiles []string `json:"mentioned_files,omitempty"`

	// Metadata carries any further free-form session state.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Session is an ephemeral, TTL-refreshed conversation log scoped to a single
// conversation. Sessions live only in the session store (C1) and expire when
// not accessed within the store's TTL.
type Session struct {
	SessionID      string         `json:"session_id"`
	UserID         string         `json:"user_id"`
	StartedAt      time.Time      `json:"started_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	Messages       []Message      `json:"messages"`
	Context        SessionContext `json:"context"`
}

// WorkingMemoryType classifies a [WorkingEntry].
type WorkingMemoryType string

const (
	WorkingConversation WorkingMemoryType = "conversation"
	WorkingAction       WorkingMemoryType = "action"
	WorkingDecision     WorkingMemoryType = "decision"
	WorkingPreference   WorkingMemoryType = "preference"
	WorkingObservation  WorkingMemoryType = "observation"
	WorkingTask         WorkingMemoryType = "task"
)

// IsValid reports whether t is a recognised working memory type. Unknown
// values read back from storage are preserved as-is; IsValid guards writes.
func (t WorkingMemoryType) IsValid() bool {
	switch t {
	case WorkingConversation, WorkingAction, WorkingDecision,
		WorkingPreference, WorkingObservation, WorkingTask:
		return true
	}
	return false
}

// WorkingEntry is a medium-term memory record with an explicit expiry and a
// relevance score. Entries are logically deleted once ExpiresAt has passed.
type WorkingEntry struct {
	ID         string            `json:"id"`
	UserID     string            `json:"user_id"`
	SessionID  string            `json:"session_id,omitempty"`
	MemoryType WorkingMemoryType `json:"memory_type"`
	Content    map[string]any    `json:"content"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`

	// ExpiresAt is always strictly after CreatedAt.
	ExpiresAt time.Time `json:"expires_at"`

	// RelevanceScore is in [0, 1]. New entries start at 1.0.
	RelevanceScore float64 `json:"relevance_score"`

	// PromotedTo is the id of the long-term entry this entry was consolidated
	// into, or empty if it has not been promoted.
	PromotedTo string `json:"promoted_to,omitempty"`
}

// LongTermMemoryType classifies a [LongTermEntry].
type LongTermMemoryType string

const (
	LongTermFact         LongTermMemoryType = "fact"
	LongTermPreference   LongTermMemoryType = "preference"
	LongTermSkill        LongTermMemoryType = "skill"
	LongTermRelationship LongTermMemoryType = "relationship"
	LongTermGoal         LongTermMemoryType = "goal"
)

// IsValid reports whether t is a recognised long-term memory type.
func (t LongTermMemoryType) IsValid() bool {
	switch t {
	case LongTermFact, LongTermPreference, LongTermSkill,
		LongTermRelationship, LongTermGoal:
		return true
	}
	return false
}

// LongTermEntry is a permanent memory record ranked by importance.
//
// Invariants: AccessCount is monotonically non-decreasing; ImportanceScore
// may decay but never grows except on explicit write.
type LongTermEntry struct {
	ID         string             `json:"id"`
	UserID     string             `json:"user_id"`
	MemoryType LongTermMemoryType `json:"memory_type"`
	Content    map[string]any     `json:"content"`
	Metadata   map[string]any     `json:"metadata,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`

	// LastAccessedAt is zero until the first UpdateAccess call.
	LastAccessedAt time.Time `json:"last_accessed_at,omitempty"`

	AccessCount int `json:"access_count"`

	// ImportanceScore is in [0, 1].
	ImportanceScore float64 `json:"importance_score"`
}

// ContextStatus describes the health of an [AssembledContext].
type ContextStatus string

const (
	// StatusHealthy means every requested layer contributed.
	StatusHealthy ContextStatus = "healthy"

	// StatusDegraded means at least one layer was skipped due to an error or
	// an open circuit breaker.
	StatusDegraded ContextStatus = "degraded"

	// StatusCached means all layers failed and a last-known-good snapshot
	// was returned instead.
	StatusCached ContextStatus = "cached"

	// StatusNoCache means all layers failed and no cached snapshot existed.
	StatusNoCache ContextStatus = "no_cache"

	// StatusError means assembly itself failed on an exception path.
	StatusError ContextStatus = "error"
)

// AssembledContext is the unified, token-budgeted snapshot of session,
// working, and long-term memory handed to a model provider.
type AssembledContext struct {
	// Session is the full session when one was requested and found.
	Session *Session `json:"session,omitempty"`

	// RecentMemories are working entries in recency order.
	RecentMemories []WorkingEntry `json:"recent_memories"`

	// Facts are long-term entries in importance order.
	Facts []LongTermEntry `json:"facts"`

	// TotalTokens is the estimated token cost of everything included.
	TotalTokens int `json:"total_tokens"`

	// SourceCounts records how many items each layer contributed, keyed by
	// "session", "working", and "longterm".
	SourceCounts map[string]int `json:"source_counts"`

	Status ContextStatus `json:"status"`

	// Error describes the failure when Status is error.
	Error string `json:"error,omitempty"`
}
