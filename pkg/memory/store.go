// Package memory defines the three-layer memory architecture of the Archon
// substrate.
//
// The architecture is organised by retention horizon:
//
//   - Session store ([SessionStore]): ephemeral, TTL-refreshed conversation
//     logs keyed by session id. Backed by a keyed cache (Redis).
//   - Working store ([WorkingStore]): medium-term records with an explicit
//     expiry timestamp and a relevance score. Backed by the durable record
//     store (PostgreSQL).
//   - Long-term store ([LongTermStore]): permanent records ranked by an
//     importance score with access counters. Backed by the durable record
//     store (PostgreSQL).
//
// All interfaces are public so that external packages can supply alternative
// storage backends without depending on Archon internals.
//
// Every implementation must be safe for concurrent use. Store mutations
// publish change events through the event bus as a best-effort side effect:
// event publication must never fail the primary operation.
package memory

import (
	"context"
	"time"
)

// SessionStore is the ephemeral session layer (C1).
type SessionStore interface {
	// CreateSession creates a new session for userID. When sessionID is
	// non-empty and a live session already exists under it, the existing
	// session is returned unchanged.
	CreateSession(ctx context.Context, userID, sessionID string) (*Session, error)

	// GetSession returns the session stored under sessionID, refreshing its
	// TTL. Expired or unknown sessions return a not-found error.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// AddMessage appends msg to the session's message log. Concurrent calls
	// on the same session are serialized; no message is lost or duplicated.
	AddMessage(ctx context.Context, sessionID string, msg Message) (*Session, error)

	// UpdateContext merges the non-zero fields of updates into the session
	// context. Serialized per session like AddMessage.
	UpdateContext(ctx context.Context, sessionID string, updates SessionContext) (*Session, error)

	// DeleteSession removes the session. Deleting an unknown session is not
	// an error.
	DeleteSession(ctx context.Context, sessionID string) error

	// Ping probes the backing cache.
	Ping(ctx context.Context) error
}

// WorkingStore is the medium-term memory layer (C2).
type WorkingStore interface {
	// Create stores a new entry expiring ttl from now. sessionID may be
	// empty. The entry's relevance score starts at 1.0.
	Create(ctx context.Context, userID string, memoryType WorkingMemoryType, content, metadata map[string]any, sessionID string, ttl time.Duration) (*WorkingEntry, error)

	// GetRecent returns up to limit entries for userID ordered by creation
	// time descending. memoryType narrows the result when non-empty.
	GetRecent(ctx context.Context, userID string, memoryType WorkingMemoryType, limit int) ([]WorkingEntry, error)

	// GetBySession returns all entries recorded under sessionID, newest first.
	GetBySession(ctx context.Context, sessionID string) ([]WorkingEntry, error)

	// MarkPromoted stamps the entry with the long-term entry id it was
	// consolidated into, preventing double promotion.
	MarkPromoted(ctx context.Context, id, longTermID string) error

	// CleanupExpired deletes entries whose expiry has passed and whose
	// relevance is at or below the configured threshold. Returns the number
	// of rows removed.
	CleanupExpired(ctx context.Context) (int, error)

	// Ping probes the backing record store.
	Ping(ctx context.Context) error
}

// LongTermStore is the permanent memory layer (C3).
type LongTermStore interface {
	// Create stores a new entry with the given importance score in [0, 1].
	Create(ctx context.Context, userID string, memoryType LongTermMemoryType, content, metadata map[string]any, importance float64) (*LongTermEntry, error)

	// GetByType returns up to limit entries of memoryType for userID ordered
	// by importance descending, ties broken by creation time descending.
	GetByType(ctx context.Context, userID string, memoryType LongTermMemoryType, limit int) ([]LongTermEntry, error)

	// GetImportant returns up to limit entries with importance >=
	// minImportance, ordered by importance descending.
	GetImportant(ctx context.Context, userID string, minImportance float64, limit int) ([]LongTermEntry, error)

	// UpdateAccess sets the entry's last-accessed time to now and increments
	// its access count by exactly one.
	UpdateAccess(ctx context.Context, id string) (*LongTermEntry, error)

	// DecayImportance reduces the importance of entries unaccessed for the
	// configured window, down to the configured floor. Idempotent across
	// runs within the same day. Returns the number of rows decayed.
	DecayImportance(ctx context.Context) (int, error)

	// Ping probes the backing record store.
	Ping(ctx context.Context) error
}
