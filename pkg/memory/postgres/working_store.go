package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archonhq/archon/pkg/events"
	"github.com/archonhq/archon/pkg/memory"
	"github.com/archonhq/archon/pkg/types"
)

// WorkingStoreImpl implements [memory.WorkingStore] on PostgreSQL.
type WorkingStoreImpl struct {
	pool             *pgxpool.Pool
	bus              EventPublisher
	cleanupThreshold float64
	defaultTTL       time.Duration
}

const workingColumns = `id, user_id, session_id, memory_type, content, metadata,
       created_at, expires_at, relevance_score, promoted_to`

// Create stores a new entry expiring ttl from now with relevance 1.0. A
// non-positive ttl falls back to the store default when one is configured.
func (s *WorkingStoreImpl) Create(ctx context.Context, userID string, memoryType memory.WorkingMemoryType, content, metadata map[string]any, sessionID string, ttl time.Duration) (*memory.WorkingEntry, error) {
	if userID == "" {
		return nil, types.Validation("working store: user id is required")
	}
	if !memoryType.IsValid() {
		return nil, types.Validation("working store: invalid memory type %q", memoryType)
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if ttl <= 0 {
		return nil, types.Validation("working store: ttl must be positive, got %s", ttl)
	}

	contentJSON, metadataJSON, err := marshalDocs(content, metadata)
	if err != nil {
		return nil, types.Internal(err, "working store: marshal entry")
	}

	now := time.Now().UTC()
	entry := &memory.WorkingEntry{
		ID:             uuid.NewString(),
		UserID:         userID,
		SessionID:      sessionID,
		MemoryType:     memoryType,
		Content:        content,
		Metadata:       metadata,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		RelevanceScore: 1.0,
	}

	const q = `
		INSERT INTO working_memory
		    (id, user_id, session_id, memory_type, content, metadata,
		     created_at, expires_at, relevance_score, promoted_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1.0, '')`

	_, err = s.pool.Exec(ctx, q,
		entry.ID, userID, sessionID, string(memoryType),
		contentJSON, metadataJSON, entry.CreatedAt, entry.ExpiresAt,
	)
	if err != nil {
		return nil, types.Transient(err, "working store: create")
	}

	s.publish(ctx, events.TypeWorkingCreated, map[string]any{
		"memory_id":   entry.ID,
		"memory_type": string(memoryType),
		"session_id":  sessionID,
	}, userID)

	return entry, nil
}

// GetRecent returns up to limit live entries for userID, newest first.
// memoryType narrows the result when non-empty.
func (s *WorkingStoreImpl) GetRecent(ctx context.Context, userID string, memoryType memory.WorkingMemoryType, limit int) ([]memory.WorkingEntry, error) {
	q := `
		SELECT ` + workingColumns + `
		FROM   working_memory
		WHERE  user_id = $1
		  AND  expires_at > now()`
	args := []any{userID}
	if memoryType != "" {
		args = append(args, string(memoryType))
		q += fmt.Sprintf("\n  AND  memory_type = $%d", len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf("\nORDER  BY created_at DESC\nLIMIT  $%d", len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, types.Transient(err, "working store: get recent")
	}
	return collectWorking(rows)
}

// GetBySession returns all live entries recorded under sessionID, newest
// first.
func (s *WorkingStoreImpl) GetBySession(ctx context.Context, sessionID string) ([]memory.WorkingEntry, error) {
	const q = `
		SELECT ` + workingColumns + `
		FROM   working_memory
		WHERE  session_id = $1
		  AND  expires_at > now()
		ORDER  BY created_at DESC`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, types.Transient(err, "working store: get by session")
	}
	return collectWorking(rows)
}

// GetPromotable returns live, not-yet-promoted entries across all users with
// a relevance score at or above minRelevance, oldest first so that repeated
// batches drain the backlog in order.
func (s *WorkingStoreImpl) GetPromotable(ctx context.Context, minRelevance float64, limit int) ([]memory.WorkingEntry, error) {
	const q = `
		SELECT ` + workingColumns + `
		FROM   working_memory
		WHERE  promoted_to = ''
		  AND  relevance_score >= $1
		  AND  expires_at > now()
		ORDER  BY created_at ASC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, minRelevance, limit)
	if err != nil {
		return nil, types.Transient(err, "working store: get promotable")
	}
	return collectWorking(rows)
}

// MarkPromoted stamps the entry with the long-term entry it was consolidated
// into. Already-promoted entries are left untouched.
func (s *WorkingStoreImpl) MarkPromoted(ctx context.Context, id, longTermID string) error {
	const q = `
		UPDATE working_memory
		SET    promoted_to = $2
		WHERE  id = $1 AND promoted_to = ''`

	tag, err := s.pool.Exec(ctx, q, id, longTermID)
	if err != nil {
		return types.Transient(err, "working store: mark promoted")
	}
	if tag.RowsAffected() == 0 {
		return types.NotFound("working entry %s not found or already promoted", id)
	}
	return nil
}

// CleanupExpired deletes entries whose expiry has passed. A positive
// relevance threshold spares expired entries scored above it; a threshold of
// zero deletes every expired entry.
func (s *WorkingStoreImpl) CleanupExpired(ctx context.Context) (int, error) {
	q := `
		DELETE FROM working_memory
		WHERE  expires_at <= now()`
	var args []any
	if s.cleanupThreshold > 0 {
		q += "\n  AND  relevance_score <= $1"
		args = append(args, s.cleanupThreshold)
	}

	tag, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return 0, types.Transient(err, "working store: cleanup expired")
	}
	return int(tag.RowsAffected()), nil
}

// Ping probes the backing record store.
func (s *WorkingStoreImpl) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *WorkingStoreImpl) publish(ctx context.Context, eventType string, payload map[string]any, userID string) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, eventType, payload, userID); err != nil {
		slog.Warn("working store: event publish failed", "event_type", eventType, "err", err)
	}
}

// collectWorking scans pgx rows into working entries.
func collectWorking(rows pgx.Rows) ([]memory.WorkingEntry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.WorkingEntry, error) {
		var (
			e            memory.WorkingEntry
			memoryType   string
			contentJSON  []byte
			metadataJSON []byte
		)
		if err := row.Scan(
			&e.ID, &e.UserID, &e.SessionID, &memoryType,
			&contentJSON, &metadataJSON,
			&e.CreatedAt, &e.ExpiresAt, &e.RelevanceScore, &e.PromotedTo,
		); err != nil {
			return memory.WorkingEntry{}, err
		}
		e.MemoryType = memory.WorkingMemoryType(memoryType)
		if err := unmarshalDocs(contentJSON, metadataJSON, &e.Content, &e.Metadata); err != nil {
			return memory.WorkingEntry{}, err
		}
		return e, nil
	})
	if err != nil {
		return nil, types.Transient(err, "working store: scan rows")
	}
	if entries == nil {
		entries = []memory.WorkingEntry{}
	}
	return entries, nil
}

// marshalDocs serializes the content and metadata documents, defaulting nil
// maps to empty objects.
func marshalDocs(content, metadata map[string]any) ([]byte, []byte, error) {
	if content == nil {
		content = map[string]any{}
	}
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal content: %w", err)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return contentJSON, metadataJSON, nil
}

func unmarshalDocs(contentJSON, metadataJSON []byte, content, metadata *map[string]any) error {
	if err := json.Unmarshal(contentJSON, content); err != nil {
		return fmt.Errorf("unmarshal content: %w", err)
	}
	if err := json.Unmarshal(metadataJSON, metadata); err != nil {
		return fmt.Errorf("unmarshal metadata: %w", err)
	}
	if len(*metadata) == 0 {
		*metadata = nil
	}
	return nil
}
