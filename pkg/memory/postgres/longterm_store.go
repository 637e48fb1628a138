package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archonhq/archon/pkg/events"
	"github.com/archonhq/archon/pkg/memory"
	"github.com/archonhq/archon/pkg/types"
)

// LongTermStoreImpl implements [memory.LongTermStore] on PostgreSQL.
type LongTermStoreImpl struct {
	pool *pgxpool.Pool
	bus  EventPublisher

	decayWindow time.Duration
	decayFactor float64
	decayFloor  float64
}

const longTermColumns = `id, user_id, memory_type, content, metadata,
       created_at, last_accessed_at, access_count, importance_score`

// Create stores a new entry with the given importance score.
func (s *LongTermStoreImpl) Create(ctx context.Context, userID string, memoryType memory.LongTermMemoryType, content, metadata map[string]any, importance float64) (*memory.LongTermEntry, error) {
	if userID == "" {
		return nil, types.Validation("long-term store: user id is required")
	}
	if !memoryType.IsValid() {
		return nil, types.Validation("long-term store: invalid memory type %q", memoryType)
	}
	if importance < 0 || importance > 1 {
		return nil, types.Validation("long-term store: importance %v outside [0, 1]", importance)
	}

	contentJSON, metadataJSON, err := marshalDocs(content, metadata)
	if err != nil {
		return nil, types.Internal(err, "long-term store: marshal entry")
	}

	entry := &memory.LongTermEntry{
		ID:              uuid.NewString(),
		UserID:          userID,
		MemoryType:      memoryType,
		Content:         content,
		Metadata:        metadata,
		CreatedAt:       time.Now().UTC(),
		ImportanceScore: importance,
	}

	const q = `
		INSERT INTO long_term_memory
		    (id, user_id, memory_type, content, metadata, created_at,
		     access_count, importance_score)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7)`

	_, err = s.pool.Exec(ctx, q,
		entry.ID, userID, string(memoryType),
		contentJSON, metadataJSON, entry.CreatedAt, importance,
	)
	if err != nil {
		return nil, types.Transient(err, "long-term store: create")
	}

	s.publish(ctx, events.TypeLongTermCreated, map[string]any{
		"memory_id":   entry.ID,
		"memory_type": string(memoryType),
		"importance":  importance,
	}, userID)

	return entry, nil
}

// GetByType returns up to limit entries of memoryType for userID, most
// important first, ties broken by recency.
func (s *LongTermStoreImpl) GetByType(ctx context.Context, userID string, memoryType memory.LongTermMemoryType, limit int) ([]memory.LongTermEntry, error) {
	const q = `
		SELECT ` + longTermColumns + `
		FROM   long_term_memory
		WHERE  user_id = $1 AND memory_type = $2
		ORDER  BY importance_score DESC, created_at DESC
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, userID, string(memoryType), limit)
	if err != nil {
		return nil, types.Transient(err, "long-term store: get by type")
	}
	return collectLongTerm(rows)
}

// GetImportant returns up to limit entries with importance at or above
// minImportance, most important first.
func (s *LongTermStoreImpl) GetImportant(ctx context.Context, userID string, minImportance float64, limit int) ([]memory.LongTermEntry, error) {
	const q = `
		SELECT ` + longTermColumns + `
		FROM   long_term_memory
		WHERE  user_id = $1 AND importance_score >= $2
		ORDER  BY importance_score DESC, created_at DESC
		LIMIT  $3`

	rows, err := s.pool.Query(ctx, q, userID, minImportance, limit)
	if err != nil {
		return nil, types.Transient(err, "long-term store: get important")
	}
	return collectLongTerm(rows)
}

// UpdateAccess stamps the entry as accessed now and increments its access
// count by exactly one.
func (s *LongTermStoreImpl) UpdateAccess(ctx context.Context, id string) (*memory.LongTermEntry, error) {
	const q = `
		UPDATE long_term_memory
		SET    last_accessed_at = now(), access_count = access_count + 1
		WHERE  id = $1
		RETURNING ` + longTermColumns

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return nil, types.Transient(err, "long-term store: update access")
	}
	entries, err := collectLongTerm(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, types.NotFound("long-term entry %s not found", id)
	}
	return &entries[0], nil
}

// DecayImportance reduces the importance of entries that have gone unaccessed
// for the configured window, never below the floor. Entries already decayed
// today are skipped, so repeated runs within one day are no-ops.
func (s *LongTermStoreImpl) DecayImportance(ctx context.Context) (int, error) {
	const q = `
		UPDATE long_term_memory
		SET    importance_score = GREATEST($2::double precision, importance_score * $1),
		       last_decayed_at  = now()
		WHERE  COALESCE(last_accessed_at, created_at) < now() - $3::interval
		  AND  importance_score > $2
		  AND  (last_decayed_at IS NULL OR last_decayed_at < date_trunc('day', now()))`

	tag, err := s.pool.Exec(ctx, q, s.decayFactor, s.decayFloor, s.decayWindow.String())
	if err != nil {
		return 0, types.Transient(err, "long-term store: decay importance")
	}
	decayed := int(tag.RowsAffected())
	if decayed > 0 {
		slog.Info("long-term importance decayed", "entries", decayed)
	}
	return decayed, nil
}

// Ping probes the backing record store.
func (s *LongTermStoreImpl) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *LongTermStoreImpl) publish(ctx context.Context, eventType string, payload map[string]any, userID string) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, eventType, payload, userID); err != nil {
		slog.Warn("long-term store: event publish failed", "event_type", eventType, "err", err)
	}
}

// collectLongTerm scans pgx rows into long-term entries.
func collectLongTerm(rows pgx.Rows) ([]memory.LongTermEntry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.LongTermEntry, error) {
		var (
			e            memory.LongTermEntry
			memoryType   string
			contentJSON  []byte
			metadataJSON []byte
			lastAccessed *time.Time
		)
		if err := row.Scan(
			&e.ID, &e.UserID, &memoryType,
			&contentJSON, &metadataJSON,
			&e.CreatedAt, &lastAccessed, &e.AccessCount, &e.ImportanceScore,
		); err != nil {
			return memory.LongTermEntry{}, err
		}
		e.MemoryType = memory.LongTermMemoryType(memoryType)
		if lastAccessed != nil {
			e.LastAccessedAt = *lastAccessed
		}
		if err := unmarshalDocs(contentJSON, metadataJSON, &e.Content, &e.Metadata); err != nil {
			return memory.LongTermEntry{}, err
		}
		return e, nil
	})
	if err != nil {
		return nil, types.Transient(err, "long-term store: scan rows")
	}
	if entries == nil {
		entries = []memory.LongTermEntry{}
	}
	return entries, nil
}
