// Package postgres provides the PostgreSQL-backed layers of the Archon
// memory architecture: working memory (C2) and long-term memory (C3). Both
// layers share a single [pgxpool.Pool] connection pool.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//
//	// C2
//	entry, _ := store.Working().Create(ctx, userID, memory.WorkingDecision, content, nil, sessionID, 24*time.Hour)
//
//	// C3
//	fact, _ := store.LongTerm().Create(ctx, userID, memory.LongTermFact, content, nil, 0.9)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlWorkingMemory = `
CREATE TABLE IF NOT EXISTS working_memory (
    id               UUID         PRIMARY KEY,
    user_id          TEXT         NOT NULL,
    session_id       TEXT         NOT NULL DEFAULT '',
    memory_type      TEXT         NOT NULL,
    content          JSONB        NOT NULL DEFAULT '{}',
    metadata         JSONB        NOT NULL DEFAULT '{}',
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    expires_at       TIMESTAMPTZ  NOT NULL,
    relevance_score  DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    promoted_to      TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_working_memory_user_created
    ON working_memory (user_id, created_at DESC);

CREATE INDEX IF NOT EXISTS idx_working_memory_session
    ON working_memory (session_id);

CREATE INDEX IF NOT EXISTS idx_working_memory_expiry
    ON working_memory (expires_at);
`

const ddlLongTermMemory = `
CREATE TABLE IF NOT EXISTS long_term_memory (
    id                UUID         PRIMARY KEY,
    user_id           TEXT         NOT NULL,
    memory_type       TEXT         NOT NULL,
    content           JSONB        NOT NULL DEFAULT '{}',
    metadata          JSONB        NOT NULL DEFAULT '{}',
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_accessed_at  TIMESTAMPTZ,
    access_count      INT          NOT NULL DEFAULT 0,
    importance_score  DOUBLE PRECISION NOT NULL DEFAULT 0.5,
    last_decayed_at   TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_long_term_memory_user_type
    ON long_term_memory (user_id, memory_type, importance_score DESC);

CREATE INDEX IF NOT EXISTS idx_long_term_memory_user_importance
    ON long_term_memory (user_id, importance_score DESC);
`

// Migrate ensures all tables and indexes exist. Idempotent; safe to run on
// every startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlWorkingMemory, ddlLongTermMemory} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("postgres store: migrate: %w", err)
		}
	}
	return nil
}
