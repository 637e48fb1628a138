package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archonhq/archon/pkg/memory"
)

// Compile-time interface checks.
var (
	_ memory.WorkingStore  = (*WorkingStoreImpl)(nil)
	_ memory.LongTermStore = (*LongTermStoreImpl)(nil)
)

// Default maintenance parameters. Overridable per store via options.
const (
	// DefaultCleanupRelevanceThreshold is the relevance filter applied when
	// deleting expired working entries. Zero means no filter: every expired
	// entry is deleted regardless of its relevance score.
	DefaultCleanupRelevanceThreshold = 0.0

	// DefaultDecayWindow is how long a long-term entry must go unaccessed
	// before its importance decays.
	DefaultDecayWindow = 90 * 24 * time.Hour

	// DefaultDecayFactor is the multiplier applied on each decay pass.
	DefaultDecayFactor = 0.9

	// DefaultDecayFloor is the importance score decay never goes below.
	DefaultDecayFloor = 0.1
)

// EventPublisher is the subset of the event bus the store needs. Publication
// is best-effort and never fails the primary operation.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]any, userID string) error
}

// Store is the durable record store for Archon's medium- and long-term
// memory. It holds a single [pgxpool.Pool] and exposes the two layers as
// sub-types:
//
//   - [Store.Working] returns a [WorkingStoreImpl] implementing [memory.WorkingStore]
//   - [Store.LongTerm] returns a [LongTermStoreImpl] implementing [memory.LongTermStore]
//
// All operations are safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	working  *WorkingStoreImpl
	longTerm *LongTermStoreImpl
}

// Option configures a [Store].
type Option func(*Store)

// WithPublisher wires an event bus for best-effort change events.
func WithPublisher(bus EventPublisher) Option {
	return func(s *Store) {
		s.working.bus = bus
		s.longTerm.bus = bus
	}
}

// WithCleanupRelevanceThreshold makes cleanup spare expired working entries
// whose relevance score is above threshold. Zero or negative disables the
// filter.
func WithCleanupRelevanceThreshold(threshold float64) Option {
	return func(s *Store) { s.working.cleanupThreshold = threshold }
}

// WithWorkingDefaultTTL sets the expiry applied to working entries created
// without an explicit TTL. Without it, such creates are rejected.
func WithWorkingDefaultTTL(ttl time.Duration) Option {
	return func(s *Store) { s.working.defaultTTL = ttl }
}

// WithDecayPolicy overrides the long-term importance decay parameters.
func WithDecayPolicy(window time.Duration, factor, floor float64) Option {
	return func(s *Store) {
		s.longTerm.decayWindow = window
		s.longTerm.decayFactor = factor
		s.longTerm.decayFloor = floor
	}
}

// NewStore creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, and runs [Migrate] to ensure all required tables exist.
func NewStore(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: %w", err)
	}

	return NewStoreWithPool(pool, opts...), nil
}

// NewStoreWithPool creates a Store on an existing pool. The caller owns the
// pool and must have run [Migrate].
func NewStoreWithPool(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool: pool,
		working: &WorkingStoreImpl{
			pool:             pool,
			cleanupThreshold: DefaultCleanupRelevanceThreshold,
		},
		longTerm: &LongTermStoreImpl{
			pool:        pool,
			decayWindow: DefaultDecayWindow,
			decayFactor: DefaultDecayFactor,
			decayFloor:  DefaultDecayFloor,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Working returns the medium-term memory layer (C2).
func (s *Store) Working() *WorkingStoreImpl { return s.working }

// LongTerm returns the permanent memory layer (C3).
func (s *Store) LongTerm() *LongTermStoreImpl { return s.longTerm }

// Pool exposes the underlying connection pool for components that share it,
// such as the event bus and its dead letter queue.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping probes the record store.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
