// Package redis implements the ephemeral session layer of the memory
// architecture on a Redis-compatible cache.
//
// Sessions are stored as JSON under "session:{id}" with a sliding TTL: every
// read or write refreshes the expiry, so a session lives for as long as it
// keeps being used plus one TTL window.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/archonhq/archon/pkg/events"
	"github.com/archonhq/archon/pkg/memory"
	"github.com/archonhq/archon/pkg/types"
)

var _ memory.SessionStore = (*SessionStore)(nil)

// DefaultTTL is the sliding session lifetime used when none is configured.
const DefaultTTL = time.Hour

const keyPrefix = "session:"

// lockStripes bounds the per-session mutex table. Two sessions may share a
// stripe; that only costs contention, never correctness.
const lockStripes = 64

// EventPublisher is the subset of the event bus the store needs. Publication
// is best-effort: a publish error never fails the store operation.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]any, userID string) error
}

// SessionStore implements [memory.SessionStore] on Redis.
//
// Mutations on the same session are serialized through striped locks so that
// concurrent read-modify-write cycles within one process cannot drop
// messages. All methods are safe for concurrent use.
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration
	bus    EventPublisher

	locks [lockStripes]sync.Mutex
}

// Option configures a [SessionStore].
type Option func(*SessionStore)

// WithTTL overrides the sliding session TTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *SessionStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithPublisher wires an event bus for best-effort change events.
func WithPublisher(bus EventPublisher) Option {
	return func(s *SessionStore) { s.bus = bus }
}

// NewSessionStore creates a session store on client.
func NewSessionStore(client *redis.Client, opts ...Option) *SessionStore {
	s := &SessionStore{
		client: client,
		ttl:    DefaultTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSession creates a new session for userID. When sessionID names a
// live session, that session is returned unchanged with a refreshed TTL.
func (s *SessionStore) CreateSession(ctx context.Context, userID, sessionID string) (*memory.Session, error) {
	if userID == "" {
		return nil, types.Validation("session store: user id is required")
	}

	if sessionID != "" {
		existing, err := s.load(ctx, sessionID, true)
		if err == nil {
			return existing, nil
		}
		if !types.IsNotFound(err) {
			return nil, err
		}
	} else {
		sessionID = uuid.NewString()
	}

	now := time.Now().UTC()
	session := &memory.Session{
		SessionID:      sessionID,
		UserID:         userID,
		StartedAt:      now,
		LastAccessedAt: now,
		Messages:       []memory.Message{},
	}
	if err := s.save(ctx, session); err != nil {
		return nil, err
	}

	s.publish(ctx, events.TypeSessionCreated, map[string]any{
		"session_id": sessionID,
	}, userID)

	slog.Info("session created", "session_id", sessionID, "user_id", userID)
	return session, nil
}

// GetSession returns the session stored under sessionID, refreshing its TTL.
func (s *SessionStore) GetSession(ctx context.Context, sessionID string) (*memory.Session, error) {
	return s.load(ctx, sessionID, true)
}

// AddMessage appends msg to the session's message log.
func (s *SessionStore) AddMessage(ctx context.Context, sessionID string, msg memory.Message) (*memory.Session, error) {
	if !msg.Role.IsValid() {
		return nil, types.Validation("session store: invalid message role %q", msg.Role)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.load(ctx, sessionID, false)
	if err != nil {
		return nil, err
	}
	session.Messages = append(session.Messages, msg)
	session.LastAccessedAt = time.Now().UTC()
	if err := s.save(ctx, session); err != nil {
		return nil, err
	}

	s.publish(ctx, events.TypeSessionMessageAdded, map[string]any{
		"session_id":    sessionID,
		"role":          string(msg.Role),
		"message_count": len(session.Messages),
	}, session.UserID)

	return session, nil
}

// UpdateContext merges the non-zero fields of updates into the session
// context. List and map fields replace wholesale; empty fields in updates
// leave the stored value untouched.
func (s *SessionStore) UpdateContext(ctx context.Context, sessionID string, updates memory.SessionContext) (*memory.Session, error) {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	session, err := s.load(ctx, sessionID, false)
	if err != nil {
		return nil, err
	}

	if updates.ActiveProjectID != "" {
		session.Context.ActiveProjectID = updates.ActiveProjectID
	}
	if updates.ActiveTaskIDs != nil {
		session.Context.ActiveTaskIDs = updates.ActiveTaskIDs
	}
	if updates.MentionedFiles != nil {
		session.Context.MentionedFiles = updates.MentionedFiles
	}
	if updates.Metadata != nil {
		if session.Context.Metadata == nil {
			session.Context.Metadata = make(map[string]any, len(updates.Metadata))
		}
		for k, v := range updates.Metadata {
			session.Context.Metadata[k] = v
		}
	}
	session.LastAccessedAt = time.Now().UTC()

	if err := s.save(ctx, session); err != nil {
		return nil, err
	}

	s.publish(ctx, events.TypeSessionContextUpdated, map[string]any{
		"session_id": sessionID,
	}, session.UserID)

	return session, nil
}

// DeleteSession removes the session. Unknown sessions are not an error.
func (s *SessionStore) DeleteSession(ctx context.Context, sessionID string) error {
	removed, err := s.client.Del(ctx, keyPrefix+sessionID).Result()
	if err != nil {
		return types.Transient(err, fmt.Sprintf("session store: delete %s", sessionID))
	}
	if removed > 0 {
		s.publish(ctx, events.TypeSessionDeleted, map[string]any{
			"session_id": sessionID,
		}, "")
		slog.Info("session deleted", "session_id", sessionID)
	}
	return nil
}

// Ping probes the backing cache.
func (s *SessionStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return types.Transient(err, "session store: ping")
	}
	return nil
}

// load reads a session, optionally refreshing its TTL in the same call.
func (s *SessionStore) load(ctx context.Context, sessionID string, refresh bool) (*memory.Session, error) {
	key := keyPrefix + sessionID

	var (
		data string
		err  error
	)
	if refresh {
		data, err = s.client.GetEx(ctx, key, s.ttl).Result()
	} else {
		data, err = s.client.Get(ctx, key).Result()
	}
	if errors.Is(err, redis.Nil) {
		return nil, types.NotFound("session %s not found or expired", sessionID)
	}
	if err != nil {
		return nil, types.Transient(err, fmt.Sprintf("session store: get %s", sessionID))
	}

	var session memory.Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, types.DataIntegrity("session store: corrupt session %s: %v", sessionID, err)
	}
	return &session, nil
}

// save serializes the session and writes it with a fresh TTL.
func (s *SessionStore) save(ctx context.Context, session *memory.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return types.Internal(err, fmt.Sprintf("session store: marshal %s", session.SessionID))
	}
	if err := s.client.Set(ctx, keyPrefix+session.SessionID, data, s.ttl).Err(); err != nil {
		return types.Transient(err, fmt.Sprintf("session store: set %s", session.SessionID))
	}
	return nil
}

// publish emits a change event. Failures are logged, never propagated.
func (s *SessionStore) publish(ctx context.Context, eventType string, payload map[string]any, userID string) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, eventType, payload, userID); err != nil {
		slog.Warn("session store: event publish failed",
			"event_type", eventType,
			"err", err,
		)
	}
}

func (s *SessionStore) lockFor(sessionID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(sessionID))
	return &s.locks[h.Sum32()%lockStripes]
}
