// Package mock provides in-memory test doubles for the memory layer
// interfaces.
//
// Each mock records every method call for assertion in tests and exposes
// exported fields that control what the mock returns. All mocks are safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := &mock.WorkingStore{}
//	store.GetRecentResult = []memory.WorkingEntry{{ID: "m-1"}}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("GetRecent"); got != 1 {
//	    t.Errorf("expected 1 GetRecent call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/archonhq/archon/pkg/memory"
)

// Compile-time interface checks.
var (
	_ memory.SessionStore  = (*SessionStore)(nil)
	_ memory.WorkingStore  = (*WorkingStore)(nil)
	_ memory.LongTermStore = (*LongTermStore)(nil)
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// recorder is the shared call log embedded by every mock.
type recorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *recorder) record(method string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded method invocations.
func (r *recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (r *recorder) CallCount(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// SessionStore is a configurable test double for [memory.SessionStore].
// All exported *Err fields default to nil (success).
type SessionStore struct {
	recorder

	// CreateSessionResult is returned by CreateSession when non-nil.
	CreateSessionResult *memory.Session

	// CreateSessionErr is returned by CreateSession when non-nil.
	CreateSessionErr error

	// GetSessionResult is returned by GetSession when non-nil.
	GetSessionResult *memory.Session

	// GetSessionErr is returned by GetSession when non-nil.
	GetSessionErr error

	// AddMessageErr is returned by AddMessage when non-nil.
	AddMessageErr error

	// UpdateContextErr is returned by UpdateContext when non-nil.
	UpdateContextErr error

	// DeleteSessionErr is returned by DeleteSession when non-nil.
	DeleteSessionErr error

	// PingErr is returned by Ping when non-nil.
	PingErr error
}

func (m *SessionStore) CreateSession(_ context.Context, userID, sessionID string) (*memory.Session, error) {
	m.record("CreateSession", userID, sessionID)
	if m.CreateSessionErr != nil {
		return nil, m.CreateSessionErr
	}
	if m.CreateSessionResult != nil {
		return m.CreateSessionResult, nil
	}
	return &memory.Session{SessionID: sessionID, UserID: userID}, nil
}

func (m *SessionStore) GetSession(_ context.Context, sessionID string) (*memory.Session, error) {
	m.record("GetSession", sessionID)
	if m.GetSessionErr != nil {
		return nil, m.GetSessionErr
	}
	if m.GetSessionResult != nil {
		return m.GetSessionResult, nil
	}
	return &memory.Session{SessionID: sessionID}, nil
}

func (m *SessionStore) AddMessage(_ context.Context, sessionID string, msg memory.Message) (*memory.Session, error) {
	m.record("AddMessage", sessionID, msg)
	if m.AddMessageErr != nil {
		return nil, m.AddMessageErr
	}
	return &memory.Session{SessionID: sessionID, Messages: []memory.Message{msg}}, nil
}

func (m *SessionStore) UpdateContext(_ context.Context, sessionID string, updates memory.SessionContext) (*memory.Session, error) {
	m.record("UpdateContext", sessionID, updates)
	if m.UpdateContextErr != nil {
		return nil, m.UpdateContextErr
	}
	return &memory.Session{SessionID: sessionID, Context: updates}, nil
}

func (m *SessionStore) DeleteSession(_ context.Context, sessionID string) error {
	m.record("DeleteSession", sessionID)
	return m.DeleteSessionErr
}

func (m *SessionStore) Ping(context.Context) error {
	m.record("Ping")
	return m.PingErr
}

// WorkingStore is a configurable test double for [memory.WorkingStore].
type WorkingStore struct {
	recorder

	// CreateResult is returned by Create when non-nil.
	CreateResult *memory.WorkingEntry

	// CreateErr is returned by Create when non-nil.
	CreateErr error

	// GetRecentResult is returned by GetRecent. When nil, GetRecent returns
	// an empty non-nil slice.
	GetRecentResult []memory.WorkingEntry

	// GetRecentErr is returned by GetRecent when non-nil.
	GetRecentErr error

	// GetBySessionResult is returned by GetBySession. When nil, GetBySession
	// returns an empty non-nil slice.
	GetBySessionResult []memory.WorkingEntry

	// GetBySessionErr is returned by GetBySession when non-nil.
	GetBySessionErr error

	// MarkPromotedErr is returned by MarkPromoted when non-nil.
	MarkPromotedErr error

	// CleanupExpiredResult is returned by CleanupExpired.
	CleanupExpiredResult int

	// CleanupExpiredErr is returned by CleanupExpired when non-nil.
	CleanupExpiredErr error

	// PingErr is returned by Ping when non-nil.
	PingErr error
}

func (m *WorkingStore) Create(_ context.Context, userID string, memoryType memory.WorkingMemoryType, content, metadata map[string]any, sessionID string, ttl time.Duration) (*memory.WorkingEntry, error) {
	m.record("Create", userID, memoryType, content, metadata, sessionID, ttl)
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	if m.CreateResult != nil {
		return m.CreateResult, nil
	}
	return &memory.WorkingEntry{UserID: userID, MemoryType: memoryType, Content: content}, nil
}

func (m *WorkingStore) GetRecent(_ context.Context, userID string, memoryType memory.WorkingMemoryType, limit int) ([]memory.WorkingEntry, error) {
	m.record("GetRecent", userID, memoryType, limit)
	if m.GetRecentErr != nil {
		return nil, m.GetRecentErr
	}
	if m.GetRecentResult == nil {
		return []memory.WorkingEntry{}, nil
	}
	return m.GetRecentResult, nil
}

func (m *WorkingStore) GetBySession(_ context.Context, sessionID string) ([]memory.WorkingEntry, error) {
	m.record("GetBySession", sessionID)
	if m.GetBySessionErr != nil {
		return nil, m.GetBySessionErr
	}
	if m.GetBySessionResult == nil {
		return []memory.WorkingEntry{}, nil
	}
	return m.GetBySessionResult, nil
}

func (m *WorkingStore) MarkPromoted(_ context.Context, id, longTermID string) error {
	m.record("MarkPromoted", id, longTermID)
	return m.MarkPromotedErr
}

func (m *WorkingStore) CleanupExpired(context.Context) (int, error) {
	m.record("CleanupExpired")
	return m.CleanupExpiredResult, m.CleanupExpiredErr
}

func (m *WorkingStore) Ping(context.Context) error {
	m.record("Ping")
	return m.PingErr
}

// LongTermStore is a configurable test double for [memory.LongTermStore].
type LongTermStore struct {
	recorder

	// CreateResult is returned by Create when non-nil.
	CreateResult *memory.LongTermEntry

	// CreateErr is returned by Create when non-nil.
	CreateErr error

	// GetByTypeResult is returned by GetByType. When nil, GetByType returns
	// an empty non-nil slice.
	GetByTypeResult []memory.LongTermEntry

	// GetByTypeErr is returned by GetByType when non-nil.
	GetByTypeErr error

	// GetImportantResult is returned by GetImportant. When nil, GetImportant
	// returns an empty non-nil slice.
	GetImportantResult []memory.LongTermEntry

	// GetImportantErr is returned by GetImportant when non-nil.
	GetImportantErr error

	// UpdateAccessResult is returned by UpdateAccess when non-nil.
	UpdateAccessResult *memory.LongTermEntry

	// UpdateAccessErr is returned by UpdateAccess when non-nil.
	UpdateAccessErr error

	// DecayImportanceResult is returned by DecayImportance.
	DecayImportanceResult int

	// DecayImportanceErr is returned by DecayImportance when non-nil.
	DecayImportanceErr error

	// PingErr is returned by Ping when non-nil.
	PingErr error
}

func (m *LongTermStore) Create(_ context.Context, userID string, memoryType memory.LongTermMemoryType, content, metadata map[string]any, importance float64) (*memory.LongTermEntry, error) {
	m.record("Create", userID, memoryType, content, metadata, importance)
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	if m.CreateResult != nil {
		return m.CreateResult, nil
	}
	return &memory.LongTermEntry{UserID: userID, MemoryType: memoryType, Content: content, ImportanceScore: importance}, nil
}

func (m *LongTermStore) GetByType(_ context.Context, userID string, memoryType memory.LongTermMemoryType, limit int) ([]memory.LongTermEntry, error) {
	m.record("GetByType", userID, memoryType, limit)
	if m.GetByTypeErr != nil {
		return nil, m.GetByTypeErr
	}
	if m.GetByTypeResult == nil {
		return []memory.LongTermEntry{}, nil
	}
	return m.GetByTypeResult, nil
}

func (m *LongTermStore) GetImportant(_ context.Context, userID string, minImportance float64, limit int) ([]memory.LongTermEntry, error) {
	m.record("GetImportant", userID, minImportance, limit)
	if m.GetImportantErr != nil {
		return nil, m.GetImportantErr
	}
	if m.GetImportantResult == nil {
		return []memory.LongTermEntry{}, nil
	}
	return m.GetImportantResult, nil
}

func (m *LongTermStore) UpdateAccess(_ context.Context, id string) (*memory.LongTermEntry, error) {
	m.record("UpdateAccess", id)
	if m.UpdateAccessErr != nil {
		return nil, m.UpdateAccessErr
	}
	if m.UpdateAccessResult != nil {
		return m.UpdateAccessResult, nil
	}
	return &memory.LongTermEntry{ID: id, AccessCount: 1}, nil
}

func (m *LongTermStore) DecayImportance(context.Context) (int, error) {
	m.record("DecayImportance")
	return m.DecayImportanceResult, m.DecayImportanceErr
}

func (m *LongTermStore) Ping(context.Context) error {
	m.record("Ping")
	return m.PingErr
}
