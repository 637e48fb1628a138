// Package assembler builds the unified, token-budgeted memory context that
// is injected into model requests.
//
// Assembly pulls from the three memory layers in strict priority order
// (session, then working, then long-term) under a token budget, with each
// layer fetched behind a circuit breaker and a transient-error retry. When
// every layer fails, the last known good context for the same user and
// session is served instead.
package assembler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/archonhq/archon/internal/resilience"
	"github.com/archonhq/archon/pkg/memory"
	"github.com/archonhq/archon/pkg/types"
)

// Breaker service names for the memory layers.
const (
	ServiceCache       = "cache"
	ServiceRecordStore = "record_store"
)

// Defaults for [Config] fields left zero.
const (
	DefaultMaxWorkingEntries    = 10
	DefaultImportanceThreshold  = 0.7
	DefaultMaxFacts             = 5
	DefaultWorkingReserveTokens = 1000
)

// Transient layer fetches retry with exponential backoff before the breaker
// counts a failure.
const (
	retryAttempts = 3
	retryBase     = time.Second
	retryMax      = 10 * time.Second
)

// Metrics receives assembly outcomes. A nil Metrics disables recording.
type Metrics interface {
	RecordContextAssembly(ctx context.Context, status string, duration time.Duration)
}

// Config tunes the budget policy. Zero fields take the package defaults.
type Config struct {
	// MaxWorkingEntries caps how many recent working entries are considered.
	MaxWorkingEntries int

	// ImportanceThreshold is the minimum long-term importance to include.
	ImportanceThreshold float64

	// MaxFacts caps how many long-term facts are considered.
	MaxFacts int

	// WorkingReserveTokens is the budget reserve that must remain before and
	// after including a working entry.
	WorkingReserveTokens int
}

func (c Config) withDefaults() Config {
	if c.MaxWorkingEntries <= 0 {
		c.MaxWorkingEntries = DefaultMaxWorkingEntries
	}
	if c.ImportanceThreshold <= 0 {
		c.ImportanceThreshold = DefaultImportanceThreshold
	}
	if c.MaxFacts <= 0 {
		c.MaxFacts = DefaultMaxFacts
	}
	if c.WorkingReserveTokens <= 0 {
		c.WorkingReserveTokens = DefaultWorkingReserveTokens
	}
	return c
}

// Assembler assembles memory context snapshots. Safe for concurrent use.
type Assembler struct {
	sessions memory.SessionStore
	working  memory.WorkingStore
	longTerm memory.LongTermStore
	breakers *resilience.Registry
	metrics  Metrics
	cfg      Config

	cacheMu  sync.RWMutex
	lastGood map[string]memory.AssembledContext

	accessUpdates sync.WaitGroup
}

// New creates an Assembler over the three memory layers. breakers must not
// be nil; metrics may be.
func New(sessions memory.SessionStore, working memory.WorkingStore, longTerm memory.LongTermStore, breakers *resilience.Registry, metrics Metrics, cfg Config) *Assembler {
	return &Assembler{
		sessions: sessions,
		working:  working,
		longTerm: longTerm,
		breakers: breakers,
		metrics:  metrics,
		cfg:      cfg.withDefaults(),
		lastGood: make(map[string]memory.AssembledContext),
	}
}

// Assemble builds a context for userID within maxTokens. sessionID may be
// empty to skip the session layer. maxTokens <= 0 returns an empty healthy
// context without touching any store. Assemble never returns an error;
// failures are reflected in the context status.
func (a *Assembler) Assemble(ctx context.Context, userID, sessionID string, maxTokens int) *memory.AssembledContext {
	start := time.Now()
	out := a.assemble(ctx, userID, sessionID, maxTokens)
	if a.metrics != nil {
		a.metrics.RecordContextAssembly(ctx, string(out.Status), time.Since(start))
	}
	return out
}

func (a *Assembler) assemble(ctx context.Context, userID, sessionID string, maxTokens int) (out *memory.AssembledContext) {
	out = emptyContext()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("context assembly panicked",
				slog.String("user_id", userID),
				slog.Any("panic", r))
			out = emptyContext()
			out.Status = memory.StatusError
			out.Error = fmt.Sprint(r)
		}
	}()

	if maxTokens <= 0 {
		return out
	}

	remaining := maxTokens
	attempted, failed := 0, 0

	// Session layer: included in full even when it alone blows the budget.
	if sessionID != "" {
		attempted++
		var sess *memory.Session
		err := a.fetchLayer(ctx, ServiceCache, func(ctx context.Context) error {
			s, err := a.sessions.GetSession(ctx, sessionID)
			if types.IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			sess = s
			return nil
		})
		switch {
		case err != nil:
			failed++
			slog.Warn("context assembly: session layer skipped",
				slog.String("session_id", sessionID), slog.Any("error", err))
		case sess != nil:
			out.Session = sess
			out.SourceCounts["session"] = 1
			remaining -= estimateTokens(sess)
		}
	}

	// Working layer: each inclusion must leave the configured reserve.
	if remaining >= a.cfg.WorkingReserveTokens {
		attempted++
		var entries []memory.WorkingEntry
		err := a.fetchLayer(ctx, ServiceRecordStore, func(ctx context.Context) error {
			var err error
			entries, err = a.working.GetRecent(ctx, userID, "", a.cfg.MaxWorkingEntries)
			return err
		})
		if err != nil {
			failed++
			slog.Warn("context assembly: working layer skipped",
				slog.String("user_id", userID), slog.Any("error", err))
		} else {
			for _, e := range entries {
				cost := estimateTokens(e)
				if remaining-cost < a.cfg.WorkingReserveTokens {
					break
				}
				out.RecentMemories = append(out.RecentMemories, e)
				remaining -= cost
			}
			out.SourceCounts["working"] = len(out.RecentMemories)
		}
	}

	// Long-term layer: facts fill whatever budget is left.
	if remaining >= 1 {
		attempted++
		var facts []memory.LongTermEntry
		err := a.fetchLayer(ctx, ServiceRecordStore, func(ctx context.Context) error {
			var err error
			facts, err = a.longTerm.GetImportant(ctx, userID, a.cfg.ImportanceThreshold, a.cfg.MaxFacts)
			return err
		})
		if err != nil {
			failed++
			slog.Warn("context assembly: long-term layer skipped",
				slog.String("user_id", userID), slog.Any("error", err))
		} else {
			for _, f := range facts {
				cost := estimateTokens(f)
				if cost > remaining {
					continue
				}
				out.Facts = append(out.Facts, f)
				remaining -= cost
				a.touchFact(ctx, f.ID)
			}
			out.SourceCounts["longterm"] = len(out.Facts)
		}
	}

	out.TotalTokens = maxTokens - remaining

	if attempted > 0 && failed == attempted {
		if cached, ok := a.loadLastGood(userID, sessionID); ok {
			cached.Status = memory.StatusCached
			return &cached
		}
		out = emptyContext()
		out.Status = memory.StatusNoCache
		return out
	}
	if failed > 0 {
		out.Status = memory.StatusDegraded
		return out
	}
	a.storeLastGood(userID, sessionID, *out)
	return out
}

// fetchLayer runs fn behind the named breaker with transient retry. An open
// breaker skips the layer without counting a failure.
func (a *Assembler) fetchLayer(ctx context.Context, service string, fn func(context.Context) error) error {
	cb := a.breakers.Get(service)
	if !cb.Allow() {
		return fmt.Errorf("%s: %w", service, resilience.ErrCircuitOpen)
	}
	err := retryTransient(ctx, fn)
	if err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// retryTransient retries fn on transient errors with exponential backoff.
// Non-transient errors return immediately.
func retryTransient(ctx context.Context, fn func(context.Context) error) error {
	delay := retryBase
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay = min(delay*2, retryMax)
		}
		err = fn(ctx)
		if err == nil || !types.IsTransient(err) {
			return err
		}
	}
	return err
}

// touchFact bumps the fact's access stats off the request path. Failures
// never affect assembly.
func (a *Assembler) touchFact(ctx context.Context, id string) {
	a.accessUpdates.Add(1)
	go func() {
		defer a.accessUpdates.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := a.longTerm.UpdateAccess(ctx, id); err != nil {
			slog.Debug("fact access update failed",
				slog.String("id", id), slog.Any("error", err))
		}
	}()
}

func (a *Assembler) loadLastGood(userID, sessionID string) (memory.AssembledContext, bool) {
	a.cacheMu.RLock()
	defer a.cacheMu.RUnlock()
	snap, ok := a.lastGood[userID+":"+sessionID]
	return snap, ok
}

// storeLastGood keeps a fallback snapshot. Only fully healthy assemblies
// qualify; a degraded snapshot would mask which layers recovered.
func (a *Assembler) storeLastGood(userID, sessionID string, snap memory.AssembledContext) {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	a.lastGood[userID+":"+sessionID] = snap
}

func emptyContext() *memory.AssembledContext {
	return &memory.AssembledContext{
		RecentMemories: []memory.WorkingEntry{},
		Facts:          []memory.LongTermEntry{},
		SourceCounts:   map[string]int{},
		Status:         memory.StatusHealthy,
	}
}

// estimateTokens approximates the token cost of v as one token per four
// characters of its JSON form.
func estimateTokens(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b) / 4
}
