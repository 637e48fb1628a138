package workers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/archonhq/archon/pkg/events"
)

// DefaultCleanupInterval is the cleaner's run cadence.
const DefaultCleanupInterval = 24 * time.Hour

// EventPublisher publishes worker lifecycle events. Satisfied by
// *events.Bus.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]any, userID string) error
}

// ExpiredCleaner removes expired working entries. Satisfied by
// memory.WorkingStore.
type ExpiredCleaner interface {
	CleanupExpired(ctx context.Context) (int, error)
}

// ImportanceDecayer ages unaccessed long-term entries. Satisfied by
// memory.LongTermStore.
type ImportanceDecayer interface {
	DecayImportance(ctx context.Context) (int, error)
}

// Cleaner purges expired working memory and decays stale long-term
// importance, announcing each sweep on the bus.
type Cleaner struct {
	working  ExpiredCleaner
	longTerm ImportanceDecayer
	bus      EventPublisher
	interval time.Duration
}

// NewCleaner creates a Cleaner. interval <= 0 takes the default; bus may be
// nil.
func NewCleaner(working ExpiredCleaner, longTerm ImportanceDecayer, bus EventPublisher, interval time.Duration) *Cleaner {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return &Cleaner{working: working, longTerm: longTerm, bus: bus, interval: interval}
}

func (c *Cleaner) Name() string            { return "store_cleaner" }
func (c *Cleaner) Interval() time.Duration { return c.interval }

func (c *Cleaner) Run(ctx context.Context) error {
	expired, expiredErr := c.working.CleanupExpired(ctx)
	if expiredErr != nil {
		slog.Warn("cleanup: expired sweep failed", slog.Any("error", expiredErr))
	}
	decayed, decayErr := c.longTerm.DecayImportance(ctx)
	if decayErr != nil {
		slog.Warn("cleanup: importance decay failed", slog.Any("error", decayErr))
	}

	if c.bus != nil {
		err := c.bus.Publish(ctx, events.TypeSystemCleanup, map[string]any{
			"expired_removed":    expired,
			"importance_decayed": decayed,
		}, "")
		if err != nil {
			slog.Debug("cleanup: event publish failed", slog.Any("error", err))
		}
	}

	slog.Info("store cleanup completed",
		slog.Int("expired_removed", expired),
		slog.Int("importance_decayed", decayed))
	return errors.Join(expiredErr, decayErr)
}
