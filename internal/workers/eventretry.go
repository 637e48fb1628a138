package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/archonhq/archon/pkg/events"
)

// Event retry defaults.
const (
	DefaultEventRetryInterval = 5 * time.Minute
	DefaultDLQRetentionDays   = 30
	retryBatchLimit           = 100
)

// RetryQueue is the dead-letter surface the retrier drains. Satisfied by
// *events.DeadLetterQueue.
type RetryQueue interface {
	GetPendingRetries(ctx context.Context, limit int) ([]events.EventFailure, error)
	MarkRetryAttempt(ctx context.Context, failureID string, success bool, errMsg string) error
	CleanupOldResolved(ctx context.Context, days int) (int, error)
}

// EventRepublisher replays a dead-lettered event with its original identity
// intact. Satisfied by *events.Bus.
type EventRepublisher interface {
	Republish(ctx context.Context, evt events.Event) error
}

// EventRetrier republishes dead-lettered events that are due for another
// attempt, then purges old resolved entries.
type EventRetrier struct {
	queue         RetryQueue
	bus           EventRepublisher
	interval      time.Duration
	retentionDays int
}

// NewEventRetrier creates an EventRetrier. interval <= 0 and retentionDays
// <= 0 take the package defaults.
func NewEventRetrier(queue RetryQueue, bus EventRepublisher, interval time.Duration, retentionDays int) *EventRetrier {
	if interval <= 0 {
		interval = DefaultEventRetryInterval
	}
	if retentionDays <= 0 {
		retentionDays = DefaultDLQRetentionDays
	}
	return &EventRetrier{queue: queue, bus: bus, interval: interval, retentionDays: retentionDays}
}

func (r *EventRetrier) Name() string            { return "event_retry" }
func (r *EventRetrier) Interval() time.Duration { return r.interval }

func (r *EventRetrier) Run(ctx context.Context) error {
	failures, err := r.queue.GetPendingRetries(ctx, retryBatchLimit)
	if err != nil {
		return err
	}

	retried, resolved := 0, 0
	for _, f := range failures {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		retried++

		event := events.Event{
			EventID:   f.EventID,
			EventType: f.EventType,
			Payload:   f.Payload,
			UserID:    f.UserID,
			Timestamp: time.Now().UTC(),
		}
		pubErr := r.bus.Republish(ctx, event)
		msg := ""
		if pubErr != nil {
			msg = pubErr.Error()
		} else {
			resolved++
		}
		if err := r.queue.MarkRetryAttempt(ctx, f.FailureID, pubErr == nil, msg); err != nil {
			slog.Warn("event retry: mark attempt failed",
				slog.String("failure_id", f.FailureID), slog.Any("error", err))
		}
	}

	if retried > 0 {
		slog.Info("dead-lettered events retried",
			slog.Int("retried", retried), slog.Int("resolved", resolved))
	}

	if purged, err := r.queue.CleanupOldResolved(ctx, r.retentionDays); err != nil {
		slog.Warn("event retry: resolved cleanup failed", slog.Any("error", err))
	} else if purged > 0 {
		slog.Debug("resolved failures purged", slog.Int("purged", purged))
	}
	return nil
}
