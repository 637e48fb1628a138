package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// retryBackoff is the replay schedule: first retry 5 minutes after the
// failure, then 30 minutes, then 2 hours. Indexed by retry count.
var retryBackoff = []time.Duration{
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
}

// maxRetries is the number of failed replay attempts after which a failure
// becomes terminal.
const maxRetries = 3

const ddlEventFailures = `
CREATE TABLE IF NOT EXISTS event_failures (
    id             UUID         PRIMARY KEY,
    event_id       TEXT         NOT NULL,
    event_type     TEXT         NOT NULL,
    payload        JSONB        NOT NULL DEFAULT '{}',
    user_id        TEXT         NOT NULL DEFAULT '',
    error_message  TEXT         NOT NULL DEFAULT '',
    stack_trace    TEXT         NOT NULL DEFAULT '',
    retry_count    INT          NOT NULL DEFAULT 0,
    next_retry_at  TIMESTAMPTZ,
    status         TEXT         NOT NULL DEFAULT 'pending',
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_retry_at  TIMESTAMPTZ,
    resolved_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_event_failures_pending
    ON event_failures (status, next_retry_at);

CREATE INDEX IF NOT EXISTS idx_event_failures_user
    ON event_failures (user_id, created_at);

CREATE TABLE IF NOT EXISTS event_replay_log (
    id                BIGSERIAL    PRIMARY KEY,
    event_failure_id  UUID         NOT NULL,
    success           BOOLEAN      NOT NULL,
    error_message     TEXT         NOT NULL DEFAULT '',
    created_at        TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_event_replay_log_failure
    ON event_replay_log (event_failure_id);
`

// DeadLetterQueue stores failed events in the durable record store and
// manages their replay schedule.
//
// DLQ write failures are logged but never propagated: losing a dead-letter
// record is preferable to failing the operation that produced it. All
// methods are safe for concurrent use.
type DeadLetterQueue struct {
	pool    *pgxpool.Pool
	metrics FailureMetrics
}

// FailureMetrics receives dead letter telemetry. Methods must be
// non-blocking. Satisfied by *observe.Metrics.
type FailureMetrics interface {
	RecordDLQFailure(ctx context.Context, eventType string)
}

// DLQOption configures a [DeadLetterQueue].
type DLQOption func(*DeadLetterQueue)

// WithFailureMetrics wires a metrics sink counting recorded failures.
func WithFailureMetrics(m FailureMetrics) DLQOption {
	return func(q *DeadLetterQueue) { q.metrics = m }
}

// NewDeadLetterQueue creates a DLQ backed by pool and ensures its tables
// exist.
func NewDeadLetterQueue(ctx context.Context, pool *pgxpool.Pool, opts ...DLQOption) (*DeadLetterQueue, error) {
	if _, err := pool.Exec(ctx, ddlEventFailures); err != nil {
		return nil, fmt.Errorf("dlq: migrate: %w", err)
	}
	q := &DeadLetterQueue{pool: pool}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// RecordFailure stores a new pending failure for the given event with the
// first retry scheduled 5 minutes out. Errors are logged, not returned.
func (q *DeadLetterQueue) RecordFailure(ctx context.Context, eventID, eventType string, payload map[string]any, cause error, userID string) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		slog.Error("dlq: marshal payload failed", "event_id", eventID, "err", err)
		payloadJSON = []byte("{}")
	}

	const q1 = `
		INSERT INTO event_failures
		    (id, event_id, event_type, payload, user_id, error_message, stack_trace,
		     retry_count, next_retry_at, status, created_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, 0, now() + $7::interval, 'pending', now())`

	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}

	_, err = q.pool.Exec(ctx, q1,
		eventID,
		eventType,
		payloadJSON,
		userID,
		errMsg,
		string(debug.Stack()),
		retryBackoff[0].String(),
	)
	if err != nil {
		// Even the DLQ can fail — log, never cascade.
		slog.Error("dlq: record failure failed", "event_id", eventID, "err", err)
		return
	}

	if q.metrics != nil {
		q.metrics.RecordDLQFailure(ctx, eventType)
	}
	slog.Warn("event failure recorded",
		"event_id", eventID,
		"event_type", eventType,
		"error", errMsg,
	)
}

// GetPendingRetries returns up to limit pending failures that are due for
// replay, ordered by next retry time ascending.
func (q *DeadLetterQueue) GetPendingRetries(ctx context.Context, limit int) ([]EventFailure, error) {
	const q1 = `
		SELECT id, event_id, event_type, payload, user_id, error_message, stack_trace,
		       retry_count, next_retry_at, status, created_at, last_retry_at, resolved_at
		FROM   event_failures
		WHERE  status = 'pending'
		  AND  next_retry_at <= now()
		  AND  retry_count < $1
		ORDER  BY next_retry_at
		LIMIT  $2`

	rows, err := q.pool.Query(ctx, q1, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("dlq: get pending retries: %w", err)
	}
	return collectFailures(rows)
}

// MarkRetryAttempt records the outcome of a replay attempt. On success the
// failure is resolved; on failure the retry count is incremented and either
// the next attempt is scheduled or, after the third failed attempt, the
// entry becomes terminally failed. Every attempt is appended to the replay
// audit log.
func (q *DeadLetterQueue) MarkRetryAttempt(ctx context.Context, failureID string, success bool, errMsg string) error {
	if success {
		const q1 = `
			UPDATE event_failures
			SET    status = 'resolved', resolved_at = now(), last_retry_at = now()
			WHERE  id = $1`
		if _, err := q.pool.Exec(ctx, q1, failureID); err != nil {
			return fmt.Errorf("dlq: mark resolved: %w", err)
		}
		q.appendReplayLog(ctx, failureID, true, "")
		slog.Info("event replay succeeded", "failure_id", failureID)
		return nil
	}

	var retryCount int
	if err := q.pool.QueryRow(ctx,
		`SELECT retry_count FROM event_failures WHERE id = $1`, failureID,
	).Scan(&retryCount); err != nil {
		return fmt.Errorf("dlq: load retry count: %w", err)
	}

	retryCount++
	if retryCount >= maxRetries {
		const q1 = `
			UPDATE event_failures
			SET    retry_count = $2, last_retry_at = now(), next_retry_at = NULL,
			       status = 'failed', error_message = $3
			WHERE  id = $1`
		if _, err := q.pool.Exec(ctx, q1, failureID, retryCount, errMsg); err != nil {
			return fmt.Errorf("dlq: mark failed: %w", err)
		}
		slog.Warn("event replay exhausted, marking failed",
			"failure_id", failureID, "retry_count", retryCount)
	} else {
		const q1 = `
			UPDATE event_failures
			SET    retry_count = $2, last_retry_at = now(),
			       next_retry_at = now() + $3::interval,
			       status = 'pending', error_message = $4
			WHERE  id = $1`
		if _, err := q.pool.Exec(ctx, q1, failureID, retryCount, retryBackoff[retryCount].String(), errMsg); err != nil {
			return fmt.Errorf("dlq: reschedule: %w", err)
		}
		slog.Warn("event replay failed, rescheduled",
			"failure_id", failureID,
			"retry_count", retryCount,
			"backoff", retryBackoff[retryCount])
	}

	q.appendReplayLog(ctx, failureID, false, errMsg)
	return nil
}

// GetFailedEvents returns terminally failed entries for manual inspection,
// newest first. userID narrows the result when non-empty.
func (q *DeadLetterQueue) GetFailedEvents(ctx context.Context, userID string, limit int) ([]EventFailure, error) {
	q1 := `
		SELECT id, event_id, event_type, payload, user_id, error_message, stack_trace,
		       retry_count, next_retry_at, status, created_at, last_retry_at, resolved_at
		FROM   event_failures
		WHERE  status = 'failed'`
	args := []any{}
	if userID != "" {
		args = append(args, userID)
		q1 += fmt.Sprintf("\n  AND  user_id = $%d", len(args))
	}
	args = append(args, limit)
	q1 += fmt.Sprintf("\nORDER  BY created_at DESC\nLIMIT  $%d", len(args))

	rows, err := q.pool.Query(ctx, q1, args...)
	if err != nil {
		return nil, fmt.Errorf("dlq: get failed events: %w", err)
	}
	return collectFailures(rows)
}

// CleanupOldResolved deletes resolved entries older than the given number of
// days. Terminally failed entries are never touched. Returns the number of
// rows removed.
func (q *DeadLetterQueue) CleanupOldResolved(ctx context.Context, days int) (int, error) {
	const q1 = `
		DELETE FROM event_failures
		WHERE  status = 'resolved'
		  AND  resolved_at < now() - ($1::int * interval '1 day')`

	tag, err := q.pool.Exec(ctx, q1, days)
	if err != nil {
		return 0, fmt.Errorf("dlq: cleanup resolved: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping probes the backing store.
func (q *DeadLetterQueue) Ping(ctx context.Context) error {
	return q.pool.Ping(ctx)
}

// appendReplayLog writes an audit row for a replay attempt. Failures are
// logged, not returned.
func (q *DeadLetterQueue) appendReplayLog(ctx context.Context, failureID string, success bool, errMsg string) {
	const q1 = `
		INSERT INTO event_replay_log (event_failure_id, success, error_message)
		VALUES ($1, $2, $3)`
	if _, err := q.pool.Exec(ctx, q1, failureID, success, errMsg); err != nil {
		slog.Error("dlq: append replay log failed", "failure_id", failureID, "err", err)
	}
}

// collectFailures scans pgx rows into EventFailure values.
func collectFailures(rows pgx.Rows) ([]EventFailure, error) {
	failures, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (EventFailure, error) {
		var (
			f           EventFailure
			payloadJSON []byte
			nextRetry   *time.Time
			lastRetry   *time.Time
			resolvedAt  *time.Time
		)
		if err := row.Scan(
			&f.FailureID,
			&f.EventID,
			&f.EventType,
			&payloadJSON,
			&f.UserID,
			&f.ErrorMessage,
			&f.StackTrace,
			&f.RetryCount,
			&nextRetry,
			&f.Status,
			&f.CreatedAt,
			&lastRetry,
			&resolvedAt,
		); err != nil {
			return EventFailure{}, err
		}
		if err := json.Unmarshal(payloadJSON, &f.Payload); err != nil {
			return EventFailure{}, err
		}
		if nextRetry != nil {
			f.NextRetryAt = *nextRetry
		}
		if lastRetry != nil {
			f.LastRetryAt = *lastRetry
		}
		if resolvedAt != nil {
			f.ResolvedAt = *resolvedAt
		}
		return f, nil
	})
	if err != nil {
		return nil, fmt.Errorf("dlq: scan rows: %w", err)
	}
	if failures == nil {
		failures = []EventFailure{}
	}
	return failures, nil
}
