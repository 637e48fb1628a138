package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archonhq/archon/pkg/types"
)

// DefaultChannel is the notification channel used when none is configured.
const DefaultChannel = "archon_events"

// reconnectDelay is how long the listener waits before re-acquiring a
// connection after a transport error.
const reconnectDelay = time.Second

// Handler processes one delivered event. Handlers run concurrently per event
// and must be idempotent; a returned error dead-letters the event for that
// handler without affecting sibling handlers.
type Handler func(ctx context.Context, evt Event) error

// FailureRecorder receives events whose publish or handling failed.
// Implemented by [DeadLetterQueue].
type FailureRecorder interface {
	RecordFailure(ctx context.Context, eventID, eventType string, payload map[string]any, cause error, userID string)
}

// Metrics receives bus telemetry. All methods must be non-blocking.
type Metrics interface {
	EventPublished(ctx context.Context, eventType, status string)
	EventHandled(ctx context.Context, eventType, status string)
}

// Bus is the process-wide event bus (C4). Publishing issues a NOTIFY on the
// configured channel through the shared connection pool; listening holds one
// dedicated connection per process.
//
// All methods are safe for concurrent use.
type Bus struct {
	pool    *pgxpool.Pool
	channel string
	dlq     FailureRecorder
	metrics Metrics

	mu          sync.RWMutex
	subscribers map[string][]Handler

	handlers sync.WaitGroup

	listening atomic.Bool

	stopMu   sync.Mutex
	stop     context.CancelFunc
	stopOnce *sync.Once
}

// BusConfig configures a [Bus].
type BusConfig struct {
	// Pool is the shared record store connection pool. Required for
	// publishing and listening.
	Pool *pgxpool.Pool

	// Channel is the notification channel name. Defaults to [DefaultChannel].
	Channel string

	// DLQ receives failed publishes and failed handler invocations.
	// Optional; when nil, failures are only logged.
	DLQ FailureRecorder

	// Metrics receives bus telemetry. Optional.
	Metrics Metrics
}

// NewBus creates a [Bus] from cfg.
func NewBus(cfg BusConfig) *Bus {
	channel := cfg.Channel
	if channel == "" {
		channel = DefaultChannel
	}
	return &Bus{
		pool:        cfg.Pool,
		channel:     channel,
		dlq:         cfg.DLQ,
		metrics:     cfg.Metrics,
		subscribers: make(map[string][]Handler),
	}
}

// Publish emits an event on the bus. When the underlying NOTIFY fails, the
// event is recorded in the DLQ before the error is returned to the caller.
func (b *Bus) Publish(ctx context.Context, eventType string, payload map[string]any, userID string) error {
	return b.send(ctx, NewEvent(eventType, payload, userID))
}

// Republish re-emits a previously constructed event, preserving its identity
// so handlers can deduplicate replays. Used by the event retry worker.
func (b *Bus) Republish(ctx context.Context, evt Event) error {
	return b.send(ctx, evt)
}

func (b *Bus) send(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return types.Internal(err, fmt.Sprintf("event bus: marshal %s", evt.EventType))
	}

	_, err = b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", b.channel, string(data))
	if err != nil {
		slog.Error("event publish failed",
			"event_type", evt.EventType,
			"event_id", evt.EventID,
			"err", err,
		)
		if b.dlq != nil {
			b.dlq.RecordFailure(ctx, evt.EventID, evt.EventType, evt.Payload, err, evt.UserID)
		}
		b.recordPublished(ctx, evt.EventType, "error")
		return types.Transient(err, fmt.Sprintf("event bus: publish %s", evt.EventType))
	}

	b.recordPublished(ctx, evt.EventType, "ok")
	slog.Debug("event published",
		"event_type", evt.EventType,
		"event_id", evt.EventID,
		"user_id", evt.UserID,
	)
	return nil
}

// Subscribe registers handler for events of the given type. Subscriptions
// made after an event was dispatched do not receive it retroactively.
// Wildcards are not supported.
func (b *Bus) Subscribe(eventType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)

	slog.Info("event subscription added",
		"event_type", eventType,
		"handlers", len(b.subscribers[eventType]),
	)
}

// StartListening blocks, holding one dedicated connection on the
// notification channel and dispatching incoming events until ctx is
// cancelled or [Bus.StopListening] is called. Transport errors trigger a
// reconnect after a short delay; the listener never gives up on its own.
func (b *Bus) StartListening(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.stopMu.Lock()
	b.stop = cancel
	b.stopOnce = &sync.Once{}
	b.stopMu.Unlock()
	defer cancel()

	b.listening.Store(true)
	defer b.listening.Store(false)

	slog.Info("event bus listening", "channel", b.channel)

	for {
		err := b.listenOnce(ctx)
		if ctx.Err() != nil {
			b.handlers.Wait()
			return nil
		}
		slog.Warn("event bus listener connection lost, reconnecting",
			"channel", b.channel,
			"err", err,
		)
		select {
		case <-ctx.Done():
			b.handlers.Wait()
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

// StopListening cancels the listener started by [Bus.StartListening]. It is
// safe to call multiple times and before StartListening.
func (b *Bus) StopListening() {
	b.stopMu.Lock()
	defer b.stopMu.Unlock()
	if b.stop != nil {
		b.stopOnce.Do(b.stop)
	}
}

// Listening reports whether the listener loop is currently running.
func (b *Bus) Listening() bool {
	return b.listening.Load()
}

// Ping probes the backing transport.
func (b *Bus) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

// listenOnce acquires a dedicated connection, LISTENs, and dispatches
// notifications until the connection or ctx fails.
func (b *Bus) listenOnce(ctx context.Context) error {
	poolConn, err := b.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("event bus: acquire listener connection: %w", err)
	}
	defer poolConn.Release()

	conn := poolConn.Conn()
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{b.channel}.Sanitize()); err != nil {
		return fmt.Errorf("event bus: listen on %q: %w", b.channel, err)
	}

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("event bus: wait for notification: %w", err)
		}
		b.dispatch(ctx, notification.Payload)
	}
}

// dispatch decodes a raw notification payload and fans it out to all
// handlers registered for its event type. Each handler runs in its own
// goroutine; a slow or failing handler never blocks or starves its siblings.
func (b *Bus) dispatch(ctx context.Context, payload string) {
	var evt Event
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		slog.Error("event processing failed: undecodable payload",
			"payload_prefix", truncate(payload, 100),
			"err", err,
		)
		return
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.subscribers[evt.EventType]))
	copy(handlers, b.subscribers[evt.EventType])
	b.mu.RUnlock()

	for _, h := range handlers {
		h := h
		b.handlers.Add(1)
		go func() {
			defer b.handlers.Done()
			b.invoke(ctx, evt, h)
		}()
	}

	slog.Debug("event dispatched",
		"event_type", evt.EventType,
		"event_id", evt.EventID,
		"handlers", len(handlers),
	)
}

// invoke runs one handler with panic isolation. Handler errors and panics
// are logged and dead-lettered; they never propagate.
func (b *Bus) invoke(ctx context.Context, evt Event, h Handler) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = types.Internal(fmt.Errorf("panic: %v", r), "event handler")
			}
		}()
		err = h(ctx, evt)
	}()

	if err != nil {
		slog.Error("event handler failed",
			"event_type", evt.EventType,
			"event_id", evt.EventID,
			"err", err,
		)
		if b.dlq != nil {
			b.dlq.RecordFailure(ctx, evt.EventID, evt.EventType, evt.Payload, err, evt.UserID)
		}
		b.recordHandled(ctx, evt.EventType, "error")
		return
	}
	b.recordHandled(ctx, evt.EventType, "ok")
}

// waitForHandlers blocks until all in-flight handler goroutines finish.
// Used by tests and the shutdown path.
func (b *Bus) waitForHandlers() {
	b.handlers.Wait()
}

func (b *Bus) recordPublished(ctx context.Context, eventType, status string) {
	if b.metrics != nil {
		b.metrics.EventPublished(ctx, eventType, status)
	}
}

func (b *Bus) recordHandled(ctx context.Context, eventType, status string) {
	if b.metrics != nil {
		b.metrics.EventHandled(ctx, eventType, status)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
