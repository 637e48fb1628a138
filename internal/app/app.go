// Package app wires the Archon subsystems into a single runnable service:
// the memory stores, the event bus with its dead letter queue, the context
// assembler, the agent abstraction layer, the background workers, and the
// operational HTTP endpoints.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	agents "github.com/archonhq/archon/internal/aal"
	"github.com/archonhq/archon/internal/assembler"
	"github.com/archonhq/archon/internal/config"
	"github.com/archonhq/archon/internal/health"
	"github.com/archonhq/archon/internal/observe"
	"github.com/archonhq/archon/internal/resilience"
	"github.com/archonhq/archon/internal/workers"
	"github.com/archonhq/archon/pkg/events"
	"github.com/archonhq/archon/pkg/memory"
	"github.com/archonhq/archon/pkg/memory/postgres"
	redisstore "github.com/archonhq/archon/pkg/memory/redis"
)

// Connection and shutdown deadlines.
const (
	connectTimeout  = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

// App owns the full object graph. Build it with [New], drive it with
// [App.Run], and tear it down with [App.Shutdown].
type App struct {
	cfg *config.Config

	metrics    *observe.Metrics
	pool       *pgxpool.Pool
	sessions   memory.SessionStore
	store      *postgres.Store
	dlq        *events.DeadLetterQueue
	bus        *events.Bus
	breakers   *resilience.Registry
	assembler  *assembler.Assembler
	providers  *agents.Registry
	agents     *agents.Service
	supervisor *workers.Supervisor
	server     *http.Server

	closers  []func() error
	stopOnce sync.Once
}

// Option overrides part of the graph, mainly to inject test doubles.
type Option func(*App)

// WithSessionStore injects a session layer and skips Redis construction.
func WithSessionStore(s memory.SessionStore) Option {
	return func(a *App) { a.sessions = s }
}

// WithPool injects a record store connection pool and skips pool
// construction. The caller keeps ownership and must have run
// [postgres.Migrate].
func WithPool(pool *pgxpool.Pool) Option {
	return func(a *App) { a.pool = pool }
}

// New builds the object graph from cfg. Construction is fail-fast: any
// unreachable backing service aborts startup.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}

	// ── 1. Telemetry ──
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("app: create metrics: %w", err)
	}
	a.metrics = metrics

	// ── 2. Record store pool ──
	if a.pool == nil {
		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()

		pool, err := pgxpool.New(pingCtx, cfg.RecordStoreURL)
		if err != nil {
			return nil, fmt.Errorf("app: create record store pool: %w", err)
		}
		if err := pool.Ping(pingCtx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("app: ping record store: %w", err)
		}
		if err := postgres.Migrate(pingCtx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("app: %w", err)
		}
		a.pool = pool
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
	}

	// ── 3. Event bus and dead letter queue ──
	// The bus is the publisher of record: stores hold the bus, the bus
	// never references stores.
	a.dlq, err = events.NewDeadLetterQueue(ctx, a.pool, events.WithFailureMetrics(metrics))
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.bus = events.NewBus(events.BusConfig{
		Pool:    a.pool,
		Channel: cfg.EventChannel,
		DLQ:     a.dlq,
		Metrics: metrics,
	})

	// ── 4. Memory stores ──
	a.store = postgres.NewStoreWithPool(a.pool,
		postgres.WithPublisher(a.bus),
		postgres.WithCleanupRelevanceThreshold(cfg.Memory.CleanupRelevanceThreshold),
		postgres.WithWorkingDefaultTTL(cfg.Memory.WorkingDefaultTTL),
		postgres.WithDecayPolicy(cfg.Memory.DecayWindow, cfg.Memory.DecayFactor, cfg.Memory.DecayFloor),
	)
	if a.sessions == nil {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.CacheURL})

		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("app: ping cache: %w", err)
		}
		a.sessions = redisstore.NewSessionStore(client,
			redisstore.WithTTL(cfg.Memory.SessionTTL),
			redisstore.WithPublisher(a.bus),
		)
		a.closers = append(a.closers, client.Close)
	}

	// ── 5. Circuit breakers ──
	a.breakers = resilience.NewRegistry(resilience.Config{
		FailureThreshold: cfg.Breakers.FailureThreshold,
		ResetTimeout:     cfg.Breakers.ResetTimeout,
		SuccessThreshold: cfg.Breakers.SuccessThreshold,
		OnTransition: func(name string, from, to resilience.State) {
			metrics.RecordBreakerTransition(name, from.String(), to.String())
		},
	})
	if err := metrics.ObserveBreakers(a.breakers.AllStats); err != nil {
		return nil, fmt.Errorf("app: register breaker gauges: %w", err)
	}

	// ── 6. Context assembler ──
	a.assembler = assembler.New(a.sessions, a.store.Working(), a.store.LongTerm(),
		a.breakers, metrics, assembler.Config{
			ImportanceThreshold:  cfg.Memory.ImportanceThreshold,
			MaxFacts:             cfg.Memory.MaxFacts,
			WorkingReserveTokens: cfg.Memory.WorkingReserveTokens,
		})

	// ── 7. Agent abstraction layer ──
	a.providers = agents.NewRegistry()
	n := a.providers.Load(cfg.Providers)
	slog.Info("provider registry loaded", slog.Int("candidates", n))
	a.agents = agents.NewService(agents.ServiceConfig{
		Registry:  a.providers,
		Assembler: a.assembler,
		Breakers:  a.breakers,
		Metrics:   metrics,
		Bus:       a.bus,
	})

	// ── 8. Background workers ──
	a.supervisor = workers.NewSupervisor(metrics,
		workers.NewConsolidator(a.store.Working(), a.store.LongTerm(),
			cfg.Workers.ConsolidationInterval, 0),
		workers.NewCleaner(a.store.Working(), a.store.LongTerm(), a.bus,
			cfg.Workers.CleanupInterval),
		workers.NewEventRetrier(a.dlq, a.bus,
			cfg.Workers.EventRetryInterval, cfg.Workers.DLQRetentionDays),
	)

	// ── 9. Operational HTTP endpoints ──
	checker := health.NewChecker(pingerOf(a.sessions), a.store, a.bus, a.breakers, a.supervisor,
		health.WithPublisher(a.bus))
	mux := http.NewServeMux()
	health.NewHandler(checker).Register(mux)

	a.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// Agents returns the agent execution service.
func (a *App) Agents() *agents.Service { return a.agents }

// Assembler returns the context assembler.
func (a *App) Assembler() *assembler.Assembler { return a.assembler }

// Bus returns the event bus, for subscribing in-process handlers.
func (a *App) Bus() *events.Bus { return a.bus }

// Handler returns the operational HTTP handler, for tests.
func (a *App) Handler() http.Handler { return a.server.Handler }

// ReloadProviders swaps the provider candidate set from a fresh config.
// Wired to the config watcher so manifest edits take effect without a
// restart; in-flight requests keep the candidates they already selected.
func (a *App) ReloadProviders(cfg *config.Config) {
	n := a.providers.Load(cfg.Providers)
	slog.Info("provider registry reloaded", slog.Int("candidates", n))
}

// Run starts the event listener, the worker supervisor, and the HTTP server,
// then blocks until ctx is cancelled or a component fails fatally.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.bus.StartListening(ctx) })
	a.supervisor.Start(ctx)

	g.Go(func() error {
		slog.Info("archon serving", slog.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(stopCtx)
	})

	err := g.Wait()
	a.supervisor.Stop()
	return err
}

// Shutdown stops the listener and workers, then releases connections in
// reverse construction order. Safe to call multiple times; respects ctx as a
// deadline for the close chain.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("archon shutting down")
		a.bus.StopListening()
		a.supervisor.Stop()

		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := ctx.Err(); err != nil {
				errs = append(errs, fmt.Errorf("app: shutdown deadline: %w", err))
				return
			}
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// pingerOf returns v as a [health.Pinger] when it implements one. Injected
// doubles without a Ping method report healthy.
func pingerOf(v any) health.Pinger {
	p, _ := v.(health.Pinger)
	return p
}
