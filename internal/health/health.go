// Package health implements the deep health check and its HTTP surface.
//
// The package exposes three endpoints:
//
//   - /healthz — liveness probe; always returns 200 OK.
//   - /readyz  — deep readiness probe over the cache, record store, event
//     bus, and workers; returns 503 only when some component is unhealthy.
//   - /metrics — Prometheus scrape endpoint.
//
// Component results aggregate as unhealthy > degraded > healthy: one
// unhealthy component marks the whole report unhealthy, one degraded
// component marks it degraded.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/archonhq/archon/internal/resilience"
	"github.com/archonhq/archon/internal/workers"
	"github.com/archonhq/archon/pkg/events"
)

// checkTimeout bounds each component probe.
const checkTimeout = 5 * time.Second

// Component statuses in ascending severity.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Pinger probes one backing service. Satisfied by the session store, the
// record store, and the bus.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BusProbe is the event bus surface the checker inspects.
type BusProbe interface {
	Pinger
	Listening() bool
}

// BreakerStats exposes circuit breaker snapshots. Satisfied by
// *resilience.Registry.
type BreakerStats interface {
	AllStats() map[string]resilience.Stats
}

// WorkerProbe exposes per-worker health. Satisfied by *workers.Supervisor.
type WorkerProbe interface {
	WorkerHealth() map[string]workers.Health
}

// EventPublisher receives degradation notifications. Satisfied by
// *events.Bus.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]any, userID string) error
}

// Component is the probe result for one dependency.
type Component struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// BusComponent is the probe result for the event bus.
type BusComponent struct {
	Status          string                      `json:"status"`
	Listening       bool                        `json:"listening"`
	CircuitBreakers map[string]resilience.Stats `json:"circuit_breakers,omitempty"`
	Error           string                      `json:"error,omitempty"`
}

// WorkersComponent is the probe result for the worker pool.
type WorkersComponent struct {
	Status  string                    `json:"status"`
	Workers map[string]workers.Health `json:"workers,omitempty"`
}

// Report is one deep health check result.
type Report struct {
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	Components struct {
		Cache       Component        `json:"cache"`
		RecordStore Component        `json:"record_store"`
		EventBus    BusComponent     `json:"event_bus"`
		Workers     WorkersComponent `json:"workers"`
	} `json:"components"`
}

// Checker performs the deep health check. Probes left nil are reported
// healthy, so partial wiring (e.g. in tests) stays usable.
type Checker struct {
	cache     Pinger
	store     Pinger
	bus       BusProbe
	breakers  BreakerStats
	workers   WorkerProbe
	publisher EventPublisher

	mu         sync.Mutex
	lastStatus string
}

// CheckerOption configures a [Checker].
type CheckerOption func(*Checker)

// WithPublisher emits a system.health.degraded event whenever the overall
// status worsens from one check to the next.
func WithPublisher(bus EventPublisher) CheckerOption {
	return func(c *Checker) { c.publisher = bus }
}

func NewChecker(cache, store Pinger, bus BusProbe, breakers BreakerStats, workers WorkerProbe, opts ...CheckerOption) *Checker {
	c := &Checker{
		cache:      cache,
		store:      store,
		bus:        bus,
		breakers:   breakers,
		workers:    workers,
		lastStatus: StatusHealthy,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check probes every component and aggregates the results.
func (c *Checker) Check(ctx context.Context) Report {
	var r Report
	r.Timestamp = time.Now().UTC()
	r.Components.Cache = c.ping(ctx, c.cache)
	r.Components.RecordStore = c.ping(ctx, c.store)
	r.Components.EventBus = c.checkBus(ctx)
	r.Components.Workers = c.checkWorkers()

	r.Status = worst(
		r.Components.Cache.Status,
		r.Components.RecordStore.Status,
		r.Components.EventBus.Status,
		r.Components.Workers.Status,
	)
	c.notifyTransition(ctx, r.Status)
	return r
}

// notifyTransition publishes system.health.degraded when the overall status
// changes to something other than healthy. Edge-triggered so repeated checks
// of an already-degraded system stay quiet.
func (c *Checker) notifyTransition(ctx context.Context, status string) {
	c.mu.Lock()
	prev := c.lastStatus
	c.lastStatus = status
	c.mu.Unlock()

	if c.publisher == nil || status == prev || status == StatusHealthy {
		return
	}
	err := c.publisher.Publish(ctx, events.TypeSystemHealthDegraded,
		map[string]any{"status": status, "previous": prev}, "")
	if err != nil {
		slog.Warn("health degradation event publish failed", slog.Any("error", err))
	}
}

func (c *Checker) ping(ctx context.Context, p Pinger) Component {
	if p == nil {
		return Component{Status: StatusHealthy}
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return Component{Status: StatusUnhealthy, Error: err.Error()}
	}
	return Component{Status: StatusHealthy}
}

func (c *Checker) checkBus(ctx context.Context) BusComponent {
	out := BusComponent{Status: StatusHealthy, Listening: true}
	if c.breakers != nil {
		out.CircuitBreakers = c.breakers.AllStats()
		for _, stats := range out.CircuitBreakers {
			if stats.State != resilience.StateClosed.String() {
				out.Status = StatusDegraded
			}
		}
	}
	if c.bus == nil {
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if err := c.bus.Ping(ctx); err != nil {
		out.Status = StatusUnhealthy
		out.Error = err.Error()
		return out
	}
	out.Listening = c.bus.Listening()
	if !out.Listening {
		out.Status = StatusDegraded
		out.Error = "listener not running"
	}
	return out
}

func (c *Checker) checkWorkers() WorkersComponent {
	out := WorkersComponent{Status: StatusHealthy}
	if c.workers == nil {
		return out
	}
	out.Workers = c.workers.WorkerHealth()
	for _, h := range out.Workers {
		if h.Status == workers.StatusCrashed {
			out.Status = StatusDegraded
		}
	}
	return out
}

// worst returns the most severe of the given statuses.
func worst(statuses ...string) string {
	out := StatusHealthy
	for _, s := range statuses {
		switch s {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			out = StatusDegraded
		}
	}
	return out
}

// Handler serves the health endpoints. Safe for concurrent use.
type Handler struct {
	checker *Checker
}

func NewHandler(checker *Checker) *Handler {
	return &Handler{checker: checker}
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz runs the deep check. Degraded still reports 200: the process keeps
// serving with reduced functionality, and pulling it from rotation would
// only shrink capacity further.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	report := h.checker.Check(r.Context())
	status := http.StatusOK
	if report.Status == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// Register adds the health and metrics routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
