// Package workers contains the periodic background workers and the
// supervisor that keeps them running.
//
// Each worker is an isolated loop: run once, sleep its interval, repeat. A
// crashing worker (error return or panic) is restarted with an exponential
// backoff that resets after the first crash-free run.
package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Worker is one supervised periodic job.
type Worker interface {
	// Name identifies the worker in health reports and metrics.
	Name() string

	// Interval is the sleep between successful runs.
	Interval() time.Duration

	// Run executes one unit of work. Run must honour ctx cancellation
	// between items of work.
	Run(ctx context.Context) error
}

// Status is a worker's lifecycle state.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusRunning    Status = "running"
	StatusStopped    Status = "stopped"
	StatusCrashed    Status = "crashed"
)

// Health is a point-in-time snapshot of one worker.
type Health struct {
	Status      Status    `json:"status"`
	Crashes     int       `json:"crashes"`
	LastCrash   time.Time `json:"last_crash,omitzero"`
	LastSuccess time.Time `json:"last_success,omitzero"`
}

// Crash restart backoff bounds.
const (
	crashBackoffBase = time.Second
	crashBackoffMax  = 5 * time.Minute
)

// Metrics receives per-run outcomes. A nil Metrics disables recording.
type Metrics interface {
	RecordWorkerRun(ctx context.Context, workerName, status string)
}

// Supervisor runs each worker in its own goroutine and restarts crashed
// workers with backoff.
type Supervisor struct {
	workers []Worker
	metrics Metrics

	mu     sync.Mutex
	health map[string]*Health

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	backoffBase time.Duration
	backoffMax  time.Duration
}

// NewSupervisor creates a Supervisor over the given workers. metrics may be
// nil.
func NewSupervisor(metrics Metrics, workers ...Worker) *Supervisor {
	health := make(map[string]*Health, len(workers))
	for _, w := range workers {
		health[w.Name()] = &Health{Status: StatusNotStarted}
	}
	return &Supervisor{
		workers:     workers,
		metrics:     metrics,
		health:      health,
		backoffBase: crashBackoffBase,
		backoffMax:  crashBackoffMax,
	}
}

// Start launches every worker loop. Start is not idempotent; a second call
// panics to surface the wiring bug.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		panic("workers: supervisor started twice")
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	for _, w := range s.workers {
		s.wg.Add(1)
		go func(w Worker) {
			defer s.wg.Done()
			s.supervise(ctx, w)
		}(w)
	}
	slog.Info("worker supervisor started", slog.Int("workers", len(s.workers)))
}

// Stop cancels every worker loop and waits for them to exit. Safe to call
// more than once and before Start.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// WorkerHealth returns a snapshot of every worker's health keyed by name.
func (s *Supervisor) WorkerHealth() map[string]Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Health, len(s.health))
	for name, h := range s.health {
		out[name] = *h
	}
	return out
}

func (s *Supervisor) supervise(ctx context.Context, w Worker) {
	backoff := s.backoffBase
	s.setStatus(w.Name(), StatusRunning)

	for {
		err := s.runOnce(ctx, w)
		if ctx.Err() != nil {
			s.setStatus(w.Name(), StatusStopped)
			return
		}

		if err != nil {
			s.recordCrash(w.Name())
			if s.metrics != nil {
				s.metrics.RecordWorkerRun(ctx, w.Name(), "error")
			}
			slog.Error("worker crashed",
				slog.String("worker", w.Name()),
				slog.Duration("restart_in", backoff),
				slog.Any("error", err))
			if !sleep(ctx, backoff) {
				s.setStatus(w.Name(), StatusStopped)
				return
			}
			backoff = min(backoff*2, s.backoffMax)
			s.setStatus(w.Name(), StatusRunning)
			continue
		}

		backoff = s.backoffBase
		s.recordSuccess(w.Name())
		if s.metrics != nil {
			s.metrics.RecordWorkerRun(ctx, w.Name(), "ok")
		}
		if !sleep(ctx, w.Interval()) {
			s.setStatus(w.Name(), StatusStopped)
			return
		}
	}
}

// runOnce executes one worker run, converting panics to errors so the
// supervisor loop survives.
func (s *Supervisor) runOnce(ctx context.Context, w Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %s panicked: %v", w.Name(), r)
		}
	}()
	return w.Run(ctx)
}

func (s *Supervisor) setStatus(name string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health[name].Status = status
}

func (s *Supervisor) recordCrash(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.health[name]
	h.Status = StatusCrashed
	h.Crashes++
	h.LastCrash = time.Now().UTC()
}

func (s *Supervisor) recordSuccess(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health[name].LastSuccess = time.Now().UTC()
}

// sleep blocks for d or until ctx is done; reports false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
