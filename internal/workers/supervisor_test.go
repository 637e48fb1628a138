package workers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeWorker struct {
	name     string
	interval time.Duration
	runs     atomic.Int64

	// errs is consumed one per run; runs beyond the script succeed.
	mu    sync.Mutex
	errs  []error
	panic bool
}

func (w *fakeWorker) Name() string            { return w.name }
func (w *fakeWorker) Interval() time.Duration { return w.interval }

func (w *fakeWorker) Run(context.Context) error {
	w.runs.Add(1)
	if w.panic {
		panic("worker exploded")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.errs) == 0 {
		return nil
	}
	err := w.errs[0]
	w.errs = w.errs[1:]
	return err
}

type fakeWorkerMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (m *fakeWorkerMetrics) RecordWorkerRun(_ context.Context, workerName, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = make(map[string]int)
	}
	m.outcomes[workerName+"/"+status]++
}

func (m *fakeWorkerMetrics) count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[key]
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSupervisorRunsWorkerPeriodically(t *testing.T) {
	w := &fakeWorker{name: "ticker", interval: 5 * time.Millisecond}
	s := NewSupervisor(nil, w)
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return w.runs.Load() >= 3 }, "worker did not run repeatedly")

	health := s.WorkerHealth()["ticker"]
	if health.Status != StatusRunning {
		t.Errorf("Status = %q, want running", health.Status)
	}
	if health.LastSuccess.IsZero() {
		t.Error("LastSuccess was never recorded")
	}
}

func TestSupervisorRestartsCrashedWorker(t *testing.T) {
	w := &fakeWorker{
		name:     "flaky",
		interval: 5 * time.Millisecond,
		errs:     []error{errors.New("db down"), errors.New("db still down")},
	}
	s := NewSupervisor(nil, w)
	s.backoffBase = time.Millisecond
	s.backoffMax = 4 * time.Millisecond
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return w.runs.Load() >= 3 }, "worker was not restarted after crashing")

	health := s.WorkerHealth()["flaky"]
	if health.Crashes != 2 {
		t.Errorf("Crashes = %d, want 2", health.Crashes)
	}
	if health.LastCrash.IsZero() {
		t.Error("LastCrash was never recorded")
	}
}

func TestSupervisorRecoversWorkerPanic(t *testing.T) {
	w := &fakeWorker{name: "bomber", interval: 5 * time.Millisecond, panic: true}
	s := NewSupervisor(nil, w)
	s.backoffBase = time.Millisecond
	s.backoffMax = 2 * time.Millisecond
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return w.runs.Load() >= 2 }, "panicking worker was not restarted")

	if got := s.WorkerHealth()["bomber"].Crashes; got < 2 {
		t.Errorf("Crashes = %d, want at least 2", got)
	}
}

func TestSupervisorStopTransitionsWorkers(t *testing.T) {
	w := &fakeWorker{name: "ticker", interval: time.Hour}
	s := NewSupervisor(nil, w)
	s.Start(context.Background())

	waitFor(t, func() bool { return w.runs.Load() >= 1 }, "worker never ran")
	s.Stop()

	if got := s.WorkerHealth()["ticker"].Status; got != StatusStopped {
		t.Errorf("Status = %q after Stop, want stopped", got)
	}
}

func TestSupervisorStopBeforeStartIsSafe(t *testing.T) {
	s := NewSupervisor(nil, &fakeWorker{name: "idle", interval: time.Hour})
	s.Stop()
	s.Stop()

	if got := s.WorkerHealth()["idle"].Status; got != StatusNotStarted {
		t.Errorf("Status = %q, want not_started", got)
	}
}

func TestSupervisorRecordsRunMetrics(t *testing.T) {
	w := &fakeWorker{
		name:     "mixed",
		interval: 5 * time.Millisecond,
		errs:     []error{errors.New("first run fails")},
	}
	metrics := &fakeWorkerMetrics{}
	s := NewSupervisor(metrics, w)
	s.backoffBase = time.Millisecond
	s.backoffMax = 2 * time.Millisecond
	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool {
		return metrics.count("mixed/error") >= 1 && metrics.count("mixed/ok") >= 1
	}, "run outcomes were not recorded")
}
