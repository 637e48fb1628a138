package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/archonhq/archon/pkg/events"
	"github.com/archonhq/archon/pkg/memory"
	"github.com/archonhq/archon/pkg/types"
)

type fakePromotionSource struct {
	entries     []memory.WorkingEntry
	getErr      error
	markErr     error
	markedIDs   []string
	markedToIDs []string
}

func (f *fakePromotionSource) GetPromotable(_ context.Context, _ float64, _ int) ([]memory.WorkingEntry, error) {
	return f.entries, f.getErr
}

func (f *fakePromotionSource) MarkPromoted(_ context.Context, id, longTermID string) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.markedIDs = append(f.markedIDs, id)
	f.markedToIDs = append(f.markedToIDs, longTermID)
	return nil
}

type sinkCall struct {
	userID     string
	memoryType memory.LongTermMemoryType
	importance float64
}

type fakePromotionSink struct {
	createErr error
	calls     []sinkCall
}

func (f *fakePromotionSink) Create(_ context.Context, userID string, memoryType memory.LongTermMemoryType, content, metadata map[string]any, importance float64) (*memory.LongTermEntry, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.calls = append(f.calls, sinkCall{userID: userID, memoryType: memoryType, importance: importance})
	return &memory.LongTermEntry{
		ID:              fmt.Sprintf("lt-%d", len(f.calls)),
		UserID:          userID,
		MemoryType:      memoryType,
		Content:         content,
		Metadata:        metadata,
		ImportanceScore: importance,
	}, nil
}

type fakeEventBus struct {
	mu         sync.Mutex
	published  []events.Event
	publishErr error
}

func (b *fakeEventBus) Publish(_ context.Context, eventType string, payload map[string]any, userID string) error {
	return b.Republish(context.Background(), events.NewEvent(eventType, payload, userID))
}

func (b *fakeEventBus) Republish(_ context.Context, e events.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, e)
	return nil
}

func TestConsolidatorPromotesEligibleEntries(t *testing.T) {
	source := &fakePromotionSource{entries: []memory.WorkingEntry{
		{ID: "w-1", UserID: "u-1", MemoryType: memory.WorkingPreference, RelevanceScore: 0.9, Content: map[string]any{"likes": "dark mode"}},
		{ID: "w-2", UserID: "u-2", MemoryType: memory.WorkingDecision, RelevanceScore: 0.85, SessionID: "s-1", Content: map[string]any{"chose": "postgres"}},
		{ID: "w-3", UserID: "u-1", MemoryType: memory.WorkingTask, RelevanceScore: 1.0, Content: map[string]any{"goal": "ship v1"}},
	}}
	sink := &fakePromotionSink{}
	c := NewConsolidator(source, sink, 0, 0)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(sink.calls) != 3 {
		t.Fatalf("Create called %d times, want 3", len(sink.calls))
	}
	wantTypes := []memory.LongTermMemoryType{memory.LongTermPreference, memory.LongTermFact, memory.LongTermGoal}
	for i, want := range wantTypes {
		if sink.calls[i].memoryType != want {
			t.Errorf("promotion %d type = %q, want %q", i, sink.calls[i].memoryType, want)
		}
	}
	if sink.calls[0].importance != 0.9 {
		t.Errorf("importance = %g, want the relevance score 0.9", sink.calls[0].importance)
	}
	if len(source.markedIDs) != 3 || source.markedIDs[0] != "w-1" || source.markedToIDs[0] != "lt-1" {
		t.Errorf("marked = %v -> %v, want every entry stamped with its long-term id", source.markedIDs, source.markedToIDs)
	}
}

func TestConsolidatorContinuesPastCreateFailure(t *testing.T) {
	source := &fakePromotionSource{entries: []memory.WorkingEntry{
		{ID: "w-1", UserID: "u-1", MemoryType: memory.WorkingAction, RelevanceScore: 0.9},
	}}
	sink := &fakePromotionSink{createErr: errors.New("insert failed")}
	c := NewConsolidator(source, sink, 0, 0)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v, want per-entry failures swallowed", err)
	}
	if len(source.markedIDs) != 0 {
		t.Error("entry was marked promoted despite a failed create")
	}
}

func TestConsolidatorToleratesConcurrentPromotion(t *testing.T) {
	source := &fakePromotionSource{
		entries: []memory.WorkingEntry{
			{ID: "w-1", UserID: "u-1", MemoryType: memory.WorkingAction, RelevanceScore: 0.9},
		},
		markErr: types.NotFound("working entry w-1 not found or already promoted"),
	}
	c := NewConsolidator(source, &fakePromotionSink{}, 0, 0)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v, want already-promoted treated as success", err)
	}
}

func TestConsolidatorPropagatesScanFailure(t *testing.T) {
	source := &fakePromotionSource{getErr: errors.New("query failed")}
	c := NewConsolidator(source, &fakePromotionSink{}, 0, 0)

	if err := c.Run(context.Background()); err == nil {
		t.Fatal("scan failure was swallowed")
	}
}

func TestConsolidatorDefaults(t *testing.T) {
	c := NewConsolidator(&fakePromotionSource{}, &fakePromotionSink{}, 0, 0)
	if c.Interval() != 6*time.Hour {
		t.Errorf("Interval = %v, want 6h", c.Interval())
	}
	if c.threshold != 0.8 {
		t.Errorf("threshold = %g, want 0.8", c.threshold)
	}
}

type fakeExpiredCleaner struct {
	removed int
	err     error
}

func (f *fakeExpiredCleaner) CleanupExpired(context.Context) (int, error) { return f.removed, f.err }

type fakeDecayer struct {
	decayed int
	err     error
}

func (f *fakeDecayer) DecayImportance(context.Context) (int, error) { return f.decayed, f.err }

func TestCleanerPublishesSweepCounts(t *testing.T) {
	bus := &fakeEventBus{}
	c := NewCleaner(&fakeExpiredCleaner{removed: 7}, &fakeDecayer{decayed: 3}, bus, 0)

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(bus.published) != 1 {
		t.Fatalf("published %d events, want 1", len(bus.published))
	}
	e := bus.published[0]
	if e.EventType != events.TypeSystemCleanup {
		t.Errorf("EventType = %q, want %q", e.EventType, events.TypeSystemCleanup)
	}
	if e.Payload["expired_removed"] != 7 || e.Payload["importance_decayed"] != 3 {
		t.Errorf("Payload = %v, want sweep counts 7/3", e.Payload)
	}
}

func TestCleanerRunsBothSweepsDespiteFailure(t *testing.T) {
	decayer := &fakeDecayer{decayed: 2}
	c := NewCleaner(&fakeExpiredCleaner{err: errors.New("delete failed")}, decayer, nil, 0)

	err := c.Run(context.Background())
	if err == nil {
		t.Fatal("sweep failure was swallowed")
	}
	// The decay sweep must still have run.
	if decayer.decayed != 2 {
		t.Error("decay sweep was skipped after the expiry sweep failed")
	}
}

type fakeRetryQueue struct {
	pending    []events.EventFailure
	getErr     error
	marked     []string
	markedOK   []bool
	cleanupDay int
}

func (f *fakeRetryQueue) GetPendingRetries(_ context.Context, _ int) ([]events.EventFailure, error) {
	return f.pending, f.getErr
}

func (f *fakeRetryQueue) MarkRetryAttempt(_ context.Context, failureID string, success bool, _ string) error {
	f.marked = append(f.marked, failureID)
	f.markedOK = append(f.markedOK, success)
	return nil
}

func (f *fakeRetryQueue) CleanupOldResolved(_ context.Context, days int) (int, error) {
	f.cleanupDay = days
	return 0, nil
}

func TestEventRetrierRepublishesPendingFailures(t *testing.T) {
	queue := &fakeRetryQueue{pending: []events.EventFailure{
		{FailureID: "fail-1", EventID: "ev-1", EventType: "memory.working.created", Payload: map[string]any{"id": "w-1"}, UserID: "u-1"},
		{FailureID: "fail-2", EventID: "ev-2", EventType: "agent.error.occurred"},
	}}
	bus := &fakeEventBus{}
	r := NewEventRetrier(queue, bus, 0, 0)

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(bus.published) != 2 {
		t.Fatalf("republished %d events, want 2", len(bus.published))
	}
	if bus.published[0].EventID != "ev-1" || bus.published[0].EventType != "memory.working.created" {
		t.Errorf("republished event = %+v, want the dead-lettered identity preserved", bus.published[0])
	}
	if len(queue.marked) != 2 || !queue.markedOK[0] || !queue.markedOK[1] {
		t.Errorf("marked = %v ok=%v, want both attempts recorded as success", queue.marked, queue.markedOK)
	}
	if queue.cleanupDay != DefaultDLQRetentionDays {
		t.Errorf("CleanupOldResolved days = %d, want %d", queue.cleanupDay, DefaultDLQRetentionDays)
	}
}

func TestEventRetrierRecordsFailedRepublish(t *testing.T) {
	queue := &fakeRetryQueue{pending: []events.EventFailure{
		{FailureID: "fail-1", EventID: "ev-1", EventType: "memory.working.created"},
	}}
	bus := &fakeEventBus{publishErr: errors.New("notify failed")}
	r := NewEventRetrier(queue, bus, 0, 0)

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v, want publish failures handled per entry", err)
	}
	if len(queue.markedOK) != 1 || queue.markedOK[0] {
		t.Errorf("markedOK = %v, want a recorded failure", queue.markedOK)
	}
}

func TestEventRetrierPropagatesQueueFailure(t *testing.T) {
	queue := &fakeRetryQueue{getErr: errors.New("query failed")}
	r := NewEventRetrier(queue, &fakeEventBus{}, 0, 0)

	if err := r.Run(context.Background()); err == nil {
		t.Fatal("queue failure was swallowed")
	}
}
