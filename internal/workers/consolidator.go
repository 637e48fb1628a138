package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/archonhq/archon/pkg/memory"
	"github.com/archonhq/archon/pkg/types"
)

// Consolidator defaults.
const (
	DefaultConsolidationInterval = 6 * time.Hour
	DefaultRelevanceThreshold    = 0.8
	consolidationBatchSize       = 100
)

// PromotionSource supplies working entries eligible for promotion. Satisfied
// by *postgres.WorkingStoreImpl.
type PromotionSource interface {
	GetPromotable(ctx context.Context, minRelevance float64, limit int) ([]memory.WorkingEntry, error)
	MarkPromoted(ctx context.Context, id, longTermID string) error
}

// PromotionSink receives promoted entries. Satisfied by
// memory.LongTermStore.
type PromotionSink interface {
	Create(ctx context.Context, userID string, memoryType memory.LongTermMemoryType, content, metadata map[string]any, importance float64) (*memory.LongTermEntry, error)
}

// Consolidator promotes high-relevance working entries into long-term
// memory. The promoted_to marker on each working entry prevents double
// promotion across runs.
type Consolidator struct {
	source    PromotionSource
	sink      PromotionSink
	interval  time.Duration
	threshold float64
}

// NewConsolidator creates a Consolidator. interval <= 0 and threshold <= 0
// take the package defaults.
func NewConsolidator(source PromotionSource, sink PromotionSink, interval time.Duration, threshold float64) *Consolidator {
	if interval <= 0 {
		interval = DefaultConsolidationInterval
	}
	if threshold <= 0 {
		threshold = DefaultRelevanceThreshold
	}
	return &Consolidator{source: source, sink: sink, interval: interval, threshold: threshold}
}

func (c *Consolidator) Name() string            { return "memory_consolidator" }
func (c *Consolidator) Interval() time.Duration { return c.interval }

func (c *Consolidator) Run(ctx context.Context) error {
	entries, err := c.source.GetPromotable(ctx, c.threshold, consolidationBatchSize)
	if err != nil {
		return err
	}

	promoted := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		metadata := make(map[string]any, len(e.Metadata)+2)
		for k, v := range e.Metadata {
			metadata[k] = v
		}
		metadata["promoted_from"] = e.ID
		if e.SessionID != "" {
			metadata["session_id"] = e.SessionID
		}

		lt, err := c.sink.Create(ctx, e.UserID, promotedType(e.MemoryType), e.Content, metadata, e.RelevanceScore)
		if err != nil {
			slog.Warn("consolidation: long-term create failed",
				slog.String("working_id", e.ID), slog.Any("error", err))
			continue
		}
		if err := c.source.MarkPromoted(ctx, e.ID, lt.ID); err != nil {
			// A concurrent run may have promoted the entry first; the
			// marker keeps the outcome single-shot either way.
			if !types.IsNotFound(err) {
				slog.Warn("consolidation: mark promoted failed",
					slog.String("working_id", e.ID), slog.Any("error", err))
			}
			continue
		}
		promoted++
	}

	if promoted > 0 {
		slog.Info("working memory consolidated",
			slog.Int("scanned", len(entries)), slog.Int("promoted", promoted))
	}
	return nil
}

// promotedType maps a working memory classification to its long-term
// counterpart.
func promotedType(t memory.WorkingMemoryType) memory.LongTermMemoryType {
	switch t {
	case memory.WorkingPreference:
		return memory.LongTermPreference
	case memory.WorkingTask:
		return memory.LongTermGoal
	default:
		return memory.LongTermFact
	}
}
