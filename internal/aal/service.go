package aal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/archonhq/archon/internal/config"
	"github.com/archonhq/archon/internal/resilience"
	"github.com/archonhq/archon/pkg/aal"
	"github.com/archonhq/archon/pkg/events"
	"github.com/archonhq/archon/pkg/memory"
)

// ServiceName is reported as ProviderUsed on responses synthesized by the
// routing layer itself.
const ServiceName = "aal_service"

// DefaultProviderTimeout bounds a single provider execution.
const DefaultProviderTimeout = 120 * time.Second

// breakerPrefix namespaces provider breakers within the shared registry.
const breakerPrefix = "provider:"

// estOutputCap caps the projected output tokens used for cost estimation.
const estOutputCap = 1000

// ContextAssembler supplies memory context for injection. Satisfied by
// *assembler.Assembler.
type ContextAssembler interface {
	Assemble(ctx context.Context, userID, sessionID string, maxTokens int) *memory.AssembledContext
}

// EventPublisher publishes lifecycle events. Satisfied by *events.Bus.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]any, userID string) error
}

// Metrics receives per-attempt routing metrics. Satisfied by
// *observe.Metrics.
type Metrics interface {
	RecordAALRequest(ctx context.Context, provider, model, qualityTier, status string, duration time.Duration, costUSD float64, inputTokens, outputTokens int)
}

// ServiceConfig wires a [Service]. Registry and Breakers are required;
// everything else is optional and nil-safe.
type ServiceConfig struct {
	Registry  *Registry
	Assembler ContextAssembler
	Breakers  *resilience.Registry
	Metrics   Metrics
	Bus       EventPublisher

	// ProviderTimeout bounds one provider execution. Zero means
	// [DefaultProviderTimeout].
	ProviderTimeout time.Duration
}

// Service routes agent requests across registered providers with capability
// and cost filtering, memory injection, and breaker-guarded failover.
type Service struct {
	registry  *Registry
	assembler ContextAssembler
	breakers  *resilience.Registry
	metrics   Metrics
	bus       EventPublisher
	timeout   time.Duration
}

func NewService(cfg ServiceConfig) *Service {
	timeout := cfg.ProviderTimeout
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return &Service{
		registry:  cfg.Registry,
		assembler: cfg.Assembler,
		breakers:  cfg.Breakers,
		metrics:   cfg.Metrics,
		bus:       cfg.Bus,
		timeout:   timeout,
	}
}

// Execute routes one request. It never returns a Go error: failures are
// reported as responses with Success=false so callers always receive the
// accounting fields.
func (s *Service) Execute(ctx context.Context, req aal.AgentRequest) *aal.AgentResponse {
	start := time.Now()
	requestID := uuid.NewString()

	if msg := validate(req); msg != "" {
		return s.errorResponse(requestID, start, msg)
	}

	s.publish(ctx, events.TypeAgentRequestStarted, map[string]any{
		"request_id":         requestID,
		"preferred_provider": req.PreferredProvider,
		"enable_memory":      req.EnableMemory,
	}, req.UserID)

	// Memory injection prepends a synthetic system message to a fresh copy
	// of the conversation history; the caller's request is never mutated.
	history := req.ConversationHistory
	if req.EnableMemory && req.UserID != "" && s.assembler != nil {
		asm := s.assembler.Assemble(ctx, req.UserID, req.SessionID, req.MemoryMaxTokens)
		if summary := renderContext(asm); summary != "" {
			injected := make([]memory.Message, 0, len(req.ConversationHistory)+1)
			injected = append(injected, memory.Message{
				Role:      memory.RoleSystem,
				Content:   summary,
				Timestamp: time.Now().UTC(),
			})
			history = append(injected, req.ConversationHistory...)
		}
	}

	candidates := s.selectCandidates(req)
	if len(candidates) == 0 {
		resp := s.errorResponse(requestID, start, "no providers available matching requirements")
		s.publishError(ctx, requestID, req.UserID, resp.Error)
		return resp
	}

	var lastErr error
	attempts := 0
	for _, cand := range candidates {
		cb := s.breakers.Get(breakerPrefix + cand.ProviderName)
		if !cb.Allow() {
			slog.Debug("provider skipped: circuit open",
				slog.String("provider", cand.ProviderName))
			continue
		}

		attempts++
		attemptStart := time.Now()
		pctx, cancel := context.WithTimeout(ctx, s.timeout)
		result, err := cand.Provider.Execute(pctx, aal.ExecuteRequest{
			Model:        cand.Model,
			SystemPrompt: req.SystemPrompt,
			History:      history,
			Prompt:       req.Prompt,
			Temperature:  req.Temperature,
			MaxTokens:    req.MaxTokens,
		})
		cancel()
		attemptDur := time.Since(attemptStart)

		if err != nil {
			cb.RecordFailure()
			if s.metrics != nil {
				s.metrics.RecordAALRequest(ctx, cand.ProviderName, cand.Model, cand.Entry.QualityTier, "error", attemptDur, 0, 0, 0)
			}
			slog.Warn("provider attempt failed",
				slog.String("request_id", requestID),
				slog.String("provider", cand.ProviderName),
				slog.String("model", cand.Model),
				slog.Any("error", err))
			lastErr = err
			continue
		}

		cb.RecordSuccess()
		cost := actualCost(cand.Entry.CostPerMillionTokens, result.InputTokens, result.OutputTokens)
		if s.metrics != nil {
			s.metrics.RecordAALRequest(ctx, cand.ProviderName, cand.Model, cand.Entry.QualityTier, "ok", attemptDur, cost, result.InputTokens, result.OutputTokens)
		}

		resp := &aal.AgentResponse{
			Content:      result.Content,
			ProviderUsed: cand.ProviderName,
			Model:        cand.Model,
			TokensUsed: aal.TokenUsage{
				Input:  result.InputTokens,
				Output: result.OutputTokens,
				Total:  result.InputTokens + result.OutputTokens,
			},
			CostUSD:   cost,
			Duration:  time.Since(start),
			Success:   true,
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		}
		s.publish(ctx, events.TypeAgentRequestCompleted, map[string]any{
			"request_id":   requestID,
			"provider":     cand.ProviderName,
			"model":        cand.Model,
			"duration_ms":  resp.Duration.Milliseconds(),
			"cost_usd":     cost,
			"total_tokens": resp.TokensUsed.Total,
		}, req.UserID)
		return resp
	}

	msg := "all providers unavailable"
	switch {
	case lastErr != nil:
		msg = fmt.Sprintf("all providers failed, last error: %v", lastErr)
	case attempts == 0:
		msg = "all providers unavailable: circuit breakers open"
	}
	resp := s.errorResponse(requestID, start, msg)
	s.publishError(ctx, requestID, req.UserID, msg)
	return resp
}

func validate(req aal.AgentRequest) string {
	switch {
	case strings.TrimSpace(req.Prompt) == "":
		return "prompt is required"
	case req.Temperature < 0 || req.Temperature > 2:
		return fmt.Sprintf("temperature %g out of range [0, 2]", req.Temperature)
	case req.MaxTokens <= 0:
		return fmt.Sprintf("max_tokens %d must be positive", req.MaxTokens)
	}
	return ""
}

// selectCandidates filters and orders the routable candidates for req:
// preferred provider, capability superset, quality floor, cost cap, then
// ordered by quality tier descending with cheapest estimated cost first.
func (s *Service) selectCandidates(req aal.AgentRequest) []Candidate {
	all := s.registry.Candidates()
	out := all[:0:0]
	for _, cand := range all {
		if req.PreferredProvider != "" && cand.ProviderName != req.PreferredProvider {
			continue
		}
		if !hasAllCapabilities(cand.Entry.Capabilities, req.RequiredCapabilities) {
			continue
		}
		if req.QualityTier != "" && aal.TierRank(cand.Entry.QualityTier) < aal.TierRank(req.QualityTier) {
			continue
		}
		if req.MaxCostUSD > 0 && estimateCost(req, cand.Entry.CostPerMillionTokens) > req.MaxCostUSD {
			continue
		}
		out = append(out, cand)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := aal.TierRank(out[i].Entry.QualityTier), aal.TierRank(out[j].Entry.QualityTier)
		if ri != rj {
			return ri > rj
		}
		return estimateCost(req, out[i].Entry.CostPerMillionTokens) < estimateCost(req, out[j].Entry.CostPerMillionTokens)
	})
	return out
}

func hasAllCapabilities(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// estimateCost projects the request cost in USD from the prompt length and
// capped output tokens. Advisory only; billing uses reported usage.
func estimateCost(req aal.AgentRequest, cost config.CostEntry) float64 {
	inputTokens := len(req.Prompt) / 4
	outputTokens := min(req.MaxTokens, estOutputCap)
	return actualCost(cost, inputTokens, outputTokens)
}

func actualCost(cost config.CostEntry, inputTokens, outputTokens int) float64 {
	return (float64(inputTokens)*cost.Input + float64(outputTokens)*cost.Output) / 1e6
}

// renderContext flattens an assembled context into a synthetic system
// message. Returns "" when the context carries nothing useful.
func renderContext(asm *memory.AssembledContext) string {
	if asm == nil {
		return ""
	}
	var b strings.Builder
	if len(asm.Facts) > 0 {
		b.WriteString("Known facts about the user:\n")
		for _, f := range asm.Facts {
			b.WriteString("- ")
			b.WriteString(compactJSON(f.Content))
			b.WriteByte('\n')
		}
	}
	if len(asm.RecentMemories) > 0 {
		b.WriteString("Recent activity:\n")
		for _, e := range asm.RecentMemories {
			b.WriteString("- ")
			b.WriteString(compactJSON(e.Content))
			b.WriteByte('\n')
		}
	}
	if asm.Session != nil && len(asm.Session.Messages) > 0 {
		msgs := asm.Session.Messages
		if len(msgs) > 5 {
			msgs = msgs[len(msgs)-5:]
		}
		b.WriteString("Recent conversation:\n")
		for _, m := range msgs {
			fmt.Fprintf(&b, "- %s: %s\n", m.Role, m.Content)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "Relevant memory context:\n" + b.String()
}

func compactJSON(v map[string]any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func (s *Service) errorResponse(requestID string, start time.Time, msg string) *aal.AgentResponse {
	return &aal.AgentResponse{
		ProviderUsed: ServiceName,
		Duration:     time.Since(start),
		Success:      false,
		Error:        msg,
		RequestID:    requestID,
		Timestamp:    time.Now().UTC(),
	}
}

func (s *Service) publishError(ctx context.Context, requestID, userID, msg string) {
	s.publish(ctx, events.TypeAgentErrorOccurred, map[string]any{
		"request_id": requestID,
		"error":      msg,
	}, userID)
}

// publish is best-effort; the bus already dead-letters its own failures.
func (s *Service) publish(ctx context.Context, eventType string, payload map[string]any, userID string) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, eventType, payload, userID); err != nil {
		slog.Debug("lifecycle event publish failed",
			slog.String("event_type", eventType),
			slog.Any("error", err))
	}
}
