// Package aal defines the provider abstraction of the agent abstraction
// layer: the [Provider] interface that model backends implement, the
// request/response types exchanged with callers, and a factory registry
// through which backend implementations make themselves available by class
// name.
//
// Routing, failover, and circuit breaking live above this package; a
// Provider only executes a prompt against one concrete backend.
package aal

import (
	"time"

	"github.com/archonhq/archon/pkg/memory"
)

// Quality tiers in ascending order. Tier names match the provider manifest.
const (
	TierLow    = "low"
	TierMedium = "medium"
	TierHigh   = "high"
)

// TierRank maps a quality tier to its rank for ordering. Unknown tiers rank
// lowest.
func TierRank(tier string) int {
	switch tier {
	case TierHigh:
		return 3
	case TierMedium:
		return 2
	case TierLow:
		return 1
	default:
		return 0
	}
}

// Request defaults applied by [NewAgentRequest].
const (
	DefaultTemperature     = 0.7
	DefaultMaxTokens       = 1000
	DefaultMemoryMaxTokens = 4000
)

// AgentRequest describes one model invocation to route. Construct requests
// with [NewAgentRequest] so the defaults documented on each field apply.
type AgentRequest struct {
	// Prompt is the user prompt. Required.
	Prompt string `json:"prompt"`

	// ConversationHistory carries prior turns of the conversation, oldest
	// first, passed to the provider ahead of Prompt. Optional.
	ConversationHistory []memory.Message `json:"conversation_history,omitempty"`

	// UserID identifies the requesting user for memory scoping. Optional;
	// memory injection is skipped when it is empty.
	UserID string `json:"user_id,omitempty"`

	// SessionID scopes memory injection to a conversation. Optional.
	SessionID string `json:"session_id,omitempty"`

	// SystemPrompt is prepended to the model conversation. Optional.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// RequiredCapabilities narrows routing to models that advertise every
	// listed capability. Empty means any model qualifies.
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`

	// PreferredProvider pins routing to one provider when it is healthy.
	// Optional.
	PreferredProvider string `json:"preferred_provider,omitempty"`

	// QualityTier requests a minimum model tier. Optional.
	QualityTier string `json:"quality_tier,omitempty"`

	// Temperature is the sampling temperature in [0, 2]. Default 0.7.
	Temperature float64 `json:"temperature"`

	// MaxTokens caps the completion length. Must be positive. Default 1000.
	MaxTokens int `json:"max_tokens"`

	// MaxCostUSD caps the estimated request cost. Zero disables the cap.
	MaxCostUSD float64 `json:"max_cost_usd,omitempty"`

	// EnableMemory injects assembled memory context into the conversation as
	// a synthetic system message. Requires UserID. Default true.
	EnableMemory bool `json:"enable_memory"`

	// MemoryMaxTokens is the token budget for injected memory context.
	// Default 4000.
	MemoryMaxTokens int `json:"memory_max_tokens"`
}

// NewAgentRequest builds an AgentRequest with defaults applied.
func NewAgentRequest(prompt, userID string) AgentRequest {
	return AgentRequest{
		Prompt:          prompt,
		UserID:          userID,
		Temperature:     DefaultTemperature,
		MaxTokens:       DefaultMaxTokens,
		EnableMemory:    true,
		MemoryMaxTokens: DefaultMemoryMaxTokens,
	}
}

// TokenUsage is the token accounting for one request.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// AgentResponse is the outcome of a routed request. Error responses carry
// Success=false and a message; they are returned instead of Go errors so
// that callers always receive the accounting fields.
type AgentResponse struct {
	// Content is the model output. Empty on failure.
	Content string `json:"content"`

	// ProviderUsed names the provider that served the request, or
	// "aal_service" for failures produced by the routing layer itself.
	ProviderUsed string `json:"provider_used"`

	// Model is the concrete model that served the request.
	Model string `json:"model,omitempty"`

	TokensUsed TokenUsage `json:"tokens_used"`

	// CostUSD is the estimated cost computed from manifest pricing.
	CostUSD float64 `json:"cost_usd"`

	// Duration is the end-to-end routing latency including failover.
	Duration time.Duration `json:"duration_ms"`

	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	// RequestID correlates the response with published request events.
	RequestID string `json:"request_id"`

	Timestamp time.Time `json:"timestamp"`
}
