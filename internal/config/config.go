// Package config provides the configuration schema, loader, and file watcher
// for the Archon substrate.
package config

import "time"

// LogLevel controls log verbosity for the Archon server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Archon.
type Config struct {
	// Server configures the operational HTTP endpoints.
	Server ServerConfig `yaml:"server"`

	// CacheURL is the Redis connection address for the session layer,
	// e.g. "localhost:6379". Overridable via CACHE_URL.
	CacheURL string `yaml:"cache_url"`

	// RecordStoreURL is the PostgreSQL DSN for the durable layers.
	// Overridable via RECORD_STORE_URL.
	RecordStoreURL string `yaml:"record_store_url"`

	// EventChannel is the notification channel name for the event bus.
	// Default: "archon_events". Overridable via EVENT_CHANNEL_NAME.
	EventChannel string `yaml:"event_channel"`

	// Memory tunes the memory layers and context assembly.
	Memory MemoryConfig `yaml:"memory"`

	// Breakers tunes the shared circuit breaker defaults.
	Breakers BreakerConfig `yaml:"breakers"`

	// Workers tunes the periodic background workers.
	Workers WorkerConfig `yaml:"workers"`

	// Providers is the model provider manifest, keyed by provider name.
	Providers map[string]ProviderEntry `yaml:"providers"`
}

// ServerConfig configures the operational HTTP server.
type ServerConfig struct {
	// Host is the listen address. Default: "" (all interfaces).
	Host string `yaml:"host"`

	// Port is the listen port. Default: 8181.
	Port int `yaml:"port"`

	// LogLevel controls log verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`
}

// MemoryConfig tunes the memory layers and the context assembler.
type MemoryConfig struct {
	// SessionTTL is the sliding session lifetime. Default: 1h.
	SessionTTL time.Duration `yaml:"session_ttl"`

	// WorkingDefaultTTL is the expiry applied to working entries created
	// without an explicit TTL. Default: 24h.
	WorkingDefaultTTL time.Duration `yaml:"working_default_ttl"`

	// CleanupRelevanceThreshold is the relevance at or below which expired
	// working entries are deleted. Default: 0.
	CleanupRelevanceThreshold float64 `yaml:"cleanup_relevance_threshold"`

	// ImportanceThreshold is the minimum importance for long-term entries to
	// be included in assembled context. Default: 0.7.
	ImportanceThreshold float64 `yaml:"importance_threshold"`

	// MaxFacts is the maximum number of long-term entries included in
	// assembled context. Default: 5.
	MaxFacts int `yaml:"max_facts"`

	// DefaultMaxTokens is the context token budget when the caller does not
	// set one. Default: 8000.
	DefaultMaxTokens int `yaml:"default_max_tokens"`

	// WorkingReserveTokens is the budget headroom that must remain before
	// the working layer is consulted. Default: 1000.
	WorkingReserveTokens int `yaml:"working_reserve_tokens"`

	// DecayWindow is how long a long-term entry must go unaccessed before
	// its importance decays. Default: 2160h (90 days).
	DecayWindow time.Duration `yaml:"decay_window"`

	// DecayFactor is the importance multiplier per decay pass. Default: 0.9.
	DecayFactor float64 `yaml:"decay_factor"`

	// DecayFloor is the importance decay never goes below. Default: 0.1.
	DecayFloor float64 `yaml:"decay_floor"`
}

// BreakerConfig tunes the circuit breaker defaults shared by all protected
// dependencies.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failures before opening.
	// Default: 5.
	FailureThreshold int `yaml:"failure_threshold"`

	// ResetTimeout is how long a breaker stays open. Default: 60s.
	ResetTimeout time.Duration `yaml:"reset_timeout"`

	// SuccessThreshold is the consecutive half-open successes to close.
	// Default: 2.
	SuccessThreshold int `yaml:"success_threshold"`
}

// WorkerConfig tunes the periodic background workers.
type WorkerConfig struct {
	// ConsolidationInterval is how often working memory is promoted to
	// long-term memory. Default: 6h.
	ConsolidationInterval time.Duration `yaml:"consolidation_interval"`

	// CleanupInterval is how often expired data is removed. Default: 24h.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`

	// EventRetryInterval is how often the dead letter queue is drained.
	// Default: 5m.
	EventRetryInterval time.Duration `yaml:"event_retry_interval"`

	// DLQRetentionDays is how long resolved DLQ entries are kept.
	// Default: 30.
	DLQRetentionDays int `yaml:"dlq_retention_days"`
}

// ProviderEntry describes one model provider in the manifest.
type ProviderEntry struct {
	// Class selects the registered provider implementation, e.g. "anyllm"
	// or "mock".
	Class string `yaml:"class"`

	// APIKeyEnv names the environment variable holding the provider's API
	// key. The key itself never appears in config files.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the provider endpoint, e.g. for self-hosted models.
	BaseURL string `yaml:"base_url"`

	// Models lists the models this provider serves, keyed by model name.
	Models map[string]ModelEntry `yaml:"models"`
}

// ModelEntry describes one model's routing properties.
type ModelEntry struct {
	// Capabilities lists what the model can do, e.g. "chat", "code",
	// "reasoning", "vision".
	Capabilities []string `yaml:"capabilities"`

	// QualityTier ranks the model: "low", "medium", or "high".
	QualityTier string `yaml:"quality_tier"`

	// CostPerMillionTokens prices the model for cost-capped routing.
	CostPerMillionTokens CostEntry `yaml:"cost_per_million_tokens"`
}

// CostEntry holds per-direction token pricing in USD per million tokens.
type CostEntry struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// ValidQualityTiers lists the recognised model quality tiers in ascending
// order of quality.
var ValidQualityTiers = []string{"low", "medium", "high"}

// ApplyDefaults fills zero-valued fields with production defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8181
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.EventChannel == "" {
		c.EventChannel = "archon_events"
	}
	if c.Memory.SessionTTL == 0 {
		c.Memory.SessionTTL = time.Hour
	}
	if c.Memory.WorkingDefaultTTL == 0 {
		c.Memory.WorkingDefaultTTL = 24 * time.Hour
	}
	if c.Memory.ImportanceThreshold == 0 {
		c.Memory.ImportanceThreshold = 0.7
	}
	if c.Memory.MaxFacts == 0 {
		c.Memory.MaxFacts = 5
	}
	if c.Memory.DefaultMaxTokens == 0 {
		c.Memory.DefaultMaxTokens = 8000
	}
	if c.Memory.WorkingReserveTokens == 0 {
		c.Memory.WorkingReserveTokens = 1000
	}
	if c.Memory.DecayWindow == 0 {
		c.Memory.DecayWindow = 90 * 24 * time.Hour
	}
	if c.Memory.DecayFactor == 0 {
		c.Memory.DecayFactor = 0.9
	}
	if c.Memory.DecayFloor == 0 {
		c.Memory.DecayFloor = 0.1
	}
	if c.Breakers.FailureThreshold == 0 {
		c.Breakers.FailureThreshold = 5
	}
	if c.Breakers.ResetTimeout == 0 {
		c.Breakers.ResetTimeout = 60 * time.Second
	}
	if c.Breakers.SuccessThreshold == 0 {
		c.Breakers.SuccessThreshold = 2
	}
	if c.Workers.ConsolidationInterval == 0 {
		c.Workers.ConsolidationInterval = 6 * time.Hour
	}
	if c.Workers.CleanupInterval == 0 {
		c.Workers.CleanupInterval = 24 * time.Hour
	}
	if c.Workers.EventRetryInterval == 0 {
		c.Workers.EventRetryInterval = 5 * time.Minute
	}
	if c.Workers.DLQRetentionDays == 0 {
		c.Workers.DLQRetentionDays = 30
	}
}
