package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file-based connection settings, so
// deployments can keep credentials out of config files.
const (
	EnvCacheURL       = "CACHE_URL"
	EnvRecordStoreURL = "RECORD_STORE_URL"
	EnvEventChannel   = "EVENT_CHANNEL_NAME"
)

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.ApplyDefaults()

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvCacheURL); v != "" {
		cfg.CacheURL = v
	}
	if v := os.Getenv(EnvRecordStoreURL); v != "" {
		cfg.RecordStoreURL = v
	}
	if v := os.Getenv(EnvEventChannel); v != "" {
		cfg.EventChannel = v
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [0, 65535]", cfg.Server.Port))
	}
	if cfg.CacheURL == "" {
		errs = append(errs, errors.New("cache_url is required (or set "+EnvCacheURL+")"))
	}
	if cfg.RecordStoreURL == "" {
		errs = append(errs, errors.New("record_store_url is required (or set "+EnvRecordStoreURL+")"))
	}

	if cfg.Memory.ImportanceThreshold < 0 || cfg.Memory.ImportanceThreshold > 1 {
		errs = append(errs, fmt.Errorf("memory.importance_threshold %.2f is out of range [0, 1]", cfg.Memory.ImportanceThreshold))
	}
	if cfg.Memory.CleanupRelevanceThreshold < 0 || cfg.Memory.CleanupRelevanceThreshold > 1 {
		errs = append(errs, fmt.Errorf("memory.cleanup_relevance_threshold %.2f is out of range [0, 1]", cfg.Memory.CleanupRelevanceThreshold))
	}
	if cfg.Memory.DecayFactor < 0 || cfg.Memory.DecayFactor > 1 {
		errs = append(errs, fmt.Errorf("memory.decay_factor %.2f is out of range [0, 1]", cfg.Memory.DecayFactor))
	}
	if cfg.Memory.DecayFloor < 0 || cfg.Memory.DecayFloor > 1 {
		errs = append(errs, fmt.Errorf("memory.decay_floor %.2f is out of range [0, 1]", cfg.Memory.DecayFloor))
	}
	if cfg.Memory.MaxFacts < 0 {
		errs = append(errs, fmt.Errorf("memory.max_facts %d must not be negative", cfg.Memory.MaxFacts))
	}

	for name, entry := range cfg.Providers {
		prefix := fmt.Sprintf("providers[%s]", name)
		if entry.Class == "" {
			errs = append(errs, fmt.Errorf("%s.class is required", prefix))
		}
		if len(entry.Models) == 0 {
			errs = append(errs, fmt.Errorf("%s.models must not be empty", prefix))
		}
		for model, m := range entry.Models {
			mPrefix := fmt.Sprintf("%s.models[%s]", prefix, model)
			if len(m.Capabilities) == 0 {
				errs = append(errs, fmt.Errorf("%s.capabilities must not be empty", mPrefix))
			}
			if m.QualityTier != "" && !slices.Contains(ValidQualityTiers, m.QualityTier) {
				errs = append(errs, fmt.Errorf("%s.quality_tier %q is invalid; valid values: low, medium, high", mPrefix, m.QualityTier))
			}
			if m.CostPerMillionTokens.Input < 0 || m.CostPerMillionTokens.Output < 0 {
				errs = append(errs, fmt.Errorf("%s.cost_per_million_tokens must not be negative", mPrefix))
			}
		}
	}

	return errors.Join(errs...)
}
