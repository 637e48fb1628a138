package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
cache_url: "localhost:6379"
record_store_url: "postgres://localhost/archon"
`

func TestLoadFromReaderAppliesDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.Port != 8181 {
		t.Errorf("Server.Port = %d, want 8181", cfg.Server.Port)
	}
	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("LogLevel = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.EventChannel != "archon_events" {
		t.Errorf("EventChannel = %q, want archon_events", cfg.EventChannel)
	}
	if cfg.Memory.SessionTTL != time.Hour {
		t.Errorf("SessionTTL = %v, want 1h", cfg.Memory.SessionTTL)
	}
	if cfg.Memory.ImportanceThreshold != 0.7 {
		t.Errorf("ImportanceThreshold = %v, want 0.7", cfg.Memory.ImportanceThreshold)
	}
	if cfg.Memory.MaxFacts != 5 {
		t.Errorf("MaxFacts = %d, want 5", cfg.Memory.MaxFacts)
	}
	if cfg.Memory.WorkingReserveTokens != 1000 {
		t.Errorf("WorkingReserveTokens = %d, want 1000", cfg.Memory.WorkingReserveTokens)
	}
	if cfg.Breakers.FailureThreshold != 5 || cfg.Breakers.ResetTimeout != 60*time.Second || cfg.Breakers.SuccessThreshold != 2 {
		t.Errorf("Breakers = %+v, want 5/60s/2", cfg.Breakers)
	}
	if cfg.Workers.ConsolidationInterval != 6*time.Hour {
		t.Errorf("ConsolidationInterval = %v, want 6h", cfg.Workers.ConsolidationInterval)
	}
	if cfg.Workers.EventRetryInterval != 5*time.Minute {
		t.Errorf("EventRetryInterval = %v, want 5m", cfg.Workers.EventRetryInterval)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(minimalYAML + "\nunknown_knob: 1\n"))
	if err == nil {
		t.Fatal("unknown field was accepted")
	}
}

func TestLoadFromReaderParsesProviderManifest(t *testing.T) {
	const manifest = minimalYAML + `
providers:
  openai:
    class: anyllm
    api_key_env: OPENAI_API_KEY
    models:
      gpt-4o:
        capabilities: [chat, code, vision]
        quality_tier: high
        cost_per_million_tokens:
          input: 2.5
          output: 10
      gpt-4o-mini:
        capabilities: [chat]
        quality_tier: low
        cost_per_million_tokens:
          input: 0.15
          output: 0.6
`
	cfg, err := LoadFromReader(strings.NewReader(manifest))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	entry, ok := cfg.Providers["openai"]
	if !ok {
		t.Fatal("provider openai missing")
	}
	if entry.Class != "anyllm" || entry.APIKeyEnv != "OPENAI_API_KEY" {
		t.Errorf("entry = %+v, want class anyllm with OPENAI_API_KEY", entry)
	}
	model, ok := entry.Models["gpt-4o"]
	if !ok {
		t.Fatal("model gpt-4o missing")
	}
	if model.QualityTier != "high" {
		t.Errorf("QualityTier = %q, want high", model.QualityTier)
	}
	if len(model.Capabilities) != 3 {
		t.Errorf("Capabilities = %v, want 3 entries", model.Capabilities)
	}
	if model.CostPerMillionTokens.Input != 2.5 || model.CostPerMillionTokens.Output != 10 {
		t.Errorf("cost = %+v, want 2.5/10", model.CostPerMillionTokens)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	const bad = `
server:
  log_level: loud
  port: 99999
providers:
  broken:
    models:
      m1:
        capabilities: []
        quality_tier: ultra
        cost_per_million_tokens:
          input: -1
`
	_, err := LoadFromReader(strings.NewReader(bad))
	if err == nil {
		t.Fatal("invalid config was accepted")
	}
	msg := err.Error()
	for _, want := range []string{
		"log_level",
		"port",
		"cache_url",
		"record_store_url",
		"class is required",
		"capabilities must not be empty",
		"quality_tier",
		"cost_per_million_tokens",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %q", msg, want)
		}
	}
}

func TestQualityTierVocabulary(t *testing.T) {
	for _, tier := range []string{"low", "medium", "high"} {
		manifest := minimalYAML + `
providers:
  p:
    class: anyllm
    models:
      m1:
        capabilities: [chat]
        quality_tier: ` + tier + "\n"
		if _, err := LoadFromReader(strings.NewReader(manifest)); err != nil {
			t.Errorf("tier %q rejected: %v", tier, err)
		}
	}
	for _, tier := range []string{"fast", "standard", "premium"} {
		manifest := minimalYAML + `
providers:
  p:
    class: anyllm
    models:
      m1:
        capabilities: [chat]
        quality_tier: ` + tier + "\n"
		if _, err := LoadFromReader(strings.NewReader(manifest)); err == nil {
			t.Errorf("tier %q accepted, want rejection", tier)
		}
	}
}

func TestEnvOverrideNames(t *testing.T) {
	if EnvCacheURL != "CACHE_URL" || EnvRecordStoreURL != "RECORD_STORE_URL" || EnvEventChannel != "EVENT_CHANNEL_NAME" {
		t.Errorf("env override names = %q/%q/%q, want CACHE_URL/RECORD_STORE_URL/EVENT_CHANNEL_NAME",
			EnvCacheURL, EnvRecordStoreURL, EnvEventChannel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvCacheURL, "envhost:6379")
	t.Setenv(EnvRecordStoreURL, "postgres://envhost/archon")
	t.Setenv(EnvEventChannel, "archon_events_staging")

	cfg, err := LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.CacheURL != "envhost:6379" {
		t.Errorf("CacheURL = %q, want env override", cfg.CacheURL)
	}
	if cfg.RecordStoreURL != "postgres://envhost/archon" {
		t.Errorf("RecordStoreURL = %q, want env override", cfg.RecordStoreURL)
	}
	if cfg.EventChannel != "archon_events_staging" {
		t.Errorf("EventChannel = %q, want env override", cfg.EventChannel)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("missing file did not error")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archon.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CacheURL != "localhost:6379" {
		t.Errorf("CacheURL = %q, want localhost:6379", cfg.CacheURL)
	}
}
