// Package aal implements the routing layer of the agent abstraction layer:
// a registry of routable provider/model candidates built from the provider
// manifest, and the [Service] that validates requests, injects memory
// context, and executes them with cost-aware failover.
package aal

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/archonhq/archon/internal/config"
	"github.com/archonhq/archon/pkg/aal"
)

// Candidate is one routable (provider, model) pair.
type Candidate struct {
	Provider     aal.Provider
	ProviderName string
	Model        string
	Entry        config.ModelEntry
}

// Registry holds the current candidate set. Load replaces the whole set
// atomically, so the registry doubles as the reload point for manifest
// changes picked up by the config watcher.
type Registry struct {
	mu         sync.RWMutex
	candidates []Candidate
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Load rebuilds the candidate set from the manifest. Malformed entries are
// skipped with a warning so that one broken provider never takes down the
// rest. Returns how many candidates were loaded.
func (r *Registry) Load(manifest map[string]config.ProviderEntry) int {
	var candidates []Candidate
	for name, entry := range manifest {
		if entry.Class == "" {
			slog.Warn("provider skipped: missing class", slog.String("provider", name))
			continue
		}
		if len(entry.Models) == 0 {
			slog.Warn("provider skipped: no models", slog.String("provider", name))
			continue
		}
		provider, err := aal.NewProvider(entry.Class, aal.ProviderConfig{
			Name:      name,
			APIKeyEnv: entry.APIKeyEnv,
			BaseURL:   entry.BaseURL,
		})
		if err != nil {
			slog.Warn("provider skipped: construction failed",
				slog.String("provider", name),
				slog.String("class", entry.Class),
				slog.Any("error", err))
			continue
		}
		for model, modelEntry := range entry.Models {
			candidates = append(candidates, Candidate{
				Provider:     provider,
				ProviderName: name,
				Model:        model,
				Entry:        modelEntry,
			})
		}
		slog.Info("provider loaded",
			slog.String("provider", name),
			slog.String("class", entry.Class),
			slog.Int("models", len(entry.Models)))
	}
	// Deterministic iteration order for routing ties.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ProviderName != candidates[j].ProviderName {
			return candidates[i].ProviderName < candidates[j].ProviderName
		}
		return candidates[i].Model < candidates[j].Model
	})

	r.mu.Lock()
	r.candidates = candidates
	r.mu.Unlock()
	return len(candidates)
}

// Candidates returns a copy of the current candidate set.
func (r *Registry) Candidates() []Candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Candidate, len(r.candidates))
	copy(out, r.candidates)
	return out
}
