package aal

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/archonhq/archon/pkg/memory"
)

// ExecuteRequest is the flattened request handed to one concrete provider
// after routing has chosen a model.
type ExecuteRequest struct {
	// Model is the concrete model name to invoke.
	Model string

	// SystemPrompt is the optional system instruction.
	SystemPrompt string

	// History carries the conversation so far, oldest first. When memory
	// injection applies it starts with a synthetic system message holding
	// the assembled context.
	History []memory.Message

	// Prompt is the user prompt.
	Prompt string

	// Temperature is the sampling temperature in [0, 2].
	Temperature float64

	// MaxTokens caps the completion length.
	MaxTokens int
}

// ExecuteResult is a successful provider execution.
type ExecuteResult struct {
	// Content is the model output.
	Content string

	// InputTokens and OutputTokens are the provider-reported token counts.
	// Zero when the backend does not report usage.
	InputTokens  int
	OutputTokens int
}

// Provider executes prompts against one model backend. Implementations must
// be safe for concurrent use and honour ctx cancellation.
type Provider interface {
	// Name returns the provider's manifest name, e.g. "openai".
	Name() string

	// Execute runs one completion. Errors are returned as-is; the routing
	// layer above classifies them and handles failover.
	Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)
}

// ProviderConfig carries the manifest settings a factory needs to construct
// a backend.
type ProviderConfig struct {
	// Name is the provider's manifest name. For multi-vendor classes it
	// selects the vendor, e.g. "openai" or "anthropic".
	Name string

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string

	// BaseURL overrides the backend endpoint. Optional.
	BaseURL string
}

// Factory constructs a [Provider] from manifest settings.
type Factory func(cfg ProviderConfig) (Provider, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory makes a provider class available to manifest loading.
// Implementations call it from init(); registering the same class twice
// panics.
func RegisterFactory(class string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if _, dup := factories[class]; dup {
		panic(fmt.Sprintf("aal: provider class %q registered twice", class))
	}
	factories[class] = f
}

// NewProvider constructs a provider of the given class.
func NewProvider(class string, cfg ProviderConfig) (Provider, error) {
	factoriesMu.RLock()
	f, ok := factories[class]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("aal: unknown provider class %q (registered: %v)", class, RegisteredClasses())
	}
	return f(cfg)
}

// RegisteredClasses returns the sorted names of all registered provider
// classes.
func RegisteredClasses() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	classes := make([]string, 0, len(factories))
	for class := range factories {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	return classes
}
