// Package anyllm provides an [aal.Provider] backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and
// more. The provider's manifest name selects the vendor.
//
// The package registers itself under the class name "anyllm"; import it for
// its side effect:
//
//	import _ "github.com/archonhq/archon/pkg/aal/anyllm"
package anyllm

import (
	"context"
	"fmt"
	"os"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/archonhq/archon/pkg/aal"
	"github.com/archonhq/archon/pkg/memory"
)

func init() {
	aal.RegisterFactory("anyllm", func(cfg aal.ProviderConfig) (aal.Provider, error) {
		return New(cfg)
	})
}

// Provider implements [aal.Provider] by wrapping any-llm-go.
type Provider struct {
	name    string
	backend anyllmlib.Provider
}

// New creates a Provider for the vendor named by cfg.Name. The API key is
// read from the environment variable cfg.APIKeyEnv; when unset, any-llm-go
// falls back to the vendor's conventional variable (OPENAI_API_KEY,
// ANTHROPIC_API_KEY, ...).
func New(cfg aal.ProviderConfig) (*Provider, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("anyllm: provider name must not be empty")
	}

	var opts []anyllmlib.Option
	if cfg.APIKeyEnv != "" {
		if key := os.Getenv(cfg.APIKeyEnv); key != "" {
			opts = append(opts, anyllmlib.WithAPIKey(key))
		}
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
	}

	backend, err := createBackend(cfg.Name, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", cfg.Name, err)
	}
	return &Provider{name: cfg.Name, backend: backend}, nil
}

// Name implements [aal.Provider].
func (p *Provider) Name() string { return p.name }

// Execute implements [aal.Provider] with a single non-streaming completion.
func (p *Provider) Execute(ctx context.Context, req aal.ExecuteRequest) (*aal.ExecuteResult, error) {
	messages := make([]anyllmlib.Message, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.History {
		msg := anyllmlib.Message{Content: m.Content}
		switch m.Role {
		case memory.RoleSystem:
			msg.Role = anyllmlib.RoleSystem
		case memory.RoleAssistant:
			msg.Role = anyllmlib.RoleAssistant
		default:
			msg.Role = anyllmlib.RoleUser
		}
		messages = append(messages, msg)
	}
	messages = append(messages, anyllmlib.Message{
		Role:    anyllmlib.RoleUser,
		Content: req.Prompt,
	})

	params := anyllmlib.CompletionParams{
		Model:    req.Model,
		Messages: messages,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}

	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion on %s: %w", req.Model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: empty choices in %s response", req.Model)
	}

	result := &aal.ExecuteResult{
		Content: resp.Choices[0].Message.ContentString(),
	}
	if resp.Usage != nil {
		result.InputTokens = resp.Usage.PromptTokens
		result.OutputTokens = resp.Usage.CompletionTokens
	}
	return result, nil
}

// createBackend creates the underlying any-llm-go provider for the vendor.
func createBackend(vendor string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(vendor) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported vendor %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", vendor)
	}
}
