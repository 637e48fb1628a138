// Package mock provides a scriptable [aal.Provider] for tests and local
// development. It registers itself under the class name "mock".
package mock

import (
	"context"
	"sync"

	"github.com/archonhq/archon/pkg/aal"
)

func init() {
	aal.RegisterFactory("mock", func(cfg aal.ProviderConfig) (aal.Provider, error) {
		return &Provider{ProviderName: cfg.Name, Result: &aal.ExecuteResult{Content: "mock response"}}, nil
	})
}

// Provider is a test double for [aal.Provider]. Set Result or Err before
// use; ExecuteFunc overrides both when non-nil.
type Provider struct {
	mu    sync.Mutex
	calls []aal.ExecuteRequest

	ProviderName string
	Result       *aal.ExecuteResult
	Err          error

	ExecuteFunc func(ctx context.Context, req aal.ExecuteRequest) (*aal.ExecuteResult, error)
}

func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

func (p *Provider) Execute(ctx context.Context, req aal.ExecuteRequest) (*aal.ExecuteResult, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()

	if p.ExecuteFunc != nil {
		return p.ExecuteFunc(ctx, req)
	}
	if p.Err != nil {
		return nil, p.Err
	}
	if p.Result == nil {
		return &aal.ExecuteResult{Content: "mock response"}, nil
	}
	return p.Result, nil
}

// Calls returns a copy of every request Execute received.
func (p *Provider) Calls() []aal.ExecuteRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]aal.ExecuteRequest, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount returns how many times Execute was invoked.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

var _ aal.Provider = (*Provider)(nil)
