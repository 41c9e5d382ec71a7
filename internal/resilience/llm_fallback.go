package resilience

import (
	"context"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with failover across several
// backends. Each backend has its own circuit breaker, and every attempt is
// counted in the provider request metrics under the backend's name.
type LLMFallback struct {
	group   *FallbackGroup[llm.Provider]
	metrics *observe.Metrics
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred
// backend. m may be nil, in which case [observe.DefaultMetrics] is used.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig, m *observe.Metrics) *LLMFallback {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &LLMFallback{
		group:   NewFallbackGroup(primary, primaryName, cfg),
		metrics: m,
	}
}

// AddFallback registers another backend, tried after those already added.
func (f *LLMFallback) AddFallback(name string, p llm.Provider) {
	f.group.AddFallback(name, p)
}

// Names returns the backend names in the order they are tried.
func (f *LLMFallback) Names() []string { return f.group.Names() }

// Complete sends req to the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(name string, p llm.Provider) (*llm.CompletionResponse, error) {
		resp, err := p.Complete(ctx, req)
		f.metrics.RecordProviderRequest(ctx, name, "llm", observe.Status(err))
		if err != nil {
			f.metrics.RecordProviderError(ctx, name, "llm")
		}
		return resp, err
	})
}

// Capabilities returns the primary's capabilities. Capabilities are static
// metadata and do not take part in failover.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	return f.group.entries[0].value.Capabilities()
}
