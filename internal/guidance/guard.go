package guidance

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/internal/observe"
)

// DefaultTopK is the number of snippets included in guidance text.
const DefaultTopK = 3

// snippetSeparator joins snippets in guidance text.
const snippetSeparator = "\n\n---\n\n"

// Guard turns retrieval results into prompt text. It never fails: when the
// retriever is missing, errors or finds nothing, it returns
// [FallbackGuidance].
//
// All methods are safe for concurrent use.
type Guard struct {
	retriever Retriever
	topK      int
	timeout   time.Duration
	metrics   *observe.Metrics
	degraded  atomic.Bool
}

// GuardOption configures a [Guard].
type GuardOption func(*Guard)

// WithTopK overrides [DefaultTopK].
func WithTopK(k int) GuardOption {
	return func(g *Guard) {
		if k > 0 {
			g.topK = k
		}
	}
}

// WithSearchTimeout bounds every retrieval call.
func WithSearchTimeout(d time.Duration) GuardOption {
	return func(g *Guard) { g.timeout = d }
}

// WithGuardMetrics sets the metrics sink. Defaults to
// [observe.DefaultMetrics].
func WithGuardMetrics(m *observe.Metrics) GuardOption {
	return func(g *Guard) { g.metrics = m }
}

// NewGuard creates a new [Guard]. r may be nil, in which case every call
// returns the fallback text.
func NewGuard(r Retriever, opts ...GuardOption) *Guard {
	g := &Guard{retriever: r, topK: DefaultTopK}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g
}

// Guidance returns technique notes for phase. contextText is recent
// conversation context used to sharpen the query.
func (g *Guard) Guidance(ctx context.Context, phase, contextText string) string {
	if g.retriever == nil {
		return FallbackGuidance(phase)
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	start := time.Now()
	snippets, err := g.retriever.Search(ctx, buildQuery(phase, contextText), phase, g.topK)
	g.metrics.RetrievalDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		g.degraded.Store(true)
		observe.Logger(ctx).Warn("guidance: retrieval failed, using fallback", "phase", phase, "err", err)
		g.metrics.RecordDegradation(ctx, observe.DegradedRetrieval)
		return FallbackGuidance(phase)
	}
	g.degraded.Store(false)

	parts := make([]string, 0, len(snippets))
	for _, s := range snippets {
		if c := strings.TrimSpace(s.Content); c != "" {
			parts = append(parts, c)
		}
	}
	if len(parts) == 0 {
		observe.Logger(ctx).Debug("guidance: no techniques found, using fallback", "phase", phase)
		return FallbackGuidance(phase)
	}
	return "Supporting techniques for " + phase + ":\n" + strings.Join(parts, snippetSeparator)
}

// IsDegraded reports whether the most recent retrieval failed.
func (g *Guard) IsDegraded() bool { return g.degraded.Load() }

// FallbackGuidance is the generic advice used when no techniques can be
// retrieved for phase.
func FallbackGuidance(phase string) string {
	return "General techniques for " + phase + ":\n" +
		"- Ask open questions and listen carefully.\n" +
		"- Keep a calm, collaborative tone.\n" +
		"- Paraphrase the seller to show you understand.\n" +
		"- Do not rush to price if this phase is not about it yet."
}

func buildQuery(phase, contextText string) string {
	return "Negotiation phase: " + phase +
		"\n\nRecent context:\n" + contextText +
		"\n\nGoal: find concrete techniques for acting in this phase."
}
