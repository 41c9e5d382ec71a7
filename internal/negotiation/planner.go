package negotiation

import (
	"context"
	"time"

	"github.com/MrWong99/parley/internal/observe"
)

// recentResultsShown is how many step results the planner sees.
const recentResultsShown = 3

// Planner is the first stage of a negotiation turn. It picks the phase the
// executor works on and never touches history or the reply.
type Planner struct {
	selector PhaseSelector
	metrics  *observe.Metrics
}

// NewPlanner creates a new [Planner]. A nil metrics selects
// [observe.DefaultMetrics].
func NewPlanner(selector PhaseSelector, metrics *observe.Metrics) *Planner {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Planner{selector: selector, metrics: metrics}
}

// Step returns tc positioned at the selected phase. When selection fails the
// current phase is kept. The result is always a valid index into a
// non-empty plan.
func (p *Planner) Step(ctx context.Context, tc TurnContext) TurnContext {
	if len(tc.Plan) == 0 {
		return tc
	}
	ctx, span := observe.StartSpan(ctx, "negotiation.planner")
	defer span.End()

	from := clampIndex(tc.CurrentStep, len(tc.Plan))
	start := time.Now()
	decision, err := p.selector.SelectPhase(ctx, PhaseRequest{
		Summary:       tc.Summary,
		HistoryText:   tc.HistoryText,
		Plan:          tc.Plan,
		CurrentStep:   from,
		UserMessage:   tc.UserMessage,
		RecentResults: tc.recentResults(recentResultsShown),
	})
	p.metrics.RecordLLMCall(ctx, "planner", time.Since(start))
	if err != nil {
		observe.Logger(ctx).Warn("negotiation: phase selection failed, keeping phase", "phase", from, "err", err)
		p.metrics.RecordDegradation(ctx, observe.DegradedPhaseSelection)
		return tc.WithStep(from)
	}

	next := tc.WithStep(decision.TargetIndex)
	p.metrics.RecordPhaseTransition(ctx, from, next.CurrentStep)
	observe.Logger(ctx).Debug("negotiation: phase selected",
		"from", from, "to", next.CurrentStep, "requested", decision.TargetIndex, "rationale", decision.Rationale)
	return next
}
