package negotiation

import (
	"slices"

	"github.com/MrWong99/parley/internal/session"
)

// TurnContext is the working state of one negotiation turn. It is passed by
// value between the planner and executor stages; each stage returns an
// updated copy and never writes through shared slices.
type TurnContext struct {
	Objective   string
	Plan        []string
	CurrentStep int
	StepResults []session.StepResult

	// Summary is the rendered session summary.
	Summary string
	// HistoryText is the rendered visible history.
	HistoryText string
	UserMessage string

	// Response is the visible reply produced by the executor.
	Response string
	// PhaseDone is the executor's phase-complete flag for this turn.
	PhaseDone bool
}

// newTurnContext builds the working state for st. The plan and step
// results are copied so the stages cannot alias the session.
func newTurnContext(st *session.State, userMessage string) TurnContext {
	n := st.Negotiation
	return TurnContext{
		Objective:   n.Objective,
		Plan:        slices.Clone(n.Plan),
		CurrentStep: clampIndex(n.CurrentStep, len(n.Plan)),
		StepResults: slices.Clone(n.StepResults),
		Summary:     session.RenderSummary(st.Summary),
		HistoryText: session.FormatTurns(st.History, Labels),
		UserMessage: userMessage,
	}
}

// Phase returns the description of the current phase.
func (tc TurnContext) Phase() string {
	if len(tc.Plan) == 0 {
		return UnknownPhase
	}
	return tc.Plan[clampIndex(tc.CurrentStep, len(tc.Plan))]
}

// WithStep returns a copy of tc positioned at step, clamped into the plan.
func (tc TurnContext) WithStep(step int) TurnContext {
	tc.CurrentStep = clampIndex(step, len(tc.Plan))
	return tc
}

// WithResult returns a copy of tc with r appended to a fresh StepResults
// slice.
func (tc TurnContext) WithResult(r session.StepResult) TurnContext {
	results := make([]session.StepResult, len(tc.StepResults), len(tc.StepResults)+1)
	copy(results, tc.StepResults)
	tc.StepResults = append(results, r)
	return tc
}

// recentResults returns up to n of the newest step results.
func (tc TurnContext) recentResults(n int) []session.StepResult {
	if len(tc.StepResults) <= n {
		return tc.StepResults
	}
	return tc.StepResults[len(tc.StepResults)-n:]
}
