package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

// ErrPhaseSelection is returned when a phase decision cannot be obtained or
// parsed. The planner recovers from it by keeping the current phase.
var ErrPhaseSelection = errors.New("negotiation: phase selection failed")

// DefaultPlannerTemperature makes phase selection deterministic.
const DefaultPlannerTemperature = 0.0

const maxTargetIndex = 1 << 20

// PhaseRequest is the input to a [PhaseSelector].
type PhaseRequest struct {
	Summary       string
	HistoryText   string
	Plan          []string
	CurrentStep   int
	UserMessage   string
	RecentResults []session.StepResult
}

// PhaseDecision is the selector's answer. TargetIndex is 0-based and may lie
// outside the plan; the planner clamps it.
type PhaseDecision struct {
	TargetIndex int
	Rationale   string
}

// PhaseSelector chooses which plan phase the agent should focus on next.
type PhaseSelector interface {
	SelectPhase(ctx context.Context, req PhaseRequest) (PhaseDecision, error)
}

const plannerPrompt = `You are the internal planner of a buyer negotiating for a used car.
You never talk to the seller. You only decide which phase of the negotiation plan the buyer
should focus on now.

The session notes you receive are usually JSON with fields such as personal_details,
emotional_state, open_topics, conclusions, continuation_notes, long_term_objectives,
plans_and_strategies and negotiation_state. Treat them as your strategic notes:
long_term_objectives is what is being pursued, plans_and_strategies lists the sub-plans
and tactics tried so far, negotiation_state tracks offers, blocks, concessions and who
moves next.

Negotiation plan (use it as given, do not invent phases):
%s

The phases are not a rigid ladder. Treat them as flexible modes of behaviour. You may:
- stay in the same phase while its purpose is not yet met,
- move to the next phase when it makes strategic sense,
- go back to an earlier phase when the context calls for it, for example when the mood
  cools, new doubts about the car appear, or a nearly closed deal gets complicated.
Jump several phases at once only in clear situations, such as the seller naming a price
very early, and justify it.

Think in sub-strategies spanning two or three messages: if you are building something
that needs a few turns, keep the phase and the line instead of changing course every turn.
A recent progress note marked done means the phase goal is met for now; weigh it, but the
decision is yours.

Reply with ONLY a JSON object:
{"target_index": <0-based phase index>, "rationale": "<short reason>"}`

// LLMPhaseSelector is a [PhaseSelector] backed by an LLM provider.
type LLMPhaseSelector struct {
	llm         llm.Provider
	temperature float64
}

// SelectorOption configures an [LLMPhaseSelector].
type SelectorOption func(*LLMPhaseSelector)

// WithSelectorTemperature overrides [DefaultPlannerTemperature].
func WithSelectorTemperature(t float64) SelectorOption {
	return func(s *LLMPhaseSelector) { s.temperature = t }
}

// NewLLMPhaseSelector creates a new [LLMPhaseSelector].
func NewLLMPhaseSelector(provider llm.Provider, opts ...SelectorOption) *LLMPhaseSelector {
	s := &LLMPhaseSelector{llm: provider, temperature: DefaultPlannerTemperature}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SelectPhase implements [PhaseSelector].
func (s *LLMPhaseSelector) SelectPhase(ctx context.Context, req PhaseRequest) (PhaseDecision, error) {
	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: fmt.Sprintf(plannerPrompt, FormatPlan(req.Plan)),
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: renderPhaseRequest(req)}},
		Temperature:  llm.Temperature(s.temperature),
	})
	if err != nil {
		return PhaseDecision{}, fmt.Errorf("%w: %w", ErrPhaseSelection, err)
	}
	if resp == nil {
		return PhaseDecision{}, fmt.Errorf("%w: empty response", ErrPhaseSelection)
	}
	return parseDecision(resp.Content)
}

// parseDecision decodes the outermost JSON object in raw.
func parseDecision(raw string) (PhaseDecision, error) {
	obj, ok := braced(raw)
	if !ok {
		return PhaseDecision{}, fmt.Errorf("%w: no JSON object in %q", ErrPhaseSelection, raw)
	}
	var out struct {
		TargetIndex *float64 `json:"target_index"`
		Rationale   string   `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(obj), &out); err != nil {
		return PhaseDecision{}, fmt.Errorf("%w: %w", ErrPhaseSelection, err)
	}
	if out.TargetIndex == nil {
		return PhaseDecision{}, fmt.Errorf("%w: missing target_index", ErrPhaseSelection)
	}
	// Bound before converting; the planner clamps into the plan afterwards.
	idx := min(max(*out.TargetIndex, -maxTargetIndex), maxTargetIndex)
	return PhaseDecision{TargetIndex: int(idx), Rationale: strings.TrimSpace(out.Rationale)}, nil
}

func renderPhaseRequest(req PhaseRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[Session notes]\n%s\n\n", req.Summary)
	fmt.Fprintf(&sb, "[Recent history]\n%s\n\n", req.HistoryText)
	fmt.Fprintf(&sb, "[Plan]\n%s\n\n", FormatPlan(req.Plan))
	phase := UnknownPhase
	if len(req.Plan) > 0 {
		phase = req.Plan[clampIndex(req.CurrentStep, len(req.Plan))]
	}
	fmt.Fprintf(&sb, "[Current phase before your decision]\n%d: %s\n\n", req.CurrentStep, phase)
	if len(req.RecentResults) > 0 {
		sb.WriteString("[Recent progress notes]\n")
		for _, r := range req.RecentResults {
			done := ""
			if r.Done {
				done = " (done)"
			}
			fmt.Fprintf(&sb, "- %s: %s%s\n", r.Phase, r.Note, done)
		}
		sb.WriteByte('\n')
	}
	fmt.Fprintf(&sb, "[Current seller message]\n%s\n\n", req.UserMessage)
	sb.WriteString(`Reply ONLY with JSON like {"target_index": 0, "rationale": "..."}`)
	return sb.String()
}

var _ PhaseSelector = (*LLMPhaseSelector)(nil)
