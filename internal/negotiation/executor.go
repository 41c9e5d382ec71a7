package negotiation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

// DefaultExecutorTemperature is the sampling temperature for buyer replies.
const DefaultExecutorTemperature = 0.7

// DefaultRoleContext describes the buyer's private position.
const DefaultRoleContext = `You now play the BUYER of a used car.

Private context:
- You have a safe alternative: your sister's car of the same year for about €10,000
  (€8,000 plus €2,000 in repairs).
- Your mental limit is a total cost of €10,000 for this car, price plus repairs and surprises.
- You want a deal under that limit while keeping a cordial relationship with the seller.

The session notes may carry long_term_objectives, plans_and_strategies and
negotiation_state. Use them silently to keep a consistent strategy over two to four
messages.`

// GuidanceSource returns phase-specific technique notes for the executor
// prompt. It never fails; implementations fall back to generic text.
type GuidanceSource interface {
	Guidance(ctx context.Context, phase, contextText string) string
}

const executorRules = `The negotiation plan has phases (rapport, discovery, creative options,
concessions, recap) but they are mental modes, not levels. You may stay in a phase for several
messages and return to an earlier kind of behaviour when the context changes. Marking a phase
done means its goal is covered for now.

Objective:
%s

Plan:
%s

Current phase to focus on:
%s

Private technique notes for this phase:
%s

Rules:
- Speak as the buyer, never as an AI.
- Each message makes a small step in the current phase; do not solve everything at once.
- Keep your moves consistent with the last few messages and the next ones you intend.
- Never mention the plan or the phases.
- Do not mention your sister unless it really makes sense.
- Ask questions, propose options or make small concessions, always with intent.
- End your message with ONE line:
  ` + MarkerToken + ` {"step_summary": "...", "phase_done": true/false}
  step_summary briefly states what you advanced in this phase this turn. Set phase_done
  to true ONLY if the phase goal is reasonably met for now.`

// Executor is the second stage of a negotiation turn. It produces the
// buyer's reply for the current phase and records progress notes. It never
// changes the phase index.
type Executor struct {
	llm         llm.Provider
	guidance    GuidanceSource
	metrics     *observe.Metrics
	persona     string
	roleContext string
	temperature float64
}

// ExecutorOption configures an [Executor].
type ExecutorOption func(*Executor)

// WithExecutorPersona overrides the persona system prompt. Defaults to
// [conversation.DefaultPersona].
func WithExecutorPersona(prompt string) ExecutorOption {
	return func(e *Executor) {
		if prompt != "" {
			e.persona = prompt
		}
	}
}

// WithRoleContext overrides [DefaultRoleContext].
func WithRoleContext(text string) ExecutorOption {
	return func(e *Executor) {
		if text != "" {
			e.roleContext = text
		}
	}
}

// WithExecutorTemperature overrides [DefaultExecutorTemperature].
func WithExecutorTemperature(t float64) ExecutorOption {
	return func(e *Executor) { e.temperature = t }
}

// WithExecutorMetrics sets the metrics sink. Defaults to
// [observe.DefaultMetrics].
func WithExecutorMetrics(m *observe.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor creates a new [Executor]. guidance may be nil, in which case
// the prompt carries no technique notes.
func NewExecutor(provider llm.Provider, guidance GuidanceSource, opts ...ExecutorOption) *Executor {
	e := &Executor{
		llm:         provider,
		guidance:    guidance,
		persona:     conversation.DefaultPersona(""),
		roleContext: DefaultRoleContext,
		temperature: DefaultExecutorTemperature,
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Step generates the reply for tc's current phase. A non-empty step summary
// in the output's marker appends one [session.StepResult]. Generation errors
// and empty output return an error wrapping [session.ErrGeneration].
func (e *Executor) Step(ctx context.Context, tc TurnContext) (TurnContext, error) {
	ctx, span := observe.StartSpan(ctx, "negotiation.executor")
	defer span.End()

	phase := tc.Phase()
	notes := "(none)"
	if e.guidance != nil {
		if g := strings.TrimSpace(e.guidance.Guidance(ctx, phase, guidanceContext(tc, phase))); g != "" {
			notes = g
		}
	}

	system := e.persona + "\n\n" + e.roleContext + "\n\n" +
		fmt.Sprintf(executorRules, tc.Objective, FormatPlan(tc.Plan), phase, notes)

	start := time.Now()
	resp, err := e.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: renderExecutorInput(tc, phase)}},
		Temperature:  llm.Temperature(e.temperature),
	})
	e.metrics.RecordLLMCall(ctx, "executor", time.Since(start))
	if err != nil {
		return tc, fmt.Errorf("%w: %w", session.ErrGeneration, err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return tc, fmt.Errorf("%w: empty executor output", session.ErrGeneration)
	}

	marker, merr := ParseMarker(resp.Content)
	if merr != nil {
		log := observe.Logger(ctx)
		if errors.Is(merr, ErrNoMarker) {
			log.Debug("negotiation: reply carried no progress marker", "phase", phase)
		} else {
			log.Warn("negotiation: progress marker unreadable", "phase", phase, "err", merr)
		}
		e.metrics.RecordDegradation(ctx, observe.DegradedPhaseMarker)
	}

	out := tc
	out.Response = marker.Visible
	out.PhaseDone = marker.PhaseDone
	if marker.StepSummary != "" {
		out = out.WithResult(session.StepResult{Phase: phase, Note: marker.StepSummary, Done: marker.PhaseDone})
	}
	return out, nil
}

// guidanceContext is the retrieval query context for phase.
func guidanceContext(tc TurnContext, phase string) string {
	return "Strategic notes:\n" + tc.Summary +
		"\n\nRecent history:\n" + tc.HistoryText +
		"\n\nCurrent phase: " + phase +
		"\nObjective: " + tc.Objective
}

func renderExecutorInput(tc TurnContext, phase string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[Session notes]\n%s\n\n", tc.Summary)
	fmt.Fprintf(&sb, "[Recent history]\n%s\n\n", tc.HistoryText)
	fmt.Fprintf(&sb, "[Objective]\n%s\n\n", tc.Objective)
	fmt.Fprintf(&sb, "[Current phase]\n%s\n\n", phase)
	fmt.Fprintf(&sb, "[Current seller message]\n%s\n\n", tc.UserMessage)
	sb.WriteString("Reply as the buyer, advancing the current phase. Be human, strategic and collaborative.\n")
	sb.WriteString("End with the line: " + MarkerToken + ` {"step_summary": "...", "phase_done": true/false}`)
	return sb.String()
}
