package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// DefaultSummaryTemperature keeps notes close to the source text.
const DefaultSummaryTemperature = 0.2

const summarisationPrompt = `You maintain long-term conversation notes for an assistant.
You receive the existing notes (possibly empty) and a block of older conversation turns
that are about to be removed from the visible history.
Merge the new information into the notes. Keep everything from the existing notes that
is still relevant, correct anything the new turns contradict, and drop nothing important.

Reply with a single JSON object and nothing else, using exactly these keys:
personal_details, emotional_state, open_topics, conclusions, continuation_notes,
long_term_objectives, plans_and_strategies, negotiation_state.
Every value is a short plain-text string; use "" when there is nothing to note.`

var errEmptySummary = errors.New("summariser returned empty output")

// Summariser folds a block of rendered turns into the existing summary.
type Summariser interface {
	// Summarise returns the replacement summary. It must not return an empty
	// string without an error.
	Summarise(ctx context.Context, existing, turns string) (string, error)
}

// LLMSummariser uses an LLM provider to maintain structured [Notes].
type LLMSummariser struct {
	llm         llm.Provider
	temperature float64
}

// SummariserOption configures an [LLMSummariser].
type SummariserOption func(*LLMSummariser)

// WithSummaryTemperature overrides [DefaultSummaryTemperature].
func WithSummaryTemperature(t float64) SummariserOption {
	return func(s *LLMSummariser) { s.temperature = t }
}

// NewLLMSummariser creates a new [LLMSummariser] backed by the given provider.
func NewLLMSummariser(provider llm.Provider, opts ...SummariserOption) *LLMSummariser {
	s := &LLMSummariser{llm: provider, temperature: DefaultSummaryTemperature}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Summarise asks the model for updated notes. Output that parses as [Notes]
// is re-encoded canonically; other non-empty output is returned trimmed and
// replaces the summary as plain text.
func (s *LLMSummariser) Summarise(ctx context.Context, existing, turns string) (string, error) {
	if strings.TrimSpace(turns) == "" {
		return existing, nil
	}
	if strings.TrimSpace(existing) == "" {
		existing = "(none)"
	}

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summarisationPrompt,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: "Existing notes:\n" + existing + "\n\nTurns to fold in:\n" + turns,
		}},
		Temperature: llm.Temperature(s.temperature),
	})
	if err != nil {
		return "", fmt.Errorf("summarise: %w", err)
	}
	if resp == nil {
		return "", fmt.Errorf("summarise: %w", errEmptySummary)
	}

	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", fmt.Errorf("summarise: %w", errEmptySummary)
	}
	if n, err := ParseNotes(text); err == nil {
		return n.String(), nil
	}
	return text, nil
}
