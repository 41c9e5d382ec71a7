package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// ErrNormalization is returned when the style normaliser fails. The pipeline
// recovers from it by keeping the raw reply.
var ErrNormalization = errors.New("conversation: normalization failed")

// DefaultNormalizerTemperature makes the rewrite deterministic.
const DefaultNormalizerTemperature = 0.0

const normalizerPrompt = `Rewrite the speaker's reply keeping the same meaning and intent, using the
fewest words needed and a direct, human, spoken tone.

Rules:
1. Do not change the topic, intent or direction of the message.
2. If the message is already short and natural, return it unchanged.
3. Compress only when the message has filler, validations, explanations or more than two sentences.
4. Keep at most one or two sentences if the message was long.
5. Do not add new questions. Keep a single question only if the message already had one.
6. Do not add or invent information.

Return only the final rewritten message.`

// Normalizer rewrites a generated reply into the configured register.
type Normalizer interface {
	// Normalize returns the rewritten reply. userMessage is the turn's user
	// input and may be used as context.
	Normalize(ctx context.Context, raw, userMessage string) (string, error)
}

// LLMNormalizer is a [Normalizer] backed by an LLM provider.
type LLMNormalizer struct {
	llm         llm.Provider
	temperature float64
}

// NormalizerOption configures an [LLMNormalizer].
type NormalizerOption func(*LLMNormalizer)

// WithNormalizerTemperature overrides [DefaultNormalizerTemperature].
func WithNormalizerTemperature(t float64) NormalizerOption {
	return func(n *LLMNormalizer) { n.temperature = t }
}

// NewLLMNormalizer creates a new [LLMNormalizer].
func NewLLMNormalizer(provider llm.Provider, opts ...NormalizerOption) *LLMNormalizer {
	n := &LLMNormalizer{llm: provider, temperature: DefaultNormalizerTemperature}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Normalize implements [Normalizer]. Blank input is returned unchanged without
// calling the provider. A provider error or blank output yields an error
// wrapping [ErrNormalization].
func (n *LLMNormalizer) Normalize(ctx context.Context, raw, _ string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}

	resp, err := n.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: normalizerPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: raw}},
		Temperature:  llm.Temperature(n.temperature),
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNormalization, err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("%w: empty output", ErrNormalization)
	}
	return strings.TrimSpace(resp.Content), nil
}

var _ Normalizer = (*LLMNormalizer)(nil)
