// Package conversation implements the direct-reply turn pipeline: it appends
// the user's message, compacts history when needed, asks the persona model for
// a reply, optionally normalises the reply's style and persists the session.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

// DefaultTemperature is the sampling temperature for persona replies.
const DefaultTemperature = 0.7

// Pipeline runs conversation turns against a [session.Store].
//
// A Pipeline holds no per-session data and is safe for concurrent use. Turns
// on the same session must be serialised by the caller (see
// [session.Store.Lock]).
type Pipeline struct {
	store       session.Store
	compactor   *session.Compactor
	llm         llm.Provider
	normalizer  Normalizer
	metrics     *observe.Metrics
	personaName string
	persona     string
	temperature float64
	labels      session.Labels
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithNormalizer enables style normalisation of generated replies.
func WithNormalizer(n Normalizer) Option {
	return func(p *Pipeline) { p.normalizer = n }
}

// WithPersona overrides the persona name and system prompt. An empty prompt
// selects [DefaultPersona] for name.
func WithPersona(name, prompt string) Option {
	return func(p *Pipeline) {
		if name != "" {
			p.personaName = name
		}
		p.persona = prompt
	}
}

// WithTemperature overrides [DefaultTemperature].
func WithTemperature(t float64) Option {
	return func(p *Pipeline) { p.temperature = t }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New creates a new [Pipeline].
func New(store session.Store, compactor *session.Compactor, provider llm.Provider, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:       store,
		compactor:   compactor,
		llm:         provider,
		personaName: DefaultPersonaName,
		temperature: DefaultTemperature,
		labels:      session.DefaultLabels,
	}
	for _, o := range opts {
		o(p)
	}
	if p.persona == "" {
		p.persona = DefaultPersona(p.personaName)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// RunTurn processes one user message on st and returns the reply.
//
// The user turn is always persisted. When generation fails RunTurn returns an
// error wrapping [session.ErrGeneration] and no assistant turn is added.
// Compaction and normalisation failures are logged and do not fail the turn.
func (p *Pipeline) RunTurn(ctx context.Context, st *session.State, userMessage string) (reply string, err error) {
	ctx = observe.WithConversation(ctx, observe.Conversation{UserID: st.Key.UserID, SessionID: st.Key.SessionID, Mode: "chat"})
	ctx, span := observe.StartSpan(ctx, "conversation.turn")
	defer span.End()
	defer func() { p.metrics.RecordTurn(ctx, "chat", err) }()

	log := observe.Logger(ctx)

	st.AppendTurn(session.RoleUser, userMessage)

	compacted, cerr := p.compactor.MaybeCompact(ctx, st)
	switch {
	case cerr != nil:
		log.Warn("conversation: compaction failed, keeping full history", "err", cerr)
		p.metrics.RecordCompaction(ctx, cerr)
		p.metrics.RecordDegradation(ctx, observe.DegradedCompaction)
	case compacted:
		log.Debug("conversation: history compacted", "turns_kept", len(st.History))
		p.metrics.RecordCompaction(ctx, nil)
	}

	raw, err := p.generate(ctx, st, userMessage)
	if err != nil {
		if serr := p.store.Save(ctx, st); serr != nil {
			return "", errors.Join(err, fmt.Errorf("conversation: save: %w", serr))
		}
		return "", err
	}

	reply = raw
	if p.normalizer != nil {
		start := time.Now()
		norm, nerr := p.normalizer.Normalize(ctx, raw, userMessage)
		p.metrics.RecordLLMCall(ctx, "normalize", time.Since(start))
		switch {
		case nerr != nil:
			log.Warn("conversation: normalization failed, using raw reply", "err", nerr)
			p.metrics.RecordDegradation(ctx, observe.DegradedNormalization)
		case strings.TrimSpace(norm) == "":
			log.Warn("conversation: normalizer returned empty output, using raw reply")
			p.metrics.RecordDegradation(ctx, observe.DegradedNormalization)
		default:
			reply = strings.TrimSpace(norm)
		}
	}

	st.AppendTurn(session.RoleAssistant, reply)
	if err := p.store.Save(ctx, st); err != nil {
		return "", fmt.Errorf("conversation: save: %w", err)
	}
	return reply, nil
}

// generate calls the persona model with the rendered context.
func (p *Pipeline) generate(ctx context.Context, st *session.State, userMessage string) (string, error) {
	prompt := renderTurnPrompt(
		p.personaName,
		session.RenderSummary(st.Summary),
		session.FormatTurns(st.History, p.labels),
		userMessage,
	)

	start := time.Now()
	resp, err := p.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: p.persona,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature:  llm.Temperature(p.temperature),
	})
	p.metrics.RecordLLMCall(ctx, "reply", time.Since(start))
	if err != nil {
		return "", fmt.Errorf("%w: %w", session.ErrGeneration, err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("%w: empty reply", session.ErrGeneration)
	}
	return strings.TrimSpace(resp.Content), nil
}
