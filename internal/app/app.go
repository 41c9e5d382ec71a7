// Package app wires all parley subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API until its context is cancelled, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithSessionStore,
// WithRetriever, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/guidance"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/httpapi"
	"github.com/MrWong99/parley/internal/negotiation"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/provider/embeddings"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

// LLM is a named language model backend. The name labels metrics and logs.
type LLM struct {
	Name     string
	Provider llm.Provider
}

// Providers holds one model per role. Only LLM is required; nil roles fall
// back the same way their config entries do (see [config.ProviderEntry.Inherit]).
// Populated by main.go via the config registry.
type Providers struct {
	LLM        LLM
	Summary    LLM
	Planner    LLM
	Executor   LLM
	Normalizer LLM

	// Fallbacks are tried in order when a role's backend fails.
	Fallbacks []LLM

	// Embeddings enables vector guidance retrieval. May be nil.
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes and serves the parley HTTP API.
type App struct {
	cfg       *config.Config
	providers *Providers

	// Subsystems, initialised in New and torn down in Shutdown.
	metrics        *observe.Metrics
	metricsHandler http.Handler
	store          session.Store
	retriever      guidance.Retriever
	guard          *guidance.Guard
	chat           *conversation.Pipeline
	negotiate      *negotiation.Controller
	checkers       []health.Checker
	handler        http.Handler
	server         *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionStore injects a session store instead of creating a MemStore.
func WithSessionStore(s session.Store) Option {
	return func(a *App) { a.store = s }
}

// WithRetriever injects a guidance retriever instead of building the
// configured backend.
func WithRetriever(r guidance.Retriever) Option {
	return func(a *App) { a.retriever = r }
}

// WithMetrics injects the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: provider wrapping, persona
// loading, guidance indexing and HTTP route assembly.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM.Provider == nil {
		return nil, errors.New("app: an LLM provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// 1. Session store
	if a.store == nil {
		a.store = session.NewMemStore()
	}
	if err := a.metrics.ObserveSessions(a.store.Len); err != nil {
		return nil, fmt.Errorf("app: register session gauge: %w", err)
	}

	// 2. Role providers
	roles := a.resolveRoles()

	// 3. Persona
	persona, err := a.loadPersona()
	if err != nil {
		return nil, fmt.Errorf("app: load persona: %w", err)
	}

	// 4. Conversation pipeline
	a.initChat(roles, persona)

	// 5. Guidance retrieval
	if err := a.initGuidance(ctx); err != nil {
		return nil, fmt.Errorf("app: init guidance: %w", err)
	}

	// 6. Negotiation controller
	a.initNegotiation(roles, persona)

	// 7. HTTP surface
	a.initHTTP()

	return a, nil
}

// roleSet is the wrapped provider for every LLM role.
type roleSet struct {
	main, summary, planner, executor, normalizer llm.Provider
}

// resolveRoles applies role inheritance, call timeouts and fallbacks.
func (a *App) resolveRoles() roleSet {
	p := a.providers
	inherit := func(slot, parent LLM) LLM {
		if slot.Provider == nil {
			return parent
		}
		return slot
	}
	summary := inherit(p.Summary, p.LLM)
	return roleSet{
		main:       a.wrap("llm", p.LLM),
		summary:    a.wrap("summary", summary),
		planner:    a.wrap("planner", inherit(p.Planner, summary)),
		executor:   a.wrap("executor", inherit(p.Executor, p.LLM)),
		normalizer: a.wrap("normalizer", inherit(p.Normalizer, summary)),
	}
}

// wrap bounds every call of slot and, with fallbacks configured, puts it in
// front of a circuit-broken fallback chain. Each role gets its own breakers.
func (a *App) wrap(role string, slot LLM) llm.Provider {
	timeout := a.cfg.Generation.CallTimeout
	primary := resilience.WithTimeout(slot.Provider, timeout)
	if len(a.providers.Fallbacks) == 0 {
		return primary
	}

	fb := resilience.NewLLMFallback(primary, slot.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			Name: role,
			OnStateChange: func(_ string, _, to resilience.State) {
				if to == resilience.StateOpen {
					a.metrics.RecordDegradation(context.Background(), observe.DegradedCircuitOpen)
				}
			},
		},
	}, a.metrics)
	for _, f := range a.providers.Fallbacks {
		fb.AddFallback(f.Name, resilience.WithTimeout(f.Provider, timeout))
	}
	slog.Debug("app: llm fallback chain", "role", role, "chain", fb.Names())
	return fb
}

// loadPersona returns the persona system prompt: the configured prompt file,
// or the built-in persona for the configured name.
func (a *App) loadPersona() (string, error) {
	path := a.cfg.Persona.PromptFile
	if path == "" {
		return conversation.DefaultPersona(a.cfg.Persona.Name), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	prompt := strings.TrimSpace(string(raw))
	if prompt == "" {
		return "", fmt.Errorf("persona prompt file %q is empty", path)
	}
	return prompt, nil
}

func (a *App) compactor(summariser session.Summariser, labels session.Labels) *session.Compactor {
	return session.NewCompactor(session.CompactorConfig{
		ContextLimitTurns: a.cfg.Memory.ContextLimitTurns,
		KeepLastTurns:     a.cfg.Memory.KeepLastTurns,
		Summariser:        summariser,
		Labels:            labels,
	})
}

func (a *App) summariser(roles roleSet) session.Summariser {
	return session.NewLLMSummariser(roles.summary,
		session.WithSummaryTemperature(temperature(a.cfg.Generation.SummaryTemperature, session.DefaultSummaryTemperature)),
	)
}

// initChat builds the direct-reply pipeline.
func (a *App) initChat(roles roleSet, persona string) {
	g := a.cfg.Generation
	opts := []conversation.Option{
		conversation.WithPersona(a.cfg.Persona.Name, persona),
		conversation.WithTemperature(temperature(g.MainTemperature, conversation.DefaultTemperature)),
		conversation.WithMetrics(a.metrics),
	}
	if g.Normalize == nil || *g.Normalize {
		opts = append(opts, conversation.WithNormalizer(conversation.NewLLMNormalizer(roles.normalizer,
			conversation.WithNormalizerTemperature(temperature(g.NormalizerTemperature, conversation.DefaultNormalizerTemperature)),
		)))
	}
	a.chat = conversation.New(a.store, a.compactor(a.summariser(roles), session.DefaultLabels), roles.main, opts...)
}

// initNegotiation builds the planner/executor controller.
func (a *App) initNegotiation(roles roleSet, persona string) {
	g := a.cfg.Generation
	selector := negotiation.NewLLMPhaseSelector(roles.planner,
		negotiation.WithSelectorTemperature(temperature(g.PlannerTemperature, negotiation.DefaultPlannerTemperature)),
	)
	executor := negotiation.NewExecutor(roles.executor, a.guard,
		negotiation.WithExecutorPersona(persona),
		negotiation.WithExecutorTemperature(temperature(g.ExecutorTemperature, negotiation.DefaultExecutorTemperature)),
		negotiation.WithExecutorMetrics(a.metrics),
	)
	a.negotiate = negotiation.NewController(
		a.store,
		a.compactor(a.summariser(roles), negotiation.Labels),
		negotiation.NewPlanner(selector, a.metrics),
		executor,
		negotiation.WithObjective(a.cfg.Negotiation.Objective),
		negotiation.WithPlan(a.cfg.Negotiation.Plan),
		negotiation.WithControllerMetrics(a.metrics),
	)
}

// initGuidance builds the technique retriever for the configured backend and
// wraps it in a [guidance.Guard]. Missing documents leave the guard without a
// retriever, so every turn uses the fallback notes.
func (a *App) initGuidance(ctx context.Context) error {
	n := a.cfg.Negotiation
	opts := []guidance.GuardOption{
		guidance.WithTopK(n.GuidanceTopK),
		guidance.WithSearchTimeout(a.cfg.Generation.CallTimeout),
		guidance.WithGuardMetrics(a.metrics),
	}
	defer func() {
		a.guard = guidance.NewGuard(a.retriever, opts...)
		a.checkers = append(a.checkers, health.DegradedFlag("guidance", a.guard.IsDegraded, "retrieval failing, using fallback notes"))
	}()

	if a.retriever != nil || n.GuidanceBackend == config.GuidanceOff {
		return nil
	}

	docs, err := guidance.LoadDir(n.GuidanceDir)
	if err != nil {
		slog.Warn("guidance: no technique documents, using fallback notes", "dir", n.GuidanceDir, "err", err)
		return nil
	}
	if len(docs) == 0 {
		slog.Warn("guidance: technique directory is empty, using fallback notes", "dir", n.GuidanceDir)
		return nil
	}

	backend := n.GuidanceBackend
	if backend == config.GuidanceAuto {
		backend = a.autoBackend()
	}

	r, err := a.buildRetriever(ctx, backend, docs)
	switch {
	case err == nil:
		a.retriever = r
	case n.GuidanceBackend == config.GuidanceAuto:
		slog.Warn("guidance: vector index unavailable, falling back to lexical ranking", "backend", backend, "err", err)
		a.metrics.RecordDegradation(ctx, observe.DegradedRetrieval)
		backend = config.GuidanceLexical
		a.retriever = guidance.NewLexicalIndex(docs)
	default:
		return err
	}
	slog.Info("guidance: technique documents indexed", "backend", backend, "documents", len(docs))
	return nil
}

// autoBackend picks the strongest backend the configuration supports.
func (a *App) autoBackend() config.GuidanceBackend {
	switch {
	case a.providers.Embeddings != nil && a.cfg.Negotiation.PostgresDSN != "":
		return config.GuidancePostgres
	case a.providers.Embeddings != nil:
		return config.GuidanceMemory
	default:
		return config.GuidanceLexical
	}
}

func (a *App) buildRetriever(ctx context.Context, backend config.GuidanceBackend, docs []guidance.Document) (guidance.Retriever, error) {
	switch backend {
	case config.GuidanceLexical:
		return guidance.NewLexicalIndex(docs), nil

	case config.GuidanceMemory:
		if a.providers.Embeddings == nil {
			return nil, errors.New("memory backend requires an embeddings provider")
		}
		idx := guidance.NewMemIndex(a.providers.Embeddings)
		if err := idx.Index(ctx, docs); err != nil {
			return nil, err
		}
		return idx, nil

	case config.GuidancePostgres:
		if a.providers.Embeddings == nil {
			return nil, errors.New("postgres backend requires an embeddings provider")
		}
		idx, err := guidance.NewPGIndex(ctx, a.cfg.Negotiation.PostgresDSN, a.providers.Embeddings, a.cfg.Negotiation.EmbeddingDimensions)
		if err != nil {
			return nil, err
		}
		if err := idx.Index(ctx, docs); err != nil {
			idx.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			idx.Close()
			return nil
		})
		a.checkers = append(a.checkers, health.Ping("postgres", idx.Ping))
		return idx, nil

	default:
		return nil, fmt.Errorf("unknown guidance backend %q", backend)
	}
}

// initHTTP assembles the router and server.
func (a *App) initHTTP() {
	opts := []httpapi.Option{
		httpapi.WithHealth(health.New(a.checkers...)),
		httpapi.WithMetrics(a.metrics),
		httpapi.WithRequestTimeout(a.cfg.Server.RequestTimeout),
	}
	if a.metricsHandler != nil {
		opts = append(opts, httpapi.WithMetricsHandler(a.metricsHandler))
	}
	a.handler = httpapi.New(a.store, a.chat, a.negotiate, opts...).Routes()
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// Handler returns the HTTP handler serving the parley API.
func (a *App) Handler() http.Handler { return a.handler }

// Run serves the HTTP API and blocks until ctx is cancelled or the server
// fails. When ctx is done, Run returns context.Canceled (or the underlying
// cause); call Shutdown afterwards to drain in-flight requests.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is like Run but accepts connections on ln.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Serve(ln)
	}()

	slog.Info("app running", "addr", ln.Addr().String())
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown stops accepting requests, waits for in-flight turns and then runs
// the closers in order. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// temperature dereferences a configured temperature.
func temperature(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}
