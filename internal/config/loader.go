package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr          = ":8000"
	DefaultRequestTimeout      = 60 * time.Second
	DefaultCallTimeout         = 60 * time.Second
	DefaultContextLimitTurns   = 12
	DefaultKeepLastTurns       = 4
	DefaultGuidanceDir         = "phase_docs"
	DefaultGuidanceTopK        = 3
	DefaultEmbeddingDimensions = 1536
	DefaultOpenAIModel         = "gpt-4o-mini"
	DefaultOpenAIEmbedModel    = "text-embedding-3-small"

	defaultMainTemperature       = 0.7
	defaultSummaryTemperature    = 0.2
	defaultPlannerTemperature    = 0.0
	defaultExecutorTemperature   = 0.7
	defaultNormalizerTemperature = 0.0
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected. An empty document yields
// the default configuration, which fails validation only because no LLM
// provider is named.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := Decode(r)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode parses a YAML config from r without applying defaults or
// validating. Unknown keys are rejected; an empty document yields a zero
// Config. Use it when environment overrides must be applied before
// [ApplyDefaults] and [Validate].
func Decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default. It is idempotent.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = DefaultRequestTimeout
	}

	if p := &cfg.Providers.LLM; p.Name == "openai" && p.Model == "" {
		p.Model = DefaultOpenAIModel
	}
	if p := &cfg.Providers.Embeddings; p.Name == "openai" && p.Model == "" {
		p.Model = DefaultOpenAIEmbedModel
	}

	if cfg.Memory.ContextLimitTurns == 0 {
		cfg.Memory.ContextLimitTurns = DefaultContextLimitTurns
	}
	if cfg.Memory.KeepLastTurns == 0 {
		cfg.Memory.KeepLastTurns = DefaultKeepLastTurns
	}

	g := &cfg.Generation
	setDefault(&g.MainTemperature, defaultMainTemperature)
	setDefault(&g.SummaryTemperature, defaultSummaryTemperature)
	setDefault(&g.PlannerTemperature, defaultPlannerTemperature)
	setDefault(&g.ExecutorTemperature, defaultExecutorTemperature)
	setDefault(&g.NormalizerTemperature, defaultNormalizerTemperature)
	setDefault(&g.Normalize, true)
	if g.CallTimeout == 0 {
		g.CallTimeout = DefaultCallTimeout
	}

	n := &cfg.Negotiation
	if n.GuidanceDir == "" {
		n.GuidanceDir = DefaultGuidanceDir
	}
	if n.GuidanceTopK == 0 {
		n.GuidanceTopK = DefaultGuidanceTopK
	}
	if n.GuidanceBackend == "" {
		n.GuidanceBackend = GuidanceAuto
	}
	if n.EmbeddingDimensions == 0 {
		n.EmbeddingDimensions = DefaultEmbeddingDimensions
	}
}

func setDefault[T any](p **T, v T) {
	if *p == nil {
		*p = &v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.request_timeout %s must not be negative", cfg.Server.RequestTimeout))
	}

	// Providers
	if !cfg.Providers.LLM.IsSet() {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	for _, role := range []struct {
		path  string
		entry ProviderEntry
	}{
		{"providers.llm", cfg.Providers.LLM},
		{"providers.summary", cfg.Providers.Summary},
		{"providers.planner", cfg.Providers.Planner},
		{"providers.executor", cfg.Providers.Executor},
		{"providers.normalizer", cfg.Providers.Normalizer},
	} {
		validateProviderName("llm", role.path, role.entry.Name)
	}
	validateProviderName("embeddings", "providers.embeddings", cfg.Providers.Embeddings.Name)
	for i, fb := range cfg.Providers.Fallbacks {
		path := fmt.Sprintf("providers.fallbacks[%d]", i)
		if !fb.IsSet() {
			errs = append(errs, fmt.Errorf("%s.name is required", path))
			continue
		}
		validateProviderName("llm", path, fb.Name)
	}

	// Memory
	if cfg.Memory.ContextLimitTurns < 1 {
		errs = append(errs, fmt.Errorf("memory.context_limit_turns %d must be at least 1", cfg.Memory.ContextLimitTurns))
	}
	if cfg.Memory.KeepLastTurns < 1 {
		errs = append(errs, fmt.Errorf("memory.keep_last_turns %d must be at least 1", cfg.Memory.KeepLastTurns))
	}
	if cfg.Memory.KeepLastTurns > cfg.Memory.ContextLimitTurns && cfg.Memory.ContextLimitTurns >= 1 {
		slog.Warn("memory.keep_last_turns exceeds memory.context_limit_turns; every compaction keeps the whole history window",
			"keep_last_turns", cfg.Memory.KeepLastTurns,
			"context_limit_turns", cfg.Memory.ContextLimitTurns,
		)
	}

	// Generation
	g := cfg.Generation
	for _, t := range []struct {
		path string
		v    *float64
	}{
		{"generation.main_temperature", g.MainTemperature},
		{"generation.summary_temperature", g.SummaryTemperature},
		{"generation.planner_temperature", g.PlannerTemperature},
		{"generation.executor_temperature", g.ExecutorTemperature},
		{"generation.normalizer_temperature", g.NormalizerTemperature},
	} {
		if t.v != nil && (*t.v < 0 || *t.v > 2) {
			errs = append(errs, fmt.Errorf("%s %.2f is out of range [0, 2]", t.path, *t.v))
		}
	}
	if g.CallTimeout < 0 {
		errs = append(errs, fmt.Errorf("generation.call_timeout %s must not be negative", g.CallTimeout))
	}

	// Negotiation
	n := cfg.Negotiation
	for i, step := range n.Plan {
		if strings.TrimSpace(step) == "" {
			errs = append(errs, fmt.Errorf("negotiation.plan[%d] must not be empty", i))
		}
	}
	if n.GuidanceTopK < 0 {
		errs = append(errs, fmt.Errorf("negotiation.guidance_top_k %d must not be negative", n.GuidanceTopK))
	}
	if n.GuidanceBackend != "" && !n.GuidanceBackend.IsValid() {
		errs = append(errs, fmt.Errorf("negotiation.guidance_backend %q is invalid; valid values: auto, memory, postgres, lexical, off", n.GuidanceBackend))
	}
	switch n.GuidanceBackend {
	case GuidancePostgres:
		if n.PostgresDSN == "" {
			errs = append(errs, errors.New("negotiation.guidance_backend postgres requires negotiation.postgres_dsn"))
		}
		fallthrough
	case GuidanceMemory:
		if !cfg.Providers.Embeddings.IsSet() {
			errs = append(errs, fmt.Errorf("negotiation.guidance_backend %s requires providers.embeddings", n.GuidanceBackend))
		}
	}
	if n.EmbeddingDimensions < 0 {
		errs = append(errs, fmt.Errorf("negotiation.embedding_dimensions %d must not be negative", n.EmbeddingDimensions))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, path, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("config: unknown provider name, may be a typo or third-party provider",
		"path", path,
		"name", name,
		"known", known,
	)
}
