package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// LookupFunc reads one environment variable. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// envVar binds one setting to the variables that may override it, in
// priority order. The PARLEY_ names come first; the rest are legacy names
// existing deployments still export.
type envVar struct {
	keys  []string
	apply func(cfg *Config, v string) error
}

var envVars = []envVar{
	{[]string{"PARLEY_LISTEN_ADDR"}, func(c *Config, v string) error { c.Server.ListenAddr = v; return nil }},
	{[]string{"PARLEY_LOG_LEVEL"}, func(c *Config, v string) error { c.Server.LogLevel = LogLevel(v); return nil }},

	{[]string{"PARLEY_LLM_PROVIDER"}, func(c *Config, v string) error { c.Providers.LLM.Name = v; return nil }},
	{[]string{"PARLEY_LLM_MODEL", "OPENAI_MODEL_NAME"}, func(c *Config, v string) error { c.Providers.LLM.Model = v; return nil }},
	{[]string{"PARLEY_LLM_BASE_URL"}, func(c *Config, v string) error { c.Providers.LLM.BaseURL = v; return nil }},
	{[]string{"PARLEY_LLM_API_KEY"}, func(c *Config, v string) error { c.Providers.LLM.APIKey = v; return nil }},
	{[]string{"PARLEY_SUMMARY_MODEL", "SUMMARY_MODEL_NAME"}, func(c *Config, v string) error { c.Providers.Summary.Model = v; return nil }},
	{[]string{"PARLEY_PLANNER_MODEL", "PLANNER_MODEL_NAME"}, func(c *Config, v string) error { c.Providers.Planner.Model = v; return nil }},
	{[]string{"PARLEY_EXECUTOR_MODEL", "EXECUTOR_MODEL_NAME"}, func(c *Config, v string) error { c.Providers.Executor.Model = v; return nil }},
	{[]string{"PARLEY_NORMALIZER_MODEL", "NORMALIZER_MODEL_NAME"}, func(c *Config, v string) error { c.Providers.Normalizer.Model = v; return nil }},
	{[]string{"PARLEY_EMBEDDINGS_MODEL", "EMBEDDINGS_MODEL_NAME"}, func(c *Config, v string) error { c.Providers.Embeddings.Model = v; return nil }},

	{[]string{"PARLEY_CONTEXT_LIMIT_TURNS", "CONTEXT_LIMIT_TURNS"}, intVar(func(c *Config) *int { return &c.Memory.ContextLimitTurns })},
	{[]string{"PARLEY_KEEP_LAST_TURNS", "KEEP_LAST_TURNS"}, intVar(func(c *Config) *int { return &c.Memory.KeepLastTurns })},

	{[]string{"PARLEY_MAIN_TEMPERATURE", "MAIN_TEMPERATURE"}, floatVar(func(c *Config) **float64 { return &c.Generation.MainTemperature })},
	{[]string{"PARLEY_SUMMARY_TEMPERATURE", "SUMMARY_TEMPERATURE"}, floatVar(func(c *Config) **float64 { return &c.Generation.SummaryTemperature })},
	{[]string{"PARLEY_PLANNER_TEMPERATURE", "PLANNER_TEMPERATURE"}, floatVar(func(c *Config) **float64 { return &c.Generation.PlannerTemperature })},
	{[]string{"PARLEY_EXECUTOR_TEMPERATURE", "EXECUTOR_TEMPERATURE"}, floatVar(func(c *Config) **float64 { return &c.Generation.ExecutorTemperature })},
	{[]string{"PARLEY_NORMALIZER_TEMPERATURE", "NORMALIZER_TEMPERATURE"}, floatVar(func(c *Config) **float64 { return &c.Generation.NormalizerTemperature })},
	{[]string{"PARLEY_CALL_TIMEOUT"}, func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		c.Generation.CallTimeout = d
		return nil
	}},

	{[]string{"PARLEY_GUIDANCE_DIR", "NEGOTIATION_RAG_DIR"}, func(c *Config, v string) error { c.Negotiation.GuidanceDir = v; return nil }},
	{[]string{"PARLEY_GUIDANCE_BACKEND"}, func(c *Config, v string) error { c.Negotiation.GuidanceBackend = GuidanceBackend(v); return nil }},
	{[]string{"PARLEY_POSTGRES_DSN"}, func(c *Config, v string) error { c.Negotiation.PostgresDSN = v; return nil }},
}

// vendorKeys maps provider names to the API key variable their vendor SDKs
// conventionally read.
var vendorKeys = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"gemini":    "GEMINI_API_KEY",
	"deepseek":  "DEEPSEEK_API_KEY",
	"mistral":   "MISTRAL_API_KEY",
	"groq":      "GROQ_API_KEY",
}

// ApplyEnv overrides cfg from environment variables. For each setting the
// first variable that is set and non-empty wins. An LLM entry left without a
// name becomes "openai" when OPENAI_API_KEY is set, as does an embeddings
// entry that names a model but no provider. Afterwards every provider
// entry without an API key picks up its vendor's conventional variable
// (OPENAI_API_KEY and friends), and ollama entries without a base URL pick
// up OLLAMA_HOST.
//
// Unparseable values are reported together; the remaining overrides are
// still applied. Call [Validate] afterwards.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	var errs []error
	for _, ev := range envVars {
		key, v, ok := firstSet(lookup, ev.keys)
		if !ok {
			continue
		}
		if err := ev.apply(cfg, v); err != nil {
			errs = append(errs, fmt.Errorf("config: env %s: %w", key, err))
		}
	}

	// Single-vendor deployments export nothing but the OpenAI key.
	if v, ok := lookup(vendorKeys["openai"]); ok && v != "" {
		if !cfg.Providers.LLM.IsSet() {
			cfg.Providers.LLM.Name = "openai"
		}
		if e := &cfg.Providers.Embeddings; !e.IsSet() && e.Model != "" {
			e.Name = "openai"
		}
	}

	for _, e := range providerEntries(cfg) {
		if e.APIKey == "" {
			if key, ok := vendorKeys[e.Name]; ok {
				if v, ok := lookup(key); ok {
					e.APIKey = v
				}
			}
		}
		if e.Name == "ollama" && e.BaseURL == "" {
			if v, ok := lookup("OLLAMA_HOST"); ok {
				e.BaseURL = v
			}
		}
	}
	return errors.Join(errs...)
}

func firstSet(lookup LookupFunc, keys []string) (string, string, bool) {
	for _, k := range keys {
		if v, ok := lookup(k); ok && v != "" {
			return k, v, true
		}
	}
	return "", "", false
}

// providerEntries returns pointers to every provider entry in cfg.
func providerEntries(cfg *Config) []*ProviderEntry {
	p := &cfg.Providers
	out := []*ProviderEntry{&p.LLM, &p.Summary, &p.Planner, &p.Executor, &p.Normalizer, &p.Embeddings}
	for i := range p.Fallbacks {
		out = append(out, &p.Fallbacks[i])
	}
	return out
}

func intVar(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func floatVar(field func(*Config) **float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*field(c) = &f
		return nil
	}
}
