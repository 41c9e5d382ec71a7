package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/pkg/provider/embeddings"
	"github.com/MrWong99/parley/pkg/provider/llm"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: debug
  request_timeout: 30s

providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
  planner:
    model: gpt-4o
  embeddings:
    name: openai
    api_key: sk-test
    model: text-embedding-3-small
  fallbacks:
    - name: anthropic
      model: claude-haiku

memory:
  context_limit_turns: 8
  keep_last_turns: 2

generation:
  main_temperature: 0.9
  planner_temperature: 0
  call_timeout: 20s
  normalize: false

persona:
  name: Marta

negotiation:
  objective: Sell the bike for at least 300 euros.
  plan:
    - Open warmly.
    - Close the deal.
  guidance_backend: memory
  guidance_top_k: 5
`

func mustLoad(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return cfg
}

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	cfg := mustLoad(t, sampleYAML)

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if cfg.Server.RequestTimeout != 30*time.Second {
		t.Errorf("server.request_timeout: got %s, want 30s", cfg.Server.RequestTimeout)
	}
	if cfg.Providers.Planner.Model != "gpt-4o" || cfg.Providers.Planner.IsSet() {
		t.Errorf("providers.planner: got %+v, want model-only entry", cfg.Providers.Planner)
	}
	if len(cfg.Providers.Fallbacks) != 1 || cfg.Providers.Fallbacks[0].Name != "anthropic" {
		t.Errorf("providers.fallbacks: got %+v", cfg.Providers.Fallbacks)
	}
	if cfg.Memory.ContextLimitTurns != 8 || cfg.Memory.KeepLastTurns != 2 {
		t.Errorf("memory: got %+v, want 8/2", cfg.Memory)
	}
	if *cfg.Generation.MainTemperature != 0.9 {
		t.Errorf("generation.main_temperature: got %v, want 0.9", *cfg.Generation.MainTemperature)
	}
	if *cfg.Generation.PlannerTemperature != 0 {
		t.Errorf("generation.planner_temperature: got %v, want explicit 0", *cfg.Generation.PlannerTemperature)
	}
	if *cfg.Generation.Normalize {
		t.Error("generation.normalize: got true, want false")
	}
	if cfg.Persona.Name != "Marta" {
		t.Errorf("persona.name: got %q, want Marta", cfg.Persona.Name)
	}
	if !slices.Equal(cfg.Negotiation.Plan, []string{"Open warmly.", "Close the deal."}) {
		t.Errorf("negotiation.plan: got %q", cfg.Negotiation.Plan)
	}
	if cfg.Negotiation.GuidanceTopK != 5 {
		t.Errorf("negotiation.guidance_top_k: got %d, want 5", cfg.Negotiation.GuidanceTopK)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	cfg := mustLoad(t, "providers:\n  llm:\n    name: openai\n")

	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr = %q, want %q", cfg.Server.ListenAddr, config.DefaultListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Providers.LLM.Model != config.DefaultOpenAIModel {
		t.Errorf("llm model = %q, want %q", cfg.Providers.LLM.Model, config.DefaultOpenAIModel)
	}
	if cfg.Memory.ContextLimitTurns != 12 || cfg.Memory.KeepLastTurns != 4 {
		t.Errorf("memory = %+v, want 12/4", cfg.Memory)
	}
	g := cfg.Generation
	temps := map[string]struct {
		got  *float64
		want float64
	}{
		"main":       {g.MainTemperature, 0.7},
		"summary":    {g.SummaryTemperature, 0.2},
		"planner":    {g.PlannerTemperature, 0.0},
		"executor":   {g.ExecutorTemperature, 0.7},
		"normalizer": {g.NormalizerTemperature, 0.0},
	}
	for name, tt := range temps {
		if tt.got == nil || *tt.got != tt.want {
			t.Errorf("%s temperature = %v, want %v", name, tt.got, tt.want)
		}
	}
	if g.Normalize == nil || !*g.Normalize {
		t.Error("normalize should default to true")
	}
	if g.CallTimeout != config.DefaultCallTimeout {
		t.Errorf("call_timeout = %s, want %s", g.CallTimeout, config.DefaultCallTimeout)
	}
	n := cfg.Negotiation
	if n.GuidanceDir != "phase_docs" || n.GuidanceTopK != 3 || n.GuidanceBackend != config.GuidanceAuto || n.EmbeddingDimensions != 1536 {
		t.Errorf("negotiation defaults = %+v", n)
	}
}

func TestLoadFromReader_EmptyNeedsLLM(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader(""))
	if err == nil || !strings.Contains(err.Error(), "providers.llm.name is required") {
		t.Fatalf("err = %v, want missing LLM provider", err)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("providers:\n  llm:\n    name: openai\nvoices: []\n"))
	if err == nil {
		t.Fatal("expected error for unknown top-level key")
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Persona.Name != "Marta" {
		t.Errorf("persona.name = %q, want Marta", cfg.Persona.Name)
	}

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want os.ErrNotExist", err)
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr []string
	}{
		{
			name:    "invalid log level",
			yaml:    "server: {log_level: verbose}",
			wantErr: []string{"server.log_level"},
		},
		{
			name:    "keep below one",
			yaml:    "memory: {keep_last_turns: -1}",
			wantErr: []string{"memory.keep_last_turns"},
		},
		{
			name:    "temperature out of range",
			yaml:    "generation: {main_temperature: 2.5, normalizer_temperature: -0.1}",
			wantErr: []string{"generation.main_temperature", "generation.normalizer_temperature"},
		},
		{
			name:    "empty plan step",
			yaml:    "negotiation: {plan: [\"Open.\", \" \"]}",
			wantErr: []string{"negotiation.plan[1]"},
		},
		{
			name:    "unknown backend",
			yaml:    "negotiation: {guidance_backend: elastic}",
			wantErr: []string{"negotiation.guidance_backend"},
		},
		{
			name:    "postgres needs dsn and embeddings",
			yaml:    "negotiation: {guidance_backend: postgres}",
			wantErr: []string{"postgres_dsn", "providers.embeddings"},
		},
		{
			name:    "memory needs embeddings",
			yaml:    "negotiation: {guidance_backend: memory}",
			wantErr: []string{"providers.embeddings"},
		},
		{
			name:    "fallback without name",
			yaml:    "providers: {llm: {name: openai}, fallbacks: [{model: x}]}",
			wantErr: []string{"providers.fallbacks[0].name"},
		},
		{
			name: "lexical needs nothing",
			yaml: "negotiation: {guidance_backend: lexical}",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			doc := tt.yaml
			if !strings.Contains(doc, "providers:") {
				doc = "providers: {llm: {name: openai}}\n" + doc
			}
			_, err := config.LoadFromReader(strings.NewReader(doc))
			if len(tt.wantErr) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			for _, want := range tt.wantErr {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error should mention %q, got: %v", want, err)
				}
			}
		})
	}
}

func TestProviderEntry_Inherit(t *testing.T) {
	parent := config.ProviderEntry{Name: "openai", APIKey: "sk", Model: "gpt-4o-mini"}

	tests := []struct {
		name  string
		entry config.ProviderEntry
		want  config.ProviderEntry
	}{
		{"empty takes parent", config.ProviderEntry{}, parent},
		{"model only overrides model", config.ProviderEntry{Model: "gpt-4o"}, config.ProviderEntry{Name: "openai", APIKey: "sk", Model: "gpt-4o"}},
		{"named entry stands alone", config.ProviderEntry{Name: "ollama", Model: "llama3"}, config.ProviderEntry{Name: "ollama", Model: "llama3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.entry.Inherit(parent)
			if got.Name != tt.want.Name || got.APIKey != tt.want.APIKey || got.Model != tt.want.Model {
				t.Errorf("Inherit = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	reg := config.NewRegistry()
	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateLLM err = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := reg.CreateEmbeddings(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateEmbeddings err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_Registered(t *testing.T) {
	reg := config.NewRegistry()
	wantLLM := &stubLLM{}
	wantEmb := &stubEmbeddings{}
	var gotEntry config.ProviderEntry
	reg.RegisterLLM("stub", func(e config.ProviderEntry) (llm.Provider, error) {
		gotEntry = e
		return wantLLM, nil
	})
	reg.RegisterLLM("another", func(config.ProviderEntry) (llm.Provider, error) { return wantLLM, nil })
	reg.RegisterEmbeddings("stub", func(config.ProviderEntry) (embeddings.Provider, error) { return wantEmb, nil })

	got, err := reg.CreateLLM(config.ProviderEntry{Name: "stub", Model: "m"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != wantLLM || gotEntry.Model != "m" {
		t.Error("factory did not receive the entry or returned another instance")
	}
	emb, err := reg.CreateEmbeddings(config.ProviderEntry{Name: "stub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if emb != wantEmb {
		t.Error("returned embeddings provider is not the expected instance")
	}
	if names := reg.LLMNames(); !slices.Equal(names, []string{"another", "stub"}) {
		t.Errorf("LLMNames = %v, want sorted names", names)
	}
	if names := reg.EmbeddingsNames(); !slices.Equal(names, []string{"stub"}) {
		t.Errorf("EmbeddingsNames = %v", names)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := config.NewRegistry()
	wantErr := errors.New("factory boom")
	reg.RegisterLLM("broken", func(e config.ProviderEntry) (llm.Provider, error) {
		return nil, wantErr
	})
	_, err := reg.CreateLLM(config.ProviderEntry{Name: "broken"})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected factory error %v, got %v", wantErr, err)
	}
}

// ── Stub implementations ──────────────────────────────────────────────────────

type stubLLM struct{}

func (s *stubLLM) Complete(_ context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{}, nil
}
func (s *stubLLM) Capabilities() llm.ModelCapabilities { return llm.ModelCapabilities{} }

type stubEmbeddings struct{}

func (s *stubEmbeddings) Embed(_ context.Context, _ string) ([]float32, error) { return nil, nil }
func (s *stubEmbeddings) EmbedBatch(_ context.Context, _ []string) ([][]float32, error) {
	return nil, nil
}
func (s *stubEmbeddings) Dimensions() int { return 0 }
func (s *stubEmbeddings) ModelID() string { return "stub" }
