package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/parley/pkg/provider/llm"
	"github.com/MrWong99/parley/pkg/provider/llm/mock"
)

func TestLLMSummariser_Summarise(t *testing.T) {
	t.Run("structured output is canonicalised", func(t *testing.T) {
		p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{
			Content: "```json\n{\"open_topics\": [\"price\"], \"conclusions\": \"none yet\"}\n```",
		}}
		s := NewLLMSummariser(p)

		got, err := s.Summarise(context.Background(), "", "User: hi\nAgent: hello")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		want := Notes{OpenTopics: "price", Conclusions: "none yet"}.String()
		if got != want {
			t.Errorf("Summarise() = %s, want %s", got, want)
		}

		calls := p.Calls()
		if len(calls) != 1 {
			t.Fatalf("Complete calls = %d, want 1", len(calls))
		}
		req := calls[0].Req
		if req.Temperature == nil || *req.Temperature != DefaultSummaryTemperature {
			t.Errorf("Temperature = %v, want %v", req.Temperature, DefaultSummaryTemperature)
		}
		if !strings.Contains(req.SystemPrompt, "negotiation_state") {
			t.Error("system prompt does not name the notes keys")
		}
		if !strings.Contains(req.Messages[0].Content, "(none)") {
			t.Errorf("user message = %q, want empty notes placeholder", req.Messages[0].Content)
		}
	})

	t.Run("unstructured output replaces wholesale", func(t *testing.T) {
		p := &mock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "  The user is Anna.  "}}
		got, err := NewLLMSummariser(p).Summarise(context.Background(), "old", "User: I'm Anna")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != "The user is Anna." {
			t.Errorf("Summarise() = %q", got)
		}
		if !strings.Contains(p.Calls()[0].Req.Messages[0].Content, "Existing notes:\nold") {
			t.Error("existing notes not forwarded")
		}
	})

	t.Run("errors", func(t *testing.T) {
		boom := errors.New("boom")
		for name, p := range map[string]*mock.Provider{
			"provider error": {CompleteErr: boom},
			"empty output":   {CompleteResponse: &llm.CompletionResponse{Content: "   "}},
			"nil response":   {},
		} {
			t.Run(name, func(t *testing.T) {
				if _, err := NewLLMSummariser(p).Summarise(context.Background(), "", "User: x"); err == nil {
					t.Fatal("expected error")
				}
			})
		}
	})

	t.Run("nothing to fold", func(t *testing.T) {
		p := &mock.Provider{}
		got, err := NewLLMSummariser(p, WithSummaryTemperature(0.5)).Summarise(context.Background(), "keep", "  ")
		if err != nil || got != "keep" {
			t.Errorf("Summarise() = %q, %v; want keep, nil", got, err)
		}
		if len(p.Calls()) != 0 {
			t.Error("provider called for empty input")
		}
	})
}
