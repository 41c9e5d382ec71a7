package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/provider/llm"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
)

var testKey = session.Key{UserID: "user-1", SessionID: "sess-1"}

// fakeSummariser is a test double for session.Summariser.
type fakeSummariser struct {
	result string
	err    error
	calls  int
}

func (f *fakeSummariser) Summarise(_ context.Context, _, _ string) (string, error) {
	f.calls++
	return f.result, f.err
}

// fakeNormalizer is a test double for Normalizer.
type fakeNormalizer struct {
	result string
	err    error
	raw    []string
}

func (f *fakeNormalizer) Normalize(_ context.Context, raw, _ string) (string, error) {
	f.raw = append(f.raw, raw)
	return f.result, f.err
}

func newPipeline(t *testing.T, gen llm.Provider, sum session.Summariser, opts ...Option) (*Pipeline, *session.MemStore) {
	t.Helper()
	if sum == nil {
		sum = &fakeSummariser{result: "notes"}
	}
	store := session.NewMemStore()
	c := session.NewCompactor(session.CompactorConfig{Summariser: sum})
	return New(store, c, gen, opts...), store
}

func runTurn(t *testing.T, p *Pipeline, store session.Store, msg string) (string, error) {
	t.Helper()
	ctx := context.Background()
	st, err := store.GetOrCreate(ctx, testKey)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	return p.RunTurn(ctx, st, msg)
}

func stored(t *testing.T, store session.Store) *session.State {
	t.Helper()
	st, err := store.GetOrCreate(context.Background(), testKey)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	return st
}

func TestRunTurn_FreshSession(t *testing.T) {
	gen := &llmmock.Provider{Replies: []string{"  Hey. Long day?  "}}
	p, store := newPipeline(t, gen, nil)

	reply, err := runTurn(t, p, store, "hi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "Hey. Long day?" {
		t.Errorf("reply = %q, want %q", reply, "Hey. Long day?")
	}

	st := stored(t, store)
	want := []session.Turn{
		{Role: session.RoleUser, Content: "hi"},
		{Role: session.RoleAssistant, Content: "Hey. Long day?"},
	}
	if len(st.History) != len(want) {
		t.Fatalf("history = %+v, want %+v", st.History, want)
	}
	for i := range want {
		if st.History[i] != want[i] {
			t.Errorf("history[%d] = %+v, want %+v", i, st.History[i], want[i])
		}
	}
	if st.TurnCount != 2 {
		t.Errorf("TurnCount = %d, want 2", st.TurnCount)
	}
	if st.Summary != "" {
		t.Errorf("Summary = %q, want empty", st.Summary)
	}
}

func TestRunTurn_Prompt(t *testing.T) {
	gen := &llmmock.Provider{Replies: []string{"ok"}}
	p, store := newPipeline(t, gen, nil, WithPersona("Rosa", ""), WithTemperature(0.5))

	if _, err := runTurn(t, p, store, "what's up"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	calls := gen.Calls()
	if len(calls) != 1 {
		t.Fatalf("provider calls = %d, want 1", len(calls))
	}
	req := calls[0].Req
	if !strings.Contains(req.SystemPrompt, "You are Rosa") {
		t.Errorf("system prompt does not name the persona: %q", req.SystemPrompt)
	}
	if req.Temperature == nil || *req.Temperature != 0.5 {
		t.Errorf("temperature = %v, want 0.5", req.Temperature)
	}
	body := req.Messages[0].Content
	for _, want := range []string{session.NoSummaryPlaceholder, "User: what's up", "what's up"} {
		if !strings.Contains(body, want) {
			t.Errorf("prompt missing %q:\n%s", want, body)
		}
	}
}

func TestRunTurn_GenerationFailure(t *testing.T) {
	tests := []struct {
		name string
		gen  *llmmock.Provider
	}{
		{"provider error", &llmmock.Provider{CompleteErr: errors.New("upstream down")}},
		{"empty reply", &llmmock.Provider{Replies: []string{"   "}}},
		{"nil response", &llmmock.Provider{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, store := newPipeline(t, tt.gen, nil)

			_, err := runTurn(t, p, store, "hello?")
			if !errors.Is(err, session.ErrGeneration) {
				t.Fatalf("err = %v, want ErrGeneration", err)
			}

			st := stored(t, store)
			if len(st.History) != 1 || st.History[0].Role != session.RoleUser {
				t.Errorf("history = %+v, want only the user turn", st.History)
			}
			if st.TurnCount != 1 {
				t.Errorf("TurnCount = %d, want 1", st.TurnCount)
			}
		})
	}
}

func TestRunTurn_Normalizer(t *testing.T) {
	tests := []struct {
		name string
		norm *fakeNormalizer
		want string
	}{
		{"rewrites reply", &fakeNormalizer{result: "Short."}, "Short."},
		{"error keeps raw", &fakeNormalizer{err: ErrNormalization}, "A long and winding reply."},
		{"empty keeps raw", &fakeNormalizer{result: "  "}, "A long and winding reply."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &llmmock.Provider{Replies: []string{"A long and winding reply."}}
			p, store := newPipeline(t, gen, nil, WithNormalizer(tt.norm))

			reply, err := runTurn(t, p, store, "tell me")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if reply != tt.want {
				t.Errorf("reply = %q, want %q", reply, tt.want)
			}
			if len(tt.norm.raw) != 1 || tt.norm.raw[0] != "A long and winding reply." {
				t.Errorf("normalizer input = %v", tt.norm.raw)
			}
			st := stored(t, store)
			if got := st.History[len(st.History)-1].Content; got != tt.want {
				t.Errorf("stored assistant turn = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRunTurn_Compaction(t *testing.T) {
	ctx := context.Background()

	t.Run("compacts past the limit", func(t *testing.T) {
		gen := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "sure"}}
		sum := &fakeSummariser{result: `{"open_topics":"the trip"}`}
		p, store := newPipeline(t, gen, sum)

		for range session.DefaultContextLimitTurns + 1 {
			if _, err := runTurn(t, p, store, "again"); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}

		st := stored(t, store)
		if sum.calls != 1 {
			t.Errorf("summariser calls = %d, want 1", sum.calls)
		}
		if st.Summary != `{"open_topics":"the trip"}` {
			t.Errorf("Summary = %q", st.Summary)
		}
		// Four kept user turns with their replies.
		if len(st.History) != 2*session.DefaultKeepLastTurns {
			t.Errorf("history length = %d, want %d", len(st.History), 2*session.DefaultKeepLastTurns)
		}
		if st.TurnCount != 2*(session.DefaultContextLimitTurns+1) {
			t.Errorf("TurnCount = %d, compaction must not lower it", st.TurnCount)
		}
	})

	t.Run("summariser failure does not fail the turn", func(t *testing.T) {
		gen := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "sure"}}
		sum := &fakeSummariser{err: errors.New("rate limited")}
		p, store := newPipeline(t, gen, sum)

		for range session.DefaultContextLimitTurns + 1 {
			if _, err := runTurn(t, p, store, "again"); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}

		st, _ := store.GetOrCreate(ctx, testKey)
		if st.Summary != "" {
			t.Errorf("Summary = %q, want empty", st.Summary)
		}
		if len(st.History) != 2*(session.DefaultContextLimitTurns+1) {
			t.Errorf("history length = %d, want full history", len(st.History))
		}
	})
}
