package negotiation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/parley/internal/session"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
)

// fakeGuidance is a test double for GuidanceSource.
type fakeGuidance struct {
	text   string
	phases []string
}

func (f *fakeGuidance) Guidance(_ context.Context, phase, _ string) string {
	f.phases = append(f.phases, phase)
	return f.text
}

func TestExecutor_Step(t *testing.T) {
	ctx := context.Background()

	t.Run("marker extraction", func(t *testing.T) {
		p := &llmmock.Provider{Replies: []string{
			"Hello there.\nPLAN_STATE: {\"step_summary\": \"opened rapport\", \"phase_done\": true}",
		}}
		e := NewExecutor(p, nil)
		in := testContext(0)

		out, err := e.Step(ctx, in)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out.Response != "Hello there." {
			t.Errorf("Response = %q, want %q", out.Response, "Hello there.")
		}
		want := session.StepResult{Phase: DefaultPlan()[0], Note: "opened rapport", Done: true}
		if len(out.StepResults) != 1 || out.StepResults[0] != want {
			t.Errorf("StepResults = %+v, want [%+v]", out.StepResults, want)
		}
		if !out.PhaseDone {
			t.Error("PhaseDone = false, want true")
		}
		if out.CurrentStep != 0 {
			t.Errorf("CurrentStep = %d; the executor must not move the phase", out.CurrentStep)
		}
		if len(in.StepResults) != 0 {
			t.Error("executor mutated its input")
		}
	})

	t.Run("no marker appends nothing", func(t *testing.T) {
		p := &llmmock.Provider{Replies: []string{"Nice car. How many owners?"}}
		e := NewExecutor(p, nil)

		out, err := e.Step(ctx, testContext(1))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out.Response != "Nice car. How many owners?" {
			t.Errorf("Response = %q", out.Response)
		}
		if len(out.StepResults) != 0 {
			t.Errorf("StepResults = %+v, want none", out.StepResults)
		}
	})

	t.Run("empty step summary appends nothing", func(t *testing.T) {
		p := &llmmock.Provider{Replies: []string{"Ok.\nPLAN_STATE: {\"step_summary\": \"\", \"phase_done\": true}"}}
		out, err := NewExecutor(p, nil).Step(ctx, testContext(1))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(out.StepResults) != 0 {
			t.Errorf("StepResults = %+v, want none", out.StepResults)
		}
	})

	t.Run("appends to existing results", func(t *testing.T) {
		p := &llmmock.Provider{Replies: []string{"Ok.\nPLAN_STATE: {\"step_summary\": \"second\"}"}}
		in := testContext(2).WithResult(session.StepResult{Phase: "p", Note: "first"})

		out, err := NewExecutor(p, nil).Step(ctx, in)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(out.StepResults) != 2 || out.StepResults[0].Note != "first" || out.StepResults[1].Note != "second" {
			t.Errorf("StepResults = %+v", out.StepResults)
		}
		if len(in.StepResults) != 1 {
			t.Error("executor mutated its input")
		}
	})

	t.Run("guidance in prompt", func(t *testing.T) {
		g := &fakeGuidance{text: "Mirror the seller's words."}
		p := &llmmock.Provider{Replies: []string{"Sure."}}
		e := NewExecutor(p, g, WithExecutorTemperature(0.4), WithRoleContext("ROLE"))

		if _, err := e.Step(ctx, testContext(2)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(g.phases) != 1 || g.phases[0] != DefaultPlan()[2] {
			t.Errorf("guidance phases = %v", g.phases)
		}
		req := p.Calls()[0].Req
		for _, want := range []string{"Mirror the seller's words.", "ROLE", DefaultObjective, MarkerToken} {
			if !strings.Contains(req.SystemPrompt, want) {
				t.Errorf("system prompt missing %q", want)
			}
		}
		if *req.Temperature != 0.4 {
			t.Errorf("temperature = %v, want 0.4", *req.Temperature)
		}
	})

	t.Run("generation failure", func(t *testing.T) {
		for name, p := range map[string]*llmmock.Provider{
			"error": {CompleteErr: errors.New("down")},
			"empty": {Replies: []string{" \n "}},
		} {
			t.Run(name, func(t *testing.T) {
				if _, err := NewExecutor(p, nil).Step(ctx, testContext(0)); !errors.Is(err, session.ErrGeneration) {
					t.Errorf("err = %v, want ErrGeneration", err)
				}
			})
		}
	})
}
