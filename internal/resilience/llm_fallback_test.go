package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/provider/llm"
	llmmock "github.com/MrWong99/parley/pkg/provider/llm/mock"
)

func newTestFallback(primary, secondary llm.Provider) *LLMFallback {
	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	}, nil)
	fb.AddFallback("secondary", secondary)
	return fb
}

func TestLLMFallback_Complete(t *testing.T) {
	tests := []struct {
		name        string
		primary     *llmmock.Provider
		secondary   *llmmock.Provider
		wantContent string
		wantErr     error
	}{
		{
			name:        "primary success",
			primary:     &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from primary"}},
			secondary:   &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from secondary"}},
			wantContent: "from primary",
		},
		{
			name:        "failover",
			primary:     &llmmock.Provider{CompleteErr: errors.New("primary down")},
			secondary:   &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from secondary"}},
			wantContent: "from secondary",
		},
		{
			name:      "all fail",
			primary:   &llmmock.Provider{CompleteErr: errors.New("primary down")},
			secondary: &llmmock.Provider{CompleteErr: errors.New("secondary down")},
			wantErr:   ErrAllFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := newTestFallback(tt.primary, tt.secondary)
			req := llm.CompletionRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}}

			resp, err := fb.Complete(context.Background(), req)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.Content != tt.wantContent {
				t.Errorf("content = %q, want %q", resp.Content, tt.wantContent)
			}
			if got := tt.primary.CompleteCalls[0].Req.Messages[0].Content; got != "hi" {
				t.Errorf("primary saw %q, want the original request", got)
			}
		})
	}
}

func TestLLMFallback_Capabilities(t *testing.T) {
	primary := &llmmock.Provider{ModelCapabilities: llm.ModelCapabilities{ContextWindow: 128_000}}
	secondary := &llmmock.Provider{ModelCapabilities: llm.ModelCapabilities{ContextWindow: 8_000}}

	fb := newTestFallback(primary, secondary)
	if got := fb.Capabilities().ContextWindow; got != 128_000 {
		t.Errorf("ContextWindow = %d, want primary's 128000", got)
	}
	if got := fb.Names(); len(got) != 2 || got[0] != "primary" {
		t.Errorf("Names = %v, want [primary secondary]", got)
	}
}

func TestWithTimeout(t *testing.T) {
	slow := &llmmock.Provider{
		CompleteFunc: func(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
				return &llm.CompletionResponse{Content: "late"}, nil
			}
		},
	}

	t.Run("deadline exceeded", func(t *testing.T) {
		p := WithTimeout(slow, 10*time.Millisecond)
		_, err := p.Complete(context.Background(), llm.CompletionRequest{})
		if !errors.Is(err, ErrTimeout) || !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("err = %v, want ErrTimeout wrapping DeadlineExceeded", err)
		}
	})

	t.Run("fast call passes through", func(t *testing.T) {
		fast := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "ok"}}
		resp, err := WithTimeout(fast, time.Second).Complete(context.Background(), llm.CompletionRequest{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.Content != "ok" {
			t.Errorf("content = %q, want ok", resp.Content)
		}
	})

	t.Run("provider error is not a timeout", func(t *testing.T) {
		broken := &llmmock.Provider{CompleteErr: errTest}
		_, err := WithTimeout(broken, time.Second).Complete(context.Background(), llm.CompletionRequest{})
		if !errors.Is(err, errTest) || errors.Is(err, ErrTimeout) {
			t.Fatalf("err = %v, want the provider error unchanged", err)
		}
	})

	t.Run("zero disables", func(t *testing.T) {
		if p := WithTimeout(slow, 0); p != llm.Provider(slow) {
			t.Error("WithTimeout(p, 0) should return p")
		}
	})

	t.Run("timeouts trip the breaker", func(t *testing.T) {
		fb := NewLLMFallback(WithTimeout(slow, 5*time.Millisecond), "slow", FallbackConfig{
			CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
		}, nil)
		_, _ = fb.Complete(context.Background(), llm.CompletionRequest{})
		_, err := fb.Complete(context.Background(), llm.CompletionRequest{})
		if !errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("err = %v, want ErrCircuitOpen after a timeout", err)
		}
	})
}
