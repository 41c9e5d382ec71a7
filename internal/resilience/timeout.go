package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/parley/pkg/provider/llm"
)

// ErrTimeout is returned by providers wrapped with [WithTimeout] when the
// call outlives its deadline.
var ErrTimeout = errors.New("resilience: call timed out")

type timeoutProvider struct {
	next    llm.Provider
	timeout time.Duration
}

// WithTimeout bounds every Complete call on p to d. A call that hits the
// deadline fails with an error wrapping [ErrTimeout] and
// [context.DeadlineExceeded]. A non-positive d returns p unchanged.
func WithTimeout(p llm.Provider, d time.Duration) llm.Provider {
	if d <= 0 {
		return p
	}
	return &timeoutProvider{next: p, timeout: d}
}

func (t *timeoutProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type result struct {
		resp *llm.CompletionResponse
		err  error
	}
	// Buffered so the goroutine can finish after we stop waiting.
	done := make(chan result, 1)
	go func() {
		resp, err := t.next.Complete(ctx, req)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %w", ErrTimeout, t.timeout, r.err)
		}
		return r.resp, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %w", ErrTimeout, t.timeout, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

func (t *timeoutProvider) Capabilities() llm.ModelCapabilities {
	return t.next.Capabilities()
}
