package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

// scriptedProvider returns canned responses/errors in order.
type scriptedProvider struct {
	name    string
	results []func() (*CompletionResponse, error)
	calls   int
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if p.calls >= len(p.results) {
		return nil, errors.New("script exhausted")
	}
	fn := p.results[p.calls]
	p.calls++
	return fn()
}

func (p *scriptedProvider) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	ch := make(chan StreamChunk, 1)
	ch <- StreamChunk{Content: resp.Content, FinishReason: FinishReasonStop}
	close(ch)
	return ch, nil
}

func ok(content string) func() (*CompletionResponse, error) {
	return func() (*CompletionResponse, error) {
		return &CompletionResponse{Content: content, FinishReason: FinishReasonStop}, nil
	}
}

func fail(msg string) func() (*CompletionResponse, error) {
	return func() (*CompletionResponse, error) {
		return nil, errors.New(msg)
	}
}

func fastRetryConfig(maxRetries int) RetryConfig {
	return RetryConfig{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestRetryableProvider_SucceedsAfterTransientFailure(t *testing.T) {
	provider := &scriptedProvider{
		name:    "scripted",
		results: []func() (*CompletionResponse, error){fail("connection reset"), ok("hello")},
	}

	retryable := NewRetryableProvider(provider, fastRetryConfig(3))

	resp, err := retryable.Complete(context.Background(), CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("Content = %q", resp.Content)
	}
	if provider.calls != 2 {
		t.Errorf("provider called %d times, want 2", provider.calls)
	}
}

func TestRetryableProvider_NonRetryableStopsImmediately(t *testing.T) {
	provider := &scriptedProvider{
		name:    "scripted",
		results: []func() (*CompletionResponse, error){fail("invalid api key"), ok("never reached")},
	}

	retryable := NewRetryableProvider(provider, fastRetryConfig(3))

	_, err := retryable.Complete(context.Background(), CompletionRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	if provider.calls != 1 {
		t.Errorf("provider called %d times, want 1", provider.calls)
	}
}

func TestRetryableProvider_ExhaustsRetries(t *testing.T) {
	provider := &scriptedProvider{
		name: "scripted",
		results: []func() (*CompletionResponse, error){
			fail("overloaded"), fail("overloaded"), fail("overloaded"),
		},
	}

	retryable := NewRetryableProvider(provider, fastRetryConfig(2))

	_, err := retryable.Complete(context.Background(), CompletionRequest{})
	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Errorf("error = %v, want ErrMaxRetriesExceeded", err)
	}
	if provider.calls != 3 {
		t.Errorf("provider called %d times, want 3", provider.calls)
	}
}

func TestRetryableProvider_ContextCancellation(t *testing.T) {
	provider := &scriptedProvider{
		name:    "scripted",
		results: []func() (*CompletionResponse, error){fail("overloaded"), ok("late")},
	}

	cfg := fastRetryConfig(3)
	cfg.InitialDelay = time.Second

	retryable := NewRetryableProvider(provider, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := retryable.Complete(ctx, CompletionRequest{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded", err)
	}
}

func TestRateLimitedProvider_PassesThrough(t *testing.T) {
	provider := &scriptedProvider{name: "scripted", results: []func() (*CompletionResponse, error){ok("fast")}}

	limited := NewRateLimitedProvider(provider, 100, 1)

	resp, err := limited.Complete(context.Background(), CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if resp.Content != "fast" {
		t.Errorf("Content = %q", resp.Content)
	}
	if limited.Name() != "scripted" {
		t.Errorf("Name() = %q", limited.Name())
	}
}

func TestRateLimitedProvider_ZeroRateDisablesLimiting(t *testing.T) {
	provider := &scriptedProvider{name: "scripted", results: []func() (*CompletionResponse, error){ok("x")}}

	limited := NewRateLimitedProvider(provider, 0, 0)

	if _, err := limited.Complete(context.Background(), CompletionRequest{}); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
}
