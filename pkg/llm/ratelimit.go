package llm

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimitedProvider wraps a provider with a token-bucket rate limiter.
// Every Complete and Stream call waits for a limiter slot before reaching
// the upstream provider, which keeps planner/analyzer bursts inside the
// provider's request-per-minute budget.
type RateLimitedProvider struct {
	provider Provider
	limiter  *rate.Limiter
}

// NewRateLimitedProvider wraps a provider with the given requests-per-second
// limit and burst size. A zero or negative rps disables limiting.
func NewRateLimitedProvider(provider Provider, rps float64, burst int) *RateLimitedProvider {
	var limiter *rate.Limiter
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}

	return &RateLimitedProvider{
		provider: provider,
		limiter:  limiter,
	}
}

// Name returns the wrapped provider's name.
func (p *RateLimitedProvider) Name() string {
	return p.provider.Name()
}

// Complete waits for a limiter slot, then delegates to the wrapped provider.
func (p *RateLimitedProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return p.provider.Complete(ctx, req)
}

// Stream waits for a limiter slot, then delegates to the wrapped provider.
func (p *RateLimitedProvider) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return p.provider.Stream(ctx, req)
}
