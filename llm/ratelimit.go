package llm

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/BaSui01/agentroom/types"
)

type rateLimited struct {
	next    Generator
	limiter *rate.Limiter
}

// RateLimited waits on limiter before each call. A nil limiter disables the gate.
func RateLimited(next Generator, limiter *rate.Limiter) Generator {
	if limiter == nil {
		return next
	}
	return &rateLimited{next: next, limiter: limiter}
}

// NewLimiter builds a limiter from requests per second and burst. rps <= 0
// returns nil.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func (r *rateLimited) Generate(ctx context.Context, cfg types.GenerationConfig, prompt string) (*Result, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, types.NewError(types.ErrRateLimited, "generation rate limit wait aborted").WithCause(err).WithRetryable(true)
	}
	return r.next.Generate(ctx, cfg, prompt)
}
