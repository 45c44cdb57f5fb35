package bus

import (
	"context"

	"orderflow/internal/reliability"
)

// ReliablePublisher wraps a Publisher with rate limiting, a circuit breaker, and retries.
type ReliablePublisher struct {
	base    Publisher
	limiter *reliability.RateLimiter
	breaker *reliability.CircuitBreaker
	retry   reliability.RetryPolicy
}

// NewReliablePublisher constructs a reliability-wrapped publisher. limiter and breaker may be nil.
func NewReliablePublisher(base Publisher, limiter *reliability.RateLimiter, breaker *reliability.CircuitBreaker, retry reliability.RetryPolicy) *ReliablePublisher {
	return &ReliablePublisher{
		base:    base,
		limiter: limiter,
		breaker: breaker,
		retry:   retry,
	}
}

func (p *ReliablePublisher) Publish(ctx context.Context, msg Message) error {
	publish := func() error {
		return p.base.Publish(ctx, msg)
	}
	attempt := func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
		return p.breaker.Execute(publish)
	}
	return p.retry.Do(ctx, attempt)
}
