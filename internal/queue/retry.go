package queue

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/docindex-crawler/internal/crawler"
)

// RetryPolicy decides whether a failed attempt is retried and how long to wait.
type RetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewRetryPolicy builds an exponential policy: attempt n waits base*2^(n-1).
// maxDelay <= 0 disables the cap.
func NewRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) *RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBackoff
	}
	return &RetryPolicy{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// MaxAttempts returns the total attempt budget per job.
func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry reports whether the job gets another attempt after attemptsMade
// attempts ended with err.
func (p *RetryPolicy) ShouldRetry(err error, attemptsMade int) bool {
	if err == nil {
		return false
	}
	if attemptsMade >= p.maxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !crawler.IsPermanent(err)
}

// Backoff returns the wait before the attempt following attemptsMade.
func (p *RetryPolicy) Backoff(attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	delay := p.baseDelay
	for i := 1; i < attemptsMade; i++ {
		delay *= 2
		if p.maxDelay > 0 && delay >= p.maxDelay {
			return p.maxDelay
		}
	}
	if p.maxDelay > 0 && delay > p.maxDelay {
		return p.maxDelay
	}
	return delay
}
