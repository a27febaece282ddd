package llm

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"
)

const (
	retryAttempts  = 3
	retryBaseDelay = 100 * time.Millisecond
)

// Invoker is the function retried by Retry — typically a closure over
// Client.Invoke with the call's messages and tools bound.
type Invoker func(ctx context.Context) (*Completion, error)

// Retry invokes fn up to three times, backing off exponentially with
// 100-500 ms jitter between attempts. Structural provider errors
// (unknown model, unavailable provider, unsupported binding) are not
// retried; neither is context cancellation.
func Retry(ctx context.Context, fn Invoker) (*Completion, error) {
	var lastErr error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		resp, err := fn(ctx)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !retryable(err) || ctx.Err() != nil {
			return nil, err
		}
		if attempt == retryAttempts {
			break
		}

		delay := retryBaseDelay<<(attempt-1) + jitter()
		slog.Warn("LLM call failed, retrying",
			"attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrModelUnknown) || errors.Is(err, ErrToolBindingUnsupported) || errors.Is(err, ErrProviderUnavailable) {
		return false
	}
	return true
}

// jitter returns a random 100-500 ms pause.
func jitter() time.Duration {
	return time.Duration(100+rand.IntN(401)) * time.Millisecond
}
