package query

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Middleware decorates a Handler.
type Middleware func(next Handler) Handler

// RetryConfig controls retry behavior for query execution.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first execution.
	MaxAttempts int
	// Backoff computes the base wait before the next attempt.
	Backoff func(attempt int) time.Duration
	// RetryIf, when provided, returns true if the error should be retried.
	// If nil, all errors are retried (bounded by MaxAttempts).
	RetryIf func(err error) bool
	// Jitter adds up to [0, Jitter] random delay to the base backoff.
	Jitter time.Duration
}

// RetryMiddleware provides bounded, selective retries around a handler.
// Panics are never retried.
func RetryMiddleware(cfg RetryConfig) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, q Query) error {
			var lastErr error
			attempts := cfg.MaxAttempts
			if attempts < 1 {
				attempts = 1
			}
			shouldRetry := cfg.RetryIf
			if shouldRetry == nil {
				shouldRetry = func(error) bool { return true }
			}
			for i := 1; i <= attempts; i++ {
				lastErr = next(ctx, q)
				if lastErr == nil {
					return nil
				}
				if ctx.Err() != nil || errors.Is(lastErr, ErrQueryPanic) {
					return lastErr
				}
				if i == attempts || !shouldRetry(lastErr) {
					return lastErr
				}
				if cfg.Backoff != nil {
					wait := cfg.Backoff(i)
					if cfg.Jitter > 0 {
						wait += time.Duration(rand.Int63n(int64(cfg.Jitter)))
					}
					select {
					case <-ctx.Done():
						return lastErr
					case <-time.After(wait):
					}
				}
			}
			return lastErr
		}
	}
}

// TimeoutMiddleware bounds execution time. When exceeded it returns
// context.DeadlineExceeded; the store call keeps its cancelled context.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, q Query) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						errCh <- fmt.Errorf("%w: %v", ErrQueryPanic, r)
					}
				}()
				errCh <- next(tctx, q)
			}()

			select {
			case <-tctx.Done():
				return tctx.Err()
			case err := <-errCh:
				return err
			}
		}
	}
}

// RecoveryMiddleware converts panics into ErrQueryPanic errors.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, q Query) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrQueryPanic, r)
				}
			}()
			return next(ctx, q)
		}
	}
}

// Chain composes middlewares around a handler; the first one is outermost.
func Chain(h Handler, mws ...Middleware) Handler {
	if len(mws) == 0 {
		return h
	}
	wrapped := h
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
