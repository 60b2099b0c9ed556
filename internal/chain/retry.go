package chain

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultRetryAttempts bounds retries for every RPC call.
	DefaultRetryAttempts = 3
	// DefaultRetryBackoff is multiplied by the attempt number between retries.
	DefaultRetryBackoff = 2 * time.Second
)

// Retry runs fn up to DefaultRetryAttempts times with linearly increasing
// backoff, labelling the final error. Every RPC call site goes through this
// combinator.
func Retry[T any](ctx context.Context, label string, fn func(context.Context) (T, error)) (T, error) {
	return retryRequest(ctx, label, DefaultRetryAttempts, DefaultRetryBackoff, fn)
}

func retryRequest[T any](ctx context.Context, label string, attempts int, backoff time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if attempt < attempts {
			wait := backoff * time.Duration(attempt)
			slog.Warn("rpc_retry", "label", label, "attempt", attempt, "backoff", wait, "error", err)

			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", label, attempts, lastErr)
}
