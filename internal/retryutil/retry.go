// Package retryutil wraps fallible calls in bounded exponential backoff.
// It is the single retry primitive used by the provider clients; stage-level
// and optimization-level retries live in the pipeline and stay independent
// of this layer.
package retryutil

import (
	"context"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/shaycohen-verbali/Image-generation/internal/domain"
)

// DefaultBaseDelay is the initial backoff interval between attempts.
const DefaultBaseDelay = 500 * time.Millisecond

// Config bounds one retried call.
type Config struct {
	// Retries is the number of re-attempts after the first call; the call
	// executes at most Retries+1 times.
	Retries int
	// BaseDelay is the initial interval; doubles each attempt with jitter.
	// Zero means DefaultBaseDelay.
	BaseDelay time.Duration
}

// Do executes op until it succeeds, the retryable predicate rejects the
// error, or the retry budget is exhausted. Non-retryable errors propagate
// unchanged; exhaustion returns an error wrapping both ErrRetryExceeded and
// the last cause. Jitter avoids thundering-herd on provider throttling.
func Do[T any](ctx context.Context, cfg Config, retryable func(error) bool, op func() (T, error)) (T, error) {
	var result T
	base := cfg.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}

	lastRetryable := false
	attempt := func() error {
		v, err := op()
		if err != nil {
			if retryable == nil || !retryable(err) {
				lastRetryable = false
				return backoff.Permanent(err)
			}
			lastRetryable = true
			return err
		}
		result = v
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = base
	expo.Multiplier = 2
	expo.RandomizationFactor = 0.25
	expo.MaxInterval = 30 * time.Second
	expo.MaxElapsedTime = 0

	bo := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(max(cfg.Retries, 0))), ctx)
	if err := backoff.Retry(attempt, bo); err != nil {
		var zero T
		if lastRetryable {
			return zero, fmt.Errorf("%w: %w", domain.ErrRetryExceeded, err)
		}
		// backoff.Retry unwraps Permanent errors to the original cause.
		return zero, err
	}
	return result, nil
}
