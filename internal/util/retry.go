package util

import (
	"context"
	"math/rand"
	"time"
)

// Retry calls fn up to maxAttempts times with exponential backoff starting at
// baseDelay, plus up to 25% random jitter per sleep so synchronized retriers
// spread out. It returns nil on the first successful call, or the last error
// if all attempts fail. Context cancellation is respected between retries.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	var err error
	delay := baseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Don't sleep after the last failed attempt.
		if attempt < maxAttempts-1 {
			sleep := delay
			if sleep > 0 {
				sleep += time.Duration(rand.Int63n(int64(sleep)/4 + 1))
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(sleep):
			}
			delay *= 2
		}
	}

	return err
}
