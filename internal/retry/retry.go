// Package retry provides the bounded retry combinator used around venue
// adapter calls. Retries stay inside a single event's processing; a failed
// operation is never replayed across event boundaries.
package retry

import (
	"context"
	"time"

	"github.com/jpillora/backoff"

	"trademirror/internal/ports"
)

// DefaultAttempts and DefaultBaseDelay give the standard adapter-call policy:
// 3 attempts with 100ms/200ms/400ms delays.
const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 100 * time.Millisecond
)

// WithRetry runs op up to attempts times, sleeping with exponential backoff
// (baseDelay, doubling) between failures. Only errors classified transient by
// ports.IsTransient are retried; any other error is returned immediately.
// Context cancellation aborts the wait and returns the context error wrapped
// with the last operation error.
func WithRetry(ctx context.Context, attempts int, baseDelay time.Duration, op func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	b := &backoff.Backoff{
		Min:    baseDelay,
		Max:    baseDelay << uint(attempts), // Cap above the last scheduled delay
		Factor: 2,
		Jitter: false,
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !ports.IsTransient(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-time.After(b.Duration()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
