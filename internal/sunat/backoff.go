package sunat

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Backoff is a bounded retry policy with exponential delay and jitter. It is
// shared by the HTTP transport and by remote-ticket polling, parameterized
// per call site.
type Backoff struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // cap on any single delay; 0 means no cap
	Jitter      float64       // fraction of the delay randomized, e.g. 0.2
}

// DefaultBackoff matches the platform client defaults: three attempts with a
// one second base delay.
var DefaultBackoff = Backoff{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Jitter: 0.2}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as non-retryable; Retry stops immediately and
// returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Delay computes the pause before the given attempt (1-based: Delay(1) is the
// pause after the first failure).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.BaseDelay << (attempt - 1)
	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}
	if b.Jitter > 0 {
		spread := float64(d) * b.Jitter
		d = time.Duration(float64(d) - spread/2 + rand.Float64()*spread)
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Retry runs fn up to MaxAttempts times, sleeping between attempts. A
// Permanent error or context cancellation stops the loop. The last error is
// returned once attempts are exhausted.
func (b Backoff) Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := b.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		timer := time.NewTimer(b.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
