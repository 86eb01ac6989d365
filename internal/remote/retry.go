package remote

import (
	"context"
	"math"
	"time"

	"github.com/aweris/wcsnap/internal/log"
	"github.com/aweris/wcsnap/internal/store"
)

// Policy bounds retries of transient failures. Delays double from BaseDelay
// up to MaxDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
	}
}

// Delay returns the wait before attempt i+1 (i counts from 0).
func (p Policy) Delay(i int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay // 500ms, 1s, 2s, 4s...
	for n := 0; n < i; n++ {
		if (p.MaxDelay > 0 && d >= p.MaxDelay) || d > math.MaxInt64/2 {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Retry runs fn until it succeeds, fails with a non-transient error, the
// attempts run out, or ctx is done. It returns the number of attempts made.
func Retry[T any](ctx context.Context, p Policy, op string, fn func(context.Context) (T, error)) (T, int, error) {
	var zero T
	attempts := max(p.MaxAttempts, 1)

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return zero, i, err
		}
		result, err := fn(ctx)
		if err == nil {
			return result, i + 1, nil
		}
		lastErr = err
		if !store.IsTransient(err) {
			return zero, i + 1, err
		}
		if i < attempts-1 {
			delay := p.Delay(i)
			log.Debug().Err(err).Str("op", op).Int("attempt", i+1).Dur("backoff", delay).Msg("retrying")
			select {
			case <-ctx.Done():
				return zero, i + 1, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return zero, attempts, lastErr
}
