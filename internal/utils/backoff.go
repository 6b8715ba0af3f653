package utils

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Backoff retries a unit of work with exponential delays plus jitter.
type Backoff struct {
	base       time.Duration
	maxRetries int
	jitter     time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

func NewBackoff(base time.Duration, maxRetries int) Backoff {
	return Backoff{base: base, maxRetries: maxRetries, jitter: base / 2, sleep: sleepCtx}
}

// WithoutSleep is used by tests that only care about attempt counts.
func (b Backoff) WithoutSleep() Backoff {
	b.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return b
}

// Permanent wraps an error that must not be retried.
type Permanent struct{ Err error }

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// Do runs fn until it succeeds, returns a *Permanent error, the context ends
// or maxRetries retries have been spent.
func (b Backoff) Do(ctx context.Context, fn func(attempt int) error) error {
	var err error
	for i := 0; i <= b.maxRetries; i++ {
		err = fn(i)
		if err == nil {
			return nil
		}
		var p *Permanent
		if errors.As(err, &p) {
			return p.Err
		}
		if i == b.maxRetries {
			break
		}
		d := time.Duration(1<<i) * b.base
		if b.jitter > 0 {
			d += time.Duration(rand.Int63n(int64(b.jitter)))
		}
		if serr := b.sleep(ctx, d); serr != nil {
			return err
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
