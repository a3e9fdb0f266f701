// Package retry runs operations with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// ErrStopped wraps the last error when RetryIf rejects it.
var ErrStopped = errors.New("retry: not retryable")

type Operation func(ctx context.Context) error

type Policy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
	Factor   float64
	// Jitter spreads each delay uniformly over [d*(1-Jitter), d].
	Jitter  float64
	OnRetry func(attempt int, err error, wait time.Duration)
	RetryIf func(err error) bool
}

type Option func(*Policy)

func DefaultPolicy() *Policy {
	return &Policy{
		Attempts: 3,
		Base:     250 * time.Millisecond,
		Max:      5 * time.Second,
		Factor:   2,
	}
}

func Attempts(n int) Option { return func(p *Policy) { p.Attempts = n } }

func Base(d time.Duration) Option { return func(p *Policy) { p.Base = d } }

func Max(d time.Duration) Option { return func(p *Policy) { p.Max = d } }

func Jitter(f float64) Option { return func(p *Policy) { p.Jitter = f } }

func OnRetry(fn func(attempt int, err error, wait time.Duration)) Option {
	return func(p *Policy) { p.OnRetry = fn }
}

func RetryIf(fn func(err error) bool) Option {
	return func(p *Policy) { p.RetryIf = fn }
}

// Do calls op until it succeeds, the attempts run out or ctx ends. After
// the last attempt the last error is returned.
func Do(ctx context.Context, op Operation, opts ...Option) error {
	p := DefaultPolicy()
	for _, opt := range opts {
		opt(p)
	}
	if p.Attempts < 1 {
		p.Attempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			if err != nil {
				return fmt.Errorf("%w (last error: %v)", cerr, err)
			}
			return cerr
		}

		if err = op(ctx); err == nil {
			return nil
		}
		if p.RetryIf != nil && !p.RetryIf(err) {
			return fmt.Errorf("%w: %w", ErrStopped, err)
		}
		if attempt >= p.Attempts {
			return fmt.Errorf("gave up after %d attempts: %w", attempt, err)
		}

		wait := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-t.C:
		}
	}
}

// Delay is the wait after the given failed attempt, starting at 1.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(p.Base) * math.Pow(p.Factor, float64(attempt-1))
	if p.Max > 0 {
		d = min(d, float64(p.Max))
	}
	if p.Jitter > 0 {
		d -= d * p.Jitter * rand.Float64()
	}
	return time.Duration(d)
}

// Backoff doubles base once per failure, capping the shift at maxShift and
// the result at max.
func Backoff(failures int, base, max time.Duration, maxShift int) time.Duration {
	if failures <= 0 {
		return base
	}

	shift := min(failures, maxShift)
	d := base << shift
	if d <= 0 || d > max {
		return max
	}
	return d
}
