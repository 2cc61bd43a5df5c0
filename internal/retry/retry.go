// Copyright 2025 James Ross
//
// Package retry implements the exponential-backoff, jittered retry policy
// wrapping a single provider call. Classification is the only decision
// point: retryable errors get another attempt, terminal errors surface
// immediately.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/Raghavaaa/lindia-ai/internal/apierr"
	"github.com/Raghavaaa/lindia-ai/internal/obs"
)

// Policy holds the backoff schedule. Construct with New.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Base         float64
	Jitter       bool
}

func New(maxAttempts int, initialDelay, maxDelay time.Duration, base float64, jitter bool) *Policy {
	return &Policy{
		MaxAttempts:  maxAttempts,
		InitialDelay: initialDelay,
		MaxDelay:     maxDelay,
		Base:         base,
		Jitter:       jitter,
	}
}

// Op is the operation a retry wraps. It returns an error classified via
// apierr.AsError/Class so Execute can tell retryable from terminal.
type Op func(ctx context.Context, attempt int) error

// Execute runs op up to MaxAttempts times, sleeping a jittered exponential
// backoff between attempts, until it succeeds or hits a terminal error or
// runs out of attempts.
func (p *Policy) Execute(ctx context.Context, op Op) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if !Retryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}
		obs.JobsRetried.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.delay(attempt)):
		}
	}
	return lastErr
}

func (p *Policy) delay(attempt int) time.Duration {
	d := float64(p.InitialDelay) * math.Pow(p.Base, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d *= 0.75 + rand.Float64()*0.5 // uniform in [0.75, 1.25]
	}
	return time.Duration(d)
}

// Retryable classifies err using its apierr.Class when tagged. An
// un-tagged error is retryable only if it is context.DeadlineExceeded, the
// only place this package accepts that looser signal; cancellation and any
// other un-tagged error are terminal.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if tagged, ok := apierr.AsError(err); ok {
		return tagged.Class().WorkerRetryable()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
