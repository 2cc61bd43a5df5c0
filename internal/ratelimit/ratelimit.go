// Copyright 2025 James Ross
//
// Package ratelimit implements the per-(tenant, endpoint) sliding-window
// rate limiter: a bounded ordered sequence of request timestamps evicted on
// each call, plus a second shorter burst window layered on top with
// golang.org/x/time/rate's token bucket. Grounded on the teacher's
// advanced-rate-limiting package's per-key state map, adapted from a
// Redis-Lua token bucket to an in-process sliding window plus burst bucket.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Raghavaaa/lindia-ai/internal/apierr"
	"github.com/Raghavaaa/lindia-ai/internal/obs"
)

// Info is returned alongside the allow/deny decision.
type Info struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	Window    string
}

type perKeyState struct {
	mu        sync.Mutex
	timestamps []time.Time
	burst      *rate.Limiter
}

// Limiter enforces a per-minute sliding window with a per-second burst
// bucket layered on top, keyed by (tenantID, endpoint).
type Limiter struct {
	mu            sync.Mutex
	states        map[string]*perKeyState
	window        time.Duration
	burstWindow   time.Duration
	perMinute     func(tenantID string) int
	burstCapacity func(tenantID string) int
}

// New constructs a Limiter. perMinute and burstCapacity resolve a tenant's
// tier-specific limits (supplied by the caller) at call time, so a tier
// change takes effect on the very next check.
func New(window, burstWindow time.Duration, perMinute, burstCapacity func(tenantID string) int) *Limiter {
	return &Limiter{
		states:        make(map[string]*perKeyState),
		window:        window,
		burstWindow:   burstWindow,
		perMinute:     perMinute,
		burstCapacity: burstCapacity,
	}
}

func (l *Limiter) stateFor(key string, burstCap int) *perKeyState {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.states[key]
	if !ok {
		s = &perKeyState{
			burst: rate.NewLimiter(rate.Every(l.burstWindow/time.Duration(max(burstCap, 1))), max(burstCap, 1)),
		}
		l.states[key] = s
	} else if c := max(burstCap, 1); s.burst.Burst() != c {
		s.burst.SetLimit(rate.Every(l.burstWindow / time.Duration(c)))
		s.burst.SetBurst(c)
	}
	return s
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// CheckAndConsume evicts timestamps older than the sliding window, compares
// the remaining count against tenantID's per-minute limit, and on
// admission appends the current timestamp and consumes one burst token.
func (l *Limiter) CheckAndConsume(tenantID, endpoint string) (Info, error) {
	limit := l.perMinute(tenantID)
	burstCap := l.burstCapacity(tenantID)
	key := tenantID + ":" + endpoint
	s := l.stateFor(key, burstCap)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)
	kept := s.timestamps[:0]
	for _, ts := range s.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.timestamps = kept

	resetAt := now.Add(l.window)
	if len(s.timestamps) > 0 {
		resetAt = s.timestamps[0].Add(l.window)
	}

	if len(s.timestamps) >= limit {
		obs.RateLimitRejections.WithLabelValues(tenantID, endpoint, "minute").Inc()
		return Info{Allowed: false, Remaining: 0, ResetAt: resetAt, Window: "minute"},
			apierr.New(apierr.CodeRateLimitExceeded, "per-minute rate limit exceeded").
				WithDetails(map[string]any{"window": "minute", "reset_at": resetAt.Unix()})
	}

	if !s.burst.AllowN(now, 1) {
		obs.RateLimitRejections.WithLabelValues(tenantID, endpoint, "burst").Inc()
		return Info{Allowed: false, Remaining: limit - len(s.timestamps), ResetAt: now.Add(l.burstWindow), Window: "burst"},
			apierr.New(apierr.CodeRateLimitExceeded, "burst rate limit exceeded").
				WithDetails(map[string]any{"window": "burst", "reset_at": now.Add(l.burstWindow).Unix()})
	}

	s.timestamps = append(s.timestamps, now)
	return Info{Allowed: true, Remaining: limit - len(s.timestamps), ResetAt: resetAt, Window: "minute"}, nil
}
