// Copyright 2025 James Ross
package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Raghavaaa/lindia-ai/internal/apierr"
	"github.com/Raghavaaa/lindia-ai/internal/job"
	"github.com/Raghavaaa/lindia-ai/internal/provider"
	"github.com/Raghavaaa/lindia-ai/internal/queue"
	"github.com/Raghavaaa/lindia-ai/internal/retry"
	"github.com/Raghavaaa/lindia-ai/internal/storage"
)

// fakeAdapter lets each test control success/failure without a real HTTP
// server, mirroring the narrow Adapter capability set.
type fakeAdapter struct {
	name     string
	jobTypes []job.Type
	calls    int32
	fail     func(call int) error
}

func (f *fakeAdapter) Name() string         { return f.name }
func (f *fakeAdapter) JobTypes() []job.Type { return f.jobTypes }
func (f *fakeAdapter) Inference(ctx context.Context, payload map[string]any) (map[string]any, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.fail != nil {
		if err := f.fail(int(n)); err != nil {
			return nil, err
		}
	}
	return map[string]any{"text": "ok", "provider": f.name}, nil
}
func (f *fakeAdapter) Embed(ctx context.Context, docID, text string) (map[string]any, error) {
	return map[string]any{}, nil
}
func (f *fakeAdapter) HealthCheck(ctx context.Context) error { return nil }

func testPolicy() *retry.Policy {
	return retry.New(3, time.Millisecond, 2*time.Millisecond, 2.0, false)
}

func TestDispatchSucceedsOnPrimary(t *testing.T) {
	primary := &fakeAdapter{name: "primary-chat", jobTypes: []job.Type{job.TypeInference}}
	router := provider.NewRouter(primary)
	q := queue.NewInProcess(10, nil)
	store := storage.NewInMemory()
	log := zap.NewNop()

	p := New(q, router, store, testPolicy(), BreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, Timeout: time.Second, HalfOpenMaxCalls: 1}, log)

	j := job.New("t", "r", job.TypeInference, job.PriorityHigh, map[string]any{"prompt": "hi"})
	j.TotalTimeout = time.Second
	j.ProviderTimeout = 500 * time.Millisecond
	p.dispatch(context.Background(), j)

	stored, err := store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != job.StatusCompleted {
		t.Fatalf("expected completed, got %s", stored.Status)
	}
	if stored.ProviderUsed != "primary-chat" {
		t.Fatalf("expected primary-chat used, got %s", stored.ProviderUsed)
	}
}

func TestDispatchFallsBackToSecondProvider(t *testing.T) {
	primary := &fakeAdapter{
		name:     "primary-chat",
		jobTypes: []job.Type{job.TypeInference},
		fail: func(call int) error {
			return apierr.New(apierr.CodeProvider5xx, "unavailable")
		},
	}
	fallback := &fakeAdapter{name: "fallback-chat", jobTypes: []job.Type{job.TypeInference}}
	router := provider.NewRouter(primary, fallback)
	store := storage.NewInMemory()
	log := zap.NewNop()

	p := New(nil, router, store, testPolicy(), BreakerConfig{FailureThreshold: 3, SuccessThreshold: 2, Timeout: time.Second, HalfOpenMaxCalls: 1}, log)

	j := job.New("t", "r", job.TypeInference, job.PriorityHigh, map[string]any{"prompt": "hi"})
	j.TotalTimeout = time.Second
	j.ProviderTimeout = 500 * time.Millisecond
	p.dispatch(context.Background(), j)

	stored, err := store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != job.StatusCompleted || stored.ProviderUsed != "fallback-chat" {
		t.Fatalf("expected success via fallback-chat, got status=%s provider=%s", stored.Status, stored.ProviderUsed)
	}
}

func TestDispatchDeadLettersOnExhaustion(t *testing.T) {
	alwaysFail := func(call int) error { return apierr.New(apierr.CodeProvider5xx, "down") }
	primary := &fakeAdapter{name: "primary-chat", jobTypes: []job.Type{job.TypeInference}, fail: alwaysFail}
	fallback := &fakeAdapter{name: "fallback-chat", jobTypes: []job.Type{job.TypeInference}, fail: alwaysFail}
	router := provider.NewRouter(primary, fallback)
	store := storage.NewInMemory()
	log := zap.NewNop()

	p := New(nil, router, store, testPolicy(), BreakerConfig{FailureThreshold: 10, SuccessThreshold: 2, Timeout: time.Second, HalfOpenMaxCalls: 1}, log)

	j := job.New("t", "r", job.TypeInference, job.PriorityHigh, map[string]any{"prompt": "hi"})
	j.TotalTimeout = time.Second
	j.ProviderTimeout = 500 * time.Millisecond
	p.dispatch(context.Background(), j)

	stored, err := store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != job.StatusDeadLetter {
		t.Fatalf("expected dead_letter, got %s", stored.Status)
	}
}

func TestBreakerOpensAfterConsecutiveFailuresAndShortCircuits(t *testing.T) {
	alwaysFail := func(call int) error { return apierr.New(apierr.CodeProvider5xx, "down") }
	primary := &fakeAdapter{name: "primary-chat", jobTypes: []job.Type{job.TypeInference}, fail: alwaysFail}
	router := provider.NewRouter(primary)
	store := storage.NewInMemory()
	log := zap.NewNop()

	bcfg := BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, Timeout: time.Hour, HalfOpenMaxCalls: 1}
	p := New(nil, router, store, retry.New(1, time.Millisecond, time.Millisecond, 2.0, false), bcfg, log)

	first := job.New("t", "r1", job.TypeInference, job.PriorityHigh, map[string]any{"prompt": "hi"})
	first.TotalTimeout = time.Second
	first.ProviderTimeout = 200 * time.Millisecond
	p.dispatch(context.Background(), first)

	if p.breakerFor("primary-chat").GetState().String() != "open" {
		t.Fatal("expected breaker open after first failure with threshold 1")
	}

	second := job.New("t", "r2", job.TypeInference, job.PriorityHigh, map[string]any{"prompt": "hi"})
	second.TotalTimeout = time.Second
	second.ProviderTimeout = 200 * time.Millisecond
	callsBefore := atomic.LoadInt32(&primary.calls)
	p.dispatch(context.Background(), second)
	if atomic.LoadInt32(&primary.calls) != callsBefore {
		t.Fatal("expected breaker to short-circuit the call, no new call recorded")
	}

	stored, err := store.GetJob(context.Background(), second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != job.StatusDeadLetter {
		t.Fatalf("expected second job dead-lettered since only provider is breaker-open, got %s", stored.Status)
	}
}

// slowAdapter never returns on its own; it only completes when its context
// is cancelled, so every call breaches whatever deadline it was given.
type slowAdapter struct {
	name     string
	jobTypes []job.Type
}

func (s *slowAdapter) Name() string         { return s.name }
func (s *slowAdapter) JobTypes() []job.Type { return s.jobTypes }
func (s *slowAdapter) Inference(ctx context.Context, payload map[string]any) (map[string]any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (s *slowAdapter) Embed(ctx context.Context, docID, text string) (map[string]any, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (s *slowAdapter) HealthCheck(ctx context.Context) error { return nil }

func TestDispatchMarksTimeoutOnAttemptDeadlineBreach(t *testing.T) {
	slow := &slowAdapter{name: "primary-chat", jobTypes: []job.Type{job.TypeInference}}
	router := provider.NewRouter(slow)
	store := storage.NewInMemory()
	log := zap.NewNop()

	p := New(nil, router, store, retry.New(2, time.Millisecond, time.Millisecond, 2.0, false), BreakerConfig{FailureThreshold: 10, SuccessThreshold: 2, Timeout: time.Second, HalfOpenMaxCalls: 1}, log)

	j := job.New("t", "r", job.TypeInference, job.PriorityHigh, map[string]any{"prompt": "hi"})
	j.TotalTimeout = time.Second
	j.ProviderTimeout = 10 * time.Millisecond
	p.dispatch(context.Background(), j)

	stored, err := store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != job.StatusTimeout {
		t.Fatalf("expected timeout, got %s", stored.Status)
	}
}

func TestDispatchMarksTimeoutOnTotalDeadlineBreach(t *testing.T) {
	slow := &slowAdapter{name: "primary-chat", jobTypes: []job.Type{job.TypeInference}}
	router := provider.NewRouter(slow)
	store := storage.NewInMemory()
	log := zap.NewNop()

	// A per-attempt timeout longer than the total deadline means the total
	// deadline (dctx) is what actually breaches first.
	p := New(nil, router, store, retry.New(1, time.Millisecond, time.Millisecond, 2.0, false), BreakerConfig{FailureThreshold: 10, SuccessThreshold: 2, Timeout: time.Second, HalfOpenMaxCalls: 1}, log)

	j := job.New("t", "r", job.TypeInference, job.PriorityHigh, map[string]any{"prompt": "hi"})
	j.TotalTimeout = 10 * time.Millisecond
	j.ProviderTimeout = time.Hour
	p.dispatch(context.Background(), j)

	stored, err := store.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != job.StatusTimeout {
		t.Fatalf("expected timeout, got %s", stored.Status)
	}
}
