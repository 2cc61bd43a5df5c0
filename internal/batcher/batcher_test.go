// Copyright 2025 James Ross
package batcher

import (
	"sync"
	"testing"
	"time"

	"github.com/Raghavaaa/lindia-ai/internal/job"
)

func newJob(provider string) *job.Job {
	j := job.New("t", "r", job.TypeInference, job.PriorityNormal, nil)
	j.TargetProvider = provider
	return j
}

func TestFlushesOnSizeThreshold(t *testing.T) {
	b := New(2, time.Hour, true)
	var mu sync.Mutex
	var flushed *job.Batch
	flush := func(batch *job.Batch) {
		mu.Lock()
		flushed = batch
		mu.Unlock()
	}

	b.Add(newJob("primary-chat"), flush)
	b.Add(newJob("primary-chat"), flush)

	mu.Lock()
	defer mu.Unlock()
	if flushed == nil {
		t.Fatal("expected a flush once max_size reached")
	}
	if len(flushed.Jobs) != 2 {
		t.Fatalf("expected 2 jobs in batch, got %d", len(flushed.Jobs))
	}
}

func TestFlushesOnWindowTimeout(t *testing.T) {
	b := New(100, 10*time.Millisecond, true)
	done := make(chan *job.Batch, 1)
	flush := func(batch *job.Batch) { done <- batch }

	b.Add(newJob("primary-chat"), flush)

	select {
	case batch := <-done:
		if len(batch.Jobs) != 1 {
			t.Fatalf("expected 1 job in the window-flushed batch, got %d", len(batch.Jobs))
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected window flush to fire")
	}
}

func TestDisabledReturnsFalse(t *testing.T) {
	b := New(2, time.Hour, false)
	if b.Add(newJob("primary-chat"), func(*job.Batch) {}) {
		t.Fatal("expected Add to return false when disabled")
	}
}

func TestDistinctKeysDoNotMix(t *testing.T) {
	b := New(1, time.Hour, true)
	var mu sync.Mutex
	batches := make([]*job.Batch, 0, 2)
	flush := func(batch *job.Batch) {
		mu.Lock()
		batches = append(batches, batch)
		mu.Unlock()
	}

	b.Add(newJob("primary-chat"), flush)
	b.Add(newJob("fallback-chat"), flush)

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 2 {
		t.Fatalf("expected 2 independent batches for 2 providers, got %d", len(batches))
	}
}

func TestForceFlushAll(t *testing.T) {
	b := New(100, time.Hour, true)
	var mu sync.Mutex
	count := 0
	flush := func(*job.Batch) {
		mu.Lock()
		count++
		mu.Unlock()
	}
	b.Add(newJob("primary-chat"), flush)
	b.Add(newJob("fallback-chat"), flush)
	b.ForceFlushAll(flush)

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Fatalf("expected 2 flushes on force-flush-all, got %d", count)
	}
	if b.Stats().OpenBatches != 0 {
		t.Fatalf("expected no open batches after force flush, got %d", b.Stats().OpenBatches)
	}
}
