// Copyright 2025 James Ross
package queue

import (
	"testing"

	"github.com/Raghavaaa/lindia-ai/internal/job"
)

type fakeIdem struct {
	reserved map[string]string
}

func newFakeIdem() *fakeIdem { return &fakeIdem{reserved: make(map[string]string)} }

func (f *fakeIdem) Lookup(key string) (string, bool) {
	id, ok := f.reserved[key]
	return id, ok
}

func (f *fakeIdem) Reserve(key, jobID string) bool {
	if _, ok := f.reserved[key]; ok {
		return false
	}
	f.reserved[key] = jobID
	return true
}

func TestHighPriorityDequeuesBeforeLow(t *testing.T) {
	q := NewInProcess(10, nil)
	low := job.New("t", "r1", job.TypeInference, job.PriorityLow, nil)
	high := job.New("t", "r2", job.TypeInference, job.PriorityHigh, nil)

	if !q.Enqueue(low) {
		t.Fatal("expected low priority job to enqueue")
	}
	if !q.Enqueue(high) {
		t.Fatal("expected high priority job to enqueue")
	}

	got, ok := q.Dequeue()
	if !ok || got.ID != high.ID {
		t.Fatalf("expected high priority job first, got %+v", got)
	}
}

func TestFIFOWithinSamePriority(t *testing.T) {
	q := NewInProcess(10, nil)
	first := job.New("t", "r1", job.TypeInference, job.PriorityNormal, nil)
	second := job.New("t", "r2", job.TypeInference, job.PriorityNormal, nil)
	q.Enqueue(first)
	q.Enqueue(second)

	got, _ := q.Dequeue()
	if got.ID != first.ID {
		t.Fatalf("expected FIFO within priority class, got %s want %s", got.ID, first.ID)
	}
}

func TestEnqueueRejectsOnOverflow(t *testing.T) {
	q := NewInProcess(1, nil)
	a := job.New("t", "r1", job.TypeInference, job.PriorityNormal, nil)
	b := job.New("t", "r2", job.TypeInference, job.PriorityNormal, nil)
	if !q.Enqueue(a) {
		t.Fatal("expected first job to enqueue under capacity")
	}
	if q.Enqueue(b) {
		t.Fatal("expected second job to be rejected on overflow")
	}
}

func TestIdempotencyInterlockSkipsDuplicate(t *testing.T) {
	idem := newFakeIdem()
	q := NewInProcess(10, idem)
	a := job.New("t", "r1", job.TypeInference, job.PriorityNormal, nil)
	a.IdempotencyKey = "dup-key"
	b := job.New("t", "r2", job.TypeInference, job.PriorityNormal, nil)
	b.IdempotencyKey = "dup-key"

	if !q.Enqueue(a) {
		t.Fatal("expected first job with idempotency key to enqueue")
	}
	if q.Enqueue(b) {
		t.Fatal("expected duplicate idempotency key to be rejected")
	}
	if q.Size() != 1 {
		t.Fatalf("expected queue size 1, got %d", q.Size())
	}
}

func TestRemoveByID(t *testing.T) {
	q := NewInProcess(10, nil)
	a := job.New("t", "r1", job.TypeInference, job.PriorityNormal, nil)
	q.Enqueue(a)
	if !q.Remove(a.ID) {
		t.Fatal("expected remove to succeed")
	}
	if q.Size() != 0 {
		t.Fatalf("expected empty queue after remove, got size %d", q.Size())
	}
	if q.Remove(a.ID) {
		t.Fatal("expected second remove of same id to fail")
	}
}
