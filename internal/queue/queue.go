// Copyright 2025 James Ross
//
// Package queue implements the priority queue jobs flow through between
// admission and the worker pool. Two interchangeable backends share the
// same ordering semantics: an in-process heap and a Redis sorted set.
package queue

import (
	"container/heap"
	"sync"
	"sync/atomic"

	"github.com/Raghavaaa/lindia-ai/internal/job"
	"github.com/Raghavaaa/lindia-ai/internal/obs"
)

// Idempotency is the narrow interface the queue consults before admitting a
// job with an idempotency key, and updates once the job is enqueued.
type Idempotency interface {
	Lookup(key string) (jobID string, found bool)
	Reserve(key, jobID string) bool
}

// Queue is the priority queue's operation set. Dequeue/Peek return
// (nil, false) when empty.
type Queue interface {
	Enqueue(j *job.Job) bool
	Dequeue() (*job.Job, bool)
	Peek() (*job.Job, bool)
	Size() int
	Remove(jobID string) bool
}

// score orders entries: lower pops first. Priority rank dominates; within a
// rank, lower sequence (earlier enqueue) pops first, preserving FIFO.
func score(p job.Priority, sequence int64) int64 {
	return p.Rank()*1_000_000_000 + sequence
}

type entry struct {
	j     *job.Job
	index int
}

type priorityHeap []*entry

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, k int) bool {
	return score(h[i].j.Priority, h[i].j.Sequence) < score(h[k].j.Priority, h[k].j.Sequence)
}
func (h priorityHeap) Swap(i, k int) {
	h[i], h[k] = h[k], h[i]
	h[i].index = i
	h[k].index = k
}
func (h *priorityHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// InProcess is an in-memory Queue backend, correct within a single process
// lifetime; it does not survive a restart.
type InProcess struct {
	mu       sync.Mutex
	heap     priorityHeap
	byID     map[string]*entry
	maxSize  int
	sequence int64
	idem     Idempotency
}

func NewInProcess(maxSize int, idem Idempotency) *InProcess {
	q := &InProcess{
		byID:    make(map[string]*entry),
		maxSize: maxSize,
		idem:    idem,
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue admits j unless the queue is at capacity or j carries an
// idempotency key already reserved by an earlier job, in which case it
// returns false without enqueueing — the caller reads the existing job id
// from the idempotency manager directly.
func (q *InProcess) Enqueue(j *job.Job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.idem != nil && j.IdempotencyKey != "" {
		if _, found := q.idem.Lookup(j.IdempotencyKey); found {
			return false
		}
	}
	if len(q.heap) >= q.maxSize {
		return false
	}
	if q.idem != nil && j.IdempotencyKey != "" {
		if !q.idem.Reserve(j.IdempotencyKey, j.ID) {
			return false
		}
	}

	j.Sequence = atomic.AddInt64(&q.sequence, 1)
	j.MarkQueued()
	e := &entry{j: j}
	heap.Push(&q.heap, e)
	q.byID[j.ID] = e
	obs.JobsEnqueued.WithLabelValues(string(j.Type), string(j.Priority)).Inc()
	obs.QueueLength.WithLabelValues(string(j.Priority)).Set(float64(q.countLocked(j.Priority)))
	return true
}

func (q *InProcess) Dequeue() (*job.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil, false
	}
	e := heap.Pop(&q.heap).(*entry)
	delete(q.byID, e.j.ID)
	obs.JobsDequeued.Inc()
	obs.QueueLength.WithLabelValues(string(e.j.Priority)).Set(float64(q.countLocked(e.j.Priority)))
	return e.j, true
}

// countLocked reports how many queued jobs share priority p; callers must
// already hold q.mu.
func (q *InProcess) countLocked(p job.Priority) int {
	n := 0
	for _, e := range q.heap {
		if e.j.Priority == p {
			n++
		}
	}
	return n
}

func (q *InProcess) Peek() (*job.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil, false
	}
	return q.heap[0].j, true
}

func (q *InProcess) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

func (q *InProcess) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[jobID]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, e.index)
	delete(q.byID, jobID)
	return true
}
