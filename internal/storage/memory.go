// Copyright 2025 James Ross
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Raghavaaa/lindia-ai/internal/job"
)

// InMemory is a process-local Store, used by worker pool and httpapi tests
// that don't need a live Redis.
type InMemory struct {
	mu         sync.Mutex
	jobs       map[string]*job.Job
	deadLetter map[string]time.Time
}

func NewInMemory() *InMemory {
	return &InMemory{
		jobs:       make(map[string]*job.Job),
		deadLetter: make(map[string]time.Time),
	}
}

func (s *InMemory) SaveJob(_ context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	return nil
}

func (s *InMemory) GetJob(_ context.Context, id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, errNotFound)
	}
	return j, nil
}

func (s *InMemory) SaveResult(ctx context.Context, j *job.Job) error {
	return s.SaveJob(ctx, j)
}

func (s *InMemory) GetResult(ctx context.Context, id string) (job.Result, error) {
	j, err := s.GetJob(ctx, id)
	if err != nil {
		return job.Result{}, err
	}
	return j.ToResult(), nil
}

func (s *InMemory) UpdateStatus(_ context.Context, id string, status job.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, errNotFound)
	}
	if j.Status.Terminal() {
		return nil
	}
	j.Status = status
	return nil
}

func (s *InMemory) AddToDeadLetter(_ context.Context, j *job.Job, perr *job.ProviderError) error {
	j.Fail(job.StatusDeadLetter, perr)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	s.deadLetter[j.ID] = time.Now()
	return nil
}

func (s *InMemory) ListDeadLetter(_ context.Context, limit int) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := sortedDeadLetterIDs(s.deadLetter)
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*job.Job, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.jobs[id])
	}
	return out, nil
}

func (s *InMemory) RequeueFromDeadLetter(_ context.Context, id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("dead letter job %s: %w", id, errNotFound)
	}
	j.Requeue()
	delete(s.deadLetter, id)
	return j, nil
}

func (s *InMemory) CleanupOlderThan(_ context.Context, age time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-age)
	n := 0
	for id, at := range s.deadLetter {
		if at.Before(cutoff) {
			delete(s.deadLetter, id)
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}
