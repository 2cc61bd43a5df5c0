// Copyright 2025 James Ross
//
// Package batcher groups pending jobs bound for the same provider and job
// type into batches that flush on a size threshold or a time window,
// whichever comes first.
package batcher

import (
	"sync"
	"time"

	"github.com/Raghavaaa/lindia-ai/internal/job"
	"github.com/Raghavaaa/lindia-ai/internal/obs"
)

// FlushFunc receives a completed batch for dispatch.
type FlushFunc func(*job.Batch)

type openBatch struct {
	batch *job.Batch
	timer *time.Timer
}

// Batcher maintains one open batch per (provider, job type) key.
type Batcher struct {
	mu       sync.Mutex
	open     map[job.Key]*openBatch
	maxSize  int
	window   time.Duration
	enabled  bool
	flushed  int
	jobCount int
}

func New(maxSize int, window time.Duration, enabled bool) *Batcher {
	return &Batcher{
		open:    make(map[job.Key]*openBatch),
		maxSize: maxSize,
		window:  window,
		enabled: enabled,
	}
}

// Add routes j into its batch key, creating the batch and starting its
// window timer on first insertion. Flushing — by size or by timer — invokes
// flush with the completed batch. Returns false immediately in disabled
// mode so the caller processes the job inline instead.
func (b *Batcher) Add(j *job.Job, flush FlushFunc) bool {
	if !b.enabled {
		return false
	}

	b.mu.Lock()
	key := job.KeyOf(j)
	ob, exists := b.open[key]
	if !exists {
		ob = &openBatch{batch: job.NewBatch(key.Provider, key.Type)}
		b.open[key] = ob
		ob.timer = time.AfterFunc(b.window, func() { b.flushKey(key, flush, "window") })
	}
	ob.batch.Jobs = append(ob.batch.Jobs, j)
	full := len(ob.batch.Jobs) >= b.maxSize
	b.mu.Unlock()

	if full {
		b.flushKey(key, flush, "size")
	}
	return true
}

func (b *Batcher) flushKey(key job.Key, flush FlushFunc, trigger string) {
	b.mu.Lock()
	ob, exists := b.open[key]
	if !exists {
		b.mu.Unlock()
		return
	}
	delete(b.open, key)
	ob.timer.Stop()
	b.flushed++
	b.jobCount += len(ob.batch.Jobs)
	b.mu.Unlock()

	obs.BatchesFlushed.WithLabelValues(string(key.Provider), string(key.Type), trigger).Inc()
	obs.BatchSize.Observe(float64(len(ob.batch.Jobs)))
	flush(ob.batch)
}

// ForceFlushAll flushes every currently open batch regardless of size or
// elapsed window, for graceful shutdown.
func (b *Batcher) ForceFlushAll(flush FlushFunc) {
	b.mu.Lock()
	keys := make([]job.Key, 0, len(b.open))
	for k := range b.open {
		keys = append(keys, k)
	}
	b.mu.Unlock()

	for _, k := range keys {
		b.flushKey(k, flush, "shutdown")
	}
}

// Stats is a snapshot of batcher activity.
type Stats struct {
	OpenBatches   int
	BatchesFlushed int
	JobsBatched   int
}

func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		OpenBatches:    len(b.open),
		BatchesFlushed: b.flushed,
		JobsBatched:    b.jobCount,
	}
}
