// Copyright 2025 James Ross
//
// Package storage persists jobs and results, and holds the dead-letter
// queue an operator drains manually. Grounded on the teacher's Redis key
// layout and its admin package's dead-letter inspection operations.
package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Raghavaaa/lindia-ai/internal/job"
)

// Store is the Job Storage & Dead-Letter Queue operation set.
type Store interface {
	SaveJob(ctx context.Context, j *job.Job) error
	GetJob(ctx context.Context, id string) (*job.Job, error)
	SaveResult(ctx context.Context, j *job.Job) error
	GetResult(ctx context.Context, id string) (job.Result, error)
	UpdateStatus(ctx context.Context, id string, status job.Status) error
	AddToDeadLetter(ctx context.Context, j *job.Job, perr *job.ProviderError) error
	ListDeadLetter(ctx context.Context, limit int) ([]*job.Job, error)
	RequeueFromDeadLetter(ctx context.Context, id string) (*job.Job, error)
	CleanupOlderThan(ctx context.Context, age time.Duration) (int, error)
}

// Redis is the Store backed by per-job JSON string keys and a dead-letter
// sorted set scored by the time a job was dead-lettered, so
// CleanupOlderThan and ListDeadLetter can range without a full scan.
type Redis struct {
	rdb      *redis.Client
	ns       string
	ttl      time.Duration
	dlqTTL   time.Duration
}

func NewRedis(rdb *redis.Client, namespace string, ttlHours int) *Redis {
	return &Redis{
		rdb:    rdb,
		ns:     namespace,
		ttl:    time.Duration(ttlHours) * time.Hour,
		dlqTTL: time.Duration(ttlHours) * 7 * time.Hour,
	}
}

func (r *Redis) jobKey(id string) string { return fmt.Sprintf("%s:job:%s", r.ns, id) }
func (r *Redis) dlqKey() string          { return fmt.Sprintf("%s:dlq", r.ns) }
func (r *Redis) dlqJobKey(id string) string { return fmt.Sprintf("%s:dlq:job:%s", r.ns, id) }

func (r *Redis) SaveJob(ctx context.Context, j *job.Job) error {
	b, err := j.Marshal()
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return r.rdb.Set(ctx, r.jobKey(j.ID), b, r.ttl).Err()
}

func (r *Redis) GetJob(ctx context.Context, id string) (*job.Job, error) {
	b, err := r.rdb.Get(ctx, r.jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("job %s: %w", id, errNotFound)
	}
	if err != nil {
		return nil, err
	}
	return job.Unmarshal(b)
}

// SaveResult persists the job's terminal state. A write failure here must
// surface as a job-level failure to the caller, never a silently lost
// completion.
func (r *Redis) SaveResult(ctx context.Context, j *job.Job) error {
	return r.SaveJob(ctx, j)
}

func (r *Redis) GetResult(ctx context.Context, id string) (job.Result, error) {
	j, err := r.GetJob(ctx, id)
	if err != nil {
		return job.Result{}, err
	}
	return j.ToResult(), nil
}

func (r *Redis) UpdateStatus(ctx context.Context, id string, status job.Status) error {
	j, err := r.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return nil
	}
	j.Status = status
	return r.SaveJob(ctx, j)
}

func (r *Redis) AddToDeadLetter(ctx context.Context, j *job.Job, perr *job.ProviderError) error {
	j.Fail(job.StatusDeadLetter, perr)
	b, err := j.Marshal()
	if err != nil {
		return fmt.Errorf("marshal dead letter job: %w", err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, r.dlqJobKey(j.ID), b, r.dlqTTL)
	pipe.ZAdd(ctx, r.dlqKey(), redis.Z{Score: float64(time.Now().Unix()), Member: j.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Redis) ListDeadLetter(ctx context.Context, limit int) ([]*job.Job, error) {
	ids, err := r.rdb.ZRevRange(ctx, r.dlqKey(), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*job.Job, 0, len(ids))
	for _, id := range ids {
		b, err := r.rdb.Get(ctx, r.dlqJobKey(id)).Bytes()
		if err != nil {
			continue
		}
		j, err := job.Unmarshal(b)
		if err != nil {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

func (r *Redis) RequeueFromDeadLetter(ctx context.Context, id string) (*job.Job, error) {
	b, err := r.rdb.Get(ctx, r.dlqJobKey(id)).Bytes()
	if err != nil {
		return nil, fmt.Errorf("dead letter job %s: %w", id, err)
	}
	j, err := job.Unmarshal(b)
	if err != nil {
		return nil, err
	}
	j.Requeue()

	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, r.dlqJobKey(id))
	pipe.ZRem(ctx, r.dlqKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return j, r.SaveJob(ctx, j)
}

func (r *Redis) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := float64(time.Now().Add(-age).Unix())
	ids, err := r.rdb.ZRangeByScore(ctx, r.dlqKey(), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", cutoff)}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := r.rdb.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, r.dlqJobKey(id))
	}
	pipe.ZRem(ctx, r.dlqKey(), toAnySlice(ids)...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func toAnySlice(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// sortedDeadLetterIDs is a small helper kept for the in-memory store's
// deterministic ordering, newest first.
func sortedDeadLetterIDs(m map[string]time.Time) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, k int) bool { return m[ids[i]].After(m[ids[k]]) })
	return ids
}
