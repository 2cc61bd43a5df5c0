// Copyright 2025 James Ross
package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/Raghavaaa/lindia-ai/internal/job"
	"github.com/Raghavaaa/lindia-ai/internal/obs"
)

// Redis is the shared-key-value-backed Queue, scored identically to the
// in-process heap so both backends dequeue in the same order. It does not
// implement the Queue interface directly (its operations need a context),
// but mirrors the same method names for the worker pool and tests.
type Redis struct {
	rdb      *redis.Client
	key      string
	jobKey   string // pattern "%s" -> job id, holds the marshalled Job
	maxSize  int
	sequence *sequenceCounter
	idem     Idempotency
}

// sequenceCounter hands out FIFO tie-breakers via INCR on a dedicated key.
type sequenceCounter struct {
	rdb *redis.Client
	key string
}

func (s *sequenceCounter) next(ctx context.Context) (int64, error) {
	return s.rdb.Incr(ctx, s.key).Result()
}

func NewRedis(rdb *redis.Client, namespace string, maxSize int, idem Idempotency) *Redis {
	return &Redis{
		rdb:      rdb,
		key:      namespace + ":pq",
		jobKey:   namespace + ":job:%s",
		maxSize:  maxSize,
		sequence: &sequenceCounter{rdb: rdb, key: namespace + ":pq:seq"},
		idem:     idem,
	}
}

// Enqueue admits j into the sorted set, scored by (priority rank, sequence)
// exactly as InProcess does. Returns false on overflow or a duplicate
// idempotency key.
func (q *Redis) Enqueue(ctx context.Context, j *job.Job) (bool, error) {
	if q.idem != nil && j.IdempotencyKey != "" {
		if _, found := q.idem.Lookup(j.IdempotencyKey); found {
			return false, nil
		}
	}
	size, err := q.rdb.ZCard(ctx, q.key).Result()
	if err != nil {
		return false, fmt.Errorf("queue size check: %w", err)
	}
	if int(size) >= q.maxSize {
		return false, nil
	}
	if q.idem != nil && j.IdempotencyKey != "" {
		if !q.idem.Reserve(j.IdempotencyKey, j.ID) {
			return false, nil
		}
	}

	seq, err := q.sequence.next(ctx)
	if err != nil {
		return false, fmt.Errorf("sequence: %w", err)
	}
	j.Sequence = seq
	j.MarkQueued()

	b, err := j.Marshal()
	if err != nil {
		return false, fmt.Errorf("marshal job: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, fmt.Sprintf(q.jobKey, j.ID), b, 0)
	pipe.ZAdd(ctx, q.key, redis.Z{Score: float64(score(j.Priority, seq)), Member: j.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("enqueue pipeline: %w", err)
	}
	obs.JobsEnqueued.WithLabelValues(string(j.Type), string(j.Priority)).Inc()
	return true, nil
}

// Dequeue pops the lowest-scored member (highest priority, earliest
// sequence) and loads its job body.
func (q *Redis) Dequeue(ctx context.Context) (*job.Job, bool, error) {
	res, err := q.rdb.ZPopMin(ctx, q.key, 1).Result()
	if err != nil {
		return nil, false, fmt.Errorf("zpopmin: %w", err)
	}
	if len(res) == 0 {
		return nil, false, nil
	}
	id, _ := res[0].Member.(string)
	b, err := q.rdb.Get(ctx, fmt.Sprintf(q.jobKey, id)).Bytes()
	if err != nil {
		return nil, false, fmt.Errorf("load job body: %w", err)
	}
	j, err := job.Unmarshal(b)
	if err != nil {
		return nil, false, fmt.Errorf("unmarshal job: %w", err)
	}
	obs.JobsDequeued.Inc()
	return j, true, nil
}

func (q *Redis) Peek(ctx context.Context) (*job.Job, bool, error) {
	res, err := q.rdb.ZRangeWithScores(ctx, q.key, 0, 0).Result()
	if err != nil {
		return nil, false, fmt.Errorf("zrange: %w", err)
	}
	if len(res) == 0 {
		return nil, false, nil
	}
	id, _ := res[0].Member.(string)
	b, err := q.rdb.Get(ctx, fmt.Sprintf(q.jobKey, id)).Bytes()
	if err != nil {
		return nil, false, fmt.Errorf("load job body: %w", err)
	}
	j, err := job.Unmarshal(b)
	if err != nil {
		return nil, false, fmt.Errorf("unmarshal job: %w", err)
	}
	return j, true, nil
}

func (q *Redis) Size(ctx context.Context) (int, error) {
	n, err := q.rdb.ZCard(ctx, q.key).Result()
	return int(n), err
}

func (q *Redis) Remove(ctx context.Context, jobID string) (bool, error) {
	n, err := q.rdb.ZRem(ctx, q.key, jobID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
