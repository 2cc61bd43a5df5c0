// Copyright 2025 James Ross
//
// Package job defines the unit of work the router admits, queues, batches,
// dispatches and stores: Job, its client-facing projection JobResult, and
// the transient Batch grouping jobs bound for the same provider.
package job

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status is a job's lifecycle state. It progresses monotonically through
// Pending -> Queued -> Running -> one terminal state; terminal states never
// transition.
type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
	StatusCancelled  Status = "cancelled"
	StatusDeadLetter Status = "dead_letter"
)

// Terminal reports whether s is one of the statuses a job never leaves.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled, StatusDeadLetter:
		return true
	default:
		return false
	}
}

// Type classifies what kind of provider call a job requires.
type Type string

const (
	TypeInference Type = "inference"
	TypeEmbedding Type = "embedding"
	TypeSearch    Type = "search"
)

// Priority orders jobs within the queue; High drains strictly before Normal
// and Low, with no starvation protection for the lower classes.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// rank returns the sort weight used by the priority queue's score
// computation: lower ranks dequeue first.
func (p Priority) rank() int64 {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// Rank exposes the priority's sort weight to the queue package.
func (p Priority) Rank() int64 { return p.rank() }

// ProviderError classifies a dispatch failure by the error-code taxonomy so
// the worker pool and storage layer never need to string-match a message.
type ProviderError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Job is the unit of work flowing through admission, the priority queue,
// the batcher, and the worker pool.
type Job struct {
	ID             string            `json:"id"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	TenantID       string            `json:"tenant_id"`
	RequestID      string            `json:"request_id"`

	Type            Type     `json:"type"`
	Priority        Priority `json:"priority"`
	TargetProvider  string   `json:"target_provider,omitempty"`
	Payload         map[string]any `json:"payload"`

	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	QueuedAt      *time.Time `json:"queued_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	AttemptCount  int        `json:"attempt_count"`
	MaxAttempts   int        `json:"max_attempts"`
	TotalTimeout    time.Duration `json:"total_timeout"`
	ProviderTimeout time.Duration `json:"provider_timeout"`
	WebhookURL      string        `json:"webhook_url,omitempty"`

	Result        map[string]any `json:"result,omitempty"`
	ProviderUsed  string         `json:"provider_used,omitempty"`
	Error         *ProviderError `json:"error,omitempty"`

	// Sequence is assigned by the queue at enqueue time to break priority
	// ties in FIFO order; it is not set by the caller.
	Sequence int64 `json:"sequence,omitempty"`
}

// New constructs a Job in StatusPending with a minted ID and CreatedAt.
func New(tenantID, requestID string, typ Type, priority Priority, payload map[string]any) *Job {
	return &Job{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		RequestID:   requestID,
		Type:        typ,
		Priority:    priority,
		Payload:     payload,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
		MaxAttempts: 3,
	}
}

// MarkQueued transitions a pending job into the queued state.
func (j *Job) MarkQueued() {
	if j.Status.Terminal() {
		return
	}
	now := time.Now().UTC()
	j.Status = StatusQueued
	j.QueuedAt = &now
}

// MarkRunning transitions a queued job into running and increments the
// attempt count; attempt count never decreases.
func (j *Job) MarkRunning() {
	if j.Status.Terminal() {
		return
	}
	now := time.Now().UTC()
	j.Status = StatusRunning
	j.StartedAt = &now
	j.AttemptCount++
}

// Complete marks the job completed with an immutable result and the
// provider that produced it. A no-op if the job already reached a terminal
// state.
func (j *Job) Complete(result map[string]any, providerUsed string) {
	if j.Status.Terminal() {
		return
	}
	now := time.Now().UTC()
	j.Status = StatusCompleted
	j.CompletedAt = &now
	j.Result = result
	j.ProviderUsed = providerUsed
}

// Fail marks the job in the given terminal failure status (Failed, Timeout,
// Cancelled or DeadLetter) with its classified error.
func (j *Job) Fail(status Status, perr *ProviderError) {
	if j.Status.Terminal() {
		return
	}
	now := time.Now().UTC()
	j.Status = status
	j.CompletedAt = &now
	j.Error = perr
}

// Requeue resets a dead-letter job back to Pending with attempt count
// cleared, for manual operator recovery.
func (j *Job) Requeue() {
	j.Status = StatusPending
	j.AttemptCount = 0
	j.Error = nil
	j.QueuedAt = nil
	j.StartedAt = nil
	j.CompletedAt = nil
}

// Marshal serializes the job to JSON for queue/storage transport.
func (j *Job) Marshal() ([]byte, error) { return json.Marshal(j) }

// Unmarshal parses a job previously produced by Marshal.
func Unmarshal(b []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Result is the client-facing projection of a Job: the fields a caller
// retrieving a job's outcome actually needs, without internal scheduling
// bookkeeping.
type Result struct {
	ID           string         `json:"id"`
	Status       Status         `json:"status"`
	Result       map[string]any `json:"result,omitempty"`
	Error        *ProviderError `json:"error,omitempty"`
	ProviderUsed string         `json:"provider_used,omitempty"`
	AttemptCount int            `json:"attempt_count"`
	CreatedAt    time.Time      `json:"created_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// ToResult projects a Job into its client-facing Result.
func (j *Job) ToResult() Result {
	return Result{
		ID:           j.ID,
		Status:       j.Status,
		Result:       j.Result,
		Error:        j.Error,
		ProviderUsed: j.ProviderUsed,
		AttemptCount: j.AttemptCount,
		CreatedAt:    j.CreatedAt,
		CompletedAt:  j.CompletedAt,
	}
}

// Batch is a transient grouping of jobs bound for the same provider and job
// type, owned by the worker pool only while in flight.
type Batch struct {
	ID         string    `json:"id"`
	Provider   string    `json:"provider"`
	Type       Type      `json:"type"`
	Jobs       []*Job    `json:"jobs"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewBatch starts an empty batch for the given (provider, job type) key.
func NewBatch(provider string, typ Type) *Batch {
	return &Batch{
		ID:        uuid.NewString(),
		Provider:  provider,
		Type:      typ,
		CreatedAt: time.Now().UTC(),
	}
}

// Key identifies the (provider, job type) a job routes into.
type Key struct {
	Provider string
	Type     Type
}

// KeyOf returns j's batch key.
func KeyOf(j *Job) Key { return Key{Provider: j.TargetProvider, Type: j.Type} }
