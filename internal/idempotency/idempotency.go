// Copyright 2025 James Ross
//
// Package idempotency maps idempotency keys to the job identifier they
// first admitted, with a TTL matching job result retention, so a retried
// client request returns the original job instead of enqueueing a
// duplicate.
package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Manager is the idempotency record store. CheckAndReserve is the atomic
// operation the HTTP inference handler's Idempotency-Key de-duplication
// relies on; the priority queue uses queue.Idempotency instead.
type Manager interface {
	CheckAndReserve(ctx context.Context, key, jobID string, ttl time.Duration) (jobID_ string, reserved bool, err error)
	Lookup(ctx context.Context, key string) (jobID string, found bool, err error)
	Release(ctx context.Context, key string) error
}

// InMemory is a process-local idempotency store. Its Lookup/Reserve methods
// (context-free) satisfy queue.Idempotency directly for the InProcess queue
// backend; CheckAndReserveCtx/LookupCtx/ReleaseCtx back the context-aware
// Manager interface through AsManager (used by the HTTP handler).
type InMemory struct {
	mu    sync.Mutex
	byKey map[string]string
}

func NewInMemory() *InMemory {
	return &InMemory{byKey: make(map[string]string)}
}

// Lookup and Reserve match queue.Idempotency's context-free signature.
func (m *InMemory) Lookup(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byKey[key]
	return id, ok
}

func (m *InMemory) Reserve(key, jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byKey[key]; ok {
		return false
	}
	m.byKey[key] = jobID
	return true
}

func (m *InMemory) CheckAndReserveCtx(_ context.Context, key, jobID string, _ time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byKey[key]; ok {
		return existing, false, nil
	}
	m.byKey[key] = jobID
	return jobID, true, nil
}

func (m *InMemory) LookupCtx(_ context.Context, key string) (string, bool, error) {
	id, ok := m.Lookup(key)
	return id, ok, nil
}

func (m *InMemory) ReleaseCtx(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byKey, key)
	return nil
}

// inMemoryManager adapts InMemory's Ctx-suffixed methods to the Manager
// interface for callers that need the interface rather than the concrete
// type queue.Idempotency's context-free shape uses.
type inMemoryManager struct{ m *InMemory }

func (a inMemoryManager) CheckAndReserve(ctx context.Context, key, jobID string, ttl time.Duration) (string, bool, error) {
	return a.m.CheckAndReserveCtx(ctx, key, jobID, ttl)
}

func (a inMemoryManager) Lookup(ctx context.Context, key string) (string, bool, error) {
	return a.m.LookupCtx(ctx, key)
}

func (a inMemoryManager) Release(ctx context.Context, key string) error {
	return a.m.ReleaseCtx(ctx, key)
}

// AsManager exposes m through the Manager interface, for callers (like
// request-level idempotency at the HTTP boundary) that depend on the
// interface rather than the concrete InMemory type.
func (m *InMemory) AsManager() Manager { return inMemoryManager{m: m} }

// Redis is the shared-key-value-backed Manager, grounded on the CheckAndReserve
// Lua script pattern: the script is one atomic GET-then-SETEX so two
// concurrent admitters racing on the same key can never both win.
type Redis struct {
	client    *redis.Client
	namespace string
}

func NewRedis(client *redis.Client, namespace string) *Redis {
	if namespace == "" {
		namespace = "idempotency"
	}
	return &Redis{client: client, namespace: namespace}
}

func (r *Redis) keyName(key string) string {
	return fmt.Sprintf("%s:key:%s", r.namespace, key)
}

const checkAndReserveScript = `
local key = KEYS[1]
local jobID = ARGV[1]
local ttl = ARGV[2]

local existing = redis.call('GET', key)
if existing then
	return existing
end
redis.call('SETEX', key, ttl, jobID)
return jobID
`

// CheckAndReserve atomically returns the winning job id: either the caller's
// jobID if it reserved the key, or the previously-reserved job id if
// another admission beat it to the key.
func (r *Redis) CheckAndReserve(ctx context.Context, key, jobID string, ttl time.Duration) (string, bool, error) {
	res, err := r.client.Eval(ctx, checkAndReserveScript, []string{r.keyName(key)}, jobID, int(ttl.Seconds())).Text()
	if err != nil {
		return "", false, fmt.Errorf("check and reserve: %w", err)
	}
	return res, res == jobID, nil
}

func (r *Redis) Lookup(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, r.keyName(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup: %w", err)
	}
	return val, true, nil
}

func (r *Redis) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.keyName(key)).Err()
}
