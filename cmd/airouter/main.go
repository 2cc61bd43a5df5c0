// Copyright 2025 James Ross
//
// Command airouter is the process entrypoint: it loads configuration,
// wires every collaborator (admission, queue, batcher, worker pool, RAG
// pipeline) and serves the HTTP surface until an interrupt signal requests
// graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Raghavaaa/lindia-ai/internal/admission"
	"github.com/Raghavaaa/lindia-ai/internal/batcher"
	"github.com/Raghavaaa/lindia-ai/internal/config"
	"github.com/Raghavaaa/lindia-ai/internal/httpapi"
	"github.com/Raghavaaa/lindia-ai/internal/idempotency"
	"github.com/Raghavaaa/lindia-ai/internal/job"
	"github.com/Raghavaaa/lindia-ai/internal/obs"
	"github.com/Raghavaaa/lindia-ai/internal/provider"
	"github.com/Raghavaaa/lindia-ai/internal/quota"
	"github.com/Raghavaaa/lindia-ai/internal/queue"
	"github.com/Raghavaaa/lindia-ai/internal/rag"
	"github.com/Raghavaaa/lindia-ai/internal/ratelimit"
	"github.com/Raghavaaa/lindia-ai/internal/retry"
	"github.com/Raghavaaa/lindia-ai/internal/storage"
	"github.com/Raghavaaa/lindia-ai/internal/worker"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to a YAML config file; defaults are used if absent")
	concurrency := flag.Int("concurrency", 8, "number of worker pool goroutines")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	started := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var rdb *redis.Client
	if cfg.Queue.RemoteBackend == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Username:     cfg.Redis.Username,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
			MaxRetries:   cfg.Redis.MaxRetries,
		})
	}

	store, queueIdem, q := buildBackends(cfg, rdb)

	var reqIdem idempotency.Manager = queueIdem.AsManager()
	if rdb != nil {
		reqIdem = idempotency.NewRedis(rdb, "airouter")
	}

	router := buildRouter(cfg)
	policy := retry.New(cfg.Retry.MaxAttempts, cfg.Retry.InitialDelaySeconds, cfg.Retry.MaxDelaySeconds, cfg.Retry.ExponentialBase, cfg.Retry.Jitter)
	bcfg := worker.BreakerConfig{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		Timeout:          cfg.CircuitBreaker.TimeoutSeconds,
		HalfOpenMaxCalls: cfg.CircuitBreaker.HalfOpenMaxCalls,
	}
	pool := worker.New(q, router, store, policy, bcfg, log)

	tierFor := buildTierResolver(cfg)
	limiter := ratelimit.New(time.Minute, time.Second,
		func(tenantID string) int { return tierFor(tenantID).PerMinuteLimit },
		func(tenantID string) int { return tierFor(tenantID).BurstCapacity },
	)
	qm := quota.New(func(tenantID string) quota.Tier {
		t := tierFor(tenantID)
		return quota.Tier{Name: t.Name, DailyRequests: t.DailyRequests, DailyCostCapUSD: t.DailyCostCapUSD}
	})

	keys := make(map[string][]byte, len(cfg.Auth.Keys))
	for _, k := range cfg.Auth.Keys {
		keys[k.KeyID] = []byte(k.Secret)
	}
	gate := admission.New(keys, cfg.Auth.Issuer, cfg.Auth.Audience, nil, limiter, qm)
	gate.RequireScope("inference", "inference:write", 0.01)
	gate.RequireScope("embed", "embed:write", 0.001)
	gate.RequireScope("search", "search:read", 0.001)
	gate.RequireScope("rag_query", "rag:query", 0.02)
	gate.RequireScope("admin", "admin:manage", 0)

	registry, err := rag.LoadRegistry(cfg.RAG.TemplateDir)
	if err != nil {
		log.Fatal("load rag template registry", obs.Err(err))
	}
	ragCache := rag.NewCache(1000, cfg.RAG.CacheTTL)
	ragPipe := rag.NewPipeline(rag.Config{
		MaxContextTokens:    cfg.RAG.MaxContextTokens,
		CharsPerToken:       cfg.RAG.CharsPerToken,
		IncludeMetadata:     cfg.RAG.IncludeMetadata,
		TopK:                cfg.RAG.TopK,
		MinSimilarity:       cfg.RAG.MinSimilarity,
		HallucinationThresh: cfg.RAG.HallucinationThresh,
	}, noRetriever{}, pool, registry, ragCache)

	b := batcher.New(cfg.Batcher.MaxSize, cfg.Batcher.WindowMS, cfg.Batcher.Enabled)
	for i := 0; i < *concurrency; i++ {
		go runBatchFeeder(ctx, q, b, pool, router, log)
	}

	handler := httpapi.NewRouter(gate, store, pool, qm, ragPipe, reqIdem, version, started)
	apiSrv := &http.Server{Addr: cfg.HTTP.ListenAddr, Handler: handler}
	go func() {
		log.Info("serving collaborator api", obs.String("addr", cfg.HTTP.ListenAddr))
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("api server stopped", obs.Err(err))
		}
	}()

	readiness := func(ctx context.Context) error {
		if rdb == nil {
			return nil
		}
		return rdb.Ping(ctx).Err()
	}
	obsSrv := obs.StartHTTPServer(cfg.Observability.MetricsAddr, version, started, readiness)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutdown signal received, draining")

	go func() {
		<-sigCh
		log.Warn("second shutdown signal received, forcing exit")
		os.Exit(1)
	}()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	cancel()
	b.ForceFlushAll(func(batch *job.Batch) { dispatchBatch(shutdownCtx, pool, batch, log) })
	_ = apiSrv.Shutdown(shutdownCtx)
	_ = obsSrv.Shutdown(shutdownCtx)
	log.Info("shutdown complete")
}

// buildBackends wires storage and the priority queue. The queue's
// enqueue-time idempotency interlock is always the in-process map: a
// single process owns the queue and its counters (no cross-node
// consensus), so durable cross-restart dedup belongs at the HTTP
// boundary via idempotency.Redis, not inside the queue itself.
func buildBackends(cfg *config.Config, rdb *redis.Client) (storage.Store, *idempotency.InMemory, worker.Dequeuer) {
	queueIdem := idempotency.NewInMemory()
	if cfg.Queue.RemoteBackend == "redis" && rdb != nil {
		store := storage.NewRedis(rdb, "airouter", cfg.Queue.TTLHours)
		q := queue.NewRedis(rdb, "airouter", cfg.Queue.MaxSize, queueIdem)
		return store, queueIdem, redisDequeuer{q: q}
	}
	store := storage.NewInMemory()
	q := queue.NewInProcess(cfg.Queue.MaxSize, queueIdem)
	return store, queueIdem, q
}

// redisDequeuer adapts queue.Redis's context-taking Dequeue to the
// worker.Dequeuer interface the pool expects.
type redisDequeuer struct{ q *queue.Redis }

func (r redisDequeuer) Dequeue() (*job.Job, bool) {
	j, ok, err := r.q.Dequeue(context.Background())
	if err != nil {
		return nil, false
	}
	return j, ok
}

func buildRouter(cfg *config.Config) *provider.Router {
	adapters := make([]provider.Adapter, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		jobTypes := make([]job.Type, 0, len(p.JobTypes))
		for _, t := range p.JobTypes {
			jobTypes = append(jobTypes, job.Type(t))
		}
		adapters = append(adapters, provider.NewHTTPAdapter(p.Name, p.BaseURL, p.APIKey, jobTypes, p.ProviderTimeout))
	}
	return provider.NewRouter(adapters...)
}

// buildTierResolver maps a tenant to its quota tier. No per-tenant tier
// directory is specified, so every tenant resolves to "free" until an
// operator-managed assignment is introduced; the closure shape keeps that
// swap a one-line change.
func buildTierResolver(cfg *config.Config) func(tenantID string) config.QuotaTier {
	return func(tenantID string) config.QuotaTier {
		if t, ok := cfg.QuotaTiers["free"]; ok {
			return t
		}
		return config.QuotaTier{Name: "free", DailyRequests: 100, DailyCostCapUSD: 1, PerMinuteLimit: 10, BurstCapacity: 3}
	}
}

// runBatchFeeder dequeues jobs and routes them through the batcher so
// same-provider, same-type jobs flush together; each job within a flushed
// batch still dispatches (and retries/falls back) independently, since the
// provider adapters expose no batch-call API of their own.
func runBatchFeeder(ctx context.Context, q worker.Dequeuer, b *batcher.Batcher, pool *worker.Pool, router *provider.Router, log *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		j, ok := q.Dequeue()
		if !ok {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		if providers := router.For(j.Type); len(providers) > 0 {
			j.TargetProvider = providers[0].Name()
		}

		flush := func(batch *job.Batch) { dispatchBatch(ctx, pool, batch, log) }
		if !b.Add(j, flush) {
			if _, err := pool.Dispatch(ctx, j); err != nil {
				log.Warn("job dispatch failed", obs.String("job_id", j.ID), obs.Err(err))
			}
		}
	}
}

func dispatchBatch(ctx context.Context, pool *worker.Pool, batch *job.Batch, log *zap.Logger) {
	for _, bj := range batch.Jobs {
		go func(bj *job.Job) {
			if _, err := pool.Dispatch(ctx, bj); err != nil {
				log.Warn("batched job dispatch failed", obs.String("job_id", bj.ID), obs.Err(err))
			}
		}(bj)
	}
}

// noRetriever is the default vector-index collaborator: the spec treats
// retrieval as an external contract, so without a configured index this
// returns no candidates and the RAG pipeline answers from its
// no-information path rather than failing closed.
type noRetriever struct{}

func (noRetriever) Retrieve(query string, k int, filters []rag.Filter) ([]rag.Candidate, error) {
	return nil, nil
}
