// Copyright 2025 James Ross
//
// Package worker implements the dispatch core: concurrency long-lived
// workers dequeue jobs, consult the per-provider circuit breaker, wrap the
// call in the retry policy, and rotate to the next provider in declared
// order on terminal failure until providers are exhausted and the job is
// dead-lettered. Grounded on the teacher's worker.go dequeue-loop shape.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Raghavaaa/lindia-ai/internal/apierr"
	"github.com/Raghavaaa/lindia-ai/internal/breaker"
	"github.com/Raghavaaa/lindia-ai/internal/job"
	"github.com/Raghavaaa/lindia-ai/internal/obs"
	"github.com/Raghavaaa/lindia-ai/internal/provider"
	"github.com/Raghavaaa/lindia-ai/internal/retry"
	"github.com/Raghavaaa/lindia-ai/internal/storage"
)

// Dequeuer is the subset of queue.Queue the pool needs; satisfied by
// queue.InProcess, and by an adapter over queue.Redis.
type Dequeuer interface {
	Dequeue() (*job.Job, bool)
}

// BreakerConfig carries the breaker construction parameters so the pool can
// mint one breaker per provider lazily, the first time it is addressed.
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	HalfOpenMaxCalls int
}

// Pool is the worker pool. Construct with New, then Start(ctx, concurrency).
type Pool struct {
	queue   Dequeuer
	router  *provider.Router
	store   storage.Store
	policy  *retry.Policy
	log     *zap.Logger
	bcfg    BreakerConfig

	mu       sync.Mutex
	breakers map[string]*breaker.CircuitBreaker

	wg     sync.WaitGroup
	stopCh chan struct{}
}

func New(q Dequeuer, router *provider.Router, store storage.Store, policy *retry.Policy, bcfg BreakerConfig, log *zap.Logger) *Pool {
	return &Pool{
		queue:    q,
		router:   router,
		store:    store,
		policy:   policy,
		log:      log,
		bcfg:     bcfg,
		breakers: make(map[string]*breaker.CircuitBreaker),
		stopCh:   make(chan struct{}),
	}
}

// ResetBreaker resets the named provider's circuit breaker to closed, for
// the admin "reset a circuit breaker" operation. A no-op if no breaker has
// been minted yet for that provider.
func (p *Pool) ResetBreaker(providerName string) bool {
	p.mu.Lock()
	cb, ok := p.breakers[providerName]
	p.mu.Unlock()
	if !ok {
		return false
	}
	cb.Reset()
	return true
}

// BreakerState reports the named provider's breaker state and consecutive
// failure count, for diagnostics. ok is false if no breaker has been minted
// yet for that provider.
func (p *Pool) BreakerState(providerName string) (state string, failures int, ok bool) {
	p.mu.Lock()
	cb, found := p.breakers[providerName]
	p.mu.Unlock()
	if !found {
		return "", 0, false
	}
	return cb.GetState().String(), cb.FailureCount(), true
}

func (p *Pool) breakerFor(providerName string) *breaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	cb, ok := p.breakers[providerName]
	if !ok {
		cb = breaker.New(p.bcfg.FailureThreshold, p.bcfg.SuccessThreshold, p.bcfg.Timeout, p.bcfg.HalfOpenMaxCalls)
		p.breakers[providerName] = cb
	}
	return cb
}

// Start launches concurrency long-lived workers and returns immediately;
// Stop waits for every worker goroutine to exit.
func (p *Pool) Start(ctx context.Context, concurrency int) {
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.runOne(ctx)
	}
}

// Stop signals every worker to exit and waits for them. The signal is
// checked before each provider is tried: a job in dispatch is marked
// cancelled instead of rotating to another provider, but the remaining
// retries against the provider already being called still run.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Pool) runOne(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		j, ok := p.queue.Dequeue()
		if !ok {
			time.Sleep(20 * time.Millisecond)
			continue
		}

		start := time.Now()
		p.dispatch(ctx, j)
		obs.JobProcessingDuration.Observe(time.Since(start).Seconds())
	}
}

// Dispatch runs a single job through the same breaker/retry/fallback
// algorithm as the pool's own workers, synchronously, and reports whether it
// completed. The RAG orchestrator uses this to submit its inference and
// follow-up calls through the dispatch core without routing through the
// queue.
func (p *Pool) Dispatch(ctx context.Context, j *job.Job) (*job.Job, error) {
	p.dispatch(ctx, j)
	if j.Status != job.StatusCompleted {
		if j.Error != nil {
			return j, apierr.New(j.Error.Code, j.Error.Message)
		}
		return j, apierr.New(apierr.CodeAllProvidersFail, "job did not complete")
	}
	return j, nil
}

// dispatch runs the full per-job algorithm: breaker check, retried provider
// call, success/failure bookkeeping, fallback rotation, and dead-lettering
// on exhaustion.
func (p *Pool) dispatch(ctx context.Context, j *job.Job) {
	j.MarkRunning()

	totalTimeout := j.TotalTimeout
	if totalTimeout <= 0 {
		totalTimeout = 60 * time.Second
	}
	dctx, cancel := context.WithTimeout(ctx, totalTimeout)
	defer cancel()

	providers := p.router.For(j.Type)
	if len(providers) == 0 {
		p.deadLetter(ctx, j, apierr.New(apierr.CodeAllProvidersFail, "no provider declared for job type"))
		return
	}

	var lastErr error
	for _, prov := range providers {
		select {
		case <-p.stopCh:
			j.Fail(job.StatusCancelled, nil)
			_ = p.store.SaveResult(ctx, j)
			return
		default:
		}

		cb := p.breakerFor(prov.Name())
		if !cb.IsAvailable() {
			obs.CircuitBreakerState.WithLabelValues(prov.Name()).Set(float64(cb.GetState()))
			lastErr = apierr.New(apierr.CodeProviderTimeout, "circuit open for provider "+prov.Name())
			continue
		}

		var result map[string]any
		var attemptDeadlineExceeded bool
		err := p.policy.Execute(dctx, func(actx context.Context, attempt int) error {
			perAttemptTimeout := j.ProviderTimeout
			if perAttemptTimeout <= 0 {
				perAttemptTimeout = 30 * time.Second
			}
			callCtx, cancel := context.WithTimeout(actx, perAttemptTimeout)
			defer cancel()

			var callErr error
			switch j.Type {
			case job.TypeEmbedding:
				docID, _ := j.Payload["doc_id"].(string)
				text, _ := j.Payload["text"].(string)
				result, callErr = prov.Embed(callCtx, docID, text)
			default:
				result, callErr = prov.Inference(callCtx, j.Payload)
			}
			attemptDeadlineExceeded = callErr != nil && callCtx.Err() == context.DeadlineExceeded
			return callErr
		})

		if err == nil {
			cb.RecordSuccess()
			obs.CircuitBreakerState.WithLabelValues(prov.Name()).Set(float64(cb.GetState()))
			j.Complete(result, prov.Name())
			if saveErr := p.store.SaveResult(ctx, j); saveErr != nil {
				p.log.Error("save result failed", obs.String("job_id", j.ID), obs.Err(saveErr))
			}
			obs.JobsCompleted.WithLabelValues(prov.Name()).Inc()
			return
		}

		stateBefore := cb.GetState()
		cb.RecordFailure()
		stateAfter := cb.GetState()
		obs.CircuitBreakerState.WithLabelValues(prov.Name()).Set(float64(stateAfter))
		if stateAfter == breaker.Open && stateBefore != breaker.Open {
			obs.CircuitBreakerTrips.WithLabelValues(prov.Name()).Inc()
		}
		lastErr = err

		// A deadline breach (per-attempt or total) ends the job immediately
		// as StatusTimeout rather than rotating to the next provider: it is
		// a terminal status distinct from dead-lettered exhaustion.
		if attemptDeadlineExceeded || dctx.Err() == context.DeadlineExceeded {
			p.timeout(ctx, j, prov.Name())
			return
		}
	}

	p.deadLetter(ctx, j, lastErr)
}

// timeout marks j StatusTimeout and persists it, used when a per-attempt or
// total deadline is exceeded instead of the normal dead-letter path.
func (p *Pool) timeout(ctx context.Context, j *job.Job, providerName string) {
	perr := &job.ProviderError{Code: apierr.CodeProviderTimeout, Message: "provider " + providerName + " exceeded its deadline"}
	j.Fail(job.StatusTimeout, perr)
	if err := p.store.SaveResult(ctx, j); err != nil {
		p.log.Error("save result failed", obs.String("job_id", j.ID), obs.Err(err))
	}
	obs.JobsFailed.WithLabelValues(apierr.CodeProviderTimeout).Inc()
}

func (p *Pool) deadLetter(ctx context.Context, j *job.Job, cause error) {
	perr := &job.ProviderError{Code: apierr.CodeAllProvidersFail, Message: "all providers exhausted"}
	if tagged, ok := apierr.AsError(cause); ok {
		perr = &job.ProviderError{Code: tagged.Code, Message: tagged.Message}
	}
	if err := p.store.AddToDeadLetter(ctx, j, perr); err != nil {
		p.log.Error("add to dead letter failed", obs.String("job_id", j.ID), obs.Err(err))
	}
	obs.JobsDeadLetter.Inc()
	obs.JobsFailed.WithLabelValues(perr.Code).Inc()
}
