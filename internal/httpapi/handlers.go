// Copyright 2025 James Ross
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/Raghavaaa/lindia-ai/internal/apierr"
	"github.com/Raghavaaa/lindia-ai/internal/idempotency"
	"github.com/Raghavaaa/lindia-ai/internal/job"
	"github.com/Raghavaaa/lindia-ai/internal/quota"
	"github.com/Raghavaaa/lindia-ai/internal/rag"
	"github.com/Raghavaaa/lindia-ai/internal/storage"
	"github.com/Raghavaaa/lindia-ai/internal/worker"
)

// idempotencyTTL bounds how long a client-supplied Idempotency-Key de-dupes
// a retried inference submission, matching the default job result
// retention (queue.ttl_hours = 24).
const idempotencyTTL = 24 * time.Hour

// Handler holds every dependency the collaborator and admin routes need.
type Handler struct {
	store   storage.Store
	pool    *worker.Pool
	quota   *quota.Manager
	ragPipe *rag.Pipeline
	idem    idempotency.Manager
}

func NewHandler(store storage.Store, pool *worker.Pool, qm *quota.Manager, ragPipe *rag.Pipeline, idem idempotency.Manager) *Handler {
	return &Handler{store: store, pool: pool, quota: qm, ragPipe: ragPipe, idem: idem}
}

type inferenceRequest struct {
	Query    string `json:"query"`
	Context  string `json:"context"`
	TenantID string `json:"tenant_id"`
}

// Inference handles POST /inference: submits an inference job synchronously
// through the dispatch core and returns its answer.
func (h *Handler) Inference(w http.ResponseWriter, r *http.Request) {
	decision, _ := decisionFrom(r)
	var req inferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, decision.RequestID, apierr.New(apierr.CodeInvalidParameter, "malformed request body"))
		return
	}

	j := job.New(decision.TenantID, decision.RequestID, job.TypeInference, job.PriorityNormal, map[string]any{
		"query":   req.Query,
		"context": req.Context,
		"tenant":  decision.TenantID,
	})

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" && h.idem != nil {
		winnerID, reserved, err := h.idem.CheckAndReserve(r.Context(), idemKey, j.ID, idempotencyTTL)
		if err != nil {
			writeError(w, decision.RequestID, apierr.Wrap(apierr.CodeAllProvidersFail, "idempotency check failed", err))
			return
		}
		if !reserved {
			prior, err := h.store.GetJob(r.Context(), winnerID)
			if err == nil {
				writeJSON(w, decision.RequestID, http.StatusOK, prior.Result)
				return
			}
		}
		j.IdempotencyKey = idemKey
	}

	if err := h.store.SaveJob(r.Context(), j); err != nil {
		writeError(w, decision.RequestID, apierr.Wrap(apierr.CodeAllProvidersFail, "failed to persist job", err))
		return
	}

	done, err := h.pool.Dispatch(r.Context(), j)
	if err != nil {
		writeError(w, decision.RequestID, err)
		return
	}

	writeJSON(w, decision.RequestID, http.StatusOK, done.Result)
}

type embedRequest struct {
	DocID string `json:"doc_id"`
	Text  string `json:"text"`
}

// Embed handles POST /embed.
func (h *Handler) Embed(w http.ResponseWriter, r *http.Request) {
	decision, _ := decisionFrom(r)
	var req embedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, decision.RequestID, apierr.New(apierr.CodeInvalidParameter, "malformed request body"))
		return
	}

	j := job.New(decision.TenantID, decision.RequestID, job.TypeEmbedding, job.PriorityNormal, map[string]any{
		"doc_id": req.DocID,
		"text":   req.Text,
	})
	if err := h.store.SaveJob(r.Context(), j); err != nil {
		writeError(w, decision.RequestID, apierr.Wrap(apierr.CodeAllProvidersFail, "failed to persist job", err))
		return
	}

	done, err := h.pool.Dispatch(r.Context(), j)
	if err != nil {
		writeError(w, decision.RequestID, err)
		return
	}

	writeJSON(w, decision.RequestID, http.StatusOK, done.Result)
}

type searchRequest struct {
	Query    string `json:"query"`
	TopK     int    `json:"top_k"`
	TenantID string `json:"tenant_id"`
}

// Search handles POST /search.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	decision, _ := decisionFrom(r)
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, decision.RequestID, apierr.New(apierr.CodeInvalidParameter, "malformed request body"))
		return
	}

	j := job.New(decision.TenantID, decision.RequestID, job.TypeSearch, job.PriorityNormal, map[string]any{
		"query":  req.Query,
		"top_k":  req.TopK,
		"tenant": decision.TenantID,
	})
	if err := h.store.SaveJob(r.Context(), j); err != nil {
		writeError(w, decision.RequestID, apierr.Wrap(apierr.CodeAllProvidersFail, "failed to persist job", err))
		return
	}

	done, err := h.pool.Dispatch(r.Context(), j)
	if err != nil {
		writeError(w, decision.RequestID, err)
		return
	}

	writeJSON(w, decision.RequestID, http.StatusOK, done.Result)
}

// RAGQuery handles POST /rag/query.
func (h *Handler) RAGQuery(w http.ResponseWriter, r *http.Request) {
	decision, _ := decisionFrom(r)
	var req rag.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, decision.RequestID, apierr.New(apierr.CodeInvalidParameter, "malformed request body"))
		return
	}
	req.TenantID = decision.TenantID

	result, err := h.ragPipe.Run(r.Context(), req)
	if err != nil {
		writeError(w, decision.RequestID, err)
		return
	}
	writeJSON(w, decision.RequestID, http.StatusOK, result)
}

// healthResponse mirrors spec.md's {status, uptime, version}.
type healthResponse struct {
	Status  string  `json:"status"`
	Uptime  float64 `json:"uptime_seconds"`
	Version string  `json:"version"`
}

// Health handles GET /health, independent of obs.StartHTTPServer's /healthz
// (that one serves readiness for the process manager; this one is the
// client-facing collaborator surface named in spec.md §6).
func Health(started time.Time, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r.Header.Get("X-Request-ID"), http.StatusOK, healthResponse{
			Status:  "ok",
			Uptime:  time.Since(started).Seconds(),
			Version: version,
		})
	}
}

// --- Admin handlers (require admin:manage scope) ---

// ListDeadLetter handles GET /admin/dlq?limit=N.
func (h *Handler) ListDeadLetter(w http.ResponseWriter, r *http.Request) {
	decision, _ := decisionFrom(r)
	limit := 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	jobs, err := h.store.ListDeadLetter(r.Context(), limit)
	if err != nil {
		writeError(w, decision.RequestID, apierr.Wrap(apierr.CodeAllProvidersFail, "failed to list dead letter jobs", err))
		return
	}
	writeJSON(w, decision.RequestID, http.StatusOK, jobs)
}

// RequeueDeadLetter handles POST /admin/dlq/{id}/requeue.
func (h *Handler) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	decision, _ := decisionFrom(r)
	id := mux.Vars(r)["id"]

	j, err := h.store.RequeueFromDeadLetter(r.Context(), id)
	if err != nil {
		writeError(w, decision.RequestID, apierr.Wrap(apierr.CodeAllProvidersFail, "failed to requeue job", err))
		return
	}
	writeJSON(w, decision.RequestID, http.StatusOK, j.ToResult())
}

// ResetTenantQuota handles POST /admin/quota/{tenantId}/reset.
func (h *Handler) ResetTenantQuota(w http.ResponseWriter, r *http.Request) {
	decision, _ := decisionFrom(r)
	tenantID := mux.Vars(r)["tenantId"]
	h.quota.Reset(tenantID)
	writeJSON(w, decision.RequestID, http.StatusOK, map[string]string{"tenant_id": tenantID, "status": "reset"})
}

// ResetCircuitBreaker handles POST /admin/breaker/{provider}/reset.
func (h *Handler) ResetCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	decision, _ := decisionFrom(r)
	provider := mux.Vars(r)["provider"]
	ok := h.pool.ResetBreaker(provider)
	if !ok {
		writeJSON(w, decision.RequestID, http.StatusOK, map[string]string{"provider": provider, "status": "no_breaker_minted"})
		return
	}
	writeJSON(w, decision.RequestID, http.StatusOK, map[string]string{"provider": provider, "status": "reset"})
}
