// Copyright 2025 James Ross
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/Raghavaaa/lindia-ai/internal/admission"
	"github.com/Raghavaaa/lindia-ai/internal/idempotency"
	"github.com/Raghavaaa/lindia-ai/internal/quota"
	"github.com/Raghavaaa/lindia-ai/internal/rag"
	"github.com/Raghavaaa/lindia-ai/internal/storage"
	"github.com/Raghavaaa/lindia-ai/internal/worker"
)

// NewRouter wires every collaborator and admin route behind its admission
// middleware, and returns the handler ready to pass to http.Server.
func NewRouter(gate *admission.Gate, store storage.Store, pool *worker.Pool, qm *quota.Manager, ragPipe *rag.Pipeline, idem idempotency.Manager, version string, started time.Time) http.Handler {
	h := NewHandler(store, pool, qm, ragPipe, idem)
	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		Health(started, version)(w, req)
	}).Methods(http.MethodGet)

	r.Handle("/inference", WithAdmission(gate, "inference")(http.HandlerFunc(h.Inference))).Methods(http.MethodPost)
	r.Handle("/embed", WithAdmission(gate, "embed")(http.HandlerFunc(h.Embed))).Methods(http.MethodPost)
	r.Handle("/search", WithAdmission(gate, "search")(http.HandlerFunc(h.Search))).Methods(http.MethodPost)
	r.Handle("/rag/query", WithAdmission(gate, "rag_query")(http.HandlerFunc(h.RAGQuery))).Methods(http.MethodPost)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(WithAdmission(gate, "admin"), RequireScope("admin:manage"))
	admin.HandleFunc("/dlq", h.ListDeadLetter).Methods(http.MethodGet)
	admin.HandleFunc("/dlq/{id}/requeue", h.RequeueDeadLetter).Methods(http.MethodPost)
	admin.HandleFunc("/quota/{tenantId}/reset", h.ResetTenantQuota).Methods(http.MethodPost)
	admin.HandleFunc("/breaker/{provider}/reset", h.ResetCircuitBreaker).Methods(http.MethodPost)

	return r
}
