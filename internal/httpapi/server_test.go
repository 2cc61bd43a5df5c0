// Copyright 2025 James Ross
package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Raghavaaa/lindia-ai/internal/admission"
	"github.com/Raghavaaa/lindia-ai/internal/idempotency"
	"github.com/Raghavaaa/lindia-ai/internal/job"
	"github.com/Raghavaaa/lindia-ai/internal/provider"
	"github.com/Raghavaaa/lindia-ai/internal/quota"
	"github.com/Raghavaaa/lindia-ai/internal/rag"
	"github.com/Raghavaaa/lindia-ai/internal/ratelimit"
	"github.com/Raghavaaa/lindia-ai/internal/retry"
	"github.com/Raghavaaa/lindia-ai/internal/storage"
	"github.com/Raghavaaa/lindia-ai/internal/worker"
	"go.uber.org/zap"
)

const testKeyID = "k1"

var testSecret = []byte("test-signing-secret")

func signToken(t *testing.T, c admission.Claims) string {
	t.Helper()
	payload, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, testSecret)
	mac.Write([]byte(payloadB64))
	sigB64 := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return payloadB64 + "." + sigB64
}

type stubAdapter struct{ name string }

func (s stubAdapter) Name() string        { return s.name }
func (s stubAdapter) JobTypes() []job.Type { return []job.Type{job.TypeInference, job.TypeEmbedding, job.TypeSearch} }
func (s stubAdapter) Inference(ctx context.Context, payload map[string]any) (map[string]any, error) {
	return map[string]any{"answer": "stub answer", "model": s.name}, nil
}
func (s stubAdapter) Embed(ctx context.Context, docID, text string) (map[string]any, error) {
	return map[string]any{"vector_id": "v1"}, nil
}
func (s stubAdapter) HealthCheck(ctx context.Context) error { return nil }

func newTestServer(t *testing.T) (http.Handler, string) {
	t.Helper()

	limiter := ratelimit.New(time.Minute, time.Second, func(string) int { return 1000 }, func(string) int { return 1000 })
	qm := quota.New(func(string) quota.Tier { return quota.Tier{Name: "pro", DailyRequests: 1000, DailyCostCapUSD: 100} })
	keys := map[string][]byte{testKeyID: testSecret}
	gate := admission.New(keys, "airouter", "airouter-clients", nil, limiter, qm)
	gate.RequireScope("inference", "inference:write", 0.01)
	gate.RequireScope("rag_query", "rag:query", 0.01)
	gate.RequireScope("admin", "admin:manage", 0)

	router := provider.NewRouter(stubAdapter{name: "primary"})
	store := storage.NewInMemory()
	policy := retry.New(2, time.Millisecond, 2*time.Millisecond, 2.0, false)
	pool := worker.New(nil, router, store, policy, worker.BreakerConfig{FailureThreshold: 3, SuccessThreshold: 1, Timeout: time.Second, HalfOpenMaxCalls: 1}, zap.NewNop())

	registry, err := rag.LoadRegistry("")
	if err != nil {
		t.Fatal(err)
	}
	ragPipe := rag.NewPipeline(rag.Config{MaxContextTokens: 500, CharsPerToken: 4, TopK: 5, MinSimilarity: 0, HallucinationThresh: 0}, fakeRetriever{}, pool, registry, rag.NewCache(10, time.Minute))

	idem := idempotency.NewInMemory().AsManager()
	handler := NewRouter(gate, store, pool, qm, ragPipe, idem, "test", time.Now())

	token := signToken(t, admission.Claims{
		TenantID:  "tenant-a",
		Issuer:    "airouter",
		Audience:  "airouter-clients",
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
		KeyID:     testKeyID,
		Scopes:    []string{"inference:write", "rag:query", "admin:manage"},
	})
	return handler, token
}

type fakeRetriever struct{}

func (fakeRetriever) Retrieve(query string, k int, filters []rag.Filter) ([]rag.Candidate, error) {
	return []rag.Candidate{{DocumentID: "doc-1", Title: "T", Source: "kb", Text: "relevant snippet text", Similarity: 0.9, SafetyScore: 1.0}}, nil
}

func TestHealthRequiresNoAuth(t *testing.T) {
	handler, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestInferenceRejectsMissingToken(t *testing.T) {
	handler, _ := newTestServer(t)
	body, _ := json.Marshal(map[string]string{"query": "q", "tenant_id": "tenant-a"})
	req := httptest.NewRequest(http.MethodPost, "/inference", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestInferenceSucceedsWithValidToken(t *testing.T) {
	handler, token := newTestServer(t)
	body, _ := json.Marshal(map[string]string{"query": "q", "tenant_id": "tenant-a"})
	req := httptest.NewRequest(http.MethodPost, "/inference", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestInferenceReplayWithSameIdempotencyKeyReturnsSameResult(t *testing.T) {
	handler, token := newTestServer(t)
	body, _ := json.Marshal(map[string]string{"query": "q", "tenant_id": "tenant-a"})

	req1 := httptest.NewRequest(http.MethodPost, "/inference", bytes.NewReader(body))
	req1.Header.Set("Authorization", "Bearer "+token)
	req1.Header.Set("Idempotency-Key", "dup-key-1")
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusOK {
		t.Fatalf("expected 200 on first submission, got %d: %s", rec1.Code, rec1.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodPost, "/inference", bytes.NewReader(body))
	req2.Header.Set("Authorization", "Bearer "+token)
	req2.Header.Set("Idempotency-Key", "dup-key-1")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 on replayed submission, got %d: %s", rec2.Code, rec2.Body.String())
	}

	if rec1.Body.String() != rec2.Body.String() {
		t.Fatalf("expected replayed request to return the original result, got %q vs %q", rec1.Body.String(), rec2.Body.String())
	}
}

func TestAdminRouteRejectsMissingToken(t *testing.T) {
	handler, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/admin/dlq", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing token on admin route, got %d", rec.Code)
	}
}

func TestAdminResetQuotaSucceeds(t *testing.T) {
	handler, token := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/admin/quota/tenant-a/reset", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRAGQuerySucceeds(t *testing.T) {
	handler, token := newTestServer(t)
	body, _ := json.Marshal(rag.Request{Query: "what is required for a valid contract", Template: "standard"})
	req := httptest.NewRequest(http.MethodPost, "/rag/query", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}
