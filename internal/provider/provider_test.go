// Copyright 2025 James Ross
package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Raghavaaa/lindia-ai/internal/apierr"
	"github.com/Raghavaaa/lindia-ai/internal/job"
)

func TestInferenceSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text":"hello"}`))
	}))
	defer srv.Close()

	a := NewHTTPAdapter("primary-chat", srv.URL, "key", []job.Type{job.TypeInference}, time.Second)
	out, err := a.Inference(context.Background(), map[string]any{"prompt": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if out["text"] != "hello" {
		t.Fatalf("expected text=hello, got %+v", out)
	}
}

func TestInferenceClassifies5xxAsProvider5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := NewHTTPAdapter("primary-chat", srv.URL, "key", []job.Type{job.TypeInference}, time.Second)
	_, err := a.Inference(context.Background(), map[string]any{"prompt": "hi"})
	tagged, ok := apierr.AsError(err)
	if !ok || tagged.Code != apierr.CodeProvider5xx {
		t.Fatalf("expected provider_5xx, got %v", err)
	}
}

func TestInferenceClassifies429AsRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := NewHTTPAdapter("primary-chat", srv.URL, "key", []job.Type{job.TypeInference}, time.Second)
	_, err := a.Inference(context.Background(), map[string]any{"prompt": "hi"})
	tagged, ok := apierr.AsError(err)
	if !ok || tagged.Code != apierr.CodeProviderRateLimit {
		t.Fatalf("expected provider_rate_limit, got %v", err)
	}
}

func TestRouterOrdersByDeclaration(t *testing.T) {
	primary := NewHTTPAdapter("primary-chat", "http://primary", "", []job.Type{job.TypeInference}, time.Second)
	fallback := NewHTTPAdapter("fallback-chat", "http://fallback", "", []job.Type{job.TypeInference}, time.Second)
	embedOnly := NewHTTPAdapter("legal-encoder", "http://embed", "", []job.Type{job.TypeEmbedding}, time.Second)

	r := NewRouter(primary, fallback, embedOnly)
	chain := r.For(job.TypeInference)
	if len(chain) != 2 || chain[0].Name() != "primary-chat" || chain[1].Name() != "fallback-chat" {
		t.Fatalf("expected [primary-chat, fallback-chat] in declared order, got %+v", chain)
	}
}
