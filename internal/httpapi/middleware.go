// Copyright 2025 James Ross
package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/Raghavaaa/lindia-ai/internal/admission"
)

type contextKey string

const contextKeyDecision contextKey = "admission_decision"

// decisionFrom recovers the admission Decision a request's middleware chain
// attached to its context.
func decisionFrom(r *http.Request) (admission.Decision, bool) {
	d, ok := r.Context().Value(contextKeyDecision).(admission.Decision)
	return d, ok
}

// WithAdmission wraps next so every request first passes through the
// admission gate for endpoint: token verification, scope enforcement, rate
// limit, then quota, in that order. On rejection it writes the tagged error
// envelope and next never runs.
func WithAdmission(gate *admission.Gate, endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			clientRequestID := r.Header.Get("X-Request-ID")

			decision, err := gate.Admit(token, endpoint, clientRequestID)
			if err != nil {
				requestID := clientRequestID
				if requestID == "" {
					requestID = "unassigned"
				}
				writeError(w, requestID, err)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyDecision, decision)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireScope rejects a request whose admitted decision lacks scope,
// for routes admission's per-endpoint table doesn't already enforce (e.g.
// the shared admin route group, where each sub-route needs admin:manage).
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision, ok := decisionFrom(r)
			if !ok {
				writeError(w, "unassigned", errMissingDecision)
				return
			}
			for _, s := range decision.Scopes {
				if s == scope {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, decision.RequestID, errInsufficientScope)
		})
	}
}
