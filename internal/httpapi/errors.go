// Copyright 2025 James Ross
//
// Package httpapi is the collaborator HTTP surface: inference/embed/search/
// rag endpoints, health and metrics, and an admin route group requiring
// admin:manage scope. Grounded on the teacher's admin-api package for route
// and middleware shape, narrowed from http.ServeMux to gorilla/mux for
// path-parameterized admin routes.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/Raghavaaa/lindia-ai/internal/apierr"
)

var (
	errMissingDecision   = apierr.New(apierr.CodeTokenMissing, "no admission decision on request context")
	errInsufficientScope = apierr.New(apierr.CodeScopeInsufficient, "token lacks required admin scope")
)

// errorEnvelope is the shape every non-2xx response carries.
type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, requestID string, err error) {
	code := "internal_error"
	message := err.Error()
	status := http.StatusInternalServerError

	if tagged, ok := apierr.AsError(err); ok {
		code = tagged.Code
		message = tagged.Message
		status = apierr.HTTPStatus(tagged.Code)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, requestID string, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
