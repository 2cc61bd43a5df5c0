// Copyright 2025 James Ross
//
// Package provider defines the narrow adapter capability set the worker
// pool dispatches through, and the ordered Router that lists them for
// fallback. Adapters are independent values carrying only their own
// configuration; none classifies its own errors as retryable — that
// decision belongs entirely to the retry package.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Raghavaaa/lindia-ai/internal/apierr"
	"github.com/Raghavaaa/lindia-ai/internal/job"
)

// Adapter is the fixed capability set every provider implements: Inference,
// Embed, and HealthCheck. No shared base behaviour beyond this interface.
type Adapter interface {
	Name() string
	JobTypes() []job.Type
	Inference(ctx context.Context, payload map[string]any) (map[string]any, error)
	Embed(ctx context.Context, docID, text string) (map[string]any, error)
	HealthCheck(ctx context.Context) error
}

// Router maintains the declared provider preference order and fans a job
// type out to the adapters willing to serve it, in that fixed order. It
// performs no load-adaptive routing.
type Router struct {
	ordered []Adapter
}

func NewRouter(ordered ...Adapter) *Router {
	return &Router{ordered: ordered}
}

// For returns the ordered subset of adapters declared for jobType.
func (r *Router) For(jobType job.Type) []Adapter {
	var out []Adapter
	for _, a := range r.ordered {
		for _, t := range a.JobTypes() {
			if t == jobType {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

// All returns every adapter in declared preference order.
func (r *Router) All() []Adapter { return r.ordered }

// HTTPAdapter is a narrow HTTP client provider: a base URL, a bearer header,
// a per-call timeout, and the fatal/retryable status classification baked
// into classifyStatus. It never second-guesses that classification upward.
type HTTPAdapter struct {
	name            string
	jobTypes        []job.Type
	baseURL         string
	apiKey          string
	providerTimeout time.Duration
	httpClient      *http.Client
}

func NewHTTPAdapter(name, baseURL, apiKey string, jobTypes []job.Type, providerTimeout time.Duration) *HTTPAdapter {
	return &HTTPAdapter{
		name:            name,
		jobTypes:        jobTypes,
		baseURL:         baseURL,
		apiKey:          apiKey,
		providerTimeout: providerTimeout,
		httpClient:      &http.Client{Timeout: providerTimeout},
	}
}

func (a *HTTPAdapter) Name() string          { return a.name }
func (a *HTTPAdapter) JobTypes() []job.Type  { return a.jobTypes }

func (a *HTTPAdapter) Inference(ctx context.Context, payload map[string]any) (map[string]any, error) {
	return a.call(ctx, "/v1/inference", payload)
}

func (a *HTTPAdapter) Embed(ctx context.Context, docID, text string) (map[string]any, error) {
	return a.call(ctx, "/v1/embed", map[string]any{"doc_id": docID, "text": text})
}

func (a *HTTPAdapter) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return apierr.Wrap(apierr.CodeProviderTimeout, "health check failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apierr.New(apierr.CodeProvider5xx, fmt.Sprintf("health check returned %d", resp.StatusCode))
	}
	return nil
}

func (a *HTTPAdapter) call(ctx context.Context, path string, body map[string]any) (map[string]any, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInvalidParameter, "marshal request body", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.providerTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeInvalidParameter, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeProviderTimeout, "provider call failed", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	if tagged := classifyStatus(resp.StatusCode); tagged != "" {
		return nil, apierr.New(tagged, fmt.Sprintf("provider %s returned %d", a.name, resp.StatusCode)).
			WithDetails(map[string]any{"provider": a.name, "status": resp.StatusCode})
	}

	var out map[string]any
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, apierr.Wrap(apierr.CodeInvalidParameter, "unmarshal provider response", err)
	}
	return out, nil
}

// classifyStatus returns the machine code for a non-2xx response, or "" for
// success. This is the adapter's only opinion on an error: the raw status.
// Whether it is worker-retryable is §4.7's decision, not this function's.
func classifyStatus(status int) string {
	switch {
	case status >= 200 && status < 300:
		return ""
	case status == 429:
		return apierr.CodeProviderRateLimit
	case status == 502 || status == 503 || status == 504:
		return apierr.CodeProvider5xx
	case status >= 500:
		return apierr.CodeProvider5xx
	default:
		return apierr.CodeInvalidParameter
	}
}
