// Copyright 2025 James Ross
//
// Package rag implements the retrieval-augmented generation orchestrator:
// sanitize, cache lookup, retrieve, rank and filter, build context, select
// template and prompt, run inference through the dispatch core, post-process,
// generate follow-ups, and assemble the cacheable result. Grounded on the
// teacher's pipeline-stage idiom (each stage a small function composed in
// Pipeline.Run), narrowed from the teacher's queue-dispatch pipeline to a
// synchronous request/response orchestration.
package rag

import "time"

// CitationStyle controls how citation markers are rendered.
type CitationStyle string

const (
	CitationInline    CitationStyle = "inline"
	CitationFootnote  CitationStyle = "footnote"
	CitationNone      CitationStyle = "none"
)

// ResponseStyle names the answer's register. It is part of the result cache
// key; no template or prompt reads it.
type ResponseStyle string

const (
	ResponseConcise  ResponseStyle = "concise"
	ResponseDetailed ResponseStyle = "detailed"
)

// Strictness names how tightly the model is to stay grounded in retrieved
// snippets. It is carried on the request only: the pipeline does not read
// it, and templates have no strictness variants.
type Strictness string

const (
	StrictnessLow    Strictness = "low"
	StrictnessNormal Strictness = "normal"
	StrictnessHigh   Strictness = "high"
)

// Filter is a declared metadata predicate a candidate document must satisfy.
type Filter struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// Request is a RAG query.
type Request struct {
	Query               string        `json:"query"`
	TenantID            string        `json:"tenant_id"`
	K                   int           `json:"k"`
	MinSimilarity       float64       `json:"min_similarity"`
	Filters             []Filter      `json:"filters,omitempty"`
	Template            string        `json:"template"`
	CitationStyle       CitationStyle `json:"citation_style"`
	ResponseStyle       ResponseStyle `json:"response_style"`
	Strictness          Strictness    `json:"strictness"`
	FollowUpCount       int           `json:"follow_up_count"`
	TokenBudget         int           `json:"token_budget"`
	SnippetSize         int           `json:"snippet_size"`
	DryRun              bool          `json:"dry_run"`
	IdempotencyKey      string        `json:"idempotency_key,omitempty"`
	ConversationHistory string        `json:"conversation_history,omitempty"`
}

// Citation resolves an answer's citation marker back to its source document.
type Citation struct {
	CitationID string  `json:"citation_id"`
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title"`
	Source     string  `json:"source"`
	Snippet    string  `json:"snippet"`
	Similarity float64 `json:"similarity"`
	Rank       int     `json:"rank"`
	Location   string  `json:"location,omitempty"`
}

// Provenance records what produced a Result, for audit.
type Provenance struct {
	IndexVersion  string        `json:"index_version"`
	SnippetIDs    []string      `json:"snippet_ids"`
	Model         string        `json:"model"`
	TokensUsed    int           `json:"tokens_used"`
	CostUSD       float64       `json:"cost_usd"`
	RetrieveTime  time.Duration `json:"retrieve_time"`
	InferenceTime time.Duration `json:"inference_time"`
	TotalTime     time.Duration `json:"total_time"`
}

// Result is a RAG Result.
type Result struct {
	Answer              string     `json:"answer"`
	Citations           []Citation `json:"citations"`
	FollowUps           []string   `json:"follow_ups"`
	Confidence          float64    `json:"confidence"`
	Provenance          Provenance `json:"provenance"`
	HallucinationFlag   bool       `json:"hallucination_suspected"`
	Redacted            bool       `json:"redacted"`
	CacheHit            bool       `json:"cache_hit"`
	NeedsVerification   bool       `json:"needs_verification"`
	ContextTruncated    bool       `json:"context_truncated"`

	// DryRunPrompt and DryRunSnippets are populated only when Request.DryRun
	// is true; step 7 onward never runs for a dry run.
	DryRunPrompt   string     `json:"dry_run_prompt,omitempty"`
	DryRunSnippets []Citation `json:"dry_run_snippets,omitempty"`
}

// Candidate is a document returned by the retriever before ranking.
type Candidate struct {
	DocumentID string
	Title      string
	Source     string
	Text       string
	Similarity float64
	SafetyScore float64
	Metadata   map[string]string
}

// Retriever is the external vector-search contract the orchestrator calls at
// stage 3. A production implementation calls out over HTTP or gRPC to the
// search index; tests supply a fake.
type Retriever interface {
	Retrieve(query string, k int, filters []Filter) ([]Candidate, error)
}
