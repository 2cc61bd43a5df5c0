// Copyright 2025 James Ross
package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Raghavaaa/lindia-ai/internal/apierr"
	"github.com/Raghavaaa/lindia-ai/internal/job"
	"github.com/Raghavaaa/lindia-ai/internal/obs"
)

// Dispatcher is the subset of worker.Pool the orchestrator needs: submit a
// job synchronously and receive it back in its terminal state.
type Dispatcher interface {
	Dispatch(ctx context.Context, j *job.Job) (*job.Job, error)
}

// Config carries the RAG-specific tunables sourced from config.RAG.
type Config struct {
	MaxContextTokens    int
	CharsPerToken       float64
	IncludeMetadata     bool
	MinSimilarity       float64
	TopK                int
	HallucinationThresh float64
	NoInformationText   string
}

// Pipeline is the RAG orchestrator. Construct with NewPipeline.
type Pipeline struct {
	cfg        Config
	retriever  Retriever
	dispatcher Dispatcher
	templates  *Registry
	cache      *Cache
}

func NewPipeline(cfg Config, retriever Retriever, dispatcher Dispatcher, templates *Registry, cache *Cache) *Pipeline {
	if cfg.NoInformationText == "" {
		cfg.NoInformationText = "I don't have enough information in the retrieved context to answer that."
	}
	return &Pipeline{cfg: cfg, retriever: retriever, dispatcher: dispatcher, templates: templates, cache: cache}
}

// contextWindow is the serialized, token-bounded retrieval context built at
// stage 5.
type contextWindow struct {
	text      string
	snippets  []Citation
	truncated bool
}

// Run executes the pipeline stages in order for a single request.
func (p *Pipeline) Run(ctx context.Context, req Request) (Result, error) {
	started := time.Now()

	normalizedQuery, err := sanitize(req.Query)
	if err != nil {
		return Result{}, err
	}
	key := req.IdempotencyKey
	if key == "" {
		key = idempotencyKey(req.TenantID, normalizedQuery, req.Template, req.K, req.CitationStyle, req.ResponseStyle)
	}

	if !req.DryRun {
		if cached, ok := p.cache.Get(key); ok {
			obs.RAGCacheHit.Inc()
			cached.CacheHit = true
			cached.Provenance.TotalTime = 0
			return cached, nil
		}
	}

	retrieveStart := time.Now()
	k := req.K
	if k <= 0 {
		k = p.cfg.TopK
	}
	candidates, err := p.retriever.Retrieve(normalizedQuery, k, req.Filters)
	if err != nil {
		return Result{}, apierr.Wrap(apierr.CodeRetrievalEmpty, "retrieval failed", err)
	}
	retrieveTime := time.Since(retrieveStart)
	obs.RAGPipelineDuration.WithLabelValues("retrieve").Observe(retrieveTime.Seconds())

	ranked := rankAndFilter(candidates, req.Filters, p.minSimilarity(req))
	if len(ranked) == 0 {
		return Result{
			Answer:            p.cfg.NoInformationText,
			Citations:         nil,
			NeedsVerification: true,
			Provenance: Provenance{
				RetrieveTime: retrieveTime,
				TotalTime:    time.Since(started),
			},
		}, nil
	}

	window := buildContext(ranked, p.contextBudgetChars(), req.SnippetSize, p.cfg.IncludeMetadata)

	def := p.templates.Get(req.Template)
	vars := map[string]string{
		"query":                normalizedQuery,
		"context":              window.text,
		"conversation_history": req.ConversationHistory,
	}
	systemPreamble := Render(def.SystemPreamble, vars)
	userBody := Render(def.UserBody, vars)
	prompt := systemPreamble + "\n\n" + userBody

	if req.DryRun {
		return Result{
			DryRunPrompt:     prompt,
			DryRunSnippets:   window.snippets,
			ContextTruncated: window.truncated,
			Provenance: Provenance{
				RetrieveTime: retrieveTime,
				SnippetIDs:   snippetIDs(window.snippets),
				TotalTime:    time.Since(started),
			},
		}, nil
	}

	inferStart := time.Now()
	answer, model, err := p.infer(ctx, req, systemPreamble, userBody)
	if err != nil {
		return Result{}, err
	}
	inferTime := time.Since(inferStart)
	obs.RAGPipelineDuration.WithLabelValues("inference").Observe(inferTime.Seconds())

	citations, answerBody := extractCitations(answer, window.snippets, req.CitationStyle)
	overlap := hallucinationOverlapRatio(answerBody, citations)
	hallucinated := detectHallucination(answerBody, citations, p.cfg.HallucinationThresh)

	followUps := p.followUps(ctx, req, normalizedQuery, answerBody)

	result := Result{
		Answer:            answerBody,
		Citations:         citations,
		FollowUps:         followUps,
		Confidence:        overlap,
		HallucinationFlag: hallucinated,
		NeedsVerification: hallucinated,
		ContextTruncated:  window.truncated,
		Provenance: Provenance{
			SnippetIDs:    snippetIDs(window.snippets),
			Model:         model,
			RetrieveTime:  retrieveTime,
			InferenceTime: inferTime,
			TotalTime:     time.Since(started),
		},
	}

	p.cache.Put(key, result)
	obs.RAGPipelineDuration.WithLabelValues("total").Observe(time.Since(started).Seconds())
	return result, nil
}

func (p *Pipeline) minSimilarity(req Request) float64 {
	if req.MinSimilarity > 0 {
		return req.MinSimilarity
	}
	return p.cfg.MinSimilarity
}

func (p *Pipeline) contextBudgetChars() int {
	charsPerToken := p.cfg.CharsPerToken
	if charsPerToken <= 0 {
		charsPerToken = 4.0
	}
	return int(float64(p.cfg.MaxContextTokens) * charsPerToken)
}

// rankAndFilter drops candidates below the similarity floor or failing a
// declared filter, then sorts by safety-weighted similarity
// (similarity * (0.5 + 0.5*SafetyScore)) descending.
func rankAndFilter(candidates []Candidate, filters []Filter, minSimilarity float64) []Candidate {
	var kept []Candidate
	for _, c := range candidates {
		if c.Similarity < minSimilarity {
			continue
		}
		if !passesFilters(c, filters) {
			continue
		}
		kept = append(kept, c)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		scoreI := kept[i].Similarity * (0.5 + 0.5*kept[i].SafetyScore)
		scoreJ := kept[j].Similarity * (0.5 + 0.5*kept[j].SafetyScore)
		return scoreI > scoreJ
	})
	return kept
}

func passesFilters(c Candidate, filters []Filter) bool {
	for _, f := range filters {
		if c.Metadata[f.Field] != f.Value {
			return false
		}
	}
	return true
}

// buildContext serializes ranked candidates into a char-bounded block in
// rank order, truncating the first document with an explicit marker if it
// alone exceeds the budget.
func buildContext(ranked []Candidate, budgetChars, snippetSize int, includeMetadata bool) contextWindow {
	if snippetSize <= 0 {
		snippetSize = 500
	}
	var b strings.Builder
	var snippets []Citation
	truncated := false
	used := 0

	for i, c := range ranked {
		text := c.Text
		if len(text) > snippetSize {
			text = text[:snippetSize]
		}
		block := fmt.Sprintf("[doc:%s] %s\n", c.DocumentID, text)
		if includeMetadata && len(c.Metadata) > 0 {
			block = fmt.Sprintf("[doc:%s source=%s] %s\n", c.DocumentID, c.Source, text)
		}

		if i == 0 && len(block) > budgetChars {
			marker := "...(truncated)"
			cut := budgetChars - len(marker)
			if cut < 0 {
				cut = 0
			}
			if cut > len(block) {
				cut = len(block)
			}
			block = block[:cut] + marker
			truncated = true
		} else if used+len(block) > budgetChars {
			break
		}

		b.WriteString(block)
		used += len(block)
		snippets = append(snippets, Citation{
			CitationID: fmt.Sprintf("c%d", i+1),
			DocumentID: c.DocumentID,
			Title:      c.Title,
			Source:     c.Source,
			Snippet:    text,
			Similarity: c.Similarity,
			Rank:       i + 1,
		})
		if truncated {
			break
		}
	}

	return contextWindow{text: b.String(), snippets: snippets, truncated: truncated}
}

func snippetIDs(snippets []Citation) []string {
	ids := make([]string, len(snippets))
	for i, s := range snippets {
		ids[i] = s.DocumentID
	}
	return ids
}

// infer submits the assembled prompt through the dispatch core as an
// inference job.
func (p *Pipeline) infer(ctx context.Context, req Request, systemPreamble, userBody string) (answer, model string, err error) {
	priority := job.PriorityNormal
	j := job.New(req.TenantID, "", job.TypeInference, priority, map[string]any{
		"query":   userBody,
		"context": systemPreamble,
		"tenant":  req.TenantID,
	})

	done, dispatchErr := p.dispatcher.Dispatch(ctx, j)
	if dispatchErr != nil {
		return "", "", apierr.Wrap(apierr.CodeAllProvidersFail, "inference dispatch failed", dispatchErr)
	}

	answerVal, _ := done.Result["answer"].(string)
	modelVal, _ := done.Result["model"].(string)
	return answerVal, modelVal, nil
}

// citationMarker matches bracketed document references like [doc:abc123].
var citationMarker = regexp.MustCompile(`\[doc:([^\]]+)\]`)

// extractCitations finds citation markers in the answer and resolves each
// to its source snippet, returning the answer with markers left intact for
// inline style or stripped for none.
func extractCitations(answer string, snippets []Citation, style CitationStyle) ([]Citation, string) {
	byDoc := make(map[string]Citation, len(snippets))
	for _, s := range snippets {
		byDoc[s.DocumentID] = s
	}

	var used []Citation
	seen := make(map[string]bool)
	for _, m := range citationMarker.FindAllStringSubmatch(answer, -1) {
		docID := m[1]
		if seen[docID] {
			continue
		}
		if c, ok := byDoc[docID]; ok {
			used = append(used, c)
			seen[docID] = true
		}
	}

	body := answer
	if style == CitationNone {
		body = citationMarker.ReplaceAllString(answer, "")
	}
	if len(used) == 0 {
		used = snippets
	}
	return used, strings.TrimSpace(body)
}

// followUps runs a second inference call with the follow-up template and
// parses a JSON array of questions, falling back to interrogative-sentence
// extraction if parsing fails.
func (p *Pipeline) followUps(ctx context.Context, req Request, query, answer string) []string {
	if req.FollowUpCount <= 0 {
		return nil
	}
	def := p.templates.Get("follow_up")
	vars := map[string]string{"query": query, "context": answer}
	systemPreamble := Render(def.SystemPreamble, vars)
	userBody := Render(def.UserBody, vars)

	j := job.New(req.TenantID, "", job.TypeInference, job.PriorityLow, map[string]any{
		"query":   userBody,
		"context": systemPreamble,
		"tenant":  req.TenantID,
	})
	done, err := p.dispatcher.Dispatch(ctx, j)
	if err != nil {
		return nil
	}
	raw, _ := done.Result["answer"].(string)
	if raw == "" {
		return nil
	}

	var parsed []string
	if jsonErr := json.Unmarshal([]byte(raw), &parsed); jsonErr == nil {
		return capQuestions(parsed, req.FollowUpCount)
	}

	var sentences []string
	for _, s := range strings.Split(raw, "?") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		sentences = append(sentences, s+"?")
	}
	return capQuestions(sentences, req.FollowUpCount)
}

func capQuestions(qs []string, n int) []string {
	if len(qs) > n {
		return qs[:n]
	}
	return qs
}
