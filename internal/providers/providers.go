// Package providers holds the pluggable capability interfaces the pipeline
// engines call out to: content extraction, embedding, and reranking. Each
// capability has at least one remote implementation and one that works
// without network access.
package providers

import (
	"context"
	"errors"

	"saas-knowledge-platform/internal/config"
	"saas-knowledge-platform/internal/logger"
	"saas-knowledge-platform/models"
)

var (
	// ErrFatalInput marks input the provider can never process (corrupt or
	// unsupported file). Callers must not retry.
	ErrFatalInput = errors.New("input cannot be processed")

	// ErrTransient marks a temporary provider failure (rate limit, open
	// circuit breaker, network). Callers may retry with backoff.
	ErrTransient = errors.New("provider temporarily unavailable")
)

// ExtractionInput is one document handed to an extraction provider.
type ExtractionInput struct {
	Filename string
	MimeType string
	Data     []byte
}

// ExtractionOptions tunes a single extraction run.
type ExtractionOptions struct {
	ModelProfile        string
	ConfidenceThreshold float64
	ExtractTables       bool
	ExtractImages       bool
}

// ExtractionOutput is the provider's result. Objects carry page, sequence,
// type, text/payload and confidence; the engine fills session bookkeeping
// (ids, hashes) before persisting. FailedPages records pages the provider
// could not process, which makes the session partial rather than failed.
type ExtractionOutput struct {
	PipelineType string
	PageCount    int
	Objects      []models.ExtractedObject
	FailedPages  map[int]string
	Language     string
}

// ExtractionProvider turns raw file bytes into typed content objects.
type ExtractionProvider interface {
	Name() string
	Supports(mimeType string) bool
	Extract(ctx context.Context, input ExtractionInput, opts ExtractionOptions) (*ExtractionOutput, error)
}

// EmbeddingProvider turns chunk content into fixed-dimension vectors.
// Both batch methods return one vector per input, aligned by index; a nil
// entry marks that item as failed while the rest of the batch stands. A
// non-nil error means the whole call failed and nothing can be used.
type EmbeddingProvider interface {
	Model() string
	Dimension() int
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	EmbedImages(ctx context.Context, images [][]byte) ([][]float32, error)
}

// RerankCandidate is one fused result offered to a reranker.
type RerankCandidate struct {
	ChunkID string
	Text    string
}

// Reranker rescores the top fused candidates against the query. Scores are
// returned aligned by index in [0,1]; an error or timeout makes the caller
// keep the fused order.
type Reranker interface {
	Name() string
	Rerank(ctx context.Context, query string, candidates []RerankCandidate) ([]float64, error)
}

// Registry resolves extraction providers by name. Registration order is
// the fallback preference order.
type Registry struct {
	byName map[string]ExtractionProvider
	order  []string
}

func NewRegistry(providers ...ExtractionProvider) *Registry {
	r := &Registry{byName: make(map[string]ExtractionProvider, len(providers))}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p ExtractionProvider) {
	if _, ok := r.byName[p.Name()]; !ok {
		r.order = append(r.order, p.Name())
	}
	r.byName[p.Name()] = p
}

func (r *Registry) Get(name string) (ExtractionProvider, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// BestFor returns the preferred provider when it supports the mime type,
// otherwise the first registered provider that does. Specialized providers
// (spreadsheet, plain text) thereby win over the configured default for
// the types only they handle.
func (r *Registry) BestFor(mimeType, preferred string) (ExtractionProvider, bool) {
	if p, ok := r.byName[preferred]; ok && p.Supports(mimeType) {
		return p, true
	}
	for _, name := range r.order {
		p := r.byName[name]
		if name != preferred && p.Supports(mimeType) {
			return p, true
		}
	}
	return nil, false
}

// FromConfig assembles the full provider set for one process: the extraction
// registry, the embedding providers in preference order, and the reranker.
// Gemini backs all three capabilities when an API key is configured; without
// one the process still runs on the local providers and the deterministic
// embedder.
func FromConfig(cfg *config.Config) (*Registry, []EmbeddingProvider, Reranker) {
	registry := NewRegistry(
		NewPDFNativeProvider(),
		NewPlaintextProvider(),
		NewSpreadsheetProvider(),
	)
	if cfg.OCRServiceEnabled {
		registry.Register(NewRemoteOCRProvider(cfg))
	}

	var embedders []EmbeddingProvider
	var reranker Reranker = NewHeuristicReranker()

	if cfg.GeminiAPIKey != "" {
		gemini, err := NewGeminiProvider(cfg)
		if err != nil {
			logger.Warn("Gemini provider unavailable, continuing with local providers", "error", err)
		} else {
			registry.Register(gemini)
			embedders = append(embedders, gemini)
			reranker = gemini
		}
	}
	embedders = append(embedders, NewLocalEmbedder(cfg.VectorDimensions))

	return registry, embedders, reranker
}
