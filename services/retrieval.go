package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"saas-knowledge-platform/internal/config"
	"saas-knowledge-platform/internal/logger"
	"saas-knowledge-platform/internal/providers"
	"saas-knowledge-platform/internal/store"
	"saas-knowledge-platform/internal/telemetry"
	"saas-knowledge-platform/models"
	"saas-knowledge-platform/utils"
)

const (
	rerankTimeout = 10 * time.Second
	rrfRankShift  = 60
)

// Grade buckets by fused score.
const (
	gradeHighFloor   = 0.7
	gradeMediumFloor = 0.4
)

// RetrievalEngine answers search queries over the authorized candidate set.
// Authorization is applied while gathering candidates, before any scoring,
// so an unauthorized chunk can never influence or leak through ranking.
type RetrievalEngine struct {
	documents  store.DocumentStore
	chunks     store.ChunkStore
	embeddings store.EmbeddingStore
	settings   store.SettingsStore
	embedder   *EmbeddingEngine
	reranker   providers.Reranker
	cache      *ChunkCache

	seed        models.RetrievalSettings
	defaultTopK int
}

func NewRetrievalEngine(stores store.Stores, embedder *EmbeddingEngine, reranker providers.Reranker, cache *ChunkCache, cfg *config.Config) *RetrievalEngine {
	topK := cfg.SearchDefaultTopK
	if topK < 1 {
		topK = 10
	}
	return &RetrievalEngine{
		documents:  stores.Documents,
		chunks:     stores.Chunks,
		embeddings: stores.Embeddings,
		settings:   stores.Settings,
		embedder:   embedder,
		reranker:   reranker,
		cache:      cache,
		seed: models.RetrievalSettings{
			FusionWeights: map[string]float64{
				models.SearchModeVector:  cfg.SearchWeightVector,
				models.SearchModeKeyword: cfg.SearchWeightKeyword,
				models.SearchModeImage:   cfg.SearchWeightImage,
			},
			Fusion:         models.FusionWeighted,
			Threshold:      cfg.SearchThreshold,
			RerankTopN:     cfg.SearchRerankTopN,
			EmbeddingModel: cfg.EmbeddingModel,
		},
		defaultTopK: topK,
	}
}

// searchCandidate is one authorized chunk moving through scoring and fusion.
type searchCandidate struct {
	chunk       models.Chunk
	containerID primitive.ObjectID

	vectorScore  float64
	keywordScore float64
	imageScore   float64
	fused        float64
	rerankScore  float64
	reranked     bool
}

// Search runs one retrieval query. An empty authorized candidate set is an
// empty result list, never an error; only malformed requests and backend
// failures error out.
func (e *RetrievalEngine) Search(ctx context.Context, req models.SearchRequest, auth *models.AuthContext) (*models.SearchResponse, error) {
	started := time.Now()

	query := strings.TrimSpace(req.Query)
	var queryImage []byte
	if req.ImageBase64 != "" {
		img, err := base64.StdEncoding.DecodeString(req.ImageBase64)
		if err != nil {
			return nil, fmt.Errorf("%w: image_base64 is not valid base64", ErrMalformedRequest)
		}
		if _, _, err := utils.ImageDimensions(img); err != nil {
			return nil, fmt.Errorf("%w: image_base64 does not decode as an image", ErrMalformedRequest)
		}
		queryImage = img
	}
	if query == "" && len(queryImage) == 0 {
		return nil, fmt.Errorf("%w: query text or image required", ErrMalformedRequest)
	}

	mode, methods, err := resolveMode(req.Mode, query != "", len(queryImage) > 0)
	if err != nil {
		return nil, err
	}

	policy := e.policy(ctx)
	threshold := policy.Threshold
	if req.SimilarityThreshold != nil {
		threshold = *req.SimilarityThreshold
	}
	topK := req.TopK
	if topK < 1 {
		topK = e.defaultTopK
	}

	candidates, err := e.gatherCandidates(ctx, auth, req)
	if err != nil {
		return nil, err
	}
	total := len(candidates)
	if total == 0 {
		resp := &models.SearchResponse{
			Results:         []models.RankedResult{},
			TotalCandidates: 0,
			SearchTimeMs:    time.Since(started).Milliseconds(),
			MethodsUsed:     methods,
		}
		telemetry.RecordSearch(mode, time.Since(started).Seconds(), 0)
		return resp, nil
	}

	methods, err = e.scoreCandidates(ctx, mode, methods, query, queryImage, policy.EmbeddingModel, candidates)
	if err != nil {
		return nil, err
	}

	fuseScores(candidates, methods, policy)

	kept := candidates[:0]
	for _, c := range candidates {
		if c.fused >= threshold {
			kept = append(kept, c)
		}
	}
	sortByFused(kept)

	if req.Rerank && e.reranker != nil && query != "" && len(kept) > 0 {
		if e.rerankTop(ctx, query, kept, policy.RerankTopN) {
			methods = append(methods, "rerank")
		}
	}

	if len(kept) > topK {
		kept = kept[:topK]
	}

	results := make([]models.RankedResult, 0, len(kept))
	for _, c := range kept {
		results = append(results, rankedResult(c))
	}

	elapsed := time.Since(started)
	telemetry.RecordSearch(mode, elapsed.Seconds(), len(results))
	logger.Info("search completed",
		"mode", mode,
		"methods", strings.Join(methods, ","),
		"candidates", total,
		"results", len(results),
		"duration_ms", elapsed.Milliseconds())

	return &models.SearchResponse{
		Results:         results,
		TotalCandidates: total,
		SearchTimeMs:    elapsed.Milliseconds(),
		MethodsUsed:     methods,
	}, nil
}

// resolveMode validates the requested mode against what the request carries
// and expands it into the scoring methods to run.
func resolveMode(mode string, hasQuery, hasImage bool) (string, []string, error) {
	if mode == "" {
		if hasQuery {
			mode = models.SearchModeHybrid
		} else {
			mode = models.SearchModeImage
		}
	}

	switch mode {
	case models.SearchModeVector, models.SearchModeKeyword:
		if !hasQuery {
			return "", nil, fmt.Errorf("%w: mode %q requires query text", ErrMalformedRequest, mode)
		}
		return mode, []string{mode}, nil
	case models.SearchModeImage:
		if !hasImage {
			return "", nil, fmt.Errorf("%w: mode %q requires an image", ErrMalformedRequest, mode)
		}
		return mode, []string{models.SearchModeImage}, nil
	case models.SearchModeHybrid:
		if !hasQuery {
			return "", nil, fmt.Errorf("%w: mode %q requires query text", ErrMalformedRequest, mode)
		}
		methods := []string{models.SearchModeVector, models.SearchModeKeyword}
		if hasImage {
			methods = append(methods, models.SearchModeImage)
		}
		return mode, methods, nil
	default:
		return "", nil, fmt.Errorf("%w: unknown search mode %q", ErrMalformedRequest, mode)
	}
}

// policy returns the stored retrieval settings with env-seeded values
// filling anything unset, so a fresh deployment searches sensibly before an
// admin ever touches settings.
func (e *RetrievalEngine) policy(ctx context.Context) models.RetrievalSettings {
	merged := e.seed
	stored, err := e.settings.GetRetrieval(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Warn("retrieval settings unavailable, using seed policy", "error", err)
		}
		return merged
	}

	if len(stored.FusionWeights) > 0 {
		weights := make(map[string]float64, len(merged.FusionWeights))
		for mode, w := range merged.FusionWeights {
			weights[mode] = w
		}
		for mode, w := range stored.FusionWeights {
			weights[mode] = w
		}
		merged.FusionWeights = weights
	}
	if stored.Fusion != "" {
		merged.Fusion = stored.Fusion
	}
	merged.Threshold = stored.Threshold
	if stored.RerankTopN > 0 {
		merged.RerankTopN = stored.RerankTopN
	}
	if stored.EmbeddingModel != "" {
		merged.EmbeddingModel = stored.EmbeddingModel
	}
	return merged
}

// gatherCandidates resolves the authorized chunk set: viewer-or-better
// containers, optionally narrowed by the request's container/document
// filters. Filter entries the requester cannot view are dropped silently,
// absence rather than denial. Chunks come from each document's latest
// successful chunk session only.
func (e *RetrievalEngine) gatherCandidates(ctx context.Context, auth *models.AuthContext, req models.SearchRequest) ([]*searchCandidate, error) {
	allowed := make([]primitive.ObjectID, 0, len(auth.Containers))
	for id, level := range auth.Containers {
		if level >= models.PermissionViewer {
			allowed = append(allowed, id)
		}
	}

	if len(req.ContainerIDs) > 0 {
		requested, err := parseObjectIDs(req.ContainerIDs, "container")
		if err != nil {
			return nil, err
		}
		filtered := allowed[:0]
		for _, id := range allowed {
			if _, ok := requested[id]; ok {
				filtered = append(filtered, id)
			}
		}
		allowed = filtered
	}
	if len(allowed) == 0 {
		return nil, nil
	}
	sort.Slice(allowed, func(i, j int) bool { return allowed[i].Hex() < allowed[j].Hex() })

	var docFilter map[primitive.ObjectID]struct{}
	if len(req.DocumentIDs) > 0 {
		requested, err := parseObjectIDs(req.DocumentIDs, "document")
		if err != nil {
			return nil, err
		}
		docFilter = requested
	}

	var candidates []*searchCandidate
	for _, containerID := range allowed {
		docs, _, err := e.documents.ListByContainer(ctx, containerID, 0, 0)
		if err != nil {
			return nil, fmt.Errorf("list documents for container %s: %w", containerID.Hex(), err)
		}
		for i := range docs {
			doc := &docs[i]
			if docFilter != nil {
				if _, ok := docFilter[doc.ID]; !ok {
					continue
				}
			}

			chunks, err := e.documentChunks(ctx, doc.ID)
			if err != nil {
				return nil, err
			}
			for j := range chunks {
				candidates = append(candidates, &searchCandidate{
					chunk:       chunks[j],
					containerID: containerID,
				})
			}
		}
	}
	return candidates, nil
}

// documentChunks returns the chunks of the document's latest successful
// chunk session, through the cache when one is wired. A document that has
// never been chunked contributes no candidates.
func (e *RetrievalEngine) documentChunks(ctx context.Context, documentID primitive.ObjectID) ([]models.Chunk, error) {
	if chunks, ok := e.cache.GetDocumentChunks(ctx, documentID); ok {
		return chunks, nil
	}

	session, err := e.chunks.LatestSuccessfulSession(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve chunk session for document %s: %w", documentID.Hex(), err)
	}

	chunks, err := e.chunks.ListChunks(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("list chunks for session %s: %w", session.ID.Hex(), err)
	}
	e.cache.PutDocumentChunks(ctx, documentID, session.ID, chunks)
	return chunks, nil
}

func parseObjectIDs(hexIDs []string, kind string) (map[primitive.ObjectID]struct{}, error) {
	out := make(map[primitive.ObjectID]struct{}, len(hexIDs))
	for _, h := range hexIDs {
		id, err := primitive.ObjectIDFromHex(h)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid %s id %q", ErrMalformedRequest, kind, h)
		}
		out[id] = struct{}{}
	}
	return out, nil
}

// scoreCandidates fills per-method raw scores. A query-embedding failure is
// fatal for single-method modes but degrades hybrid to its surviving
// methods with a warning.
func (e *RetrievalEngine) scoreCandidates(ctx context.Context, mode string, methods []string, query string, queryImage []byte, model string, candidates []*searchCandidate) ([]string, error) {
	if model == "" {
		model = e.embedder.DefaultModel()
	}
	active := methods[:0]

	for _, method := range methods {
		switch method {
		case models.SearchModeKeyword:
			texts := make([]string, len(candidates))
			for i, c := range candidates {
				texts[i] = c.chunk.Text
			}
			scores := buildLexicalIndex(texts).scores(query)
			for i, c := range candidates {
				c.keywordScore = scores[i]
			}
			active = append(active, method)

		case models.SearchModeVector:
			qvec, err := e.embedQueryText(ctx, model, query)
			if err != nil {
				if mode == models.SearchModeVector {
					return nil, fmt.Errorf("embed query: %w", err)
				}
				logger.Warn("query embedding failed, dropping vector scoring", "model", model, "error", err)
				continue
			}
			if err := e.applyVectorScores(ctx, model, qvec, candidates, func(c *searchCandidate, s float64) { c.vectorScore = s }); err != nil {
				return nil, err
			}
			active = append(active, method)

		case models.SearchModeImage:
			qvec, err := e.embedQueryImage(ctx, model, queryImage)
			if err != nil {
				if mode == models.SearchModeImage {
					return nil, fmt.Errorf("embed query image: %w", err)
				}
				logger.Warn("image embedding failed, dropping image scoring", "model", model, "error", err)
				continue
			}
			if err := e.applyVectorScores(ctx, model, qvec, candidates, func(c *searchCandidate, s float64) { c.imageScore = s }); err != nil {
				return nil, err
			}
			active = append(active, method)
		}
	}

	if len(active) == 0 {
		return nil, errors.New("no scoring method available for this query")
	}
	return active, nil
}

func (e *RetrievalEngine) embedQueryText(ctx context.Context, model, query string) ([]float32, error) {
	provider, ok := e.embedder.Provider(model)
	if !ok {
		return nil, fmt.Errorf("no embedding provider for model %q", model)
	}
	vectors, err := provider.EmbedTexts(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || vectors[0] == nil {
		return nil, errors.New("provider returned no vector for query")
	}
	return vectors[0], nil
}

func (e *RetrievalEngine) embedQueryImage(ctx context.Context, model string, image []byte) ([]float32, error) {
	provider, ok := e.embedder.Provider(model)
	if !ok {
		return nil, fmt.Errorf("no embedding provider for model %q", model)
	}
	vectors, err := provider.EmbedImages(ctx, [][]byte{image})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || vectors[0] == nil {
		return nil, errors.New("provider returned no vector for query image")
	}
	return vectors[0], nil
}

// applyVectorScores loads the candidates' stored embeddings for the model
// and assigns cosine similarity against the query vector. Chunks without an
// embedding simply score zero.
func (e *RetrievalEngine) applyVectorScores(ctx context.Context, model string, qvec []float32, candidates []*searchCandidate, assign func(*searchCandidate, float64)) error {
	ids := make([]primitive.ObjectID, len(candidates))
	for i, c := range candidates {
		ids[i] = c.chunk.ID
	}
	stored, err := e.embeddings.GetByChunks(ctx, ids, model)
	if err != nil {
		return fmt.Errorf("load embeddings: %w", err)
	}
	byChunk := make(map[primitive.ObjectID]*models.Embedding, len(stored))
	for i := range stored {
		byChunk[stored[i].ChunkID] = &stored[i]
	}

	qnorm := l2Norm(qvec)
	for _, c := range candidates {
		assign(c, cosineScore(qvec, qnorm, byChunk[c.chunk.ID]))
	}
	return nil
}

// cosineScore uses the norm persisted at write time; negatives clamp to
// zero so every method scores on the same [0,1] scale before fusion.
func cosineScore(q []float32, qnorm float64, emb *models.Embedding) float64 {
	if emb == nil || qnorm == 0 || emb.Norm == 0 || len(emb.Vector) != len(q) {
		return 0
	}
	var dot float64
	for i := range q {
		dot += float64(q[i]) * float64(emb.Vector[i])
	}
	score := dot / (qnorm * emb.Norm)
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func methodScore(c *searchCandidate, method string) float64 {
	switch method {
	case models.SearchModeVector:
		return c.vectorScore
	case models.SearchModeKeyword:
		return c.keywordScore
	case models.SearchModeImage:
		return c.imageScore
	}
	return 0
}

// fuseScores combines per-method scores under the configured policy:
// weighted sum of the [0,1] method scores, or reciprocal-rank fusion.
// Weights are normalized over the methods that actually ran.
func fuseScores(candidates []*searchCandidate, methods []string, policy models.RetrievalSettings) {
	weights := make(map[string]float64, len(methods))
	var sum float64
	for _, m := range methods {
		w := policy.FusionWeights[m]
		if w < 0 {
			w = 0
		}
		weights[m] = w
		sum += w
	}
	if sum == 0 {
		for _, m := range methods {
			weights[m] = 1
		}
		sum = float64(len(methods))
	}
	for m := range weights {
		weights[m] /= sum
	}

	if policy.Fusion == models.FusionRRF {
		fuseRRF(candidates, methods, weights)
		return
	}
	for _, c := range candidates {
		var fused float64
		for _, m := range methods {
			fused += weights[m] * methodScore(c, m)
		}
		c.fused = fused
	}
}

// fuseRRF ranks each method's positive scores independently and sums the
// weighted reciprocal ranks. Zero-score candidates contribute nothing for
// that method rather than receiving an arbitrary rank.
func fuseRRF(candidates []*searchCandidate, methods []string, weights map[string]float64) {
	for _, c := range candidates {
		c.fused = 0
	}
	idx := make([]int, len(candidates))

	for _, m := range methods {
		idx = idx[:0]
		for i, c := range candidates {
			if methodScore(c, m) > 0 {
				idx = append(idx, i)
			}
		}
		method := m
		sort.SliceStable(idx, func(a, b int) bool {
			sa, sb := methodScore(candidates[idx[a]], method), methodScore(candidates[idx[b]], method)
			if sa != sb {
				return sa > sb
			}
			return candidates[idx[a]].chunk.ID.Hex() < candidates[idx[b]].chunk.ID.Hex()
		})
		for rank, i := range idx {
			candidates[i].fused += weights[m] / float64(rrfRankShift+rank+1)
		}
	}
}

// sortByFused orders candidates deterministically: fused score, then chunk
// quality, then page, then ordinal, then id as the final disambiguator.
func sortByFused(candidates []*searchCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.fused != b.fused {
			return a.fused > b.fused
		}
		if a.chunk.QualityScore != b.chunk.QualityScore {
			return a.chunk.QualityScore > b.chunk.QualityScore
		}
		if a.chunk.PageStart != b.chunk.PageStart {
			return a.chunk.PageStart < b.chunk.PageStart
		}
		if a.chunk.Ordinal != b.chunk.Ordinal {
			return a.chunk.Ordinal < b.chunk.Ordinal
		}
		return a.chunk.ID.Hex() < b.chunk.ID.Hex()
	})
}

// rerankTop rescores the top-N fused results with the configured reranker
// and reorders just that prefix. Any failure or timeout leaves the fused
// order untouched. Returns whether the rerank was applied.
func (e *RetrievalEngine) rerankTop(ctx context.Context, query string, kept []*searchCandidate, topN int) bool {
	if topN < 1 {
		topN = 20
	}
	if topN > len(kept) {
		topN = len(kept)
	}
	top := kept[:topN]

	rcands := make([]providers.RerankCandidate, len(top))
	for i, c := range top {
		rcands[i] = providers.RerankCandidate{ChunkID: c.chunk.ID.Hex(), Text: c.chunk.Text}
	}

	rctx, cancel := context.WithTimeout(ctx, rerankTimeout)
	defer cancel()
	scores, err := e.reranker.Rerank(rctx, query, rcands)
	if err != nil || len(scores) != len(top) {
		logger.Warn("rerank failed, keeping fused order",
			"reranker", e.reranker.Name(), "candidates", len(top), "error", err)
		return false
	}

	for i, c := range top {
		c.rerankScore = scores[i]
		c.reranked = true
	}
	sort.SliceStable(top, func(i, j int) bool {
		a, b := top[i], top[j]
		if a.rerankScore != b.rerankScore {
			return a.rerankScore > b.rerankScore
		}
		if a.fused != b.fused {
			return a.fused > b.fused
		}
		return a.chunk.ID.Hex() < b.chunk.ID.Hex()
	})
	return true
}

func rankedResult(c *searchCandidate) models.RankedResult {
	var contributed []string
	if c.vectorScore > 0 {
		contributed = append(contributed, models.SearchModeVector)
	}
	if c.keywordScore > 0 {
		contributed = append(contributed, models.SearchModeKeyword)
	}
	if c.imageScore > 0 {
		contributed = append(contributed, models.SearchModeImage)
	}
	if c.reranked {
		contributed = append(contributed, "rerank")
	}

	return models.RankedResult{
		ChunkID:        c.chunk.ID,
		DocumentID:     c.chunk.DocumentID,
		ContainerID:    c.containerID,
		Text:           c.chunk.Text,
		SectionHeading: c.chunk.SectionHeading,
		PageStart:      c.chunk.PageStart,
		PageEnd:        c.chunk.PageEnd,
		Ordinal:        c.chunk.Ordinal,
		Modality:       c.chunk.Modality,
		QualityScore:   c.chunk.QualityScore,
		Score:          c.fused,
		VectorScore:    c.vectorScore,
		KeywordScore:   c.keywordScore,
		ImageScore:     c.imageScore,
		RerankScore:    c.rerankScore,
		Methods:        contributed,
		Grade:          gradeFor(c.fused),
	}
}

func gradeFor(score float64) string {
	switch {
	case score >= gradeHighFloor:
		return models.GradeHigh
	case score >= gradeMediumFloor:
		return models.GradeMedium
	default:
		return models.GradeLow
	}
}
