package services

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"saas-knowledge-platform/internal/config"
	"saas-knowledge-platform/internal/logger"
	"saas-knowledge-platform/internal/providers"
	"saas-knowledge-platform/internal/store"
	"saas-knowledge-platform/internal/telemetry"
	"saas-knowledge-platform/models"
)

// EmbeddingEngine computes one vector per (chunk, model). Image chunks are
// represented by the caption produced at extraction time, so every modality
// lands in the model's single vector space; the raw-image capability on the
// provider serves query-side embedding instead.
type EmbeddingEngine struct {
	embeddings store.EmbeddingStore
	chunks     store.ChunkStore
	embedders  map[string]providers.EmbeddingProvider

	defaultModel string
	batchSize    int
}

func NewEmbeddingEngine(stores store.Stores, cfg *config.Config, embedders ...providers.EmbeddingProvider) *EmbeddingEngine {
	byModel := make(map[string]providers.EmbeddingProvider, len(embedders))
	for _, p := range embedders {
		byModel[p.Model()] = p
	}
	batch := cfg.EmbeddingBatchSize
	if batch < 1 {
		batch = 16
	}
	return &EmbeddingEngine{
		embeddings:   stores.Embeddings,
		chunks:       stores.Chunks,
		embedders:    byModel,
		defaultModel: cfg.EmbeddingModel,
		batchSize:    batch,
	}
}

// DefaultModel returns the model used when a request does not name one.
func (e *EmbeddingEngine) DefaultModel() string { return e.defaultModel }

// BatchSize returns the per-call batch size, for callers that drive their
// own batch loop with progress reporting in between.
func (e *EmbeddingEngine) BatchSize() int { return e.batchSize }

// Provider returns the embedder registered for the model, if any.
func (e *EmbeddingEngine) Provider(model string) (providers.EmbeddingProvider, bool) {
	if model == "" {
		model = e.defaultModel
	}
	p, ok := e.embedders[model]
	return p, ok
}

// Embed computes vectors for the given chunks under the named model. The
// returned outcomes are per chunk: a failed item never blocks the rest of
// its batch, so callers retry only the failed subset. The error return is
// reserved for the engine itself being unable to run (unknown model, store
// failure, cancelled context).
func (e *EmbeddingEngine) Embed(ctx context.Context, chunkIDs []primitive.ObjectID, model string) ([]models.EmbedOutcome, error) {
	if model == "" {
		model = e.defaultModel
	}
	provider, ok := e.embedders[model]
	if !ok {
		return nil, fmt.Errorf("%w: no embedding provider registered for model %q", ErrMalformedRequest, model)
	}
	if len(chunkIDs) == 0 {
		return nil, nil
	}

	found, err := e.chunks.GetChunks(ctx, chunkIDs)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	byID := make(map[primitive.ObjectID]*models.Chunk, len(found))
	for i := range found {
		byID[found[i].ID] = &found[i]
	}

	started := time.Now()
	outcomes := make([]models.EmbedOutcome, 0, len(chunkIDs))
	var batch []*models.Chunk
	succeeded := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		batchOutcomes, err := e.embedBatch(ctx, provider, model, batch)
		if err != nil {
			return err
		}
		for _, o := range batchOutcomes {
			if o.OK {
				succeeded++
			}
			outcomes = append(outcomes, o)
		}
		batch = batch[:0]
		return nil
	}

	for _, id := range chunkIDs {
		chunk, ok := byID[id]
		if !ok {
			outcomes = append(outcomes, failedOutcome(id, model, "chunk not found"))
			continue
		}
		if chunk.Text == "" {
			outcomes = append(outcomes, failedOutcome(id, model, "chunk has no embeddable content"))
			continue
		}
		batch = append(batch, chunk)
		if len(batch) >= e.batchSize {
			if err := flush(); err != nil {
				return outcomes, err
			}
		}
	}
	if err := flush(); err != nil {
		return outcomes, err
	}

	telemetry.RecordEmbeddings(model, int64(succeeded))
	logger.Info("embedding batch finished",
		"model", model,
		"requested", len(chunkIDs),
		"succeeded", succeeded,
		"failed", len(outcomes)-succeeded,
		"duration_ms", time.Since(started).Milliseconds())
	return outcomes, nil
}

// embedBatch sends one provider call and validates each returned vector
// independently. A whole-call provider failure marks every item in the
// batch failed rather than aborting the run; only a dead context stops it.
func (e *EmbeddingEngine) embedBatch(ctx context.Context, provider providers.EmbeddingProvider, model string, batch []*models.Chunk) ([]models.EmbedOutcome, error) {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Text
	}

	vectors, err := provider.EmbedTexts(ctx, texts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn("embedding provider call failed", "model", model, "batch", len(batch), "error", err)
		outcomes := make([]models.EmbedOutcome, len(batch))
		for i, c := range batch {
			outcomes[i] = failedOutcome(c.ID, model, err.Error())
		}
		return outcomes, nil
	}

	outcomes := make([]models.EmbedOutcome, len(batch))
	for i, c := range batch {
		var vec []float32
		if i < len(vectors) {
			vec = vectors[i]
		}
		outcomes[i] = e.storeVector(ctx, provider, model, c, vec)
	}
	return outcomes, nil
}

// storeVector validates dimension and norm, then upserts. Dimension
// mismatches and zero-norm vectors are hard failures for the chunk, never
// silently truncated or padded.
func (e *EmbeddingEngine) storeVector(ctx context.Context, provider providers.EmbeddingProvider, model string, chunk *models.Chunk, vec []float32) models.EmbedOutcome {
	if vec == nil {
		return failedOutcome(chunk.ID, model, "provider returned no vector")
	}
	if want := provider.Dimension(); len(vec) != want {
		return failedOutcome(chunk.ID, model, fmt.Sprintf("dimension mismatch: got %d, want %d", len(vec), want))
	}
	norm := l2Norm(vec)
	if norm == 0 {
		return failedOutcome(chunk.ID, model, "zero-norm vector")
	}

	embedding := &models.Embedding{
		ChunkID:    chunk.ID,
		DocumentID: chunk.DocumentID,
		Model:      model,
		Modality:   chunk.Modality,
		Dimension:  len(vec),
		Vector:     vec,
		Norm:       norm,
		CreatedAt:  time.Now(),
	}
	if err := e.embeddings.Upsert(ctx, embedding); err != nil {
		return failedOutcome(chunk.ID, model, fmt.Sprintf("persist embedding: %v", err))
	}
	return models.EmbedOutcome{ChunkID: chunk.ID, Model: model, OK: true}
}

// MissingChunkIDs returns the session's chunks that have no embedding under
// the model yet, in ordinal order, for targeted retries.
func (e *EmbeddingEngine) MissingChunkIDs(ctx context.Context, chunkSessionID primitive.ObjectID, model string) ([]primitive.ObjectID, error) {
	if model == "" {
		model = e.defaultModel
	}
	chunks, err := e.chunks.ListChunks(ctx, chunkSessionID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil, nil
	}

	ids := make([]primitive.ObjectID, len(chunks))
	for i := range chunks {
		ids[i] = chunks[i].ID
	}
	existing, err := e.embeddings.GetByChunks(ctx, ids, model)
	if err != nil {
		return nil, fmt.Errorf("load embeddings: %w", err)
	}
	have := make(map[primitive.ObjectID]struct{}, len(existing))
	for i := range existing {
		have[existing[i].ChunkID] = struct{}{}
	}

	var missing []primitive.ObjectID
	for _, id := range ids {
		if _, ok := have[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func failedOutcome(chunkID primitive.ObjectID, model, reason string) models.EmbedOutcome {
	return models.EmbedOutcome{ChunkID: chunkID, Model: model, Error: reason}
}

func l2Norm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}
