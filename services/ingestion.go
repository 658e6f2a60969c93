package services

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"saas-knowledge-platform/internal/blob"
	"saas-knowledge-platform/internal/config"
	"saas-knowledge-platform/internal/logger"
	"saas-knowledge-platform/internal/providers"
	"saas-knowledge-platform/internal/store"
	"saas-knowledge-platform/models"
)

// ingestStageCount is the fixed progress denominator before chunk batches
// are known: extraction, chunking, embedding setup.
const ingestStageCount = 3

// IngestOptions tunes one pipeline run. Zero values fall back to the
// configured defaults.
type IngestOptions struct {
	Provider string             `json:"provider,omitempty"`
	Strategy string             `json:"strategy,omitempty"`
	Params   models.ChunkParams `json:"params,omitempty"`
	Model    string             `json:"model,omitempty"`
}

// IngestionService drives extraction -> chunking -> embedding for one
// document as a single tracked unit of work. Stage order within a document
// is a hard dependency; failures surface with stage-level granularity.
type IngestionService struct {
	documents   store.DocumentStore
	extractions store.ExtractionStore
	chunks      store.ChunkStore
	embeddings  store.EmbeddingStore
	blobs       blob.Store

	extraction *ExtractionEngine
	chunking   *ChunkingEngine
	embedding  *EmbeddingEngine
	cache      *ChunkCache
	alerts     *AlertService

	defaultProvider     string
	confidenceThreshold float64
}

func NewIngestionService(stores store.Stores, blobs blob.Store, extraction *ExtractionEngine, chunking *ChunkingEngine, embedding *EmbeddingEngine, cache *ChunkCache, alerts *AlertService, cfg *config.Config) *IngestionService {
	return &IngestionService{
		documents:           stores.Documents,
		extractions:         stores.Extractions,
		chunks:              stores.Chunks,
		embeddings:          stores.Embeddings,
		blobs:               blobs,
		extraction:          extraction,
		chunking:            chunking,
		embedding:           embedding,
		cache:               cache,
		alerts:              alerts,
		defaultProvider:     cfg.ExtractionProvider,
		confidenceThreshold: cfg.OCRConfidenceThreshold,
	}
}

// ProcessDocument runs the full pipeline. Designed to run under
// Tracker.Run: progress lands on the task, cancellation is observed at
// stage and batch boundaries, and the returned error becomes the task's
// failure message. The document status mirrors the run.
func (s *IngestionService) ProcessDocument(ctx context.Context, documentID primitive.ObjectID, opts IngestOptions, report ProgressFunc) error {
	if err := s.documents.UpdateStatus(ctx, documentID, models.StatusProcessing, ""); err != nil {
		return fmt.Errorf("mark document processing: %w", err)
	}

	err := s.runPipeline(ctx, documentID, opts, report)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, ErrCancelled) {
			msg = "cancelled by request"
		}
		if statusErr := s.documents.UpdateStatus(ctx, documentID, models.StatusFailed, msg); statusErr != nil {
			logger.Error("could not mark document failed", "document_id", documentID.Hex(), "error", statusErr)
		}
		s.notifyFailure(ctx, documentID, msg)
	}
	return err
}

func (s *IngestionService) runPipeline(ctx context.Context, documentID primitive.ObjectID, opts IngestOptions, report ProgressFunc) error {
	if err := report(0, ingestStageCount, 0, 0, "extraction started"); err != nil {
		return err
	}

	provider := opts.Provider
	if provider == "" {
		provider = s.defaultProvider
	}
	extOpts := providers.ExtractionOptions{
		ConfidenceThreshold: s.confidenceThreshold,
		ExtractTables:       true,
		ExtractImages:       true,
	}
	extraction, err := s.extraction.Extract(ctx, documentID, provider, extOpts)
	if err != nil {
		return fmt.Errorf("extraction failed: %w", err)
	}
	if err := report(1, ingestStageCount, 0, 0, "extraction "+extraction.Status); err != nil {
		return err
	}

	// Partial extraction still chunks whatever objects were produced.
	chunkSession, err := s.chunking.Chunk(ctx, documentID, extraction.ID, opts.Strategy, opts.Params)
	if err != nil {
		return fmt.Errorf("chunking failed: %w", err)
	}
	if s.cache != nil {
		s.cache.InvalidateDocument(ctx, documentID)
	}
	if err := report(2, ingestStageCount, 0, 0, fmt.Sprintf("chunking produced %d chunks", chunkSession.ChunkCount)); err != nil {
		return err
	}

	failed, total, err := s.embedSession(ctx, chunkSession.ID, opts.Model, 2, ingestStageCount, report)
	if err != nil {
		return err
	}
	if failed > 0 && failed == total {
		return fmt.Errorf("embedding failed for all %d chunks", total)
	}

	if err := s.documents.MarkProcessed(ctx, documentID, extraction.PageCount); err != nil {
		return fmt.Errorf("mark document processed: %w", err)
	}

	message := "ingestion complete"
	if extraction.Status == models.ExtractionStatusPartial {
		message = "ingestion complete; " + extraction.ErrorMessage
	}
	if failed > 0 {
		message = fmt.Sprintf("ingestion complete; embedding failed for %d of %d chunks, retry available", failed, total)
	}
	finalTotal := ingestStageCount + s.batchCount(total)
	return report(finalTotal, finalTotal, total-failed, failed, message)
}

// embedSession embeds every chunk of the session in batches, reporting
// between batches so cancellation never interrupts a half-written batch.
// Returns (failedChunks, totalChunks).
func (s *IngestionService) embedSession(ctx context.Context, chunkSessionID primitive.ObjectID, model string, stagesDone, stageCount int, report ProgressFunc) (int, int, error) {
	chunks, err := s.chunks.ListChunks(ctx, chunkSessionID)
	if err != nil {
		return 0, 0, fmt.Errorf("list chunks: %w", err)
	}
	ids := make([]primitive.ObjectID, len(chunks))
	for i := range chunks {
		ids[i] = chunks[i].ID
	}
	return s.embedBatches(ctx, ids, model, stagesDone, stageCount, report)
}

func (s *IngestionService) embedBatches(ctx context.Context, ids []primitive.ObjectID, model string, stagesDone, stageCount int, report ProgressFunc) (int, int, error) {
	total := len(ids)
	if total == 0 {
		return 0, 0, nil
	}
	batchSize := s.embedding.BatchSize()
	batches := s.batchCount(total)
	progressTotal := stageCount + batches

	succeeded, failed := 0, 0
	for b := 0; b < batches; b++ {
		lo := b * batchSize
		hi := lo + batchSize
		if hi > total {
			hi = total
		}
		outcomes, err := s.embedding.Embed(ctx, ids[lo:hi], model)
		if err != nil {
			return failed, total, fmt.Errorf("embedding failed: %w", err)
		}
		for _, o := range outcomes {
			if o.OK {
				succeeded++
			} else {
				failed++
			}
		}
		msg := fmt.Sprintf("embedding batch %d/%d", b+1, batches)
		if err := report(stagesDone+1+b, progressTotal, succeeded, failed, msg); err != nil {
			return failed, total, err
		}
	}
	return failed, total, nil
}

func (s *IngestionService) batchCount(n int) int {
	size := s.embedding.BatchSize()
	if n == 0 {
		return 0
	}
	return (n + size - 1) / size
}

// RetryEmbeddings re-embeds only the chunks of the document's latest
// successful chunk session that have no (chunk, model) embedding yet.
func (s *IngestionService) RetryEmbeddings(ctx context.Context, documentID primitive.ObjectID, model string, report ProgressFunc) error {
	chunkSession, err := s.chunks.LatestSuccessfulSession(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: document has no chunk session to retry", ErrPreconditionFailed)
	}
	if err != nil {
		return fmt.Errorf("resolve chunk session: %w", err)
	}

	missing, err := s.embedding.MissingChunkIDs(ctx, chunkSession.ID, model)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return report(1, 1, 0, 0, "no missing embeddings")
	}

	failed, total, err := s.embedBatches(ctx, missing, model, 0, 0, report)
	if err != nil {
		return err
	}
	if failed == total {
		return fmt.Errorf("embedding failed for all %d retried chunks", total)
	}

	if failed == 0 {
		if err := s.restoreDocumentStatus(ctx, documentID, chunkSession.ExtractionID); err != nil {
			logger.Warn("could not restore document status after retry",
				"document_id", documentID.Hex(), "error", err)
		}
	}

	batches := s.batchCount(total)
	msg := "embedding retry complete"
	if failed > 0 {
		msg = fmt.Sprintf("embedding retry: %d of %d chunks still failing", failed, total)
	}
	return report(batches, batches, total-failed, failed, msg)
}

// restoreDocumentStatus completes a document that had failed at the
// embedding stage once a retry filled every missing vector.
func (s *IngestionService) restoreDocumentStatus(ctx context.Context, documentID, extractionID primitive.ObjectID) error {
	doc, err := s.documents.Get(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.Status == models.StatusCompleted {
		return nil
	}
	pageCount := doc.PageCount
	if pageCount == 0 {
		if extraction, err := s.extractions.GetSession(ctx, extractionID); err == nil {
			pageCount = extraction.PageCount
		}
	}
	return s.documents.MarkProcessed(ctx, documentID, pageCount)
}

// DeleteDocument removes the document, its blob, and every derived
// artifact: extraction sessions and objects, chunk sessions and chunks,
// embeddings, and cached search entries.
func (s *IngestionService) DeleteDocument(ctx context.Context, documentID primitive.ObjectID) error {
	doc, err := s.documents.Get(ctx, documentID)
	if err != nil {
		return err
	}

	chunkIDs, err := s.chunks.DeleteByDocument(ctx, documentID)
	if err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if len(chunkIDs) > 0 {
		if err := s.embeddings.DeleteByChunks(ctx, chunkIDs); err != nil {
			return fmt.Errorf("delete embeddings: %w", err)
		}
	}
	if err := s.embeddings.DeleteByDocument(ctx, documentID); err != nil {
		return fmt.Errorf("delete document embeddings: %w", err)
	}
	if err := s.extractions.DeleteByDocument(ctx, documentID); err != nil {
		return fmt.Errorf("delete extractions: %w", err)
	}
	if doc.BlobKey != "" {
		if err := s.blobs.Delete(ctx, doc.BlobKey); err != nil {
			logger.Warn("could not delete blob", "document_id", documentID.Hex(), "blob_key", doc.BlobKey, "error", err)
		}
	}
	if s.cache != nil {
		s.cache.InvalidateDocument(ctx, documentID)
	}
	if err := s.documents.Delete(ctx, documentID); err != nil {
		return err
	}

	logger.Info("document deleted", "document_id", documentID.Hex(), "chunks", len(chunkIDs))
	return nil
}

func (s *IngestionService) notifyFailure(ctx context.Context, documentID primitive.ObjectID, message string) {
	if s.alerts == nil {
		return
	}
	s.alerts.RecordFailure(ctx, "ingestion", documentID.Hex(), message)
}
