package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"saas-knowledge-platform/internal/blob"
	"saas-knowledge-platform/internal/config"
	"saas-knowledge-platform/internal/logger"
	"saas-knowledge-platform/internal/providers"
	"saas-knowledge-platform/internal/store"
	"saas-knowledge-platform/internal/telemetry"
	"saas-knowledge-platform/models"
	"saas-knowledge-platform/utils"
)

// ExtractionEngine turns a document's raw bytes into an ordered set of
// typed content objects through a pluggable provider. It owns the session
// lifecycle: running -> {success, partial, failed}, one non-terminal
// session per document, bounded transient retries, and an explicit
// one-shot fallback provider.
type ExtractionEngine struct {
	sessions  store.ExtractionStore
	documents store.DocumentStore
	registry  *providers.Registry
	blobs     blob.Store

	maxAttempts int
	retryBase   time.Duration
	fallback    string
}

func NewExtractionEngine(stores store.Stores, registry *providers.Registry, blobs blob.Store, cfg *config.Config) *ExtractionEngine {
	maxAttempts := cfg.ExtractionMaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryBase := time.Duration(cfg.ExtractionRetryBase) * time.Second
	if retryBase <= 0 {
		retryBase = 2 * time.Second
	}
	return &ExtractionEngine{
		sessions:    stores.Extractions,
		documents:   stores.Documents,
		registry:    registry,
		blobs:       blobs,
		maxAttempts: maxAttempts,
		retryBase:   retryBase,
		fallback:    cfg.ExtractionFallback,
	}
}

// Extract runs one provider pass over the document. On return the session
// is terminal; err is non-nil only when the session (or the fallback's
// session) ended failed, so callers can branch on err while the stored
// trail keeps the full history. A `partial` session returns nil error.
//
// preferredProvider may be empty, which resolves the best registered
// provider for the document's mime type.
func (e *ExtractionEngine) Extract(ctx context.Context, documentID primitive.ObjectID, preferredProvider string, opts providers.ExtractionOptions) (*models.ExtractionSession, error) {
	doc, err := e.documents.Get(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}

	if active, err := e.sessions.FindActiveSession(ctx, documentID); err == nil {
		return nil, fmt.Errorf("%w: extraction session %s is still running for this document", ErrPreconditionFailed, active.ID.Hex())
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("check active session: %w", err)
	}

	provider, ok := e.registry.BestFor(doc.MimeType, preferredProvider)
	if !ok {
		return nil, fmt.Errorf("%w: no extraction provider supports %q", providers.ErrFatalInput, doc.MimeType)
	}

	data, err := e.readBlob(ctx, doc.BlobKey)
	if err != nil {
		return nil, fmt.Errorf("read document bytes: %w", err)
	}
	input := providers.ExtractionInput{
		Filename: doc.OriginalName,
		MimeType: doc.MimeType,
		Data:     data,
	}

	session, err := e.runSession(ctx, doc, provider, input, opts, e.maxAttempts)
	if err == nil {
		return session, nil
	}

	// Explicit fallback chain: one more provider, one attempt, its own
	// session so the trail shows both runs.
	fb := e.fallbackFor(provider, doc.MimeType)
	if fb == nil {
		return session, err
	}
	logger.Warn("extraction falling back",
		"document_id", documentID.Hex(),
		"primary", provider.Name(),
		"fallback", fb.Name(),
		"error", err)

	fbSession, fbErr := e.runSession(ctx, doc, fb, input, opts, 1)
	if fbErr != nil {
		return fbSession, fmt.Errorf("fallback %s failed after primary %s: %w", fb.Name(), provider.Name(), fbErr)
	}
	return fbSession, nil
}

// runSession owns exactly one session: create running, call the provider
// with bounded retries, persist objects, complete terminal.
func (e *ExtractionEngine) runSession(ctx context.Context, doc *models.Document, provider providers.ExtractionProvider, input providers.ExtractionInput, opts providers.ExtractionOptions, attempts int) (*models.ExtractionSession, error) {
	started := time.Now()
	session := &models.ExtractionSession{
		DocumentID:   doc.ID,
		Provider:     provider.Name(),
		ModelProfile: opts.ModelProfile,
		PipelineType: pipelineTypeFor(provider.Name()),
		Status:       models.ExtractionStatusRunning,
		StartedAt:    started,
	}
	if _, err := e.sessions.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create extraction session: %w", err)
	}

	output, err := e.callWithRetry(ctx, provider, input, opts, attempts)
	if err != nil {
		msg := err.Error()
		if completeErr := e.sessions.CompleteSession(ctx, session.ID, models.ExtractionStatusFailed, 0, 0, msg); completeErr != nil {
			logger.Error("failed to mark extraction session failed",
				"session_id", session.ID.Hex(), "error", completeErr)
		}
		session.Status = models.ExtractionStatusFailed
		session.ErrorMessage = msg
		telemetry.RecordStage("extraction", models.ExtractionStatusFailed, time.Since(started).Seconds())
		return session, err
	}

	enrichImageObjects(input, output.Objects)
	objects, linked := e.dedupObjects(ctx, doc.ID, session.ID, output.Objects)
	if err := e.sessions.InsertObjects(ctx, objects); err != nil {
		msg := fmt.Sprintf("persist extracted objects: %v", err)
		_ = e.sessions.CompleteSession(ctx, session.ID, models.ExtractionStatusFailed, output.PageCount, 0, msg)
		session.Status = models.ExtractionStatusFailed
		session.ErrorMessage = msg
		return session, fmt.Errorf("persist extracted objects: %w", err)
	}

	status := models.ExtractionStatusSuccess
	message := ""
	if len(output.FailedPages) > 0 {
		status = models.ExtractionStatusPartial
		message = describeFailedPages(output.FailedPages)
	}

	if err := e.sessions.CompleteSession(ctx, session.ID, status, output.PageCount, len(objects), message); err != nil {
		return session, fmt.Errorf("complete extraction session: %w", err)
	}
	session.Status = status
	session.PageCount = output.PageCount
	session.ObjectCount = len(objects)
	session.ErrorMessage = message
	now := time.Now()
	session.CompletedAt = &now

	telemetry.RecordExtraction(provider.Name(), int64(len(objects)))
	telemetry.RecordStage("extraction", status, time.Since(started).Seconds())
	logger.Info("extraction session finished",
		"document_id", doc.ID.Hex(),
		"session_id", session.ID.Hex(),
		"provider", provider.Name(),
		"status", status,
		"pages", output.PageCount,
		"objects", len(objects),
		"linked", linked)
	return session, nil
}

// callWithRetry retries transient provider errors with exponential backoff.
// Fatal input errors are never retried.
func (e *ExtractionEngine) callWithRetry(ctx context.Context, provider providers.ExtractionProvider, input providers.ExtractionInput, opts providers.ExtractionOptions, attempts int) (*providers.ExtractionOutput, error) {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := e.retryBase << (attempt - 1)
			telemetry.RecordProviderRetry(provider.Name())
			logger.Warn("retrying extraction",
				"provider", provider.Name(),
				"attempt", attempt+1,
				"delay", delay.String())
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		output, err := provider.Extract(ctx, input, opts)
		if err == nil {
			return output, nil
		}
		if errors.Is(err, providers.ErrFatalInput) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%d attempts exhausted: %w", attempts, lastErr)
}

// dedupObjects stamps session/document fields and content hashes, linking
// any object whose hash already exists for the document. Linked rows keep
// their position and scores but drop the heavy content.
func (e *ExtractionEngine) dedupObjects(ctx context.Context, documentID, sessionID primitive.ObjectID, objects []models.ExtractedObject) ([]models.ExtractedObject, int) {
	linked := 0
	for i := range objects {
		o := &objects[i]
		o.SessionID = sessionID
		o.DocumentID = documentID
		if o.ContentHash == "" {
			o.ContentHash = objectContentHash(o)
		}

		existing, err := e.sessions.FindObjectByHash(ctx, documentID, o.ContentHash)
		if err != nil {
			continue // no prior object, or lookup failed: insert in full
		}
		o.LinkedFrom = existing.ID
		o.Text = ""
		o.Payload = nil
		linked++
	}
	return objects, linked
}

func (e *ExtractionEngine) fallbackFor(primary providers.ExtractionProvider, mimeType string) providers.ExtractionProvider {
	if e.fallback == "" || e.fallback == primary.Name() {
		return nil
	}
	fb, ok := e.registry.Get(e.fallback)
	if !ok || !fb.Supports(mimeType) {
		return nil
	}
	return fb
}

func (e *ExtractionEngine) readBlob(ctx context.Context, key string) ([]byte, error) {
	rc, err := e.blobs.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// enrichImageObjects stamps dimensions and a perceptual hash on IMAGE
// objects when the source document itself is an image. Re-uploads of a
// visually identical image then hash the same and link instead of
// duplicating, even across recompressions.
func enrichImageObjects(input providers.ExtractionInput, objects []models.ExtractedObject) {
	if !strings.HasPrefix(input.MimeType, "image/") {
		return
	}
	w, h, err := utils.ImageDimensions(input.Data)
	if err != nil {
		return
	}
	ph, err := utils.PerceptualHash(input.Data)
	if err != nil {
		return
	}
	for i := range objects {
		o := &objects[i]
		if o.ObjectType != models.ObjectTypeImage {
			continue
		}
		if o.Width == 0 {
			o.Width, o.Height = w, h
		}
		if o.PHash == "" {
			o.PHash = ph
		}
	}
}

// objectContentHash picks a stable identity for dedup: the perceptual hash
// for images (provider descriptions of the same image vary between runs),
// normalized text when present, position otherwise.
func objectContentHash(o *models.ExtractedObject) string {
	if o.PHash != "" {
		return utils.ContentHash([]byte("phash:" + o.PHash))
	}
	if strings.TrimSpace(o.Text) != "" {
		return utils.TextContentHash(o.Text)
	}
	return utils.ContentHash([]byte(fmt.Sprintf("%s|%d|%d", o.ObjectType, o.Page, o.Sequence)))
}

func pipelineTypeFor(providerName string) string {
	switch providerName {
	case models.ProviderGemini, models.ProviderRemoteOCR:
		return models.PipelineOCRLayout
	default:
		return models.PipelineNativeText
	}
}

// describeFailedPages renders the per-page failure map as one message,
// page numbers ascending so reruns produce identical text.
func describeFailedPages(failed map[int]string) string {
	pages := make([]int, 0, len(failed))
	for p := range failed {
		pages = append(pages, p)
	}
	sort.Ints(pages)

	parts := make([]string, 0, len(pages))
	for _, p := range pages {
		parts = append(parts, fmt.Sprintf("page %d: %s", p, failed[p]))
	}
	return fmt.Sprintf("%d page(s) failed: %s", len(pages), strings.Join(parts, "; "))
}

// ResolveObjects returns a session's objects with linked rows hydrated
// from their canonical content. Downstream stages always see full text.
func (e *ExtractionEngine) ResolveObjects(ctx context.Context, sessionID primitive.ObjectID) ([]models.ExtractedObject, error) {
	objects, err := e.sessions.ListObjects(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return hydrateLinkedObjects(ctx, e.sessions, objects)
}

// hydrateLinkedObjects fills text/payload on linked rows from their
// canonical objects in one batched lookup.
func hydrateLinkedObjects(ctx context.Context, sessions store.ExtractionStore, objects []models.ExtractedObject) ([]models.ExtractedObject, error) {
	var linkedIDs []primitive.ObjectID
	for i := range objects {
		if !objects[i].LinkedFrom.IsZero() && objects[i].Text == "" {
			linkedIDs = append(linkedIDs, objects[i].LinkedFrom)
		}
	}
	if len(linkedIDs) == 0 {
		return objects, nil
	}

	canonical, err := sessions.GetObjects(ctx, linkedIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve linked objects: %w", err)
	}
	byID := make(map[primitive.ObjectID]*models.ExtractedObject, len(canonical))
	for i := range canonical {
		byID[canonical[i].ID] = &canonical[i]
	}

	for i := range objects {
		o := &objects[i]
		if o.LinkedFrom.IsZero() || o.Text != "" {
			continue
		}
		if src, ok := byID[o.LinkedFrom]; ok {
			o.Text = src.Text
			o.Payload = src.Payload
		}
	}
	return objects, nil
}
