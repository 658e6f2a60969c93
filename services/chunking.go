package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"saas-knowledge-platform/internal/config"
	"saas-knowledge-platform/internal/logger"
	"saas-knowledge-platform/internal/providers"
	"saas-knowledge-platform/internal/store"
	"saas-knowledge-platform/internal/telemetry"
	"saas-knowledge-platform/models"
)

// ChunkingEngine groups extracted objects into retrieval-sized chunks under
// a named strategy. Each run is its own ChunkSession; chunks are immutable
// and a re-run with new params supersedes rather than mutates.
type ChunkingEngine struct {
	chunks      store.ChunkStore
	extractions store.ExtractionStore
	defaults    models.ChunkParams
}

func NewChunkingEngine(stores store.Stores, cfg *config.Config) *ChunkingEngine {
	return &ChunkingEngine{
		chunks:      stores.Chunks,
		extractions: stores.Extractions,
		defaults: models.ChunkParams{
			MaxTokens:     cfg.MaxChunkTokens,
			OverlapTokens: cfg.ChunkOverlapTokens,
			MinTokens:     cfg.MinChunkTokens,
		},
	}
}

// chunkDraft is a chunk before ordinals, token counts and quality scores
// are stamped on.
type chunkDraft struct {
	text       string
	modality   string
	heading    string
	pageStart  int
	pageEnd    int
	sourceIDs  []primitive.ObjectID
	confidence float64
}

// Chunk runs one chunking pass over a terminal, non-failed extraction
// session. A zero extractionID selects the document's latest session.
// Unknown strategies and cross-document session references are rejected
// before any session is created.
func (e *ChunkingEngine) Chunk(ctx context.Context, documentID, extractionID primitive.ObjectID, strategy string, params models.ChunkParams) (*models.ChunkSession, error) {
	extraction, err := e.resolveExtraction(ctx, documentID, extractionID)
	if err != nil {
		return nil, err
	}
	if !extraction.Terminal() {
		return nil, fmt.Errorf("%w: extraction session %s is still %s", ErrPreconditionFailed, extraction.ID.Hex(), extraction.Status)
	}
	if extraction.Status == models.ExtractionStatusFailed {
		return nil, fmt.Errorf("%w: extraction session %s failed, nothing to chunk", ErrPreconditionFailed, extraction.ID.Hex())
	}

	switch strategy {
	case "":
		strategy = models.StrategyTokenWindow
	case models.StrategyTokenWindow, models.StrategySection:
	default:
		return nil, fmt.Errorf("%w: unknown chunking strategy %q", ErrMalformedRequest, strategy)
	}
	params = e.normalizeParams(params)

	objects, err := e.extractions.ListObjects(ctx, extraction.ID)
	if err != nil {
		return nil, fmt.Errorf("list extracted objects: %w", err)
	}
	objects, err = hydrateLinkedObjects(ctx, e.extractions, objects)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	session := &models.ChunkSession{
		DocumentID:   documentID,
		ExtractionID: extraction.ID,
		Strategy:     strategy,
		Params:       params,
		Status:       models.ChunkStatusRunning,
		StartedAt:    started,
	}
	if _, err := e.chunks.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create chunk session: %w", err)
	}

	var drafts []chunkDraft
	if strategy == models.StrategySection {
		drafts = sectionDrafts(objects, params)
	} else {
		drafts = tokenWindowDrafts(objects, params)
	}

	if len(drafts) == 0 {
		msg := "no chunkable content produced"
		_ = e.chunks.CompleteSession(ctx, session.ID, models.ChunkStatusFailed, 0, msg)
		session.Status = models.ChunkStatusFailed
		session.ErrorMessage = msg
		telemetry.RecordStage("chunking", models.ChunkStatusFailed, time.Since(started).Seconds())
		return session, errors.New(msg)
	}

	chunks := assembleChunks(session.ID, documentID, drafts)
	if err := e.chunks.InsertChunks(ctx, chunks); err != nil {
		msg := fmt.Sprintf("persist chunks: %v", err)
		_ = e.chunks.CompleteSession(ctx, session.ID, models.ChunkStatusFailed, 0, msg)
		session.Status = models.ChunkStatusFailed
		session.ErrorMessage = msg
		return session, fmt.Errorf("persist chunks: %w", err)
	}
	if err := e.chunks.CompleteSession(ctx, session.ID, models.ChunkStatusSuccess, len(chunks), ""); err != nil {
		return session, fmt.Errorf("complete chunk session: %w", err)
	}
	session.Status = models.ChunkStatusSuccess
	session.ChunkCount = len(chunks)
	now := time.Now()
	session.CompletedAt = &now

	telemetry.RecordChunks(strategy, int64(len(chunks)))
	telemetry.RecordStage("chunking", models.ChunkStatusSuccess, time.Since(started).Seconds())
	logger.Info("chunk session finished",
		"document_id", documentID.Hex(),
		"session_id", session.ID.Hex(),
		"extraction_id", extraction.ID.Hex(),
		"strategy", strategy,
		"chunks", len(chunks))
	return session, nil
}

func (e *ChunkingEngine) resolveExtraction(ctx context.Context, documentID, extractionID primitive.ObjectID) (*models.ExtractionSession, error) {
	if extractionID.IsZero() {
		extraction, err := e.extractions.LatestSession(ctx, documentID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: document has no extraction session", ErrPreconditionFailed)
		}
		if err != nil {
			return nil, fmt.Errorf("resolve latest extraction: %w", err)
		}
		return extraction, nil
	}

	extraction, err := e.extractions.GetSession(ctx, extractionID)
	if err != nil {
		return nil, fmt.Errorf("load extraction session: %w", err)
	}
	if extraction.DocumentID != documentID {
		return nil, fmt.Errorf("%w: extraction session %s does not belong to document %s", ErrMalformedRequest, extractionID.Hex(), documentID.Hex())
	}
	return extraction, nil
}

func (e *ChunkingEngine) normalizeParams(p models.ChunkParams) models.ChunkParams {
	if p.MaxTokens <= 0 {
		p.MaxTokens = e.defaults.MaxTokens
	}
	if p.OverlapTokens < 0 {
		p.OverlapTokens = e.defaults.OverlapTokens
	}
	if p.MinTokens <= 0 {
		p.MinTokens = e.defaults.MinTokens
	}
	// Overlap must leave the window a positive step.
	if p.OverlapTokens >= p.MaxTokens {
		p.OverlapTokens = p.MaxTokens / 4
	}
	if p.MinTokens > p.MaxTokens {
		p.MinTokens = p.MaxTokens
	}
	return p
}

// tokenRef is one whitespace token tagged with the object it came from.
type tokenRef struct {
	word string
	obj  *models.ExtractedObject
}

// tokenWindowDrafts slides a fixed token window with overlap across the
// flowing text. Tables and images interrupt the flow and become standalone
// chunks in document order; windows never span across them.
func tokenWindowDrafts(objects []models.ExtractedObject, params models.ChunkParams) []chunkDraft {
	var drafts []chunkDraft
	var stream []tokenRef

	flush := func() {
		drafts = append(drafts, windowDrafts(stream, params, "")...)
		stream = stream[:0]
	}

	for i := range objects {
		o := &objects[i]
		switch o.ObjectType {
		case models.ObjectTypeImage, models.ObjectTypeFigure:
			flush()
			drafts = append(drafts, imageDraft(o, ""))
		case models.ObjectTypeTable:
			flush()
			drafts = append(drafts, tableDrafts(o, params, "")...)
		default:
			stream = appendTokens(stream, o)
		}
	}
	flush()
	return drafts
}

// sectionDrafts groups the flow between HEADER objects into sections, each
// carrying its heading. Oversized sections fall back to token windows
// within the section boundary.
func sectionDrafts(objects []models.ExtractedObject, params models.ChunkParams) []chunkDraft {
	var drafts []chunkDraft
	var stream []tokenRef
	heading := ""

	flush := func() {
		drafts = append(drafts, windowDrafts(stream, params, heading)...)
		stream = stream[:0]
	}

	for i := range objects {
		o := &objects[i]
		switch o.ObjectType {
		case models.ObjectTypeHeader:
			flush()
			heading = strings.TrimSpace(o.Text)
		case models.ObjectTypeImage, models.ObjectTypeFigure:
			flush()
			drafts = append(drafts, imageDraft(o, heading))
		case models.ObjectTypeTable:
			flush()
			drafts = append(drafts, tableDrafts(o, params, heading)...)
		default:
			stream = appendTokens(stream, o)
		}
	}
	flush()
	return drafts
}

func appendTokens(stream []tokenRef, o *models.ExtractedObject) []tokenRef {
	for _, word := range strings.Fields(o.Text) {
		stream = append(stream, tokenRef{word: word, obj: o})
	}
	return stream
}

// windowDrafts cuts the token stream into windows of at most MaxTokens,
// stepping by MaxTokens-OverlapTokens. A final remainder shorter than
// MinTokens is absorbed into the previous window instead of standing alone.
func windowDrafts(stream []tokenRef, params models.ChunkParams, heading string) []chunkDraft {
	if len(stream) == 0 {
		return nil
	}

	step := params.MaxTokens - params.OverlapTokens
	var drafts []chunkDraft
	for start := 0; start < len(stream); start += step {
		end := start + params.MaxTokens
		if end > len(stream) {
			end = len(stream)
		}
		remainder := len(stream) - end
		if remainder > 0 && remainder < params.MinTokens {
			end = len(stream)
		}
		drafts = append(drafts, draftFromTokens(stream[start:end], heading))
		if end == len(stream) {
			break
		}
	}
	return drafts
}

func draftFromTokens(tokens []tokenRef, heading string) chunkDraft {
	words := make([]string, len(tokens))
	var sources []primitive.ObjectID
	var lastSource primitive.ObjectID
	pageStart, pageEnd := tokens[0].obj.Page, tokens[0].obj.Page
	confSum, confN := 0.0, 0

	for i, t := range tokens {
		words[i] = t.word
		id := sourceObjectID(t.obj)
		if id != lastSource {
			sources = append(sources, id)
			lastSource = id
			if t.obj.Confidence > 0 {
				confSum += t.obj.Confidence
				confN++
			}
		}
		if t.obj.Page < pageStart {
			pageStart = t.obj.Page
		}
		if t.obj.Page > pageEnd {
			pageEnd = t.obj.Page
		}
	}

	confidence := 1.0
	if confN > 0 {
		confidence = confSum / float64(confN)
	}
	return chunkDraft{
		text:       strings.Join(words, " "),
		modality:   models.ModalityText,
		heading:    heading,
		pageStart:  pageStart,
		pageEnd:    pageEnd,
		sourceIDs:  sources,
		confidence: confidence,
	}
}

func imageDraft(o *models.ExtractedObject, heading string) chunkDraft {
	return chunkDraft{
		text:       strings.TrimSpace(o.Text),
		modality:   models.ModalityImage,
		heading:    heading,
		pageStart:  o.Page,
		pageEnd:    o.Page,
		sourceIDs:  []primitive.ObjectID{sourceObjectID(o)},
		confidence: objectConfidence(o),
	}
}

// tableDrafts keeps a table whole when it fits the token budget, otherwise
// splits it into row groups. Rows are newline-delimited in the flattened
// text, so a group boundary never falls inside a row.
func tableDrafts(o *models.ExtractedObject, params models.ChunkParams, heading string) []chunkDraft {
	text := strings.TrimSpace(o.Text)
	if text == "" {
		return nil
	}

	base := chunkDraft{
		modality:   models.ModalityTable,
		heading:    heading,
		pageStart:  o.Page,
		pageEnd:    o.Page,
		sourceIDs:  []primitive.ObjectID{sourceObjectID(o)},
		confidence: objectConfidence(o),
	}

	if len(strings.Fields(text)) <= params.MaxTokens {
		base.text = text
		return []chunkDraft{base}
	}

	var drafts []chunkDraft
	var group []string
	groupTokens := 0
	flush := func() {
		if len(group) == 0 {
			return
		}
		d := base
		d.text = strings.Join(group, "\n")
		d.sourceIDs = append([]primitive.ObjectID(nil), base.sourceIDs...)
		drafts = append(drafts, d)
		group = group[:0]
		groupTokens = 0
	}

	for _, row := range strings.Split(text, "\n") {
		rowTokens := len(strings.Fields(row))
		if rowTokens == 0 {
			continue
		}
		if groupTokens > 0 && groupTokens+rowTokens > params.MaxTokens {
			flush()
		}
		group = append(group, row)
		groupTokens += rowTokens
	}
	flush()
	return drafts
}

// sourceObjectID resolves provenance through dedup links so chunks always
// reference the canonical object.
func sourceObjectID(o *models.ExtractedObject) primitive.ObjectID {
	if !o.LinkedFrom.IsZero() {
		return o.LinkedFrom
	}
	return o.ID
}

func objectConfidence(o *models.ExtractedObject) float64 {
	if o.Confidence > 0 {
		return o.Confidence
	}
	return 1.0
}

func assembleChunks(sessionID, documentID primitive.ObjectID, drafts []chunkDraft) []models.Chunk {
	now := time.Now()
	chunks := make([]models.Chunk, 0, len(drafts))
	for i, d := range drafts {
		chunks = append(chunks, models.Chunk{
			SessionID:       sessionID,
			DocumentID:      documentID,
			Ordinal:         i,
			SourceObjectIDs: d.sourceIDs,
			Text:            d.text,
			TokenCount:      len(strings.Fields(d.text)),
			Modality:        d.modality,
			SectionHeading:  d.heading,
			PageStart:       d.pageStart,
			PageEnd:         d.pageEnd,
			QualityScore:    chunkQuality(d),
			CreatedAt:       now,
		})
	}
	return chunks
}

// chunkQuality scores readable-text density weighted by the confidence of
// the source objects. Image chunks without a caption fall back to the
// source confidence alone.
func chunkQuality(d chunkDraft) float64 {
	if d.text == "" {
		if d.modality == models.ModalityImage {
			return d.confidence
		}
		return 0
	}
	return providers.TextQuality(d.text) * d.confidence
}
