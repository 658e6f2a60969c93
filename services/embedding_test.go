package services

import (
	"context"
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"saas-knowledge-platform/internal/providers"
	"saas-knowledge-platform/internal/store"
	"saas-knowledge-platform/internal/store/memory"
	"saas-knowledge-platform/models"
)

// fakeEmbedder returns scripted vectors keyed by input text. Texts without
// an entry get a nil vector; a non-nil callErr fails the whole call.
type fakeEmbedder struct {
	model     string
	dimension int
	vectors   map[string][]float32
	callErr   error
	calls     int
}

var _ providers.EmbeddingProvider = (*fakeEmbedder)(nil)

func (f *fakeEmbedder) Model() string  { return f.model }
func (f *fakeEmbedder) Dimension() int { return f.dimension }

func (f *fakeEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.callErr != nil {
		return nil, f.callErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vectors[t]
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedImages(ctx context.Context, images [][]byte) ([][]float32, error) {
	f.calls++
	if f.callErr != nil {
		return nil, f.callErr
	}
	out := make([][]float32, len(images))
	for i := range images {
		out[i] = f.vectors["image"]
	}
	return out, nil
}

func newTestEmbeddingEngine(stores store.Stores, batchSize int, embedders ...providers.EmbeddingProvider) *EmbeddingEngine {
	byModel := make(map[string]providers.EmbeddingProvider, len(embedders))
	for _, p := range embedders {
		byModel[p.Model()] = p
	}
	return &EmbeddingEngine{
		embeddings:   stores.Embeddings,
		chunks:       stores.Chunks,
		embedders:    byModel,
		defaultModel: embedders[0].Model(),
		batchSize:    batchSize,
	}
}

// seedChunks persists one successful chunk session with one text chunk per
// entry and returns the chunks with their assigned ids.
func seedChunks(t *testing.T, chunks store.ChunkStore, docID primitive.ObjectID, texts ...string) (primitive.ObjectID, []models.Chunk) {
	t.Helper()
	ctx := context.Background()
	sessionID, err := chunks.CreateSession(ctx, &models.ChunkSession{
		DocumentID:   docID,
		ExtractionID: primitive.NewObjectID(),
		Strategy:     models.StrategyTokenWindow,
		Status:       models.ChunkStatusRunning,
	})
	if err != nil {
		t.Fatalf("create chunk session: %v", err)
	}
	rows := make([]models.Chunk, len(texts))
	for i, text := range texts {
		rows[i] = models.Chunk{
			SessionID:  sessionID,
			DocumentID: docID,
			Ordinal:    i,
			Text:       text,
			Modality:   models.ModalityText,
		}
	}
	if err := chunks.InsertChunks(ctx, rows); err != nil {
		t.Fatalf("insert chunks: %v", err)
	}
	if err := chunks.CompleteSession(ctx, sessionID, models.ChunkStatusSuccess, len(rows), ""); err != nil {
		t.Fatalf("complete chunk session: %v", err)
	}
	return sessionID, rows
}

func outcomesByChunk(outcomes []models.EmbedOutcome) map[primitive.ObjectID]models.EmbedOutcome {
	m := make(map[primitive.ObjectID]models.EmbedOutcome, len(outcomes))
	for _, o := range outcomes {
		m[o.ChunkID] = o
	}
	return m
}

func TestEmbedStoresVectors(t *testing.T) {
	ctx := context.Background()
	stores := memory.NewStores()
	docID := primitive.NewObjectID()
	_, chunks := seedChunks(t, stores.Chunks, docID, "first text", "second text")

	emb := &fakeEmbedder{model: "test-model", dimension: 3, vectors: map[string][]float32{
		"first text":  {1, 0, 0},
		"second text": {0, 3, 4},
	}}
	eng := newTestEmbeddingEngine(stores, 16, emb)

	outcomes, err := eng.Embed(ctx, []primitive.ObjectID{chunks[0].ID, chunks[1].ID}, "")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("got %d outcomes, want 2", len(outcomes))
	}
	for _, o := range outcomes {
		if !o.OK {
			t.Fatalf("outcome for %s failed: %s", o.ChunkID.Hex(), o.Error)
		}
		if o.Model != "test-model" {
			t.Fatalf("outcome model = %q", o.Model)
		}
	}

	stored, err := stores.Embeddings.GetByChunks(ctx, []primitive.ObjectID{chunks[0].ID, chunks[1].ID}, "test-model")
	if err != nil {
		t.Fatalf("GetByChunks: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("stored %d embeddings, want 2", len(stored))
	}
	byChunk := make(map[primitive.ObjectID]models.Embedding)
	for _, e := range stored {
		byChunk[e.ChunkID] = e
	}
	second := byChunk[chunks[1].ID]
	if second.Norm != 5 {
		t.Fatalf("norm = %f, want 5 for the 3-4-0 vector", second.Norm)
	}
	if second.Dimension != 3 || second.DocumentID != docID || second.Modality != models.ModalityText {
		t.Fatalf("embedding metadata = %+v", second)
	}
}

func TestEmbedUpsertReplacesPerChunkAndModel(t *testing.T) {
	ctx := context.Background()
	stores := memory.NewStores()
	docID := primitive.NewObjectID()
	_, chunks := seedChunks(t, stores.Chunks, docID, "stable text")
	ids := []primitive.ObjectID{chunks[0].ID}

	emb := &fakeEmbedder{model: "test-model", dimension: 3, vectors: map[string][]float32{
		"stable text": {1, 0, 0},
	}}
	eng := newTestEmbeddingEngine(stores, 16, emb)

	if _, err := eng.Embed(ctx, ids, ""); err != nil {
		t.Fatalf("first Embed: %v", err)
	}
	first, err := stores.Embeddings.GetByChunks(ctx, ids, "test-model")
	if err != nil || len(first) != 1 {
		t.Fatalf("GetByChunks after first run: %v, %d rows", err, len(first))
	}

	emb.vectors["stable text"] = []float32{0, 1, 0}
	if _, err := eng.Embed(ctx, ids, ""); err != nil {
		t.Fatalf("second Embed: %v", err)
	}
	second, err := stores.Embeddings.GetByChunks(ctx, ids, "test-model")
	if err != nil {
		t.Fatalf("GetByChunks after second run: %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("re-embedding produced %d rows, (chunk, model) must stay unique", len(second))
	}
	if second[0].ID != first[0].ID {
		t.Fatal("upsert must replace in place, not mint a new row id")
	}
	if second[0].Vector[1] != 1 {
		t.Fatal("upsert did not replace the vector")
	}

	// A different model adds a parallel representation instead of replacing.
	other := &fakeEmbedder{model: "other-model", dimension: 3, vectors: map[string][]float32{
		"stable text": {0, 0, 1},
	}}
	eng2 := newTestEmbeddingEngine(stores, 16, other)
	if _, err := eng2.Embed(ctx, ids, "other-model"); err != nil {
		t.Fatalf("other-model Embed: %v", err)
	}
	parallel, err := stores.Embeddings.GetByChunks(ctx, ids, "other-model")
	if err != nil || len(parallel) != 1 {
		t.Fatalf("other-model rows = %d (%v), want 1", len(parallel), err)
	}
	still, _ := stores.Embeddings.GetByChunks(ctx, ids, "test-model")
	if len(still) != 1 {
		t.Fatal("embedding under the first model must survive the second model's run")
	}
}

func TestEmbedDimensionMismatchFailsChunkOnly(t *testing.T) {
	ctx := context.Background()
	stores := memory.NewStores()
	docID := primitive.NewObjectID()
	_, chunks := seedChunks(t, stores.Chunks, docID, "good text", "bad text")

	emb := &fakeEmbedder{model: "test-model", dimension: 3, vectors: map[string][]float32{
		"good text": {1, 0, 0},
		"bad text":  {1, 0, 0, 0}, // one element too many
	}}
	eng := newTestEmbeddingEngine(stores, 16, emb)

	outcomes, err := eng.Embed(ctx, []primitive.ObjectID{chunks[0].ID, chunks[1].ID}, "")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	byChunk := outcomesByChunk(outcomes)

	if !byChunk[chunks[0].ID].OK {
		t.Fatalf("good chunk failed: %s", byChunk[chunks[0].ID].Error)
	}
	bad := byChunk[chunks[1].ID]
	if bad.OK {
		t.Fatal("dimension mismatch must fail the chunk")
	}
	if bad.Error != "dimension mismatch: got 4, want 3" {
		t.Fatalf("error = %q", bad.Error)
	}

	stored, err := stores.Embeddings.GetByChunks(ctx, []primitive.ObjectID{chunks[1].ID}, "test-model")
	if err != nil {
		t.Fatalf("GetByChunks: %v", err)
	}
	if len(stored) != 0 {
		t.Fatal("mismatched vector must never be persisted")
	}
}

func TestEmbedRejectsUnusableVectors(t *testing.T) {
	ctx := context.Background()
	stores := memory.NewStores()
	docID := primitive.NewObjectID()
	_, chunks := seedChunks(t, stores.Chunks, docID, "zero vec", "no vec")

	emb := &fakeEmbedder{model: "test-model", dimension: 3, vectors: map[string][]float32{
		"zero vec": {0, 0, 0},
		// "no vec" is deliberately absent so the provider returns nil for it.
	}}
	eng := newTestEmbeddingEngine(stores, 16, emb)

	outcomes, err := eng.Embed(ctx, []primitive.ObjectID{chunks[0].ID, chunks[1].ID}, "")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	byChunk := outcomesByChunk(outcomes)
	if got := byChunk[chunks[0].ID].Error; got != "zero-norm vector" {
		t.Fatalf("zero vector error = %q", got)
	}
	if got := byChunk[chunks[1].ID].Error; got != "provider returned no vector" {
		t.Fatalf("nil vector error = %q", got)
	}
}

func TestEmbedSkipsChunksWithoutContent(t *testing.T) {
	ctx := context.Background()
	stores := memory.NewStores()
	docID := primitive.NewObjectID()
	_, chunks := seedChunks(t, stores.Chunks, docID, "real text", "")
	missingID := primitive.NewObjectID()

	emb := &fakeEmbedder{model: "test-model", dimension: 3, vectors: map[string][]float32{
		"real text": {1, 0, 0},
	}}
	eng := newTestEmbeddingEngine(stores, 16, emb)

	outcomes, err := eng.Embed(ctx, []primitive.ObjectID{chunks[0].ID, chunks[1].ID, missingID}, "")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("got %d outcomes, want one per requested chunk", len(outcomes))
	}
	byChunk := outcomesByChunk(outcomes)
	if !byChunk[chunks[0].ID].OK {
		t.Fatal("text chunk should embed")
	}
	if got := byChunk[chunks[1].ID].Error; got != "chunk has no embeddable content" {
		t.Fatalf("empty chunk error = %q", got)
	}
	if got := byChunk[missingID].Error; got != "chunk not found" {
		t.Fatalf("missing chunk error = %q", got)
	}
	if emb.calls != 1 {
		t.Fatalf("provider called %d times, skipped chunks must not reach it", emb.calls)
	}
}

func TestEmbedUnknownModelRejected(t *testing.T) {
	stores := memory.NewStores()
	emb := &fakeEmbedder{model: "test-model", dimension: 3}
	eng := newTestEmbeddingEngine(stores, 16, emb)

	_, err := eng.Embed(context.Background(), []primitive.ObjectID{primitive.NewObjectID()}, "unregistered")
	if !errors.Is(err, ErrMalformedRequest) {
		t.Fatalf("err = %v, want ErrMalformedRequest", err)
	}
}

func TestEmbedEmptyInputIsNoop(t *testing.T) {
	stores := memory.NewStores()
	emb := &fakeEmbedder{model: "test-model", dimension: 3}
	eng := newTestEmbeddingEngine(stores, 16, emb)

	outcomes, err := eng.Embed(context.Background(), nil, "")
	if err != nil || outcomes != nil {
		t.Fatalf("empty input = (%v, %v), want (nil, nil)", outcomes, err)
	}
	if emb.calls != 0 {
		t.Fatal("provider must not be called for empty input")
	}
}

func TestEmbedProviderFailureMarksWholeBatch(t *testing.T) {
	ctx := context.Background()
	stores := memory.NewStores()
	docID := primitive.NewObjectID()
	_, chunks := seedChunks(t, stores.Chunks, docID, "one", "two")

	emb := &fakeEmbedder{model: "test-model", dimension: 3, callErr: errors.New("quota exceeded")}
	eng := newTestEmbeddingEngine(stores, 16, emb)

	outcomes, err := eng.Embed(ctx, []primitive.ObjectID{chunks[0].ID, chunks[1].ID}, "")
	if err != nil {
		t.Fatalf("whole-call failure must not abort the run: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("got %d outcomes, want one per chunk", len(outcomes))
	}
	for _, o := range outcomes {
		if o.OK || o.Error != "quota exceeded" {
			t.Fatalf("outcome = %+v, want failure carrying the provider error", o)
		}
	}
}

func TestEmbedHonorsBatchSize(t *testing.T) {
	ctx := context.Background()
	stores := memory.NewStores()
	docID := primitive.NewObjectID()
	_, chunks := seedChunks(t, stores.Chunks, docID, "t0", "t1", "t2", "t3", "t4")

	vectors := make(map[string][]float32)
	for _, c := range chunks {
		vectors[c.Text] = []float32{1, 0, 0}
	}
	emb := &fakeEmbedder{model: "test-model", dimension: 3, vectors: vectors}
	eng := newTestEmbeddingEngine(stores, 2, emb)

	ids := make([]primitive.ObjectID, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	outcomes, err := eng.Embed(ctx, ids, "")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	for _, o := range outcomes {
		if !o.OK {
			t.Fatalf("outcome failed: %s", o.Error)
		}
	}
	if emb.calls != 3 {
		t.Fatalf("provider called %d times, want ceil(5/2)=3 batches", emb.calls)
	}
}

func TestMissingChunkIDs(t *testing.T) {
	ctx := context.Background()
	stores := memory.NewStores()
	docID := primitive.NewObjectID()
	sessionID, chunks := seedChunks(t, stores.Chunks, docID, "a", "b", "c")

	emb := &fakeEmbedder{model: "test-model", dimension: 3, vectors: map[string][]float32{
		"b": {1, 0, 0},
	}}
	eng := newTestEmbeddingEngine(stores, 16, emb)

	if _, err := eng.Embed(ctx, []primitive.ObjectID{chunks[1].ID}, ""); err != nil {
		t.Fatalf("Embed: %v", err)
	}

	missing, err := eng.MissingChunkIDs(ctx, sessionID, "")
	if err != nil {
		t.Fatalf("MissingChunkIDs: %v", err)
	}
	if len(missing) != 2 {
		t.Fatalf("got %d missing, want 2", len(missing))
	}
	if missing[0] != chunks[0].ID || missing[1] != chunks[2].ID {
		t.Fatal("missing ids must keep ordinal order and exclude the embedded chunk")
	}
}
