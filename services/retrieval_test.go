package services

import (
	"context"
	"encoding/base64"
	"errors"
	"math"
	"strings"
	"testing"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"saas-knowledge-platform/internal/providers"
	"saas-knowledge-platform/internal/store"
	"saas-knowledge-platform/internal/store/memory"
	"saas-knowledge-platform/models"
)

// scriptedReranker replays a fixed score slice aligned to candidate order.
type scriptedReranker struct {
	scores []float64
	err    error
	calls  int
}

var _ providers.Reranker = (*scriptedReranker)(nil)

func (r *scriptedReranker) Name() string { return "scripted" }

func (r *scriptedReranker) Rerank(ctx context.Context, query string, candidates []providers.RerankCandidate) ([]float64, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.scores, nil
}

func searchEmbedder(vectors map[string][]float32) *fakeEmbedder {
	return &fakeEmbedder{model: "test-model", dimension: 3, vectors: vectors}
}

func newTestRetrievalEngine(stores store.Stores, emb providers.EmbeddingProvider, reranker providers.Reranker) *RetrievalEngine {
	return &RetrievalEngine{
		documents:  stores.Documents,
		chunks:     stores.Chunks,
		embeddings: stores.Embeddings,
		settings:   stores.Settings,
		embedder:   newTestEmbeddingEngine(stores, 16, emb),
		reranker:   reranker,
		seed: models.RetrievalSettings{
			FusionWeights: map[string]float64{
				models.SearchModeVector:  0.6,
				models.SearchModeKeyword: 0.4,
				models.SearchModeImage:   0.5,
			},
			Fusion:         models.FusionWeighted,
			RerankTopN:     20,
			EmbeddingModel: emb.Model(),
		},
		defaultTopK: 10,
	}
}

// searchChunk describes one seeded chunk: its text, ranking metadata, and an
// optional stored vector under the given embedding model.
type searchChunk struct {
	text    string
	quality float64
	page    int
	vector  []float32
}

// seedSearchDoc creates a document in the container with one successful chunk
// session holding the given chunks, and returns them with assigned ids.
func seedSearchDoc(t *testing.T, stores store.Stores, containerID primitive.ObjectID, model string, entries ...searchChunk) []models.Chunk {
	t.Helper()
	ctx := context.Background()

	docID, err := stores.Documents.Create(ctx, &models.Document{
		ContainerID:  containerID,
		Filename:     "doc.txt",
		OriginalName: "doc.txt",
		MimeType:     "text/plain",
		Status:       models.StatusCompleted,
		Source:       models.SourceUpload,
	})
	if err != nil {
		t.Fatalf("create document: %v", err)
	}

	sessionID, err := stores.Chunks.CreateSession(ctx, &models.ChunkSession{
		DocumentID:   docID,
		ExtractionID: primitive.NewObjectID(),
		Strategy:     models.StrategyTokenWindow,
		Status:       models.ChunkStatusRunning,
	})
	if err != nil {
		t.Fatalf("create chunk session: %v", err)
	}

	rows := make([]models.Chunk, len(entries))
	for i, entry := range entries {
		page := entry.page
		if page == 0 {
			page = 1
		}
		rows[i] = models.Chunk{
			SessionID:    sessionID,
			DocumentID:   docID,
			Ordinal:      i,
			Text:         entry.text,
			TokenCount:   len(strings.Fields(entry.text)),
			Modality:     models.ModalityText,
			PageStart:    page,
			PageEnd:      page,
			QualityScore: entry.quality,
		}
	}
	if err := stores.Chunks.InsertChunks(ctx, rows); err != nil {
		t.Fatalf("insert chunks: %v", err)
	}
	if err := stores.Chunks.CompleteSession(ctx, sessionID, models.ChunkStatusSuccess, len(rows), ""); err != nil {
		t.Fatalf("complete chunk session: %v", err)
	}

	for i, entry := range entries {
		if entry.vector == nil {
			continue
		}
		err := stores.Embeddings.Upsert(ctx, &models.Embedding{
			ChunkID:    rows[i].ID,
			DocumentID: docID,
			Model:      model,
			Modality:   models.ModalityText,
			Dimension:  len(entry.vector),
			Vector:     entry.vector,
			Norm:       l2Norm(entry.vector),
		})
		if err != nil {
			t.Fatalf("upsert embedding: %v", err)
		}
	}
	return rows
}

func viewerAuth(containers ...primitive.ObjectID) *models.AuthContext {
	auth := &models.AuthContext{
		UserID:     primitive.NewObjectID(),
		Role:       models.RoleMember,
		Containers: make(map[primitive.ObjectID]models.PermissionLevel, len(containers)),
	}
	for _, id := range containers {
		auth.Containers[id] = models.PermissionViewer
	}
	return auth
}

func resultChunkIDs(resp *models.SearchResponse) []primitive.ObjectID {
	ids := make([]primitive.ObjectID, len(resp.Results))
	for i, r := range resp.Results {
		ids[i] = r.ChunkID
	}
	return ids
}

func hasMethod(methods []string, want string) bool {
	for _, m := range methods {
		if m == want {
			return true
		}
	}
	return false
}

func TestSearchRejectsMalformedRequests(t *testing.T) {
	ctx := context.Background()
	stores := memory.NewStores()
	eng := newTestRetrievalEngine(stores, searchEmbedder(nil), nil)
	auth := viewerAuth(primitive.NewObjectID())
	img := base64.StdEncoding.EncodeToString(gradientPNG(t))

	cases := []struct {
		name string
		req  models.SearchRequest
	}{
		{"empty request", models.SearchRequest{}},
		{"whitespace query", models.SearchRequest{Query: "   "}},
		{"invalid base64 image", models.SearchRequest{ImageBase64: "%%%not-base64%%%"}},
		{"base64 that is not an image", models.SearchRequest{ImageBase64: base64.StdEncoding.EncodeToString([]byte("hello world"))}},
		{"unknown mode", models.SearchRequest{Query: "rockets", Mode: "cosmic"}},
		{"vector mode without query", models.SearchRequest{Mode: models.SearchModeVector, ImageBase64: img}},
		{"image mode without image", models.SearchRequest{Query: "rockets", Mode: models.SearchModeImage}},
		{"invalid container id", models.SearchRequest{Query: "rockets", ContainerIDs: []string{"not-hex"}}},
		{"invalid document id", models.SearchRequest{Query: "rockets", DocumentIDs: []string{"zzz"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := eng.Search(ctx, tc.req, auth)
			if !errors.Is(err, ErrMalformedRequest) {
				t.Fatalf("expected ErrMalformedRequest, got %v", err)
			}
		})
	}
}

func TestResolveMode(t *testing.T) {
	cases := []struct {
		name        string
		mode        string
		hasQuery    bool
		hasImage    bool
		wantMode    string
		wantMethods []string
		wantErr     bool
	}{
		{"default with query", "", true, false, models.SearchModeHybrid, []string{models.SearchModeVector, models.SearchModeKeyword}, false},
		{"default with query and image", "", true, true, models.SearchModeHybrid, []string{models.SearchModeVector, models.SearchModeKeyword, models.SearchModeImage}, false},
		{"default image only", "", false, true, models.SearchModeImage, []string{models.SearchModeImage}, false},
		{"explicit vector", models.SearchModeVector, true, false, models.SearchModeVector, []string{models.SearchModeVector}, false},
		{"explicit keyword", models.SearchModeKeyword, true, false, models.SearchModeKeyword, []string{models.SearchModeKeyword}, false},
		{"vector without query", models.SearchModeVector, false, true, "", nil, true},
		{"image without image", models.SearchModeImage, true, false, "", nil, true},
		{"hybrid without query", models.SearchModeHybrid, false, true, "", nil, true},
		{"unknown mode", "cosmic", true, true, "", nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mode, methods, err := resolveMode(tc.mode, tc.hasQuery, tc.hasImage)
			if tc.wantErr {
				if !errors.Is(err, ErrMalformedRequest) {
					t.Fatalf("expected ErrMalformedRequest, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveMode: %v", err)
			}
			if mode != tc.wantMode {
				t.Fatalf("mode: got %q, want %q", mode, tc.wantMode)
			}
			if len(methods) != len(tc.wantMethods) {
				t.Fatalf("methods: got %v, want %v", methods, tc.wantMethods)
			}
			for i := range methods {
				if methods[i] != tc.wantMethods[i] {
					t.Fatalf("methods: got %v, want %v", methods, tc.wantMethods)
				}
			}
		})
	}
}

func TestSearchEmptyAuthorizedSet(t *testing.T) {
	ctx := context.Background()
	stores := memory.NewStores()
	containerID := primitive.NewObjectID()
	seedSearchDoc(t, stores, containerID, "test-model",
		searchChunk{text: "rocket fuel analysis", quality: 0.9, vector: []float32{1, 0, 0}})

	emb := searchEmbedder(map[string][]float32{"rocket": {1, 0, 0}})
	eng := newTestRetrievalEngine(stores, emb, nil)

	verifyEmpty := func(t *testing.T, auth *models.AuthContext, req models.SearchRequest) {
		t.Helper()
		resp, err := eng.Search(ctx, req, auth)
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if len(resp.Results) != 0 {
			t.Fatalf("expected no results, got %d", len(resp.Results))
		}
		if resp.TotalCandidates != 0 {
			t.Fatalf("expected zero candidates, got %d", resp.TotalCandidates)
		}
	}

	t.Run("no grants", func(t *testing.T) {
		verifyEmpty(t, viewerAuth(), models.SearchRequest{Query: "rocket"})
		if emb.calls != 0 {
			t.Fatalf("embedder was called for an empty candidate set")
		}
	})
	t.Run("grant below viewer", func(t *testing.T) {
		auth := viewerAuth()
		auth.Containers[containerID] = models.PermissionNone
		verifyEmpty(t, auth, models.SearchRequest{Query: "rocket"})
	})
	t.Run("container filter excludes all grants", func(t *testing.T) {
		req := models.SearchRequest{Query: "rocket", ContainerIDs: []string{primitive.NewObjectID().Hex()}}
		verifyEmpty(t, viewerAuth(containerID), req)
	})
}

func TestSearchAuthorizationFiltersBeforeScoring(t *testing.T) {
	ctx := context.Background()
	stores := memory.NewStores()
	visible := primitive.NewObjectID()
	hidden := primitive.NewObjectID()
	mine := seedSearchDoc(t, stores, visible, "test-model",
		searchChunk{text: "rocket fuel report", quality: 0.5, vector: []float32{1, 0, 0}})
	seedSearchDoc(t, stores, hidden, "test-model",
		searchChunk{text: "rocket fuel report", quality: 0.9, vector: []float32{1, 0, 0}})

	emb := searchEmbedder(map[string][]float32{"rocket fuel": {1, 0, 0}})
	eng := newTestRetrievalEngine(stores, emb, nil)

	resp, err := eng.Search(ctx, models.SearchRequest{Query: "rocket fuel"}, viewerAuth(visible))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.TotalCandidates != 1 {
		t.Fatalf("unauthorized chunks entered the candidate set: total=%d", resp.TotalCandidates)
	}
	if len(resp.Results) != 1 || resp.Results[0].ChunkID != mine[0].ID {
		t.Fatalf("expected only the authorized chunk, got %+v", resp.Results)
	}
	if resp.Results[0].ContainerID != visible {
		t.Fatalf("container: got %s, want %s", resp.Results[0].ContainerID.Hex(), visible.Hex())
	}
}

func TestSearchVectorMode(t *testing.T) {
	ctx := context.Background()
	stores := memory.NewStores()
	containerID := primitive.NewObjectID()
	rows := seedSearchDoc(t, stores, containerID, "test-model",
		searchChunk{text: "alpha rocket fuel", quality: 0.5, vector: []float32{1, 0, 0}},
		searchChunk{text: "beta solar panels", quality: 0.5, vector: []float32{0, 1, 0}})

	emb := searchEmbedder(map[string][]float32{"thrust systems": {1, 0, 0}})
	eng := newTestRetrievalEngine(stores, emb, nil)

	resp, err := eng.Search(ctx, models.SearchRequest{Query: "thrust systems", Mode: models.SearchModeVector}, viewerAuth(containerID))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.MethodsUsed) != 1 || resp.MethodsUsed[0] != models.SearchModeVector {
		t.Fatalf("methods used: got %v", resp.MethodsUsed)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(resp.Results))
	}

	first := resp.Results[0]
	if first.ChunkID != rows[0].ID {
		t.Fatalf("best match: got %s, want %s", first.ChunkID.Hex(), rows[0].ID.Hex())
	}
	if first.Score != 1.0 || first.VectorScore != 1.0 {
		t.Fatalf("scores: fused=%v vector=%v, want 1.0", first.Score, first.VectorScore)
	}
	if first.KeywordScore != 0 {
		t.Fatalf("keyword score leaked into vector mode: %v", first.KeywordScore)
	}
	if first.Grade != models.GradeHigh {
		t.Fatalf("grade: got %q, want %q", first.Grade, models.GradeHigh)
	}
	if !hasMethod(first.Methods, models.SearchModeVector) || hasMethod(first.Methods, models.SearchModeKeyword) {
		t.Fatalf("result methods: got %v", first.Methods)
	}

	second := resp.Results[1]
	if second.ChunkID != rows[1].ID || second.Score != 0 {
		t.Fatalf("orthogonal chunk should score zero: %+v", second)
	}
	if second.Grade != models.GradeLow {
		t.Fatalf("grade: got %q, want %q", second.Grade, models.GradeLow)
	}
}

func TestSearchKeywordMode(t *testing.T) {
	ctx := context.Background()
	stores := memory.NewStores()
	containerID := primitive.NewObjectID()
	rows := seedSearchDoc(t, stores, containerID, "test-model",
		searchChunk{text: "solar panel efficiency metrics", quality: 0.5},
		searchChunk{text: "rocket fuel burn rates", quality: 0.5})

	emb := searchEmbedder(nil)
	eng := newTestRetrievalEngine(stores, emb, nil)

	resp, err := eng.Search(ctx, models.SearchRequest{Query: "solar panel", Mode: models.SearchModeKeyword}, viewerAuth(containerID))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if emb.calls != 0 {
		t.Fatalf("keyword mode must not call the embedding provider")
	}

	first := resp.Results[0]
	if first.ChunkID != rows[0].ID {
		t.Fatalf("best match: got %s, want %s", first.ChunkID.Hex(), rows[0].ID.Hex())
	}
	if first.KeywordScore <= 0 {
		t.Fatalf("keyword score: got %v, want > 0", first.KeywordScore)
	}
	if first.VectorScore != 0 || first.ImageScore != 0 {
		t.Fatalf("unexpected non-keyword scores: %+v", first)
	}
	if resp.Results[1].KeywordScore != 0 {
		t.Fatalf("non-matching chunk scored: %v", resp.Results[1].KeywordScore)
	}
}

func TestSearchHybridFusesMethods(t *testing.T) {
	ctx := context.Background()
	stores := memory.NewStores()
	containerID := primitive.NewObjectID()
	rows := seedSearchDoc(t, stores, containerID, "test-model",
		searchChunk{text: "rocket fuel analysis", quality: 0.5, vector: []float32{1, 0, 0}},
		searchChunk{text: "unrelated gardening notes", quality: 0.5, vector: []float32{0, 1, 0}})

	emb := searchEmbedder(map[string][]float32{"rocket fuel": {1, 0, 0}})
	eng := newTestRetrievalEngine(stores, emb, nil)

	resp, err := eng.Search(ctx, models.SearchRequest{Query: "rocket fuel"}, viewerAuth(containerID))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if !hasMethod(resp.MethodsUsed, models.SearchModeVector) || !hasMethod(resp.MethodsUsed, models.SearchModeKeyword) {
		t.Fatalf("methods used: got %v", resp.MethodsUsed)
	}

	first := resp.Results[0]
	if first.ChunkID != rows[0].ID {
		t.Fatalf("best match: got %s, want %s", first.ChunkID.Hex(), rows[0].ID.Hex())
	}
	if first.VectorScore != 1.0 || first.KeywordScore <= 0 {
		t.Fatalf("method scores: vector=%v keyword=%v", first.VectorScore, first.KeywordScore)
	}
	// Weighted fusion of a perfect vector match and a positive keyword match
	// must land strictly between the vector weight and 1.
	if first.Score <= 0.6 || first.Score > 1.0 {
		t.Fatalf("fused score out of range: %v", first.Score)
	}
	if !hasMethod(first.Methods, models.SearchModeVector) || !hasMethod(first.Methods, models.SearchModeKeyword) {
		t.Fatalf("result methods: got %v", first.Methods)
	}
	if resp.Results[1].Score != 0 {
		t.Fatalf("unrelated chunk fused score: %v", resp.Results[1].Score)
	}
}

func TestSearchHybridDegradesWhenEmbedderFails(t *testing.T) {
	ctx := context.Background()
	stores := memory.NewStores()
	containerID := primitive.NewObjectID()
	seedSearchDoc(t, stores, containerID, "test-model",
		searchChunk{text: "rocket fuel analysis", quality: 0.5, vector: []float32{1, 0, 0}})

	emb := searchEmbedder(nil)
	emb.callErr = errors.New("quota exhausted")
	eng := newTestRetrievalEngine(stores, emb, nil)
	auth := viewerAuth(containerID)

	t.Run("hybrid falls back to keyword", func(t *testing.T) {
		resp, err := eng.Search(ctx, models.SearchRequest{Query: "rocket"}, auth)
		if err != nil {
			t.Fatalf("hybrid search should survive an embed failure: %v", err)
		}
		if len(resp.MethodsUsed) != 1 || resp.MethodsUsed[0] != models.SearchModeKeyword {
			t.Fatalf("methods used: got %v, want keyword only", resp.MethodsUsed)
		}
		if len(resp.Results) != 1 || resp.Results[0].VectorScore != 0 {
			t.Fatalf("vector score should be absent: %+v", resp.Results)
		}
	})

	t.Run("vector mode fails outright", func(t *testing.T) {
		_, err := eng.Search(ctx, models.SearchRequest{Query: "rocket", Mode: models.SearchModeVector}, auth)
		if err == nil || !strings.Contains(err.Error(), "embed query") {
			t.Fatalf("expected embed query failure, got %v", err)
		}
	})
}

func TestSearchThresholdFloor(t *testing.T) {
	ctx := context.Background()
	stores := memory.NewStores()
	containerID := primitive.NewObjectID()
	rows := seedSearchDoc(t, stores, containerID, "test-model",
		searchChunk{text: "exact match", quality: 0.5, vector: []float32{1, 0, 0}},
		searchChunk{text: "close match", quality: 0.5, vector: []float32{0.8, 0.6, 0}},
		searchChunk{text: "orthogonal", quality: 0.5, vector: []float32{0, 1, 0}})

	emb := searchEmbedder(map[string][]float32{"probe": {1, 0, 0}})
	eng := newTestRetrievalEngine(stores, emb, nil)

	threshold := 0.5
	resp, err := eng.Search(ctx, models.SearchRequest{
		Query:               "probe",
		Mode:                models.SearchModeVector,
		SimilarityThreshold: &threshold,
	}, viewerAuth(containerID))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.TotalCandidates != 3 {
		t.Fatalf("total candidates: got %d, want 3", resp.TotalCandidates)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("threshold should keep 2 of 3, got %d", len(resp.Results))
	}
	if resp.Results[0].ChunkID != rows[0].ID || resp.Results[1].ChunkID != rows[1].ID {
		t.Fatalf("result order: got %v", resultChunkIDs(resp))
	}
	if s := resp.Results[1].Score; s < 0.7 || s > 0.9 {
		t.Fatalf("close match score: got %v, want ~0.8", s)
	}
}

func TestSearchTopK(t *testing.T) {
	ctx := context.Background()
	stores := memory.NewStores()
	containerID := primitive.NewObjectID()
	seedSearchDoc(t, stores, containerID, "test-model",
		searchChunk{text: "one", quality: 0.5, vector: []float32{1, 0, 0}},
		searchChunk{text: "two", quality: 0.5, vector: []float32{0.8, 0.6, 0}},
		searchChunk{text: "three", quality: 0.5, vector: []float32{0, 1, 0}})

	emb := searchEmbedder(map[string][]float32{"probe": {1, 0, 0}})
	eng := newTestRetrievalEngine(stores, emb, nil)
	auth := viewerAuth(containerID)

	t.Run("explicit top_k truncates", func(t *testing.T) {
		resp, err := eng.Search(ctx, models.SearchRequest{Query: "probe", Mode: models.SearchModeVector, TopK: 1}, auth)
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if len(resp.Results) != 1 {
			t.Fatalf("expected 1 result, got %d", len(resp.Results))
		}
		if resp.TotalCandidates != 3 {
			t.Fatalf("truncation must not change total candidates: %d", resp.TotalCandidates)
		}
	})

	t.Run("engine default applies when unset", func(t *testing.T) {
		eng.defaultTopK = 2
		resp, err := eng.Search(ctx, models.SearchRequest{Query: "probe", Mode: models.SearchModeVector}, auth)
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if len(resp.Results) != 2 {
			t.Fatalf("expected default top-k of 2, got %d", len(resp.Results))
		}
	})
}

func TestSearchTieBreakOrdering(t *testing.T) {
	ctx := context.Background()
	stores := memory.NewStores()
	containerID := primitive.NewObjectID()
	rows := seedSearchDoc(t, stores, containerID, "test-model",
		searchChunk{text: "alpha", quality: 0.5, page: 3, vector: []float32{1, 0, 0}},
		searchChunk{text: "beta", quality: 0.9, page: 5, vector: []float32{1, 0, 0}},
		searchChunk{text: "gamma", quality: 0.5, page: 1, vector: []float32{1, 0, 0}},
		searchChunk{text: "delta", quality: 0.5, page: 3, vector: []float32{1, 0, 0}})

	emb := searchEmbedder(map[string][]float32{"probe": {1, 0, 0}})
	eng := newTestRetrievalEngine(stores, emb, nil)

	resp, err := eng.Search(ctx, models.SearchRequest{Query: "probe", Mode: models.SearchModeVector}, viewerAuth(containerID))
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	// Every chunk fuses to exactly 1.0, so ordering falls through quality
	// desc, then page asc, then ordinal asc.
	want := []primitive.ObjectID{rows[1].ID, rows[2].ID, rows[0].ID, rows[3].ID}
	got := resultChunkIDs(resp)
	if len(got) != len(want) {
		t.Fatalf("expected %d results, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tie-break order at %d: got %s, want %s", i, got[i].Hex(), want[i].Hex())
		}
	}
}

func TestSearchRRFFusion(t *testing.T) {
	ctx := context.Background()
	stores := memory.NewStores()
	containerID := primitive.NewObjectID()
	rows := seedSearchDoc(t, stores, containerID, "test-model",
		searchChunk{text: "rocket fuel analysis", quality: 0.5, vector: []float32{1, 0, 0}},
		searchChunk{text: "gardening never matches", quality: 0.5, vector: []float32{0, 1, 0}})

	emb := searchEmbedder(map[string][]float32{"rocket": {1, 0, 0}})
	eng := newTestRetrievalEngine(stores, emb, nil)
	eng.seed.Fusion = models.FusionRRF

	resp, err := eng.Search(ctx, models.SearchRequest{Query: "rocket"}, viewerAuth(containerID))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.Results[0].ChunkID != rows[0].ID {
		t.Fatalf("best match: got %s, want %s", resp.Results[0].ChunkID.Hex(), rows[0].ID.Hex())
	}

	// Rank 1 in both methods: fused = (0.6 + 0.4) / (60 + 1).
	want := 1.0 / 61.0
	if got := resp.Results[0].Score; math.Abs(got-want) > 1e-12 {
		t.Fatalf("rrf score: got %v, want %v", got, want)
	}
	if resp.Results[1].Score != 0 {
		t.Fatalf("unranked chunk must contribute nothing: %v", resp.Results[1].Score)
	}
}

func TestGradeBuckets(t *testing.T) {
	cases := []struct {
		score float64
		want  string
	}{
		{0.95, models.GradeHigh},
		{0.7, models.GradeHigh},
		{0.69, models.GradeMedium},
		{0.4, models.GradeMedium},
		{0.39, models.GradeLow},
		{0, models.GradeLow},
	}
	for _, tc := range cases {
		if got := gradeFor(tc.score); got != tc.want {
			t.Fatalf("gradeFor(%v): got %q, want %q", tc.score, got, tc.want)
		}
	}
}

func TestSearchRerank(t *testing.T) {
	ctx := context.Background()

	newFixture := func(t *testing.T, rr providers.Reranker) (*RetrievalEngine, []models.Chunk, *models.AuthContext) {
		t.Helper()
		stores := memory.NewStores()
		containerID := primitive.NewObjectID()
		rows := seedSearchDoc(t, stores, containerID, "test-model",
			searchChunk{text: "rocket engine assembly", quality: 0.5, vector: []float32{1, 0, 0}},
			searchChunk{text: "rocket fuel storage", quality: 0.5, vector: []float32{0.8, 0.6, 0}})
		emb := searchEmbedder(map[string][]float32{"rocket": {1, 0, 0}})
		return newTestRetrievalEngine(stores, emb, rr), rows, viewerAuth(containerID)
	}

	t.Run("reranker reorders the head", func(t *testing.T) {
		rr := &scriptedReranker{scores: []float64{0.1, 0.9}}
		eng, rows, auth := newFixture(t, rr)

		resp, err := eng.Search(ctx, models.SearchRequest{Query: "rocket", Mode: models.SearchModeVector, Rerank: true}, auth)
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if rr.calls != 1 {
			t.Fatalf("reranker calls: got %d, want 1", rr.calls)
		}
		if !hasMethod(resp.MethodsUsed, "rerank") {
			t.Fatalf("methods used: got %v, want rerank included", resp.MethodsUsed)
		}
		if resp.Results[0].ChunkID != rows[1].ID || resp.Results[1].ChunkID != rows[0].ID {
			t.Fatalf("rerank did not reorder: got %v", resultChunkIDs(resp))
		}
		if resp.Results[0].RerankScore != 0.9 {
			t.Fatalf("rerank score: got %v, want 0.9", resp.Results[0].RerankScore)
		}
		if !hasMethod(resp.Results[0].Methods, "rerank") {
			t.Fatalf("result methods: got %v", resp.Results[0].Methods)
		}
	})

	t.Run("reranker failure keeps fused order", func(t *testing.T) {
		rr := &scriptedReranker{err: errors.New("model offline")}
		eng, rows, auth := newFixture(t, rr)

		resp, err := eng.Search(ctx, models.SearchRequest{Query: "rocket", Mode: models.SearchModeVector, Rerank: true}, auth)
		if err != nil {
			t.Fatalf("rerank failure must not fail the search: %v", err)
		}
		if rr.calls != 1 {
			t.Fatalf("reranker calls: got %d, want 1", rr.calls)
		}
		if hasMethod(resp.MethodsUsed, "rerank") {
			t.Fatalf("failed rerank must not be reported: %v", resp.MethodsUsed)
		}
		if resp.Results[0].ChunkID != rows[0].ID || resp.Results[1].ChunkID != rows[1].ID {
			t.Fatalf("fused order changed after rerank failure: %v", resultChunkIDs(resp))
		}
	})

	t.Run("score count mismatch keeps fused order", func(t *testing.T) {
		rr := &scriptedReranker{scores: []float64{0.9}}
		eng, rows, auth := newFixture(t, rr)

		resp, err := eng.Search(ctx, models.SearchRequest{Query: "rocket", Mode: models.SearchModeVector, Rerank: true}, auth)
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if hasMethod(resp.MethodsUsed, "rerank") {
			t.Fatalf("partial rerank must not be reported: %v", resp.MethodsUsed)
		}
		if resp.Results[0].ChunkID != rows[0].ID {
			t.Fatalf("fused order changed: %v", resultChunkIDs(resp))
		}
	})
}

func TestSearchStoredSettingsOverridePolicy(t *testing.T) {
	ctx := context.Background()
	stores := memory.NewStores()
	containerID := primitive.NewObjectID()
	seedSearchDoc(t, stores, containerID, "test-model",
		searchChunk{text: "exact match", quality: 0.5, vector: []float32{1, 0, 0}},
		searchChunk{text: "close match", quality: 0.5, vector: []float32{0.8, 0.6, 0}})

	emb := searchEmbedder(map[string][]float32{"probe": {1, 0, 0}})
	eng := newTestRetrievalEngine(stores, emb, nil)
	auth := viewerAuth(containerID)
	req := models.SearchRequest{Query: "probe", Mode: models.SearchModeVector}

	t.Run("seed policy keeps weak matches", func(t *testing.T) {
		resp, err := eng.Search(ctx, req, auth)
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if len(resp.Results) != 2 {
			t.Fatalf("expected 2 results under seed policy, got %d", len(resp.Results))
		}
	})

	t.Run("stored threshold filters", func(t *testing.T) {
		err := stores.Settings.PutRetrieval(ctx, &models.RetrievalSettings{
			FusionWeights:  map[string]float64{models.SearchModeVector: 1},
			Fusion:         models.FusionWeighted,
			Threshold:      0.9,
			EmbeddingModel: "test-model",
		})
		if err != nil {
			t.Fatalf("put settings: %v", err)
		}

		resp, err := eng.Search(ctx, req, auth)
		if err != nil {
			t.Fatalf("search: %v", err)
		}
		if len(resp.Results) != 1 {
			t.Fatalf("stored threshold should keep 1 of 2, got %d", len(resp.Results))
		}
		if resp.TotalCandidates != 2 {
			t.Fatalf("total candidates: got %d, want 2", resp.TotalCandidates)
		}
	})
}

func TestSearchDocumentFilter(t *testing.T) {
	ctx := context.Background()
	stores := memory.NewStores()
	containerID := primitive.NewObjectID()
	wanted := seedSearchDoc(t, stores, containerID, "test-model",
		searchChunk{text: "rocket alpha", quality: 0.5})
	seedSearchDoc(t, stores, containerID, "test-model",
		searchChunk{text: "rocket beta", quality: 0.5})

	eng := newTestRetrievalEngine(stores, searchEmbedder(nil), nil)

	resp, err := eng.Search(ctx, models.SearchRequest{
		Query:       "rocket",
		Mode:        models.SearchModeKeyword,
		DocumentIDs: []string{wanted[0].DocumentID.Hex()},
	}, viewerAuth(containerID))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.TotalCandidates != 1 {
		t.Fatalf("document filter ignored: total=%d", resp.TotalCandidates)
	}
	if len(resp.Results) != 1 || resp.Results[0].DocumentID != wanted[0].DocumentID {
		t.Fatalf("expected only the filtered document, got %+v", resp.Results)
	}
}

func TestSearchUsesLatestSuccessfulSession(t *testing.T) {
	ctx := context.Background()
	stores := memory.NewStores()
	containerID := primitive.NewObjectID()
	old := seedSearchDoc(t, stores, containerID, "test-model",
		searchChunk{text: "old rocket dossier", quality: 0.5})
	docID := old[0].DocumentID

	sessionID, err := stores.Chunks.CreateSession(ctx, &models.ChunkSession{
		DocumentID:   docID,
		ExtractionID: primitive.NewObjectID(),
		Strategy:     models.StrategyTokenWindow,
		Status:       models.ChunkStatusRunning,
	})
	if err != nil {
		t.Fatalf("create second session: %v", err)
	}
	fresh := []models.Chunk{{
		SessionID:    sessionID,
		DocumentID:   docID,
		Ordinal:      0,
		Text:         "new rocket dossier",
		TokenCount:   3,
		Modality:     models.ModalityText,
		PageStart:    1,
		PageEnd:      1,
		QualityScore: 0.5,
	}}
	if err := stores.Chunks.InsertChunks(ctx, fresh); err != nil {
		t.Fatalf("insert chunks: %v", err)
	}
	if err := stores.Chunks.CompleteSession(ctx, sessionID, models.ChunkStatusSuccess, 1, ""); err != nil {
		t.Fatalf("complete session: %v", err)
	}

	eng := newTestRetrievalEngine(stores, searchEmbedder(nil), nil)
	resp, err := eng.Search(ctx, models.SearchRequest{Query: "rocket", Mode: models.SearchModeKeyword}, viewerAuth(containerID))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.TotalCandidates != 1 {
		t.Fatalf("superseded chunks still listed: total=%d", resp.TotalCandidates)
	}
	if resp.Results[0].Text != "new rocket dossier" {
		t.Fatalf("expected the latest session's chunk, got %q", resp.Results[0].Text)
	}
}

func TestSearchImageMode(t *testing.T) {
	ctx := context.Background()
	stores := memory.NewStores()
	containerID := primitive.NewObjectID()
	rows := seedSearchDoc(t, stores, containerID, "test-model",
		searchChunk{text: "diagram of a rocket", quality: 0.5, vector: []float32{1, 0, 0}},
		searchChunk{text: "spreadsheet of budgets", quality: 0.5, vector: []float32{0, 1, 0}})

	emb := searchEmbedder(map[string][]float32{"image": {1, 0, 0}})
	rr := &scriptedReranker{scores: []float64{0.9, 0.1}}
	eng := newTestRetrievalEngine(stores, emb, rr)

	img := base64.StdEncoding.EncodeToString(gradientPNG(t))
	resp, err := eng.Search(ctx, models.SearchRequest{ImageBase64: img, Rerank: true}, viewerAuth(containerID))
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(resp.MethodsUsed) != 1 || resp.MethodsUsed[0] != models.SearchModeImage {
		t.Fatalf("methods used: got %v, want image", resp.MethodsUsed)
	}
	if resp.Results[0].ChunkID != rows[0].ID {
		t.Fatalf("best match: got %s, want %s", resp.Results[0].ChunkID.Hex(), rows[0].ID.Hex())
	}
	if resp.Results[0].ImageScore != 1.0 {
		t.Fatalf("image score: got %v, want 1.0", resp.Results[0].ImageScore)
	}
	if resp.Results[0].Grade != models.GradeHigh {
		t.Fatalf("grade: got %q", resp.Results[0].Grade)
	}
	if rr.calls != 0 {
		t.Fatalf("rerank requires query text, reranker was called %d times", rr.calls)
	}
}
