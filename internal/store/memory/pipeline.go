package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"saas-knowledge-platform/internal/store"
	"saas-knowledge-platform/models"
)

// ExtractionStore keeps sessions and objects; session order follows creation
// so "latest" resolves deterministically even under equal timestamps.
type ExtractionStore struct {
	mu           sync.RWMutex
	sessions     map[primitive.ObjectID]*models.ExtractionSession
	sessionOrder []primitive.ObjectID
	objects      map[primitive.ObjectID]*models.ExtractedObject
	objectOrder  []primitive.ObjectID
}

var _ store.ExtractionStore = (*ExtractionStore)(nil)

func NewExtractionStore() *ExtractionStore {
	return &ExtractionStore{
		sessions: make(map[primitive.ObjectID]*models.ExtractionSession),
		objects:  make(map[primitive.ObjectID]*models.ExtractedObject),
	}
}

func (s *ExtractionStore) CreateSession(ctx context.Context, session *models.ExtractionSession) (primitive.ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *session
	if cp.ID.IsZero() {
		cp.ID = primitive.NewObjectID()
	}
	if cp.StartedAt.IsZero() {
		cp.StartedAt = time.Now()
	}
	if cp.Status == "" {
		cp.Status = models.ExtractionStatusRunning
	}
	s.sessions[cp.ID] = &cp
	s.sessionOrder = append(s.sessionOrder, cp.ID)
	session.ID = cp.ID
	return cp.ID, nil
}

func (s *ExtractionStore) GetSession(ctx context.Context, id primitive.ObjectID) (*models.ExtractionSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *ExtractionStore) FindActiveSession(ctx context.Context, documentID primitive.ObjectID) (*models.ExtractionSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.sessionOrder) - 1; i >= 0; i-- {
		sess := s.sessions[s.sessionOrder[i]]
		if sess != nil && sess.DocumentID == documentID && !sess.Terminal() {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *ExtractionStore) LatestSession(ctx context.Context, documentID primitive.ObjectID) (*models.ExtractionSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.sessionOrder) - 1; i >= 0; i-- {
		sess := s.sessions[s.sessionOrder[i]]
		if sess != nil && sess.DocumentID == documentID {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *ExtractionStore) ListSessions(ctx context.Context, documentID primitive.ObjectID) ([]models.ExtractionSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ExtractionSession
	for i := len(s.sessionOrder) - 1; i >= 0; i-- {
		sess := s.sessions[s.sessionOrder[i]]
		if sess != nil && sess.DocumentID == documentID {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (s *ExtractionStore) CompleteSession(ctx context.Context, id primitive.ObjectID, status string, pageCount, objectCount int, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	if sess.Terminal() {
		return store.ErrStaleUpdate
	}
	now := time.Now()
	sess.Status = status
	sess.PageCount = pageCount
	sess.ObjectCount = objectCount
	sess.ErrorMessage = errorMessage
	sess.CompletedAt = &now
	return nil
}

func (s *ExtractionStore) InsertObjects(ctx context.Context, objects []models.ExtractedObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range objects {
		cp := objects[i]
		if cp.ID.IsZero() {
			cp.ID = primitive.NewObjectID()
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now()
		}
		s.objects[cp.ID] = &cp
		s.objectOrder = append(s.objectOrder, cp.ID)
		objects[i].ID = cp.ID
	}
	return nil
}

func (s *ExtractionStore) FindObjectByHash(ctx context.Context, documentID primitive.ObjectID, hash string) (*models.ExtractedObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.objectOrder {
		obj := s.objects[id]
		if obj != nil && obj.DocumentID == documentID && obj.ContentHash == hash {
			cp := *obj
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *ExtractionStore) ListObjects(ctx context.Context, sessionID primitive.ObjectID) ([]models.ExtractedObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ExtractedObject
	for _, id := range s.objectOrder {
		obj := s.objects[id]
		if obj != nil && obj.SessionID == sessionID {
			out = append(out, *obj)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Page != out[j].Page {
			return out[i].Page < out[j].Page
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

func (s *ExtractionStore) GetObjects(ctx context.Context, ids []primitive.ObjectID) ([]models.ExtractedObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ExtractedObject, 0, len(ids))
	for _, id := range ids {
		if obj, ok := s.objects[id]; ok {
			out = append(out, *obj)
		}
	}
	return out, nil
}

func (s *ExtractionStore) DeleteByDocument(ctx context.Context, documentID primitive.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keepSessions := s.sessionOrder[:0]
	for _, id := range s.sessionOrder {
		if sess := s.sessions[id]; sess != nil && sess.DocumentID == documentID {
			delete(s.sessions, id)
			continue
		}
		keepSessions = append(keepSessions, id)
	}
	s.sessionOrder = keepSessions

	keepObjects := s.objectOrder[:0]
	for _, id := range s.objectOrder {
		if obj := s.objects[id]; obj != nil && obj.DocumentID == documentID {
			delete(s.objects, id)
			continue
		}
		keepObjects = append(keepObjects, id)
	}
	s.objectOrder = keepObjects
	return nil
}

// ChunkStore keeps chunk sessions and their chunks.
type ChunkStore struct {
	mu           sync.RWMutex
	sessions     map[primitive.ObjectID]*models.ChunkSession
	sessionOrder []primitive.ObjectID
	chunks       map[primitive.ObjectID]*models.Chunk
	chunkOrder   []primitive.ObjectID
}

var _ store.ChunkStore = (*ChunkStore)(nil)

func NewChunkStore() *ChunkStore {
	return &ChunkStore{
		sessions: make(map[primitive.ObjectID]*models.ChunkSession),
		chunks:   make(map[primitive.ObjectID]*models.Chunk),
	}
}

func (s *ChunkStore) CreateSession(ctx context.Context, session *models.ChunkSession) (primitive.ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *session
	if cp.ID.IsZero() {
		cp.ID = primitive.NewObjectID()
	}
	if cp.StartedAt.IsZero() {
		cp.StartedAt = time.Now()
	}
	if cp.Status == "" {
		cp.Status = models.ChunkStatusRunning
	}
	s.sessions[cp.ID] = &cp
	s.sessionOrder = append(s.sessionOrder, cp.ID)
	session.ID = cp.ID
	return cp.ID, nil
}

func (s *ChunkStore) GetSession(ctx context.Context, id primitive.ObjectID) (*models.ChunkSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *ChunkStore) LatestSuccessfulSession(ctx context.Context, documentID primitive.ObjectID) (*models.ChunkSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.sessionOrder) - 1; i >= 0; i-- {
		sess := s.sessions[s.sessionOrder[i]]
		if sess != nil && sess.DocumentID == documentID && sess.Status == models.ChunkStatusSuccess {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *ChunkStore) ListSessions(ctx context.Context, documentID primitive.ObjectID) ([]models.ChunkSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ChunkSession
	for i := len(s.sessionOrder) - 1; i >= 0; i-- {
		sess := s.sessions[s.sessionOrder[i]]
		if sess != nil && sess.DocumentID == documentID {
			out = append(out, *sess)
		}
	}
	return out, nil
}

func (s *ChunkStore) CompleteSession(ctx context.Context, id primitive.ObjectID, status string, chunkCount int, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	if sess.Status != models.ChunkStatusRunning {
		return store.ErrStaleUpdate
	}
	now := time.Now()
	sess.Status = status
	sess.ChunkCount = chunkCount
	sess.ErrorMessage = errorMessage
	sess.CompletedAt = &now
	return nil
}

func (s *ChunkStore) InsertChunks(ctx context.Context, chunks []models.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range chunks {
		cp := chunks[i]
		if cp.ID.IsZero() {
			cp.ID = primitive.NewObjectID()
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now()
		}
		cp.SourceObjectIDs = append([]primitive.ObjectID(nil), chunks[i].SourceObjectIDs...)
		s.chunks[cp.ID] = &cp
		s.chunkOrder = append(s.chunkOrder, cp.ID)
		chunks[i].ID = cp.ID
	}
	return nil
}

func (s *ChunkStore) ListChunks(ctx context.Context, sessionID primitive.ObjectID) ([]models.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Chunk
	for _, id := range s.chunkOrder {
		ch := s.chunks[id]
		if ch != nil && ch.SessionID == sessionID {
			out = append(out, cloneChunk(ch))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func (s *ChunkStore) GetChunks(ctx context.Context, ids []primitive.ObjectID) ([]models.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Chunk, 0, len(ids))
	for _, id := range ids {
		if ch, ok := s.chunks[id]; ok {
			out = append(out, cloneChunk(ch))
		}
	}
	return out, nil
}

func (s *ChunkStore) DeleteSession(ctx context.Context, id primitive.ObjectID) ([]primitive.ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return nil, store.ErrNotFound
	}
	delete(s.sessions, id)
	for i, sid := range s.sessionOrder {
		if sid == id {
			s.sessionOrder = append(s.sessionOrder[:i], s.sessionOrder[i+1:]...)
			break
		}
	}
	return s.removeChunks(func(ch *models.Chunk) bool { return ch.SessionID == id }), nil
}

func (s *ChunkStore) DeleteByDocument(ctx context.Context, documentID primitive.ObjectID) ([]primitive.ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keep := s.sessionOrder[:0]
	for _, id := range s.sessionOrder {
		if sess := s.sessions[id]; sess != nil && sess.DocumentID == documentID {
			delete(s.sessions, id)
			continue
		}
		keep = append(keep, id)
	}
	s.sessionOrder = keep
	return s.removeChunks(func(ch *models.Chunk) bool { return ch.DocumentID == documentID }), nil
}

// removeChunks deletes matching chunks and returns their ids. Caller holds
// the write lock.
func (s *ChunkStore) removeChunks(match func(*models.Chunk) bool) []primitive.ObjectID {
	var removed []primitive.ObjectID
	keep := s.chunkOrder[:0]
	for _, id := range s.chunkOrder {
		if ch := s.chunks[id]; ch != nil && match(ch) {
			removed = append(removed, id)
			delete(s.chunks, id)
			continue
		}
		keep = append(keep, id)
	}
	s.chunkOrder = keep
	return removed
}

func cloneChunk(ch *models.Chunk) models.Chunk {
	cp := *ch
	cp.SourceObjectIDs = append([]primitive.ObjectID(nil), ch.SourceObjectIDs...)
	return cp
}

// EmbeddingStore keys vectors by (chunk, model) so Upsert is a replace.
type EmbeddingStore struct {
	mu    sync.RWMutex
	byKey map[string]*models.Embedding // chunk|model
}

var _ store.EmbeddingStore = (*EmbeddingStore)(nil)

func NewEmbeddingStore() *EmbeddingStore {
	return &EmbeddingStore{byKey: make(map[string]*models.Embedding)}
}

func embKey(chunkID primitive.ObjectID, model string) string {
	return chunkID.Hex() + "|" + model
}

func (s *EmbeddingStore) Upsert(ctx context.Context, embedding *models.Embedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *embedding
	cp.Vector = append([]float32(nil), embedding.Vector...)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	key := embKey(cp.ChunkID, cp.Model)
	if existing, ok := s.byKey[key]; ok {
		cp.ID = existing.ID
	} else if cp.ID.IsZero() {
		cp.ID = primitive.NewObjectID()
	}
	s.byKey[key] = &cp
	embedding.ID = cp.ID
	return nil
}

func (s *EmbeddingStore) GetByChunks(ctx context.Context, chunkIDs []primitive.ObjectID, model string) ([]models.Embedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Embedding, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		if e, ok := s.byKey[embKey(id, model)]; ok {
			out = append(out, cloneEmbedding(e))
		}
	}
	return out, nil
}

func (s *EmbeddingStore) ListByDocument(ctx context.Context, documentID primitive.ObjectID, model string) ([]models.Embedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Embedding
	for _, e := range s.byKey {
		if e.DocumentID != documentID {
			continue
		}
		if model != "" && e.Model != model {
			continue
		}
		out = append(out, cloneEmbedding(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChunkID != out[j].ChunkID {
			return out[i].ChunkID.Hex() < out[j].ChunkID.Hex()
		}
		return out[i].Model < out[j].Model
	})
	return out, nil
}

func (s *EmbeddingStore) DeleteByChunks(ctx context.Context, chunkIDs []primitive.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[primitive.ObjectID]struct{}, len(chunkIDs))
	for _, id := range chunkIDs {
		want[id] = struct{}{}
	}
	for key, e := range s.byKey {
		if _, ok := want[e.ChunkID]; ok {
			delete(s.byKey, key)
		}
	}
	return nil
}

func (s *EmbeddingStore) DeleteByDocument(ctx context.Context, documentID primitive.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.byKey {
		if e.DocumentID == documentID {
			delete(s.byKey, key)
		}
	}
	return nil
}

func cloneEmbedding(e *models.Embedding) models.Embedding {
	cp := *e
	cp.Vector = append([]float32(nil), e.Vector...)
	return cp
}
