// Package memory implements the store interfaces with mutex-guarded maps.
// It backs the engine tests and local single-process mode; the mongodb
// package is the production counterpart.
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

// NewStores builds a complete in-memory store bundle.
func NewStores() store.Stores {
	return store.Stores{
		Documents:   NewDocumentStore(),
		Extractions: NewExtractionStore(),
		Chunks:      NewChunkStore(),
		Embeddings:  NewEmbeddingStore(),
		Tasks:       NewTaskStore(),
		Containers:  NewContainerStore(),
		Sources:     NewSourceStore(),
		Users:       NewUserStore(),
		Settings:    NewSettingsStore(),
		Audit:       NewAuditStore(),
	}
}

// DocumentStore keeps documents in insertion order for deterministic scans.
type DocumentStore struct {
	mu    sync.RWMutex
	byID  map[primitive.ObjectID]*models.Document
	order []primitive.ObjectID
}

var _ store.DocumentStore = (*DocumentStore)(nil)

func NewDocumentStore() *DocumentStore {
	return &DocumentStore{byID: make(map[primitive.ObjectID]*models.Document)}
}

func (s *DocumentStore) Create(ctx context.Context, doc *models.Document) (primitive.ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *doc
	if cp.ID.IsZero() {
		cp.ID = primitive.NewObjectID()
	}
	if cp.UploadedAt.IsZero() {
		cp.UploadedAt = time.Now()
	}
	s.byID[cp.ID] = &cp
	s.order = append(s.order, cp.ID)
	doc.ID = cp.ID
	return cp.ID, nil
}

func (s *DocumentStore) Get(ctx context.Context, id primitive.ObjectID) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *doc
	return &cp, nil
}

func (s *DocumentStore) FindByContentHash(ctx context.Context, containerID primitive.ObjectID, hash string) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.order {
		doc := s.byID[id]
		if doc != nil && doc.ContainerID == containerID && doc.ContentHash == hash {
			cp := *doc
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *DocumentStore) FindBySourceURL(ctx context.Context, containerID primitive.ObjectID, sourceURL string) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.order {
		doc := s.byID[id]
		if doc != nil && doc.ContainerID == containerID && doc.SourceURL == sourceURL && doc.SourceURL != "" {
			cp := *doc
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *DocumentStore) UpdateStatus(ctx context.Context, id primitive.ObjectID, status, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	doc.Status = status
	doc.ErrorMessage = errorMessage
	return nil
}

func (s *DocumentStore) MarkProcessed(ctx context.Context, id primitive.ObjectID, pageCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now()
	doc.Status = models.StatusCompleted
	doc.ErrorMessage = ""
	doc.PageCount = pageCount
	doc.ProcessedAt = &now
	return nil
}

func (s *DocumentStore) ListByContainer(ctx context.Context, containerID primitive.ObjectID, limit, offset int64) ([]models.Document, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []models.Document
	for _, id := range s.order {
		doc := s.byID[id]
		if doc != nil && doc.ContainerID == containerID {
			matched = append(matched, *doc)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].UploadedAt.After(matched[j].UploadedAt)
	})

	total := int64(len(matched))
	if offset >= total {
		return nil, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && int64(len(matched)) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func (s *DocumentStore) Delete(ctx context.Context, id primitive.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.byID, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// ContainerStore keeps containers and their permission grants.
type ContainerStore struct {
	mu         sync.RWMutex
	containers map[primitive.ObjectID]*models.Container
	order      []primitive.ObjectID
	perms      map[string]*models.ContainerPermission // container|user
}

var _ store.ContainerStore = (*ContainerStore)(nil)

func NewContainerStore() *ContainerStore {
	return &ContainerStore{
		containers: make(map[primitive.ObjectID]*models.Container),
		perms:      make(map[string]*models.ContainerPermission),
	}
}

func permKey(containerID, userID primitive.ObjectID) string {
	return containerID.Hex() + "|" + userID.Hex()
}

func (s *ContainerStore) Create(ctx context.Context, container *models.Container) (primitive.ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *container
	if cp.ID.IsZero() {
		cp.ID = primitive.NewObjectID()
	}
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.containers[cp.ID] = &cp
	s.order = append(s.order, cp.ID)
	container.ID = cp.ID
	return cp.ID, nil
}

func (s *ContainerStore) Get(ctx context.Context, id primitive.ObjectID) (*models.Container, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.containers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *ContainerStore) List(ctx context.Context) ([]models.Container, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Container, 0, len(s.order))
	for _, id := range s.order {
		if c := s.containers[id]; c != nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *ContainerStore) Delete(ctx context.Context, id primitive.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.containers[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.containers, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	for key, p := range s.perms {
		if p.ContainerID == id {
			delete(s.perms, key)
		}
	}
	return nil
}

func (s *ContainerStore) GrantPermission(ctx context.Context, perm *models.ContainerPermission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *perm
	if cp.ID.IsZero() {
		cp.ID = primitive.NewObjectID()
	}
	if cp.GrantedAt.IsZero() {
		cp.GrantedAt = time.Now()
	}
	key := permKey(cp.ContainerID, cp.UserID)
	if existing, ok := s.perms[key]; ok {
		cp.ID = existing.ID
	}
	s.perms[key] = &cp
	return nil
}

func (s *ContainerStore) RevokePermission(ctx context.Context, containerID, userID primitive.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := permKey(containerID, userID)
	if _, ok := s.perms[key]; !ok {
		return store.ErrNotFound
	}
	delete(s.perms, key)
	return nil
}

func (s *ContainerStore) PermissionsForUser(ctx context.Context, userID primitive.ObjectID) ([]models.ContainerPermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ContainerPermission
	for _, p := range s.perms {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ContainerID.Hex() < out[j].ContainerID.Hex()
	})
	return out, nil
}

func (s *ContainerStore) PermissionsForContainer(ctx context.Context, containerID primitive.ObjectID) ([]models.ContainerPermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.ContainerPermission
	for _, p := range s.perms {
		if p.ContainerID == containerID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UserID.Hex() < out[j].UserID.Hex()
	})
	return out, nil
}

// UserStore keeps users with a username uniqueness check.
type UserStore struct {
	mu         sync.RWMutex
	byID       map[primitive.ObjectID]*models.User
	byUsername map[string]primitive.ObjectID
	order      []primitive.ObjectID
}

var _ store.UserStore = (*UserStore)(nil)

func NewUserStore() *UserStore {
	return &UserStore{
		byID:       make(map[primitive.ObjectID]*models.User),
		byUsername: make(map[string]primitive.ObjectID),
	}
}

func (s *UserStore) Create(ctx context.Context, user *models.User) (primitive.ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byUsername[user.Username]; ok {
		return primitive.NilObjectID, store.ErrDuplicate
	}
	cp := *user
	if cp.ID.IsZero() {
		cp.ID = primitive.NewObjectID()
	}
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.byID[cp.ID] = &cp
	s.byUsername[cp.Username] = cp.ID
	s.order = append(s.order, cp.ID)
	user.ID = cp.ID
	return cp.ID, nil
}

func (s *UserStore) Get(ctx context.Context, id primitive.ObjectID) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *UserStore) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUsername[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *UserStore) List(ctx context.Context) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.User, 0, len(s.order))
	for _, id := range s.order {
		if u := s.byID[id]; u != nil {
			out = append(out, *u)
		}
	}
	return out, nil
}

// SettingsStore holds the singleton retrieval settings document.
type SettingsStore struct {
	mu       sync.RWMutex
	settings *models.RetrievalSettings
}

var _ store.SettingsStore = (*SettingsStore)(nil)

func NewSettingsStore() *SettingsStore {
	return &SettingsStore{}
}

func (s *SettingsStore) GetRetrieval(ctx context.Context) (*models.RetrievalSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.settings == nil {
		return nil, store.ErrNotFound
	}
	cp := *s.settings
	cp.FusionWeights = make(map[string]float64, len(s.settings.FusionWeights))
	for k, v := range s.settings.FusionWeights {
		cp.FusionWeights[k] = v
	}
	return &cp, nil
}

func (s *SettingsStore) PutRetrieval(ctx context.Context, settings *models.RetrievalSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *settings
	cp.ID = models.SettingsID
	cp.UpdatedAt = time.Now()
	cp.FusionWeights = make(map[string]float64, len(settings.FusionWeights))
	for k, v := range settings.FusionWeights {
		cp.FusionWeights[k] = v
	}
	s.settings = &cp
	return nil
}
