package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"saas-knowledge-platform/internal/store"
	"saas-knowledge-platform/models"
)

// TaskStore keeps background task records with guarded status transitions.
type TaskStore struct {
	mu    sync.RWMutex
	byID  map[primitive.ObjectID]*models.BackgroundTask
	order []primitive.ObjectID
}

var _ store.TaskStore = (*TaskStore)(nil)

func NewTaskStore() *TaskStore {
	return &TaskStore{byID: make(map[primitive.ObjectID]*models.BackgroundTask)}
}

func (s *TaskStore) Create(ctx context.Context, task *models.BackgroundTask) (primitive.ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *task
	if cp.ID.IsZero() {
		cp.ID = primitive.NewObjectID()
	}
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	if cp.Status == "" {
		cp.Status = models.TaskStatusPending
	}
	s.byID[cp.ID] = &cp
	s.order = append(s.order, cp.ID)
	task.ID = cp.ID
	return cp.ID, nil
}

func (s *TaskStore) Get(ctx context.Context, id primitive.ObjectID) (*models.BackgroundTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *TaskStore) MarkRunning(ctx context.Context, id primitive.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	if t.Status != models.TaskStatusPending {
		return store.ErrStaleUpdate
	}
	t.Status = models.TaskStatusRunning
	t.UpdatedAt = time.Now()
	return nil
}

func (s *TaskStore) UpdateProgress(ctx context.Context, id primitive.ObjectID, update models.ProgressUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	if t.Status != models.TaskStatusRunning {
		return store.ErrStaleUpdate
	}
	t.ProgressCurrent = update.Current
	t.ProgressTotal = update.Total
	t.Collected = update.Collected
	t.Errors = update.Errors
	if update.Message != "" {
		t.Message = update.Message
	}
	t.UpdatedAt = time.Now()
	return nil
}

func (s *TaskStore) Complete(ctx context.Context, id primitive.ObjectID, status string, update models.ProgressUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	if t.Terminal() {
		return store.ErrStaleUpdate
	}
	now := time.Now()
	t.Status = status
	t.ProgressCurrent = update.Current
	t.ProgressTotal = update.Total
	t.Collected = update.Collected
	t.Errors = update.Errors
	if update.Message != "" {
		t.Message = update.Message
	}
	t.UpdatedAt = now
	t.CompletedAt = &now
	return nil
}

func (s *TaskStore) RequestCancel(ctx context.Context, id primitive.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	if t.Terminal() {
		return store.ErrStaleUpdate
	}
	t.CancelRequested = true
	t.UpdatedAt = time.Now()
	return nil
}

func (s *TaskStore) IsCancelRequested(ctx context.Context, id primitive.ObjectID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.byID[id]
	if !ok {
		return false, store.ErrNotFound
	}
	return t.CancelRequested, nil
}

func (s *TaskStore) List(ctx context.Context, status string, limit int64) ([]models.BackgroundTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.BackgroundTask
	for i := len(s.order) - 1; i >= 0; i-- {
		t := s.byID[s.order[i]]
		if t == nil {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, *t)
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func (s *TaskStore) PurgeTerminatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	keep := s.order[:0]
	for _, id := range s.order {
		t := s.byID[id]
		if t != nil && t.Terminal() && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(s.byID, id)
			purged++
			continue
		}
		keep = append(keep, id)
	}
	s.order = keep
	return purged, nil
}

func (s *TaskStore) FailStaleRunning(ctx context.Context, cutoff time.Time, message string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var swept int64
	now := time.Now()
	for _, t := range s.byID {
		if t.Status == models.TaskStatusRunning && t.UpdatedAt.Before(cutoff) {
			t.Status = models.TaskStatusFailed
			t.Message = message
			t.UpdatedAt = now
			completed := now
			t.CompletedAt = &completed
			swept++
		}
	}
	return swept, nil
}

// SourceStore keeps external collection source definitions.
type SourceStore struct {
	mu    sync.RWMutex
	byID  map[primitive.ObjectID]*models.CollectionSource
	order []primitive.ObjectID
}

var _ store.SourceStore = (*SourceStore)(nil)

func NewSourceStore() *SourceStore {
	return &SourceStore{byID: make(map[primitive.ObjectID]*models.CollectionSource)}
}

func (s *SourceStore) Create(ctx context.Context, source *models.CollectionSource) (primitive.ObjectID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *source
	if cp.ID.IsZero() {
		cp.ID = primitive.NewObjectID()
	}
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.byID[cp.ID] = &cp
	s.order = append(s.order, cp.ID)
	source.ID = cp.ID
	return cp.ID, nil
}

func (s *SourceStore) Get(ctx context.Context, id primitive.ObjectID) (*models.CollectionSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src, ok := s.byID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *src
	return &cp, nil
}

func (s *SourceStore) List(ctx context.Context, containerID primitive.ObjectID) ([]models.CollectionSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.CollectionSource
	for _, id := range s.order {
		src := s.byID[id]
		if src == nil {
			continue
		}
		if !containerID.IsZero() && src.ContainerID != containerID {
			continue
		}
		out = append(out, *src)
	}
	return out, nil
}

func (s *SourceStore) ListScheduled(ctx context.Context) ([]models.CollectionSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.CollectionSource
	for _, id := range s.order {
		src := s.byID[id]
		if src != nil && src.Enabled && strings.TrimSpace(src.Schedule) != "" {
			out = append(out, *src)
		}
	}
	return out, nil
}

func (s *SourceStore) Update(ctx context.Context, source *models.CollectionSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byID[source.ID]
	if !ok {
		return store.ErrNotFound
	}
	cp := *source
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now()
	s.byID[source.ID] = &cp
	return nil
}

func (s *SourceStore) RecordRun(ctx context.Context, id, taskID primitive.ObjectID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	src.LastRunAt = &at
	src.LastRunTaskID = taskID.Hex()
	src.UpdatedAt = time.Now()
	return nil
}

func (s *SourceStore) Delete(ctx context.Context, id primitive.ObjectID) error {
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

// AuditStore keeps the hash chain in memory. Append links each event to the
// previous one; VerifyChain recomputes the whole sequence.
type AuditStore struct {
	mu       sync.RWMutex
	events   []models.AuditEvent
	lastHash string
}

var _ store.AuditStore = (*AuditStore)(nil)

func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Append(ctx context.Context, event *models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *event
	if cp.ID == "" {
		cp.ID = primitive.NewObjectID().Hex()
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	cp.PreviousHash = s.lastHash
	cp.CurrentHash = cp.ComputeHash()
	s.events = append(s.events, cp)
	s.lastHash = cp.CurrentHash
	*event = cp
	return nil
}

func (s *AuditStore) Query(ctx context.Context, filter store.AuditFilter) ([]models.AuditEvent, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []models.AuditEvent
	for _, e := range s.events {
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.Resource != "" && e.Resource != filter.Resource {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && e.Timestamp.After(filter.Until) {
			continue
		}
		matched = append(matched, e)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	total := int64(len(matched))
	if filter.Offset >= total {
		return nil, total, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && int64(len(matched)) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (s *AuditStore) VerifyChain(ctx context.Context) (int64, *models.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prev := ""
	for i := range s.events {
		e := s.events[i]
		if e.PreviousHash != prev || e.ComputeHash() != e.CurrentHash {
			broken := e
			return int64(i), &broken, nil
		}
		prev = e.CurrentHash
	}
	return int64(len(s.events)), nil, nil
}
