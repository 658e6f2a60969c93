// Package store defines the persistence interfaces for the platform.
// Engines depend on these interfaces only; the mongodb sub-package backs
// them in production and the memory sub-package backs them in tests and
// local mode.
package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"saas-knowledge-platform/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when an insert violates a uniqueness
	// constraint, such as username or (container, user) permission.
	ErrDuplicate = errors.New("duplicate record")

	// ErrStaleUpdate is returned when a guarded update matched no
	// document, e.g. writing progress to a task that already finished.
	ErrStaleUpdate = errors.New("stale update")
)

// DocumentStore persists uploaded and collected documents.
type DocumentStore interface {
	Create(ctx context.Context, doc *models.Document) (primitive.ObjectID, error)
	Get(ctx context.Context, id primitive.ObjectID) (*models.Document, error)
	// FindByContentHash locates an existing document in the container with
	// the same raw content hash. Used for upload-time dedup linking.
	FindByContentHash(ctx context.Context, containerID primitive.ObjectID, hash string) (*models.Document, error)
	// FindBySourceURL locates the document previously collected from the
	// given normalized URL, if any. Used for collection-run dedup.
	FindBySourceURL(ctx context.Context, containerID primitive.ObjectID, sourceURL string) (*models.Document, error)
	UpdateStatus(ctx context.Context, id primitive.ObjectID, status, errorMessage string) error
	// MarkProcessed sets the terminal completed status together with the
	// final page count and processed timestamp.
	MarkProcessed(ctx context.Context, id primitive.ObjectID, pageCount int) error
	ListByContainer(ctx context.Context, containerID primitive.ObjectID, limit, offset int64) ([]models.Document, int64, error)
	Delete(ctx context.Context, id primitive.ObjectID) error
}

// ExtractionStore persists extraction sessions and their extracted objects.
type ExtractionStore interface {
	CreateSession(ctx context.Context, session *models.ExtractionSession) (primitive.ObjectID, error)
	GetSession(ctx context.Context, id primitive.ObjectID) (*models.ExtractionSession, error)
	// FindActiveSession returns the non-terminal (running) session for the
	// document, or ErrNotFound when none is active.
	FindActiveSession(ctx context.Context, documentID primitive.ObjectID) (*models.ExtractionSession, error)
	// LatestSession returns the most recently started session for the
	// document regardless of status.
	LatestSession(ctx context.Context, documentID primitive.ObjectID) (*models.ExtractionSession, error)
	ListSessions(ctx context.Context, documentID primitive.ObjectID) ([]models.ExtractionSession, error)
	// CompleteSession moves a running session to a terminal status. It
	// returns ErrStaleUpdate when the session is already terminal.
	CompleteSession(ctx context.Context, id primitive.ObjectID, status string, pageCount, objectCount int, errorMessage string) error
	InsertObjects(ctx context.Context, objects []models.ExtractedObject) error
	// FindObjectByHash locates a previously extracted object with the same
	// content hash anywhere in the document's history, for dedup linking.
	FindObjectByHash(ctx context.Context, documentID primitive.ObjectID, hash string) (*models.ExtractedObject, error)
	// ListObjects returns the session's objects ordered by (page, sequence).
	ListObjects(ctx context.Context, sessionID primitive.ObjectID) ([]models.ExtractedObject, error)
	// GetObjects fetches objects by id, used to resolve linked_from
	// references back to their canonical content.
	GetObjects(ctx context.Context, ids []primitive.ObjectID) ([]models.ExtractedObject, error)
	DeleteByDocument(ctx context.Context, documentID primitive.ObjectID) error
}

// ChunkStore persists chunk sessions and chunks. Chunks from superseded
// sessions are kept until their session is deleted; readers resolve the
// current session first.
type ChunkStore interface {
	CreateSession(ctx context.Context, session *models.ChunkSession) (primitive.ObjectID, error)
	GetSession(ctx context.Context, id primitive.ObjectID) (*models.ChunkSession, error)
	// LatestSuccessfulSession returns the newest session with success
	// status for the document, or ErrNotFound.
	LatestSuccessfulSession(ctx context.Context, documentID primitive.ObjectID) (*models.ChunkSession, error)
	ListSessions(ctx context.Context, documentID primitive.ObjectID) ([]models.ChunkSession, error)
	CompleteSession(ctx context.Context, id primitive.ObjectID, status string, chunkCount int, errorMessage string) error
	InsertChunks(ctx context.Context, chunks []models.Chunk) error
	// ListChunks returns the session's chunks ordered by ordinal.
	ListChunks(ctx context.Context, sessionID primitive.ObjectID) ([]models.Chunk, error)
	GetChunks(ctx context.Context, ids []primitive.ObjectID) ([]models.Chunk, error)
	// DeleteSession removes a session and its chunks, returning the ids of
	// the deleted chunks so the caller can cascade embeddings.
	DeleteSession(ctx context.Context, id primitive.ObjectID) ([]primitive.ObjectID, error)
	DeleteByDocument(ctx context.Context, documentID primitive.ObjectID) ([]primitive.ObjectID, error)
}

// EmbeddingStore persists embedding vectors keyed by (chunk, model).
type EmbeddingStore interface {
	// Upsert atomically replaces any existing vector for the same
	// (chunk, model) pair, so re-embedding never duplicates rows.
	Upsert(ctx context.Context, embedding *models.Embedding) error
	GetByChunks(ctx context.Context, chunkIDs []primitive.ObjectID, model string) ([]models.Embedding, error)
	// ListByDocument returns the document's vectors for one model, or for
	// all models when model is empty.
	ListByDocument(ctx context.Context, documentID primitive.ObjectID, model string) ([]models.Embedding, error)
	DeleteByChunks(ctx context.Context, chunkIDs []primitive.ObjectID) error
	DeleteByDocument(ctx context.Context, documentID primitive.ObjectID) error
}

// TaskStore persists background task records for polling.
type TaskStore interface {
	Create(ctx context.Context, task *models.BackgroundTask) (primitive.ObjectID, error)
	Get(ctx context.Context, id primitive.ObjectID) (*models.BackgroundTask, error)
	// MarkRunning transitions pending to running; ErrStaleUpdate when the
	// task left the pending state already.
	MarkRunning(ctx context.Context, id primitive.ObjectID) error
	// UpdateProgress writes counters to a running task only; updates that
	// arrive after the task finished return ErrStaleUpdate.
	UpdateProgress(ctx context.Context, id primitive.ObjectID, update models.ProgressUpdate) error
	// Complete moves a running or pending task to a terminal status with
	// its final counters. Completing an already-terminal task returns
	// ErrStaleUpdate and changes nothing.
	Complete(ctx context.Context, id primitive.ObjectID, status string, update models.ProgressUpdate) error
	RequestCancel(ctx context.Context, id primitive.ObjectID) error
	IsCancelRequested(ctx context.Context, id primitive.ObjectID) (bool, error)
	List(ctx context.Context, status string, limit int64) ([]models.BackgroundTask, error)
	// PurgeTerminatedBefore removes terminal tasks whose completion time is
	// older than the cutoff and reports how many were removed.
	PurgeTerminatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// FailStaleRunning marks running tasks that have not heartbeat since
	// the cutoff as failed and reports how many were swept.
	FailStaleRunning(ctx context.Context, cutoff time.Time, message string) (int64, error)
}

// ContainerStore persists containers and their permission grants.
type ContainerStore interface {
	Create(ctx context.Context, container *models.Container) (primitive.ObjectID, error)
	Get(ctx context.Context, id primitive.ObjectID) (*models.Container, error)
	List(ctx context.Context) ([]models.Container, error)
	Delete(ctx context.Context, id primitive.ObjectID) error
	// GrantPermission upserts the permission level for (container, user).
	GrantPermission(ctx context.Context, perm *models.ContainerPermission) error
	RevokePermission(ctx context.Context, containerID, userID primitive.ObjectID) error
	PermissionsForUser(ctx context.Context, userID primitive.ObjectID) ([]models.ContainerPermission, error)
	PermissionsForContainer(ctx context.Context, containerID primitive.ObjectID) ([]models.ContainerPermission, error)
}

// SourceStore persists external collection source definitions.
type SourceStore interface {
	Create(ctx context.Context, source *models.CollectionSource) (primitive.ObjectID, error)
	Get(ctx context.Context, id primitive.ObjectID) (*models.CollectionSource, error)
	List(ctx context.Context, containerID primitive.ObjectID) ([]models.CollectionSource, error)
	ListScheduled(ctx context.Context) ([]models.CollectionSource, error)
	Update(ctx context.Context, source *models.CollectionSource) error
	RecordRun(ctx context.Context, id, taskID primitive.ObjectID, at time.Time) error
	Delete(ctx context.Context, id primitive.ObjectID) error
}

// UserStore persists platform users.
type UserStore interface {
	Create(ctx context.Context, user *models.User) (primitive.ObjectID, error)
	Get(ctx context.Context, id primitive.ObjectID) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	List(ctx context.Context) ([]models.User, error)
}

// SettingsStore persists the singleton retrieval policy document.
type SettingsStore interface {
	GetRetrieval(ctx context.Context) (*models.RetrievalSettings, error)
	PutRetrieval(ctx context.Context, settings *models.RetrievalSettings) error
}

// AuditStore appends to and queries the hash-chained audit trail. Append
// implementations are responsible for linking each event to the previous
// one and computing its hash.
type AuditStore interface {
	Append(ctx context.Context, event *models.AuditEvent) error
	Query(ctx context.Context, filter AuditFilter) ([]models.AuditEvent, int64, error)
	// VerifyChain recomputes hashes over the stored sequence and returns
	// the number of events checked and the first broken position, if any.
	VerifyChain(ctx context.Context) (checked int64, broken *models.AuditEvent, err error)
}

// AuditFilter narrows audit queries. Zero values mean no constraint.
type AuditFilter struct {
	UserID   string
	Action   string
	Resource string
	Since    time.Time
	Until    time.Time
	Limit    int64
	Offset   int64
}

// Stores bundles every store interface for wiring convenience in cmd.
type Stores struct {
	Documents   DocumentStore
	Extractions ExtractionStore
	Chunks      ChunkStore
	Embeddings  EmbeddingStore
	Tasks       TaskStore
	Containers  ContainerStore
	Sources     SourceStore
	Users       UserStore
	Settings    SettingsStore
	Audit       AuditStore
}
