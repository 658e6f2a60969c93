package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// BackgroundTask is an observable unit of asynchronous work: an ingestion
// pipeline run or an external collection run. Clients poll it by id until
// a terminal state, after which it survives for a retention window and is
// then purged. Purging never touches the artifacts the work produced.
type BackgroundTask struct {
	ID              primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Kind            string             `bson:"kind" json:"kind"`
	Status          string             `bson:"status" json:"status"`
	SubjectID       string             `bson:"subject_id,omitempty" json:"subject_id,omitempty"` // document or source id
	ProgressCurrent int                `bson:"progress_current" json:"progress_current"`
	ProgressTotal   int                `bson:"progress_total" json:"progress_total"`
	Collected       int                `bson:"collected" json:"collected"`
	Errors          int                `bson:"errors" json:"errors"`
	Message         string             `bson:"message,omitempty" json:"message,omitempty"`
	CancelRequested bool               `bson:"cancel_requested" json:"cancel_requested"`
	CreatedAt       time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt       time.Time          `bson:"updated_at" json:"updated_at"`
	CompletedAt     *time.Time         `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// Terminal reports whether the task reached a final state.
func (t *BackgroundTask) Terminal() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed
}

// ProgressUpdate is one progress report from a running work function.
// Updates flow through the tracker's writer, which coalesces rapid updates
// but never drops a final one.
type ProgressUpdate struct {
	TaskID    primitive.ObjectID
	Current   int
	Total     int
	Collected int
	Errors    int
	Message   string
	Final     bool
}

// Background task kind constants
const (
	TaskKindIngestion  = "ingestion"
	TaskKindCollection = "external-collection"
	TaskKindReport     = "report"
)

// Background task status constants
const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
)
