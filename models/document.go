package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Document represents one file known to the platform, whether uploaded
// directly or harvested by a collection run. The raw bytes live in the
// object store under BlobKey; everything derived from them (sessions,
// chunks, embeddings) references the document id.
type Document struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	ContainerID  primitive.ObjectID `bson:"container_id" json:"container_id"`
	Filename     string             `bson:"filename" json:"filename"`
	OriginalName string             `bson:"original_name" json:"original_name"`
	BlobKey      string             `bson:"blob_key" json:"blob_key"`
	MimeType     string             `bson:"mime_type" json:"mime_type"`
	Size         int64              `bson:"size" json:"size"`
	ContentHash  string             `bson:"content_hash" json:"content_hash"` // SHA-256 of the raw bytes
	Source       string             `bson:"source" json:"source"`             // upload, collection
	SourceURL    string             `bson:"source_url,omitempty" json:"source_url,omitempty"`
	Status       string             `bson:"status" json:"status"`
	ErrorMessage string             `bson:"error_message,omitempty" json:"error_message,omitempty"`
	PageCount    int                `bson:"page_count,omitempty" json:"page_count,omitempty"`
	UploadedBy   primitive.ObjectID `bson:"uploaded_by,omitempty" json:"uploaded_by,omitempty"`
	UploadedAt   time.Time          `bson:"uploaded_at" json:"uploaded_at"`
	ProcessedAt  *time.Time         `bson:"processed_at,omitempty" json:"processed_at,omitempty"`
}

// UploadResponse is returned after a successful upload while processing
// continues in the background.
type UploadResponse struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Status   string `json:"status"`
	Message  string `json:"message"`
	TaskID   string `json:"task_id,omitempty"`
}

// Document status constants
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Document source constants
const (
	SourceUpload     = "upload"
	SourceCollection = "collection"
)
