package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ChunkSession records one run of a chunking strategy over a terminal
// extraction session. Re-running with different params creates a new
// session; old chunks are never mutated, only superseded.
type ChunkSession struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	DocumentID   primitive.ObjectID `bson:"document_id" json:"document_id"`
	ExtractionID primitive.ObjectID `bson:"extraction_id" json:"extraction_id"`
	Strategy     string             `bson:"strategy" json:"strategy"`
	Params       ChunkParams        `bson:"params" json:"params"`
	Status       string             `bson:"status" json:"status"`
	ChunkCount   int                `bson:"chunk_count" json:"chunk_count"`
	ErrorMessage string             `bson:"error_message,omitempty" json:"error_message,omitempty"`
	StartedAt    time.Time          `bson:"started_at" json:"started_at"`
	CompletedAt  *time.Time         `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// ChunkParams tunes a chunking strategy run.
type ChunkParams struct {
	MaxTokens     int `bson:"max_tokens" json:"max_tokens"`
	OverlapTokens int `bson:"overlap_tokens" json:"overlap_tokens"`
	MinTokens     int `bson:"min_tokens" json:"min_tokens"`
}

// Chunk is a retrieval-sized unit of content derived from one or more
// extracted objects. SourceObjectIDs preserve provenance back to page and
// bounding box. Immutable once created.
type Chunk struct {
	ID              primitive.ObjectID   `bson:"_id,omitempty" json:"id"`
	SessionID       primitive.ObjectID   `bson:"session_id" json:"session_id"`
	DocumentID      primitive.ObjectID   `bson:"document_id" json:"document_id"`
	Ordinal         int                  `bson:"ordinal" json:"ordinal"`
	SourceObjectIDs []primitive.ObjectID `bson:"source_object_ids" json:"source_object_ids"`
	Text            string               `bson:"text" json:"text"`
	TokenCount      int                  `bson:"token_count" json:"token_count"`
	Modality        string               `bson:"modality" json:"modality"`
	SectionHeading  string               `bson:"section_heading,omitempty" json:"section_heading,omitempty"`
	PageStart       int                  `bson:"page_start" json:"page_start"`
	PageEnd         int                  `bson:"page_end" json:"page_end"`
	QualityScore    float64              `bson:"quality_score" json:"quality_score"`
	CreatedAt       time.Time            `bson:"created_at" json:"created_at"`
}

// Chunk session status constants
const (
	ChunkStatusRunning = "running"
	ChunkStatusSuccess = "success"
	ChunkStatusFailed  = "failed"
)

// Chunk modality constants
const (
	ModalityText  = "text"
	ModalityTable = "table"
	ModalityImage = "image"
)

// Chunking strategy name constants
const (
	StrategyTokenWindow = "token_window"
	StrategySection     = "section"
)
