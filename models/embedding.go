package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Embedding is the vector representation of one chunk under one model.
// Unique per (chunk_id, model): re-embedding with the same model replaces
// the row, a different model adds a parallel representation.
type Embedding struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	ChunkID    primitive.ObjectID `bson:"chunk_id" json:"chunk_id"`
	DocumentID primitive.ObjectID `bson:"document_id" json:"document_id"`
	Model      string             `bson:"model" json:"model"`
	Modality   string             `bson:"modality" json:"modality"`
	Dimension  int                `bson:"dimension" json:"dimension"`
	Vector     []float32          `bson:"vector" json:"-"`
	Norm       float64            `bson:"norm" json:"norm"` // L2, computed at write time
	CreatedAt  time.Time          `bson:"created_at" json:"created_at"`
}

// EmbedOutcome reports the per-chunk result of an embedding batch so a
// caller can retry only the failed subset.
type EmbedOutcome struct {
	ChunkID primitive.ObjectID `json:"chunk_id"`
	Model   string             `json:"model"`
	OK      bool               `json:"ok"`
	Error   string             `json:"error,omitempty"`
}
