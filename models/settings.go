package models

import "time"

// RetrievalSettings is the deployment-wide retrieval policy: fusion
// weights, threshold floor, and rerank depth. Stored as a single settings
// document, seeded from the environment, editable by admins. The weight
// map and reranker are policy, not fixed algorithm.
type RetrievalSettings struct {
	ID             string             `bson:"_id" json:"id"`
	FusionWeights  map[string]float64 `bson:"fusion_weights" json:"fusion_weights"` // mode -> weight
	Fusion         string             `bson:"fusion" json:"fusion"`                 // weighted, rrf
	Threshold      float64            `bson:"threshold" json:"threshold"`
	RerankTopN     int                `bson:"rerank_top_n" json:"rerank_top_n"`
	EmbeddingModel string             `bson:"embedding_model" json:"embedding_model"`
	UpdatedAt      time.Time          `bson:"updated_at" json:"updated_at"`
}

// SettingsID is the fixed id of the singleton retrieval settings document.
const SettingsID = "retrieval"

// Fusion policy names
const (
	FusionWeighted = "weighted"
	FusionRRF      = "rrf"
)

// SystemHealth is the health endpoint payload.
type SystemHealth struct {
	Status    string         `json:"status"`
	Timestamp string         `json:"timestamp"`
	Database  string         `json:"database"`
	Queue     string         `json:"queue"`
	Metrics   map[string]any `json:"metrics,omitempty"`
}
