package models

import "go.mongodb.org/mongo-driver/bson/primitive"

// SearchRequest carries one retrieval query. At least one of Query or
// ImageBase64 must be set; both together run multimodal fusion.
type SearchRequest struct {
	Query               string   `json:"query"`
	ImageBase64         string   `json:"image_base64,omitempty"`
	Mode                string   `json:"mode" binding:"omitempty,oneof=vector keyword hybrid image"`
	ContainerIDs        []string `json:"container_ids,omitempty"`
	DocumentIDs         []string `json:"document_ids,omitempty"`
	TopK                int      `json:"top_k" binding:"omitempty,min=1,max=100"`
	SimilarityThreshold *float64 `json:"similarity_threshold,omitempty"`
	Rerank              bool     `json:"rerank"`
}

// RankedResult is one scored chunk in a search response, annotated with
// which scoring methods contributed.
type RankedResult struct {
	ChunkID        primitive.ObjectID `json:"chunk_id"`
	DocumentID     primitive.ObjectID `json:"document_id"`
	ContainerID    primitive.ObjectID `json:"container_id"`
	Text           string             `json:"text"`
	SectionHeading string             `json:"section_heading,omitempty"`
	PageStart      int                `json:"page_start"`
	PageEnd        int                `json:"page_end"`
	Ordinal        int                `json:"ordinal"`
	Modality       string             `json:"modality"`
	QualityScore   float64            `json:"quality_score"`
	Score          float64            `json:"score"`
	VectorScore    float64            `json:"vector_score,omitempty"`
	KeywordScore   float64            `json:"keyword_score,omitempty"`
	ImageScore     float64            `json:"image_score,omitempty"`
	RerankScore    float64            `json:"rerank_score,omitempty"`
	Methods        []string           `json:"methods"`
	Grade          string             `json:"grade"`
}

// SearchResponse wraps ranked results with query-level diagnostics.
type SearchResponse struct {
	Results         []RankedResult `json:"results"`
	TotalCandidates int            `json:"total_candidates"`
	SearchTimeMs    int64          `json:"search_time_ms"`
	MethodsUsed     []string       `json:"methods_used"`
}

// Search mode constants
const (
	SearchModeVector  = "vector"
	SearchModeKeyword = "keyword"
	SearchModeHybrid  = "hybrid"
	SearchModeImage   = "image"
)

// Relevance grade buckets, assigned from the fused score.
const (
	GradeHigh   = "high"
	GradeMedium = "medium"
	GradeLow    = "low"
)
