package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ExtractionSession records one attempt to turn a document into structured
// content objects via a given provider. A document may accumulate sessions
// over time (reprocessing), but only one may be non-terminal at a time;
// the extraction service enforces that, not the storage layer.
type ExtractionSession struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	DocumentID   primitive.ObjectID `bson:"document_id" json:"document_id"`
	Provider     string             `bson:"provider" json:"provider"`
	ModelProfile string             `bson:"model_profile,omitempty" json:"model_profile,omitempty"`
	PipelineType string             `bson:"pipeline_type" json:"pipeline_type"` // ocr_layout, native_text
	Status       string             `bson:"status" json:"status"`
	PageCount    int                `bson:"page_count" json:"page_count"`
	ObjectCount  int                `bson:"object_count" json:"object_count"`
	ErrorMessage string             `bson:"error_message,omitempty" json:"error_message,omitempty"`
	StartedAt    time.Time          `bson:"started_at" json:"started_at"`
	CompletedAt  *time.Time         `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// Terminal reports whether the session reached a final state.
func (s *ExtractionSession) Terminal() bool {
	switch s.Status {
	case ExtractionStatusSuccess, ExtractionStatusPartial, ExtractionStatusFailed:
		return true
	}
	return false
}

// Extraction session status constants
const (
	ExtractionStatusRunning = "running"
	ExtractionStatusSuccess = "success"
	ExtractionStatusPartial = "partial"
	ExtractionStatusFailed  = "failed"
)

// Extraction pipeline type constants
const (
	PipelineOCRLayout  = "ocr_layout"
	PipelineNativeText = "native_text"
)

// ExtractedObject is one typed piece of content produced by a provider run.
// Objects are immutable once written; ContentHash lets a re-extraction link
// to an identical object from an earlier session instead of duplicating it.
type ExtractedObject struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	SessionID   primitive.ObjectID `bson:"session_id" json:"session_id"`
	DocumentID  primitive.ObjectID `bson:"document_id" json:"document_id"`
	Page        int                `bson:"page" json:"page"`
	Sequence    int                `bson:"sequence" json:"sequence"` // order within the page
	ObjectType  string             `bson:"object_type" json:"object_type"`
	BoundingBox *BoundingBox       `bson:"bounding_box,omitempty" json:"bounding_box,omitempty"`
	Text        string             `bson:"text,omitempty" json:"text,omitempty"`
	Payload     map[string]any     `bson:"payload,omitempty" json:"payload,omitempty"` // structured data, e.g. table cells
	Language    string             `bson:"language,omitempty" json:"language,omitempty"`
	CharCount   int                `bson:"char_count" json:"char_count"`
	TokenCount  int                `bson:"token_count" json:"token_count"`
	Confidence  float64            `bson:"confidence" json:"confidence"`
	ContentHash string             `bson:"content_hash" json:"content_hash"`
	// LinkedFrom points at the canonical object from an earlier session
	// when this row deduplicated by content hash. Text and Payload are
	// empty on linked rows; readers resolve them through the canonical id.
	LinkedFrom primitive.ObjectID `bson:"linked_from,omitempty" json:"linked_from,omitempty"`
	Width      int                `bson:"width,omitempty" json:"width,omitempty"`   // images only
	Height     int                `bson:"height,omitempty" json:"height,omitempty"` // images only
	PHash      string             `bson:"phash,omitempty" json:"phash,omitempty"`   // perceptual hash, images only
	CreatedAt  time.Time          `bson:"created_at" json:"created_at"`
}

// BoundingBox locates an object on its page in normalized [0,1] coordinates.
type BoundingBox struct {
	X float64 `bson:"x" json:"x"`
	Y float64 `bson:"y" json:"y"`
	W float64 `bson:"w" json:"w"`
	H float64 `bson:"h" json:"h"`
}

// Extracted object type constants
const (
	ObjectTypeTextBlock = "TEXT_BLOCK"
	ObjectTypeTable     = "TABLE"
	ObjectTypeImage     = "IMAGE"
	ObjectTypeFigure    = "FIGURE"
	ObjectTypeHeader    = "HEADER"
	ObjectTypeFooter    = "FOOTER"
)

// Extraction provider name constants
const (
	ProviderGemini      = "gemini"
	ProviderRemoteOCR   = "remote-ocr"
	ProviderPDFNative   = "pdf-native"
	ProviderSpreadsheet = "spreadsheet"
	ProviderPlaintext   = "plaintext"
)
