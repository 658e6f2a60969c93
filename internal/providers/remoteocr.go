package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"saas-knowledge-platform/internal/config"
	"saas-knowledge-platform/models"
)

// RemoteOCRProvider talks to a self-hosted OCR/layout HTTP service. Shapes
// follow its /ocr/extract contract.
type RemoteOCRProvider struct {
	httpClient *http.Client
	baseURL    string
}

var _ ExtractionProvider = (*RemoteOCRProvider)(nil)

type ocrResponse struct {
	Success        bool       `json:"success"`
	Text           string     `json:"text"`
	Chunks         []ocrChunk `json:"chunks"`
	Pages          int        `json:"pages"`
	ProcessingTime float64    `json:"processing_time"`
	Method         string     `json:"method"`
	QualityScore   float64    `json:"quality_score"`
	Language       string     `json:"language"`
	Error          string     `json:"error,omitempty"`
}

type ocrChunk struct {
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	Page       int       `json:"page"`
	Bbox       []float64 `json:"bbox"`
	ChunkType  string    `json:"chunk_type"`
}

type ocrHealthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

func NewRemoteOCRProvider(cfg *config.Config) *RemoteOCRProvider {
	baseURL := cfg.OCRServiceURL
	if baseURL == "" {
		baseURL = "http://localhost:8001"
	}
	timeout := time.Duration(cfg.OCRTimeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &RemoteOCRProvider{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
	}
}

func (p *RemoteOCRProvider) Name() string { return models.ProviderRemoteOCR }

func (p *RemoteOCRProvider) Supports(mimeType string) bool {
	if mimeType == "application/pdf" {
		return true
	}
	return strings.HasPrefix(mimeType, "image/")
}

// IsHealthy checks the service before routing work to it.
func (p *RemoteOCRProvider) IsHealthy(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+"/health", nil)
	if err != nil {
		return false, fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("OCR service unhealthy: status %d", resp.StatusCode)
	}
	var health ocrHealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, fmt.Errorf("failed to decode health response: %w", err)
	}
	return health.Status == "healthy" && health.ModelLoaded, nil
}

func (p *RemoteOCRProvider) Extract(ctx context.Context, input ExtractionInput, opts ExtractionOptions) (*ExtractionOutput, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", input.Filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(input.Data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	writer.WriteField("extract_tables", fmt.Sprintf("%t", opts.ExtractTables))
	writer.WriteField("extract_images", fmt.Sprintf("%t", opts.ExtractImages))
	writer.WriteField("confidence_threshold", fmt.Sprintf("%.2f", opts.ConfidenceThreshold))
	writer.Close()

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/ocr/extract", &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create OCR request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: OCR request failed: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: OCR service returned status %d: %s", ErrTransient, resp.StatusCode, string(body))
	}

	var ocrResp ocrResponse
	if err := json.NewDecoder(resp.Body).Decode(&ocrResp); err != nil {
		return nil, fmt.Errorf("%w: failed to decode OCR response: %v", ErrTransient, err)
	}
	if !ocrResp.Success {
		return nil, fmt.Errorf("%w: %s", ErrFatalInput, ocrResp.Error)
	}

	output := &ExtractionOutput{
		PipelineType: models.PipelineOCRLayout,
		PageCount:    ocrResp.Pages,
		Language:     ocrResp.Language,
	}

	nextSeq := make(map[int]int)
	for _, chunk := range ocrResp.Chunks {
		if opts.ConfidenceThreshold > 0 && chunk.Confidence > 0 && chunk.Confidence < opts.ConfidenceThreshold {
			continue
		}
		page := chunk.Page
		if page < 1 {
			page = 1
		}
		obj := models.ExtractedObject{
			Page:       page,
			Sequence:   nextSeq[page],
			ObjectType: ocrChunkType(chunk.ChunkType),
			Text:       chunk.Text,
			Confidence: chunk.Confidence,
			CharCount:  len(chunk.Text),
			TokenCount: len(strings.Fields(chunk.Text)),
		}
		nextSeq[page]++
		if len(chunk.Bbox) == 4 {
			obj.BoundingBox = &models.BoundingBox{X: chunk.Bbox[0], Y: chunk.Bbox[1], W: chunk.Bbox[2], H: chunk.Bbox[3]}
		}
		output.Objects = append(output.Objects, obj)
	}

	// Fall back to whole-document text when the service found content but
	// returned no positioned chunks.
	if len(output.Objects) == 0 && strings.TrimSpace(ocrResp.Text) != "" {
		output.Objects = append(output.Objects, models.ExtractedObject{
			Page:       1,
			Sequence:   0,
			ObjectType: models.ObjectTypeTextBlock,
			Text:       ocrResp.Text,
			Confidence: ocrResp.QualityScore,
			CharCount:  len(ocrResp.Text),
			TokenCount: len(strings.Fields(ocrResp.Text)),
		})
	}
	if len(output.Objects) == 0 {
		return nil, fmt.Errorf("%w: no content recognized", ErrFatalInput)
	}
	if output.PageCount == 0 {
		for _, obj := range output.Objects {
			if obj.Page > output.PageCount {
				output.PageCount = obj.Page
			}
		}
	}
	return output, nil
}

func ocrChunkType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "table":
		return models.ObjectTypeTable
	case "image":
		return models.ObjectTypeImage
	case "figure":
		return models.ObjectTypeFigure
	case "header", "heading", "title":
		return models.ObjectTypeHeader
	case "footer":
		return models.ObjectTypeFooter
	default:
		return models.ObjectTypeTextBlock
	}
}
