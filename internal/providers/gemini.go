package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	genai "github.com/google/generative-ai-go/genai"

	"saas-knowledge-platform/internal/config"
	"saas-knowledge-platform/internal/logger"
	"saas-knowledge-platform/internal/telemetry"
	"saas-knowledge-platform/models"
)

// GeminiProvider is the remote multimodal capability: OCR/layout extraction,
// text and image embeddings, and rerank scoring, all through one client
// behind a shared circuit breaker and rate limiter.
type GeminiProvider struct {
	client     *genai.Client
	breaker    *gobreaker.CircuitBreaker
	limiter    *rate.Limiter
	usage      *usageWindow
	ocrModel   string
	embedModel string
	dimension  int
}

var (
	_ ExtractionProvider = (*GeminiProvider)(nil)
	_ EmbeddingProvider  = (*GeminiProvider)(nil)
	_ Reranker           = (*GeminiProvider)(nil)
)

func NewGeminiProvider(cfg *config.Config) (*GeminiProvider, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("missing GEMINI_API_KEY")
	}
	client, err := genai.NewClient(context.Background(), option.WithAPIKey(cfg.GeminiAPIKey))
	if err != nil {
		return nil, err
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "GeminiAPI",
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
			telemetry.RecordCircuitBreakerState(name, to.String())
		},
	})

	return &GeminiProvider{
		client:     client,
		breaker:    breaker,
		limiter:    rate.NewLimiter(rate.Limit(cfg.GeminiRateLimit), cfg.GeminiBurst),
		usage:      newUsageWindow(),
		ocrModel:   cfg.GeminiOCRModel,
		embedModel: cfg.EmbeddingModel,
		dimension:  cfg.VectorDimensions,
	}, nil
}

func (p *GeminiProvider) Name() string { return models.ProviderGemini }

func (p *GeminiProvider) Supports(mimeType string) bool {
	switch mimeType {
	case "application/pdf", "image/jpeg", "image/png", "image/gif", "image/webp", "image/bmp", "image/tiff":
		return true
	}
	return false
}

const extractionInstruction = `You are a document layout analyzer. Return a JSON array describing every content element in reading order. Each element: {"page": <1-based page>, "type": "TEXT_BLOCK"|"TABLE"|"IMAGE"|"FIGURE"|"HEADER"|"FOOTER", "text": "<verbatim text, or a concise description for IMAGE/FIGURE>", "bbox": [x, y, w, h] normalized to [0,1], "confidence": <0..1>, "table": {"headers": [...], "rows": [[...]]} for TABLE only}. Extract ALL text exactly as it appears. Do not summarize or interpret. Return only the JSON array.`

// geminiObject is the wire shape of one extracted element.
type geminiObject struct {
	Page       int       `json:"page"`
	Type       string    `json:"type"`
	Text       string    `json:"text"`
	BBox       []float64 `json:"bbox"`
	Confidence float64   `json:"confidence"`
	Table      *struct {
		Headers []string   `json:"headers"`
		Rows    [][]string `json:"rows"`
	} `json:"table"`
}

func (p *GeminiProvider) Extract(ctx context.Context, input ExtractionInput, opts ExtractionOptions) (*ExtractionOutput, error) {
	tracer := otel.Tracer("gemini-provider")
	ctx, span := tracer.Start(ctx, "gemini.extract")
	defer span.End()

	modelName := p.ocrModel
	if opts.ModelProfile != "" {
		modelName = opts.ModelProfile
	}
	span.SetAttributes(
		attribute.String("gemini.model", modelName),
		attribute.String("gemini.mime_type", input.MimeType),
		attribute.Int("gemini.input_bytes", len(input.Data)),
	)

	if !p.usage.CanConsume(len(input.Data)/4, 1) {
		span.SetAttributes(attribute.Bool("gemini.rate_limited", true))
		return nil, fmt.Errorf("%w: usage budget exhausted", ErrTransient)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	file, err := p.client.UploadFile(ctx, "", bytes.NewReader(input.Data), &genai.UploadFileOptions{
		MIMEType: input.MimeType,
	})
	if err != nil {
		span.SetAttributes(attribute.Bool("gemini.error", true))
		return nil, fmt.Errorf("%w: upload failed: %v", ErrTransient, err)
	}
	defer p.client.DeleteFile(ctx, file.Name)

	result, err := p.breaker.Execute(func() (interface{}, error) {
		model := p.client.GenerativeModel(modelName)
		model.SetTemperature(0.1)
		model.ResponseMIMEType = "application/json"
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(extractionInstruction)},
		}

		resp, err := model.GenerateContent(ctx,
			genai.FileData{URI: file.URI},
			genai.Text("Analyze this document and return the JSON array of content elements."),
		)
		if err != nil {
			return nil, err
		}
		p.usage.RecordUsage(responseTokens(resp), 1)
		return resp, nil
	})
	if err != nil {
		span.SetAttributes(attribute.Bool("gemini.error", true))
		return nil, classifyBreakerErr(err)
	}

	raw := responseText(result.(*genai.GenerateContentResponse))
	objects, err := parseExtractionJSON(raw, opts.ConfidenceThreshold)
	if err != nil {
		span.SetAttributes(attribute.Bool("gemini.parse_error", true))
		return nil, err
	}
	if len(objects) == 0 {
		return nil, fmt.Errorf("%w: no content recognized", ErrFatalInput)
	}

	pageCount := 0
	var textParts []string
	for _, obj := range objects {
		if obj.Page > pageCount {
			pageCount = obj.Page
		}
		if obj.Text != "" {
			textParts = append(textParts, obj.Text)
		}
	}
	span.SetAttributes(
		attribute.Int("gemini.objects", len(objects)),
		attribute.Int("gemini.pages", pageCount),
	)

	return &ExtractionOutput{
		PipelineType: models.PipelineOCRLayout,
		PageCount:    pageCount,
		Objects:      objects,
		Language:     DetectLanguage(strings.Join(textParts, "\n")),
	}, nil
}

// parseExtractionJSON decodes the model's element array and maps it onto
// extracted objects, assigning per-page sequence numbers in reading order.
func parseExtractionJSON(raw string, confidenceThreshold float64) ([]models.ExtractedObject, error) {
	raw = stripJSONFences(raw)

	var wire []geminiObject
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, fmt.Errorf("%w: unparseable extraction response: %v", ErrTransient, err)
	}

	nextSeq := make(map[int]int)
	objects := make([]models.ExtractedObject, 0, len(wire))
	for _, w := range wire {
		if w.Page < 1 {
			w.Page = 1
		}
		objType := normalizeObjectType(w.Type)
		if confidenceThreshold > 0 && w.Confidence > 0 && w.Confidence < confidenceThreshold {
			continue
		}

		obj := models.ExtractedObject{
			Page:       w.Page,
			Sequence:   nextSeq[w.Page],
			ObjectType: objType,
			Text:       w.Text,
			Confidence: w.Confidence,
			CharCount:  len(w.Text),
			TokenCount: len(strings.Fields(w.Text)),
		}
		nextSeq[w.Page]++

		if len(w.BBox) == 4 {
			obj.BoundingBox = &models.BoundingBox{X: w.BBox[0], Y: w.BBox[1], W: w.BBox[2], H: w.BBox[3]}
		}
		if w.Table != nil && objType == models.ObjectTypeTable {
			rows := make([]any, 0, len(w.Table.Rows))
			for _, row := range w.Table.Rows {
				rows = append(rows, row)
			}
			headers := make([]any, 0, len(w.Table.Headers))
			for _, h := range w.Table.Headers {
				headers = append(headers, h)
			}
			obj.Payload = map[string]any{"headers": headers, "rows": rows}
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

func normalizeObjectType(t string) string {
	switch strings.ToUpper(strings.TrimSpace(t)) {
	case models.ObjectTypeTable:
		return models.ObjectTypeTable
	case models.ObjectTypeImage:
		return models.ObjectTypeImage
	case models.ObjectTypeFigure:
		return models.ObjectTypeFigure
	case models.ObjectTypeHeader:
		return models.ObjectTypeHeader
	case models.ObjectTypeFooter:
		return models.ObjectTypeFooter
	default:
		return models.ObjectTypeTextBlock
	}
}

func (p *GeminiProvider) Model() string  { return p.embedModel }
func (p *GeminiProvider) Dimension() int { return p.dimension }

func (p *GeminiProvider) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	tracer := otel.Tracer("gemini-provider")
	ctx, span := tracer.Start(ctx, "gemini.embed_texts")
	defer span.End()
	span.SetAttributes(
		attribute.String("gemini.model", p.embedModel),
		attribute.Int("gemini.batch_size", len(texts)),
	)

	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := p.embedOne(ctx, text)
		if err != nil {
			if errors.Is(err, ErrTransient) && isBreakerErr(err) {
				// The breaker is open, nothing else in the batch can go through.
				span.SetAttributes(attribute.Bool("gemini.circuit_breaker_open", true))
				return nil, err
			}
			// This item failed on its own; the rest of the batch stands.
			continue
		}
		vectors[i] = vec
	}
	return vectors, nil
}

func (p *GeminiProvider) embedOne(ctx context.Context, text string) ([]float32, error) {
	if !p.usage.CanConsume(len(text)/4, 1) {
		return nil, fmt.Errorf("%w: usage budget exhausted", ErrTransient)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	result, err := p.breaker.Execute(func() (interface{}, error) {
		model := p.client.EmbeddingModel(p.embedModel)
		resp, err := model.EmbedContent(ctx, genai.Text(text))
		if err != nil {
			return nil, err
		}
		if resp.Embedding == nil {
			return nil, fmt.Errorf("no embedding returned")
		}
		p.usage.RecordUsage(len(text)/4, 1)
		return resp.Embedding.Values, nil
	})
	if err != nil {
		return nil, classifyBreakerErr(err)
	}
	return result.([]float32), nil
}

// EmbedImages captions each image with the multimodal model and embeds the
// caption text, so image chunks and text queries land in one vector space.
func (p *GeminiProvider) EmbedImages(ctx context.Context, images [][]byte) ([][]float32, error) {
	tracer := otel.Tracer("gemini-provider")
	ctx, span := tracer.Start(ctx, "gemini.embed_images")
	defer span.End()
	span.SetAttributes(attribute.Int("gemini.batch_size", len(images)))

	vectors := make([][]float32, len(images))
	for i, img := range images {
		caption, err := p.DescribeImage(ctx, img)
		if err != nil {
			if errors.Is(err, ErrTransient) && isBreakerErr(err) {
				return nil, err
			}
			continue
		}
		vec, err := p.embedOne(ctx, caption)
		if err != nil {
			if errors.Is(err, ErrTransient) && isBreakerErr(err) {
				return nil, err
			}
			continue
		}
		vectors[i] = vec
	}
	return vectors, nil
}

// DescribeImage returns a short retrieval-oriented caption for the image.
func (p *GeminiProvider) DescribeImage(ctx context.Context, image []byte) (string, error) {
	if !p.usage.CanConsume(len(image)/4, 1) {
		return "", fmt.Errorf("%w: usage budget exhausted", ErrTransient)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransient, err)
	}

	result, err := p.breaker.Execute(func() (interface{}, error) {
		model := p.client.GenerativeModel(p.ocrModel)
		model.SetTemperature(0.1)
		model.SetMaxOutputTokens(256)

		resp, err := model.GenerateContent(ctx,
			genai.ImageData("png", image),
			genai.Text("Describe this image in two dense sentences for search indexing: subjects, text visible, diagram type, notable details."),
		)
		if err != nil {
			return nil, err
		}
		p.usage.RecordUsage(responseTokens(resp), 1)
		return responseText(resp), nil
	})
	if err != nil {
		return "", classifyBreakerErr(err)
	}
	caption := strings.TrimSpace(result.(string))
	if caption == "" {
		return "", fmt.Errorf("%w: empty caption", ErrFatalInput)
	}
	return caption, nil
}

// Rerank asks the generative model to score each candidate's relevance to
// the query in [0,1]; unscored candidates keep 0.
func (p *GeminiProvider) Rerank(ctx context.Context, query string, candidates []RerankCandidate) ([]float64, error) {
	tracer := otel.Tracer("gemini-provider")
	ctx, span := tracer.Start(ctx, "gemini.rerank")
	defer span.End()
	span.SetAttributes(attribute.Int("gemini.candidates", len(candidates)))

	if len(candidates) == 0 {
		return nil, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\n\nPassages:\n", query)
	for i, c := range candidates {
		text := c.Text
		if len(text) > 800 {
			text = text[:800]
		}
		fmt.Fprintf(&sb, "[%d] %s\n\n", i, text)
	}
	sb.WriteString(`Score each passage's relevance to the query. Return only a JSON array: [{"index": <passage number>, "score": <0.0-1.0>}].`)

	if !p.usage.CanConsume(sb.Len()/4, 1) {
		return nil, fmt.Errorf("%w: usage budget exhausted", ErrTransient)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	result, err := p.breaker.Execute(func() (interface{}, error) {
		model := p.client.GenerativeModel(p.ocrModel)
		model.SetTemperature(0.0)
		model.ResponseMIMEType = "application/json"

		resp, err := model.GenerateContent(ctx, genai.Text(sb.String()))
		if err != nil {
			return nil, err
		}
		p.usage.RecordUsage(responseTokens(resp), 1)
		return responseText(resp), nil
	})
	if err != nil {
		return nil, classifyBreakerErr(err)
	}

	var wire []struct {
		Index int     `json:"index"`
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(stripJSONFences(result.(string))), &wire); err != nil {
		return nil, fmt.Errorf("%w: unparseable rerank response: %v", ErrTransient, err)
	}

	scores := make([]float64, len(candidates))
	for _, w := range wire {
		if w.Index >= 0 && w.Index < len(scores) {
			if w.Score < 0 {
				w.Score = 0
			}
			if w.Score > 1 {
				w.Score = 1
			}
			scores[w.Index] = w.Score
		}
	}
	return scores, nil
}

func (p *GeminiProvider) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

func classifyBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: circuit breaker: %v", ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

func isBreakerErr(err error) bool {
	return strings.Contains(err.Error(), "circuit breaker")
}

func responseText(resp *genai.GenerateContentResponse) string {
	var sb strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
	}
	return sb.String()
}

func responseTokens(resp *genai.GenerateContentResponse) int {
	if resp.UsageMetadata != nil {
		return int(resp.UsageMetadata.TotalTokenCount)
	}
	estimated := len(responseText(resp)) / 4
	if estimated < 1 {
		estimated = 1
	}
	return estimated
}

// stripJSONFences removes a markdown code fence if the model wrapped its
// JSON in one despite the response mime type.
func stripJSONFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
