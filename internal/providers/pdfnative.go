package providers

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"saas-knowledge-platform/models"
)

// PDFNativeProvider extracts embedded text straight from the PDF content
// streams. No network, no layout analysis; scanned PDFs yield nothing here
// and should go to an OCR provider instead.
type PDFNativeProvider struct{}

var _ ExtractionProvider = (*PDFNativeProvider)(nil)

func NewPDFNativeProvider() *PDFNativeProvider {
	return &PDFNativeProvider{}
}

func (p *PDFNativeProvider) Name() string { return models.ProviderPDFNative }

func (p *PDFNativeProvider) Supports(mimeType string) bool {
	return mimeType == "application/pdf"
}

func (p *PDFNativeProvider) Extract(ctx context.Context, input ExtractionInput, opts ExtractionOptions) (*ExtractionOutput, error) {
	reader, err := pdf.NewReader(bytes.NewReader(input.Data), int64(len(input.Data)))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open PDF: %v", ErrFatalInput, err)
	}

	pages := reader.NumPage()
	output := &ExtractionOutput{
		PipelineType: models.PipelineNativeText,
		PageCount:    pages,
		FailedPages:  make(map[int]string),
	}

	var allText []string
	for i := 1; i <= pages; i++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
		default:
		}

		page := reader.Page(i)
		if page.V.IsNull() {
			output.FailedPages[i] = "page unreadable"
			continue
		}

		fonts := make(map[string]*pdf.Font)
		text, err := page.GetPlainText(fonts)
		if err != nil {
			output.FailedPages[i] = err.Error()
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}

		output.Objects = append(output.Objects, models.ExtractedObject{
			Page:       i,
			Sequence:   0,
			ObjectType: models.ObjectTypeTextBlock,
			Text:       text,
			Confidence: 0.6,
			CharCount:  len(text),
			TokenCount: len(strings.Fields(text)),
		})
		allText = append(allText, text)
	}

	if len(output.Objects) == 0 {
		return nil, fmt.Errorf("%w: no extractable text (likely a scanned PDF)", ErrFatalInput)
	}

	combined := strings.Join(allText, "\n")
	if TextQuality(combined) < 0.3 {
		return nil, fmt.Errorf("%w: extracted text quality too low", ErrFatalInput)
	}
	output.Language = DetectLanguage(combined)
	return output, nil
}
