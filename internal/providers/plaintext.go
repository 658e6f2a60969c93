package providers

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"saas-knowledge-platform/models"
)

// PlaintextProvider handles text and markdown uploads. Markdown headings
// become HEADER objects so section chunking can group the paragraphs that
// follow them. Everything lands on page 1.
type PlaintextProvider struct{}

var _ ExtractionProvider = (*PlaintextProvider)(nil)

func NewPlaintextProvider() *PlaintextProvider {
	return &PlaintextProvider{}
}

func (p *PlaintextProvider) Name() string { return models.ProviderPlaintext }

func (p *PlaintextProvider) Supports(mimeType string) bool {
	switch mimeType {
	case "text/plain", "text/markdown", "text/csv":
		return true
	}
	return strings.HasPrefix(mimeType, "text/")
}

func (p *PlaintextProvider) Extract(ctx context.Context, input ExtractionInput, opts ExtractionOptions) (*ExtractionOutput, error) {
	if !utf8.Valid(input.Data) {
		return nil, fmt.Errorf("%w: file is not valid UTF-8 text", ErrFatalInput)
	}
	text := strings.ReplaceAll(string(input.Data), "\r\n", "\n")
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: file is empty", ErrFatalInput)
	}

	output := &ExtractionOutput{
		PipelineType: models.PipelineNativeText,
		PageCount:    1,
		FailedPages:  make(map[int]string),
	}

	seq := 0
	for _, block := range strings.Split(text, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}

		// A block may open with a heading line followed by body text.
		lines := strings.Split(block, "\n")
		var body []string
		for _, line := range lines {
			if level, title := parseHeading(line); level > 0 {
				if len(body) > 0 {
					output.Objects = append(output.Objects, textBlock(seq, strings.Join(body, "\n")))
					seq++
					body = body[:0]
				}
				output.Objects = append(output.Objects, models.ExtractedObject{
					Page:       1,
					Sequence:   seq,
					ObjectType: models.ObjectTypeHeader,
					Text:       title,
					Payload:    map[string]any{"level": level},
					Confidence: 1.0,
					CharCount:  len(title),
					TokenCount: len(strings.Fields(title)),
				})
				seq++
				continue
			}
			body = append(body, line)
		}
		if len(body) > 0 {
			output.Objects = append(output.Objects, textBlock(seq, strings.Join(body, "\n")))
			seq++
		}
	}

	if len(output.Objects) == 0 {
		return nil, fmt.Errorf("%w: file has no content", ErrFatalInput)
	}
	output.Language = DetectLanguage(text)
	return output, nil
}

func textBlock(seq int, text string) models.ExtractedObject {
	return models.ExtractedObject{
		Page:       1,
		Sequence:   seq,
		ObjectType: models.ObjectTypeTextBlock,
		Text:       text,
		Confidence: 1.0,
		CharCount:  len(text),
		TokenCount: len(strings.Fields(text)),
	}
}

// parseHeading recognizes ATX markdown headings. Returns level 0 when the
// line is not a heading.
func parseHeading(line string) (int, string) {
	trimmed := strings.TrimSpace(line)
	level := 0
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	if level == 0 || level > 6 {
		return 0, ""
	}
	rest := trimmed[level:]
	if rest == "" || rest[0] != ' ' {
		return 0, ""
	}
	title := strings.TrimSpace(rest)
	if title == "" {
		return 0, ""
	}
	return level, title
}
