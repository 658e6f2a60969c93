package providers

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"saas-knowledge-platform/models"
)

// SpreadsheetProvider turns workbook sheets into TABLE objects. Each sheet
// maps to one page: a HEADER object carrying the sheet name followed by a
// TABLE object with the cell grid in its payload.
type SpreadsheetProvider struct{}

var _ ExtractionProvider = (*SpreadsheetProvider)(nil)

func NewSpreadsheetProvider() *SpreadsheetProvider {
	return &SpreadsheetProvider{}
}

func (p *SpreadsheetProvider) Name() string { return models.ProviderSpreadsheet }

func (p *SpreadsheetProvider) Supports(mimeType string) bool {
	switch mimeType {
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.ms-excel":
		return true
	}
	return false
}

func (p *SpreadsheetProvider) Extract(ctx context.Context, input ExtractionInput, opts ExtractionOptions) (*ExtractionOutput, error) {
	f, err := excelize.OpenReader(bytes.NewReader(input.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open workbook: %v", ErrFatalInput, err)
	}
	defer f.Close()

	output := &ExtractionOutput{
		PipelineType: models.PipelineNativeText,
		FailedPages:  make(map[int]string),
	}

	sheets := f.GetSheetList()
	for idx, sheet := range sheets {
		page := idx + 1

		rows, err := f.GetRows(sheet)
		if err != nil {
			output.FailedPages[page] = err.Error()
			continue
		}
		if len(rows) == 0 {
			continue
		}

		output.Objects = append(output.Objects, models.ExtractedObject{
			Page:       page,
			Sequence:   0,
			ObjectType: models.ObjectTypeHeader,
			Text:       sheet,
			Confidence: 1.0,
			CharCount:  len(sheet),
			TokenCount: len(strings.Fields(sheet)),
		})

		var headers []string
		dataRows := rows
		if len(rows) > 1 {
			headers = rows[0]
			dataRows = rows[1:]
		}

		text := flattenRows(rows)
		output.Objects = append(output.Objects, models.ExtractedObject{
			Page:       page,
			Sequence:   1,
			ObjectType: models.ObjectTypeTable,
			Text:       text,
			Payload: map[string]any{
				"sheet":   sheet,
				"headers": headers,
				"rows":    dataRows,
			},
			Confidence: 1.0,
			CharCount:  len(text),
			TokenCount: len(strings.Fields(text)),
		})
	}

	if len(output.Objects) == 0 {
		return nil, fmt.Errorf("%w: workbook has no content", ErrFatalInput)
	}
	output.PageCount = len(sheets)
	return output, nil
}

// flattenRows renders the grid as tab-separated lines for lexical indexing.
func flattenRows(rows [][]string) string {
	var sb strings.Builder
	for _, row := range rows {
		sb.WriteString(strings.Join(row, "\t"))
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}
