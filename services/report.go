package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"saas-knowledge-platform/internal/blob"
	"saas-knowledge-platform/internal/logger"
	"saas-knowledge-platform/internal/store"
	"saas-knowledge-platform/models"
)

const reportTimeFormat = "2006-01-02 15:04:05"

// ReportService renders ingestion overview workbooks for a container: one
// row per document with its pipeline state, chunk and embedding counts,
// plus a summary sheet. The workbook lands in blob storage and the blob key
// travels back through the task message.
type ReportService struct {
	documents   store.DocumentStore
	extractions store.ExtractionStore
	chunks      store.ChunkStore
	embeddings  store.EmbeddingStore
	containers  store.ContainerStore
	blobs       blob.Store
}

func NewReportService(stores store.Stores, blobs blob.Store) *ReportService {
	return &ReportService{
		documents:   stores.Documents,
		extractions: stores.Extractions,
		chunks:      stores.Chunks,
		embeddings:  stores.Embeddings,
		containers:  stores.Containers,
		blobs:       blobs,
	}
}

// documentReportRow is one rendered line of the Documents sheet.
type documentReportRow struct {
	doc        models.Document
	provider   string
	chunkCount int
	embedCount int
}

// reportTotals aggregates for the Summary sheet.
type reportTotals struct {
	byStatus   map[string]int
	bySource   map[string]int
	totalSize  int64
	chunks     int
	embeddings int
	withErrors int
}

// Run builds the report for a container and stores it as an xlsx blob.
// Returns the blob key. Progress lands per document, so cancellation takes
// effect between documents.
func (s *ReportService) Run(ctx context.Context, containerID primitive.ObjectID, report ProgressFunc) (string, error) {
	container, err := s.containers.Get(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("load container: %w", err)
	}

	docs, _, err := s.documents.ListByContainer(ctx, containerID, 0, 0)
	if err != nil {
		return "", fmt.Errorf("list documents: %w", err)
	}

	total := len(docs) + 1 // one extra step for rendering and storing
	if err := report(0, total, 0, 0, "report started"); err != nil {
		return "", err
	}

	rows := make([]documentReportRow, 0, len(docs))
	totals := reportTotals{
		byStatus: make(map[string]int),
		bySource: make(map[string]int),
	}
	for i, doc := range docs {
		row := s.buildRow(ctx, doc)
		rows = append(rows, row)

		totals.byStatus[doc.Status]++
		totals.bySource[doc.Source]++
		totals.totalSize += doc.Size
		totals.chunks += row.chunkCount
		totals.embeddings += row.embedCount
		if doc.ErrorMessage != "" {
			totals.withErrors++
		}

		if err := report(i+1, total, 0, 0, "collecting document rows"); err != nil {
			return "", err
		}
	}

	buf, err := renderWorkbook(container.Name, rows, totals)
	if err != nil {
		return "", fmt.Errorf("render workbook: %w", err)
	}

	key, size, _, err := s.blobs.Put(ctx, buf, ".xlsx")
	if err != nil {
		return "", fmt.Errorf("store report blob: %w", err)
	}

	if err := report(total, total, len(rows), 0, "report ready: "+key); err != nil {
		return key, err
	}
	logger.Info("ingestion report built",
		"container", container.Name, "documents", len(rows), "blob_key", key, "size", size)
	return key, nil
}

// buildRow resolves the per-document pipeline counters. Lookup failures
// leave the counters at zero rather than failing the whole report.
func (s *ReportService) buildRow(ctx context.Context, doc models.Document) documentReportRow {
	row := documentReportRow{doc: doc}

	if session, err := s.extractions.LatestSession(ctx, doc.ID); err == nil {
		row.provider = session.Provider
	} else if !errors.Is(err, store.ErrNotFound) {
		logger.Warn("report extraction lookup failed", "document_id", doc.ID.Hex(), "error", err)
	}

	if session, err := s.chunks.LatestSuccessfulSession(ctx, doc.ID); err == nil {
		row.chunkCount = session.ChunkCount
	} else if !errors.Is(err, store.ErrNotFound) {
		logger.Warn("report chunk lookup failed", "document_id", doc.ID.Hex(), "error", err)
	}

	if embeddings, err := s.embeddings.ListByDocument(ctx, doc.ID, ""); err == nil {
		row.embedCount = len(embeddings)
	} else {
		logger.Warn("report embedding lookup failed", "document_id", doc.ID.Hex(), "error", err)
	}

	return row
}

func renderWorkbook(containerName string, rows []documentReportRow, totals reportTotals) (*bytes.Buffer, error) {
	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			logger.Warn("could not close workbook", "error", err)
		}
	}()

	sheetName := "Documents"
	index, err := f.NewSheet(sheetName)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headers := []string{
		"ID", "Filename", "Original Name", "Source", "Source URL", "Status",
		"Provider", "Pages", "Chunks", "Embeddings", "Size (bytes)",
		"Uploaded At", "Processed At", "Error",
	}
	for i, header := range headers {
		cell := fmt.Sprintf("%c1", 'A'+i)
		f.SetCellValue(sheetName, cell, header)
	}

	for rowIdx, r := range rows {
		row := rowIdx + 2

		processedAt := ""
		if r.doc.ProcessedAt != nil {
			processedAt = r.doc.ProcessedAt.Format(reportTimeFormat)
		}

		f.SetCellValue(sheetName, fmt.Sprintf("A%d", row), r.doc.ID.Hex())
		f.SetCellValue(sheetName, fmt.Sprintf("B%d", row), r.doc.Filename)
		f.SetCellValue(sheetName, fmt.Sprintf("C%d", row), r.doc.OriginalName)
		f.SetCellValue(sheetName, fmt.Sprintf("D%d", row), r.doc.Source)
		f.SetCellValue(sheetName, fmt.Sprintf("E%d", row), r.doc.SourceURL)
		f.SetCellValue(sheetName, fmt.Sprintf("F%d", row), r.doc.Status)
		f.SetCellValue(sheetName, fmt.Sprintf("G%d", row), r.provider)
		f.SetCellValue(sheetName, fmt.Sprintf("H%d", row), r.doc.PageCount)
		f.SetCellValue(sheetName, fmt.Sprintf("I%d", row), r.chunkCount)
		f.SetCellValue(sheetName, fmt.Sprintf("J%d", row), r.embedCount)
		f.SetCellValue(sheetName, fmt.Sprintf("K%d", row), r.doc.Size)
		f.SetCellValue(sheetName, fmt.Sprintf("L%d", row), r.doc.UploadedAt.Format(reportTimeFormat))
		f.SetCellValue(sheetName, fmt.Sprintf("M%d", row), processedAt)
		f.SetCellValue(sheetName, fmt.Sprintf("N%d", row), r.doc.ErrorMessage)
	}

	for i := range headers {
		col := fmt.Sprintf("%c:%c", 'A'+i, 'A'+i)
		f.SetColWidth(sheetName, col, col, 18)
	}

	summarySheet := "Summary"
	if _, err := f.NewSheet(summarySheet); err != nil {
		return nil, fmt.Errorf("failed to create summary sheet: %w", err)
	}

	summaryData := [][]interface{}{
		{"Container", containerName},
		{"Generated At", time.Now().Format(reportTimeFormat)},
		{"Total Documents", len(rows)},
		{"Total Size (bytes)", totals.totalSize},
		{"Total Chunks", totals.chunks},
		{"Total Embeddings", totals.embeddings},
		{"Documents With Errors", totals.withErrors},
		{"", ""},
		{"By Status", ""},
		{"Completed", totals.byStatus[models.StatusCompleted]},
		{"Processing", totals.byStatus[models.StatusProcessing]},
		{"Pending", totals.byStatus[models.StatusPending]},
		{"Failed", totals.byStatus[models.StatusFailed]},
		{"", ""},
		{"By Source", ""},
		{"Uploaded", totals.bySource[models.SourceUpload]},
		{"Collected", totals.bySource[models.SourceCollection]},
	}
	for i, pair := range summaryData {
		for j, cell := range pair {
			cellRef := fmt.Sprintf("%c%d", 'A'+j, i+1)
			f.SetCellValue(summarySheet, cellRef, cell)
		}
	}
	f.SetColWidth(summarySheet, "A:A", "A:A", 26)
	f.SetColWidth(summarySheet, "B:B", "B:B", 22)

	f.DeleteSheet("Sheet1")

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return &buf, nil
}
