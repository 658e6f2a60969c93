package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"saas-knowledge-platform/internal/blob"
	"saas-knowledge-platform/internal/collector"
	"saas-knowledge-platform/internal/config"
	"saas-knowledge-platform/internal/logger"
	"saas-knowledge-platform/internal/store"
	"saas-knowledge-platform/models"
	"saas-knowledge-platform/utils"
)

// IngestScheduler starts a tracked ingestion run for a stored document and
// returns the task id. The queue package supplies the production
// implementation; the interface lives here so services never import it.
type IngestScheduler interface {
	ScheduleIngestion(ctx context.Context, documentID primitive.ObjectID) (primitive.ObjectID, error)
}

// CollectionService harvests registered external web sources into documents.
// Each collected page is deduplicated against the container, persisted as a
// markdown blob, and handed to the ingestion pipeline as its own task.
type CollectionService struct {
	sources   store.SourceStore
	documents store.DocumentStore
	blobs     blob.Store
	ingest    IngestScheduler

	maxPages  int
	maxDepth  int
	timeout   time.Duration
	userAgent string
}

func NewCollectionService(stores store.Stores, blobs blob.Store, ingest IngestScheduler, cfg *config.Config) *CollectionService {
	return &CollectionService{
		sources:   stores.Sources,
		documents: stores.Documents,
		blobs:     blobs,
		ingest:    ingest,
		maxPages:  cfg.CollectMaxPages,
		maxDepth:  cfg.CollectMaxDepth,
		timeout:   time.Duration(cfg.CollectTimeout) * time.Second,
		userAgent: cfg.CollectUserAgent,
	}
}

// Run executes one collection pass over a source: crawl, dedup, persist,
// schedule ingestion. Progress reaches the report at page boundaries, so a
// cancel request takes effect between pages, never mid-page. A crawl that
// matches nothing is a normal outcome with collected 0, not a failure.
func (s *CollectionService) Run(ctx context.Context, sourceID primitive.ObjectID, report ProgressFunc) (*models.CollectionOutcome, error) {
	src, err := s.sources.Get(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("load source: %w", err)
	}
	if !src.Enabled {
		return nil, fmt.Errorf("%w: source %q is disabled", ErrPreconditionFailed, src.Name)
	}

	cfg := collector.ConfigFromSource(src)
	// Platform limits win over per-source settings.
	if cfg.MaxPages <= 0 || (s.maxPages > 0 && cfg.MaxPages > s.maxPages) {
		cfg.MaxPages = s.maxPages
	}
	if cfg.MaxDepth <= 0 || (s.maxDepth > 0 && cfg.MaxDepth > s.maxDepth) {
		cfg.MaxDepth = s.maxDepth
	}
	cfg.Timeout = s.timeout
	cfg.UserAgent = s.userAgent
	maxPages := cfg.MaxPages

	if err := report(0, maxPages, 0, 0, "collection started"); err != nil {
		return nil, err
	}

	crawlCtx, stopCrawl := context.WithCancel(ctx)
	defer stopCrawl()

	var cancelled atomic.Bool
	cfg.Progress = func(visited, collected int) {
		if err := report(visited, maxPages, 0, 0, fmt.Sprintf("fetched %d page(s)", collected)); err != nil {
			cancelled.Store(true)
			stopCrawl()
		}
	}

	harvest, err := collector.Collect(crawlCtx, cfg)
	if cancelled.Load() {
		return nil, ErrCancelled
	}
	if err != nil {
		return nil, fmt.Errorf("collection failed: %w", err)
	}

	outcome := &models.CollectionOutcome{PagesVisited: harvest.PagesVisited}
	for _, page := range harvest.Pages {
		stored, err := s.storePage(ctx, src, page)
		switch {
		case stored && err == nil:
			outcome.Collected++
		case stored:
			// Persisted but not scheduled; the document stays pending and
			// can be reprocessed by hand.
			outcome.Collected++
			outcome.Errors++
			logger.Warn("collected page stored without ingestion", "url", page.URL, "error", err)
		case err == nil:
			outcome.Duplicates++
		default:
			outcome.Errors++
			logger.Warn("could not store collected page", "url", page.URL, "error", err)
		}

		msg := fmt.Sprintf("stored %d of %d fetched page(s)", outcome.Collected, len(harvest.Pages))
		if err := report(outcome.PagesVisited, maxPages, outcome.Collected, outcome.Errors, msg); err != nil {
			return outcome, err
		}
	}

	if err := report(outcome.PagesVisited, maxPages, outcome.Collected, outcome.Errors, summarizeOutcome(outcome)); err != nil {
		return outcome, err
	}
	logger.Info("collection run finished",
		"source", src.Name,
		"visited", outcome.PagesVisited,
		"collected", outcome.Collected,
		"duplicates", outcome.Duplicates,
		"errors", outcome.Errors)
	return outcome, nil
}

// storePage persists one fetched page as a pending document and schedules
// its ingestion. stored reports whether a new document was created; a nil
// error with stored false means the page was a duplicate.
func (s *CollectionService) storePage(ctx context.Context, src *models.CollectionSource, page models.CollectedPage) (stored bool, err error) {
	raw := []byte(renderPageMarkdown(page))
	hash := utils.ContentHash(raw)

	if _, err := s.documents.FindByContentHash(ctx, src.ContainerID, hash); err == nil {
		return false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("content dedup lookup: %w", err)
	}

	if existing, err := s.documents.FindBySourceURL(ctx, src.ContainerID, page.URL); err == nil {
		// Same URL, changed content. Skipped rather than versioned so
		// retrieval never returns two generations of one page.
		logger.Warn("collected page changed since last run",
			"url", page.URL, "document_id", existing.ID.Hex())
		return false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("url dedup lookup: %w", err)
	}

	key, size, blobHash, err := s.blobs.Put(ctx, bytes.NewReader(raw), ".md")
	if err != nil {
		return false, fmt.Errorf("store page blob: %w", err)
	}

	doc := &models.Document{
		ContainerID:  src.ContainerID,
		Filename:     filenameForURL(page.URL),
		OriginalName: strings.TrimSpace(page.Title),
		BlobKey:      key,
		MimeType:     "text/markdown",
		Size:         size,
		ContentHash:  blobHash,
		Source:       models.SourceCollection,
		SourceURL:    page.URL,
		Status:       models.StatusPending,
		UploadedAt:   time.Now(),
	}
	if doc.OriginalName == "" {
		doc.OriginalName = page.URL
	}

	docID, err := s.documents.Create(ctx, doc)
	if err != nil {
		if delErr := s.blobs.Delete(ctx, key); delErr != nil {
			logger.Warn("could not remove orphaned page blob", "key", key, "error", delErr)
		}
		return false, fmt.Errorf("create document: %w", err)
	}

	if s.ingest != nil {
		if _, err := s.ingest.ScheduleIngestion(ctx, docID); err != nil {
			return true, fmt.Errorf("schedule ingestion: %w", err)
		}
	}
	return true, nil
}

func summarizeOutcome(outcome *models.CollectionOutcome) string {
	if outcome.Collected == 0 && outcome.Duplicates == 0 && outcome.Errors == 0 {
		return "no matching pages"
	}
	if outcome.Collected == 0 && outcome.Duplicates > 0 {
		return fmt.Sprintf("no new pages, %d duplicate(s) skipped", outcome.Duplicates)
	}
	return fmt.Sprintf("collected %d page(s), %d duplicate(s), %d error(s)",
		outcome.Collected, outcome.Duplicates, outcome.Errors)
}

// renderPageMarkdown lays a page out as markdown so the title survives as a
// heading through plaintext extraction and section chunking.
func renderPageMarkdown(page models.CollectedPage) string {
	var b strings.Builder
	if title := strings.TrimSpace(page.Title); title != "" {
		b.WriteString("# ")
		b.WriteString(title)
		b.WriteString("\n\n")
	}
	b.WriteString(page.Content)
	b.WriteString("\n")
	return b.String()
}

// filenameForURL derives a stable display filename from the page URL.
func filenameForURL(pageURL string) string {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "page.md"
	}
	slug := strings.Trim(parsed.Path, "/")
	slug = strings.ReplaceAll(slug, "/", "-")
	if slug == "" {
		slug = "index"
	}
	if len(slug) > 80 {
		slug = slug[:80]
	}
	return parsed.Hostname() + "-" + slug + ".md"
}
