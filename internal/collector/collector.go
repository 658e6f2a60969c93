package collector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"saas-knowledge-platform/internal/logger"
	"saas-knowledge-platform/models"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/brotli"
	colly "github.com/gocolly/colly/v2"
	"golang.org/x/net/html/charset"
)

var httpTransport = &http.Transport{
	DisableCompression: false,
}

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Config describes one collection run against an external web source.
type Config struct {
	URL             string
	MaxPages        int
	MaxDepth        int
	AllowedDomains  []string
	AllowedPaths    []string
	ContentSelector string
	FollowLinks     bool
	RespectRobots   bool
	Timeout         time.Duration
	UserAgent       string

	// JS rendering for the initial page of script-heavy sites.
	RenderJS         bool
	RenderTimeout    time.Duration
	WaitSelector     string
	NetworkIdleAfter time.Duration

	// Progress, when set, receives running (visited, collected) counts as
	// pages land. Invoked under the collector's page lock; keep it cheap.
	Progress func(visited, collected int)
}

// Result is the raw harvest of a run. Pages are unpersisted; the collection
// service dedups them against existing documents and decides what to keep.
type Result struct {
	StartURL     string
	Title        string
	Pages        []models.CollectedPage
	PagesVisited int
}

// ConfigFromSource maps a registered source onto a run config.
func ConfigFromSource(src *models.CollectionSource) Config {
	return Config{
		URL:             src.BaseURL,
		MaxPages:        src.MaxPages,
		MaxDepth:        src.MaxDepth,
		AllowedDomains:  src.AllowedDomains,
		AllowedPaths:    src.AllowedPaths,
		ContentSelector: src.ContentSelector,
		FollowLinks:     src.FollowLinks,
		RespectRobots:   src.RespectRobots,
		RenderJS:        src.RenderJS,
	}
}

// NormalizeURL canonicalizes a URL for duplicate detection: fragment
// stripped, scheme/host lowercased, default ports and trailing slashes
// removed. The same form is stored on documents so dedup survives restarts.
func NormalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	parsed.Fragment = ""

	path := parsed.Path
	if path == "" {
		path = "/"
	} else if path != "/" {
		path = strings.TrimSuffix(path, "/")
		if path == "" {
			path = "/"
		}
	}
	parsed.Path = path

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)

	if parsed.Port() == "80" && parsed.Scheme == "http" {
		host, _, _ := strings.Cut(parsed.Host, ":")
		parsed.Host = host
	}
	if parsed.Port() == "443" && parsed.Scheme == "https" {
		host, _, _ := strings.Cut(parsed.Host, ":")
		parsed.Host = host
	}

	return parsed.String(), nil
}

// Collect fetches up to cfg.MaxPages pages starting from cfg.URL. Cancelling
// ctx aborts requests that have not been issued yet; pages already collected
// are still returned so a cancelled run keeps its partial harvest.
func Collect(ctx context.Context, cfg Config) (*Result, error) {
	parsedURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme == "" {
		parsedURL.Scheme = "https"
		cfg.URL = parsedURL.String()
	}

	startURL, err := NormalizeURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL format: %w", err)
	}

	result := &Result{StartURL: startURL}

	allowedDomains := cfg.AllowedDomains
	if len(allowedDomains) == 0 {
		hostname := parsedURL.Hostname()
		if hostname != "" {
			bare := strings.TrimPrefix(strings.ToLower(hostname), "www.")
			allowedDomains = []string{bare, "www." + bare, hostname}
		}
	}

	maxDepth := cfg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 2
	}
	options := []colly.CollectorOption{
		colly.Async(true),
		colly.MaxDepth(maxDepth),
	}
	if len(allowedDomains) > 0 {
		options = append(options, colly.AllowedDomains(allowedDomains...))
	}

	// Fresh collector per run so visit state never leaks between sources.
	c := colly.NewCollector(options...)
	c.WithTransport(httpTransport)
	c.UserAgent = browserUserAgent
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	if cfg.RespectRobots {
		c.IgnoreRobotsTxt = false
	}

	if cfg.Timeout > 0 {
		c.SetRequestTimeout(cfg.Timeout)
	} else {
		c.SetRequestTimeout(60 * time.Second)
	}

	c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: 1,
		Delay:       2 * time.Second,
		RandomDelay: 1 * time.Second,
	})

	maxPages := cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 50
	}

	var (
		pagesMu sync.Mutex
		pages   []models.CollectedPage
	)
	processed := sync.Map{}
	queued := sync.Map{}
	var runErr error
	var runErrMu sync.Mutex

	setRunErr := func(err error) {
		runErrMu.Lock()
		if runErr == nil {
			runErr = err
		}
		runErrMu.Unlock()
	}

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		setBrowserHeaders(r)
	})

	c.OnResponse(func(r *colly.Response) {
		contentType := r.Headers.Get("Content-Type")
		if contentType != "" && !strings.Contains(contentType, "text/html") && !strings.Contains(contentType, "application/xhtml+xml") {
			return
		}

		// The standard transport decompresses gzip but not brotli.
		if strings.Contains(r.Headers.Get("Content-Encoding"), "br") {
			if decompressed, err := io.ReadAll(brotli.NewReader(bytes.NewReader(r.Body))); err == nil {
				r.Body = decompressed
			}
		}

		if len(r.Body) > 0 {
			if utf8Reader, err := charset.NewReader(bytes.NewReader(r.Body), contentType); err == nil {
				if decoded, readErr := io.ReadAll(utf8Reader); readErr == nil && len(decoded) > 0 {
					r.Body = decoded
				}
			}
		}

		pagesMu.Lock()
		result.PagesVisited++
		pagesMu.Unlock()
	})

	c.OnHTML("html", func(e *colly.HTMLElement) {
		pagesMu.Lock()
		defer pagesMu.Unlock()

		if len(pages) >= maxPages {
			return
		}

		normalizedURL, err := NormalizeURL(e.Request.URL.String())
		if err != nil {
			return
		}
		if _, exists := processed.LoadOrStore(normalizedURL, true); exists {
			return
		}

		page, ok := PageFromSelection(e.DOM, normalizedURL, cfg.ContentSelector)
		if ok {
			page.StatusCode = e.Response.StatusCode
			pages = append(pages, page)
			if len(pages) == 1 {
				result.Title = page.Title
			}
			if cfg.Progress != nil {
				cfg.Progress(result.PagesVisited, len(pages))
			}
		}

		if !cfg.FollowLinks || len(pages) >= maxPages {
			return
		}

		linkCount := 0
		e.DOM.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
			if len(pages) >= maxPages || linkCount >= 20 || ctx.Err() != nil {
				return
			}
			href, exists := s.Attr("href")
			if !exists || href == "" {
				return
			}
			hrefLower := strings.ToLower(href)
			if strings.HasPrefix(href, "#") ||
				strings.HasPrefix(hrefLower, "javascript:") ||
				strings.HasPrefix(hrefLower, "mailto:") ||
				strings.HasPrefix(hrefLower, "tel:") {
				return
			}

			absoluteURL := e.Request.AbsoluteURL(href)
			if absoluteURL == "" {
				return
			}
			normalized, err := NormalizeURL(absoluteURL)
			if err != nil {
				return
			}
			if _, alreadyQueued := queued.LoadOrStore(normalized, true); alreadyQueued {
				return
			}
			if _, alreadyDone := processed.Load(normalized); alreadyDone {
				return
			}
			if !urlAllowed(normalized, cfg, allowedDomains) {
				return
			}
			linkCount++
			c.Visit(normalized)
		})
	})

	c.OnError(func(r *colly.Response, err error) {
		normalizedErrURL, _ := NormalizeURL(r.Request.URL.String())
		isStart := normalizedErrURL == startURL

		switch {
		case r.StatusCode == http.StatusForbidden:
			logger.Warn("collection blocked", "url", r.Request.URL.String(), "status", 403)
			if isStart {
				setRunErr(fmt.Errorf("access forbidden (403): the site blocked the collector"))
			}
		case r.StatusCode == http.StatusTooManyRequests:
			logger.Warn("collection rate limited", "url", r.Request.URL.String())
			if isStart {
				setRunErr(fmt.Errorf("rate limited (429): retry the run later"))
			}
		case r.StatusCode >= 500:
			logger.Warn("collection upstream error", "url", r.Request.URL.String(), "status", r.StatusCode)
			if isStart {
				setRunErr(fmt.Errorf("server error (%d) from source", r.StatusCode))
			}
		case strings.Contains(err.Error(), "already visited"):
			// Expected while following links.
		default:
			if isStart {
				if r.StatusCode != 0 {
					setRunErr(fmt.Errorf("HTTP error (%d): %v", r.StatusCode, err))
				} else {
					setRunErr(fmt.Errorf("failed to fetch %s: %w", startURL, err))
				}
			}
		}
	})

	queued.Store(startURL, true)

	if cfg.RenderJS {
		if page, ok := renderAndParse(ctx, startURL, cfg); ok {
			pagesMu.Lock()
			pages = append(pages, page)
			result.Title = page.Title
			if cfg.Progress != nil {
				cfg.Progress(result.PagesVisited, len(pages))
			}
			pagesMu.Unlock()
			processed.Store(startURL, true)
		}
	}

	logger.Info("collection run starting", "url", startURL, "max_pages", maxPages)
	if err := c.Visit(startURL); err != nil && !strings.Contains(err.Error(), "already visited") {
		queued.Store(cfg.URL, true)
		if err := c.Visit(cfg.URL); err != nil && !strings.Contains(err.Error(), "already visited") {
			return nil, fmt.Errorf("failed to start collection: %w", err)
		}
	}
	c.Wait()

	pagesMu.Lock()
	result.Pages = pages
	pagesMu.Unlock()

	if len(result.Pages) == 0 {
		runErrMu.Lock()
		err := runErr
		runErrMu.Unlock()
		if err != nil {
			return nil, err
		}
	}
	// Zero pages with no fetch error means the crawl ran but nothing
	// matched the selectors. A valid outcome, not a failure.
	return result, nil
}

func setBrowserHeaders(r *colly.Request) {
	r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
	r.Headers.Set("Accept-Encoding", "gzip, deflate, br, zstd")
	r.Headers.Set("Connection", "keep-alive")
	r.Headers.Set("Upgrade-Insecure-Requests", "1")
	r.Headers.Set("Sec-Fetch-Dest", "document")
	r.Headers.Set("Sec-Fetch-Mode", "navigate")
	r.Headers.Set("Sec-Fetch-Site", "none")
	r.Headers.Set("Sec-Fetch-User", "?1")
	r.Headers.Set("Sec-Ch-Ua", `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`)
	r.Headers.Set("Sec-Ch-Ua-Mobile", "?0")
	r.Headers.Set("Sec-Ch-Ua-Platform", `"Windows"`)

	if parsed, err := url.Parse(r.URL.String()); err == nil {
		r.Headers.Set("Referer", fmt.Sprintf("%s://%s/", parsed.Scheme, parsed.Host))
	}
	r.Headers.Del("Cache-Control")
	r.Headers.Del("Pragma")
}

// urlAllowed applies domain, path and content-type style filters to a
// candidate link before it is queued.
func urlAllowed(urlStr string, cfg Config, allowedDomains []string) bool {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return false
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return false
	}

	if len(allowedDomains) > 0 {
		hostname := strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
		allowed := false
		for _, domain := range allowedDomains {
			domain = strings.TrimPrefix(strings.ToLower(domain), "www.")
			if hostname == domain || strings.HasSuffix(hostname, "."+domain) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(cfg.AllowedPaths) > 0 {
		allowed := false
		for _, prefix := range cfg.AllowedPaths {
			if strings.HasPrefix(parsed.Path, prefix) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	excluded := []string{
		"/wp-json/", "/api/", "/ajax/",
		".pdf", ".jpg", ".jpeg", ".png", ".gif", ".svg", ".css", ".js", ".xml",
		"/feed/", "/rss/", "/atom/",
		"/search?", "/?s=",
		"/wp-admin/", "/wp-includes/",
	}
	pathLower := strings.ToLower(parsed.Path)
	queryLower := strings.ToLower(parsed.RawQuery)
	for _, pattern := range excluded {
		if strings.Contains(pathLower, pattern) || strings.Contains(queryLower, pattern) {
			return false
		}
	}
	return true
}
