package collector

import (
	"strings"
	"time"

	"saas-knowledge-platform/models"

	"github.com/PuerkitoBio/goquery"
)

// Selectors tried in order when the source has no content selector of its
// own. Semantic HTML5 containers first, raw body last.
var defaultContentSelectors = []string{
	"main",
	"article",
	"[role='main']",
	".main-content",
	".content",
	"#content",
	".post",
	".entry",
	"body",
}

// PageFromSelection turns a parsed HTML document into a CollectedPage.
// Returns false for pages with too little readable text to be worth
// chunking (navigation shells, redirect stubs).
func PageFromSelection(sel *goquery.Selection, pageURL, contentSelector string) (models.CollectedPage, bool) {
	title := strings.TrimSpace(sel.Find("title").First().Text())
	content := ExtractMainContent(sel, contentSelector)
	if len(content) < 50 {
		content = cleanWhitespace(sel.Find("body").Text())
	}

	wordCount := len(strings.Fields(content))
	if wordCount < 10 {
		return models.CollectedPage{}, false
	}

	if title == "" {
		title = headlineFallback(sel)
	}

	return models.CollectedPage{
		URL:       pageURL,
		Title:     title,
		Content:   content,
		Size:      int64(len(content)),
		WordCount: wordCount,
		FetchedAt: time.Now(),
	}, true
}

// ExtractMainContent pulls the readable text out of a page. A custom
// selector from the source config wins; otherwise semantic containers are
// tried in order and the first with substantial text is used.
func ExtractMainContent(selection *goquery.Selection, customSelector string) string {
	doc := selection.Clone()
	doc.Find("script, style, nav, footer, header, aside, .nav, .navbar, .footer, .header, .sidebar, .advertisement, .ads, .skip-link").Remove()

	selectors := defaultContentSelectors
	if customSelector != "" {
		selectors = append([]string{customSelector}, defaultContentSelectors...)
	}

	var content strings.Builder
	found := false
	for _, selector := range selectors {
		doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
			text := strings.TrimSpace(s.Text())
			if len(text) > 100 {
				content.WriteString(text)
				content.WriteString("\n\n")
				found = true
			}
		})
		if found {
			break
		}
	}

	if !found {
		content.WriteString(doc.Find("body").Text())
	}

	return cleanWhitespace(content.String())
}

// headlineFallback finds a display title when <title> is empty.
func headlineFallback(sel *goquery.Selection) string {
	for _, selector := range []string{"h1", "h2", "[itemprop='headline']"} {
		if text := strings.TrimSpace(sel.Find(selector).First().Text()); text != "" {
			return text
		}
	}
	if desc, ok := sel.Find("meta[property='og:title']").Attr("content"); ok {
		return strings.TrimSpace(desc)
	}
	return ""
}

func cleanWhitespace(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	cleaned := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			cleaned = append(cleaned, line)
		}
	}
	return strings.Join(cleaned, "\n")
}
