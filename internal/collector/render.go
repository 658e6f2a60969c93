package collector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"saas-knowledge-platform/internal/logger"
	"saas-knowledge-platform/models"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/chromedp"
)

// renderAndParse fetches the start page through a headless browser so sites
// that assemble their content with JavaScript still yield text. Soft-fails:
// the plain HTTP crawl remains the fallback.
func renderAndParse(ctx context.Context, pageURL string, cfg Config) (models.CollectedPage, bool) {
	renderTimeout := cfg.RenderTimeout
	if renderTimeout <= 0 {
		renderTimeout = 45 * time.Second
	}
	networkIdle := cfg.NetworkIdleAfter
	if networkIdle <= 0 {
		networkIdle = 1200 * time.Millisecond
	}

	html, err := renderPageHTML(ctx, pageURL, renderTimeout, cfg.WaitSelector, networkIdle)
	if err != nil || html == "" {
		if err != nil {
			logger.Warn("headless render failed", "url", pageURL, "error", err)
		}
		return models.CollectedPage{}, false
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return models.CollectedPage{}, false
	}

	page, ok := PageFromSelection(doc.Selection, pageURL, cfg.ContentSelector)
	if !ok {
		return models.CollectedPage{}, false
	}
	page.StatusCode = 200
	return page, true
}

// renderPageHTML navigates a headless browser, waits for readiness and
// network idle, then returns the rendered HTML.
func renderPageHTML(parent context.Context, urlStr string, timeout time.Duration, waitSelector string, networkIdleAfter time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.UserAgent(browserUserAgent),
	)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	var html string

	if err := chromedp.Run(browserCtx, chromedp.Navigate(urlStr)); err != nil {
		return "", err
	}

	// Readiness waits soft-fail; the HTML read below is what matters.
	readyCtx, cancelReady := context.WithTimeout(browserCtx, 10*time.Second)
	defer cancelReady()
	_ = chromedp.Run(readyCtx, chromedp.WaitReady("body", chromedp.ByQuery))

	if waitSelector != "" {
		selCtx, cancelSel := context.WithTimeout(browserCtx, 15*time.Second)
		defer cancelSel()
		_ = chromedp.Run(selCtx, chromedp.WaitVisible(waitSelector, chromedp.ByQuery))
	}

	if networkIdleAfter > 0 {
		idleCap := networkIdleAfter
		if idleCap > 5*time.Second {
			idleCap = 5 * time.Second
		}
		idleCtx, cancelIdle := context.WithTimeout(browserCtx, idleCap+1*time.Second)
		defer cancelIdle()
		_ = chromedp.Run(idleCtx, waitForNetworkIdle(idleCap))
	}

	if err := chromedp.Run(browserCtx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

// waitForNetworkIdle resolves once no resource activity has been observed in
// the page for the given duration.
func waitForNetworkIdle(d time.Duration) chromedp.ActionFunc {
	js := `(function(waitMs){
      return new Promise((resolve)=>{
        if (!('PerformanceObserver' in window)) {
          setTimeout(resolve, waitMs);
          return;
        }
        let last = Date.now();
        const obs = new PerformanceObserver(()=>{ last = Date.now(); });
        try { obs.observe({entryTypes:['resource','navigation']}); } catch(e) {}
        const tick = () => {
          if (Date.now()-last >= waitMs) { try { obs.disconnect(); } catch(e){} resolve(); return; }
          setTimeout(tick, 100);
        };
        tick();
      });
    })(%d);`
	return func(ctx context.Context) error {
		return chromedp.Run(ctx, chromedp.Evaluate(fmt.Sprintf(js, int(d.Milliseconds())), nil))
	}
}
