package collector

import (
	"reflect"
	"testing"

	"saas-knowledge-platform/models"
)

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"https://Example.COM/Docs/", "https://example.com/Docs"},
		{"http://example.com:80/a", "http://example.com/a"},
		{"https://example.com:443/", "https://example.com/"},
		{"https://example.com", "https://example.com/"},
		{"https://example.com/docs#section-3", "https://example.com/docs"},
		{"https://example.com:8080/x/", "https://example.com:8080/x"},
		{"HTTP://EXAMPLE.com:80", "http://example.com/"},
		{"https://example.com/a?b=c&d=e", "https://example.com/a?b=c&d=e"},
	}
	for _, tc := range cases {
		got, err := NormalizeURL(tc.in)
		if err != nil {
			t.Fatalf("NormalizeURL(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("NormalizeURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	if _, err := NormalizeURL("http://exa mple.com/x"); err == nil {
		t.Fatal("expected an error for an invalid URL")
	}
}

func TestNormalizeURLDeduplicatesVariants(t *testing.T) {
	variants := []string{
		"https://example.com/docs",
		"https://example.com/docs/",
		"https://EXAMPLE.com/docs#intro",
		"https://example.com:443/docs/",
	}
	first, err := NormalizeURL(variants[0])
	if err != nil {
		t.Fatalf("NormalizeURL: %v", err)
	}
	for _, v := range variants[1:] {
		got, err := NormalizeURL(v)
		if err != nil {
			t.Fatalf("NormalizeURL(%q): %v", v, err)
		}
		if got != first {
			t.Fatalf("variants should normalize identically: %q vs %q", got, first)
		}
	}
}

func TestURLAllowed(t *testing.T) {
	domains := []string{"example.com"}
	cases := []struct {
		name string
		url  string
		cfg  Config
		want bool
	}{
		{"same domain", "https://example.com/docs", Config{}, true},
		{"www variant", "https://www.example.com/docs", Config{}, true},
		{"subdomain", "https://docs.example.com/guide", Config{}, true},
		{"foreign domain", "https://evil.com/docs", Config{}, false},
		{"non-http scheme", "ftp://example.com/file", Config{}, false},
		{"static asset", "https://example.com/report.pdf", Config{}, false},
		{"wordpress admin", "https://example.com/wp-admin/options", Config{}, false},
		{"feed path", "https://example.com/feed/", Config{}, false},
		{"path allowed", "https://example.com/docs/intro", Config{AllowedPaths: []string{"/docs"}}, true},
		{"path excluded", "https://example.com/blog/post", Config{AllowedPaths: []string{"/docs"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := urlAllowed(tc.url, tc.cfg, domains); got != tc.want {
				t.Fatalf("urlAllowed(%q) = %v, want %v", tc.url, got, tc.want)
			}
		})
	}

	// Without a domain allowlist only the scheme and exclusion filters apply.
	if !urlAllowed("https://anything.net/page", Config{}, nil) {
		t.Fatal("empty domain list should not block links")
	}
}

func TestConfigFromSource(t *testing.T) {
	src := &models.CollectionSource{
		BaseURL:         "https://example.com/docs",
		MaxPages:        25,
		MaxDepth:        3,
		AllowedDomains:  []string{"example.com"},
		AllowedPaths:    []string{"/docs"},
		ContentSelector: ".docs-page",
		FollowLinks:     true,
		RespectRobots:   true,
		RenderJS:        true,
	}

	cfg := ConfigFromSource(src)
	if cfg.URL != src.BaseURL || cfg.MaxPages != 25 || cfg.MaxDepth != 3 {
		t.Fatalf("config basics: %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.AllowedDomains, src.AllowedDomains) {
		t.Fatalf("allowed domains: %v", cfg.AllowedDomains)
	}
	if !reflect.DeepEqual(cfg.AllowedPaths, src.AllowedPaths) {
		t.Fatalf("allowed paths: %v", cfg.AllowedPaths)
	}
	if cfg.ContentSelector != ".docs-page" || !cfg.FollowLinks || !cfg.RespectRobots || !cfg.RenderJS {
		t.Fatalf("config flags: %+v", cfg)
	}
}
