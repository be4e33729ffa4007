// Package seed contains setup hooks that add URLs to the frontier before the
// workers start.
package seed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/domain-crawler/internal/crawler"
)

const maxSitemapBytes = 10 << 20

// DefaultLocations are tried, relative to the site root, when no sitemap is
// configured.
var DefaultLocations = []string{"/sitemap.xml", "/sitemap_index.xml"}

// SitemapConfig controls the sitemap hook.
type SitemapConfig struct {
	StartURL  string
	Locations []string
	UserAgent string
	Timeout   time.Duration
	// MaxIndexDepth bounds how many levels of sitemap index are followed.
	MaxIndexDepth int
}

// Sitemap offers every <loc> in the site's sitemaps to the frontier. Missing
// or malformed sitemaps are logged and skipped; they never fail the run.
type Sitemap struct {
	cfg    SitemapConfig
	root   *url.URL
	client *http.Client
	logger *zap.Logger
}

// NewSitemap builds a Sitemap hook. client may be nil.
func NewSitemap(cfg SitemapConfig, client *http.Client, logger *zap.Logger) (*Sitemap, error) {
	root, err := url.Parse(cfg.StartURL)
	if err != nil || root.Host == "" {
		return nil, fmt.Errorf("sitemap start url %q is not absolute", cfg.StartURL)
	}
	root = &url.URL{Scheme: root.Scheme, Host: root.Host, Path: "/"}
	if len(cfg.Locations) == 0 {
		cfg.Locations = DefaultLocations
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxIndexDepth <= 0 {
		cfg.MaxIndexDepth = 1
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sitemap{cfg: cfg, root: root, client: client, logger: logger.Named("sitemap")}, nil
}

// Name implements crawler.SetupHook.
func (s *Sitemap) Name() string { return "sitemap" }

// Setup implements crawler.SetupHook.
func (s *Sitemap) Setup(ctx context.Context, seed crawler.SeedFunc) error {
	offered, accepted := 0, 0
	for _, loc := range s.cfg.Locations {
		target, err := s.root.Parse(loc)
		if err != nil {
			s.logger.Warn("invalid sitemap location", zap.String("location", loc), zap.Error(err))
			continue
		}
		urls := s.collect(ctx, target.String(), 0)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		for _, u := range urls {
			offered++
			if seed(ctx, u) {
				accepted++
			}
		}
	}
	s.logger.Info("sitemap seeding complete", zap.Int("offered", offered), zap.Int("accepted", accepted))
	return nil
}

// collect returns the page URLs reachable from sitemapURL.
func (s *Sitemap) collect(ctx context.Context, sitemapURL string, depth int) []string {
	doc, err := s.fetch(ctx, sitemapURL)
	if err != nil {
		s.logger.Debug("sitemap unavailable", zap.String("url", sitemapURL), zap.Error(err))
		return nil
	}

	if xmlquery.FindOne(doc, "//sitemapindex") != nil {
		if depth >= s.cfg.MaxIndexDepth {
			s.logger.Debug("sitemap index depth reached", zap.String("url", sitemapURL))
			return nil
		}
		var urls []string
		for _, child := range locs(doc, "//sitemapindex/sitemap/loc") {
			if ctx.Err() != nil {
				return urls
			}
			urls = append(urls, s.collect(ctx, child, depth+1)...)
		}
		return urls
	}
	return locs(doc, "//urlset/url/loc")
}

func (s *Sitemap) fetch(ctx context.Context, sitemapURL string) (*xmlquery.Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if s.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", s.cfg.UserAgent)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch sitemap: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch sitemap: status %d", resp.StatusCode)
	}
	doc, err := xmlquery.Parse(io.LimitReader(resp.Body, maxSitemapBytes))
	if err != nil {
		return nil, fmt.Errorf("parse sitemap: %w", err)
	}
	return doc, nil
}

func locs(doc *xmlquery.Node, expr string) []string {
	var out []string
	for _, n := range xmlquery.Find(doc, expr) {
		if loc := strings.TrimSpace(n.InnerText()); loc != "" {
			out = append(out, loc)
		}
	}
	return out
}
