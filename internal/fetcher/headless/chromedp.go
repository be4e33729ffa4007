// Package headless contains a fetcher that renders pages in headless Chrome
// so content built by JavaScript is visible to extraction.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/domain-crawler/internal/crawler"
)

const defaultNavigationTimeout = 45 * time.Second

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxParallel caps concurrent browser tabs. Zero means one tab per worker.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay is how long to wait after the body is ready so late
	// scripts can finish rendering.
	SettleDelay time.Duration
	Headers     map[string]string
	// MaxBodyBytes truncates the rendered DOM. Zero disables the cap.
	MaxBodyBytes int
}

// Fetcher implements crawler.Fetcher using chromedp and headless Chrome.
// One browser process is shared; every fetch opens its own tab.
type Fetcher struct {
	cfg         Config
	tabs        *semaphore.Weighted
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher backed by chromedp. The browser is
// started lazily on the first fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	switch {
	case cfg.MaxParallel < 0:
		return nil, fmt.Errorf("max parallel must be >= 0")
	case cfg.MaxBodyBytes < 0:
		return nil, fmt.Errorf("max body bytes must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	f := &Fetcher{cfg: cfg}
	if cfg.MaxParallel > 0 {
		f.tabs = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	f.allocator, f.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	return f, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch renders url in a fresh tab. The result URL is the document's final
// location after redirects, so relative links resolve against it.
func (f *Fetcher) Fetch(ctx context.Context, url, referer string) (crawler.FetchResult, error) {
	if f.tabs != nil {
		if err := f.tabs.Acquire(ctx, 1); err != nil {
			return crawler.FetchResult{URL: url}, fmt.Errorf("headless slot wait canceled: %w", err)
		}
		defer f.tabs.Release(1)
	}

	tabCtx, closeTab := chromedp.NewContext(f.allocator)
	defer closeTab()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer cancel()
	// The tab descends from the allocator, not ctx, so tie them together.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	doc := &documentResponse{}
	chromedp.ListenTarget(tabCtx, doc.observe)

	start := time.Now()
	page, err := f.render(tabCtx, url, referer)
	if err != nil {
		if ctx.Err() != nil {
			return crawler.FetchResult{URL: url}, fmt.Errorf("headless fetch canceled: %w", ctx.Err())
		}
		return crawler.FetchResult{URL: url}, crawler.Transient(url, crawler.NoStatus, err)
	}

	status, headers := doc.result()
	result := crawler.FetchResult{
		URL:        firstNonEmpty(page.location, url),
		StatusCode: status,
		Headers:    headers,
		Content:    truncate(page.html, f.cfg.MaxBodyBytes),
		Duration:   time.Since(start),
	}
	if err := crawler.CheckStatus(url, status); err != nil {
		result.Content = ""
		return result, err
	}
	return result, nil
}

type renderedPage struct {
	html     string
	location string
}

func (f *Fetcher) render(ctx context.Context, url, referer string) (renderedPage, error) {
	var page renderedPage
	actions := []chromedp.Action{
		f.prepareTab(referer),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	if f.cfg.SettleDelay > 0 {
		actions = append(actions, chromedp.Sleep(f.cfg.SettleDelay))
	}
	actions = append(actions,
		chromedp.Location(&page.location),
		chromedp.OuterHTML("html", &page.html, chromedp.ByQuery),
	)
	if err := chromedp.Run(ctx, actions...); err != nil {
		return renderedPage{}, fmt.Errorf("chromedp run: %w", err)
	}
	return page, nil
}

// prepareTab enables network events and applies the user agent and any
// extra request headers.
func (f *Fetcher) prepareTab(referer string) chromedp.Action {
	headers := extraHeaders(f.cfg.Headers, referer)
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) == 0 {
			return nil
		}
		if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
			return fmt.Errorf("set extra headers: %w", err)
		}
		return nil
	})
}

func extraHeaders(configured map[string]string, referer string) network.Headers {
	headers := make(network.Headers, len(configured)+1)
	for k, v := range configured {
		headers[http.CanonicalHeaderKey(k)] = v
	}
	if referer != "" {
		headers["Referer"] = referer
	}
	return headers
}

// documentResponse records the status and headers of the last top-level
// document response seen in a tab. Subresources are ignored.
type documentResponse struct {
	mu      sync.Mutex
	status  int
	headers http.Header
}

func (d *documentResponse) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	headers := toHTTPHeader(resp.Response.Headers)
	d.mu.Lock()
	d.status = int(resp.Response.Status)
	d.headers = headers
	d.mu.Unlock()
}

// result reports 200 when the browser rendered a page without emitting a
// document response, as happens for some cached navigations.
func (d *documentResponse) result() (int, http.Header) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status := d.status
	if status == 0 {
		status = http.StatusOK
	}
	if d.headers == nil {
		return status, http.Header{}
	}
	return status, d.headers.Clone()
}

func toHTTPHeader(src network.Headers) http.Header {
	headers := make(http.Header, len(src))
	for key, value := range src {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	return headers
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
