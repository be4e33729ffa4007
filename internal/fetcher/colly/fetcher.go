// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/domain-crawler/internal/crawler"
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	Headers      map[string]string
	MaxBodyBytes int
}

// Fetcher implements crawler.Fetcher using the Colly collector. robots.txt
// is handled by the scope filter, so the collector ignores it.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Fetch retrieves url. Non-2xx responses and transport failures are returned
// as classified crawler.FetchErrors alongside whatever status was observed.
func (f *Fetcher) Fetch(ctx context.Context, url, referer string) (crawler.FetchResult, error) {
	var (
		result   crawler.FetchResult
		fetchErr error
	)
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, referer, time.Now(), &result, &fetchErr)

	if err := f.runCollector(ctx, collector, url); err != nil {
		if ctx.Err() != nil {
			return crawler.FetchResult{URL: url}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
		}
		if fetchErr == nil {
			fetchErr = err
		}
	}
	if result.URL == "" {
		result.URL = url
	}
	if result.StatusCode == crawler.NoStatus {
		if fetchErr == nil {
			fetchErr = fmt.Errorf("no response received")
		}
		return result, crawler.ClassifyTransportError(url, fetchErr)
	}
	if err := crawler.CheckStatus(url, result.StatusCode); err != nil {
		result.Content = ""
		return result, err
	}
	return result, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	referer string,
	start time.Time,
	result *crawler.FetchResult,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(r, referer)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.FetchResult{
			URL:        finalURL(r),
			StatusCode: r.StatusCode,
			Headers:    cloneHeaders(r.Headers),
			Content:    string(r.Body),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		*fetchErr = err
		if r != nil && r.StatusCode != 0 {
			result.StatusCode = r.StatusCode
			result.Duration = time.Since(start)
		}
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(r *colly.Request, referer string) {
	for key, value := range f.cfg.Headers {
		r.Headers.Set(key, value)
	}
	if referer != "" {
		r.Headers.Set("Referer", referer)
	}
}

// finalURL is where the collector ended up after following redirects.
func finalURL(r *colly.Response) string {
	if r == nil || r.Request == nil || r.Request.URL == nil {
		return ""
	}
	return r.Request.URL.String()
}

func cloneHeaders(h *http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
