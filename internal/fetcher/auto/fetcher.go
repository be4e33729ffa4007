// Package auto combines a plain HTTP fetcher with a headless renderer,
// promoting a page to the renderer only when the HTTP response looks like a
// client-rendered shell.
package auto

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/domain-crawler/internal/crawler"
)

// Detector decides whether a primary response needs rendering.
type Detector interface {
	ShouldPromote(res crawler.FetchResult) bool
}

// Fetcher fetches with one fetcher and renders with another when needed.
type Fetcher struct {
	primary  crawler.Fetcher
	renderer crawler.Fetcher
	detector Detector
	logger   *zap.Logger
}

// New wires a Fetcher.
func New(primary, renderer crawler.Fetcher, detector Detector, logger *zap.Logger) (*Fetcher, error) {
	if primary == nil || renderer == nil {
		return nil, fmt.Errorf("primary and renderer fetchers are required")
	}
	if detector == nil {
		detector = NewHeuristic(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{primary: primary, renderer: renderer, detector: detector, logger: logger.Named("auto_fetcher")}, nil
}

// Fetch implements crawler.Fetcher. A failed render falls back to the primary
// response.
func (f *Fetcher) Fetch(ctx context.Context, url, referer string) (crawler.FetchResult, error) {
	res, err := f.primary.Fetch(ctx, url, referer)
	if err != nil || !f.detector.ShouldPromote(res) {
		return res, err
	}
	rendered, err := f.renderer.Fetch(ctx, url, referer)
	if err != nil {
		if ctx.Err() != nil {
			return rendered, err
		}
		f.logger.Warn("headless promotion failed", zap.String("url", url), zap.Error(err))
		return res, nil
	}
	f.logger.Debug("headless promotion applied", zap.String("url", url))
	return rendered, nil
}
