package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/domain-crawler/internal/crawler"
)

// worker runs the fetch pipeline for URLs taken from the frontier.
type worker struct {
	id      int
	engine  *Engine
	referer string
	logger  *zap.Logger
}

func newWorker(id int, e *Engine) *worker {
	return &worker{
		id:      id,
		engine:  e,
		referer: e.cfg.StartURL,
		logger:  e.logger.With(zap.Int("worker", id)),
	}
}

// run blocks, processing frontier items until ctx finishes or a stop is
// requested.
func (w *worker) run(ctx context.Context) {
	e := w.engine
	for {
		if e.Stopped() || ctx.Err() != nil {
			return
		}
		url, ok := e.frontier.Dequeue(ctx, e.cfg.DequeueTimeout)
		if !ok {
			continue
		}
		if e.Stopped() {
			e.frontier.Requeue(url)
			return
		}
		if !w.process(ctx, url) {
			return
		}
		if !e.pauser.Pause(ctx, politenessDelay(e.cfg.DelayMin, e.cfg.DelayMax)) {
			return
		}
	}
}

// process handles one URL and reports whether the worker should keep going.
// URLs abandoned because ctx ended are requeued so checkpoints keep them.
func (w *worker) process(ctx context.Context, url string) (keepGoing bool) {
	e := w.engine
	e.metrics.WorkerActive(1)
	defer e.metrics.WorkerActive(-1)
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic while processing url",
				zap.String("url", url),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			e.frontier.Done(url)
			keepGoing = true
		}
	}()

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx, url); err != nil {
			e.frontier.Requeue(url)
			return false
		}
	}

	res, err := e.retry.Fetch(ctx, e.fetcher, url, w.referer)
	if ctx.Err() != nil {
		e.frontier.Requeue(url)
		return false
	}
	e.state.RecordStatusCode(res.StatusCode)
	e.metrics.PageCrawled(res.StatusCode, res.Duration)
	if err != nil {
		e.metrics.FetchFailed()
		w.logger.Warn("fetch failed", zap.String("url", url), zap.Int("status", res.StatusCode), zap.Error(err))
	}

	if res.HasContent() {
		if err := w.handleContent(ctx, url, res); err != nil {
			w.logger.Error("page handling failed", zap.String("url", url), zap.Error(err))
		}
		if ctx.Err() != nil {
			e.frontier.Requeue(url)
			return false
		}
	}

	e.state.IncCrawled()
	e.frontier.Done(url)
	w.referer = url
	w.logger.Info("crawled",
		zap.String("url", url),
		zap.Int("status", res.StatusCode),
		zap.Int("queued", e.frontier.Size()),
	)
	return true
}

func (w *worker) handleContent(ctx context.Context, url string, res crawler.FetchResult) error {
	e := w.engine
	if res.URL == "" {
		res.URL = url
	}
	extraction, err := e.extractor.Extract(ctx, res)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}

	var errs []error
	if e.records != nil {
		// Records are keyed by the frontier URL even when the fetch redirected.
		record := extraction.Record
		record.URL = url
		if record.ScrapedAt.IsZero() {
			record.ScrapedAt = e.now()
		}
		if err := e.records.Persist(ctx, record); err != nil {
			e.metrics.RecordPersistFailed()
			errs = append(errs, fmt.Errorf("persist record: %w", err))
		}
	}

	accepted := w.enqueueLinks(ctx, extraction.Links)

	var archiveURI string
	if e.archiver != nil {
		archiveURI, err = e.archiver.Save(ctx, url, res.Headers.Get("Content-Type"), res.Content)
		if err != nil {
			errs = append(errs, err)
		}
	}

	if err := w.publishPage(ctx, url, res, extraction, accepted, archiveURI); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (w *worker) enqueueLinks(ctx context.Context, links []string) int {
	e := w.engine
	accepted := 0
	for _, link := range links {
		ok, reason := e.frontier.TryEnqueue(ctx, link)
		if ok {
			accepted++
			continue
		}
		e.metrics.LinkRejected(string(reason))
		if !reason.Quiet() {
			w.logger.Debug("link rejected", zap.String("link", link), zap.String("reason", string(reason)))
		}
	}
	return accepted
}

func (w *worker) publishPage(
	ctx context.Context,
	url string,
	res crawler.FetchResult,
	extraction crawler.Extraction,
	accepted int,
	archiveURI string,
) error {
	e := w.engine
	if e.publisher == nil || e.cfg.PageTopic == "" {
		return nil
	}
	note := crawler.PageNotification{
		RunID:      e.state.RunID(),
		URL:        url,
		StatusCode: res.StatusCode,
		Title:      extraction.Record.Title,
		LinksFound: len(extraction.Links),
		DurationMS: res.Duration.Milliseconds(),
		FetchedAt:  e.now(),
		ArchiveURI: archiveURI,
	}
	if _, err := e.publisher.Publish(ctx, e.cfg.PageTopic, note); err != nil {
		return fmt.Errorf("publish page: %w", err)
	}
	w.logger.Debug("page published", zap.String("url", url), zap.Int("links_accepted", accepted))
	return nil
}

func (e *Engine) now() time.Time {
	if e.clock == nil {
		return time.Now().UTC()
	}
	return e.clock.Now()
}
