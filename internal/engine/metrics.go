package engine

import "time"

// Metrics receives engine instrumentation. internal/metrics provides the
// Prometheus implementation.
type Metrics interface {
	FetchAttempt()
	FetchRetry()
	FetchFailed()
	PageCrawled(statusCode int, duration time.Duration)
	LinkRejected(reason string)
	RecordPersistFailed()
	WorkerActive(delta int)
	FrontierSize(n int)
}

type noopMetrics struct{}

func (noopMetrics) FetchAttempt() {}
func (noopMetrics) FetchRetry() {}
func (noopMetrics) FetchFailed() {}
func (noopMetrics) PageCrawled(int, time.Duration) {}
func (noopMetrics) LinkRejected(string) {}
func (noopMetrics) RecordPersistFailed() {}
func (noopMetrics) WorkerActive(int) {}
func (noopMetrics) FrontierSize(int) {}
