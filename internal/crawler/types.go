package crawler

import (
	"net/http"
	"time"
)

// Status represents the lifecycle phase of a crawl run.
type Status string

// Run status values reported by the engine.
const (
	StatusInitializing Status = "Initializing"
	StatusRunning      Status = "Running"
	StatusFinished     Status = "Finished"
	StatusStopped      Status = "Stopped"
)

// Terminal reports whether the run can no longer change state.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusStopped
}

// NoStatus is recorded when a fetch never received a response.
const NoStatus = 0

// FetchResult is what a Fetcher returns for one URL.
type FetchResult struct {
	URL        string
	StatusCode int
	Content    string
	Headers    http.Header
	Duration   time.Duration
}

// HasContent reports whether the fetch produced a body worth extracting.
func (r FetchResult) HasContent() bool {
	return r.Content != ""
}

// Record is the structured data extracted from one page and handed to storage.
type Record struct {
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Language    string    `json:"language,omitempty"`
	TextContent string    `json:"text_content"`
	StatusCode  int       `json:"status_code"`
	ScrapedAt   time.Time `json:"scraped_at"`
}

// Extraction bundles the outbound links and the record found on one page.
type Extraction struct {
	Links  []string
	Record Record
}

// PageNotification is published for every page that produced content.
type PageNotification struct {
	RunID      string    `json:"run_id"`
	URL        string    `json:"url"`
	StatusCode int       `json:"status_code"`
	Title      string    `json:"title"`
	LinksFound int       `json:"links_found"`
	DurationMS int64     `json:"duration_ms"`
	FetchedAt  time.Time `json:"fetched_at"`
	ArchiveURI string    `json:"archive_uri,omitempty"`
}
