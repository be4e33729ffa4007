// Package state holds the counters, status, and recent log lines of a crawl
// run behind a single lock.
package state

import (
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/domain-crawler/internal/crawler"
)

// DefaultLogLines is how many recent log lines a State retains.
const DefaultLogLines = 50

// Snapshot is a point-in-time copy of a State suitable for publishing.
type Snapshot struct {
	RunID          string         `json:"run_id"`
	Status         crawler.Status `json:"status"`
	StartURL       string         `json:"start_url,omitempty"`
	CrawledCount   int            `json:"crawled_count"`
	QueueSize      int            `json:"queue_size"`
	VisitedCount   int            `json:"visited_count"`
	StartedAt      time.Time      `json:"started_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	ElapsedSeconds float64        `json:"elapsed_seconds"`
	PagesPerMinute float64        `json:"pages_per_minute"`
	StatusCodes    map[string]int `json:"status_codes"`
	RecentLogs     []string       `json:"recent_logs"`
}

// State is safe for concurrent use. Fields are only reachable through its
// methods.
type State struct {
	clock    crawler.Clock
	runID    string
	startURL string

	mu        sync.Mutex
	status    crawler.Status
	crawled   int
	codes     map[int]int
	startedAt time.Time
	logs      *ring
}

// New builds a State in the Initializing status.
func New(runID, startURL string, clock crawler.Clock) *State {
	if clock == nil {
		clock = wallClock{}
	}
	return &State{
		clock:     clock,
		runID:     runID,
		startURL:  startURL,
		status:    crawler.StatusInitializing,
		codes:     make(map[int]int),
		startedAt: clock.Now(),
		logs:      newRing(DefaultLogLines),
	}
}

// RunID returns the identifier of the run.
func (s *State) RunID() string {
	return s.runID
}

// SetStatus moves the run to status. Terminal statuses are sticky.
func (s *State) SetStatus(status crawler.Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	s.status = status
	return true
}

// Status returns the current status.
func (s *State) Status() crawler.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// IncCrawled increments the crawled page counter.
func (s *State) IncCrawled() {
	s.mu.Lock()
	s.crawled++
	s.mu.Unlock()
}

// SetCrawled overwrites the crawled counter, used when resuming.
func (s *State) SetCrawled(n int) {
	if n < 0 {
		n = 0
	}
	s.mu.Lock()
	s.crawled = n
	s.mu.Unlock()
}

// Crawled returns the crawled page counter.
func (s *State) Crawled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.crawled
}

// RecordStatusCode adds one observation to the status-code histogram.
// crawler.NoStatus is recorded as its own bucket.
func (s *State) RecordStatusCode(code int) {
	s.mu.Lock()
	s.codes[code]++
	s.mu.Unlock()
}

// AppendLog stores a log line in the ring buffer. It satisfies
// logging.LineSink.
func (s *State) AppendLog(line string) {
	s.mu.Lock()
	s.logs.push(line)
	s.mu.Unlock()
}

// Snapshot returns a deep copy of the state.
func (s *State) Snapshot() Snapshot {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	codes := make(map[string]int, len(s.codes))
	for code, n := range s.codes {
		key := strconv.Itoa(code)
		if code == crawler.NoStatus {
			key = "none"
		}
		codes[key] = n
	}
	elapsed := now.Sub(s.startedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	var rate float64
	if minutes := elapsed.Minutes(); minutes > 0 {
		rate = float64(s.crawled) / minutes
	}
	return Snapshot{
		RunID:          s.runID,
		Status:         s.status,
		StartURL:       s.startURL,
		CrawledCount:   s.crawled,
		StartedAt:      s.startedAt,
		UpdatedAt:      now,
		ElapsedSeconds: elapsed.Seconds(),
		PagesPerMinute: rate,
		StatusCodes:    codes,
		RecentLogs:     s.logs.items(),
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }
