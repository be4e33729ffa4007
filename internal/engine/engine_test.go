package engine

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/domain-crawler/internal/checkpoint"
	"github.com/JakeFAU/domain-crawler/internal/crawler"
	"github.com/JakeFAU/domain-crawler/internal/frontier"
	publisherMemory "github.com/JakeFAU/domain-crawler/internal/publisher/memory"
	"github.com/JakeFAU/domain-crawler/internal/scope"
	"github.com/JakeFAU/domain-crawler/internal/state"
	storageMemory "github.com/JakeFAU/domain-crawler/internal/storage/memory"
)

// fakeSite serves a fixed link graph. It acts as both Fetcher and Extractor.
type fakeSite struct {
	links map[string][]string
	delay time.Duration

	mu      sync.Mutex
	fetched []string
}

func (s *fakeSite) Fetch(ctx context.Context, rawURL, _ string) (crawler.FetchResult, error) {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return crawler.FetchResult{}, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	s.mu.Lock()
	s.fetched = append(s.fetched, rawURL)
	s.mu.Unlock()
	if _, ok := s.links[rawURL]; !ok {
		return crawler.FetchResult{URL: rawURL, StatusCode: http.StatusNotFound},
			crawler.Permanent(rawURL, http.StatusNotFound, errors.New("not found"))
	}
	return crawler.FetchResult{URL: rawURL, StatusCode: http.StatusOK, Content: "<html>" + rawURL + "</html>"}, nil
}

func (s *fakeSite) Extract(_ context.Context, page crawler.FetchResult) (crawler.Extraction, error) {
	base, err := url.Parse(page.URL)
	if err != nil {
		return crawler.Extraction{}, err
	}
	var links []string
	for _, href := range s.links[page.URL] {
		abs, err := crawler.ResolveReference(base, href)
		if err == nil {
			links = append(links, abs)
		}
	}
	return crawler.Extraction{
		Links:  links,
		Record: crawler.Record{URL: page.URL, Title: page.URL, StatusCode: page.StatusCode},
	}, nil
}

func (s *fakeSite) fetchedURLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Clone(s.fetched)
	slices.Sort(out)
	return out
}

type memCheckpoints struct {
	mu    sync.Mutex
	cp    checkpoint.Checkpoint
	saved bool
}

func (m *memCheckpoints) Load(context.Context) (checkpoint.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.saved {
		return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
	}
	return m.cp, nil
}

func (m *memCheckpoints) Save(_ context.Context, cp checkpoint.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cp = cp
	m.saved = true
	return nil
}

func (m *memCheckpoints) last() checkpoint.Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cp
}

type rejectionCounter struct {
	noopMetrics
	mu      sync.Mutex
	reasons map[string]int
}

func (r *rejectionCounter) LinkRejected(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reasons == nil {
		r.reasons = make(map[string]int)
	}
	r.reasons[reason]++
}

func (r *rejectionCounter) count(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reasons[reason]
}

type failingHook struct{}

func (failingHook) Name() string { return "login" }
func (failingHook) Setup(context.Context, crawler.SeedFunc) error {
	return errors.New("credentials rejected")
}

type seedingHook struct{ urls []string }

func (seedingHook) Name() string { return "sitemap" }
func (h seedingHook) Setup(ctx context.Context, seed crawler.SeedFunc) error {
	for _, u := range h.urls {
		seed(ctx, u)
	}
	return nil
}

// blockingHook waits for cancellation, the way a slow sitemap fetch does.
type blockingHook struct{ started chan struct{} }

func (blockingHook) Name() string { return "sitemap" }
func (h blockingHook) Setup(ctx context.Context, _ crawler.SeedFunc) error {
	close(h.started)
	<-ctx.Done()
	return ctx.Err()
}

type recordingArchiver struct {
	mu    sync.Mutex
	saved map[string]string
}

func (a *recordingArchiver) Save(_ context.Context, rawURL, _, body string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.saved == nil {
		a.saved = make(map[string]string)
	}
	a.saved[rawURL] = body
	return "mem://" + rawURL, nil
}

func (a *recordingArchiver) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.saved)
}

type harness struct {
	site        *fakeSite
	frontier    *frontier.Frontier
	state       *state.State
	records     *storageMemory.RecordStore
	checkpoints *memCheckpoints
	metrics     *rejectionCounter
	publisher   *publisherMemory.Publisher
	archive     *recordingArchiver
	engine      *Engine
}

func newHarness(t *testing.T, site *fakeSite, rules scope.Rules, cfg Config, hooks ...crawler.SetupHook) *harness {
	t.Helper()

	filter, err := scope.NewFilter(rules, nil)
	require.NoError(t, err)
	h := &harness{
		site:        site,
		frontier:    frontier.New(filter, nil),
		state:       state.New("run-test", cfg.StartURL, nil),
		records:     storageMemory.NewRecordStore(),
		checkpoints: &memCheckpoints{},
		metrics:     &rejectionCounter{},
		publisher:   publisherMemory.New(),
		archive:     &recordingArchiver{},
	}
	persister, err := checkpoint.NewPersister(h.checkpoints, h.frontier, checkpoint.Config{Interval: time.Hour, RunID: "run-test"}, nil, nil, nil)
	require.NoError(t, err)

	if cfg.Workers == 0 {
		cfg.Workers = 3
	}
	cfg.DequeueTimeout = 10 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	cfg.ConfirmDelay = 30 * time.Millisecond
	cfg.PageTopic = "pages"

	h.engine, err = New(cfg, Dependencies{
		Frontier:   h.frontier,
		State:      h.state,
		Fetcher:    site,
		Retry:      NewRetryPolicy(RetrySpec{MaxRetries: 1, InitialBackoff: time.Millisecond}, nil, nil),
		Extractor:  site,
		Records:    h.records,
		Publisher:  h.publisher,
		Archiver:   h.archive,
		Persister:  persister,
		SetupHooks: hooks,
		Metrics:    h.metrics,
	}, nil)
	require.NoError(t, err)
	return h
}

func runWithTimeout(t *testing.T, e *Engine) (crawler.Status, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Run(ctx)
}

func TestEngine_CrawlsSiteToCompletion(t *testing.T) {
	t.Parallel()

	site := &fakeSite{links: map[string][]string{
		"https://example.com/":  {"/a", "/b", "https://example.com/a#top"},
		"https://example.com/a": {"/", "/c", "https://other.org/x"},
		"https://example.com/b": {"/c"},
		"https://example.com/c": {"mailto:team@example.com"},
	}}
	h := newHarness(t, site, scope.Rules{TargetDomain: "https://example.com/"}, Config{StartURL: "https://example.com/"})

	status, err := runWithTimeout(t, h.engine)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusFinished, status)

	want := []string{"https://example.com/", "https://example.com/a", "https://example.com/b", "https://example.com/c"}
	require.Equal(t, want, site.fetchedURLs(), "every page fetched exactly once")
	require.Equal(t, want, h.records.URLs())
	require.Equal(t, 4, h.state.Crawled())
	require.Equal(t, map[string]int{"200": 4}, h.state.Snapshot().StatusCodes)
	require.Equal(t, 1, h.metrics.count(string(scope.ReasonExternalDomain)))
	require.Len(t, h.publisher.Payloads("pages"), 4)
	require.Equal(t, 4, h.archive.count())
	note, ok := h.publisher.Payloads("pages")[0].(crawler.PageNotification)
	require.True(t, ok)
	require.Equal(t, "mem://"+note.URL, note.ArchiveURI)

	cp := h.checkpoints.last()
	require.Empty(t, cp.Pending)
	require.ElementsMatch(t, want, cp.Visited)
}

func TestEngine_BlacklistedLinksAreNeverStored(t *testing.T) {
	t.Parallel()

	site := &fakeSite{links: map[string][]string{
		"https://example.com/":        {"/a", "/admin/x", "/b"},
		"https://example.com/a":       {},
		"https://example.com/b":       {"/admin/settings"},
		"https://example.com/admin/x": {},
	}}
	rules := scope.Rules{TargetDomain: "example.com", Blacklist: []string{"/admin"}}
	h := newHarness(t, site, rules, Config{StartURL: "https://example.com/"})

	status, err := runWithTimeout(t, h.engine)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusFinished, status)

	require.Equal(t, []string{"https://example.com/", "https://example.com/a", "https://example.com/b"}, h.records.URLs())
	require.NotContains(t, site.fetchedURLs(), "https://example.com/admin/x")
	require.Equal(t, 2, h.metrics.count(string(scope.ReasonBlacklisted)))
	require.NotContains(t, h.checkpoints.last().Visited, "https://example.com/admin/x")
}

func TestEngine_NotFoundPagesCountAsCrawled(t *testing.T) {
	t.Parallel()

	site := &fakeSite{links: map[string][]string{
		"https://example.com/": {"/missing"},
	}}
	h := newHarness(t, site, scope.Rules{TargetDomain: "example.com"}, Config{StartURL: "https://example.com/"})

	status, err := runWithTimeout(t, h.engine)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusFinished, status)
	require.Equal(t, 2, h.state.Crawled())
	require.Equal(t, map[string]int{"200": 1, "404": 1}, h.state.Snapshot().StatusCodes)
	require.Equal(t, []string{"https://example.com/"}, h.records.URLs())
}

func TestEngine_StopLeavesPendingWorkInCheckpoint(t *testing.T) {
	t.Parallel()

	links := map[string][]string{}
	var children []string
	for i := range 40 {
		child := "https://example.com/p" + string(rune('a'+i%26)) + string(rune('a'+i/26))
		children = append(children, child)
		links[child] = nil
	}
	links["https://example.com/"] = children
	site := &fakeSite{links: links, delay: 20 * time.Millisecond}
	h := newHarness(t, site, scope.Rules{TargetDomain: "example.com"}, Config{StartURL: "https://example.com/", Workers: 3})

	done := make(chan crawler.Status, 1)
	go func() {
		status, _ := h.engine.Run(context.Background())
		done <- status
	}()

	require.Eventually(t, func() bool { return h.state.Crawled() >= 3 }, 5*time.Second, 5*time.Millisecond)
	h.engine.Stop()
	h.engine.Stop()

	var status crawler.Status
	select {
	case status = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
	require.Equal(t, crawler.StatusStopped, status)
	require.Equal(t, crawler.StatusStopped, h.state.Status())

	cp := h.checkpoints.last()
	require.NotEmpty(t, cp.Pending)
	require.Len(t, cp.Visited, 41)
	for _, p := range cp.Pending {
		require.Contains(t, cp.Visited, p)
	}
	require.Equal(t, 41-len(cp.Pending), h.state.Crawled(), "crawled pages and pending pages partition the visited set")
}

func TestEngine_ContextCancellationStops(t *testing.T) {
	t.Parallel()

	site := &fakeSite{links: map[string][]string{
		"https://example.com/":  {"/a"},
		"https://example.com/a": {},
	}, delay: time.Hour}
	h := newHarness(t, site, scope.Rules{TargetDomain: "example.com"}, Config{StartURL: "https://example.com/", Workers: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	status, err := h.engine.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusStopped, status)
	require.Equal(t, []string{"https://example.com/"}, h.checkpoints.last().Pending)
}

func TestEngine_SetupFailureStopsBeforeAnyFetch(t *testing.T) {
	t.Parallel()

	site := &fakeSite{links: map[string][]string{"https://example.com/": {}}}
	h := newHarness(t, site, scope.Rules{TargetDomain: "example.com"}, Config{StartURL: "https://example.com/"}, failingHook{})

	status, err := runWithTimeout(t, h.engine)
	require.ErrorContains(t, err, "credentials rejected")
	require.Equal(t, crawler.StatusStopped, status)
	require.Empty(t, site.fetchedURLs())
	require.Equal(t, []string{"https://example.com/"}, h.checkpoints.last().Pending)
}

func TestEngine_CancelDuringSetupIsCleanStop(t *testing.T) {
	t.Parallel()

	site := &fakeSite{links: map[string][]string{"https://example.com/": {}}}
	hook := blockingHook{started: make(chan struct{})}
	h := newHarness(t, site, scope.Rules{TargetDomain: "example.com"}, Config{StartURL: "https://example.com/"}, hook)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-hook.started
		cancel()
	}()

	status, err := h.engine.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusStopped, status)
	require.Equal(t, crawler.StatusStopped, h.state.Status())
	require.Empty(t, site.fetchedURLs())
	require.Equal(t, []string{"https://example.com/"}, h.checkpoints.last().Pending)
}

func TestEngine_SetupHookSeeds(t *testing.T) {
	t.Parallel()

	site := &fakeSite{links: map[string][]string{
		"https://example.com/":       {},
		"https://example.com/orphan": {},
	}}
	hook := seedingHook{urls: []string{"https://example.com/orphan", "https://elsewhere.net/"}}
	h := newHarness(t, site, scope.Rules{TargetDomain: "example.com"}, Config{StartURL: "https://example.com/"}, hook)

	status, err := runWithTimeout(t, h.engine)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusFinished, status)
	require.Equal(t, []string{"https://example.com/", "https://example.com/orphan"}, site.fetchedURLs())
}

func TestEngine_ResumeSkipsVisitedPages(t *testing.T) {
	t.Parallel()

	site := &fakeSite{links: map[string][]string{
		"https://example.com/":  {"/a", "/b"},
		"https://example.com/a": {"/c", "/"},
		"https://example.com/c": {},
	}}
	h := newHarness(t, site, scope.Rules{TargetDomain: "example.com"}, Config{StartURL: "https://example.com/", Resume: true})
	require.NoError(t, h.checkpoints.Save(context.Background(), checkpoint.Checkpoint{
		Visited: []string{"https://example.com/", "https://example.com/a"},
		Pending: []string{"https://example.com/a"},
	}))

	status, err := runWithTimeout(t, h.engine)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusFinished, status)
	require.Equal(t, []string{"https://example.com/a", "https://example.com/c"}, site.fetchedURLs())
	require.Equal(t, 3, h.state.Crawled())
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	site := &fakeSite{}
	deps := Dependencies{
		Frontier:  frontier.New(nil, nil),
		State:     state.New("run", "", nil),
		Fetcher:   site,
		Retry:     NewRetryPolicy(DefaultRetrySpec(), nil, nil),
		Extractor: site,
	}
	_, err := New(Config{Workers: 0}, deps, nil)
	require.ErrorContains(t, err, "workers")

	_, err = New(Config{Workers: 1, DelayMin: 2 * time.Second, DelayMax: time.Second}, deps, nil)
	require.ErrorContains(t, err, "delay")

	deps.Fetcher = nil
	_, err = New(Config{Workers: 1}, deps, nil)
	require.ErrorContains(t, err, "fetcher")
}
