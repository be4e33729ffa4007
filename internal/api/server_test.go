package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/domain-crawler/internal/control"
	"github.com/JakeFAU/domain-crawler/internal/crawler"
	"github.com/JakeFAU/domain-crawler/internal/metrics"
	"github.com/JakeFAU/domain-crawler/internal/state"
	"github.com/JakeFAU/domain-crawler/internal/storage/postgres"
)

type fakeRuns struct {
	mu     sync.Mutex
	status string
	limit  int
	offset int
	runs   []postgres.RunSummary
	err    error
}

func (f *fakeRuns) List(_ context.Context, status string, limit, offset int) ([]postgres.RunSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status, f.limit, f.offset = status, limit, offset
	return f.runs, f.err
}

func newTestServer(t *testing.T, st *state.State, signal *control.Signal, runs RunLister, apiKey string) *Server {
	t.Helper()
	srv, err := NewServer(Options{
		Status:  st,
		Stop:    signal,
		Runs:    runs,
		Metrics: metrics.New(),
		APIKey:  apiKey,
		Logger:  zap.NewNop(),
	})
	require.NoError(t, err)
	return srv
}

func serve(srv *Server, method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_StatusReturnsLiveSnapshot(t *testing.T) {
	t.Parallel()

	st := state.New("run-1", "https://example.com/", nil)
	st.SetStatus(crawler.StatusRunning)
	st.IncCrawled()
	srv := newTestServer(t, st, control.NewSignal(), nil, "")

	rec := serve(srv, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var snap state.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, "run-1", snap.RunID)
	require.Equal(t, crawler.StatusRunning, snap.Status)
	require.Equal(t, 1, snap.CrawledCount)
}

func TestServer_StopTriggersSignal(t *testing.T) {
	t.Parallel()

	st := state.New("run-1", "", nil)
	st.SetStatus(crawler.StatusRunning)
	signal := control.NewSignal()
	srv := newTestServer(t, st, signal, nil, "")

	rec := serve(srv, http.MethodPost, "/v1/stop", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	requested, err := signal.StopRequested(context.Background())
	require.NoError(t, err)
	require.True(t, requested)
}

func TestServer_StopAfterRunEndedConflicts(t *testing.T) {
	t.Parallel()

	st := state.New("run-1", "", nil)
	st.SetStatus(crawler.StatusFinished)
	signal := control.NewSignal()
	srv := newTestServer(t, st, signal, nil, "")

	rec := serve(srv, http.MethodPost, "/v1/stop", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	requested, _ := signal.StopRequested(context.Background())
	require.False(t, requested)
}

func TestServer_ListRuns(t *testing.T) {
	t.Parallel()

	runs := &fakeRuns{runs: []postgres.RunSummary{{RunID: "run-9", Status: "Finished", StartedAt: time.Unix(100, 0).UTC()}}}
	srv := newTestServer(t, state.New("run-1", "", nil), control.NewSignal(), runs, "")

	rec := serve(srv, http.MethodGet, "/v1/runs?status=Finished&limit=1000&offset=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "run-9")
	require.Equal(t, "Finished", runs.status)
	require.Equal(t, maxRunLimit, runs.limit)
	require.Equal(t, 5, runs.offset)

	rec = serve(srv, http.MethodGet, "/v1/runs?limit=-1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	runs.err = errors.New("db down")
	rec = serve(srv, http.MethodGet, "/v1/runs", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_ListRunsUnavailableWithoutStore(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, state.New("run-1", "", nil), control.NewSignal(), nil, "")
	rec := serve(srv, http.MethodGet, "/v1/runs", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_HealthzAndMetrics(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, state.New("run-1", "", nil), control.NewSignal(), nil, "")

	rec := serve(srv, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
}

func TestServer_APIKeyGuardsV1Routes(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, state.New("run-1", "", nil), control.NewSignal(), nil, "secret")

	require.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusForbidden, serve(srv, http.MethodGet, "/v1/status", nil).Code)
	require.Equal(t, http.StatusOK,
		serve(srv, http.MethodGet, "/v1/status", http.Header{"X-Api-Key": {"secret"}}).Code)
	require.Equal(t, http.StatusOK, serve(srv, http.MethodGet, "/v1/status?api_key=secret", nil).Code)
	require.Equal(t, http.StatusForbidden,
		serve(srv, http.MethodGet, "/v1/status", http.Header{"X-Api-Key": {"secreT"}}).Code)
	require.Equal(t, http.StatusForbidden,
		serve(srv, http.MethodGet, "/v1/status", http.Header{"X-Api-Key": {"secret2"}}).Code)
	require.Equal(t, http.StatusForbidden, serve(srv, http.MethodPost, "/v1/stop?api_key=Secret", nil).Code)
}

func TestNewServer_RequiresStatusAndStop(t *testing.T) {
	t.Parallel()

	_, err := NewServer(Options{})
	require.Error(t, err)
}

func TestListenAndServe_ShutsDownOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ListenAndServe(ctx, "127.0.0.1:0", http.NotFoundHandler(), nil)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
