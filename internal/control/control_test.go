package control

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/domain-crawler/internal/crawler"
	publisherMemory "github.com/JakeFAU/domain-crawler/internal/publisher/memory"
	"github.com/JakeFAU/domain-crawler/internal/state"
)

type recordingPublisher struct {
	mu    sync.Mutex
	snaps []state.Snapshot
	err   error
}

func (p *recordingPublisher) Publish(_ context.Context, snap state.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps = append(p.snaps, snap)
	return p.err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.snaps)
}

type fixedStats struct{}

func (fixedStats) Size() int         { return 7 }
func (fixedStats) VisitedCount() int { return 11 }

func TestChannel_PublishIncludesFrontierStats(t *testing.T) {
	t.Parallel()

	st := state.New("run-1", "https://example.com/", nil)
	st.IncCrawled()
	failing := &recordingPublisher{err: errors.New("unreachable")}
	ok := &recordingPublisher{}
	ch := NewChannel(st, fixedStats{}, []Publisher{failing, ok}, nil, Config{}, nil)

	err := ch.Publish(context.Background())
	require.ErrorContains(t, err, "unreachable")
	require.Equal(t, 1, ok.count(), "a failing publisher must not block the others")

	snap := ok.snaps[0]
	require.Equal(t, "run-1", snap.RunID)
	require.Equal(t, 1, snap.CrawledCount)
	require.Equal(t, 7, snap.QueueSize)
	require.Equal(t, 11, snap.VisitedCount)
}

func TestChannel_RunInvokesStopOnceAndClearsCommand(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	files := NewFileStore(filepath.Join(dir, "status.json"), filepath.Join(dir, "command.json"))
	st := state.New("run-1", "", nil)
	pub := &recordingPublisher{}
	ch := NewChannel(st, nil, []Publisher{pub, files}, []StopSource{files}, Config{
		Interval:     5 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}, nil)

	var stops atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx, func() { stops.Add(1) }) }()

	require.Eventually(t, func() bool { return pub.count() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, files.RequestStop(context.Background()))
	require.Eventually(t, func() bool { return stops.Load() == 1 }, time.Second, 5*time.Millisecond)

	_, err := os.Stat(filepath.Join(dir, "command.json"))
	require.True(t, os.IsNotExist(err), "command file must be cleared once acted on")

	require.NoError(t, files.RequestStop(context.Background()))
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, "command.json"))
		return os.IsNotExist(err)
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), stops.Load())

	cancel()
	require.NoError(t, <-done)

	snap, err := files.ReadStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, "run-1", snap.RunID)
}

func TestFileStore_StatusAndCommands(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	files := NewFileStore(filepath.Join(dir, "status.json"), filepath.Join(dir, "command.json"))

	_, err := files.ReadStatus(ctx)
	require.ErrorIs(t, err, ErrNoStatus)

	requested, err := files.StopRequested(ctx)
	require.NoError(t, err)
	require.False(t, requested)
	require.NoError(t, files.Clear(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "command.json"), []byte(`{"command":"pause"}`), 0o600))
	requested, err = files.StopRequested(ctx)
	require.NoError(t, err)
	require.False(t, requested)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "command.json"), []byte(`not json`), 0o600))
	_, err = files.StopRequested(ctx)
	require.ErrorContains(t, err, "decode command file")

	require.NoError(t, files.RequestStop(ctx))
	requested, err = files.StopRequested(ctx)
	require.NoError(t, err)
	require.True(t, requested)
}

func TestSignal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewSignal()
	requested, _ := s.StopRequested(ctx)
	require.False(t, requested)

	require.NoError(t, s.RequestStop(ctx))
	requested, _ = s.StopRequested(ctx)
	require.True(t, requested)

	require.NoError(t, s.Clear(ctx))
	requested, _ = s.StopRequested(ctx)
	require.False(t, requested)
}

func TestTopicPublisher(t *testing.T) {
	t.Parallel()

	mem := publisherMemory.New()
	pub, err := NewTopicPublisher(mem, "crawl-status")
	require.NoError(t, err)

	st := state.New("run-1", "", nil)
	st.AppendLog("noisy line")
	require.NoError(t, pub.Publish(context.Background(), st.Snapshot()))

	msgs := mem.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "crawl-status", msgs[0].Topic)
	snap, ok := msgs[0].Payload.(state.Snapshot)
	require.True(t, ok)
	require.Empty(t, snap.RecentLogs)
	require.Equal(t, crawler.StatusInitializing, snap.Status)

	_, err = NewTopicPublisher(mem, "")
	require.Error(t, err)
}

func TestLogPublisher(t *testing.T) {
	t.Parallel()

	require.NoError(t, NewLogPublisher(nil).Publish(context.Background(), state.Snapshot{}))
}

func TestRedisStore_Keys(t *testing.T) {
	t.Parallel()

	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewRedisStore(client, "crawls:site-a:", time.Minute)
	require.NoError(t, err)
	status, command := store.Keys()
	require.Equal(t, "crawls:site-a:status", status)
	require.Equal(t, "crawls:site-a:command", command)

	_, err = NewRedisStore(nil, "", 0)
	require.Error(t, err)
}
