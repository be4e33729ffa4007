package checkpoint

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

// fakeBucket answers simple uploads and object reads for a single object.
type fakeBucket struct {
	mu     sync.Mutex
	object string
	data   []byte
	status int
}

func (b *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != 0 {
		w.WriteHeader(b.status)
		return
	}
	switch r.Method {
	case http.MethodPost, http.MethodPut:
		data, err := uploadedMedia(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b.data = data
		_, _ = fmt.Fprintf(w, `{"name":%q,"bucket":"crawls","size":"%d"}`, b.object, len(data))
	case http.MethodGet:
		if b.data == nil || !strings.Contains(r.URL.Path, b.object) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", fmt.Sprint(len(b.data)))
		_, _ = w.Write(b.data)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (b *fakeBucket) stored() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// uploadedMedia returns the media part of a multipart upload.
func uploadedMedia(r *http.Request) ([]byte, error) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return io.ReadAll(r.Body)
	}
	mr := multipart.NewReader(r.Body, params["boundary"])
	var last []byte
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return last, nil
		}
		if err != nil {
			return nil, err
		}
		last, err = io.ReadAll(part)
		if err != nil {
			return nil, err
		}
	}
}

func newGCSStore(t *testing.T, bucket *fakeBucket) *GCSStore {
	t.Helper()
	srv := httptest.NewServer(bucket)
	t.Cleanup(srv.Close)
	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(srv.URL),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewGCSStore(client, GCSConfig{Bucket: "crawls", Object: bucket.object})
	require.NoError(t, err)
	return store
}

func TestGCSStore_MissingObjectIsNotFound(t *testing.T) {
	t.Parallel()

	store := newGCSStore(t, &fakeBucket{object: "site-a/checkpoint.json"})
	_, err := store.Load(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGCSStore_SaveThenLoad(t *testing.T) {
	t.Parallel()

	bucket := &fakeBucket{object: "site-a/checkpoint.json"}
	store := newGCSStore(t, bucket)
	require.Equal(t, "gs://crawls/site-a/checkpoint.json", store.URI())

	saved := Checkpoint{
		RunID:   "run-3",
		SavedAt: time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC),
		Visited: []string{"https://example.com/", "https://example.com/a"},
		Pending: []string{"https://example.com/a"},
	}
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, saved))
	require.Contains(t, string(bucket.stored()), `"run_id":"run-3"`)

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, saved.RunID, loaded.RunID)
	require.True(t, saved.SavedAt.Equal(loaded.SavedAt))
	require.Equal(t, saved.Visited, loaded.Visited)
	require.Equal(t, saved.Pending, loaded.Pending)
}

func TestGCSStore_ServerErrors(t *testing.T) {
	t.Parallel()

	store := newGCSStore(t, &fakeBucket{object: "cp.json", status: http.StatusForbidden})
	ctx := context.Background()

	_, err := store.Load(ctx)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrNotFound)
	require.Error(t, store.Save(ctx, Checkpoint{Visited: []string{"https://example.com/"}}))
}

func TestNewGCSStore_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewGCSStore(nil, GCSConfig{Bucket: "crawls", Object: "cp.json"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	_, err = NewGCSStore(client, GCSConfig{Object: "cp.json"})
	require.Error(t, err)
	_, err = NewGCSStore(client, GCSConfig{Bucket: "crawls", Object: "  "})
	require.Error(t, err)
}
