package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// GCSConfig locates the checkpoint object.
type GCSConfig struct {
	Bucket string
	Object string
}

// GCSStore keeps the checkpoint as a JSON object in Google Cloud Storage.
// Object writes are atomic on the GCS side.
type GCSStore struct {
	client *storage.Client
	bucket string
	object string
}

// NewGCSStore creates a GCS-backed checkpoint store.
func NewGCSStore(client *storage.Client, cfg GCSConfig) (*GCSStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if strings.TrimSpace(cfg.Object) == "" {
		return nil, fmt.Errorf("object name is required")
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, object: cfg.Object}, nil
}

// URI returns the gs:// location of the checkpoint.
func (s *GCSStore) URI() string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, s.object)
}

// Load implements Store.
func (s *GCSStore) Load(ctx context.Context) (Checkpoint, error) {
	reader, err := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return Checkpoint{}, ErrNotFound
		}
		return Checkpoint{}, fmt.Errorf("open checkpoint object: %w", err)
	}
	defer reader.Close() //nolint:errcheck // read-only handle
	data, err := io.ReadAll(reader)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("read checkpoint object: %w", err)
	}
	return decode(data)
}

// Save implements Store.
func (s *GCSStore) Save(ctx context.Context, cp Checkpoint) error {
	data, err := encode(cp)
	if err != nil {
		return err
	}
	writer := s.client.Bucket(s.bucket).Object(s.object).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write checkpoint object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write checkpoint object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}
