package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher retrieves a URL and returns its content, status code, and headers.
// Failures should be wrapped with Transient or Permanent so the retry policy
// can decide whether another attempt is worthwhile.
type Fetcher interface {
	Fetch(ctx context.Context, url, referer string) (FetchResult, error)
}

// Extractor turns fetched content into outbound links and a storable record.
type Extractor interface {
	Extract(ctx context.Context, page FetchResult) (Extraction, error)
}

// RecordStore persists extracted records. Persist must be idempotent on URL.
type RecordStore interface {
	Persist(ctx context.Context, record Record) error
	Close() error
}

// BlobStore persists raw artifacts such as page bodies and returns their URI.
type BlobStore interface {
	PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error)
}

// Hasher produces content digests.
type Hasher interface {
	Hash(data []byte) string
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// SeedFunc offers a URL to the frontier and reports whether it was accepted.
type SeedFunc func(ctx context.Context, rawURL string) bool

// SetupHook runs once while the crawl is Initializing. A returned error is
// fatal to the run.
type SetupHook interface {
	Name() string
	Setup(ctx context.Context, seed SeedFunc) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
